package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	catalysterrors "github.com/tombee/catalyst/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePlaybook(t *testing.T, dir, id, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".yaml"), []byte(content), 0600))
}

const minimalPlaybook = `
id: deploy
name: Deploy
steps:
  - id: step1
    type: action
    action: noop
`

func TestResolve_LoadsAndCaches(t *testing.T) {
	dir := t.TempDir()
	writePlaybook(t, dir, "deploy", minimalPlaybook)

	r := New()
	require.NoError(t, r.AddLoader(NewFileLoader(dir)))

	pb, err := r.Resolve("deploy", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "deploy", pb.ID)

	pb2, err := r.Resolve("deploy", nil, 0)
	require.NoError(t, err)
	assert.Same(t, pb, pb2, "second resolve should hit the mtime-validated cache")
}

func TestResolve_CacheInvalidatedByMtime(t *testing.T) {
	dir := t.TempDir()
	writePlaybook(t, dir, "deploy", minimalPlaybook)

	r := New()
	require.NoError(t, r.AddLoader(NewFileLoader(dir)))

	pb1, err := r.Resolve("deploy", nil, 0)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	writePlaybook(t, dir, "deploy", minimalPlaybook+"\n")

	pb2, err := r.Resolve("deploy", nil, 0)
	require.NoError(t, err)
	assert.NotSame(t, pb1, pb2)
}

func TestResolve_CircularReference(t *testing.T) {
	dir := t.TempDir()
	writePlaybook(t, dir, "deploy", minimalPlaybook)

	r := New()
	require.NoError(t, r.AddLoader(NewFileLoader(dir)))

	_, err := r.Resolve("deploy", []string{"deploy"}, 0)
	require.Error(t, err)
	code, ok := catalysterrors.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, catalysterrors.CodeCircularReferenceDetected, code)
}

func TestResolve_MaxRecursionDepth(t *testing.T) {
	dir := t.TempDir()
	writePlaybook(t, dir, "deploy", minimalPlaybook)

	r := New()
	require.NoError(t, r.AddLoader(NewFileLoader(dir)))

	stack := make([]string, 10)
	for i := range stack {
		stack[i] = "other"
	}

	_, err := r.Resolve("deploy", stack, 10)
	require.Error(t, err)
	code, ok := catalysterrors.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, catalysterrors.CodeMaxRecursionDepthExceeded, code)
}

func TestRegisterAction_DuplicateRejected(t *testing.T) {
	r := New()
	rec := &ActionFactoryRecord{Name: "http.get"}
	require.NoError(t, r.RegisterAction(rec))

	err := r.RegisterAction(rec)
	require.Error(t, err)
	code, ok := catalysterrors.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, catalysterrors.CodeDuplicateAction, code)
}

func TestLookupAction_NotFound(t *testing.T) {
	r := New()
	_, err := r.LookupAction("missing")
	require.Error(t, err)
	code, ok := catalysterrors.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, catalysterrors.CodeActionNotFound, code)
}
