package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndLoad_RunningState(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	st := &PlaybookState{
		RunID:      "run-1",
		PlaybookID: "deploy",
		Status:     StatusRunning,
		Inputs:     map[string]interface{}{"env": "prod"},
	}
	require.NoError(t, store.Save(st))

	loaded, err := store.Load("run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, loaded.Status)
	assert.Equal(t, "prod", loaded.Inputs["env"])
}

func TestSave_CompletedArchivesAndRemovesLive(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	st := &PlaybookState{RunID: "run-2", PlaybookID: "deploy", Status: StatusRunning}
	require.NoError(t, store.Save(st))

	st.Status = StatusCompleted
	require.NoError(t, store.Save(st))

	_, err = store.Load("run-2")
	assert.Error(t, err, "completed runs must not remain in the live directory")
}

func TestSave_FailedStaysLive(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	st := &PlaybookState{RunID: "run-3", PlaybookID: "deploy", Status: StatusFailed, Error: "boom"}
	require.NoError(t, store.Save(st))

	loaded, err := store.Load("run-3")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, loaded.Status)
	assert.Equal(t, "boom", loaded.Error)
}

func TestListLive_OnlyLiveRuns(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Save(&PlaybookState{RunID: "a", Status: StatusRunning}))
	require.NoError(t, store.Save(&PlaybookState{RunID: "b", Status: StatusCompleted}))

	ids, err := store.ListLive()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a"}, ids)
}
