package privileged

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/catalyst/pkg/playbook"
)

func TestHTTPRequest_ReturnsStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bar", r.Header.Get("X-Foo"))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("created"))
	}))
	defer srv.Close()

	out, err := HTTPRequest(context.Background(), &playbook.ExecutionContext{}, map[string]interface{}{
		"url":     srv.URL,
		"method":  "POST",
		"headers": map[string]interface{}{"X-Foo": "bar"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, out["statusCode"])
	assert.Equal(t, "created", out["body"])
}

func TestHTTPRequest_RequiresURL(t *testing.T) {
	_, err := HTTPRequest(context.Background(), &playbook.ExecutionContext{}, map[string]interface{}{})
	require.Error(t, err)
}

func TestHTTPRequest_DefaultsToGet(t *testing.T) {
	var sawMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawMethod = r.Method
	}))
	defer srv.Close()

	_, err := HTTPRequest(context.Background(), &playbook.ExecutionContext{}, map[string]interface{}{"url": srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, sawMethod)
}
