package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosondata/badwolf/internal/common"
)

func newServer(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":0,"message":"success","data":{"running":3}}`))
	})
	mux.HandleFunc("GET /log/build/abc/task1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>build</html>"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRunning(t *testing.T) {
	c, err := New(newServer(t).URL+"/", "")
	require.NoError(t, err)
	running, err := c.Running(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, running)
}

func TestLog(t *testing.T) {
	c, err := New(newServer(t).URL, "")
	require.NoError(t, err)

	page, err := c.Log(context.Background(), "build", "abc", "task1")
	require.NoError(t, err)
	assert.Equal(t, "<html>build</html>", string(page))

	_, err = c.Log(context.Background(), "lint", "abc", "task1")
	assert.Equal(t, common.LogNotExists, common.ConvertErr(err).ErrCode)
}

func TestNewErrors(t *testing.T) {
	_, err := New("", "")
	assert.Error(t, err)

	_, err = New("https://ci.example.com", filepath.Join(t.TempDir(), "missing.crt"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.crt")
	require.NoError(t, os.WriteFile(bad, []byte("not a cert"), 0o644))
	_, err = New("https://ci.example.com", bad)
	assert.Error(t, err)
}
