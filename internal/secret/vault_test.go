package secret

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosondata/badwolf/internal/spec"
)

func vaultServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "s.token", r.Header.Get("X-Vault-Token"))
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/secret/app":
			_, _ = w.Write([]byte(`{"data": {"api_key": "abc", "port": 8080}}`))
		case "/v1/kv/data/app":
			_, _ = w.Write([]byte(`{"data": {"data": {"password": "pw"}, "metadata": {"version": 1}}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors": []}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestResolve(t *testing.T) {
	reader, err := NewVaultReader(vaultServer(t).URL, "s.token")
	require.NoError(t, err)

	values, err := Resolve(context.Background(), reader, map[string]spec.SecretRef{
		"API_KEY":  {Path: "secret/app", Key: "api_key"},
		"PORT":     {Path: "secret/app", Key: "port"},
		"MISSING":  {Path: "secret/app", Key: "nope"},
		"PASSWORD": {Path: "kv/data/app", Key: "password"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"API_KEY": "abc", "PORT": "8080", "PASSWORD": "pw"}, values)
}

func TestResolveNotFound(t *testing.T) {
	reader, err := NewVaultReader(vaultServer(t).URL, "s.token")
	require.NoError(t, err)

	_, err = Resolve(context.Background(), reader, map[string]spec.SecretRef{
		"X": {Path: "secret/none", Key: "x"},
	})
	require.Error(t, err)
	assert.Equal(t, "Error reading secret/none from Vault: not found", err.Error())
}
