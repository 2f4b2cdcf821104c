package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func router(s *Signer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/artifacts/:owner/:repo/:ref/:filename", JWTAuthMiddleware(s), func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	return r
}

func get(r http.Handler, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

func TestDownloadToken(t *testing.T) {
	s := NewSigner("secret")
	r := router(s)

	u := s.DownloadURL("http://badwolf.test", "owner/repo", "abc", "artifacts.tar.gz")
	require.True(t, strings.HasPrefix(u, "http://badwolf.test/artifacts/owner/repo/abc/artifacts.tar.gz?token="))
	path := strings.TrimPrefix(u, "http://badwolf.test")

	assert.Equal(t, http.StatusOK, get(r, path).Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, "/artifacts/owner/repo/abc/artifacts.tar.gz").Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, "/artifacts/owner/repo/abc/artifacts.tar.gz?token=garbage").Code)

	token := path[strings.Index(path, "=")+1:]
	assert.Equal(t, http.StatusForbidden, get(r, "/artifacts/owner/repo/abc/B3SUM?token="+token).Code)
	assert.Equal(t, http.StatusForbidden, get(r, "/artifacts/owner/other/abc/artifacts.tar.gz?token="+token).Code)
}

func TestDownloadTokenExpired(t *testing.T) {
	s := NewSigner("secret")
	s.now = func() time.Time { return time.Now().Add(-2 * DownloadExpire) }
	token, err := s.GenerateJWT("owner/repo", "abc", "artifacts.tar.gz")
	require.NoError(t, err)

	s.now = time.Now
	w := get(router(s), "/artifacts/owner/repo/abc/artifacts.tar.gz?token="+token)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	_, err = NewSigner("other").Parse(token)
	assert.Error(t, err)
}

func TestDownloadOpenWithoutKey(t *testing.T) {
	s := NewSigner("")
	assert.False(t, s.Enabled())
	assert.Equal(t, "http://badwolf.test/artifacts/owner/repo/abc/artifacts.tar.gz",
		s.DownloadURL("http://badwolf.test", "owner/repo", "abc", "artifacts.tar.gz"))
	assert.Equal(t, http.StatusOK, get(router(s), "/artifacts/owner/repo/abc/artifacts.tar.gz").Code)
}
