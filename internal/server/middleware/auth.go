package middleware

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/bosondata/badwolf/internal/common"
)

// DownloadExpire is the lifetime of an artifact download token.
const DownloadExpire = 30 * 24 * time.Hour

// Claims grants download of one artifact file.
type Claims struct {
	Repo string `json:"repo"`
	Ref  string `json:"ref"`
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// Signer mints and checks artifact download tokens. A Signer without a key
// leaves downloads open.
type Signer struct {
	key    []byte
	expire time.Duration
	now    func() time.Time
}

func NewSigner(key string) *Signer {
	return &Signer{key: []byte(key), expire: DownloadExpire, now: time.Now}
}

func (s *Signer) Enabled() bool {
	return len(s.key) > 0
}

func (s *Signer) GenerateJWT(repo, ref, name string) (string, error) {
	claims := &Claims{
		Repo: repo,
		Ref:  ref,
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(s.now()),
			ExpiresAt: jwt.NewNumericDate(s.now().Add(s.expire)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.key)
}

// Parse validates tokenString and returns its claims.
func (s *Signer) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return s.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// DownloadURL links an artifact under serverName, signed when enabled.
func (s *Signer) DownloadURL(serverName, repo, ref, name string) string {
	u := serverName + "/artifacts/" + repo + "/" + ref + "/" + name
	if !s.Enabled() {
		return u
	}
	token, err := s.GenerateJWT(repo, ref, name)
	if err != nil {
		common.GetLogger().Error("generate download token failed", zap.String("repo", repo), zap.Error(err))
		return u
	}
	return u + "?token=" + token
}

// JWTAuthMiddleware guards the artifact route. The token comes from the
// "token" query parameter or a Bearer Authorization header and must name
// the requested repository, ref and file.
func JWTAuthMiddleware(s *Signer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.Enabled() {
			c.Next()
			return
		}
		tokenString := c.Query("token")
		if tokenString == "" {
			var err error
			tokenString, err = common.GetAuthorizationToken(c.GetHeader("Authorization"))
			if err != nil {
				common.ErrorWithStatus(c, http.StatusUnauthorized, common.NewErrNo(common.TokenInvalid))
				c.Abort()
				return
			}
		}

		claims, err := s.Parse(tokenString)
		if err != nil {
			common.ErrorWithStatus(c, http.StatusUnauthorized, common.NewErrNo(common.TokenInvalid))
			c.Abort()
			return
		}
		repo := c.Param("owner") + "/" + c.Param("repo")
		if claims.Repo != repo || claims.Ref != c.Param("ref") || claims.Name != c.Param("filename") {
			common.ErrorWithStatus(c, http.StatusForbidden, common.NewErrNo(common.TokenInvalid))
			c.Abort()
			return
		}
		c.Set("downloadClaims", claims)
		c.Next()
	}
}
