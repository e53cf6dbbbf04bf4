package admin

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jxskiss/errors"
)

const tokenIssuer = "mygw-admin"

// DefaultTokenTTL is the lifetime of tokens made by GenerateToken.
const DefaultTokenTTL = time.Hour

// WithAuthSecret protects every endpoint except /health, /ready and
// /metrics with a HS256 bearer token signed by secret.
// An empty secret leaves the API open.
func WithAuthSecret(secret string) Option {
	return func(s *Server) { s.secret = secret }
}

// GenerateToken makes a bearer token accepted by a server configured
// with the same secret.
func GenerateToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("empty admin secret")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", errors.WithMessage(err, "sign admin token")
	}
	return signed, nil
}

func (s *Server) authenticate() gin.HandlerFunc {
	keyFunc := func(_ *jwt.Token) (any, error) {
		return []byte(s.secret), nil
	}
	return func(c *gin.Context) {
		tokenString, found := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !found || tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "bearer token required"})
			return
		}
		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, keyFunc,
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(tokenIssuer))
		if err != nil || !token.Valid {
			s.log.Infof("admin request %s %s rejected: %v", c.Request.Method, c.Request.URL.Path, err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("subject", claims.Subject)
		c.Next()
	}
}
