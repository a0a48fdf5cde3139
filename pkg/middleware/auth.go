package middleware

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"trustwork/pkg/config"
	"trustwork/pkg/errutil"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const subjectKey = "auth.subject"

// Claims are the identity-provider claims; Subject is the principal id.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier validates bearer tokens.
type TokenVerifier interface {
	Verify(token string) (*Claims, error)
}

type JWTVerifier struct {
	secret []byte
	issuer string
}

func NewJWTVerifier(cfg *config.Config) *JWTVerifier {
	return &JWTVerifier{secret: []byte(cfg.Auth.JWTSecret), issuer: cfg.Auth.Issuer}
}

func (v *JWTVerifier) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, errors.New("token string is empty")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid || claims.Subject == "" {
		return nil, errors.New("token is not valid")
	}

	return claims, nil
}

// Sign issues a token for subject; used by the migrate CLI and tests.
func (v *JWTVerifier) Sign(subject, name string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Authenticate verifies the bearer token. With optional set, requests without an
// Authorization header pass through anonymously; a present but invalid token is always rejected.
func Authenticate(verifier TokenVerifier, optional bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			if optional {
				c.Next()
				return
			}
			Abort(c, errutil.Unauthenticated("missing bearer token", nil))
			return
		}

		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			Abort(c, errutil.Unauthenticated("malformed authorization header", nil))
			return
		}

		claims, err := verifier.Verify(strings.TrimSpace(raw))
		if err != nil {
			Abort(c, errutil.Unauthenticated("invalid token", err))
			return
		}

		c.Set(subjectKey, claims.Subject)
		c.Next()
	}
}

// Subject returns the authenticated principal id, empty for anonymous callers.
func Subject(c *gin.Context) string {
	return c.GetString(subjectKey)
}
