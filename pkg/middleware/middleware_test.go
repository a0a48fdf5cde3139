package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"trustwork/pkg/config"
	"trustwork/pkg/errutil"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
	zap.ReplaceGlobals(zap.NewNop())
}

type envelope struct {
	Error ErrorBody `json:"error"`
}

func serve(t *testing.T, r *gin.Engine, req *http.Request) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var body envelope
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &body)
	}
	return w, body
}

func TestErrorMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(RequestID(), Error())
	r.GET("/validation", func(c *gin.Context) {
		Abort(c, errutil.ValidationFailed("invalid budget", nil, errutil.Field("budget_min", "must not exceed budget_max")))
	})
	r.GET("/internal", func(c *gin.Context) {
		Abort(c, errors.New("db exploded"))
	})
	r.GET("/awarded", func(c *gin.Context) {
		Abort(c, errutil.AlreadyAwarded("assignment already awarded", nil))
	})

	w, body := serve(t, r, httptest.NewRequest(http.MethodGet, "/validation", nil))
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.Equal(t, errutil.StatusValidationFailed, body.Error.Code)
	require.Equal(t, "budget_min", body.Error.Details[0].Field)
	require.NotEmpty(t, w.Header().Get(HeaderRequestID))

	w, body = serve(t, r, httptest.NewRequest(http.MethodGet, "/internal", nil))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Equal(t, "internal error", body.Error.Message)
	require.NotEmpty(t, body.Error.CorrelationID)
	require.NotContains(t, w.Body.String(), "db exploded")

	w, body = serve(t, r, httptest.NewRequest(http.MethodGet, "/awarded", nil))
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, errutil.StatusAlreadyAwarded, body.Error.Code)
}

func TestAuthenticate(t *testing.T) {
	cfg := &config.Config{}
	cfg.Auth.JWTSecret = "secret"
	cfg.Auth.Issuer = "trustwork"
	v := NewJWTVerifier(cfg)

	r := gin.New()
	r.Use(Error())
	r.GET("/private", Authenticate(v, false), func(c *gin.Context) {
		c.String(http.StatusOK, Subject(c))
	})
	r.GET("/public", Authenticate(v, true), func(c *gin.Context) {
		c.String(http.StatusOK, "anon:"+Subject(c))
	})

	w, body := serve(t, r, httptest.NewRequest(http.MethodGet, "/private", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, errutil.StatusUnauthenticated, body.Error.Code)

	token, err := v.Sign("user-1", "Ada", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/private", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w, _ = serve(t, r, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "user-1", w.Body.String())

	w, _ = serve(t, r, httptest.NewRequest(http.MethodGet, "/public", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "anon:", w.Body.String())

	other := &config.Config{}
	other.Auth.JWTSecret = "secret"
	other.Auth.Issuer = "someone-else"
	foreign, err := NewJWTVerifier(other).Sign("user-1", "", time.Hour)
	require.NoError(t, err)

	req = httptest.NewRequest(http.MethodGet, "/public", nil)
	req.Header.Set("Authorization", "Bearer "+foreign)
	w, _ = serve(t, r, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}
