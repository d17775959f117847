package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type staticRoles map[string]string

func (r staticRoles) HasRole(account, role string) bool { return r[account] == role }

func sign(t *testing.T, secret string, claims jwt.MapClaims) string {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return tok
}

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	handlers = append(handlers, func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("clientID"))
	})
	router.GET("/x", handlers...)
	return router
}

func call(router *gin.Engine, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestJWTAuth(t *testing.T) {
	router := newRouter(JWTAuth("secret"))
	exp := time.Now().Add(time.Hour).Unix()

	w := call(router, sign(t, "secret", jwt.MapClaims{"client_id": "alice", "exp": exp}))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", w.Body.String())

	assert.Equal(t, http.StatusUnauthorized, call(router, "").Code)
	assert.Equal(t, http.StatusUnauthorized, call(router, sign(t, "other", jwt.MapClaims{"client_id": "alice", "exp": exp})).Code)
	assert.Equal(t, http.StatusUnauthorized, call(router, sign(t, "secret", jwt.MapClaims{"exp": exp})).Code)
	assert.Equal(t, http.StatusUnauthorized, call(router, sign(t, "secret", jwt.MapClaims{"client_id": "alice", "exp": time.Now().Add(-time.Hour).Unix()})).Code)
}

func TestInternalAuth(t *testing.T) {
	router := newRouter(InternalAuth("secret", staticRoles{"ops": "DEFAULT_ADMIN"}, "DEFAULT_ADMIN", "AUCTION_ADMIN"))
	exp := time.Now().Add(time.Hour).Unix()

	assert.Equal(t, http.StatusOK, call(router, sign(t, "secret", jwt.MapClaims{"client_id": "ops", "exp": exp})).Code)
	assert.Equal(t, http.StatusForbidden, call(router, sign(t, "secret", jwt.MapClaims{"client_id": "alice", "exp": exp})).Code)
}

func TestLimitFor(t *testing.T) {
	limit, burst := limitFor("/api/v1/auth/token")
	assert.Equal(t, authLimit, limit)
	assert.Equal(t, 1, burst)
	limit, _ = limitFor("/api/v1/orders/:order_id")
	assert.Equal(t, tradingLimit, limit)
	limit, _ = limitFor("/metrics")
	assert.Equal(t, rate.Inf, limit)
}

func TestRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RateLimit())
	router.POST("/api/v1/auth/token", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", nil)
		req.RemoteAddr = "10.9.8.7:1234"
		router.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusBadRequest}, codes)
}
