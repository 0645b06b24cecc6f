package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimitedRouter(cfg RateLimitConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(NewRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func get(router http.Handler, remoteAddr string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = remoteAddr
	router.ServeHTTP(w, req)
	return w
}

func TestRateLimitMiddleware_DisabledAllowsRequests(t *testing.T) {
	router := newLimitedRouter(RateLimitConfig{Enabled: false, RequestsPerSecond: 1, Burst: 1})

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, get(router, "10.0.0.1:1000").Code)
	}
}

func TestRateLimitMiddleware_LimitsPerClient(t *testing.T) {
	router := newLimitedRouter(RateLimitConfig{Enabled: true, RequestsPerSecond: 1, Burst: 1})

	assert.Equal(t, http.StatusOK, get(router, "10.0.0.1:1000").Code)

	limited := get(router, "10.0.0.1:1001")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "1", limited.Header().Get("Retry-After"))

	// another client has its own bucket
	assert.Equal(t, http.StatusOK, get(router, "10.0.0.2:1000").Code)
}

func TestRateLimitMiddleware_IgnoresForwardedForWithoutTrustedProxy(t *testing.T) {
	router := newLimitedRouter(RateLimitConfig{Enabled: true, RequestsPerSecond: 1, Burst: 1})
	require.NoError(t, router.SetTrustedProxies(nil))

	send := func(forwarded string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.RemoteAddr = "127.0.0.1:4000"
		req.Header.Set("X-Forwarded-For", forwarded)
		router.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, send("198.51.100.7"))
	assert.Equal(t, http.StatusTooManyRequests, send("198.51.100.8"), "a new header must not buy a new bucket")
}

func TestRateLimitMiddleware_ConcurrencyCap(t *testing.T) {
	gin.SetMode(gin.TestMode)
	entered := make(chan struct{})
	release := make(chan struct{})
	router := gin.New()
	router.Use(NewRateLimitMiddleware(RateLimitConfig{Enabled: true, RequestsPerSecond: 100, Burst: 100, MaxConcurrent: 1}))
	router.GET("/test", func(c *gin.Context) {
		close(entered)
		<-release
		c.Status(http.StatusOK)
	})

	first := make(chan int, 1)
	go func() { first <- get(router, "10.0.0.1:1000").Code }()
	<-entered

	assert.Equal(t, http.StatusServiceUnavailable, get(router, "10.0.0.2:1000").Code)
	close(release)
	assert.Equal(t, http.StatusOK, <-first)
}
