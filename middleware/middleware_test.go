package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := NewIPRateLimiter(rate.Every(time.Hour), 2)
	router := gin.New()
	router.Use(RateLimitMiddleware(limiter))
	router.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	codes := []int{}
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{200, 200, 429}, codes)

	// 其他 IP 不受影响
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestIPRateLimiterCleanup(t *testing.T) {
	limiter := NewIPRateLimiter(rate.Limit(1), 1)
	limiter.idleTTL = time.Millisecond
	limiter.GetLimiter("1.1.1.1")
	time.Sleep(5 * time.Millisecond)
	limiter.GetLimiter("2.2.2.2")

	assert.Equal(t, 1, limiter.Cleanup())
	assert.Len(t, limiter.limiters, 1)
}

func TestCSRFMiddleware(t *testing.T) {
	cfg := DefaultCSRFConfig()
	router := gin.New()
	router.Use(CSRFMiddleware(cfg))
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }
	router.GET("/api/user/profile", ok)
	router.POST("/api/transactions/withdraw", ok)
	router.POST("/api/auth/login", ok)

	// GET 下发 Cookie
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/user/profile", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var token string
	for _, c := range w.Result().Cookies() {
		if c.Name == cfg.CookieName {
			token = c.Value
			assert.False(t, c.HttpOnly)
		}
	}
	require.NotEmpty(t, token)

	post := func(cookie, header string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/transactions/withdraw", nil)
		if cookie != "" {
			req.AddCookie(&http.Cookie{Name: cfg.CookieName, Value: cookie})
		}
		if header != "" {
			req.Header.Set(cfg.HeaderName, header)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}
	assert.Equal(t, http.StatusForbidden, post("", ""))
	assert.Equal(t, http.StatusForbidden, post(token, ""))
	assert.Equal(t, http.StatusForbidden, post(token, "other"))
	assert.Equal(t, http.StatusOK, post(token, token))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/auth/login", nil))
	assert.Equal(t, http.StatusOK, w.Code, "登录接口豁免")
}
