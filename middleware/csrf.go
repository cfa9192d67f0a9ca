package middleware

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"starcapital/logger"
)

// CSRFConfig CSRF 中间件配置
type CSRFConfig struct {
	TokenLength    int           // Token 长度（字节）
	CookieName     string        // Cookie 名称
	HeaderName     string        // Header 名称
	CookiePath     string        // Cookie 路径
	CookieSecure   bool          // 是否仅 HTTPS
	CookieSameSite http.SameSite // SameSite 属性
	CookieDomain   string        // Cookie 域名（用于跨子域共享）
	ExemptPaths    []string      // 豁免路径（不检查 CSRF）
}

// DefaultCSRFConfig 返回默认 CSRF 配置
func DefaultCSRFConfig() CSRFConfig {
	return CSRFConfig{
		TokenLength:    32,
		CookieName:     "csrf_token",
		HeaderName:     "X-CSRF-Token",
		CookiePath:     "/",
		CookieSecure:   false, // 生产环境由 ENVIRONMENT=production 打开
		CookieSameSite: http.SameSiteLaxMode,
		CookieDomain:   "",
		ExemptPaths: []string{
			"/api/health",
			"/api/auth/login",    // 首次访问还没有 Cookie
			"/api/auth/register", // 同上
			"/api/admin/login",
			"/api/ws",
			"/metrics",
		},
	}
}

// generateCSRFToken 生成随机 CSRF Token
func generateCSRFToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(bytes), nil
}

// CSRFMiddleware CSRF 保护中间件（Double Submit Cookie 模式）
// 工作原理：
// 1. 第一次请求时生成随机 Token，存储在 Cookie 中
// 2. 前端从 Cookie 读取 Token，并在后续请求的 Header 中携带
// 3. 服务器验证 Cookie 中的 Token 和 Header 中的 Token 是否一致
// 4. 由于恶意网站无法读取其他域的 Cookie，因此无法伪造请求
func CSRFMiddleware(config CSRFConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		// OPTIONS 请求直接放行（CORS 预检）
		if c.Request.Method == "OPTIONS" {
			c.Next()
			return
		}

		// 检查是否在豁免路径中
		path := c.Request.URL.Path
		for _, exemptPath := range config.ExemptPaths {
			if strings.HasPrefix(path, exemptPath) {
				c.Next()
				return
			}
		}

		// GET 和 HEAD 请求不检查 CSRF（幂等操作）
		if c.Request.Method == "GET" || c.Request.Method == "HEAD" {
			// 如果 Cookie 中没有 Token，生成一个新的
			_, err := c.Cookie(config.CookieName)
			if err != nil {
				token, genErr := generateCSRFToken(config.TokenLength)
				if genErr != nil {
					logger.Errorf("❌ [CSRF] 生成 Token 失败: %v", genErr)
					c.Next()
					return
				}

				c.SetSameSite(config.CookieSameSite)
				c.SetCookie(
					config.CookieName,
					token,
					3600*24, // 24 小时
					config.CookiePath,
					"",
					config.CookieSecure,
					false, // 前端需要读取后放入 Header
				)
			}
			c.Next()
			return
		}

		// POST/PUT/DELETE 等状态变更操作需要验证 CSRF Token
		cookieToken, err := c.Cookie(config.CookieName)
		if err != nil {
			logger.Warnf("🚨 [CSRF] IP %s 缺少 CSRF Cookie (路径: %s)", c.ClientIP(), path)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "CSRF token missing in cookie"})
			return
		}

		// 从 Header 中获取 Token
		headerToken := c.GetHeader(config.HeaderName)
		if headerToken == "" {
			logger.Warnf("🚨 [CSRF] IP %s 缺少 CSRF Header (路径: %s)", c.ClientIP(), path)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "CSRF token missing in header"})
			return
		}

		// 验证 Token 是否一致
		if subtle.ConstantTimeCompare([]byte(cookieToken), []byte(headerToken)) != 1 {
			logger.Warnf("🚨 [CSRF] IP %s Token 不匹配 (路径: %s)", c.ClientIP(), path)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "CSRF token mismatch"})
			return
		}

		c.Next()
	}
}

// GetCSRFToken 获取当前请求的 CSRF Token（用于 API 响应）
func GetCSRFToken(c *gin.Context, config CSRFConfig) string {
	token, err := c.Cookie(config.CookieName)
	if err != nil {
		// 如果没有 Token，生成一个新的
		newToken, genErr := generateCSRFToken(config.TokenLength)
		if genErr != nil {
			logger.Errorf("❌ [CSRF] 生成 Token 失败: %v", genErr)
			return ""
		}

		c.SetSameSite(config.CookieSameSite)
		c.SetCookie(
			config.CookieName,
			newToken,
			3600*24,
			config.CookiePath,
			"",
			config.CookieSecure,
			false,
		)
		return newToken
	}
	return token
}
