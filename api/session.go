package api

import (
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"starcapital/auth"
	"starcapital/config"
)

const (
	msgLoginRequired      = "请先登录"
	msgAdminLoginRequired = "请先登录管理员账号"
)

// tokenFromRequest 优先取 Bearer 头，其次取 Cookie
func tokenFromRequest(c *gin.Context, cookieName string) string {
	if h := c.GetHeader("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	if v, err := c.Cookie(cookieName); err == nil {
		return v
	}
	return ""
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg, "code": 1})
}

// validSession 校验 token 并拒绝已登出的 token
func validSession(token string) (*auth.Claims, bool) {
	if token == "" || auth.IsTokenBlacklisted(token) {
		return nil, false
	}
	claims, err := auth.ValidateJWT(token)
	if err != nil {
		return nil, false
	}
	return claims, true
}

// authMiddleware 前台用户认证
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := tokenFromRequest(c, auth.UserCookie)
		claims, ok := validSession(token)
		if !ok || claims.Role != auth.RoleUser {
			unauthorized(c, msgLoginRequired)
			return
		}

		user, err := s.database.GetUserByID(claims.UserID)
		if errors.Is(err, config.ErrUserNotFound) {
			unauthorized(c, msgLoginRequired)
			return
		}
		if err != nil {
			internalError(c, "读取用户失败", err)
			c.Abort()
			return
		}
		if user.Status != config.UserStatusActive {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "账号已被禁用"})
			return
		}

		c.Set("user_id", user.ID)
		c.Set("username", user.Username)
		c.Set("user", user)
		c.Set("token", token)
		c.Set("claims", claims)
		c.Next()
	}
}

// adminMiddleware 后台员工认证，员工停用后立即失效
func (s *Server) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := tokenFromRequest(c, auth.AdminCookie)
		claims, ok := validSession(token)
		if !ok || !claims.IsBackOffice() {
			unauthorized(c, msgAdminLoginRequired)
			return
		}

		emp, err := s.database.GetEmployeeByID(claims.UserID)
		if err != nil || !emp.IsActive {
			unauthorized(c, msgAdminLoginRequired)
			return
		}

		c.Set("employee_id", emp.ID)
		c.Set("employee", emp)
		c.Set("token", token)
		c.Set("claims", claims)
		c.Next()
	}
}

func currentUser(c *gin.Context) *config.User {
	return c.MustGet("user").(*config.User)
}

func currentEmployee(c *gin.Context) *config.Employee {
	return c.MustGet("employee").(*config.Employee)
}

// requirePermission 员工缺少权限时返回 403，管理员拥有全部权限
func requirePermission(perm string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !currentEmployee(c).HasPermission(perm) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "没有权限执行该操作"})
			return
		}
		c.Next()
	}
}

// requireRole 仅指定角色可访问
func requireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if currentEmployee(c).Role != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "仅管理员可执行该操作"})
			return
		}
		c.Next()
	}
}

// setSessionCookie 写入会话 Cookie，生产环境仅 HTTPS
func setSessionCookie(c *gin.Context, name, token string, ttl time.Duration) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(name, token, int(ttl.Seconds()), "/", "", os.Getenv("ENVIRONMENT") == "production", true)
}

func clearSessionCookie(c *gin.Context, name string) {
	setSessionCookie(c, name, "", -time.Second)
}

// revokeSession 将当前 token 加入黑名单直到过期
func revokeSession(c *gin.Context) {
	token := c.GetString("token")
	claims, _ := c.Get("claims")
	exp := time.Now().Add(auth.SessionTTL())
	if cl, ok := claims.(*auth.Claims); ok && cl.ExpiresAt != nil {
		exp = cl.ExpiresAt.Time
	}
	auth.BlacklistToken(token, exp)
}
