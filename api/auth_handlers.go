package api

import (
	"errors"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"starcapital/auth"
	"starcapital/config"
	"starcapital/logger"
	"starcapital/tier"
)

// handleRegister 处理用户注册请求
func (s *Server) handleRegister(c *gin.Context) {
	clientIP := c.ClientIP()

	if !s.database.BoolSetting(config.SettingRegistrationEnabled) {
		logger.Warnf("⚠️ [Register] 注册已关闭 (IP: %s)", clientIP)
		c.JSON(http.StatusForbidden, gin.H{"error": "注册已关闭"})
		return
	}

	var req struct {
		Username     string `json:"username" binding:"required"`
		Password     string `json:"password" binding:"required"`
		ReferralCode string `json:"referral_code"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "请求参数错误")
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if n := utf8.RuneCountInString(req.Username); n < 3 || n > 32 {
		badRequest(c, "用户名长度需为 3-32 个字符")
		return
	}
	if len(req.Password) < 6 {
		badRequest(c, "密码至少 6 位")
		return
	}

	var referrerID string
	code := strings.TrimSpace(req.ReferralCode)
	if code == "" && s.database.BoolSetting(config.SettingRequireReferralCode) {
		badRequest(c, "请填写推荐码")
		return
	}
	if code != "" {
		referrer, err := s.database.GetUserByInviteCode(code)
		if errors.Is(err, config.ErrUserNotFound) {
			badRequest(c, "推荐码无效")
			return
		}
		if err != nil {
			internalError(c, "查询推荐码失败", err)
			return
		}
		referrerID = referrer.ID
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		internalError(c, "密码处理失败", err)
		return
	}

	user := &config.User{
		ID:           uuid.New().String(),
		Username:     req.Username,
		PasswordHash: hash,
		ReferrerID:   referrerID,
	}
	if err := s.database.CreateUser(c.Request.Context(), user); err != nil {
		if errors.Is(err, config.ErrDuplicate) {
			c.JSON(http.StatusConflict, gin.H{"error": "用户名已被注册"})
			return
		}
		internalError(c, "创建用户失败", err)
		return
	}

	logger.WithFields(map[string]interface{}{
		"user_id":  user.ID,
		"username": user.Username,
		"referrer": referrerID,
		"ip":       clientIP,
	}).Info("📝 [Register] 新用户注册")

	s.issueUserSession(c, http.StatusCreated, user, "注册成功")
}

// handleLogin 用户登录
func (s *Server) handleLogin(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "请输入用户名和密码")
		return
	}

	user, err := s.database.GetUserByUsername(strings.TrimSpace(req.Username))
	if err != nil || !auth.CheckPassword(req.Password, user.PasswordHash) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "用户名或密码错误"})
		return
	}
	if user.Status != config.UserStatusActive {
		c.JSON(http.StatusForbidden, gin.H{"error": "账号已被禁用"})
		return
	}

	firstLogin := user.IsFirstLogin
	if firstLogin {
		if err := s.database.MarkFirstLoginDone(user.ID); err != nil {
			logger.Warnf("⚠️ [Login] 清除首次登录标记失败 %s: %v", user.ID, err)
		}
	}

	resp := s.sessionResponse(c, user)
	if resp == nil {
		return
	}
	resp["first_login"] = firstLogin
	resp["message"] = "登录成功"
	c.JSON(http.StatusOK, resp)
}

// issueUserSession 签发会话并返回用户资料
func (s *Server) issueUserSession(c *gin.Context, status int, user *config.User, message string) {
	resp := s.sessionResponse(c, user)
	if resp == nil {
		return
	}
	resp["message"] = message
	c.JSON(status, resp)
}

// sessionResponse 写入 token Cookie，同时返回 token 与 refresh token 供非浏览器客户端使用
func (s *Server) sessionResponse(c *gin.Context, user *config.User) gin.H {
	token, err := auth.GenerateJWT(user.ID, user.Username, auth.RoleUser)
	if err != nil {
		internalError(c, "生成token失败", err)
		return nil
	}
	pair, err := auth.GenerateTokenPair(user.ID, user.Username, auth.RoleUser)
	if err != nil {
		internalError(c, "生成token失败", err)
		return nil
	}
	setSessionCookie(c, auth.UserCookie, token, auth.SessionTTL())

	return gin.H{
		"token":         token,
		"refresh_token": pair.RefreshToken,
		"user":          profileOf(user),
	}
}

// handleLogout 将当前token加入黑名单并清除Cookie
func (s *Server) handleLogout(c *gin.Context) {
	revokeSession(c)
	clearSessionCookie(c, auth.UserCookie)
	c.JSON(http.StatusOK, gin.H{"message": "已登出"})
}

// handleRefreshToken 使用 Refresh Token 获取新的 Token Pair
func (s *Server) handleRefreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "缺少 refresh_token 参数")
		return
	}

	claims, err := auth.ValidateRefreshToken(req.RefreshToken)
	if err != nil || claims.Role != auth.RoleUser {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Refresh Token 无效或已过期", "code": 1})
		return
	}
	user, err := s.database.GetUserByID(claims.UserID)
	if err != nil || user.Status != config.UserStatusActive {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Refresh Token 无效或已过期", "code": 1})
		return
	}

	pair, err := auth.RefreshAccessToken(req.RefreshToken)
	if err != nil {
		logger.Warnf("❌ [AUTH] Refresh Token 刷新失败: %v", err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Refresh Token 无效或已过期", "code": 1})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token":       pair.AccessToken,
		"refresh_token":      pair.RefreshToken,
		"expires_in":         pair.ExpiresIn,
		"refresh_expires_in": pair.RefreshExpiresIn,
		"token_type":         "Bearer",
	})
}

// profileView 用户资料（不含密码哈希）
type profileView struct {
	*config.User
	TotalAssets string `json:"total_assets"`
	TotalProfit string `json:"total_profit"`
}

func profileOf(u *config.User) profileView {
	return profileView{
		User:        u,
		TotalAssets: u.TotalAssets().StringFixed(2),
		TotalProfit: u.TotalProfit().StringFixed(2),
	}
}

// handleGetProfile 当前用户资料
func (s *Server) handleGetProfile(c *gin.Context) {
	c.JSON(http.StatusOK, profileOf(currentUser(c)))
}

// handleUpdateProfile 修改昵称和头像
func (s *Server) handleUpdateProfile(c *gin.Context) {
	var req struct {
		Nickname *string `json:"nickname"`
		Avatar   *string `json:"avatar"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "请求参数错误")
		return
	}

	user := currentUser(c)
	nickname := strings.TrimSpace(lo.FromPtrOr(req.Nickname, user.Nickname))
	avatar := strings.TrimSpace(lo.FromPtrOr(req.Avatar, user.Avatar))
	if nickname == "" || utf8.RuneCountInString(nickname) > 32 {
		badRequest(c, "昵称长度需为 1-32 个字符")
		return
	}

	if err := s.database.UpdateUserProfile(user.ID, nickname, avatar); err != nil {
		writeError(c, err)
		return
	}
	updated, err := s.database.GetUserByID(user.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, profileOf(updated))
}

// handleChangePassword 修改密码，需要验证原密码
func (s *Server) handleChangePassword(c *gin.Context) {
	var req struct {
		OldPassword string `json:"old_password" binding:"required"`
		NewPassword string `json:"new_password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "请求参数错误")
		return
	}
	if len(req.NewPassword) < 6 {
		badRequest(c, "密码至少 6 位")
		return
	}

	user := currentUser(c)
	if !auth.CheckPassword(req.OldPassword, user.PasswordHash) {
		badRequest(c, "原密码错误")
		return
	}
	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		internalError(c, "密码处理失败", err)
		return
	}
	if err := s.database.UpdateUserPassword(user.ID, hash); err != nil {
		writeError(c, err)
		return
	}

	// 修改密码后当前会话作废，需要重新登录
	revokeSession(c)
	clearSessionCookie(c, auth.UserCookie)
	c.JSON(http.StatusOK, gin.H{"message": "密码已修改，请重新登录"})
}

// handleTeam 团队信息：直推、团队人数、等级与升级所需
func (s *Server) handleTeam(c *gin.Context) {
	user := currentUser(c)

	referees, err := s.database.ListReferees(user.ID)
	if err != nil {
		writeError(c, err)
		return
	}

	type member struct {
		ID        string `json:"id"`
		Username  string `json:"username"`
		Nickname  string `json:"nickname"`
		VIPName   string `json:"vip_name"`
		TeamCount int    `json:"team_count"`
		CreatedAt int64  `json:"created_at"`
	}

	c.JSON(http.StatusOK, gin.H{
		"invite_code":   user.InviteCode,
		"vip_level":     user.VIPLevel,
		"vip_name":      user.VIPName,
		"direct_count":  user.DirectCount,
		"team_count":    user.TeamCount,
		"upgrade_needs": tier.UpgradeNeeds(user.VIPName, user.DirectCount, user.TeamCount),
		"tiers":         tier.Tiers,
		"referees": lo.Map(referees, func(u *config.User, _ int) member {
			return member{
				ID:        u.ID,
				Username:  u.Username,
				Nickname:  u.Nickname,
				VIPName:   u.VIPName,
				TeamCount: u.TeamCount,
				CreatedAt: u.CreatedAt,
			}
		}),
	})
}
