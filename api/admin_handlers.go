package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"starcapital/auth"
	"starcapital/config"
	"starcapital/logger"
	"starcapital/metrics"
	"starcapital/news"
)

// EnsureAdmin 没有任何管理员时创建初始管理员
func EnsureAdmin(db *config.Database, username, password string) (bool, error) {
	n, err := db.CountAdmins()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return false, err
	}
	err = db.CreateEmployee(&config.Employee{
		Username:     username,
		PasswordHash: hash,
		Role:         config.RoleAdmin,
		IsActive:     true,
	})
	return err == nil, err
}

// handleAdminLogin 后台登录，开启 OTP 的员工需要提供验证码
func (s *Server) handleAdminLogin(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
		OTPCode  string `json:"otp_code"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "请输入用户名和密码")
		return
	}

	emp, err := s.database.GetEmployeeByUsername(strings.TrimSpace(req.Username))
	if err != nil || !auth.CheckPassword(req.Password, emp.PasswordHash) {
		logger.Warnf("⚠️ [Admin] 登录失败: %s (IP: %s)", req.Username, c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": "用户名或密码错误"})
		return
	}
	if !emp.IsActive {
		c.JSON(http.StatusForbidden, gin.H{"error": "账号已停用"})
		return
	}
	if emp.OTPEnabled {
		if req.OTPCode == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "请输入动态验证码", "requires_otp": true})
			return
		}
		if !auth.VerifyOTP(emp.OTPSecret, req.OTPCode) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "验证码错误", "requires_otp": true})
			return
		}
	}

	token, err := auth.GenerateJWT(emp.ID, emp.Username, emp.Role)
	if err != nil {
		internalError(c, "生成token失败", err)
		return
	}
	setSessionCookie(c, auth.AdminCookie, token, auth.SessionTTL())
	if err := s.database.TouchEmployeeLogin(emp.ID); err != nil {
		logger.Warnf("⚠️ [Admin] 记录登录时间失败: %v", err)
	}

	logger.Infof("🔐 [Admin] %s 登录 (IP: %s)", emp.Username, c.ClientIP())
	c.JSON(http.StatusOK, gin.H{
		"token":       token,
		"employee":    emp,
		"permissions": emp.PermissionList(),
		"message":     "登录成功",
	})
}

// handleAdminLogout 后台登出
func (s *Server) handleAdminLogout(c *gin.Context) {
	revokeSession(c)
	clearSessionCookie(c, auth.AdminCookie)
	c.JSON(http.StatusOK, gin.H{"message": "已登出"})
}

// handleAdminMe 当前员工与权限
func (s *Server) handleAdminMe(c *gin.Context) {
	emp := currentEmployee(c)
	c.JSON(http.StatusOK, gin.H{"employee": emp, "permissions": emp.PermissionList()})
}

// handleDashboard 后台首页统计
func (s *Server) handleDashboard(c *gin.Context) {
	d, err := s.buildDashboard(s.now())
	if err != nil {
		internalError(c, "统计失败", err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// ---------- 用户 ----------

// handleAdminUsers 用户列表，支持按用户名/昵称/推荐码搜索
func (s *Server) handleAdminUsers(c *gin.Context) {
	page, size, offset := pagination(c)
	users, total, err := s.database.ListUsers(strings.TrimSpace(c.Query("search")), offset, size)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"list":      lo.Map(users, func(u *config.User, _ int) profileView { return profileOf(u) }),
		"total":     total,
		"page":      page,
		"page_size": size,
	})
}

// handleAdminUpdateUser 修改昵称或启用状态；资金只能通过调账修改
func (s *Server) handleAdminUpdateUser(c *gin.Context) {
	var req struct {
		UserID   string  `json:"user_id" binding:"required"`
		Nickname *string `json:"nickname"`
		Status   *string `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "请求参数错误")
		return
	}

	user, err := s.database.GetUserByID(req.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	if req.Nickname != nil {
		nickname := strings.TrimSpace(*req.Nickname)
		if nickname == "" {
			badRequest(c, "昵称不能为空")
			return
		}
		if err := s.database.UpdateUserProfile(user.ID, nickname, user.Avatar); err != nil {
			writeError(c, err)
			return
		}
	}
	if req.Status != nil {
		if err := s.database.UpdateUserStatus(user.ID, *req.Status); err != nil {
			writeError(c, err)
			return
		}
		logger.Infof("👤 [Admin] %s 将用户 %s 状态改为 %s", currentEmployee(c).Username, user.Username, *req.Status)
	}

	updated, err := s.database.GetUserByID(user.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, profileOf(updated))
}

// handleAdminAdjustBalance 调账：写入 adjustment 账本记录，必须填写备注
func (s *Server) handleAdminAdjustBalance(c *gin.Context) {
	var req struct {
		UserID string          `json:"user_id" binding:"required"`
		Amount decimal.Decimal `json:"amount"`
		Remark string          `json:"remark"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "请求参数错误")
		return
	}

	emp := currentEmployee(c)
	entry, err := s.database.AdjustBalance(c.Request.Context(), req.UserID, req.Amount, emp.Username, strings.TrimSpace(req.Remark))
	if err != nil {
		writeError(c, err)
		return
	}

	logger.WithFields(map[string]interface{}{
		"operator": emp.Username,
		"user_id":  req.UserID,
		"amount":   entry.Amount.StringFixed(2),
		"remark":   entry.Remark,
	}).Warn("✏️ 后台调账")

	s.pushBalance(req.UserID)
	c.JSON(http.StatusOK, entry)
}

// handleAdminDeleteUser 删除用户（资金桶必须为零）
func (s *Server) handleAdminDeleteUser(c *gin.Context) {
	if err := s.database.DeleteUser(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	logger.Infof("🗑️ [Admin] %s 删除用户 %s", currentEmployee(c).Username, c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"message": "已删除"})
}

// ---------- 充值 / 提现审核 ----------

// handleAdminTransactions 账本列表
func (s *Server) handleAdminTransactions(c *gin.Context) {
	page, size, offset := pagination(c)
	list, total, err := s.database.ListTransactions(config.TransactionFilter{
		UserID: c.Query("user_id"),
		Type:   c.Query("type"),
		Status: c.Query("status"),
		Offset: offset,
		Limit:  size,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"list": list, "total": total, "page": page, "page_size": size})
}

// handleAdminReviewTransaction 审核充值或提现，每条记录只能审核一次
func (s *Server) handleAdminReviewTransaction(c *gin.Context) {
	var req struct {
		ID     string `json:"id" binding:"required"`
		Status string `json:"status" binding:"required"`
		Remark string `json:"remark"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "请求参数错误")
		return
	}
	if req.Status != config.TxStatusApproved && req.Status != config.TxStatusRejected {
		badRequest(c, "审核状态只能是 approved 或 rejected")
		return
	}

	emp := currentEmployee(c)
	tx, err := s.database.ReviewTransaction(c.Request.Context(), req.ID, req.Status, emp.Username, strings.TrimSpace(req.Remark))
	if err != nil {
		writeError(c, err)
		return
	}
	metrics.RecordReview(tx.Type, tx.Status)

	logger.WithFields(map[string]interface{}{
		"tx_id":    tx.ID,
		"type":     tx.Type,
		"status":   tx.Status,
		"operator": emp.Username,
	}).Info("✅ 审核完成")

	s.pushBalance(tx.UserID)
	c.JSON(http.StatusOK, tx)
}

// ---------- 员工 ----------

// handleListStaff 员工列表
func (s *Server) handleListStaff(c *gin.Context) {
	list, err := s.database.ListEmployees()
	if err != nil {
		writeError(c, err)
		return
	}
	type staffView struct {
		*config.Employee
		PermissionList []string `json:"permissions"`
	}
	c.JSON(http.StatusOK, lo.Map(list, func(e *config.Employee, _ int) staffView {
		return staffView{Employee: e, PermissionList: e.PermissionList()}
	}))
}

// handleCreateStaff 新增员工
func (s *Server) handleCreateStaff(c *gin.Context) {
	var req struct {
		Username    string   `json:"username" binding:"required"`
		Password    string   `json:"password" binding:"required"`
		Role        string   `json:"role"`
		Permissions []string `json:"permissions"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "请求参数错误")
		return
	}
	if len(req.Password) < 6 {
		badRequest(c, "密码至少 6 位")
		return
	}
	perms, err := config.NormalizePermissions(req.Permissions)
	if err != nil {
		writeError(c, err)
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		internalError(c, "密码处理失败", err)
		return
	}

	emp := &config.Employee{
		Username:     strings.TrimSpace(req.Username),
		PasswordHash: hash,
		Role:         lo.Ternary(req.Role == "", config.RoleStaff, req.Role),
		Permissions:  perms,
		IsActive:     true,
		ManagerID:    currentEmployee(c).ID,
	}
	if err := s.database.CreateEmployee(emp); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, emp)
}

// handleUpdateStaff 修改角色、权限、启用状态或密码
func (s *Server) handleUpdateStaff(c *gin.Context) {
	var req struct {
		Role        *string  `json:"role"`
		Permissions []string `json:"permissions"`
		IsActive    *bool    `json:"is_active"`
		Password    string   `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "请求参数错误")
		return
	}

	emp, err := s.database.GetEmployeeByID(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	wasActiveAdmin := emp.Role == config.RoleAdmin && emp.IsActive

	if req.Role != nil {
		if *req.Role != config.RoleAdmin && *req.Role != config.RoleStaff {
			badRequest(c, "无效的角色")
			return
		}
		emp.Role = *req.Role
	}
	if req.Permissions != nil {
		perms, err := config.NormalizePermissions(req.Permissions)
		if err != nil {
			writeError(c, err)
			return
		}
		emp.Permissions = perms
	}
	if req.IsActive != nil {
		emp.IsActive = *req.IsActive
	}
	if req.Password != "" {
		if len(req.Password) < 6 {
			badRequest(c, "密码至少 6 位")
			return
		}
		if emp.PasswordHash, err = auth.HashPassword(req.Password); err != nil {
			internalError(c, "密码处理失败", err)
			return
		}
	}

	if wasActiveAdmin && (emp.Role != config.RoleAdmin || !emp.IsActive) {
		if err := s.ensureOtherAdmin(emp.ID); err != nil {
			writeError(c, err)
			return
		}
	}

	if err := s.database.UpdateEmployee(emp); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, emp)
}

// ensureOtherAdmin 至少保留一个启用中的管理员
func (s *Server) ensureOtherAdmin(exceptID string) error {
	list, err := s.database.ListEmployees()
	if err != nil {
		return err
	}
	others := lo.CountBy(list, func(e *config.Employee) bool {
		return e.ID != exceptID && e.Role == config.RoleAdmin && e.IsActive
	})
	if others == 0 {
		return fmt.Errorf("%w: 至少保留一个启用中的管理员", config.ErrInvalidState)
	}
	return nil
}

// handleDeleteStaff 删除员工
func (s *Server) handleDeleteStaff(c *gin.Context) {
	id := c.Param("id")
	if id == currentEmployee(c).ID {
		badRequest(c, "不能删除自己")
		return
	}
	if err := s.database.DeleteEmployee(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "已删除"})
}

// handleEnableStaffOTP 为员工生成 OTP 密钥并开启二次验证
func (s *Server) handleEnableStaffOTP(c *gin.Context) {
	emp, err := s.database.GetEmployeeByID(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	secret, err := auth.GenerateOTPSecret(emp.Username)
	if err != nil {
		internalError(c, "生成OTP密钥失败", err)
		return
	}
	emp.OTPSecret = secret
	emp.OTPEnabled = true
	if err := s.database.UpdateEmployee(emp); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"secret":  secret,
		"qr_url":  auth.GetOTPQRCodeURL(secret, emp.Username),
		"message": "请使用 Google Authenticator 扫码",
	})
}

// ---------- 导师 ----------

type mentorRequest struct {
	Name       string `json:"name"`
	Title      string `json:"title"`
	Bio        string `json:"bio"`
	Experience string `json:"experience"`
	Avatar     string `json:"avatar"`
	Status     string `json:"status"`
}

func (r *mentorRequest) apply(m *config.Mentor) error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: 导师姓名不能为空", config.ErrInvalidInput)
	}
	status := lo.Ternary(r.Status == "", config.MentorActive, r.Status)
	if status != config.MentorActive && status != config.MentorInactive {
		return fmt.Errorf("%w: 无效的导师状态", config.ErrInvalidInput)
	}
	m.Name = strings.TrimSpace(r.Name)
	m.Title = r.Title
	m.Bio = r.Bio
	m.Experience = r.Experience
	m.Avatar = r.Avatar
	m.Status = status
	return nil
}

// handleAdminMentors 全部导师
func (s *Server) handleAdminMentors(c *gin.Context) {
	list, err := s.database.ListMentors(false)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// handleCreateMentor 新增导师资料
func (s *Server) handleCreateMentor(c *gin.Context) {
	var req mentorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "请求参数错误")
		return
	}
	m := &config.Mentor{}
	if err := req.apply(m); err != nil {
		writeError(c, err)
		return
	}
	if err := s.database.CreateMentor(m); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

// handleUpdateMentor 修改导师资料
func (s *Server) handleUpdateMentor(c *gin.Context) {
	var req mentorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "请求参数错误")
		return
	}
	m, err := s.database.GetMentor(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if err := req.apply(m); err != nil {
		writeError(c, err)
		return
	}
	if err := s.database.UpdateMentor(m); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// handleDeleteMentor 删除导师
func (s *Server) handleDeleteMentor(c *gin.Context) {
	if err := s.database.DeleteMentor(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "已删除"})
}

// ---------- 消息 ----------

// handleAdminMessages 全部消息
func (s *Server) handleAdminMessages(c *gin.Context) {
	list, err := s.database.ListAllMessages()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// handleCreateMessage 发布消息并推送给在线用户
func (s *Server) handleCreateMessage(c *gin.Context) {
	var req struct {
		Title        string `json:"title"`
		Content      string `json:"content"`
		TargetUserID string `json:"target_user_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "请求参数错误")
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	req.Content = strings.TrimSpace(req.Content)
	if req.Title == "" || req.Content == "" {
		badRequest(c, "标题和内容不能为空")
		return
	}
	if req.TargetUserID != "" {
		if _, err := s.database.GetUserByID(req.TargetUserID); err != nil {
			writeError(c, err)
			return
		}
	}

	m := &config.Message{
		Title:        req.Title,
		Content:      req.Content,
		TargetUserID: req.TargetUserID,
		CreatedBy:    currentEmployee(c).ID,
	}
	if err := s.database.CreateMessage(m); err != nil {
		writeError(c, err)
		return
	}

	event := Event{Type: "message", Data: m}
	if m.TargetUserID == "" {
		s.hub.Broadcast(event)
	} else {
		s.hub.SendToUser(m.TargetUserID, event)
	}
	c.JSON(http.StatusCreated, m)
}

// handleDeleteMessage 删除消息
func (s *Server) handleDeleteMessage(c *gin.Context) {
	if err := s.database.DeleteMessage(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "已删除"})
}

// ---------- 反馈 ----------

// handleAdminFeedbacks 反馈列表（含用户名与回复）
func (s *Server) handleAdminFeedbacks(c *gin.Context) {
	list, err := s.database.ListFeedbacks("", c.Query("status"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// handleReplyFeedback 回复反馈
func (s *Server) handleReplyFeedback(c *gin.Context) {
	var req struct {
		FeedbackID string `json:"feedback_id" binding:"required"`
		Content    string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "请求参数错误")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		badRequest(c, "回复内容不能为空")
		return
	}
	reply, err := s.database.ReplyFeedback(c.Request.Context(), req.FeedbackID, currentEmployee(c).ID, strings.TrimSpace(req.Content))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, reply)
}

// ---------- 系统配置 ----------

// handleGetSettings 业务配置
func (s *Server) handleGetSettings(c *gin.Context) {
	settings, err := s.database.GetSettings()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

// handleUpdateSettings 批量更新业务配置，任一项不合法则全部不生效
func (s *Server) handleUpdateSettings(c *gin.Context) {
	var req map[string]interface{}
	if err := c.ShouldBindJSON(&req); err != nil || len(req) == 0 {
		badRequest(c, "请求参数错误")
		return
	}
	values := lo.MapValues(req, func(v interface{}, _ string) string {
		if f, ok := v.(float64); ok {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
		return fmt.Sprint(v)
	})
	if err := s.database.UpdateSettings(values); err != nil {
		writeError(c, err)
		return
	}

	logger.WithFields(map[string]interface{}{
		"operator": currentEmployee(c).Username,
		"keys":     lo.Keys(values),
	}).Warn("⚙️ 系统配置已修改")

	settings, err := s.database.GetSettings()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

// ---------- 资讯抓取 ----------

type crawlTaskRequest struct {
	URL             string `json:"url"`
	ItemSelector    string `json:"item_selector"`
	TitleSelector   string `json:"title_selector"`
	LinkSelector    string `json:"link_selector"`
	SummarySelector string `json:"summary_selector"`
	Schedule        string `json:"schedule"`
	ArticleLimit    int    `json:"article_limit"`
	IsActive        *bool  `json:"is_active"`
}

func (r *crawlTaskRequest) apply(t *config.CrawlTask) error {
	t.URL = strings.TrimSpace(r.URL)
	t.ItemSelector = r.ItemSelector
	t.TitleSelector = r.TitleSelector
	t.LinkSelector = r.LinkSelector
	t.SummarySelector = r.SummarySelector
	t.Schedule = strings.TrimSpace(r.Schedule)
	t.ArticleLimit = r.ArticleLimit
	t.IsActive = lo.FromPtrOr(r.IsActive, true)
	return news.ValidateTask(t)
}

// reloadScheduler 任务变更后重新注册定时任务
func (s *Server) reloadScheduler() {
	if s.scheduler == nil {
		return
	}
	if err := s.scheduler.Reload(); err != nil {
		logger.Errorf("❌ 重新加载抓取任务失败: %v", err)
	}
}

// handleListCrawlTasks 抓取任务列表
func (s *Server) handleListCrawlTasks(c *gin.Context) {
	list, err := s.database.ListCrawlTasks(false)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// handleCreateCrawlTask 新增抓取任务
func (s *Server) handleCreateCrawlTask(c *gin.Context) {
	var req crawlTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "请求参数错误")
		return
	}
	task := &config.CrawlTask{}
	if err := req.apply(task); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := s.database.CreateCrawlTask(task); err != nil {
		writeError(c, err)
		return
	}
	s.reloadScheduler()
	c.JSON(http.StatusCreated, task)
}

// handleUpdateCrawlTask 修改抓取任务
func (s *Server) handleUpdateCrawlTask(c *gin.Context) {
	var req crawlTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "请求参数错误")
		return
	}
	task, err := s.database.GetCrawlTask(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if err := req.apply(task); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := s.database.UpdateCrawlTask(task); err != nil {
		writeError(c, err)
		return
	}
	s.reloadScheduler()
	c.JSON(http.StatusOK, task)
}

// handleDeleteCrawlTask 删除抓取任务
func (s *Server) handleDeleteCrawlTask(c *gin.Context) {
	if err := s.database.DeleteCrawlTask(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	s.reloadScheduler()
	c.JSON(http.StatusOK, gin.H{"message": "已删除"})
}

// handleRunCrawlTask 立即执行一次抓取
func (s *Server) handleRunCrawlTask(c *gin.Context) {
	if s.scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "抓取服务未启用"})
		return
	}
	saved, err := s.scheduler.RunTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "抓取失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"saved": saved})
}
