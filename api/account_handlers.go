package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"starcapital/config"
	"starcapital/invest"
	"starcapital/logger"
)

// validTxHash 0x 开头的 32 字节十六进制交易哈希
func validTxHash(h string) bool {
	if len(h) != 66 {
		return false
	}
	b, err := hexutil.Decode(h)
	return err == nil && len(b) == 32
}

// pushBalance 推送最新资产，失败只记录日志
func (s *Server) pushBalance(userID string) {
	user, err := s.database.GetUserByID(userID)
	if err != nil {
		logger.Warnf("⚠️ [WS] 读取用户 %s 失败: %v", userID, err)
		return
	}
	assets, err := invest.ComputeAssets(s.database, user, s.now())
	if err != nil {
		logger.Warnf("⚠️ [WS] 计算资产失败 %s: %v", userID, err)
		return
	}
	s.hub.SendToUser(userID, Event{Type: "balance", Data: assets})
}

// handleDeposit 提交充值凭证，等待后台审核
func (s *Server) handleDeposit(c *gin.Context) {
	var req struct {
		AmountUSDT decimal.Decimal `json:"amount_usdt"`
		ProofURL   string          `json:"proof_url"`
		TxHash     string          `json:"tx_hash"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "请求参数错误")
		return
	}
	if !req.AmountUSDT.IsPositive() {
		badRequest(c, "充值金额必须大于0")
		return
	}
	req.ProofURL = strings.TrimSpace(req.ProofURL)
	if req.ProofURL == "" {
		badRequest(c, "请上传转账凭证")
		return
	}
	req.TxHash = strings.TrimSpace(req.TxHash)
	if req.TxHash != "" && !validTxHash(req.TxHash) {
		badRequest(c, "交易哈希格式错误")
		return
	}

	user := currentUser(c)
	tx, err := s.database.CreateDeposit(c.Request.Context(), user.ID, req.AmountUSDT, req.ProofURL, req.TxHash)
	if err != nil {
		writeError(c, err)
		return
	}

	logger.WithFields(map[string]interface{}{
		"tx_id":       tx.ID,
		"username":    user.Username,
		"amount_usdt": tx.Amount.StringFixed(2),
		"rate":        tx.Rate.String(),
		"tx_hash":     MaskSensitiveString(tx.TxHash),
	}).Warn("💰 待审核充值")

	c.JSON(http.StatusCreated, tx)
}

// handleWithdraw 申请提现，金额立即从余额冻结
func (s *Server) handleWithdraw(c *gin.Context) {
	var req struct {
		Amount  decimal.Decimal `json:"amount"`
		Address string          `json:"address"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "请求参数错误")
		return
	}
	req.Address = strings.TrimSpace(req.Address)
	if !common.IsHexAddress(req.Address) {
		badRequest(c, "提现地址格式错误")
		return
	}

	user := currentUser(c)
	tx, err := s.database.CreateWithdraw(c.Request.Context(), user.ID, req.Amount, req.Address)
	if err != nil {
		writeError(c, err)
		return
	}

	logger.WithFields(map[string]interface{}{
		"tx_id":    tx.ID,
		"username": user.Username,
		"amount":   tx.Amount.StringFixed(2),
		"address":  MaskSensitiveString(tx.Address),
	}).Warn("🏧 待审核提现")

	s.pushBalance(user.ID)
	c.JSON(http.StatusCreated, tx)
}

// handleTransactions 当前用户的账本记录，最新在前
func (s *Server) handleTransactions(c *gin.Context) {
	page, size, offset := pagination(c)
	list, total, err := s.database.ListTransactions(config.TransactionFilter{
		UserID: currentUser(c).ID,
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

// handleProducts 当前产品参数（公开）
func (s *Server) handleProducts(c *gin.Context) {
	c.JSON(http.StatusOK, invest.Products(s.database))
}

// handleTradeCreate 申购星投或星钱包
func (s *Server) handleTradeCreate(c *gin.Context) {
	var req struct {
		Product  string          `json:"product" binding:"required"`
		Amount   decimal.Decimal `json:"amount"`
		MentorID string          `json:"mentor_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "请求参数错误")
		return
	}

	user := currentUser(c)
	position, err := s.invest.Subscribe(c.Request.Context(), user.ID, req.Product, req.Amount, strings.TrimSpace(req.MentorID))
	if err != nil {
		writeError(c, err)
		return
	}

	s.pushBalance(user.ID)
	c.JSON(http.StatusCreated, position)
}

// handlePositions 当前用户的持仓
func (s *Server) handlePositions(c *gin.Context) {
	status := c.Query("status")
	if status != "" && status != config.PositionPending && status != config.PositionSettled {
		badRequest(c, "无效的持仓状态")
		return
	}
	list, err := s.database.ListPositions(currentUser(c).ID, status)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// handleAssets 资产与收益汇总
func (s *Server) handleAssets(c *gin.Context) {
	assets, err := invest.ComputeAssets(s.database, currentUser(c), s.now())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, assets)
}

// handleProfitCurve 每日收益曲线
func (s *Server) handleProfitCurve(c *gin.Context) {
	days, _ := strconv.Atoi(c.DefaultQuery("days", "30"))
	points, err := invest.ProfitCurve(s.database, currentUser(c).ID, days, s.now())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, points)
}

// handleMessages 站内消息（广播 + 定向）
func (s *Server) handleMessages(c *gin.Context) {
	list, err := s.database.ListUserMessages(currentUser(c).ID)
	if err != nil {
		writeError(c, err)
		return
	}
	unread := 0
	for _, m := range list {
		if !m.Read {
			unread++
		}
	}
	c.JSON(http.StatusOK, gin.H{"list": list, "unread": unread})
}

// handleMarkMessageRead 标记消息已读
func (s *Server) handleMarkMessageRead(c *gin.Context) {
	if err := s.database.MarkMessageRead(c.Param("id"), currentUser(c).ID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "已读"})
}

// handleCreateFeedback 提交反馈
func (s *Server) handleCreateFeedback(c *gin.Context) {
	var req struct {
		Title   string `json:"title"`
		Content string `json:"content"`
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

	f := &config.Feedback{UserID: currentUser(c).ID, Title: req.Title, Content: req.Content}
	if err := s.database.CreateFeedback(f); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, f)
}

// handleMyFeedback 我的反馈及回复
func (s *Server) handleMyFeedback(c *gin.Context) {
	list, err := s.database.ListFeedbacks(currentUser(c).ID, "")
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// handlePublicMentors 启用中的导师资料
func (s *Server) handlePublicMentors(c *gin.Context) {
	list, err := s.database.ListMentors(true)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// handleNewsList 资讯列表
func (s *Server) handleNewsList(c *gin.Context) {
	page, size, offset := pagination(c)
	list, total, err := s.database.ListArticles(offset, size)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"list": list, "total": total, "page": page, "page_size": size})
}

// handleNewsDetail 资讯详情
func (s *Server) handleNewsDetail(c *gin.Context) {
	article, err := s.database.GetArticle(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, article)
}
