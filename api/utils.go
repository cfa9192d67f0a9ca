package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"starcapital/config"
	"starcapital/invest"
	"starcapital/logger"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// MaskSensitiveString 脱敏敏感字符串，只显示前4位和后4位
// 用于日志中输出提现地址、交易哈希等
func MaskSensitiveString(s string) string {
	if s == "" {
		return ""
	}
	length := len(s)
	if length <= 8 {
		return "****"
	}
	return s[:4] + "****" + s[length-4:]
}

// writeError 将领域错误映射为 HTTP 状态码
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, config.ErrNotFound), errors.Is(err, config.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, config.ErrDuplicate), errors.Is(err, config.ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, config.ErrInsufficientBalance),
		errors.Is(err, config.ErrInvalidInput),
		errors.Is(err, invest.ErrBelowMinimum),
		errors.Is(err, invest.ErrUnknownProduct),
		errors.Is(err, invest.ErrInvalidMentor):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		internalError(c, "服务器内部错误", err)
	}
}

// internalError 记录原始错误，只向客户端返回概要
func internalError(c *gin.Context, msg string, err error) {
	logger.WithFields(map[string]interface{}{
		"path":   c.Request.URL.Path,
		"method": c.Request.Method,
	}).Errorf("❌ %s: %v", msg, err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// pagination 解析 page / page_size，返回 offset 与 limit
func pagination(c *gin.Context) (page, size, offset int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	size, _ = strconv.Atoi(c.DefaultQuery("page_size", strconv.Itoa(defaultPageSize)))
	if size < 1 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	return page, size, (page - 1) * size
}
