package logger

import (
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// Config 日志配置
type Config struct {
	Level    string          `json:"level"`    // debug, info, warn, error (默认: info)
	Telegram *TelegramConfig `json:"telegram"` // 运营群推送（可选）
}

// TelegramConfig 运营群推送配置
type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   int64  `json:"chat_id"`
	MinLevel string `json:"min_level"` // 默认 warn：待审核的充值和提现以 warn 级别记录
}

// SetDefaults 设置默认值
func (c *Config) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
}

// GetLogrusLevels 返回 MinLevel 及以上的日志级别
func (tc *TelegramConfig) GetLogrusLevels() []logrus.Level {
	minLevel, err := logrus.ParseLevel(tc.MinLevel)
	if tc.MinLevel == "" || err != nil {
		minLevel = logrus.WarnLevel
	}
	return lo.Filter(logrus.AllLevels, func(level logrus.Level, _ int) bool {
		return level <= minLevel
	})
}
