package logger

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// messageSender 异步消息发送器
type messageSender interface {
	SendAsync(message string)
	Stop()
}

// TelegramHook 实现logrus.Hook接口，将日志推送到运营群
type TelegramHook struct {
	sender messageSender
	levels []logrus.Level
}

// NewTelegramHook 创建Telegram Hook
func NewTelegramHook(config *TelegramConfig) (*TelegramHook, error) {
	if config.BotToken == "" || config.ChatID == 0 {
		return nil, fmt.Errorf("telegram配置不完整: bot_token和chat_id不能为空")
	}

	sender, err := NewTelegramSender(config.BotToken, config.ChatID)
	if err != nil {
		return nil, fmt.Errorf("创建telegram发送器失败: %w", err)
	}
	return newTelegramHook(sender, config.GetLogrusLevels()), nil
}

func newTelegramHook(sender messageSender, levels []logrus.Level) *TelegramHook {
	return &TelegramHook{sender: sender, levels: levels}
}

// Levels 返回需要触发的日志级别
func (h *TelegramHook) Levels() []logrus.Level {
	return h.levels
}

// Fire 异步推送，不阻塞业务流程
func (h *TelegramHook) Fire(entry *logrus.Entry) error {
	h.sender.SendAsync(formatMessage(entry))
	return nil
}

// formatMessage 格式化为 Telegram Markdown 消息
// 字段按键名排序，便于运营对照同类提醒
func formatMessage(entry *logrus.Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s*: 星辰资本运营提醒\n", levelEmoji(entry.Level), strings.ToUpper(entry.Level.String()))
	fmt.Fprintf(&b, "📝 消息: `%s`\n", escapeMarkdown(entry.Message))

	if len(entry.Data) > 0 {
		keys := make([]string, 0, len(entry.Data))
		for k := range entry.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("📊 字段:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "  • %s: `%v`\n", k, entry.Data[k])
		}
	}

	if entry.HasCaller() {
		file := entry.Caller.File
		if idx := strings.Index(file, "starcapital/"); idx >= 0 {
			file = file[idx:]
		}
		fmt.Fprintf(&b, "📍 位置: `%s:%d`\n", file, entry.Caller.Line)
	}

	fmt.Fprintf(&b, "🕐 时间: `%s`", entry.Time.Format("2006-01-02 15:04:05"))
	return b.String()
}

func levelEmoji(level logrus.Level) string {
	switch level {
	case logrus.PanicLevel, logrus.FatalLevel:
		return "🔴"
	case logrus.ErrorLevel:
		return "🟠"
	case logrus.WarnLevel:
		return "🟡"
	case logrus.InfoLevel:
		return "🟢"
	default:
		return "🔵"
	}
}

var markdownReplacer = strings.NewReplacer(
	"_", "\\_", "*", "\\*", "[", "\\[", "]", "\\]", "(", "\\(", ")", "\\)",
	"~", "\\~", "`", "\\`", ">", "\\>", "#", "\\#", "+", "\\+", "-", "\\-",
	"=", "\\=", "|", "\\|", "{", "\\{", "}", "\\}", ".", "\\.", "!", "\\!",
)

// escapeMarkdown 转义Markdown特殊字符
func escapeMarkdown(text string) string {
	return markdownReplacer.Replace(text)
}

// Stop 停止Hook（优雅关闭）
func (h *TelegramHook) Stop() {
	if h.sender != nil {
		h.sender.Stop()
	}
}
