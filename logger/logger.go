package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"starcapital/config"
)

var (
	// Log 全局logger实例
	Log = logrus.New()

	// telegramHook 保存hook引用，用于优雅关闭
	telegramHook *TelegramHook
)

// Init 初始化全局logger，cfg 为 nil 时输出到控制台，info 级别
func Init(cfg *Config) error {
	Log = logrus.New()
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.SetDefaults()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	Log.SetLevel(level)
	Log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
		ForceColors:     true,
	})
	Log.SetOutput(os.Stdout)
	Log.SetReportCaller(true)

	if cfg.Telegram != nil && cfg.Telegram.Enabled {
		hook, err := NewTelegramHook(cfg.Telegram)
		if err != nil {
			Log.Warnf("初始化Telegram推送失败，将继续使用普通日志: %v", err)
			return nil
		}
		Log.AddHook(hook)
		telegramHook = hook
		Log.Info("✅ Telegram运营推送已启用")
	}
	return nil
}

// InitFromLogConfig 从 config.LogConfig 初始化logger
func InitFromLogConfig(logConfig *config.LogConfig) error {
	if logConfig == nil {
		return Init(nil)
	}

	cfg := &Config{Level: logConfig.Level}
	if tg := logConfig.Telegram; tg != nil && tg.Enabled && tg.BotToken != "" && tg.ChatID != 0 {
		cfg.Telegram = &TelegramConfig{
			Enabled:  true,
			BotToken: tg.BotToken,
			ChatID:   tg.ChatID,
			MinLevel: tg.MinLevel,
		}
	}
	return Init(cfg)
}

// SetOutput 重定向日志输出（测试中静音）
func SetOutput(w io.Writer) {
	Log.SetOutput(w)
}

// Shutdown 优雅关闭logger（主要用于关闭Telegram发送器）
func Shutdown() {
	if telegramHook != nil {
		telegramHook.Stop()
		telegramHook = nil
	}
}

// WithFields 创建带字段的logger entry
func WithFields(fields logrus.Fields) *logrus.Entry {
	return Log.WithFields(fields)
}

// WithField 创建带单个字段的logger entry
func WithField(key string, value interface{}) *logrus.Entry {
	return Log.WithField(key, value)
}

func Debugf(format string, args ...interface{}) {
	Log.Debugf(format, args...)
}

func Info(args ...interface{}) {
	Log.Info(args...)
}

func Infof(format string, args ...interface{}) {
	Log.Infof(format, args...)
}

func Warnf(format string, args ...interface{}) {
	Log.Warnf(format, args...)
}

func Errorf(format string, args ...interface{}) {
	Log.Errorf(format, args...)
}

func Fatalf(format string, args ...interface{}) {
	Log.Fatalf(format, args...)
}
