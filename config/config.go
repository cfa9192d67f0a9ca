package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// LogConfig 日志配置
type LogConfig struct {
	Level    string             `json:"level"`
	Telegram *TelegramLogConfig `json:"telegram,omitempty"`
}

// TelegramLogConfig 运营群推送配置
type TelegramLogConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   int64  `json:"chat_id"`
	MinLevel string `json:"min_level"`
}

// DatabaseConfig 数据库连接配置
type DatabaseConfig struct {
	Driver string `json:"driver"` // sqlite 或 postgres
	DSN    string `json:"dsn"`
}

// ProductConfig 理财产品默认参数（同步到 system_config 后以数据库为准）
type ProductConfig struct {
	StarInvestBaseRate   string `json:"star_invest_base_rate"`
	StarInvestBonusRate  string `json:"star_invest_bonus_rate"`
	StarInvestTermDays   string `json:"star_invest_term_days"`
	StarInvestMinAmount  string `json:"star_invest_min_amount"`
	StarWalletAnnualRate string `json:"star_wallet_annual_rate"`
	StarWalletLockDays   string `json:"star_wallet_lock_days"`
	StarWalletMinAmount  string `json:"star_wallet_min_amount"`
	WithdrawMinAmount    string `json:"withdraw_min_amount"`
	USDTRate             string `json:"usdt_rate"`
}

// Config 总配置（config.json）
type Config struct {
	APIServerPort          int            `json:"api_server_port"`
	Database               DatabaseConfig `json:"database"`
	JWTSecret              string         `json:"jwt_secret"`
	RegistrationEnabled    *bool          `json:"registration_enabled,omitempty"`
	RequireReferralCode    *bool          `json:"require_referral_code,omitempty"`
	ReturnsIntervalSeconds int            `json:"returns_interval_seconds"`
	Products               ProductConfig  `json:"products"`
	Log                    *LogConfig     `json:"log"`
}

// LoadConfig 从文件加载配置，文件不存在时返回 nil
func LoadConfig(filename string) (*Config, error) {
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return nil, nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &config, nil
}

// Validate 验证配置有效性并补全默认值
func (c *Config) Validate() error {
	if c.APIServerPort < 0 || c.APIServerPort > 65535 {
		return fmt.Errorf("api_server_port 超出范围: %d", c.APIServerPort)
	}
	if c.APIServerPort == 0 {
		c.APIServerPort = 8080
	}

	switch c.Database.Driver {
	case "":
		c.Database.Driver = DriverSQLite
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("不支持的数据库驱动: %s", c.Database.Driver)
	}

	if c.ReturnsIntervalSeconds < 0 {
		return fmt.Errorf("returns_interval_seconds 不能为负数")
	}
	if c.ReturnsIntervalSeconds == 0 {
		c.ReturnsIntervalSeconds = 60
	}

	return nil
}

// ReturnsInterval 收益结算任务间隔
func (c *Config) ReturnsInterval() time.Duration {
	if c == nil || c.ReturnsIntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.ReturnsIntervalSeconds) * time.Second
}

// SystemSettings 返回需要同步到 system_config 的非空配置项
func (c *Config) SystemSettings() map[string]string {
	settings := map[string]string{}
	if c == nil {
		return settings
	}

	put := func(key, value string) {
		if value != "" {
			settings[key] = value
		}
	}
	put(SettingStarInvestBaseRate, c.Products.StarInvestBaseRate)
	put(SettingStarInvestBonusRate, c.Products.StarInvestBonusRate)
	put(SettingStarInvestTermDays, c.Products.StarInvestTermDays)
	put(SettingStarInvestMinAmount, c.Products.StarInvestMinAmount)
	put(SettingStarWalletAnnualRate, c.Products.StarWalletAnnualRate)
	put(SettingStarWalletLockDays, c.Products.StarWalletLockDays)
	put(SettingStarWalletMinAmount, c.Products.StarWalletMinAmount)
	put(SettingWithdrawMinAmount, c.Products.WithdrawMinAmount)
	put(SettingUSDTRate, c.Products.USDTRate)
	put(SettingJWTSecret, c.JWTSecret)

	if c.RegistrationEnabled != nil {
		settings[SettingRegistrationEnabled] = fmt.Sprintf("%t", *c.RegistrationEnabled)
	}
	if c.RequireReferralCode != nil {
		settings[SettingRequireReferralCode] = fmt.Sprintf("%t", *c.RequireReferralCode)
	}
	return settings
}
