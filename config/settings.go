package config

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// 系统配置键
const (
	SettingUSDTRate             = "usdt_rate"
	SettingStarInvestBaseRate   = "star_invest_base_rate"
	SettingStarInvestBonusRate  = "star_invest_bonus_rate"
	SettingStarInvestTermDays   = "star_invest_term_days"
	SettingStarInvestMinAmount  = "star_invest_min_amount"
	SettingStarWalletAnnualRate = "star_wallet_annual_rate"
	SettingStarWalletLockDays   = "star_wallet_lock_days"
	SettingStarWalletMinAmount  = "star_wallet_min_amount"
	SettingWithdrawMinAmount    = "withdraw_min_amount"
	SettingRegistrationEnabled  = "registration_enabled"
	SettingRequireReferralCode  = "require_referral_code"
	SettingJWTSecret            = "jwt_secret"
)

// DefaultSettings 后台可编辑的业务配置及默认值
var DefaultSettings = map[string]string{
	SettingUSDTRate:             "7.23",
	SettingStarInvestBaseRate:   "8",
	SettingStarInvestBonusRate:  "2",
	SettingStarInvestTermDays:   "1",
	SettingStarInvestMinAmount:  "100",
	SettingStarWalletAnnualRate: "6",
	SettingStarWalletLockDays:   "1",
	SettingStarWalletMinAmount:  "1000",
	SettingWithdrawMinAmount:    "10",
	SettingRegistrationEnabled:  "true",
	SettingRequireReferralCode:  "false",
}

var numericSettings = map[string]bool{
	SettingUSDTRate:             true,
	SettingStarInvestBaseRate:   true,
	SettingStarInvestBonusRate:  true,
	SettingStarInvestTermDays:   true,
	SettingStarInvestMinAmount:  true,
	SettingStarWalletAnnualRate: true,
	SettingStarWalletLockDays:   true,
	SettingStarWalletMinAmount:  true,
	SettingWithdrawMinAmount:    true,
}

var integerSettings = map[string]bool{
	SettingStarInvestTermDays: true,
	SettingStarWalletLockDays: true,
}

// initDefaultSettings 写入缺失的默认配置，已有值不覆盖
func (d *Database) initDefaultSettings() error {
	for key, value := range DefaultSettings {
		_, err := d.db.Exec(d.db.Rebind(`
			INSERT INTO system_config (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (key) DO NOTHING
		`), key, value, nowMillis())
		if err != nil {
			return fmt.Errorf("写入默认配置 %s 失败: %w", key, err)
		}
	}
	return nil
}

// GetSystemConfig 获取系统配置，不存在时返回空字符串
func (d *Database) GetSystemConfig(key string) (string, error) {
	var value string
	err := d.db.Get(&value, d.db.Rebind(`SELECT value FROM system_config WHERE key = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// SetSystemConfig 设置系统配置
func (d *Database) SetSystemConfig(key, value string) error {
	_, err := d.db.Exec(d.db.Rebind(`
		INSERT INTO system_config (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`), key, value, nowMillis())
	return err
}

// GetSettings 返回全部可编辑业务配置（缺失项回落默认值）
func (d *Database) GetSettings() (map[string]string, error) {
	settings := make(map[string]string, len(DefaultSettings))
	for k, v := range DefaultSettings {
		settings[k] = v
	}

	rows := []struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}{}
	if err := d.db.Select(&rows, `SELECT key, value FROM system_config`); err != nil {
		return nil, fmt.Errorf("查询系统配置失败: %w", err)
	}
	for _, row := range rows {
		if _, editable := DefaultSettings[row.Key]; editable {
			settings[row.Key] = row.Value
		}
	}
	return settings, nil
}

// UpdateSettings 校验并批量更新业务配置
func (d *Database) UpdateSettings(values map[string]string) error {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if err := ValidateSetting(key, values[key]); err != nil {
			return err
		}
	}
	for _, key := range keys {
		if err := d.SetSystemConfig(key, strings.TrimSpace(values[key])); err != nil {
			return fmt.Errorf("更新配置 %s 失败: %w", key, err)
		}
	}
	return nil
}

// ValidateSetting 校验单个业务配置项
func ValidateSetting(key, value string) error {
	if _, ok := DefaultSettings[key]; !ok {
		return fmt.Errorf("%w: 未知的配置项: %s", ErrInvalidInput, key)
	}
	value = strings.TrimSpace(value)

	if numericSettings[key] {
		v, err := decimal.NewFromString(value)
		if err != nil {
			return fmt.Errorf("%w: 配置项 %s 必须是数字", ErrInvalidInput, key)
		}
		if v.IsNegative() {
			return fmt.Errorf("%w: 配置项 %s 不能为负数", ErrInvalidInput, key)
		}
		if integerSettings[key] && (!v.IsInteger() || v.IsZero()) {
			return fmt.Errorf("%w: 配置项 %s 必须是正整数", ErrInvalidInput, key)
		}
		if key == SettingUSDTRate && v.IsZero() {
			return fmt.Errorf("%w: USDT汇率必须大于0", ErrInvalidInput)
		}
		return nil
	}

	if _, err := strconv.ParseBool(value); err != nil {
		return fmt.Errorf("%w: 配置项 %s 必须是 true 或 false", ErrInvalidInput, key)
	}
	return nil
}

// DecimalSetting 读取数值配置，解析失败时使用默认值
func (d *Database) DecimalSetting(key string) decimal.Decimal {
	value, err := d.GetSystemConfig(key)
	if err == nil && value != "" {
		if v, err := decimal.NewFromString(value); err == nil {
			return v
		}
	}
	v, _ := decimal.NewFromString(DefaultSettings[key])
	return v
}

// BoolSetting 读取布尔配置
func (d *Database) BoolSetting(key string) bool {
	value, err := d.GetSystemConfig(key)
	if err != nil || value == "" {
		value = DefaultSettings[key]
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false
	}
	return b
}
