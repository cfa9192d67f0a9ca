package invest

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"starcapital/config"
)

var (
	ErrUnknownProduct = errors.New("未知产品")
	ErrBelowMinimum   = errors.New("低于最低申购金额")
)

var daysPerYear = decimal.NewFromInt(365)

// Settings 读取业务配置
type Settings interface {
	DecimalSetting(key string) decimal.Decimal
}

// Product 对外展示的产品参数
type Product struct {
	Key        string          `json:"key"`
	Name       string          `json:"name"`
	AnnualRate decimal.Decimal `json:"annual_rate"` // 百分比
	TermDays   int             `json:"term_days"`
	MinAmount  decimal.Decimal `json:"min_amount"`
	MatureHour int             `json:"mature_hour"` // 到期时刻（本地时间）
}

// Quote 申购报价，利率和到期时间在申购时锁定
type Quote struct {
	Product        Product
	Principal      decimal.Decimal
	MatureAt       time.Time
	ExpectedReturn decimal.Decimal
}

// Products 按当前配置返回两种产品
func Products(s Settings) []Product {
	return []Product{
		{
			Key:        config.ProductStarInvest,
			Name:       "星投",
			AnnualRate: s.DecimalSetting(config.SettingStarInvestBaseRate).Add(s.DecimalSetting(config.SettingStarInvestBonusRate)),
			TermDays:   int(s.DecimalSetting(config.SettingStarInvestTermDays).IntPart()),
			MinAmount:  s.DecimalSetting(config.SettingStarInvestMinAmount),
			MatureHour: 0,
		},
		{
			Key:        config.ProductStarWallet,
			Name:       "星钱包",
			AnnualRate: s.DecimalSetting(config.SettingStarWalletAnnualRate),
			TermDays:   int(s.DecimalSetting(config.SettingStarWalletLockDays).IntPart()),
			MinAmount:  s.DecimalSetting(config.SettingStarWalletMinAmount),
			MatureHour: 10,
		},
	}
}

// FindProduct 按 key 查找产品
func FindProduct(s Settings, key string) (Product, error) {
	for _, p := range Products(s) {
		if p.Key == key {
			return p, nil
		}
	}
	return Product{}, fmt.Errorf("%w: %s", ErrUnknownProduct, key)
}

// ExpectedReturn 本金 × 年化/100 × 天数/365，保留两位小数
func ExpectedReturn(principal, annualRate decimal.Decimal, termDays int) decimal.Decimal {
	return principal.
		Mul(annualRate).Div(decimal.NewFromInt(100)).
		Mul(decimal.NewFromInt(int64(termDays))).Div(daysPerYear).
		Round(2)
}

// MaturityTime now 所在日期之后第 termDays 天的 hour 点（now 所在时区）
func MaturityTime(now time.Time, termDays, hour int) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+termDays, hour, 0, 0, 0, now.Location())
}

// NewQuote 计算申购报价
func NewQuote(s Settings, productKey string, principal decimal.Decimal, now time.Time) (*Quote, error) {
	p, err := FindProduct(s, productKey)
	if err != nil {
		return nil, err
	}
	principal = principal.Round(2)
	if !principal.IsPositive() {
		return nil, fmt.Errorf("%w: 申购金额必须大于0", config.ErrInvalidInput)
	}
	if principal.LessThan(p.MinAmount) {
		return nil, fmt.Errorf("%w: %s 最低 %s", ErrBelowMinimum, p.Name, p.MinAmount.StringFixed(2))
	}
	if p.TermDays < 1 {
		p.TermDays = 1
	}
	return &Quote{
		Product:        p,
		Principal:      principal,
		MatureAt:       MaturityTime(now, p.TermDays, p.MatureHour),
		ExpectedReturn: ExpectedReturn(principal, p.AnnualRate, p.TermDays),
	}, nil
}
