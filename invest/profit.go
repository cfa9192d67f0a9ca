package invest

import (
	"sort"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"starcapital/config"
)

// Assets 用户资产与收益汇总
type Assets struct {
	Balance               decimal.Decimal `json:"balance"`
	StarWalletBalance     decimal.Decimal `json:"star_wallet_balance"`
	StarInvestBalance     decimal.Decimal `json:"star_invest_balance"`
	TotalAssets           decimal.Decimal `json:"total_assets"`
	TotalProfit           decimal.Decimal `json:"total_profit"`
	YesterdayProfit       decimal.Decimal `json:"yesterday_profit"`
	TodayStarWalletProfit decimal.Decimal `json:"today_star_wallet_profit"`
	StarInvestTotalProfit decimal.Decimal `json:"star_invest_total_profit"`
	StarWalletTotalProfit decimal.Decimal `json:"star_wallet_total_profit"`
	Withdrawable          decimal.Decimal `json:"withdrawable"`
}

// CurvePoint 每日收益
type CurvePoint struct {
	Date   string          `json:"date"` // YYYY-MM-DD
	Profit decimal.Decimal `json:"profit"`
}

// StartOfDay t 所在日期的 00:00
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// ReturnsSource 查询收益返还记录
type ReturnsSource interface {
	ListReturnEntries(userID string, from, to int64) ([]config.ReturnEntry, error)
}

// ComputeAssets 汇总三个资金桶与收益
// 昨日收益取 [昨日 00:00, 今日 00:00) 的返还记录，无需零点重置
func ComputeAssets(src ReturnsSource, user *config.User, now time.Time) (*Assets, error) {
	today := StartOfDay(now)
	yesterday := today.AddDate(0, 0, -1)
	tomorrow := today.AddDate(0, 0, 1)

	entries, err := src.ListReturnEntries(user.ID, yesterday.UnixMilli(), tomorrow.UnixMilli())
	if err != nil {
		return nil, err
	}

	a := &Assets{
		Balance:               user.Balance,
		StarWalletBalance:     user.StarWalletBalance,
		StarInvestBalance:     user.StarInvestBalance,
		TotalAssets:           user.TotalAssets(),
		TotalProfit:           user.TotalProfit(),
		StarInvestTotalProfit: user.StarInvestProfit,
		StarWalletTotalProfit: user.StarWalletProfit,
		Withdrawable:          user.Balance,
	}
	for _, e := range entries {
		if e.CreatedAt < today.UnixMilli() {
			a.YesterdayProfit = a.YesterdayProfit.Add(e.Amount)
		} else if e.Product == config.ProductStarWallet {
			a.TodayStarWalletProfit = a.TodayStarWalletProfit.Add(e.Amount)
		}
	}
	return a, nil
}

// ProfitCurve 最近 days 天（含今天）的每日收益，按日期升序，只包含有收益的日期
func ProfitCurve(src ReturnsSource, userID string, days int, now time.Time) ([]CurvePoint, error) {
	if days <= 0 {
		days = 30
	}
	if days > 365 {
		days = 365
	}
	today := StartOfDay(now)
	from := today.AddDate(0, 0, -(days - 1))
	to := today.AddDate(0, 0, 1)

	entries, err := src.ListReturnEntries(userID, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, err
	}

	loc := now.Location()
	byDay := lo.GroupBy(entries, func(e config.ReturnEntry) string {
		return time.UnixMilli(e.CreatedAt).In(loc).Format(time.DateOnly)
	})
	points := lo.MapToSlice(byDay, func(date string, list []config.ReturnEntry) CurvePoint {
		return CurvePoint{
			Date: date,
			Profit: lo.Reduce(list, func(sum decimal.Decimal, e config.ReturnEntry, _ int) decimal.Decimal {
				return sum.Add(e.Amount)
			}, decimal.Zero),
		}
	})
	sort.Slice(points, func(i, j int) bool { return points[i].Date < points[j].Date })
	return points, nil
}
