package api

import (
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"starcapital/config"
	"starcapital/invest"
)

// trendMonths 趋势图覆盖的月份数
const trendMonths = 6

// MonthPoint 月末累计值
type MonthPoint struct {
	Month    string          `json:"month"` // YYYY-MM
	Users    int             `json:"users"`
	Deposits decimal.Decimal `json:"deposits"`
}

// Dashboard 后台首页统计
type Dashboard struct {
	TotalUsers         int             `json:"total_users"`
	NewUsersToday      int             `json:"new_users_today"`
	DepositTotal       decimal.Decimal `json:"deposit_total"`
	DepositToday       decimal.Decimal `json:"deposit_today"`
	WithdrawTotal      decimal.Decimal `json:"withdraw_total"`
	WithdrawToday      decimal.Decimal `json:"withdraw_today"`
	PendingDeposits    int             `json:"pending_deposits"`
	PendingWithdrawals int             `json:"pending_withdrawals"`
	Mentors            int             `json:"mentors"`
	ActiveMentors      int             `json:"active_mentors"`
	WalletTotal        decimal.Decimal `json:"wallet_total"`
	StarWalletTotal    decimal.Decimal `json:"star_wallet_total"`
	StarInvestTotal    decimal.Decimal `json:"star_invest_total"`
	Trend              []MonthPoint    `json:"trend"`
}

// fundingTotals 充值按入账金额统计，提现按申请金额统计；今日按审核时间计
func fundingTotals(entries []config.ReviewedEntry, today time.Time) (depTotal, depToday, wdTotal, wdToday decimal.Decimal) {
	since := today.UnixMilli()
	for _, e := range entries {
		switch e.Type {
		case config.TxTypeDeposit:
			depTotal = depTotal.Add(e.CreditAmount)
			if e.ReviewedAt >= since {
				depToday = depToday.Add(e.CreditAmount)
			}
		case config.TxTypeWithdraw:
			wdTotal = wdTotal.Add(e.Amount)
			if e.ReviewedAt >= since {
				wdToday = wdToday.Add(e.Amount)
			}
		}
	}
	return
}

// monthEnds 最近 n 个月（含本月）的下月一日 00:00，升序
func monthEnds(now time.Time, n int) []time.Time {
	y, m, _ := now.Date()
	first := time.Date(y, m, 1, 0, 0, 0, 0, now.Location())
	return lo.Times(n, func(i int) time.Time {
		return first.AddDate(0, i-n+2, 0)
	})
}

// depositTrend 每个月末之前审核通过的累计充值入账
func depositTrend(entries []config.ReviewedEntry, ends []time.Time) []decimal.Decimal {
	deposits := lo.Filter(entries, func(e config.ReviewedEntry, _ int) bool {
		return e.Type == config.TxTypeDeposit
	})
	return lo.Map(ends, func(end time.Time, _ int) decimal.Decimal {
		sum := decimal.Zero
		for _, e := range deposits {
			if e.ReviewedAt < end.UnixMilli() {
				sum = sum.Add(e.CreditAmount)
			}
		}
		return sum
	})
}

// buildDashboard 汇总后台首页数据
func (s *Server) buildDashboard(now time.Time) (*Dashboard, error) {
	today := invest.StartOfDay(now)

	total, newToday, err := s.database.CountUsers(today.UnixMilli())
	if err != nil {
		return nil, err
	}
	entries, err := s.database.ListApprovedFunding()
	if err != nil {
		return nil, err
	}
	pendingDeposits, pendingWithdrawals, err := s.database.CountPending()
	if err != nil {
		return nil, err
	}
	mentors, err := s.database.ListMentors(false)
	if err != nil {
		return nil, err
	}
	wallet, starWallet, starInvest, err := s.database.SumBuckets()
	if err != nil {
		return nil, err
	}

	d := &Dashboard{
		TotalUsers:         total,
		NewUsersToday:      newToday,
		PendingDeposits:    pendingDeposits,
		PendingWithdrawals: pendingWithdrawals,
		Mentors:            len(mentors),
		ActiveMentors: lo.CountBy(mentors, func(m *config.Mentor) bool {
			return m.Status == config.MentorActive
		}),
		WalletTotal:     wallet,
		StarWalletTotal: starWallet,
		StarInvestTotal: starInvest,
	}
	d.DepositTotal, d.DepositToday, d.WithdrawTotal, d.WithdrawToday = fundingTotals(entries, today)

	ends := monthEnds(now, trendMonths)
	deposits := depositTrend(entries, ends)
	for i, end := range ends {
		users, err := s.database.CountUsersBefore(end.UnixMilli())
		if err != nil {
			return nil, err
		}
		d.Trend = append(d.Trend, MonthPoint{
			Month:    end.AddDate(0, -1, 0).Format("2006-01"),
			Users:    users,
			Deposits: deposits[i],
		})
	}
	return d, nil
}
