package invest

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"starcapital/config"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func setupDB(t *testing.T) *config.Database {
	t.Helper()
	db, err := config.NewDatabase(config.DriverSQLite, filepath.Join(t.TempDir(), "invest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// fundedUser 创建用户并通过调账充入余额
func fundedUser(t *testing.T, db *config.Database, name, amount string) *config.User {
	t.Helper()
	u := &config.User{ID: uuid.New().String(), Username: name, PasswordHash: "x"}
	require.NoError(t, db.CreateUser(context.Background(), u))
	if amount != "" {
		_, err := db.AdjustBalance(context.Background(), u.ID, dec(amount), "test", "初始资金")
		require.NoError(t, err)
	}
	got, err := db.GetUserByID(u.ID)
	require.NoError(t, err)
	return got
}

func TestExpectedReturn(t *testing.T) {
	cases := []struct {
		principal, rate string
		days            int
		want            string
	}{
		{"1000", "6", 1, "0.16"},
		{"100", "10", 1, "0.03"},
		{"36500", "10", 1, "10"},
		{"36500", "10", 7, "70"},
		{"0", "10", 1, "0"},
	}
	for _, tc := range cases {
		got := ExpectedReturn(dec(tc.principal), dec(tc.rate), tc.days)
		assert.True(t, got.Equal(dec(tc.want)), "%s@%s%%x%d = %s", tc.principal, tc.rate, tc.days, got)
	}
}

func TestMaturityTime(t *testing.T) {
	loc := time.FixedZone("CST", 8*3600)
	now := time.Date(2026, 1, 31, 23, 59, 0, 0, loc)

	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, loc), MaturityTime(now, 1, 0))
	assert.Equal(t, time.Date(2026, 2, 1, 10, 0, 0, 0, loc), MaturityTime(now, 1, 10))
	assert.Equal(t, time.Date(2026, 2, 7, 10, 0, 0, 0, loc), MaturityTime(now, 7, 10))
}

func TestNewQuote(t *testing.T) {
	db := setupDB(t)
	now := time.Now()

	q, err := NewQuote(db, config.ProductStarInvest, dec("100"), now)
	require.NoError(t, err)
	assert.True(t, q.Product.AnnualRate.Equal(dec("10")), "基础 8 + 加息 2")
	assert.Equal(t, 1, q.Product.TermDays)
	assert.Equal(t, 0, q.MatureAt.Hour())

	q, err = NewQuote(db, config.ProductStarWallet, dec("1000"), now)
	require.NoError(t, err)
	assert.True(t, q.ExpectedReturn.Equal(dec("0.16")))
	assert.Equal(t, 10, q.MatureAt.Hour())

	_, err = NewQuote(db, config.ProductStarWallet, dec("999.99"), now)
	assert.ErrorIs(t, err, ErrBelowMinimum)

	_, err = NewQuote(db, "moon", dec("1000"), now)
	assert.ErrorIs(t, err, ErrUnknownProduct)

	_, err = NewQuote(db, config.ProductStarInvest, dec("-1"), now)
	assert.Error(t, err)

	require.NoError(t, db.UpdateSettings(map[string]string{config.SettingStarInvestTermDays: "3"}))
	q, err = NewQuote(db, config.ProductStarInvest, dec("100"), now)
	require.NoError(t, err)
	assert.Equal(t, 3, q.Product.TermDays)
	assert.Equal(t, MaturityTime(now, 3, 0), q.MatureAt)
}

func TestSubscribe(t *testing.T) {
	db := setupDB(t)
	svc := NewService(db)
	ctx := context.Background()
	user := fundedUser(t, db, "alice", "2000")

	mentor := &config.Mentor{Name: "导师"}
	require.NoError(t, db.CreateMentor(mentor))
	inactive := &config.Mentor{Name: "停用", Status: config.MentorInactive}
	require.NoError(t, db.CreateMentor(inactive))

	_, err := svc.Subscribe(ctx, user.ID, config.ProductStarWallet, dec("1000"), mentor.ID)
	assert.ErrorIs(t, err, ErrInvalidMentor, "星钱包不能选导师")
	_, err = svc.Subscribe(ctx, user.ID, config.ProductStarInvest, dec("100"), inactive.ID)
	assert.ErrorIs(t, err, ErrInvalidMentor)
	_, err = svc.Subscribe(ctx, user.ID, config.ProductStarInvest, dec("100"), "missing")
	assert.ErrorIs(t, err, ErrInvalidMentor)

	p, err := svc.Subscribe(ctx, user.ID, config.ProductStarInvest, dec("500"), mentor.ID)
	require.NoError(t, err)
	assert.Equal(t, config.PositionPending, p.Status)
	assert.True(t, p.ReturnAmount.Equal(dec("0.14")), "500 × 10%% / 365 = %s", p.ReturnAmount)

	_, err = svc.Subscribe(ctx, user.ID, config.ProductStarWallet, dec("1000"), "")
	require.NoError(t, err)

	got, _ := db.GetUserByID(user.ID)
	assert.True(t, got.Balance.Equal(dec("500")))
	assert.True(t, got.StarInvestBalance.Equal(dec("500")))
	assert.True(t, got.StarWalletBalance.Equal(dec("1000")))

	_, err = svc.Subscribe(ctx, user.ID, config.ProductStarWallet, dec("1000"), "")
	assert.ErrorIs(t, err, config.ErrInsufficientBalance)

	invests, _, err := db.ListTransactions(config.TransactionFilter{UserID: user.ID, Type: config.TxTypeInvest})
	require.NoError(t, err)
	assert.Len(t, invests, 2)
}

// TestSettleDueMovesBuckets 到期结算：资金桶减本金，余额加本金和收益，累计收益增加
func TestSettleDueMovesBuckets(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	user := fundedUser(t, db, "bob", "3000")

	svc := NewService(db)
	created := time.Now()
	svc.now = func() time.Time { return created }

	inv, err := svc.Subscribe(ctx, user.ID, config.ProductStarInvest, dec("1000"), "")
	require.NoError(t, err)
	wal, err := svc.Subscribe(ctx, user.ID, config.ProductStarWallet, dec("1000"), "")
	require.NoError(t, err)

	proc := NewReturnsProcessor(db, time.Minute)

	// 未到期：不结算
	summary, err := proc.SettleDue(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Settled)

	// 星投在次日 00:00 到期，星钱包 10:00 才到期
	midnight := time.UnixMilli(inv.MatureAt).Add(time.Second)
	summary, err = proc.SettleDue(ctx, midnight)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Settled)
	assert.True(t, summary.TotalReturn.Equal(dec("0.27")), "1000 × 10%% / 365")

	got, _ := db.GetUserByID(user.ID)
	assert.True(t, got.StarInvestBalance.IsZero())
	assert.True(t, got.StarWalletBalance.Equal(dec("1000")))
	assert.True(t, got.Balance.Equal(dec("2000.27")), "balance=%s", got.Balance)
	assert.True(t, got.StarInvestProfit.Equal(dec("0.27")))

	afterTen := time.UnixMilli(wal.MatureAt).Add(time.Second)
	summary, err = proc.SettleDue(ctx, afterTen)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Settled)

	// 再次运行不会重复入账
	summary, err = proc.SettleDue(ctx, afterTen.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Settled)

	got, _ = db.GetUserByID(user.ID)
	assert.True(t, got.StarWalletBalance.IsZero())
	assert.True(t, got.StarWalletProfit.Equal(dec("0.16")))
	assert.True(t, got.Balance.Equal(dec("3000.43")), "balance=%s", got.Balance)
	assert.True(t, got.TotalProfit().Equal(dec("0.43")))
	assert.True(t, got.TotalAssets().Equal(dec("3000.43")))

	returns, _, err := db.ListTransactions(config.TransactionFilter{UserID: user.ID, Type: config.TxTypeReturn})
	require.NoError(t, err)
	assert.Len(t, returns, 2)
}

type flakyLedger struct {
	positions []*config.Position
	settled   map[string]bool
}

func (f *flakyLedger) ListDuePositions(now int64, limit int) ([]*config.Position, error) {
	return f.positions, nil
}

func (f *flakyLedger) SettlePosition(ctx context.Context, id string, now int64) (bool, error) {
	if id == "broken" {
		return false, errors.New("boom")
	}
	if f.settled[id] {
		return false, nil
	}
	f.settled[id] = true
	return true, nil
}

func TestSettleDueContinuesAfterFailure(t *testing.T) {
	ledger := &flakyLedger{
		positions: []*config.Position{
			{ID: "broken", Product: config.ProductStarInvest, Principal: dec("1"), ReturnAmount: dec("1")},
			{ID: "ok", Product: config.ProductStarWallet, Principal: dec("1000"), ReturnAmount: dec("0.16")},
		},
		settled: map[string]bool{},
	}
	proc := NewReturnsProcessor(ledger, time.Minute)

	summary, err := proc.SettleDue(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Settled)
	assert.Equal(t, 1, summary.Failed)
	assert.True(t, summary.TotalPrincipal.Equal(dec("1000")))

	summary, err = proc.SettleDue(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Settled, "已结算的不再计入")
}

func TestProcessorStartStop(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	user := fundedUser(t, db, "carol", "1000")

	_, err := db.CreatePosition(ctx, &config.Position{
		UserID: user.ID, Product: config.ProductStarWallet, Principal: dec("1000"),
		AnnualRate: dec("6"), TermDays: 1, ReturnAmount: dec("0.16"),
		MatureAt: time.Now().Add(-time.Minute).UnixMilli(),
	})
	require.NoError(t, err)

	proc := NewReturnsProcessor(db, 20*time.Millisecond)
	proc.Start()
	assert.Eventually(t, func() bool {
		got, _ := db.GetUserByID(user.ID)
		return got.Balance.Equal(dec("1000.16"))
	}, 2*time.Second, 10*time.Millisecond, "启动时立即结算")
	proc.Stop()
	proc.Stop()
}

// TestAssetsYesterdayAndTotal 昨日收益只统计昨日结算的返还，总收益为两个产品累计
func TestAssetsYesterdayAndTotal(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	user := fundedUser(t, db, "dave", "10000")
	proc := NewReturnsProcessor(db, time.Minute)

	now := time.Now()
	today := StartOfDay(now)
	yesterdayNoon := today.AddDate(0, 0, -1).Add(12 * time.Hour)
	twoDaysAgo := today.AddDate(0, 0, -2).Add(12 * time.Hour)

	position := func(product, ret string, matureAt time.Time) {
		_, err := db.CreatePosition(ctx, &config.Position{
			UserID: user.ID, Product: product, Principal: dec("1000"),
			AnnualRate: dec("6"), TermDays: 1, ReturnAmount: dec(ret),
			MatureAt: matureAt.UnixMilli(),
		})
		require.NoError(t, err)
	}

	position(config.ProductStarInvest, "1.00", twoDaysAgo)
	_, err := proc.SettleDue(ctx, twoDaysAgo)
	require.NoError(t, err)

	position(config.ProductStarInvest, "2.00", yesterdayNoon)
	position(config.ProductStarWallet, "0.50", yesterdayNoon)
	_, err = proc.SettleDue(ctx, yesterdayNoon)
	require.NoError(t, err)

	position(config.ProductStarWallet, "0.16", today)
	_, err = proc.SettleDue(ctx, today.Add(time.Minute))
	require.NoError(t, err)

	u, err := db.GetUserByID(user.ID)
	require.NoError(t, err)
	assets, err := ComputeAssets(db, u, now)
	require.NoError(t, err)

	assert.True(t, assets.YesterdayProfit.Equal(dec("2.50")), "yesterday=%s", assets.YesterdayProfit)
	assert.True(t, assets.TodayStarWalletProfit.Equal(dec("0.16")))
	assert.True(t, assets.StarInvestTotalProfit.Equal(dec("3")))
	assert.True(t, assets.TotalProfit.Equal(dec("3.66")))
	assert.True(t, assets.TotalAssets.Equal(dec("10003.66")))
	assert.True(t, assets.Withdrawable.Equal(assets.Balance), "余额全部可提现")

	curve, err := ProfitCurve(db, user.ID, 7, now)
	require.NoError(t, err)
	require.Len(t, curve, 3)
	assert.Equal(t, twoDaysAgo.Format(time.DateOnly), curve[0].Date)
	assert.True(t, curve[1].Profit.Equal(dec("2.5")))
	assert.Equal(t, today.Format(time.DateOnly), curve[2].Date)

	curve, err = ProfitCurve(db, user.ID, 1, now)
	require.NoError(t, err)
	assert.Len(t, curve, 1, "只包含今天")
}
