package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// 账本类型
const (
	TxTypeDeposit    = "deposit"
	TxTypeWithdraw   = "withdraw"
	TxTypeInvest     = "invest"
	TxTypeReturn     = "return"
	TxTypeAdjustment = "adjustment"
)

// 账本状态
const (
	TxStatusPending   = "pending"
	TxStatusApproved  = "approved"
	TxStatusRejected  = "rejected"
	TxStatusCompleted = "completed"
)

// Transaction 账本记录
// 充值的 Amount 为 USDT 数量，CreditAmount 为审核通过后入账的金额
type Transaction struct {
	ID           string          `db:"id" json:"id"`
	UserID       string          `db:"user_id" json:"user_id"`
	Type         string          `db:"type" json:"type"`
	Product      string          `db:"product" json:"product,omitempty"`
	Amount       decimal.Decimal `db:"amount" json:"amount"`
	CreditAmount decimal.Decimal `db:"credit_amount" json:"credit_amount"`
	Rate         decimal.Decimal `db:"rate" json:"rate"`
	Status       string          `db:"status" json:"status"`
	Method       string          `db:"method" json:"method,omitempty"`
	ProofURL     string          `db:"proof_url" json:"proof_url,omitempty"`
	TxHash       string          `db:"tx_hash" json:"tx_hash,omitempty"`
	Address      string          `db:"address" json:"address,omitempty"`
	PositionID   string          `db:"position_id" json:"position_id,omitempty"`
	Remark       string          `db:"remark" json:"remark,omitempty"`
	ReviewedBy   string          `db:"reviewed_by" json:"reviewed_by,omitempty"`
	ReviewedAt   int64           `db:"reviewed_at" json:"reviewed_at,omitempty"`
	CreatedAt    int64           `db:"created_at" json:"created_at"`
}

// TransactionFilter 账本查询条件，空字段不过滤
type TransactionFilter struct {
	UserID string
	Type   string
	Status string
	Offset int
	Limit  int
}

const transactionColumns = `id, user_id, type, product, amount, credit_amount, rate, status, method,
	proof_url, tx_hash, address, position_id, remark, reviewed_by, reviewed_at, created_at`

func insertTransaction(tx *sqlx.Tx, t *Transaction) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt == 0 {
		t.CreatedAt = nowMillis()
	}
	t.Amount = money(t.Amount)
	t.CreditAmount = money(t.CreditAmount)
	_, err := tx.NamedExec(`
		INSERT INTO transactions (`+transactionColumns+`) VALUES (
			:id, :user_id, :type, :product, :amount, :credit_amount, :rate, :status, :method,
			:proof_url, :tx_hash, :address, :position_id, :remark, :reviewed_by, :reviewed_at, :created_at
		)`, t)
	if err != nil {
		return fmt.Errorf("写入账本失败: %w", err)
	}
	return nil
}

// CreateDeposit 提交充值凭证，按提交时的汇率记录，待审核
func (d *Database) CreateDeposit(ctx context.Context, userID string, amountUSDT decimal.Decimal, proofURL, txHash string) (*Transaction, error) {
	if !amountUSDT.IsPositive() {
		return nil, fmt.Errorf("%w: 充值金额必须大于0", ErrInvalidInput)
	}
	rate := d.DecimalSetting(SettingUSDTRate)

	t := &Transaction{
		UserID:       userID,
		Type:         TxTypeDeposit,
		Amount:       amountUSDT,
		CreditAmount: amountUSDT.Mul(rate),
		Rate:         rate,
		Status:       TxStatusPending,
		Method:       "USDT",
		ProofURL:     proofURL,
		TxHash:       strings.ToLower(txHash),
	}
	err := d.withTx(ctx, func(tx *sqlx.Tx) error {
		user, err := d.lockUser(tx, userID)
		if err != nil {
			return err
		}
		if user.Status != UserStatusActive {
			return fmt.Errorf("%w: 账号已被禁用", ErrInvalidState)
		}
		return insertTransaction(tx, t)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// CreateWithdraw 提交提现申请，金额立即从余额钱包冻结
func (d *Database) CreateWithdraw(ctx context.Context, userID string, amount decimal.Decimal, address string) (*Transaction, error) {
	amount = money(amount)
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: 提现金额必须大于0", ErrInvalidInput)
	}
	minAmount := d.DecimalSetting(SettingWithdrawMinAmount)
	if amount.LessThan(minAmount) {
		return nil, fmt.Errorf("%w: 最低提现金额为 %s", ErrInvalidInput, minAmount.StringFixed(2))
	}

	t := &Transaction{
		UserID:  userID,
		Type:    TxTypeWithdraw,
		Amount:  amount,
		Status:  TxStatusPending,
		Method:  "USDT",
		Address: address,
	}
	err := d.withTx(ctx, func(tx *sqlx.Tx) error {
		user, err := d.lockUser(tx, userID)
		if err != nil {
			return err
		}
		if user.Status != UserStatusActive {
			return fmt.Errorf("%w: 账号已被禁用", ErrInvalidState)
		}
		if user.Balance.LessThan(amount) {
			return ErrInsufficientBalance
		}
		user.Balance = user.Balance.Sub(amount)
		if err := d.saveBuckets(tx, user); err != nil {
			return err
		}
		return insertTransaction(tx, t)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ReviewTransaction 审核待处理的充值或提现，每条记录只能审核一次
func (d *Database) ReviewTransaction(ctx context.Context, id, status, reviewer, remark string) (*Transaction, error) {
	if status != TxStatusApproved && status != TxStatusRejected {
		return nil, fmt.Errorf("%w: 无效的审核状态: %s", ErrInvalidInput, status)
	}

	var result *Transaction
	err := d.withTx(ctx, func(tx *sqlx.Tx) error {
		var t Transaction
		err := tx.Get(&t, tx.Rebind(`SELECT `+transactionColumns+` FROM transactions WHERE id = ?`+d.forUpdate()), id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if t.Type != TxTypeDeposit && t.Type != TxTypeWithdraw {
			return fmt.Errorf("%w: 该记录无需审核", ErrInvalidState)
		}

		now := nowMillis()
		res, err := tx.Exec(tx.Rebind(`
			UPDATE transactions SET status = ?, remark = ?, reviewed_by = ?, reviewed_at = ?
			WHERE id = ? AND status = ?`), status, remark, reviewer, now, id, TxStatusPending)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: 记录已审核", ErrInvalidState)
		}

		user, err := d.lockUser(tx, t.UserID)
		if err != nil {
			return err
		}
		switch {
		case t.Type == TxTypeDeposit && status == TxStatusApproved:
			user.Balance = user.Balance.Add(money(t.CreditAmount))
		case t.Type == TxTypeWithdraw && status == TxStatusRejected:
			user.Balance = user.Balance.Add(t.Amount)
		default:
			// 充值拒绝不动账，提现通过时冻结金额直接出账
			user = nil
		}
		if user != nil {
			if err := d.saveBuckets(tx, user); err != nil {
				return err
			}
		}

		t.Status = status
		t.Remark = remark
		t.ReviewedBy = reviewer
		t.ReviewedAt = now
		result = &t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AdjustBalance 后台调账，写入 adjustment 账本，调整后余额不能为负
func (d *Database) AdjustBalance(ctx context.Context, userID string, amount decimal.Decimal, operator, remark string) (*Transaction, error) {
	amount = money(amount)
	if amount.IsZero() {
		return nil, fmt.Errorf("%w: 调账金额不能为0", ErrInvalidInput)
	}
	if strings.TrimSpace(remark) == "" {
		return nil, fmt.Errorf("%w: 调账必须填写备注", ErrInvalidInput)
	}

	t := &Transaction{
		UserID:     userID,
		Type:       TxTypeAdjustment,
		Amount:     amount,
		Status:     TxStatusCompleted,
		Remark:     remark,
		ReviewedBy: operator,
		ReviewedAt: nowMillis(),
	}
	err := d.withTx(ctx, func(tx *sqlx.Tx) error {
		user, err := d.lockUser(tx, userID)
		if err != nil {
			return err
		}
		next := user.Balance.Add(amount)
		if next.IsNegative() {
			return ErrInsufficientBalance
		}
		user.Balance = next
		if err := d.saveBuckets(tx, user); err != nil {
			return err
		}
		return insertTransaction(tx, t)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetTransaction 按ID获取账本记录
func (d *Database) GetTransaction(id string) (*Transaction, error) {
	var t Transaction
	err := d.db.Get(&t, d.db.Rebind(`SELECT `+transactionColumns+` FROM transactions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTransactions 按条件查询账本，最新在前
func (d *Database) ListTransactions(f TransactionFilter) ([]*Transaction, int, error) {
	conds := []string{"1 = 1"}
	args := []interface{}{}
	if f.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	where := strings.Join(conds, " AND ")

	var total int
	if err := d.db.Get(&total, d.db.Rebind(`SELECT COUNT(*) FROM transactions WHERE `+where), args...); err != nil {
		return nil, 0, fmt.Errorf("统计账本失败: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	list := []*Transaction{}
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE ` + where +
		` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	if err := d.db.Select(&list, d.db.Rebind(query), append(args, limit, f.Offset)...); err != nil {
		return nil, 0, fmt.Errorf("查询账本失败: %w", err)
	}
	return list, total, nil
}

// ReturnEntry 收益返还记录（用于收益统计）
type ReturnEntry struct {
	Product   string          `db:"product"`
	Amount    decimal.Decimal `db:"amount"`
	CreatedAt int64           `db:"created_at"`
}

// ListReturnEntries 用户在 [from, to) 区间内的收益返还记录
// 返还记录的 amount 只包含收益，不含本金
func (d *Database) ListReturnEntries(userID string, from, to int64) ([]ReturnEntry, error) {
	entries := []ReturnEntry{}
	err := d.db.Select(&entries, d.db.Rebind(`
		SELECT product, amount, created_at FROM transactions
		WHERE user_id = ? AND type = ? AND created_at >= ? AND created_at < ?
		ORDER BY created_at ASC`), userID, TxTypeReturn, from, to)
	if err != nil {
		return nil, fmt.Errorf("查询收益记录失败: %w", err)
	}
	return entries, nil
}

// ReviewedEntry 已审核通过的充值或提现（用于后台统计）
type ReviewedEntry struct {
	Type         string          `db:"type"`
	Amount       decimal.Decimal `db:"amount"`
	CreditAmount decimal.Decimal `db:"credit_amount"`
	CreatedAt    int64           `db:"created_at"`
	ReviewedAt   int64           `db:"reviewed_at"`
}

// ListApprovedFunding 所有审核通过的充值和提现
func (d *Database) ListApprovedFunding() ([]ReviewedEntry, error) {
	entries := []ReviewedEntry{}
	err := d.db.Select(&entries, d.db.Rebind(`
		SELECT type, amount, credit_amount, created_at, reviewed_at FROM transactions
		WHERE type IN (?, ?) AND status = ?`), TxTypeDeposit, TxTypeWithdraw, TxStatusApproved)
	return entries, err
}

// CountPending 待审核的充值与提现数量
func (d *Database) CountPending() (deposits, withdrawals int, err error) {
	q := d.db.Rebind(`SELECT COUNT(*) FROM transactions WHERE type = ? AND status = ?`)
	if err = d.db.Get(&deposits, q, TxTypeDeposit, TxStatusPending); err != nil {
		return
	}
	err = d.db.Get(&withdrawals, q, TxTypeWithdraw, TxStatusPending)
	return
}
