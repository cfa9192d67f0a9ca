package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// 理财产品
const (
	ProductStarInvest = "star_invest"
	ProductStarWallet = "star_wallet"
)

// 持仓状态
const (
	PositionPending = "pending"
	PositionSettled = "settled"
)

// Position 理财持仓，利率与到期时间在申购时确定
type Position struct {
	ID           string          `db:"id" json:"id"`
	UserID       string          `db:"user_id" json:"user_id"`
	Product      string          `db:"product" json:"product"`
	Principal    decimal.Decimal `db:"principal" json:"principal"`
	AnnualRate   decimal.Decimal `db:"annual_rate" json:"annual_rate"`
	TermDays     int             `db:"term_days" json:"term_days"`
	ReturnAmount decimal.Decimal `db:"return_amount" json:"return_amount"`
	MentorID     string          `db:"mentor_id" json:"mentor_id,omitempty"`
	Status       string          `db:"status" json:"status"`
	CreatedAt    int64           `db:"created_at" json:"created_at"`
	MatureAt     int64           `db:"mature_at" json:"mature_at"`
	SettledAt    int64           `db:"settled_at" json:"settled_at,omitempty"`
}

const positionColumns = `id, user_id, product, principal, annual_rate, term_days, return_amount,
	mentor_id, status, created_at, mature_at, settled_at`

// bucketOf 返回产品对应的资金桶与累计收益字段
func bucketOf(user *User, product string) (bucket, profit *decimal.Decimal, err error) {
	switch product {
	case ProductStarInvest:
		return &user.StarInvestBalance, &user.StarInvestProfit, nil
	case ProductStarWallet:
		return &user.StarWalletBalance, &user.StarWalletProfit, nil
	}
	return nil, nil, fmt.Errorf("%w: 未知产品: %s", ErrInvalidInput, product)
}

// CreatePosition 申购：余额钱包扣款转入产品资金桶，写入持仓和 invest 账本
func (d *Database) CreatePosition(ctx context.Context, p *Position) (*Transaction, error) {
	p.Principal = money(p.Principal)
	p.ReturnAmount = money(p.ReturnAmount)
	if !p.Principal.IsPositive() {
		return nil, fmt.Errorf("%w: 申购金额必须大于0", ErrInvalidInput)
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt == 0 {
		p.CreatedAt = nowMillis()
	}
	p.Status = PositionPending

	entry := &Transaction{
		UserID:     p.UserID,
		Type:       TxTypeInvest,
		Product:    p.Product,
		Amount:     p.Principal,
		Rate:       p.AnnualRate,
		Status:     TxStatusCompleted,
		PositionID: p.ID,
		CreatedAt:  p.CreatedAt,
	}
	err := d.withTx(ctx, func(tx *sqlx.Tx) error {
		user, err := d.lockUser(tx, p.UserID)
		if err != nil {
			return err
		}
		if user.Status != UserStatusActive {
			return fmt.Errorf("%w: 账号已被禁用", ErrInvalidState)
		}
		bucket, _, err := bucketOf(user, p.Product)
		if err != nil {
			return err
		}
		if user.Balance.LessThan(p.Principal) {
			return ErrInsufficientBalance
		}
		user.Balance = user.Balance.Sub(p.Principal)
		*bucket = bucket.Add(p.Principal)
		if err := d.saveBuckets(tx, user); err != nil {
			return err
		}

		_, err = tx.NamedExec(`
			INSERT INTO positions (`+positionColumns+`) VALUES (
				:id, :user_id, :product, :principal, :annual_rate, :term_days, :return_amount,
				:mentor_id, :status, :created_at, :mature_at, :settled_at
			)`, p)
		if err != nil {
			return fmt.Errorf("写入持仓失败: %w", err)
		}
		return insertTransaction(tx, entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ListDuePositions 到期未结算的持仓
func (d *Database) ListDuePositions(now int64, limit int) ([]*Position, error) {
	list := []*Position{}
	err := d.db.Select(&list, d.db.Rebind(`
		SELECT `+positionColumns+` FROM positions
		WHERE status = ? AND mature_at <= ?
		ORDER BY mature_at ASC LIMIT ?`), PositionPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("查询到期持仓失败: %w", err)
	}
	return list, nil
}

// SettlePosition 结算一笔到期持仓
// 状态 pending → settled 为条件更新，已结算时返回 false 且不动账
func (d *Database) SettlePosition(ctx context.Context, id string, now int64) (bool, error) {
	settled := false
	err := d.withTx(ctx, func(tx *sqlx.Tx) error {
		var p Position
		err := tx.Get(&p, tx.Rebind(`SELECT `+positionColumns+` FROM positions WHERE id = ?`+d.forUpdate()), id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if p.MatureAt > now {
			return nil
		}

		res, err := tx.Exec(tx.Rebind(`
			UPDATE positions SET status = ?, settled_at = ? WHERE id = ? AND status = ?`),
			PositionSettled, now, id, PositionPending)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		user, err := d.lockUser(tx, p.UserID)
		if err != nil {
			return err
		}
		bucket, profit, err := bucketOf(user, p.Product)
		if err != nil {
			return err
		}
		if bucket.LessThan(p.Principal) {
			return fmt.Errorf("%w: 资金桶余额小于本金 (持仓 %s)", ErrInvalidState, p.ID)
		}
		*bucket = bucket.Sub(p.Principal)
		*profit = profit.Add(p.ReturnAmount)
		user.Balance = user.Balance.Add(p.Principal).Add(p.ReturnAmount)
		if err := d.saveBuckets(tx, user); err != nil {
			return err
		}

		err = insertTransaction(tx, &Transaction{
			UserID:       p.UserID,
			Type:         TxTypeReturn,
			Product:      p.Product,
			Amount:       p.ReturnAmount,
			CreditAmount: p.Principal.Add(p.ReturnAmount),
			Rate:         p.AnnualRate,
			Status:       TxStatusCompleted,
			PositionID:   p.ID,
			CreatedAt:    now,
		})
		if err != nil {
			return err
		}
		settled = true
		return nil
	})
	return settled, err
}

// GetPosition 按ID获取持仓
func (d *Database) GetPosition(id string) (*Position, error) {
	var p Position
	err := d.db.Get(&p, d.db.Rebind(`SELECT `+positionColumns+` FROM positions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPositions 用户持仓，status 为空时返回全部
func (d *Database) ListPositions(userID, status string) ([]*Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE user_id = ?`
	args := []interface{}{userID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	list := []*Position{}
	if err := d.db.Select(&list, d.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("查询持仓失败: %w", err)
	}
	return list, nil
}
