package config

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"starcapital/tier"
)

// 用户状态
const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)

// maxReferralDepth 推荐链向上追溯的最大层数，防止脏数据成环
const maxReferralDepth = 1000

// User 用户及其三个资金桶
type User struct {
	ID                string          `db:"id" json:"id"`
	Username          string          `db:"username" json:"username"`
	Nickname          string          `db:"nickname" json:"nickname"`
	PasswordHash      string          `db:"password_hash" json:"-"`
	InviteCode        string          `db:"invite_code" json:"invite_code"`
	ReferrerID        string          `db:"referrer_id" json:"referrer_id,omitempty"`
	Status            string          `db:"status" json:"status"`
	Balance           decimal.Decimal `db:"balance" json:"balance"`
	StarWalletBalance decimal.Decimal `db:"star_wallet_balance" json:"star_wallet_balance"`
	StarInvestBalance decimal.Decimal `db:"star_invest_balance" json:"star_invest_balance"`
	StarInvestProfit  decimal.Decimal `db:"star_invest_profit" json:"star_invest_profit"`
	StarWalletProfit  decimal.Decimal `db:"star_wallet_profit" json:"star_wallet_profit"`
	VIPLevel          int             `db:"vip_level" json:"vip_level"`
	VIPName           string          `db:"vip_name" json:"vip_name"`
	DirectCount       int             `db:"direct_count" json:"direct_count"`
	TeamCount         int             `db:"team_count" json:"team_count"`
	Avatar            string          `db:"avatar" json:"avatar"`
	IsFirstLogin      bool            `db:"is_first_login" json:"is_first_login"`
	CreatedAt         int64           `db:"created_at" json:"created_at"`
	UpdatedAt         int64           `db:"updated_at" json:"updated_at"`
}

// TotalAssets 余额钱包 + 星钱包 + 星投资金
func (u *User) TotalAssets() decimal.Decimal {
	return u.Balance.Add(u.StarWalletBalance).Add(u.StarInvestBalance)
}

// TotalProfit 星投收益 + 星钱包收益
func (u *User) TotalProfit() decimal.Decimal {
	return u.StarInvestProfit.Add(u.StarWalletProfit)
}

const userColumns = `id, username, nickname, password_hash, invite_code, referrer_id, status,
	balance, star_wallet_balance, star_invest_balance, star_invest_profit, star_wallet_profit,
	vip_level, vip_name, direct_count, team_count, avatar, is_first_login, created_at, updated_at`

// CreateUser 创建用户并更新推荐链上每个上级的团队人数与等级
func (d *Database) CreateUser(ctx context.Context, user *User) error {
	now := nowMillis()
	user.CreatedAt = now
	user.UpdatedAt = now
	if user.Status == "" {
		user.Status = UserStatusActive
	}
	if user.Nickname == "" {
		user.Nickname = user.Username
	}
	t, level := tier.Compute(0, 0)
	user.VIPName = t.Name
	user.VIPLevel = level
	user.IsFirstLogin = true

	return d.withTx(ctx, func(tx *sqlx.Tx) error {
		if user.InviteCode == "" {
			code, err := d.uniqueInviteCode(tx)
			if err != nil {
				return err
			}
			user.InviteCode = code
		}

		_, err := tx.NamedExec(`
			INSERT INTO users (`+userColumns+`) VALUES (
				:id, :username, :nickname, :password_hash, :invite_code, :referrer_id, :status,
				:balance, :star_wallet_balance, :star_invest_balance, :star_invest_profit, :star_wallet_profit,
				:vip_level, :vip_name, :direct_count, :team_count, :avatar, :is_first_login, :created_at, :updated_at
			)`, user)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("创建用户失败: %w", err)
		}

		if user.ReferrerID == "" {
			return nil
		}
		return d.propagateReferral(tx, user.ReferrerID, now)
	})
}

// propagateReferral 直接上级 direct_count+1，所有上级 team_count+1，并重算等级
func (d *Database) propagateReferral(tx *sqlx.Tx, referrerID string, now int64) error {
	current := referrerID
	seen := map[string]bool{}
	for depth := 0; current != "" && depth < maxReferralDepth; depth++ {
		if seen[current] {
			break
		}
		seen[current] = true

		var row struct {
			ReferrerID  string `db:"referrer_id"`
			DirectCount int    `db:"direct_count"`
			TeamCount   int    `db:"team_count"`
		}
		err := tx.Get(&row, tx.Rebind(`SELECT referrer_id, direct_count, team_count FROM users WHERE id = ?`+d.forUpdate()), current)
		if errors.Is(err, sql.ErrNoRows) {
			break
		}
		if err != nil {
			return fmt.Errorf("查询上级失败: %w", err)
		}

		direct := row.DirectCount
		if depth == 0 {
			direct++
		}
		team := row.TeamCount + 1
		t, level := tier.Compute(direct, team)

		_, err = tx.Exec(tx.Rebind(`
			UPDATE users SET direct_count = ?, team_count = ?, vip_name = ?, vip_level = ?, updated_at = ?
			WHERE id = ?`), direct, team, t.Name, level, now, current)
		if err != nil {
			return fmt.Errorf("更新上级团队失败: %w", err)
		}
		current = row.ReferrerID
	}
	return nil
}

const inviteAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// uniqueInviteCode 生成 6 位不重复推荐码
func (d *Database) uniqueInviteCode(tx *sqlx.Tx) (string, error) {
	for attempt := 0; attempt < 20; attempt++ {
		buf := make([]byte, 6)
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for i := range buf {
			buf[i] = inviteAlphabet[int(buf[i])%len(inviteAlphabet)]
		}
		code := string(buf)

		var count int
		if err := tx.Get(&count, tx.Rebind(`SELECT COUNT(*) FROM users WHERE invite_code = ?`), code); err != nil {
			return "", err
		}
		if count == 0 {
			return code, nil
		}
	}
	return "", fmt.Errorf("生成推荐码失败: 重试次数过多")
}

func (d *Database) getUser(where string, arg interface{}) (*User, error) {
	var user User
	err := d.db.Get(&user, d.db.Rebind(`SELECT `+userColumns+` FROM users WHERE `+where), arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUserByID 按ID获取用户
func (d *Database) GetUserByID(id string) (*User, error) {
	return d.getUser("id = ?", id)
}

// GetUserByUsername 按用户名获取用户
func (d *Database) GetUserByUsername(username string) (*User, error) {
	return d.getUser("username = ?", username)
}

// GetUserByInviteCode 按推荐码获取用户（大小写不敏感）
func (d *Database) GetUserByInviteCode(code string) (*User, error) {
	return d.getUser("invite_code = ?", strings.ToUpper(strings.TrimSpace(code)))
}

// ListUsers 分页查询用户，search 匹配用户名、昵称或推荐码
func (d *Database) ListUsers(search string, offset, limit int) ([]*User, int, error) {
	where := "1 = 1"
	args := []interface{}{}
	if search = strings.TrimSpace(search); search != "" {
		where = "(username LIKE ? OR nickname LIKE ? OR invite_code LIKE ?)"
		like := "%" + search + "%"
		args = append(args, like, like, like)
	}

	var total int
	if err := d.db.Get(&total, d.db.Rebind(`SELECT COUNT(*) FROM users WHERE `+where), args...); err != nil {
		return nil, 0, fmt.Errorf("统计用户失败: %w", err)
	}

	users := []*User{}
	query := `SELECT ` + userColumns + ` FROM users WHERE ` + where + ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	if err := d.db.Select(&users, d.db.Rebind(query), append(args, limit, offset)...); err != nil {
		return nil, 0, fmt.Errorf("查询用户失败: %w", err)
	}
	return users, total, nil
}

// ListReferees 直推用户列表
func (d *Database) ListReferees(userID string) ([]*User, error) {
	users := []*User{}
	err := d.db.Select(&users, d.db.Rebind(`SELECT `+userColumns+` FROM users WHERE referrer_id = ? ORDER BY created_at DESC`), userID)
	return users, err
}

func (d *Database) updateUser(id, set string, args ...interface{}) error {
	args = append(args, nowMillis(), id)
	res, err := d.db.Exec(d.db.Rebind(`UPDATE users SET `+set+`, updated_at = ? WHERE id = ?`), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// UpdateUserProfile 更新昵称和头像
func (d *Database) UpdateUserProfile(id, nickname, avatar string) error {
	return d.updateUser(id, "nickname = ?, avatar = ?", nickname, avatar)
}

// UpdateUserStatus 启用或禁用用户
func (d *Database) UpdateUserStatus(id, status string) error {
	if status != UserStatusActive && status != UserStatusDisabled {
		return fmt.Errorf("%w: 无效的用户状态: %s", ErrInvalidInput, status)
	}
	return d.updateUser(id, "status = ?", status)
}

// UpdateUserPassword 更新密码哈希
func (d *Database) UpdateUserPassword(id, passwordHash string) error {
	return d.updateUser(id, "password_hash = ?", passwordHash)
}

// MarkFirstLoginDone 清除首次登录标记
func (d *Database) MarkFirstLoginDone(id string) error {
	return d.updateUser(id, "is_first_login = ?", false)
}

// DeleteUser 删除用户，资金桶非零或存在未结算持仓时拒绝
func (d *Database) DeleteUser(ctx context.Context, id string) error {
	return d.withTx(ctx, func(tx *sqlx.Tx) error {
		user, err := d.lockUser(tx, id)
		if err != nil {
			return err
		}
		if !user.TotalAssets().IsZero() {
			return fmt.Errorf("%w: 用户仍有资产", ErrInvalidState)
		}

		var pending int
		err = tx.Get(&pending, tx.Rebind(`
			SELECT COUNT(*) FROM transactions WHERE user_id = ? AND status = ?`), id, TxStatusPending)
		if err != nil {
			return err
		}
		if pending > 0 {
			return fmt.Errorf("%w: 用户仍有待审核记录", ErrInvalidState)
		}

		if _, err := tx.Exec(tx.Rebind(`UPDATE users SET referrer_id = '' WHERE referrer_id = ?`), id); err != nil {
			return err
		}
		_, err = tx.Exec(tx.Rebind(`DELETE FROM users WHERE id = ?`), id)
		return err
	})
}

// lockUser 事务内读取用户（postgres 下加行锁）
func (d *Database) lockUser(tx *sqlx.Tx, id string) (*User, error) {
	var user User
	err := tx.Get(&user, tx.Rebind(`SELECT `+userColumns+` FROM users WHERE id = ?`+d.forUpdate()), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// saveBuckets 事务内写回资金桶与累计收益
func (d *Database) saveBuckets(tx *sqlx.Tx, user *User) error {
	_, err := tx.Exec(tx.Rebind(`
		UPDATE users SET balance = ?, star_wallet_balance = ?, star_invest_balance = ?,
			star_invest_profit = ?, star_wallet_profit = ?, updated_at = ?
		WHERE id = ?`),
		money(user.Balance).String(), money(user.StarWalletBalance).String(), money(user.StarInvestBalance).String(),
		money(user.StarInvestProfit).String(), money(user.StarWalletProfit).String(), nowMillis(), user.ID)
	return err
}

// CountUsers 用户总数与指定时间之后新增数
func (d *Database) CountUsers(since int64) (total int, newSince int, err error) {
	if err = d.db.Get(&total, `SELECT COUNT(*) FROM users`); err != nil {
		return
	}
	err = d.db.Get(&newSince, d.db.Rebind(`SELECT COUNT(*) FROM users WHERE created_at >= ?`), since)
	return
}

// CountUsersBefore 指定时间之前注册的用户数
func (d *Database) CountUsersBefore(before int64) (int, error) {
	var n int
	err := d.db.Get(&n, d.db.Rebind(`SELECT COUNT(*) FROM users WHERE created_at < ?`), before)
	return n, err
}

// SumBuckets 全站三个资金桶合计
func (d *Database) SumBuckets() (wallet, starWallet, starInvest decimal.Decimal, err error) {
	rows := []struct {
		Balance           decimal.Decimal `db:"balance"`
		StarWalletBalance decimal.Decimal `db:"star_wallet_balance"`
		StarInvestBalance decimal.Decimal `db:"star_invest_balance"`
	}{}
	if err = d.db.Select(&rows, `SELECT balance, star_wallet_balance, star_invest_balance FROM users`); err != nil {
		return
	}
	for _, r := range rows {
		wallet = wallet.Add(r.Balance)
		starWallet = starWallet.Add(r.StarWalletBalance)
		starInvest = starInvest.Add(r.StarInvestBalance)
	}
	return
}
