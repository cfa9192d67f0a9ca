package config

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	ErrNotFound            = errors.New("记录不存在")
	ErrUserNotFound        = errors.New("用户不存在")
	ErrDuplicate           = errors.New("记录已存在")
	ErrInsufficientBalance = errors.New("余额不足")
	ErrInvalidState        = errors.New("当前状态不允许该操作")
	ErrInvalidInput        = errors.New("参数无效")
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Database 业务数据库（用户、账本、持仓、后台数据）
type Database struct {
	db     *sqlx.DB
	driver string
}

// NewDatabase 创建数据库连接并初始化表结构
// driver 为空时使用 sqlite，dsn 对 sqlite 而言是文件路径
func NewDatabase(driver, dsn string) (*Database, error) {
	if driver == "" {
		driver = DriverSQLite
	}

	var (
		db  *sqlx.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		db, err = sqlx.Open(DriverSQLite, sqliteDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("打开数据库失败: %w", err)
		}
		// 单连接避免 SQLITE_BUSY，写事务串行执行
		db.SetMaxOpenConns(1)
	case DriverPostgres:
		db, err = sqlx.Open(DriverPostgres, dsn)
		if err != nil {
			return nil, fmt.Errorf("打开PostgreSQL数据库失败: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)
	default:
		return nil, fmt.Errorf("不支持的数据库驱动: %s", driver)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	database := &Database{db: db, driver: driver}
	if err := database.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("创建表失败: %w", err)
	}
	if err := database.initDefaultSettings(); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化默认配置失败: %w", err)
	}

	if driver == DriverSQLite {
		log.Printf("✅ 数据库已启用 WAL 模式、FULL 同步和外键约束")
	} else {
		log.Printf("✅ PostgreSQL数据库连接成功")
	}
	return database, nil
}

// sqliteDSN 为 sqlite 文件路径附加连接级 PRAGMA
// 每个新连接都会执行，避免 foreign_keys 只在首个连接生效
func sqliteDSN(path string) string {
	if strings.Contains(path, "_pragma=") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + strings.Join([]string{
		"_pragma=busy_timeout(5000)",
		"_pragma=journal_mode(WAL)",
		"_pragma=synchronous(FULL)",
		"_pragma=foreign_keys(1)",
	}, "&")
}

// createTables 创建数据库表（sqlite 与 postgres 共用的类型子集）
func (d *Database) createTables() error {
	queries := []string{
		// 用户表：三个资金桶 + 两个产品累计收益
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			nickname TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL,
			invite_code TEXT UNIQUE NOT NULL,
			referrer_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			balance TEXT NOT NULL DEFAULT '0',
			star_wallet_balance TEXT NOT NULL DEFAULT '0',
			star_invest_balance TEXT NOT NULL DEFAULT '0',
			star_invest_profit TEXT NOT NULL DEFAULT '0',
			star_wallet_profit TEXT NOT NULL DEFAULT '0',
			vip_level INTEGER NOT NULL DEFAULT 1,
			vip_name TEXT NOT NULL DEFAULT '',
			direct_count INTEGER NOT NULL DEFAULT 0,
			team_count INTEGER NOT NULL DEFAULT 0,
			avatar TEXT NOT NULL DEFAULT '',
			is_first_login BOOLEAN NOT NULL DEFAULT TRUE,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_referrer ON users(referrer_id)`,

		// 账本：充值、提现、申购、返还、调账
		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			type TEXT NOT NULL,
			product TEXT NOT NULL DEFAULT '',
			amount TEXT NOT NULL,
			credit_amount TEXT NOT NULL DEFAULT '0',
			rate TEXT NOT NULL DEFAULT '0',
			status TEXT NOT NULL,
			method TEXT NOT NULL DEFAULT '',
			proof_url TEXT NOT NULL DEFAULT '',
			tx_hash TEXT NOT NULL DEFAULT '',
			address TEXT NOT NULL DEFAULT '',
			position_id TEXT NOT NULL DEFAULT '',
			remark TEXT NOT NULL DEFAULT '',
			reviewed_by TEXT NOT NULL DEFAULT '',
			reviewed_at BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_type_status ON transactions(type, status)`,

		// 理财持仓
		`CREATE TABLE IF NOT EXISTS positions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			product TEXT NOT NULL,
			principal TEXT NOT NULL,
			annual_rate TEXT NOT NULL,
			term_days INTEGER NOT NULL,
			return_amount TEXT NOT NULL,
			mentor_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			created_at BIGINT NOT NULL,
			mature_at BIGINT NOT NULL,
			settled_at BIGINT NOT NULL DEFAULT 0,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_due ON positions(status, mature_at)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_user ON positions(user_id)`,

		// 后台员工
		`CREATE TABLE IF NOT EXISTS employees (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'staff',
			permissions TEXT NOT NULL DEFAULT '',
			otp_secret TEXT NOT NULL DEFAULT '',
			otp_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			manager_id TEXT NOT NULL DEFAULT '',
			last_login_at BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL
		)`,

		// 导师资料
		`CREATE TABLE IF NOT EXISTS mentors (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			bio TEXT NOT NULL DEFAULT '',
			experience TEXT NOT NULL DEFAULT '',
			avatar TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			created_at BIGINT NOT NULL
		)`,

		// 站内消息
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			content TEXT NOT NULL,
			target_user_id TEXT NOT NULL DEFAULT '',
			created_by TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS message_reads (
			message_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			read_at BIGINT NOT NULL,
			PRIMARY KEY (message_id, user_id),
			FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
		)`,

		// 用户反馈与回复
		`CREATE TABLE IF NOT EXISTS feedbacks (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL,
			content TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'open',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS replies (
			id TEXT PRIMARY KEY,
			feedback_id TEXT NOT NULL,
			employee_id TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			FOREIGN KEY (feedback_id) REFERENCES feedbacks(id) ON DELETE CASCADE
		)`,

		// 资讯抓取
		`CREATE TABLE IF NOT EXISTS crawl_tasks (
			id TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			item_selector TEXT NOT NULL,
			title_selector TEXT NOT NULL DEFAULT '',
			link_selector TEXT NOT NULL DEFAULT '',
			summary_selector TEXT NOT NULL DEFAULT '',
			schedule TEXT NOT NULL DEFAULT '0 9 * * *',
			article_limit INTEGER NOT NULL DEFAULT 10,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			last_run_at BIGINT NOT NULL DEFAULT 0,
			last_status TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS news_articles (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			url TEXT UNIQUE NOT NULL,
			title TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,

		// 系统配置表
		`CREATE TABLE IF NOT EXISTS system_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at BIGINT NOT NULL DEFAULT 0
		)`,
	}

	for _, query := range queries {
		if _, err := d.db.Exec(query); err != nil {
			return fmt.Errorf("执行SQL失败 [%s]: %w", query, err)
		}
	}
	return nil
}

// Driver 当前数据库驱动名
func (d *Database) Driver() string {
	return d.driver
}

// Ping 健康检查
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close 关闭数据库连接
func (d *Database) Close() error {
	return d.db.Close()
}

// withTx 在事务中执行 fn，fn 返回错误时回滚
// fn 内部只能使用 tx，sqlite 单连接下访问 d.db 会死锁
func (d *Database) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}
	return nil
}

// forUpdate 行锁后缀，sqlite 写事务本身串行，无需加锁
func (d *Database) forUpdate() string {
	if d.driver == DriverPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// nowMillis 当前时间毫秒
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// money 金额统一保留两位小数
func money(v decimal.Decimal) decimal.Decimal {
	return v.Round(2)
}

// isUniqueViolation 判断唯一约束冲突（sqlite / postgres 错误文本不同）
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
