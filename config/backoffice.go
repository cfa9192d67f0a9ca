package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/samber/lo"
)

// 员工角色
const (
	RoleAdmin = "admin"
	RoleStaff = "staff"
)

// 员工权限
const (
	PermUsers        = "users"
	PermTransactions = "transactions"
	PermMentors      = "mentors"
	PermStaff        = "staff"
	PermMessages     = "messages"
	PermFeedback     = "feedback"
	PermSettings     = "settings"
	PermNews         = "news"
)

// AllPermissions 全部后台权限
var AllPermissions = []string{
	PermUsers, PermTransactions, PermMentors, PermStaff,
	PermMessages, PermFeedback, PermSettings, PermNews,
}

// Employee 后台员工
type Employee struct {
	ID           string `db:"id" json:"id"`
	Username     string `db:"username" json:"username"`
	PasswordHash string `db:"password_hash" json:"-"`
	Role         string `db:"role" json:"role"`
	Permissions  string `db:"permissions" json:"-"`
	OTPSecret    string `db:"otp_secret" json:"-"`
	OTPEnabled   bool   `db:"otp_enabled" json:"otp_enabled"`
	IsActive     bool   `db:"is_active" json:"is_active"`
	ManagerID    string `db:"manager_id" json:"manager_id,omitempty"`
	LastLoginAt  int64  `db:"last_login_at" json:"last_login_at"`
	CreatedAt    int64  `db:"created_at" json:"created_at"`
}

// PermissionList 权限列表（逗号分隔存储）
func (e *Employee) PermissionList() []string {
	if e.Role == RoleAdmin {
		return AllPermissions
	}
	return lo.Compact(lo.Map(strings.Split(e.Permissions, ","), func(p string, _ int) string {
		return strings.TrimSpace(p)
	}))
}

// HasPermission 管理员拥有全部权限
func (e *Employee) HasPermission(perm string) bool {
	return e.Role == RoleAdmin || lo.Contains(e.PermissionList(), perm)
}

// NormalizePermissions 过滤未知权限并去重
func NormalizePermissions(perms []string) (string, error) {
	for _, p := range perms {
		if !lo.Contains(AllPermissions, p) {
			return "", fmt.Errorf("%w: 未知权限: %s", ErrInvalidInput, p)
		}
	}
	return strings.Join(lo.Uniq(perms), ","), nil
}

const employeeColumns = `id, username, password_hash, role, permissions, otp_secret, otp_enabled,
	is_active, manager_id, last_login_at, created_at`

// CreateEmployee 创建员工
func (d *Database) CreateEmployee(e *Employee) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Role == "" {
		e.Role = RoleStaff
	}
	if e.Role != RoleAdmin && e.Role != RoleStaff {
		return fmt.Errorf("%w: 无效的角色: %s", ErrInvalidInput, e.Role)
	}
	e.CreatedAt = nowMillis()
	_, err := d.db.NamedExec(`
		INSERT INTO employees (`+employeeColumns+`) VALUES (
			:id, :username, :password_hash, :role, :permissions, :otp_secret, :otp_enabled,
			:is_active, :manager_id, :last_login_at, :created_at
		)`, e)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (d *Database) getEmployee(where string, arg interface{}) (*Employee, error) {
	var e Employee
	err := d.db.Get(&e, d.db.Rebind(`SELECT `+employeeColumns+` FROM employees WHERE `+where), arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetEmployeeByID 按ID获取员工
func (d *Database) GetEmployeeByID(id string) (*Employee, error) {
	return d.getEmployee("id = ?", id)
}

// GetEmployeeByUsername 按用户名获取员工
func (d *Database) GetEmployeeByUsername(username string) (*Employee, error) {
	return d.getEmployee("username = ?", username)
}

// ListEmployees 全部员工
func (d *Database) ListEmployees() ([]*Employee, error) {
	list := []*Employee{}
	err := d.db.Select(&list, `SELECT `+employeeColumns+` FROM employees ORDER BY created_at ASC`)
	return list, err
}

// UpdateEmployee 更新角色、权限、启用状态和密码
func (d *Database) UpdateEmployee(e *Employee) error {
	res, err := d.db.NamedExec(`
		UPDATE employees SET role = :role, permissions = :permissions, is_active = :is_active,
			password_hash = :password_hash, otp_secret = :otp_secret, otp_enabled = :otp_enabled
		WHERE id = :id`, e)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchEmployeeLogin 记录最后登录时间
func (d *Database) TouchEmployeeLogin(id string) error {
	_, err := d.db.Exec(d.db.Rebind(`UPDATE employees SET last_login_at = ? WHERE id = ?`), nowMillis(), id)
	return err
}

// DeleteEmployee 删除员工，不允许删除最后一个管理员
func (d *Database) DeleteEmployee(ctx context.Context, id string) error {
	return d.withTx(ctx, func(tx *sqlx.Tx) error {
		var role string
		err := tx.Get(&role, tx.Rebind(`SELECT role FROM employees WHERE id = ?`), id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if role == RoleAdmin {
			var admins int
			if err := tx.Get(&admins, tx.Rebind(`SELECT COUNT(*) FROM employees WHERE role = ?`), RoleAdmin); err != nil {
				return err
			}
			if admins <= 1 {
				return fmt.Errorf("%w: 不能删除最后一个管理员", ErrInvalidState)
			}
		}
		_, err = tx.Exec(tx.Rebind(`DELETE FROM employees WHERE id = ?`), id)
		return err
	})
}

// CountAdmins 管理员数量
func (d *Database) CountAdmins() (int, error) {
	var n int
	err := d.db.Get(&n, d.db.Rebind(`SELECT COUNT(*) FROM employees WHERE role = ?`), RoleAdmin)
	return n, err
}

// Mentor 导师资料（仅展示信息，不包含业绩数据）
type Mentor struct {
	ID         string `db:"id" json:"id"`
	Name       string `db:"name" json:"name"`
	Title      string `db:"title" json:"title"`
	Bio        string `db:"bio" json:"bio"`
	Experience string `db:"experience" json:"experience"`
	Avatar     string `db:"avatar" json:"avatar"`
	Status     string `db:"status" json:"status"`
	CreatedAt  int64  `db:"created_at" json:"created_at"`
}

const mentorColumns = `id, name, title, bio, experience, avatar, status, created_at`

// 导师状态
const (
	MentorActive   = "active"
	MentorInactive = "inactive"
)

// CreateMentor 新增导师
func (d *Database) CreateMentor(m *Mentor) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Status == "" {
		m.Status = MentorActive
	}
	m.CreatedAt = nowMillis()
	_, err := d.db.NamedExec(`INSERT INTO mentors (`+mentorColumns+`) VALUES (
		:id, :name, :title, :bio, :experience, :avatar, :status, :created_at)`, m)
	return err
}

// UpdateMentor 更新导师资料
func (d *Database) UpdateMentor(m *Mentor) error {
	res, err := d.db.NamedExec(`UPDATE mentors SET name = :name, title = :title, bio = :bio,
		experience = :experience, avatar = :avatar, status = :status WHERE id = :id`, m)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMentor 删除导师
func (d *Database) DeleteMentor(id string) error {
	res, err := d.db.Exec(d.db.Rebind(`DELETE FROM mentors WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetMentor 按ID获取导师
func (d *Database) GetMentor(id string) (*Mentor, error) {
	var m Mentor
	err := d.db.Get(&m, d.db.Rebind(`SELECT `+mentorColumns+` FROM mentors WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMentors 导师列表，activeOnly 时只返回启用的导师
func (d *Database) ListMentors(activeOnly bool) ([]*Mentor, error) {
	query := `SELECT ` + mentorColumns + ` FROM mentors`
	args := []interface{}{}
	if activeOnly {
		query += ` WHERE status = ?`
		args = append(args, MentorActive)
	}
	query += ` ORDER BY created_at ASC`
	list := []*Mentor{}
	err := d.db.Select(&list, d.db.Rebind(query), args...)
	return list, err
}

// Message 站内消息，TargetUserID 为空表示全员广播
type Message struct {
	ID           string `db:"id" json:"id"`
	Title        string `db:"title" json:"title"`
	Content      string `db:"content" json:"content"`
	TargetUserID string `db:"target_user_id" json:"target_user_id,omitempty"`
	CreatedBy    string `db:"created_by" json:"created_by,omitempty"`
	CreatedAt    int64  `db:"created_at" json:"created_at"`
	Read         bool   `db:"is_read" json:"read"`
}

// CreateMessage 发布消息
func (d *Database) CreateMessage(m *Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	m.CreatedAt = nowMillis()
	_, err := d.db.NamedExec(`INSERT INTO messages (id, title, content, target_user_id, created_by, created_at)
		VALUES (:id, :title, :content, :target_user_id, :created_by, :created_at)`, m)
	return err
}

// ListAllMessages 后台消息列表
func (d *Database) ListAllMessages() ([]*Message, error) {
	list := []*Message{}
	err := d.db.Select(&list, `SELECT id, title, content, target_user_id, created_by, created_at, FALSE AS is_read
		FROM messages ORDER BY created_at DESC`)
	return list, err
}

// ListUserMessages 用户可见的消息（广播 + 定向），带已读标记
func (d *Database) ListUserMessages(userID string) ([]*Message, error) {
	list := []*Message{}
	err := d.db.Select(&list, d.db.Rebind(`
		SELECT m.id, m.title, m.content, m.target_user_id, m.created_by, m.created_at,
			(r.user_id IS NOT NULL) AS is_read
		FROM messages m
		LEFT JOIN message_reads r ON r.message_id = m.id AND r.user_id = ?
		WHERE m.target_user_id = '' OR m.target_user_id = ?
		ORDER BY m.created_at DESC`), userID, userID)
	return list, err
}

// MarkMessageRead 标记已读（重复标记无副作用）
func (d *Database) MarkMessageRead(messageID, userID string) error {
	var target string
	err := d.db.Get(&target, d.db.Rebind(`SELECT target_user_id FROM messages WHERE id = ?`), messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if target != "" && target != userID {
		return ErrNotFound
	}
	_, err = d.db.Exec(d.db.Rebind(`
		INSERT INTO message_reads (message_id, user_id, read_at) VALUES (?, ?, ?)
		ON CONFLICT (message_id, user_id) DO NOTHING`), messageID, userID, nowMillis())
	return err
}

// DeleteMessage 删除消息
func (d *Database) DeleteMessage(id string) error {
	res, err := d.db.Exec(d.db.Rebind(`DELETE FROM messages WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// 反馈状态
const (
	FeedbackOpen    = "open"
	FeedbackReplied = "replied"
)

// Feedback 用户反馈
type Feedback struct {
	ID        string   `db:"id" json:"id"`
	UserID    string   `db:"user_id" json:"user_id"`
	Username  string   `db:"username" json:"username,omitempty"`
	Title     string   `db:"title" json:"title"`
	Content   string   `db:"content" json:"content"`
	Status    string   `db:"status" json:"status"`
	CreatedAt int64    `db:"created_at" json:"created_at"`
	UpdatedAt int64    `db:"updated_at" json:"updated_at"`
	Replies   []*Reply `db:"-" json:"replies"`
}

// Reply 客服回复
type Reply struct {
	ID         string `db:"id" json:"id"`
	FeedbackID string `db:"feedback_id" json:"feedback_id"`
	EmployeeID string `db:"employee_id" json:"employee_id"`
	Content    string `db:"content" json:"content"`
	CreatedAt  int64  `db:"created_at" json:"created_at"`
}

// CreateFeedback 提交反馈
func (d *Database) CreateFeedback(f *Feedback) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	f.Status = FeedbackOpen
	f.CreatedAt = nowMillis()
	f.UpdatedAt = f.CreatedAt
	_, err := d.db.NamedExec(`INSERT INTO feedbacks (id, user_id, title, content, status, created_at, updated_at)
		VALUES (:id, :user_id, :title, :content, :status, :created_at, :updated_at)`, f)
	return err
}

// ListFeedbacks 查询反馈及回复，userID/status 为空时不过滤
func (d *Database) ListFeedbacks(userID, status string) ([]*Feedback, error) {
	conds := []string{"1 = 1"}
	args := []interface{}{}
	if userID != "" {
		conds = append(conds, "f.user_id = ?")
		args = append(args, userID)
	}
	if status != "" {
		conds = append(conds, "f.status = ?")
		args = append(args, status)
	}
	list := []*Feedback{}
	err := d.db.Select(&list, d.db.Rebind(`
		SELECT f.id, f.user_id, COALESCE(u.username, '') AS username, f.title, f.content, f.status,
			f.created_at, f.updated_at
		FROM feedbacks f LEFT JOIN users u ON u.id = f.user_id
		WHERE `+strings.Join(conds, " AND ")+` ORDER BY f.created_at DESC`), args...)
	if err != nil {
		return nil, fmt.Errorf("查询反馈失败: %w", err)
	}
	if len(list) == 0 {
		return list, nil
	}

	query, inArgs, err := sqlx.In(`SELECT id, feedback_id, employee_id, content, created_at FROM replies
		WHERE feedback_id IN (?) ORDER BY created_at ASC`, lo.Map(list, func(f *Feedback, _ int) string { return f.ID }))
	if err != nil {
		return nil, err
	}
	replies := []*Reply{}
	if err := d.db.Select(&replies, d.db.Rebind(query), inArgs...); err != nil {
		return nil, fmt.Errorf("查询回复失败: %w", err)
	}
	byFeedback := lo.GroupBy(replies, func(r *Reply) string { return r.FeedbackID })
	for _, f := range list {
		f.Replies = byFeedback[f.ID]
		if f.Replies == nil {
			f.Replies = []*Reply{}
		}
	}
	return list, nil
}

// ReplyFeedback 回复反馈并标记为已回复
func (d *Database) ReplyFeedback(ctx context.Context, feedbackID, employeeID, content string) (*Reply, error) {
	r := &Reply{
		ID:         uuid.New().String(),
		FeedbackID: feedbackID,
		EmployeeID: employeeID,
		Content:    content,
		CreatedAt:  nowMillis(),
	}
	err := d.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.Exec(tx.Rebind(`UPDATE feedbacks SET status = ?, updated_at = ? WHERE id = ?`),
			FeedbackReplied, r.CreatedAt, feedbackID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		_, err = tx.NamedExec(`INSERT INTO replies (id, feedback_id, employee_id, content, created_at)
			VALUES (:id, :feedback_id, :employee_id, :content, :created_at)`, r)
		return err
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}
