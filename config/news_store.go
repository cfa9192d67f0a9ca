package config

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CrawlTask 资讯抓取任务
type CrawlTask struct {
	ID              string `db:"id" json:"id"`
	URL             string `db:"url" json:"url"`
	ItemSelector    string `db:"item_selector" json:"item_selector"`
	TitleSelector   string `db:"title_selector" json:"title_selector"`
	LinkSelector    string `db:"link_selector" json:"link_selector"`
	SummarySelector string `db:"summary_selector" json:"summary_selector"`
	Schedule        string `db:"schedule" json:"schedule"`
	ArticleLimit    int    `db:"article_limit" json:"article_limit"`
	IsActive        bool   `db:"is_active" json:"is_active"`
	LastRunAt       int64  `db:"last_run_at" json:"last_run_at"`
	LastStatus      string `db:"last_status" json:"last_status"`
	CreatedAt       int64  `db:"created_at" json:"created_at"`
}

// Article 已抓取的资讯
type Article struct {
	ID        string `db:"id" json:"id"`
	TaskID    string `db:"task_id" json:"task_id,omitempty"`
	Source    string `db:"source" json:"source"`
	URL       string `db:"url" json:"url"`
	Title     string `db:"title" json:"title"`
	Summary   string `db:"summary" json:"summary"`
	CreatedAt int64  `db:"created_at" json:"created_at"`
}

const crawlTaskColumns = `id, url, item_selector, title_selector, link_selector, summary_selector,
	schedule, article_limit, is_active, last_run_at, last_status, created_at`

// CreateCrawlTask 新增抓取任务
func (d *Database) CreateCrawlTask(t *CrawlTask) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.CreatedAt = nowMillis()
	_, err := d.db.NamedExec(`INSERT INTO crawl_tasks (`+crawlTaskColumns+`) VALUES (
		:id, :url, :item_selector, :title_selector, :link_selector, :summary_selector,
		:schedule, :article_limit, :is_active, :last_run_at, :last_status, :created_at)`, t)
	return err
}

// UpdateCrawlTask 更新抓取任务配置
func (d *Database) UpdateCrawlTask(t *CrawlTask) error {
	res, err := d.db.NamedExec(`UPDATE crawl_tasks SET url = :url, item_selector = :item_selector,
		title_selector = :title_selector, link_selector = :link_selector, summary_selector = :summary_selector,
		schedule = :schedule, article_limit = :article_limit, is_active = :is_active
		WHERE id = :id`, t)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordCrawlRun 记录一次抓取结果
func (d *Database) RecordCrawlRun(id, status string) error {
	_, err := d.db.Exec(d.db.Rebind(`UPDATE crawl_tasks SET last_run_at = ?, last_status = ? WHERE id = ?`),
		nowMillis(), status, id)
	return err
}

// DeleteCrawlTask 删除抓取任务
func (d *Database) DeleteCrawlTask(id string) error {
	res, err := d.db.Exec(d.db.Rebind(`DELETE FROM crawl_tasks WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetCrawlTask 按ID获取抓取任务
func (d *Database) GetCrawlTask(id string) (*CrawlTask, error) {
	var t CrawlTask
	err := d.db.Get(&t, d.db.Rebind(`SELECT `+crawlTaskColumns+` FROM crawl_tasks WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListCrawlTasks 抓取任务列表
func (d *Database) ListCrawlTasks(activeOnly bool) ([]*CrawlTask, error) {
	query := `SELECT ` + crawlTaskColumns + ` FROM crawl_tasks`
	args := []interface{}{}
	if activeOnly {
		query += ` WHERE is_active = ?`
		args = append(args, true)
	}
	list := []*CrawlTask{}
	err := d.db.Select(&list, d.db.Rebind(query+` ORDER BY created_at ASC`), args...)
	return list, err
}

// SaveArticles 保存资讯，URL 已存在的跳过，返回新增条数
func (d *Database) SaveArticles(articles []*Article) (int, error) {
	saved := 0
	for _, a := range articles {
		if a.ID == "" {
			a.ID = uuid.New().String()
		}
		if a.CreatedAt == 0 {
			a.CreatedAt = nowMillis()
		}
		res, err := d.db.NamedExec(`INSERT INTO news_articles (id, task_id, source, url, title, summary, created_at)
			VALUES (:id, :task_id, :source, :url, :title, :summary, :created_at)
			ON CONFLICT (url) DO NOTHING`, a)
		if err != nil {
			return saved, fmt.Errorf("保存资讯失败: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			saved++
		}
	}
	return saved, nil
}

// ListArticles 分页查询资讯，最新在前
func (d *Database) ListArticles(offset, limit int) ([]*Article, int, error) {
	var total int
	if err := d.db.Get(&total, `SELECT COUNT(*) FROM news_articles`); err != nil {
		return nil, 0, err
	}
	list := []*Article{}
	err := d.db.Select(&list, d.db.Rebind(`SELECT id, task_id, source, url, title, summary, created_at
		FROM news_articles ORDER BY created_at DESC LIMIT ? OFFSET ?`), limit, offset)
	return list, total, err
}

// GetArticle 按ID获取资讯
func (d *Database) GetArticle(id string) (*Article, error) {
	var a Article
	err := d.db.Get(&a, d.db.Rebind(`SELECT id, task_id, source, url, title, summary, created_at
		FROM news_articles WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}
