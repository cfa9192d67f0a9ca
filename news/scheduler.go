package news

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"starcapital/config"
	"starcapital/logger"
	"starcapital/metrics"
)

// cronParser 标准 5 段表达式，另支持 @daily 等描述符
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Store 抓取任务与资讯的存储
type Store interface {
	ListCrawlTasks(activeOnly bool) ([]*config.CrawlTask, error)
	GetCrawlTask(id string) (*config.CrawlTask, error)
	SaveArticles(articles []*config.Article) (int, error)
	RecordCrawlRun(id, status string) error
}

// Scheduler 按任务的 cron 表达式定时抓取
type Scheduler struct {
	store   Store
	crawler *Crawler
	cron    *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewScheduler 创建调度器（使用服务器本地时区）
func NewScheduler(store Store, crawler *Crawler) *Scheduler {
	return &Scheduler{
		store:   store,
		crawler: crawler,
		cron:    cron.New(cron.WithParser(cronParser), cron.WithLocation(time.Local)),
		entries: make(map[string]cron.EntryID),
	}
}

// Start 注册所有启用的任务并启动
func (s *Scheduler) Start() error {
	if err := s.Reload(); err != nil {
		return err
	}
	s.cron.Start()
	logger.Info("📰 资讯抓取调度已启动")
	return nil
}

// Stop 停止调度并等待正在运行的任务
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Reload 任务变更后重新注册
func (s *Scheduler) Reload() error {
	tasks, err := s.store.ListCrawlTasks(true)
	if err != nil {
		return fmt.Errorf("加载抓取任务失败: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, entry := range s.entries {
		s.cron.Remove(entry)
		delete(s.entries, id)
	}
	for _, task := range tasks {
		taskID := task.ID
		entry, err := s.cron.AddFunc(task.Schedule, func() {
			if _, err := s.RunTask(context.Background(), taskID); err != nil {
				logger.Warnf("⚠️ 抓取任务 %s 失败: %v", taskID, err)
			}
		})
		if err != nil {
			logger.Warnf("⚠️ 抓取任务 %s 定时表达式无效 (%s): %v", taskID, task.Schedule, err)
			continue
		}
		s.entries[taskID] = entry
	}
	return nil
}

// ScheduledCount 已注册的任务数
func (s *Scheduler) ScheduledCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// RunTask 立即执行一次抓取，返回新增条数
func (s *Scheduler) RunTask(ctx context.Context, id string) (int, error) {
	task, err := s.store.GetCrawlTask(id)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	articles, err := s.crawler.Fetch(ctx, task)
	if err != nil {
		metrics.RecordCrawl(false)
		_ = s.store.RecordCrawlRun(id, "error: "+err.Error())
		return 0, err
	}
	saved, err := s.store.SaveArticles(articles)
	if err != nil {
		metrics.RecordCrawl(false)
		_ = s.store.RecordCrawlRun(id, "error: "+err.Error())
		return saved, err
	}

	metrics.RecordCrawl(true)
	_ = s.store.RecordCrawlRun(id, fmt.Sprintf("ok: %d/%d", saved, len(articles)))
	logger.Infof("📰 抓取任务 %s 完成: 新增 %d 条", id, saved)
	return saved, nil
}
