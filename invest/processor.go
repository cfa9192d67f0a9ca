package invest

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"starcapital/config"
	"starcapital/logger"
	"starcapital/metrics"
)

const (
	// settleBatchSize 单次运行最多处理的到期持仓数，剩余的下次运行继续
	settleBatchSize = 500
	runTimeout      = 2 * time.Minute
)

// SettleSummary 一次结算运行的汇总
type SettleSummary struct {
	Settled        int             `json:"settled"`
	Failed         int             `json:"failed"`
	TotalPrincipal decimal.Decimal `json:"total_principal"`
	TotalReturn    decimal.Decimal `json:"total_return"`
}

// Ledger 结算所需的持仓存储
type Ledger interface {
	ListDuePositions(now int64, limit int) ([]*config.Position, error)
	SettlePosition(ctx context.Context, id string, now int64) (bool, error)
}

// ReturnsProcessor 定期结算到期持仓
type ReturnsProcessor struct {
	db       Ledger
	interval time.Duration
	stopChan chan struct{}
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	runMu    sync.Mutex // 同一时间只允许一次结算运行
}

// NewReturnsProcessor 创建结算任务
func NewReturnsProcessor(db Ledger, interval time.Duration) *ReturnsProcessor {
	if interval <= 0 {
		interval = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ReturnsProcessor{
		db:       db,
		interval: interval,
		stopChan: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start 启动时立即结算一次，之后按间隔执行
func (p *ReturnsProcessor) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runOnce()

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.runOnce()
			case <-p.stopChan:
				return
			}
		}
	}()
	logger.Infof("⏱️  收益结算任务已启动，间隔 %s", p.interval)
}

// Stop 停止任务，取消进行中的运行并等待其退出
func (p *ReturnsProcessor) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopChan)
		p.cancel()
	})
	p.wg.Wait()
}

func (p *ReturnsProcessor) runOnce() {
	ctx, cancel := context.WithTimeout(p.ctx, runTimeout)
	defer cancel()

	summary, err := p.SettleDue(ctx, time.Now())
	if err != nil {
		logger.Errorf("❌ 收益结算失败: %v", err)
		return
	}
	if summary.Settled > 0 || summary.Failed > 0 {
		logger.WithFields(map[string]interface{}{
			"settled":   summary.Settled,
			"failed":    summary.Failed,
			"principal": summary.TotalPrincipal.StringFixed(2),
			"return":    summary.TotalReturn.StringFixed(2),
		}).Info("💰 到期持仓已结算")
	}
}

// SettleDue 结算 now 之前到期的全部持仓
// 单笔失败只记录日志，不影响其他持仓；重复调用不会重复入账
func (p *ReturnsProcessor) SettleDue(ctx context.Context, now time.Time) (*SettleSummary, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	start := time.Now()
	defer func() { metrics.RecordProcessorRun(time.Since(start)) }()

	summary := &SettleSummary{}
	due, err := p.db.ListDuePositions(now.UnixMilli(), settleBatchSize)
	if err != nil {
		return summary, err
	}

	for _, pos := range due {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		settled, err := p.db.SettlePosition(ctx, pos.ID, now.UnixMilli())
		if err != nil {
			summary.Failed++
			metrics.RecordSettlementError()
			logger.WithFields(map[string]interface{}{
				"position_id": pos.ID,
				"user_id":     pos.UserID,
			}).Errorf("❌ 持仓结算失败: %v", err)
			continue
		}
		if !settled {
			continue
		}
		summary.Settled++
		summary.TotalPrincipal = summary.TotalPrincipal.Add(pos.Principal)
		summary.TotalReturn = summary.TotalReturn.Add(pos.ReturnAmount)
		metrics.RecordSettlement(pos.Product, pos.ReturnAmount.InexactFloat64())
	}
	return summary, nil
}
