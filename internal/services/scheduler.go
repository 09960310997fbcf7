package services

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/gotrader/internal/domain"
	"github.com/betbot/gotrader/internal/metrics"
	"github.com/betbot/gotrader/internal/store"
)

var schedLog = logrus.WithField("component", "scheduler")

// Archiver 终态订单的归档目的地（SQLite）。
type Archiver interface {
	ArchiveOrders(orders []*domain.Order, events []domain.OrderEvent) error
}

// SchedulerConfig 后台任务周期配置。
type SchedulerConfig struct {
	ReconcileInterval time.Duration // 周期对账（默认 30s）
	SnapshotInterval  time.Duration // 余额快照 + 当日基线（默认 5m）
	RetentionInterval time.Duration // 终态订单归档检查（默认 1h）
	RetainTerminalFor time.Duration // 终态订单在工作集中的保留时长（默认 72h）
	MaxHealthRecords  int           // systemHealth 保留条数（默认 100）
}

func (c *SchedulerConfig) applyDefaults() {
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 30 * time.Second
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 5 * time.Minute
	}
	if c.RetentionInterval <= 0 {
		c.RetentionInterval = time.Hour
	}
	if c.RetainTerminalFor <= 0 {
		c.RetainTerminalFor = 72 * time.Hour
	}
	if c.MaxHealthRecords <= 0 {
		c.MaxHealthRecords = 100
	}
}

// Scheduler 后台调度：周期对账、余额快照、终态订单归档、健康记录。
type Scheduler struct {
	trading  *TradingService
	store    *store.Store
	archiver Archiver
	cfg      SchedulerConfig

	wg sync.WaitGroup
}

func NewScheduler(trading *TradingService, st *store.Store, archiver Archiver, cfg SchedulerConfig) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		trading:  trading,
		store:    st,
		archiver: archiver,
		cfg:      cfg,
	}
}

// Start 启动全部后台循环。ctx 取消即停止。
func (s *Scheduler) Start(ctx context.Context) {
	schedLog.Infof("调度器启动: reconcile=%s snapshot=%s retention=%s",
		s.cfg.ReconcileInterval, s.cfg.SnapshotInterval, s.cfg.RetentionInterval)

	s.loop(ctx, s.cfg.ReconcileInterval, s.reconcileRound)
	s.loop(ctx, s.cfg.SnapshotInterval, s.snapshotRound)
	s.loop(ctx, s.cfg.RetentionInterval, s.retentionRound)
}

// Wait 等待全部循环退出（在 ctx 取消之后调用）。
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, round func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				round(ctx)
			}
		}
	}()
}

// reconcileRound 一轮周期对账 + 健康记录。
func (s *Scheduler) reconcileRound(ctx context.Context) {
	r := s.trading.Reconcile(ctx)
	detail := ""
	if !r.OK {
		detail = r.Err
		schedLog.Warnf("周期对账未完全解决: %s", r.Err)
	}
	s.recordHealth("reconcile", r.OK, detail)
}

// snapshotRound 余额快照 + 当日 PnL 基线维护。
func (s *Scheduler) snapshotRound(ctx context.Context) {
	items, err := s.trading.fetchBalances(ctx)
	if err != nil {
		schedLog.WithError(err).Warn("余额快照失败")
		s.recordHealth("balance_snapshot", false, err.Error())
		return
	}
	s.recordHealth("balance_snapshot", true, "")

	// 跨日第一次快照把当前权益记为当日基线。基线自带所属日期：
	// 文档的 UpdatedAt 被健康记录等写入频繁刷新，不能当跨日判据。
	equity := 0.0
	for _, item := range items {
		total := item.Available + item.Locked
		if item.AvgCost > 0 {
			equity += total * item.AvgCost
		} else {
			equity += total
		}
	}
	today := time.Now().Format("2006-01-02")
	err = s.store.Update(func(doc *domain.Document) error {
		if doc.Settings.DailyPnlBaseline <= 0 || doc.Settings.DailyPnlBaselineDate != today {
			doc.Settings.DailyPnlBaseline = equity
			doc.Settings.DailyPnlBaselineDate = today
		}
		return nil
	})
	if err != nil {
		schedLog.WithError(err).Warn("当日基线写入失败")
	}
}

// retentionRound 把超过保留期的终态订单（连同事件）搬进归档库。
// 活跃订单永远保留在工作集。
func (s *Scheduler) retentionRound(ctx context.Context) {
	if s.archiver == nil {
		return
	}
	cutoff := time.Now().Add(-s.cfg.RetainTerminalFor)

	doc := s.store.Snapshot()
	var prunable []*domain.Order
	pruneIDs := make(map[string]bool)
	for _, o := range doc.Orders {
		if o.State.IsTerminal() && o.UpdatedAt.Before(cutoff) {
			prunable = append(prunable, o)
			pruneIDs[o.ID] = true
		}
	}
	if len(prunable) == 0 {
		return
	}
	var events []domain.OrderEvent
	for _, ev := range doc.OrderEvents {
		if pruneIDs[ev.OrderID] {
			events = append(events, ev)
		}
	}

	// 先归档后删除：归档失败时工作集原样保留，下一轮重试
	if err := s.archiver.ArchiveOrders(prunable, events); err != nil {
		schedLog.WithError(err).Error("归档失败，本轮跳过裁剪")
		s.recordHealth("retention", false, err.Error())
		return
	}

	err := s.store.Update(func(doc *domain.Document) error {
		kept := doc.Orders[:0]
		for _, o := range doc.Orders {
			// 归档快照之后状态可能已变，只删仍是终态的
			if pruneIDs[o.ID] && o.State.IsTerminal() {
				continue
			}
			kept = append(kept, o)
		}
		doc.Orders = kept

		keptEvents := doc.OrderEvents[:0]
		for _, ev := range doc.OrderEvents {
			if pruneIDs[ev.OrderID] {
				continue
			}
			keptEvents = append(keptEvents, ev)
		}
		doc.OrderEvents = keptEvents
		return nil
	})
	if err != nil {
		schedLog.WithError(err).Error("裁剪写入失败")
		s.recordHealth("retention", false, err.Error())
		return
	}
	metrics.ArchivedOrders.Add(int64(len(prunable)))
	schedLog.Infof("归档 %d 笔终态订单（%d 条事件）", len(prunable), len(events))
	s.recordHealth("retention", true, "")
}

// recordHealth 追加一条健康记录，超出上限时丢弃最旧的。
func (s *Scheduler) recordHealth(component string, ok bool, detail string) {
	err := s.store.Update(func(doc *domain.Document) error {
		doc.SystemHealth = append(doc.SystemHealth, domain.SystemHealth{
			Component: component,
			OK:        ok,
			Detail:    detail,
			At:        time.Now(),
		})
		if over := len(doc.SystemHealth) - s.cfg.MaxHealthRecords; over > 0 {
			doc.SystemHealth = doc.SystemHealth[over:]
		}
		return nil
	})
	if err != nil {
		schedLog.WithError(err).Warn("健康记录写入失败")
	}
}
