package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/gotrader/internal/domain"
	"github.com/betbot/gotrader/internal/exchange"
	"github.com/betbot/gotrader/internal/metrics"
	"github.com/betbot/gotrader/internal/reconcile"
	"github.com/betbot/gotrader/internal/risk"
	"github.com/betbot/gotrader/internal/store"
)

var tradingLog = logrus.WithField("component", "trading")

// OrderSubmitter 执行引擎能力。
type OrderSubmitter interface {
	Submit(ctx context.Context, intent domain.OrderIntent) (*domain.Order, error)
	Cancel(ctx context.Context, orderID string) (*domain.Order, error)
}

// Reconciler 对账能力。
type Reconciler interface {
	Reconcile(ctx context.Context) (reconcile.Summary, error)
}

// AccountGateway 风控上下文需要的交易所查询能力。
type AccountGateway interface {
	Accounts(ctx context.Context) ([]domain.BalanceItem, error)
	OrderChance(ctx context.Context, market string) (exchange.MarketConstraints, error)
	Ticker(ctx context.Context, market string) (float64, error)
}

// RecoveryPolicy UNKNOWN_SUBMIT 订单的有界恢复策略。
type RecoveryPolicy struct {
	MaxAttempts int           // 默认 3
	Wait        time.Duration // 两次恢复尝试之间的等待（默认 2s）
}

// TradingService 编排层：幂等下单、风控闸门、kill switch、熔断策略。
//
// 下单主路径：幂等检查 → 风控评估 → 执行引擎 → 熔断计数。
// 所有公共方法返回统一的 Result 形状。
type TradingService struct {
	store      *store.Store
	engine     OrderSubmitter
	reconciler Reconciler
	gateway    AccountGateway
	breaker    *risk.CircuitBreaker

	limits   risk.Limits
	recovery RecoveryPolicy
}

func NewTradingService(
	st *store.Store,
	engine OrderSubmitter,
	reconciler Reconciler,
	gateway AccountGateway,
	limits risk.Limits,
	breakerCfg risk.BreakerConfig,
	recovery RecoveryPolicy,
) *TradingService {
	if recovery.MaxAttempts <= 0 {
		recovery.MaxAttempts = 3
	}
	if recovery.Wait <= 0 {
		recovery.Wait = 2 * time.Second
	}

	s := &TradingService{
		store:      st,
		engine:     engine,
		reconciler: reconciler,
		gateway:    gateway,
		limits:     limits,
		recovery:   recovery,
	}

	// 熔断自动拉闸：窗口内可重试下单失败达到阈值
	userOnTrip := breakerCfg.OnTrip
	breakerCfg.OnTrip = func(failures int, window time.Duration) {
		metrics.BreakerTrips.Add(1)
		reason := fmt.Sprintf("circuit breaker: %d retryable failures in %s", failures, window)
		if r := s.SetKillSwitch(context.Background(), true, reason); !r.OK {
			tradingLog.Errorf("熔断拉闸失败: %s", r.Err)
		}
		s.recordRiskEvent(domain.RiskEventCircuitBreaker, "critical", map[string]string{
			"failures": fmt.Sprintf("%d", failures),
			"window":   window.String(),
		})
		if userOnTrip != nil {
			userOnTrip(failures, window)
		}
	}
	s.breaker = risk.NewCircuitBreaker(breakerCfg)
	return s
}

// PlaceOrder 幂等下单。
//
// 幂等语义：同一 clientOrderKey 的订单若已存在且结果已定，直接返回既有
// 记录；若仍是 UNKNOWN_SUBMIT，先做有界恢复（对账 + 等待），恢复不了
// 返回可重试错误，绝不在结果不明时再次触达交易所。
func (s *TradingService) PlaceOrder(ctx context.Context, intent domain.OrderIntent) Result {
	if err := intent.Validate(); err != nil {
		return errResult(CodeInvalidArgument, err, nil)
	}

	// 幂等预检读磁盘上的最新文档：内存快照看不到共享同一文件的其它
	// 进程刚入账的订单，漏判会在持锁提交时才撞上重复键，而那时交易所
	// 可能已经成单。重读失败时退回内存快照（交易所侧 identifier 和
	// Update 内的重读兜底）。
	doc, err := s.store.Refresh()
	if err != nil {
		tradingLog.WithError(err).Warn("幂等预检重读磁盘失败，退回内存快照")
		doc = s.store.Snapshot()
	}
	if existing := doc.OrderByClientKey(intent.ClientOrderKey); existing != nil {
		return s.resolveExisting(ctx, existing)
	}

	rc, err := s.buildRiskContext(ctx, intent)
	if err != nil {
		return errResult(CodeRetryable, errors.Wrap(err, "build risk context"), nil)
	}
	decision := risk.Evaluate(intent, s.limits, rc)
	if !decision.Allowed {
		metrics.OrdersRejected.Add(1)
		s.recordRiskEvent(domain.RiskEventRejected, "warning", map[string]string{
			"clientOrderKey": intent.ClientOrderKey,
			"market":         intent.Market,
			"reasons":        fmt.Sprintf("%v", decision.Reasons),
		})
		return errResult(CodeRiskRejected, nil, decision)
	}

	order, err := s.engine.Submit(ctx, intent)
	switch {
	case err == nil:
		s.breaker.RecordSuccess()
		metrics.OrdersPlaced.Add(1)
		return okResult(order)
	case exchange.IsRetryable(err):
		s.breaker.RecordFailure()
		metrics.OrdersUnknownSubmit.Add(1)
		// UNKNOWN_SUBMIT 已入账，调用方重试会走上面的恢复路径
		return errResult(CodeRetryable, err, order)
	case errors.Is(err, store.ErrLockTimeout):
		return errResult(CodeLockTimeout, err, nil)
	default:
		return errResult(CodeFatal, err, order)
	}
}

// resolveExisting 处理幂等键命中的既有订单。
func (s *TradingService) resolveExisting(ctx context.Context, existing *domain.Order) Result {
	if existing.State != domain.OrderStateUnknownSubmit {
		tradingLog.Infof("幂等键 %s 命中既有订单 %s（%s），跳过提交",
			existing.ClientOrderKey, existing.ID, existing.State)
		return okResult(existing)
	}

	// 有界恢复：对账 + 等待，封顶后交回调用方
	for attempt := 0; attempt < s.recovery.MaxAttempts; attempt++ {
		if _, err := s.reconciler.Reconcile(ctx); err != nil {
			return errResult(CodeRetryable, err, existing)
		}
		current := s.store.Snapshot().OrderByClientKey(existing.ClientOrderKey)
		if current != nil && current.State != domain.OrderStateUnknownSubmit {
			return okResult(current)
		}

		if attempt < s.recovery.MaxAttempts-1 {
			timer := time.NewTimer(s.recovery.Wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return errResult(CodeRetryable, ctx.Err(), existing)
			}
		}
	}
	return errResult(CodeRetryable,
		errors.Errorf("order %s still UNKNOWN_SUBMIT after %d recovery attempts",
			existing.ID, s.recovery.MaxAttempts), existing)
}

// CancelOrder 撤单。
func (s *TradingService) CancelOrder(ctx context.Context, orderID string) Result {
	order, err := s.engine.Cancel(ctx, orderID)
	switch {
	case err == nil:
		metrics.OrdersCanceled.Add(1)
		return okResult(order)
	case exchange.IsRetryable(err):
		return errResult(CodeRetryable, err, nil)
	default:
		return errResult(CodeFatal, err, nil)
	}
}

// OverrideRequest 人工覆写请求。State 为空表示只补交易所 ID。
type OverrideRequest struct {
	State           domain.OrderState `json:"state"`
	ExchangeOrderID string            `json:"exchangeOrderId"`
	Reason          string            `json:"reason"`
}

// OverrideOrder 人工覆写订单：除执行引擎和对账之外第三条、也是最后一条
// 合法的订单变更路径。覆写仍然走状态机，终态不可写、交易所 ID 一旦非空
// 不可再改的约束照常生效；每次覆写记一条 MANUAL_OVERRIDE 事件。
func (s *TradingService) OverrideOrder(ctx context.Context, orderID string, req OverrideRequest) Result {
	if req.Reason == "" {
		return errResult(CodeInvalidArgument, errors.New("override reason is required"), nil)
	}

	var updated *domain.Order
	badRequest := false
	err := s.store.Update(func(doc *domain.Document) error {
		o := doc.OrderByID(orderID)
		if o == nil {
			badRequest = true
			return errors.Errorf("order not found: %s", orderID)
		}
		from := o.State
		if from.IsTerminal() {
			badRequest = true
			return errors.Errorf("order %s is terminal (%s), not overridable", orderID, from)
		}

		if req.State != "" && req.State != from {
			if !domain.CanTransition(from, req.State) {
				badRequest = true
				return errors.Errorf("illegal override transition %s -> %s", from, req.State)
			}
		}
		if req.ExchangeOrderID != "" {
			if o.ExchangeOrderID != "" && o.ExchangeOrderID != req.ExchangeOrderID {
				badRequest = true
				return errors.Errorf("exchange order id already set: %s", o.ExchangeOrderID)
			}
			if other := doc.OrderByExchangeID(req.ExchangeOrderID); other != nil && other.ID != o.ID {
				badRequest = true
				return errors.Errorf("exchange order id %s belongs to order %s", req.ExchangeOrderID, other.ID)
			}
			o.ExchangeOrderID = req.ExchangeOrderID
		}

		now := time.Now()
		if req.State != "" && req.State != from {
			o.State = req.State
		}
		o.UpdatedAt = now

		doc.AppendOrderEvent(domain.OrderEvent{
			ID:        uuid.NewString(),
			OrderID:   o.ID,
			EventType: domain.OrderEventOverride,
			Payload: map[string]string{
				"prevState": string(from),
				"nextState": string(o.State),
				"reason":    req.Reason,
			},
			Timestamp: now,
		})
		updated = o
		return nil
	})
	switch {
	case err == nil:
		tradingLog.Warnf("订单 %s 已人工覆写为 %s（%s）", orderID, updated.State, req.Reason)
		return okResult(updated)
	case badRequest:
		return errResult(CodeInvalidArgument, err, nil)
	case errors.Is(err, store.ErrLockTimeout):
		return errResult(CodeLockTimeout, err, nil)
	default:
		return errResult(CodeFatal, err, nil)
	}
}

// Reconcile 按需触发一轮对账。Unresolved > 0 视为可重试，不是致命错误。
func (s *TradingService) Reconcile(ctx context.Context) Result {
	summary, err := s.reconciler.Reconcile(ctx)
	metrics.ReconcileRuns.Add(1)
	metrics.ReconcileResolved.Add(int64(summary.Resolved))
	metrics.ReconcileUnresolved.Add(int64(summary.Unresolved))
	metrics.ReconcileMismatches.Add(int64(summary.Mismatches))
	if err != nil {
		return errResult(CodeRetryable, err, summary)
	}
	if summary.Unresolved > 0 {
		return errResult(CodeRetryable,
			errors.Errorf("%d orders unresolved", summary.Unresolved), summary)
	}
	return okResult(summary)
}

// SetKillSwitch 切换全局 kill switch。
// 打开时对所有活跃订单做 best-effort 撤单：单笔失败只记录，不阻断切换。
func (s *TradingService) SetKillSwitch(ctx context.Context, on bool, reason string) Result {
	err := s.store.Update(func(doc *domain.Document) error {
		doc.Settings.KillSwitch = on
		doc.Settings.KillSwitchReason = reason
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrLockTimeout) {
			return errResult(CodeLockTimeout, err, nil)
		}
		return errResult(CodeFatal, err, nil)
	}

	metrics.KillSwitchToggles.Add(1)
	severity := "info"
	if on {
		severity = "critical"
	}
	s.recordRiskEvent(domain.RiskEventKillSwitch, severity, map[string]string{
		"on":     fmt.Sprintf("%v", on),
		"reason": reason,
	})

	canceled, failed := 0, 0
	if on {
		for _, o := range s.store.Snapshot().OpenOrders() {
			if o.ExchangeOrderID == "" {
				// 结果不明的订单交给对账，不能盲目撤单
				continue
			}
			if _, err := s.engine.Cancel(ctx, o.ID); err != nil {
				failed++
				tradingLog.WithError(err).Warnf("kill switch 撤单失败: %s", o.ID)
				continue
			}
			canceled++
		}
		tradingLog.Warnf("kill switch 已打开（%s）：撤单 %d 笔，失败 %d 笔", reason, canceled, failed)
	} else {
		s.breaker.Reset()
		tradingLog.Infof("kill switch 已关闭：%s", reason)
	}

	return okResult(map[string]int{"canceled": canceled, "failed": failed})
}

// Status 当前运行状态（ops 端点使用）。
func (s *TradingService) Status() Result {
	doc := s.store.Snapshot()
	return okResult(map[string]any{
		"killSwitch":       doc.Settings.KillSwitch,
		"killSwitchReason": doc.Settings.KillSwitchReason,
		"openOrders":       len(doc.OpenOrders()),
		"totalOrders":      len(doc.Orders),
		"breakerTripped":   s.breaker.Tripped(),
		"breakerFailures":  s.breaker.FailureCount(),
		"updatedAt":        doc.UpdatedAt,
	})
}

// Orders 订单列表（ops 端点使用）。openOnly 为真时只返回活跃订单。
func (s *TradingService) Orders(openOnly bool) Result {
	doc := s.store.Snapshot()
	if openOnly {
		return okResult(doc.OpenOrders())
	}
	return okResult(doc.Orders)
}

// recordRiskEvent 追加一条风控事件。失败只记录日志，不影响主流程。
func (s *TradingService) recordRiskEvent(kind, severity string, detail map[string]string) {
	err := s.store.Update(func(doc *domain.Document) error {
		doc.RiskEvents = append(doc.RiskEvents, domain.RiskEvent{
			ID:       uuid.NewString(),
			Kind:     kind,
			Severity: severity,
			Detail:   detail,
			At:       time.Now(),
		})
		return nil
	})
	if err != nil {
		tradingLog.WithError(err).Warnf("风控事件 %s 写入失败", kind)
	}
}
