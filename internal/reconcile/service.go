package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/gotrader/internal/domain"
	"github.com/betbot/gotrader/internal/exchange"
)

var reconcileLog = logrus.WithField("component", "reconcile")

// Gateway 对账所需的交易所查询能力。
type Gateway interface {
	GetOrderByID(ctx context.Context, exchangeID string) (exchange.NormalizedOrder, error)
	GetOrderByKey(ctx context.Context, clientOrderKey string) (exchange.NormalizedOrder, error)
	ListOpenOrders(ctx context.Context, market string) ([]exchange.NormalizedOrder, error)
	ListClosedOrders(ctx context.Context, market string) ([]exchange.NormalizedOrder, error)
}

// DocumentStore 对账所需的存储能力。
type DocumentStore interface {
	Snapshot() *domain.Document
	Update(fn func(*domain.Document) error) error
}

// Summary 单轮对账结果。Unresolved > 0 表示可稍后重跑，不是致命错误。
type Summary struct {
	Scanned    int `json:"scanned"`
	Resolved   int `json:"resolved"`
	Mismatches int `json:"mismatches"`
	Unresolved int `json:"unresolved"`
}

// Options 对账参数。
type Options struct {
	MaxAttemptsPerOrder int           // 单笔订单单轮内的查询尝试上限（默认 3）
	AttemptBackoff      time.Duration // 尝试间的基础退避，逐次递增（默认 500ms）
	Tolerances          Tolerances
}

// DefaultOptions 缺省对账参数。
func DefaultOptions() Options {
	return Options{
		MaxAttemptsPerOrder: 3,
		AttemptBackoff:      500 * time.Millisecond,
		Tolerances:          DefaultTolerances(),
	}
}

// Service 对账服务：用交易所证据治愈结果不明/缺少交易所 ID 的订单。
//
// 每笔目标订单按固定次序找证据：
//  1. 已知交易所 ID 直查
//  2. 幂等键直查
//  3. 指纹匹配（市场/方向/类型/价格/数量/受理时间，唯一命中才算）
//
// 终态订单永远跳过，重跑是幂等 no-op。
type Service struct {
	gateway Gateway
	store   DocumentStore
	opts    Options
}

func NewService(gateway Gateway, store DocumentStore, opts Options) *Service {
	if opts.MaxAttemptsPerOrder <= 0 {
		opts.MaxAttemptsPerOrder = 3
	}
	if opts.AttemptBackoff <= 0 {
		opts.AttemptBackoff = 500 * time.Millisecond
	}
	if opts.Tolerances == (Tolerances{}) {
		opts.Tolerances = DefaultTolerances()
	}
	return &Service{gateway: gateway, store: store, opts: opts}
}

// Reconcile 执行一轮对账。
func (s *Service) Reconcile(ctx context.Context) (Summary, error) {
	var summary Summary

	snap := s.store.Snapshot()
	var targets []*domain.Order
	for _, o := range snap.Orders {
		if o.NeedsReconcile() {
			targets = append(targets, o)
		}
	}
	summary.Scanned = len(targets)
	if len(targets) == 0 {
		return summary, nil
	}

	// 指纹匹配用的订单列表按市场取一次，整轮共享
	listings := newListingCache(s.gateway)

	for _, target := range targets {
		evidence, source, err := s.findEvidence(ctx, target, listings)
		if err != nil {
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}
			reconcileLog.WithError(err).Warnf("订单 %s 取证失败", target.ID)
			summary.Unresolved++
			continue
		}
		if source == "" {
			summary.Unresolved++
			continue
		}

		resolved, mismatch, err := s.applyEvidence(target.ID, evidence, source)
		if err != nil {
			return summary, err
		}
		if mismatch {
			summary.Mismatches++
		}
		if resolved {
			summary.Resolved++
		} else if !mismatch {
			summary.Unresolved++
		}
	}
	return summary, nil
}

// findEvidence 按固定次序为目标订单寻找交易所证据。
// 返回的 source 为空表示本轮没有找到可用证据。
func (s *Service) findEvidence(ctx context.Context, target *domain.Order, listings *listingCache) (exchange.NormalizedOrder, string, error) {
	for attempt := 0; attempt < s.opts.MaxAttemptsPerOrder; attempt++ {
		if attempt > 0 {
			// 退避逐次拉长，永不无限等待
			timer := time.NewTimer(s.opts.AttemptBackoff * time.Duration(attempt))
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return exchange.NormalizedOrder{}, "", ctx.Err()
			}
		}

		if target.ExchangeOrderID != "" {
			n, err := s.gateway.GetOrderByID(ctx, target.ExchangeOrderID)
			if err == nil && n.StateKnown {
				return n, "exchange_id", nil
			}
			if err != nil && exchange.IsRetryable(err) {
				continue
			}
		}

		n, err := s.gateway.GetOrderByKey(ctx, target.ClientOrderKey)
		if err == nil && n.StateKnown {
			return n, "client_key", nil
		}
		if err != nil && exchange.IsRetryable(err) {
			continue
		}

		candidates, err := listings.forMarket(ctx, target.Market)
		if err != nil {
			if exchange.IsRetryable(err) {
				continue
			}
			return exchange.NormalizedOrder{}, "", err
		}
		if hit, ok := matchFingerprint(target, candidates, s.opts.Tolerances); ok {
			return hit, "fingerprint", nil
		}

		// 直查 404 且指纹无命中：本轮没有证据，重试也不会变
		return exchange.NormalizedOrder{}, "", nil
	}
	return exchange.NormalizedOrder{}, "", nil
}

// applyEvidence 把证据并入本地订单并记录 RECONCILE 事件。
func (s *Service) applyEvidence(orderID string, n exchange.NormalizedOrder, source string) (resolved, mismatch bool, err error) {
	err = s.store.Update(func(doc *domain.Document) error {
		o := doc.OrderByID(orderID)
		if o == nil {
			return errors.Errorf("order disappeared: %s", orderID)
		}
		if o.State.IsTerminal() {
			return nil
		}

		// 交易所 ID 一旦非空不可再改；冲突即为不一致证据
		if n.ExchangeID != "" && o.ExchangeOrderID != "" && o.ExchangeOrderID != n.ExchangeID {
			reconcileLog.Warnf("订单 %s 交易所 ID 冲突: 本地 %s vs 证据 %s（来源 %s）",
				o.ID, o.ExchangeOrderID, n.ExchangeID, source)
			mismatch = true
			return nil
		}

		// 指纹命中的交易所 ID 不能已属于其他本地订单
		if n.ExchangeID != "" && o.ExchangeOrderID == "" {
			if other := doc.OrderByExchangeID(n.ExchangeID); other != nil && other.ID != o.ID {
				mismatch = true
				return nil
			}
		}

		now := time.Now()
		from := o.State

		// 不一致的状态证据：整条证据作废，不做任何局部改写
		if n.StateKnown && n.State != from && !domain.CanTransition(from, n.State) {
			reconcileLog.Warnf("订单 %s 证据状态 %s 与本地 %s 冲突（来源 %s）", o.ID, n.State, from, source)
			mismatch = true
			return nil
		}

		if n.ExchangeID != "" && o.ExchangeOrderID == "" {
			o.ExchangeOrderID = n.ExchangeID
		}
		if n.HasExec {
			// 累计成交量相对本地有增量时补记一条成交记录
			if delta := n.Executed - o.FilledQuantity; delta > 0 {
				price := n.Price
				if price <= 0 {
					price = o.Price
				}
				fee := 0.0
				if n.Fee > o.Fee {
					fee = n.Fee - o.Fee
				}
				doc.Fills = append(doc.Fills, domain.Fill{
					ID:       uuid.NewString(),
					OrderID:  o.ID,
					Market:   o.Market,
					Side:     o.Side,
					Price:    price,
					Quantity: delta,
					Fee:      fee,
					TradedAt: now,
				})
			}
			o.FilledQuantity = n.Executed
			o.RemainingQty = o.Quantity - n.Executed
			if o.RemainingQty < 0 {
				o.RemainingQty = 0
			}
		}
		if n.Fee > 0 {
			o.Fee = n.Fee
		}
		if n.CreatedAt != nil && o.PlacedAt == nil {
			o.PlacedAt = n.CreatedAt
		}

		if n.StateKnown && n.State != from {
			o.State = n.State
		}
		o.UpdatedAt = now

		doc.AppendOrderEvent(domain.OrderEvent{
			ID:        uuid.NewString(),
			OrderID:   o.ID,
			EventType: domain.OrderEventReconcile,
			Payload: map[string]string{
				"prevState":      string(from),
				"nextState":      string(o.State),
				"evidenceSource": source,
			},
			Timestamp: now,
		})

		resolved = !o.NeedsReconcile()
		return nil
	})
	return resolved, mismatch, err
}

// listingCache 单轮对账内按市场缓存的订单列表（open + closed 合并）。
type listingCache struct {
	gateway Gateway
	byMkt   map[string][]exchange.NormalizedOrder
}

func newListingCache(gateway Gateway) *listingCache {
	return &listingCache{gateway: gateway, byMkt: make(map[string][]exchange.NormalizedOrder)}
}

func (c *listingCache) forMarket(ctx context.Context, market string) ([]exchange.NormalizedOrder, error) {
	if cached, ok := c.byMkt[market]; ok {
		return cached, nil
	}
	open, err := c.gateway.ListOpenOrders(ctx, market)
	if err != nil {
		return nil, err
	}
	closed, err := c.gateway.ListClosedOrders(ctx, market)
	if err != nil {
		return nil, err
	}
	all := append(open, closed...)
	c.byMkt[market] = all
	return all, nil
}
