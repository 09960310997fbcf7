package execution

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/gotrader/internal/domain"
	"github.com/betbot/gotrader/internal/exchange"
)

var execLog = logrus.WithField("component", "execution")

// ErrDuplicateClientKey 幂等键已存在。编排层应改走已有订单的恢复路径。
var ErrDuplicateClientKey = errors.New("client order key already exists")

// OrderPlacer 网关下单能力。
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, p exchange.PlaceOrderParams) (exchange.NormalizedOrder, error)
	CancelOrder(ctx context.Context, exchangeID string) (exchange.NormalizedOrder, error)
}

// DocumentStore 执行引擎需要的存储能力。
type DocumentStore interface {
	Snapshot() *domain.Document
	Update(fn func(*domain.Document) error) error
}

// Engine 执行引擎：把已过风控的交易意图变成一次交易所调用 + 一条持久化订单。
//
// 最重要的约定：提交结果不明时持久化 UNKNOWN_SUBMIT，绝不按失败处理。
// “假定失败”会让上层重试造成重复挂单；“假定可能成功”只是多一轮对账。
type Engine struct {
	gateway OrderPlacer
	store   DocumentStore

	inFlight *InFlightDeduper
	dryRun   bool

	now func() time.Time
}

// NewEngine 创建执行引擎。dryRun 为真时不触达交易所，订单以模拟受理入账。
func NewEngine(gateway OrderPlacer, store DocumentStore, dryRun bool) *Engine {
	return &Engine{
		gateway:  gateway,
		store:    store,
		inFlight: NewInFlightDeduper(5*time.Second, 64),
		dryRun:   dryRun,
		now:      time.Now,
	}
}

// Submit 提交一笔已批准的交易意图，返回持久化后的订单记录。
//
// 返回的 error 与订单并不互斥：提交结果不明时订单（UNKNOWN_SUBMIT）
// 已入账，同时返回可重试错误，由编排层决定恢复策略。
func (e *Engine) Submit(ctx context.Context, intent domain.OrderIntent) (*domain.Order, error) {
	if err := intent.Validate(); err != nil {
		return nil, err
	}

	// 同一幂等键的并发提交在进程内先挡掉一层
	if err := e.inFlight.TryAcquire(intent.ClientOrderKey); err != nil {
		return nil, err
	}
	defer e.inFlight.Release(intent.ClientOrderKey)

	now := e.now()
	order := &domain.Order{
		ID:             uuid.NewString(),
		ClientOrderKey: intent.ClientOrderKey,
		Market:         intent.Market,
		Side:           intent.Side,
		Type:           intent.Type,
		Price:          intent.Price,
		Quantity:       intent.Quantity,
		Notional:       intent.EffectiveNotional(),
		RemainingQty:   intent.Quantity,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if e.dryRun {
		order.State = domain.OrderStateAccepted
		order.ExchangeOrderID = "dryrun-" + order.ID
		if err := e.persistSubmit(order, "dry_run", ""); err != nil {
			return nil, err
		}
		execLog.WithField("market", order.Market).Infof("dry-run 下单 %s", order.ClientOrderKey)
		return order, nil
	}

	normalized, placeErr := e.gateway.PlaceOrder(ctx, exchange.PlaceOrderParams{
		Market:         intent.Market,
		Side:           intent.Side,
		Type:           intent.Type,
		Price:          intent.Price,
		Quantity:       intent.Quantity,
		Notional:       intent.Notional,
		ClientOrderKey: intent.ClientOrderKey,
	})

	switch {
	case placeErr == nil:
		e.applyNormalized(order, normalized, now)
	case exchange.IsRetryable(placeErr):
		// 重试耗尽/传输层中断：可能已在交易所成单
		order.State = domain.OrderStateUnknownSubmit
	default:
		// 交易所给出确定性拒绝
		order.State = domain.OrderStateRejected
	}

	errText := ""
	if placeErr != nil {
		errText = placeErr.Error()
	}
	if err := e.persistSubmit(order, "exchange", errText); err != nil {
		// 持久化失败比下单失败更严重：订单可能已存在于交易所但本地无记录
		execLog.WithError(err).Errorf("订单 %s 持久化失败，状态 %s", order.ClientOrderKey, order.State)
		return nil, errors.Wrap(err, "persist submitted order")
	}

	if placeErr != nil {
		return order, placeErr
	}
	return order, nil
}

// Cancel 对一笔本地订单发起撤单，返回更新后的订单。
// 终态订单按幂等 no-op 处理；缺少交易所 ID 的订单必须先对账。
func (e *Engine) Cancel(ctx context.Context, orderID string) (*domain.Order, error) {
	snap := e.store.Snapshot()
	order := snap.OrderByID(orderID)
	if order == nil {
		return nil, errors.Errorf("order not found: %s", orderID)
	}
	if order.State.IsTerminal() {
		return order, nil
	}
	if order.ExchangeOrderID == "" {
		return nil, errors.Errorf("order %s has no exchange id yet, reconcile first", orderID)
	}

	var normalized exchange.NormalizedOrder
	if e.dryRun {
		normalized = exchange.NormalizedOrder{State: domain.OrderStateCanceled, StateKnown: true}
	} else {
		var err error
		normalized, err = e.gateway.CancelOrder(ctx, order.ExchangeOrderID)
		if err != nil {
			return nil, err
		}
	}

	var updated *domain.Order
	err := e.store.Update(func(doc *domain.Document) error {
		o := doc.OrderByID(orderID)
		if o == nil {
			return errors.Errorf("order disappeared: %s", orderID)
		}
		if o.State.IsTerminal() {
			updated = o
			return nil
		}

		from := o.State
		to := domain.OrderStateCancelRequested
		if normalized.StateKnown && normalized.State == domain.OrderStateCanceled {
			to = domain.OrderStateCanceled
		}
		if domain.CanTransition(from, to) {
			o.State = to
		}
		o.UpdatedAt = e.now()

		doc.AppendOrderEvent(domain.OrderEvent{
			ID:        uuid.NewString(),
			OrderID:   o.ID,
			EventType: domain.OrderEventCancel,
			Payload: map[string]string{
				"prevState": string(from),
				"nextState": string(o.State),
			},
			Timestamp: o.UpdatedAt,
		})
		updated = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// applyNormalized 把归一化后的交易所响应并入本地订单。
func (e *Engine) applyNormalized(order *domain.Order, n exchange.NormalizedOrder, now time.Time) {
	order.ExchangeOrderID = n.ExchangeID
	order.State = n.State
	if n.HasExec {
		order.FilledQuantity = n.Executed
		order.RemainingQty = order.Quantity - n.Executed
		if order.RemainingQty < 0 {
			order.RemainingQty = 0
		}
	}
	if n.Fee > 0 {
		order.Fee = n.Fee
	}
	if n.CreatedAt != nil {
		order.PlacedAt = n.CreatedAt
	} else if n.StateKnown {
		placed := now
		order.PlacedAt = &placed
	}
}

// persistSubmit 入账新订单 + SUBMIT 事件。幂等键冲突直接报错。
func (e *Engine) persistSubmit(order *domain.Order, source, errText string) error {
	return e.store.Update(func(doc *domain.Document) error {
		if existing := doc.OrderByClientKey(order.ClientOrderKey); existing != nil {
			return errors.Wrapf(ErrDuplicateClientKey, "key=%s", order.ClientOrderKey)
		}
		doc.Orders = append(doc.Orders, order)

		payload := map[string]string{
			"state":  string(order.State),
			"source": source,
		}
		if order.ExchangeOrderID != "" {
			payload["exchangeOrderId"] = order.ExchangeOrderID
		}
		if errText != "" {
			payload["error"] = errText
		}
		doc.AppendOrderEvent(domain.OrderEvent{
			ID:        uuid.NewString(),
			OrderID:   order.ID,
			EventType: domain.OrderEventSubmit,
			Payload:   payload,
			Timestamp: order.CreatedAt,
		})
		return nil
	})
}
