package domain

import (
	"time"
)

// Side 订单方向
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType 订单类型
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderState 订单状态。
//
// 状态机（见 CanTransition）：
//   - UNKNOWN_SUBMIT 只能通过对账（reconcile）的交易所证据离开，绝不本地推断
//   - ACCEPTED → PARTIAL → FILLED 随成交量单调推进
//   - {ACCEPTED,PARTIAL} → CANCEL_REQUESTED → CANCELED
//   - 任何非终态都可以在交易所报告时直接进入 REJECTED/EXPIRED
//   - 终态（FILLED/CANCELED/REJECTED/EXPIRED）之后不可再写
type OrderState string

const (
	// OrderStateUnknownSubmit 提交结果不明（网络中断/响应无法判定）。
	// 歧义必须偏向“可能已发生”，否则重试会造成重复挂单。
	OrderStateUnknownSubmit OrderState = "UNKNOWN_SUBMIT"
	// OrderStateAccepted 交易所已持有一张未完成订单（wait/watch/new 等价）
	OrderStateAccepted OrderState = "ACCEPTED"
	// OrderStatePartial 部分成交
	OrderStatePartial OrderState = "PARTIAL"
	// OrderStateFilled 全部成交（终态）
	OrderStateFilled OrderState = "FILLED"
	// OrderStateCancelRequested 已发出撤单请求，等待交易所确认
	OrderStateCancelRequested OrderState = "CANCEL_REQUESTED"
	// OrderStateCanceled 已撤单（终态）
	OrderStateCanceled OrderState = "CANCELED"
	// OrderStateRejected 交易所拒单（终态）
	OrderStateRejected OrderState = "REJECTED"
	// OrderStateExpired 订单过期（终态）
	OrderStateExpired OrderState = "EXPIRED"
)

// IsTerminal 是否为终态。终态订单任何组件都不得再写。
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCanceled, OrderStateRejected, OrderStateExpired:
		return true
	default:
		return false
	}
}

// CanTransition 校验 from → to 是否为合法状态转移。
func CanTransition(from, to OrderState) bool {
	if from == to {
		return false
	}
	if from.IsTerminal() {
		return false
	}
	// 任何非终态都可以被交易所直接判定为 REJECTED/EXPIRED
	if to == OrderStateRejected || to == OrderStateExpired {
		return true
	}
	switch from {
	case OrderStateUnknownSubmit:
		// 只允许对账路径给出的确定性结论
		switch to {
		case OrderStateAccepted, OrderStatePartial, OrderStateFilled, OrderStateCanceled:
			return true
		}
	case OrderStateAccepted:
		switch to {
		case OrderStatePartial, OrderStateFilled, OrderStateCancelRequested, OrderStateCanceled:
			return true
		}
	case OrderStatePartial:
		switch to {
		case OrderStateFilled, OrderStateCancelRequested, OrderStateCanceled:
			return true
		}
	case OrderStateCancelRequested:
		switch to {
		// 撤单途中仍可能最终成交
		case OrderStateCanceled, OrderStatePartial, OrderStateFilled:
			return true
		}
	}
	return false
}

// Order 订单领域模型
type Order struct {
	ID              string     `json:"id"`                        // 本地生成的订单 ID
	ClientOrderKey  string     `json:"clientOrderKey"`            // 幂等键（调用方提供，全局唯一，不可变）
	ExchangeOrderID string     `json:"exchangeOrderId,omitempty"` // 交易所订单 ID（未知时为空；一旦非空不可再改）
	Market          string     `json:"market"`                    // 市场代码，例如 KRW-BTC
	Side            Side       `json:"side"`
	Type            OrderType  `json:"type"`
	Price           float64    `json:"price"`             // 限价单价格；市价买为 0
	Quantity        float64    `json:"quantity"`          // 委托数量；市价买（按金额）为 0
	Notional        float64    `json:"notional"`          // 订单名义金额（price*qty 或市价买金额）
	State           OrderState `json:"state"`
	FilledQuantity  float64    `json:"filledQuantity"`
	RemainingQty    float64    `json:"remainingQty"`
	Fee             float64    `json:"fee"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	PlacedAt        *time.Time `json:"placedAt,omitempty"` // 交易所受理时间（已知时）
}

// IsOpen 订单是否仍被视为“活跃”（会占用 open-orders 配额与敞口）。
// UNKNOWN_SUBMIT 计入活跃：在证实失败之前必须按“可能存在”处理。
func (o *Order) IsOpen() bool {
	if o == nil {
		return false
	}
	return !o.State.IsTerminal()
}

// NeedsReconcile 订单是否需要对账：结果不明，或非终态但缺少交易所 ID。
func (o *Order) NeedsReconcile() bool {
	if o == nil || o.State.IsTerminal() {
		return false
	}
	return o.State == OrderStateUnknownSubmit || o.ExchangeOrderID == ""
}

// ApplyFill 按交易所报告的累计成交量推进订单（ACCEPTED → PARTIAL → FILLED）。
// 返回实际发生的状态转移；终态订单不做任何修改。
func (o *Order) ApplyFill(executed float64, now time.Time) (from, to OrderState, changed bool) {
	if o == nil || o.State.IsTerminal() {
		return o.State, o.State, false
	}
	from = o.State
	o.FilledQuantity = executed
	o.RemainingQty = o.Quantity - executed
	if o.RemainingQty < 0 {
		o.RemainingQty = 0
	}
	to = from
	if o.Quantity > 0 && executed >= o.Quantity {
		to = OrderStateFilled
	} else if executed > 0 {
		to = OrderStatePartial
	}
	if to != from && CanTransition(from, to) {
		o.State = to
		o.UpdatedAt = now
		return from, to, true
	}
	o.UpdatedAt = now
	return from, from, false
}
