package domain

import (
	"time"
)

// DocumentVersion 当前持久化文档的 schema 版本。
const DocumentVersion = 1

// Settings 全局运行设置。只允许编排层（TradingService）修改。
type Settings struct {
	KillSwitch       bool   `json:"killSwitch"`
	KillSwitchReason string `json:"killSwitchReason,omitempty"`

	// DailyPnlBaseline 当日开盘权益基线，DailyPnlBaselineDate（YYYY-MM-DD）
	// 标记它属于哪一天。跨日后旧基线作废，须重置后才能参与当日亏损判定。
	DailyPnlBaseline     float64 `json:"dailyPnlBaseline"`
	DailyPnlBaselineDate string  `json:"dailyPnlBaselineDate,omitempty"`
}

// OrderEvent 订单事件（append-only 审计日志，独立于可变的 Order 投影）。
type OrderEvent struct {
	ID        string            `json:"id"`
	OrderID   string            `json:"orderId"`
	EventType string            `json:"eventType"`
	Payload   map[string]string `json:"payload,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// 订单事件类型
const (
	OrderEventSubmit    = "SUBMIT"
	OrderEventReconcile = "RECONCILE"
	OrderEventCancel    = "CANCEL"
	OrderEventOverride  = "MANUAL_OVERRIDE"
)

// Fill 成交记录
type Fill struct {
	ID       string    `json:"id"`
	OrderID  string    `json:"orderId"`
	Market   string    `json:"market"`
	Side     Side      `json:"side"`
	Price    float64   `json:"price"`
	Quantity float64   `json:"quantity"`
	Fee      float64   `json:"fee"`
	TradedAt time.Time `json:"tradedAt"`
}

// BalanceItem 归一化余额条目（AccountData 口径）。
type BalanceItem struct {
	Currency     string  `json:"currency"`
	UnitCurrency string  `json:"unitCurrency"`
	Available    float64 `json:"available"`
	Locked       float64 `json:"locked"`
	AvgCost      float64 `json:"avgCost"`
}

// BalanceSnapshot 账户余额的时间点快照。
// 实时余额查询失败时作为风控上下文的回退数据源。
type BalanceSnapshot struct {
	ID         string        `json:"id"`
	Source     string        `json:"source"`
	CapturedAt time.Time     `json:"capturedAt"`
	Items      []BalanceItem `json:"items"`
}

// SystemHealth 系统健康记录（调度器每轮写入）。
type SystemHealth struct {
	Component string    `json:"component"`
	OK        bool      `json:"ok"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// RiskEvent 风控事件（拒单、kill switch 切换、熔断触发等）。
type RiskEvent struct {
	ID       string            `json:"id"`
	Kind     string            `json:"kind"`
	Severity string            `json:"severity"`
	Detail   map[string]string `json:"detail,omitempty"`
	At       time.Time         `json:"at"`
}

// 风控事件类型
const (
	RiskEventRejected       = "ORDER_REJECTED"
	RiskEventKillSwitch     = "KILL_SWITCH"
	RiskEventCircuitBreaker = "CIRCUIT_BREAKER"
)

// Document 持久化文档：单一 JSON 文件的内存表示。
// 多进程共享同一文件时由 store 的锁文件串行化写入。
type Document struct {
	Version          int               `json:"version"`
	Settings         Settings          `json:"settings"`
	Orders           []*Order          `json:"orders"`
	OrderEvents      []OrderEvent      `json:"orderEvents"`
	Fills            []Fill            `json:"fills"`
	BalancesSnapshot []BalanceSnapshot `json:"balancesSnapshot"`
	SystemHealth     []SystemHealth    `json:"systemHealth"`
	RiskEvents       []RiskEvent       `json:"riskEvents"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// NewDocument 创建空文档。
func NewDocument(now time.Time) *Document {
	return &Document{
		Version:   DocumentVersion,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// OrderByID 按本地 ID 查找订单。
func (d *Document) OrderByID(id string) *Order {
	for _, o := range d.Orders {
		if o != nil && o.ID == id {
			return o
		}
	}
	return nil
}

// OrderByClientKey 按幂等键查找订单。幂等键全局唯一，最多一条。
func (d *Document) OrderByClientKey(key string) *Order {
	if key == "" {
		return nil
	}
	for _, o := range d.Orders {
		if o != nil && o.ClientOrderKey == key {
			return o
		}
	}
	return nil
}

// OrderByExchangeID 按交易所 ID 查找订单。
func (d *Document) OrderByExchangeID(exID string) *Order {
	if exID == "" {
		return nil
	}
	for _, o := range d.Orders {
		if o != nil && o.ExchangeOrderID == exID {
			return o
		}
	}
	return nil
}

// OpenOrders 返回所有活跃（非终态）订单。
func (d *Document) OpenOrders() []*Order {
	var out []*Order
	for _, o := range d.Orders {
		if o.IsOpen() {
			out = append(out, o)
		}
	}
	return out
}

// AppendOrderEvent 追加订单事件。事件只增不改不删。
func (d *Document) AppendOrderEvent(ev OrderEvent) {
	d.OrderEvents = append(d.OrderEvents, ev)
}

// LatestBalanceSnapshot 最近一次余额快照（没有则返回 nil）。
func (d *Document) LatestBalanceSnapshot() *BalanceSnapshot {
	if len(d.BalancesSnapshot) == 0 {
		return nil
	}
	latest := &d.BalancesSnapshot[0]
	for i := range d.BalancesSnapshot {
		if d.BalancesSnapshot[i].CapturedAt.After(latest.CapturedAt) {
			latest = &d.BalancesSnapshot[i]
		}
	}
	return latest
}
