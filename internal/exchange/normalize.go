package exchange

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/gotrader/internal/domain"
)

// NormalizedOrder 交易所订单载荷的强类型中间表示。
//
// 不同端点/版本对同一字段使用不同的名字，字段名猜测集中在本文件，
// 调用方只消费这个结构，不允许在调用点散落字段回退逻辑。
type NormalizedOrder struct {
	ExchangeID string
	State      domain.OrderState
	StateKnown bool // 载荷里是否有可判定的状态字段

	Market   string
	Side     domain.Side
	Type     domain.OrderType
	Price    float64
	Quantity float64

	Executed  float64
	Remaining float64
	HasExec   bool // 载荷里是否有成交量字段
	Fee       float64

	CreatedAt *time.Time
}

// 字段候选名，按可信度排序。
var (
	idFields        = []string{"uuid", "id", "order_id"}
	stateFields     = []string{"state", "status", "ord_status"}
	marketFields    = []string{"market", "symbol", "pair"}
	sideFields      = []string{"side", "ord_side"}
	typeFields      = []string{"ord_type", "type", "order_type"}
	priceFields     = []string{"price", "limit_price"}
	qtyFields       = []string{"volume", "qty", "quantity"}
	execFields      = []string{"executed_volume", "executed_qty", "filled_qty", "filled"}
	remainingFields = []string{"remaining_volume", "remaining_qty", "leaves_qty"}
	feeFields       = []string{"paid_fee", "fee"}
	createdFields   = []string{"created_at", "create_time", "timestamp"}
)

// NormalizeOrderPayload 把原始订单载荷归一化为强类型记录。
//
// 状态无法判定时 StateKnown=false 且 State=UNKNOWN_SUBMIT：
// 歧义必须偏向“可能已发生”，由对账服务给出最终结论。
func NormalizeOrderPayload(raw map[string]any) NormalizedOrder {
	n := NormalizedOrder{
		State: domain.OrderStateUnknownSubmit,
	}
	if raw == nil {
		return n
	}

	n.ExchangeID = firstString(raw, idFields)
	n.Market = firstString(raw, marketFields)

	if s := firstString(raw, sideFields); s != "" {
		switch strings.ToLower(s) {
		case "buy", "bid":
			n.Side = domain.SideBuy
		case "sell", "ask":
			n.Side = domain.SideSell
		}
	}
	if t := firstString(raw, typeFields); t != "" {
		switch strings.ToLower(t) {
		case "limit":
			n.Type = domain.OrderTypeLimit
		case "market", "price":
			n.Type = domain.OrderTypeMarket
		}
	}

	n.Price = firstNumber(raw, priceFields)
	n.Quantity = firstNumber(raw, qtyFields)
	n.Fee = firstNumber(raw, feeFields)

	for _, f := range execFields {
		if _, ok := raw[f]; ok {
			n.Executed = parseNumber(raw[f])
			n.HasExec = true
			break
		}
	}
	n.Remaining = firstNumber(raw, remainingFields)

	if ts := firstString(raw, createdFields); ts != "" {
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05-07:00"} {
			if t, err := time.Parse(layout, ts); err == nil {
				n.CreatedAt = &t
				break
			}
		}
	}

	if s := firstString(raw, stateFields); s != "" {
		if st, ok := mapExchangeState(s); ok {
			n.State = st
			n.StateKnown = true
		}
	}

	// 已受理且出现部分成交 → PARTIAL
	if n.StateKnown && n.State == domain.OrderStateAccepted && n.HasExec && n.Executed > 0 {
		n.State = domain.OrderStatePartial
	}
	return n
}

// mapExchangeState 交易所状态词 → 本地状态。未知词返回 false。
func mapExchangeState(s string) (domain.OrderState, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "wait", "watch", "new", "open", "accepted", "live":
		return domain.OrderStateAccepted, true
	case "partial", "partially_filled", "part_filled":
		return domain.OrderStatePartial, true
	case "done", "filled", "complete", "completed":
		return domain.OrderStateFilled, true
	case "cancel", "canceled", "cancelled":
		return domain.OrderStateCanceled, true
	case "reject", "rejected":
		return domain.OrderStateRejected, true
	case "expired":
		return domain.OrderStateExpired, true
	default:
		return domain.OrderStateUnknownSubmit, false
	}
}

func firstString(raw map[string]any, fields []string) string {
	for _, f := range fields {
		if v, ok := raw[f]; ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return s
			}
		}
	}
	return ""
}

func firstNumber(raw map[string]any, fields []string) float64 {
	for _, f := range fields {
		if v, ok := raw[f]; ok {
			return parseNumber(v)
		}
	}
	return 0
}

// parseNumber 交易所的数值字段既可能是字符串也可能是数字。
// 字符串金额必须走 decimal 解析，不允许直接 ParseFloat。
func parseNumber(v any) float64 {
	switch t := v.(type) {
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(t))
		if err != nil {
			return 0
		}
		f, _ := d.Float64()
		return f
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return 0
	}
}
