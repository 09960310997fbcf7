package risk

import (
	"math"

	"github.com/betbot/gotrader/internal/domain"
)

// Epsilon 现金/持仓比较的浮点容差。
const Epsilon = 1e-9

// Reason 单条风控规则的拒绝理由。
type Reason string

const (
	ReasonKillSwitch          Reason = "KILL_SWITCH"
	ReasonMaxOpenOrders       Reason = "MAX_OPEN_ORDERS"
	ReasonMaxOpenOrdersMarket Reason = "MAX_OPEN_ORDERS_SYMBOL"
	ReasonMinNotional         Reason = "MIN_NOTIONAL"
	ReasonMaxNotional         Reason = "MAX_NOTIONAL"
	ReasonMaxExposure         Reason = "MAX_EXPOSURE"
	ReasonInsufficientCash    Reason = "INSUFFICIENT_CASH"
	ReasonNoHolding           Reason = "NO_HOLDING"
	ReasonSellExceedsHolding  Reason = "SELL_EXCEEDS_HOLDING"
	ReasonDailyLossLimit      Reason = "DAILY_LOSS_LIMIT"
)

// Limits 风控阈值配置。
// 约定：阈值 <= 0 表示关闭对应限制（与断路器一致）。
type Limits struct {
	MaxOpenOrders       int     // 全局未完成订单上限
	MaxOpenOrdersMarket int     // 单市场未完成订单上限
	MinNotional         float64 // 单笔金额下限（与交易所下限取较大者）
	MaxNotional         float64 // 单笔金额上限
	MaxExposure         float64 // 非现金持仓市值上限
	DailyLossLimit      float64 // 当日已实现亏损上限（取绝对值）
}

// Context 一次评估所需的账户/市场快照。调用方负责取最新值。
type Context struct {
	KillSwitch bool

	OpenOrders       int
	OpenOrdersMarket int // 目标市场的未完成订单数

	AvailableCash    float64 // 计价货币可用余额
	HoldingNotional  float64 // 目标市场持仓市值（按参考价）
	Exposure         float64 // 全部非现金持仓市值
	DailyRealizedPnl float64

	ExchangeMinNotional float64 // 交易所侧最小下单金额（OrderChance）
}

// Metrics 评估时使用的关键数值，随决策一并返回供记录。
type Metrics struct {
	Notional         float64
	AvailableCash    float64
	HoldingNotional  float64
	Exposure         float64
	DailyRealizedPnl float64
}

// Decision 风控决策。Reasons 为空即放行。
type Decision struct {
	Allowed bool
	Reasons []Reason
	Metrics Metrics
}

// Evaluate 纯函数风控闸门：无 I/O、无副作用、不提前返回。
// 全部规则独立评估，Reasons 枚举每一条被触发的规则。
func Evaluate(intent domain.OrderIntent, limits Limits, rc Context) Decision {
	notional := intent.EffectiveNotional()
	var reasons []Reason

	if rc.KillSwitch {
		reasons = append(reasons, ReasonKillSwitch)
	}

	if limits.MaxOpenOrders > 0 && rc.OpenOrders >= limits.MaxOpenOrders {
		reasons = append(reasons, ReasonMaxOpenOrders)
	}
	if limits.MaxOpenOrdersMarket > 0 && rc.OpenOrdersMarket >= limits.MaxOpenOrdersMarket {
		reasons = append(reasons, ReasonMaxOpenOrdersMarket)
	}

	// 金额下限取配置与交易所下限中的较大者
	minNotional := math.Max(limits.MinNotional, rc.ExchangeMinNotional)
	if minNotional > 0 && notional < minNotional {
		reasons = append(reasons, ReasonMinNotional)
	}
	if limits.MaxNotional > 0 && notional > limits.MaxNotional {
		reasons = append(reasons, ReasonMaxNotional)
	}

	if limits.MaxExposure > 0 {
		projected := rc.Exposure
		if intent.Side == domain.SideBuy {
			projected += notional
		}
		if projected > limits.MaxExposure {
			reasons = append(reasons, ReasonMaxExposure)
		}
	}

	if intent.Side == domain.SideBuy && rc.AvailableCash+Epsilon < notional {
		reasons = append(reasons, ReasonInsufficientCash)
	}
	if intent.Side == domain.SideSell {
		if rc.HoldingNotional <= 0 {
			reasons = append(reasons, ReasonNoHolding)
		}
		if notional > rc.HoldingNotional+Epsilon {
			reasons = append(reasons, ReasonSellExceedsHolding)
		}
	}

	if limits.DailyLossLimit > 0 && rc.DailyRealizedPnl <= -math.Abs(limits.DailyLossLimit) {
		reasons = append(reasons, ReasonDailyLossLimit)
	}

	return Decision{
		Allowed: len(reasons) == 0,
		Reasons: reasons,
		Metrics: Metrics{
			Notional:         notional,
			AvailableCash:    rc.AvailableCash,
			HoldingNotional:  rc.HoldingNotional,
			Exposure:         rc.Exposure,
			DailyRealizedPnl: rc.DailyRealizedPnl,
		},
	}
}
