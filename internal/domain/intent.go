package domain

import (
	"fmt"
	"strings"
)

// OrderIntent 交易意图（策略层产出，核心的输入）。
type OrderIntent struct {
	ClientOrderKey string    `json:"clientOrderKey"` // 幂等键：同一逻辑订单的所有提交尝试共用
	Market         string    `json:"market"`
	Side           Side      `json:"side"`
	Type           OrderType `json:"type"`
	Price          float64   `json:"price"`
	Quantity       float64   `json:"quantity"`
	Notional       float64   `json:"notional"` // 市价买：直接给金额；限价：可为 0，由 price*qty 推导
}

// EffectiveNotional 订单名义金额（显式金额优先，否则 price*qty）。
func (i OrderIntent) EffectiveNotional() float64 {
	if i.Notional > 0 {
		return i.Notional
	}
	return i.Price * i.Quantity
}

// Validate 基本参数校验（调用方错误，立即返回，不重试）。
func (i OrderIntent) Validate() error {
	if strings.TrimSpace(i.ClientOrderKey) == "" {
		return fmt.Errorf("clientOrderKey 不能为空")
	}
	if strings.TrimSpace(i.Market) == "" {
		return fmt.Errorf("market 不能为空")
	}
	if i.Side != SideBuy && i.Side != SideSell {
		return fmt.Errorf("side 无效: %q", i.Side)
	}
	if i.Type != OrderTypeLimit && i.Type != OrderTypeMarket {
		return fmt.Errorf("type 无效: %q", i.Type)
	}
	switch {
	case i.Type == OrderTypeLimit && (i.Price <= 0 || i.Quantity <= 0):
		return fmt.Errorf("限价单需要 price>0 且 quantity>0")
	case i.Type == OrderTypeMarket && i.Side == SideBuy && i.Notional <= 0:
		return fmt.Errorf("市价买需要 notional>0")
	case i.Type == OrderTypeMarket && i.Side == SideSell && i.Quantity <= 0:
		return fmt.Errorf("市价卖需要 quantity>0")
	}
	return nil
}
