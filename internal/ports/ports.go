package ports

import (
	"context"

	"github.com/betbot/gotrader/internal/domain"
	"github.com/betbot/gotrader/internal/exchange"
)

// 跨层共享的小能力接口。放在中立包里避免 services/execution/reconcile
// 之间的循环依赖；exchange.Client 是它们的统一实现。

// MarketData 行情查询能力。
type MarketData interface {
	Ticker(ctx context.Context, market string) (float64, error)
	OrderChance(ctx context.Context, market string) (exchange.MarketConstraints, error)
}

// AccountData 账户查询能力。
type AccountData interface {
	Accounts(ctx context.Context) ([]domain.BalanceItem, error)
}

// OrderGateway 下单/撤单能力。
type OrderGateway interface {
	PlaceOrder(ctx context.Context, p exchange.PlaceOrderParams) (exchange.NormalizedOrder, error)
	CancelOrder(ctx context.Context, exchangeID string) (exchange.NormalizedOrder, error)
}

// OrderLookup 对账需要的订单查询能力。
type OrderLookup interface {
	GetOrderByID(ctx context.Context, exchangeID string) (exchange.NormalizedOrder, error)
	GetOrderByKey(ctx context.Context, clientOrderKey string) (exchange.NormalizedOrder, error)
	ListOpenOrders(ctx context.Context, market string) ([]exchange.NormalizedOrder, error)
	ListClosedOrders(ctx context.Context, market string) ([]exchange.NormalizedOrder, error)
}
