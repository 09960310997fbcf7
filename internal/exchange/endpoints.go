package exchange

// API 端点常量（主版本 v1）
const (
	// 私有端点
	EndpointAccounts     = "/v1/accounts"
	EndpointOrders       = "/v1/orders"        // POST 下单
	EndpointOrder        = "/v1/order"         // GET 查询 / DELETE 撤单
	EndpointOrdersOpen   = "/v1/orders/open"   // 未完成订单列表
	EndpointOrdersClosed = "/v1/orders/closed" // 近期已完成订单列表
	EndpointOrderChance  = "/v1/orders/chance" // 按市场的下单约束（最小金额等）

	// 公共端点
	EndpointTicker  = "/v1/ticker"
	EndpointCandles = "/v1/candles/minutes"
)

// fallbackEndpoints 主端点 → 语义等价的备选版本端点。
// 只在命中“版本可能不对”的状态码（400/404/405/422）时回退一次。
var fallbackEndpoints = map[string]string{
	EndpointOrders:       "/v2/orders",
	EndpointOrder:        "/v2/order",
	EndpointOrdersOpen:   "/v2/orders/open",
	EndpointOrdersClosed: "/v2/orders/closed",
	EndpointOrderChance:  "/v2/orders/chance",
}
