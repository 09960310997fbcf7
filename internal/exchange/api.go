package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/betbot/gotrader/internal/domain"
)

// PlaceOrderParams 下单参数。
type PlaceOrderParams struct {
	Market         string
	Side           domain.Side
	Type           domain.OrderType
	Price          float64
	Quantity       float64
	Notional       float64 // 市价买：按金额
	ClientOrderKey string  // 随单携带的幂等键（identifier）
}

// PlaceOrder 下单。返回归一化后的订单记录。
func (c *Client) PlaceOrder(ctx context.Context, p PlaceOrderParams) (NormalizedOrder, error) {
	body := map[string]string{
		"market":     p.Market,
		"side":       string(p.Side),
		"ord_type":   string(p.Type),
		"identifier": p.ClientOrderKey,
	}
	if p.Price > 0 {
		body["price"] = formatNumber(p.Price)
	}
	if p.Quantity > 0 {
		body["volume"] = formatNumber(p.Quantity)
	}
	if p.Type == domain.OrderTypeMarket && p.Side == domain.SideBuy && p.Notional > 0 {
		// 市价买以金额下单
		body["price"] = formatNumber(p.Notional)
		delete(body, "volume")
	}

	payload, err := c.Request(ctx, http.MethodPost, EndpointOrders, nil, body, true)
	if err != nil {
		return NormalizedOrder{}, err
	}
	return parseOrderPayload(payload)
}

// GetOrderByID 按交易所订单 ID 查询。
func (c *Client) GetOrderByID(ctx context.Context, exchangeID string) (NormalizedOrder, error) {
	payload, err := c.Request(ctx, http.MethodGet, EndpointOrder, map[string]string{"uuid": exchangeID}, nil, true)
	if err != nil {
		return NormalizedOrder{}, err
	}
	return parseOrderPayload(payload)
}

// GetOrderByKey 按幂等键（identifier）查询。
func (c *Client) GetOrderByKey(ctx context.Context, clientOrderKey string) (NormalizedOrder, error) {
	payload, err := c.Request(ctx, http.MethodGet, EndpointOrder, map[string]string{"identifier": clientOrderKey}, nil, true)
	if err != nil {
		return NormalizedOrder{}, err
	}
	return parseOrderPayload(payload)
}

// ListOpenOrders 未完成订单列表（market 为空则全部市场）。
func (c *Client) ListOpenOrders(ctx context.Context, market string) ([]NormalizedOrder, error) {
	query := map[string]string{"limit": "100"}
	if market != "" {
		query["market"] = market
	}
	payload, err := c.Request(ctx, http.MethodGet, EndpointOrdersOpen, query, nil, true)
	if err != nil {
		return nil, err
	}
	return parseOrderListPayload(payload)
}

// ListClosedOrders 近期已完成订单列表。
func (c *Client) ListClosedOrders(ctx context.Context, market string) ([]NormalizedOrder, error) {
	query := map[string]string{"limit": "100"}
	if market != "" {
		query["market"] = market
	}
	payload, err := c.Request(ctx, http.MethodGet, EndpointOrdersClosed, query, nil, true)
	if err != nil {
		return nil, err
	}
	return parseOrderListPayload(payload)
}

// CancelOrder 撤单。
func (c *Client) CancelOrder(ctx context.Context, exchangeID string) (NormalizedOrder, error) {
	payload, err := c.Request(ctx, http.MethodDelete, EndpointOrder, map[string]string{"uuid": exchangeID}, nil, true)
	if err != nil {
		return NormalizedOrder{}, err
	}
	return parseOrderPayload(payload)
}

// accountPayload 账户余额条目的原始载荷（数值均为字符串）。
type accountPayload struct {
	Currency     string `json:"currency"`
	Balance      string `json:"balance"`
	Locked       string `json:"locked"`
	AvgBuyPrice  string `json:"avg_buy_price"`
	UnitCurrency string `json:"unit_currency"`
}

// Accounts 查询账户余额（归一化为领域口径）。
func (c *Client) Accounts(ctx context.Context) ([]domain.BalanceItem, error) {
	payload, err := c.Request(ctx, http.MethodGet, EndpointAccounts, nil, nil, true)
	if err != nil {
		return nil, err
	}
	var raw []accountPayload
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, errors.Wrap(err, "parse accounts payload")
	}
	out := make([]domain.BalanceItem, 0, len(raw))
	for _, a := range raw {
		out = append(out, domain.BalanceItem{
			Currency:     a.Currency,
			UnitCurrency: a.UnitCurrency,
			Available:    decimalOrZero(a.Balance),
			Locked:       decimalOrZero(a.Locked),
			AvgCost:      decimalOrZero(a.AvgBuyPrice),
		})
	}
	return out, nil
}

// MarketConstraints 按市场的下单约束。
type MarketConstraints struct {
	Market      string
	MinNotional float64
}

// OrderChance 查询指定市场的下单约束（交易所侧最小金额等）。
func (c *Client) OrderChance(ctx context.Context, market string) (MarketConstraints, error) {
	payload, err := c.Request(ctx, http.MethodGet, EndpointOrderChance, map[string]string{"market": market}, nil, true)
	if err != nil {
		return MarketConstraints{}, err
	}
	var raw struct {
		Market struct {
			ID  string `json:"id"`
			Bid struct {
				MinTotal string `json:"min_total"`
			} `json:"bid"`
		} `json:"market"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return MarketConstraints{}, errors.Wrap(err, "parse order chance payload")
	}
	return MarketConstraints{
		Market:      raw.Market.ID,
		MinNotional: decimalOrZero(raw.Market.Bid.MinTotal),
	}, nil
}

// Ticker 查询市场最新成交价（公共端点）。
func (c *Client) Ticker(ctx context.Context, market string) (float64, error) {
	payload, err := c.Request(ctx, http.MethodGet, EndpointTicker, map[string]string{"markets": market}, nil, false)
	if err != nil {
		return 0, err
	}
	var raw []map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return 0, errors.Wrap(err, "parse ticker payload")
	}
	if len(raw) == 0 {
		return 0, errors.Errorf("ticker: empty payload for %s", market)
	}
	return firstNumber(raw[0], []string{"trade_price", "price", "last"}), nil
}

// Candle 公共 K 线数据点。
type Candle struct {
	Market    string  `json:"market"`
	OpenTime  string  `json:"candle_date_time_utc"`
	Open      float64 `json:"opening_price"`
	High      float64 `json:"high_price"`
	Low       float64 `json:"low_price"`
	Close     float64 `json:"trade_price"`
	Volume    float64 `json:"candle_acc_trade_volume"`
}

// Candles 查询分钟 K 线（公共端点，策略协作方使用）。
func (c *Client) Candles(ctx context.Context, market string, unit, count int) ([]Candle, error) {
	path := EndpointCandles + "/" + strconv.Itoa(unit)
	payload, err := c.Request(ctx, http.MethodGet, path, map[string]string{
		"market": market,
		"count":  strconv.Itoa(count),
	}, nil, false)
	if err != nil {
		return nil, err
	}
	var out []Candle
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, errors.Wrap(err, "parse candles payload")
	}
	return out, nil
}

func parseOrderPayload(payload []byte) (NormalizedOrder, error) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		// 响应体无法解析：提交结果不明，交给对账
		return NormalizedOrder{State: domain.OrderStateUnknownSubmit}, nil
	}
	return NormalizeOrderPayload(raw), nil
}

func parseOrderListPayload(payload []byte) ([]NormalizedOrder, error) {
	var raws []map[string]any
	if err := json.Unmarshal(payload, &raws); err != nil {
		return nil, errors.Wrap(err, "parse order list payload")
	}
	out := make([]NormalizedOrder, 0, len(raws))
	for _, raw := range raws {
		out = append(out, NormalizeOrderPayload(raw))
	}
	return out, nil
}

func formatNumber(v float64) string {
	return decimal.NewFromFloat(v).String()
}

func decimalOrZero(s string) float64 {
	if s == "" {
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}
