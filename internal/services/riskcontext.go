package services

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/betbot/gotrader/internal/domain"
	"github.com/betbot/gotrader/internal/risk"
)

// buildRiskContext 组装一次风控评估所需的账户/市场快照。
//
// 余额优先取实时接口；失败时回退到最近一次持久化快照，两者都没有
// 才算失败。参考价与交易所最小金额都是 best-effort：拿不到就用保守
// 的回退值，不让行情接口故障直接堵死风控评估。
func (s *TradingService) buildRiskContext(ctx context.Context, intent domain.OrderIntent) (risk.Context, error) {
	doc := s.store.Snapshot()

	rc := risk.Context{
		KillSwitch: doc.Settings.KillSwitch,
	}
	for _, o := range doc.OpenOrders() {
		rc.OpenOrders++
		if o.Market == intent.Market {
			rc.OpenOrdersMarket++
		}
	}

	items, err := s.fetchBalances(ctx)
	if err != nil {
		return rc, err
	}

	quote, base := splitMarket(intent.Market)

	// 目标市场参考价：实时行情失败时退回持仓均价
	refPrice := 0.0
	if s.gateway != nil {
		if p, err := s.gateway.Ticker(ctx, intent.Market); err == nil && p > 0 {
			refPrice = p
		}
	}

	for _, item := range items {
		total := item.Available + item.Locked
		switch item.Currency {
		case quote:
			rc.AvailableCash = item.Available
		case base:
			price := refPrice
			if price <= 0 {
				price = item.AvgCost
			}
			rc.HoldingNotional = total * price
			rc.Exposure += total * price
		default:
			// 其他持仓按均价计入总敞口
			rc.Exposure += total * item.AvgCost
		}
	}

	// 基线只在属于今天时参与当日亏损判定；跨日的旧基线等调度器重置
	today := time.Now().Format("2006-01-02")
	if baseline := doc.Settings.DailyPnlBaseline; baseline > 0 && doc.Settings.DailyPnlBaselineDate == today {
		rc.DailyRealizedPnl = rc.AvailableCash + rc.Exposure - baseline
	}

	if s.gateway != nil {
		if mc, err := s.gateway.OrderChance(ctx, intent.Market); err == nil {
			rc.ExchangeMinNotional = mc.MinNotional
		}
	}
	return rc, nil
}

// fetchBalances 实时余额，失败回退到最近一次快照。
// 实时成功时顺手把快照写回 store，给下一次回退用。
func (s *TradingService) fetchBalances(ctx context.Context) ([]domain.BalanceItem, error) {
	if s.gateway != nil {
		items, err := s.gateway.Accounts(ctx)
		if err == nil {
			s.saveBalanceSnapshot("live", items)
			return items, nil
		}
		tradingLog.WithError(err).Warn("实时余额查询失败，回退到快照")
	}

	if snap := s.store.Snapshot().LatestBalanceSnapshot(); snap != nil {
		return snap.Items, nil
	}
	return nil, errors.New("no balance source available")
}

// saveBalanceSnapshot 持久化一份余额快照。失败只记录。
func (s *TradingService) saveBalanceSnapshot(source string, items []domain.BalanceItem) {
	err := s.store.Update(func(doc *domain.Document) error {
		doc.BalancesSnapshot = append(doc.BalancesSnapshot, domain.BalanceSnapshot{
			ID:         uuid.NewString(),
			Source:     source,
			CapturedAt: time.Now(),
			Items:      items,
		})
		return nil
	})
	if err != nil {
		tradingLog.WithError(err).Warn("余额快照写入失败")
	}
}

// splitMarket 市场代码 QUOTE-BASE（如 KRW-BTC）拆成计价货币与标的货币。
func splitMarket(market string) (quote, base string) {
	parts := strings.SplitN(market, "-", 2)
	if len(parts) != 2 {
		return market, ""
	}
	return parts[0], parts[1]
}
