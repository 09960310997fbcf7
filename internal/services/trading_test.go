package services

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/betbot/gotrader/internal/domain"
	"github.com/betbot/gotrader/internal/exchange"
	"github.com/betbot/gotrader/internal/reconcile"
	"github.com/betbot/gotrader/internal/risk"
	"github.com/betbot/gotrader/internal/store"
)

type fakeEngine struct {
	store       *store.Store
	submitCalls int
	cancelCalls int
	submitErr   error
	cancelErr   error
}

func (e *fakeEngine) Submit(_ context.Context, intent domain.OrderIntent) (*domain.Order, error) {
	e.submitCalls++
	order := &domain.Order{
		ID:             "o-" + intent.ClientOrderKey,
		ClientOrderKey: intent.ClientOrderKey,
		Market:         intent.Market,
		Side:           intent.Side,
		Type:           intent.Type,
		State:          domain.OrderStateAccepted,
		CreatedAt:      time.Now(),
	}
	if e.submitErr != nil {
		order.State = domain.OrderStateUnknownSubmit
	}
	_ = e.store.Update(func(doc *domain.Document) error {
		doc.Orders = append(doc.Orders, order)
		return nil
	})
	return order, e.submitErr
}

func (e *fakeEngine) Cancel(_ context.Context, orderID string) (*domain.Order, error) {
	e.cancelCalls++
	if e.cancelErr != nil {
		return nil, e.cancelErr
	}
	var out *domain.Order
	_ = e.store.Update(func(doc *domain.Document) error {
		if o := doc.OrderByID(orderID); o != nil {
			o.State = domain.OrderStateCanceled
			out = o
		}
		return nil
	})
	return out, nil
}

type fakeReconciler struct {
	calls   int
	summary reconcile.Summary
	// resolve 每次对账时执行（模拟对账把订单治愈）
	resolve func()
}

func (r *fakeReconciler) Reconcile(context.Context) (reconcile.Summary, error) {
	r.calls++
	if r.resolve != nil {
		r.resolve()
	}
	return r.summary, nil
}

type fakeAccounts struct {
	items []domain.BalanceItem
	err   error
	price float64
}

func (a *fakeAccounts) Accounts(context.Context) ([]domain.BalanceItem, error) {
	return a.items, a.err
}

func (a *fakeAccounts) OrderChance(context.Context, string) (exchange.MarketConstraints, error) {
	return exchange.MarketConstraints{MinNotional: 5000}, nil
}

func (a *fakeAccounts) Ticker(context.Context, string) (float64, error) {
	return a.price, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "state.json"), store.DefaultOptions())
	if err != nil {
		t.Fatalf("打开 store 失败: %v", err)
	}
	return s
}

func richAccounts() *fakeAccounts {
	return &fakeAccounts{
		items: []domain.BalanceItem{
			{Currency: "KRW", Available: 1000000},
			{Currency: "BTC", Available: 0.01, AvgCost: 50000000},
		},
		price: 50000000,
	}
}

func newService(t *testing.T, s *store.Store, engine OrderSubmitter, rec Reconciler, acct AccountGateway) *TradingService {
	t.Helper()
	return NewTradingService(s, engine, rec, acct,
		risk.Limits{MaxOpenOrders: 10},
		risk.BreakerConfig{FailureThreshold: 3, Window: time.Minute},
		RecoveryPolicy{MaxAttempts: 2, Wait: time.Millisecond},
	)
}

func testIntent(key string) domain.OrderIntent {
	return domain.OrderIntent{
		ClientOrderKey: key,
		Market:         "KRW-BTC",
		Side:           domain.SideBuy,
		Type:           domain.OrderTypeLimit,
		Price:          50000000,
		Quantity:       0.001,
	}
}

func TestPlaceOrder_HappyPath(t *testing.T) {
	s := newTestStore(t)
	engine := &fakeEngine{store: s}
	svc := newService(t, s, engine, &fakeReconciler{}, richAccounts())

	r := svc.PlaceOrder(context.Background(), testIntent("k-1"))
	if !r.OK || r.Code != CodeOK {
		t.Fatalf("应成功: %+v", r)
	}
	if engine.submitCalls != 1 {
		t.Fatalf("submitCalls = %d", engine.submitCalls)
	}
}

func TestPlaceOrder_IdempotentNoSecondSubmit(t *testing.T) {
	s := newTestStore(t)
	engine := &fakeEngine{store: s}
	svc := newService(t, s, engine, &fakeReconciler{}, richAccounts())

	first := svc.PlaceOrder(context.Background(), testIntent("k-dup"))
	if !first.OK {
		t.Fatalf("首次下单失败: %+v", first)
	}
	second := svc.PlaceOrder(context.Background(), testIntent("k-dup"))
	if !second.OK {
		t.Fatalf("重复提交应返回既有订单: %+v", second)
	}
	if engine.submitCalls != 1 {
		t.Fatalf("同一幂等键不得二次触达交易所: submitCalls=%d", engine.submitCalls)
	}
	got := second.Data.(*domain.Order)
	if got.ClientOrderKey != "k-dup" {
		t.Fatalf("返回的不是既有订单: %+v", got)
	}
}

func TestPlaceOrder_UnknownSubmitRecovery(t *testing.T) {
	s := newTestStore(t)
	engine := &fakeEngine{store: s}

	// 预置一笔结果不明的订单
	_ = s.Update(func(doc *domain.Document) error {
		doc.Orders = append(doc.Orders, &domain.Order{
			ID:             "o-unk",
			ClientOrderKey: "k-unk",
			Market:         "KRW-BTC",
			State:          domain.OrderStateUnknownSubmit,
			CreatedAt:      time.Now(),
		})
		return nil
	})

	rec := &fakeReconciler{}
	rec.resolve = func() {
		// 第二次对账才治愈
		if rec.calls < 2 {
			return
		}
		_ = s.Update(func(doc *domain.Document) error {
			if o := doc.OrderByID("o-unk"); o != nil {
				o.State = domain.OrderStateFilled
			}
			return nil
		})
	}
	svc := newService(t, s, engine, rec, richAccounts())

	r := svc.PlaceOrder(context.Background(), testIntent("k-unk"))
	if !r.OK {
		t.Fatalf("恢复成功应返回既有订单: %+v", r)
	}
	if got := r.Data.(*domain.Order); got.State != domain.OrderStateFilled {
		t.Fatalf("state = %s", got.State)
	}
	if engine.submitCalls != 0 {
		t.Fatalf("UNKNOWN_SUBMIT 恢复期间不得再次下单")
	}
	if rec.calls != 2 {
		t.Fatalf("reconcile 调用次数 = %d", rec.calls)
	}
}

func TestPlaceOrder_RecoveryExhausted(t *testing.T) {
	s := newTestStore(t)
	_ = s.Update(func(doc *domain.Document) error {
		doc.Orders = append(doc.Orders, &domain.Order{
			ID:             "o-stuck",
			ClientOrderKey: "k-stuck",
			State:          domain.OrderStateUnknownSubmit,
			CreatedAt:      time.Now(),
		})
		return nil
	})

	engine := &fakeEngine{store: s}
	rec := &fakeReconciler{summary: reconcile.Summary{Scanned: 1, Unresolved: 1}}
	svc := newService(t, s, engine, rec, richAccounts())

	r := svc.PlaceOrder(context.Background(), testIntent("k-stuck"))
	if r.OK || r.Code != CodeRetryable {
		t.Fatalf("恢复封顶应返回可重试错误: %+v", r)
	}
	if engine.submitCalls != 0 {
		t.Fatalf("不得在结果不明时再次下单")
	}
	if rec.calls != 2 {
		t.Fatalf("恢复尝试次数 = %d，期望封顶 2", rec.calls)
	}
}

func TestPlaceOrder_RiskRejected(t *testing.T) {
	s := newTestStore(t)
	engine := &fakeEngine{store: s}
	acct := &fakeAccounts{
		items: []domain.BalanceItem{{Currency: "KRW", Available: 5000}},
		price: 50000000,
	}
	svc := newService(t, s, engine, &fakeReconciler{}, acct)

	intent := domain.OrderIntent{
		ClientOrderKey: "k-risk",
		Market:         "KRW-BTC",
		Side:           domain.SideBuy,
		Type:           domain.OrderTypeMarket,
		Notional:       10000,
	}
	r := svc.PlaceOrder(context.Background(), intent)
	if r.OK || r.Code != CodeRiskRejected {
		t.Fatalf("应被风控拒绝: %+v", r)
	}
	decision := r.Data.(risk.Decision)
	found := false
	for _, reason := range decision.Reasons {
		if reason == risk.ReasonInsufficientCash {
			found = true
		}
	}
	if !found {
		t.Fatalf("理由应包含 INSUFFICIENT_CASH: %v", decision.Reasons)
	}
	if engine.submitCalls != 0 {
		t.Fatalf("风控拒绝不得触达交易所")
	}

	// 拒单事件已记录
	var rejected int
	for _, ev := range s.Snapshot().RiskEvents {
		if ev.Kind == domain.RiskEventRejected {
			rejected++
		}
	}
	if rejected != 1 {
		t.Fatalf("拒单事件数 = %d", rejected)
	}
}

func TestPlaceOrder_BalanceFallbackToSnapshot(t *testing.T) {
	s := newTestStore(t)
	_ = s.Update(func(doc *domain.Document) error {
		doc.BalancesSnapshot = append(doc.BalancesSnapshot, domain.BalanceSnapshot{
			ID:         "snap-1",
			Source:     "live",
			CapturedAt: time.Now().Add(-time.Minute),
			Items:      []domain.BalanceItem{{Currency: "KRW", Available: 1000000}},
		})
		return nil
	})

	engine := &fakeEngine{store: s}
	acct := &fakeAccounts{err: &exchange.APIError{Status: 500, Retryable: true}, price: 50000000}
	svc := newService(t, s, engine, &fakeReconciler{}, acct)

	r := svc.PlaceOrder(context.Background(), testIntent("k-fb"))
	if !r.OK {
		t.Fatalf("快照回退后应放行: %+v", r)
	}
}

func TestCircuitBreakerAutoKillSwitch(t *testing.T) {
	s := newTestStore(t)
	engine := &fakeEngine{
		store:     s,
		submitErr: &exchange.APIError{Status: 503, Retryable: true},
	}
	svc := newService(t, s, engine, &fakeReconciler{}, richAccounts())

	for i := 0; i < 3; i++ {
		r := svc.PlaceOrder(context.Background(), testIntent("k-cb-"+string(rune('a'+i))))
		if r.OK || r.Code != CodeRetryable {
			t.Fatalf("第 %d 次应为可重试失败: %+v", i, r)
		}
	}

	doc := s.Snapshot()
	if !doc.Settings.KillSwitch {
		t.Fatalf("窗口内 3 次可重试失败应自动拉闸")
	}
	var breakerEvents int
	for _, ev := range doc.RiskEvents {
		if ev.Kind == domain.RiskEventCircuitBreaker {
			breakerEvents++
		}
	}
	if breakerEvents != 1 {
		t.Fatalf("熔断事件数 = %d", breakerEvents)
	}

	// 拉闸后新单被 KILL_SWITCH 拒绝
	r := svc.PlaceOrder(context.Background(), testIntent("k-after"))
	if r.Code != CodeRiskRejected {
		t.Fatalf("拉闸后应被风控拒绝: %+v", r)
	}
}

func TestSetKillSwitch_CancelsOpenOrders(t *testing.T) {
	s := newTestStore(t)
	engine := &fakeEngine{store: s}
	_ = s.Update(func(doc *domain.Document) error {
		doc.Orders = append(doc.Orders,
			&domain.Order{ID: "o-1", ClientOrderKey: "k1", ExchangeOrderID: "ex-1", State: domain.OrderStateAccepted},
			&domain.Order{ID: "o-2", ClientOrderKey: "k2", ExchangeOrderID: "ex-2", State: domain.OrderStatePartial},
			&domain.Order{ID: "o-3", ClientOrderKey: "k3", State: domain.OrderStateFilled},          // 终态不撤
			&domain.Order{ID: "o-4", ClientOrderKey: "k4", State: domain.OrderStateUnknownSubmit}, // 无交易所 ID 不撤
		)
		return nil
	})
	svc := newService(t, s, engine, &fakeReconciler{}, richAccounts())

	r := svc.SetKillSwitch(context.Background(), true, "manual halt")
	if !r.OK {
		t.Fatalf("拉闸失败: %+v", r)
	}
	if engine.cancelCalls != 2 {
		t.Fatalf("应只撤 2 笔活跃且有交易所 ID 的订单: %d", engine.cancelCalls)
	}

	doc := s.Snapshot()
	if !doc.Settings.KillSwitch || doc.Settings.KillSwitchReason != "manual halt" {
		t.Fatalf("settings 有误: %+v", doc.Settings)
	}
}

func TestSetKillSwitch_CancelFailureDoesNotBlock(t *testing.T) {
	s := newTestStore(t)
	engine := &fakeEngine{
		store:     s,
		cancelErr: &exchange.APIError{Status: 503, Retryable: true},
	}
	_ = s.Update(func(doc *domain.Document) error {
		doc.Orders = append(doc.Orders,
			&domain.Order{ID: "o-1", ClientOrderKey: "k1", ExchangeOrderID: "ex-1", State: domain.OrderStateAccepted})
		return nil
	})
	svc := newService(t, s, engine, &fakeReconciler{}, richAccounts())

	r := svc.SetKillSwitch(context.Background(), true, "halt")
	if !r.OK {
		t.Fatalf("单笔撤单失败不得阻断拉闸: %+v", r)
	}
	if !s.Snapshot().Settings.KillSwitch {
		t.Fatalf("kill switch 未生效")
	}
	counts := r.Data.(map[string]int)
	if counts["failed"] != 1 {
		t.Fatalf("失败计数 = %+v", counts)
	}
}

func TestPlaceOrder_StaleBaselineDoesNotTripDailyLoss(t *testing.T) {
	s := newTestStore(t)
	// 昨日的巨额基线：若被计入当日亏损，这单必被 DAILY_LOSS_LIMIT 拒掉
	_ = s.Update(func(doc *domain.Document) error {
		doc.Settings.DailyPnlBaseline = 99000000
		doc.Settings.DailyPnlBaselineDate = time.Now().Add(-24 * time.Hour).Format("2006-01-02")
		return nil
	})

	engine := &fakeEngine{store: s}
	svc := NewTradingService(s, engine, &fakeReconciler{}, richAccounts(),
		risk.Limits{MaxOpenOrders: 10, DailyLossLimit: 100000},
		risk.BreakerConfig{FailureThreshold: 3, Window: time.Minute},
		RecoveryPolicy{MaxAttempts: 2, Wait: time.Millisecond},
	)

	r := svc.PlaceOrder(context.Background(), testIntent("k-stale"))
	if !r.OK {
		t.Fatalf("过期基线不得参与当日亏损判定: %+v", r)
	}
}

func TestPlaceOrder_SeesOtherProcessOrders(t *testing.T) {
	s := newTestStore(t)

	// 共享同一文件的另一个进程先把订单入账
	other, err := store.Open(s.Path(), store.DefaultOptions())
	if err != nil {
		t.Fatalf("打开第二把 store 句柄失败: %v", err)
	}
	_ = other.Update(func(doc *domain.Document) error {
		doc.Orders = append(doc.Orders, &domain.Order{
			ID:             "o-x",
			ClientOrderKey: "k-x",
			Market:         "KRW-BTC",
			State:          domain.OrderStateAccepted,
			CreatedAt:      time.Now(),
		})
		return nil
	})

	engine := &fakeEngine{store: s}
	svc := newService(t, s, engine, &fakeReconciler{}, richAccounts())

	r := svc.PlaceOrder(context.Background(), testIntent("k-x"))
	if !r.OK {
		t.Fatalf("应返回另一进程已入账的订单: %+v", r)
	}
	if engine.submitCalls != 0 {
		t.Fatalf("另一进程已入账的幂等键不得再次触达交易所: %d", engine.submitCalls)
	}
	if got := r.Data.(*domain.Order); got.ID != "o-x" {
		t.Fatalf("返回的不是既有订单: %+v", got)
	}
}

func TestOverrideOrder(t *testing.T) {
	s := newTestStore(t)
	_ = s.Update(func(doc *domain.Document) error {
		doc.Orders = append(doc.Orders, &domain.Order{
			ID:             "o-ovr",
			ClientOrderKey: "k-ovr",
			Market:         "KRW-BTC",
			State:          domain.OrderStateUnknownSubmit,
			CreatedAt:      time.Now(),
		})
		return nil
	})
	svc := newService(t, s, &fakeEngine{store: s}, &fakeReconciler{}, richAccounts())

	r := svc.OverrideOrder(context.Background(), "o-ovr", OverrideRequest{
		State:           domain.OrderStateCanceled,
		ExchangeOrderID: "ex-ovr",
		Reason:          "人工确认交易所侧已撤单",
	})
	if !r.OK {
		t.Fatalf("覆写失败: %+v", r)
	}

	doc := s.Snapshot()
	o := doc.OrderByID("o-ovr")
	if o.State != domain.OrderStateCanceled || o.ExchangeOrderID != "ex-ovr" {
		t.Fatalf("覆写未生效: %+v", o)
	}
	var overrides int
	for _, ev := range doc.OrderEvents {
		if ev.OrderID == "o-ovr" && ev.EventType == domain.OrderEventOverride {
			overrides++
			if ev.Payload["prevState"] != "UNKNOWN_SUBMIT" || ev.Payload["nextState"] != "CANCELED" {
				t.Fatalf("覆写事件有误: %+v", ev)
			}
		}
	}
	if overrides != 1 {
		t.Fatalf("MANUAL_OVERRIDE 事件数 = %d", overrides)
	}
}

func TestOverrideOrder_RejectsIllegal(t *testing.T) {
	s := newTestStore(t)
	_ = s.Update(func(doc *domain.Document) error {
		doc.Orders = append(doc.Orders, &domain.Order{
			ID:             "o-done",
			ClientOrderKey: "k-done",
			State:          domain.OrderStateFilled,
			CreatedAt:      time.Now(),
		})
		return nil
	})
	svc := newService(t, s, &fakeEngine{store: s}, &fakeReconciler{}, richAccounts())

	// 终态不可覆写
	r := svc.OverrideOrder(context.Background(), "o-done", OverrideRequest{
		State:  domain.OrderStateAccepted,
		Reason: "试图复活终态订单",
	})
	if r.OK || r.Code != CodeInvalidArgument {
		t.Fatalf("非法转移应拒绝: %+v", r)
	}
	if got := s.Snapshot().OrderByID("o-done"); got.State != domain.OrderStateFilled {
		t.Fatalf("被拒的覆写不得改动订单: %+v", got)
	}
	if events := len(s.Snapshot().OrderEvents); events != 0 {
		t.Fatalf("被拒的覆写不得留下事件: %d", events)
	}

	// 缺少理由
	r = svc.OverrideOrder(context.Background(), "o-done", OverrideRequest{State: domain.OrderStateCanceled})
	if r.OK || r.Code != CodeInvalidArgument {
		t.Fatalf("缺少理由应拒绝: %+v", r)
	}
}

func TestPlaceOrder_InvalidArgument(t *testing.T) {
	s := newTestStore(t)
	svc := newService(t, s, &fakeEngine{store: s}, &fakeReconciler{}, richAccounts())
	r := svc.PlaceOrder(context.Background(), domain.OrderIntent{})
	if r.OK || r.Code != CodeInvalidArgument {
		t.Fatalf("应为 INVALID_ARGUMENT: %+v", r)
	}
}
