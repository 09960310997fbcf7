package execution

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/betbot/gotrader/internal/domain"
	"github.com/betbot/gotrader/internal/exchange"
	"github.com/betbot/gotrader/internal/store"
)

type fakeGateway struct {
	placeCalls  int
	cancelCalls int
	placeFn     func(p exchange.PlaceOrderParams) (exchange.NormalizedOrder, error)
	cancelFn    func(exchangeID string) (exchange.NormalizedOrder, error)
}

func (g *fakeGateway) PlaceOrder(_ context.Context, p exchange.PlaceOrderParams) (exchange.NormalizedOrder, error) {
	g.placeCalls++
	return g.placeFn(p)
}

func (g *fakeGateway) CancelOrder(_ context.Context, exchangeID string) (exchange.NormalizedOrder, error) {
	g.cancelCalls++
	return g.cancelFn(exchangeID)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "state.json"), store.DefaultOptions())
	if err != nil {
		t.Fatalf("打开 store 失败: %v", err)
	}
	return s
}

func limitIntent(key string) domain.OrderIntent {
	return domain.OrderIntent{
		ClientOrderKey: key,
		Market:         "KRW-BTC",
		Side:           domain.SideBuy,
		Type:           domain.OrderTypeLimit,
		Price:          50000000,
		Quantity:       0.001,
	}
}

func TestSubmit_Success(t *testing.T) {
	s := newTestStore(t)
	gw := &fakeGateway{
		placeFn: func(p exchange.PlaceOrderParams) (exchange.NormalizedOrder, error) {
			if p.ClientOrderKey != "k-1" {
				t.Errorf("幂等键未随单下发: %q", p.ClientOrderKey)
			}
			return exchange.NormalizedOrder{
				ExchangeID: "ex-1",
				State:      domain.OrderStateAccepted,
				StateKnown: true,
			}, nil
		},
	}
	e := NewEngine(gw, s, false)

	order, err := e.Submit(context.Background(), limitIntent("k-1"))
	if err != nil {
		t.Fatalf("Submit 失败: %v", err)
	}
	if order.State != domain.OrderStateAccepted || order.ExchangeOrderID != "ex-1" {
		t.Fatalf("订单状态有误: %+v", order)
	}

	doc := s.Snapshot()
	if got := doc.OrderByClientKey("k-1"); got == nil || got.ID != order.ID {
		t.Fatalf("订单未入账")
	}
	if len(doc.OrderEvents) != 1 || doc.OrderEvents[0].EventType != domain.OrderEventSubmit {
		t.Fatalf("缺少 SUBMIT 事件: %+v", doc.OrderEvents)
	}
}

func TestSubmit_AmbiguousPersistsUnknownSubmit(t *testing.T) {
	s := newTestStore(t)
	gw := &fakeGateway{
		placeFn: func(exchange.PlaceOrderParams) (exchange.NormalizedOrder, error) {
			// 重试耗尽后的传输层错误
			return exchange.NormalizedOrder{}, &exchange.APIError{Status: 0, Message: "connection reset", Retryable: true}
		},
	}
	e := NewEngine(gw, s, false)

	order, err := e.Submit(context.Background(), limitIntent("k-amb"))
	if err == nil {
		t.Fatalf("应返回可重试错误")
	}
	if order == nil || order.State != domain.OrderStateUnknownSubmit {
		t.Fatalf("歧义结果必须入账为 UNKNOWN_SUBMIT: %+v", order)
	}

	persisted := s.Snapshot().OrderByClientKey("k-amb")
	if persisted == nil || persisted.State != domain.OrderStateUnknownSubmit {
		t.Fatalf("UNKNOWN_SUBMIT 未持久化: %+v", persisted)
	}
	if !persisted.NeedsReconcile() {
		t.Fatalf("UNKNOWN_SUBMIT 订单应标记待对账")
	}
}

func TestSubmit_FatalPersistsRejected(t *testing.T) {
	s := newTestStore(t)
	gw := &fakeGateway{
		placeFn: func(exchange.PlaceOrderParams) (exchange.NormalizedOrder, error) {
			return exchange.NormalizedOrder{}, &exchange.APIError{Status: 401, Code: "invalid_access_key", Retryable: false}
		},
	}
	e := NewEngine(gw, s, false)

	order, err := e.Submit(context.Background(), limitIntent("k-fatal"))
	if err == nil {
		t.Fatalf("应返回错误")
	}
	if order.State != domain.OrderStateRejected {
		t.Fatalf("确定性拒绝应入账为 REJECTED: %s", order.State)
	}
}

func TestSubmit_DuplicateClientKey(t *testing.T) {
	s := newTestStore(t)
	gw := &fakeGateway{
		placeFn: func(exchange.PlaceOrderParams) (exchange.NormalizedOrder, error) {
			return exchange.NormalizedOrder{ExchangeID: "ex-1", State: domain.OrderStateAccepted, StateKnown: true}, nil
		},
	}
	e := NewEngine(gw, s, false)

	if _, err := e.Submit(context.Background(), limitIntent("k-dup")); err != nil {
		t.Fatalf("首次提交应成功: %v", err)
	}
	_, err := e.Submit(context.Background(), limitIntent("k-dup"))
	if !errors.Is(err, ErrDuplicateClientKey) {
		t.Fatalf("期望 ErrDuplicateClientKey, got %v", err)
	}
}

func TestSubmit_DryRunSkipsExchange(t *testing.T) {
	s := newTestStore(t)
	gw := &fakeGateway{
		placeFn: func(exchange.PlaceOrderParams) (exchange.NormalizedOrder, error) {
			t.Fatalf("dry-run 不应触达交易所")
			return exchange.NormalizedOrder{}, nil
		},
	}
	e := NewEngine(gw, s, true)

	order, err := e.Submit(context.Background(), limitIntent("k-dry"))
	if err != nil {
		t.Fatalf("Submit 失败: %v", err)
	}
	if order.State != domain.OrderStateAccepted || order.ExchangeOrderID == "" {
		t.Fatalf("dry-run 订单有误: %+v", order)
	}
	if gw.placeCalls != 0 {
		t.Fatalf("不应有交易所调用")
	}
}

func TestSubmit_InvalidIntent(t *testing.T) {
	e := NewEngine(&fakeGateway{}, newTestStore(t), false)
	_, err := e.Submit(context.Background(), domain.OrderIntent{})
	if err == nil {
		t.Fatalf("非法意图应立即报错")
	}
}

func TestCancel_Flow(t *testing.T) {
	s := newTestStore(t)
	gw := &fakeGateway{
		placeFn: func(exchange.PlaceOrderParams) (exchange.NormalizedOrder, error) {
			return exchange.NormalizedOrder{ExchangeID: "ex-c", State: domain.OrderStateAccepted, StateKnown: true}, nil
		},
		cancelFn: func(exchangeID string) (exchange.NormalizedOrder, error) {
			if exchangeID != "ex-c" {
				t.Errorf("撤单 ID 有误: %q", exchangeID)
			}
			return exchange.NormalizedOrder{ExchangeID: "ex-c", State: domain.OrderStateCanceled, StateKnown: true}, nil
		},
	}
	e := NewEngine(gw, s, false)

	order, err := e.Submit(context.Background(), limitIntent("k-c"))
	if err != nil {
		t.Fatalf("Submit 失败: %v", err)
	}

	updated, err := e.Cancel(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("Cancel 失败: %v", err)
	}
	if updated.State != domain.OrderStateCanceled {
		t.Fatalf("撤单后状态 = %s", updated.State)
	}

	// 终态订单再次撤单是幂等 no-op
	again, err := e.Cancel(context.Background(), order.ID)
	if err != nil || again.State != domain.OrderStateCanceled {
		t.Fatalf("终态撤单应为 no-op: %v %+v", err, again)
	}
	if gw.cancelCalls != 1 {
		t.Fatalf("终态订单不应再触达交易所，cancelCalls=%d", gw.cancelCalls)
	}

	doc := s.Snapshot()
	var cancelEvents int
	for _, ev := range doc.OrderEvents {
		if ev.EventType == domain.OrderEventCancel {
			cancelEvents++
		}
	}
	if cancelEvents != 1 {
		t.Fatalf("CANCEL 事件数 = %d", cancelEvents)
	}
}

func TestInFlightDeduper(t *testing.T) {
	d := NewInFlightDeduper(80*time.Millisecond, 8)

	if err := d.TryAcquire("k"); err != nil {
		t.Fatalf("首次获取应成功: %v", err)
	}
	if err := d.TryAcquire("k"); err != ErrDuplicateInFlight {
		t.Fatalf("重复获取应拒绝: %v", err)
	}
	if err := d.TryAcquire("other"); err != nil {
		t.Fatalf("不同 key 不应互相影响: %v", err)
	}

	d.Release("k")
	if err := d.TryAcquire("k"); err != nil {
		t.Fatalf("释放后应可再次获取: %v", err)
	}

	time.Sleep(120 * time.Millisecond)
	if err := d.TryAcquire("k"); err != nil {
		t.Fatalf("TTL 过期后应可再次获取: %v", err)
	}
}
