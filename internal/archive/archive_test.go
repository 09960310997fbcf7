package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/betbot/gotrader/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("打开归档库失败: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestArchiveOrders_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()
	orders := []*domain.Order{
		{
			ID:              "o-1",
			ClientOrderKey:  "k-1",
			ExchangeOrderID: "ex-1",
			Market:          "KRW-BTC",
			Side:            domain.SideBuy,
			Type:            domain.OrderTypeLimit,
			Price:           50000000,
			Quantity:        0.01,
			Notional:        500000,
			State:           domain.OrderStateFilled,
			FilledQuantity:  0.01,
			CreatedAt:       now.Add(-time.Hour),
			UpdatedAt:       now,
		},
	}
	events := []domain.OrderEvent{
		{ID: "e-1", OrderID: "o-1", EventType: domain.OrderEventSubmit,
			Payload: map[string]string{"state": "ACCEPTED"}, Timestamp: now.Add(-time.Hour)},
		{ID: "e-2", OrderID: "o-1", EventType: domain.OrderEventReconcile, Timestamp: now},
	}

	if err := s.ArchiveOrders(orders, events); err != nil {
		t.Fatalf("归档失败: %v", err)
	}

	got, err := s.OrderByClientKey(context.Background(), "k-1")
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if got == nil || got.ID != "o-1" || got.State != "FILLED" || got.ExchangeOrderID != "ex-1" {
		t.Fatalf("归档行有误: %+v", got)
	}

	recent, err := s.RecentOrders(context.Background(), 10)
	if err != nil || len(recent) != 1 {
		t.Fatalf("RecentOrders: %v %+v", err, recent)
	}
}

func TestArchiveOrders_RerunIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()
	orders := []*domain.Order{{
		ID: "o-2", ClientOrderKey: "k-2", Market: "KRW-ETH",
		Side: domain.SideSell, Type: domain.OrderTypeLimit,
		State: domain.OrderStateCanceled, CreatedAt: now, UpdatedAt: now,
	}}
	events := []domain.OrderEvent{{ID: "e-3", OrderID: "o-2", EventType: domain.OrderEventCancel, Timestamp: now}}

	if err := s.ArchiveOrders(orders, events); err != nil {
		t.Fatalf("第一次归档失败: %v", err)
	}
	if err := s.ArchiveOrders(orders, events); err != nil {
		t.Fatalf("重复归档应幂等: %v", err)
	}

	recent, err := s.RecentOrders(context.Background(), 10)
	if err != nil || len(recent) != 1 {
		t.Fatalf("重复归档不应产生重复行: %v %+v", err, recent)
	}
}

func TestOrderByClientKey_NotFound(t *testing.T) {
	s := openTestStore(t)
	got, err := s.OrderByClientKey(context.Background(), "missing")
	if err != nil || got != nil {
		t.Fatalf("不存在应返回 nil,nil: %v %+v", err, got)
	}
}
