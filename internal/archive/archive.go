package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/betbot/gotrader/internal/domain"
)

// Store 终态订单归档库（SQLite）。
//
// 工作集（JSON 文档）只保留活跃订单和近期终态订单；过了保留期的
// 终态订单连同事件搬进这里，供审计与统计查询。
type Store struct {
	db *sql.DB
}

// Open 打开（必要时创建）归档库。
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open archive db")
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`
CREATE TABLE IF NOT EXISTS archived_orders (
  id TEXT PRIMARY KEY,
  client_order_key TEXT NOT NULL,
  exchange_order_id TEXT,
  market TEXT NOT NULL,
  side TEXT NOT NULL,
  type TEXT NOT NULL,
  price REAL NOT NULL,
  quantity REAL NOT NULL,
  notional REAL NOT NULL,
  state TEXT NOT NULL,
  filled_quantity REAL NOT NULL,
  fee REAL NOT NULL,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  archived_at TEXT NOT NULL
);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_archived_orders_client_key ON archived_orders(client_order_key);`,
		`CREATE INDEX IF NOT EXISTS idx_archived_orders_market_time ON archived_orders(market, created_at DESC);`,
		`
CREATE TABLE IF NOT EXISTS archived_order_events (
  id TEXT PRIMARY KEY,
  order_id TEXT NOT NULL,
  event_type TEXT NOT NULL,
  payload_json TEXT,
  ts TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_archived_events_order ON archived_order_events(order_id, ts);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return errors.Wrap(err, "archive migrate")
		}
	}
	return nil
}

// ArchiveOrders 把一批终态订单及其事件写入归档库（单事务）。
// 重复归档（订单已存在）按 upsert 处理，重跑安全。
func (s *Store) ArchiveOrders(orders []*domain.Order, events []domain.OrderEvent) error {
	if len(orders) == 0 && len(events) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin archive tx")
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().Format(time.RFC3339Nano)
	for _, o := range orders {
		_, err := tx.ExecContext(ctx, `
INSERT INTO archived_orders
  (id, client_order_key, exchange_order_id, market, side, type, price, quantity,
   notional, state, filled_quantity, fee, created_at, updated_at, archived_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET state=excluded.state,
  filled_quantity=excluded.filled_quantity, fee=excluded.fee,
  updated_at=excluded.updated_at, archived_at=excluded.archived_at
`, o.ID, o.ClientOrderKey, nullable(o.ExchangeOrderID), o.Market, string(o.Side), string(o.Type),
			o.Price, o.Quantity, o.Notional, string(o.State), o.FilledQuantity, o.Fee,
			o.CreatedAt.Format(time.RFC3339Nano), o.UpdatedAt.Format(time.RFC3339Nano), now)
		if err != nil {
			return errors.Wrapf(err, "archive order %s", o.ID)
		}
	}

	for _, ev := range events {
		payload := ""
		if len(ev.Payload) > 0 {
			b, err := json.Marshal(ev.Payload)
			if err != nil {
				return errors.Wrapf(err, "marshal event payload %s", ev.ID)
			}
			payload = string(b)
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO archived_order_events (id, order_id, event_type, payload_json, ts)
VALUES (?,?,?,?,?)
ON CONFLICT(id) DO NOTHING
`, ev.ID, ev.OrderID, ev.EventType, nullable(payload), ev.Timestamp.Format(time.RFC3339Nano))
		if err != nil {
			return errors.Wrapf(err, "archive event %s", ev.ID)
		}
	}
	return errors.Wrap(tx.Commit(), "commit archive tx")
}

// ArchivedOrder 归档查询结果行。
type ArchivedOrder struct {
	ID              string
	ClientOrderKey  string
	ExchangeOrderID string
	Market          string
	State           string
	FilledQuantity  float64
	CreatedAt       time.Time
	ArchivedAt      time.Time
}

// RecentOrders 按归档时间倒序取最近 limit 条。
func (s *Store) RecentOrders(ctx context.Context, limit int) ([]ArchivedOrder, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, client_order_key, exchange_order_id, market, state, filled_quantity, created_at, archived_at
FROM archived_orders
ORDER BY archived_at DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ArchivedOrder
	for rows.Next() {
		var (
			o          ArchivedOrder
			exID       sql.NullString
			createdAt  string
			archivedAt string
		)
		if err := rows.Scan(&o.ID, &o.ClientOrderKey, &exID, &o.Market, &o.State, &o.FilledQuantity, &createdAt, &archivedAt); err != nil {
			return nil, err
		}
		if exID.Valid {
			o.ExchangeOrderID = exID.String
		}
		o.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		o.ArchivedAt, _ = time.Parse(time.RFC3339Nano, archivedAt)
		out = append(out, o)
	}
	return out, rows.Err()
}

// OrderByClientKey 按幂等键查一条归档订单（不存在返回 nil）。
func (s *Store) OrderByClientKey(ctx context.Context, key string) (*ArchivedOrder, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, client_order_key, exchange_order_id, market, state, filled_quantity, created_at, archived_at
FROM archived_orders
WHERE client_order_key=?
`, key)
	var (
		o          ArchivedOrder
		exID       sql.NullString
		createdAt  string
		archivedAt string
	)
	if err := row.Scan(&o.ID, &o.ClientOrderKey, &exID, &o.Market, &o.State, &o.FilledQuantity, &createdAt, &archivedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "scan archived order")
	}
	if exID.Valid {
		o.ExchangeOrderID = exID.String
	}
	o.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	o.ArchivedAt, _ = time.Parse(time.RFC3339Nano, archivedAt)
	return &o, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
