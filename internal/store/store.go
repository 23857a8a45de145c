// Package store is the durable audit trail for signals, order legs,
// fills, and equity snapshots (spec §6's "persisted layout": `signals`,
// `orders`, `fills`, `equity_snapshots` tables). Grounded on
// internal/candles.Cache's SQLite-via-mattn/go-sqlite3 shape, sharing
// its migration-on-Open idiom; kept as a separate file (and,
// optionally, a separate *sql.DB) from the candle cache since the two
// stores have independent lifecycles — candles are fetched well ahead
// of any signal, while this store is written only as the live router
// runs.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/atlas-desktop/perpbot/internal/risk"
	"github.com/atlas-desktop/perpbot/pkg/types"
)

// Store is the signals/orders/fills/equity audit log.
type Store struct {
	db *sql.DB
}

// Open creates/migrates the SQLite database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS signals (
	alertId TEXT PRIMARY KEY,
	source TEXT NOT NULL,
	coin TEXT NOT NULL,
	side TEXT NOT NULL,
	entryPrice REAL,
	stopLoss REAL NOT NULL,
	takeProfits TEXT NOT NULL,
	riskCheckPassed INTEGER NOT NULL,
	riskCheckReason TEXT,
	createdAt INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS orders (
	signalId TEXT NOT NULL,
	hlOrderId TEXT,
	coin TEXT NOT NULL,
	side TEXT NOT NULL,
	size REAL NOT NULL,
	price REAL,
	orderType TEXT NOT NULL,
	tag TEXT NOT NULL,
	status TEXT NOT NULL,
	mode TEXT NOT NULL,
	filledAt INTEGER
);
CREATE TABLE IF NOT EXISTS fills (
	hlOrderId TEXT NOT NULL,
	fillId TEXT NOT NULL,
	price REAL NOT NULL,
	size REAL NOT NULL,
	fee REAL NOT NULL,
	timestamp INTEGER NOT NULL,
	PRIMARY KEY (hlOrderId, fillId)
);
CREATE TABLE IF NOT EXISTS equity_snapshots (
	timestamp INTEGER PRIMARY KEY,
	equity REAL NOT NULL,
	cash REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_signal ON orders(signalId);
CREATE INDEX IF NOT EXISTS idx_orders_hlorder ON orders(hlOrderId);
`)
	return err
}

func (s *Store) Close() error { return s.db.Close() }

// SaveSignal persists a StoredSignal row (wrapped as SignalLog.Save
// for internal/api.SignalLog — Store itself can't be named Save twice,
// since OrderStore.Save takes a different type). Rows are never
// updated: every admit/reject decision is its own immutable audit
// entry, per spec §4.12.
func (s *Store) SaveSignal(sig types.StoredSignal) {
	tps, _ := json.Marshal(sig.TakeProfits)
	_, err := s.db.Exec(`
INSERT INTO signals (alertId, source, coin, side, entryPrice, stopLoss, takeProfits, riskCheckPassed, riskCheckReason, createdAt)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(alertId) DO NOTHING`,
		sig.AlertID, sig.Source, sig.Coin, sig.Side, sig.EntryPrice, sig.StopLoss, string(tps),
		boolToInt(sig.RiskCheckPassed), sig.RiskCheckReason, sig.CreatedAt.UnixMilli())
	if err != nil {
		// Best-effort audit log: a persistence failure must not unwind
		// the signal-handling path that already ran.
		return
	}
}

// RecentSignals returns the most recently created signals, newest
// first (wrapped as SignalLog.Recent).
func (s *Store) RecentSignals(limit int) []types.StoredSignal {
	rows, err := s.db.Query(`
SELECT alertId, source, coin, side, entryPrice, stopLoss, takeProfits, riskCheckPassed, riskCheckReason, createdAt
FROM signals ORDER BY createdAt DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var out []types.StoredSignal
	for rows.Next() {
		var sig types.StoredSignal
		var tps string
		var createdAt int64
		var riskPassed int
		var entryPrice sql.NullFloat64
		var reason sql.NullString
		if err := rows.Scan(&sig.AlertID, &sig.Source, &sig.Coin, &sig.Side, &entryPrice, &sig.StopLoss, &tps, &riskPassed, &reason, &createdAt); err != nil {
			continue
		}
		if entryPrice.Valid {
			v := entryPrice.Float64
			sig.EntryPrice = &v
		}
		sig.RiskCheckReason = reason.String
		sig.RiskCheckPassed = riskPassed != 0
		sig.CreatedAt = time.UnixMilli(createdAt)
		_ = json.Unmarshal([]byte(tps), &sig.TakeProfits)
		out = append(out, sig)
	}
	return out
}

// SaveOrder persists one order leg.
func (s *Store) SaveOrder(o types.Order) {
	var filledAt sql.NullInt64
	if o.FilledAt != nil {
		filledAt = sql.NullInt64{Int64: o.FilledAt.UnixMilli(), Valid: true}
	}
	_, _ = s.db.Exec(`
INSERT INTO orders (signalId, hlOrderId, coin, side, size, price, orderType, tag, status, mode, filledAt)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.SignalID, o.HLOrderID, o.Coin, o.Side, o.Size, o.Price, o.OrderType, o.Tag, o.Status, o.Mode, filledAt)
}

// UpdateStatus updates the status of every order row for hlOrderID,
// satisfying internal/exchange.OrderStore.
func (s *Store) UpdateStatus(hlOrderID string, status types.OrderStatus) {
	_, _ = s.db.Exec(`UPDATE orders SET status = ? WHERE hlOrderId = ?`, status, hlOrderID)
}

// SaveFill persists a dedup-keyed fill row, satisfying
// internal/exchange.OrderStore. A duplicate (hlOrderId, fillId) is
// silently ignored — the stream's own dedup store already prevents a
// second handleFill call, this is a second line of defense at the
// storage layer.
func (s *Store) SaveFill(f types.Fill) {
	_, _ = s.db.Exec(`
INSERT INTO fills (hlOrderId, fillId, price, size, fee, timestamp) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(hlOrderId, fillId) DO NOTHING`,
		f.HLOrderID, f.FillID, f.Price, f.Size, f.Fee, f.Timestamp.UnixMilli())
}

// CoinForOrder returns the coin a previously-saved hlOrderID traded,
// ok=false if no such order is known. Used to recover the coin a
// resting open-order cancel request omits.
func (s *Store) CoinForOrder(hlOrderID string) (string, bool) {
	row := s.db.QueryRow(`SELECT coin FROM orders WHERE hlOrderId = ? LIMIT 1`, hlOrderID)
	var coin string
	if err := row.Scan(&coin); err != nil {
		return "", false
	}
	return coin, true
}

// Open returns open (non-terminal) orders, satisfying
// internal/api.OrdersView.
func (s *Store) Open() []types.Order {
	return s.queryOrders(`WHERE status NOT IN ('filled', 'cancelled', 'rejected')`)
}

// All returns every order row, satisfying internal/api.OrdersView.
func (s *Store) All() []types.Order {
	return s.queryOrders("")
}

func (s *Store) queryOrders(where string) []types.Order {
	rows, err := s.db.Query(fmt.Sprintf(`
SELECT signalId, hlOrderId, coin, side, size, price, orderType, tag, status, mode, filledAt
FROM orders %s ORDER BY rowid DESC`, where))
	if err != nil {
		return nil
	}
	defer rows.Close()

	var out []types.Order
	for rows.Next() {
		var o types.Order
		var hlOrderID, price, filledAt sql.NullString
		var priceF sql.NullFloat64
		var filledAtMs sql.NullInt64
		if err := rows.Scan(&o.SignalID, &hlOrderID, &o.Coin, &o.Side, &o.Size, &priceF, &o.OrderType, &o.Tag, &o.Status, &o.Mode, &filledAtMs); err != nil {
			continue
		}
		o.HLOrderID = hlOrderID.String
		if priceF.Valid {
			v := priceF.Float64
			o.Price = &v
		}
		if filledAtMs.Valid {
			t := time.UnixMilli(filledAtMs.Int64)
			o.FilledAt = &t
		}
		_ = price
		_ = filledAt
		out = append(out, o)
	}
	return out
}

// SaveEquity records an account equity snapshot.
func (s *Store) SaveEquity(snap types.EquitySnapshot) {
	_, _ = s.db.Exec(`
INSERT INTO equity_snapshots (timestamp, equity, cash) VALUES (?, ?, ?)
ON CONFLICT(timestamp) DO UPDATE SET equity = excluded.equity, cash = excluded.cash`,
		snap.Timestamp.UnixMilli(), snap.Equity, snap.Cash)
}

// Latest returns the most recent equity snapshot, satisfying
// internal/api.EquityView.
func (s *Store) Latest() *types.EquitySnapshot {
	row := s.db.QueryRow(`SELECT timestamp, equity, cash FROM equity_snapshots ORDER BY timestamp DESC LIMIT 1`)
	var ts int64
	var snap types.EquitySnapshot
	if err := row.Scan(&ts, &snap.Equity, &snap.Cash); err != nil {
		return nil
	}
	snap.Timestamp = time.UnixMilli(ts)
	return &snap
}

// Series returns the most recent equity snapshots oldest-first,
// satisfying internal/api.EquityView.
func (s *Store) Series(limit int) []types.EquitySnapshot {
	rows, err := s.db.Query(`SELECT timestamp, equity, cash FROM equity_snapshots ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var out []types.EquitySnapshot
	for rows.Next() {
		var ts int64
		var snap types.EquitySnapshot
		if err := rows.Scan(&ts, &snap.Equity, &snap.Cash); err != nil {
			continue
		}
		snap.Timestamp = time.UnixMilli(ts)
		out = append(out, snap)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// DailyStats counts today's (UTC) admitted signals for coin,
// satisfying internal/api.StatsSource and feeding internal/risk.Gate's
// daily trade-cap check. Strategy is not a column on signals, orders or
// fills, so the count is per coin and the strategy argument is unused.
// RealizedPnLToday is not computed and is always 0, so the gate's
// daily-loss check never rejects on these stats.
func (s *Store) DailyStats(coin, strategy string) risk.DailyStats {
	startOfDay := time.Now().UTC().Truncate(24 * time.Hour).UnixMilli()
	var trades int
	row := s.db.QueryRow(`
SELECT COUNT(*) FROM signals WHERE coin = ? AND riskCheckPassed = 1 AND createdAt >= ?`, coin, startOfDay)
	_ = row.Scan(&trades)
	return risk.DailyStats{TradesToday: trades}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
