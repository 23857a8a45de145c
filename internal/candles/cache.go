package candles

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/atlas-desktop/perpbot/internal/config"
	"github.com/atlas-desktop/perpbot/pkg/types"
)

// Cache is the durable per-(coin,interval,source) candle store (C2),
// backed by SQLite. Grounded on internal/data/store.go's persistence
// role, generalized from JSON files to the spec's SQL schema.
type Cache struct {
	db *sql.DB

	mu      sync.Mutex // guards keyLocks map itself
	keyLocks map[string]*sync.Mutex
}

// Open creates/migrates the SQLite database at path and returns a Cache.
func Open(path string) (*Cache, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	c := &Cache{db: db, keyLocks: make(map[string]*sync.Mutex)}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) migrate() error {
	_, err := c.db.Exec(`
CREATE TABLE IF NOT EXISTS candles (
	source TEXT NOT NULL,
	coin TEXT NOT NULL,
	interval TEXT NOT NULL,
	t INTEGER NOT NULL,
	o REAL NOT NULL, h REAL NOT NULL, l REAL NOT NULL, c REAL NOT NULL, v REAL NOT NULL, n INTEGER NOT NULL,
	PRIMARY KEY (source, coin, interval, t)
);
CREATE TABLE IF NOT EXISTS sync_meta (
	source TEXT NOT NULL,
	coin TEXT NOT NULL,
	interval TEXT NOT NULL,
	lastTs INTEGER NOT NULL,
	PRIMARY KEY (source, coin, interval)
);
CREATE INDEX IF NOT EXISTS idx_candles_key_t ON candles(source, coin, interval, t);
`)
	return err
}

func (c *Cache) Close() error { return c.db.Close() }

func keyString(key types.CandleKey) string {
	return string(key.Source) + "|" + key.Coin + "|" + string(key.Interval)
}

// lockFor returns (creating if needed) the per-key mutex serializing
// sync calls for this CandleKey, per spec §4.2's isolation invariant.
func (c *Cache) lockFor(key types.CandleKey) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := keyString(key)
	m, ok := c.keyLocks[k]
	if !ok {
		m = &sync.Mutex{}
		c.keyLocks[k] = m
	}
	return m
}

// InsertCandles upserts rows by t and advances sync_meta.lastTs to
// max(existing, max(t)).
func (c *Cache) InsertCandles(ctx context.Context, key types.CandleKey, rows []types.Candle) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO candles (source, coin, interval, t, o, h, l, c, v, n)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(source, coin, interval, t) DO UPDATE SET
	o=excluded.o, h=excluded.h, l=excluded.l, c=excluded.c, v=excluded.v, n=excluded.n`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	maxT := int64(-1)
	for _, row := range rows {
		if !row.Valid() {
			continue
		}
		if _, err := stmt.ExecContext(ctx, key.Source, key.Coin, key.Interval, row.T, row.O, row.H, row.L, row.C, row.V, row.N); err != nil {
			return fmt.Errorf("upsert candle t=%d: %w", row.T, err)
		}
		if row.T > maxT {
			maxT = row.T
		}
	}
	if maxT < 0 {
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO sync_meta (source, coin, interval, lastTs) VALUES (?, ?, ?, ?)
ON CONFLICT(source, coin, interval) DO UPDATE SET lastTs = MAX(lastTs, excluded.lastTs)`,
		key.Source, key.Coin, key.Interval, maxT); err != nil {
		return fmt.Errorf("update sync_meta: %w", err)
	}

	return tx.Commit()
}

// GetCandles returns rows in [startMs, endMs] sorted ascending by t.
func (c *Cache) GetCandles(ctx context.Context, key types.CandleKey, startMs, endMs int64) ([]types.Candle, error) {
	rows, err := c.db.QueryContext(ctx, `
SELECT t, o, h, l, c, v, n FROM candles
WHERE source = ? AND coin = ? AND interval = ? AND t >= ? AND t <= ?
ORDER BY t ASC`, key.Source, key.Coin, key.Interval, startMs, endMs)
	if err != nil {
		return nil, fmt.Errorf("query candles: %w", err)
	}
	defer rows.Close()

	var out []types.Candle
	for rows.Next() {
		var cd types.Candle
		if err := rows.Scan(&cd.T, &cd.O, &cd.H, &cd.L, &cd.C, &cd.V, &cd.N); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		out = append(out, cd)
	}
	return out, rows.Err()
}

// GetFirstTimestamp returns the earliest stored t for key, ok=false if none.
func (c *Cache) GetFirstTimestamp(ctx context.Context, key types.CandleKey) (int64, bool, error) {
	return c.aggTimestamp(ctx, key, "MIN")
}

// GetLastTimestamp returns the latest stored t for key, ok=false if none.
func (c *Cache) GetLastTimestamp(ctx context.Context, key types.CandleKey) (int64, bool, error) {
	return c.aggTimestamp(ctx, key, "MAX")
}

func (c *Cache) aggTimestamp(ctx context.Context, key types.CandleKey, fn string) (int64, bool, error) {
	row := c.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s(t) FROM candles WHERE source=? AND coin=? AND interval=?`, fn),
		key.Source, key.Coin, key.Interval)
	var ts sql.NullInt64
	if err := row.Scan(&ts); err != nil {
		return 0, false, fmt.Errorf("scan %s(t): %w", fn, err)
	}
	if !ts.Valid {
		return 0, false, nil
	}
	return ts.Int64, true, nil
}

// GetRecent returns the most recent limit candles for key, ascending
// by t, for the control API's /candles route.
func (c *Cache) GetRecent(ctx context.Context, key types.CandleKey, limit int) ([]types.Candle, error) {
	rows, err := c.db.QueryContext(ctx, `
SELECT t, o, h, l, c, v, n FROM candles
WHERE source = ? AND coin = ? AND interval = ?
ORDER BY t DESC LIMIT ?`, key.Source, key.Coin, key.Interval, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent candles: %w", err)
	}
	defer rows.Close()

	var out []types.Candle
	for rows.Next() {
		var cd types.Candle
		if err := rows.Scan(&cd.T, &cd.O, &cd.H, &cd.L, &cd.C, &cd.V, &cd.N); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		out = append(out, cd)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// LatestClose returns the close of the bar with the greatest open time
// t for (source, coin) across all cached intervals, ok=false if nothing
// is cached yet. Used where a caller needs "the current
// market price" but isn't pinned to one interval (e.g. the signal
// intake route's stopLoss-sign check on a market order).
func (c *Cache) LatestClose(ctx context.Context, source, coin string) (float64, bool, error) {
	row := c.db.QueryRowContext(ctx, `
SELECT c FROM candles WHERE source = ? AND coin = ? ORDER BY t DESC LIMIT 1`, source, coin)
	var price float64
	if err := row.Scan(&price); err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("scan latest close: %w", err)
	}
	return price, true, nil
}

// GetCandleCount returns the number of stored rows for key.
func (c *Cache) GetCandleCount(ctx context.Context, key types.CandleKey) (int64, error) {
	row := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM candles WHERE source=? AND coin=? AND interval=?`,
		key.Source, key.Coin, key.Interval)
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("scan count: %w", err)
	}
	return n, nil
}

// SyncResult reports how many rows came from upstream vs. were already cached.
type SyncResult struct {
	Fetched int
	Cached  int
}

// Sync ensures the cache covers [startMs, endMs] for key, fetching any
// gap via client and always re-fetching the last cached bar to
// overwrite an in-progress candle with its finalized OHLCV. Serialized
// per CandleKey: concurrent syncs on the same key produce one fetch,
// the other waits and reads cache.
func (c *Cache) Sync(ctx context.Context, client *Client, key types.CandleKey, startMs, endMs int64, opts FetchOptions) (SyncResult, error) {
	lock := c.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	firstTs, haveFirst, err := c.GetFirstTimestamp(ctx, key)
	if err != nil {
		return SyncResult{}, err
	}
	lastTs, haveLast, err := c.GetLastTimestamp(ctx, key)
	if err != nil {
		return SyncResult{}, err
	}

	if haveFirst && haveLast && firstTs <= startMs && lastTs >= endMs {
		n, err := c.GetCandleCount(ctx, key)
		if err != nil {
			return SyncResult{}, err
		}
		return SyncResult{Fetched: 0, Cached: int(n)}, nil
	}

	var fresh []types.Candle

	if !haveFirst || !haveLast {
		// Empty cache: fetch the whole requested range.
		rows, err := client.FetchCandles(ctx, key.Coin, key.Interval, startMs, endMs, opts)
		if err != nil {
			return SyncResult{}, err
		}
		fresh = append(fresh, rows...)
	} else {
		if startMs < firstTs {
			rows, err := client.FetchCandles(ctx, key.Coin, key.Interval, startMs, firstTs-1, opts)
			if err != nil {
				return SyncResult{}, err
			}
			fresh = append(fresh, rows...)
		}
		if endMs >= lastTs {
			// Always re-fetch the last cached bar to overwrite an
			// in-progress candle with its finalized OHLCV. The refetch
			// window must stay inclusive of lastTs itself — when
			// endMs == lastTs, FetchCandles' `for since < endMs` loop
			// would otherwise never run a single page request, silently
			// skipping the refetch.
			intervalMs, ok := key.Interval.Millis()
			if !ok {
				return SyncResult{}, fmt.Errorf("unrecognized interval %q", key.Interval)
			}
			rows, err := client.FetchCandles(ctx, key.Coin, key.Interval, lastTs, endMs+intervalMs, opts)
			if err != nil {
				return SyncResult{}, err
			}
			for _, cd := range rows {
				if cd.T <= endMs {
					fresh = append(fresh, cd)
				}
			}
		}
	}

	if err := c.InsertCandles(ctx, key, fresh); err != nil {
		return SyncResult{}, err
	}

	total, err := c.GetCandleCount(ctx, key)
	if err != nil {
		return SyncResult{}, err
	}

	return SyncResult{Fetched: len(fresh), Cached: int(total)}, nil
}

// AppConfigCache is a constructor convenience wiring a Cache from an
// AppConfig's DatabasePath.
func AppConfigCache(cfg *config.AppConfig) (*Cache, error) {
	return Open(cfg.DatabasePath)
}
