package candles

import (
	"context"
	"testing"

	"github.com/atlas-desktop/perpbot/internal/config"
	"github.com/atlas-desktop/perpbot/pkg/types"
)

type pagedFetcher struct {
	pages [][]types.Candle
	calls int
}

func (f *pagedFetcher) FetchPage(ctx context.Context, symbol string, interval types.Interval, sinceMs, endMs int64, limit int) ([]types.Candle, error) {
	if f.calls >= len(f.pages) {
		return nil, nil
	}
	page := f.pages[f.calls]
	f.calls++
	return page, nil
}

type staticSymbols struct{}

func (staticSymbols) Symbol(source config.StreamSource, coin string) (string, error) {
	return coin + "USDT", nil
}

func candle(t int64, c float64) types.Candle {
	return types.Candle{T: t, O: c, H: c + 1, L: c - 1, C: c, V: 1}
}

func TestFetchCandlesDedupPagination(t *testing.T) {
	f := &pagedFetcher{pages: [][]types.Candle{
		{candle(1000, 10), candle(1000, 10), candle(2000, 11)},
	}}
	client := NewClient(map[config.StreamSource]Fetcher{config.SourceBinance: f}, staticSymbols{})
	out, err := client.FetchCandles(context.Background(), "BTC", types.Interval1m, 0, 999999, FetchOptions{Source: config.SourceBinance, CandlesPerRequest: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 || out[0].T != 1000 || out[1].T != 2000 {
		t.Fatalf("expected [1000,2000], got %+v", out)
	}
}

func TestFetchCandlesStaleTsStops(t *testing.T) {
	f := &pagedFetcher{pages: [][]types.Candle{
		{candle(1000, 10)},
		{candle(500, 9)},
	}}
	client := NewClient(map[config.StreamSource]Fetcher{config.SourceBinance: f}, staticSymbols{})
	out, err := client.FetchCandles(context.Background(), "BTC", types.Interval1m, 0, 999999, FetchOptions{Source: config.SourceBinance, CandlesPerRequest: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.calls != 2 {
		t.Fatalf("expected 2 requests, got %d", f.calls)
	}
	if len(out) != 2 {
		t.Fatalf("expected both candles retained, got %+v", out)
	}
}

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSyncBackfill(t *testing.T) {
	cache := openTestCache(t)
	key := types.CandleKey{Coin: "BTC", Interval: types.Interval1m, Source: "binance"}
	ctx := context.Background()

	if err := cache.InsertCandles(ctx, key, []types.Candle{candle(5000, 100)}); err != nil {
		t.Fatalf("seed insert: %v", err)
	}

	// Second page covers the lastTs==endMs refetch below — it must
	// actually be requested, not skipped, even though Sync's range
	// argument (0, 5000) puts startMs < firstTs == lastTs == endMs.
	f := &pagedFetcher{pages: [][]types.Candle{
		{candle(1000, 10), candle(2000, 11)},
		{candle(5000, 999)},
	}}
	client := NewClient(map[config.StreamSource]Fetcher{config.SourceBinance: f}, staticSymbols{})

	res, err := cache.Sync(ctx, client, key, 0, 5000, FetchOptions{Source: config.SourceBinance, CandlesPerRequest: 100})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Fetched != 3 || res.Cached != 3 {
		t.Fatalf("expected {fetched:3 cached:3}, got %+v", res)
	}

	rows, err := cache.GetCandles(ctx, key, 0, 6000)
	if err != nil {
		t.Fatalf("get candles: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	last := rows[len(rows)-1]
	if last.T != 5000 || last.C != 999 || last.H != 1000 || last.L != 998 {
		t.Fatalf("expected the boundary bar refetched with refreshed OHLCV, got %+v", last)
	}
}

func TestSyncInProgressOverwrite(t *testing.T) {
	cache := openTestCache(t)
	key := types.CandleKey{Coin: "BTC", Interval: types.Interval1m, Source: "binance"}
	ctx := context.Background()

	if err := cache.InsertCandles(ctx, key, []types.Candle{
		{T: 5000, O: 100, H: 105, L: 99, C: 102, V: 10},
	}); err != nil {
		t.Fatalf("seed insert: %v", err)
	}

	// The first request is Sync's backfill of [0, 4999], before the
	// cached bar, where upstream has nothing; the second is the refetch
	// from the cached bar onward, which returns the finalized rows.
	f := &pagedFetcher{pages: [][]types.Candle{
		{},
		{
			{T: 5000, O: 100, H: 112, L: 95, C: 108, V: 50},
			{T: 6000, O: 108, H: 110, L: 107, C: 109, V: 20},
		},
	}}
	client := NewClient(map[config.StreamSource]Fetcher{config.SourceBinance: f}, staticSymbols{})

	if _, err := cache.Sync(ctx, client, key, 0, 6000, FetchOptions{Source: config.SourceBinance, CandlesPerRequest: 100}); err != nil {
		t.Fatalf("sync: %v", err)
	}

	rows, err := cache.GetCandles(ctx, key, 0, 6000)
	if err != nil {
		t.Fatalf("get candles: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].T != 5000 || rows[0].H != 112 || rows[0].C != 108 {
		t.Fatalf("expected row at 5000 replaced with finalized values, got %+v", rows[0])
	}
	if rows[1].T != 6000 {
		t.Fatalf("expected row at 6000 inserted, got %+v", rows[1])
	}
}

func TestCacheIsolationByCoinAndSource(t *testing.T) {
	cache := openTestCache(t)
	ctx := context.Background()
	keyA := types.CandleKey{Coin: "BTC", Interval: types.Interval1m, Source: "binance"}
	keyB := types.CandleKey{Coin: "BTC", Interval: types.Interval1m, Source: "hyperliquid"}

	if err := cache.InsertCandles(ctx, keyA, []types.Candle{candle(1000, 10)}); err != nil {
		t.Fatalf("insert A: %v", err)
	}
	if err := cache.InsertCandles(ctx, keyB, []types.Candle{candle(2000, 20)}); err != nil {
		t.Fatalf("insert B: %v", err)
	}

	rowsA, err := cache.GetCandles(ctx, keyA, 0, 999999)
	if err != nil {
		t.Fatalf("get A: %v", err)
	}
	if len(rowsA) != 1 || rowsA[0].T != 1000 {
		t.Fatalf("cross-source leak into A: %+v", rowsA)
	}
}
