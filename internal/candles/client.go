// Package candles implements the candle data plane: a paginated REST
// client (C1), a SQLite-backed cache (C2), and a unified warmup+live
// streamer (C3). Grounded on the teacher's internal/data/market_data.go
// (WS client, reconnect) and internal/data/store.go (persistence).
package candles

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/atlas-desktop/perpbot/internal/config"
	"github.com/atlas-desktop/perpbot/pkg/types"
)

// Fetcher performs one paginated page request against an upstream
// candle API. Implementations are venue-specific (Binance, Hyperliquid).
type Fetcher interface {
	FetchPage(ctx context.Context, symbol string, interval types.Interval, sinceMs, endMs int64, limit int) ([]types.Candle, error)
}

// SymbolTable maps (coin, source) to a venue-specific trade symbol.
type SymbolTable interface {
	Symbol(source config.StreamSource, coin string) (string, error)
}

// Client is the paginated OHLCV fetcher of C1.
type Client struct {
	fetchers map[config.StreamSource]Fetcher
	symbols  SymbolTable
}

// NewClient builds a Client dispatching to the given per-source fetchers.
func NewClient(fetchers map[config.StreamSource]Fetcher, symbols SymbolTable) *Client {
	return &Client{fetchers: fetchers, symbols: symbols}
}

// FetchOptions configures a single FetchCandles call.
type FetchOptions struct {
	Source            config.StreamSource
	CandlesPerRequest  int
	RequestDelayMs     int
	SymbolOverride     string
}

// FetchCandles paginates from startMs to endMs, deduplicates by t
// (first occurrence wins) and returns the result sorted ascending.
// Errors from the upstream call propagate unwrapped; no retries.
func (c *Client) FetchCandles(ctx context.Context, coin string, interval types.Interval, startMs, endMs int64, opts FetchOptions) ([]types.Candle, error) {
	fetcher, ok := c.fetchers[opts.Source]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSource, opts.Source)
	}

	symbol := opts.SymbolOverride
	if symbol == "" {
		var err error
		symbol, err = c.symbols.Symbol(opts.Source, coin)
		if err != nil {
			return nil, err
		}
	}

	limit := opts.CandlesPerRequest
	if limit <= 0 {
		limit = 1500
	}

	var all []types.Candle
	since := startMs
	for since < endMs {
		page, err := fetcher.FetchPage(ctx, symbol, interval, since, endMs, limit)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}

		lastTs := page[len(page)-1].T
		for _, cd := range page {
			if cd.T <= endMs {
				all = append(all, cd)
			}
		}

		if lastTs <= since {
			// no-progress guard against stale upstream pages
			break
		}
		if len(page) < limit {
			break // caught up
		}

		intervalMs, _ := interval.Millis()
		since = lastTs + intervalMs

		if opts.RequestDelayMs > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(opts.RequestDelayMs) * time.Millisecond):
			}
		}
	}

	return dedupSort(all), nil
}

func dedupSort(in []types.Candle) []types.Candle {
	seen := make(map[int64]types.Candle, len(in))
	order := make([]int64, 0, len(in))
	for _, cd := range in {
		if _, ok := seen[cd.T]; !ok {
			seen[cd.T] = cd
			order = append(order, cd.T)
		}
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	out := make([]types.Candle, len(order))
	for i, t := range order {
		out[i] = seen[t]
	}
	return out
}

// ErrUnsupportedSource is returned when opts.Source has no registered Fetcher.
var ErrUnsupportedSource = fmt.Errorf("unsupported source")
