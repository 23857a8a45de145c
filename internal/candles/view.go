package candles

import (
	"context"

	"github.com/atlas-desktop/perpbot/pkg/types"
)

// ControlView adapts Cache to internal/api.CandlesView's simpler
// (coin, interval, limit) signature, pinned to a single source — the
// control API serves one exchange's candles per deployment, not a
// cross-source merge.
type ControlView struct {
	Cache  *Cache
	Source string
}

// Get returns the most recent limit candles for (coin, interval) on
// the view's pinned source. A lookup error yields an empty slice: the
// control route surfaces "no data yet" rather than a 500.
func (v ControlView) Get(coin string, interval types.Interval, limit int) []types.Candle {
	key := types.CandleKey{Source: v.Source, Coin: coin, Interval: interval}
	rows, err := v.Cache.GetRecent(context.Background(), key, limit)
	if err != nil {
		return nil
	}
	return rows
}

// LatestPrice returns the close of the most recently cached bar for
// coin on the view's pinned source, ok=false if the streamer has no
// candle data for it yet.
func (v ControlView) LatestPrice(coin string) (float64, bool) {
	price, ok, err := v.Cache.LatestClose(context.Background(), v.Source, coin)
	if err != nil {
		return 0, false
	}
	return price, ok
}
