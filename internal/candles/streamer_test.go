package candles

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/perpbot/internal/config"
	"github.com/atlas-desktop/perpbot/pkg/types"
)

type fakeDialer struct {
	ch chan types.Candle
}

func (d *fakeDialer) Dial(ctx context.Context, coin string, interval types.Interval) (<-chan types.Candle, func() error, error) {
	return d.ch, func() error { return nil }, nil
}

func newTestStreamer(t *testing.T, dialer Dialer) *Streamer {
	t.Helper()
	cache := openTestCache(t)
	f := &pagedFetcher{}
	client := NewClient(map[config.StreamSource]Fetcher{config.SourceBinance: f}, staticSymbols{})
	key := types.CandleKey{Coin: "BTC", Interval: types.Interval1m, Source: "binance"}
	logger := zap.NewNop()
	return NewStreamer(logger, key, client, cache, dialer, FetchOptions{Source: config.SourceBinance, CandlesPerRequest: 100})
}

func TestStreamerTickOrderingAndUpsert(t *testing.T) {
	dialer := &fakeDialer{ch: make(chan types.Candle, 4)}
	s := newTestStreamer(t, dialer)

	s.handleTick(candle(1000, 10))
	s.handleTick(candle(1000, 11)) // in-progress update, same t
	s.handleTick(candle(2000, 12)) // new bar

	got := s.GetCandles()
	if len(got) != 2 {
		t.Fatalf("expected 2 candles after upsert, got %d", len(got))
	}
	if got[0].T != 1000 || got[0].C != 11 {
		t.Fatalf("expected in-progress candle replaced, got %+v", got[0])
	}
	if got[1].T != 2000 {
		t.Fatalf("expected new candle appended, got %+v", got[1])
	}
	for i := 1; i < len(got); i++ {
		if got[i].T < got[i-1].T {
			t.Fatalf("ticks not monotonically non-decreasing in t: %+v", got)
		}
	}
}

func TestStreamerDiscardsInvalidTicks(t *testing.T) {
	dialer := &fakeDialer{ch: make(chan types.Candle, 1)}
	s := newTestStreamer(t, dialer)

	s.handleTick(types.Candle{T: 1000, O: 10, H: 5, L: 1, C: 10, V: 1}) // invalid: h < max(o,c)
	if len(s.GetCandles()) != 0 {
		t.Fatalf("expected invalid tick discarded")
	}
}

func TestStreamerListenerStopsAfterStop(t *testing.T) {
	dialer := &fakeDialer{ch: make(chan types.Candle, 1)}
	s := newTestStreamer(t, dialer)
	s.Start(context.Background())

	ch, cancel := s.Listen(4)
	defer cancel()

	s.Stop()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected channel closed after Stop()")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for listener channel to close")
	}
}
