package candles

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/atlas-desktop/perpbot/pkg/types"
)

// EventKind distinguishes the events a Streamer emits.
type EventKind string

const (
	EventTick  EventKind = "candle:tick"
	EventClose EventKind = "candle:close"
	EventStale EventKind = "stale"
)

// Event is a single streamer notification.
type Event struct {
	Kind          EventKind
	Candle        types.Candle
	LastCandleAt  time.Time
	SilentMs      int64
}

// listener is one registered, cancelable event subscription. Replaces
// the teacher's single-callback-field model (market_data.go's
// OnPrice/OnOHLCV) with an explicit bounded channel per spec §9.
type listener struct {
	ch     chan Event
	cancel func()
}

// Dialer opens a WS connection to the venue's live-candle feed for
// (coin, interval) and returns a channel of raw ticks. Implementations
// are venue-specific; the default uses gorilla/websocket.
type Dialer interface {
	Dial(ctx context.Context, coin string, interval types.Interval) (<-chan types.Candle, func() error, error)
}

// Streamer unifies REST warmup and WS live subscription for a single
// (coin, interval, source) behind one view (C3).
type Streamer struct {
	logger *zap.Logger
	key    types.CandleKey
	client *Client
	cache  *Cache
	dialer Dialer
	opts   FetchOptions

	mu        sync.RWMutex
	candles   []types.Candle
	listeners map[int]*listener
	nextID    int

	running    bool
	cancel     context.CancelFunc
	lastTickAt time.Time
}

// NewStreamer builds a Streamer for key, fetching warmup data via
// client/cache and live ticks via dialer.
func NewStreamer(logger *zap.Logger, key types.CandleKey, client *Client, cache *Cache, dialer Dialer, opts FetchOptions) *Streamer {
	return &Streamer{
		logger:    logger.Named("streamer").With(zap.String("coin", key.Coin), zap.String("interval", string(key.Interval))),
		key:       key,
		client:    client,
		cache:     cache,
		dialer:    dialer,
		opts:      opts,
		listeners: make(map[int]*listener),
	}
}

// Warmup fetches the most recent `bars` candles via cache.Sync and
// seeds the in-memory view, discarding invalid rows.
func (s *Streamer) Warmup(ctx context.Context, bars int) ([]types.Candle, error) {
	intervalMs, _ := s.key.Interval.Millis()
	endMs := time.Now().UnixMilli()
	startMs := endMs - intervalMs*int64(bars)

	if _, err := s.cache.Sync(ctx, s.client, s.key, startMs, endMs, s.opts); err != nil {
		return nil, err
	}
	rows, err := s.cache.GetCandles(ctx, s.key, startMs, endMs)
	if err != nil {
		return nil, err
	}

	valid := make([]types.Candle, 0, len(rows))
	for _, r := range rows {
		if r.Valid() {
			valid = append(valid, r)
		}
	}

	s.mu.Lock()
	s.candles = valid
	s.mu.Unlock()

	return valid, nil
}

// FetchHistorical is a direct REST fallback bypassing the live view.
func (s *Streamer) FetchHistorical(ctx context.Context, endMs int64, bars int) ([]types.Candle, error) {
	intervalMs, _ := s.key.Interval.Millis()
	startMs := endMs - intervalMs*int64(bars)
	return s.client.FetchCandles(ctx, s.key.Coin, s.key.Interval, startMs, endMs, s.opts)
}

// GetCandles returns the current in-memory view.
func (s *Streamer) GetCandles() []types.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Candle, len(s.candles))
	copy(out, s.candles)
	return out
}

// GetLatest returns the most recent candle, ok=false if none seen yet.
func (s *Streamer) GetLatest() (types.Candle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.candles) == 0 {
		return types.Candle{}, false
	}
	return s.candles[len(s.candles)-1], true
}

// Listen registers a new listener and returns its event channel plus a
// cancel function. Events stop being delivered to a listener after
// cancel or after Stop(); registering after Stop() yields a channel
// that never receives events.
func (s *Streamer) Listen(buffer int) (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan Event, buffer)
	l := &listener{ch: ch}
	cancelFn := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.listeners[id]; ok {
			delete(s.listeners, id)
			close(ch)
		}
	}
	l.cancel = cancelFn

	if !s.running {
		// Streamer already stopped: leave listener unregistered so it
		// never receives events, matching the "no further events"
		// contract without leaking a goroutine.
		close(ch)
		return ch, func() {}
	}

	s.listeners[id] = l
	return ch, cancelFn
}

func (s *Streamer) emit(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.listeners {
		select {
		case l.ch <- ev:
		default:
			s.logger.Warn("listener channel full, dropping event", zap.String("kind", string(ev.Kind)))
		}
	}
}

// Start begins the live subscription with reconnect backoff and a
// stale-data watchdog. Idempotent.
func (s *Streamer) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.lastTickAt = time.Now()
	s.mu.Unlock()

	go s.runLoop(runCtx)
	go s.watchdog(runCtx)
}

// Stop idempotently halts the live subscription; in-flight callbacks
// are drained but no further events are delivered.
func (s *Streamer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	if s.cancel != nil {
		s.cancel()
	}
	for id, l := range s.listeners {
		close(l.ch)
		delete(s.listeners, id)
	}
}

func (s *Streamer) runLoop(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 60 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ticks, closeFn, err := s.dialer.Dial(ctx, s.key.Coin, s.key.Interval)
		if err != nil {
			s.logger.Warn("dial failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = time.Second // connection succeeded: reset backoff
		s.consume(ctx, ticks)
		if closeFn != nil {
			_ = closeFn()
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (s *Streamer) consume(ctx context.Context, ticks <-chan types.Candle) {
	for {
		select {
		case <-ctx.Done():
			return
		case cd, ok := <-ticks:
			if !ok {
				return
			}
			s.handleTick(cd)
		}
	}
}

func (s *Streamer) handleTick(cd types.Candle) {
	if !cd.Valid() {
		return // invalid ticks are discarded silently
	}

	s.mu.Lock()
	s.lastTickAt = time.Now()
	closed := false
	if n := len(s.candles); n > 0 && s.candles[n-1].T == cd.T {
		s.candles[n-1] = cd // in-progress update
	} else {
		if n := len(s.candles); n > 0 {
			closed = true // the previous last candle is now closed
		}
		s.candles = append(s.candles, cd)
	}
	s.mu.Unlock()

	s.emit(Event{Kind: EventTick, Candle: cd})
	if closed {
		s.emit(Event{Kind: EventClose, Candle: cd})
	}
}

func (s *Streamer) watchdog(ctx context.Context) {
	intervalMs, ok := s.key.Interval.Millis()
	if !ok {
		intervalMs = 60_000
	}
	staleAfter := 3 * time.Duration(intervalMs) * time.Millisecond
	ticker := time.NewTicker(staleAfter / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.RLock()
			silent := time.Since(s.lastTickAt)
			last := s.lastTickAt
			s.mu.RUnlock()
			if silent >= staleAfter {
				s.emit(Event{Kind: EventStale, LastCandleAt: last, SilentMs: silent.Milliseconds()})
			}
		}
	}
}

// WSDialer is a Dialer backed by gorilla/websocket, grounded on
// internal/data/market_data.go's connectBinance/readLoop pattern.
type WSDialer struct {
	URLBuilder func(coin string, interval types.Interval) string
	Parse      func(raw []byte) (types.Candle, bool)
}

func (d *WSDialer) Dial(ctx context.Context, coin string, interval types.Interval) (<-chan types.Candle, func() error, error) {
	url := d.URLBuilder(coin, interval)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan types.Candle, 256)
	go func() {
		defer close(out)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			cd, ok := d.Parse(msg)
			if !ok {
				continue
			}
			select {
			case out <- cd:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, conn.Close, nil
}
