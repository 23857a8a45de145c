package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/perpbot/internal/candles"
	"github.com/atlas-desktop/perpbot/internal/risk"
	"github.com/atlas-desktop/perpbot/internal/strategy"
	"github.com/atlas-desktop/perpbot/pkg/types"
)

type fakeStreamer struct {
	rows []types.Candle
	ch   chan candles.Event
}

func newFakeStreamer(rows ...types.Candle) *fakeStreamer {
	return &fakeStreamer{rows: rows, ch: make(chan candles.Event, 4)}
}

func (s *fakeStreamer) Listen(buffer int) (<-chan candles.Event, func()) {
	return s.ch, func() {}
}
func (s *fakeStreamer) GetCandles() []types.Candle { return s.rows }

// stubStrategy is a minimal strategy.Strategy fake for runner tests.
type stubStrategy struct {
	onCandleSig *types.Signal
	exitNow     bool
	exitLevel   *float64
}

func (s *stubStrategy) Name() string                           { return "stub" }
func (s *stubStrategy) Params() map[string]types.StrategyParam { return nil }
func (s *stubStrategy) RequiredTimeframes() []types.Interval    { return nil }
func (s *stubStrategy) Init([]types.Candle, map[types.Interval][]types.Candle) {}
func (s *stubStrategy) OnCandle(ctx strategy.Ctx) *types.Signal { return s.onCandleSig }
func (s *stubStrategy) ShouldExit(ctx strategy.Ctx) *strategy.ExitDecision {
	if s.exitNow {
		return &strategy.ExitDecision{Exit: true, Comment: "stub exit"}
	}
	return nil
}
func (s *stubStrategy) GetExitLevel(ctx strategy.Ctx) *float64 { return s.exitLevel }

type fakeGate struct {
	result risk.Result
	seen   []string
}

func (g *fakeGate) Evaluate(sig risk.IncomingSignal, stats risk.DailyStats) risk.Result { return g.result }
func (g *fakeGate) MarkSeen(alertID string)                                             { g.seen = append(g.seen, alertID) }

type fakeStats struct{}

func (fakeStats) DailyStats(coin, strategy string) risk.DailyStats { return risk.DailyStats{} }

type fakeSignalLog struct{ saved []types.StoredSignal }

func (l *fakeSignalLog) Save(sig types.StoredSignal) { l.saved = append(l.saved, sig) }

type fakePositions struct {
	pos           *types.Position
	trailingLevel float64
	closed        bool
}

func (p *fakePositions) Get(coin string) *types.Position { return p.pos }
func (p *fakePositions) Close(coin string) *types.Position {
	p.closed = true
	return p.pos
}
func (p *fakePositions) UpdateTrailingStop(coin string, level float64) error {
	p.trailingLevel = level
	return nil
}

type fakeHandler struct {
	called bool
	size   float64
}

func (h *fakeHandler) Handle(ctx context.Context, coin, signalID string, sig types.Signal, size float64) error {
	h.called = true
	h.size = size
	return nil
}

type fakeExchange struct{ closedCoin string }

func (e *fakeExchange) ClosePositionMarket(ctx context.Context, coin string) error {
	e.closedCoin = coin
	return nil
}

type fakeAutoTrading struct{ enabled bool }

func (a fakeAutoTrading) Enabled(coin, strategy string) bool { return a.enabled }

type fakeSink struct{ broadcast []types.StoredSignal }

func (s *fakeSink) BroadcastSignal(sig types.StoredSignal) { s.broadcast = append(s.broadcast, sig) }

func TestHandleCloseAdmittedEntryCallsHandler(t *testing.T) {
	s := newFakeStreamer(types.Candle{T: 1000, O: 100, H: 101, L: 99, C: 100, V: 10, N: 1})

	gate := &fakeGate{result: risk.Result{Admitted: true, Size: 1.5}}
	signalLog := &fakeSignalLog{}
	positions := &fakePositions{}
	handler := &fakeHandler{}
	sink := &fakeSink{}

	entry := 100.0
	strat := &stubStrategy{onCandleSig: &types.Signal{Direction: types.DirectionLong, EntryPrice: &entry, StopLoss: 90}}

	r := New(zap.NewNop(), Config{Coin: "BTC", Strategy: "stub"}, s, nil, strat, gate, fakeStats{}, signalLog, positions, handler, &fakeExchange{}, fakeAutoTrading{enabled: true}, sink)
	r.handleClose(context.Background())

	assert.True(t, handler.called)
	assert.Equal(t, 1.5, handler.size)
	require.Len(t, signalLog.saved, 1)
	assert.True(t, signalLog.saved[0].RiskCheckPassed)
	require.Len(t, gate.seen, 1)
	require.Len(t, sink.broadcast, 1)
}

func TestHandleCloseRejectedEntrySkipsHandler(t *testing.T) {
	s := newFakeStreamer(types.Candle{T: 1000, O: 100, H: 101, L: 99, C: 100, V: 10, N: 1})

	gate := &fakeGate{result: risk.Result{Admitted: false, Reason: "cooldown active"}}
	signalLog := &fakeSignalLog{}
	handler := &fakeHandler{}

	entry := 100.0
	strat := &stubStrategy{onCandleSig: &types.Signal{Direction: types.DirectionLong, EntryPrice: &entry, StopLoss: 90}}

	r := New(zap.NewNop(), Config{Coin: "BTC", Strategy: "stub"}, s, nil, strat, gate, fakeStats{}, signalLog, &fakePositions{}, handler, &fakeExchange{}, fakeAutoTrading{enabled: true}, &fakeSink{})
	r.handleClose(context.Background())

	assert.False(t, handler.called)
	require.Len(t, signalLog.saved, 1)
	assert.False(t, signalLog.saved[0].RiskCheckPassed)
	assert.Equal(t, "cooldown active", signalLog.saved[0].RiskCheckReason)
}

func TestHandleCloseUpdatesTrailingStopWhileOpen(t *testing.T) {
	s := newFakeStreamer(types.Candle{T: 1000, O: 100, H: 101, L: 99, C: 105, V: 10, N: 1})

	level := 95.0
	strat := &stubStrategy{exitLevel: &level}
	positions := &fakePositions{pos: &types.Position{Coin: "BTC", Direction: types.DirectionLong, EntryPrice: 100}}

	r := New(zap.NewNop(), Config{Coin: "BTC", Strategy: "stub"}, s, nil, strat, &fakeGate{}, fakeStats{}, &fakeSignalLog{}, positions, &fakeHandler{}, &fakeExchange{}, fakeAutoTrading{}, &fakeSink{})
	r.handleClose(context.Background())

	assert.Equal(t, 95.0, positions.trailingLevel)
	assert.False(t, positions.closed)
}

func TestHandleCloseExitsPositionOnStrategySignal(t *testing.T) {
	s := newFakeStreamer(types.Candle{T: 1000, O: 100, H: 101, L: 99, C: 105, V: 10, N: 1})

	strat := &stubStrategy{exitNow: true}
	positions := &fakePositions{pos: &types.Position{Coin: "BTC", Direction: types.DirectionLong, EntryPrice: 100}}
	exchange := &fakeExchange{}

	r := New(zap.NewNop(), Config{Coin: "BTC", Strategy: "stub"}, s, nil, strat, &fakeGate{}, fakeStats{}, &fakeSignalLog{}, positions, &fakeHandler{}, exchange, fakeAutoTrading{}, &fakeSink{})
	r.handleClose(context.Background())

	assert.Equal(t, "BTC", exchange.closedCoin)
	assert.True(t, positions.closed)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	s := newFakeStreamer(types.Candle{T: 1000, O: 100, H: 101, L: 99, C: 100, V: 10, N: 1})

	r := New(zap.NewNop(), Config{Coin: "BTC", Strategy: "stub"}, s, nil, &stubStrategy{}, &fakeGate{}, fakeStats{}, &fakeSignalLog{}, &fakePositions{}, &fakeHandler{}, &fakeExchange{}, fakeAutoTrading{}, &fakeSink{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := r.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
