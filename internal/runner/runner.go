// Package runner is the per-(coin,strategy) live loop spec §2/§5
// describes but leaves unnumbered: it consumes a candle streamer's
// closed-bar events, drives the strategy's onCandle/shouldExit/
// getExitLevel contract, and routes the result through the risk gate,
// signal handler, and position book. Grounded on the teacher's
// orchestrator.go dispatch-loop shape (one logical task per resource,
// structured logging at each transition), generalized from the
// optimizer's iteration loop to a live, indefinitely-running consumer
// of streamer events.
package runner

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/perpbot/internal/candles"
	"github.com/atlas-desktop/perpbot/internal/risk"
	"github.com/atlas-desktop/perpbot/internal/strategy"
	"github.com/atlas-desktop/perpbot/pkg/types"
)

// Streamer is the narrow observer capability Runner needs from C3 —
// it never controls the streamer's lifecycle, only watches it, per
// spec §9's "Streamer only observes" cyclic-reference fix.
type Streamer interface {
	Listen(buffer int) (<-chan candles.Event, func())
	GetCandles() []types.Candle
}

// HigherStreamer is a read-only higher-timeframe view.
type HigherStreamer interface {
	GetCandles() []types.Candle
}

// Exchange is the direct market-close capability a strategy-driven
// exit needs; the entry/SL/TP path goes through SignalHandler instead.
type Exchange interface {
	ClosePositionMarket(ctx context.Context, coin string) error
}

// SignalHandler executes an admitted signal (C13).
type SignalHandler interface {
	Handle(ctx context.Context, coin, signalID string, sig types.Signal, size float64) error
}

// Gate is the admission check (C12).
type Gate interface {
	Evaluate(sig risk.IncomingSignal, stats risk.DailyStats) risk.Result
	MarkSeen(alertID string)
}

// Stats supplies the gate's daily counters.
type Stats interface {
	DailyStats(coin, strategy string) risk.DailyStats
}

// SignalLog persists every admitted-or-rejected signal for audit.
type SignalLog interface {
	Save(sig types.StoredSignal)
}

// PositionBook is the subset of C14 the runner reads and mutates.
type PositionBook interface {
	Get(coin string) *types.Position
	Close(coin string) *types.Position
	UpdateTrailingStop(coin string, level float64) error
}

// AutoTrading answers whether (coin, strategy) is currently enabled.
type AutoTrading interface {
	Enabled(coin, strategy string) bool
}

// EventSink fans an admitted-or-rejected signal out to dashboards.
type EventSink interface {
	BroadcastSignal(sig types.StoredSignal)
}

// Config bounds one Runner's identity and bar-close bookkeeping.
type Config struct {
	Coin     string
	Strategy string
}

// Runner drives one (coin, strategy) pair's live bar-close loop.
type Runner struct {
	logger *zap.Logger
	cfg    Config

	streamer Streamer
	higher   map[types.Interval]HigherStreamer
	strat    strategy.Strategy

	gate        Gate
	stats       Stats
	signalLog   SignalLog
	positions   PositionBook
	handler     SignalHandler
	exchange    Exchange
	autoTrading AutoTrading
	sink        EventSink

	barsSinceExit int64
}

// New builds a Runner. higher may be nil if the strategy requires no
// higher timeframe.
func New(logger *zap.Logger, cfg Config, streamer Streamer, higher map[types.Interval]HigherStreamer, strat strategy.Strategy, gate Gate, stats Stats, signalLog SignalLog, positions PositionBook, handler SignalHandler, exchange Exchange, autoTrading AutoTrading, sink EventSink) *Runner {
	return &Runner{
		logger:      logger.Named("runner").With(zap.String("coin", cfg.Coin), zap.String("strategy", cfg.Strategy)),
		cfg:         cfg,
		streamer:    streamer,
		higher:      higher,
		strat:       strat,
		gate:        gate,
		stats:       stats,
		signalLog:   signalLog,
		positions:   positions,
		handler:     handler,
		exchange:    exchange,
		autoTrading: autoTrading,
		sink:        sink,
	}
}

// Run blocks, consuming closed-bar events until ctx is cancelled or
// the streamer stops delivering events.
func (r *Runner) Run(ctx context.Context) error {
	events, cancel := r.streamer.Listen(64)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Kind != candles.EventClose {
				continue
			}
			r.handleClose(ctx)
		}
	}
}

func (r *Runner) handleClose(ctx context.Context) {
	primary := r.streamer.GetCandles()
	if len(primary) == 0 {
		return
	}
	sctx := strategy.Ctx{
		Candles:          primary,
		Index:            len(primary) - 1,
		HigherTimeframes: r.higherSnapshots(),
		BarsSinceExit:    int(atomic.LoadInt64(&r.barsSinceExit)),
	}

	pos := r.positions.Get(r.cfg.Coin)
	if pos == nil {
		r.evaluateEntry(ctx, sctx)
		atomic.AddInt64(&r.barsSinceExit, 1)
		return
	}

	dir := pos.Direction
	entry := pos.EntryPrice
	idx := sctx.Index
	sctx.PositionDirection = &dir
	sctx.PositionEntryPrice = &entry
	sctx.PositionEntryBarIdx = &idx

	if decision := r.strat.ShouldExit(sctx); decision != nil && decision.Exit {
		r.closePosition(ctx, decision.Comment)
		atomic.StoreInt64(&r.barsSinceExit, 0)
		return
	}

	if level := r.strat.GetExitLevel(sctx); level != nil {
		if err := r.positions.UpdateTrailingStop(r.cfg.Coin, *level); err != nil {
			r.logger.Warn("trailing stop update failed", zap.Error(err))
		}
	}
}

func (r *Runner) higherSnapshots() map[types.Interval][]types.Candle {
	if len(r.higher) == 0 {
		return nil
	}
	out := make(map[types.Interval][]types.Candle, len(r.higher))
	for interval, s := range r.higher {
		out[interval] = s.GetCandles()
	}
	return out
}

func (r *Runner) evaluateEntry(ctx context.Context, sctx strategy.Ctx) {
	sig := r.strat.OnCandle(sctx)
	if sig == nil {
		return
	}

	current := sctx.Current()
	alertID := fmt.Sprintf("%s|%s|%d", r.cfg.Coin, r.cfg.Strategy, current.T)

	incoming := risk.IncomingSignal{
		Signal:             *sig,
		AlertID:            alertID,
		Coin:               r.cfg.Coin,
		Strategy:           r.cfg.Strategy,
		CurrentPrice:       current.C,
		AutoTradingEnabled: r.autoTrading.Enabled(r.cfg.Coin, r.cfg.Strategy),
		BarsSinceExit:      sctx.BarsSinceExit,
	}
	result := r.gate.Evaluate(incoming, r.stats.DailyStats(r.cfg.Coin, r.cfg.Strategy))

	stored := types.StoredSignal{
		AlertID:         alertID,
		Source:          "strategy:" + r.cfg.Strategy,
		Coin:            r.cfg.Coin,
		Side:            sig.Direction,
		EntryPrice:      sig.EntryPrice,
		StopLoss:        sig.StopLoss,
		TakeProfits:     sig.TakeProfits,
		RiskCheckPassed: result.Admitted,
		RiskCheckReason: result.Reason,
		CreatedAt:       time.Now(),
	}
	r.signalLog.Save(stored)
	if r.sink != nil {
		r.sink.BroadcastSignal(stored)
	}
	r.gate.MarkSeen(alertID)

	if !result.Admitted {
		r.logger.Info("signal rejected", zap.String("reason", result.Reason))
		return
	}

	if err := r.handler.Handle(ctx, r.cfg.Coin, alertID, *sig, result.Size); err != nil {
		r.logger.Error("signal handling failed", zap.Error(err))
	}
}

func (r *Runner) closePosition(ctx context.Context, comment string) {
	if err := r.exchange.ClosePositionMarket(ctx, r.cfg.Coin); err != nil {
		r.logger.Error("strategy-driven close failed", zap.Error(err), zap.String("comment", comment))
		return
	}
	r.positions.Close(r.cfg.Coin)
	r.logger.Info("strategy-driven close", zap.String("comment", comment))
}
