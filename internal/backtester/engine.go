// Package backtester drives a single strategy over an owned candle
// series bar-by-bar (C6), grounded on the teacher's
// internal/backtester/engine.go decomposition (loop + portfolio state +
// metrics), replaced here with the spec's direct, lookahead-free loop
// instead of the teacher's event-queue simulation.
package backtester

import (
	"github.com/atlas-desktop/perpbot/internal/strategy"
	"github.com/atlas-desktop/perpbot/pkg/types"
)

// ExitReason classifies why a CompletedTrade closed.
type ExitReason string

const (
	ExitStrategy ExitReason = "strategy_exit"
	ExitTimeout  ExitReason = "timeout"
	ExitEOD      ExitReason = "end_of_data"
)

// CompletedTrade is one closed round-trip.
type CompletedTrade struct {
	EntryTs    int64
	ExitTs     int64
	Direction  types.Direction
	EntryPx    float64
	ExitPx     float64
	PnL        float64
	RMultiple  float64
	ExitReason ExitReason
}

// Config bounds a single backtest run.
type Config struct {
	RiskPerTradeUsd  float64
	MaxTradesPerDay  int
	CooldownBars     int
}

// Engine drives Strategy over Candles bar by bar.
type Engine struct {
	candles []types.Candle
	higher  map[types.Interval][]types.Candle
	cfg     Config
}

// NewEngine builds an Engine over an owned primary candle series and
// its higher-timeframe companions (already aggregated).
func NewEngine(candles []types.Candle, higher map[types.Interval][]types.Candle, cfg Config) *Engine {
	return &Engine{candles: candles, higher: higher, cfg: cfg}
}

// openPosition is the engine's internal bookkeeping for the single
// open position a run may hold at a time.
type openPosition struct {
	direction  types.Direction
	entryPx    float64
	entryTs    int64
	entryIdx   int
	size       float64
	stopLoss   float64
}

// Run drives strat over the owned candle series and returns the
// completed trades. Deterministic: identical (candles, strategy, params) always
// yields an identical result.
func (e *Engine) Run(strat strategy.Strategy) []CompletedTrade {
	strat.Init(e.candles, e.higher)

	var trades []CompletedTrade
	var pos *openPosition

	dailyPnl := 0.0
	tradesToday := 0
	barsSinceExit := 1 << 30
	consecutiveLosses := 0
	currentDay := int64(-1)

	for i := range e.candles {
		c := e.candles[i]
		dayBucket := c.T / 86_400_000
		if dayBucket != currentDay {
			currentDay = dayBucket
			dailyPnl = 0
			tradesToday = 0
		}

		ctx := strategy.Ctx{
			Candles:           e.candles,
			Index:             i,
			HigherTimeframes:  e.higher,
			DailyPnl:          dailyPnl,
			TradesToday:       tradesToday,
			BarsSinceExit:     barsSinceExit,
			ConsecutiveLosses: consecutiveLosses,
		}

		if pos != nil {
			dir := pos.direction
			entryPx := pos.entryPx
			entryIdx := pos.entryIdx
			ctx.PositionDirection = &dir
			ctx.PositionEntryPrice = &entryPx
			ctx.PositionEntryBarIdx = &entryIdx

			if decision := strat.ShouldExit(ctx); decision != nil && decision.Exit {
				trade := closeTrade(*pos, c, ExitStrategy)
				trades = append(trades, trade)
				dailyPnl += trade.PnL
				if trade.PnL < 0 {
					consecutiveLosses++
				} else {
					consecutiveLosses = 0
				}
				pos = nil
				barsSinceExit = 0
				continue
			}

			if level := strat.GetExitLevel(ctx); level != nil {
				better := (pos.direction == types.DirectionLong && *level > pos.stopLoss) ||
					(pos.direction == types.DirectionShort && *level < pos.stopLoss)
				if better {
					pos.stopLoss = *level
				}
			}

			if hitStop(*pos, c) {
				trade := closeTrade(*pos, c, ExitStrategy)
				trade.ExitPx = pos.stopLoss
				trade.PnL = pnlFor(pos.direction, pos.entryPx, pos.stopLoss, pos.size)
				trades = append(trades, trade)
				dailyPnl += trade.PnL
				if trade.PnL < 0 {
					consecutiveLosses++
				} else {
					consecutiveLosses = 0
				}
				pos = nil
				barsSinceExit = 0
				continue
			}

			barsSinceExit++
			continue
		}

		barsSinceExit++

		if e.cfg.MaxTradesPerDay > 0 && tradesToday >= e.cfg.MaxTradesPerDay {
			continue
		}
		if e.cfg.CooldownBars > 0 && barsSinceExit < e.cfg.CooldownBars {
			continue
		}

		sig := strat.OnCandle(ctx)
		if sig == nil {
			continue
		}

		entryPx := c.C
		if sig.EntryPrice != nil {
			entryPx = *sig.EntryPrice
			touched := (*sig.EntryPrice >= c.L && *sig.EntryPrice <= c.H)
			if !touched {
				continue // limit not touched this bar
			}
		}

		riskPerUnit := entryPx - sig.StopLoss
		if riskPerUnit < 0 {
			riskPerUnit = -riskPerUnit
		}
		if riskPerUnit <= 0 {
			continue
		}
		size := e.cfg.RiskPerTradeUsd / riskPerUnit

		pos = &openPosition{
			direction: sig.Direction,
			entryPx:   entryPx,
			entryTs:   c.T,
			entryIdx:  i,
			size:      size,
			stopLoss:  sig.StopLoss,
		}
		tradesToday++
	}

	if pos != nil {
		last := e.candles[len(e.candles)-1]
		trade := closeTrade(*pos, last, ExitEOD)
		trades = append(trades, trade)
	}

	return trades
}

func hitStop(pos openPosition, c types.Candle) bool {
	switch pos.direction {
	case types.DirectionLong:
		return c.L <= pos.stopLoss
	case types.DirectionShort:
		return c.H >= pos.stopLoss
	}
	return false
}

func pnlFor(dir types.Direction, entry, exit, size float64) float64 {
	if dir == types.DirectionLong {
		return (exit - entry) * size
	}
	return (entry - exit) * size
}

func closeTrade(pos openPosition, c types.Candle, reason ExitReason) CompletedTrade {
	pnl := pnlFor(pos.direction, pos.entryPx, c.C, pos.size)
	riskPerUnit := pos.entryPx - pos.stopLoss
	if riskPerUnit < 0 {
		riskPerUnit = -riskPerUnit
	}
	rMultiple := 0.0
	if riskPerUnit > 0 {
		rMultiple = pnl / (riskPerUnit * pos.size)
	}
	return CompletedTrade{
		EntryTs:    pos.entryTs,
		ExitTs:     c.T,
		Direction:  pos.direction,
		EntryPx:    pos.entryPx,
		ExitPx:     c.C,
		PnL:        pnl,
		RMultiple:  rMultiple,
		ExitReason: reason,
	}
}

// AggregateOHLC builds a higher-timeframe series from primary bars
// using OHLC aggregation: o=first.o, h=max.h, l=min.l, c=last.c,
// v=sum, n=sum (spec §4.6 step 1).
func AggregateOHLC(primary []types.Candle, bucketMs int64) []types.Candle {
	if bucketMs <= 0 || len(primary) == 0 {
		return nil
	}
	var out []types.Candle
	var cur *types.Candle
	var bucketStart int64 = -1

	for _, c := range primary {
		b := (c.T / bucketMs) * bucketMs
		if b != bucketStart {
			if cur != nil {
				out = append(out, *cur)
			}
			bucketStart = b
			nc := types.Candle{T: b, O: c.O, H: c.H, L: c.L, C: c.C, V: c.V, N: c.N}
			cur = &nc
			continue
		}
		if c.H > cur.H {
			cur.H = c.H
		}
		if c.L < cur.L {
			cur.L = c.L
		}
		cur.C = c.C
		cur.V += c.V
		cur.N += c.N
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}
