// Package risk implements the admit-or-reject guardrail gate (C12):
// ten ordered checks over an incoming signal, terminating on the
// first failure. Grounded on internal/execution/risk_manager.go's
// RiskManager.CheckOrder (ordered checks accumulating into a single
// result, daily trade/loss counters, kill-switch style gating),
// generalized from its percentage-of-portfolio limits to the spec's
// fixed-size/fixed-risk checks and extended with the idempotency-dedup
// first step the teacher has no equivalent of.
package risk

import (
	"math"

	"github.com/atlas-desktop/perpbot/internal/dedup"
	"github.com/atlas-desktop/perpbot/pkg/types"
)

// Mode selects the position-sizing formula (spec §4.12 step 7).
type Mode string

const (
	ModeRisk Mode = "risk" // size = riskPerTradeUsd / |entry-stopLoss|
	ModeCash Mode = "cash" // size = cashPerTrade / entry
)

// Config bounds one (coin, strategy) runner's guardrails.
type Config struct {
	Mode            Mode
	RiskPerTradeUsd float64
	CashPerTrade    float64

	MaxTradesPerDay int
	MaxDailyLossUsd float64

	MaxOpenPositions int

	MaxNotionalUsd float64
	MaxLeverage    float64
	Leverage       float64

	CooldownBars int
	SzDecimals   int

	ProtectedFields []string
}

// DailyStats is the runner's rolling daily counters, supplied fresh
// per check since they're mutated outside this package (by the
// position/order book as fills land).
type DailyStats struct {
	TradesToday      int
	RealizedPnLToday float64
}

// OpenPositions answers the two position-count questions the gate
// needs without owning the position book itself.
type OpenPositions interface {
	Count() int
	HasCoin(coin string) bool
}

// ParamOverride is a proposed strategy parameter change riding along
// with a signal (e.g. a hot-reloaded config push); validated against
// Config.ProtectedFields and the strategy's declared bounds before the
// signal is admitted.
type ParamOverride struct {
	Param string
	Value float64
}

// IncomingSignal is everything the gate needs to evaluate one signal.
type IncomingSignal struct {
	types.Signal
	AlertID      string
	Coin         string
	Strategy     string
	CurrentPrice float64

	AutoTradingEnabled bool
	BarsSinceExit      int
	ParamOverrides     []ParamOverride
}

// Result is the gate's verdict: Admitted plus either a Size to trade
// or a human-readable Reason for rejection.
type Result struct {
	Admitted bool
	Reason   string
	Size     float64
}

// Gate evaluates incoming signals against the ten ordered checks.
type Gate struct {
	cfg       Config
	dedup     dedup.Store
	positions OpenPositions
	params    map[string]types.StrategyParam
}

// New builds a Gate. params is the chosen strategy's declared
// parameter bounds, used by the step-10 protected-fields/bounds check.
func New(cfg Config, store dedup.Store, positions OpenPositions, params map[string]types.StrategyParam) *Gate {
	return &Gate{cfg: cfg, dedup: store, positions: positions, params: params}
}

// Evaluate runs the ten ordered checks against sig and stats, stopping
// at the first failure. Every outcome is returned as a Result and
// should be persisted as a types.StoredSignal by the caller regardless
// of Admitted.
func (g *Gate) Evaluate(sig IncomingSignal, stats DailyStats) Result {
	// 1. Idempotency.
	if sig.AlertID != "" {
		if g.dedup.Has(sig.AlertID) {
			return reject("Duplicate")
		}
	}

	// 2. Signal schema & sign relations.
	if err := sig.Signal.Validate(sig.CurrentPrice); err != nil {
		return reject(err.Error())
	}

	// 3. Auto-trading flag.
	if !sig.AutoTradingEnabled {
		return reject("auto-trading disabled for " + sig.Coin + "/" + sig.Strategy)
	}

	// 4. Daily trade count.
	if g.cfg.MaxTradesPerDay > 0 && stats.TradesToday >= g.cfg.MaxTradesPerDay {
		return reject("daily trade cap reached")
	}

	// 5. Daily realized PnL.
	if g.cfg.MaxDailyLossUsd > 0 && stats.RealizedPnLToday <= -g.cfg.MaxDailyLossUsd {
		return reject("daily loss cap reached")
	}

	// 6. Open-positions cap + no existing position for this coin.
	if g.cfg.MaxOpenPositions > 0 && g.positions.Count() >= g.cfg.MaxOpenPositions {
		return reject("open-positions cap reached")
	}
	if g.positions.HasCoin(sig.Coin) {
		return reject("position already open for " + sig.Coin)
	}

	// 7. Position sizing.
	entry := sig.CurrentPrice
	if sig.EntryPrice != nil {
		entry = *sig.EntryPrice
	}
	size := g.sizeFor(sig, entry)
	if size <= 0 {
		return reject("computed size rounds to zero")
	}

	// 8. Notional / leverage caps.
	leverage := g.cfg.Leverage
	if leverage <= 0 {
		leverage = 1
	}
	if g.cfg.MaxLeverage > 0 && leverage > g.cfg.MaxLeverage {
		return reject("leverage exceeds maximum")
	}
	notional := size * entry * leverage
	if g.cfg.MaxNotionalUsd > 0 && notional > g.cfg.MaxNotionalUsd {
		return reject("notional exceeds maximum")
	}

	// 9. Cooldown.
	if g.cfg.CooldownBars > 0 && sig.BarsSinceExit < g.cfg.CooldownBars {
		return reject("cooldown active")
	}

	// 10. Protected fields / parameter bounds.
	if reason := g.checkOverrides(sig.ParamOverrides); reason != "" {
		return reject(reason)
	}

	return Result{Admitted: true, Size: size}
}

func (g *Gate) sizeFor(sig IncomingSignal, entry float64) float64 {
	var raw float64
	switch g.cfg.Mode {
	case ModeCash:
		if entry == 0 {
			return 0
		}
		raw = g.cfg.CashPerTrade / entry
	default:
		riskPerUnit := math.Abs(entry - sig.StopLoss)
		if riskPerUnit == 0 {
			return 0
		}
		raw = g.cfg.RiskPerTradeUsd / riskPerUnit
	}
	return roundDown(raw, g.cfg.SzDecimals)
}

func roundDown(v float64, decimals int) float64 {
	if decimals < 0 {
		decimals = 0
	}
	scale := math.Pow(10, float64(decimals))
	return math.Floor(v*scale) / scale
}

func (g *Gate) checkOverrides(overrides []ParamOverride) string {
	for _, o := range overrides {
		for _, protected := range g.cfg.ProtectedFields {
			if o.Param == protected {
				return "parameter " + o.Param + " is protected"
			}
		}
		if p, ok := g.params[o.Param]; ok {
			if o.Value < p.Min || o.Value > p.Max {
				return "parameter " + o.Param + " out of bounds"
			}
		}
	}
	return ""
}

// MarkSeen records alertID as seen, so a later Evaluate with the same
// alertID is rejected as "Duplicate"; an empty alertID is ignored. The
// callers mark a signal once the gate has decided on it, before it is
// executed.
func (g *Gate) MarkSeen(alertID string) {
	if alertID != "" {
		g.dedup.Set(alertID)
	}
}

func reject(reason string) Result { return Result{Admitted: false, Reason: reason} }
