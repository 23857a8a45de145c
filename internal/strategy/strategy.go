// Package strategy defines the bar-indexed strategy contract (C5) and
// the registry of concrete implementations. Grounded on the teacher's
// internal/strategy/strategy.go Strategy interface and StrategyRegistry
// shape, generalized from OnBar/OnTick to the spec's
// onCandle/shouldExit/getExitLevel contract.
package strategy

import (
	"fmt"
	"sync"

	"github.com/atlas-desktop/perpbot/pkg/types"
)

// ExitDecision is the result of ShouldExit.
type ExitDecision struct {
	Exit    bool
	Comment string
}

// Ctx is the read-only view passed to every strategy call.
type Ctx struct {
	Candles          []types.Candle
	Index            int
	HigherTimeframes map[types.Interval][]types.Candle

	PositionDirection   *types.Direction
	PositionEntryPrice  *float64
	PositionEntryBarIdx *int

	DailyPnl          float64
	TradesToday       int
	BarsSinceExit     int
	ConsecutiveLosses int
}

// Current returns the candle at the context's index.
func (c Ctx) Current() types.Candle { return c.Candles[c.Index] }

// Strategy is the pluggable bar-indexed signal/exit contract.
type Strategy interface {
	Name() string
	Params() map[string]types.StrategyParam
	RequiredTimeframes() []types.Interval

	// Init is called once with the primary and higher-timeframe series
	// before any OnCandle call, so a strategy may precompute indicator
	// arrays. Optional: implementations may no-op.
	Init(primary []types.Candle, higher map[types.Interval][]types.Candle)

	// OnCandle is invoked for each fully closed primary bar while no
	// position is open. Implementations below their warmup index MUST
	// return nil.
	OnCandle(ctx Ctx) *types.Signal

	// ShouldExit is invoked each bar while a position is open.
	ShouldExit(ctx Ctx) *ExitDecision

	// GetExitLevel is the current trailing-stop level, or nil if the
	// strategy does not provide trailing stops.
	GetExitLevel(ctx Ctx) *float64
}

// Factory constructs a Strategy from a parameter override map.
type Factory func(params map[string]float64) (Strategy, error)

// Registry is a name -> factory map, in the teacher's
// StrategyRegistry idiom (Register/Create/List).
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a named factory. Panics on duplicate registration,
// matching the teacher's fail-fast init-time registration style.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		panic(fmt.Sprintf("strategy %q already registered", name))
	}
	r.factories[name] = factory
}

// Create instantiates the named strategy with the given parameter
// overrides.
func (r *Registry) Create(name string, params map[string]float64) (Strategy, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
	return factory(params)
}

// List returns the registered strategy names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

// NewDefaultRegistry registers the three reference strategies.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("donchian-adx-breakout", NewDonchianADXBreakout)
	r.Register("keltner-rsi2-reversion", NewKeltnerRSI2Reversion)
	r.Register("ema-pullback-continuation", NewEMAPullbackContinuation)
	return r
}

// HigherValueAt implements the higher-timeframe bar-completion rule
// (spec §4.5): scans values newest-to-oldest for the largest j such
// that hCandles[j].t + H <= t and values[j] is not NaN.
func HigherValueAt(hCandles []types.Candle, values []float64, primaryT int64, higherIntervalMs int64) (float64, bool) {
	for j := len(hCandles) - 1; j >= 0; j-- {
		if hCandles[j].T+higherIntervalMs <= primaryT && !isNaN(values[j]) {
			return values[j], true
		}
	}
	return 0, false
}

func isNaN(f float64) bool { return f != f }
