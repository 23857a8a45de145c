package optimizer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/perpbot/internal/strategy"
	"github.com/atlas-desktop/perpbot/pkg/types"
)

// profitableStrategy enters long once at bar 1 and exits profitably at
// bar 4 on every backtest, so a session has a single stable score and
// the checkpoint/criteria-met path can be exercised deterministically.
type profitableStrategy struct{}

func (profitableStrategy) Name() string                          { return "fixed-profit" }
func (profitableStrategy) Params() map[string]types.StrategyParam { return nil }
func (profitableStrategy) RequiredTimeframes() []types.Interval   { return nil }
func (profitableStrategy) Init([]types.Candle, map[types.Interval][]types.Candle) {}

func (profitableStrategy) OnCandle(ctx strategy.Ctx) *types.Signal {
	if ctx.Index != 1 {
		return nil
	}
	return &types.Signal{Direction: types.DirectionLong, StopLoss: 90}
}

func (profitableStrategy) ShouldExit(ctx strategy.Ctx) *strategy.ExitDecision {
	if ctx.Index >= 4 {
		return &strategy.ExitDecision{Exit: true}
	}
	return &strategy.ExitDecision{Exit: false}
}

func (profitableStrategy) GetExitLevel(ctx strategy.Ctx) *float64 { return nil }

func flatRisingCandles(n int) []types.Candle {
	out := make([]types.Candle, n)
	price := 100.0
	for i := range out {
		out[i] = types.Candle{T: int64(i) * 3_600_000, O: price, H: price + 2, L: price - 2, C: price, V: 10, N: 1}
		price += 2
	}
	return out
}

func newTestOrchestrator(t *testing.T, maxIter, minTrades int) *Orchestrator {
	t.Helper()
	dir := t.TempDir()
	src := filepath.Join(dir, "strategy.go.src")
	require.NoError(t, os.WriteFile(src, []byte("package strategy\n"), 0o644))

	cfg := Config{
		MaxIter:           maxIter,
		MaxCycles:         1,
		MinTrades:         minTrades,
		RiskPerTradeUsd:   100,
		WorkingSourcePath: src,
		CheckpointDir:     filepath.Join(dir, "checkpoints"),
		HistoryPath:       filepath.Join(dir, "history.json"),
	}

	builder := func(map[string]float64) (strategy.Strategy, error) {
		return profitableStrategy{}, nil
	}

	o, err := New(zap.NewNop(), cfg, "BTC", "fixed-profit", flatRisingCandles(10), nil, builder, nil)
	require.NoError(t, err)
	return o
}

func TestRunSessionCheckpointsOnProfitableIteration(t *testing.T) {
	o := newTestOrchestrator(t, 5, 0)

	_, err := o.RunSession(context.Background())
	require.NoError(t, err)

	assert.True(t, o.checkpoints.Exists("best"))
	assert.Greater(t, o.bestScore, 0.0)
}

func TestRunSessionNeverCheckpointsBelowMinTrades(t *testing.T) {
	o := newTestOrchestrator(t, 3, 1000) // unreachable trade floor

	_, err := o.RunSession(context.Background())
	require.NoError(t, err)

	assert.False(t, o.checkpoints.Exists("best"))
}

func TestAssetLockSerializesConcurrentSessions(t *testing.T) {
	o1 := newTestOrchestrator(t, 2, 0)
	o2 := newTestOrchestrator(t, 2, 0)
	// Same coin/strategy pair maps to the same process-wide lock.
	o2.coin, o2.strategyName = o1.coin, o1.strategyName

	lock := lockForAsset(o1.assetKey())
	lock.Lock()
	done := make(chan struct{})
	go func() {
		_, _ = o2.RunSession(context.Background())
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second session should have blocked on the held asset lock")
	default:
	}
	lock.Unlock()
	<-done
}
