package optimizer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/perpbot/internal/strategy"
	"github.com/atlas-desktop/perpbot/internal/workerpool"
)

func newFleetTestOrchestrator(t *testing.T, coin string) *Orchestrator {
	t.Helper()
	dir := t.TempDir()
	src := filepath.Join(dir, "strategy.go.src")
	require.NoError(t, os.WriteFile(src, []byte("package strategy\n"), 0o644))

	cfg := Config{
		MaxIter:           2,
		MaxCycles:         1,
		MinTrades:         0,
		RiskPerTradeUsd:   100,
		WorkingSourcePath: src,
		CheckpointDir:     filepath.Join(dir, "checkpoints"),
		HistoryPath:       filepath.Join(dir, "history.json"),
	}
	builder := func(map[string]float64) (strategy.Strategy, error) {
		return profitableStrategy{}, nil
	}

	o, err := New(zap.NewNop(), cfg, coin, "fixed-profit", flatRisingCandles(10), nil, builder, nil)
	require.NoError(t, err)
	return o
}

func TestFleetSubmitRunsSessionsConcurrently(t *testing.T) {
	cfg := workerpool.DefaultConfig("fleet-test")
	cfg.NumWorkers = 2
	cfg.TaskTimeout = 2 * time.Second
	cfg.ShutdownTimeout = 2 * time.Second

	fleet := NewFleet(zap.NewNop(), cfg)
	defer fleet.Shutdown()

	o1 := newFleetTestOrchestrator(t, "BTC")
	o2 := newFleetTestOrchestrator(t, "ETH")

	require.NoError(t, fleet.Submit(context.Background(), o1))
	require.NoError(t, fleet.Submit(context.Background(), o2))

	require.Eventually(t, func() bool {
		_, _, ok1 := fleet.Result("BTC", "fixed-profit")
		_, _, ok2 := fleet.Result("ETH", "fixed-profit")
		return ok1 && ok2
	}, 2*time.Second, 10*time.Millisecond)

	stats := fleet.Stats()
	assert.Equal(t, int64(2), stats.TasksSubmitted)
}

func TestFleetQueueFullReturnsError(t *testing.T) {
	cfg := workerpool.DefaultConfig("fleet-small")
	cfg.NumWorkers = 1
	cfg.QueueSize = 1
	cfg.TaskTimeout = 2 * time.Second
	cfg.ShutdownTimeout = time.Second

	fleet := NewFleet(zap.NewNop(), cfg)
	defer fleet.Shutdown()

	var submitErr error
	for i := 0; i < 5; i++ {
		o := newFleetTestOrchestrator(t, "BTC")
		if err := fleet.Submit(context.Background(), o); err != nil {
			submitErr = err
			break
		}
	}
	assert.ErrorIs(t, submitErr, workerpool.ErrQueueFull)
}
