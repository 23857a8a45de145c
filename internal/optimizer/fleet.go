package optimizer

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/atlas-desktop/perpbot/internal/workerpool"
	"github.com/atlas-desktop/perpbot/pkg/types"
)

// Fleet runs many (coin, strategy) Orchestrator sessions under a
// bounded worker pool, so sweeping a watchlist across strategies can't
// fork one goroutine (and, via each Orchestrator's Modifier, one
// external subprocess) per pair. Grounded on spec §4.11/§9's bounded
// concurrency requirement; internal/workerpool is the teacher's
// workers.Pool, adapted.
type Fleet struct {
	logger *zap.Logger
	pool   *workerpool.Pool

	mu      sync.Mutex
	results map[string]fleetResult
}

type fleetResult struct {
	metrics types.SnapshotMetrics
	err     error
}

// NewFleet builds a Fleet whose pool is sized by cfg (nil uses
// workerpool.DefaultConfig, sized to the host's CPU count).
func NewFleet(logger *zap.Logger, cfg *workerpool.Config) *Fleet {
	pool := workerpool.New(logger.Named("optimizer-fleet"), cfg)
	pool.Start()
	return &Fleet{
		logger:  logger.Named("optimizer-fleet"),
		pool:    pool,
		results: make(map[string]fleetResult),
	}
}

// Submit enqueues a session to run under the fleet's bounded pool. It
// returns ErrQueueFull immediately if the pool's backlog is saturated,
// per spec §10's "suspension points at every I/O boundary" — a full
// queue here is itself an I/O-bound backpressure signal, not a reason
// to spawn an unbounded extra goroutine.
func (f *Fleet) Submit(ctx context.Context, o *Orchestrator) error {
	key := o.assetKey()
	return f.pool.SubmitFunc(func() error {
		metrics, err := o.RunSession(ctx)
		f.mu.Lock()
		f.results[key] = fleetResult{metrics: metrics, err: err}
		f.mu.Unlock()
		if err != nil {
			return fmt.Errorf("optimizer: session %s: %w", key, err)
		}
		return nil
	})
}

// Result returns the most recent recorded outcome for (coin, strategy),
// and whether a result has been recorded yet.
func (f *Fleet) Result(coin, strategy string) (types.SnapshotMetrics, error, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.results[coin+"/"+strategy]
	return r.metrics, r.err, ok
}

// Stats exposes the underlying pool's throughput/failure counters.
func (f *Fleet) Stats() workerpool.Stats { return f.pool.Stats() }

// Shutdown stops accepting new sessions and waits for in-flight ones
// to finish, per the pool's configured shutdown timeout.
func (f *Fleet) Shutdown() error { return f.pool.Stop() }
