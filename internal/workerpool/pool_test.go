package workerpool

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig(name string) *Config {
	cfg := DefaultConfig(name)
	cfg.NumWorkers = 2
	cfg.QueueSize = 16
	cfg.TaskTimeout = 200 * time.Millisecond
	cfg.ShutdownTimeout = time.Second
	return cfg
}

func TestSubmitRunsTaskAndUpdatesStats(t *testing.T) {
	p := New(zap.NewNop(), testConfig("t1"))
	p.Start()
	defer p.Stop()

	var ran int32
	require.NoError(t, p.SubmitFunc(func() error {
		atomic.AddInt32(&ran, 1)
		return nil
	}))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&ran) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), p.Stats().TasksCompleted)
}

func TestSubmitWaitBlocksUntilDone(t *testing.T) {
	p := New(zap.NewNop(), testConfig("t2"))
	p.Start()
	defer p.Stop()

	err := p.SubmitWait(TaskFunc(func() error { return errors.New("boom") }))
	assert.EqualError(t, err, "boom")
	assert.Equal(t, int64(1), p.Stats().TasksFailed)
}

func TestSubmitBeforeStartReturnsPoolStopped(t *testing.T) {
	p := New(zap.NewNop(), testConfig("t3"))
	err := p.Submit(TaskFunc(func() error { return nil }))
	assert.ErrorIs(t, err, ErrPoolStopped)
}

func TestSubmitAfterStopReturnsPoolStopped(t *testing.T) {
	p := New(zap.NewNop(), testConfig("t4"))
	p.Start()
	require.NoError(t, p.Stop())
	err := p.Submit(TaskFunc(func() error { return nil }))
	assert.ErrorIs(t, err, ErrPoolStopped)
}

func TestQueueFullReturnsErrQueueFull(t *testing.T) {
	cfg := testConfig("t5")
	cfg.NumWorkers = 1
	cfg.QueueSize = 1
	p := New(zap.NewNop(), cfg)
	p.Start()
	defer p.Stop()

	block := make(chan struct{})
	require.NoError(t, p.SubmitFunc(func() error { <-block; return nil }))
	// Wait until the single worker has taken the blocking task off the queue.
	require.Eventually(t, func() bool { return p.QueueLength() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, p.Submit(TaskFunc(func() error { return nil })))

	err := p.Submit(TaskFunc(func() error { return nil }))
	assert.ErrorIs(t, err, ErrQueueFull)
	close(block)
}

func TestPanicInTaskIsRecovered(t *testing.T) {
	p := New(zap.NewNop(), testConfig("t6"))
	p.Start()
	defer p.Stop()

	require.NoError(t, p.SubmitWait(TaskFunc(func() error {
		panic("oh no")
	})))
	assert.Equal(t, int64(1), p.Stats().PanicRecovered)
}

func TestTaskTimeoutIsCounted(t *testing.T) {
	cfg := testConfig("t7")
	cfg.TaskTimeout = 20 * time.Millisecond
	p := New(zap.NewNop(), cfg)
	p.Start()
	defer p.Stop()

	require.NoError(t, p.SubmitFunc(func() error {
		time.Sleep(100 * time.Millisecond)
		return nil
	}))
	require.Eventually(t, func() bool { return p.Stats().TasksTimeout == 1 }, time.Second, 10*time.Millisecond)
}

func TestStopIsIdempotent(t *testing.T) {
	p := New(zap.NewNop(), testConfig("t8"))
	p.Start()
	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())
	assert.False(t, p.IsRunning())
}
