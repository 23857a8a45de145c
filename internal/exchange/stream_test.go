package exchange

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/perpbot/internal/dedup"
	"github.com/atlas-desktop/perpbot/pkg/types"
)

type scriptedConn struct {
	mu       sync.Mutex
	messages [][]byte
	idx      int
	closed   bool
}

func (c *scriptedConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idx >= len(c.messages) {
		return 0, nil, io.EOF
	}
	m := c.messages[c.idx]
	c.idx++
	return 1, m, nil
}

func (c *scriptedConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeBook struct {
	mu     sync.Mutex
	calls  []struct{ coin string; qty, price float64 }
	closed *types.Position
}

func (f *fakeBook) ReduceSize(coin string, filledQty, fillPrice float64) (*types.Position, *types.Position) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, struct {
		coin      string
		qty, price float64
	}{coin, filledQty, fillPrice})
	return nil, f.closed
}

type fakeOrderStore struct {
	mu       sync.Mutex
	statuses []string
	fills    []types.Fill
}

func (f *fakeOrderStore) UpdateStatus(hlOrderID string, status types.OrderStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, string(status))
}

func (f *fakeOrderStore) SaveFill(fill types.Fill) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fills = append(f.fills, fill)
}

type fakeSink struct {
	mu     sync.Mutex
	closed []types.Position
	pnl    []float64
}

func (f *fakeSink) PositionClosed(pos types.Position, realizedPnL float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, pos)
	f.pnl = append(f.pnl, realizedPnL)
}

func TestHandleFillReducesPositionAndDedupsRepeat(t *testing.T) {
	book := &fakeBook{}
	orders := &fakeOrderStore{}
	sink := &fakeSink{}
	s := New(zap.NewNop(), nil, book, orders, sink, dedup.NewLRU(10))

	msg := []byte(`{"channel":"fills","data":[{"hlOrderId":"o1","fillId":"f1","coin":"BTC","tag":"sl","price":95,"size":2,"fee":0.1}]}`)
	s.handleMessage(msg)
	s.handleMessage(msg) // replay, e.g. snapshot-on-resubscribe

	assert.Len(t, orders.fills, 1)
	assert.Len(t, book.calls, 1)
}

func TestHandleFillSkipsEntryTag(t *testing.T) {
	book := &fakeBook{}
	orders := &fakeOrderStore{}
	sink := &fakeSink{}
	s := New(zap.NewNop(), nil, book, orders, sink, dedup.NewLRU(10))

	msg := []byte(`{"channel":"fills","data":[{"hlOrderId":"o1","fillId":"f1","coin":"BTC","tag":"entry","price":100,"size":2}]}`)
	s.handleMessage(msg)

	assert.Len(t, orders.fills, 1)
	assert.Empty(t, book.calls)
}

func TestHandleFillEmitsPositionClosedWhenBookReportsClosed(t *testing.T) {
	closedPos := types.Position{Coin: "BTC", Direction: types.DirectionLong, EntryPrice: 100, Size: 2}
	book := &fakeBook{closed: &closedPos}
	orders := &fakeOrderStore{}
	sink := &fakeSink{}
	s := New(zap.NewNop(), nil, book, orders, sink, dedup.NewLRU(10))

	msg := []byte(`{"channel":"fills","data":[{"hlOrderId":"o1","fillId":"f1","coin":"BTC","tag":"tp1","price":110,"size":2}]}`)
	s.handleMessage(msg)

	require.Len(t, sink.closed, 1)
	assert.InDelta(t, 20.0, sink.pnl[0], 0.0001)
}

func TestHandleOrderUpdate(t *testing.T) {
	orders := &fakeOrderStore{}
	s := New(zap.NewNop(), nil, &fakeBook{}, orders, &fakeSink{}, dedup.NewLRU(10))

	msg := []byte(`{"channel":"orderUpdates","data":[{"hlOrderId":"o1","coin":"BTC","status":"filled"}]}`)
	s.handleMessage(msg)

	require.Len(t, orders.statuses, 1)
	assert.Equal(t, "filled", orders.statuses[0])
}

func TestSafeHandleRecoversFromMalformedPayload(t *testing.T) {
	s := New(zap.NewNop(), nil, &fakeBook{}, &fakeOrderStore{}, &fakeSink{}, dedup.NewLRU(10))
	assert.NotPanics(t, func() {
		s.safeHandle([]byte(`not json`))
		s.safeHandle([]byte(`{"channel":"fills","data":123}`))
	})
}

func TestRunReconnectsAfterDialError(t *testing.T) {
	attempts := 0
	var mu sync.Mutex
	conn := &scriptedConn{messages: [][]byte{
		[]byte(`{"channel":"orderUpdates","data":[{"hlOrderId":"o1","status":"filled"}]}`),
	}}
	dialer := func(ctx context.Context) (Conn, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			return nil, errors.New("dial refused")
		}
		return conn, nil
	}

	orders := &fakeOrderStore{}
	s := New(zap.NewNop(), dialer, &fakeBook{}, orders, &fakeSink{}, dedup.NewLRU(10))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := attempts
		mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("dialer never retried after failure")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
}
