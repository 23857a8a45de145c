package positionbook

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/perpbot/pkg/types"
)

type fakeExchange struct {
	cancelErr      error
	stopErr        error
	cancelledIDs   []string
	placedStopAt   []float64
	nextStopID     string
	openOrderIDs   []string
	openOrderErr   error
}

func (f *fakeExchange) CancelOrder(coin, hlOrderID string) error {
	f.cancelledIDs = append(f.cancelledIDs, hlOrderID)
	return f.cancelErr
}
func (f *fakeExchange) PlaceReduceOnlyStop(coin string, dir types.Direction, size, trigger float64) (string, error) {
	if f.stopErr != nil {
		return "", f.stopErr
	}
	f.placedStopAt = append(f.placedStopAt, trigger)
	if f.nextStopID == "" {
		return "stop-new", nil
	}
	return f.nextStopID, nil
}
func (f *fakeExchange) PlaceReduceOnlyLimit(coin string, dir types.Direction, size, price float64) (string, error) {
	return "tp-new", nil
}
func (f *fakeExchange) OpenOrderIDs(coin string) ([]string, error) {
	return f.openOrderIDs, f.openOrderErr
}

type fakeOrders struct {
	saved []types.Order
}

func (f *fakeOrders) Save(o types.Order) { f.saved = append(f.saved, o) }

func basePosition() types.Position {
	return types.Position{
		Coin:       "BTC",
		Direction:  types.DirectionLong,
		EntryPrice: 100,
		Size:       2,
		StopLoss:   90,
	}
}

func TestOpenGetHasCoinCount(t *testing.T) {
	b := New(zap.NewNop(), &fakeExchange{}, &fakeOrders{})
	b.Open(basePosition())

	assert.True(t, b.HasCoin("BTC"))
	assert.Equal(t, 1, b.Count())
	require.NotNil(t, b.Get("BTC"))
	assert.Equal(t, 2.0, b.Get("BTC").Size)
}

func TestReduceSizeClosesAtZero(t *testing.T) {
	b := New(zap.NewNop(), &fakeExchange{}, &fakeOrders{})
	b.Open(basePosition())

	remaining, closed := b.ReduceSize("BTC", 1, 105)
	require.NotNil(t, remaining)
	assert.Nil(t, closed)
	assert.True(t, b.HasCoin("BTC")) // still open, half the size filled

	_, closed = b.ReduceSize("BTC", 1, 105)
	require.NotNil(t, closed)
	assert.False(t, b.HasCoin("BTC"))
}

func TestUpdateTrailingStopAppliesStrictlyBetterLevel(t *testing.T) {
	ex := &fakeExchange{}
	ords := &fakeOrders{}
	b := New(zap.NewNop(), ex, ords)
	b.Open(basePosition())

	err := b.UpdateTrailingStop("BTC", 95)
	require.NoError(t, err)
	assert.Equal(t, []float64{95}, ex.placedStopAt)
	require.Len(t, ords.saved, 1)
	assert.Equal(t, 95.0, *b.Get("BTC").TrailingStopLoss)
}

func TestUpdateTrailingStopIgnoresWorseLevel(t *testing.T) {
	ex := &fakeExchange{}
	b := New(zap.NewNop(), ex, &fakeOrders{})
	b.Open(basePosition())

	err := b.UpdateTrailingStop("BTC", 80) // worse than stopLoss=90 for a long
	require.NoError(t, err)
	assert.Empty(t, ex.placedStopAt)
	assert.Nil(t, b.Get("BTC").TrailingStopLoss)
}

func TestUpdateTrailingStopCancelsPriorStopOrder(t *testing.T) {
	ex := &fakeExchange{}
	b := New(zap.NewNop(), ex, &fakeOrders{})
	b.Open(basePosition())

	require.NoError(t, b.UpdateTrailingStop("BTC", 95))
	require.NoError(t, b.UpdateTrailingStop("BTC", 98))
	assert.Equal(t, []string{"stop-new"}, ex.cancelledIDs)
}

func TestReconcileRegeneratesMissingStop(t *testing.T) {
	ex := &fakeExchange{openOrderIDs: []string{}}
	b := New(zap.NewNop(), ex, &fakeOrders{})
	b.Open(basePosition())

	err := b.Reconcile("BTC")
	require.NoError(t, err)
	assert.Equal(t, []float64{90}, ex.placedStopAt)
}

func TestReconcileLeavesMatchingStopAlone(t *testing.T) {
	ex := &fakeExchange{}
	b := New(zap.NewNop(), ex, &fakeOrders{})
	b.Open(basePosition())
	require.NoError(t, b.UpdateTrailingStop("BTC", 95))

	ex.openOrderIDs = []string{"stop-new"}
	require.NoError(t, b.Reconcile("BTC"))
	assert.Len(t, ex.placedStopAt, 1) // no second placement
}

func TestReconcilePropagatesExchangeError(t *testing.T) {
	ex := &fakeExchange{openOrderErr: errors.New("ws down")}
	b := New(zap.NewNop(), ex, &fakeOrders{})
	b.Open(basePosition())

	err := b.Reconcile("BTC")
	assert.Error(t, err)
}

func TestRealizedPnLLongAndShort(t *testing.T) {
	long := basePosition()
	assert.InDelta(t, 10.0, RealizedPnL(long, 105), 0.0001)

	short := basePosition()
	short.Direction = types.DirectionShort
	assert.InDelta(t, -10.0, RealizedPnL(short, 105), 0.0001)
}
