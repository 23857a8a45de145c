package signalhandler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/perpbot/pkg/types"
)

type fakeExchange struct {
	leverageSet   bool
	entryErr      error
	slErr         error
	tpErr         error
	closeCalled   bool
	filledSize    float64
	avgPrice      float64
}

func (f *fakeExchange) SetLeverage(ctx context.Context, coin string, leverage float64, cross bool) error {
	f.leverageSet = true
	return nil
}
func (f *fakeExchange) PlaceEntry(ctx context.Context, coin string, dir types.Direction, size float64, limitPrice *float64, slippageBps float64) (float64, float64, string, error) {
	if f.entryErr != nil {
		return 0, 0, "", f.entryErr
	}
	return f.filledSize, f.avgPrice, "entry-1", nil
}
func (f *fakeExchange) PlaceReduceOnlyStop(ctx context.Context, coin string, dir types.Direction, size float64, trigger float64) (string, error) {
	if f.slErr != nil {
		return "", f.slErr
	}
	return "sl-1", nil
}
func (f *fakeExchange) PlaceReduceOnlyLimit(ctx context.Context, coin string, dir types.Direction, size float64, price float64) (string, error) {
	if f.tpErr != nil {
		return "", f.tpErr
	}
	return "tp-1", nil
}
func (f *fakeExchange) ClosePositionMarket(ctx context.Context, coin string) error {
	f.closeCalled = true
	return nil
}

type fakePositions struct {
	opened *types.Position
}

func (f *fakePositions) Open(pos types.Position) { f.opened = &pos }

type fakeOrders struct {
	saved []types.Order
}

func (f *fakeOrders) Save(o types.Order) { f.saved = append(f.saved, o) }

type fakeNotifier struct {
	messages []string
}

func (f *fakeNotifier) Notify(msg string) { f.messages = append(f.messages, msg) }

type fakeAlarms struct {
	criticals []string
}

func (f *fakeAlarms) Critical(reason string) { f.criticals = append(f.criticals, reason) }

func testSignal() types.Signal {
	return types.Signal{
		Direction:   types.DirectionLong,
		StopLoss:    95,
		TakeProfits: []types.TakeProfit{{Price: 110, PctOfPosition: 0.5}, {Price: 120, PctOfPosition: 0.5}},
	}
}

func TestHandleFullSuccessPath(t *testing.T) {
	ex := &fakeExchange{filledSize: 2, avgPrice: 100}
	pos := &fakePositions{}
	ord := &fakeOrders{}
	notif := &fakeNotifier{}
	alarms := &fakeAlarms{}

	h := New(zap.NewNop(), Config{Leverage: 5}, ex, pos, ord, notif, alarms)
	err := h.Handle(context.Background(), "BTC", "sig-1", testSignal(), 2)

	require.NoError(t, err)
	assert.True(t, ex.leverageSet)
	require.NotNil(t, pos.opened)
	assert.Equal(t, "BTC", pos.opened.Coin)
	assert.Len(t, ord.saved, 4) // entry + sl + 2 tp legs
	assert.Len(t, notif.messages, 1)
	assert.Empty(t, alarms.criticals)
}

func TestHandleAbortsOnEntryFailure(t *testing.T) {
	ex := &fakeExchange{entryErr: errors.New("exchange rejected order")}
	pos := &fakePositions{}
	ord := &fakeOrders{}
	notif := &fakeNotifier{}
	alarms := &fakeAlarms{}

	h := New(zap.NewNop(), Config{}, ex, pos, ord, notif, alarms)
	err := h.Handle(context.Background(), "BTC", "sig-1", testSignal(), 2)

	require.Error(t, err)
	assert.Nil(t, pos.opened)
	assert.Empty(t, ord.saved)
	assert.Empty(t, notif.messages)
}

func TestHandleCriticalAlarmAndCloseOnStopLossFailure(t *testing.T) {
	ex := &fakeExchange{filledSize: 2, avgPrice: 100, slErr: errors.New("stop rejected")}
	pos := &fakePositions{}
	ord := &fakeOrders{}
	notif := &fakeNotifier{}
	alarms := &fakeAlarms{}

	h := New(zap.NewNop(), Config{}, ex, pos, ord, notif, alarms)
	err := h.Handle(context.Background(), "BTC", "sig-1", testSignal(), 2)

	require.Error(t, err)
	assert.True(t, ex.closeCalled)
	require.NotEmpty(t, alarms.criticals)
	assert.Empty(t, notif.messages)
}

func TestHandleDegradesOnTakeProfitFailure(t *testing.T) {
	ex := &fakeExchange{filledSize: 2, avgPrice: 100, tpErr: errors.New("tp rejected")}
	pos := &fakePositions{}
	ord := &fakeOrders{}
	notif := &fakeNotifier{}
	alarms := &fakeAlarms{}

	h := New(zap.NewNop(), Config{}, ex, pos, ord, notif, alarms)
	err := h.Handle(context.Background(), "BTC", "sig-1", testSignal(), 2)

	require.NoError(t, err)
	assert.NotEmpty(t, alarms.criticals) // one per failed TP leg
	assert.Len(t, ord.saved, 2)          // entry + sl only, both TP legs failed
	assert.Len(t, notif.messages, 1)     // entry still notified
}
