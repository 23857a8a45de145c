package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/perpbot/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveSignalThenRecent(t *testing.T) {
	s := openTestStore(t)
	entry := 100.0
	s.SaveSignal(types.StoredSignal{
		AlertID: "a1", Source: "webhook", Coin: "BTC", Side: types.DirectionLong,
		EntryPrice: &entry, StopLoss: 90, RiskCheckPassed: true, CreatedAt: time.Now(),
	})
	s.SaveSignal(types.StoredSignal{
		AlertID: "a2", Source: "webhook", Coin: "ETH", Side: types.DirectionShort,
		StopLoss: 2100, RiskCheckPassed: false, RiskCheckReason: "Duplicate", CreatedAt: time.Now(),
	})

	recent := s.RecentSignals(10)
	require.Len(t, recent, 2)
	assert.Equal(t, "a2", recent[0].AlertID) // newest first
	assert.False(t, recent[0].RiskCheckPassed)
	assert.Equal(t, "Duplicate", recent[0].RiskCheckReason)
}

func TestSaveSignalIgnoresDuplicateAlertID(t *testing.T) {
	s := openTestStore(t)
	sig := types.StoredSignal{AlertID: "dup", Coin: "BTC", Side: types.DirectionLong, StopLoss: 90, CreatedAt: time.Now()}
	s.SaveSignal(sig)
	s.SaveSignal(sig)
	assert.Len(t, s.RecentSignals(10), 1)
}

func TestOrderOpenAndAll(t *testing.T) {
	s := openTestStore(t)
	s.SaveOrder(types.Order{SignalID: "s1", Coin: "BTC", Side: types.OrderSideBuy, Size: 1, OrderType: types.OrderKindMarket, Tag: types.OrderTagEntry, Status: types.OrderStatusFilled, Mode: "isolated"})
	s.SaveOrder(types.Order{SignalID: "s1", Coin: "BTC", Side: types.OrderSideSell, Size: 1, OrderType: types.OrderKindStop, Tag: types.OrderTagSL, Status: types.OrderStatusPending, Mode: "isolated"})

	all := s.All()
	assert.Len(t, all, 2)

	open := s.Open()
	require.Len(t, open, 1)
	assert.Equal(t, types.OrderTagSL, open[0].Tag)
}

func TestFillDedupOnStorageLayer(t *testing.T) {
	s := openTestStore(t)
	fill := types.Fill{HLOrderID: "o1", FillID: "f1", Price: 100, Size: 1, Timestamp: time.Now()}
	s.SaveFill(fill)
	s.SaveFill(fill) // duplicate, must not error or double-insert

	var count int
	row := s.db.QueryRow(`SELECT COUNT(*) FROM fills`)
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 1, count)
}

func TestEquityLatestAndSeries(t *testing.T) {
	s := openTestStore(t)
	base := time.Now().Truncate(time.Millisecond)
	s.SaveEquity(types.EquitySnapshot{Timestamp: base, Equity: 1000, Cash: 900})
	s.SaveEquity(types.EquitySnapshot{Timestamp: base.Add(time.Minute), Equity: 1100, Cash: 950})

	latest := s.Latest()
	require.NotNil(t, latest)
	assert.Equal(t, 1100.0, latest.Equity)

	series := s.Series(10)
	require.Len(t, series, 2)
	assert.True(t, series[0].Timestamp.Before(series[1].Timestamp)) // oldest first
}

func TestSignalLogAdapterSatisfiesNamedMethods(t *testing.T) {
	s := openTestStore(t)
	log := SignalLog{s}
	log.Save(types.StoredSignal{AlertID: "x", Coin: "BTC", StopLoss: 1, CreatedAt: time.Now()})
	assert.Len(t, log.Recent(10), 1)
}

func TestOrderStoreAdapterSatisfiesNamedMethod(t *testing.T) {
	s := openTestStore(t)
	adapter := OrderStore{s}
	adapter.Save(types.Order{SignalID: "s1", Coin: "BTC", Status: types.OrderStatusPending})
	assert.Len(t, s.All(), 1)
}
