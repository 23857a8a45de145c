package store

import (
	"context"
	"fmt"

	"github.com/atlas-desktop/perpbot/pkg/types"
)

// SignalLog adapts Store to internal/api.SignalLog. A thin wrapper is
// needed because OrderStore's Save(types.Order) would otherwise
// collide with a same-named Save(types.StoredSignal) method on Store
// itself.
type SignalLog struct{ *Store }

func (l SignalLog) Save(sig types.StoredSignal)                { l.SaveSignal(sig) }
func (l SignalLog) Recent(limit int) []types.StoredSignal { return l.RecentSignals(limit) }

// OrderStore adapts Store to internal/signalhandler.OrderStore and
// internal/positionbook.OrderStore, both of which persist one Order
// leg via a method named Save.
type OrderStore struct{ *Store }

func (o OrderStore) Save(order types.Order) { o.SaveOrder(order) }

// CoinCanceller is the subset of internal/hyperliquid.Client's surface
// Canceller needs: a coin-scoped order cancel.
type CoinCanceller interface {
	CancelOrder(ctx context.Context, coin, hlOrderID string) error
}

// Canceller adapts a coin-scoped exchange cancel to
// internal/api.OrderCanceller's coin-less Cancel(ctx, hlOrderID),
// recovering the coin from the order audit log.
type Canceller struct {
	Store    *Store
	Exchange CoinCanceller
}

func (c Canceller) Cancel(ctx context.Context, hlOrderID string) error {
	coin, ok := c.Store.CoinForOrder(hlOrderID)
	if !ok {
		return fmt.Errorf("cancel: unknown order %s", hlOrderID)
	}
	return c.Exchange.CancelOrder(ctx, coin, hlOrderID)
}
