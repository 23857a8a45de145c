package hyperliquid

import (
	"context"

	"github.com/atlas-desktop/perpbot/pkg/types"
)

// PositionBookAdapter adapts Client to internal/positionbook.Exchange,
// whose reduce-only methods predate a context parameter; this wrapper
// supplies context.Background() for the book's background
// trailing-stop and reconciliation calls, which aren't
// request-scoped.
type PositionBookAdapter struct {
	Client *Client
}

func (a PositionBookAdapter) CancelOrder(coin, hlOrderID string) error {
	return a.Client.CancelOrder(context.Background(), coin, hlOrderID)
}

func (a PositionBookAdapter) PlaceReduceOnlyStop(coin string, dir types.Direction, size, trigger float64) (string, error) {
	return a.Client.PlaceReduceOnlyStop(context.Background(), coin, dir, size, trigger)
}

func (a PositionBookAdapter) PlaceReduceOnlyLimit(coin string, dir types.Direction, size, price float64) (string, error) {
	return a.Client.PlaceReduceOnlyLimit(context.Background(), coin, dir, size, price)
}

func (a PositionBookAdapter) OpenOrderIDs(coin string) ([]string, error) {
	return a.Client.OpenOrderIDs(context.Background(), coin)
}
