// Package positionbook is the in-memory, coin-keyed open-position
// store (C14). Grounded on internal/execution/order_manager.go's
// positions map[string]*types.Position, replacing its single
// process-wide RWMutex with a per-coin mutex so that signal
// evaluation, trailing-stop recalculation, and exchange-event
// handling for different coins never block each other, per spec
// §4.14/§5's per-coin serialization model.
package positionbook

import (
	"sync"

	"go.uber.org/zap"

	"github.com/atlas-desktop/perpbot/pkg/types"
)

// Exchange is the subset of the venue surface trailing-stop
// recalculation and reconnect reconciliation need.
type Exchange interface {
	CancelOrder(coin, hlOrderID string) error
	PlaceReduceOnlyStop(coin string, dir types.Direction, size, trigger float64) (hlOrderID string, err error)
	PlaceReduceOnlyLimit(coin string, dir types.Direction, size, price float64) (hlOrderID string, err error)
	OpenOrderIDs(coin string) ([]string, error)
}

// OrderStore persists the order rows the book's own actions produce.
type OrderStore interface {
	Save(order types.Order)
}

const trailingEpsilon = 1e-9

// Book is the coin-keyed open-position store.
type Book struct {
	logger   *zap.Logger
	exchange Exchange
	orders   OrderStore

	mu        sync.RWMutex
	positions map[string]*types.Position
	locks     map[string]*sync.Mutex
	stopIDs   map[string]string // coin -> current SL hlOrderID, for cancel-and-replace
}

// New builds an empty Book.
func New(logger *zap.Logger, exchange Exchange, orders OrderStore) *Book {
	return &Book{
		logger:    logger.Named("positionbook"),
		exchange:  exchange,
		orders:    orders,
		positions: make(map[string]*types.Position),
		locks:     make(map[string]*sync.Mutex),
		stopIDs:   make(map[string]string),
	}
}

// lockFor returns the per-coin mutex, creating it on first use.
func (b *Book) lockFor(coin string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[coin]
	if !ok {
		l = &sync.Mutex{}
		b.locks[coin] = l
	}
	return l
}

// Open records a newly filled entry as the coin's open position. At
// most one open position per coin; a caller that already holds one
// must Close it first (the risk gate's step 6 prevents this from
// happening via normal signal flow).
func (b *Book) Open(pos types.Position) {
	l := b.lockFor(pos.Coin)
	l.Lock()
	defer l.Unlock()

	b.mu.Lock()
	b.positions[pos.Coin] = &pos
	b.mu.Unlock()
}

// Close removes coin's open position, if any, and returns it.
func (b *Book) Close(coin string) *types.Position {
	l := b.lockFor(coin)
	l.Lock()
	defer l.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.positions[coin]
	delete(b.positions, coin)
	delete(b.stopIDs, coin)
	return p
}

// Get returns coin's open position, or nil.
func (b *Book) Get(coin string) *types.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.positions[coin]
}

// GetAll returns a snapshot of every open position.
func (b *Book) GetAll() []types.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]types.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	return out
}

// Count reports the number of open positions. Satisfies
// internal/risk.OpenPositions.
func (b *Book) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.positions)
}

// HasCoin reports whether coin has an open position. Satisfies
// internal/risk.OpenPositions.
func (b *Book) HasCoin(coin string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.positions[coin]
	return ok
}

// ReduceSize reduces coin's position by filledQty on an SL/TP fill and
// returns the updated position with a nil second value. When the
// remaining size is at or below zero (within 1e-9) the position is
// removed and a copy is returned as both values, carrying the size it
// had before this fill, so RealizedPnL(*closed, fillPrice) prices the
// closing fill. fillPrice itself is not used by the book. Both returns
// are nil when coin has no open position.
func (b *Book) ReduceSize(coin string, filledQty, fillPrice float64) (*types.Position, *types.Position) {
	l := b.lockFor(coin)
	l.Lock()
	defer l.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[coin]
	if !ok {
		return nil, nil
	}
	p.Size -= filledQty
	if p.Size > 1e-9 {
		return p, nil
	}
	closed := *p
	closed.Size += filledQty
	delete(b.positions, coin)
	delete(b.stopIDs, coin)
	return &closed, &closed
}

// UpdateTrailingStop recomputes coin's trailing stop from level. If
// level is strictly better than the position's current effective
// stop (higher for a long, lower for a short) beyond trailingEpsilon,
// it cancels the existing stop order on the exchange, places a new
// reduce-only stop at level, and updates the book. A cancel failure
// leaves everything unchanged. A placement failure leaves the book
// unchanged, but the old stop order has already been cancelled, so the
// coin then has no stop order on the exchange.
func (b *Book) UpdateTrailingStop(coin string, level float64) error {
	l := b.lockFor(coin)
	l.Lock()
	defer l.Unlock()

	b.mu.RLock()
	pos, ok := b.positions[coin]
	b.mu.RUnlock()
	if !ok {
		return nil
	}

	current := pos.StopLoss
	if pos.TrailingStopLoss != nil {
		current = *pos.TrailingStopLoss
	}
	if !isBetter(pos.Direction, level, current) {
		return nil
	}

	if oldID := b.stopIDs[coin]; oldID != "" {
		if err := b.exchange.CancelOrder(coin, oldID); err != nil {
			b.logger.Warn("cancel existing trailing stop failed", zap.String("coin", coin), zap.Error(err))
			return err
		}
	}
	newID, err := b.exchange.PlaceReduceOnlyStop(coin, opposite(pos.Direction), pos.Size, level)
	if err != nil {
		b.logger.Warn("place new trailing stop failed", zap.String("coin", coin), zap.Error(err))
		return err
	}

	b.mu.Lock()
	pos.TrailingStopLoss = &level
	b.stopIDs[coin] = newID
	b.mu.Unlock()

	b.orders.Save(types.Order{
		Coin:      coin,
		HLOrderID: newID,
		Side:      sideFor(opposite(pos.Direction)),
		Size:      pos.Size,
		OrderType: types.OrderKindStop,
		Tag:       types.OrderTagSL,
		Status:    types.OrderStatusPending,
	})
	return nil
}

// Reconcile compares coin's open orders on the exchange against the
// book's tracked stop order and re-places the stop if it is missing.
// Take-profit orders are not checked or re-placed. Called
// on stream reconnect, when the exchange's open-order set may have
// drifted from the book while the feed was down.
func (b *Book) Reconcile(coin string) error {
	l := b.lockFor(coin)
	l.Lock()
	defer l.Unlock()

	b.mu.RLock()
	pos, ok := b.positions[coin]
	b.mu.RUnlock()
	if !ok {
		return nil
	}

	openIDs, err := b.exchange.OpenOrderIDs(coin)
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(openIDs))
	for _, id := range openIDs {
		have[id] = true
	}

	if stopID := b.stopIDs[coin]; stopID == "" || !have[stopID] {
		level := pos.StopLoss
		if pos.TrailingStopLoss != nil {
			level = *pos.TrailingStopLoss
		}
		newID, err := b.exchange.PlaceReduceOnlyStop(coin, opposite(pos.Direction), pos.Size, level)
		if err != nil {
			return err
		}
		b.mu.Lock()
		b.stopIDs[coin] = newID
		b.mu.Unlock()
		b.logger.Warn("regenerated missing stop order on reconcile", zap.String("coin", coin))
	}
	return nil
}

func isBetter(dir types.Direction, candidate, current float64) bool {
	if dir == types.DirectionLong {
		return candidate > current+trailingEpsilon
	}
	return candidate < current-trailingEpsilon
}

func opposite(dir types.Direction) types.Direction {
	if dir == types.DirectionLong {
		return types.DirectionShort
	}
	return types.DirectionLong
}

func sideFor(dir types.Direction) types.OrderSide {
	if dir == types.DirectionLong {
		return types.OrderSideBuy
	}
	return types.OrderSideSell
}

// RealizedPnL computes the realized PnL for a closed position at exitPrice.
func RealizedPnL(pos types.Position, exitPrice float64) float64 {
	diff := exitPrice - pos.EntryPrice
	if pos.Direction == types.DirectionShort {
		diff = -diff
	}
	return diff * pos.Size
}
