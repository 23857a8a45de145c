// Package signalhandler executes an admitted signal against the
// exchange: leverage, entry, stop-loss, take-profits, in that order
// (C13). Grounded on internal/execution/executor.go's
// Execute/ExecuteWithSLTP sequencing (main order, then opposite-side
// SL/TP legs keyed off the filled quantity) and
// internal/execution/order_manager.go's per-leg order bookkeeping,
// generalized to the spec's reduce-only SL/TP legs and
// critical-alarm-then-defensive-close failure path.
package signalhandler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/atlas-desktop/perpbot/pkg/types"
)

// Exchange is the venue-facing surface the handler drives. One
// implementation per exchange adapter, mirroring the teacher's
// ExchangeAdapter boundary.
type Exchange interface {
	SetLeverage(ctx context.Context, coin string, leverage float64, cross bool) error
	PlaceEntry(ctx context.Context, coin string, dir types.Direction, size float64, limitPrice *float64, slippageBps float64) (filledSize, avgPrice float64, hlOrderID string, err error)
	PlaceReduceOnlyStop(ctx context.Context, coin string, dir types.Direction, size float64, trigger float64) (hlOrderID string, err error)
	PlaceReduceOnlyLimit(ctx context.Context, coin string, dir types.Direction, size float64, price float64) (hlOrderID string, err error)
	ClosePositionMarket(ctx context.Context, coin string) error
}

// PositionBook is the subset of C14 the handler writes to on fill.
type PositionBook interface {
	Open(pos types.Position)
}

// OrderStore persists one Order row per placed leg.
type OrderStore interface {
	Save(order types.Order)
}

// Notifier sends a user-facing message on a successfully handled
// signal. Never invoked for a rejected signal (rejection is
// API-observable only, per spec §4.13 step 7).
type Notifier interface {
	Notify(message string)
}

// AlarmSink raises an operator-facing critical alarm.
type AlarmSink interface {
	Critical(reason string)
}

// Config bounds the handler's exchange-facing behavior.
type Config struct {
	Cross             bool // isolated (false) or cross (true) margin mode
	EntrySlippageBps  float64
	Leverage          float64
}

// Handler drives one admitted signal through leverage/entry/SL/TP.
type Handler struct {
	logger    *zap.Logger
	cfg       Config
	exchange  Exchange
	positions PositionBook
	orders    OrderStore
	notifier  Notifier
	alarms    AlarmSink
}

// New builds a Handler.
func New(logger *zap.Logger, cfg Config, exchange Exchange, positions PositionBook, orders OrderStore, notifier Notifier, alarms AlarmSink) *Handler {
	return &Handler{
		logger:    logger.Named("signalhandler"),
		cfg:       cfg,
		exchange:  exchange,
		positions: positions,
		orders:    orders,
		notifier:  notifier,
		alarms:    alarms,
	}
}

// Handle executes sig for coin/signalID at size, per spec §4.13's
// seven ordered steps. A failure placing the entry aborts the whole
// flow (step 7's abort-and-log path); a failure placing the stop-loss
// after a successful entry triggers a critical alarm and an immediate
// defensive market close; take-profit failures are degraded (alarm
// only, entry/SL stand).
func (h *Handler) Handle(ctx context.Context, coin, signalID string, sig types.Signal, size float64) error {
	// 1. Set leverage, idempotent on the exchange side.
	if err := h.exchange.SetLeverage(ctx, coin, h.cfg.Leverage, h.cfg.Cross); err != nil {
		return fmt.Errorf("signalhandler: set leverage: %w", err)
	}

	// 2-3. Place the entry; open the position on fill.
	filledSize, avgPrice, entryOrderID, err := h.exchange.PlaceEntry(ctx, coin, sig.Direction, size, sig.EntryPrice, h.cfg.EntrySlippageBps)
	if err != nil {
		h.logger.Error("entry order failed, aborting signal", zap.String("coin", coin), zap.Error(err))
		return fmt.Errorf("signalhandler: entry order: %w", err)
	}

	mode := "isolated"
	if h.cfg.Cross {
		mode = "cross"
	}
	h.orders.Save(types.Order{
		SignalID:  signalID,
		HLOrderID: entryOrderID,
		Coin:      coin,
		Side:      sideFor(sig.Direction),
		Size:      filledSize,
		Price:     &avgPrice,
		OrderType: types.OrderKindMarket,
		Tag:       types.OrderTagEntry,
		Status:    types.OrderStatusFilled,
		Mode:      mode,
	})

	h.positions.Open(types.Position{
		Coin:        coin,
		Direction:   sig.Direction,
		EntryPrice:  avgPrice,
		Size:        filledSize,
		StopLoss:    sig.StopLoss,
		TakeProfits: sig.TakeProfits,
		SignalID:    signalID,
	})

	// 4. Reduce-only stop for the full filled size, opposite side.
	slOrderID, slErr := h.exchange.PlaceReduceOnlyStop(ctx, coin, sig.Direction, filledSize, sig.StopLoss)
	if slErr != nil {
		h.alarms.Critical(fmt.Sprintf("stop-loss placement failed for %s after entry fill: %v", coin, slErr))
		if closeErr := h.exchange.ClosePositionMarket(ctx, coin); closeErr != nil {
			h.alarms.Critical(fmt.Sprintf("defensive close also failed for %s: %v", coin, closeErr))
		}
		return fmt.Errorf("signalhandler: stop-loss placement: %w", slErr)
	}
	h.orders.Save(types.Order{
		SignalID:  signalID,
		HLOrderID: slOrderID,
		Coin:      coin,
		Side:      sideFor(oppositeDirection(sig.Direction)),
		Size:      filledSize,
		OrderType: types.OrderKindStop,
		Tag:       types.OrderTagSL,
		Status:    types.OrderStatusPending,
		Mode:      mode,
	})

	// 5-6. Reduce-only take-profit legs, each at its share of the
	// filled size. TP failures are degraded: alarm but don't revert.
	for i, tp := range sig.TakeProfits {
		legSize := filledSize * tp.PctOfPosition
		if legSize <= 0 {
			continue
		}
		tpPrice := tp.Price
		tpOrderID, tpErr := h.exchange.PlaceReduceOnlyLimit(ctx, coin, sig.Direction, legSize, tpPrice)
		if tpErr != nil {
			h.alarms.Critical(fmt.Sprintf("take-profit %d placement failed for %s: %v", i+1, coin, tpErr))
			continue
		}
		h.orders.Save(types.Order{
			SignalID:  signalID,
			HLOrderID: tpOrderID,
			Coin:      coin,
			Side:      sideFor(oppositeDirection(sig.Direction)),
			Size:      legSize,
			Price:     &tpPrice,
			OrderType: types.OrderKindLimit,
			Tag:       types.TPTag(i + 1),
			Status:    types.OrderStatusPending,
			Mode:      mode,
		})
	}

	// 7. User notification, success path only.
	h.notifier.Notify(formatEntryNotification(coin, sig, filledSize, avgPrice))
	return nil
}

func sideFor(dir types.Direction) types.OrderSide {
	if dir == types.DirectionLong {
		return types.OrderSideBuy
	}
	return types.OrderSideSell
}

func oppositeDirection(dir types.Direction) types.Direction {
	if dir == types.DirectionLong {
		return types.DirectionShort
	}
	return types.DirectionLong
}

func formatEntryNotification(coin string, sig types.Signal, size, avgPrice float64) string {
	riskAmount := size * absFloat(avgPrice-sig.StopLoss)
	msg := fmt.Sprintf("%s %s entry %.4f @ %.4f, SL %.4f, risk $%.2f", coin, sig.Direction, size, avgPrice, sig.StopLoss, riskAmount)
	for i, tp := range sig.TakeProfits {
		msg += fmt.Sprintf(", TP%d %.4f (%.0f%%)", i+1, tp.Price, tp.PctOfPosition*100)
	}
	return msg
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
