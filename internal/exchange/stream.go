// Package exchange subscribes to the private order-update and
// user-fill WebSocket feeds for the wallet (C15). Grounded on
// internal/data/market_data.go's connect/readLoop/reconnectMonitor
// idiom (gorilla/websocket dial, a goroutine blocking on
// ReadMessage, a separate reconnect-on-drop monitor), repurposed from
// public ticks to the private per-coin order/fill stream and
// extended with (hlOrderId, fillId) idempotent dedup and per-coin
// serialized handling.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/atlas-desktop/perpbot/internal/dedup"
	"github.com/atlas-desktop/perpbot/internal/positionbook"
	"github.com/atlas-desktop/perpbot/pkg/types"
)

// Conn is the minimal surface Stream reads from; satisfied by
// *websocket.Conn and by a fake in tests.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Dialer opens a new Conn for the user's private feed.
type Dialer func(ctx context.Context) (Conn, error)

// Book is the subset of C14 the stream mutates on SL/TP fills.
type Book interface {
	ReduceSize(coin string, filledQty, fillPrice float64) (remaining, closed *types.Position)
}

// OrderStore is the subset of the order table the stream updates.
type OrderStore interface {
	UpdateStatus(hlOrderID string, status types.OrderStatus)
	SaveFill(fill types.Fill)
}

// Sink receives position-closed notifications for C16/C17 to fan out.
type Sink interface {
	PositionClosed(pos types.Position, realizedPnL float64)
}

// event is the wire envelope. The exact field names are
// exchange-specific; only the shape this package depends on is
// modeled here.
type event struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type orderUpdatePayload struct {
	HLOrderID string `json:"hlOrderId"`
	Coin      string `json:"coin"`
	Status    string `json:"status"`
	Tag       string `json:"tag"`
}

type fillPayload struct {
	HLOrderID string  `json:"hlOrderId"`
	FillID    string  `json:"fillId"`
	Coin      string  `json:"coin"`
	Tag       string  `json:"tag"`
	Price     float64 `json:"price"`
	Size      float64 `json:"size"`
	Fee       float64 `json:"fee"`
}

// Stream consumes the order-update/fill feed and drives C14/C17.
type Stream struct {
	logger *zap.Logger
	dialer Dialer
	book   Book
	orders OrderStore
	sink   Sink
	dedup  dedup.Store
}

// New builds a Stream. dialer is usually DefaultDialer(url) below.
// Serialization across events for the same coin is already provided
// by Book's own per-coin locking (internal/positionbook), so Stream
// itself stays lock-free.
func New(logger *zap.Logger, dialer Dialer, book Book, orders OrderStore, sink Sink, store dedup.Store) *Stream {
	return &Stream{
		logger: logger.Named("exchange"),
		dialer: dialer,
		book:   book,
		orders: orders,
		sink:   sink,
		dedup:  store,
	}
}

// DefaultDialer builds a Dialer over gorilla/websocket against url.
func DefaultDialer(url string) Dialer {
	return func(ctx context.Context) (Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Run connects and processes events until ctx is cancelled,
// transparently reconnecting on a read error. It returns only when
// ctx is done.
func (s *Stream) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := s.dialer(ctx)
		if err != nil {
			s.logger.Error("dial failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
			if !sleepOrDone(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = time.Second
		s.readLoop(ctx, conn)
		conn.Close()
	}
}

func (s *Stream) readLoop(ctx context.Context, conn Conn) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.logger.Warn("read error, reconnecting", zap.Error(err))
			return
		}
		s.safeHandle(raw)
	}
}

// safeHandle processes one message, recovering from any panic so a
// malformed payload or a downstream callback bug never kills the
// stream (spec §4.15: "callback errors are caught and logged").
func (s *Stream) safeHandle(raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("recovered from panic handling exchange event", zap.Any("panic", r))
		}
	}()
	s.handleMessage(raw)
}

func (s *Stream) handleMessage(raw []byte) {
	var env event
	if err := json.Unmarshal(raw, &env); err != nil {
		s.logger.Debug("unparseable exchange event, dropped", zap.Error(err))
		return
	}
	switch env.Channel {
	case "orderUpdates":
		var updates []orderUpdatePayload
		if err := json.Unmarshal(env.Data, &updates); err != nil {
			return
		}
		for _, u := range updates {
			s.handleOrderUpdate(u)
		}
	case "fills":
		var fills []fillPayload
		if err := json.Unmarshal(env.Data, &fills); err != nil {
			return
		}
		for _, f := range fills {
			s.handleFill(f)
		}
	}
}

func (s *Stream) handleOrderUpdate(u orderUpdatePayload) {
	s.orders.UpdateStatus(u.HLOrderID, types.OrderStatus(u.Status))
}

// handleFill matches a fill against the order table, writes the Fill
// row, and — for a stop-loss or take-profit leg — reduces the
// position's size, closing it and notifying the sink once size
// reaches zero. Dedup key is (hlOrderId, fillId); both the live feed
// and a post-reconnect snapshot replay land here and must be
// idempotent.
func (s *Stream) handleFill(f fillPayload) {
	key := fmt.Sprintf("%s:%s", f.HLOrderID, f.FillID)
	if s.dedup.Has(key) {
		return
	}
	s.dedup.Set(key)

	s.orders.SaveFill(types.Fill{
		HLOrderID: f.HLOrderID,
		FillID:    f.FillID,
		Price:     f.Price,
		Size:      f.Size,
		Fee:       f.Fee,
		Timestamp: time.Now(),
	})

	tag := types.OrderTag(f.Tag)
	if tag != types.OrderTagSL && !isTPTag(tag) {
		return // entry fills are already recorded by C13
	}

	_, closed := s.book.ReduceSize(f.Coin, f.Size, f.Price)
	if closed == nil {
		return
	}
	s.sink.PositionClosed(*closed, positionbook.RealizedPnL(*closed, f.Price))
}

func isTPTag(tag types.OrderTag) bool {
	for i := 1; i <= 10; i++ {
		if tag == types.TPTag(i) {
			return true
		}
	}
	return false
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(d time.Duration) time.Duration {
	next := d * 2
	if next > 30*time.Second {
		return 30 * time.Second
	}
	return next
}
