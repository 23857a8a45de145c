// Package types provides the shared domain model for perpbot: candles,
// signals, positions, orders and the optimizer's historical records.
package types

import "time"

// Direction is a position or signal direction.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// OrderSide mirrors an exchange-facing buy/sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderKind is the exchange order type.
type OrderKind string

const (
	OrderKindMarket OrderKind = "market"
	OrderKindLimit  OrderKind = "limit"
	OrderKindStop   OrderKind = "stop"
)

// OrderTag identifies the leg of an admitted signal an order implements.
type OrderTag string

const (
	OrderTagEntry OrderTag = "entry"
	OrderTagSL    OrderTag = "sl"
)

// TPTag builds the tag for the n-th take-profit leg (1-indexed).
func TPTag(n int) OrderTag {
	switch n {
	case 1:
		return "tp1"
	case 2:
		return "tp2"
	case 3:
		return "tp3"
	default:
		return OrderTag("tp" + itoa(n))
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// OrderStatus is the exchange-reported lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// Interval is one of the fixed closed set of candle intervals.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval3m  Interval = "3m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval2h  Interval = "2h"
	Interval4h  Interval = "4h"
	Interval8h  Interval = "8h"
	Interval12h Interval = "12h"
	Interval1d  Interval = "1d"
	Interval3d  Interval = "3d"
	Interval1w  Interval = "1w"
	Interval1M  Interval = "1M"
)

var intervalMillis = map[Interval]int64{
	Interval1m:  60_000,
	Interval3m:  3 * 60_000,
	Interval5m:  5 * 60_000,
	Interval15m: 15 * 60_000,
	Interval30m: 30 * 60_000,
	Interval1h:  3_600_000,
	Interval2h:  2 * 3_600_000,
	Interval4h:  4 * 3_600_000,
	Interval8h:  8 * 3_600_000,
	Interval12h: 12 * 3_600_000,
	Interval1d:  86_400_000,
	Interval3d:  3 * 86_400_000,
	Interval1w:  7 * 86_400_000,
}

// Millis returns the fixed millisecond width of an interval. 1M has no
// fixed width (calendar month) and returns (0, false).
func (iv Interval) Millis() (int64, bool) {
	ms, ok := intervalMillis[iv]
	return ms, ok
}

// Valid reports whether iv is one of the recognized intervals.
func (iv Interval) Valid() bool {
	if iv == Interval1M {
		return true
	}
	_, ok := intervalMillis[iv]
	return ok
}

// Candle is a single OHLCV observation. Invariants (checked by Valid):
// h >= max(o,c), l <= min(o,c), v >= 0, c > 0, t >= 0.
type Candle struct {
	T int64   `json:"t"`
	O float64 `json:"o"`
	H float64 `json:"h"`
	L float64 `json:"l"`
	C float64 `json:"c"`
	V float64 `json:"v"`
	N int     `json:"n"`
}

// Valid checks the §3 candle invariants.
func (c Candle) Valid() bool {
	if c.T < 0 || c.V < 0 || c.C <= 0 {
		return false
	}
	maxOC := c.O
	if c.C > maxOC {
		maxOC = c.C
	}
	minOC := c.O
	if c.C < minOC {
		minOC = c.C
	}
	return c.H >= maxOC && c.L <= minOC
}

// CandleKey identifies a single time series.
type CandleKey struct {
	Coin     string   `json:"coin"`
	Interval Interval `json:"interval"`
	Source   string   `json:"source"`
}

// SyncMeta is the last-synced watermark for a CandleKey.
type SyncMeta struct {
	Key     CandleKey `json:"key"`
	LastTs  int64     `json:"lastTs"`
}

// StrategyParam is a single tunable, bounded strategy parameter.
type StrategyParam struct {
	Value        float64 `json:"value"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	Step         float64 `json:"step"`
	Optimizable  bool    `json:"optimizable"`
	Description  string  `json:"description"`
}

// Valid checks min <= value <= max and step > 0.
func (p StrategyParam) Valid() bool {
	return p.Min <= p.Value && p.Value <= p.Max && p.Step > 0
}

// TakeProfit is one scale-out leg of a signal or position.
type TakeProfit struct {
	Price        float64 `json:"price"`
	PctOfPosition float64 `json:"pctOfPosition"`
}

// Signal is a directional trading intent produced by a strategy, or
// received over the signal-intake API, for a single bar/event.
type Signal struct {
	Direction   Direction    `json:"direction"`
	EntryPrice  *float64     `json:"entryPrice"` // nil => market
	StopLoss    float64      `json:"stopLoss"`
	TakeProfits []TakeProfit `json:"takeProfits"`
	Comment     string       `json:"comment"`
}

// Validate checks the §3 signal invariants against a reference price
// (current market price, used only for the stop-loss sign check).
func (s Signal) Validate(currentPrice float64) error {
	if s.Direction != DirectionLong && s.Direction != DirectionShort {
		return ErrInvalidPayload("direction must be long or short")
	}
	if s.StopLoss <= 0 {
		return ErrInvalidPayload("stopLoss must be > 0")
	}
	sum := 0.0
	for _, tp := range s.TakeProfits {
		if tp.Price <= 0 {
			return ErrInvalidPayload("takeProfit price must be > 0")
		}
		if tp.PctOfPosition < 0 || tp.PctOfPosition > 1 {
			return ErrInvalidPayload("takeProfit pctOfPosition must be in [0,1]")
		}
		sum += tp.PctOfPosition
	}
	if sum > 1.0000001 {
		return ErrInvalidPayload("sum(takeProfits.pctOfPosition) must be <= 1")
	}
	if s.Direction == DirectionLong && s.StopLoss >= currentPrice {
		return ErrInvalidPayload("long stopLoss must be < currentPrice")
	}
	if s.Direction == DirectionShort && s.StopLoss <= currentPrice {
		return ErrInvalidPayload("short stopLoss must be > currentPrice")
	}
	return nil
}

// Position is an open exposure. At most one per coin per runner.
type Position struct {
	Coin              string       `json:"coin"`
	Direction         Direction    `json:"direction"`
	EntryPrice        float64      `json:"entryPrice"`
	Size              float64      `json:"size"`
	StopLoss          float64      `json:"stopLoss"`
	TakeProfits       []TakeProfit `json:"takeProfits"`
	TrailingStopLoss  *float64     `json:"trailingStopLoss,omitempty"`
	OpenedAt          time.Time    `json:"openedAt"`
	SignalID          string       `json:"signalId"`
	LiquidationPx     *float64     `json:"liquidationPx,omitempty"`
}

// Order is one leg of an admitted signal placed on the exchange.
type Order struct {
	SignalID  string     `json:"signalId"`
	HLOrderID string     `json:"hlOrderId,omitempty"`
	Coin      string     `json:"coin"`
	Side      OrderSide  `json:"side"`
	Size      float64    `json:"size"`
	Price     *float64   `json:"price,omitempty"`
	OrderType OrderKind  `json:"orderType"`
	Tag       OrderTag   `json:"tag"`
	Status    OrderStatus `json:"status"`
	Mode      string     `json:"mode"` // "isolated" | "cross"
	FilledAt  *time.Time `json:"filledAt,omitempty"`
}

// Fill is a single exchange-reported execution of an Order.
type Fill struct {
	HLOrderID string    `json:"hlOrderId"`
	FillID    string    `json:"fillId"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
	Fee       float64   `json:"fee"`
	Timestamp time.Time `json:"timestamp"`
}

// StoredSignal is the audit-log row for every admitted-or-rejected signal.
type StoredSignal struct {
	AlertID          string       `json:"alertId"`
	Source           string       `json:"source"`
	Coin             string       `json:"coin"`
	Side             Direction    `json:"side"`
	EntryPrice       *float64     `json:"entryPrice"`
	StopLoss         float64      `json:"stopLoss"`
	TakeProfits      []TakeProfit `json:"takeProfits"`
	RiskCheckPassed  bool         `json:"riskCheckPassed"`
	RiskCheckReason  string       `json:"riskCheckReason,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
}

// EquitySnapshot is a point-in-time account equity record.
type EquitySnapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Equity    float64   `json:"equity"`
	Cash      float64   `json:"cash"`
}
