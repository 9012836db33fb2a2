package orders

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/swing-trader/internal/market"
)

type State string

const (
	NoOrder        State = "NO_ORDER"
	OrderPlaced    State = "ORDER_PLACED"
	OrderFilled    State = "ORDER_FILLED"
	PositionActive State = "POSITION_ACTIVE"
	Exited         State = "EXITED"
	Rejected       State = "REJECTED"
	Cancelled      State = "CANCELLED"
	SLHit          State = "SL_HIT"
	Closed         State = "CLOSED"
)

var transitions = map[State][]State{
	NoOrder:        {OrderPlaced},
	OrderPlaced:    {OrderFilled, Rejected, Cancelled},
	OrderFilled:    {PositionActive},
	PositionActive: {Exited, SLHit, Closed},
}

func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// PendingOrder is a resting entry order for one side. Once the swing it
// was placed for breaks it is locked until it fills or times out.
type PendingOrder struct {
	Tag        string      `json:"tag"`
	OrderID    string      `json:"order_id"`
	Symbol     string      `json:"symbol"`
	Side       market.Side `json:"side"`
	State      State       `json:"state"`
	Trigger    float64     `json:"trigger"`
	Limit      float64     `json:"limit"`
	Quantity   int         `json:"quantity"`
	Lots       int         `json:"lots"`
	SwingPrice float64     `json:"swing_price"`
	SwingIndex int         `json:"swing_index"`
	StopPrice  float64     `json:"stop_price"`
	PlacedAt   time.Time   `json:"placed_at"`
	BrokenAt   time.Time   `json:"broken_at,omitempty"`
}

func (p PendingOrder) Broken() bool { return !p.BrokenAt.IsZero() }

// ProtectiveStop is the broker-side stop guarding an open short.
type ProtectiveStop struct {
	Tag      string    `json:"tag"`
	OrderID  string    `json:"order_id"`
	Symbol   string    `json:"symbol"`
	Trigger  float64   `json:"trigger"`
	Limit    float64   `json:"limit"`
	Quantity int       `json:"quantity"`
	PlacedAt time.Time `json:"placed_at"`
}

// Fill is a completed entry or stop order.
type Fill struct {
	OrderID  string        `json:"order_id"`
	Symbol   string        `json:"symbol"`
	Side     market.Side   `json:"side"`
	Price    float64       `json:"price"`
	Quantity int           `json:"quantity"`
	At       time.Time     `json:"at"`
	Entry    *PendingOrder `json:"entry,omitempty"`
}

type ActionKind string

const (
	ActionNone      ActionKind = "none"
	ActionPlaced    ActionKind = "placed"
	ActionModified  ActionKind = "modified"
	ActionCancelled ActionKind = "cancelled"
	ActionSkipped   ActionKind = "skipped"
	ActionFailed    ActionKind = "failed"
)

// Action describes what Sync or PollStatus did to a side.
type Action struct {
	Kind   ActionKind
	Side   market.Side
	Order  *PendingOrder
	Reason string
	Err    error
}

// RoundTick snaps price to the nearest multiple of tick.
func RoundTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	t := decimal.NewFromFloat(tick)
	return decimal.NewFromFloat(price).Div(t).Round(0).Mul(t).InexactFloat64()
}

// EntryPrices returns the stop-limit sell trigger and limit for a swing low.
func EntryPrices(swing, tick, fillBuffer float64) (trigger, limit float64) {
	tr := decimal.NewFromFloat(RoundTick(swing, tick)).Sub(decimal.NewFromFloat(tick))
	return tr.InexactFloat64(), RoundTick(tr.Sub(decimal.NewFromFloat(fillBuffer)).InexactFloat64(), tick)
}

// StopPrices returns the stop-limit buy trigger and limit above highestHigh.
func StopPrices(highestHigh, stopBuffer, tick, fillBuffer float64) (trigger, limit float64) {
	tr := RoundTick(decimal.NewFromFloat(highestHigh).Add(decimal.NewFromFloat(stopBuffer)).InexactFloat64(), tick)
	return tr, RoundTick(decimal.NewFromFloat(tr).Add(decimal.NewFromFloat(fillBuffer)).InexactFloat64(), tick)
}
