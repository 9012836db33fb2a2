package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Rajchodisetti/swing-trader/internal/market"
)

type Action string

const (
	Buy  Action = "BUY"
	Sell Action = "SELL"
)

type OrderKind string

const (
	StopLimitEntry OrderKind = "STOP_LIMIT_ENTRY"
	StopLimitExit  OrderKind = "STOP_LIMIT_EXIT"
	Market         OrderKind = "MARKET"
)

// PriceType is the broker's name for the order kind.
func (k OrderKind) PriceType() string {
	if k == Market {
		return "MARKET"
	}
	return "SL"
}

type Status string

const (
	StatusOpen           Status = "open"
	StatusTriggerPending Status = "trigger pending"
	StatusComplete       Status = "complete"
	StatusRejected       Status = "rejected"
	StatusCancelled      Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusRejected || s == StatusCancelled
}

type OrderRequest struct {
	Tag          string    `json:"tag"`
	Symbol       string    `json:"symbol"`
	Exchange     string    `json:"exchange"`
	Product      string    `json:"product"`
	Action       Action    `json:"action"`
	Kind         OrderKind `json:"kind"`
	Quantity     int       `json:"quantity"`
	Price        float64   `json:"price"`
	TriggerPrice float64   `json:"trigger_price"`
}

type OrderStatus struct {
	OrderID   string    `json:"order_id"`
	Symbol    string    `json:"symbol"`
	Status    Status    `json:"status"`
	FilledQty int       `json:"filled_qty"`
	AvgPrice  float64   `json:"avg_price"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Position is a broker-side net position; short positions carry a negative
// quantity.
type Position struct {
	Symbol   string  `json:"symbol"`
	Exchange string  `json:"exchange"`
	Product  string  `json:"product"`
	Quantity int     `json:"quantity"`
	AvgPrice float64 `json:"avg_price"`
	LTP      float64 `json:"ltp"`
	PnL      float64 `json:"pnl"`
}

type Funds struct {
	Available float64 `json:"available"`
	Used      float64 `json:"used"`
}

// Broker is the order and account surface the engine needs.
type Broker interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
	ModifyOrder(ctx context.Context, orderID string, req OrderRequest) error
	OrderStatus(ctx context.Context, orderID string) (OrderStatus, error)
	Positions(ctx context.Context) ([]Position, error)
	Funds(ctx context.Context) (Funds, error)
	Ping(ctx context.Context) error
	LoginStatus(ctx context.Context) (bool, error)
}

// HistoryProvider serves intraday bars for warm-up.
type HistoryProvider interface {
	History(ctx context.Context, symbol, exchange string, day time.Time) ([]market.Bar, error)
}

type Class string

const (
	ClassTransient Class = "TRANSIENT"
	ClassPermanent Class = "PERMANENT"
)

var ErrNotFound = errors.New("order not found")

// Error is a failed broker call. Permanent errors (bad credentials, rejected
// input) are not retried.
type Error struct {
	Op      string
	Class   Class
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("broker %s: %s (%s, http %d)", e.Op, msg, e.Class, e.Status)
	}
	return fmt.Sprintf("broker %s: %s (%s)", e.Op, msg, e.Class)
}

func (e *Error) Unwrap() error { return e.Err }

// ClassOf reports the class of err; errors that are not *Error are transient.
func ClassOf(err error) Class {
	var be *Error
	if errors.As(err, &be) {
		return be.Class
	}
	return ClassTransient
}

func IsPermanent(err error) bool {
	return err != nil && ClassOf(err) == ClassPermanent
}

// classify maps an HTTP status to an error class.
func classify(status int) Class {
	switch {
	case status == 401 || status == 403:
		return ClassPermanent
	case status == 429 || status >= 500 || status == 0:
		return ClassTransient
	case status >= 400:
		return ClassPermanent
	}
	return ClassTransient
}
