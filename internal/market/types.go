package market

import "time"

// Side is the option type of a contract; the strategy treats calls and puts
// as two independent books.
type Side string

const (
	CE Side = "CE"
	PE Side = "PE"
)

// Sides lists both books in evaluation order.
var Sides = []Side{CE, PE}

func (s Side) Valid() bool { return s == CE || s == PE }

// Bar is a one-minute OHLCV bar. CurrentBarHigh equals High for closed bars
// and tracks the running high while the bar is forming.
type Bar struct {
	Symbol         string    `json:"symbol"`
	Timestamp      time.Time `json:"timestamp"`
	Open           float64   `json:"open"`
	High           float64   `json:"high"`
	Low            float64   `json:"low"`
	Close          float64   `json:"close"`
	Volume         int64     `json:"volume"`
	VWAP           float64   `json:"vwap"`
	CurrentBarHigh float64   `json:"current_bar_high"`
	Ticks          int       `json:"ticks,omitempty"`
}

// Tick is a single quote update from the feed. Volume is the cumulative
// session volume reported by the exchange.
type Tick struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	LTP       float64   `json:"ltp"`
	Volume    int64     `json:"volume"`
}
