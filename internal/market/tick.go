package market

import (
	"fmt"
	"strings"
	"time"
)

// TickError describes why a tick was dropped before reaching the engine.
type TickError struct {
	Type    string // "bad_symbol", "bad_price", "crossed", "stale", "future"
	Symbol  string
	Message string
}

func (e *TickError) Error() string {
	return fmt.Sprintf("%s tick for %s: %s", e.Type, e.Symbol, e.Message)
}

// ValidateTick fails closed on malformed quotes. A quote side of zero means
// the feed did not publish depth; the crossed check only applies when both
// sides are present.
func ValidateTick(t *Tick, now time.Time, maxAge time.Duration) error {
	if t == nil {
		return &TickError{Type: "bad_symbol", Message: "nil tick"}
	}
	t.Symbol = strings.ToUpper(strings.TrimSpace(t.Symbol))
	if t.Symbol == "" {
		return &TickError{Type: "bad_symbol", Message: "empty symbol"}
	}
	if t.LTP <= 0 {
		return &TickError{Type: "bad_price", Symbol: t.Symbol, Message: fmt.Sprintf("ltp %.2f", t.LTP)}
	}
	if t.Bid < 0 || t.Ask < 0 {
		return &TickError{Type: "bad_price", Symbol: t.Symbol, Message: "negative quote"}
	}
	if t.Bid > 0 && t.Ask > 0 && t.Bid >= t.Ask {
		return &TickError{Type: "crossed", Symbol: t.Symbol, Message: fmt.Sprintf("bid %.2f >= ask %.2f", t.Bid, t.Ask)}
	}
	if t.Timestamp.IsZero() {
		return &TickError{Type: "stale", Symbol: t.Symbol, Message: "missing timestamp"}
	}
	age := now.Sub(t.Timestamp)
	if maxAge > 0 && age > maxAge {
		return &TickError{Type: "stale", Symbol: t.Symbol, Message: fmt.Sprintf("age %v > %v", age.Round(time.Millisecond), maxAge)}
	}
	// exchange clocks drift; anything further ahead is a bad timestamp
	if age < -maxAge && maxAge > 0 {
		return &TickError{Type: "future", Symbol: t.Symbol, Message: fmt.Sprintf("timestamp %v ahead", -age)}
	}
	return nil
}
