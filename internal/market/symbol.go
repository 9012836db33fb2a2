package market

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Contract is a parsed option symbol such as NIFTY30DEC2526000CE.
type Contract struct {
	Underlying string
	Expiry     string // DDMMMYY
	Strike     int
	Side       Side
}

func (c Contract) Symbol() string {
	return fmt.Sprintf("%s%s%d%s", c.Underlying, c.Expiry, c.Strike, c.Side)
}

// ParseSymbol splits UNDERLYING{DDMMMYY}{strike}{CE|PE}.
func ParseSymbol(symbol string) (Contract, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if len(s) < 2 {
		return Contract{}, fmt.Errorf("symbol %q too short", symbol)
	}
	side := Side(s[len(s)-2:])
	if !side.Valid() {
		return Contract{}, fmt.Errorf("symbol %q has no CE/PE suffix", symbol)
	}
	body := s[:len(s)-2]

	i := strings.IndexAny(body, "0123456789")
	if i <= 0 || len(body) < i+8 {
		return Contract{}, fmt.Errorf("symbol %q has no expiry/strike", symbol)
	}
	expiry := body[i : i+7]
	if _, err := ParseExpiry(expiry); err != nil {
		return Contract{}, fmt.Errorf("symbol %q: %w", symbol, err)
	}
	strike, err := strconv.Atoi(body[i+7:])
	if err != nil || strike <= 0 {
		return Contract{}, fmt.Errorf("symbol %q has invalid strike", symbol)
	}
	return Contract{Underlying: body[:i], Expiry: expiry, Strike: strike, Side: side}, nil
}

// ParseExpiry parses the DDMMMYY expiry code (e.g. 30DEC25).
func ParseExpiry(code string) (time.Time, error) {
	if len(code) != 7 {
		return time.Time{}, fmt.Errorf("expiry %q not DDMMMYY", code)
	}
	// time.Parse wants title-case month names
	norm := code[:2] + code[2:3] + strings.ToLower(code[3:5]) + code[5:]
	t, err := time.Parse("02Jan06", norm)
	if err != nil {
		return time.Time{}, fmt.Errorf("expiry %q not DDMMMYY", code)
	}
	return t, nil
}

// SideOf returns the option type encoded in symbol, or "" when unparseable.
func SideOf(symbol string) Side {
	if len(symbol) < 2 {
		return ""
	}
	s := Side(strings.ToUpper(symbol[len(symbol)-2:]))
	if !s.Valid() {
		return ""
	}
	return s
}

// RoundATM rounds a spot price to the nearest multiple of step.
func RoundATM(spot float64, step int) int {
	if step <= 0 {
		step = 100
	}
	return int(math.Round(spot/float64(step))) * step
}

// Universe returns CE and PE symbols for strikes atm ± scanRange×interval.
func Universe(underlying, expiry string, atm, interval, scanRange int) []string {
	out := make([]string, 0, (2*scanRange+1)*2)
	for i := -scanRange; i <= scanRange; i++ {
		strike := atm + i*interval
		if strike <= 0 {
			continue
		}
		for _, side := range Sides {
			out = append(out, Contract{Underlying: underlying, Expiry: expiry, Strike: strike, Side: side}.Symbol())
		}
	}
	return out
}
