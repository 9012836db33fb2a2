package risk

import (
	"errors"
	"math"
)

var (
	ErrInvalidRisk = errors.New("stop must be away from entry")
	ErrZeroLots    = errors.New("risk per lot exceeds R budget")
)

// Sizing is the position size for one R of risk.
type Sizing struct {
	RiskPerUnit float64 `json:"risk_per_unit"`
	Lots        int     `json:"lots"`
	Quantity    int     `json:"quantity"`
	RiskAmount  float64 `json:"risk_amount"`
}

// Size computes lots = floor(min(rValue / (risk * lotSize), maxLots)).
func Size(entry, stop, rValue float64, lotSize, maxLots int) (Sizing, error) {
	risk := math.Abs(stop - entry)
	if risk <= 0 || lotSize <= 0 {
		return Sizing{}, ErrInvalidRisk
	}
	lots := rValue / (risk * float64(lotSize))
	if maxLots > 0 && lots > float64(maxLots) {
		lots = float64(maxLots)
	}
	// tolerate float noise at exact lot boundaries
	n := int(math.Floor(lots + 1e-9))
	if n <= 0 {
		return Sizing{RiskPerUnit: risk}, ErrZeroLots
	}
	qty := n * lotSize
	return Sizing{
		RiskPerUnit: risk,
		Lots:        n,
		Quantity:    qty,
		RiskAmount:  risk * float64(qty),
	}, nil
}
