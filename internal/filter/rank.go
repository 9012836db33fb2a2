package filter

import (
	"math"
	"sort"

	"github.com/Rajchodisetti/swing-trader/internal/market"
)

// pick returns the top-ranked member of the dynamic pool for side:
//  1. stop points closest to the target
//  2. strike on the round granularity
//  3. highest swing price
//  4. symbol, for a stable order
func (e *Engine) pick(side market.Side) *BestCandidate {
	var pool []QualifiedCandidate
	for _, q := range e.dynamic {
		if q.Side == side {
			pool = append(pool, q)
		}
	}
	if len(pool) == 0 {
		return nil
	}
	sort.Slice(pool, func(i, j int) bool { return e.less(pool[i], pool[j]) })
	return &BestCandidate{q: pool[0]}
}

func (e *Engine) less(a, b QualifiedCandidate) bool {
	if math.Abs(a.Score-b.Score) > priceEpsilon {
		return a.Score < b.Score
	}
	ra, rb := e.round(a.Strike), e.round(b.Strike)
	if ra != rb {
		return ra
	}
	if math.Abs(a.Point.Price-b.Point.Price) > priceEpsilon {
		return a.Point.Price > b.Point.Price
	}
	return a.Symbol() < b.Symbol()
}

func (e *Engine) round(strike int) bool {
	g := e.cfg.StrikeGranularity
	if g <= 0 {
		return false
	}
	return strike%g == 0
}
