package engine

import "github.com/Rajchodisetti/swing-trader/internal/market"

// view exposes bars and swing history to the filter stages.
type view struct{ e *Engine }

func (v view) Current(symbol string) (market.Bar, bool) {
	if b, ok := v.e.bars.Forming(symbol); ok {
		return b, true
	}
	d, ok := v.e.swings.Detector(symbol)
	if !ok {
		return market.Bar{}, false
	}
	return d.LastBar()
}

func (v view) HighestHighSince(symbol string, index int) (float64, bool) {
	d, ok := v.e.swings.Detector(symbol)
	if !ok || d.Len() == 0 {
		return 0, false
	}
	return d.HighestHighSince(index), true
}
