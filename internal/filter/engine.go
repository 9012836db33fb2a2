package filter

import (
	"math"
	"sort"
	"time"

	"github.com/Rajchodisetti/swing-trader/internal/market"
	"github.com/Rajchodisetti/swing-trader/internal/observ"
	"github.com/Rajchodisetti/swing-trader/internal/swing"
)

const priceEpsilon = 1e-9

// Engine holds the three candidate pools. Stage 1 runs when a swing low is
// confirmed; Stages 2 and 3 run on every Evaluate. It is owned by the engine
// loop and is not safe for concurrent use.
type Engine struct {
	cfg     Config
	static  map[string]StaticCandidate
	dynamic map[string]QualifiedCandidate
	best    map[market.Side]*BestCandidate
	state   map[string]Reason // last stage-2 verdict per symbol, for flip logging
}

func NewEngine(cfg Config) *Engine {
	e := &Engine{cfg: cfg}
	e.Reset()
	return e
}

// Reset clears every pool, typically at the start of a trading day.
func (e *Engine) Reset() {
	e.static = map[string]StaticCandidate{}
	e.dynamic = map[string]QualifiedCandidate{}
	e.best = map[market.Side]*BestCandidate{}
	e.state = map[string]Reason{}
}

// OnSwing applies the formation-time checks to a created or updated swing.
// A swing that fails replaces nothing: any earlier candidate for the symbol
// is removed since it no longer describes the latest swing low.
func (e *Engine) OnSwing(ev swing.Event, now time.Time) Outcome {
	p := ev.Point
	if p.Kind != swing.Low {
		return Outcome{}
	}
	c, err := market.ParseSymbol(p.Symbol)
	if err != nil {
		rej := &Rejection{Symbol: p.Symbol, Stage: 1, Reason: ReasonBadSymbol, SwingPrice: p.Price, At: now}
		e.logRejection(rej)
		return Outcome{Rejection: rej}
	}

	premium := 0.0
	if p.VWAP > 0 {
		premium = (p.Price - p.VWAP) / p.VWAP
	}

	var reason Reason
	switch {
	case p.Price < e.cfg.MinPrice || p.Price > e.cfg.MaxPrice:
		reason = ReasonPriceRange
	case premium < e.cfg.MinVWAPPremium:
		reason = ReasonVWAPPremium
	}

	_, existed := e.static[p.Symbol]
	if reason != "" {
		rej := &Rejection{
			Symbol: p.Symbol, Side: c.Side, Stage: 1, Reason: reason,
			SwingPrice: p.Price, VWAP: p.VWAP, Premium: premium, At: now,
		}
		e.logRejection(rej)
		out := Outcome{Rejection: rej}
		if existed {
			out.Removal = e.remove(p.Symbol, RemovedStale, now)
		}
		return out
	}

	cand := StaticCandidate{
		Point:       p,
		Side:        c.Side,
		Strike:      c.Strike,
		VWAPPremium: premium,
		AcceptedAt:  now,
	}
	e.static[p.Symbol] = cand
	delete(e.dynamic, p.Symbol)
	delete(e.state, p.Symbol)

	observ.IncCounter("filter_static_accepted_total", map[string]string{"side": string(c.Side)})
	observ.Log("filter_static_accepted", map[string]any{
		"symbol": p.Symbol, "price": p.Price, "vwap": p.VWAP,
		"premium_pct": round2(premium * 100), "replaced": existed, "swing_event": ev.Type,
	})
	e.gauges()
	return Outcome{Accepted: true, Replaced: existed, Candidate: &cand}
}

// MarkHistoricalBreaks flags candidates whose swing was already traded
// through by bars seen before the engine went live.
func (e *Engine) MarkHistoricalBreaks(brokeAfter func(symbol string, index int, price float64) bool) []string {
	var marked []string
	for sym, c := range e.static {
		if c.BrokeInHistory || !brokeAfter(sym, c.Point.Index, c.Point.Price) {
			continue
		}
		c.BrokeInHistory = true
		e.static[sym] = c
		marked = append(marked, sym)
		observ.Warn("filter_historical_break", map[string]any{"symbol": sym, "price": c.Point.Price})
	}
	sort.Strings(marked)
	return marked
}

// Evaluate removes broken candidates, recomputes the dynamic pool from the
// latest prices and selects the best candidate per side.
func (e *Engine) Evaluate(view MarketView, now time.Time) Result {
	res := Result{}
	e.dynamic = map[string]QualifiedCandidate{}

	for _, sym := range e.staticSymbols() {
		c := e.static[sym]
		cur, ok := view.Current(sym)
		if !ok {
			e.flip(&res, c, ReasonNoData, 0, now)
			continue
		}
		if cur.Low > 0 && cur.Low < c.Point.Price {
			res.Removed = append(res.Removed, *e.remove(sym, RemovedBroken, now))
			continue
		}

		hh, ok := view.HighestHighSince(sym, c.Point.Index)
		if !ok {
			hh = c.Point.BarHigh
		}
		if cur.CurrentBarHigh > hh {
			hh = cur.CurrentBarHigh
		}
		stop := hh + e.cfg.StopBuffer
		points := stop - c.Point.Price
		pct := points / c.Point.Price

		switch {
		case pct < e.cfg.MinStopPct-priceEpsilon:
			e.flip(&res, c, ReasonStopPctLow, pct, now)
		case pct > e.cfg.MaxStopPct+priceEpsilon:
			e.flip(&res, c, ReasonStopPctHigh, pct, now)
		default:
			e.dynamic[sym] = QualifiedCandidate{
				StaticCandidate: c,
				HighestHigh:     hh,
				StopPrice:       stop,
				StopPoints:      points,
				StopPct:         pct,
				Score:           math.Abs(points - e.cfg.TargetPoints),
			}
			e.flip(&res, c, ReasonQualifiedNow, pct, now)
		}
	}

	res.Best = map[market.Side]*BestCandidate{}
	for _, side := range market.Sides {
		prev := e.best[side]
		next := e.pick(side)
		if next != nil {
			res.Best[side] = next
		}
		if bestChanged(prev, next) {
			res.Changed = append(res.Changed, side)
			e.logBestChange(side, prev, next)
		}
	}
	e.best = res.Best
	e.gauges()
	return res
}

// Best returns the current best candidate of side.
func (e *Engine) Best(side market.Side) (*BestCandidate, bool) {
	b, ok := e.best[side]
	return b, ok && b != nil
}

func (e *Engine) Static(symbol string) (StaticCandidate, bool) {
	c, ok := e.static[symbol]
	return c, ok
}

// Remove drops a candidate from every pool.
func (e *Engine) Remove(symbol string, reason RemovalReason, now time.Time) *Removal {
	if _, ok := e.static[symbol]; !ok {
		return nil
	}
	r := e.remove(symbol, reason, now)
	e.gauges()
	return r
}

// Restore re-installs static candidates saved before a restart.
func (e *Engine) Restore(cands []StaticCandidate) {
	for _, c := range cands {
		e.static[c.Symbol()] = c
	}
	e.gauges()
}

// Snapshot copies all pools in deterministic order.
func (e *Engine) Snapshot() Pools {
	p := Pools{Best: map[market.Side]QualifiedCandidate{}}
	for _, sym := range e.staticSymbols() {
		p.Static = append(p.Static, e.static[sym])
		if q, ok := e.dynamic[sym]; ok {
			p.Dynamic = append(p.Dynamic, q)
		}
	}
	for side, b := range e.best {
		if b != nil {
			p.Best[side] = b.q
		}
	}
	return p
}

func (e *Engine) remove(symbol string, reason RemovalReason, now time.Time) *Removal {
	c := e.static[symbol]
	delete(e.static, symbol)
	delete(e.dynamic, symbol)
	delete(e.state, symbol)
	observ.IncCounter("filter_removed_total", map[string]string{"reason": string(reason)})
	observ.Log("filter_candidate_removed", map[string]any{
		"symbol": symbol, "reason": reason, "price": c.Point.Price,
	})
	return &Removal{Symbol: symbol, Side: c.Side, Reason: reason, SwingPrice: c.Point.Price, At: now}
}

// flip records the stage-2 verdict and logs only when it changes.
func (e *Engine) flip(res *Result, c StaticCandidate, reason Reason, pct float64, now time.Time) {
	sym := c.Symbol()
	if e.state[sym] == reason {
		return
	}
	e.state[sym] = reason
	if reason == ReasonQualifiedNow {
		observ.Log("filter_qualified", map[string]any{"symbol": sym, "stop_pct": round2(pct * 100)})
		return
	}
	rej := Rejection{
		Symbol: sym, Side: c.Side, Stage: 2, Reason: reason,
		SwingPrice: c.Point.Price, VWAP: c.Point.VWAP, Premium: c.VWAPPremium, StopPct: pct, At: now,
	}
	res.Rejections = append(res.Rejections, rej)
	e.logRejection(&rej)
}

func (e *Engine) logRejection(r *Rejection) {
	observ.IncCounter("filter_rejections_total", map[string]string{"stage": stageLabel(r.Stage), "reason": string(r.Reason)})
	observ.Debug("filter_rejected", map[string]any{
		"symbol": r.Symbol, "stage": r.Stage, "reason": r.Reason, "price": r.SwingPrice,
		"vwap": r.VWAP, "premium_pct": round2(r.Premium * 100), "stop_pct": round2(r.StopPct * 100),
	})
}

func (e *Engine) logBestChange(side market.Side, prev, next *BestCandidate) {
	fields := map[string]any{"side": side}
	if prev != nil {
		fields["from"] = prev.Symbol()
	}
	if next != nil {
		fields["to"] = next.Symbol()
		fields["swing_price"] = next.SwingPrice()
		fields["stop_price"] = next.StopPrice()
		fields["stop_points"] = round2(next.StopPoints())
	}
	observ.Log("filter_best_changed", fields)
}

func (e *Engine) gauges() {
	observ.SetGauge("filter_static_pool", float64(len(e.static)), nil)
	observ.SetGauge("filter_dynamic_pool", float64(len(e.dynamic)), nil)
}

func (e *Engine) staticSymbols() []string {
	out := make([]string, 0, len(e.static))
	for sym := range e.static {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func bestChanged(prev, next *BestCandidate) bool {
	switch {
	case prev == nil && next == nil:
		return false
	case prev == nil || next == nil:
		return true
	}
	return prev.Symbol() != next.Symbol() ||
		math.Abs(prev.SwingPrice()-next.SwingPrice()) > priceEpsilon ||
		math.Abs(prev.StopPrice()-next.StopPrice()) > priceEpsilon
}

func stageLabel(stage int) string {
	if stage == 1 {
		return "static"
	}
	return "dynamic"
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
