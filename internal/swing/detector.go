package swing

import (
	"errors"
	"time"

	"github.com/Rajchodisetti/swing-trader/internal/market"
	"github.com/Rajchodisetti/swing-trader/internal/observ"
)

type Kind string

const (
	High Kind = "HIGH"
	Low  Kind = "LOW"
)

func (k Kind) opposite() Kind {
	if k == High {
		return Low
	}
	return High
}

// Point is a confirmed turning point. VWAP is frozen at first confirmation
// and survives in-place updates.
type Point struct {
	Symbol    string    `json:"symbol"`
	Kind      Kind      `json:"kind"`
	Price     float64   `json:"price"`
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	VWAP      float64   `json:"vwap"`
	BarHigh   float64   `json:"bar_high"`
	BarLow    float64   `json:"bar_low"`
	Sequence  int       `json:"sequence"`
	Updates   int       `json:"updates"`
	Broken    bool      `json:"broken"`
}

type EventType string

const (
	Created EventType = "created"
	Updated EventType = "updated"
)

type Event struct {
	Type     EventType `json:"type"`
	Point    Point     `json:"point"`
	Previous float64   `json:"previous,omitempty"` // price before an update
}

// Break reports that price traded below an unbroken swing low.
type Break struct {
	Point       Point
	HighestHigh float64
	At          time.Time
}

var (
	ErrOutOfOrder = errors.New("bar older than last bar")
	ErrDuplicate  = errors.New("duplicate bar timestamp")
)

// Detector tracks one symbol's intraday bars and confirmation counters.
// Bar indices are absolute for the day and never reused after pruning.
type Detector struct {
	symbol  string
	session market.Session
	maxBars int
	live    bool

	bars   []market.Bar
	offset int // absolute index of bars[0]
	day    string

	last    *Point
	history []Point

	lowWatch  map[int]int
	highWatch map[int]int
}

func NewDetector(symbol string, session market.Session, maxBars int) *Detector {
	d := &Detector{symbol: symbol, session: session, maxBars: maxBars}
	d.reset("")
	return d
}

func (d *Detector) reset(day string) {
	d.bars = nil
	d.offset = 0
	d.day = day
	d.last = nil
	d.history = nil
	d.lowWatch = map[int]int{}
	d.highWatch = map[int]int{}
}

func (d *Detector) Symbol() string { return d.symbol }

// Len is the absolute number of bars seen today.
func (d *Detector) Len() int { return d.offset + len(d.bars) }

func (d *Detector) bar(idx int) market.Bar { return d.bars[idx-d.offset] }

// LastSwing returns a copy of the most recent confirmed swing.
func (d *Detector) LastSwing() (Point, bool) {
	if d.last == nil {
		return Point{}, false
	}
	return *d.last, true
}

// History returns the confirmed alternating sequence (updates replace the
// tail entry instead of appending).
func (d *Detector) History() []Point {
	out := make([]Point, len(d.history))
	copy(out, d.history)
	return out
}

// LastBar returns the most recent closed bar.
func (d *Detector) LastBar() (market.Bar, bool) {
	if len(d.bars) == 0 {
		return market.Bar{}, false
	}
	return d.bars[len(d.bars)-1], true
}

// Add appends a closed bar and runs confirmation. It returns an event when a
// swing is created or updated on this bar.
func (d *Detector) Add(b market.Bar) (*Event, error) {
	day := d.session.Day(b.Timestamp)
	if day != d.day {
		d.reset(day)
	}
	if n := len(d.bars); n > 0 {
		prev := d.bars[n-1].Timestamp
		if b.Timestamp.Before(prev) {
			return nil, ErrOutOfOrder
		}
		if b.Timestamp.Equal(prev) {
			return nil, ErrDuplicate
		}
	}
	d.bars = append(d.bars, b)
	i := d.Len() - 1
	defer d.prune()

	if d.Len() < 2 {
		return nil, nil
	}

	start := 0
	if d.last != nil {
		start = d.last.Index + 1
	}
	if start < d.offset {
		start = d.offset
	}

	cur := b
	var lowTrig, highTrig bool
	for j := start; j < i; j++ {
		p := d.bar(j)
		if cur.High > p.High && cur.Close > p.Close {
			d.lowWatch[j]++
			if d.lowWatch[j] == 2 {
				lowTrig = true
			}
		}
		if cur.Low < p.Low && cur.Close < p.Close {
			d.highWatch[j]++
			if d.highWatch[j] == 2 {
				highTrig = true
			}
		}
	}
	if !lowTrig && !highTrig {
		return nil, nil
	}

	if d.last == nil {
		// no alternation constraint yet; a dual trigger resolves to LOW
		if lowTrig {
			return d.create(Low, start, i), nil
		}
		return d.create(High, start, i), nil
	}

	want := d.last.Kind.opposite()
	if (want == Low && lowTrig) || (want == High && highTrig) {
		return d.create(want, start, i), nil
	}
	// same-kind trigger: update in place only on a more extreme value
	idx, price := d.extreme(d.last.Kind, start, i)
	if (d.last.Kind == Low && price < d.last.Price) || (d.last.Kind == High && price > d.last.Price) {
		return d.update(idx, price), nil
	}
	return nil, nil
}

// extreme finds the lowest low (Low) or highest high (High) in [from, to];
// ties keep the earliest bar.
func (d *Detector) extreme(kind Kind, from, to int) (int, float64) {
	best := from
	for k := from + 1; k <= to; k++ {
		if kind == Low && d.bar(k).Low < d.bar(best).Low {
			best = k
		}
		if kind == High && d.bar(k).High > d.bar(best).High {
			best = k
		}
	}
	if kind == Low {
		return best, d.bar(best).Low
	}
	return best, d.bar(best).High
}

func (d *Detector) create(kind Kind, from, to int) *Event {
	idx, price := d.extreme(kind, from, to)
	b := d.bar(idx)
	vwap := b.VWAP
	if vwap <= 0 {
		vwap = b.Close
	}
	p := Point{
		Symbol:    d.symbol,
		Kind:      kind,
		Price:     price,
		Index:     idx,
		Timestamp: b.Timestamp,
		VWAP:      vwap,
		BarHigh:   b.High,
		BarLow:    b.Low,
		Sequence:  len(d.history) + 1,
	}
	d.history = append(d.history, p)
	d.last = &d.history[len(d.history)-1]
	d.lowWatch = map[int]int{}
	d.highWatch = map[int]int{}

	observ.IncCounter("swings_total", map[string]string{"kind": string(kind), "type": string(Created)})
	observ.Log("swing_created", map[string]any{
		"symbol": d.symbol, "kind": kind, "price": price, "index": idx,
		"bar_time": b.Timestamp, "vwap": vwap, "live": d.live,
	})
	return &Event{Type: Created, Point: p}
}

func (d *Detector) update(idx int, price float64) *Event {
	b := d.bar(idx)
	prev := d.last.Price
	d.last.Price = price
	d.last.Index = idx
	d.last.Timestamp = b.Timestamp
	d.last.BarHigh = b.High
	d.last.BarLow = b.Low
	d.last.Updates++
	// the new extreme is the window minimum/maximum, so nothing after it has
	// traded through it yet
	d.last.Broken = false
	for k := range d.lowWatch {
		if k <= idx {
			delete(d.lowWatch, k)
		}
	}
	for k := range d.highWatch {
		if k <= idx {
			delete(d.highWatch, k)
		}
	}

	observ.IncCounter("swings_total", map[string]string{"kind": string(d.last.Kind), "type": string(Updated)})
	observ.Log("swing_updated", map[string]any{
		"symbol": d.symbol, "kind": d.last.Kind, "from": prev, "to": price,
		"index": idx, "vwap": d.last.VWAP, "live": d.live,
	})
	return &Event{Type: Updated, Point: *d.last, Previous: prev}
}

// CheckBreak marks the last swing low broken when bar trades below it.
// bar may be the forming bar; it is not added to the history.
func (d *Detector) CheckBreak(bar market.Bar) *Break {
	if d.last == nil || d.last.Kind != Low || d.last.Broken {
		return nil
	}
	if bar.Low >= d.last.Price {
		return nil
	}
	d.last.Broken = true
	hh := d.HighestHighSince(d.last.Index)
	if bar.High > hh {
		hh = bar.High
	}
	if d.bar(d.last.Index).High > hh {
		hh = d.bar(d.last.Index).High
	}
	return &Break{Point: *d.last, HighestHigh: hh, At: bar.Timestamp}
}

// HighestHighSince returns the highest high of closed bars after index, or
// the high of the bar at index when none closed yet.
func (d *Detector) HighestHighSince(index int) float64 {
	if index < d.offset {
		index = d.offset
	}
	if index >= d.Len() {
		if b, ok := d.LastBar(); ok {
			return b.High
		}
		return 0
	}
	if index == d.Len()-1 {
		return d.bar(index).High
	}
	hh := 0.0
	for k := index + 1; k < d.Len(); k++ {
		if h := d.bar(k).High; h > hh {
			hh = h
		}
	}
	return hh
}

// BrokeAfter reports whether any closed bar after index traded below price.
func (d *Detector) BrokeAfter(index int, price float64) bool {
	from := index + 1
	if from < d.offset {
		from = d.offset
	}
	for k := from; k < d.Len(); k++ {
		if d.bar(k).Low < price {
			return true
		}
	}
	return false
}

// prune keeps memory bounded without dropping bars the open window needs.
func (d *Detector) prune() {
	if d.maxBars <= 0 || len(d.bars) <= d.maxBars+d.maxBars/8 {
		return
	}
	drop := len(d.bars) - d.maxBars
	if d.last != nil && d.offset+drop > d.last.Index {
		drop = d.last.Index - d.offset
	}
	if drop <= 0 {
		return
	}
	d.bars = append([]market.Bar(nil), d.bars[drop:]...)
	d.offset += drop
	for k := range d.lowWatch {
		if k < d.offset {
			delete(d.lowWatch, k)
		}
	}
	for k := range d.highWatch {
		if k < d.offset {
			delete(d.highWatch, k)
		}
	}
}
