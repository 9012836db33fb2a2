package market

import (
	"sync"
	"time"

	"github.com/Rajchodisetti/swing-trader/internal/observ"
)

// BarBuilder aggregates validated ticks into one-minute bars per symbol and
// maintains the session VWAP (cumulative typical price × volume). It is safe
// for concurrent use; the feed goroutine owns it in practice.
type BarBuilder struct {
	mu       sync.Mutex
	interval time.Duration
	minTicks int
	session  Session
	books    map[string]*barBook
}

type barBook struct {
	forming    *Bar
	lastCumVol int64
	haveVol    bool
	cumPV      float64
	cumVol     float64
	day        string
}

func NewBarBuilder(session Session, minTicks int) *BarBuilder {
	if minTicks <= 0 {
		minTicks = 1
	}
	return &BarBuilder{
		interval: time.Minute,
		minTicks: minTicks,
		session:  session,
		books:    map[string]*barBook{},
	}
}

// Add folds a tick into the forming bar of its symbol. When the tick belongs
// to a later minute the previous bar is closed; it is returned only if it
// saw enough ticks to be trusted.
func (b *BarBuilder) Add(t Tick) (closed *Bar, forming Bar) {
	b.mu.Lock()
	defer b.mu.Unlock()

	book, ok := b.books[t.Symbol]
	if !ok {
		book = &barBook{}
		b.books[t.Symbol] = book
	}

	day := b.session.Day(t.Timestamp)
	if book.day != day {
		if book.forming != nil {
			closed = b.closeLocked(book)
		}
		*book = barBook{day: day}
	}

	delta := int64(0)
	if book.haveVol && t.Volume >= book.lastCumVol {
		delta = t.Volume - book.lastCumVol
	}
	if t.Volume > 0 {
		book.lastCumVol = t.Volume
		book.haveVol = true
	}

	minute := t.Timestamp.Truncate(b.interval)
	if book.forming != nil {
		switch {
		case minute.Before(book.forming.Timestamp):
			observ.IncCounter("ticks_dropped_total", map[string]string{"reason": "late"})
			return closed, *book.forming
		case minute.After(book.forming.Timestamp):
			closed = b.closeLocked(book)
		}
	}

	if book.forming == nil {
		book.forming = &Bar{
			Symbol:    t.Symbol,
			Timestamp: minute,
			Open:      t.LTP,
			High:      t.LTP,
			Low:       t.LTP,
		}
	}
	f := book.forming
	if t.LTP > f.High {
		f.High = t.LTP
	}
	if t.LTP < f.Low {
		f.Low = t.LTP
	}
	f.Close = t.LTP
	f.Volume += delta
	f.Ticks++
	f.CurrentBarHigh = f.High
	f.VWAP = book.vwapWith(f)
	return closed, *f
}

// Flush closes every forming bar whose minute has fully elapsed at now.
func (b *BarBuilder) Flush(now time.Time) []Bar {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Bar
	for _, book := range b.books {
		if book.forming == nil {
			continue
		}
		if !now.Before(book.forming.Timestamp.Add(b.interval)) {
			if bar := b.closeLocked(book); bar != nil {
				out = append(out, *bar)
			}
		}
	}
	return out
}

// Seed primes the session VWAP of each bar's symbol with closed bars
// loaded from history, so live bars continue the same average.
func (b *BarBuilder) Seed(bars []Bar) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, bar := range bars {
		book, ok := b.books[bar.Symbol]
		day := b.session.Day(bar.Timestamp)
		if !ok || book.day != day {
			book = &barBook{day: day}
			b.books[bar.Symbol] = book
		}
		typical := (bar.High + bar.Low + bar.Close) / 3
		book.cumPV += typical * float64(bar.Volume)
		book.cumVol += float64(bar.Volume)
	}
}

// Forming returns the in-progress bar for symbol.
func (b *BarBuilder) Forming(symbol string) (Bar, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	book, ok := b.books[symbol]
	if !ok || book.forming == nil {
		return Bar{}, false
	}
	return *book.forming, true
}

func (b *BarBuilder) closeLocked(book *barBook) *Bar {
	f := book.forming
	book.forming = nil
	if f.Ticks < b.minTicks {
		observ.IncCounter("bars_dropped_total", map[string]string{"reason": "sparse"})
		return nil
	}
	typical := (f.High + f.Low + f.Close) / 3
	book.cumPV += typical * float64(f.Volume)
	book.cumVol += float64(f.Volume)
	if book.cumVol > 0 {
		f.VWAP = book.cumPV / book.cumVol
	} else {
		f.VWAP = typical
	}
	f.CurrentBarHigh = f.High
	return f
}

// vwapWith is the session VWAP as if the forming bar closed now.
func (book *barBook) vwapWith(f *Bar) float64 {
	typical := (f.High + f.Low + f.Close) / 3
	pv := book.cumPV + typical*float64(f.Volume)
	v := book.cumVol + float64(f.Volume)
	if v > 0 {
		return pv / v
	}
	return typical
}

// WithSessionVWAP fills VWAP and CurrentBarHigh on closed bars of one symbol
// and day, in order, the same way the builder does for live bars.
func WithSessionVWAP(bars []Bar) []Bar {
	var pv, vol float64
	for i := range bars {
		b := &bars[i]
		typical := (b.High + b.Low + b.Close) / 3
		pv += typical * float64(b.Volume)
		vol += float64(b.Volume)
		if vol > 0 {
			b.VWAP = pv / vol
		} else {
			b.VWAP = typical
		}
		b.CurrentBarHigh = b.High
	}
	return bars
}
