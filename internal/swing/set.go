package swing

import (
	"errors"
	"sort"

	"github.com/Rajchodisetti/swing-trader/internal/market"
	"github.com/Rajchodisetti/swing-trader/internal/observ"
)

// Set holds one Detector per symbol. It is not safe for concurrent use; the
// engine loop owns it.
type Set struct {
	session   market.Session
	maxBars   int
	live      bool
	detectors map[string]*Detector
}

func NewSet(session market.Session, maxBars int) *Set {
	return &Set{session: session, maxBars: maxBars, detectors: map[string]*Detector{}}
}

// Update routes a closed bar to its symbol's detector. Out-of-order and
// duplicate bars are skipped and logged, never surfaced as errors.
func (s *Set) Update(b market.Bar) *Event {
	d, ok := s.detectors[b.Symbol]
	if !ok {
		d = NewDetector(b.Symbol, s.session, s.maxBars)
		d.live = s.live
		s.detectors[b.Symbol] = d
	}
	ev, err := d.Add(b)
	if err != nil {
		reason := "out_of_order"
		if errors.Is(err, ErrDuplicate) {
			reason = "duplicate"
		}
		observ.IncCounter("bars_skipped_total", map[string]string{"reason": reason})
		observ.Warn("swing_bar_skipped", map[string]any{"symbol": b.Symbol, "bar_time": b.Timestamp, "reason": reason})
		return nil
	}
	return ev
}

func (s *Set) Detector(symbol string) (*Detector, bool) {
	d, ok := s.detectors[symbol]
	return d, ok
}

// SetLive marks the end of historical warm-up.
func (s *Set) SetLive() {
	s.live = true
	for _, d := range s.detectors {
		d.live = true
	}
}

func (s *Set) Live() bool { return s.live }

// Reset clears every detector for a new trading day.
func (s *Set) Reset() {
	for _, d := range s.detectors {
		d.reset("")
	}
}

func (s *Set) Symbols() []string {
	out := make([]string, 0, len(s.detectors))
	for sym := range s.detectors {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}
