package swing

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/swing-trader/internal/market"
)

const sym = "NIFTY30DEC2526000CE"

var session = market.DefaultSession()

func barAt(i int, h, l, c float64) market.Bar {
	start := time.Date(2025, 12, 1, 9, 15, 0, 0, session.Loc)
	return market.Bar{
		Symbol:    sym,
		Timestamp: start.Add(time.Duration(i) * time.Minute),
		Open:      (h + l) / 2,
		High:      h,
		Low:       l,
		Close:     c,
		Volume:    1000,
		VWAP:      l * 0.9,
	}
}

type ohlc struct{ h, l, c float64 }

func feed(t *testing.T, d *Detector, bars []ohlc) []*Event {
	t.Helper()
	events := make([]*Event, len(bars))
	for i, b := range bars {
		ev, err := d.Add(barAt(d.Len(), b.h, b.l, b.c))
		require.NoError(t, err)
		events[i] = ev
	}
	return events
}

func TestDocumentedExampleConfirmsLowAt96(t *testing.T) {
	d := NewDetector(sym, session, 400)
	events := feed(t, d, []ohlc{
		{102, 99, 101},
		{103, 99.5, 100},
		{101, 97.5, 98},
		{100, 96, 99},
		{104, 101, 103},
		{106, 103, 105},
	})

	// bar 3 confirms the HIGH at bar 1 (two lower-low/lower-close bars)
	require.NotNil(t, events[3])
	assert.Equal(t, Created, events[3].Type)
	assert.Equal(t, High, events[3].Point.Kind)
	assert.Equal(t, 103.0, events[3].Point.Price)
	assert.Equal(t, 1, events[3].Point.Index)

	// bar 4 is the first higher-high/higher-close bar: one watch is not enough
	assert.Nil(t, events[4])

	require.NotNil(t, events[5])
	assert.Equal(t, Low, events[5].Point.Kind)
	assert.Equal(t, 96.0, events[5].Point.Price)
	assert.Equal(t, 3, events[5].Point.Index)
	assert.Equal(t, 2, events[5].Point.Sequence)
	assert.InDelta(t, 96*0.9, events[5].Point.VWAP, 1e-9)

	last, ok := d.LastSwing()
	require.True(t, ok)
	assert.Equal(t, Low, last.Kind)
}

// baseLowSequence yields HIGH@100 (idx0) then LOW@88 (idx2).
var baseLowSequence = []ohlc{
	{100, 95, 97},
	{98, 90, 91},
	{96, 88, 89},
	{99, 92, 97},
	{101, 96, 100},
}

func TestSameKindMoreExtremeUpdatesInPlace(t *testing.T) {
	d := NewDetector(sym, session, 400)
	events := feed(t, d, baseLowSequence)
	require.NotNil(t, events[2])
	assert.Equal(t, High, events[2].Point.Kind)
	require.NotNil(t, events[4])
	require.Equal(t, Low, events[4].Point.Kind)
	assert.Equal(t, 88.0, events[4].Point.Price)
	frozenVWAP := events[4].Point.VWAP

	events = feed(t, d, []ohlc{
		{95, 85, 87},
		{101.5, 90, 100.5},
		{102, 99, 101},
	})
	assert.Nil(t, events[0])
	assert.Nil(t, events[1])
	require.NotNil(t, events[2])
	ev := events[2]
	assert.Equal(t, Updated, ev.Type)
	assert.Equal(t, 88.0, ev.Previous)
	assert.Equal(t, 85.0, ev.Point.Price)
	assert.Equal(t, 5, ev.Point.Index)
	assert.Equal(t, frozenVWAP, ev.Point.VWAP, "vwap stays frozen at first confirmation")
	assert.Equal(t, 2, ev.Point.Sequence, "update does not add a sequence entry")
	assert.Equal(t, 1, ev.Point.Updates)
	assert.Len(t, d.History(), 2)
}

func TestSameKindLessExtremeIsDiscarded(t *testing.T) {
	d := NewDetector(sym, session, 400)
	feed(t, d, baseLowSequence)
	events := feed(t, d, []ohlc{
		{95, 89, 90},
		{101.5, 90, 100.5},
		{102, 99, 101},
	})
	for _, ev := range events {
		assert.Nil(t, ev)
	}
	last, _ := d.LastSwing()
	assert.Equal(t, 88.0, last.Price)
	assert.Equal(t, 2, last.Index)
}

func TestDualTriggerPrefersAlternatingKind(t *testing.T) {
	d := NewDetector(sym, session, 400)
	feed(t, d, []ohlc{
		{102, 99, 101},
		{103, 99.5, 100},
		{101, 97.5, 98},
		{100, 96, 99},
		{104, 101, 103},
		{106, 103, 105},
	})
	events := feed(t, d, []ohlc{
		{110, 102, 104},
		{111, 100, 104.5}, // completes a low watch on bar 4 and a high watch on bar 5
	})
	assert.Nil(t, events[0])
	require.NotNil(t, events[1])
	assert.Equal(t, Created, events[1].Type)
	assert.Equal(t, High, events[1].Point.Kind)
	assert.Equal(t, 111.0, events[1].Point.Price)
	assert.Equal(t, 7, events[1].Point.Index)
}

func TestDualTriggerWithoutPriorSwingPrefersLow(t *testing.T) {
	d := NewDetector(sym, session, 400)
	events := feed(t, d, []ohlc{
		{20, 10, 18},
		{12, 11, 11.5},
		{13, 9, 12},
		{14, 8, 13}, // second lower-low vs bar 0 and second higher-high vs bar 1
	})
	assert.Nil(t, events[2])
	require.NotNil(t, events[3])
	assert.Equal(t, Low, events[3].Point.Kind)
	assert.Equal(t, 8.0, events[3].Point.Price)
	assert.Equal(t, 3, events[3].Point.Index)
}

func TestAlternationInvariantOnRandomWalk(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	d := NewDetector(sym, session, 80)
	price := 150.0
	var created []Kind
	for i := 0; i < 360; i++ {
		price += rng.NormFloat64() * 2
		if price < 20 {
			price = 20
		}
		h := price + rng.Float64()*3
		l := price - rng.Float64()*3
		c := l + rng.Float64()*(h-l)
		ev, err := d.Add(barAt(i, h, l, c))
		require.NoError(t, err)
		if ev != nil && ev.Type == Created {
			created = append(created, ev.Point.Kind)
		}
	}
	require.Greater(t, len(created), 5)
	for i := 1; i < len(created); i++ {
		assert.NotEqual(t, created[i-1], created[i], "swing %d repeats kind", i)
	}
	hist := d.History()
	for i := 1; i < len(hist); i++ {
		assert.NotEqual(t, hist[i-1].Kind, hist[i].Kind)
		assert.Equal(t, i+1, hist[i].Sequence)
	}
}

func TestOutOfOrderAndDuplicateBarsAreSkipped(t *testing.T) {
	d := NewDetector(sym, session, 400)
	_, err := d.Add(barAt(5, 10, 9, 9.5))
	require.NoError(t, err)

	_, err = d.Add(barAt(5, 11, 9, 10))
	assert.ErrorIs(t, err, ErrDuplicate)
	_, err = d.Add(barAt(3, 11, 9, 10))
	assert.ErrorIs(t, err, ErrOutOfOrder)
	assert.Equal(t, 1, d.Len())

	s := NewSet(session, 400)
	assert.Nil(t, s.Update(barAt(5, 10, 9, 9.5)))
	assert.Nil(t, s.Update(barAt(5, 10, 9, 9.5)))
	det, ok := s.Detector(sym)
	require.True(t, ok)
	assert.Equal(t, 1, det.Len())
}

func TestNewDayResets(t *testing.T) {
	d := NewDetector(sym, session, 400)
	feed(t, d, baseLowSequence)
	require.Len(t, d.History(), 2)

	next := barAt(0, 100, 95, 97)
	next.Timestamp = next.Timestamp.Add(24 * time.Hour)
	_, err := d.Add(next)
	require.NoError(t, err)
	assert.Empty(t, d.History())
	assert.Equal(t, 1, d.Len())
}

func TestCheckBreakAndHighestHigh(t *testing.T) {
	d := NewDetector(sym, session, 400)
	feed(t, d, baseLowSequence) // LOW@88 idx2, bars 3 and 4 have highs 99, 101

	assert.Equal(t, 101.0, d.HighestHighSince(2))
	assert.Equal(t, 101.0, d.HighestHighSince(4), "no later bar: bar's own high")
	assert.False(t, d.BrokeAfter(2, 88))

	forming := barAt(5, 103, 90, 91)
	assert.Nil(t, d.CheckBreak(forming), "low above swing does not break")

	forming.Low = 87.5
	br := d.CheckBreak(forming)
	require.NotNil(t, br)
	assert.Equal(t, 88.0, br.Point.Price)
	assert.Equal(t, 103.0, br.HighestHigh)
	assert.Nil(t, d.CheckBreak(forming), "a break is reported once")

	_, err := d.Add(barAt(5, 103, 87.5, 91))
	require.NoError(t, err)
	assert.True(t, d.BrokeAfter(2, 88))
}

func TestPruneKeepsIndicesAbsolute(t *testing.T) {
	d := NewDetector(sym, session, 10)
	for i := 0; i < 40; i++ {
		// flat bars never confirm anything
		_, err := d.Add(barAt(i, 100, 99, 99.5))
		require.NoError(t, err)
	}
	assert.Equal(t, 40, d.Len())
	assert.Equal(t, 30, d.offset)
	assert.Len(t, d.bars, 10)
	assert.Equal(t, 100.0, d.HighestHighSince(0))
}

func TestPruneRetainsBarsAfterLastSwing(t *testing.T) {
	d := NewDetector(sym, session, 10)
	for i := 0; i < 40; i++ {
		// rising bars confirm one LOW at bar 0 and only weaker lows afterwards
		_, err := d.Add(barAt(i, 100+float64(i), 99+float64(i), 99.5+float64(i)))
		require.NoError(t, err)
	}
	last, ok := d.LastSwing()
	require.True(t, ok)
	assert.Equal(t, 0, last.Index)
	assert.Equal(t, 0, d.offset)
	assert.Equal(t, 139.0, d.HighestHighSince(0))
}
