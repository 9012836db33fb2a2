package market

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSymbol(t *testing.T) {
	tests := []struct {
		name    string
		symbol  string
		want    Contract
		wantErr bool
	}{
		{"nifty call", "NIFTY30DEC2526000CE", Contract{"NIFTY", "30DEC25", 26000, CE}, false},
		{"nifty put lower case", "nifty06jan2625950pe", Contract{"NIFTY", "06JAN26", 25950, PE}, false},
		{"banknifty", "BANKNIFTY24DEC2451500CE", Contract{"BANKNIFTY", "24DEC24", 51500, CE}, false},
		{"no side", "NIFTY30DEC2526000", Contract{}, true},
		{"bad expiry", "NIFTY30XYZ2526000CE", Contract{}, true},
		{"no strike", "NIFTY30DEC25CE", Contract{}, true},
		{"no underlying", "30DEC2526000CE", Contract{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSymbol(tt.symbol)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, SideOf(tt.symbol), got.Side)
		})
	}
}

func TestUniverseAndATM(t *testing.T) {
	assert.Equal(t, 26000, RoundATM(26012.4, 100))
	assert.Equal(t, 26100, RoundATM(26051, 100))

	syms := Universe("NIFTY", "30DEC25", 26000, 50, 5)
	require.Len(t, syms, 22)
	assert.Equal(t, "NIFTY30DEC2525750CE", syms[0])
	assert.Equal(t, "NIFTY30DEC2525750PE", syms[1])
	assert.Equal(t, "NIFTY30DEC2526250PE", syms[len(syms)-1])
}

func TestValidateTick(t *testing.T) {
	now := time.Date(2025, 12, 1, 10, 0, 0, 0, time.UTC)
	fresh := now.Add(-time.Second)
	tests := []struct {
		name     string
		tick     *Tick
		wantType string
	}{
		{"valid", &Tick{Symbol: "x", Bid: 100, Ask: 100.5, LTP: 100.2, Timestamp: fresh}, ""},
		{"ltp only feed", &Tick{Symbol: "x", LTP: 100.2, Timestamp: fresh}, ""},
		{"nil", nil, "bad_symbol"},
		{"empty symbol", &Tick{LTP: 1, Timestamp: fresh}, "bad_symbol"},
		{"zero ltp", &Tick{Symbol: "x", LTP: 0, Timestamp: fresh}, "bad_price"},
		{"crossed", &Tick{Symbol: "x", Bid: 101, Ask: 100, LTP: 100.5, Timestamp: fresh}, "crossed"},
		{"locked", &Tick{Symbol: "x", Bid: 100, Ask: 100, LTP: 100, Timestamp: fresh}, "crossed"},
		{"stale", &Tick{Symbol: "x", LTP: 100, Timestamp: now.Add(-6 * time.Second)}, "stale"},
		{"future", &Tick{Symbol: "x", LTP: 100, Timestamp: now.Add(10 * time.Second)}, "future"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTick(tt.tick, now, 5*time.Second)
			if tt.wantType == "" {
				assert.NoError(t, err)
				return
			}
			var te *TickError
			require.True(t, errors.As(err, &te))
			assert.Equal(t, tt.wantType, te.Type)
		})
	}
}

func TestSession(t *testing.T) {
	s := DefaultSession()
	at := func(h, m int) time.Time { return time.Date(2025, 12, 1, h, m, 0, 0, s.Loc) }

	assert.False(t, s.IsOpen(at(9, 14)))
	assert.True(t, s.IsOpen(at(9, 15)))
	assert.False(t, s.IsOpen(at(15, 30)))
	assert.False(t, s.PastForceExit(at(15, 14)))
	assert.True(t, s.PastForceExit(at(15, 15)))
	assert.Equal(t, "2025-12-01", s.Day(at(23, 59)))
	assert.True(t, s.SameDay(at(9, 0), at(15, 0)))
}

func TestBarBuilderClosesOnMinuteBoundary(t *testing.T) {
	s := DefaultSession()
	b := NewBarBuilder(s, 3)
	base := time.Date(2025, 12, 1, 10, 0, 0, 0, s.Loc)
	tick := func(sec int, ltp float64, vol int64) Tick {
		return Tick{Symbol: "NIFTY30DEC2526000CE", Timestamp: base.Add(time.Duration(sec) * time.Second), LTP: ltp, Volume: vol}
	}

	for i, tk := range []Tick{tick(1, 100, 1000), tick(10, 104, 1100), tick(20, 98, 1300), tick(50, 101, 1400)} {
		closed, forming := b.Add(tk)
		assert.Nil(t, closed, "tick %d", i)
		assert.Equal(t, forming.High, forming.CurrentBarHigh)
	}
	f, ok := b.Forming("NIFTY30DEC2526000CE")
	require.True(t, ok)
	assert.Equal(t, 104.0, f.CurrentBarHigh)

	closed, forming := b.Add(tick(61, 102, 1500))
	require.NotNil(t, closed)
	assert.Equal(t, 100.0, closed.Open)
	assert.Equal(t, 104.0, closed.High)
	assert.Equal(t, 98.0, closed.Low)
	assert.Equal(t, 101.0, closed.Close)
	assert.Equal(t, int64(400), closed.Volume)
	assert.InDelta(t, (104.0+98+101)/3, closed.VWAP, 1e-9)
	assert.Equal(t, base.Add(time.Minute), forming.Timestamp)
	assert.Equal(t, int64(100), forming.Volume)
}

func TestBarBuilderDropsSparseBarsAndFlushes(t *testing.T) {
	s := DefaultSession()
	b := NewBarBuilder(s, 5)
	base := time.Date(2025, 12, 1, 10, 0, 0, 0, s.Loc)
	b.Add(Tick{Symbol: "A", Timestamp: base, LTP: 10})
	closed, _ := b.Add(Tick{Symbol: "A", Timestamp: base.Add(time.Minute), LTP: 11})
	assert.Nil(t, closed, "bar with one tick is not trusted")

	for i := 0; i < 5; i++ {
		b.Add(Tick{Symbol: "A", Timestamp: base.Add(time.Minute + time.Duration(i)*time.Second), LTP: 11})
	}
	assert.Empty(t, b.Flush(base.Add(time.Minute+30*time.Second)))
	bars := b.Flush(base.Add(2 * time.Minute))
	require.Len(t, bars, 1)
	assert.Equal(t, 6, bars[0].Ticks)
	assert.Equal(t, 11.0, bars[0].VWAP, "zero volume falls back to typical price")
}
