package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/swing-trader/internal/broker"
	"github.com/Rajchodisetti/swing-trader/internal/config"
	"github.com/Rajchodisetti/swing-trader/internal/market"
)

func newTracker(t *testing.T) (*Tracker, market.Session) {
	t.Helper()
	root, err := config.Load("")
	require.NoError(t, err)
	session := market.DefaultSession()
	return NewTracker(ConfigFrom(root.Risk, session)), session
}

func morning(session market.Session) time.Time {
	return time.Date(2026, 10, 19, 10, 0, 0, 0, session.Loc)
}

func open(tr *Tracker, sym string, side market.Side, entry, stop float64, at time.Time) {
	tr.Open(OpenRequest{Symbol: sym, Side: side, Quantity: 650, EntryPrice: entry, StopPrice: stop, At: at})
}

func TestSize(t *testing.T) {
	cases := []struct {
		name        string
		entry, stop float64
		lots        int
		err         error
	}{
		{"exact R", 100, 110, 10, nil},
		{"floors", 100, 113, 7, nil},
		{"capped at max lots", 100, 101, 10, nil},
		{"single lot", 200, 300, 1, nil},
		{"risk too wide", 200, 350, 0, ErrZeroLots},
		{"no risk", 100, 100, 0, ErrInvalidRisk},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := Size(tc.entry, tc.stop, 6500, 65, 10)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.lots, s.Lots)
			assert.Equal(t, tc.lots*65, s.Quantity)
		})
	}
}

func TestCloseComputesShortPnLAndR(t *testing.T) {
	tr, session := newTracker(t)
	now := morning(session)
	open(tr, "NIFTY24500PE", market.PE, 100, 110, now)

	ct, err := tr.Close("NIFTY24500PE", 90, ExitManual, now.Add(time.Minute))
	require.NoError(t, err)
	assert.InDelta(t, 6500, ct.PnL, 1e-6)
	assert.InDelta(t, 1.0, ct.R, 1e-9)
	assert.InDelta(t, 1.0, tr.CumulativeR(), 1e-9)
	assert.Empty(t, tr.Positions())

	_, err = tr.Close("NIFTY24500PE", 90, ExitManual, now)
	assert.ErrorIs(t, err, ErrUnknownPosition)
}

func TestCanOpenGates(t *testing.T) {
	tr, session := newTracker(t)
	now := morning(session)
	for _, sym := range []string{"A-CE", "B-CE", "C-CE"} {
		open(tr, sym, market.CE, 100, 110, now)
	}

	ok, reason := tr.CanOpen("A-CE", market.CE, now)
	assert.False(t, ok)
	assert.Equal(t, "position_exists", reason)

	ok, reason = tr.CanOpen("D-CE", market.CE, now)
	assert.False(t, ok)
	assert.Equal(t, "max_CE_positions", reason)

	ok, _ = tr.CanOpen("A-PE", market.PE, now)
	assert.True(t, ok)
	open(tr, "A-PE", market.PE, 100, 110, now)
	open(tr, "B-PE", market.PE, 100, 110, now)

	ok, reason = tr.CanOpen("C-PE", market.PE, now)
	assert.False(t, ok)
	assert.Equal(t, "max_positions", reason)

	tr.Halt("stop_failures")
	_, reason = tr.CanOpen("C-PE", market.PE, now)
	assert.Equal(t, "halted", reason)
}

func TestConsecutiveLossesPauseEntries(t *testing.T) {
	tr, session := newTracker(t)
	now := morning(session)

	open(tr, "W-CE", market.CE, 100, 110, now)
	_, err := tr.Close("W-CE", 95, ExitManual, now)
	require.NoError(t, err)

	var last time.Time
	for i, sym := range []string{"L1-CE", "L2-CE", "L3-CE"} {
		last = now.Add(time.Duration(i+1) * time.Minute)
		open(tr, sym, market.CE, 100, 110, last)
		_, err := tr.Close(sym, 110, ExitStopHit, last)
		require.NoError(t, err)
	}

	ok, reason := tr.CanOpen("X-CE", market.CE, last.Add(29*time.Minute))
	assert.False(t, ok)
	assert.Equal(t, "consecutive_loss_pause", reason)

	ok, _ = tr.CanOpen("X-CE", market.CE, last.Add(30*time.Minute))
	assert.True(t, ok)
}

func TestDailyExitFiresOnce(t *testing.T) {
	cases := []struct {
		name   string
		ltp    float64
		at     func(market.Session) time.Time
		reason ExitReason
	}{
		{"target", 50, morning, ExitDailyTarget},
		{"stop", 150, morning, ExitDailyStop},
		{"force exit", 100, func(s market.Session) time.Time {
			return time.Date(2026, 10, 19, 15, 15, 0, 0, s.Loc)
		}, ExitForceClose},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr, session := newTracker(t)
			now := tc.at(session)
			open(tr, "NIFTY24500CE", market.CE, 100, 110, morning(session))
			tr.UpdatePrices(map[string]float64{"NIFTY24500CE": tc.ltp})

			reason, fired := tr.CheckDailyExit(now)
			require.True(t, fired)
			assert.Equal(t, tc.reason, reason)

			_, fired = tr.CheckDailyExit(now.Add(time.Second))
			assert.False(t, fired)

			ok, why := tr.CanOpen("OTHER-CE", market.CE, now)
			assert.False(t, ok)
			assert.Equal(t, "daily_exit_"+string(tc.reason), why)

			tr.ResetDay("2026-10-20")
			_, latched := tr.DailyExit()
			assert.False(t, latched)
		})
	}
}

func TestDailyExitQuietInsideBands(t *testing.T) {
	tr, session := newTracker(t)
	now := time.Date(2026, 10, 19, 15, 14, 59, 0, session.Loc)
	open(tr, "NIFTY24500CE", market.CE, 100, 110, now)
	tr.UpdatePrices(map[string]float64{"NIFTY24500CE": 60})

	_, fired := tr.CheckDailyExit(now)
	assert.False(t, fired)
	assert.InDelta(t, 4.0, tr.CumulativeR(), 1e-9)
}

func TestCumulativeRUsesEachPositionRisk(t *testing.T) {
	tr, session := newTracker(t)
	now := morning(session)

	// one point of risk, capped at 10 lots: 650 at risk, not 6500
	open(tr, "NIFTY24500CE", market.CE, 100, 101, now)
	tr.UpdatePrices(map[string]float64{"NIFTY24500CE": 106})
	assert.InDelta(t, -6.0, tr.CumulativeR(), 1e-9)

	reason, fired := tr.CheckDailyExit(now)
	require.True(t, fired)
	assert.Equal(t, ExitDailyStop, reason)

	ct, err := tr.Close("NIFTY24500CE", 106, ExitDailyStop, now)
	require.NoError(t, err)
	assert.InDelta(t, -6.0, ct.R, 1e-9)
	assert.InDelta(t, -6.0, tr.CumulativeR(), 1e-9)
	assert.InDelta(t, -6.0, tr.Summary().CumulativeR, 1e-9)
}

func TestCumulativeRMixesClosedAndOpen(t *testing.T) {
	tr, session := newTracker(t)
	now := morning(session)

	// 7 lots floored from 6500 / (13 * 65): 5915 at risk
	tr.Open(OpenRequest{Symbol: "A-CE", Side: market.CE, Quantity: 455, EntryPrice: 100, StopPrice: 113, At: now})
	ct, err := tr.Close("A-CE", 87, ExitManual, now)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, ct.R, 1e-9)

	open(tr, "B-PE", market.PE, 100, 101, now)
	tr.UpdatePrices(map[string]float64{"B-PE": 98})
	assert.InDelta(t, 3.0, tr.CumulativeR(), 1e-9)

	_, fired := tr.CheckDailyExit(now)
	assert.False(t, fired)
}

func TestReconcile(t *testing.T) {
	tr, session := newTracker(t)
	now := morning(session)
	open(tr, "GONE-PE", market.PE, 100, 110, now)
	open(tr, "HELD-CE", market.CE, 100, 110, now)

	rec := tr.Reconcile([]broker.Position{
		{Symbol: "HELD-CE", Quantity: -325},
		{Symbol: "STRAY-CE", Quantity: -65, AvgPrice: 80},
		{Symbol: "FLAT-PE", Quantity: 0},
	}, now)

	require.Len(t, rec.Phantom, 1)
	assert.Equal(t, "GONE-PE", rec.Phantom[0].Symbol)
	assert.Equal(t, ExitReconciled, rec.Phantom[0].Reason)
	assert.InDelta(t, -6500, rec.Phantom[0].PnL, 1e-6)

	require.Len(t, rec.Orphans, 1)
	assert.Equal(t, "STRAY-CE", rec.Orphans[0].Symbol)
	assert.Equal(t, []string{"HELD-CE"}, rec.Resized)

	held, ok := tr.Position("HELD-CE")
	require.True(t, ok)
	assert.Equal(t, 325, held.Quantity)
	assert.Equal(t, 5, held.Lots)
	assert.InDelta(t, 3250, held.RiskAmount, 1e-6)
	assert.False(t, rec.Clean())
}

func TestSnapshotRestore(t *testing.T) {
	tr, session := newTracker(t)
	now := morning(session)
	tr.ResetDay("2026-10-19")
	open(tr, "A-CE", market.CE, 100, 110, now)
	open(tr, "B-PE", market.PE, 100, 110, now)
	_, err := tr.Close("B-PE", 90, ExitManual, now)
	require.NoError(t, err)

	snap := tr.Snapshot()
	other, _ := newTracker(t)
	require.NoError(t, other.Restore(snap))

	assert.Equal(t, "2026-10-19", other.Day())
	assert.Len(t, other.Positions(), 1)
	assert.Len(t, other.Closed(), 1)
	assert.InDelta(t, tr.CumulativeR(), other.CumulativeR(), 1e-9)

	sum := other.Summary()
	assert.Equal(t, "2026-10-19", sum.Day)
	assert.Equal(t, 1, sum.Trades)
	assert.Equal(t, 1, sum.Wins)
	assert.Equal(t, 1, sum.OpenPositions)
	assert.InDelta(t, 6500, sum.RealizedPnL, 1e-6)
	assert.InDelta(t, 1.0, sum.BestR, 1e-9)
}
