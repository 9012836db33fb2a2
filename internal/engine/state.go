package engine

import (
	"fmt"
	"time"

	"github.com/Rajchodisetti/swing-trader/internal/alerts"
	"github.com/Rajchodisetti/swing-trader/internal/filter"
	"github.com/Rajchodisetti/swing-trader/internal/observ"
	"github.com/Rajchodisetti/swing-trader/internal/ops"
	"github.com/Rajchodisetti/swing-trader/internal/orders"
	"github.com/Rajchodisetti/swing-trader/internal/risk"
	"github.com/Rajchodisetti/swing-trader/internal/storage"
)

const maxSummaries = 30

// State is the persisted snapshot. Trading state is only restored on the
// day it was saved; error records and summaries carry over.
type State struct {
	Day         string                   `json:"day"`
	SavedAt     time.Time                `json:"saved_at"`
	Ops         ops.Record               `json:"ops"`
	Candidates  []filter.StaticCandidate `json:"candidates"`
	Pending     []orders.PendingOrder    `json:"pending_orders"`
	Stops       []orders.ProtectiveStop  `json:"stops"`
	Risk        risk.Snapshot            `json:"risk"`
	Errors      []alerts.ErrorRecord     `json:"errors"`
	Summaries   []risk.DailySummary      `json:"summaries,omitempty"`
	SummarySent bool                     `json:"summary_sent,omitempty"`
}

// Status is the read-only view served to operators.
type Status struct {
	State       State        `json:"state"`
	Pools       filter.Pools `json:"pools"`
	CumulativeR float64      `json:"cumulative_r"`
	LastTick    time.Time    `json:"last_tick,omitempty"`
	Feed        string       `json:"feed,omitempty"`
	Halted      bool         `json:"orders_halted"`
}

func (e *Engine) state() State {
	pools := e.filter.Snapshot()
	return State{
		Day:         e.day,
		SavedAt:     e.now().UTC(),
		Ops:         e.machine.Record(),
		Candidates:  pools.Static,
		Pending:     e.orders.Pending(),
		Stops:       e.orders.Stops(),
		Risk:        e.risk.Snapshot(),
		Errors:      e.throttle.Records(),
		Summaries:   append([]risk.DailySummary(nil), e.summaries...),
		SummarySent: e.summarySent,
	}
}

func (e *Engine) status() Status {
	s := Status{
		State:       e.state(),
		Pools:       e.filter.Snapshot(),
		CumulativeR: e.risk.CumulativeR(),
		LastTick:    e.lastTick,
		Halted:      e.orders.Halted(),
	}
	if e.feed != nil {
		s.Feed = e.feed.ConnectionState().String()
	}
	return s
}

func (e *Engine) save() error {
	if e.store == nil {
		return nil
	}
	if err := e.store.Save(e.state()); err != nil {
		observ.Error("state_save_failed", err, nil)
		return err
	}
	return nil
}

// recover reloads the last snapshot. Open positions, orders and candidates
// are only trusted when the snapshot is from today; the broker book is
// reconciled against them once startup checks pass.
func (e *Engine) recover() error {
	if e.store == nil {
		return nil
	}
	var s State
	found, err := e.store.Load(&s)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if !found {
		return nil
	}
	e.throttle.Restore(s.Errors)
	e.summaries = s.Summaries
	if s.Day != e.day {
		observ.Log("state_recover_skipped", map[string]any{"saved_day": s.Day, "today": e.day})
		return nil
	}
	if err := e.risk.Restore(s.Risk); err != nil {
		return fmt.Errorf("restore positions: %w", err)
	}
	e.filter.Restore(s.Candidates)
	e.orders.Restore(s.Pending, s.Stops)
	e.summarySent = s.SummarySent
	observ.Log("state_recovered", map[string]any{
		"day": s.Day, "positions": len(s.Risk.Positions), "pending": len(s.Pending),
		"stops": len(s.Stops), "candidates": len(s.Candidates),
	})
	return nil
}

// updateSummary replaces today's row in the summary history.
func (e *Engine) updateSummary() risk.DailySummary {
	sum := e.risk.Summary()
	for i := range e.summaries {
		if e.summaries[i].Day == sum.Day {
			e.summaries[i] = sum
			return sum
		}
	}
	e.summaries = append(e.summaries, sum)
	if len(e.summaries) > maxSummaries {
		e.summaries = e.summaries[len(e.summaries)-maxSummaries:]
	}
	return sum
}

// sendSummary journals and announces the day's results once.
func (e *Engine) sendSummary() {
	sum := e.updateSummary()
	e.summarySent = true
	e.record(storage.StreamSummaries, sum)
	observ.Log("daily_summary", map[string]any{
		"day": sum.Day, "trades": sum.Trades, "wins": sum.Wins, "losses": sum.Losses,
		"pnl": sum.RealizedPnL, "cumulative_r": sum.CumulativeR, "exit_reason": sum.ExitReason,
	})
	e.sender.Send(summaryMessage(sum, e.now()))
}
