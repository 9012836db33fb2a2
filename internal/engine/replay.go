package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Rajchodisetti/swing-trader/internal/market"
	"github.com/Rajchodisetti/swing-trader/internal/observ"
	"github.com/Rajchodisetti/swing-trader/internal/ops"
)

// Warmup feeds closed historical bars through swing detection and the
// formation-time filter without trading.
func (e *Engine) Warmup(bars []market.Bar) {
	sortBars(bars)
	e.bars.Seed(bars)
	for _, b := range bars {
		e.onBar(b)
	}
}

// warmup loads today's bars for every symbol from the history provider.
func (e *Engine) warmup(ctx context.Context) error {
	if e.history == nil || len(e.symbols) == 0 {
		return nil
	}
	now := e.now()
	if !e.session.IsOpen(now) {
		return nil
	}
	var errs []error
	var all []market.Bar
	for _, sym := range e.symbols {
		bars, err := e.history.History(ctx, sym, e.cfg.Strategy.Exchange, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sym, err))
			continue
		}
		// the minute in progress is rebuilt from live ticks
		cur := now.Truncate(time.Minute)
		for _, b := range bars {
			if b.Timestamp.Before(cur) {
				all = append(all, b)
			}
		}
	}
	e.Warmup(all)
	observ.Log("warmup_complete", map[string]any{"bars": len(all), "symbols": len(e.symbols), "failed": len(errs)})
	return errors.Join(errs...)
}

// goLive ends warm-up: later swings may trade, and candidates whose swing
// was already traded through never will.
func (e *Engine) goLive() {
	e.swings.SetLive()
	marked := e.filter.MarkHistoricalBreaks(func(symbol string, index int, price float64) bool {
		d, ok := e.swings.Detector(symbol)
		return ok && d.BrokeAfter(index, price)
	})
	observ.Log("engine_live", map[string]any{"historical_breaks": marked})
}

// ReplayResult summarises a replay run.
type ReplayResult struct {
	Bars   int    `json:"bars"`
	Ticks  int    `json:"ticks"`
	Status Status `json:"status"`
}

// ticksPerBar is at least the default minimum for a bar to count.
const ticksPerBar = 6

// Replay drives the engine from recorded one-minute bars instead of the
// live feed. Each bar is expanded into a tick path through its open, high,
// low and close, and the engine clock follows the ticks. The engine must
// have been started.
func (e *Engine) Replay(ctx context.Context, bars []market.Bar) (ReplayResult, error) {
	if e.machine.State() == ops.Failed {
		return ReplayResult{}, errors.New("replay: engine is in ERROR state")
	}
	sortBars(bars)
	var clock time.Time
	e.SetClock(func() time.Time { return clock })
	if s, ok := e.prices.(interface{ SetClock(func() time.Time) }); ok {
		s.SetClock(func() time.Time { return clock })
	}

	res := ReplayResult{Bars: len(bars)}
	vol := map[string]int64{}
	for i := 0; i < len(bars); {
		j := i
		for j < len(bars) && bars[j].Timestamp.Equal(bars[i].Timestamp) {
			j++
		}
		group := bars[i:j]
		for k := 0; k < ticksPerBar; k++ {
			for _, b := range group {
				if err := ctx.Err(); err != nil {
					return res, err
				}
				t := replayTick(b, k, vol)
				clock = t.Timestamp
				e.onTick(ctx, t)
				e.poll(ctx)
				e.onClock(ctx)
				res.Ticks++
			}
		}
		i = j
	}
	if len(bars) > 0 {
		clock = bars[len(bars)-1].Timestamp.Add(time.Minute)
		e.onClock(ctx)
		e.poll(ctx)
	}
	res.Status = e.status()
	return res, nil
}

// replayTick returns tick k of the path through bar: open, then the extreme
// nearer the open, then the other extreme, then the close.
func replayTick(b market.Bar, k int, vol map[string]int64) market.Tick {
	first, second := b.Low, b.High
	if b.Close < b.Open {
		first, second = b.High, b.Low
	}
	path := [ticksPerBar]float64{b.Open, first, first, second, second, b.Close}
	vol[b.Symbol] += b.Volume / ticksPerBar
	if k == ticksPerBar-1 {
		vol[b.Symbol] += b.Volume % ticksPerBar
	}
	return market.Tick{
		Symbol:    b.Symbol,
		Timestamp: b.Timestamp.Add(time.Duration(k) * 10 * time.Second),
		LTP:       path[k],
		Volume:    vol[b.Symbol],
	}
}

func sortBars(bars []market.Bar) {
	sort.SliceStable(bars, func(i, j int) bool {
		if !bars[i].Timestamp.Equal(bars[j].Timestamp) {
			return bars[i].Timestamp.Before(bars[j].Timestamp)
		}
		return bars[i].Symbol < bars[j].Symbol
	})
}
