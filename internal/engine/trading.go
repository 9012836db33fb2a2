package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Rajchodisetti/swing-trader/internal/alerts"
	"github.com/Rajchodisetti/swing-trader/internal/broker"
	"github.com/Rajchodisetti/swing-trader/internal/filter"
	"github.com/Rajchodisetti/swing-trader/internal/market"
	"github.com/Rajchodisetti/swing-trader/internal/observ"
	"github.com/Rajchodisetti/swing-trader/internal/ops"
	"github.com/Rajchodisetti/swing-trader/internal/orders"
	"github.com/Rajchodisetti/swing-trader/internal/risk"
	"github.com/Rajchodisetti/swing-trader/internal/storage"
)

func (e *Engine) onTick(ctx context.Context, t market.Tick) {
	now := e.now()
	if err := market.ValidateTick(&t, now, seconds(e.cfg.Feed.MaxTickAgeSecs)); err != nil {
		var te *market.TickError
		reason := "invalid"
		if errors.As(err, &te) {
			reason = te.Type
		}
		observ.IncCounter("ticks_dropped_total", map[string]string{"reason": reason})
		observ.Debug("tick_dropped", map[string]any{"symbol": t.Symbol, "reason": reason, "error": err.Error()})
		return
	}
	observ.IncCounter("ticks_total", nil)
	e.lastTick = now
	e.rollDay(now)
	e.ltp[t.Symbol] = t.LTP

	if e.prices != nil {
		if filled := e.prices.OnPrice(t.Symbol, t.LTP); len(filled) > 0 {
			e.poll(ctx)
		}
	}
	e.risk.UpdatePrices(map[string]float64{t.Symbol: t.LTP})
	e.checkDailyExit(ctx, now)

	closed, forming := e.bars.Add(t)
	if closed != nil {
		e.onBar(*closed)
	}
	if d, ok := e.swings.Detector(t.Symbol); ok {
		if br := d.CheckBreak(forming); br != nil {
			observ.Log("swing_broken", map[string]any{
				"symbol": br.Point.Symbol, "price": br.Point.Price, "highest_high": br.HighestHigh, "ltp": t.LTP,
			})
			e.record(storage.StreamSwings, map[string]any{"event": "swing_broken", "break": br})
		}
	}
	if _, ok := e.filter.Static(t.Symbol); ok || closed != nil {
		e.evaluate(ctx)
	}
}

// onBar feeds a closed bar to the swing detectors and offers any new or
// updated swing to the formation-time filter.
func (e *Engine) onBar(b market.Bar) {
	ev := e.swings.Update(b)
	if ev == nil {
		return
	}
	e.record(storage.StreamSwings, ev)
	out := e.filter.OnSwing(*ev, e.now())
	if out.Rejection != nil {
		e.record(storage.StreamRejections, out.Rejection)
	}
}

// evaluate reruns the price-dependent filter stages and keeps one resting
// entry order per side in line with the best candidate.
func (e *Engine) evaluate(ctx context.Context) {
	now := e.now()
	res := e.filter.Evaluate(view{e}, now)
	for _, r := range res.Rejections {
		e.record(storage.StreamRejections, r)
	}
	for _, r := range res.Removed {
		if r.Reason == filter.RemovedBroken {
			e.orders.MarkBroken(r.Symbol, now)
		}
	}
	if e.notifyOn(e.cfg.Notify.OnBestStrikeChange) {
		for _, side := range res.Changed {
			if b := res.Best[side]; b != nil {
				e.sender.Send(bestChangeMessage(side, b, now))
			}
		}
	}
	if !e.tradingAllowed(now) {
		return
	}
	admit := e.admit(now)
	for _, side := range market.Sides {
		e.onAction(e.orders.Sync(ctx, side, res.Best[side], admit))
	}
}

func (e *Engine) admit(now time.Time) orders.Admit {
	return func(best *filter.BestCandidate) (int, string) {
		if ok, reason := e.risk.CanOpen(best.Symbol(), best.Side(), now); !ok {
			return 0, reason
		}
		sz, err := e.risk.Size(best.SwingPrice(), best.StopPrice())
		switch {
		case errors.Is(err, risk.ErrZeroLots):
			return 0, "zero_lots"
		case err != nil:
			return 0, "invalid_risk"
		}
		return sz.Lots, ""
	}
}

func (e *Engine) onAction(a orders.Action) {
	if a.Kind != orders.ActionFailed {
		return
	}
	sym := ""
	if a.Order != nil {
		sym = a.Order.Symbol
	}
	text := fmt.Sprintf("%s entry order failed (%s %s)", a.Side, sym, a.Reason)
	if a.Err != nil {
		text += ": " + a.Err.Error()
	}
	e.throttle.Report(alerts.OrderFailure, text, e.now())
	if broker.IsPermanent(a.Err) {
		observ.Warn("order_failure_permanent", map[string]any{"side": a.Side, "symbol": sym})
	}
}

func (e *Engine) poll(ctx context.Context) {
	p := e.orders.PollStatus(ctx)
	for _, f := range p.Entries {
		e.onEntryFill(ctx, f)
	}
	for _, f := range p.StopsHit {
		e.closePosition(f.Symbol, f.Price, risk.ExitStopHit)
	}
	for _, a := range p.Actions {
		e.onAction(a)
	}
}

// onEntryFill opens the position and protects it with a stop above the
// highest high since the swing.
func (e *Engine) onEntryFill(ctx context.Context, f orders.Fill) {
	hh := e.highestHighFor(f)
	trigger, _ := orders.StopPrices(hh, e.cfg.Strategy.StopBuffer, e.cfg.Strategy.TickSize, e.cfg.Orders.StopFillBuffer)
	pos := e.risk.Open(risk.OpenRequest{
		Symbol:     f.Symbol,
		Side:       f.Side,
		Quantity:   f.Quantity,
		EntryPrice: f.Price,
		StopPrice:  trigger,
		OrderID:    f.OrderID,
		At:         f.At,
	})
	e.record(storage.StreamTrades, map[string]any{"event": "entry", "position": pos})
	if e.notifyOn(e.cfg.Notify.OnTradeEntry) {
		e.sender.Send(entryMessage(*pos, e.now()))
	}

	s, err := e.orders.PlaceProtectiveStop(ctx, f.Symbol, f.Quantity, hh)
	if e.orders.Halted() {
		e.risk.Halt("stop_failures")
	}
	if err == nil {
		e.risk.SetStop(f.Symbol, s.Trigger)
		return
	}
	if errors.Is(err, orders.ErrEmergencyExit) {
		e.sender.Send(alerts.Message{
			Kind:     "UNPROTECTED_POSITION",
			Text:     fmt.Sprintf("%s short %d has no stop and could not be closed: %v", f.Symbol, f.Quantity, err),
			Critical: true,
			At:       e.now(),
		})
		e.throttle.Report(alerts.OrderFailure, "protective stop and emergency exit failed for "+f.Symbol, e.now())
		return
	}
	price := e.ltp[f.Symbol]
	if price <= 0 {
		price = f.Price
	}
	e.closePosition(f.Symbol, price, risk.ExitEmergency)
}

func (e *Engine) highestHighFor(f orders.Fill) float64 {
	hh := f.Price
	if f.Entry != nil {
		if v, ok := (view{e}).HighestHighSince(f.Symbol, f.Entry.SwingIndex); ok {
			hh = max(hh, v)
		}
		hh = max(hh, f.Entry.StopPrice-e.cfg.Strategy.StopBuffer)
	}
	if b, ok := e.bars.Forming(f.Symbol); ok {
		hh = max(hh, b.High)
	}
	return hh
}

// closePosition books the exit of a position that is already flat at the
// broker.
func (e *Engine) closePosition(symbol string, price float64, reason risk.ExitReason) {
	ct, err := e.risk.Close(symbol, price, reason, e.now())
	if err != nil {
		observ.Warn("close_unknown_position", map[string]any{"symbol": symbol, "reason": reason})
		return
	}
	e.record(storage.StreamTrades, ct)
	e.updateSummary()
	if e.notifyOn(e.cfg.Notify.OnTradeExit) {
		e.sender.Send(exitMessage(ct))
	}
}

// exitPosition buys back an open short at market and books it.
func (e *Engine) exitPosition(ctx context.Context, p risk.Position, reason risk.ExitReason) error {
	ex, err := e.orders.ExitPosition(ctx, p.Symbol, p.Quantity, string(reason))
	if err != nil {
		e.throttle.Report(alerts.OrderFailure, fmt.Sprintf("exit %s failed: %v", p.Symbol, err), e.now())
		return fmt.Errorf("exit %s: %w", p.Symbol, err)
	}
	price := ex.Price
	if price <= 0 {
		price = e.ltp[p.Symbol]
	}
	if price <= 0 {
		price = p.LTP
	}
	e.closePosition(p.Symbol, price, reason)
	return nil
}

func (e *Engine) closeAll(ctx context.Context, reason risk.ExitReason) error {
	var errs []error
	for _, p := range e.risk.Positions() {
		if err := e.exitPosition(ctx, p, reason); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// checkDailyExit flattens the book once per day on the R target, the R
// stop or the forced exit time.
func (e *Engine) checkDailyExit(ctx context.Context, now time.Time) {
	reason, fired := e.risk.CheckDailyExit(now)
	if !fired {
		return
	}
	for _, a := range e.orders.CancelAll(ctx) {
		e.onAction(a)
	}
	open := len(e.risk.Positions())
	if err := e.closeAll(ctx, reason); err != nil {
		observ.Error("daily_exit_incomplete", err, map[string]any{"reason": reason})
	}
	e.sender.Send(dailyExitMessage(reason, open, e.risk.CumulativeR(), now))
	e.sendSummary()
	if err := e.save(); err != nil {
		e.throttle.Report(alerts.DatabaseError, "state save failed: "+err.Error(), now)
	}
}

// reconcile makes the broker book authoritative for open positions.
func (e *Engine) reconcile(ctx context.Context) {
	if e.machine.State() != ops.Active {
		return
	}
	book, err := e.broker.Positions(ctx)
	if err != nil {
		observ.Warn("reconcile_positions_failed", map[string]any{"error": err.Error()})
		if broker.IsPermanent(err) {
			e.machine.Degrade(alerts.BrokerDisconnected, broker.ClassPermanent, err)
		} else {
			e.throttle.Report(alerts.BrokerDisconnected, "positions unavailable: "+err.Error(), e.now())
		}
		return
	}
	rec := e.risk.Reconcile(book, e.now())
	for _, ct := range rec.Phantom {
		e.orders.DropStop(ct.Symbol)
		e.record(storage.StreamTrades, ct)
		e.updateSummary()
		if e.notifyOn(e.cfg.Notify.OnTradeExit) {
			e.sender.Send(exitMessage(ct))
		}
	}
	if !rec.Clean() {
		observ.Warn("reconcile_diff", map[string]any{
			"phantom": len(rec.Phantom), "orphans": len(rec.Orphans), "resized": rec.Resized,
		})
	}
}

func (e *Engine) record(stream string, v any) {
	if e.journal == nil {
		return
	}
	if err := e.journal.Append(stream, v); err != nil {
		observ.Error("journal_append_failed", err, map[string]any{"stream": stream})
		e.throttle.Report(alerts.DatabaseError, "journal write failed: "+err.Error(), e.now())
	}
}

func (e *Engine) notifyOn(flag *bool) bool {
	return flag == nil || *flag
}
