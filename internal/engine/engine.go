package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Rajchodisetti/swing-trader/internal/alerts"
	"github.com/Rajchodisetti/swing-trader/internal/broker"
	"github.com/Rajchodisetti/swing-trader/internal/config"
	"github.com/Rajchodisetti/swing-trader/internal/filter"
	"github.com/Rajchodisetti/swing-trader/internal/market"
	"github.com/Rajchodisetti/swing-trader/internal/observ"
	"github.com/Rajchodisetti/swing-trader/internal/ops"
	"github.com/Rajchodisetti/swing-trader/internal/orders"
	"github.com/Rajchodisetti/swing-trader/internal/risk"
	"github.com/Rajchodisetti/swing-trader/internal/storage"
	"github.com/Rajchodisetti/swing-trader/internal/swing"
	"github.com/Rajchodisetti/swing-trader/internal/transport"
)

// PriceSink receives every accepted tick price. The paper broker uses it to
// fill resting orders.
type PriceSink interface {
	OnPrice(symbol string, ltp float64) []broker.OrderStatus
}

// Deps are the collaborators of an Engine. Feed, Store, Journal, Sender,
// Prices and History are optional.
type Deps struct {
	Config  config.Root
	Symbols []string
	Broker  broker.Broker
	Feed    transport.Client
	Store   *storage.Store
	Journal *storage.Journal
	Sender  alerts.Sender
	Prices  PriceSink
	History broker.HistoryProvider
}

// Engine is the single owner of bars, swings, candidate pools, orders and
// positions. Everything except Status and State runs on the Run goroutine.
type Engine struct {
	cfg     config.Root
	session market.Session
	symbols []string

	broker  broker.Broker
	feed    transport.Client
	store   *storage.Store
	journal *storage.Journal
	sender  alerts.Sender
	prices  PriceSink
	history broker.HistoryProvider

	bars     *market.BarBuilder
	swings   *swing.Set
	filter   *filter.Engine
	orders   *orders.Manager
	risk     *risk.Tracker
	throttle *alerts.Throttler
	machine  *ops.Machine

	now         func() time.Time
	day         string
	ltp         map[string]float64
	lastTick    time.Time
	startedAt   time.Time
	summarySent bool
	summaries   []risk.DailySummary

	queries chan func(*Engine)
	running atomic.Bool
}

// SessionFrom builds the trading session from the risk section.
func SessionFrom(r config.Risk) (market.Session, error) {
	open, err := config.ParseClock(r.MarketOpen)
	if err != nil {
		return market.Session{}, fmt.Errorf("market_open: %w", err)
	}
	exit, err := config.ParseClock(r.ForceExitTime)
	if err != nil {
		return market.Session{}, fmt.Errorf("force_exit_time: %w", err)
	}
	closing, err := config.ParseClock(r.MarketClose)
	if err != nil {
		return market.Session{}, fmt.Errorf("market_close: %w", err)
	}
	return market.Session{Loc: r.Location(), Open: open, ForceExit: exit, Close: closing}, nil
}

func New(d Deps) (*Engine, error) {
	if d.Broker == nil {
		return nil, errors.New("engine: broker is required")
	}
	session, err := SessionFrom(d.Config.Risk)
	if err != nil {
		return nil, err
	}
	sender := d.Sender
	if sender == nil {
		quiet := d.Config.Notify
		quiet.TelegramEnabled = false
		sender = alerts.NewTelegram(quiet)
	}

	e := &Engine{
		cfg:     d.Config,
		session: session,
		symbols: d.Symbols,
		broker:  d.Broker,
		feed:    d.Feed,
		store:   d.Store,
		journal: d.Journal,
		sender:  sender,
		prices:  d.Prices,
		history: d.History,
		now:     time.Now,
		ltp:     map[string]float64{},
		queries: make(chan func(*Engine)),
	}

	s := d.Config.Strategy
	e.bars = market.NewBarBuilder(session, s.MinTicksPerBar)
	e.swings = swing.NewSet(session, s.MaxBarsPerSymbol)
	e.filter = filter.NewEngine(filter.ConfigFrom(s))
	var rec orders.Recorder
	if d.Journal != nil {
		rec = d.Journal
	}
	e.orders = orders.NewManager(d.Broker, orders.ConfigFrom(d.Config), rec)
	e.risk = risk.NewTracker(risk.ConfigFrom(d.Config.Risk, session))
	e.throttle = alerts.NewThrottler(d.Config.Notify, sender)

	var probe ops.FeedProbe
	if p, ok := d.Feed.(ops.FeedProbe); ok {
		probe = p
	}
	e.machine = ops.NewMachine(ops.ConfigFrom(d.Config.Ops), ops.NewChecker(d.Broker, probe), e.throttle, sender)
	return e, nil
}

// SetClock replaces the time source of the engine and the components it owns.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.orders.SetClock(now)
	e.machine.SetClock(now)
	if e.journal != nil {
		e.journal.SetClock(now)
	}
}

func (e *Engine) Machine() *ops.Machine { return e.machine }

// Start recovers persisted state, runs the startup checks, reconciles with
// the broker and warms the swing detectors from history.
func (e *Engine) Start(ctx context.Context) (ops.State, error) {
	e.startedAt = e.now()
	e.rollDay(e.startedAt)
	if err := e.recover(); err != nil {
		observ.Error("state_recover_failed", err, nil)
		e.throttle.Report(alerts.DatabaseError, "state recovery failed: "+err.Error(), e.now())
	}

	state, err := e.machine.Startup(ctx)
	if state == ops.Failed {
		return state, fmt.Errorf("startup: %w", err)
	}
	if state == ops.Active {
		e.reconcile(ctx)
	}
	if err := e.warmup(ctx); err != nil {
		observ.Warn("warmup_incomplete", map[string]any{"error": err.Error()})
	}
	e.goLive()
	return state, nil
}

// Run drives the engine until ctx is cancelled, then runs the bounded
// shutdown sequence.
func (e *Engine) Run(ctx context.Context) error {
	state, err := e.Start(ctx)
	if state == ops.Failed {
		e.notifyStartupFailure(err)
		e.shutdown(ctx, "startup_failed")
		return err
	}

	var ticks <-chan market.Tick
	if e.feed != nil {
		if ticks, err = e.feed.Start(ctx); err != nil {
			e.shutdown(ctx, "feed_start_failed")
			return fmt.Errorf("start feed: %w", err)
		}
	}

	e.running.Store(true)
	defer e.running.Store(false)

	poll := time.NewTicker(e.cfg.Orders.PollInterval())
	defer poll.Stop()
	reconcile := time.NewTicker(e.cfg.Orders.ReconcileInterval())
	defer reconcile.Stop()
	recheck := time.NewTicker(e.cfg.Ops.CheckInterval())
	defer recheck.Stop()
	clock := time.NewTicker(time.Second)
	defer clock.Stop()
	save := time.NewTicker(seconds(e.cfg.Ops.StateSaveIntervalSecs))
	defer save.Stop()
	flush := time.NewTicker(seconds(e.cfg.Notify.AggregationWindowSecs))
	defer flush.Stop()
	fresh := time.NewTicker(seconds(e.cfg.Ops.StaleDataTimeoutSecs))
	defer fresh.Stop()

	observ.Log("engine_running", map[string]any{"state": e.machine.State(), "symbols": len(e.symbols)})
	for {
		select {
		case <-ctx.Done():
			e.shutdown(ctx, "signal")
			return nil
		case t, ok := <-ticks:
			if !ok {
				ticks = nil
				continue
			}
			e.onTick(ctx, t)
		case q := <-e.queries:
			q(e)
		case <-poll.C:
			e.poll(ctx)
		case <-reconcile.C:
			e.reconcile(ctx)
		case <-recheck.C:
			e.recheck(ctx)
		case <-clock.C:
			e.onClock(ctx)
		case <-save.C:
			if err := e.save(); err != nil {
				e.throttle.Report(alerts.DatabaseError, "state save failed: "+err.Error(), e.now())
			}
		case <-flush.C:
			e.throttle.Flush(e.now())
		case <-fresh.C:
			e.checkFeed()
		}
	}
}

func seconds(n int) time.Duration {
	if n <= 0 {
		n = 1
	}
	return time.Duration(n) * time.Second
}

// tradingAllowed gates new entry orders; exits are never gated.
func (e *Engine) tradingAllowed(now time.Time) bool {
	return e.machine.State() == ops.Active &&
		e.swings.Live() &&
		e.session.IsOpen(now) &&
		!e.session.PastForceExit(now)
}

func (e *Engine) onClock(ctx context.Context) {
	now := e.now()
	e.rollDay(now)

	closed := e.bars.Flush(now)
	for _, b := range closed {
		e.onBar(b)
	}
	if len(closed) > 0 {
		e.evaluate(ctx)
	}
	e.checkDailyExit(ctx, now)
}

func (e *Engine) recheck(ctx context.Context) {
	if e.machine.State() != ops.Waiting {
		return
	}
	if e.machine.Recheck(ctx) == ops.Active {
		e.reconcile(ctx)
		e.evaluate(ctx)
	}
}

// checkFeed reports a silent or rejected feed during market hours.
func (e *Engine) checkFeed() {
	if e.feed == nil {
		return
	}
	now := e.now()
	if !e.session.IsOpen(now) {
		return
	}
	if f, ok := e.feed.(interface{ Err() error }); ok {
		if err := f.Err(); errors.Is(err, transport.ErrAuthFailed) {
			e.machine.Degrade(alerts.WebsocketAuthFailed, broker.ClassPermanent, err)
			return
		}
	}
	last := e.lastTick
	if last.IsZero() {
		last = e.startedAt
	}
	limit := seconds(e.cfg.Ops.StaleDataTimeoutSecs)
	if age := now.Sub(last); age > limit {
		observ.IncCounter("feed_stale_total", nil)
		msg := fmt.Sprintf("no ticks for %s (feed %s)", age.Round(time.Second), e.feed.ConnectionState())
		if e.feed.ConnectionState() == transport.StateDisconnected {
			e.machine.Degrade(alerts.WebsocketDown, broker.ClassTransient, errors.New(msg))
			return
		}
		e.throttle.Report(alerts.WebsocketDown, msg, now)
	}
}

// rollDay resets the per-day state when the trading date changes.
func (e *Engine) rollDay(now time.Time) {
	day := e.session.Day(now)
	if e.day == day {
		return
	}
	if e.day != "" {
		if !e.summarySent {
			e.sendSummary()
		}
		e.filter.Reset()
		e.orders.ResetDay()
		e.swings.Reset()
		e.summarySent = false
		observ.Log("day_rollover", map[string]any{"from": e.day, "to": day})
	}
	e.day = day
	if e.risk.Day() != day {
		e.risk.ResetDay(day)
	}
}

// Status returns a copy of the engine state. While Run is active the copy
// is taken on the engine goroutine.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	if !e.running.Load() {
		return e.status(), nil
	}
	out := make(chan Status, 1)
	select {
	case e.queries <- func(e *Engine) { out <- e.status() }:
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
	select {
	case s := <-out:
		return s, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

func (e *Engine) shutdown(ctx context.Context, reason string) ops.ShutdownReport {
	steps := []ops.Step{
		{Name: "cancel_orders", Run: func(ctx context.Context) error {
			var errs []error
			for _, a := range e.orders.CancelAll(ctx) {
				if a.Err != nil {
					errs = append(errs, a.Err)
				}
			}
			return errors.Join(errs...)
		}},
		{Name: "close_positions", Run: func(ctx context.Context) error {
			return e.closeAll(ctx, risk.ExitShutdown)
		}},
		{Name: "persist", Local: true, Run: func(ctx context.Context) error {
			return e.save()
		}},
		{Name: "notify", Run: func(ctx context.Context) error {
			if !e.summarySent {
				e.sendSummary()
			}
			return e.sendNow(ctx, fmt.Sprintf("swing-trader stopped (%s), cumulative %.2fR", reason, e.risk.CumulativeR()))
		}},
		{Name: "disconnect", Run: func(ctx context.Context) error {
			if e.feed == nil {
				return nil
			}
			return e.feed.Close()
		}},
	}
	rep := e.machine.Shutdown(ctx, reason, steps...)
	observ.Log("engine_stopped", map[string]any{
		"reason": reason, "completed": rep.Completed, "skipped": rep.Skipped, "elapsed_ms": rep.Elapsed.Milliseconds(),
	})
	return rep
}
