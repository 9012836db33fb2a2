package orders

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Rajchodisetti/swing-trader/internal/broker"
	"github.com/Rajchodisetti/swing-trader/internal/config"
	"github.com/Rajchodisetti/swing-trader/internal/filter"
	"github.com/Rajchodisetti/swing-trader/internal/market"
	"github.com/Rajchodisetti/swing-trader/internal/observ"
)

var (
	ErrNoOrder       = errors.New("no pending order")
	ErrStopFailed    = errors.New("protective stop not placed")
	ErrEmergencyExit = errors.New("emergency exit failed")
	ErrTradingHalted = errors.New("trading halted after repeated stop failures")
)

const priceEpsilon = 1e-9

type Config struct {
	Exchange         string
	Product          string
	LotSize          int
	TickSize         float64
	EntryFillBuffer  float64
	StopFillBuffer   float64
	StopBuffer       float64
	EntryTimeout     time.Duration
	MaxSLFailures    int
	EmergencyRetries int
	EmergencyDelay   time.Duration
}

func ConfigFrom(c config.Root) Config {
	return Config{
		Exchange:         c.Strategy.Exchange,
		Product:          c.Strategy.Product,
		LotSize:          c.Risk.LotSize,
		TickSize:         c.Strategy.TickSize,
		EntryFillBuffer:  c.Orders.EntryFillBuffer,
		StopFillBuffer:   c.Orders.StopFillBuffer,
		StopBuffer:       c.Strategy.StopBuffer,
		EntryTimeout:     time.Duration(c.Orders.EntryTimeoutSecs) * time.Second,
		MaxSLFailures:    c.Orders.MaxSLFailures,
		EmergencyRetries: c.Orders.EmergencyExitRetries,
		EmergencyDelay:   time.Duration(c.Orders.EmergencyExitDelayMs) * time.Millisecond,
	}
}

// Admit sizes a candidate. A non-positive lot count refuses the entry with
// reason.
type Admit func(best *filter.BestCandidate) (lots int, reason string)

// Recorder receives order lifecycle records; storage.Journal satisfies it.
type Recorder interface {
	Append(stream string, record any) error
}

// Poll is the outcome of one status sweep.
type Poll struct {
	Entries  []Fill
	StopsHit []Fill
	Actions  []Action
}

// Manager keeps at most one entry order per side and one protective stop
// per open position. It is owned by the engine loop.
type Manager struct {
	b       broker.Broker
	cfg     Config
	now     func() time.Time
	rec     Recorder
	pending map[market.Side]*PendingOrder
	stops   map[string]*ProtectiveStop

	slFailures int
	halted     bool
}

func NewManager(b broker.Broker, cfg Config, rec Recorder) *Manager {
	return &Manager{
		b:       b,
		cfg:     cfg,
		now:     time.Now,
		rec:     rec,
		pending: map[market.Side]*PendingOrder{},
		stops:   map[string]*ProtectiveStop{},
	}
}

// SetClock overrides the time source.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

func (m *Manager) Halted() bool { return m.halted }

// Sync reconciles the resting entry order of side with the current best
// candidate. Calling it repeatedly with the same candidate is a no-op.
func (m *Manager) Sync(ctx context.Context, side market.Side, best *filter.BestCandidate, admit Admit) Action {
	p := m.pending[side]
	if p != nil && p.Broken() {
		return Action{Kind: ActionNone, Side: side, Order: copyOf(p), Reason: "awaiting_fill"}
	}
	if best == nil {
		if p == nil {
			return Action{Kind: ActionNone, Side: side}
		}
		return m.cancel(ctx, side, "disqualified")
	}
	if best.BrokeInHistory() {
		if p != nil && p.Symbol == best.Symbol() {
			return m.cancel(ctx, side, "broke_in_history")
		}
		return Action{Kind: ActionSkipped, Side: side, Reason: "broke_in_history"}
	}
	if m.halted {
		if p != nil {
			return m.cancel(ctx, side, "halted")
		}
		return Action{Kind: ActionSkipped, Side: side, Reason: "halted", Err: ErrTradingHalted}
	}

	trigger, limit := EntryPrices(best.SwingPrice(), m.cfg.TickSize, m.cfg.EntryFillBuffer)
	if p != nil && p.Symbol == best.Symbol() {
		lots, reason := admit(best)
		if lots <= 0 {
			return m.cancel(ctx, side, reason)
		}
		if same(p.Trigger, trigger) && same(p.Limit, limit) && p.Lots == lots {
			if !same(p.StopPrice, best.StopPrice()) {
				p.StopPrice = best.StopPrice()
			}
			return Action{Kind: ActionNone, Side: side, Order: copyOf(p)}
		}
		return m.modify(ctx, side, best, trigger, limit, lots)
	}

	if p != nil {
		if a := m.cancel(ctx, side, "replaced"); a.Kind == ActionFailed {
			return a
		}
	}
	lots, reason := admit(best)
	if lots <= 0 {
		return Action{Kind: ActionSkipped, Side: side, Reason: reason}
	}
	return m.place(ctx, side, best, trigger, limit, lots)
}

func (m *Manager) place(ctx context.Context, side market.Side, best *filter.BestCandidate, trigger, limit float64, lots int) Action {
	q := best.Candidate()
	req := broker.OrderRequest{
		Tag:          uuid.NewString(),
		Symbol:       best.Symbol(),
		Exchange:     m.cfg.Exchange,
		Product:      m.cfg.Product,
		Action:       broker.Sell,
		Kind:         broker.StopLimitEntry,
		Quantity:     lots * m.cfg.LotSize,
		Price:        limit,
		TriggerPrice: trigger,
	}
	id, err := m.b.PlaceOrder(ctx, req)
	if err != nil {
		observ.Error("order_place_failed", err, map[string]any{"symbol": req.Symbol, "side": side, "trigger": trigger})
		observ.IncCounter("orders_total", map[string]string{"kind": "entry", "result": "failed"})
		return Action{Kind: ActionFailed, Side: side, Reason: "place_failed", Err: err}
	}
	p := &PendingOrder{
		Tag:        req.Tag,
		OrderID:    id,
		Symbol:     req.Symbol,
		Side:       side,
		State:      OrderPlaced,
		Trigger:    trigger,
		Limit:      limit,
		Quantity:   req.Quantity,
		Lots:       lots,
		SwingPrice: best.SwingPrice(),
		SwingIndex: q.Point.Index,
		StopPrice:  best.StopPrice(),
		PlacedAt:   m.now().UTC(),
	}
	m.pending[side] = p
	m.record("order_placed", p, nil)
	observ.IncCounter("orders_total", map[string]string{"kind": "entry", "result": "placed"})
	m.gauge()
	return Action{Kind: ActionPlaced, Side: side, Order: copyOf(p)}
}

func (m *Manager) modify(ctx context.Context, side market.Side, best *filter.BestCandidate, trigger, limit float64, lots int) Action {
	p := m.pending[side]
	req := broker.OrderRequest{
		Tag:          p.Tag,
		Symbol:       p.Symbol,
		Exchange:     m.cfg.Exchange,
		Product:      m.cfg.Product,
		Action:       broker.Sell,
		Kind:         broker.StopLimitEntry,
		Quantity:     lots * m.cfg.LotSize,
		Price:        limit,
		TriggerPrice: trigger,
	}
	if err := m.b.ModifyOrder(ctx, p.OrderID, req); err != nil {
		observ.Error("order_modify_failed", err, map[string]any{"symbol": p.Symbol, "order_id": p.OrderID})
		return Action{Kind: ActionFailed, Side: side, Order: copyOf(p), Reason: "modify_failed", Err: err}
	}
	prev := p.Trigger
	p.Trigger, p.Limit = trigger, limit
	p.Lots, p.Quantity = lots, req.Quantity
	p.SwingPrice = best.SwingPrice()
	p.SwingIndex = best.Candidate().Point.Index
	p.StopPrice = best.StopPrice()
	m.record("order_modified", p, map[string]any{"previous_trigger": prev})
	return Action{Kind: ActionModified, Side: side, Order: copyOf(p)}
}

func (m *Manager) cancel(ctx context.Context, side market.Side, reason string) Action {
	p := m.pending[side]
	if p == nil {
		return Action{Kind: ActionNone, Side: side, Err: ErrNoOrder}
	}
	if err := m.b.CancelOrder(ctx, p.OrderID); err != nil {
		// the order may have completed or been cancelled at the broker; the
		// next status poll settles it
		observ.Error("order_cancel_failed", err, map[string]any{"symbol": p.Symbol, "order_id": p.OrderID, "reason": reason})
		return Action{Kind: ActionFailed, Side: side, Order: copyOf(p), Reason: reason, Err: err}
	}
	p.State = Cancelled
	delete(m.pending, side)
	m.record("order_cancelled", p, map[string]any{"reason": reason})
	observ.IncCounter("orders_total", map[string]string{"kind": "entry", "result": "cancelled"})
	m.gauge()
	return Action{Kind: ActionCancelled, Side: side, Order: p, Reason: reason}
}

// MarkBroken locks the pending order on symbol: its swing traded through and
// the stop-limit is expected to fill.
func (m *Manager) MarkBroken(symbol string, at time.Time) bool {
	for _, p := range m.pending {
		if p.Symbol == symbol && !p.Broken() {
			p.BrokenAt = at
			m.record("order_swing_broken", p, nil)
			return true
		}
	}
	return false
}

// PollStatus sweeps the broker for entry and stop order updates and cancels
// broken entries that did not fill within the entry timeout.
func (m *Manager) PollStatus(ctx context.Context) Poll {
	var out Poll
	now := m.now()
	for _, side := range market.Sides {
		p := m.pending[side]
		if p == nil {
			continue
		}
		st, err := m.b.OrderStatus(ctx, p.OrderID)
		if err != nil {
			observ.Warn("order_status_failed", map[string]any{"symbol": p.Symbol, "order_id": p.OrderID, "error": err.Error()})
			continue
		}
		switch st.Status {
		case broker.StatusComplete:
			p.State = OrderFilled
			delete(m.pending, side)
			price := st.AvgPrice
			if price <= 0 {
				price = p.Limit
			}
			qty := st.FilledQty
			if qty <= 0 {
				qty = p.Quantity
			}
			f := Fill{OrderID: p.OrderID, Symbol: p.Symbol, Side: side, Price: price, Quantity: qty, At: now.UTC(), Entry: p}
			out.Entries = append(out.Entries, f)
			m.record("order_filled", p, map[string]any{"fill_price": price, "fill_qty": qty})
			observ.IncCounter("orders_total", map[string]string{"kind": "entry", "result": "filled"})
		case broker.StatusRejected, broker.StatusCancelled:
			if st.Status == broker.StatusRejected {
				p.State = Rejected
			} else {
				p.State = Cancelled
			}
			delete(m.pending, side)
			m.record("order_closed_by_broker", p, map[string]any{"status": st.Status, "message": st.Message})
			out.Actions = append(out.Actions, Action{Kind: ActionCancelled, Side: side, Order: p, Reason: string(st.Status)})
		default:
			if p.Broken() && m.cfg.EntryTimeout > 0 && now.Sub(p.BrokenAt) >= m.cfg.EntryTimeout {
				a := m.cancel(ctx, side, "entry_timeout")
				out.Actions = append(out.Actions, a)
			}
		}
	}

	for _, sym := range m.stopSymbols() {
		s := m.stops[sym]
		st, err := m.b.OrderStatus(ctx, s.OrderID)
		if err != nil {
			observ.Warn("stop_status_failed", map[string]any{"symbol": sym, "order_id": s.OrderID, "error": err.Error()})
			continue
		}
		switch st.Status {
		case broker.StatusComplete:
			delete(m.stops, sym)
			price := st.AvgPrice
			if price <= 0 {
				price = s.Trigger
			}
			out.StopsHit = append(out.StopsHit, Fill{OrderID: s.OrderID, Symbol: sym, Price: price, Quantity: s.Quantity, At: now.UTC()})
			m.record("stop_hit", s, map[string]any{"fill_price": price})
		case broker.StatusRejected, broker.StatusCancelled:
			delete(m.stops, sym)
			observ.Warn("stop_closed_by_broker", map[string]any{"symbol": sym, "order_id": s.OrderID, "status": st.Status})
		}
	}
	m.gauge()
	return out
}

// PlaceProtectiveStop places the buy stop-limit guarding a new short. When
// the stop cannot be placed the position is closed at market instead; the
// returned error wraps ErrStopFailed in that case and ErrEmergencyExit too if
// the exit failed as well.
func (m *Manager) PlaceProtectiveStop(ctx context.Context, symbol string, qty int, highestHigh float64) (*ProtectiveStop, error) {
	trigger, limit := StopPrices(highestHigh, m.cfg.StopBuffer, m.cfg.TickSize, m.cfg.StopFillBuffer)
	req := broker.OrderRequest{
		Tag:          uuid.NewString(),
		Symbol:       symbol,
		Exchange:     m.cfg.Exchange,
		Product:      m.cfg.Product,
		Action:       broker.Buy,
		Kind:         broker.StopLimitExit,
		Quantity:     qty,
		Price:        limit,
		TriggerPrice: trigger,
	}
	id, err := m.b.PlaceOrder(ctx, req)
	if err == nil {
		m.slFailures = 0
		s := &ProtectiveStop{Tag: req.Tag, OrderID: id, Symbol: symbol, Trigger: trigger, Limit: limit, Quantity: qty, PlacedAt: m.now().UTC()}
		m.stops[symbol] = s
		m.record("stop_placed", s, nil)
		observ.IncCounter("orders_total", map[string]string{"kind": "stop", "result": "placed"})
		return s, nil
	}

	m.slFailures++
	observ.IncCounter("orders_total", map[string]string{"kind": "stop", "result": "failed"})
	observ.Error("stop_place_failed", err, map[string]any{
		"symbol": symbol, "trigger": trigger, "consecutive_failures": m.slFailures,
	})
	if m.cfg.MaxSLFailures > 0 && m.slFailures >= m.cfg.MaxSLFailures && !m.halted {
		m.halted = true
		observ.Error("trading_halted", ErrTradingHalted, map[string]any{"failures": m.slFailures})
	}
	if _, exitErr := m.emergencyExit(ctx, symbol, qty); exitErr != nil {
		return nil, fmt.Errorf("%w: %w: %w", ErrStopFailed, ErrEmergencyExit, exitErr)
	}
	return nil, fmt.Errorf("%w: %w", ErrStopFailed, err)
}

func (m *Manager) emergencyExit(ctx context.Context, symbol string, qty int) (string, error) {
	attempts := max(m.cfg.EmergencyRetries, 1)
	var err error
	for i := 1; i <= attempts; i++ {
		var id string
		id, err = m.b.PlaceOrder(ctx, m.marketBuy(symbol, qty))
		if err == nil {
			observ.Warn("emergency_exit_placed", map[string]any{"symbol": symbol, "qty": qty, "order_id": id, "attempt": i})
			return id, nil
		}
		observ.Error("emergency_exit_failed", err, map[string]any{"symbol": symbol, "attempt": i})
		if i == attempts || ctx.Err() != nil {
			break
		}
		t := time.NewTimer(m.cfg.EmergencyDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		case <-t.C:
		}
	}
	return "", err
}

func (m *Manager) marketBuy(symbol string, qty int) broker.OrderRequest {
	return broker.OrderRequest{
		Tag:      uuid.NewString(),
		Symbol:   symbol,
		Exchange: m.cfg.Exchange,
		Product:  m.cfg.Product,
		Action:   broker.Buy,
		Kind:     broker.Market,
		Quantity: qty,
	}
}

// Exit is the result of closing a position at market.
type Exit struct {
	OrderID string
	Price   float64 // zero when the broker has not reported the fill yet
}

// ExitPosition cancels the position's protective stop and buys back qty at
// market.
func (m *Manager) ExitPosition(ctx context.Context, symbol string, qty int, reason string) (Exit, error) {
	if s, ok := m.stops[symbol]; ok {
		if err := m.b.CancelOrder(ctx, s.OrderID); err != nil {
			if st, serr := m.b.OrderStatus(ctx, s.OrderID); serr == nil && st.Status == broker.StatusComplete {
				delete(m.stops, symbol)
				return Exit{OrderID: s.OrderID, Price: st.AvgPrice}, nil
			}
			observ.Warn("stop_cancel_failed", map[string]any{"symbol": symbol, "order_id": s.OrderID, "error": err.Error()})
		}
		delete(m.stops, symbol)
	}
	id, err := m.b.PlaceOrder(ctx, m.marketBuy(symbol, qty))
	if err != nil {
		observ.Error("exit_failed", err, map[string]any{"symbol": symbol, "qty": qty, "reason": reason})
		return Exit{}, err
	}
	ex := Exit{OrderID: id}
	if st, err := m.b.OrderStatus(ctx, id); err == nil && st.Status == broker.StatusComplete {
		ex.Price = st.AvgPrice
	}
	observ.Log("position_exit_placed", map[string]any{"symbol": symbol, "qty": qty, "reason": reason, "order_id": id, "price": ex.Price})
	if m.rec != nil {
		_ = m.rec.Append("orders", map[string]any{"event": "exit_placed", "symbol": symbol, "qty": qty, "reason": reason, "order_id": id, "at": m.now().UTC()})
	}
	return ex, nil
}

// CancelAll cancels every pending entry order; protective stops stay with
// their positions.
func (m *Manager) CancelAll(ctx context.Context) []Action {
	var out []Action
	for _, side := range market.Sides {
		if m.pending[side] == nil {
			continue
		}
		out = append(out, m.cancel(ctx, side, "cancel_all"))
	}
	return out
}

// DropStop forgets the protective stop of symbol without touching the
// broker, after reconciliation found the position gone.
func (m *Manager) DropStop(symbol string) { delete(m.stops, symbol) }

func (m *Manager) Pending() []PendingOrder {
	var out []PendingOrder
	for _, side := range market.Sides {
		if p := m.pending[side]; p != nil {
			out = append(out, *p)
		}
	}
	return out
}

func (m *Manager) PendingFor(side market.Side) (PendingOrder, bool) {
	p := m.pending[side]
	if p == nil {
		return PendingOrder{}, false
	}
	return *p, true
}

func (m *Manager) Stops() []ProtectiveStop {
	var out []ProtectiveStop
	for _, sym := range m.stopSymbols() {
		out = append(out, *m.stops[sym])
	}
	return out
}

// Restore reinstalls pending orders and stops loaded from storage.
func (m *Manager) Restore(pending []PendingOrder, stops []ProtectiveStop) {
	for i := range pending {
		p := pending[i]
		m.pending[p.Side] = &p
	}
	for i := range stops {
		s := stops[i]
		m.stops[s.Symbol] = &s
	}
	m.gauge()
}

// ResetDay clears the stop-failure counter and halt for a new session.
func (m *Manager) ResetDay() {
	m.slFailures = 0
	m.halted = false
}

func (m *Manager) stopSymbols() []string {
	out := make([]string, 0, len(m.stops))
	for sym := range m.stops {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) record(event string, v any, extra map[string]any) {
	fields := map[string]any{"event": event}
	switch o := v.(type) {
	case *PendingOrder:
		fields["symbol"], fields["order_id"], fields["side"] = o.Symbol, o.OrderID, o.Side
		fields["trigger"], fields["limit"], fields["qty"], fields["state"] = o.Trigger, o.Limit, o.Quantity, o.State
	case *ProtectiveStop:
		fields["symbol"], fields["order_id"] = o.Symbol, o.OrderID
		fields["trigger"], fields["limit"], fields["qty"] = o.Trigger, o.Limit, o.Quantity
	}
	for k, val := range extra {
		fields[k] = val
	}
	observ.Log(event, fields)
	if m.rec != nil {
		fields["at"] = m.now().UTC()
		if err := m.rec.Append("orders", fields); err != nil {
			observ.Warn("journal_append_failed", map[string]any{"stream": "orders", "error": err.Error()})
		}
	}
}

func (m *Manager) gauge() {
	observ.SetGauge("pending_orders", float64(len(m.pending)), nil)
	observ.SetGauge("protective_stops", float64(len(m.stops)), nil)
}

func copyOf(p *PendingOrder) *PendingOrder {
	c := *p
	return &c
}

func same(a, b float64) bool { return math.Abs(a-b) < priceEpsilon }
