package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Rajchodisetti/swing-trader/internal/observ"
)

// Paper simulates an exchange against the prices it is fed. Stop-limit
// orders trigger on the last traded price and fill once it is inside the
// limit; market orders fill at the last price with slippage.
type Paper struct {
	mu          sync.Mutex
	now         func() time.Time
	slippageBps float64
	seq         int
	orders      map[string]*paperOrder
	positions   map[string]*Position
	last        map[string]float64
	funds       Funds
}

type paperOrder struct {
	req       OrderRequest
	status    OrderStatus
	triggered bool
}

func NewPaper(capital, slippageBps float64) *Paper {
	return &Paper{
		now:         time.Now,
		slippageBps: slippageBps,
		orders:      map[string]*paperOrder{},
		positions:   map[string]*Position{},
		last:        map[string]float64{},
		funds:       Funds{Available: capital},
	}
}

// SetClock overrides the time source, for tests and replays.
func (p *Paper) SetClock(now func() time.Time) { p.now = now }

// OnPrice records a traded price and returns the orders it filled.
func (p *Paper) OnPrice(symbol string, ltp float64) []OrderStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last[symbol] = ltp
	if pos, ok := p.positions[symbol]; ok {
		pos.LTP = ltp
		pos.PnL = float64(pos.Quantity) * (ltp - pos.AvgPrice)
	}

	var filled []OrderStatus
	for _, id := range p.sortedIDs() {
		o := p.orders[id]
		if o.req.Symbol != symbol || o.status.Status.Terminal() || o.req.Kind == Market {
			continue
		}
		if !o.triggered {
			if (o.req.Action == Sell && ltp <= o.req.TriggerPrice) || (o.req.Action == Buy && ltp >= o.req.TriggerPrice) {
				o.triggered = true
				o.status.Status = StatusOpen
			} else {
				continue
			}
		}
		inLimit := (o.req.Action == Sell && ltp >= o.req.Price) || (o.req.Action == Buy && ltp <= o.req.Price)
		if !inLimit {
			continue
		}
		p.fillLocked(o, ltp)
		filled = append(filled, o.status)
	}
	return filled
}

func (p *Paper) sortedIDs() []string {
	ids := make([]string, 0, len(p.orders))
	for id := range p.orders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *Paper) fillLocked(o *paperOrder, price float64) {
	o.status.Status = StatusComplete
	o.status.FilledQty = o.req.Quantity
	o.status.AvgPrice = price
	o.status.UpdatedAt = p.now().UTC()

	qty := o.req.Quantity
	if o.req.Action == Sell {
		qty = -qty
	}
	pos, ok := p.positions[o.req.Symbol]
	if !ok {
		pos = &Position{Symbol: o.req.Symbol, Exchange: o.req.Exchange, Product: o.req.Product}
		p.positions[o.req.Symbol] = pos
	}
	switch {
	case pos.Quantity == 0 || (pos.Quantity > 0) == (qty > 0):
		total := pos.Quantity + qty
		pos.AvgPrice = (pos.AvgPrice*float64(abs(pos.Quantity)) + price*float64(abs(qty))) / float64(abs(total))
		pos.Quantity = total
	default:
		closing := min(abs(qty), abs(pos.Quantity))
		sign := 1.0
		if pos.Quantity < 0 {
			sign = -1
		}
		p.funds.Available += sign * float64(closing) * (price - pos.AvgPrice)
		pos.Quantity += qty
		if pos.Quantity == 0 {
			delete(p.positions, o.req.Symbol)
		}
	}
	observ.Log("paper_fill", map[string]any{
		"order_id": o.status.OrderID, "symbol": o.req.Symbol, "action": o.req.Action,
		"qty": o.req.Quantity, "price": price,
	})
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func (p *Paper) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &Error{Op: "place_order", Class: ClassTransient, Err: err}
	}
	if req.Quantity <= 0 {
		return "", &Error{Op: "place_order", Class: ClassPermanent, Status: 400, Message: "quantity must be positive"}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := fmt.Sprintf("PAPER-%06d", p.seq)
	o := &paperOrder{req: req, status: OrderStatus{
		OrderID: id, Symbol: req.Symbol, Status: StatusTriggerPending, UpdatedAt: p.now().UTC(),
	}}
	p.orders[id] = o

	if req.Kind == Market {
		price, ok := p.last[req.Symbol]
		if !ok {
			price = req.Price
		}
		if price <= 0 {
			o.status.Status = StatusRejected
			o.status.Message = "no price for market order"
			return id, nil
		}
		slip := price * p.slippageBps / 10000
		if req.Action == Buy {
			price += slip
		} else {
			price -= slip
		}
		p.fillLocked(o, price)
	}
	return id, nil
}

func (p *Paper) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return &Error{Op: "cancel_order", Class: ClassPermanent, Status: 404, Err: ErrNotFound}
	}
	if o.status.Status.Terminal() {
		return &Error{Op: "cancel_order", Class: ClassPermanent, Status: 400, Message: "order already " + string(o.status.Status)}
	}
	o.status.Status = StatusCancelled
	o.status.UpdatedAt = p.now().UTC()
	return nil
}

func (p *Paper) ModifyOrder(ctx context.Context, orderID string, req OrderRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return &Error{Op: "modify_order", Class: ClassPermanent, Status: 404, Err: ErrNotFound}
	}
	if o.status.Status.Terminal() {
		return &Error{Op: "modify_order", Class: ClassPermanent, Status: 400, Message: "order already " + string(o.status.Status)}
	}
	o.req.Price = req.Price
	o.req.TriggerPrice = req.TriggerPrice
	if req.Quantity > 0 {
		o.req.Quantity = req.Quantity
	}
	o.status.UpdatedAt = p.now().UTC()
	return nil
}

func (p *Paper) OrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return OrderStatus{}, &Error{Op: "order_status", Class: ClassPermanent, Status: 404, Err: ErrNotFound}
	}
	return o.status, nil
}

func (p *Paper) Positions(ctx context.Context) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (p *Paper) Funds(ctx context.Context) (Funds, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.funds, nil
}

func (p *Paper) Ping(ctx context.Context) error { return ctx.Err() }

func (p *Paper) LoginStatus(ctx context.Context) (bool, error) { return true, ctx.Err() }

// DryRun logs order mutations instead of sending them and serves reads from
// the wrapped broker. Orders it invents stay open forever.
type DryRun struct {
	Broker
	mu  sync.Mutex
	seq int
	ids map[string]OrderRequest
}

func NewDryRun(inner Broker) *DryRun {
	return &DryRun{Broker: inner, ids: map[string]OrderRequest{}}
}

func (d *DryRun) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	id := fmt.Sprintf("DRY-%06d", d.seq)
	d.ids[id] = req
	observ.Log("dry_run_place", map[string]any{
		"order_id": id, "symbol": req.Symbol, "action": req.Action, "kind": req.Kind,
		"qty": req.Quantity, "trigger": req.TriggerPrice, "limit": req.Price,
	})
	return id, nil
}

func (d *DryRun) CancelOrder(ctx context.Context, orderID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.ids, orderID)
	observ.Log("dry_run_cancel", map[string]any{"order_id": orderID})
	return nil
}

func (d *DryRun) ModifyOrder(ctx context.Context, orderID string, req OrderRequest) error {
	observ.Log("dry_run_modify", map[string]any{"order_id": orderID, "trigger": req.TriggerPrice, "limit": req.Price})
	return nil
}

func (d *DryRun) OrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	d.mu.Lock()
	req, ok := d.ids[orderID]
	d.mu.Unlock()
	if !ok {
		return OrderStatus{OrderID: orderID, Status: StatusCancelled}, nil
	}
	return OrderStatus{OrderID: orderID, Symbol: req.Symbol, Status: StatusTriggerPending}, nil
}
