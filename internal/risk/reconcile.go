package risk

import (
	"time"

	"github.com/Rajchodisetti/swing-trader/internal/broker"
	"github.com/Rajchodisetti/swing-trader/internal/observ"
)

// Reconciliation is the diff between local positions and the broker's book.
type Reconciliation struct {
	// Phantom positions were open locally but flat at the broker; they are
	// closed with reason SL_HIT_RECONCILED.
	Phantom []ClosedTrade
	// Orphans are broker shorts with no local record. They are only reported.
	Orphans []broker.Position
	// Resized positions had their local quantity replaced by the broker's.
	Resized []string
}

func (r Reconciliation) Clean() bool {
	return len(r.Phantom) == 0 && len(r.Orphans) == 0 && len(r.Resized) == 0
}

// Reconcile treats the broker book as the source of truth for open shorts.
func (t *Tracker) Reconcile(book []broker.Position, now time.Time) Reconciliation {
	held := make(map[string]broker.Position, len(book))
	for _, bp := range book {
		if bp.Quantity < 0 {
			held[bp.Symbol] = bp
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var out Reconciliation
	for _, p := range t.positionsLocked() {
		bp, ok := held[p.Symbol]
		if !ok {
			price := p.StopPrice
			if price <= 0 {
				price = p.LTP
			}
			ct, err := t.closeLocked(p.Symbol, price, ExitReconciled, now)
			if err == nil {
				out.Phantom = append(out.Phantom, ct)
			}
			continue
		}
		delete(held, p.Symbol)
		if qty := -bp.Quantity; qty != p.Quantity {
			observ.Warn("reconcile_quantity_mismatch", map[string]any{"symbol": p.Symbol, "local": p.Quantity, "broker": qty})
			local := t.positions[p.Symbol]
			perUnit := 0.0
			if local.Quantity > 0 {
				perUnit = local.RiskAmount / float64(local.Quantity)
			}
			local.Quantity = qty
			local.RiskAmount = perUnit * float64(qty)
			if t.cfg.LotSize > 0 {
				local.Lots = qty / t.cfg.LotSize
			}
			out.Resized = append(out.Resized, p.Symbol)
		}
	}
	for _, bp := range book {
		if _, ok := held[bp.Symbol]; ok {
			observ.Warn("reconcile_orphan_position", map[string]any{"symbol": bp.Symbol, "qty": bp.Quantity, "avg_price": bp.AvgPrice})
			out.Orphans = append(out.Orphans, bp)
		}
	}
	observ.IncCounterBy("reconcile_phantom_total", nil, float64(len(out.Phantom)))
	return out
}
