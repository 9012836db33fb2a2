package risk

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/swing-trader/internal/config"
	"github.com/Rajchodisetti/swing-trader/internal/market"
	"github.com/Rajchodisetti/swing-trader/internal/observ"
)

type ExitReason string

const (
	ExitDailyTarget ExitReason = "DAILY_TARGET"
	ExitDailyStop   ExitReason = "DAILY_STOP"
	ExitForceClose  ExitReason = "EOD_FORCE_EXIT"
	ExitStopHit     ExitReason = "SL_HIT"
	ExitReconciled  ExitReason = "SL_HIT_RECONCILED"
	ExitEmergency   ExitReason = "EMERGENCY_EXIT"
	ExitShutdown    ExitReason = "SHUTDOWN"
	ExitManual      ExitReason = "MANUAL"
)

var ErrUnknownPosition = errors.New("no open position for symbol")

type Config struct {
	RValue               float64
	LotSize              int
	MaxLots              int
	MaxPositions         int
	MaxPerSide           map[market.Side]int
	DailyTargetR         float64
	DailyStopR           float64
	MaxConsecutiveLosses int
	Pause                time.Duration
	Session              market.Session
}

func ConfigFrom(r config.Risk, session market.Session) Config {
	return Config{
		RValue:               r.RValue,
		LotSize:              r.LotSize,
		MaxLots:              r.MaxLots,
		MaxPositions:         r.MaxPositions,
		MaxPerSide:           map[market.Side]int{market.CE: r.MaxCEPositions, market.PE: r.MaxPEPositions},
		DailyTargetR:         r.DailyTargetR,
		DailyStopR:           r.DailyStopR,
		MaxConsecutiveLosses: r.MaxConsecutiveLosses,
		Pause:                time.Duration(r.PauseMinutes) * time.Minute,
		Session:              session,
	}
}

// Position is an open short option position.
type Position struct {
	ID            string      `json:"id"`
	Symbol        string      `json:"symbol"`
	Side          market.Side `json:"side"`
	Quantity      int         `json:"quantity"`
	Lots          int         `json:"lots"`
	EntryPrice    float64     `json:"entry_price"`
	StopPrice     float64     `json:"stop_price"`
	RiskAmount    float64     `json:"risk_amount"`
	EntryTime     time.Time   `json:"entry_time"`
	LTP           float64     `json:"ltp"`
	UnrealizedPnL float64     `json:"unrealized_pnl"`
	EntryOrderID  string      `json:"entry_order_id"`
}

// PnL of a short: (entry - price) * qty.
func (p Position) pnlAt(price float64) decimal.Decimal {
	return decimal.NewFromFloat(p.EntryPrice).Sub(decimal.NewFromFloat(price)).Mul(decimal.NewFromInt(int64(p.Quantity)))
}

type ClosedTrade struct {
	Position
	ExitPrice float64    `json:"exit_price"`
	ExitTime  time.Time  `json:"exit_time"`
	Reason    ExitReason `json:"reason"`
	PnL       float64    `json:"pnl"`
	R         float64    `json:"r"`
}

// OpenRequest describes a filled entry.
type OpenRequest struct {
	Symbol     string
	Side       market.Side
	Quantity   int
	EntryPrice float64
	StopPrice  float64
	OrderID    string
	At         time.Time
}

// Snapshot is the persisted form of the tracker.
type Snapshot struct {
	Day               string        `json:"day"`
	Positions         []Position    `json:"positions"`
	Closed            []ClosedTrade `json:"closed"`
	RealizedPnL       string        `json:"realized_pnl"`
	ConsecutiveLosses int           `json:"consecutive_losses"`
	PausedUntil       time.Time     `json:"paused_until"`
	DailyExit         ExitReason    `json:"daily_exit,omitempty"`
	Halted            bool          `json:"halted"`
}

// Tracker owns positions, daily PnL and the entry gates.
type Tracker struct {
	mu  sync.RWMutex
	cfg Config

	day       string
	positions map[string]*Position
	closed    []ClosedTrade
	realized  decimal.Decimal

	consecutiveLosses int
	pausedUntil       time.Time
	dailyExit         ExitReason
	halted            bool
}

func NewTracker(cfg Config) *Tracker {
	return &Tracker{cfg: cfg, positions: map[string]*Position{}}
}

// Size sizes an entry at entry with a stop at stop.
func (t *Tracker) Size(entry, stop float64) (Sizing, error) {
	return Size(entry, stop, t.cfg.RValue, t.cfg.LotSize, t.cfg.MaxLots)
}

// CanOpen runs the entry gates in priority order. The reason names the
// first gate that refused.
func (t *Tracker) CanOpen(symbol string, side market.Side, now time.Time) (bool, string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	switch {
	case t.dailyExit != "":
		return false, "daily_exit_" + string(t.dailyExit)
	case t.halted:
		return false, "halted"
	case now.Before(t.pausedUntil):
		return false, "consecutive_loss_pause"
	}
	if _, ok := t.positions[symbol]; ok {
		return false, "position_exists"
	}
	if t.cfg.MaxPositions > 0 && len(t.positions) >= t.cfg.MaxPositions {
		return false, "max_positions"
	}
	if limit := t.cfg.MaxPerSide[side]; limit > 0 && t.countSide(side) >= limit {
		return false, fmt.Sprintf("max_%s_positions", side)
	}
	return true, ""
}

func (t *Tracker) countSide(side market.Side) int {
	n := 0
	for _, p := range t.positions {
		if p.Side == side {
			n++
		}
	}
	return n
}

// Halt blocks new entries until ResetDay.
func (t *Tracker) Halt(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.halted {
		observ.Warn("risk_halted", map[string]any{"reason": reason})
	}
	t.halted = true
}

// Open records a filled entry.
func (t *Tracker) Open(req OpenRequest) *Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	risk := req.StopPrice - req.EntryPrice
	lots := 0
	if t.cfg.LotSize > 0 {
		lots = req.Quantity / t.cfg.LotSize
	}
	p := &Position{
		ID:           uuid.NewString(),
		Symbol:       req.Symbol,
		Side:         req.Side,
		Quantity:     req.Quantity,
		Lots:         lots,
		EntryPrice:   req.EntryPrice,
		StopPrice:    req.StopPrice,
		RiskAmount:   risk * float64(req.Quantity),
		EntryTime:    req.At,
		LTP:          req.EntryPrice,
		EntryOrderID: req.OrderID,
	}
	t.positions[req.Symbol] = p
	observ.Log("position_opened", map[string]any{
		"symbol": p.Symbol, "side": p.Side, "qty": p.Quantity, "entry": p.EntryPrice,
		"stop": p.StopPrice, "risk_amount": p.RiskAmount,
	})
	t.gauges()
	return p
}

// SetStop records a revised protective stop price.
func (t *Tracker) SetStop(symbol string, stop float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.positions[symbol]; ok {
		p.StopPrice = stop
	}
}

// UpdatePrices marks open positions to the given last prices.
func (t *Tracker) UpdatePrices(ltp map[string]float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for sym, price := range ltp {
		p, ok := t.positions[sym]
		if !ok || price <= 0 {
			continue
		}
		p.LTP = price
		p.UnrealizedPnL = p.pnlAt(price).InexactFloat64()
	}
	t.gauges()
}

// Close realizes a position at price.
func (t *Tracker) Close(symbol string, price float64, reason ExitReason, at time.Time) (ClosedTrade, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeLocked(symbol, price, reason, at)
}

func (t *Tracker) closeLocked(symbol string, price float64, reason ExitReason, at time.Time) (ClosedTrade, error) {
	p, ok := t.positions[symbol]
	if !ok {
		return ClosedTrade{}, fmt.Errorf("close %s: %w", symbol, ErrUnknownPosition)
	}
	if price <= 0 {
		price = p.LTP
	}
	pnl := p.pnlAt(price)
	r := 0.0
	if p.RiskAmount > 0 {
		r = pnl.Div(decimal.NewFromFloat(p.RiskAmount)).InexactFloat64()
	}
	p.LTP = price
	p.UnrealizedPnL = 0
	ct := ClosedTrade{Position: *p, ExitPrice: price, ExitTime: at, Reason: reason, PnL: pnl.InexactFloat64(), R: r}
	delete(t.positions, symbol)
	t.closed = append(t.closed, ct)
	t.realized = t.realized.Add(pnl)

	if pnl.IsNegative() {
		t.consecutiveLosses++
		if t.cfg.MaxConsecutiveLosses > 0 && t.consecutiveLosses >= t.cfg.MaxConsecutiveLosses {
			t.pausedUntil = at.Add(t.cfg.Pause)
			t.consecutiveLosses = 0
			observ.Warn("risk_loss_pause", map[string]any{"until": t.pausedUntil, "losses": t.cfg.MaxConsecutiveLosses})
		}
	} else {
		t.consecutiveLosses = 0
	}

	observ.Log("position_closed", map[string]any{
		"symbol": symbol, "reason": reason, "entry": p.EntryPrice, "exit": price,
		"pnl": ct.PnL, "r": round2(r), "cumulative_r": round2(t.cumulativeRLocked()),
	})
	observ.IncCounter("positions_closed_total", map[string]string{"reason": string(reason)})
	t.gauges()
	return ct, nil
}

// CumulativeR is the sum of the day's closed R multiples plus the
// unrealized R of each open position, each measured against its own risk.
func (t *Tracker) CumulativeR() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cumulativeRLocked()
}

func (t *Tracker) cumulativeRLocked() float64 {
	total := decimal.Zero
	for _, c := range t.closed {
		total = total.Add(decimal.NewFromFloat(c.R))
	}
	for _, p := range t.positions {
		if p.RiskAmount <= 0 {
			continue
		}
		total = total.Add(p.pnlAt(p.LTP).Div(decimal.NewFromFloat(p.RiskAmount)))
	}
	return total.InexactFloat64()
}

// CheckDailyExit evaluates the daily exits in priority order (target,
// stop, force-exit time). It returns true once per day; the latch also
// blocks new entries.
func (t *Tracker) CheckDailyExit(now time.Time) (ExitReason, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dailyExit != "" {
		return t.dailyExit, false
	}
	r := t.cumulativeRLocked()
	var reason ExitReason
	switch {
	case t.cfg.DailyTargetR > 0 && r >= t.cfg.DailyTargetR:
		reason = ExitDailyTarget
	case t.cfg.DailyStopR < 0 && r <= t.cfg.DailyStopR:
		reason = ExitDailyStop
	case t.cfg.Session.PastForceExit(now):
		reason = ExitForceClose
	default:
		return "", false
	}
	t.dailyExit = reason
	observ.Warn("daily_exit_triggered", map[string]any{"reason": reason, "cumulative_r": round2(r), "open_positions": len(t.positions)})
	return reason, true
}

func (t *Tracker) DailyExit() (ExitReason, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dailyExit, t.dailyExit != ""
}

func (t *Tracker) Position(symbol string) (Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

func (t *Tracker) Positions() []Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.positionsLocked()
}

func (t *Tracker) positionsLocked() []Position {
	out := make([]Position, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (t *Tracker) Closed() []ClosedTrade {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ClosedTrade, len(t.closed))
	copy(out, t.closed)
	return out
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Snapshot{
		Day:               t.day,
		Positions:         t.positionsLocked(),
		Closed:            append([]ClosedTrade(nil), t.closed...),
		RealizedPnL:       t.realized.String(),
		ConsecutiveLosses: t.consecutiveLosses,
		PausedUntil:       t.pausedUntil,
		DailyExit:         t.dailyExit,
		Halted:            t.halted,
	}
}

// DailySummary is the end-of-day report.
type DailySummary struct {
	Day           string     `json:"day"`
	Trades        int        `json:"trades"`
	Wins          int        `json:"wins"`
	Losses        int        `json:"losses"`
	RealizedPnL   float64    `json:"realized_pnl"`
	CumulativeR   float64    `json:"cumulative_r"`
	BestR         float64    `json:"best_r"`
	WorstR        float64    `json:"worst_r"`
	OpenPositions int        `json:"open_positions"`
	ExitReason    ExitReason `json:"exit_reason,omitempty"`
}

func (t *Tracker) Summary() DailySummary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := DailySummary{
		Day:           t.day,
		Trades:        len(t.closed),
		RealizedPnL:   t.realized.InexactFloat64(),
		CumulativeR:   round2(t.cumulativeRLocked()),
		OpenPositions: len(t.positions),
		ExitReason:    t.dailyExit,
	}
	for i, c := range t.closed {
		if c.PnL > 0 {
			s.Wins++
		} else if c.PnL < 0 {
			s.Losses++
		}
		if i == 0 || c.R > s.BestR {
			s.BestR = c.R
		}
		if i == 0 || c.R < s.WorstR {
			s.WorstR = c.R
		}
	}
	return s
}

// Restore loads a snapshot saved earlier the same day.
func (t *Tracker) Restore(s Snapshot) error {
	realized := decimal.Zero
	if s.RealizedPnL != "" {
		var err error
		if realized, err = decimal.NewFromString(s.RealizedPnL); err != nil {
			return fmt.Errorf("restore realized pnl: %w", err)
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.day = s.Day
	t.positions = map[string]*Position{}
	for i := range s.Positions {
		p := s.Positions[i]
		t.positions[p.Symbol] = &p
	}
	t.closed = append([]ClosedTrade(nil), s.Closed...)
	t.realized = realized
	t.consecutiveLosses = s.ConsecutiveLosses
	t.pausedUntil = s.PausedUntil
	t.dailyExit = s.DailyExit
	t.halted = s.Halted
	t.gauges()
	return nil
}

// ResetDay starts a new trading day. Open positions are kept; intraday
// products should not carry any.
func (t *Tracker) ResetDay(day string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.day = day
	t.closed = nil
	t.realized = decimal.Zero
	t.consecutiveLosses = 0
	t.pausedUntil = time.Time{}
	t.dailyExit = ""
	t.halted = false
	t.gauges()
}

func (t *Tracker) Day() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.day
}

func (t *Tracker) gauges() {
	observ.SetGauge("open_positions", float64(len(t.positions)), nil)
	observ.SetGauge("cumulative_r", t.cumulativeRLocked(), nil)
}

func round2(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}
