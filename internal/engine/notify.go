package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Rajchodisetti/swing-trader/internal/alerts"
	"github.com/Rajchodisetti/swing-trader/internal/filter"
	"github.com/Rajchodisetti/swing-trader/internal/market"
	"github.com/Rajchodisetti/swing-trader/internal/risk"
)

func entryMessage(p risk.Position, now time.Time) alerts.Message {
	return alerts.Message{
		Kind: "TRADE_ENTRY",
		Text: fmt.Sprintf("SHORT %s %d @ %.2f | SL %.2f | risk %.0f",
			p.Symbol, p.Quantity, p.EntryPrice, p.StopPrice, p.RiskAmount),
		At: now,
	}
}

func exitMessage(ct risk.ClosedTrade) alerts.Message {
	return alerts.Message{
		Kind: "TRADE_EXIT",
		Text: fmt.Sprintf("EXIT %s %d @ %.2f (%s) | PnL %.0f | %+.2fR",
			ct.Symbol, ct.Quantity, ct.ExitPrice, ct.Reason, ct.PnL, ct.R),
		At: ct.ExitTime,
	}
}

func bestChangeMessage(side market.Side, b *filter.BestCandidate, now time.Time) alerts.Message {
	return alerts.Message{
		Kind: "BEST_STRIKE_" + string(side),
		Text: fmt.Sprintf("best %s: %s swing %.2f stop %.2f (%.2f pts)",
			side, b.Symbol(), b.SwingPrice(), b.StopPrice(), b.StopPoints()),
		At: now,
	}
}

func dailyExitMessage(reason risk.ExitReason, closed int, r float64, now time.Time) alerts.Message {
	return alerts.Message{
		Kind:     "DAILY_EXIT",
		Text:     fmt.Sprintf("%s: closed %d positions at %+.2fR", reason, closed, r),
		Critical: reason == risk.ExitDailyStop,
		At:       now,
	}
}

func summaryMessage(s risk.DailySummary, now time.Time) alerts.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Daily summary %s\n", s.Day)
	fmt.Fprintf(&b, "trades %d (W %d / L %d)\n", s.Trades, s.Wins, s.Losses)
	fmt.Fprintf(&b, "PnL %.0f | %+.2fR", s.RealizedPnL, s.CumulativeR)
	if s.Trades > 0 {
		fmt.Fprintf(&b, " | best %+.2fR worst %+.2fR", s.BestR, s.WorstR)
	}
	if s.ExitReason != "" {
		fmt.Fprintf(&b, "\nexit: %s", s.ExitReason)
	}
	return alerts.Message{Kind: "DAILY_SUMMARY", Text: b.String(), At: now}
}

func (e *Engine) notifyStartupFailure(err error) {
	text := "startup failed"
	if err != nil {
		text += ": " + err.Error()
	}
	e.sender.Send(alerts.Message{Kind: "STARTUP_ERROR", Text: text, Critical: true, At: e.now()})
}

// sendNow delivers text synchronously when the sender supports it.
func (e *Engine) sendNow(ctx context.Context, text string) error {
	if s, ok := e.sender.(interface {
		SendNow(ctx context.Context, text string) error
	}); ok {
		return s.SendNow(ctx, text)
	}
	e.sender.Send(alerts.Message{Kind: "SHUTDOWN", Text: text, At: e.now()})
	return nil
}
