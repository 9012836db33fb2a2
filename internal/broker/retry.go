package broker

import (
	"context"
	"errors"
	"time"

	"github.com/Rajchodisetti/swing-trader/internal/observ"
)

// Retrying wraps a Broker with a fixed-delay retry loop. Permanent errors and
// context cancellation stop the loop early.
type Retrying struct {
	inner    Broker
	attempts int
	delay    time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewRetrying(inner Broker, attempts int, delay time.Duration) *Retrying {
	if attempts < 1 {
		attempts = 1
	}
	return &Retrying{inner: inner, attempts: attempts, delay: delay, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *Retrying) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			observ.IncCounter("broker_calls_total", map[string]string{"op": op, "result": "ok"})
			return nil
		}
		observ.Warn("broker_call_failed", map[string]any{
			"op": op, "attempt": attempt, "max_attempts": r.attempts, "class": ClassOf(err), "error": err.Error(),
		})
		if IsPermanent(err) || ctx.Err() != nil || attempt == r.attempts {
			break
		}
		if serr := r.sleep(ctx, r.delay); serr != nil {
			break
		}
	}
	observ.IncCounter("broker_calls_total", map[string]string{"op": op, "result": "failed"})
	var be *Error
	if !errors.As(err, &be) {
		err = &Error{Op: op, Class: ClassTransient, Err: err}
	}
	return err
}

func (r *Retrying) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	var id string
	err := r.do(ctx, "place_order", func(ctx context.Context) error {
		var err error
		id, err = r.inner.PlaceOrder(ctx, req)
		return err
	})
	return id, err
}

func (r *Retrying) CancelOrder(ctx context.Context, orderID string) error {
	return r.do(ctx, "cancel_order", func(ctx context.Context) error {
		return r.inner.CancelOrder(ctx, orderID)
	})
}

func (r *Retrying) ModifyOrder(ctx context.Context, orderID string, req OrderRequest) error {
	return r.do(ctx, "modify_order", func(ctx context.Context) error {
		return r.inner.ModifyOrder(ctx, orderID, req)
	})
}

func (r *Retrying) OrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	var st OrderStatus
	err := r.do(ctx, "order_status", func(ctx context.Context) error {
		var err error
		st, err = r.inner.OrderStatus(ctx, orderID)
		return err
	})
	return st, err
}

func (r *Retrying) Positions(ctx context.Context) ([]Position, error) {
	var out []Position
	err := r.do(ctx, "positions", func(ctx context.Context) error {
		var err error
		out, err = r.inner.Positions(ctx)
		return err
	})
	return out, err
}

func (r *Retrying) Funds(ctx context.Context) (Funds, error) {
	var f Funds
	err := r.do(ctx, "funds", func(ctx context.Context) error {
		var err error
		f, err = r.inner.Funds(ctx)
		return err
	})
	return f, err
}

// Ping and LoginStatus are single-shot; health checks own their retry
// schedule.
func (r *Retrying) Ping(ctx context.Context) error { return r.inner.Ping(ctx) }

func (r *Retrying) LoginStatus(ctx context.Context) (bool, error) { return r.inner.LoginStatus(ctx) }
