package ops

import (
	"context"
	"errors"
	"time"

	"github.com/Rajchodisetti/swing-trader/internal/alerts"
	"github.com/Rajchodisetti/swing-trader/internal/broker"
	"github.com/Rajchodisetti/swing-trader/internal/observ"
)

var ErrLoginExpired = errors.New("broker session not logged in")

// FeedProbe reports whether the market data feed is reachable.
type FeedProbe interface {
	Probe(ctx context.Context) error
}

type CheckResult struct {
	Name    string           `json:"name"`
	OK      bool             `json:"ok"`
	Class   broker.Class     `json:"class,omitempty"`
	ErrType alerts.ErrorType `json:"error_type,omitempty"`
	Error   string           `json:"error,omitempty"`
	Latency time.Duration    `json:"latency"`
	err     error
}

func (r CheckResult) Err() error { return r.err }

// Report is the outcome of one pass over the health checks. Checks stop at
// the first failure.
type Report struct {
	Results []CheckResult `json:"results"`
	At      time.Time     `json:"at"`
}

func (r Report) Healthy() bool {
	for _, c := range r.Results {
		if !c.OK {
			return false
		}
	}
	return true
}

// Failure returns the failing check, if any.
func (r Report) Failure() (CheckResult, bool) {
	for _, c := range r.Results {
		if !c.OK {
			return c, true
		}
	}
	return CheckResult{}, false
}

type check struct {
	name    string
	errType alerts.ErrorType
	run     func(ctx context.Context) (broker.Class, error)
}

// Checker probes the broker and the feed in a fixed order: connectivity,
// authentication, login state, feed.
type Checker struct {
	checks  []check
	timeout time.Duration
	now     func() time.Time
}

func NewChecker(b broker.Broker, feed FeedProbe) *Checker {
	c := &Checker{timeout: 10 * time.Second, now: time.Now}
	c.checks = []check{
		{"broker_ping", alerts.OpenAlgoDown, func(ctx context.Context) (broker.Class, error) {
			return broker.ClassTransient, b.Ping(ctx)
		}},
		{"broker_auth", alerts.BrokerDisconnected, func(ctx context.Context) (broker.Class, error) {
			_, err := b.Funds(ctx)
			return broker.ClassOf(err), err
		}},
		{"broker_login", alerts.BrokerDisconnected, func(ctx context.Context) (broker.Class, error) {
			ok, err := b.LoginStatus(ctx)
			if err != nil {
				return broker.ClassOf(err), err
			}
			if !ok {
				return broker.ClassPermanent, ErrLoginExpired
			}
			return "", nil
		}},
	}
	if feed != nil {
		c.checks = append(c.checks, check{"feed", alerts.WebsocketDown, func(ctx context.Context) (broker.Class, error) {
			return broker.ClassTransient, feed.Probe(ctx)
		}})
	}
	return c
}

func (c *Checker) Run(ctx context.Context) Report {
	rep := Report{At: c.now()}
	for _, ch := range c.checks {
		cctx, cancel := context.WithTimeout(ctx, c.timeout)
		start := time.Now()
		class, err := ch.run(cctx)
		cancel()
		res := CheckResult{Name: ch.name, OK: err == nil, Latency: time.Since(start)}
		if err != nil {
			res.Class, res.ErrType, res.Error, res.err = class, ch.errType, err.Error(), err
		}
		rep.Results = append(rep.Results, res)
		observ.RecordDuration("health_check_ms", res.Latency, map[string]string{"check": ch.name})
		if err != nil {
			observ.Warn("health_check_failed", map[string]any{"check": ch.name, "class": class, "error": err.Error()})
			break
		}
	}
	return rep
}
