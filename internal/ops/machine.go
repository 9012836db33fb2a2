package ops

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Rajchodisetti/swing-trader/internal/alerts"
	"github.com/Rajchodisetti/swing-trader/internal/broker"
	"github.com/Rajchodisetti/swing-trader/internal/config"
	"github.com/Rajchodisetti/swing-trader/internal/observ"
)

type State string

const (
	Starting State = "STARTING"
	Active   State = "ACTIVE"
	Waiting  State = "WAITING"
	Failed   State = "ERROR"
	Shutdown State = "SHUTDOWN"
)

var allStates = []State{Starting, Active, Waiting, Failed, Shutdown}

var transitions = map[State][]State{
	Starting: {Active, Waiting, Failed, Shutdown},
	Active:   {Waiting, Failed, Shutdown},
	Waiting:  {Active, Failed, Shutdown},
	Failed:   {Shutdown},
}

var ErrInvalidTransition = errors.New("invalid state transition")

// Event is one state change.
type Event struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Reporter receives throttled error notifications.
type Reporter interface {
	Report(typ alerts.ErrorType, text string, now time.Time) bool
	Resolve(typ alerts.ErrorType)
}

type Config struct {
	MaxStartupRetries int
	StartupBackoff    time.Duration
	ShutdownTimeout   time.Duration
	StatusEvery       time.Duration
}

func ConfigFrom(c config.Ops) Config {
	status := time.Duration(0)
	if c.WaitingStatusHourly {
		status = time.Hour
	}
	return Config{
		MaxStartupRetries: c.MaxStartupRetries,
		StartupBackoff:    time.Duration(c.StartupRetryBaseSecs) * time.Second,
		ShutdownTimeout:   c.ShutdownTimeout(),
		StatusEvery:       status,
	}
}

const maxHistory = 200

// Machine is the operational state of the process.
type Machine struct {
	mu        sync.RWMutex
	state     State
	enteredAt time.Time
	history   []Event
	lastError string
	active    alerts.ErrorType

	cfg      Config
	checker  *Checker
	reporter Reporter
	status   alerts.Sender
	lastNote time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewMachine(cfg Config, checker *Checker, reporter Reporter, status alerts.Sender) *Machine {
	m := &Machine{
		state:    Starting,
		cfg:      cfg,
		checker:  checker,
		reporter: reporter,
		status:   status,
		now:      time.Now,
		sleep:    sleepCtx,
	}
	m.enteredAt = m.now()
	m.gauge()
	return m
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (m *Machine) SetClock(now func() time.Time) { m.now = now }

func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Machine) History() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Event(nil), m.history...)
}

// Transition moves to `to`. SHUTDOWN is terminal.
func (m *Machine) Transition(to State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(to, reason)
}

func (m *Machine) transitionLocked(to State, reason string) error {
	if m.state == to {
		return nil
	}
	allowed := false
	for _, s := range transitions[m.state] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%s -> %s: %w", m.state, to, ErrInvalidTransition)
	}
	ev := Event{From: m.state, To: to, Reason: reason, At: m.now()}
	m.history = append(m.history, ev)
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}
	m.state = to
	m.enteredAt = ev.At
	observ.Log("ops_state_changed", map[string]any{"from": ev.From, "to": to, "reason": reason})
	m.gauge()
	return nil
}

func (m *Machine) gauge() {
	for _, s := range allStates {
		v := 0.0
		if s == m.state {
			v = 1
		}
		observ.SetGauge("engine_state", v, map[string]string{"state": string(s)})
	}
}

// Startup runs the health checks until they pass, a permanent failure
// shows up or the retries are used up. It returns the resulting state and
// the last failure.
func (m *Machine) Startup(ctx context.Context) (State, error) {
	attempts := max(m.cfg.MaxStartupRetries, 1)
	var last CheckResult
	for attempt := 1; attempt <= attempts; attempt++ {
		rep := m.checker.Run(ctx)
		fail, failed := rep.Failure()
		if !failed {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.resolveLocked()
			return Active, m.transitionLocked(Active, "startup_checks_passed")
		}
		last = fail
		observ.Warn("startup_check_failed", map[string]any{"attempt": attempt, "check": fail.Name, "class": fail.Class})
		if fail.Class == broker.ClassPermanent {
			return m.fail(fail, alerts.StartupFailure)
		}
		if attempt < attempts {
			backoff := m.cfg.StartupBackoff << (attempt - 1)
			if err := m.sleep(ctx, backoff); err != nil {
				return m.State(), err
			}
		}
	}
	return m.fail(last, alerts.StartupFailure)
}

// Recheck runs the checks while WAITING. Success returns to ACTIVE and
// sends SYSTEM_RECOVERED.
func (m *Machine) Recheck(ctx context.Context) State {
	if m.State() != Waiting {
		return m.State()
	}
	rep := m.checker.Run(ctx)
	fail, failed := rep.Failure()
	if !failed {
		m.mu.Lock()
		since := m.enteredAt
		m.resolveLocked()
		_ = m.transitionLocked(Active, "recheck_passed")
		m.mu.Unlock()
		m.reporter.Report(alerts.SystemRecovered, fmt.Sprintf("system recovered after %s", m.now().Sub(since).Round(time.Second)), m.now())
		return Active
	}
	if fail.Class == broker.ClassPermanent {
		s, _ := m.fail(fail, fail.ErrType)
		return s
	}
	m.mu.Lock()
	m.lastError = fail.Error
	note := m.cfg.StatusEvery > 0 && m.now().Sub(m.lastNote) >= m.cfg.StatusEvery
	if note {
		m.lastNote = m.now()
	}
	since := m.enteredAt
	m.mu.Unlock()
	if note && m.status != nil {
		m.status.Send(alerts.Message{
			Kind: "WAITING_STATUS",
			Text: fmt.Sprintf("still waiting for %s (%s): %s", since.Format("15:04"), fail.Name, fail.Error),
			At:   m.now(),
		})
	}
	return Waiting
}

// Degrade reports a runtime failure: transient errors move to WAITING,
// permanent ones to ERROR.
func (m *Machine) Degrade(typ alerts.ErrorType, class broker.Class, err error) State {
	res := CheckResult{Name: string(typ), Class: class, ErrType: typ, Error: err.Error(), err: err}
	s, _ := m.fail(res, typ)
	return s
}

func (m *Machine) fail(res CheckResult, typ alerts.ErrorType) (State, error) {
	to := Waiting
	if res.Class == broker.ClassPermanent {
		to = Failed
	}
	m.mu.Lock()
	if m.state == Shutdown || m.state == Failed {
		s := m.state
		m.mu.Unlock()
		return s, res.err
	}
	_ = m.transitionLocked(to, res.Name+": "+res.Error)
	m.lastError = res.Error
	m.active = typ
	if to == Waiting && m.lastNote.IsZero() {
		m.lastNote = m.now()
	}
	m.mu.Unlock()
	m.reporter.Report(typ, fmt.Sprintf("%s failed (%s): %s", res.Name, res.Class, res.Error), m.now())
	if res.err == nil {
		return to, errors.New(res.Error)
	}
	return to, res.err
}

func (m *Machine) resolveLocked() {
	if m.active != "" {
		m.reporter.Resolve(m.active)
		m.active = ""
	}
	m.reporter.Resolve(alerts.StartupFailure)
	m.lastError = ""
	m.lastNote = time.Time{}
}

// Record is the persisted operational record.
type Record struct {
	State     State     `json:"state"`
	Since     time.Time `json:"since"`
	LastError string    `json:"last_error,omitempty"`
	History   []Event   `json:"history"`
}

func (m *Machine) Record() Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Record{State: m.state, Since: m.enteredAt, LastError: m.lastError, History: append([]Event(nil), m.history...)}
}

// Shutdown moves to SHUTDOWN and runs steps within the shutdown budget.
func (m *Machine) Shutdown(ctx context.Context, reason string, steps ...Step) ShutdownReport {
	if err := m.Transition(Shutdown, reason); err != nil {
		observ.Warn("shutdown_transition", map[string]any{"error": err.Error()})
	}
	return RunShutdown(ctx, m.cfg.ShutdownTimeout, steps...)
}
