package alerts

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Rajchodisetti/swing-trader/internal/config"
	"github.com/Rajchodisetti/swing-trader/internal/observ"
)

type ErrorType string

const (
	StartupFailure      ErrorType = "STARTUP_FAILURE"
	WebsocketDown       ErrorType = "WEBSOCKET_DOWN"
	WebsocketAuthFailed ErrorType = "WEBSOCKET_AUTH_FAILED"
	BrokerDisconnected  ErrorType = "BROKER_DISCONNECTED"
	OpenAlgoDown        ErrorType = "OPENALGO_DOWN"
	OrderFailure        ErrorType = "ORDER_FAILURE"
	DatabaseError       ErrorType = "DATABASE_ERROR"
	SystemRecovered     ErrorType = "SYSTEM_RECOVERED"
)

const defaultThrottle = time.Hour

// ErrorRecord tracks every occurrence of one error type, notified or not.
type ErrorRecord struct {
	Type          ErrorType `json:"type"`
	Count         int       `json:"count"`
	Suppressed    int       `json:"suppressed"`
	Notifications int       `json:"notification_count"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
	LastNotified  time.Time `json:"last_notified"`
	LastMessage   string    `json:"last_message"`
	Resolved      bool      `json:"resolved"`
}

// Throttler limits error notifications to one per type per window and
// batches bursts that land inside the aggregation window.
type Throttler struct {
	mu          sync.Mutex
	sender      Sender
	windows     map[ErrorType]time.Duration
	aggregation time.Duration
	records     map[ErrorType]*ErrorRecord
	buffer      []Message
	lastSent    time.Time
}

func NewThrottler(cfg config.Notify, sender Sender) *Throttler {
	w := map[ErrorType]time.Duration{}
	for k, secs := range cfg.ThrottleSecs {
		w[ErrorType(k)] = time.Duration(secs) * time.Second
	}
	return &Throttler{
		sender:      sender,
		windows:     w,
		aggregation: time.Duration(cfg.AggregationWindowSecs) * time.Second,
		records:     map[ErrorType]*ErrorRecord{},
	}
}

func (t *Throttler) window(typ ErrorType) time.Duration {
	if w, ok := t.windows[typ]; ok {
		return w
	}
	return defaultThrottle
}

// Report counts an occurrence and notifies unless the type was notified
// within its window. It reports whether a notification went out or was
// buffered.
func (t *Throttler) Report(typ ErrorType, text string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[typ]
	if !ok {
		rec = &ErrorRecord{Type: typ, FirstSeen: now}
		t.records[typ] = rec
	}
	rec.Count++
	rec.LastSeen = now
	rec.LastMessage = text
	rec.Resolved = false
	observ.IncCounter("errors_reported_total", map[string]string{"type": string(typ)})

	if !rec.LastNotified.IsZero() && now.Sub(rec.LastNotified) < t.window(typ) {
		rec.Suppressed++
		observ.Debug("notification_throttled", map[string]any{"type": typ, "count": rec.Count})
		return false
	}

	body := fmt.Sprintf("[%s] %s", typ, text)
	if rec.Suppressed > 0 {
		body += fmt.Sprintf(" (%d occurrences, %d suppressed)", rec.Count, rec.Suppressed)
	}
	rec.LastNotified = now
	rec.Notifications++
	rec.Suppressed = 0
	msg := Message{Kind: string(typ), Text: body, Critical: typ != SystemRecovered, At: now}

	if len(t.buffer) == 0 && (t.lastSent.IsZero() || now.Sub(t.lastSent) >= t.aggregation) {
		t.lastSent = now
		t.sender.Send(msg)
		return true
	}
	t.buffer = append(t.buffer, msg)
	return true
}

// Resolve re-arms notifications for typ.
func (t *Throttler) Resolve(typ ErrorType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[typ]; ok {
		rec.Resolved = true
		rec.LastNotified = time.Time{}
		rec.Suppressed = 0
	}
}

// Flush sends buffered messages as one combined notification once the
// aggregation window since the last send has passed.
func (t *Throttler) Flush(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.buffer) == 0 || now.Sub(t.lastSent) < t.aggregation {
		return false
	}
	msg := t.buffer[0]
	if len(t.buffer) > 1 {
		lines := make([]string, 0, len(t.buffer)+1)
		lines = append(lines, fmt.Sprintf("%d alerts:", len(t.buffer)))
		for _, m := range t.buffer {
			lines = append(lines, "- "+m.Text)
		}
		msg = Message{Kind: "AGGREGATED", Text: strings.Join(lines, "\n"), Critical: true, At: now}
	}
	t.buffer = nil
	t.lastSent = now
	t.sender.Send(msg)
	return true
}

func (t *Throttler) Record(typ ErrorType) (ErrorRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[typ]
	if !ok {
		return ErrorRecord{}, false
	}
	return *rec, true
}

// Records returns all error records ordered by type.
func (t *Throttler) Records() []ErrorRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ErrorRecord, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

func (t *Throttler) Restore(records []ErrorRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range records {
		r := records[i]
		t.records[r.Type] = &r
	}
}
