package alerts

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/swing-trader/internal/config"
	"github.com/Rajchodisetti/swing-trader/internal/observ"
)

// Message is one operator notification.
type Message struct {
	Kind     string
	Text     string
	Critical bool
	At       time.Time
}

// Sender delivers messages without blocking the caller.
type Sender interface {
	Send(msg Message)
}

type queued struct {
	msg      Message
	attempts int
}

const maxTelegramText = 4000

// Telegram posts messages to a chat through the Bot API.
type Telegram struct {
	cfg     config.Notify
	client  *resty.Client
	queue   chan queued
	dedupe  *cache.Cache
	limiter *rate.Limiter
	backoff time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewTelegram(cfg config.Notify) *Telegram {
	ctx, cancel := context.WithCancel(context.Background())
	perMin := cfg.RateLimitPerMin
	if perMin <= 0 {
		perMin = 20
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 100
	}
	window := time.Duration(cfg.DedupeWindowSecs) * time.Second
	if window <= 0 {
		window = time.Minute
	}
	t := &Telegram{
		cfg: cfg,
		client: resty.New().
			SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
			SetTimeout(10 * time.Second),
		queue:   make(chan queued, size),
		dedupe:  cache.New(window, 5*time.Minute),
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), perMin),
		backoff: 2 * time.Second,
		ctx:     ctx,
		cancel:  cancel,
	}
	if cfg.TelegramEnabled {
		t.wg.Add(1)
		go t.worker()
	}
	return t
}

// Send queues msg. Disabled notifiers only log it.
func (t *Telegram) Send(msg Message) {
	if msg.At.IsZero() {
		msg.At = time.Now()
	}
	observ.Log("notification", map[string]any{"kind": msg.Kind, "text": msg.Text, "critical": msg.Critical})
	if !t.cfg.TelegramEnabled {
		return
	}
	if err := t.dedupe.Add(hashOf(msg), msg.At, cache.DefaultExpiration); err != nil {
		observ.IncCounter("notifications_total", map[string]string{"result": "duplicate"})
		return
	}
	select {
	case t.queue <- queued{msg: msg}:
	default:
		t.dropOldestNonCritical(queued{msg: msg})
	}
	observ.SetGauge("notification_queue_depth", float64(len(t.queue)), nil)
}

// SendNow delivers text synchronously, bypassing the queue.
func (t *Telegram) SendNow(ctx context.Context, text string) error {
	if !t.cfg.TelegramEnabled {
		return nil
	}
	return t.post(ctx, text)
}

func hashOf(msg Message) string {
	sum := sha256.Sum256([]byte(msg.Kind + ":" + msg.Text))
	return fmt.Sprintf("%x", sum)[:16]
}

func (t *Telegram) dropOldestNonCritical(next queued) {
	select {
	case old := <-t.queue:
		if old.msg.Critical && !next.msg.Critical {
			select {
			case t.queue <- old:
			default:
			}
			observ.IncCounter("notifications_total", map[string]string{"result": "dropped"})
			return
		}
		observ.IncCounter("notifications_total", map[string]string{"result": "dropped"})
	default:
	}
	select {
	case t.queue <- next:
	default:
		observ.IncCounter("notifications_total", map[string]string{"result": "dropped"})
	}
}

func (t *Telegram) worker() {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case q := <-t.queue:
			t.deliver(q)
		}
	}
}

func (t *Telegram) deliver(q queued) {
	for {
		if err := t.limiter.Wait(t.ctx); err != nil {
			return
		}
		err := t.post(t.ctx, q.msg.Text)
		if err == nil {
			observ.IncCounter("notifications_total", map[string]string{"result": "sent"})
			return
		}
		q.attempts++
		if q.attempts >= 3 {
			observ.Error("notification_failed", err, map[string]any{"kind": q.msg.Kind, "attempts": q.attempts})
			observ.IncCounter("notifications_total", map[string]string{"result": "failed"})
			return
		}
		select {
		case <-t.ctx.Done():
			return
		case <-time.After(t.backoff << (q.attempts - 1)):
		}
	}
}

func (t *Telegram) post(ctx context.Context, text string) error {
	if len(text) > maxTelegramText {
		text = text[:maxTelegramText-3] + "..."
	}
	var out struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(map[string]any{"chat_id": t.cfg.ChatID, "text": text}).
		SetResult(&out).
		SetError(&out).
		Post("/bot" + t.cfg.BotToken + "/sendMessage")
	if err != nil {
		return err
	}
	if resp.IsError() || !out.OK {
		return fmt.Errorf("telegram status %d: %s", resp.StatusCode(), out.Description)
	}
	return nil
}

// Close stops the worker. Queued messages are discarded.
func (t *Telegram) Close() error {
	t.cancel()
	t.wg.Wait()
	return nil
}

// Drain waits until the queue is empty or ctx is done.
func (t *Telegram) Drain(ctx context.Context) error {
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for len(t.queue) > 0 {
		select {
		case <-ctx.Done():
			return errors.Join(ctx.Err(), fmt.Errorf("%d notifications undelivered", len(t.queue)))
		case <-tick.C:
		}
	}
	return nil
}
