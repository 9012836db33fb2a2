package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/swing-trader/internal/config"
)

type captureSender struct {
	mu   sync.Mutex
	msgs []Message
}

func (c *captureSender) Send(m Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func notifyConfig(t *testing.T) config.Notify {
	t.Helper()
	root, err := config.Load("")
	require.NoError(t, err)
	return root.Notify
}

func TestThrottlerWindowPerType(t *testing.T) {
	sink := &captureSender{}
	th := NewThrottler(notifyConfig(t), sink)
	t0 := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

	assert.True(t, th.Report(StartupFailure, "broker unreachable", t0))
	assert.False(t, th.Report(StartupFailure, "broker unreachable", t0.Add(100*time.Second)))
	assert.True(t, th.Report(StartupFailure, "broker unreachable", t0.Add(3700*time.Second)))

	assert.Equal(t, 2, sink.count())
	rec, ok := th.Record(StartupFailure)
	require.True(t, ok)
	assert.Equal(t, 3, rec.Count)
	assert.Equal(t, 2, rec.Notifications)
	assert.Contains(t, sink.msgs[1].Text, "3 occurrences")
}

func TestThrottlerResolveRearms(t *testing.T) {
	sink := &captureSender{}
	th := NewThrottler(notifyConfig(t), sink)
	t0 := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

	th.Report(BrokerDisconnected, "ping failed", t0)
	th.Resolve(BrokerDisconnected)
	assert.True(t, th.Report(BrokerDisconnected, "ping failed", t0.Add(2*time.Minute)))
	rec, ok := th.Record(BrokerDisconnected)
	require.True(t, ok)
	assert.Equal(t, 2, rec.Notifications)
	assert.False(t, rec.Resolved)

	th.Report(SystemRecovered, "ok", t0.Add(10*time.Minute))
	assert.True(t, th.Report(SystemRecovered, "ok", t0.Add(20*time.Minute)))
	assert.Equal(t, 4, sink.count())
}

func TestThrottlerAggregatesBursts(t *testing.T) {
	sink := &captureSender{}
	th := NewThrottler(notifyConfig(t), sink)
	t0 := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

	th.Report(StartupFailure, "a", t0)
	th.Report(BrokerDisconnected, "b", t0.Add(10*time.Second))
	th.Report(OrderFailure, "c", t0.Add(20*time.Second))
	assert.Equal(t, 1, sink.count())

	assert.False(t, th.Flush(t0.Add(30*time.Second)))
	assert.True(t, th.Flush(t0.Add(60*time.Second)))
	require.Equal(t, 2, sink.count())
	assert.Equal(t, "AGGREGATED", sink.msgs[1].Kind)
	assert.Contains(t, sink.msgs[1].Text, "2 alerts:")
	assert.False(t, th.Flush(t0.Add(200*time.Second)))
}

func telegramServer(t *testing.T, status int) (*httptest.Server, *int32, chan map[string]any) {
	t.Helper()
	var calls int32
	bodies := make(chan map[string]any, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies <- body
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status == http.StatusOK {
			_, _ = w.Write([]byte(`{"ok":true}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls, bodies
}

func TestTelegramDeliversAndDedupes(t *testing.T) {
	srv, calls, bodies := telegramServer(t, http.StatusOK)
	cfg := notifyConfig(t)
	cfg.TelegramEnabled = true
	cfg.BaseURL = srv.URL
	cfg.BotToken = "TOKEN"
	cfg.ChatID = "42"
	cfg.RateLimitPerMin = 600

	tg := NewTelegram(cfg)
	defer tg.Close()

	msg := Message{Kind: "TRADE_ENTRY", Text: "SELL NIFTY25OCT24500CE"}
	tg.Send(msg)
	tg.Send(msg)

	body := <-bodies
	assert.Equal(t, "42", body["chat_id"])
	assert.Equal(t, "SELL NIFTY25OCT24500CE", body["text"])

	require.NoError(t, tg.Drain(context.Background()))
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(calls))
}

func TestTelegramSendNowReportsFailure(t *testing.T) {
	srv, _, _ := telegramServer(t, http.StatusBadRequest)
	cfg := notifyConfig(t)
	cfg.TelegramEnabled = true
	cfg.BaseURL = srv.URL
	cfg.BotToken = "TOKEN"

	tg := NewTelegram(cfg)
	defer tg.Close()
	err := tg.SendNow(context.Background(), "shutdown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestTelegramDisabledIsSilent(t *testing.T) {
	srv, calls, _ := telegramServer(t, http.StatusOK)
	cfg := notifyConfig(t)
	cfg.TelegramEnabled = false
	cfg.BaseURL = srv.URL

	tg := NewTelegram(cfg)
	defer tg.Close()
	tg.Send(Message{Kind: "X", Text: "hello"})
	require.NoError(t, tg.SendNow(context.Background(), "hello"))
	assert.EqualValues(t, 0, atomic.LoadInt32(calls))
}
