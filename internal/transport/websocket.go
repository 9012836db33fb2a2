package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Rajchodisetti/swing-trader/internal/config"
	"github.com/Rajchodisetti/swing-trader/internal/market"
	"github.com/Rajchodisetti/swing-trader/internal/observ"
)

var ErrAuthFailed = errors.New("websocket authentication failed")

// quote mode: ltp, ohlc, volume
const modeQuote = 2

type Config struct {
	URL       string
	APIKey    string
	Exchange  string
	Symbols   []string
	Buffer    int
	Reconnect config.Reconnect
	Loc       *time.Location
}

func ConfigFrom(root config.Root, symbols []string, loc *time.Location) Config {
	return Config{
		URL:       root.Feed.WSURL,
		APIKey:    root.Broker.APIKey,
		Exchange:  root.Strategy.Exchange,
		Symbols:   symbols,
		Buffer:    root.Feed.BufferSize,
		Reconnect: root.Feed.Reconnect,
		Loc:       loc,
	}
}

type wireMessage struct {
	Type    string          `json:"type"`
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Symbol  string          `json:"symbol"`
	Data    json.RawMessage `json:"data"`
}

type wireQuote struct {
	LTP       float64         `json:"ltp"`
	Bid       float64         `json:"bid"`
	Ask       float64         `json:"ask"`
	Volume    int64           `json:"volume"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// WebSocketClient streams quotes from an OpenAlgo websocket.
type WebSocketClient struct {
	cfg    Config
	dialer *websocket.Dialer
	ticks  chan market.Tick
	state  int32 // atomic ConnectionState

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	conn   *websocket.Conn
	err    error
	closed bool

	lastTick            atomic.Int64 // unix nanos
	reconnects          atomic.Int64
	consecutiveFailures atomic.Int64
}

func NewWebSocketClient(cfg Config) *WebSocketClient {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 4096
	}
	if cfg.Reconnect.InitialDelayMs <= 0 {
		cfg.Reconnect.InitialDelayMs = 1000
	}
	if cfg.Reconnect.MaxDelayMs <= 0 {
		cfg.Reconnect.MaxDelayMs = 30000
	}
	if cfg.Loc == nil {
		cfg.Loc = time.UTC
	}
	return &WebSocketClient{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		ticks:  make(chan market.Tick, cfg.Buffer),
	}
}

func (c *WebSocketClient) Start(ctx context.Context) (<-chan market.Tick, error) {
	if c.cfg.URL == "" {
		return nil, errors.New("websocket url not configured")
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.consumeLoop(ctx)
	return c.ticks, nil
}

func (c *WebSocketClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	if c.conn != nil {
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = c.conn.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
	close(c.ticks)
	return nil
}

func (c *WebSocketClient) ConnectionState() ConnectionState {
	return ConnectionState(atomic.LoadInt32(&c.state))
}

func (c *WebSocketClient) setState(s ConnectionState) {
	atomic.StoreInt32(&c.state, int32(s))
	observ.SetGauge("feed_connection_state", float64(s), nil)
}

// Err returns the last connection error.
func (c *WebSocketClient) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// LastTickAt is when the last valid quote was received.
func (c *WebSocketClient) LastTickAt() time.Time {
	n := c.lastTick.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Failures is the number of connection attempts failed in a row.
func (c *WebSocketClient) Failures() int { return int(c.consecutiveFailures.Load()) }

// Probe dials and authenticates without subscribing. A live connection
// counts as reachable.
func (c *WebSocketClient) Probe(ctx context.Context) error {
	if c.ConnectionState() == StateConnected {
		return nil
	}
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial feed: %w", err)
	}
	defer conn.Close()
	return c.authenticate(conn)
}

func (c *WebSocketClient) consumeLoop(ctx context.Context) {
	defer c.wg.Done()
	backoff := c.cfg.Reconnect.InitialDelayMs
	for {
		if ctx.Err() != nil {
			return
		}
		c.setState(StateConnecting)
		err := c.connectAndConsume(ctx)
		c.setState(StateDisconnected)
		if ctx.Err() != nil {
			return
		}
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()

		failures := c.consecutiveFailures.Add(1)
		if errors.Is(err, ErrAuthFailed) {
			observ.Error("feed_auth_failed", err, map[string]any{"url": c.cfg.URL})
		} else {
			observ.Warn("feed_disconnected", map[string]any{"error": fmt.Sprint(err), "failures": failures, "retry_ms": backoff})
		}
		if limit := c.cfg.Reconnect.MaxAttempts; limit > 0 && failures == int64(limit) {
			observ.Error("feed_reconnect_exhausted", err, map[string]any{"attempts": failures})
		}

		jitter := 0
		if c.cfg.Reconnect.JitterMs > 0 {
			jitter = rand.Intn(c.cfg.Reconnect.JitterMs)
		}
		select {
		case <-time.After(time.Duration(backoff+jitter) * time.Millisecond):
		case <-ctx.Done():
			return
		}
		backoff = min(backoff*2, c.cfg.Reconnect.MaxDelayMs)
		c.reconnects.Add(1)
		observ.IncCounter("feed_reconnects_total", nil)
	}
}

func (c *WebSocketClient) connectAndConsume(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial feed: %w", err)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ctx.Err()
	}
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	if err := c.authenticate(conn); err != nil {
		return err
	}
	if err := c.subscribe(conn); err != nil {
		return err
	}
	c.setState(StateConnected)
	observ.Log("feed_connected", map[string]any{"url": c.cfg.URL, "symbols": len(c.cfg.Symbols)})

	// unblock ReadMessage on cancellation
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read feed: %w", err)
		}
		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			observ.IncCounter("ticks_dropped_total", map[string]string{"reason": "decode"})
			continue
		}
		if msg.Type != "market_data" {
			continue
		}
		tick, err := c.decodeTick(msg)
		if err != nil {
			observ.IncCounter("ticks_dropped_total", map[string]string{"reason": "decode"})
			continue
		}
		c.consecutiveFailures.Store(0)
		c.lastTick.Store(time.Now().UnixNano())
		c.enqueue(tick)
	}
}

func (c *WebSocketClient) authenticate(conn *websocket.Conn) error {
	if err := conn.WriteJSON(map[string]any{"action": "authenticate", "api_key": c.cfg.APIKey}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	var resp wireMessage
	if err := conn.ReadJSON(&resp); err != nil {
		return fmt.Errorf("read auth: %w", err)
	}
	if resp.Type == "auth" && resp.Status != "success" {
		return fmt.Errorf("%w: %s", ErrAuthFailed, resp.Message)
	}
	if resp.Status == "error" {
		return fmt.Errorf("%w: %s", ErrAuthFailed, resp.Message)
	}
	return nil
}

func (c *WebSocketClient) subscribe(conn *websocket.Conn) error {
	syms := make([]map[string]string, 0, len(c.cfg.Symbols))
	for _, s := range c.cfg.Symbols {
		syms = append(syms, map[string]string{"symbol": s, "exchange": c.cfg.Exchange})
	}
	if err := conn.WriteJSON(map[string]any{"action": "subscribe", "symbols": syms, "mode": modeQuote}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

func (c *WebSocketClient) decodeTick(msg wireMessage) (market.Tick, error) {
	var q wireQuote
	if err := json.Unmarshal(msg.Data, &q); err != nil {
		return market.Tick{}, err
	}
	return market.Tick{
		Symbol:    msg.Symbol,
		Timestamp: c.parseTimestamp(q.Timestamp),
		Bid:       q.Bid,
		Ask:       q.Ask,
		LTP:       q.LTP,
		Volume:    q.Volume,
	}, nil
}

// parseTimestamp accepts epoch milliseconds or an exchange-local
// "YYYY-MM-DD HH:MM:SS" string; anything else is stamped on receipt.
func (c *WebSocketClient) parseTimestamp(raw json.RawMessage) time.Time {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return time.Now()
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms)
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, s, c.cfg.Loc); err == nil {
			return t
		}
	}
	return time.Now()
}

// enqueue drops the oldest tick when the consumer falls behind.
func (c *WebSocketClient) enqueue(t market.Tick) {
	select {
	case c.ticks <- t:
		return
	default:
	}
	select {
	case <-c.ticks:
		observ.IncCounter("ticks_dropped_total", map[string]string{"reason": "backpressure"})
	default:
	}
	select {
	case c.ticks <- t:
	default:
		observ.IncCounter("ticks_dropped_total", map[string]string{"reason": "backpressure"})
	}
}
