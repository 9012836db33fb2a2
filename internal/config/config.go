package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Strategy struct {
	Name              string  `yaml:"name"`
	Underlying        string  `yaml:"underlying"`
	Exchange          string  `yaml:"exchange"`
	Product           string  `yaml:"product"`            // MIS (intraday)
	StrikeInterval    int     `yaml:"strike_interval"`    // distance between listed strikes
	StrikeScanRange   int     `yaml:"strike_scan_range"`  // strikes each side of ATM
	StrikeGranularity int     `yaml:"strike_granularity"` // liquid strikes are multiples of this
	MinPrice          float64 `yaml:"min_price"`
	MaxPrice          float64 `yaml:"max_price"`
	MinVWAPPremium    float64 `yaml:"min_vwap_premium"`
	MinStopPct        float64 `yaml:"min_stop_pct"`
	MaxStopPct        float64 `yaml:"max_stop_pct"`
	TargetStopPoints  float64 `yaml:"target_stop_points"`
	StopBuffer        float64 `yaml:"stop_buffer"`
	TickSize          float64 `yaml:"tick_size"`
	MinTicksPerBar    int     `yaml:"min_ticks_per_bar"`
	MaxBarsPerSymbol  int     `yaml:"max_bars_per_symbol"`
}

type Risk struct {
	RValue               float64 `yaml:"r_value"`
	LotSize              int     `yaml:"lot_size"`
	MaxLots              int     `yaml:"max_lots"`
	MaxPositions         int     `yaml:"max_positions"`
	MaxCEPositions       int     `yaml:"max_ce_positions"`
	MaxPEPositions       int     `yaml:"max_pe_positions"`
	DailyTargetR         float64 `yaml:"daily_target_r"`
	DailyStopR           float64 `yaml:"daily_stop_r"`
	Timezone             string  `yaml:"timezone"`
	MarketOpen           string  `yaml:"market_open"`  // HH:MM
	ForceExitTime        string  `yaml:"force_exit_time"`
	MarketClose          string  `yaml:"market_close"`
	MaxConsecutiveLosses int     `yaml:"max_consecutive_losses"`
	PauseMinutes         int     `yaml:"pause_minutes"`
}

type Orders struct {
	EntryFillBuffer       float64 `yaml:"entry_fill_buffer"`
	StopFillBuffer        float64 `yaml:"stop_fill_buffer"`
	MaxRetries            int     `yaml:"max_retries"`
	RetryDelayMs          int     `yaml:"retry_delay_ms"`
	PollIntervalSecs      int     `yaml:"poll_interval_seconds"`
	ReconcileIntervalSecs int     `yaml:"reconcile_interval_seconds"`
	EntryTimeoutSecs      int     `yaml:"entry_timeout_seconds"` // unfilled after break
	MaxSLFailures         int     `yaml:"max_sl_failures"`
	EmergencyExitRetries  int     `yaml:"emergency_exit_retries"`
	EmergencyExitDelayMs  int     `yaml:"emergency_exit_delay_ms"`
}

type Ops struct {
	MaxStartupRetries     int  `yaml:"max_startup_retries"`
	StartupRetryBaseSecs  int  `yaml:"startup_retry_base_seconds"`
	CheckIntervalSecs     int  `yaml:"check_interval_seconds"`
	ShutdownTimeoutSecs   int  `yaml:"shutdown_timeout_seconds"`
	WaitingStatusHourly   bool `yaml:"waiting_status_hourly"`
	StaleDataTimeoutSecs  int  `yaml:"stale_data_timeout_seconds"`
	StateSaveIntervalSecs int  `yaml:"state_save_interval_seconds"`
}

type Notify struct {
	TelegramEnabled       bool           `yaml:"telegram_enabled"`
	BotToken              string         `yaml:"bot_token"`
	ChatID                string         `yaml:"chat_id"`
	BaseURL               string         `yaml:"base_url"`
	QueueSize             int            `yaml:"queue_size"`
	RateLimitPerMin       int            `yaml:"rate_limit_per_min"`
	DedupeWindowSecs      int            `yaml:"dedupe_window_seconds"`
	AggregationWindowSecs int            `yaml:"aggregation_window_seconds"`
	ThrottleSecs          map[string]int `yaml:"throttle_seconds"` // error_type -> window
	OnTradeEntry          *bool          `yaml:"on_trade_entry"`
	OnTradeExit           *bool          `yaml:"on_trade_exit"`
	OnBestStrikeChange    *bool          `yaml:"on_best_strike_change"`
}

type Broker struct {
	Mode              string  `yaml:"mode"` // paper | live
	DryRun            bool    `yaml:"dry_run"`
	Host              string  `yaml:"host"`
	APIKey            string  `yaml:"api_key"`
	TimeoutMs         int     `yaml:"timeout_ms"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type Reconnect struct {
	InitialDelayMs int `yaml:"initial_delay_ms"`
	MaxDelayMs     int `yaml:"max_delay_ms"`
	JitterMs       int `yaml:"jitter_ms"`
	MaxAttempts    int `yaml:"max_attempts"`
}

type Feed struct {
	WSURL          string    `yaml:"ws_url"`
	MaxTickAgeSecs int       `yaml:"max_tick_age_seconds"`
	BufferSize     int       `yaml:"buffer_size"`
	Reconnect      Reconnect `yaml:"reconnect"`
}

type Storage struct {
	Dir        string `yaml:"dir"`
	StateFile  string `yaml:"state_file"`
	JournalDir string `yaml:"journal_dir"`
}

type Server struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type Root struct {
	Strategy Strategy `yaml:"strategy"`
	Risk     Risk     `yaml:"risk"`
	Orders   Orders   `yaml:"orders"`
	Ops      Ops      `yaml:"ops"`
	Notify   Notify   `yaml:"notify"`
	Broker   Broker   `yaml:"broker"`
	Feed     Feed     `yaml:"feed"`
	Storage  Storage  `yaml:"storage"`
	Server   Server   `yaml:"server"`
}

// DefaultThrottleSecs holds the notification throttle windows per error type.
var DefaultThrottleSecs = map[string]int{
	"STARTUP_FAILURE":       3600,
	"WEBSOCKET_DOWN":        3600,
	"WEBSOCKET_AUTH_FAILED": 3600,
	"BROKER_DISCONNECTED":   1800,
	"OPENALGO_DOWN":         1800,
	"ORDER_FAILURE":         1800,
	"DATABASE_ERROR":        3600,
	"SYSTEM_RECOVERED":      0,
}

// Load reads the YAML file at path, applies environment overrides and fills
// defaults. An empty path yields a default configuration.
func Load(path string) (Root, error) {
	var c Root
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return c, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return c, err
		}
	}
	ApplyEnv(&c)
	applyDefaults(&c)
	return c, nil
}

// LoadDotEnv loads a .env file if present. Missing files are not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

// ApplyEnv overrides secrets and mode switches from the process environment.
func ApplyEnv(c *Root) {
	if v := os.Getenv("OPENALGO_API_KEY"); v != "" {
		c.Broker.APIKey = v
	}
	if v := os.Getenv("OPENALGO_HOST"); v != "" {
		c.Broker.Host = v
	}
	if v := os.Getenv("OPENALGO_WS_URL"); v != "" {
		c.Feed.WSURL = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Notify.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		c.Notify.ChatID = v
	}
	if v, ok := envBool("TELEGRAM_ENABLED"); ok {
		c.Notify.TelegramEnabled = v
	}
	if v, ok := envBool("PAPER_TRADING"); ok {
		if v {
			c.Broker.Mode = "paper"
		} else {
			c.Broker.Mode = "live"
		}
	}
	if v, ok := envBool("DRY_RUN"); ok {
		c.Broker.DryRun = v
	}
	if v := os.Getenv("STATE_DIR"); v != "" {
		c.Storage.Dir = v
	}
}

func envBool(key string) (bool, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(strings.ToLower(v))
	if err != nil {
		return false, false
	}
	return b, true
}

func applyDefaults(c *Root) {
	s := &c.Strategy
	if s.Name == "" {
		s.Name = "swing_break_v1"
	}
	if s.Underlying == "" {
		s.Underlying = "NIFTY"
	}
	if s.Exchange == "" {
		s.Exchange = "NFO"
	}
	if s.Product == "" {
		s.Product = "MIS"
	}
	if s.StrikeInterval == 0 {
		s.StrikeInterval = 50
	}
	if s.StrikeScanRange == 0 {
		s.StrikeScanRange = 5
	}
	if s.StrikeGranularity == 0 {
		s.StrikeGranularity = 100
	}
	if s.MinPrice == 0 {
		s.MinPrice = 100
	}
	if s.MaxPrice == 0 {
		s.MaxPrice = 300
	}
	if s.MinVWAPPremium == 0 {
		s.MinVWAPPremium = 0.04
	}
	if s.MinStopPct == 0 {
		s.MinStopPct = 0.02
	}
	if s.MaxStopPct == 0 {
		s.MaxStopPct = 0.10
	}
	if s.TargetStopPoints == 0 {
		s.TargetStopPoints = 10
	}
	if s.StopBuffer == 0 {
		s.StopBuffer = 1
	}
	if s.TickSize == 0 {
		s.TickSize = 0.05
	}
	if s.MinTicksPerBar == 0 {
		s.MinTicksPerBar = 5
	}
	if s.MaxBarsPerSymbol == 0 {
		s.MaxBarsPerSymbol = 400
	}

	r := &c.Risk
	if r.RValue == 0 {
		r.RValue = 6500
	}
	if r.LotSize == 0 {
		r.LotSize = 65
	}
	if r.MaxLots == 0 {
		r.MaxLots = 10
	}
	if r.MaxPositions == 0 {
		r.MaxPositions = 5
	}
	if r.MaxCEPositions == 0 {
		r.MaxCEPositions = 3
	}
	if r.MaxPEPositions == 0 {
		r.MaxPEPositions = 3
	}
	if r.DailyTargetR == 0 {
		r.DailyTargetR = 5
	}
	if r.DailyStopR == 0 {
		r.DailyStopR = -5
	}
	if r.Timezone == "" {
		r.Timezone = "Asia/Kolkata"
	}
	if r.MarketOpen == "" {
		r.MarketOpen = "09:15"
	}
	if r.ForceExitTime == "" {
		r.ForceExitTime = "15:15"
	}
	if r.MarketClose == "" {
		r.MarketClose = "15:30"
	}
	if r.MaxConsecutiveLosses == 0 {
		r.MaxConsecutiveLosses = 3
	}
	if r.PauseMinutes == 0 {
		r.PauseMinutes = 30
	}

	o := &c.Orders
	if o.EntryFillBuffer == 0 {
		o.EntryFillBuffer = 3
	}
	if o.StopFillBuffer == 0 {
		o.StopFillBuffer = 3
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.RetryDelayMs == 0 {
		o.RetryDelayMs = 2000
	}
	if o.PollIntervalSecs == 0 {
		o.PollIntervalSecs = 5
	}
	if o.ReconcileIntervalSecs == 0 {
		o.ReconcileIntervalSecs = 60
	}
	if o.EntryTimeoutSecs == 0 {
		o.EntryTimeoutSecs = 300
	}
	if o.MaxSLFailures == 0 {
		o.MaxSLFailures = 3
	}
	if o.EmergencyExitRetries == 0 {
		o.EmergencyExitRetries = 5
	}
	if o.EmergencyExitDelayMs == 0 {
		o.EmergencyExitDelayMs = 2000
	}

	op := &c.Ops
	if op.MaxStartupRetries == 0 {
		op.MaxStartupRetries = 3
	}
	if op.StartupRetryBaseSecs == 0 {
		op.StartupRetryBaseSecs = 30
	}
	if op.CheckIntervalSecs == 0 {
		op.CheckIntervalSecs = 300
	}
	if op.ShutdownTimeoutSecs == 0 {
		op.ShutdownTimeoutSecs = 9
	}
	if op.StaleDataTimeoutSecs == 0 {
		op.StaleDataTimeoutSecs = 30
	}
	if op.StateSaveIntervalSecs == 0 {
		op.StateSaveIntervalSecs = 30
	}

	n := &c.Notify
	if n.BaseURL == "" {
		n.BaseURL = "https://api.telegram.org"
	}
	if n.QueueSize == 0 {
		n.QueueSize = 100
	}
	if n.RateLimitPerMin == 0 {
		n.RateLimitPerMin = 20
	}
	if n.DedupeWindowSecs == 0 {
		n.DedupeWindowSecs = 60
	}
	if n.AggregationWindowSecs == 0 {
		n.AggregationWindowSecs = 60
	}
	if n.ThrottleSecs == nil {
		n.ThrottleSecs = map[string]int{}
	}
	for k, v := range DefaultThrottleSecs {
		if _, ok := n.ThrottleSecs[k]; !ok {
			n.ThrottleSecs[k] = v
		}
	}
	yes := true
	if n.OnTradeEntry == nil {
		n.OnTradeEntry = &yes
	}
	if n.OnTradeExit == nil {
		n.OnTradeExit = &yes
	}
	if n.OnBestStrikeChange == nil {
		n.OnBestStrikeChange = &yes
	}

	b := &c.Broker
	if b.Mode == "" {
		b.Mode = "paper"
	}
	if b.Host == "" {
		b.Host = "http://127.0.0.1:5000"
	}
	if b.TimeoutMs == 0 {
		b.TimeoutMs = 5000
	}
	if b.RequestsPerSecond == 0 {
		b.RequestsPerSecond = 5
	}
	if b.Burst == 0 {
		b.Burst = 5
	}

	f := &c.Feed
	if f.WSURL == "" {
		f.WSURL = "ws://127.0.0.1:8765"
	}
	if f.MaxTickAgeSecs == 0 {
		f.MaxTickAgeSecs = 5
	}
	if f.BufferSize == 0 {
		f.BufferSize = 4096
	}
	if f.Reconnect.InitialDelayMs == 0 {
		f.Reconnect.InitialDelayMs = 1000
	}
	if f.Reconnect.MaxDelayMs == 0 {
		f.Reconnect.MaxDelayMs = 30000
	}
	if f.Reconnect.JitterMs == 0 {
		f.Reconnect.JitterMs = 250
	}
	if f.Reconnect.MaxAttempts == 0 {
		f.Reconnect.MaxAttempts = 5
	}

	st := &c.Storage
	if st.Dir == "" {
		st.Dir = "data"
	}
	if st.StateFile == "" {
		st.StateFile = "state.json"
	}
	if st.JournalDir == "" {
		st.JournalDir = "journal"
	}

	if c.Server.Addr == "" {
		c.Server.Addr = ":8090"
	}
}

// Validate rejects configurations whose thresholds contradict each other.
func (c Root) Validate() error {
	s, r := c.Strategy, c.Risk
	if s.MinPrice > s.MaxPrice {
		return fmt.Errorf("strategy.min_price %.2f above max_price %.2f", s.MinPrice, s.MaxPrice)
	}
	if s.MinStopPct > s.MaxStopPct {
		return fmt.Errorf("strategy.min_stop_pct %.4f above max_stop_pct %.4f", s.MinStopPct, s.MaxStopPct)
	}
	if s.TickSize <= 0 {
		return errors.New("strategy.tick_size must be positive")
	}
	if r.DailyStopR >= 0 {
		return fmt.Errorf("risk.daily_stop_r must be negative, got %.2f", r.DailyStopR)
	}
	if r.DailyTargetR <= 0 {
		return fmt.Errorf("risk.daily_target_r must be positive, got %.2f", r.DailyTargetR)
	}
	if r.MaxCEPositions > r.MaxPositions || r.MaxPEPositions > r.MaxPositions {
		return errors.New("risk: per-side position caps exceed max_positions")
	}
	if _, err := time.LoadLocation(r.Timezone); err != nil {
		return fmt.Errorf("risk.timezone: %w", err)
	}
	for name, v := range map[string]string{"market_open": r.MarketOpen, "force_exit_time": r.ForceExitTime, "market_close": r.MarketClose} {
		if _, err := ParseClock(v); err != nil {
			return fmt.Errorf("risk.%s: %w", name, err)
		}
	}
	if c.Broker.Mode != "paper" && c.Broker.Mode != "live" {
		return fmt.Errorf("broker.mode must be paper or live, got %q", c.Broker.Mode)
	}
	if c.Broker.Mode == "live" && c.Broker.APIKey == "" {
		return errors.New("broker.api_key required in live mode (OPENALGO_API_KEY)")
	}
	if c.Notify.TelegramEnabled && (c.Notify.BotToken == "" || c.Notify.ChatID == "") {
		return errors.New("notify: telegram enabled without bot_token/chat_id")
	}
	return nil
}

// ParseClock parses an HH:MM wall-clock value into an offset from midnight.
func ParseClock(v string) (time.Duration, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func (o Orders) RetryDelay() time.Duration { return time.Duration(o.RetryDelayMs) * time.Millisecond }
func (o Orders) PollInterval() time.Duration {
	return time.Duration(o.PollIntervalSecs) * time.Second
}
func (o Orders) ReconcileInterval() time.Duration {
	return time.Duration(o.ReconcileIntervalSecs) * time.Second
}

func (op Ops) ShutdownTimeout() time.Duration {
	return time.Duration(op.ShutdownTimeoutSecs) * time.Second
}
func (op Ops) CheckInterval() time.Duration {
	return time.Duration(op.CheckIntervalSecs) * time.Second
}

// Location returns the trading timezone, falling back to UTC.
func (r Risk) Location() *time.Location {
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
