package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 100.0, c.Strategy.MinPrice)
	assert.Equal(t, 300.0, c.Strategy.MaxPrice)
	assert.Equal(t, 0.04, c.Strategy.MinVWAPPremium)
	assert.Equal(t, 0.02, c.Strategy.MinStopPct)
	assert.Equal(t, 0.10, c.Strategy.MaxStopPct)
	assert.Equal(t, 6500.0, c.Risk.RValue)
	assert.Equal(t, 65, c.Risk.LotSize)
	assert.Equal(t, -5.0, c.Risk.DailyStopR)
	assert.Equal(t, "15:15", c.Risk.ForceExitTime)
	assert.Equal(t, 3, c.Orders.MaxRetries)
	assert.Equal(t, 2*time.Second, c.Orders.RetryDelay())
	assert.Equal(t, 9*time.Second, c.Ops.ShutdownTimeout())
	assert.Equal(t, 0, c.Notify.ThrottleSecs["SYSTEM_RECOVERED"])
	assert.Equal(t, 1800, c.Notify.ThrottleSecs["BROKER_DISCONNECTED"])
	assert.True(t, *c.Notify.OnTradeEntry)
	assert.Equal(t, "paper", c.Broker.Mode)
	require.NoError(t, c.Validate())
}

func TestLoadYAMLOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yml := `
strategy:
  min_price: 120
  max_price: 250
risk:
  max_positions: 4
  max_ce_positions: 2
  max_pe_positions: 2
notify:
  throttle_seconds:
    BROKER_DISCONNECTED: 600
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 120.0, c.Strategy.MinPrice)
	assert.Equal(t, 250.0, c.Strategy.MaxPrice)
	assert.Equal(t, 4, c.Risk.MaxPositions)
	assert.Equal(t, 600, c.Notify.ThrottleSecs["BROKER_DISCONNECTED"])
	assert.Equal(t, 3600, c.Notify.ThrottleSecs["STARTUP_FAILURE"])
	require.NoError(t, c.Validate())
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("OPENALGO_API_KEY", "k-123")
	t.Setenv("OPENALGO_HOST", "http://broker:5000")
	t.Setenv("PAPER_TRADING", "false")
	t.Setenv("TELEGRAM_ENABLED", "true")
	t.Setenv("TELEGRAM_BOT_TOKEN", "tok")
	t.Setenv("TELEGRAM_CHAT_ID", "42")

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "k-123", c.Broker.APIKey)
	assert.Equal(t, "http://broker:5000", c.Broker.Host)
	assert.Equal(t, "live", c.Broker.Mode)
	assert.True(t, c.Notify.TelegramEnabled)
	require.NoError(t, c.Validate())
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("SWING_TEST_ONLY_KEY=abc\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("SWING_TEST_ONLY_KEY") })

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "abc", os.Getenv("SWING_TEST_ONLY_KEY"))

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env")))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Root)
	}{
		{"price bounds inverted", func(c *Root) { c.Strategy.MinPrice = 400 }},
		{"stop pct inverted", func(c *Root) { c.Strategy.MinStopPct = 0.2 }},
		{"positive daily stop", func(c *Root) { c.Risk.DailyStopR = 1 }},
		{"side cap above total", func(c *Root) { c.Risk.MaxCEPositions = 9 }},
		{"bad clock", func(c *Root) { c.Risk.ForceExitTime = "25:99" }},
		{"live without key", func(c *Root) { c.Broker.Mode = "live"; c.Broker.APIKey = "" }},
		{"unknown mode", func(c *Root) { c.Broker.Mode = "sim" }},
		{"telegram without token", func(c *Root) { c.Notify.TelegramEnabled = true; c.Notify.BotToken = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Load("")
			require.NoError(t, err)
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestParseClock(t *testing.T) {
	d, err := ParseClock("15:15")
	require.NoError(t, err)
	assert.Equal(t, 15*time.Hour+15*time.Minute, d)

	_, err = ParseClock("3pm")
	assert.Error(t, err)
}
