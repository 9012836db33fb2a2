package observ

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogWritesEventLine(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(os.Stdout) })

	Log("swing_created", map[string]any{"symbol": "NIFTY30DEC2526000CE", "price": 130.5})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "swing_created", line["event"])
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "NIFTY30DEC2526000CE", line["symbol"])
	assert.Contains(t, line, "ts")
}

func TestErrorAndLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(os.Stdout)
		_ = SetLevel("info")
	})

	require.NoError(t, SetLevel("warn"))
	Log("dropped", nil)
	Debug("dropped_too", nil)
	Error("broker_call_failed", errors.New("timeout"), nil)

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, `"error":"timeout"`)
	assert.Contains(t, out, `"level":"error"`)

	assert.Error(t, SetLevel("loud"))
}

func TestCountersAndGauges(t *testing.T) {
	labels := map[string]string{"reason": "stale"}
	IncCounter("test_ticks_dropped_total", labels)
	IncCounterBy("test_ticks_dropped_total", labels, 2)
	SetGauge("test_open_positions", 3, nil)
	Observe("test_latency_ms", 12, map[string]string{"op": "place"})

	assert.Equal(t, 3.0, testutil.ToFloat64(reg.counters["test_ticks_dropped_total"].With(labels)))
	assert.Equal(t, 3.0, testutil.ToFloat64(reg.gauges["test_open_positions"].With(nil)))

	// mismatched label keys are ignored instead of panicking
	assert.NotPanics(t, func() {
		IncCounter("test_ticks_dropped_total", map[string]string{"other": "x"})
	})
}

func TestHandlerServesPrometheusText(t *testing.T) {
	IncCounter("test_handler_hits_total", nil)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(string(body), "swingtrader_test_handler_hits_total 1"))
}
