package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/swing-trader/internal/config"
)

func newTestOpenAlgo(t *testing.T, h http.HandlerFunc) (*OpenAlgo, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	o := NewOpenAlgo(config.Broker{Host: srv.URL, APIKey: "k", TimeoutMs: 2000, RequestsPerSecond: 100, Burst: 10}, "swing")
	return o, srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestOpenAlgoPlaceOrder(t *testing.T) {
	var got map[string]any
	o, _ := newTestOpenAlgo(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/placeorder", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, 200, map[string]any{"status": "success", "orderid": "250101000001"})
	})

	id, err := o.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "NIFTY30DEC2526000CE", Exchange: "NFO", Product: "MIS",
		Action: Sell, Kind: StopLimitEntry, Quantity: 130, Price: 121.95, TriggerPrice: 124.95,
	})
	require.NoError(t, err)
	assert.Equal(t, "250101000001", id)
	assert.Equal(t, "k", got["apikey"])
	assert.Equal(t, "swing", got["strategy"])
	assert.Equal(t, "SELL", got["action"])
	assert.Equal(t, "SL", got["pricetype"])
	assert.Equal(t, "130", got["quantity"])
	assert.Equal(t, "124.95", got["trigger_price"])
	assert.Equal(t, "121.95", got["price"])
}

func TestOpenAlgoErrorClasses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   map[string]any
		class  Class
	}{
		{"unauthorized", 401, map[string]any{"status": "error", "message": "Invalid openalgo apikey"}, ClassPermanent},
		{"forbidden", 403, map[string]any{"status": "error"}, ClassPermanent},
		{"bad request", 400, map[string]any{"status": "error", "message": "quantity"}, ClassPermanent},
		{"rate limited", 429, map[string]any{"status": "error"}, ClassTransient},
		{"server error", 502, map[string]any{"status": "error"}, ClassTransient},
		{"error envelope on 200", 200, map[string]any{"status": "error", "message": "RMS rejected"}, ClassPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, _ := newTestOpenAlgo(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			})
			_, err := o.Funds(context.Background())
			require.Error(t, err)
			var be *Error
			require.True(t, errors.As(err, &be))
			assert.Equal(t, tt.class, be.Class)
			assert.Equal(t, "funds", be.Op)
		})
	}
}

func TestOpenAlgoOrderStatusAndPositions(t *testing.T) {
	o, _ := newTestOpenAlgo(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/orderstatus":
			writeJSON(w, 200, map[string]any{"status": "success", "data": map[string]any{
				"orderid": "1", "symbol": "NIFTY30DEC2526000CE", "order_status": "complete",
				"quantity": "130", "average_price": 124.5, "price": "0",
			}})
		case "/api/v1/positionbook":
			writeJSON(w, 200, map[string]any{"status": "success", "data": []map[string]any{
				{"symbol": "NIFTY30DEC2526000CE", "exchange": "NFO", "product": "MIS", "quantity": "-130", "average_price": "124.50", "ltp": "120", "pnl": ""},
				{"symbol": "NIFTY30DEC2526100PE", "exchange": "NFO", "product": "MIS", "quantity": "0", "average_price": "0"},
			}})
		default:
			writeJSON(w, 404, map[string]any{"status": "error"})
		}
	})

	st, err := o.OrderStatus(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, st.Status)
	assert.Equal(t, 130, st.FilledQty)
	assert.Equal(t, 124.5, st.AvgPrice)

	pos, err := o.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.Equal(t, -130, pos[0].Quantity)
	assert.Equal(t, 124.5, pos[0].AvgPrice)
	assert.Equal(t, 0.0, pos[0].PnL)
}

func TestOpenAlgoHistory(t *testing.T) {
	o, _ := newTestOpenAlgo(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/history", r.URL.Path)
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "1m", body["interval"])
		assert.Equal(t, "2025-12-30", body["start_date"])
		writeJSON(w, 200, map[string]any{"status": "success", "data": []map[string]any{
			{"timestamp": 1767066300, "open": 100, "high": 103, "low": 99, "close": 102, "volume": 300},
			{"timestamp": 1767066360, "open": "102", "high": "106", "low": "101", "close": "105", "volume": "100"},
		}})
	})

	bars, err := o.History(context.Background(), "NIFTY30DEC2526000CE", "NFO", time.Date(2025, 12, 30, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, "NIFTY30DEC2526000CE", bars[0].Symbol)
	// (103+99+102)/3 = 101.333; second typical (106+101+105)/3 = 104
	assert.InDelta(t, 101.333333, bars[0].VWAP, 1e-5)
	assert.InDelta(t, (101.333333*300+104*100)/400, bars[1].VWAP, 1e-5)
	assert.Equal(t, 106.0, bars[1].CurrentBarHigh)
}

func TestOpenAlgoLoginStatus(t *testing.T) {
	o, _ := newTestOpenAlgo(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{"status": "error", "message": "session expired"})
	})
	ok, err := o.LoginStatus(context.Background())
	assert.NoError(t, err)
	assert.False(t, ok)

	o, _ = newTestOpenAlgo(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{"status": "success", "data": map[string]any{"availablecash": "100000.00", "utiliseddebits": 0}})
	})
	ok, err = o.LoginStatus(context.Background())
	assert.NoError(t, err)
	assert.True(t, ok)
}

type flakyBroker struct {
	Paper
	failures int
	err      error
	calls    int
}

func (f *flakyBroker) CancelOrder(ctx context.Context, orderID string) error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func TestRetryingStopsOnSuccessOrPermanent(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		err       error
		wantCalls int
		wantErr   bool
	}{
		{"first try", 0, nil, 1, false},
		{"recovers on third", 2, &Error{Op: "cancel_order", Class: ClassTransient}, 3, false},
		{"exhausted", 5, &Error{Op: "cancel_order", Class: ClassTransient}, 3, true},
		{"permanent not retried", 5, &Error{Op: "cancel_order", Class: ClassPermanent, Status: 403}, 1, true},
		{"plain error wrapped as transient", 5, errors.New("connection reset"), 3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := &flakyBroker{failures: tt.failures, err: tt.err}
			r := NewRetrying(fb, 3, time.Second)
			var slept []time.Duration
			r.sleep = func(_ context.Context, d time.Duration) error {
				slept = append(slept, d)
				return nil
			}
			err := r.CancelOrder(context.Background(), "x")
			assert.Equal(t, tt.wantCalls, fb.calls)
			assert.Len(t, slept, tt.wantCalls-1)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var be *Error
			require.True(t, errors.As(err, &be))
		})
	}
}

func TestRetryingHonoursContext(t *testing.T) {
	fb := &flakyBroker{failures: 5, err: errors.New("timeout")}
	r := NewRetrying(fb, 3, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.CancelOrder(ctx, "x")
	assert.Error(t, err)
	assert.Equal(t, 1, fb.calls)
}

func TestPaperStopLimitEntryAndMarketExit(t *testing.T) {
	ctx := context.Background()
	p := NewPaper(100000, 0)
	id, err := p.PlaceOrder(ctx, OrderRequest{
		Symbol: "S", Action: Sell, Kind: StopLimitEntry, Quantity: 65, TriggerPrice: 124.95, Price: 121.95,
	})
	require.NoError(t, err)

	assert.Empty(t, p.OnPrice("S", 126))
	st, _ := p.OrderStatus(ctx, id)
	assert.Equal(t, StatusTriggerPending, st.Status)

	// gap through the limit: triggered but unfilled
	assert.Empty(t, p.OnPrice("S", 121))
	st, _ = p.OrderStatus(ctx, id)
	assert.Equal(t, StatusOpen, st.Status)

	fills := p.OnPrice("S", 122.5)
	require.Len(t, fills, 1)
	assert.Equal(t, 122.5, fills[0].AvgPrice)

	pos, _ := p.Positions(ctx)
	require.Len(t, pos, 1)
	assert.Equal(t, -65, pos[0].Quantity)

	p.OnPrice("S", 110)
	_, err = p.PlaceOrder(ctx, OrderRequest{Symbol: "S", Action: Buy, Kind: Market, Quantity: 65})
	require.NoError(t, err)
	pos, _ = p.Positions(ctx)
	assert.Empty(t, pos)
	f, _ := p.Funds(ctx)
	assert.InDelta(t, 100000+65*12.5, f.Available, 1e-6)
}

func TestPaperCancelAndModify(t *testing.T) {
	ctx := context.Background()
	p := NewPaper(0, 0)
	id, _ := p.PlaceOrder(ctx, OrderRequest{Symbol: "S", Action: Buy, Kind: StopLimitExit, Quantity: 65, TriggerPrice: 131, Price: 134})
	require.NoError(t, p.ModifyOrder(ctx, id, OrderRequest{TriggerPrice: 136, Price: 139}))
	assert.Empty(t, p.OnPrice("S", 132))
	require.NoError(t, p.CancelOrder(ctx, id))
	assert.True(t, IsPermanent(p.CancelOrder(ctx, id)))

	_, err := p.OrderStatus(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDryRunNeverTouchesInner(t *testing.T) {
	ctx := context.Background()
	inner := NewPaper(0, 0)
	d := NewDryRun(inner)
	id, err := d.PlaceOrder(ctx, OrderRequest{Symbol: "S", Action: Sell, Kind: StopLimitEntry, Quantity: 65})
	require.NoError(t, err)
	assert.Equal(t, "DRY-000001", id)
	st, _ := d.OrderStatus(ctx, id)
	assert.Equal(t, StatusTriggerPending, st.Status)
	require.NoError(t, d.CancelOrder(ctx, id))
	st, _ = d.OrderStatus(ctx, id)
	assert.Equal(t, StatusCancelled, st.Status)

	_, err = inner.OrderStatus(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}
