package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/swing-trader/internal/config"
	"github.com/Rajchodisetti/swing-trader/internal/market"
	"github.com/Rajchodisetti/swing-trader/internal/observ"
)

// OpenAlgo talks to an OpenAlgo gateway over its REST API.
type OpenAlgo struct {
	client   *resty.Client
	limiter  *rate.Limiter
	apiKey   string
	strategy string
}

// envelope is the common OpenAlgo response body.
type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	OrderID string          `json:"orderid"`
	Data    json.RawMessage `json:"data"`
}

func NewOpenAlgo(cfg config.Broker, strategy string) *OpenAlgo {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	c := resty.New().
		SetBaseURL(strings.TrimRight(cfg.Host, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &OpenAlgo{
		client:   c,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		apiKey:   cfg.APIKey,
		strategy: strategy,
	}
}

func (o *OpenAlgo) call(ctx context.Context, op, path string, body map[string]any) (*envelope, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return nil, &Error{Op: op, Class: ClassTransient, Err: err}
	}
	if body == nil {
		body = map[string]any{}
	}
	body["apikey"] = o.apiKey

	start := time.Now()
	var env envelope
	resp, err := o.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&env).
		SetError(&env).
		Post(path)
	observ.RecordDuration("broker_request_ms", time.Since(start), map[string]string{"op": op})
	if err != nil {
		return nil, &Error{Op: op, Class: ClassTransient, Err: err}
	}
	if resp.IsError() {
		return nil, &Error{Op: op, Class: classify(resp.StatusCode()), Status: resp.StatusCode(), Message: env.Message}
	}
	if env.Status != "success" {
		msg := env.Message
		if msg == "" {
			msg = "status " + env.Status
		}
		return nil, &Error{Op: op, Class: ClassPermanent, Status: resp.StatusCode(), Message: msg}
	}
	return &env, nil
}

func (o *OpenAlgo) orderBody(req OrderRequest) map[string]any {
	return map[string]any{
		"strategy":      o.strategy,
		"symbol":        req.Symbol,
		"action":        string(req.Action),
		"exchange":      req.Exchange,
		"pricetype":     req.Kind.PriceType(),
		"product":       req.Product,
		"quantity":      strconv.Itoa(req.Quantity),
		"price":         formatPrice(req.Price),
		"trigger_price": formatPrice(req.TriggerPrice),
	}
}

func (o *OpenAlgo) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	env, err := o.call(ctx, "place_order", "/api/v1/placeorder", o.orderBody(req))
	if err != nil {
		return "", err
	}
	if env.OrderID == "" {
		return "", &Error{Op: "place_order", Class: ClassTransient, Message: "empty order id"}
	}
	return env.OrderID, nil
}

func (o *OpenAlgo) CancelOrder(ctx context.Context, orderID string) error {
	_, err := o.call(ctx, "cancel_order", "/api/v1/cancelorder", map[string]any{
		"strategy": o.strategy,
		"orderid":  orderID,
	})
	return err
}

func (o *OpenAlgo) ModifyOrder(ctx context.Context, orderID string, req OrderRequest) error {
	body := o.orderBody(req)
	body["orderid"] = orderID
	_, err := o.call(ctx, "modify_order", "/api/v1/modifyorder", body)
	return err
}

func (o *OpenAlgo) OrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	env, err := o.call(ctx, "order_status", "/api/v1/orderstatus", map[string]any{
		"strategy": o.strategy,
		"orderid":  orderID,
	})
	if err != nil {
		return OrderStatus{}, err
	}
	var d struct {
		OrderID     string `json:"orderid"`
		Symbol      string `json:"symbol"`
		OrderStatus string `json:"order_status"`
		Quantity    number `json:"quantity"`
		AvgPrice    number `json:"average_price"`
		Price       number `json:"price"`
	}
	if err := json.Unmarshal(env.Data, &d); err != nil {
		return OrderStatus{}, &Error{Op: "order_status", Class: ClassTransient, Err: fmt.Errorf("decode status: %w", err)}
	}
	st := OrderStatus{
		OrderID:   orderID,
		Symbol:    d.Symbol,
		Status:    normalizeStatus(d.OrderStatus),
		UpdatedAt: time.Now().UTC(),
	}
	if st.Status == StatusComplete {
		st.FilledQty = int(d.Quantity)
	}
	st.AvgPrice = float64(d.AvgPrice)
	if st.AvgPrice == 0 {
		st.AvgPrice = float64(d.Price)
	}
	return st, nil
}

func (o *OpenAlgo) Positions(ctx context.Context) ([]Position, error) {
	env, err := o.call(ctx, "positions", "/api/v1/positionbook", nil)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Symbol   string `json:"symbol"`
		Exchange string `json:"exchange"`
		Product  string `json:"product"`
		Quantity number `json:"quantity"`
		AvgPrice number `json:"average_price"`
		LTP      number `json:"ltp"`
		PnL      number `json:"pnl"`
	}
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &rows); err != nil {
			return nil, &Error{Op: "positions", Class: ClassTransient, Err: fmt.Errorf("decode positions: %w", err)}
		}
	}
	out := make([]Position, 0, len(rows))
	for _, r := range rows {
		if int(r.Quantity) == 0 {
			continue
		}
		out = append(out, Position{
			Symbol:   r.Symbol,
			Exchange: r.Exchange,
			Product:  r.Product,
			Quantity: int(r.Quantity),
			AvgPrice: float64(r.AvgPrice),
			LTP:      float64(r.LTP),
			PnL:      float64(r.PnL),
		})
	}
	return out, nil
}

func (o *OpenAlgo) Funds(ctx context.Context) (Funds, error) {
	env, err := o.call(ctx, "funds", "/api/v1/funds", nil)
	if err != nil {
		return Funds{}, err
	}
	var d struct {
		Available number `json:"availablecash"`
		Used      number `json:"utiliseddebits"`
	}
	if err := json.Unmarshal(env.Data, &d); err != nil {
		return Funds{}, &Error{Op: "funds", Class: ClassTransient, Err: fmt.Errorf("decode funds: %w", err)}
	}
	return Funds{Available: float64(d.Available), Used: float64(d.Used)}, nil
}

// History returns the one-minute bars of symbol for the trading day of
// day, with session VWAP filled in.
func (o *OpenAlgo) History(ctx context.Context, symbol, exchange string, day time.Time) ([]market.Bar, error) {
	date := day.Format("2006-01-02")
	env, err := o.call(ctx, "history", "/api/v1/history", map[string]any{
		"symbol":     symbol,
		"exchange":   exchange,
		"interval":   "1m",
		"start_date": date,
		"end_date":   date,
	})
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Timestamp number `json:"timestamp"`
		Open      number `json:"open"`
		High      number `json:"high"`
		Low       number `json:"low"`
		Close     number `json:"close"`
		Volume    number `json:"volume"`
	}
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &rows); err != nil {
			return nil, &Error{Op: "history", Class: ClassTransient, Err: fmt.Errorf("decode history: %w", err)}
		}
	}
	bars := make([]market.Bar, 0, len(rows))
	for _, r := range rows {
		bars = append(bars, market.Bar{
			Symbol:    symbol,
			Timestamp: time.Unix(int64(r.Timestamp), 0).UTC(),
			Open:      float64(r.Open),
			High:      float64(r.High),
			Low:       float64(r.Low),
			Close:     float64(r.Close),
			Volume:    int64(r.Volume),
		})
	}
	return market.WithSessionVWAP(bars), nil
}

// Ping checks the gateway answers HTTP at all.
func (o *OpenAlgo) Ping(ctx context.Context) error {
	resp, err := o.client.R().SetContext(ctx).Get("/")
	if err != nil {
		return &Error{Op: "ping", Class: ClassTransient, Err: err}
	}
	if resp.StatusCode() >= 500 {
		return &Error{Op: "ping", Class: ClassTransient, Status: resp.StatusCode(), Message: "gateway unhealthy"}
	}
	return nil
}

// LoginStatus reports whether the broker session behind the gateway is
// active; OpenAlgo only serves funds for a logged-in session.
func (o *OpenAlgo) LoginStatus(ctx context.Context) (bool, error) {
	_, err := o.Funds(ctx)
	if err == nil {
		return true, nil
	}
	var be *Error
	if errors.As(err, &be) && be.Class == ClassPermanent && be.Status != 401 && be.Status != 403 {
		return false, nil
	}
	return false, err
}

func normalizeStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "complete", "completed", "filled":
		return StatusComplete
	case "rejected":
		return StatusRejected
	case "cancelled", "canceled":
		return StatusCancelled
	case "trigger pending", "trigger_pending":
		return StatusTriggerPending
	default:
		return StatusOpen
	}
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', 2, 64)
}

// number decodes OpenAlgo numeric fields, which arrive either as JSON numbers
// or as strings (possibly empty).
type number float64

func (n *number) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*n = number(v)
	return nil
}
