package filter

import (
	"time"

	"github.com/Rajchodisetti/swing-trader/internal/config"
	"github.com/Rajchodisetti/swing-trader/internal/market"
	"github.com/Rajchodisetti/swing-trader/internal/swing"
)

type Config struct {
	MinPrice          float64
	MaxPrice          float64
	MinVWAPPremium    float64
	MinStopPct        float64
	MaxStopPct        float64
	TargetPoints      float64
	StopBuffer        float64
	StrikeGranularity int
}

func ConfigFrom(s config.Strategy) Config {
	return Config{
		MinPrice:          s.MinPrice,
		MaxPrice:          s.MaxPrice,
		MinVWAPPremium:    s.MinVWAPPremium,
		MinStopPct:        s.MinStopPct,
		MaxStopPct:        s.MaxStopPct,
		TargetPoints:      s.TargetStopPoints,
		StopBuffer:        s.StopBuffer,
		StrikeGranularity: s.StrikeGranularity,
	}
}

type Reason string

const (
	ReasonPriceRange   Reason = "price_out_of_range"
	ReasonVWAPPremium  Reason = "vwap_premium_low"
	ReasonStopPctLow   Reason = "stop_pct_low"
	ReasonStopPctHigh  Reason = "stop_pct_high"
	ReasonNoData       Reason = "no_data"
	ReasonBadSymbol    Reason = "bad_symbol"
	ReasonSwingHigh    Reason = "swing_high_ignored"
	ReasonQualifiedNow Reason = "qualified"
)

type RemovalReason string

const (
	RemovedBroken     RemovalReason = "broken"
	RemovedSuperseded RemovalReason = "superseded"
	RemovedStale      RemovalReason = "stale_after_rejected_swing"
	RemovedReset      RemovalReason = "daily_reset"
	RemovedManual     RemovalReason = "manual"
)

// StaticCandidate is a swing low that passed the formation-time checks.
// Its VWAP and premium never change after acceptance.
type StaticCandidate struct {
	Point          swing.Point `json:"point"`
	Side           market.Side `json:"side"`
	Strike         int         `json:"strike"`
	VWAPPremium    float64     `json:"vwap_premium"`
	BrokeInHistory bool        `json:"broke_in_history"`
	AcceptedAt     time.Time   `json:"accepted_at"`
}

func (c StaticCandidate) Symbol() string { return c.Point.Symbol }

// QualifiedCandidate is a static candidate annotated with the stop derived
// from the latest prices. It is recomputed on every evaluation.
type QualifiedCandidate struct {
	StaticCandidate
	HighestHigh float64 `json:"highest_high"`
	StopPrice   float64 `json:"stop_price"`
	StopPoints  float64 `json:"stop_points"`
	StopPct     float64 `json:"stop_pct"`
	Score       float64 `json:"score"` // |stop_points - target|
}

// BestCandidate is the top-ranked qualified candidate of one side. Only the
// Engine constructs it, from a member of its dynamic pool.
type BestCandidate struct {
	q QualifiedCandidate
}

func (b BestCandidate) Candidate() QualifiedCandidate { return b.q }
func (b BestCandidate) Symbol() string { return b.q.Point.Symbol }
func (b BestCandidate) Side() market.Side { return b.q.Side }
func (b BestCandidate) SwingPrice() float64 { return b.q.Point.Price }
func (b BestCandidate) StopPrice() float64 { return b.q.StopPrice }
func (b BestCandidate) StopPoints() float64 { return b.q.StopPoints }
func (b BestCandidate) BrokeInHistory() bool { return b.q.BrokeInHistory }

// Rejection is an expected negative outcome of a filter stage.
type Rejection struct {
	Symbol     string      `json:"symbol"`
	Side       market.Side `json:"side"`
	Stage      int         `json:"stage"`
	Reason     Reason      `json:"reason"`
	SwingPrice float64     `json:"swing_price"`
	VWAP       float64     `json:"vwap,omitempty"`
	Premium    float64     `json:"vwap_premium,omitempty"`
	StopPct    float64     `json:"stop_pct,omitempty"`
	At         time.Time   `json:"at"`
}

type Removal struct {
	Symbol     string        `json:"symbol"`
	Side       market.Side   `json:"side"`
	Reason     RemovalReason `json:"reason"`
	SwingPrice float64       `json:"swing_price"`
	At         time.Time     `json:"at"`
}

// Outcome is the result of offering a swing to Stage 1.
type Outcome struct {
	Accepted  bool
	Replaced  bool
	Candidate *StaticCandidate
	Rejection *Rejection
	Removal   *Removal
}

// Result is the result of one Stage 2/3 evaluation.
type Result struct {
	Best       map[market.Side]*BestCandidate
	Changed    []market.Side
	Removed    []Removal
	Rejections []Rejection // stage-2 state flips only
}

// MarketView provides the price inputs of Stage 2. Current returns the
// forming bar when one exists, else the latest closed bar.
type MarketView interface {
	Current(symbol string) (market.Bar, bool)
	HighestHighSince(symbol string, index int) (float64, bool)
}

// Pools is a copy of the engine's candidate pools for read-only consumers.
type Pools struct {
	Static  []StaticCandidate                  `json:"static"`
	Dynamic []QualifiedCandidate               `json:"dynamic"`
	Best    map[market.Side]QualifiedCandidate `json:"best"`
}
