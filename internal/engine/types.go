package engine

import (
	"strings"
	"time"
)

// Side is the aggressor direction of an executed trade.
type Side uint8

const (
	Buy Side = iota + 1
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the side as it appears on the wire.
func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseSide maps a wire side to a Side. Anything that is not "BUY" is booked
// as a sell, matching how upstream feeds label aggressor flags.
func ParseSide(s string) Side {
	if strings.EqualFold(strings.TrimSpace(s), "BUY") {
		return Buy
	}
	return Sell
}

// TradeEvent is one executed trade as delivered by a feed. Delta is the
// event's already-signed contribution to cumulative volume delta and is
// trusted as given.
type TradeEvent struct {
	Side     Side
	Price    float64
	Quantity float64
	Delta    float64
}

// PriceLevel is a read-only copy of the aggregate kept for one bucketed price.
type PriceLevel struct {
	Price        float64   `json:"price"`
	BuyQty       float64   `json:"buy_qty"`
	SellQty      float64   `json:"sell_qty"`
	Vol          float64   `json:"vol"`
	DeltaHistory []float64 `json:"delta_history"`
}

// Delta is buy minus sell quantity at the level.
func (p PriceLevel) Delta() float64 { return p.BuyQty - p.SellQty }

// SpikeSide classifies a delta spike.
type SpikeSide string

const (
	SpikeNone SpikeSide = ""
	SpikeBuy  SpikeSide = "buy"
	SpikeSell SpikeSide = "sell"
)

// LadderRow is one footprint row as consumed by the ladder renderer.
type LadderRow struct {
	Price      float64   `json:"price"`
	BuyQty     float64   `json:"buy_qty"`
	SellQty    float64   `json:"sell_qty"`
	Delta      float64   `json:"delta"`
	Spike      SpikeSide `json:"spike,omitempty"`
	Absorption bool      `json:"absorption"`
	Live       bool      `json:"live"`
}

// HeatCell is the heatmap source value for one price.
type HeatCell struct {
	Price      float64 `json:"price"`
	DeltaRatio float64 `json:"delta_ratio"`
	VolumeGate float64 `json:"volume_gate"`
}

// Sample is one time-bucketed point of the price/CVD history.
type Sample struct {
	Time  time.Time `json:"time"`
	Price float64   `json:"price"`
	CVD   float64   `json:"cvd"`
}

// Stats are the running totals shown in the stats bar.
type Stats struct {
	TotalBuys  float64   `json:"total_buys"`
	TotalSells float64   `json:"total_sells"`
	NetDelta   float64   `json:"net_delta"`
	CVD        float64   `json:"cvd"`
	LastUpdate time.Time `json:"last_update"`
}

// TapeEntry is one accepted trade as shown on the scrolling tape.
type TapeEntry struct {
	Side     Side    `json:"side"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// BatchResult reports how many events of a batch were applied or skipped.
type BatchResult struct {
	Applied int
	Skipped int
}
