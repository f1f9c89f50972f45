package server

import (
	"encoding/json"
	"time"

	"github.com/caesar-terminal/orderflow/internal/engine"
)

// Frame is the JSON document pushed to render clients for every published
// snapshot, and served piecewise by the HTTP API.
type Frame struct {
	Type        string             `json:"type"`
	Symbol      string             `json:"symbol"`
	Version     uint64             `json:"version"`
	Price       *float64           `json:"price,omitempty"`
	Bucket      *float64           `json:"bucket,omitempty"`
	StableTicks int                `json:"stable_ticks"`
	Stats       engine.Stats       `json:"stats"`
	Ladder      []engine.LadderRow `json:"ladder"`
	Heatmap     []engine.HeatCell  `json:"heatmap"`
	Series      []engine.Sample    `json:"series"`
	Tape        []engine.TapeEntry `json:"tape"`
	SentAt      time.Time          `json:"sent_at"`
}

// NewFrame renders snap at its full ladder depth with the configured
// smoothing window.
func NewFrame(symbol string, snap *engine.Snapshot, now time.Time) Frame {
	f := Frame{
		Type:        "snapshot",
		Symbol:      symbol,
		Version:     snap.Version(),
		StableTicks: snap.StableTicks(),
		Stats:       snap.Stats(),
		Ladder:      snap.Ladder(snap.Depth()),
		Heatmap:     snap.Heatmap(snap.Depth()),
		Series:      snap.SmoothedSeries(0),
		Tape:        snap.Tape(),
		SentAt:      now.UTC(),
	}
	if raw, bucket, ok := snap.LastPrice(); ok {
		f.Price = &raw
		f.Bucket = &bucket
	}
	return f
}

// Encode marshals the frame once so it can be shared by every client.
func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}
