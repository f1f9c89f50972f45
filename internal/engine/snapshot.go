package engine

import (
	"math"
	"time"
)

// Snapshot is an immutable copy of engine state taken between batches. It is
// safe to share across goroutines.
type Snapshot struct {
	version      uint64
	hasPrice     bool
	lastPrice    float64
	lastBucket   float64
	stableTicks  int
	depth        int
	smoothWindow int
	rows         []LadderRow
	stats        Stats
	samples      []Sample
	tape         []TapeEntry
}

// Version is the engine version the snapshot was taken at.
func (s *Snapshot) Version() uint64 { return s.version }

// LastPrice returns the last raw trade price and its bucket. ok is false
// before the first trade.
func (s *Snapshot) LastPrice() (raw, bucket float64, ok bool) {
	return s.lastPrice, s.lastBucket, s.hasPrice
}

func (s *Snapshot) StableTicks() int { return s.stableTicks }

// Depth is the configured number of ladder levels on each side.
func (s *Snapshot) Depth() int { return s.depth }

// Ladder returns 2*levels+1 rows centred on the last traded bucket, highest
// price first. levels is clamped to [0, Depth]. It is nil before the first
// trade.
func (s *Snapshot) Ladder(levels int) []LadderRow {
	lo, hi := s.span(levels)
	if lo == hi {
		return nil
	}
	out := make([]LadderRow, hi-lo)
	copy(out, s.rows[lo:hi])
	return out
}

// Heatmap returns the delta dominance of each ladder row. VolumeGate is the
// row's traded quantity relative to the busiest row in the same window.
func (s *Snapshot) Heatmap(levels int) []HeatCell {
	lo, hi := s.span(levels)
	if lo == hi {
		return nil
	}
	rows := s.rows[lo:hi]

	var maxTotal float64
	for _, r := range rows {
		maxTotal = math.Max(maxTotal, r.BuyQty+r.SellQty)
	}

	out := make([]HeatCell, len(rows))
	for i, r := range rows {
		total := r.BuyQty + r.SellQty
		c := HeatCell{Price: r.Price}
		if total > 0 {
			c.DeltaRatio = r.Delta / total
		}
		if maxTotal > 0 {
			c.VolumeGate = total / maxTotal
		}
		out[i] = c
	}
	return out
}

// span maps a requested level count to a row range of the materialised
// window.
func (s *Snapshot) span(levels int) (int, int) {
	if len(s.rows) == 0 {
		return 0, 0
	}
	if levels < 0 {
		levels = 0
	}
	if levels > s.depth {
		levels = s.depth
	}
	return s.depth - levels, s.depth + levels + 1
}

// Series returns the retained samples oldest first.
func (s *Snapshot) Series() []Sample {
	out := make([]Sample, len(s.samples))
	copy(out, s.samples)
	return out
}

// SmoothedSeries applies a trailing moving average of width w. A w of zero
// uses the configured smoothing window.
func (s *Snapshot) SmoothedSeries(w int) []Sample {
	if w == 0 {
		w = s.smoothWindow
	}
	return Smooth(s.samples, w)
}

func (s *Snapshot) Stats() Stats { return s.stats }

// Tape returns the most recent accepted trades, newest first.
func (s *Snapshot) Tape() []TapeEntry {
	out := make([]TapeEntry, len(s.tape))
	copy(out, s.tape)
	return out
}

// LastUpdate is the processing time of the last accepted trade.
func (s *Snapshot) LastUpdate() time.Time { return s.stats.LastUpdate }
