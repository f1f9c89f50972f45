// Package engine aggregates a stream of executed trades for one instrument
// into a price-bucketed footprint, a cumulative volume delta series and the
// signal flags rendered alongside them.
//
// An Engine is owned by a single goroutine. Batches are applied to
// completion one at a time; readers consume immutable Snapshots.
package engine

import (
	"math"
	"time"
)

// Engine is the per-instrument aggregation state.
type Engine struct {
	cfg      Config
	store    *levelStore
	detector Detector
	series   *sampler
	tape     *ring[TapeEntry]

	hasLast      bool
	lastIdx      int64
	lastPriceRaw float64
	stableTicks  int

	cvd        float64
	totalBuys  float64
	totalSells float64
	lastUpdate time.Time

	version uint64
}

// New validates cfg and returns an empty engine.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:      cfg,
		store:    newLevelStore(cfg.TickSize, cfg.HistoryLen),
		detector: NewDetector(cfg),
		series:   newSampler(cfg),
		tape:     newRing[TapeEntry](cfg.TapeSize),
	}, nil
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() Config { return e.cfg }

// ApplyBatch applies events in order. Events with a non-finite price, a
// non-finite or negative quantity, or a price beyond the tick grid are
// skipped individually; the rest of the batch still applies. Negative prices
// are valid. All events share now as their processing time.
func (e *Engine) ApplyBatch(batch []TradeEvent, now time.Time) BatchResult {
	var res BatchResult
	for _, ev := range batch {
		if !e.apply(ev, now) {
			res.Skipped++
			continue
		}
		res.Applied++
	}
	if res.Applied > 0 {
		e.version++
	}
	return res
}

func (e *Engine) apply(ev TradeEvent, now time.Time) bool {
	if !finite(ev.Price) || !finite(ev.Quantity) || ev.Quantity < 0 {
		return false
	}
	if !onGrid(ev.Price, e.cfg.TickSize) {
		return false
	}

	idx := tickIndex(ev.Price, e.cfg.TickSize)
	e.store.ensure(idx)

	if e.hasLast && ev.Price == e.lastPriceRaw {
		e.stableTicks++
	} else {
		e.stableTicks = 0
	}

	e.hasLast = true
	e.lastPriceRaw = ev.Price
	e.lastIdx = idx
	e.lastUpdate = now

	e.store.applyTrade(idx, ev.Side, ev.Quantity)
	if ev.Side == Buy {
		e.totalBuys += ev.Quantity
	} else {
		e.totalSells += ev.Quantity
	}

	if finite(ev.Delta) {
		e.cvd += ev.Delta
	}

	e.series.observe(now, e.lastPriceRaw, e.cvd)
	e.tape.PushKick(TapeEntry{Side: ev.Side, Price: ev.Price, Quantity: ev.Quantity})

	if e.cfg.MaxLevels > 0 {
		e.store.evict(idx, e.cfg.LadderLevels, e.cfg.MaxLevels)
	}
	return true
}

// LadderWindow returns the bucketed prices of the ladder centred on the last
// traded bucket, top-down, creating empty levels for unvisited slots. It
// returns nil before the first trade.
func (e *Engine) LadderWindow(levels int) []float64 {
	if !e.hasLast {
		return nil
	}
	idxs := e.store.window(e.lastIdx, levels)
	out := make([]float64, len(idxs))
	for i, idx := range idxs {
		out[i] = e.store.price(idx)
	}
	return out
}

// Level returns a copy of the level price buckets to, if it exists.
func (e *Engine) Level(price float64) (PriceLevel, bool) {
	if !finite(price) || !onGrid(price, e.cfg.TickSize) {
		return PriceLevel{}, false
	}
	return e.store.snapshot(tickIndex(price, e.cfg.TickSize))
}

// LevelCount is the number of materialised levels.
func (e *Engine) LevelCount() int { return len(e.store.levels) }

// StableTicks is the number of consecutive trades at an unchanged raw price.
func (e *Engine) StableTicks() int { return e.stableTicks }

// LastPrice returns the last raw trade price and its bucket.
func (e *Engine) LastPrice() (raw, bucket float64, ok bool) {
	if !e.hasLast {
		return 0, 0, false
	}
	return e.lastPriceRaw, e.store.price(e.lastIdx), true
}

// Stats returns the running totals.
func (e *Engine) Stats() Stats {
	return Stats{
		TotalBuys:  e.totalBuys,
		TotalSells: e.totalSells,
		NetDelta:   e.totalBuys - e.totalSells,
		CVD:        e.cvd,
		LastUpdate: e.lastUpdate,
	}
}

// Samples copies the retained price/CVD history, oldest first.
func (e *Engine) Samples() []Sample { return e.series.copySamples() }

// Version increments once per batch that applied at least one event.
func (e *Engine) Version() uint64 { return e.version }

// Snapshot materialises the configured ladder window and copies everything a
// renderer needs into an immutable value.
func (e *Engine) Snapshot() *Snapshot {
	s := &Snapshot{
		version:      e.version,
		depth:        e.cfg.LadderLevels,
		smoothWindow: e.cfg.SmoothWindow,
		stats:        e.Stats(),
		samples:      e.series.copySamples(),
		tape:         e.tape.Reversed(),
		stableTicks:  e.stableTicks,
	}
	if !e.hasLast {
		return s
	}

	s.hasPrice = true
	s.lastPrice = e.lastPriceRaw
	s.lastBucket = e.store.price(e.lastIdx)

	idxs := e.store.window(e.lastIdx, e.cfg.LadderLevels)
	s.rows = make([]LadderRow, len(idxs))
	for i, idx := range idxs {
		l := e.store.levels[idx]
		live := idx == e.lastIdx
		s.rows[i] = LadderRow{
			Price:      e.store.price(idx),
			BuyQty:     l.buyQty,
			SellQty:    l.sellQty,
			Delta:      l.delta(),
			Spike:      e.detector.spikeAt(l),
			Absorption: e.detector.Absorption(l.vol, live, e.stableTicks),
			Live:       live,
		}
	}
	if e.cfg.MaxLevels > 0 {
		e.store.evict(e.lastIdx, e.cfg.LadderLevels, e.cfg.MaxLevels)
	}
	return s
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
