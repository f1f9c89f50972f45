package postgres

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/caesar-terminal/orderflow/internal/engine"
	"github.com/sirupsen/logrus"
)

// TradeReader is satisfied by TradeStore.
type TradeReader interface {
	TradesSince(ctx context.Context, coin string, since time.Time, limit int) ([]TradeRow, error)
	TradesAt(ctx context.Context, coin string, at time.Time) ([]TradeRow, error)
}

// PollerConfig holds tunables for a Poller.
type PollerConfig struct {
	Coin     string
	Interval time.Duration
	// Lookback positions the initial cursor in the past so a fresh start
	// has recent context.
	Lookback time.Duration
	// Limit caps rows per poll; the cursor catches up over later polls.
	// A full page may run past Limit so rows sharing the final timestamp
	// are delivered together.
	Limit int
}

// DefaultPollerConfig matches the relay's polling cadence.
func DefaultPollerConfig(coin string) PollerConfig {
	return PollerConfig{
		Coin:     coin,
		Interval: 200 * time.Millisecond,
		Lookback: 30 * time.Second,
		Limit:    5000,
	}
}

// Poller turns new orderflow rows into engine batches, one batch per
// non-empty poll. It implements adapter.BatchSource.
type Poller struct {
	cfg     PollerConfig
	reader  TradeReader
	batches chan []engine.TradeEvent
	log     *logrus.Entry

	cursor  time.Time
	nowFunc func() time.Time
}

// NewPoller creates a poller. The coin is lowercased the way ingest stores
// it.
func NewPoller(cfg PollerConfig, reader TradeReader, logger *logrus.Logger) *Poller {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	cfg.Coin = strings.ToLower(cfg.Coin)
	return &Poller{
		cfg:     cfg,
		reader:  reader,
		batches: make(chan []engine.TradeEvent, 16),
		log:     logger.WithFields(logrus.Fields{"component": "poller", "coin": cfg.Coin}),
		nowFunc: time.Now,
	}
}

func (p *Poller) Batches() <-chan []engine.TradeEvent {
	return p.batches
}

// Run polls until ctx ends, then closes Batches. Query errors are logged
// and retried on the next tick.
func (p *Poller) Run(ctx context.Context) {
	defer close(p.batches)
	p.cursor = p.nowFunc().Add(-p.cfg.Lookback).UTC()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		if !p.poll(ctx) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll fetches and forwards one batch. It returns false once ctx is done.
func (p *Poller) poll(ctx context.Context) bool {
	rows, err := p.reader.TradesSince(ctx, p.cfg.Coin, p.cursor, p.cfg.Limit)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		p.log.WithError(err).Warn("poll failed")
		return true
	}
	if len(rows) == 0 {
		return true
	}
	if p.cfg.Limit > 0 && len(rows) >= p.cfg.Limit {
		if rows, err = p.completeTail(ctx, rows); err != nil {
			if ctx.Err() != nil {
				return false
			}
			p.log.WithError(err).Warn("poll failed")
			return true
		}
		if len(rows) == 0 {
			return true
		}
	}

	last := rows[len(rows)-1].EventTime
	if last.IsZero() {
		last = p.nowFunc()
	}
	p.cursor = last

	select {
	case p.batches <- toEvents(rows):
		return true
	case <-ctx.Done():
		return false
	}
}

// completeTail replaces the rows stamped with a full page's final
// timestamp by every row at that timestamp. The cursor is strict, so a tie
// cut by the limit would otherwise never be read.
func (p *Poller) completeTail(ctx context.Context, rows []TradeRow) ([]TradeRow, error) {
	last := rows[len(rows)-1].EventTime
	cut := len(rows)
	for cut > 0 && rows[cut-1].EventTime.Equal(last) {
		cut--
	}
	tail, err := p.reader.TradesAt(ctx, p.cfg.Coin, last)
	if err != nil {
		return nil, err
	}
	if len(tail) > len(rows)-cut {
		p.log.WithFields(logrus.Fields{
			"event_time": last,
			"rows":       len(tail),
		}).Debug("page boundary split a timestamp")
	}
	return append(rows[:cut:cut], tail...), nil
}

func toEvents(rows []TradeRow) []engine.TradeEvent {
	out := make([]engine.TradeEvent, len(rows))
	for i, r := range rows {
		delta := math.NaN()
		if r.Delta != nil {
			delta = *r.Delta
		}
		out[i] = engine.TradeEvent{
			Side:     engine.ParseSide(r.Side),
			Price:    r.Price,
			Quantity: r.Quantity,
			Delta:    delta,
		}
	}
	return out
}
