// Package pipeline drives one engine from its trade sources to its readers.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caesar-terminal/orderflow/internal/adapter"
	"github.com/caesar-terminal/orderflow/internal/engine"
	"github.com/sirupsen/logrus"
)

// Publisher receives every rendered snapshot. adapter.Broadcaster satisfies
// it.
type Publisher interface {
	Publish(*engine.Snapshot)
}

// Config holds tunables for a Runner.
type Config struct {
	// FrameInterval is the render quantum. At most one snapshot is
	// published per interval, and only if a batch changed state.
	FrameInterval time.Duration
}

// DefaultConfig renders at roughly display refresh rate.
func DefaultConfig() Config {
	return Config{FrameInterval: 16 * time.Millisecond}
}

type namedSource struct {
	name string
	src  adapter.BatchSource
}

// Runner owns an engine. Sources are merged into a single ordered stream and
// applied one batch at a time on the Run goroutine; readers only ever see
// published snapshots.
type Runner struct {
	cfg   Config
	eng   *engine.Engine
	pub   Publisher
	sched *Scheduler
	log   *logrus.Entry

	sources []namedSource
	latest  atomic.Pointer[engine.Snapshot]

	applied atomic.Int64
	skipped atomic.Int64
	batches atomic.Int64

	nowFunc func() time.Time // injectable clock for testing
	frames  <-chan time.Time // overrides the frame ticker in tests
}

// NewRunner wires eng to pub. pub may be nil when only Latest is read.
func NewRunner(cfg Config, eng *engine.Engine, pub Publisher, logger *logrus.Logger) *Runner {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = DefaultConfig().FrameInterval
	}
	r := &Runner{
		cfg:     cfg,
		eng:     eng,
		pub:     pub,
		sched:   NewScheduler(),
		log:     logger.WithField("component", "runner"),
		nowFunc: time.Now,
	}
	r.latest.Store(eng.Snapshot())
	return r
}

// AddSource registers a trade source. Must be called before Run.
func (r *Runner) AddSource(name string, src adapter.BatchSource) {
	r.sources = append(r.sources, namedSource{name: name, src: src})
}

// Latest returns the most recently published snapshot. It is never nil.
func (r *Runner) Latest() *engine.Snapshot {
	return r.latest.Load()
}

// Counters reports how many batches were applied and how many events were
// applied or skipped in total.
func (r *Runner) Counters() (batches, applied, skipped int64) {
	return r.batches.Load(), r.applied.Load(), r.skipped.Load()
}

type sourcedBatch struct {
	source string
	events []engine.TradeEvent
}

// Run applies batches and publishes coalesced snapshots until ctx ends.
// Sources closing does not stop the runner; accumulated state stays
// readable.
func (r *Runner) Run(ctx context.Context) error {
	in := make(chan sourcedBatch)
	var wg sync.WaitGroup
	for _, s := range r.sources {
		wg.Add(1)
		go func(s namedSource) {
			defer wg.Done()
			r.forward(ctx, s, in)
		}(s)
	}
	defer wg.Wait()

	frames := r.frames
	if frames == nil {
		ticker := time.NewTicker(r.cfg.FrameInterval)
		defer ticker.Stop()
		frames = ticker.C
	}

	r.log.WithField("sources", len(r.sources)).Info("runner started")
	for {
		select {
		case <-ctx.Done():
			r.log.Info("runner stopped")
			return nil
		case b := <-in:
			r.apply(b)
		case <-frames:
			if r.sched.Take() {
				r.render()
			}
		}
	}
}

func (r *Runner) forward(ctx context.Context, s namedSource, in chan<- sourcedBatch) {
	log := r.log.WithField("source", s.name)
	for {
		select {
		case <-ctx.Done():
			return
		case events, ok := <-s.src.Batches():
			if !ok {
				log.Warn("source closed")
				return
			}
			select {
			case in <- sourcedBatch{source: s.name, events: events}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (r *Runner) apply(b sourcedBatch) {
	res := r.eng.ApplyBatch(b.events, r.nowFunc())
	r.batches.Add(1)
	r.applied.Add(int64(res.Applied))
	r.skipped.Add(int64(res.Skipped))

	if res.Skipped > 0 {
		r.log.WithFields(logrus.Fields{
			"source":  b.source,
			"skipped": res.Skipped,
			"applied": res.Applied,
		}).Debug("skipped malformed trades")
	}
	if res.Applied > 0 {
		r.sched.Schedule()
	}
}

func (r *Runner) render() {
	snap := r.eng.Snapshot()
	r.latest.Store(snap)
	if r.pub != nil {
		r.pub.Publish(snap)
	}
}
