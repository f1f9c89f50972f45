package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/caesar-terminal/orderflow/internal/engine"
	"github.com/sirupsen/logrus"
)

// FeedStatus summarises the health of the trade feed.
type FeedStatus string

const (
	FeedWaiting      FeedStatus = "waiting"      // no trade seen yet
	FeedLive         FeedStatus = "live"         // trades arriving
	FeedStale        FeedStatus = "stale"        // connected but quiet past the threshold
	FeedDisconnected FeedStatus = "disconnected" // upstream connection is down
)

// ConnWatcher is implemented by transports that expose connection state.
type ConnWatcher interface {
	State() ConnState
}

// FeedMonitorConfig holds tunables for FeedMonitor.
type FeedMonitorConfig struct {
	// StaleThreshold is how long the engine may go without a new version
	// before the feed is reported stale.
	StaleThreshold time.Duration
}

// DefaultFeedMonitorConfig returns production defaults.
func DefaultFeedMonitorConfig() FeedMonitorConfig {
	return FeedMonitorConfig{StaleThreshold: 10 * time.Second}
}

// FeedMonitor derives feed health from published snapshots and, when the
// transport has one, its connection state.
type FeedMonitor struct {
	cfg  FeedMonitorConfig
	feed <-chan *engine.Snapshot
	log  *logrus.Entry

	mu          sync.RWMutex
	conn        ConnWatcher
	lastVersion uint64
	lastData    time.Time
	reported    FeedStatus

	nowFunc func() time.Time // injectable clock for testing
}

// NewFeedMonitor creates a monitor fed by a Broadcaster subscription.
func NewFeedMonitor(cfg FeedMonitorConfig, feed <-chan *engine.Snapshot, logger *logrus.Logger) *FeedMonitor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &FeedMonitor{
		cfg:      cfg,
		feed:     feed,
		log:      logger.WithField("component", "feed_monitor"),
		reported: FeedWaiting,
		nowFunc:  time.Now,
	}
}

// Watch registers the transport whose connection state is reported.
func (fm *FeedMonitor) Watch(conn ConnWatcher) {
	fm.mu.Lock()
	fm.conn = conn
	fm.mu.Unlock()
}

// Status evaluates the feed now. A down connection wins over staleness.
func (fm *FeedMonitor) Status() FeedStatus {
	fm.mu.RLock()
	conn := fm.conn
	last := fm.lastData
	fm.mu.RUnlock()

	if conn != nil && conn.State() == ConnDown {
		return FeedDisconnected
	}
	if last.IsZero() {
		return FeedWaiting
	}
	if fm.nowFunc().Sub(last) > fm.cfg.StaleThreshold {
		return FeedStale
	}
	return FeedLive
}

// LastData is when a new engine version was last observed.
func (fm *FeedMonitor) LastData() time.Time {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	return fm.lastData
}

// Run consumes snapshots until ctx ends, logging status transitions on
// every snapshot and on a periodic check.
func (fm *FeedMonitor) Run(ctx context.Context) {
	interval := fm.cfg.StaleThreshold / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-fm.feed:
			if !ok {
				return
			}
			fm.record(snap)
			fm.report()
		case <-ticker.C:
			fm.report()
		}
	}
}

func (fm *FeedMonitor) record(snap *engine.Snapshot) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if snap.Version() == 0 || snap.Version() == fm.lastVersion {
		return
	}
	fm.lastVersion = snap.Version()
	fm.lastData = fm.nowFunc()
}

func (fm *FeedMonitor) report() {
	status := fm.Status()

	fm.mu.Lock()
	prev := fm.reported
	fm.reported = status
	fm.mu.Unlock()

	if status == prev {
		return
	}
	entry := fm.log.WithFields(logrus.Fields{"from": prev, "to": status})
	if status == FeedLive {
		entry.Info("feed status changed")
		return
	}
	entry.Warn("feed status changed")
}
