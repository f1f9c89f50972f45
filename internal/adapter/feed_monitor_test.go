package adapter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/caesar-terminal/orderflow/internal/engine"
)

// fakeClock provides a controllable time source for tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (fc *fakeClock) Now() time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.now
}

func (fc *fakeClock) Advance(d time.Duration) {
	fc.mu.Lock()
	fc.now = fc.now.Add(d)
	fc.mu.Unlock()
}

// stubConn is a ConnWatcher with a settable state.
type stubConn struct {
	mu    sync.Mutex
	state ConnState
}

func (s *stubConn) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *stubConn) set(st ConnState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func newTestMonitor(clock *fakeClock) (*FeedMonitor, chan *engine.Snapshot) {
	feed := make(chan *engine.Snapshot, 8)
	fm := NewFeedMonitor(FeedMonitorConfig{StaleThreshold: time.Second}, feed, quietLogger())
	fm.nowFunc = clock.Now
	return fm, feed
}

func waitStatus(t *testing.T, fm *FeedMonitor, want FeedStatus) {
	t.Helper()
	deadline := time.After(time.Second)
	for fm.Status() != want {
		select {
		case <-deadline:
			t.Fatalf("expected status %s, got %s", want, fm.Status())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestFeedMonitor_Lifecycle(t *testing.T) {
	clock := newFakeClock(time.Now())
	fm, feed := newTestMonitor(clock)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go fm.Run(ctx)

	if fm.Status() != FeedWaiting {
		t.Fatalf("expected waiting before any data, got %s", fm.Status())
	}

	// A snapshot with no applied trades does not count as data.
	feed <- snapshotAfter(t)
	time.Sleep(30 * time.Millisecond)
	if fm.Status() != FeedWaiting {
		t.Fatalf("expected waiting after empty snapshot, got %s", fm.Status())
	}

	snap := snapshotAfter(t, []engine.TradeEvent{trade(engine.Buy, 100, 1)})
	feed <- snap
	waitStatus(t, fm, FeedLive)

	clock.Advance(1500 * time.Millisecond)
	if fm.Status() != FeedStale {
		t.Fatalf("expected stale after threshold, got %s", fm.Status())
	}

	// Republishing the same version does not refresh freshness.
	feed <- snap
	time.Sleep(30 * time.Millisecond)
	if fm.Status() != FeedStale {
		t.Fatalf("expected stale after duplicate version, got %s", fm.Status())
	}

	feed <- snapshotAfter(t, []engine.TradeEvent{trade(engine.Buy, 100, 1)}, []engine.TradeEvent{trade(engine.Sell, 100, 1)})
	waitStatus(t, fm, FeedLive)
}

func TestFeedMonitor_DisconnectedWins(t *testing.T) {
	clock := newFakeClock(time.Now())
	fm, feed := newTestMonitor(clock)
	conn := &stubConn{state: ConnUp}
	fm.Watch(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go fm.Run(ctx)

	feed <- snapshotAfter(t, []engine.TradeEvent{trade(engine.Buy, 100, 1)})
	waitStatus(t, fm, FeedLive)

	conn.set(ConnDown)
	if fm.Status() != FeedDisconnected {
		t.Fatalf("expected disconnected, got %s", fm.Status())
	}

	conn.set(ConnUp)
	if fm.Status() != FeedLive {
		t.Fatalf("expected live after reconnect, got %s", fm.Status())
	}
	if fm.LastData().IsZero() {
		t.Fatal("expected LastData to be set")
	}
}
