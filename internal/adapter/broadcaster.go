package adapter

import (
	"sync"

	"github.com/caesar-terminal/orderflow/internal/engine"
	"github.com/sirupsen/logrus"
)

// Broadcaster fans published snapshots out to any number of subscribers
// (websocket hub, Redis writer, feed monitor). Publish never blocks: a
// subscriber that has fallen behind has its oldest pending snapshot
// replaced, so every consumer converges on the latest state.
type Broadcaster struct {
	log *logrus.Entry

	mu     sync.RWMutex
	subs   map[int]chan *engine.Snapshot
	nextID int
	closed bool
}

// NewBroadcaster returns an empty hub.
func NewBroadcaster(logger *logrus.Logger) *Broadcaster {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Broadcaster{
		log:  logger.WithField("component", "broadcaster"),
		subs: make(map[int]chan *engine.Snapshot),
	}
}

// Subscribe registers a subscriber with the given buffer (minimum 1). The
// returned cancel func unregisters it and closes the channel.
func (b *Broadcaster) Subscribe(buf int) (<-chan *engine.Snapshot, func()) {
	if buf < 1 {
		buf = 1
	}
	ch := make(chan *engine.Snapshot, buf)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
			b.mu.Unlock()
		})
	}
}

// Publish delivers snap to every subscriber.
func (b *Broadcaster) Publish(snap *engine.Snapshot) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		// Full: drop the stalest pending snapshot and retry once.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
			b.log.WithField("subscriber", id).Debug("dropping snapshot for slow subscriber")
		}
	}
}

// Subscribers returns the number of registered subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later subscriptions receive an
// already-closed channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
