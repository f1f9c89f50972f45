// Package orderflow consumes an upstream orderflow relay. The relay pushes
// JSON arrays of trade rows, one array per poll, over
// /ws/orderflow/{symbol}?token=.
package orderflow

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/caesar-terminal/orderflow/internal/adapter"
	"github.com/caesar-terminal/orderflow/internal/engine"
	"github.com/sirupsen/logrus"
)

// StreamURL builds the relay stream address for symbol under base, which may
// be ws:// or wss:// with an optional path prefix. The symbol is lowercased
// the way the relay stores it.
func StreamURL(base, symbol, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("relay url must be ws or wss, got %q", u.Scheme)
	}
	if symbol == "" {
		return "", fmt.Errorf("relay symbol is empty")
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/orderflow/" + url.PathEscape(strings.ToLower(symbol))
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Adapter turns relay messages into engine batches.
type Adapter struct {
	sub     <-chan []byte
	batches chan []engine.TradeEvent
	log     *logrus.Entry
	replays *replayFilter

	decodeErrors atomic.Int64
	replayed     atomic.Int64
}

// New creates an Adapter reading from ws. Create it before ws.Connect so the
// first message is not missed.
func New(ws *adapter.WSClient, logger *logrus.Logger) *Adapter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Adapter{
		sub:     ws.Subscribe(),
		batches: make(chan []engine.TradeEvent, 64),
		log:     logger.WithFields(logrus.Fields{"component": "adapter", "exchange": adapter.ExchangeOrderflow}),
		replays: newReplayFilter(),
	}
}

// Batches implements adapter.BatchSource.
func (a *Adapter) Batches() <-chan []engine.TradeEvent {
	return a.batches
}

// DecodeErrors counts messages rejected as malformed batches.
func (a *Adapter) DecodeErrors() int64 {
	return a.decodeErrors.Load()
}

// Replayed counts rows dropped because the relay had already delivered them.
func (a *Adapter) Replayed() int64 {
	return a.replayed.Load()
}

// Run decodes messages until ctx ends or the client closes, then closes
// Batches. Batches are handed on in order and never dropped; a slow engine
// applies backpressure to the websocket subscription instead.
func (a *Adapter) Run(ctx context.Context) {
	defer close(a.batches)
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-a.sub:
			if !ok {
				return
			}
			rows, err := engine.DecodeStamped(raw)
			if err != nil {
				a.decodeErrors.Add(1)
				a.log.WithError(err).WithField("bytes", len(raw)).Error("rejecting relay message")
				continue
			}
			batch, dropped := a.replays.filter(rows)
			if dropped > 0 {
				a.replayed.Add(int64(dropped))
				a.log.WithField("rows", dropped).Debug("dropped replayed rows")
			}
			if len(batch) == 0 {
				continue
			}
			select {
			case a.batches <- batch:
			case <-ctx.Done():
				return
			}
		}
	}
}
