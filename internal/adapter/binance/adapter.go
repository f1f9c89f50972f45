// Package binance reads the Binance aggregated trade stream.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/caesar-terminal/orderflow/internal/adapter"
	"github.com/caesar-terminal/orderflow/internal/engine"
	"github.com/sirupsen/logrus"
)

// DefaultBaseURL is the public market data endpoint.
const DefaultBaseURL = "wss://stream.binance.com:9443"

// maxBatch bounds how many queued trades are folded into one batch.
const maxBatch = 256

// StreamURL returns the combined-stream address subscribing to symbol's
// aggTrade stream. Subscribing through the URL survives reconnects without
// resending a SUBSCRIBE frame.
func StreamURL(base, symbol string) (string, error) {
	if base == "" {
		base = DefaultBaseURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse binance url: %w", err)
	}
	if symbol == "" {
		return "", fmt.Errorf("binance symbol is empty")
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/stream"
	u.RawQuery = "streams=" + strings.ToLower(symbol) + "@aggTrade"
	return u.String(), nil
}

// rawEnvelope wraps every combined-stream message.
type rawEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// rawAggTrade is the aggTrade payload as received over the wire.
type rawAggTrade struct {
	EventType    string `json:"e"`
	Symbol       string `json:"s"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	BuyerIsMaker bool   `json:"m"`
}

// Adapter normalises aggTrade events into engine batches.
type Adapter struct {
	sub     <-chan []byte
	batches chan []engine.TradeEvent
	log     *logrus.Entry
}

// New creates an Adapter reading from ws. Create it before ws.Connect.
func New(ws *adapter.WSClient, logger *logrus.Logger) *Adapter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Adapter{
		sub:     ws.Subscribe(),
		batches: make(chan []engine.TradeEvent, 64),
		log:     logger.WithFields(logrus.Fields{"component": "adapter", "exchange": adapter.ExchangeBinance}),
	}
}

// Batches implements adapter.BatchSource.
func (a *Adapter) Batches() <-chan []engine.TradeEvent {
	return a.batches
}

// Run parses messages until ctx ends or the client closes. Trades already
// queued behind the first one are folded into the same batch.
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
			batch := a.appendTrade(nil, raw)
			open := a.drain(&batch)
			if len(batch) > 0 {
				select {
				case a.batches <- batch:
				case <-ctx.Done():
					return
				}
			}
			if !open {
				return
			}
		}
	}
}

// drain appends whatever is already waiting on the subscription. It reports
// false once the subscription is closed.
func (a *Adapter) drain(batch *[]engine.TradeEvent) bool {
	for len(*batch) < maxBatch {
		select {
		case raw, ok := <-a.sub:
			if !ok {
				return false
			}
			*batch = a.appendTrade(*batch, raw)
		default:
			return true
		}
	}
	return true
}

func (a *Adapter) appendTrade(batch []engine.TradeEvent, raw []byte) []engine.TradeEvent {
	ev, ok, err := parseAggTrade(raw)
	if err != nil {
		a.log.WithError(err).Warn("invalid message")
		return batch
	}
	if !ok {
		return batch
	}
	return append(batch, ev)
}

// parseAggTrade accepts a bare aggTrade payload or one wrapped in a
// combined-stream envelope. ok is false for other event types.
func parseAggTrade(raw []byte) (engine.TradeEvent, bool, error) {
	var env rawEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return engine.TradeEvent{}, false, fmt.Errorf("decode message: %w", err)
	}
	payload := raw
	if len(env.Data) > 0 {
		payload = env.Data
	}

	var tr rawAggTrade
	if err := json.Unmarshal(payload, &tr); err != nil {
		return engine.TradeEvent{}, false, fmt.Errorf("decode aggTrade: %w", err)
	}
	if tr.EventType != "aggTrade" {
		return engine.TradeEvent{}, false, nil
	}

	price, err := strconv.ParseFloat(tr.Price, 64)
	if err != nil {
		return engine.TradeEvent{}, false, fmt.Errorf("price %q: %w", tr.Price, err)
	}
	qty, err := strconv.ParseFloat(tr.Quantity, 64)
	if err != nil {
		return engine.TradeEvent{}, false, fmt.Errorf("quantity %q: %w", tr.Quantity, err)
	}

	// A maker buyer means the seller crossed the spread.
	ev := engine.TradeEvent{Side: engine.Buy, Price: price, Quantity: qty, Delta: qty}
	if tr.BuyerIsMaker {
		ev.Side = engine.Sell
		ev.Delta = -qty
	}
	return ev, true, nil
}
