package adapter

import "github.com/caesar-terminal/orderflow/internal/engine"

// Exchange identifies where trade data comes from.
type Exchange string

const (
	// ExchangeOrderflow is an upstream orderflow relay that pushes JSON
	// arrays of trade rows over a websocket.
	ExchangeOrderflow Exchange = "orderflow"
	// ExchangeBinance is the Binance aggTrade stream.
	ExchangeBinance Exchange = "binance"
	// ExchangePostgres is the orderflow table polled directly.
	ExchangePostgres Exchange = "postgres"
)

// BatchSource is implemented by every trade feed. Each value received is one
// ordered batch; the channel is closed when the source stops.
type BatchSource interface {
	Batches() <-chan []engine.TradeEvent
}
