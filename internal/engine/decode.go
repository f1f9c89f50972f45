package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// wireTrade is one record of an inbound batch. Numeric fields accept either
// a JSON number or a numeric string.
type wireTrade struct {
	EventTime flexTime  `json:"event_time"`
	Side      string    `json:"side"`
	Price     flexFloat `json:"price"`
	Quantity  flexFloat `json:"quantity"`
	Delta     flexFloat `json:"delta"`
}

// StampedTrade is a decoded record with the upstream event time. EventTime
// is zero when the record carries none or it does not parse.
type StampedTrade struct {
	EventTime time.Time
	Event     TradeEvent
}

// eventTimeLayouts covers RFC 3339 and the zone-less ISO form the relay
// emits for naive timestamps, which are taken as UTC.
var eventTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// flexTime decodes an event time string. Anything else leaves it zero.
type flexTime time.Time

func (f *flexTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexTime(parseEventTime(s))
	}
	return nil
}

func parseEventTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range eventTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// flexFloat decodes a number or a numeric string. Anything else leaves NaN.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	*f = flexFloat(parseFlex(b))
	return nil
}

func parseFlex(b []byte) float64 {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return math.NaN()
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return math.NaN()
		}
		b = []byte(strings.TrimSpace(s))
	}
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

// DecodeBatch parses a JSON array of trade records. A payload that is not an
// array fails with ErrMalformedBatch. Individual bad records decode to events
// with a NaN price so that ApplyBatch skips them.
func DecodeBatch(data []byte) ([]TradeEvent, error) {
	stamped, err := DecodeStamped(data)
	if err != nil {
		return nil, err
	}
	out := make([]TradeEvent, len(stamped))
	for i, st := range stamped {
		out[i] = st.Event
	}
	return out, nil
}

// DecodeStamped is DecodeBatch keeping each record's event time.
func DecodeStamped(data []byte) ([]StampedTrade, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, fmt.Errorf("%w: payload is not a JSON array", ErrMalformedBatch)
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBatch, err)
	}

	out := make([]StampedTrade, 0, len(raw))
	for _, r := range raw {
		out = append(out, decodeTrade(r))
	}
	return out, nil
}

func decodeTrade(r json.RawMessage) StampedTrade {
	w := wireTrade{
		Price:    flexFloat(math.NaN()),
		Quantity: flexFloat(math.NaN()),
		Delta:    flexFloat(math.NaN()),
	}
	if err := json.Unmarshal(r, &w); err != nil {
		return StampedTrade{Event: TradeEvent{Side: Sell, Price: math.NaN(), Quantity: math.NaN(), Delta: math.NaN()}}
	}
	return StampedTrade{
		EventTime: time.Time(w.EventTime),
		Event: TradeEvent{
			Side:     ParseSide(w.Side),
			Price:    float64(w.Price),
			Quantity: float64(w.Quantity),
			Delta:    float64(w.Delta),
		},
	}
}
