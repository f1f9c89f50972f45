package engine

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestDecodeBatch_NumbersAndStrings(t *testing.T) {
	got, err := DecodeBatch([]byte(`[
		{"side":"BUY","price":"100.5","quantity":"0.25","delta":"0.25"},
		{"side":"sell","price":99,"quantity":2,"delta":-2},
		{"side":"SELL","price":" 98.5 ","quantity":1}
	]`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}

	if got[0] != (TradeEvent{Side: Buy, Price: 100.5, Quantity: 0.25, Delta: 0.25}) {
		t.Errorf("event 0: %+v", got[0])
	}
	if got[1] != (TradeEvent{Side: Sell, Price: 99, Quantity: 2, Delta: -2}) {
		t.Errorf("event 1: %+v", got[1])
	}
	if got[2].Price != 98.5 || !math.IsNaN(got[2].Delta) {
		t.Errorf("event 2: expected price 98.5 and NaN delta, got %+v", got[2])
	}
}

func TestDecodeBatch_UnknownSideIsSell(t *testing.T) {
	got, err := DecodeBatch([]byte(`[{"side":"HOLD","price":1,"quantity":1,"delta":0},{"price":1,"quantity":1}]`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, ev := range got {
		if ev.Side != Sell {
			t.Errorf("event %d: expected SELL, got %s", i, ev.Side)
		}
	}
}

func TestDecodeBatch_BadRecordsBecomeInvalidEvents(t *testing.T) {
	got, err := DecodeBatch([]byte(`[1, "x", null, {"side":"BUY","price":"abc","quantity":1}, {"side":"BUY","price":true,"quantity":1}]`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 events, got %d", len(got))
	}

	e := newTestEngine(t, nil)
	res := e.ApplyBatch(got, t0)
	if res.Applied != 0 || res.Skipped != 5 {
		t.Fatalf("expected all records skipped, got %+v", res)
	}
	if e.LevelCount() != 0 {
		t.Fatalf("expected no levels, got %d", e.LevelCount())
	}
}

func TestDecodeBatch_MalformedEnvelope(t *testing.T) {
	for _, payload := range []string{
		``,
		`   `,
		`{"side":"BUY","price":1,"quantity":1}`,
		`null`,
		`[{"side":"BUY"`,
		`"[]"`,
	} {
		if _, err := DecodeBatch([]byte(payload)); !errors.Is(err, ErrMalformedBatch) {
			t.Errorf("payload %q: expected ErrMalformedBatch, got %v", payload, err)
		}
	}
}

func TestDecodeBatch_EmptyArray(t *testing.T) {
	got, err := DecodeBatch([]byte(`[]`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no events, got %d", len(got))
	}
}

func TestDecodeStamped_EventTimes(t *testing.T) {
	got, err := DecodeStamped([]byte(`[
		{"event_time":"2024-01-01T00:00:00","side":"BUY","price":1,"quantity":1},
		{"event_time":"2024-01-01T00:00:00.250000+00:00","side":"BUY","price":1,"quantity":1},
		{"event_time":"2024-01-01 02:00:00.5+02:00","side":"BUY","price":1,"quantity":1},
		{"event_time":1704067200,"side":"BUY","price":2,"quantity":1},
		{"event_time":"yesterday","side":"BUY","price":3,"quantity":1},
		{"side":"BUY","price":4,"quantity":1}
	]`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	want := []time.Time{
		base,
		base.Add(250 * time.Millisecond),
		base.Add(500 * time.Millisecond),
		{}, {}, {},
	}
	for i, w := range want {
		if !got[i].EventTime.Equal(w) {
			t.Errorf("record %d: expected %v, got %v", i, w, got[i].EventTime)
		}
	}
	// A bad timestamp never poisons the trade itself.
	if got[3].Event.Price != 2 || got[4].Event.Price != 3 {
		t.Errorf("expected trades kept despite bad times: %+v %+v", got[3].Event, got[4].Event)
	}
}
