package orderflow

import (
	"testing"
	"time"

	"github.com/caesar-terminal/orderflow/internal/engine"
)

var replayBase = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func stamped(sec int, side engine.Side, price, qty float64) engine.StampedTrade {
	delta := qty
	if side == engine.Sell {
		delta = -qty
	}
	var ts time.Time
	if sec >= 0 {
		ts = replayBase.Add(time.Duration(sec) * time.Second)
	}
	return engine.StampedTrade{
		EventTime: ts,
		Event:     engine.TradeEvent{Side: side, Price: price, Quantity: qty, Delta: delta},
	}
}

func TestReplayFilter_DropsBufferReplay(t *testing.T) {
	f := newReplayFilter()

	first := []engine.StampedTrade{
		stamped(0, engine.Buy, 100, 1),
		stamped(1, engine.Sell, 100.5, 2),
		stamped(1, engine.Sell, 100.5, 2), // two identical trades at one timestamp
	}
	out, dropped := f.filter(first)
	if len(out) != 3 || dropped != 0 {
		t.Fatalf("first delivery: expected 3 kept, got %d kept %d dropped", len(out), dropped)
	}

	// Reconnect: the relay replays its buffer, then new rows follow.
	replay := append(append([]engine.StampedTrade(nil), first...), stamped(2, engine.Buy, 101, 0.5))
	out, dropped = f.filter(replay)
	if dropped != 3 {
		t.Fatalf("expected 3 replayed rows dropped, got %d", dropped)
	}
	if len(out) != 1 || out[0].Price != 101 {
		t.Fatalf("expected only the new row, got %+v", out)
	}

	// A second reconnect replays everything again.
	out, dropped = f.filter(replay)
	if len(out) != 0 || dropped != 4 {
		t.Fatalf("expected full replay dropped, got %d kept %d dropped", len(out), dropped)
	}
}

func TestReplayFilter_KeepsNewTradesAtMark(t *testing.T) {
	f := newReplayFilter()
	f.filter([]engine.StampedTrade{stamped(5, engine.Buy, 100, 1)})

	// The buffer held one row at the mark; the replay carries it plus a
	// distinct trade and a second identical copy at the same timestamp.
	out, dropped := f.filter([]engine.StampedTrade{
		stamped(5, engine.Buy, 100, 1),
		stamped(5, engine.Sell, 100, 3),
		stamped(5, engine.Buy, 100, 1),
	})
	if dropped != 1 || len(out) != 2 {
		t.Fatalf("expected 1 dropped 2 kept, got %d dropped %d kept", dropped, len(out))
	}
	if out[0].Side != engine.Sell || out[1].Side != engine.Buy {
		t.Fatalf("unexpected kept rows %+v", out)
	}
}

func TestReplayFilter_UnstampedRowsPass(t *testing.T) {
	f := newReplayFilter()
	rows := []engine.StampedTrade{stamped(-1, engine.Buy, 100, 1)}
	for i := 0; i < 2; i++ {
		if out, dropped := f.filter(rows); len(out) != 1 || dropped != 0 {
			t.Fatalf("pass %d: expected unstamped row kept, got %d kept %d dropped", i, len(out), dropped)
		}
	}
}

func TestReplayFilter_StaleRowsInsideMessage(t *testing.T) {
	f := newReplayFilter()
	out, dropped := f.filter([]engine.StampedTrade{
		stamped(3, engine.Buy, 100, 1),
		stamped(2, engine.Buy, 99.5, 1),
		stamped(4, engine.Buy, 100.5, 1),
	})
	if dropped != 1 || len(out) != 2 || out[1].Price != 100.5 {
		t.Fatalf("expected out-of-order row dropped, got %+v (%d dropped)", out, dropped)
	}
}
