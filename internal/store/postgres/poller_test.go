package postgres

import (
	"context"
	"errors"
	"io"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/caesar-terminal/orderflow/internal/engine"
	"github.com/sirupsen/logrus"
)

type readerCall struct {
	coin  string
	since time.Time
	limit int
}

// scriptedReader returns one scripted response per call, then nothing.
type scriptedReader struct {
	mu        sync.Mutex
	calls     []readerCall
	responses []scriptedResponse
}

type scriptedResponse struct {
	rows []TradeRow
	err  error
}

func (s *scriptedReader) TradesSince(_ context.Context, coin string, since time.Time, limit int) ([]TradeRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, readerCall{coin: coin, since: since, limit: limit})
	if len(s.responses) == 0 {
		return nil, nil
	}
	r := s.responses[0]
	s.responses = s.responses[1:]
	return r.rows, r.err
}

func (s *scriptedReader) TradesAt(context.Context, string, time.Time) ([]TradeRow, error) {
	return nil, nil
}

func (s *scriptedReader) getCalls() []readerCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]readerCall(nil), s.calls...)
}

func ptr(f float64) *float64 { return &f }

func TestPoller_AdvancesCursorAndConverts(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	t1 := start.Add(-20 * time.Second)
	t2 := start.Add(-10 * time.Second)

	reader := &scriptedReader{responses: []scriptedResponse{
		{rows: []TradeRow{
			{EventTime: t1, Price: 64000.5, Quantity: 0.2, Side: "BUY", Delta: ptr(0.2)},
			{EventTime: t2, Price: 64001, Quantity: 0.1, Side: "sell", Delta: nil},
		}},
		{err: errors.New("connection reset")},
		{rows: []TradeRow{
			{EventTime: start, Price: 64002, Quantity: 1, Side: "buy", Delta: ptr(1)},
		}},
	}}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := DefaultPollerConfig("BTCUSDT")
	cfg.Interval = 5 * time.Millisecond
	p := NewPoller(cfg, reader, logger)
	p.nowFunc = func() time.Time { return start }

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go p.Run(ctx)

	var batches [][]engine.TradeEvent
	for len(batches) < 2 {
		select {
		case b := <-p.Batches():
			batches = append(batches, b)
		case <-ctx.Done():
			t.Fatalf("timed out with %d batches", len(batches))
		}
	}

	first := batches[0]
	if len(first) != 2 {
		t.Fatalf("expected 2 events, got %d", len(first))
	}
	if first[0] != (engine.TradeEvent{Side: engine.Buy, Price: 64000.5, Quantity: 0.2, Delta: 0.2}) {
		t.Errorf("event 0: %+v", first[0])
	}
	if first[1].Side != engine.Sell || !math.IsNaN(first[1].Delta) {
		t.Errorf("event 1: expected SELL with NaN delta, got %+v", first[1])
	}
	if batches[1][0].Side != engine.Buy || batches[1][0].Price != 64002 {
		t.Errorf("second batch: %+v", batches[1])
	}

	calls := reader.getCalls()
	if len(calls) < 3 {
		t.Fatalf("expected at least 3 queries, got %d", len(calls))
	}
	if calls[0].coin != "btcusdt" || calls[0].limit != cfg.Limit {
		t.Errorf("unexpected first call: %+v", calls[0])
	}
	if !calls[0].since.Equal(start.Add(-30 * time.Second)) {
		t.Errorf("expected initial cursor at lookback, got %v", calls[0].since)
	}
	if !calls[1].since.Equal(t2) {
		t.Errorf("expected cursor at last row, got %v", calls[1].since)
	}
	// The failed poll must not move the cursor.
	if !calls[2].since.Equal(t2) {
		t.Errorf("expected cursor unchanged after error, got %v", calls[2].since)
	}
}

// tableReader answers queries against an in-memory orderflow table with the
// same filtering and ordering as TradeStore.
type tableReader struct {
	rows []TradeRow
}

func (r *tableReader) TradesSince(_ context.Context, _ string, since time.Time, limit int) ([]TradeRow, error) {
	var out []TradeRow
	for _, row := range r.rows {
		if row.EventTime.After(since) {
			out = append(out, row)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EventTime.Before(out[j].EventTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *tableReader) TradesAt(_ context.Context, _ string, at time.Time) ([]TradeRow, error) {
	var out []TradeRow
	for _, row := range r.rows {
		if row.EventTime.Equal(at) {
			out = append(out, row)
		}
	}
	return out, nil
}

func collectEvents(t *testing.T, p *Poller, want int) []engine.TradeEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go p.Run(ctx)

	var got []engine.TradeEvent
	for len(got) < want {
		select {
		case b := <-p.Batches():
			got = append(got, b...)
		case <-ctx.Done():
			t.Fatalf("timed out with %d of %d events", len(got), want)
		}
	}
	// Later polls must not redeliver anything.
	select {
	case b := <-p.Batches():
		t.Fatalf("unexpected extra batch %+v", b)
	case <-time.After(30 * time.Millisecond):
	}
	return got
}

func TestPoller_TiesAtPageBoundary(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	t1 := start.Add(-3 * time.Second)
	t2 := start.Add(-2 * time.Second)
	t3 := start.Add(-1 * time.Second)

	tests := []struct {
		name string
		rows []TradeRow
	}{
		{
			name: "tie split by limit",
			rows: []TradeRow{
				{EventTime: t1, Price: 100, Quantity: 1, Side: "BUY"},
				{EventTime: t2, Price: 101, Quantity: 2, Side: "BUY"},
				{EventTime: t3, Price: 102, Quantity: 3, Side: "SELL"},
				{EventTime: t3, Price: 103, Quantity: 4, Side: "SELL"},
			},
		},
		{
			name: "whole page one timestamp",
			rows: []TradeRow{
				{EventTime: t1, Price: 100, Quantity: 1, Side: "BUY"},
				{EventTime: t1, Price: 100, Quantity: 2, Side: "BUY"},
				{EventTime: t1, Price: 100, Quantity: 3, Side: "BUY"},
				{EventTime: t1, Price: 100, Quantity: 4, Side: "BUY"},
				{EventTime: t2, Price: 101, Quantity: 5, Side: "SELL"},
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultPollerConfig("btcusdt")
			cfg.Interval = 5 * time.Millisecond
			cfg.Limit = 3
			p := NewPoller(cfg, &tableReader{rows: tc.rows}, quietLogger())
			p.nowFunc = func() time.Time { return start }

			got := collectEvents(t, p, len(tc.rows))
			var total, want float64
			for _, ev := range got {
				total += ev.Quantity
			}
			for _, r := range tc.rows {
				want += r.Quantity
			}
			if len(got) != len(tc.rows) || total != want {
				t.Fatalf("expected %d rows totalling %v, got %d totalling %v", len(tc.rows), want, len(got), total)
			}
		})
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestPoller_ClosesOnCancel(t *testing.T) {
	p := NewPoller(DefaultPollerConfig("ethusdt"), &scriptedReader{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if _, ok := <-p.Batches(); ok {
		t.Fatal("expected Batches closed")
	}
}

func TestDSN(t *testing.T) {
	got := DSN(ClientConfig{Host: "db", User: "flow", Password: "pw", Database: "trades"})
	if want := "postgres://flow:pw@db:5432/trades?sslmode=disable"; got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if got := DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}); got != "postgres://x" {
		t.Fatalf("explicit DSN should win, got %s", got)
	}
}
