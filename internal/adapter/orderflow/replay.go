package orderflow

import (
	"strconv"
	"time"

	"github.com/caesar-terminal/orderflow/internal/engine"
)

// replayFilter drops rows the relay already delivered. The relay replays its
// recent-row buffer on every accepted connection, so after a reconnect the
// first message overlaps what the engine has applied.
//
// Rows arrive in event-time order. The filter keeps the newest event time
// seen and the multiset of rows delivered at exactly that time. A row older
// than the mark is a replay. A row at the mark is a replay only while the
// message still has unmatched copies of it in the multiset, so genuinely new
// trades sharing the timestamp pass. Rows without an event time cannot be
// matched and always pass.
type replayFilter struct {
	mark   time.Time
	atMark map[string]int
}

func newReplayFilter() *replayFilter {
	return &replayFilter{atMark: make(map[string]int)}
}

// filter returns the events to apply and how many rows were dropped.
func (f *replayFilter) filter(rows []engine.StampedTrade) ([]engine.TradeEvent, int) {
	startMark := f.mark
	unmatched := make(map[string]int, len(f.atMark))
	for k, n := range f.atMark {
		unmatched[k] = n
	}

	out := make([]engine.TradeEvent, 0, len(rows))
	dropped := 0
	for _, r := range rows {
		t := r.EventTime
		switch {
		case t.IsZero():
			out = append(out, r.Event)
			continue
		case t.Before(f.mark):
			dropped++
			continue
		case t.After(f.mark):
			f.mark = t
			f.atMark = make(map[string]int)
		}

		key := rowKey(r.Event)
		if f.mark.Equal(startMark) && unmatched[key] > 0 {
			unmatched[key]--
			dropped++
			continue
		}
		f.atMark[key]++
		out = append(out, r.Event)
	}
	return out, dropped
}

func rowKey(ev engine.TradeEvent) string {
	b := make([]byte, 0, 64)
	b = append(b, ev.Side.String()...)
	for _, v := range [...]float64{ev.Price, ev.Quantity, ev.Delta} {
		b = append(b, '|')
		b = strconv.AppendFloat(b, v, 'g', -1, 64)
	}
	return string(b)
}
