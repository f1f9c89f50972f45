package engine

import (
	"sort"

	"github.com/shopspring/decimal"
)

// level is the mutable aggregate for one bucketed price.
type level struct {
	buyQty  float64
	sellQty float64
	vol     float64
	history *ring[float64]
}

func (l *level) delta() float64 { return l.buyQty - l.sellQty }

// meanHistory averages the recorded deltas; 0 when there are none.
func (l *level) meanHistory() float64 {
	n := l.history.Len()
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += l.history.At(i)
	}
	return sum / float64(n)
}

// levelStore maps tick index to level. Levels are created lazily and live
// for the session unless a cap is configured.
type levelStore struct {
	tick       decimal.Decimal
	historyLen int
	levels     map[int64]*level
}

func newLevelStore(tickSize float64, historyLen int) *levelStore {
	return &levelStore{
		tick:       decimal.NewFromFloat(tickSize),
		historyLen: historyLen,
		levels:     make(map[int64]*level),
	}
}

// ensure inserts a zero level at idx if absent and returns it.
func (s *levelStore) ensure(idx int64) *level {
	if l, ok := s.levels[idx]; ok {
		return l
	}
	l := &level{history: newRing[float64](s.historyLen)}
	s.levels[idx] = l
	return l
}

// applyTrade books qty on side at idx. The level must already exist.
func (s *levelStore) applyTrade(idx int64, side Side, qty float64) {
	l := s.levels[idx]
	if side == Buy {
		l.buyQty += qty
	} else {
		l.sellQty += qty
	}
	l.history.PushKick(l.delta())
	l.vol += qty
}

// window returns the 2*n+1 indices from center+n down to center-n,
// materialising every slot.
func (s *levelStore) window(center int64, n int) []int64 {
	out := make([]int64, 0, 2*n+1)
	for i := int64(n); i >= -int64(n); i-- {
		idx := center + i
		s.ensure(idx)
		out = append(out, idx)
	}
	return out
}

func (s *levelStore) price(idx int64) float64 { return priceAt(idx, s.tick) }

// snapshot copies the level at idx.
func (s *levelStore) snapshot(idx int64) (PriceLevel, bool) {
	l, ok := s.levels[idx]
	if !ok {
		return PriceLevel{}, false
	}
	return PriceLevel{
		Price:        s.price(idx),
		BuyQty:       l.buyQty,
		SellQty:      l.sellQty,
		Vol:          l.vol,
		DeltaHistory: l.history.Slice(),
	}, true
}

// evict drops the levels farthest from center until at most max remain.
// Levels within keep ticks of center are never dropped.
func (s *levelStore) evict(center int64, keep, max int) int {
	if max <= 0 || len(s.levels) <= max {
		return 0
	}
	far := make([]int64, 0, len(s.levels))
	for idx := range s.levels {
		if dist(idx, center) > int64(keep) {
			far = append(far, idx)
		}
	}
	sort.Slice(far, func(i, j int) bool {
		return dist(far[i], center) > dist(far[j], center)
	})
	removed := 0
	for _, idx := range far {
		if len(s.levels) <= max {
			break
		}
		delete(s.levels, idx)
		removed++
	}
	return removed
}

func dist(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
