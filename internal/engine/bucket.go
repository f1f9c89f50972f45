package engine

import (
	"math"

	"github.com/shopspring/decimal"
)

// maxTickIndex bounds grid coordinates to the range a float64 counts
// exactly, well inside int64.
const maxTickIndex = 1 << 53

// Bucket rounds price to the nearest multiple of tickSize, halves away from
// zero. tickSize must be finite and positive. A price too far from zero to
// sit on the grid is returned unchanged.
func Bucket(price, tickSize float64) float64 {
	if !onGrid(price, tickSize) {
		return price
	}
	return priceAt(tickIndex(price, tickSize), decimal.NewFromFloat(tickSize))
}

// onGrid reports whether price has a representable grid coordinate.
func onGrid(price, tickSize float64) bool {
	return math.Abs(price/tickSize) <= maxTickIndex
}

// tickIndex is the integer grid coordinate of price. Levels are keyed by it
// so that ladder offsets and trade bucketing never disagree on float noise.
func tickIndex(price, tickSize float64) int64 {
	return int64(math.Round(price / tickSize))
}

// priceAt converts a grid coordinate back to the closest float price.
func priceAt(idx int64, tick decimal.Decimal) float64 {
	return decimal.NewFromInt(idx).Mul(tick).InexactFloat64()
}
