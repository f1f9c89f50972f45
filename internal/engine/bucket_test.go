package engine

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestBucket(t *testing.T) {
	tests := []struct {
		price, tick, want float64
	}{
		{100.23, 0.5, 100.0},
		{100.25, 0.5, 100.5},
		{100.74, 0.5, 100.5},
		{100.75, 0.5, 101.0},
		{-0.25, 0.5, -0.5},
		{0.3, 0.1, 0.3},
		{12345.678, 0.01, 12345.68},
		{7, 5, 5},
		{1e19, 0.5, 1e19},
		{-1e19, 0.5, -1e19},
	}
	for _, tt := range tests {
		if got := Bucket(tt.price, tt.tick); got != tt.want {
			t.Errorf("Bucket(%v, %v) = %v, want %v", tt.price, tt.tick, got, tt.want)
		}
	}
}

func TestBucket_GridAgreesWithLadderOffsets(t *testing.T) {
	tick := 0.1
	center := tickIndex(0.7, tick)
	for i := int64(-5); i <= 5; i++ {
		got := priceAt(center+i, decimal.NewFromFloat(tick))
		if want := Bucket(got, tick); got != want {
			t.Fatalf("offset %d: got %v, want %v", i, got, want)
		}
	}
}
