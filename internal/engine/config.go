package engine

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Sentinel errors returned by the engine.
var (
	ErrInvalidConfig  = errors.New("invalid engine config")
	ErrMalformedBatch = errors.New("malformed trade batch")
)

// RetentionPolicy selects how the price/CVD history is trimmed.
type RetentionPolicy string

const (
	// RetainWindow keeps samples whose bucket lies within ChartWindow of the
	// newest sample. The point count varies with trade frequency.
	RetainWindow RetentionPolicy = "window"
	// RetainPoints keeps the newest MaxPoints samples.
	RetainPoints RetentionPolicy = "points"
)

// Config carries every tunable of the engine. There are no package-level
// constants; construct with DefaultConfig and override.
type Config struct {
	TickSize     float64
	LadderLevels int
	HistoryLen   int

	SpikeMultiplier float64
	SpikeMinHistory int
	SpikeEpsilon    float64

	AbsorptionVolume float64
	AbsorptionTicks  int

	ChartBucket  time.Duration
	Retention    RetentionPolicy
	ChartWindow  time.Duration
	MaxPoints    int
	SmoothWindow int

	TapeSize int

	// MaxLevels caps the level store. Zero keeps every level for the
	// lifetime of the engine.
	MaxLevels int
}

// DefaultConfig returns the stock footprint settings.
func DefaultConfig() Config {
	return Config{
		TickSize:         0.5,
		LadderLevels:     25,
		HistoryLen:       20,
		SpikeMultiplier:  3,
		SpikeMinHistory:  6,
		SpikeEpsilon:     1e-9,
		AbsorptionVolume: 3,
		AbsorptionTicks:  8,
		ChartBucket:      100 * time.Millisecond,
		Retention:        RetainWindow,
		ChartWindow:      5 * time.Minute,
		MaxPoints:        320,
		SmoothWindow:     5,
		TapeSize:         120,
	}
}

// Validate fails fast on the first bad field.
func (c Config) Validate() error {
	if !(c.TickSize > 0) || math.IsInf(c.TickSize, 0) {
		return fmt.Errorf("%w: tick size must be positive and finite, got %v", ErrInvalidConfig, c.TickSize)
	}
	if c.LadderLevels < 1 {
		return fmt.Errorf("%w: ladder levels must be >= 1, got %d", ErrInvalidConfig, c.LadderLevels)
	}
	if c.HistoryLen < 1 {
		return fmt.Errorf("%w: delta history length must be >= 1, got %d", ErrInvalidConfig, c.HistoryLen)
	}
	if !(c.SpikeMultiplier > 0) {
		return fmt.Errorf("%w: spike multiplier must be positive, got %v", ErrInvalidConfig, c.SpikeMultiplier)
	}
	if c.SpikeMinHistory < 0 {
		return fmt.Errorf("%w: spike min history must be >= 0, got %d", ErrInvalidConfig, c.SpikeMinHistory)
	}
	if !(c.SpikeEpsilon > 0) {
		return fmt.Errorf("%w: spike epsilon must be positive, got %v", ErrInvalidConfig, c.SpikeEpsilon)
	}
	if c.AbsorptionVolume < 0 || math.IsNaN(c.AbsorptionVolume) {
		return fmt.Errorf("%w: absorption volume must be >= 0, got %v", ErrInvalidConfig, c.AbsorptionVolume)
	}
	if c.AbsorptionTicks < 0 {
		return fmt.Errorf("%w: absorption ticks must be >= 0, got %d", ErrInvalidConfig, c.AbsorptionTicks)
	}
	if c.ChartBucket < time.Millisecond {
		return fmt.Errorf("%w: chart bucket must be at least 1ms, got %s", ErrInvalidConfig, c.ChartBucket)
	}
	switch c.Retention {
	case RetainWindow:
		if c.ChartWindow <= 0 {
			return fmt.Errorf("%w: chart window must be positive, got %s", ErrInvalidConfig, c.ChartWindow)
		}
	case RetainPoints:
		if c.MaxPoints < 1 {
			return fmt.Errorf("%w: max points must be >= 1, got %d", ErrInvalidConfig, c.MaxPoints)
		}
	default:
		return fmt.Errorf("%w: unknown retention policy %q", ErrInvalidConfig, c.Retention)
	}
	if c.SmoothWindow < 1 {
		return fmt.Errorf("%w: smoothing window must be >= 1, got %d", ErrInvalidConfig, c.SmoothWindow)
	}
	if c.TapeSize < 0 {
		return fmt.Errorf("%w: tape size must be >= 0, got %d", ErrInvalidConfig, c.TapeSize)
	}
	if c.MaxLevels < 0 {
		return fmt.Errorf("%w: max levels must be >= 0, got %d", ErrInvalidConfig, c.MaxLevels)
	}
	if c.MaxLevels > 0 && c.MaxLevels < 2*c.LadderLevels+1 {
		return fmt.Errorf("%w: max levels %d cannot hold a %d-row ladder",
			ErrInvalidConfig, c.MaxLevels, 2*c.LadderLevels+1)
	}
	return nil
}
