package engine

import "math"

// Detector evaluates the fixed-threshold footprint heuristics. It is
// stateless and never touches accumulated totals.
type Detector struct {
	SpikeMultiplier  float64
	SpikeMinHistory  int
	SpikeEpsilon     float64
	AbsorptionVolume float64
	AbsorptionTicks  int
}

// NewDetector takes its thresholds from cfg.
func NewDetector(cfg Config) Detector {
	return Detector{
		SpikeMultiplier:  cfg.SpikeMultiplier,
		SpikeMinHistory:  cfg.SpikeMinHistory,
		SpikeEpsilon:     cfg.SpikeEpsilon,
		AbsorptionVolume: cfg.AbsorptionVolume,
		AbsorptionTicks:  cfg.AbsorptionTicks,
	}
}

// Spike reports whether the level's current delta is anomalously large
// against the mean of its recent history, and on which side.
func (d Detector) Spike(l PriceLevel) SpikeSide {
	if len(l.DeltaHistory) <= d.SpikeMinHistory {
		return SpikeNone
	}
	var sum float64
	for _, v := range l.DeltaHistory {
		sum += v
	}
	mean := sum / float64(len(l.DeltaHistory))
	return d.spike(l.Delta(), mean)
}

func (d Detector) spike(current, mean float64) SpikeSide {
	threshold := math.Max(d.SpikeEpsilon, math.Abs(mean)) * d.SpikeMultiplier
	if math.Abs(current) <= threshold {
		return SpikeNone
	}
	if current > 0 {
		return SpikeBuy
	}
	return SpikeSell
}

// Absorption reports sustained volume at an unchanged live price. It is only
// ever true for the level holding the last traded price.
func (d Detector) Absorption(vol float64, live bool, stableTicks int) bool {
	return live && vol >= d.AbsorptionVolume && stableTicks >= d.AbsorptionTicks
}

// spikeAt is Spike for an internal level without copying its history.
func (d Detector) spikeAt(l *level) SpikeSide {
	if l.history.Len() <= d.SpikeMinHistory {
		return SpikeNone
	}
	return d.spike(l.delta(), l.meanHistory())
}
