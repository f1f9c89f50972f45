package engine

import "time"

// sampler records one (price, cvd) sample per elapsed wall-clock bucket and
// trims the history according to its retention policy.
type sampler struct {
	bucketMs  int64
	policy    RetentionPolicy
	windowMs  int64
	maxPoints int
	samples   []Sample
}

func newSampler(cfg Config) *sampler {
	return &sampler{
		bucketMs:  cfg.ChartBucket.Milliseconds(),
		policy:    cfg.Retention,
		windowMs:  cfg.ChartWindow.Milliseconds(),
		maxPoints: cfg.MaxPoints,
	}
}

// observe appends a sample if now falls in a bucket strictly newer than the
// last recorded one. It reports whether a sample was appended.
func (s *sampler) observe(now time.Time, price, cvd float64) bool {
	b := floorDiv(now.UnixMilli(), s.bucketMs) * s.bucketMs
	if n := len(s.samples); n > 0 && b <= s.samples[n-1].Time.UnixMilli() {
		return false
	}
	s.samples = append(s.samples, Sample{Time: time.UnixMilli(b).UTC(), Price: price, CVD: cvd})
	s.trim(b)
	return true
}

func (s *sampler) trim(newest int64) {
	drop := 0
	switch s.policy {
	case RetainPoints:
		if len(s.samples) > s.maxPoints {
			drop = len(s.samples) - s.maxPoints
		}
	default:
		for drop < len(s.samples) && newest-s.samples[drop].Time.UnixMilli() > s.windowMs {
			drop++
		}
	}
	if drop > 0 {
		s.samples = append(s.samples[:0], s.samples[drop:]...)
	}
}

func (s *sampler) copySamples() []Sample {
	out := make([]Sample, len(s.samples))
	copy(out, s.samples)
	return out
}

// Smooth applies a trailing moving average of width w to price and CVD. The
// input is not modified.
func Smooth(samples []Sample, w int) []Sample {
	out := make([]Sample, len(samples))
	if w <= 1 {
		copy(out, samples)
		return out
	}
	price := newRollingMean(w)
	cvd := newRollingMean(w)
	for i, s := range samples {
		out[i] = Sample{Time: s.Time, Price: price.Update(s.Price), CVD: cvd.Update(s.CVD)}
	}
	return out
}

// rollingMean keeps a running sum over the last n values.
type rollingMean struct {
	vals *ring[float64]
	sum  float64
}

func newRollingMean(n int) *rollingMean {
	return &rollingMean{vals: newRing[float64](n)}
}

func (r *rollingMean) Update(v float64) float64 {
	if r.vals.Len() == len(r.vals.buf) {
		r.sum -= r.vals.At(0)
	}
	r.vals.PushKick(v)
	r.sum += v
	return r.sum / float64(r.vals.Len())
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
