package anomaly

import "math"

// Spreads below this are rounding noise from identical samples.
const zeroSpread = 1e-12

// Baseline is the mean and population standard deviation of a metric.
type Baseline struct {
	Mean    float64 `json:"mean"`
	StdDev  float64 `json:"stddev"`
	Samples int     `json:"samples"`
}

// NewBaseline computes a baseline from samples.
func NewBaseline(samples []float64) Baseline {
	if len(samples) == 0 {
		return Baseline{}
	}

	sum := 0.0
	for _, v := range samples {
		sum += v
	}
	mean := sum / float64(len(samples))

	variance := 0.0
	for _, v := range samples {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(samples))

	return Baseline{Mean: mean, StdDev: math.Sqrt(variance), Samples: len(samples)}
}

// ZScore returns how many standard deviations current lies from the mean.
// ok is false when the baseline has no spread.
func ZScore(current float64, b Baseline) (z float64, ok bool) {
	if b.StdDev < zeroSpread || math.IsNaN(b.StdDev) {
		return 0, false
	}
	return (current - b.Mean) / b.StdDev, true
}

// Classify reports the direction of z when |z| exceeds threshold.
func Classify(z, threshold float64) (Direction, bool) {
	switch {
	case z > threshold:
		return DirectionHigh, true
	case z < -threshold:
		return DirectionLow, true
	default:
		return "", false
	}
}

// severityFor grades a z-score alert.
func severityFor(z, threshold float64) Severity {
	if math.Abs(z) >= threshold+1 {
		return SeverityCritical
	}
	return SeverityWarning
}
