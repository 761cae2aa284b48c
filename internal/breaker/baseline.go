// Package breaker implements the adaptive per-agent circuit breaker:
// behavioral baselines learned while healthy, an ensemble anomaly score,
// and a 4-state machine that cuts an agent off when its behavior drifts.
package breaker

import (
	"math"
	"time"
)

// Metrics is one behavioral sample for an agent. Counters are continuous
// values (request rate, error rate, resource spend, etc.) keyed by
// metric name.
type Metrics struct {
	Counters  map[string]float64 `json:"counters"`
	Timestamp time.Time          `json:"timestamp"`
}

// metricStats carries Welford-style running statistics for one counter.
type metricStats struct {
	Count int64   `json:"count"`
	Mean  float64 `json:"mean"`
	m2    float64
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

func (s *metricStats) observe(v float64) {
	s.Count++
	if s.Count == 1 {
		s.Mean = v
		s.Min = v
		s.Max = v
		return
	}
	delta := v - s.Mean
	s.Mean += delta / float64(s.Count)
	s.m2 += delta * (v - s.Mean)
	if v < s.Min {
		s.Min = v
	}
	if v > s.Max {
		s.Max = v
	}
}

// StdDev returns the sample standard deviation.
func (s *metricStats) StdDev() float64 {
	if s.Count < 2 {
		return 0
	}
	return math.Sqrt(s.m2 / float64(s.Count-1))
}

// Baseline is an agent's learned "normal" behavior profile. It is only
// fed samples taken while the breaker is CLOSED so that anomalous
// periods never pollute it.
type Baseline struct {
	stats       map[string]*metricStats
	SampleCount int64     `json:"sample_count"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewBaseline creates an empty baseline.
func NewBaseline() *Baseline {
	return &Baseline{stats: make(map[string]*metricStats)}
}

// Learn folds a sample into the running statistics.
func (b *Baseline) Learn(m Metrics) {
	for name, v := range m.Counters {
		s, ok := b.stats[name]
		if !ok {
			s = &metricStats{}
			b.stats[name] = s
		}
		s.observe(v)
	}
	b.SampleCount++
	b.UpdatedAt = m.Timestamp
}

// minBaselineSamples is how many samples the baseline needs before
// z-scores against it mean anything.
const minBaselineSamples = 10

// Ready reports whether the baseline has enough history to score against.
func (b *Baseline) Ready() bool {
	return b.SampleCount >= minBaselineSamples
}

// ZScore returns how many standard deviations v sits from the learned
// mean of a metric. Unknown metrics and flat distributions score zero.
func (b *Baseline) ZScore(name string, v float64) float64 {
	s, ok := b.stats[name]
	if !ok || s.Count < 2 {
		return 0
	}
	std := s.StdDev()
	if std == 0 {
		if v == s.Mean {
			return 0
		}
		// Any movement off a perfectly flat metric is maximally surprising
		return 4
	}
	return math.Abs(v-s.Mean) / std
}

// Snapshot returns the learned stats per metric for forensic records.
func (b *Baseline) Snapshot() map[string]MetricSummary {
	out := make(map[string]MetricSummary, len(b.stats))
	for name, s := range b.stats {
		out[name] = MetricSummary{
			Count:  s.Count,
			Mean:   s.Mean,
			StdDev: s.StdDev(),
			Min:    s.Min,
			Max:    s.Max,
		}
	}
	return out
}

// MetricSummary is the exported view of one metric's baseline.
type MetricSummary struct {
	Count  int64   `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}
