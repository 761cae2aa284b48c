package ceiling

import (
	"fmt"
	"log"
	"math"
	"sync"
	"time"
)

// IndicatorKind classifies a gaming signal.
type IndicatorKind string

const (
	IndicatorVariance  IndicatorKind = "VARIANCE_ANOMALY"
	IndicatorFrequency IndicatorKind = "FREQUENCY_ANOMALY"
	IndicatorPattern   IndicatorKind = "PATTERN_ANOMALY"
)

// Indicator is one flagged gaming signal for regulatory review.
type Indicator struct {
	AgentID    string        `json:"agent_id"`
	Kind       IndicatorKind `json:"kind"`
	Detail     string        `json:"detail"`
	DetectedAt time.Time     `json:"detected_at"`
}

// Framework names the regulatory regime governing retention.
type Framework string

const (
	FrameworkNone    Framework = "none"
	FrameworkSOC2    Framework = "soc2"
	FrameworkHIPAA   Framework = "hipaa"
	FrameworkEUAIAct Framework = "eu-ai-act"
)

// RetentionPeriod returns the minimum retention for non-compliant
// entries under the framework. Stricter regimes keep records longer.
func (f Framework) RetentionPeriod() time.Duration {
	switch f {
	case FrameworkSOC2:
		return 365 * 24 * time.Hour
	case FrameworkHIPAA:
		return 6 * 365 * 24 * time.Hour
	case FrameworkEUAIAct:
		return 10 * 365 * 24 * time.Hour
	default:
		return 90 * 24 * time.Hour
	}
}

// anomalyRetentionExtension is added on top of the framework minimum
// whenever an entry carries a gaming indicator.
const anomalyRetentionExtension = 365 * 24 * time.Hour

// DetectorConfig tunes the gaming heuristics.
type DetectorConfig struct {
	// Window: how far back observations count
	Window time.Duration

	// VarianceGapThreshold: average raw-minus-clamped gap that flags a
	// variance anomaly
	VarianceGapThreshold float64

	// MinClampedSamples: clamped observations required before the
	// variance heuristic speaks
	MinClampedSamples int

	// MaxChangesPerHour: score changes per hour beyond this flag a
	// frequency anomaly
	MaxChangesPerHour float64

	// MaxBandFlips: band membership changes inside the window beyond
	// this flag a pattern anomaly
	MaxBandFlips int
}

// DefaultDetectorConfig returns the standard detection tuning.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		Window:               24 * time.Hour,
		VarianceGapThreshold: 50,
		MinClampedSamples:    5,
		MaxChangesPerHour:    20,
		MaxBandFlips:         4,
	}
}

// observation is one entry in an agent's rolling window.
type observation struct {
	raw     float64
	clamped float64
	band    string
	at      time.Time
}

// Detector keeps a rolling window of score observations per agent and
// flags gaming patterns.
type Detector struct {
	mu        sync.Mutex
	config    DetectorConfig
	framework Framework
	window    map[string][]observation
	logger    *log.Logger
	nowFn     func() time.Time
}

// NewDetector creates a detector for the given regulatory framework.
func NewDetector(cfg DetectorConfig, framework Framework) *Detector {
	return &Detector{
		config:    cfg,
		framework: framework,
		window:    make(map[string][]observation),
		logger:    log.New(log.Writer(), "[Gaming] ", log.LstdFlags),
		nowFn:     time.Now,
	}
}

// Framework returns the governing regulatory framework.
func (d *Detector) Framework() Framework {
	return d.framework
}

func (d *Detector) observeDecision(decision Decision) {
	d.Observe(decision.AgentID, decision.RawScore, decision.ClampedScore, "", decision.EvaluatedAt)
}

// Observe records one score observation. band may be empty when the
// caller has no band context (pattern detection then skips that sample).
func (d *Detector) Observe(agentID string, raw, clamped float64, band string, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	obs := append(d.window[agentID], observation{raw: raw, clamped: clamped, band: band, at: at})
	cutoff := d.nowFn().Add(-d.config.Window)
	for len(obs) > 0 && obs[0].at.Before(cutoff) {
		obs = obs[1:]
	}
	d.window[agentID] = obs
}

// Detect runs all three heuristics over the agent's window and returns
// any indicators found.
func (d *Detector) Detect(agentID string) []Indicator {
	d.mu.Lock()
	defer d.mu.Unlock()

	obs := d.window[agentID]
	if len(obs) == 0 {
		return nil
	}
	now := d.nowFn()
	var out []Indicator

	if ind, ok := d.varianceAnomaly(agentID, obs, now); ok {
		out = append(out, ind)
	}
	if ind, ok := d.frequencyAnomaly(agentID, obs, now); ok {
		out = append(out, ind)
	}
	if ind, ok := d.patternAnomaly(agentID, obs, now); ok {
		out = append(out, ind)
	}

	for _, ind := range out {
		d.logger.Printf("Indicator for %s: %s (%s)", agentID, ind.Kind, ind.Detail)
	}
	return out
}

// varianceAnomaly flags a large, persistent gap between raw and clamped
// scores: the agent keeps earning scores its ceilings say it cannot use.
func (d *Detector) varianceAnomaly(agentID string, obs []observation, now time.Time) (Indicator, bool) {
	clampedCount := 0
	totalGap := 0.0
	for _, o := range obs {
		if gap := o.raw - o.clamped; gap > 0 {
			clampedCount++
			totalGap += gap
		}
	}
	if clampedCount < d.config.MinClampedSamples {
		return Indicator{}, false
	}
	avgGap := totalGap / float64(clampedCount)
	if avgGap < d.config.VarianceGapThreshold {
		return Indicator{}, false
	}
	return Indicator{
		AgentID:    agentID,
		Kind:       IndicatorVariance,
		Detail:     fmt.Sprintf("average raw/clamped gap %.1f over %d clamped samples", avgGap, clampedCount),
		DetectedAt: now,
	}, true
}

// frequencyAnomaly flags too many score changes per unit time.
func (d *Detector) frequencyAnomaly(agentID string, obs []observation, now time.Time) (Indicator, bool) {
	if len(obs) < 2 {
		return Indicator{}, false
	}
	changes := 0
	for i := 1; i < len(obs); i++ {
		if math.Abs(obs[i].raw-obs[i-1].raw) > 1e-9 {
			changes++
		}
	}
	span := obs[len(obs)-1].at.Sub(obs[0].at)
	if span < time.Minute {
		span = time.Minute
	}
	perHour := float64(changes) / span.Hours()
	if perHour <= d.config.MaxChangesPerHour {
		return Indicator{}, false
	}
	return Indicator{
		AgentID:    agentID,
		Kind:       IndicatorFrequency,
		Detail:     fmt.Sprintf("%.1f score changes per hour over %s", perHour, span.Round(time.Minute)),
		DetectedAt: now,
	}, true
}

// patternAnomaly flags oscillating band membership.
func (d *Detector) patternAnomaly(agentID string, obs []observation, now time.Time) (Indicator, bool) {
	flips := 0
	prev := ""
	for _, o := range obs {
		if o.band == "" {
			continue
		}
		if prev != "" && o.band != prev {
			flips++
		}
		prev = o.band
	}
	if flips <= d.config.MaxBandFlips {
		return Indicator{}, false
	}
	return Indicator{
		AgentID:    agentID,
		Kind:       IndicatorPattern,
		Detail:     fmt.Sprintf("%d band changes inside the window", flips),
		DetectedAt: now,
	}, true
}

// RetentionFor returns how long an entry must be kept: the framework
// minimum, extended whenever the entry carries an anomaly.
func (d *Detector) RetentionFor(hasAnomaly bool) time.Duration {
	retention := d.framework.RetentionPeriod()
	if hasAnomaly {
		retention += anomalyRetentionExtension
	}
	return retention
}
