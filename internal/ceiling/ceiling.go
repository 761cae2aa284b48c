// Package ceiling clamps kernel scores to externally imposed limits and
// watches for score-gaming patterns. The ceiling runs before any
// consumer of the score and cannot be bypassed by higher layers.
package ceiling

import (
	"log"
	"time"
)

// Source identifies which configured ceiling was the binding constraint.
type Source string

const (
	SourceNone        Source = "none"
	SourceContext     Source = "context"
	SourceOrg         Source = "organization"
	SourceDeployment  Source = "deployment"
	SourceAttestation Source = "attestation"
)

// maxScore is the top of the kernel score scale; an unset ceiling is
// equivalent to this.
const maxScore = 1000.0

// Limits carries the independently sourced ceilings for one evaluation
// context. Zero means unset (no constraint from that source).
type Limits struct {
	Context     float64 `json:"context" yaml:"context"`
	Org         float64 `json:"org" yaml:"org"`
	Deployment  float64 `json:"deployment" yaml:"deployment"`
	Attestation float64 `json:"attestation" yaml:"attestation"`
}

// Decision is the outcome of one ceiling enforcement. Raw and clamped
// values are both carried: a persistent gap between them is evidence,
// not noise.
type Decision struct {
	AgentID        string    `json:"agent_id"`
	RawScore       float64   `json:"raw_score"`
	ClampedScore   float64   `json:"clamped_score"`
	CeilingApplied bool      `json:"ceiling_applied"`
	Ceiling        float64   `json:"ceiling"`
	CeilingSource  Source    `json:"ceiling_source"`
	EvaluatedAt    time.Time `json:"evaluated_at"`
}

// Enforcer applies the minimum-of-ceilings rule and feeds every
// decision to the gaming detector's rolling window.
type Enforcer struct {
	detector *Detector
	logger   *log.Logger
	nowFn    func() time.Time
}

// NewEnforcer creates an enforcer wired to a gaming detector. detector
// may be nil when detection is handled elsewhere.
func NewEnforcer(detector *Detector) *Enforcer {
	return &Enforcer{
		detector: detector,
		logger:   log.New(log.Writer(), "[Ceiling] ", log.LstdFlags),
		nowFn:    time.Now,
	}
}

// effective picks the minimum configured ceiling and its source.
// Ties resolve to the earlier source in precedence order so reporting
// is deterministic.
func effective(limits Limits) (float64, Source) {
	ceiling := maxScore
	source := SourceNone

	check := func(v float64, s Source) {
		if v > 0 && v < ceiling {
			ceiling = v
			source = s
		}
	}
	check(limits.Context, SourceContext)
	check(limits.Org, SourceOrg)
	check(limits.Deployment, SourceDeployment)
	check(limits.Attestation, SourceAttestation)

	return ceiling, source
}

// Apply is the pure form of enforcement for read paths: it clamps
// without logging or feeding the gaming detector.
func Apply(rawScore float64, limits Limits) (clamped float64, source Source) {
	ceiling, source := effective(limits)
	if rawScore > ceiling {
		return ceiling, source
	}
	return rawScore, source
}

// Enforce clamps a raw score to the minimum of the configured ceilings.
// Both the raw and the clamped values are logged on every clamp.
func (e *Enforcer) Enforce(agentID string, rawScore float64, limits Limits) Decision {
	ceiling, source := effective(limits)

	decision := Decision{
		AgentID:       agentID,
		RawScore:      rawScore,
		ClampedScore:  rawScore,
		Ceiling:       ceiling,
		CeilingSource: source,
		EvaluatedAt:   e.nowFn(),
	}
	if rawScore > ceiling {
		decision.ClampedScore = ceiling
		decision.CeilingApplied = true
		e.logger.Printf("Clamped %s: raw=%.1f clamped=%.1f ceiling=%.0f source=%s",
			agentID, rawScore, ceiling, ceiling, source)
	}

	if e.detector != nil {
		e.detector.observeDecision(decision)
	}
	return decision
}
