// Package trust implements the dimension and score calculator: bounded
// trust dimensions, weighted composite scoring, and observation-tier
// ceilings that cap how trusted an agent can be rated regardless of its
// measured behavior.
package trust

import (
	"fmt"
	"math"
	"time"
)

// ============================================================================
// DIMENSIONS
// ============================================================================

// Dimension identifies one orthogonal aspect of trustworthiness.
type Dimension string

const (
	DimCompetency     Dimension = "CT" // task competency
	DimBehavioral     Dimension = "BT" // behavioral consistency
	DimGovernance     Dimension = "GT" // governance compliance
	DimTransparency   Dimension = "XT" // transparency
	DimAccountability Dimension = "AC" // accountability
)

// AllDimensions lists every dimension in canonical order.
var AllDimensions = []Dimension{
	DimCompetency,
	DimBehavioral,
	DimGovernance,
	DimTransparency,
	DimAccountability,
}

// Dimensions holds one score per dimension, each clamped to [0,100].
type Dimensions map[Dimension]float64

// Clamped returns a copy with every value clamped to [0,100].
func (d Dimensions) Clamped() Dimensions {
	out := make(Dimensions, len(d))
	for k, v := range d {
		out[k] = clamp(v, 0, 100)
	}
	return out
}

// Evidence is a bounded delta applied to a single dimension.
// Impact is clamped to [-100,100] before application.
type Evidence struct {
	Dimension Dimension `json:"dimension"`
	Impact    float64   `json:"impact"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate rejects malformed evidence before it reaches the calculator.
func (e Evidence) Validate() error {
	if !validDimension(e.Dimension) {
		return fmt.Errorf("%w: unknown dimension %q", ErrInvalidEvidence, e.Dimension)
	}
	if math.IsNaN(e.Impact) || math.IsInf(e.Impact, 0) {
		return fmt.Errorf("%w: impact is not a finite number", ErrInvalidEvidence)
	}
	if e.Source == "" {
		return fmt.Errorf("%w: missing source", ErrInvalidEvidence)
	}
	return nil
}

func validDimension(d Dimension) bool {
	for _, known := range AllDimensions {
		if d == known {
			return true
		}
	}
	return false
}

// ============================================================================
// WEIGHTS
// ============================================================================

// Weights maps each dimension to a non-negative weight. Weights must sum
// to 1.0; Normalize repairs a well-formed but unnormalized set.
type Weights map[Dimension]float64

// DefaultWeights is the standard regulatory posture.
func DefaultWeights() Weights {
	return Weights{
		DimCompetency:     0.25,
		DimBehavioral:     0.25,
		DimGovernance:     0.20,
		DimTransparency:   0.15,
		DimAccountability: 0.15,
	}
}

// ConservativeWeights biases toward governance and accountability, for
// deployments under strict regulatory frameworks.
func ConservativeWeights() Weights {
	return Weights{
		DimCompetency:     0.15,
		DimBehavioral:     0.20,
		DimGovernance:     0.30,
		DimTransparency:   0.15,
		DimAccountability: 0.20,
	}
}

// CompetencyWeights biases toward demonstrated task competency, for
// low-stakes sandboxed deployments.
func CompetencyWeights() Weights {
	return Weights{
		DimCompetency:     0.40,
		DimBehavioral:     0.25,
		DimGovernance:     0.15,
		DimTransparency:   0.10,
		DimAccountability: 0.10,
	}
}

const weightSumTolerance = 1e-9

// Validate checks that every dimension has a non-negative weight and the
// weights sum to 1.0.
func (w Weights) Validate() error {
	sum := 0.0
	for _, dim := range AllDimensions {
		v, ok := w[dim]
		if !ok {
			return fmt.Errorf("%w: missing weight for %s", ErrInvalidWeights, dim)
		}
		if v < 0 {
			return fmt.Errorf("%w: negative weight for %s", ErrInvalidWeights, dim)
		}
		sum += v
	}
	if math.Abs(sum-1.0) > weightSumTolerance {
		return fmt.Errorf("%w: weights sum to %.6f, want 1.0", ErrInvalidWeights, sum)
	}
	return nil
}

// Normalized returns a copy scaled so the weights sum to 1.0. A zero-sum
// set cannot be repaired and is returned unchanged alongside an error.
func (w Weights) Normalized() (Weights, error) {
	sum := 0.0
	for _, dim := range AllDimensions {
		if w[dim] < 0 {
			return w, fmt.Errorf("%w: negative weight for %s", ErrInvalidWeights, dim)
		}
		sum += w[dim]
	}
	if sum == 0 {
		return w, fmt.Errorf("%w: all weights are zero", ErrInvalidWeights)
	}
	out := make(Weights, len(AllDimensions))
	for _, dim := range AllDimensions {
		out[dim] = w[dim] / sum
	}
	return out, nil
}

// ============================================================================
// OBSERVATION TIERS
// ============================================================================

// ObservationTier describes how verifiable an agent's internals are.
// Each tier carries a hard ceiling on the usable composite score: an
// opaque agent cannot be rated fully trusted no matter how good its
// metrics look.
type ObservationTier int

const (
	TierOpaque ObservationTier = iota
	TierGrayBox
	TierWhiteBox
	TierAttested
	TierFullyVerified
)

func (t ObservationTier) String() string {
	switch t {
	case TierOpaque:
		return "OPAQUE"
	case TierGrayBox:
		return "GRAY_BOX"
	case TierWhiteBox:
		return "WHITE_BOX"
	case TierAttested:
		return "ATTESTED"
	case TierFullyVerified:
		return "FULLY_VERIFIED"
	default:
		return "UNKNOWN"
	}
}

// Ceiling returns the maximum composite score usable at this tier.
func (t ObservationTier) Ceiling() float64 {
	switch t {
	case TierOpaque:
		return 60
	case TierGrayBox:
		return 75
	case TierWhiteBox:
		return 90
	case TierAttested:
		return 95
	case TierFullyVerified:
		return 100
	default:
		return 60 // unknown tiers are treated as opaque
	}
}

// ============================================================================
// PROFILE
// ============================================================================

// Profile is an immutable snapshot of an agent's trust state. Every
// recomputation produces a new version; existing snapshots are never
// mutated in place.
type Profile struct {
	AgentID         string          `json:"agent_id"`
	Dimensions      Dimensions      `json:"dimensions"`
	ObservationTier ObservationTier `json:"observation_tier"`
	CompositeScore  float64         `json:"composite_score"`
	AdjustedScore   float64         `json:"adjusted_score"`
	Version         int64           `json:"version"`
	ComputedAt      time.Time       `json:"computed_at"`
}

// NewProfile builds the version-1 snapshot for an agent. Dimension values
// are clamped on entry.
func NewProfile(agentID string, dims Dimensions, tier ObservationTier, weights Weights) (*Profile, error) {
	if agentID == "" {
		return nil, fmt.Errorf("%w: empty agent id", ErrInvalidEvidence)
	}
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	clamped := dims.Clamped()
	composite := CompositeScore(clamped, weights)
	return &Profile{
		AgentID:         agentID,
		Dimensions:      clamped,
		ObservationTier: tier,
		CompositeScore:  composite,
		AdjustedScore:   ApplyObservationCeiling(composite, tier),
		Version:         1,
		ComputedAt:      time.Now().UTC(),
	}, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
