package trust

import (
	"errors"
	"log"
	"math"
	"time"
)

// Common errors
var (
	ErrInvalidEvidence = errors.New("invalid evidence")
	ErrInvalidWeights  = errors.New("invalid trust weights")
)

// CompositeScore is the weight-dimension dot product, rounded
// deterministically to two decimal places.
func CompositeScore(dims Dimensions, weights Weights) float64 {
	score := 0.0
	for _, dim := range AllDimensions {
		score += weights[dim] * clamp(dims[dim], 0, 100)
	}
	return math.Round(score*100) / 100
}

// ApplyObservationCeiling caps a score at the tier ceiling. It never
// raises a score, only clamps it.
func ApplyObservationCeiling(score float64, tier ObservationTier) float64 {
	return math.Min(score, tier.Ceiling())
}

// Calculator turns raw evidence into new immutable profile versions.
type Calculator struct {
	weights Weights
	logger  *log.Logger
}

// NewCalculator creates a calculator with the given weights. Weights that
// do not sum to 1.0 are auto-normalized; irreparable weights are an error.
func NewCalculator(weights Weights) (*Calculator, error) {
	if weights == nil {
		weights = DefaultWeights()
	}
	if err := weights.Validate(); err != nil {
		normalized, nerr := weights.Normalized()
		if nerr != nil {
			return nil, nerr
		}
		weights = normalized
	}
	return &Calculator{
		weights: weights,
		logger:  log.New(log.Writer(), "[TrustCalc] ", log.LstdFlags),
	}, nil
}

// Weights returns a copy of the calculator's weights.
func (c *Calculator) Weights() Weights {
	out := make(Weights, len(c.weights))
	for k, v := range c.weights {
		out[k] = v
	}
	return out
}

// ApplyEvidence produces the next profile version with the evidence
// deltas applied. Impacts are clamped to [-100,100] before being added,
// and each resulting dimension is re-clamped to [0,100]. The input
// profile is never mutated.
func (c *Calculator) ApplyEvidence(profile *Profile, evidence []Evidence) (*Profile, error) {
	if profile == nil {
		return nil, errors.New("nil profile")
	}
	for _, ev := range evidence {
		if err := ev.Validate(); err != nil {
			return nil, err
		}
	}

	dims := make(Dimensions, len(AllDimensions))
	for _, dim := range AllDimensions {
		dims[dim] = profile.Dimensions[dim]
	}

	for _, ev := range evidence {
		impact := ev.Impact
		if impact < -100 || impact > 100 {
			c.logger.Printf("Clamping out-of-range impact %.2f from %s on %s/%s",
				impact, ev.Source, profile.AgentID, ev.Dimension)
			impact = clamp(impact, -100, 100)
		}
		dims[ev.Dimension] = clamp(dims[ev.Dimension]+impact, 0, 100)
	}

	composite := CompositeScore(dims, c.weights)
	next := &Profile{
		AgentID:         profile.AgentID,
		Dimensions:      dims,
		ObservationTier: profile.ObservationTier,
		CompositeScore:  composite,
		AdjustedScore:   ApplyObservationCeiling(composite, profile.ObservationTier),
		Version:         profile.Version + 1,
		ComputedAt:      time.Now().UTC(),
	}
	return next, nil
}

// SetObservationTier produces a new profile version at a different tier.
// The composite is unchanged; only the adjusted score moves.
func (c *Calculator) SetObservationTier(profile *Profile, tier ObservationTier) *Profile {
	return &Profile{
		AgentID:         profile.AgentID,
		Dimensions:      profile.Dimensions.Clamped(),
		ObservationTier: tier,
		CompositeScore:  profile.CompositeScore,
		AdjustedScore:   ApplyObservationCeiling(profile.CompositeScore, tier),
		Version:         profile.Version + 1,
		ComputedAt:      time.Now().UTC(),
	}
}
