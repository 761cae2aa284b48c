package trust

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompositeScoreWeightedSum(t *testing.T) {
	dims := Dimensions{
		DimCompetency:     80,
		DimBehavioral:     60,
		DimGovernance:     70,
		DimTransparency:   50,
		DimAccountability: 40,
	}

	score := CompositeScore(dims, DefaultWeights())
	assert.Equal(t, 62.5, score)
}

func TestCompositeScoreBounds(t *testing.T) {
	all := func(v float64) Dimensions {
		d := make(Dimensions)
		for _, dim := range AllDimensions {
			d[dim] = v
		}
		return d
	}

	assert.Equal(t, 0.0, CompositeScore(all(0), DefaultWeights()))
	assert.Equal(t, 100.0, CompositeScore(all(100), DefaultWeights()))

	// Out-of-range inputs are clamped before weighting
	assert.Equal(t, 100.0, CompositeScore(all(250), DefaultWeights()))
	assert.Equal(t, 0.0, CompositeScore(all(-50), DefaultWeights()))
}

func TestObservationCeilings(t *testing.T) {
	cases := []struct {
		tier    ObservationTier
		ceiling float64
	}{
		{TierOpaque, 60},
		{TierGrayBox, 75},
		{TierWhiteBox, 90},
		{TierAttested, 95},
		{TierFullyVerified, 100},
		{ObservationTier(99), 60}, // unknown treated as opaque
	}

	for _, tc := range cases {
		t.Run(tc.tier.String(), func(t *testing.T) {
			assert.Equal(t, tc.ceiling, tc.tier.Ceiling())
			assert.Equal(t, tc.ceiling, ApplyObservationCeiling(100, tc.tier))
			// A score below the ceiling is never raised
			assert.Equal(t, 10.0, ApplyObservationCeiling(10, tc.tier))
		})
	}
}

func TestAdjustedScoreClampedByTier(t *testing.T) {
	dims := Dimensions{
		DimCompetency:     80,
		DimBehavioral:     60,
		DimGovernance:     70,
		DimTransparency:   50,
		DimAccountability: 40,
	}

	// 62.5 composite sits below the gray-box ceiling of 75
	gray, err := NewProfile("agent-1", dims, TierGrayBox, DefaultWeights())
	require.NoError(t, err)
	assert.Equal(t, 62.5, gray.CompositeScore)
	assert.Equal(t, 62.5, gray.AdjustedScore)

	// The same dimensions under an opaque tier are capped at 60
	opaque, err := NewProfile("agent-1", dims, TierOpaque, DefaultWeights())
	require.NoError(t, err)
	assert.Equal(t, 62.5, opaque.CompositeScore)
	assert.Equal(t, 60.0, opaque.AdjustedScore)
}

func TestWeightPresetsAreValid(t *testing.T) {
	assert.NoError(t, DefaultWeights().Validate())
	assert.NoError(t, ConservativeWeights().Validate())
	assert.NoError(t, CompetencyWeights().Validate())
}

func TestWeightsValidateRejects(t *testing.T) {
	missing := Weights{DimCompetency: 1.0}
	assert.ErrorIs(t, missing.Validate(), ErrInvalidWeights)

	negative := DefaultWeights()
	negative[DimCompetency] = -0.25
	assert.ErrorIs(t, negative.Validate(), ErrInvalidWeights)

	unnormalized := Weights{
		DimCompetency:     1,
		DimBehavioral:     1,
		DimGovernance:     1,
		DimTransparency:   1,
		DimAccountability: 1,
	}
	assert.ErrorIs(t, unnormalized.Validate(), ErrInvalidWeights)
}

func TestWeightsNormalized(t *testing.T) {
	unnormalized := Weights{
		DimCompetency:     2,
		DimBehavioral:     2,
		DimGovernance:     2,
		DimTransparency:   2,
		DimAccountability: 2,
	}

	normalized, err := unnormalized.Normalized()
	require.NoError(t, err)
	assert.NoError(t, normalized.Validate())
	assert.InDelta(t, 0.2, normalized[DimCompetency], 1e-9)

	zero := Weights{}
	_, err = zero.Normalized()
	assert.ErrorIs(t, err, ErrInvalidWeights)
}

func TestNewCalculatorAutoNormalizes(t *testing.T) {
	calc, err := NewCalculator(Weights{
		DimCompetency:     1,
		DimBehavioral:     1,
		DimGovernance:     1,
		DimTransparency:   1,
		DimAccountability: 1,
	})
	require.NoError(t, err)
	assert.NoError(t, calc.Weights().Validate())
}

func TestApplyEvidenceProducesNewVersion(t *testing.T) {
	calc, err := NewCalculator(nil)
	require.NoError(t, err)

	profile, err := NewProfile("agent-1", Dimensions{
		DimCompetency:     50,
		DimBehavioral:     50,
		DimGovernance:     50,
		DimTransparency:   50,
		DimAccountability: 50,
	}, TierWhiteBox, calc.Weights())
	require.NoError(t, err)

	next, err := calc.ApplyEvidence(profile, []Evidence{
		{Dimension: DimCompetency, Impact: 20, Source: "task-review", Timestamp: time.Now()},
		{Dimension: DimGovernance, Impact: -10, Source: "policy-audit", Timestamp: time.Now()},
	})
	require.NoError(t, err)

	assert.Equal(t, 70.0, next.Dimensions[DimCompetency])
	assert.Equal(t, 40.0, next.Dimensions[DimGovernance])
	assert.Equal(t, profile.Version+1, next.Version)

	// The input snapshot is untouched
	assert.Equal(t, 50.0, profile.Dimensions[DimCompetency])
	assert.Equal(t, int64(1), profile.Version)
}

func TestApplyEvidenceClampsImpactAndDimensions(t *testing.T) {
	calc, err := NewCalculator(nil)
	require.NoError(t, err)

	profile, err := NewProfile("agent-1", Dimensions{
		DimCompetency:     90,
		DimBehavioral:     5,
		DimGovernance:     50,
		DimTransparency:   50,
		DimAccountability: 50,
	}, TierFullyVerified, calc.Weights())
	require.NoError(t, err)

	next, err := calc.ApplyEvidence(profile, []Evidence{
		// Impact clamped to +100, dimension clamped to 100
		{Dimension: DimCompetency, Impact: 500, Source: "bulk-import", Timestamp: time.Now()},
		// Impact clamped to -100, dimension clamped to 0
		{Dimension: DimBehavioral, Impact: -500, Source: "bulk-import", Timestamp: time.Now()},
	})
	require.NoError(t, err)

	assert.Equal(t, 100.0, next.Dimensions[DimCompetency])
	assert.Equal(t, 0.0, next.Dimensions[DimBehavioral])
}

func TestApplyEvidenceRejectsMalformed(t *testing.T) {
	calc, err := NewCalculator(nil)
	require.NoError(t, err)

	profile, err := NewProfile("agent-1", Dimensions{}, TierOpaque, calc.Weights())
	require.NoError(t, err)

	_, err = calc.ApplyEvidence(profile, []Evidence{
		{Dimension: "ZZ", Impact: 1, Source: "x"},
	})
	assert.ErrorIs(t, err, ErrInvalidEvidence)

	_, err = calc.ApplyEvidence(profile, []Evidence{
		{Dimension: DimCompetency, Impact: 1, Source: ""},
	})
	assert.ErrorIs(t, err, ErrInvalidEvidence)
}

func TestSetObservationTierRecomputesAdjusted(t *testing.T) {
	calc, err := NewCalculator(nil)
	require.NoError(t, err)

	profile, err := NewProfile("agent-1", Dimensions{
		DimCompetency:     90,
		DimBehavioral:     90,
		DimGovernance:     90,
		DimTransparency:   90,
		DimAccountability: 90,
	}, TierOpaque, calc.Weights())
	require.NoError(t, err)
	assert.Equal(t, 60.0, profile.AdjustedScore)

	upgraded := calc.SetObservationTier(profile, TierAttested)
	assert.Equal(t, profile.CompositeScore, upgraded.CompositeScore)
	assert.Equal(t, 90.0, upgraded.AdjustedScore)
	assert.Equal(t, profile.Version+1, upgraded.Version)
}

func TestRegistryVersionOrdering(t *testing.T) {
	reg := NewRegistry()

	p1, err := NewProfile("agent-1", Dimensions{}, TierOpaque, DefaultWeights())
	require.NoError(t, err)
	reg.Put(p1)

	p2 := *p1
	p2.Version = 2
	reg.Put(&p2)
	assert.Equal(t, int64(2), reg.Get("agent-1").Version)

	// Stale writes do not roll back the registry
	reg.Put(p1)
	assert.Equal(t, int64(2), reg.Get("agent-1").Version)
}

func TestDecaySweeperFloorsAndSkipsActive(t *testing.T) {
	reg := NewRegistry()
	calc, err := NewCalculator(nil)
	require.NoError(t, err)

	stale, err := NewProfile("stale-agent", Dimensions{
		DimCompetency:     80,
		DimBehavioral:     10, // at the floor already
		DimGovernance:     80,
		DimTransparency:   80,
		DimAccountability: 80,
	}, TierFullyVerified, calc.Weights())
	require.NoError(t, err)
	stale.ComputedAt = time.Now().Add(-30 * 24 * time.Hour)
	reg.Put(stale)

	fresh, err := NewProfile("fresh-agent", Dimensions{
		DimCompetency: 80,
	}, TierFullyVerified, calc.Weights())
	require.NoError(t, err)
	reg.Put(fresh)

	cfg := DefaultDecayConfig()
	cfg.Interval = time.Hour // sweep manually, not on the ticker
	sweeper := NewDecaySweeper(reg, func(_ context.Context, agentID string, ev []Evidence) error {
		next, err := calc.ApplyEvidence(reg.Get(agentID), ev)
		if err != nil {
			return err
		}
		reg.Put(next)
		return nil
	}, cfg)
	defer sweeper.Stop()

	decayed := sweeper.Sweep(context.Background())
	assert.Equal(t, 1, decayed)

	got := reg.Get("stale-agent")
	assert.Equal(t, 79.0, got.Dimensions[DimCompetency])
	assert.Equal(t, 10.0, got.Dimensions[DimBehavioral])
	assert.Equal(t, int64(2), got.Version)

	assert.Equal(t, int64(1), reg.Get("fresh-agent").Version)
}
