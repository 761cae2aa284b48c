package bands

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClassifier(cfg Config) (*Classifier, *time.Time) {
	c := NewClassifier(cfg)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.nowFn = func() time.Time { return now }
	return c, &now
}

func TestBandForScorePartition(t *testing.T) {
	cases := []struct {
		score float64
		want  Band
	}{
		{0, BandT0},
		{99.9, BandT0},
		{100, BandT1},
		{299.9, BandT1},
		{300, BandT2},
		{499.9, BandT2},
		{500, BandT3},
		{699.9, BandT3},
		{700, BandT4},
		{899.9, BandT4},
		{900, BandT5},
		{1000, BandT5},
		// Out-of-range scores clamp to the scale
		{-10, BandT0},
		{5000, BandT5},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, BandForScore(tc.score), "score %.1f", tc.score)
	}
}

func TestBandForScoreNoGapsNoOverlaps(t *testing.T) {
	// Every score on the scale maps to exactly one band, and bands are
	// monotonically non-decreasing in score.
	prev := BandT0
	for s := 0.0; s <= 1000.0; s += 0.5 {
		b := BandForScore(s)
		assert.GreaterOrEqual(t, b, prev, "score %.1f", s)
		assert.GreaterOrEqual(t, s, b.LowerBound())
		if b < BandT5 {
			assert.Less(t, s, b.UpperBound())
		}
		prev = b
	}
}

func TestImmediateDemotionCrossesBands(t *testing.T) {
	c, _ := newTestClassifier(DefaultConfig())
	c.Assign("agent-1", 900) // T5

	tr, err := c.EvaluateTransition("agent-1", 120)
	require.NoError(t, err)
	assert.Equal(t, DirectionDemotion, tr.Direction)
	assert.Equal(t, BandT5, tr.From)
	assert.Equal(t, BandT1, tr.To)

	current, err := c.Current("agent-1")
	require.NoError(t, err)
	assert.Equal(t, BandT1, current)
}

func TestPromotionRequiresMarginAndDwell(t *testing.T) {
	cfg := DefaultConfig()
	c, now := newTestClassifier(cfg)
	c.Assign("agent-1", 350) // T2

	// Margin not cleared: 500 + 25 = 525 required
	tr, err := c.EvaluateTransition("agent-1", 510)
	require.NoError(t, err)
	assert.Equal(t, DirectionNone, tr.Direction)

	// Margin cleared but dwell not served
	tr, err = c.EvaluateTransition("agent-1", 530)
	require.NoError(t, err)
	assert.Equal(t, DirectionNone, tr.Direction)
	assert.Contains(t, tr.Reason, "promotion deferred")

	// Serve the dwell, then the same score promotes one band
	*now = now.Add(cfg.MinDwell + time.Hour)
	tr, err = c.EvaluateTransition("agent-1", 530)
	require.NoError(t, err)
	assert.Equal(t, DirectionPromotion, tr.Direction)
	assert.Equal(t, BandT2, tr.From)
	assert.Equal(t, BandT3, tr.To)
}

func TestPromotionClimbsOneBandAtATime(t *testing.T) {
	cfg := DefaultConfig()
	c, now := newTestClassifier(cfg)
	c.Assign("agent-1", 120) // T1
	*now = now.Add(cfg.MinDwell + time.Hour)

	// A huge score still only moves one band per evaluation
	tr, err := c.EvaluateTransition("agent-1", 990)
	require.NoError(t, err)
	assert.Equal(t, BandT2, tr.To)

	// The dwell clock restarted in the new band
	tr, err = c.EvaluateTransition("agent-1", 990)
	require.NoError(t, err)
	assert.Equal(t, DirectionNone, tr.Direction)
}

func TestNoFlappingAtBoundary(t *testing.T) {
	cfg := DefaultConfig()
	c, now := newTestClassifier(cfg)
	c.Assign("agent-1", 510) // T3, just above the 500 edge
	*now = now.Add(cfg.MinDwell + time.Hour)

	// Oscillate across the 500 boundary but inside the 25-point margin
	// on both sides. The band must never change.
	transitions := 0
	scores := []float64{505, 498, 510, 495, 488, 502, 515, 480}
	for i := 0; i < 50; i++ {
		tr, err := c.EvaluateTransition("agent-1", scores[i%len(scores)])
		require.NoError(t, err)
		if tr.From != tr.To {
			transitions++
		}
		*now = now.Add(time.Minute)
	}
	assert.Zero(t, transitions)

	current, err := c.Current("agent-1")
	require.NoError(t, err)
	assert.Equal(t, BandT3, current)
}

func TestDemotionRequiresMargin(t *testing.T) {
	cfg := DefaultConfig()
	c, _ := newTestClassifier(cfg)
	c.Assign("agent-1", 520) // T3

	// Inside the margin below the 500 edge: hold
	tr, err := c.EvaluateTransition("agent-1", 490)
	require.NoError(t, err)
	assert.Equal(t, DirectionNone, tr.Direction)
	assert.Equal(t, BandT3, tr.To)

	// Past the margin: demotes with no dwell
	tr, err = c.EvaluateTransition("agent-1", 470)
	require.NoError(t, err)
	assert.Equal(t, DirectionDemotion, tr.Direction)
	assert.Equal(t, BandT2, tr.To)
}

func TestEveryEvaluationIsRecorded(t *testing.T) {
	cfg := DefaultConfig()
	c, now := newTestClassifier(cfg)
	c.Assign("agent-1", 350) // T2

	// A hold and a deferred promotion both land in the log
	_, err := c.EvaluateTransition("agent-1", 360)
	require.NoError(t, err)
	_, err = c.EvaluateTransition("agent-1", 530)
	require.NoError(t, err)

	log := c.History().Transitions("agent-1")
	require.Len(t, log, 3)
	assert.Equal(t, DirectionNone, log[1].Direction)
	assert.Contains(t, log[2].Reason, "promotion deferred")

	// Held evaluations do not count against stability
	assert.Equal(t, 1.0, c.History().StabilityScore("agent-1", 24*time.Hour, c.nowFn()))

	// The dwell clock still runs from band entry, not the last hold
	*now = now.Add(cfg.MinDwell + time.Hour)
	tr, err := c.EvaluateTransition("agent-1", 530)
	require.NoError(t, err)
	assert.Equal(t, DirectionPromotion, tr.Direction)
}

func TestStabilityScore(t *testing.T) {
	h := NewHistory()
	now := time.Now()

	h.Append(Transition{AgentID: "a", From: BandT2, To: BandT2, OccurredAt: now.Add(-time.Hour)})
	assert.Equal(t, 1.0, h.StabilityScore("a", 24*time.Hour, now))

	for i := 0; i < 4; i++ {
		h.Append(Transition{AgentID: "a", From: BandT2, To: BandT3, OccurredAt: now.Add(-time.Duration(i) * time.Minute)})
	}
	assert.Equal(t, 0.0, h.StabilityScore("a", 24*time.Hour, now))

	// Unknown agents are trivially stable
	assert.Equal(t, 1.0, h.StabilityScore("nobody", 24*time.Hour, now))
}

func TestEnteredCurrentAtWalksConsecutiveEntries(t *testing.T) {
	h := NewHistory()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	h.Append(Transition{AgentID: "a", From: BandT1, To: BandT2, OccurredAt: t0})
	h.Append(Transition{AgentID: "a", From: BandT2, To: BandT2, OccurredAt: t0.Add(time.Hour)})

	assert.Equal(t, t0, h.EnteredCurrentAt("a"))

	h.Append(Transition{AgentID: "a", From: BandT2, To: BandT3, OccurredAt: t0.Add(2 * time.Hour)})
	assert.Equal(t, t0.Add(2*time.Hour), h.EnteredCurrentAt("a"))
}

func TestUnknownAgentSeedsOnFirstEvaluation(t *testing.T) {
	c, _ := newTestClassifier(DefaultConfig())

	_, err := c.Current("new-agent")
	assert.ErrorIs(t, err, ErrUnknownAgent)

	tr, err := c.EvaluateTransition("new-agent", 700)
	require.NoError(t, err)
	assert.Equal(t, BandT4, tr.To)
	assert.Equal(t, "initial assignment", tr.Reason)
}
