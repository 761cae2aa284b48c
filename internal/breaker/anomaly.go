package breaker

import (
	"fmt"
	"time"
)

// Ensemble weights. Rule-based violations dominate because a hard limit
// breach is unambiguous; statistical and sequential signals refine the
// picture.
const (
	weightRuleBased   = 0.50
	weightStatistical = 0.35
	weightSequential  = 0.15

	// zSaturation: a z-score of 4 maps to a statistical component of 1.0
	zSaturation = 4.0

	// trendWindow: samples inspected by the sequential trend check
	trendWindow = 5
)

// AnomalyComponents breaks the overall score into its ensemble parts.
type AnomalyComponents struct {
	RuleBased   float64 `json:"rule_based"`
	Statistical float64 `json:"statistical"`
	Sequential  float64 `json:"sequential"`
}

// AnomalyScore is the result of scoring one metrics sample.
type AnomalyScore struct {
	Overall    float64           `json:"overall"`
	Components AnomalyComponents `json:"components"`
	Factors    []string          `json:"factors,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// HardLimits maps metric names to absolute maxima. Any single breach
// floors the rule-based component at 1.0 regardless of how normal the
// rest of the sample looks.
type HardLimits map[string]float64

// scorer computes ensemble anomaly scores for one agent. Not safe for
// concurrent use; the owning Breaker serializes access.
type scorer struct {
	limits   HardLimits
	baseline *Baseline

	// Rolling overall scores for the sequential trend check
	recent []float64
}

func newScorer(limits HardLimits, baseline *Baseline) *scorer {
	return &scorer{limits: limits, baseline: baseline}
}

// Score computes the ensemble anomaly for one sample. It reads the
// baseline but never updates it; learning is the breaker's call.
func (sc *scorer) Score(m Metrics) AnomalyScore {
	score := AnomalyScore{Timestamp: m.Timestamp}

	score.Components.RuleBased, score.Factors = sc.ruleBased(m, score.Factors)
	score.Components.Statistical, score.Factors = sc.statistical(m, score.Factors)

	score.Overall = weightRuleBased*score.Components.RuleBased +
		weightStatistical*score.Components.Statistical

	// The trend check runs over the partial overall so a sudden
	// acceleration of already-suspicious samples compounds.
	score.Components.Sequential, score.Factors = sc.sequential(score.Overall, score.Factors)
	score.Overall += weightSequential * score.Components.Sequential

	if score.Overall > 1 {
		score.Overall = 1
	}

	sc.recent = append(sc.recent, score.Overall)
	if len(sc.recent) > trendWindow {
		sc.recent = sc.recent[len(sc.recent)-trendWindow:]
	}
	return score
}

// ruleBased checks hard limits. A single breach floors the component at
// 1.0; near-limit values contribute proportionally above 80% of a limit.
func (sc *scorer) ruleBased(m Metrics, factors []string) (float64, []string) {
	component := 0.0
	for name, limit := range sc.limits {
		v, ok := m.Counters[name]
		if !ok || limit <= 0 {
			continue
		}
		if v > limit {
			factors = append(factors, fmt.Sprintf("hard limit breached: %s=%.2f > %.2f", name, v, limit))
			return 1.0, factors
		}
		if ratio := v / limit; ratio > 0.8 {
			// Approaching a limit is a graded warning
			partial := (ratio - 0.8) / 0.2
			if partial > component {
				component = partial
			}
			factors = append(factors, fmt.Sprintf("approaching limit: %s=%.2f of %.2f", name, v, limit))
		}
	}
	return component, factors
}

// statistical scores the worst z-score across the sample's metrics,
// normalized so z >= 4 saturates to 1.0. An unready baseline scores zero
// rather than guessing.
func (sc *scorer) statistical(m Metrics, factors []string) (float64, []string) {
	if !sc.baseline.Ready() {
		return 0, factors
	}
	worst := 0.0
	worstName := ""
	for name, v := range m.Counters {
		if z := sc.baseline.ZScore(name, v); z > worst {
			worst = z
			worstName = name
		}
	}
	if worst >= 2 {
		factors = append(factors, fmt.Sprintf("statistical deviation: %s at z=%.2f", worstName, worst))
	}
	component := worst / zSaturation
	if component > 1 {
		component = 1
	}
	return component, factors
}

// sequential flags rapid score acceleration over the last samples:
// strictly rising scores with a meaningful total climb.
func (sc *scorer) sequential(current float64, factors []string) (float64, []string) {
	if len(sc.recent) < trendWindow-1 {
		return 0, factors
	}
	window := append(append([]float64{}, sc.recent[len(sc.recent)-(trendWindow-1):]...), current)

	rising := true
	for i := 1; i < len(window); i++ {
		if window[i] <= window[i-1] {
			rising = false
			break
		}
	}
	if !rising {
		return 0, factors
	}

	climb := window[len(window)-1] - window[0]
	if climb < 0.1 {
		return 0, factors
	}

	factors = append(factors, fmt.Sprintf("anomaly score accelerating: +%.2f over last %d samples", climb, trendWindow))
	component := climb / 0.5
	if component > 1 {
		component = 1
	}
	return component, factors
}
