// Package bands assigns agents to discrete trust bands over the
// [0,1000] kernel score scale and applies hysteresis so agents near a
// boundary do not flap between bands on small score movements.
package bands

import (
	"errors"
	"fmt"
	"log"
	"time"
)

// ============================================================================
// BANDS
// ============================================================================

// Band is a discrete trust tier. Higher bands unlock riskier operations.
type Band int

const (
	BandT0 Band = iota // untrusted / quarantine
	BandT1             // provisional
	BandT2             // basic
	BandT3             // standard
	BandT4             // elevated
	BandT5             // critical-capable
)

func (b Band) String() string {
	switch b {
	case BandT0:
		return "T0"
	case BandT1:
		return "T1"
	case BandT2:
		return "T2"
	case BandT3:
		return "T3"
	case BandT4:
		return "T4"
	case BandT5:
		return "T5"
	default:
		return fmt.Sprintf("T?(%d)", int(b))
	}
}

// boundary[i] is the inclusive lower edge of band i. Together the bands
// partition [0,1000] with no gaps and no overlaps; only the top band
// includes its upper edge.
var boundaries = [...]float64{0, 100, 300, 500, 700, 900}

// MaxScore is the top of the kernel score scale.
const MaxScore = 1000.0

// BandForScore maps a raw kernel score to its band with no hysteresis.
// Scores are clamped to [0,1000] first.
func BandForScore(score float64) Band {
	if score < 0 {
		score = 0
	}
	if score > MaxScore {
		score = MaxScore
	}
	for b := len(boundaries) - 1; b >= 1; b-- {
		if score >= boundaries[b] {
			return Band(b)
		}
	}
	return BandT0
}

// LowerBound returns the inclusive lower edge of the band.
func (b Band) LowerBound() float64 {
	return boundaries[b]
}

// UpperBound returns the exclusive upper edge of the band (inclusive for
// the top band).
func (b Band) UpperBound() float64 {
	if b >= BandT5 {
		return MaxScore
	}
	return boundaries[b+1]
}

// ============================================================================
// TRANSITIONS
// ============================================================================

// Direction labels what a transition evaluation decided.
type Direction string

const (
	DirectionNone      Direction = "NONE"
	DirectionPromotion Direction = "PROMOTION"
	DirectionDemotion  Direction = "DEMOTION"
)

// Transition records one band change (or a gated non-change) for an agent.
type Transition struct {
	AgentID    string    `json:"agent_id"`
	From       Band      `json:"from"`
	To         Band      `json:"to"`
	Direction  Direction `json:"direction"`
	Score      float64   `json:"score"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Config tunes the hysteresis behavior.
type Config struct {
	// PromotionMargin: the hysteresis margin in points around a band
	// edge. A promotion needs the score above the next band's lower edge
	// by this much; a demotion needs it below the current band's lower
	// edge by this much. Scores inside the margin hold the current band.
	PromotionMargin float64

	// MinDwell: minimum time an agent must hold its current band before
	// it is eligible for promotion
	MinDwell time.Duration
}

// DefaultConfig returns the standard hysteresis tuning.
func DefaultConfig() Config {
	return Config{
		PromotionMargin: 25,
		MinDwell:        14 * 24 * time.Hour,
	}
}

var ErrUnknownAgent = errors.New("no band assignment for agent")

// Classifier applies hysteretic band transitions and keeps the
// append-only per-agent history. Demotions are asymmetric on purpose:
// once the score clears the margin below the current band they take
// effect immediately and can cross multiple bands, while promotions
// climb one band at a time and only after the agent has cleared the
// margin and served the dwell.
type Classifier struct {
	config  Config
	history *History
	logger  *log.Logger
	nowFn   func() time.Time
}

// NewClassifier creates a classifier with the given tuning.
func NewClassifier(cfg Config) *Classifier {
	return &Classifier{
		config:  cfg,
		history: NewHistory(),
		logger:  log.New(log.Writer(), "[Bands] ", log.LstdFlags),
		nowFn:   time.Now,
	}
}

// History exposes the append-only transition record.
func (c *Classifier) History() *History {
	return c.history
}

// Current returns the agent's current band assignment.
func (c *Classifier) Current(agentID string) (Band, error) {
	entry, ok := c.history.Latest(agentID)
	if !ok {
		return BandT0, ErrUnknownAgent
	}
	return entry.To, nil
}

// Assign seeds an agent's initial band directly from its score, with no
// hysteresis. Used on first contact only; subsequent scores must go
// through EvaluateTransition.
func (c *Classifier) Assign(agentID string, score float64) Transition {
	band := BandForScore(score)
	tr := Transition{
		AgentID:    agentID,
		From:       band,
		To:         band,
		Direction:  DirectionNone,
		Score:      score,
		Reason:     "initial assignment",
		OccurredAt: c.nowFn(),
	}
	c.history.Append(tr)
	return tr
}

// EvaluateTransition decides the agent's band for a new score.
//
// A score falling below the current band's lower edge by more than the
// margin demotes immediately to whatever band the raw score lands in. A
// score clearing the next band's lower edge plus the margin promotes
// one band, but only once the agent has dwelt in its current band for
// the configured minimum. Anything else, including scores inside the
// margin on either side of a boundary, keeps the current band. Every
// evaluation, allowed or not, is appended to the history.
func (c *Classifier) EvaluateTransition(agentID string, score float64) (Transition, error) {
	latest, ok := c.history.Latest(agentID)
	if !ok {
		return c.Assign(agentID, score), nil
	}
	current := latest.To
	now := c.nowFn()

	// Demotion path: no dwell, jumps straight to the score's band once
	// the margin below the current edge is cleared.
	if score < current.LowerBound()-c.config.PromotionMargin {
		target := BandForScore(score)
		tr := Transition{
			AgentID:    agentID,
			From:       current,
			To:         target,
			Direction:  DirectionDemotion,
			Score:      score,
			Reason:     fmt.Sprintf("score %.1f below %s lower bound %.0f - margin %.0f", score, current, current.LowerBound(), c.config.PromotionMargin),
			OccurredAt: now,
		}
		c.history.Append(tr)
		c.logger.Printf("Demoted %s: %s -> %s (score %.1f)", agentID, current, target, score)
		return tr, nil
	}

	// Promotion path: one band per evaluation, margin and dwell gated.
	if current < BandT5 {
		next := current + 1
		if score >= next.LowerBound()+c.config.PromotionMargin {
			dwelt := now.Sub(c.history.EnteredCurrentAt(agentID))
			if dwelt < c.config.MinDwell {
				tr := Transition{
					AgentID:    agentID,
					From:       current,
					To:         current,
					Direction:  DirectionNone,
					Score:      score,
					Reason:     fmt.Sprintf("promotion deferred: dwelt %s of required %s", dwelt.Round(time.Minute), c.config.MinDwell),
					OccurredAt: now,
				}
				c.history.Append(tr)
				return tr, nil
			}
			tr := Transition{
				AgentID:    agentID,
				From:       current,
				To:         next,
				Direction:  DirectionPromotion,
				Score:      score,
				Reason:     fmt.Sprintf("score %.1f cleared %s threshold %.0f + margin %.0f", score, next, next.LowerBound(), c.config.PromotionMargin),
				OccurredAt: now,
			}
			c.history.Append(tr)
			c.logger.Printf("Promoted %s: %s -> %s (score %.1f)", agentID, current, next, score)
			return tr, nil
		}
	}

	// Dead zone or within band: hold.
	tr := Transition{
		AgentID:    agentID,
		From:       current,
		To:         current,
		Direction:  DirectionNone,
		Score:      score,
		Reason:     "score within hysteresis band",
		OccurredAt: now,
	}
	c.history.Append(tr)
	return tr, nil
}
