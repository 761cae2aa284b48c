package breaker

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// State represents the breaker state for one agent.
type State int

const (
	StateClosed   State = iota // Normal operation, baseline learning
	StateDegraded              // Elevated anomaly, heightened scrutiny
	StateOpen                  // Agent cut off
	StateHalfOpen              // Probing for recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateDegraded:
		return "DEGRADED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Common errors
var (
	ErrBreakerOpen = errors.New("circuit breaker is open")
)

// ============================================================================
// CONFIGURATION
// ============================================================================

// Config holds breaker tuning for one agent.
type Config struct {
	// DegradedThreshold: anomaly at or above this enters DEGRADED
	DegradedThreshold float64

	// OpenThreshold: anomaly at or above this trips straight to OPEN
	OpenThreshold float64

	// RecoveryStreak: consecutive calm samples required before DEGRADED
	// settles back to CLOSED
	RecoveryStreak int

	// HalfOpenDelay: how long OPEN lasts before the next sample is
	// evaluated as a HALF_OPEN probe
	HalfOpenDelay time.Duration

	// HardLimits enforced by the rule-based anomaly component
	HardLimits HardLimits

	// OnStateChange is called on every transition
	OnStateChange func(agentID string, from, to State, score AnomalyScore)
}

// DefaultConfig returns the standard breaker tuning.
func DefaultConfig() Config {
	return Config{
		DegradedThreshold: 0.5,
		OpenThreshold:     0.8,
		RecoveryStreak:    3,
		HalfOpenDelay:     5 * time.Minute,
		HardLimits:        HardLimits{},
	}
}

// ============================================================================
// TERMINATION RECORD
// ============================================================================

// TerminationRecord is the forensic snapshot produced by ForceOpen.
type TerminationRecord struct {
	AgentID          string                   `json:"agent_id"`
	Reason           string                   `json:"reason"`
	StateAtHalt      State                    `json:"state_at_halt"`
	LastScore        AnomalyScore             `json:"last_score"`
	Baseline         map[string]MetricSummary `json:"baseline"`
	RecoveryAttempts int                      `json:"recovery_attempts"`
	HaltedAt         time.Time                `json:"halted_at"`
}

// ============================================================================
// BREAKER
// ============================================================================

// Breaker is the per-agent state machine. All entry points serialize on
// the internal mutex; callers never need their own locking.
type Breaker struct {
	mu sync.Mutex

	agentID  string
	config   Config
	state    State
	baseline *Baseline
	scorer   *scorer

	lastScore        AnomalyScore
	openedAt         time.Time
	recoveryCalm     int
	recoveryAttempts int
	forced           bool

	logger *log.Logger
	nowFn  func() time.Time
}

// New creates a breaker for one agent, starting CLOSED.
func New(agentID string, cfg Config) *Breaker {
	baseline := NewBaseline()
	return &Breaker{
		agentID:  agentID,
		config:   cfg,
		state:    StateClosed,
		baseline: baseline,
		scorer:   newScorer(cfg.HardLimits, baseline),
		logger:   log.New(log.Writer(), fmt.Sprintf("[Breaker:%s] ", agentID), log.LstdFlags),
		nowFn:    time.Now,
	}
}

// State returns the current state, applying the lazy OPEN -> HALF_OPEN
// time gate. No timer goroutine exists; the clock is checked on access.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(b.nowFn())
}

// LastScore returns the most recent anomaly score.
func (b *Breaker) LastScore() AnomalyScore {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastScore
}

// Allow reports whether the agent may act right now.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.currentState(b.nowFn()) == StateOpen {
		return fmt.Errorf("%w: agent %s", ErrBreakerOpen, b.agentID)
	}
	return nil
}

// currentState applies the lazy half-open gate. Callers hold b.mu.
// A forced halt never auto-recovers; only Reset clears it.
func (b *Breaker) currentState(now time.Time) State {
	if b.state == StateOpen && !b.forced && now.Sub(b.openedAt) >= b.config.HalfOpenDelay {
		b.setState(StateHalfOpen, b.lastScore)
		b.recoveryAttempts++
	}
	return b.state
}

// RecordMetrics scores one behavioral sample and drives the state
// machine. The baseline learns from the sample only while CLOSED, and
// only after the sample itself scored calm, so a tripping sample never
// becomes part of "normal".
func (b *Breaker) RecordMetrics(m Metrics) AnomalyScore {
	b.mu.Lock()
	defer b.mu.Unlock()

	if m.Timestamp.IsZero() {
		m.Timestamp = b.nowFn()
	}

	state := b.currentState(m.Timestamp)
	score := b.scorer.Score(m)
	b.lastScore = score

	switch state {
	case StateClosed:
		switch {
		case score.Overall >= b.config.OpenThreshold:
			b.trip(score)
		case score.Overall >= b.config.DegradedThreshold:
			b.setState(StateDegraded, score)
			b.recoveryCalm = 0
		default:
			b.baseline.Learn(m)
		}

	case StateDegraded:
		switch {
		case score.Overall >= b.config.OpenThreshold:
			b.trip(score)
		case score.Overall < 0.7*b.config.DegradedThreshold:
			b.recoveryCalm++
			if b.recoveryCalm >= b.config.RecoveryStreak {
				b.setState(StateClosed, score)
				b.recoveryCalm = 0
			}
		default:
			// Neither calm nor tripping resets the streak
			b.recoveryCalm = 0
		}

	case StateHalfOpen:
		if score.Overall >= b.config.DegradedThreshold {
			b.trip(score)
		} else {
			b.setState(StateClosed, score)
			b.recoveryCalm = 0
		}

	case StateOpen:
		// Samples while open are scored for the record but change nothing
	}

	return score
}

func (b *Breaker) trip(score AnomalyScore) {
	b.setState(StateOpen, score)
	b.openedAt = b.nowFn()
	b.recoveryCalm = 0
}

func (b *Breaker) setState(to State, score AnomalyScore) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.logger.Printf("State change: %s -> %s (anomaly=%.3f)", from, to, score.Overall)
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.agentID, from, to, score)
	}
}

// ForceOpen is the unconditional emergency halt. It bypasses scoring,
// needs no prior metrics sample, and returns a forensic snapshot. The
// breaker stays OPEN until explicitly Reset.
func (b *Breaker) ForceOpen(reason string) TerminationRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	record := TerminationRecord{
		AgentID:          b.agentID,
		Reason:           reason,
		StateAtHalt:      b.state,
		LastScore:        b.lastScore,
		Baseline:         b.baseline.Snapshot(),
		RecoveryAttempts: b.recoveryAttempts,
		HaltedAt:         b.nowFn(),
	}

	b.setState(StateOpen, b.lastScore)
	b.openedAt = b.nowFn()
	b.forced = true
	b.recoveryCalm = 0
	b.logger.Printf("Force-opened: %s", reason)
	return record
}

// Reset returns the breaker to CLOSED, clearing a forced halt. The
// learned baseline is kept; the agent's history did not change.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forced = false
	b.recoveryCalm = 0
	b.setState(StateClosed, b.lastScore)
}

// BaselineSnapshot exposes the learned baseline for status endpoints.
func (b *Breaker) BaselineSnapshot() map[string]MetricSummary {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.baseline.Snapshot()
}
