// Package kernel wires the trust calculator, band classifier, pre-action
// gate, circuit breaker, ceiling layer, and audit ledger into one
// governance surface. It owns the per-agent sequencing boundary: all
// mutations of one agent's trust, band, and breaker state are serialized
// behind a keyed lock, while different agents proceed in parallel.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cognigate/kernel/internal/bands"
	"github.com/cognigate/kernel/internal/breaker"
	"github.com/cognigate/kernel/internal/ceiling"
	"github.com/cognigate/kernel/internal/events"
	"github.com/cognigate/kernel/internal/gate"
	"github.com/cognigate/kernel/internal/ledger"
	"github.com/cognigate/kernel/internal/metrics"
	"github.com/cognigate/kernel/internal/trust"
)

// ErrAuditUnavailable is returned when a decision could not be appended
// to the audit chain. In-process state is already updated and stays
// consistent; by default the caller must treat the operation as not
// safe to act on.
var ErrAuditUnavailable = errors.New("audit ledger append failed")

// Config assembles the tuning of every layer.
type Config struct {
	Weights       trust.Weights
	InitialTier   trust.ObservationTier
	BandConfig    bands.Config
	GateConfig    gate.Config
	BreakerConfig breaker.Config
	Limits        ceiling.Limits
	Framework     ceiling.Framework
	Detector      ceiling.DetectorConfig

	// ProceedWithoutAudit lets decisions stand when the ledger is
	// unreachable. Default false: no audit coverage, no action.
	ProceedWithoutAudit bool
}

// DefaultConfig returns standard tuning for every layer.
func DefaultConfig() Config {
	return Config{
		Weights:       trust.DefaultWeights(),
		InitialTier:   trust.TierOpaque,
		BandConfig:    bands.DefaultConfig(),
		GateConfig:    gate.DefaultConfig(),
		BreakerConfig: breaker.DefaultConfig(),
		Framework:     ceiling.FrameworkNone,
		Detector:      ceiling.DefaultDetectorConfig(),
	}
}

// Kernel is the orchestrator. All public methods are safe for
// concurrent use.
type Kernel struct {
	cfg        Config
	calc       *trust.Calculator
	profiles   *trust.Registry
	classifier *bands.Classifier
	gate       *gate.Gate
	breakers   *breaker.Registry
	enforcer   *ceiling.Enforcer
	detector   *ceiling.Detector
	chain      *ledger.Chain
	bus        events.Emitter
	metrics    *metrics.Metrics
	logger     *log.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New builds a kernel over an audit chain. bus and m may be nil when
// streaming and instrumentation are not wanted.
func New(cfg Config, chain *ledger.Chain, bus events.Emitter, m *metrics.Metrics) (*Kernel, error) {
	if chain == nil {
		return nil, errors.New("kernel requires an audit chain")
	}
	calc, err := trust.NewCalculator(cfg.Weights)
	if err != nil {
		return nil, err
	}

	k := &Kernel{
		cfg:        cfg,
		calc:       calc,
		profiles:   trust.NewRegistry(),
		classifier: bands.NewClassifier(cfg.BandConfig),
		breakers:   breaker.NewRegistry(cfg.BreakerConfig),
		detector:   ceiling.NewDetector(cfg.Detector, cfg.Framework),
		chain:      chain,
		bus:        bus,
		metrics:    m,
		logger:     log.New(log.Writer(), "[Kernel] ", log.LstdFlags),
		locks:      make(map[string]*sync.Mutex),
	}
	k.enforcer = ceiling.NewEnforcer(k.detector)
	k.gate = gate.New(cfg.GateConfig, k)
	return k, nil
}

// Gate exposes the pre-action gate for pending-state administration.
func (k *Kernel) Gate() *gate.Gate { return k.gate }

// Chain exposes the audit chain for read paths and verification.
func (k *Kernel) Chain() *ledger.Chain { return k.chain }

// Breakers exposes the breaker registry for status endpoints.
func (k *Kernel) Breakers() *breaker.Registry { return k.breakers }

// BandHistory exposes the append-only transition record.
func (k *Kernel) BandHistory() *bands.History { return k.classifier.History() }

// Profiles exposes the trust profile registry.
func (k *Kernel) Profiles() *trust.Registry { return k.profiles }

// lockFor returns the sequencing lock for one agent, creating it lazily.
func (k *Kernel) lockFor(agentID string) *sync.Mutex {
	k.locksMu.Lock()
	defer k.locksMu.Unlock()
	mu, ok := k.locks[agentID]
	if !ok {
		mu = &sync.Mutex{}
		k.locks[agentID] = mu
	}
	return mu
}

// GetTrustScore implements gate.TrustProvider: the agent's adjusted
// score projected onto the kernel scale and clamped by the configured
// ceilings. Pure read; unknown agents report ok=false so the gate
// falls back to zero-start.
func (k *Kernel) GetTrustScore(agentID string) (float64, bool) {
	profile := k.profiles.Get(agentID)
	if profile == nil {
		return 0, false
	}
	clamped, _ := ceiling.Apply(profile.AdjustedScore*10, k.cfg.Limits)
	return clamped, true
}

// RegisterAgent creates the version-1 profile and seeds the agent's
// band. Dimensions default to zero: trust is earned, never assumed.
func (k *Kernel) RegisterAgent(ctx context.Context, agentID string, dims trust.Dimensions, tier trust.ObservationTier) (*trust.Profile, error) {
	mu := k.lockFor(agentID)
	mu.Lock()
	defer mu.Unlock()

	if existing := k.profiles.Get(agentID); existing != nil {
		return existing, nil
	}
	if dims == nil {
		dims = trust.Dimensions{}
	}

	profile, err := trust.NewProfile(agentID, dims, tier, k.calc.Weights())
	if err != nil {
		return nil, err
	}
	k.profiles.Put(profile)

	decision := k.enforcer.Enforce(agentID, profile.AdjustedScore*10, k.cfg.Limits)
	transition := k.classifier.Assign(agentID, decision.ClampedScore)
	k.observeScore(profile, decision, transition)

	if err := k.audit(ctx, ledger.EventScoreRecomputed, agentID, "", map[string]interface{}{
		"version":        profile.Version,
		"composite":      profile.CompositeScore,
		"adjusted":       profile.AdjustedScore,
		"kernel_score":   decision.ClampedScore,
		"band":           transition.To.String(),
		"ceiling_source": string(decision.CeilingSource),
	}); err != nil {
		return profile, err
	}
	return profile, nil
}

// SubmitEvidence applies evidence deltas, recomputes the score, runs
// ceiling enforcement, and evaluates a band transition, all under the
// agent's sequencing lock. The new profile version stands even if the
// audit append fails; the returned error then tells the caller the
// decision has no audit coverage.
func (k *Kernel) SubmitEvidence(ctx context.Context, agentID string, evidence []trust.Evidence) (*trust.Profile, bands.Transition, error) {
	mu := k.lockFor(agentID)
	mu.Lock()
	defer mu.Unlock()

	profile := k.profiles.Get(agentID)
	if profile == nil {
		var err error
		profile, err = trust.NewProfile(agentID, trust.Dimensions{}, k.cfg.InitialTier, k.calc.Weights())
		if err != nil {
			return nil, bands.Transition{}, err
		}
	}

	next, err := k.calc.ApplyEvidence(profile, evidence)
	if err != nil {
		return nil, bands.Transition{}, err
	}
	k.profiles.Put(next)

	decision := k.enforcer.Enforce(agentID, next.AdjustedScore*10, k.cfg.Limits)
	transition, err := k.classifier.EvaluateTransition(agentID, decision.ClampedScore)
	if err != nil {
		return next, bands.Transition{}, err
	}
	k.observeScore(next, decision, transition)

	correlationID := uuid.New().String()
	if err := k.audit(ctx, ledger.EventScoreRecomputed, agentID, correlationID, map[string]interface{}{
		"version":        next.Version,
		"composite":      next.CompositeScore,
		"adjusted":       next.AdjustedScore,
		"raw_score":      decision.RawScore,
		"kernel_score":   decision.ClampedScore,
		"ceiling":        decision.Ceiling,
		"ceiling_source": string(decision.CeilingSource),
		"band":           transition.To.String(),
	}); err != nil {
		return next, transition, err
	}

	if decision.CeilingApplied {
		k.emit(events.TypeCeilingClamped, "/kernel/ceiling", agentID, map[string]interface{}{
			"raw":     decision.RawScore,
			"clamped": decision.ClampedScore,
			"source":  string(decision.CeilingSource),
		})
		if err := k.audit(ctx, ledger.EventCeilingClamped, agentID, correlationID, map[string]interface{}{
			"raw":     decision.RawScore,
			"clamped": decision.ClampedScore,
			"ceiling": decision.Ceiling,
			"source":  string(decision.CeilingSource),
		}); err != nil {
			return next, transition, err
		}
	}

	if transition.Direction != bands.DirectionNone {
		k.emit(events.TypeBandTransition, "/kernel/bands", agentID, map[string]interface{}{
			"from":      transition.From.String(),
			"to":        transition.To.String(),
			"direction": string(transition.Direction),
			"score":     transition.Score,
		})
		if err := k.audit(ctx, ledger.EventBandTransition, agentID, correlationID, map[string]interface{}{
			"from":      transition.From.String(),
			"to":        transition.To.String(),
			"direction": string(transition.Direction),
			"score":     transition.Score,
			"reason":    transition.Reason,
		}); err != nil {
			return next, transition, err
		}
	}

	k.emit(events.TypeScoreRecomputed, "/kernel/trust", agentID, map[string]interface{}{
		"version":      next.Version,
		"kernel_score": decision.ClampedScore,
		"band":         transition.To.String(),
	})

	k.raiseGamingIndicators(ctx, agentID)
	return next, transition, nil
}

// SetObservationTier moves an agent to a different verification tier
// and re-runs ceiling and band evaluation on the re-capped score.
func (k *Kernel) SetObservationTier(ctx context.Context, agentID string, tier trust.ObservationTier) (*trust.Profile, error) {
	mu := k.lockFor(agentID)
	mu.Lock()
	defer mu.Unlock()

	profile := k.profiles.Get(agentID)
	if profile == nil {
		return nil, fmt.Errorf("unknown agent %s", agentID)
	}

	next := k.calc.SetObservationTier(profile, tier)
	k.profiles.Put(next)

	decision := k.enforcer.Enforce(agentID, next.AdjustedScore*10, k.cfg.Limits)
	transition, err := k.classifier.EvaluateTransition(agentID, decision.ClampedScore)
	if err != nil {
		return next, err
	}
	k.observeScore(next, decision, transition)

	if err := k.audit(ctx, ledger.EventScoreRecomputed, agentID, "", map[string]interface{}{
		"version":      next.Version,
		"tier":         tier.String(),
		"adjusted":     next.AdjustedScore,
		"kernel_score": decision.ClampedScore,
		"band":         transition.To.String(),
	}); err != nil {
		return next, err
	}
	return next, nil
}

// VerifyAction runs the pre-action gate for a request. An OPEN breaker
// rejects outright before trust is even consulted. Every verdict is
// audited; with the default policy an unaudited verdict is returned
// alongside ErrAuditUnavailable and must not be acted on.
func (k *Kernel) VerifyAction(ctx context.Context, req gate.Request) (gate.Result, error) {
	started := time.Now()

	var result gate.Result
	if err := k.breakers.Get(req.AgentID).Allow(); err != nil {
		risk := gate.ClassifyRisk(req)
		result = gate.Result{
			VerificationID: uuid.New().String(),
			AgentID:        req.AgentID,
			Status:         gate.StatusRejected,
			RiskLevel:      risk,
			RequiredTrust:  risk.RequiredTrust(),
			Reasoning:      []string{"circuit breaker is open for this agent"},
			VerifiedAt:     time.Now().UTC(),
		}
	} else {
		var err error
		result, err = k.gate.Verify(req, nil)
		if err != nil {
			return gate.Result{}, err
		}
	}

	if k.metrics != nil {
		k.metrics.GateVerdicts.WithLabelValues(string(result.Status), result.RiskLevel.String()).Inc()
		k.metrics.GateLatency.WithLabelValues(result.RiskLevel.String()).Observe(time.Since(started).Seconds())
	}

	k.emit(events.TypeGateVerdict, "/kernel/gate", req.AgentID, map[string]interface{}{
		"verification_id": result.VerificationID,
		"status":          string(result.Status),
		"risk_level":      result.RiskLevel.String(),
		"current_trust":   result.CurrentTrust,
	})

	if err := k.audit(ctx, ledger.EventGateVerdict, req.AgentID, result.VerificationID, map[string]interface{}{
		"status":         string(result.Status),
		"risk_level":     result.RiskLevel.String(),
		"required_trust": result.RequiredTrust,
		"current_trust":  result.CurrentTrust,
		"trust_deficit":  result.TrustDeficit,
		"action_type":    req.ActionType,
		"resource":       req.Resource,
		"reasoning":      result.Reasoning,
	}); err != nil {
		return result, err
	}
	return result, nil
}

// CanProceed is the side-effect-free fast path over gate and breaker
// state. No events, no audit, no pending state.
func (k *Kernel) CanProceed(req gate.Request) bool {
	if k.breakers.Get(req.AgentID).Allow() != nil {
		return false
	}
	return k.gate.CanProceed(req, nil)
}

// ResolveVerification settles a pending verdict and audits the outcome.
func (k *Kernel) ResolveVerification(ctx context.Context, verificationID string, approved bool, resolver string) (gate.Result, error) {
	result, err := k.gate.Resolve(verificationID, approved, resolver)
	if err != nil {
		return gate.Result{}, err
	}

	if auditErr := k.audit(ctx, ledger.EventGateVerdict, result.AgentID, result.VerificationID, map[string]interface{}{
		"status":   string(result.Status),
		"resolver": resolver,
		"resolved": true,
	}); auditErr != nil {
		return result, auditErr
	}
	return result, nil
}

// RecordBehavior feeds one metrics sample to the agent's breaker and
// audits any resulting state transition.
func (k *Kernel) RecordBehavior(ctx context.Context, agentID string, sample breaker.Metrics) (breaker.AnomalyScore, breaker.State, error) {
	mu := k.lockFor(agentID)
	mu.Lock()
	defer mu.Unlock()

	b := k.breakers.Get(agentID)
	before := b.State()
	score := b.RecordMetrics(sample)
	after := b.State()

	if k.metrics != nil {
		k.metrics.AnomalyScore.WithLabelValues(agentID).Observe(score.Overall)
		k.metrics.BreakerState.WithLabelValues(agentID).Set(float64(after))
	}

	if before != after {
		k.emit(events.TypeBreakerTransition, "/kernel/breaker", agentID, map[string]interface{}{
			"from":    before.String(),
			"to":      after.String(),
			"anomaly": score.Overall,
		})
		if err := k.audit(ctx, ledger.EventBreakerTransition, agentID, "", map[string]interface{}{
			"from":    before.String(),
			"to":      after.String(),
			"anomaly": score.Overall,
			"factors": score.Factors,
		}); err != nil {
			return score, after, err
		}
	}
	return score, after, nil
}

// ForceOpen is the per-agent emergency halt.
func (k *Kernel) ForceOpen(ctx context.Context, agentID, reason string) (breaker.TerminationRecord, error) {
	mu := k.lockFor(agentID)
	mu.Lock()
	defer mu.Unlock()

	record := k.breakers.Get(agentID).ForceOpen(reason)
	if k.metrics != nil {
		k.metrics.ForcedHalts.WithLabelValues(agentID).Inc()
		k.metrics.BreakerState.WithLabelValues(agentID).Set(float64(breaker.StateOpen))
	}

	k.emit(events.TypeAgentHalted, "/kernel/breaker", agentID, map[string]interface{}{
		"reason": reason,
	})

	if err := k.audit(ctx, ledger.EventAgentHalted, agentID, "", map[string]interface{}{
		"reason":            reason,
		"state_at_halt":     record.StateAtHalt.String(),
		"recovery_attempts": record.RecoveryAttempts,
	}); err != nil {
		return record, err
	}
	return record, nil
}

// HaltAll force-opens every breaker. Returns all forensic records; the
// first audit failure is reported after all halts have taken effect.
func (k *Kernel) HaltAll(ctx context.Context, reason string) ([]breaker.TerminationRecord, error) {
	records := k.breakers.HaltAll(reason)

	var firstErr error
	for _, record := range records {
		if k.metrics != nil {
			k.metrics.ForcedHalts.WithLabelValues(record.AgentID).Inc()
		}
		k.emit(events.TypeAgentHalted, "/kernel/breaker", record.AgentID, map[string]interface{}{
			"reason": reason,
			"fleet":  true,
		})
		if err := k.audit(ctx, ledger.EventAgentHalted, record.AgentID, "", map[string]interface{}{
			"reason": reason,
			"fleet":  true,
		}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return records, firstErr
}

// RotateSigningKey rotates the ledger's signing key and records the
// rotation in the chain it signs.
func (k *Kernel) RotateSigningKey(ctx context.Context) error {
	signer := k.chain.Signer()
	if signer == nil {
		return errors.New("chain is unsigned")
	}
	next, err := signer.RotateKey()
	if err != nil {
		return err
	}

	k.emit(events.TypeKeyRotated, "/kernel/keys", "kernel", map[string]interface{}{
		"key_id":   next.KeyID,
		"sequence": next.RotationSequence,
	})
	return k.audit(ctx, ledger.EventKeyRotated, "kernel", "", map[string]interface{}{
		"key_id":   next.KeyID,
		"sequence": next.RotationSequence,
	})
}

// GamingIndicators runs detection for one agent on demand.
func (k *Kernel) GamingIndicators(agentID string) []ceiling.Indicator {
	return k.detector.Detect(agentID)
}

// observeScore updates metrics and the gaming detector's window with
// band context. Callers hold the agent lock.
func (k *Kernel) observeScore(profile *trust.Profile, decision ceiling.Decision, transition bands.Transition) {
	k.detector.Observe(profile.AgentID, decision.RawScore, decision.ClampedScore,
		transition.To.String(), decision.EvaluatedAt)

	if k.metrics == nil {
		return
	}
	k.metrics.TrustScore.WithLabelValues(profile.AgentID).Set(profile.AdjustedScore)
	k.metrics.ScoreRecomputation.WithLabelValues(profile.AgentID).Inc()
	k.metrics.CurrentBand.WithLabelValues(profile.AgentID).Set(float64(transition.To))
	if decision.CeilingApplied {
		k.metrics.CeilingClamps.WithLabelValues(string(decision.CeilingSource)).Inc()
	}
	if transition.Direction != bands.DirectionNone {
		k.metrics.BandTransitions.WithLabelValues(profile.AgentID, string(transition.Direction)).Inc()
	}
}

// raiseGamingIndicators surfaces fresh indicators as events. Indicator
// audit entries are best-effort; a ledger outage must not turn a score
// submission into a failure after the fact.
func (k *Kernel) raiseGamingIndicators(ctx context.Context, agentID string) {
	for _, ind := range k.detector.Detect(agentID) {
		if k.metrics != nil {
			k.metrics.GamingIndicators.WithLabelValues(agentID, string(ind.Kind)).Inc()
		}
		k.emit(events.TypeGamingIndicator, "/kernel/gaming", agentID, map[string]interface{}{
			"kind":   string(ind.Kind),
			"detail": ind.Detail,
		})
	}
}

func (k *Kernel) emit(eventType, source, agentID string, data map[string]interface{}) {
	if k.bus != nil {
		k.bus.Emit(eventType, source, agentID, data)
	}
}

func (k *Kernel) audit(ctx context.Context, eventType, agentID, correlationID string, payload map[string]interface{}) error {
	_, err := k.chain.Append(ctx, eventType, agentID, correlationID, payload)
	if err != nil {
		if k.metrics != nil {
			k.metrics.LedgerAppendErrors.Inc()
		}
		k.logger.Printf("Audit append failed for %s/%s: %v", eventType, agentID, err)
		if k.cfg.ProceedWithoutAudit {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrAuditUnavailable, err)
	}
	if k.metrics != nil {
		k.metrics.LedgerAppends.WithLabelValues(eventType).Inc()
	}
	return nil
}
