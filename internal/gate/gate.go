package gate

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Common errors
var (
	ErrInvalidRequest      = errors.New("invalid gate request")
	ErrVerificationExpired = errors.New("verification expired")
	ErrUnknownVerification = errors.New("unknown verification id")
)

// Status is the outcome class of a gate verification.
type Status string

const (
	StatusApproved        Status = "APPROVED"
	StatusRejected        Status = "REJECTED"
	StatusPendingVerify   Status = "PENDING_VERIFICATION"
	StatusPendingApproval Status = "PENDING_HUMAN_APPROVAL"
)

// Result is an immutable verification verdict. A later request with the
// same intent produces a new result; results are never edited.
type Result struct {
	VerificationID string    `json:"verification_id"`
	AgentID        string    `json:"agent_id"`
	Status         Status    `json:"status"`
	RiskLevel      RiskLevel `json:"risk_level"`
	RequiredTrust  float64   `json:"required_trust"`
	CurrentTrust   float64   `json:"current_trust"`
	TrustDeficit   float64   `json:"trust_deficit"`
	Reasoning      []string  `json:"reasoning"`
	Requirements   []string  `json:"requirements,omitempty"`
	VerifiedAt     time.Time `json:"verified_at"`
	ExpiresAt      time.Time `json:"expires_at,omitempty"`
}

// TrustProvider resolves an agent's current kernel score. Unknown agents
// report ok=false and the gate falls back to zero trust.
type TrustProvider interface {
	GetTrustScore(agentID string) (score float64, ok bool)
}

// Listener is notified synchronously on every verdict. A panicking
// listener never affects the gate's own control flow.
type Listener interface {
	OnVerdict(result Result)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(Result)

func (f ListenerFunc) OnVerdict(r Result) { f(r) }

// Config tunes gate behavior.
type Config struct {
	// HumanApprovalRisk: risk at or above this needs a human in the loop
	HumanApprovalRisk RiskLevel

	// MultiVerifyRisk: risk at or above this needs secondary verification
	MultiVerifyRisk RiskLevel

	// PartialCreditRatio: a trust deficit within this fraction of the
	// required threshold yields PENDING_VERIFICATION instead of an
	// outright rejection. Zero disables partial credit.
	PartialCreditRatio float64
}

// DefaultConfig returns the standard gate tuning.
func DefaultConfig() Config {
	return Config{
		HumanApprovalRisk:  RiskCritical,
		MultiVerifyRisk:    RiskHigh,
		PartialCreditRatio: 0.05,
	}
}

// Gate verifies action requests against current trust. Verification is
// read-mostly and safe to call concurrently across agents and requests.
type Gate struct {
	config   Config
	provider TrustProvider
	logger   *log.Logger
	nowFn    func() time.Time

	mu        sync.RWMutex
	listeners []Listener
	pending   map[string]Result
}

// New creates a gate. provider may be nil, in which case every lookup
// falls back to zero trust.
func New(cfg Config, provider TrustProvider) *Gate {
	return &Gate{
		config:   cfg,
		provider: provider,
		logger:   log.New(log.Writer(), "[Gate] ", log.LstdFlags),
		nowFn:    time.Now,
		pending:  make(map[string]Result),
	}
}

// AddListener registers an audit or dashboard callback.
func (g *Gate) AddListener(l Listener) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, l)
}

// resolveTrust applies the zero-start principle: a caller-supplied score
// wins, then the provider, then zero. The gate never assumes trust.
func (g *Gate) resolveTrust(agentID string, supplied *float64) (float64, string) {
	if supplied != nil {
		return *supplied, "caller-supplied trust score"
	}
	if g.provider != nil {
		if score, ok := g.provider.GetTrustScore(agentID); ok {
			return score, "trust score resolved from provider"
		}
	}
	return 0, "no trust record found, defaulting to zero (zero-start)"
}

// Verify classifies the request's risk, checks the agent's trust against
// the required threshold, and returns the verdict. Trust insufficiency
// is a REJECTED result, never an error.
func (g *Gate) Verify(req Request, currentTrust *float64) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}

	now := g.nowFn()
	risk := ClassifyRisk(req)
	required := risk.RequiredTrust()
	trust, trustNote := g.resolveTrust(req.AgentID, currentTrust)

	result := Result{
		VerificationID: uuid.New().String(),
		AgentID:        req.AgentID,
		RiskLevel:      risk,
		RequiredTrust:  required,
		CurrentTrust:   trust,
		VerifiedAt:     now,
	}
	result.Reasoning = append(result.Reasoning,
		fmt.Sprintf("action %q on %q classified as %s risk", req.ActionType, req.Resource, risk),
		trustNote,
		fmt.Sprintf("required trust %.0f, current trust %.1f", required, trust),
	)

	if trust < required {
		result.TrustDeficit = required - trust

		// Partial credit: a near miss can earn a secondary-verification
		// path instead of a hard rejection.
		if g.config.PartialCreditRatio > 0 && result.TrustDeficit <= required*g.config.PartialCreditRatio {
			result.Status = StatusPendingVerify
			result.ExpiresAt = now.Add(risk.PendingTimeout())
			result.Requirements = append(result.Requirements,
				fmt.Sprintf("needs %.1f more trust points or secondary verification", result.TrustDeficit))
			result.Reasoning = append(result.Reasoning,
				fmt.Sprintf("deficit %.1f within partial-credit window, pending secondary verification", result.TrustDeficit))
			g.finish(result)
			return result, nil
		}

		result.Status = StatusRejected
		result.Reasoning = append(result.Reasoning,
			fmt.Sprintf("trust deficit %.1f exceeds threshold, rejected", result.TrustDeficit))
		g.finish(result)
		return result, nil
	}

	switch {
	case risk >= g.config.HumanApprovalRisk:
		result.Status = StatusPendingApproval
		result.ExpiresAt = now.Add(risk.PendingTimeout())
		result.Requirements = append(result.Requirements, "human approval required")
		result.Reasoning = append(result.Reasoning,
			fmt.Sprintf("%s risk requires human approval within %s", risk, risk.PendingTimeout()))
	case risk >= g.config.MultiVerifyRisk:
		result.Status = StatusPendingVerify
		result.ExpiresAt = now.Add(risk.PendingTimeout())
		result.Requirements = append(result.Requirements, "secondary verification required")
		result.Reasoning = append(result.Reasoning,
			fmt.Sprintf("%s risk requires secondary verification within %s", risk, risk.PendingTimeout()))
	default:
		result.Status = StatusApproved
		result.Reasoning = append(result.Reasoning, "trust sufficient, approved")
	}

	g.finish(result)
	return result, nil
}

// CanProceed is the side-effect-free fast path: no result is built, no
// pending state is created, and no listeners fire.
func (g *Gate) CanProceed(req Request, currentTrust *float64) bool {
	if req.Validate() != nil {
		return false
	}
	risk := ClassifyRisk(req)
	trust, _ := g.resolveTrust(req.AgentID, currentTrust)
	return trust >= risk.RequiredTrust() && risk < g.config.MultiVerifyRisk
}

// finish stores pending state and notifies listeners.
func (g *Gate) finish(result Result) {
	g.mu.Lock()
	if result.Status == StatusPendingVerify || result.Status == StatusPendingApproval {
		g.pending[result.VerificationID] = result
	}
	listeners := make([]Listener, len(g.listeners))
	copy(listeners, g.listeners)
	g.mu.Unlock()

	g.logger.Printf("Verdict %s for %s: %s (risk=%s trust=%.1f/%.0f)",
		result.VerificationID, result.AgentID, result.Status,
		result.RiskLevel, result.CurrentTrust, result.RequiredTrust)

	for _, l := range listeners {
		g.notify(l, result)
	}
}

func (g *Gate) notify(l Listener, result Result) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Printf("Listener panicked on verdict %s: %v", result.VerificationID, r)
		}
	}()
	l.OnVerdict(result)
}

// Pending looks up a pending verdict, expiring it lazily. Expiry is
// caller-driven; nothing blocks waiting for an approval.
func (g *Gate) Pending(verificationID string) (Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	result, ok := g.pending[verificationID]
	if !ok {
		return Result{}, ErrUnknownVerification
	}
	if g.nowFn().After(result.ExpiresAt) {
		delete(g.pending, verificationID)
		return Result{}, fmt.Errorf("%w: %s expired at %s", ErrVerificationExpired, verificationID, result.ExpiresAt.Format(time.RFC3339))
	}
	return result, nil
}

// Resolve settles a pending verdict as approved or rejected. The settled
// verdict is a fresh result; the pending one is consumed.
func (g *Gate) Resolve(verificationID string, approved bool, resolver string) (Result, error) {
	g.mu.Lock()
	pending, ok := g.pending[verificationID]
	if !ok {
		g.mu.Unlock()
		return Result{}, ErrUnknownVerification
	}
	if g.nowFn().After(pending.ExpiresAt) {
		delete(g.pending, verificationID)
		g.mu.Unlock()
		return Result{}, fmt.Errorf("%w: %s", ErrVerificationExpired, verificationID)
	}
	delete(g.pending, verificationID)
	g.mu.Unlock()

	settled := pending
	settled.VerifiedAt = g.nowFn()
	settled.ExpiresAt = time.Time{}
	settled.Requirements = nil
	if approved {
		settled.Status = StatusApproved
		settled.Reasoning = append(settled.Reasoning, fmt.Sprintf("resolved approved by %s", resolver))
	} else {
		settled.Status = StatusRejected
		settled.Reasoning = append(settled.Reasoning, fmt.Sprintf("resolved rejected by %s", resolver))
	}

	g.finish(settled)
	return settled, nil
}

// SweepExpired drops every pending verdict past its deadline and returns
// how many were dropped.
func (g *Gate) SweepExpired() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.nowFn()
	dropped := 0
	for id, result := range g.pending {
		if now.After(result.ExpiresAt) {
			delete(g.pending, id)
			dropped++
		}
	}
	return dropped
}
