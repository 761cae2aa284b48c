// Package tests provides end-to-end tests for the governance kernel:
// trust scoring, band transitions, the pre-action gate, circuit
// breakers, the signed audit chain, ceilings, and third-party
// verification of exported chains.
package tests

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cognigate/kernel/internal/bands"
	"github.com/cognigate/kernel/internal/breaker"
	"github.com/cognigate/kernel/internal/ceiling"
	"github.com/cognigate/kernel/internal/events"
	"github.com/cognigate/kernel/internal/gate"
	"github.com/cognigate/kernel/internal/kernel"
	"github.com/cognigate/kernel/internal/keys"
	"github.com/cognigate/kernel/internal/ledger"
	"github.com/cognigate/kernel/internal/trust"
	"github.com/cognigate/kernel/pkg/verify"
)

func newKernel(t *testing.T, cfg kernel.Config) *kernel.Kernel {
	t.Helper()
	signer, err := keys.NewManager("e2e", keys.NewMemoryStore())
	if err != nil {
		t.Fatalf("keys.NewManager: %v", err)
	}
	chain, err := ledger.NewChain(context.Background(), ledger.NewMemoryStore(), signer)
	if err != nil {
		t.Fatalf("ledger.NewChain: %v", err)
	}
	k, err := kernel.New(cfg, chain, events.NewBus(), nil)
	if err != nil {
		t.Fatalf("kernel.New: %v", err)
	}
	return k
}

func allDims(impact float64) []trust.Evidence {
	out := make([]trust.Evidence, 0, 5)
	for _, dim := range trust.AllDimensions {
		out = append(out, trust.Evidence{Dimension: dim, Impact: impact, Source: "e2e", Timestamp: time.Now()})
	}
	return out
}

// =============================================================================
// 1. TRUST LIFECYCLE — evidence in, bounded scores out
// =============================================================================

func TestLifecycle_AgentEarnsTrustFromZero(t *testing.T) {
	k := newKernel(t, kernel.DefaultConfig())
	ctx := context.Background()

	profile, transition, err := k.SubmitEvidence(ctx, "newcomer", allDims(20))
	if err != nil {
		t.Fatalf("SubmitEvidence: %v", err)
	}
	if profile.CompositeScore != 20 {
		t.Errorf("Composite after +20 on every dimension should be 20, got %.2f", profile.CompositeScore)
	}
	if transition.To != bands.BandT1 {
		t.Errorf("200 kernel points should land in T1, got %s", transition.To)
	}

	score, ok := k.GetTrustScore("newcomer")
	if !ok || score != 200 {
		t.Errorf("Kernel score should be 200, got %.1f (ok=%v)", score, ok)
	}
}

func TestLifecycle_OpaqueAgentsCapAt600(t *testing.T) {
	k := newKernel(t, kernel.DefaultConfig())
	ctx := context.Background()

	// Perfect behavior cannot beat the opaque observation ceiling
	profile, _, err := k.SubmitEvidence(ctx, "opaque-star", allDims(100))
	if err != nil {
		t.Fatalf("SubmitEvidence: %v", err)
	}
	if profile.CompositeScore != 100 {
		t.Errorf("Composite should be 100, got %.2f", profile.CompositeScore)
	}
	if profile.AdjustedScore != 60 {
		t.Errorf("Opaque adjusted score should cap at 60, got %.2f", profile.AdjustedScore)
	}

	// Upgrading verifiability releases the cap without new evidence
	upgraded, err := k.SetObservationTier(ctx, "opaque-star", trust.TierWhiteBox)
	if err != nil {
		t.Fatalf("SetObservationTier: %v", err)
	}
	if upgraded.AdjustedScore != 90 {
		t.Errorf("White-box adjusted score should cap at 90, got %.2f", upgraded.AdjustedScore)
	}
}

func TestLifecycle_DemotionIsImmediate(t *testing.T) {
	k := newKernel(t, kernel.DefaultConfig())
	ctx := context.Background()

	if _, _, err := k.SubmitEvidence(ctx, "faller", allDims(55)); err != nil {
		t.Fatalf("SubmitEvidence: %v", err)
	}
	_, transition, err := k.SubmitEvidence(ctx, "faller", allDims(-50))
	if err != nil {
		t.Fatalf("SubmitEvidence: %v", err)
	}
	if transition.Direction != bands.DirectionDemotion {
		t.Fatalf("Collapse to 50 points should demote, got %s", transition.Direction)
	}
	if transition.To != bands.BandT0 {
		t.Errorf("Demotion should cross straight to T0, got %s", transition.To)
	}
}

func TestLifecycle_PromotionWaitsOutTheDwell(t *testing.T) {
	cfg := kernel.DefaultConfig()
	cfg.BandConfig.MinDwell = 14 * 24 * time.Hour
	k := newKernel(t, cfg)
	ctx := context.Background()

	if _, _, err := k.SubmitEvidence(ctx, "climber", allDims(20)); err != nil {
		t.Fatalf("SubmitEvidence: %v", err)
	}
	// Clears T2's lower bound plus margin, but the agent just arrived in T1
	_, transition, err := k.SubmitEvidence(ctx, "climber", allDims(15))
	if err != nil {
		t.Fatalf("SubmitEvidence: %v", err)
	}
	if transition.Direction != bands.DirectionNone {
		t.Errorf("Promotion before the dwell should be deferred, got %s", transition.Direction)
	}
	if transition.To != bands.BandT1 {
		t.Errorf("Agent should hold T1, got %s", transition.To)
	}
}

// =============================================================================
// 2. GATE — risk-proportional verification
// =============================================================================

func TestGate_ZeroStartBlocksMutations(t *testing.T) {
	k := newKernel(t, kernel.DefaultConfig())

	result, err := k.VerifyAction(context.Background(), gate.Request{
		AgentID:     "stranger",
		ActionType:  "delete",
		Resource:    "records",
		Mutating:    true,
		Sensitivity: gate.SensitivityInternal,
		Reversible:  true,
	})
	if err != nil {
		t.Fatalf("VerifyAction: %v", err)
	}
	if result.Status != gate.StatusRejected {
		t.Errorf("Unknown agent mutating internal data should be rejected, got %s", result.Status)
	}
	if result.CurrentTrust != 0 {
		t.Errorf("Unknown agent trust should be 0, got %.1f", result.CurrentTrust)
	}
}

func TestGate_ReadsAreFree(t *testing.T) {
	k := newKernel(t, kernel.DefaultConfig())

	result, err := k.VerifyAction(context.Background(), gate.Request{
		AgentID:    "stranger",
		ActionType: "list",
		Resource:   "catalog",
	})
	if err != nil {
		t.Fatalf("VerifyAction: %v", err)
	}
	if result.Status != gate.StatusApproved {
		t.Errorf("Read-only action should be approved even at zero trust, got %s", result.Status)
	}
}

func TestGate_CriticalActionsNeedAHuman(t *testing.T) {
	cfg := kernel.DefaultConfig()
	cfg.InitialTier = trust.TierFullyVerified
	k := newKernel(t, cfg)
	ctx := context.Background()

	if _, _, err := k.SubmitEvidence(ctx, "veteran", allDims(95)); err != nil {
		t.Fatalf("SubmitEvidence: %v", err)
	}

	result, err := k.VerifyAction(ctx, gate.Request{
		AgentID:     "veteran",
		ActionType:  "drop-tenant",
		Resource:    "prod",
		Mutating:    true,
		Sensitivity: gate.SensitivityRestricted,
		BlastRadius: gate.BlastGlobal,
		Reversible:  false,
	})
	if err != nil {
		t.Fatalf("VerifyAction: %v", err)
	}
	if result.Status != gate.StatusPendingApproval {
		t.Fatalf("Critical action should pend for human approval, got %s", result.Status)
	}

	resolved, err := k.ResolveVerification(ctx, result.VerificationID, true, "sre-oncall")
	if err != nil {
		t.Fatalf("ResolveVerification: %v", err)
	}
	if resolved.Status != gate.StatusApproved {
		t.Errorf("Human approval should finalize to APPROVED, got %s", resolved.Status)
	}
}

func TestGate_NearMissGetsPartialCredit(t *testing.T) {
	cfg := kernel.DefaultConfig()
	cfg.InitialTier = trust.TierFullyVerified
	k := newKernel(t, cfg)
	ctx := context.Background()

	// 440 kernel points against a 450 bar is within the 5% window
	if _, _, err := k.SubmitEvidence(ctx, "close-call", allDims(44)); err != nil {
		t.Fatalf("SubmitEvidence: %v", err)
	}
	result, err := k.VerifyAction(ctx, gate.Request{
		AgentID:     "close-call",
		ActionType:  "update",
		Resource:    "records",
		Mutating:    true,
		Sensitivity: gate.SensitivityInternal,
		Reversible:  true,
	})
	if err != nil {
		t.Fatalf("VerifyAction: %v", err)
	}
	if result.Status != gate.StatusPendingVerify {
		t.Errorf("10-point deficit should yield PENDING_VERIFICATION, got %s", result.Status)
	}
}

// =============================================================================
// 3. CIRCUIT BREAKER — behavioral containment
// =============================================================================

func TestBreaker_RunawayAgentIsContained(t *testing.T) {
	cfg := kernel.DefaultConfig()
	cfg.InitialTier = trust.TierFullyVerified
	cfg.BreakerConfig.HardLimits = breaker.HardLimits{"requests_per_minute": 100}
	k := newKernel(t, cfg)
	ctx := context.Background()

	// High trust earned the normal way
	if _, _, err := k.SubmitEvidence(ctx, "runaway", allDims(90)); err != nil {
		t.Fatalf("SubmitEvidence: %v", err)
	}

	// A calm baseline, then a hard-limit breach
	for i := 0; i < 12; i++ {
		if _, _, err := k.RecordBehavior(ctx, "runaway", breaker.Metrics{
			Counters: map[string]float64{"requests_per_minute": 20},
		}); err != nil {
			t.Fatalf("RecordBehavior: %v", err)
		}
	}
	_, state, err := k.RecordBehavior(ctx, "runaway", breaker.Metrics{
		Counters: map[string]float64{"requests_per_minute": 900},
	})
	if err != nil {
		t.Fatalf("RecordBehavior: %v", err)
	}
	if state != breaker.StateOpen {
		t.Fatalf("Hard-limit breach should open the breaker, got %s", state)
	}

	// Trust no longer matters: the breaker pre-empts the gate
	result, err := k.VerifyAction(ctx, gate.Request{
		AgentID:    "runaway",
		ActionType: "read",
		Resource:   "catalog",
	})
	if err != nil {
		t.Fatalf("VerifyAction: %v", err)
	}
	if result.Status != gate.StatusRejected {
		t.Errorf("Open breaker should reject even reads, got %s", result.Status)
	}
}

func TestBreaker_ForcedHaltNeedsExplicitReset(t *testing.T) {
	k := newKernel(t, kernel.DefaultConfig())
	ctx := context.Background()

	record, err := k.ForceOpen(ctx, "incident-agent", "security incident 4211")
	if err != nil {
		t.Fatalf("ForceOpen: %v", err)
	}
	if record.Reason != "security incident 4211" {
		t.Errorf("Termination record should carry the reason, got %q", record.Reason)
	}

	if k.CanProceed(gate.Request{AgentID: "incident-agent", ActionType: "read", Resource: "x"}) {
		t.Error("Halted agent should not proceed")
	}

	k.Breakers().Get("incident-agent").Reset()
	if !k.CanProceed(gate.Request{AgentID: "incident-agent", ActionType: "read", Resource: "x"}) {
		t.Error("Reset should restore the agent")
	}
}

// =============================================================================
// 4. CEILINGS — external constraints bind regardless of behavior
// =============================================================================

func TestCeiling_DeploymentLimitBindsTheGate(t *testing.T) {
	cfg := kernel.DefaultConfig()
	cfg.InitialTier = trust.TierFullyVerified
	cfg.Limits = ceiling.Limits{Deployment: 400, Org: 700}
	k := newKernel(t, cfg)
	ctx := context.Background()

	if _, _, err := k.SubmitEvidence(ctx, "boxed", allDims(95)); err != nil {
		t.Fatalf("SubmitEvidence: %v", err)
	}

	score, _ := k.GetTrustScore("boxed")
	if score != 400 {
		t.Errorf("Minimum ceiling (deployment=400) should bind, got %.1f", score)
	}

	result, err := k.VerifyAction(ctx, gate.Request{
		AgentID:     "boxed",
		ActionType:  "update",
		Resource:    "records",
		Mutating:    true,
		Sensitivity: gate.SensitivityInternal,
		Reversible:  true,
	})
	if err != nil {
		t.Fatalf("VerifyAction: %v", err)
	}
	if result.Status == gate.StatusApproved {
		t.Error("Agent clamped to 400 should not clear the 450 medium bar outright")
	}
}

// =============================================================================
// 5. AUDIT CHAIN — every decision leaves a verifiable trace
// =============================================================================

func TestAudit_FullSessionChainVerifies(t *testing.T) {
	k := newKernel(t, kernel.DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, _, err := k.SubmitEvidence(ctx, "busy", allDims(15)); err != nil {
			t.Fatalf("SubmitEvidence: %v", err)
		}
	}
	if _, err := k.VerifyAction(ctx, gate.Request{AgentID: "busy", ActionType: "read", Resource: "x"}); err != nil {
		t.Fatalf("VerifyAction: %v", err)
	}
	if err := k.RotateSigningKey(ctx); err != nil {
		t.Fatalf("RotateSigningKey: %v", err)
	}
	if _, err := k.ForceOpen(ctx, "busy", "e2e wrap-up"); err != nil {
		t.Fatalf("ForceOpen: %v", err)
	}

	verification, err := k.Chain().Verify(ctx)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !verification.Valid {
		t.Fatalf("Chain should verify after a full session: %s", verification.Reason)
	}
	if verification.Checked < 6 {
		t.Errorf("Expected at least 6 audited decisions, checked %d", verification.Checked)
	}
}

func TestAudit_ExportSurvivesThirdPartyVerification(t *testing.T) {
	k := newKernel(t, kernel.DefaultConfig())
	ctx := context.Background()

	if _, _, err := k.SubmitEvidence(ctx, "exported", allDims(30)); err != nil {
		t.Fatalf("SubmitEvidence: %v", err)
	}
	if err := k.RotateSigningKey(ctx); err != nil {
		t.Fatalf("RotateSigningKey: %v", err)
	}
	if _, _, err := k.SubmitEvidence(ctx, "exported", allDims(10)); err != nil {
		t.Fatalf("SubmitEvidence: %v", err)
	}

	// Export exactly what a regulator would receive: JSON events plus
	// published public keys. No kernel internals cross the boundary.
	stored, err := k.Chain().Store().GetChain(ctx, "", 0)
	if err != nil {
		t.Fatalf("GetChain: %v", err)
	}
	rawEvents, _ := json.Marshal(stored)
	rawKeys, _ := json.Marshal(k.Chain().Signer().ListKeys())

	var exported []verify.Event
	if err := json.Unmarshal(rawEvents, &exported); err != nil {
		t.Fatalf("Unmarshal events: %v", err)
	}
	var published []verify.PublicKey
	if err := json.Unmarshal(rawKeys, &published); err != nil {
		t.Fatalf("Unmarshal keys: %v", err)
	}

	result := verify.Verify(exported, published)
	if !result.Valid {
		t.Fatalf("Third-party verification should pass: %s", result.Reason)
	}

	// And a tampered export must fail exactly where it was touched
	exported[1].Payload["composite"] = 99.0
	result = verify.Verify(exported, published)
	if result.Valid {
		t.Fatal("Tampered export should fail verification")
	}
	if result.FailIndex != 1 {
		t.Errorf("Failure should localize to index 1, got %d", result.FailIndex)
	}
}

// =============================================================================
// 6. FLEET OPERATIONS
// =============================================================================

func TestFleet_HaltAllThenSelectiveRecovery(t *testing.T) {
	k := newKernel(t, kernel.DefaultConfig())
	ctx := context.Background()

	agents := []string{"w1", "w2", "w3"}
	for _, a := range agents {
		if _, _, err := k.SubmitEvidence(ctx, a, allDims(50)); err != nil {
			t.Fatalf("SubmitEvidence: %v", err)
		}
		k.Breakers().Get(a)
	}

	records, err := k.HaltAll(ctx, "kill switch drill")
	if err != nil {
		t.Fatalf("HaltAll: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("All 3 agents should be halted, got %d records", len(records))
	}

	// Recover one; the others stay down
	k.Breakers().Get("w2").Reset()
	for _, a := range agents {
		can := k.CanProceed(gate.Request{AgentID: a, ActionType: "read", Resource: "x"})
		if a == "w2" && !can {
			t.Error("w2 was reset and should proceed")
		}
		if a != "w2" && can {
			t.Errorf("%s is still halted and should not proceed", a)
		}
	}
}
