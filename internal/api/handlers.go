package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/cognigate/kernel/internal/bands"
	"github.com/cognigate/kernel/internal/breaker"
	"github.com/cognigate/kernel/internal/gate"
	"github.com/cognigate/kernel/internal/kernel"
	"github.com/cognigate/kernel/internal/ledger"
	"github.com/cognigate/kernel/internal/trust"
)

// ============================================================================
// TRUST
// ============================================================================

func parseTier(name string) (trust.ObservationTier, error) {
	switch name {
	case "opaque":
		return trust.TierOpaque, nil
	case "gray_box":
		return trust.TierGrayBox, nil
	case "white_box":
		return trust.TierWhiteBox, nil
	case "attested":
		return trust.TierAttested, nil
	case "fully_verified":
		return trust.TierFullyVerified, nil
	default:
		return trust.TierOpaque, fmt.Errorf("unknown observation tier %q", name)
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agent_id"]

	var req struct {
		Dimensions trust.Dimensions `json:"dimensions"`
		Tier       string           `json:"tier"`
	}
	if r.Body != nil {
		// An empty body registers with zero dimensions at the opaque tier
		json.NewDecoder(r.Body).Decode(&req)
	}
	tier := trust.TierOpaque
	if req.Tier != "" {
		var err error
		if tier, err = parseTier(req.Tier); err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
	}

	profile, err := s.kernel.RegisterAgent(r.Context(), agentID, req.Dimensions, tier)
	if err != nil {
		s.respondKernelError(w, err, profile)
		return
	}
	respondJSON(w, http.StatusCreated, profile)
}

func (s *Server) handleGetTrust(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agent_id"]

	profile := s.kernel.Profiles().Get(agentID)
	if profile == nil {
		respondError(w, http.StatusNotFound, fmt.Errorf("unknown agent %s", agentID))
		return
	}
	kernelScore, _ := s.kernel.GetTrustScore(agentID)

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"profile":      profile,
		"kernel_score": kernelScore,
	})
}

func (s *Server) handleSubmitEvidence(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agent_id"]

	var req struct {
		Evidence []trust.Evidence `json:"evidence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	profile, transition, err := s.kernel.SubmitEvidence(r.Context(), agentID, req.Evidence)
	if err != nil {
		if errors.Is(err, trust.ErrInvalidEvidence) {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		s.respondKernelError(w, err, map[string]interface{}{
			"profile":    profile,
			"transition": transition,
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"profile":    profile,
		"transition": transition,
	})
}

func (s *Server) handleSetTier(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agent_id"]

	var req struct {
		Tier string `json:"tier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	tier, err := parseTier(req.Tier)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	profile, err := s.kernel.SetObservationTier(r.Context(), agentID, tier)
	if err != nil {
		if profile == nil {
			respondError(w, http.StatusNotFound, err)
			return
		}
		s.respondKernelError(w, err, profile)
		return
	}
	respondJSON(w, http.StatusOK, profile)
}

func (s *Server) handleGetBand(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agent_id"]
	history := s.kernel.BandHistory()

	latest, ok := history.Latest(agentID)
	if !ok {
		respondError(w, http.StatusNotFound, bands.ErrUnknownAgent)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"agent_id":        agentID,
		"band":            latest.To.String(),
		"entered_at":      history.EnteredCurrentAt(agentID),
		"stability_score": history.StabilityScore(agentID, 30*24*time.Hour, time.Now()),
		"transitions":     history.Transitions(agentID),
	})
}

func (s *Server) handleGamingIndicators(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agent_id"]
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"agent_id":   agentID,
		"indicators": s.kernel.GamingIndicators(agentID),
	})
}

// ============================================================================
// GATE
// ============================================================================

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req gate.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	result, err := s.kernel.VerifyAction(r.Context(), req)
	if err != nil {
		if errors.Is(err, gate.ErrInvalidRequest) {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		s.respondKernelError(w, err, result)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	verificationID := mux.Vars(r)["verification_id"]

	result, err := s.kernel.Gate().Pending(verificationID)
	if err != nil {
		if errors.Is(err, gate.ErrVerificationExpired) {
			respondError(w, http.StatusGone, err)
			return
		}
		respondError(w, http.StatusNotFound, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VerificationID string `json:"verification_id"`
		Approved       bool   `json:"approved"`
		Resolver       string `json:"resolver"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	result, err := s.kernel.ResolveVerification(r.Context(), req.VerificationID, req.Approved, req.Resolver)
	if err != nil {
		switch {
		case errors.Is(err, gate.ErrVerificationExpired):
			respondError(w, http.StatusGone, err)
		case errors.Is(err, gate.ErrUnknownVerification):
			respondError(w, http.StatusNotFound, err)
		default:
			s.respondKernelError(w, err, result)
		}
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// ============================================================================
// BREAKERS
// ============================================================================

func (s *Server) handleRecordMetrics(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agent_id"]

	var sample breaker.Metrics
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	score, state, err := s.kernel.RecordBehavior(r.Context(), agentID, sample)
	body := map[string]interface{}{
		"agent_id": agentID,
		"state":    state.String(),
		"anomaly":  score,
	}
	if err != nil {
		s.respondKernelError(w, err, body)
		return
	}
	respondJSON(w, http.StatusOK, body)
}

func (s *Server) handleBreakerStates(w http.ResponseWriter, r *http.Request) {
	states := s.kernel.Breakers().States()
	out := make(map[string]string, len(states))
	for id, state := range states {
		out[id] = state.String()
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleBreakerStatus(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agent_id"]
	b := s.kernel.Breakers().Get(agentID)

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"agent_id":   agentID,
		"state":      b.State().String(),
		"last_score": b.LastScore(),
		"baseline":   b.BaselineSnapshot(),
	})
}

func (s *Server) handleTrip(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agent_id"]

	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Reason == "" {
		respondError(w, http.StatusBadRequest, errors.New("a manual halt requires a reason"))
		return
	}

	record, err := s.kernel.ForceOpen(r.Context(), agentID, req.Reason)
	if err != nil {
		s.respondKernelError(w, err, record)
		return
	}
	respondJSON(w, http.StatusOK, record)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agent_id"]
	s.kernel.Breakers().Get(agentID).Reset()
	respondJSON(w, http.StatusOK, map[string]string{
		"agent_id": agentID,
		"state":    breaker.StateClosed.String(),
	})
}

func (s *Server) handleHaltAll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Reason == "" {
		respondError(w, http.StatusBadRequest, errors.New("a fleet halt requires a reason"))
		return
	}

	records, err := s.kernel.HaltAll(r.Context(), req.Reason)
	if err != nil {
		s.respondKernelError(w, err, records)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"halted":  len(records),
		"records": records,
	})
}

// ============================================================================
// AUDIT LEDGER
// ============================================================================

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	eventID := mux.Vars(r)["event_id"]

	event, err := s.kernel.Chain().Store().Get(r.Context(), eventID)
	if err != nil {
		respondError(w, http.StatusNotFound, err)
		return
	}
	respondJSON(w, http.StatusOK, event)
}

func (s *Server) handleQueryEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.Filter{
		AgentID:       q.Get("agent_id"),
		EventType:     q.Get("event_type"),
		CorrelationID: q.Get("correlation_id"),
	}
	if raw := q.Get("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Errorf("bad since: %w", err))
			return
		}
		filter.Since = ts
	}
	if raw := q.Get("until"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Errorf("bad until: %w", err))
			return
		}
		filter.Until = ts
	}

	page := ledger.Page{Limit: 100}
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			page.Limit = n
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			page.Offset = n
		}
	}

	events, err := s.kernel.Chain().Store().Query(r.Context(), filter, page)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	verification, err := s.kernel.Chain().Verify(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if !verification.Valid {
		// A broken chain is still a successful verification call; the
		// verdict is the payload either way.
		s.logger.Printf("Chain verification FAILED at index %d: %s", verification.FailIndex, verification.Reason)
	}
	respondJSON(w, http.StatusOK, verification)
}

func (s *Server) handleLedgerStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.kernel.Chain().Store().GetStats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleComplianceReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	end := time.Now().UTC()
	start := end.Add(-24 * time.Hour)

	if raw := q.Get("start"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Errorf("bad start: %w", err))
			return
		}
		start = ts
	}
	if raw := q.Get("end"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Errorf("bad end: %w", err))
			return
		}
		end = ts
	}

	report, err := ledger.GenerateComplianceReport(r.Context(), s.kernel.Chain(), start, end)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// ============================================================================
// SIGNING KEYS
// ============================================================================

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	signer := s.kernel.Chain().Signer()
	if signer == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("chain is unsigned"))
		return
	}
	activeID, err := signer.ActiveKeyID()
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"active_key_id": activeID,
		"keys":          signer.ListKeys(),
	})
}

func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	if err := s.kernel.RotateSigningKey(r.Context()); err != nil {
		s.respondKernelError(w, err, nil)
		return
	}
	activeID, err := s.kernel.Chain().Signer().ActiveKeyID()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"active_key_id": activeID,
	})
}

// respondKernelError maps kernel failures onto status codes. An audit
// outage is a 503: the decision exists in process but has no coverage,
// and the default policy refuses to act on it.
func (s *Server) respondKernelError(w http.ResponseWriter, err error, partial interface{}) {
	if errors.Is(err, kernel.ErrAuditUnavailable) {
		respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error":  err.Error(),
			"result": partial,
		})
		return
	}
	respondError(w, http.StatusInternalServerError, err)
}
