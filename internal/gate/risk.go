// Package gate implements pre-action verification: every requested
// action is risk-classified and checked against the requesting agent's
// current trust before it is allowed to execute.
package gate

import (
	"fmt"
	"time"
)

// ============================================================================
// RISK CLASSIFICATION
// ============================================================================

// RiskLevel orders requested actions by potential damage.
type RiskLevel int

const (
	RiskReadOnly RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskReadOnly:
		return "READ_ONLY"
	case RiskLow:
		return "LOW"
	case RiskMedium:
		return "MEDIUM"
	case RiskHigh:
		return "HIGH"
	case RiskCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("RISK?(%d)", int(r))
	}
}

// RequiredTrust returns the kernel-score threshold (0..1000 scale) an
// agent must meet before an action at this risk level can be allowed.
func (r RiskLevel) RequiredTrust() float64 {
	switch r {
	case RiskReadOnly:
		return 0
	case RiskLow:
		return 200
	case RiskMedium:
		return 450
	case RiskHigh:
		return 650
	case RiskCritical:
		return 850
	default:
		// Unknown risk is treated as critical
		return 850
	}
}

// PendingTimeout returns how long a pending verdict at this risk level
// stays actionable. Higher risk means a shorter window: a critical
// action approved 3 days later is a different decision.
func (r RiskLevel) PendingTimeout() time.Duration {
	switch r {
	case RiskCritical:
		return 1 * time.Hour
	case RiskHigh:
		return 8 * time.Hour
	case RiskMedium:
		return 24 * time.Hour
	default:
		return 72 * time.Hour
	}
}

// Sensitivity grades the resource an action touches.
type Sensitivity int

const (
	SensitivityPublic Sensitivity = iota
	SensitivityInternal
	SensitivityConfidential
	SensitivityRestricted
)

// BlastRadius grades how far the effects of an action can reach.
type BlastRadius int

const (
	BlastSingleResource BlastRadius = iota
	BlastService
	BlastTenant
	BlastGlobal
)

// Request describes one action an agent wants to perform. Static
// metadata (ActionType, Mutating) combines with contextual factors
// (Sensitivity, BlastRadius, Reversible) to produce the risk level.
type Request struct {
	AgentID     string      `json:"agent_id"`
	ActionType  string      `json:"action_type"`
	Resource    string      `json:"resource"`
	Mutating    bool        `json:"mutating"`
	Sensitivity Sensitivity `json:"sensitivity"`
	BlastRadius BlastRadius `json:"blast_radius"`
	Reversible  bool        `json:"reversible"`
}

// Validate rejects unparseable requests up front.
func (r Request) Validate() error {
	if r.AgentID == "" {
		return fmt.Errorf("%w: missing agent id", ErrInvalidRequest)
	}
	if r.ActionType == "" {
		return fmt.Errorf("%w: missing action type", ErrInvalidRequest)
	}
	return nil
}

// ClassifyRisk derives the risk level from the request's static and
// contextual factors. Non-mutating requests on public or internal
// resources are read-only; everything else starts from the sensitivity
// grade and is escalated by blast radius and irreversibility.
func ClassifyRisk(req Request) RiskLevel {
	if !req.Mutating {
		if req.Sensitivity >= SensitivityConfidential {
			// Reading confidential data is not free
			return RiskLow
		}
		return RiskReadOnly
	}

	var risk RiskLevel
	switch req.Sensitivity {
	case SensitivityPublic:
		risk = RiskLow
	case SensitivityInternal:
		risk = RiskMedium
	case SensitivityConfidential:
		risk = RiskHigh
	default:
		risk = RiskCritical
	}

	if req.BlastRadius >= BlastTenant && risk < RiskHigh {
		risk = RiskHigh
	}
	if req.BlastRadius == BlastGlobal {
		risk = RiskCritical
	}
	if !req.Reversible && risk < RiskCritical {
		risk++
	}

	if risk > RiskCritical {
		risk = RiskCritical
	}
	return risk
}
