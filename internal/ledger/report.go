package ledger

import (
	"context"
	"fmt"
	"time"
)

// ComplianceReport aggregates the audit chain for a time window,
// including whether the stored chain still verifies.
type ComplianceReport struct {
	ReportID    string           `json:"report_id"`
	GeneratedAt time.Time        `json:"generated_at"`
	PeriodStart time.Time        `json:"period_start"`
	PeriodEnd   time.Time        `json:"period_end"`
	TotalEvents int64            `json:"total_events"`
	ByType      map[string]int64 `json:"by_type"`
	ByAgent     map[string]int64 `json:"by_agent"`
	GateSummary GateSummary      `json:"gate_summary"`
	ChainValid  bool             `json:"chain_valid"`
	FailEventID string           `json:"fail_event_id,omitempty"`
}

// GateSummary counts gate verdicts by outcome inside the window.
type GateSummary struct {
	Approved int64 `json:"approved"`
	Rejected int64 `json:"rejected"`
	Pending  int64 `json:"pending"`
}

// GenerateComplianceReport builds a report over [start, end]. The chain
// validity check runs over the full stored chain, not just the window,
// because a break anywhere invalidates everything after it.
func GenerateComplianceReport(ctx context.Context, chain *Chain, start, end time.Time) (*ComplianceReport, error) {
	report := &ComplianceReport{
		ReportID:    fmt.Sprintf("report-%d", time.Now().UnixNano()),
		GeneratedAt: time.Now().UTC(),
		PeriodStart: start,
		PeriodEnd:   end,
		ByType:      make(map[string]int64),
		ByAgent:     make(map[string]int64),
	}

	events, err := chain.Store().Query(ctx, Filter{Since: start, Until: end}, Page{})
	if err != nil {
		return nil, fmt.Errorf("querying window: %w", err)
	}

	for _, e := range events {
		report.TotalEvents++
		report.ByType[e.EventType]++
		report.ByAgent[e.AgentID]++

		if e.EventType == EventGateVerdict {
			switch status, _ := e.Payload["status"].(string); status {
			case "APPROVED":
				report.GateSummary.Approved++
			case "REJECTED":
				report.GateSummary.Rejected++
			case "PENDING_VERIFICATION", "PENDING_HUMAN_APPROVAL":
				report.GateSummary.Pending++
			}
		}
	}

	verification, err := chain.Verify(ctx)
	if err != nil {
		return nil, fmt.Errorf("verifying chain: %w", err)
	}
	report.ChainValid = verification.Valid
	report.FailEventID = verification.FailEventID

	return report, nil
}
