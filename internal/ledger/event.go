// Package ledger implements the hash-chained, signed audit trail. Every
// kernel decision becomes a ProofEvent whose hash covers its payload,
// its timestamp, and the previous event's hash, so any later edit to any
// event is detectable from the chain alone.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event types recorded by the kernel.
const (
	EventScoreRecomputed   = "kernel.score.recomputed"
	EventBandTransition    = "kernel.band.transition"
	EventGateVerdict       = "kernel.gate.verdict"
	EventBreakerTransition = "kernel.breaker.transition"
	EventCeilingClamped    = "kernel.ceiling.clamped"
	EventKeyRotated        = "kernel.key.rotated"
	EventAgentHalted       = "kernel.agent.halted"
)

// GenesisHash is the previous-hash value of the first event in a chain.
var GenesisHash = strings.Repeat("0", 64)

// Common errors
var (
	ErrEventNotFound = errors.New("proof event not found")
	ErrInvalidEvent  = errors.New("invalid proof event")
)

// ProofEvent is one immutable entry in the audit chain. Events are never
// edited or deleted after being appended.
type ProofEvent struct {
	EventID       string                 `json:"event_id"`
	EventType     string                 `json:"event_type"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	AgentID       string                 `json:"agent_id"`
	Payload       map[string]interface{} `json:"payload"`
	PreviousHash  string                 `json:"previous_hash"`
	OccurredAt    time.Time              `json:"occurred_at"`
	EventHash     string                 `json:"event_hash"`
	RecordedAt    time.Time              `json:"recorded_at"`
	SignedBy      string                 `json:"signed_by,omitempty"`
	Signature     string                 `json:"signature,omitempty"`
}

// hashEnvelope is the exact content covered by the event hash. Go's JSON
// encoder writes map keys in sorted order, so marshaling this struct is
// deterministic for equal content.
type hashEnvelope struct {
	EventType     string                 `json:"event_type"`
	CorrelationID string                 `json:"correlation_id"`
	AgentID       string                 `json:"agent_id"`
	Payload       map[string]interface{} `json:"payload"`
	PreviousHash  string                 `json:"previous_hash"`
	OccurredAt    string                 `json:"occurred_at"`
}

// ComputeHash recomputes the event's content hash from its fields.
func (e *ProofEvent) ComputeHash() (string, error) {
	envelope := hashEnvelope{
		EventType:     e.EventType,
		CorrelationID: e.CorrelationID,
		AgentID:       e.AgentID,
		Payload:       e.Payload,
		PreviousHash:  e.PreviousHash,
		OccurredAt:    e.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("serializing event %s for hashing: %w", e.EventID, err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Seal computes and stores the event's hash.
func (e *ProofEvent) Seal() error {
	hash, err := e.ComputeHash()
	if err != nil {
		return err
	}
	e.EventHash = hash
	return nil
}

// VerifyHash recomputes the hash and compares it to the stored one.
func (e *ProofEvent) VerifyHash() (bool, error) {
	hash, err := e.ComputeHash()
	if err != nil {
		return false, err
	}
	return hash == e.EventHash, nil
}

// Validate rejects structurally malformed events before they reach the
// chain.
func (e *ProofEvent) Validate() error {
	if e.EventType == "" {
		return fmt.Errorf("%w: missing event type", ErrInvalidEvent)
	}
	if e.AgentID == "" {
		return fmt.Errorf("%w: missing agent id", ErrInvalidEvent)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: missing occurrence time", ErrInvalidEvent)
	}
	return nil
}

// ============================================================================
// CHAIN VERIFICATION
// ============================================================================

// ChainVerification is the outcome of walking an event sequence. On
// failure, FailIndex and FailEventID localize the first broken event;
// verification halts there rather than skipping past it.
type ChainVerification struct {
	Valid       bool   `json:"valid"`
	Checked     int    `json:"checked"`
	FailIndex   int    `json:"fail_index"`
	FailEventID string `json:"fail_event_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// VerifyChain checks every event's own hash and every previous-hash
// link, with the first event required to carry the genesis hash.
func VerifyChain(events []*ProofEvent) ChainVerification {
	result := ChainVerification{Valid: true, FailIndex: -1}

	for i, event := range events {
		ok, err := event.VerifyHash()
		if err != nil {
			return failed(i, event, fmt.Sprintf("hash computation failed: %v", err))
		}
		if !ok {
			return failed(i, event, "event hash does not match content")
		}

		if i == 0 {
			if event.PreviousHash != GenesisHash {
				return failed(i, event, "first event does not carry the genesis hash")
			}
		} else if event.PreviousHash != events[i-1].EventHash {
			return failed(i, event, fmt.Sprintf("previous-hash link broken: expected %s", events[i-1].EventHash))
		}
		result.Checked++
	}
	return result
}

func failed(index int, event *ProofEvent, reason string) ChainVerification {
	return ChainVerification{
		Valid:       false,
		Checked:     index,
		FailIndex:   index,
		FailEventID: event.EventID,
		Reason:      reason,
	}
}
