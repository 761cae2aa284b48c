// Package verify lets third parties check an exported audit chain with
// no access to the kernel: only the event export (JSON) and the
// published public keys are needed. It re-derives every event hash from
// event content, walks the previous-hash links, and checks every
// Ed25519 signature, so a regulator can independently confirm that a
// decision trail was neither edited nor truncated in the middle.
package verify

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// GenesisHash is the previous-hash value of the first event in a chain.
var GenesisHash = strings.Repeat("0", 64)

// Event is one entry of an exported audit chain. Field names match the
// kernel's JSON export.
type Event struct {
	EventID       string                 `json:"event_id"`
	EventType     string                 `json:"event_type"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	AgentID       string                 `json:"agent_id"`
	Payload       map[string]interface{} `json:"payload"`
	PreviousHash  string                 `json:"previous_hash"`
	OccurredAt    time.Time              `json:"occurred_at"`
	EventHash     string                 `json:"event_hash"`
	SignedBy      string                 `json:"signed_by,omitempty"`
	Signature     string                 `json:"signature,omitempty"`
}

// PublicKey is one published verification key. Retired keys stay in the
// published set so historical events remain verifiable after rotation.
type PublicKey struct {
	KeyID     string `json:"key_id"`
	Algorithm string `json:"algorithm"`
	PublicKey []byte `json:"public_key"`
}

// Result localizes the first failure in a chain. Checked counts the
// events confirmed good before the failure.
type Result struct {
	Valid       bool   `json:"valid"`
	Checked     int    `json:"checked"`
	FailIndex   int    `json:"fail_index"`
	FailEventID string `json:"fail_event_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// hashEnvelope mirrors the exact content the kernel hashes. Go's JSON
// encoder writes map keys in sorted order, so marshaling is
// deterministic for equal content.
type hashEnvelope struct {
	EventType     string                 `json:"event_type"`
	CorrelationID string                 `json:"correlation_id"`
	AgentID       string                 `json:"agent_id"`
	Payload       map[string]interface{} `json:"payload"`
	PreviousHash  string                 `json:"previous_hash"`
	OccurredAt    string                 `json:"occurred_at"`
}

// ComputeHash re-derives an event's content hash.
func ComputeHash(e Event) (string, error) {
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

// VerifyChain checks every event's own hash and the previous-hash links,
// stopping at the first failure.
func VerifyChain(events []Event) Result {
	if len(events) == 0 {
		return Result{Valid: true}
	}
	if events[0].PreviousHash != GenesisHash {
		return Result{
			FailIndex:   0,
			FailEventID: events[0].EventID,
			Reason:      "first event does not link to the genesis hash",
		}
	}

	prev := GenesisHash
	for i, e := range events {
		if e.PreviousHash != prev {
			return Result{
				Checked:     i,
				FailIndex:   i,
				FailEventID: e.EventID,
				Reason:      fmt.Sprintf("broken link: previous_hash %s, expected %s", e.PreviousHash, prev),
			}
		}
		computed, err := ComputeHash(e)
		if err != nil {
			return Result{
				Checked:     i,
				FailIndex:   i,
				FailEventID: e.EventID,
				Reason:      err.Error(),
			}
		}
		if computed != e.EventHash {
			return Result{
				Checked:     i,
				FailIndex:   i,
				FailEventID: e.EventID,
				Reason:      "event content does not match its recorded hash",
			}
		}
		prev = e.EventHash
	}
	return Result{Valid: true, Checked: len(events)}
}

// VerifySignatures checks every event's Ed25519 signature against the
// published key set, stopping at the first failure. Unsigned events fail:
// a third party cannot distinguish "never signed" from "signature
// stripped".
func VerifySignatures(events []Event, publicKeys []PublicKey) Result {
	byID := make(map[string]PublicKey, len(publicKeys))
	for _, k := range publicKeys {
		byID[k.KeyID] = k
	}

	for i, e := range events {
		fail := func(reason string) Result {
			return Result{Checked: i, FailIndex: i, FailEventID: e.EventID, Reason: reason}
		}

		if e.SignedBy == "" || e.Signature == "" {
			return fail("event is unsigned")
		}
		key, ok := byID[e.SignedBy]
		if !ok {
			return fail(fmt.Sprintf("no published key %s", e.SignedBy))
		}
		if key.Algorithm != "" && key.Algorithm != "ed25519" {
			return fail(fmt.Sprintf("unsupported algorithm %s", key.Algorithm))
		}
		if len(key.PublicKey) != ed25519.PublicKeySize {
			return fail(fmt.Sprintf("malformed public key %s", e.SignedBy))
		}
		sig, err := hex.DecodeString(e.Signature)
		if err != nil {
			return fail("signature is not valid hex")
		}
		if !ed25519.Verify(ed25519.PublicKey(key.PublicKey), []byte(e.EventHash), sig) {
			return fail("signature does not verify")
		}
	}
	return Result{Valid: true, Checked: len(events)}
}

// Verify runs the full third-party check: hash links first, then
// signatures. The returned result localizes the first failure.
func Verify(events []Event, publicKeys []PublicKey) Result {
	result := VerifyChain(events)
	if !result.Valid {
		return result
	}
	return VerifySignatures(events, publicKeys)
}
