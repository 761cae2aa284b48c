package ledger

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cognigate/kernel/internal/keys"
)

// Chain is the single appender for one signing identity. Appends are
// strictly serialized because each event's hash depends on the previous
// event's hash; concurrent callers queue on the mutex rather than
// interleave.
type Chain struct {
	mu       sync.Mutex
	store    Store
	signer   *keys.Manager
	lastHash string
	logger   *log.Logger
}

// NewChain creates an appender over a store, resuming from the store's
// last hash. signer may be nil for unsigned deployments, in which case
// events carry hashes but no signatures.
func NewChain(ctx context.Context, store Store, signer *keys.Manager) (*Chain, error) {
	last, err := store.LastHash(ctx)
	if err != nil {
		return nil, fmt.Errorf("resuming chain: %w", err)
	}
	return &Chain{
		store:    store,
		signer:   signer,
		lastHash: last,
		logger:   log.New(log.Writer(), "[Ledger] ", log.LstdFlags),
	}, nil
}

// Append seals, signs, and stores a new event linked to the chain head.
// If the store rejects the append, the chain head is left unchanged so
// the caller can retry without forking the chain.
func (c *Chain) Append(ctx context.Context, eventType, agentID, correlationID string, payload map[string]interface{}) (*ProofEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	event := &ProofEvent{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		CorrelationID: correlationID,
		AgentID:       agentID,
		Payload:       payload,
		PreviousHash:  c.lastHash,
		OccurredAt:    now,
		RecordedAt:    now,
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}
	if err := event.Seal(); err != nil {
		return nil, err
	}

	if c.signer != nil {
		sig, keyID, err := c.signer.Sign([]byte(event.EventHash))
		if err != nil {
			// Fail closed: no unsigned fallback path
			return nil, fmt.Errorf("signing event %s: %w", event.EventID, err)
		}
		event.Signature = hex.EncodeToString(sig)
		event.SignedBy = keyID
	}

	if err := c.store.Append(ctx, event); err != nil {
		return nil, fmt.Errorf("appending event %s: %w", event.EventID, err)
	}
	c.lastHash = event.EventHash
	return event, nil
}

// VerifySignature checks one event's signature against the signer's key
// set, including retired keys.
func (c *Chain) VerifySignature(event *ProofEvent) error {
	if c.signer == nil || event.SignedBy == "" {
		return fmt.Errorf("event %s is unsigned", event.EventID)
	}
	sig, err := hex.DecodeString(event.Signature)
	if err != nil {
		return fmt.Errorf("decoding signature of %s: %w", event.EventID, err)
	}
	return c.signer.Verify(event.SignedBy, []byte(event.EventHash), sig)
}

// Verify walks the full stored chain: hash links first, then every
// signature. Failure is localized to the first broken event.
func (c *Chain) Verify(ctx context.Context) (ChainVerification, error) {
	events, err := c.store.GetChain(ctx, "", 0)
	if err != nil {
		return ChainVerification{}, err
	}

	result := VerifyChain(events)
	if !result.Valid {
		c.logger.Printf("Chain verification failed at index %d (event %s): %s",
			result.FailIndex, result.FailEventID, result.Reason)
		return result, nil
	}

	if c.signer != nil {
		for i, event := range events {
			if err := c.VerifySignature(event); err != nil {
				c.logger.Printf("Signature verification failed at index %d (event %s): %v", i, event.EventID, err)
				return ChainVerification{
					Valid:       false,
					Checked:     i,
					FailIndex:   i,
					FailEventID: event.EventID,
					Reason:      fmt.Sprintf("signature invalid: %v", err),
				}, nil
			}
		}
	}
	return result, nil
}

// Store exposes the underlying event store for read paths.
func (c *Chain) Store() Store {
	return c.store
}

// Signer exposes the signing key manager, nil when unsigned.
func (c *Chain) Signer() *keys.Manager {
	return c.signer
}
