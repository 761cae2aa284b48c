package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognigate/kernel/internal/keys"
)

func newTestChain(t *testing.T) (*Chain, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	signer, err := keys.NewManager("test-ledger", keys.NewMemoryStore())
	require.NoError(t, err)
	chain, err := NewChain(context.Background(), store, signer)
	require.NoError(t, err)
	return chain, store
}

func appendN(t *testing.T, chain *Chain, n int) []*ProofEvent {
	t.Helper()
	out := make([]*ProofEvent, 0, n)
	for i := 0; i < n; i++ {
		event, err := chain.Append(context.Background(), EventGateVerdict, "agent-1", "corr-1",
			map[string]interface{}{"status": "APPROVED", "index": i})
		require.NoError(t, err)
		out = append(out, event)
	}
	return out
}

func TestGenesisAndLinking(t *testing.T) {
	chain, store := newTestChain(t)
	events := appendN(t, chain, 3)

	assert.Equal(t, GenesisHash, events[0].PreviousHash)
	assert.Equal(t, events[0].EventHash, events[1].PreviousHash)
	assert.Equal(t, events[1].EventHash, events[2].PreviousHash)

	last, err := store.LastHash(context.Background())
	require.NoError(t, err)
	assert.Equal(t, events[2].EventHash, last)
}

func TestVerifyChainAcceptsIntactChain(t *testing.T) {
	chain, _ := newTestChain(t)
	appendN(t, chain, 5)

	result, err := chain.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 5, result.Checked)
}

func TestVerifyChainDetectsPayloadTampering(t *testing.T) {
	chain, store := newTestChain(t)
	events := appendN(t, chain, 5)

	// Reach into the store and flip one payload field after hashing
	store.mu.Lock()
	store.events[2].Payload["status"] = "REJECTED"
	store.mu.Unlock()

	result, err := chain.Verify(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, 2, result.FailIndex)
	assert.Equal(t, events[2].EventID, result.FailEventID)
	assert.Contains(t, result.Reason, "does not match content")
}

func TestVerifyChainDetectsBrokenLink(t *testing.T) {
	chain, store := newTestChain(t)
	appendN(t, chain, 4)

	store.mu.Lock()
	store.events[3].PreviousHash = GenesisHash
	// Reseal so the per-event hash is consistent and only the link breaks
	require.NoError(t, store.events[3].Seal())
	store.mu.Unlock()

	result, err := chain.Verify(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, 3, result.FailIndex)
	assert.Contains(t, result.Reason, "previous-hash link broken")
}

func TestVerifyChainRequiresGenesis(t *testing.T) {
	event := &ProofEvent{
		EventID:    "e-1",
		EventType:  EventGateVerdict,
		AgentID:    "agent-1",
		Payload:    map[string]interface{}{"status": "APPROVED"},
		OccurredAt: time.Now().UTC(),
	}
	event.PreviousHash = "deadbeef"
	require.NoError(t, event.Seal())

	result := VerifyChain([]*ProofEvent{event})
	assert.False(t, result.Valid)
	assert.Equal(t, 0, result.FailIndex)
	assert.Contains(t, result.Reason, "genesis")
}

func TestSignaturesVerifiableAcrossRotation(t *testing.T) {
	chain, _ := newTestChain(t)
	before := appendN(t, chain, 2)

	_, err := chain.Signer().RotateKey()
	require.NoError(t, err)
	after := appendN(t, chain, 2)

	// Different keys signed the two halves
	assert.NotEqual(t, before[0].SignedBy, after[0].SignedBy)

	// The whole chain, including pre-rotation events, still verifies
	result, err := chain.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestVerifyDetectsForgedSignature(t *testing.T) {
	chain, store := newTestChain(t)
	events := appendN(t, chain, 3)

	store.mu.Lock()
	store.events[1].Signature = store.events[0].Signature
	store.mu.Unlock()

	result, err := chain.Verify(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, 1, result.FailIndex)
	assert.Equal(t, events[1].EventID, result.FailEventID)
	assert.Contains(t, result.Reason, "signature")
}

func TestHashDeterministicForEqualContent(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	build := func() *ProofEvent {
		return &ProofEvent{
			EventID:      "ignored-by-hash",
			EventType:    EventScoreRecomputed,
			AgentID:      "agent-1",
			Payload:      map[string]interface{}{"score": 62.5, "band": "T3"},
			PreviousHash: GenesisHash,
			OccurredAt:   ts,
		}
	}

	h1, err := build().ComputeHash()
	require.NoError(t, err)
	h2, err := build().ComputeHash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestAppendedEventsCarrySignatures(t *testing.T) {
	chain, _ := newTestChain(t)

	event, err := chain.Append(context.Background(), EventKeyRotated, "kernel", "",
		map[string]interface{}{"sequence": 1})
	require.NoError(t, err)
	assert.NotEmpty(t, event.Signature)
	assert.NotEmpty(t, event.SignedBy)
	assert.NoError(t, chain.VerifySignature(event))
}

func TestMemoryStoreQueryAndPagination(t *testing.T) {
	chain, store := newTestChain(t)
	appendN(t, chain, 10)
	ctx := context.Background()

	_, err := chain.Append(ctx, EventBandTransition, "agent-2", "",
		map[string]interface{}{"from": "T2", "to": "T3"})
	require.NoError(t, err)

	byAgent, err := store.Query(ctx, Filter{AgentID: "agent-2"}, Page{})
	require.NoError(t, err)
	assert.Len(t, byAgent, 1)

	byType, err := store.Query(ctx, Filter{EventType: EventGateVerdict}, Page{Offset: 8, Limit: 5})
	require.NoError(t, err)
	assert.Len(t, byType, 2)

	n, err := store.Count(ctx, Filter{EventType: EventGateVerdict})
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(11), stats.TotalEvents)
	assert.Equal(t, int64(10), stats.ByType[EventGateVerdict])
	assert.Equal(t, int64(1), stats.ByAgent["agent-2"])
}

func TestMemoryStoreGetChainFromID(t *testing.T) {
	chain, store := newTestChain(t)
	events := appendN(t, chain, 5)
	ctx := context.Background()

	tail, err := store.GetChain(ctx, events[1].EventID, 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, events[2].EventID, tail[0].EventID)
	assert.Equal(t, events[3].EventID, tail[1].EventID)

	_, err = store.GetChain(ctx, "missing", 0)
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestComplianceReport(t *testing.T) {
	chain, _ := newTestChain(t)
	ctx := context.Background()

	_, err := chain.Append(ctx, EventGateVerdict, "agent-1", "", map[string]interface{}{"status": "APPROVED"})
	require.NoError(t, err)
	_, err = chain.Append(ctx, EventGateVerdict, "agent-1", "", map[string]interface{}{"status": "REJECTED"})
	require.NoError(t, err)
	_, err = chain.Append(ctx, EventGateVerdict, "agent-2", "", map[string]interface{}{"status": "PENDING_HUMAN_APPROVAL"})
	require.NoError(t, err)
	_, err = chain.Append(ctx, EventBreakerTransition, "agent-2", "", map[string]interface{}{"to": "OPEN"})
	require.NoError(t, err)

	report, err := GenerateComplianceReport(ctx, chain,
		time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, int64(4), report.TotalEvents)
	assert.Equal(t, int64(1), report.GateSummary.Approved)
	assert.Equal(t, int64(1), report.GateSummary.Rejected)
	assert.Equal(t, int64(1), report.GateSummary.Pending)
	assert.Equal(t, int64(2), report.ByAgent["agent-2"])
	assert.True(t, report.ChainValid)
}
