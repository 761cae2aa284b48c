package verify_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognigate/kernel/internal/keys"
	"github.com/cognigate/kernel/internal/ledger"
	"github.com/cognigate/kernel/pkg/verify"
)

// exportChain produces a signed chain with the kernel's own packages,
// then round-trips it through JSON the way an export would.
func exportChain(t *testing.T, n int) ([]verify.Event, []verify.PublicKey) {
	t.Helper()
	signer, err := keys.NewManager("export-test", keys.NewMemoryStore())
	require.NoError(t, err)
	chain, err := ledger.NewChain(context.Background(), ledger.NewMemoryStore(), signer)
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		_, err := chain.Append(context.Background(), ledger.EventScoreRecomputed, "agent-1", "", map[string]interface{}{
			"kernel_score": float64(100 * i),
		})
		require.NoError(t, err)
		if i == n/2 {
			// Rotation mid-chain: later events sign under a new key
			_, err := signer.RotateKey()
			require.NoError(t, err)
		}
	}

	stored, err := chain.Store().GetChain(context.Background(), "", 0)
	require.NoError(t, err)
	raw, err := json.Marshal(stored)
	require.NoError(t, err)

	var events []verify.Event
	require.NoError(t, json.Unmarshal(raw, &events))

	var published []verify.PublicKey
	rawKeys, err := json.Marshal(signer.ListKeys())
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(rawKeys, &published))

	return events, published
}

func TestExportedChainVerifies(t *testing.T) {
	events, published := exportChain(t, 6)

	result := verify.Verify(events, published)
	assert.True(t, result.Valid)
	assert.Equal(t, 6, result.Checked)
}

func TestTamperedPayloadDetected(t *testing.T) {
	events, published := exportChain(t, 5)
	events[2].Payload["kernel_score"] = 999.0

	result := verify.Verify(events, published)
	assert.False(t, result.Valid)
	assert.Equal(t, 2, result.FailIndex)
	assert.Equal(t, events[2].EventID, result.FailEventID)
}

func TestTruncatedMiddleDetected(t *testing.T) {
	events, published := exportChain(t, 5)
	cut := append(append([]verify.Event{}, events[:2]...), events[3:]...)

	result := verify.Verify(cut, published)
	assert.False(t, result.Valid)
	assert.Equal(t, 2, result.FailIndex)
	assert.Contains(t, result.Reason, "broken link")
}

func TestMissingGenesisDetected(t *testing.T) {
	events, published := exportChain(t, 4)

	result := verify.Verify(events[1:], published)
	assert.False(t, result.Valid)
	assert.Equal(t, 0, result.FailIndex)
}

func TestStrippedSignatureDetected(t *testing.T) {
	events, published := exportChain(t, 4)
	events[1].Signature = ""
	events[1].SignedBy = ""

	result := verify.Verify(events, published)
	assert.False(t, result.Valid)
	assert.Equal(t, 1, result.FailIndex)
	assert.Equal(t, "event is unsigned", result.Reason)
}

func TestUnknownSigningKeyDetected(t *testing.T) {
	events, _ := exportChain(t, 4)
	// Published set that omits every key the chain used
	result := verify.Verify(events, nil)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Reason, "no published key")
}

func TestRotationKeepsOldEventsVerifiable(t *testing.T) {
	events, published := exportChain(t, 8)

	// More than one distinct key must have signed
	signers := map[string]bool{}
	for _, e := range events {
		signers[e.SignedBy] = true
	}
	require.Greater(t, len(signers), 1)

	assert.True(t, verify.Verify(events, published).Valid)
}

func TestEmptyChainIsValid(t *testing.T) {
	assert.True(t, verify.Verify(nil, nil).Valid)
}
