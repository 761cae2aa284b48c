package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypedSubscriptionReceivesOnlyItsType(t *testing.T) {
	bus := NewBus()
	verdicts := bus.Subscribe(TypeGateVerdict)
	defer bus.Unsubscribe(verdicts)

	bus.Emit(TypeGateVerdict, "/gate", "agent-1", map[string]interface{}{"status": "APPROVED"})
	bus.Emit(TypeBandTransition, "/bands", "agent-1", map[string]interface{}{"to": "T3"})

	event := <-verdicts
	assert.Equal(t, TypeGateVerdict, event.Type)
	assert.Equal(t, "agent-1", event.AgentID)
	assert.Empty(t, verdicts)
}

func TestAllSubscriberReceivesEverything(t *testing.T) {
	bus := NewBus()
	all := bus.Subscribe()
	defer bus.Unsubscribe(all)

	bus.Emit(TypeGateVerdict, "/gate", "agent-1", nil)
	bus.Emit(TypeBreakerTransition, "/breaker", "agent-2", nil)

	assert.Equal(t, TypeGateVerdict, (<-all).Type)
	assert.Equal(t, TypeBreakerTransition, (<-all).Type)
}

func TestFullSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewBus()
	slow := bus.Subscribe(TypeScoreRecomputed)
	defer bus.Unsubscribe(slow)

	// Overfill the buffer; Publish must never block
	for i := 0; i < 250; i++ {
		bus.Emit(TypeScoreRecomputed, "/trust", "agent-1", nil)
	}
	assert.Len(t, slow, 100)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TypeGateVerdict)
	require.Equal(t, 1, bus.SubscriberCount())

	bus.Unsubscribe(ch)
	assert.Equal(t, 0, bus.SubscriberCount())

	_, open := <-ch
	assert.False(t, open)
}

func TestSSEFormat(t *testing.T) {
	event := NewCloudEvent(TypeGateVerdict, "/gate", "agent-1", map[string]interface{}{"status": "APPROVED"})
	raw, err := event.SSEFormat()
	require.NoError(t, err)
	assert.Contains(t, string(raw), "event: "+TypeGateVerdict)
	assert.Contains(t, string(raw), "id: "+event.ID)
	assert.Contains(t, string(raw), `"status":"APPROVED"`)
}
