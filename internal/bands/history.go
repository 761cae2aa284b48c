package bands

import (
	"sync"
	"time"
)

// History is the append-only per-agent transition record. Entries are
// never rewritten; the latest entry's To band is the agent's current
// assignment.
type History struct {
	mu      sync.RWMutex
	entries map[string][]Transition
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{entries: make(map[string][]Transition)}
}

// Append records an evaluation. Band changes, initial assignments, and
// held or deferred evaluations are all kept; the log is never pruned.
func (h *History) Append(tr Transition) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[tr.AgentID] = append(h.entries[tr.AgentID], tr)
}

// Latest returns the most recent entry for an agent.
func (h *History) Latest(agentID string) (Transition, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	list := h.entries[agentID]
	if len(list) == 0 {
		return Transition{}, false
	}
	return list[len(list)-1], true
}

// EnteredCurrentAt returns when the agent entered its current band. For
// an unknown agent it returns the zero time.
func (h *History) EnteredCurrentAt(agentID string) time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	list := h.entries[agentID]
	if len(list) == 0 {
		return time.Time{}
	}
	current := list[len(list)-1].To
	entered := list[len(list)-1].OccurredAt
	// Walk back through consecutive entries in the same band
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].To != current {
			break
		}
		entered = list[i].OccurredAt
	}
	return entered
}

// Transitions returns a copy of the agent's full transition log.
func (h *History) Transitions(agentID string) []Transition {
	h.mu.RLock()
	defer h.mu.RUnlock()
	list := h.entries[agentID]
	out := make([]Transition, len(list))
	copy(out, list)
	return out
}

// StabilityScore rates how settled an agent's band has been over the
// window, on [0,1]. 1.0 means no band changes; each change inside the
// window costs a share of the score. Agents that oscillate get a low
// stability score, which the gaming detector treats as a signal.
func (h *History) StabilityScore(agentID string, window time.Duration, now time.Time) float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	list := h.entries[agentID]
	if len(list) == 0 {
		return 1.0
	}

	cutoff := now.Add(-window)
	changes := 0
	for _, tr := range list {
		if tr.OccurredAt.Before(cutoff) {
			continue
		}
		if tr.From != tr.To {
			changes++
		}
	}

	// 4+ changes in one window is fully unstable
	const maxChanges = 4.0
	score := 1.0 - float64(changes)/maxChanges
	if score < 0 {
		return 0
	}
	return score
}
