package ledger

import (
	"context"
	"sync"
	"time"
)

// Filter narrows queries over the event store. Zero values match
// everything.
type Filter struct {
	AgentID       string
	EventType     string
	CorrelationID string
	Since         time.Time
	Until         time.Time
}

func (f Filter) matches(e *ProofEvent) bool {
	if f.AgentID != "" && e.AgentID != f.AgentID {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.CorrelationID != "" && e.CorrelationID != f.CorrelationID {
		return false
	}
	if !f.Since.IsZero() && e.OccurredAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.OccurredAt.After(f.Until) {
		return false
	}
	return true
}

// Page controls query pagination.
type Page struct {
	Offset int
	Limit  int
}

// Stats aggregates the stored chain.
type Stats struct {
	TotalEvents int64            `json:"total_events"`
	ByType      map[string]int64 `json:"by_type"`
	ByAgent     map[string]int64 `json:"by_agent"`
	FirstEvent  time.Time        `json:"first_event,omitempty"`
	LastEvent   time.Time        `json:"last_event,omitempty"`
}

// Store is the pluggable event storage backend. The kernel requires
// append-only, ordered-by-arrival semantics and nothing else; backends
// never mutate stored events.
type Store interface {
	Append(ctx context.Context, event *ProofEvent) error
	Get(ctx context.Context, eventID string) (*ProofEvent, error)
	Query(ctx context.Context, filter Filter, page Page) ([]*ProofEvent, error)
	Count(ctx context.Context, filter Filter) (int64, error)

	// GetChain returns events in append order starting after fromID
	// (from the beginning if empty), up to limit (all if <= 0).
	GetChain(ctx context.Context, fromID string, limit int) ([]*ProofEvent, error)

	// LastHash returns the hash of the most recent event, or the genesis
	// hash for an empty store.
	LastHash(ctx context.Context) (string, error)

	GetStats(ctx context.Context) (Stats, error)
}

// ============================================================================
// IN-MEMORY STORE
// ============================================================================

// MemoryStore keeps the chain in an append-ordered slice with an id
// index. Used by tests and single-node deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*ProofEvent
	byID   map[string]int
}

// NewMemoryStore creates an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]int)}
}

func (s *MemoryStore) Append(_ context.Context, event *ProofEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *event
	s.byID[cp.EventID] = len(s.events)
	s.events = append(s.events, &cp)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, eventID string) (*ProofEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[eventID]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *s.events[idx]
	return &cp, nil
}

func (s *MemoryStore) Query(_ context.Context, filter Filter, page Page) ([]*ProofEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*ProofEvent
	for _, e := range s.events {
		if filter.matches(e) {
			matched = append(matched, e)
		}
	}

	if page.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[page.Offset:]
	if page.Limit > 0 && page.Limit < len(matched) {
		matched = matched[:page.Limit]
	}

	out := make([]*ProofEvent, len(matched))
	for i, e := range matched {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func (s *MemoryStore) Count(_ context.Context, filter Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, e := range s.events {
		if filter.matches(e) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) GetChain(_ context.Context, fromID string, limit int) ([]*ProofEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := 0
	if fromID != "" {
		idx, ok := s.byID[fromID]
		if !ok {
			return nil, ErrEventNotFound
		}
		start = idx + 1
	}

	slice := s.events[start:]
	if limit > 0 && limit < len(slice) {
		slice = slice[:limit]
	}

	out := make([]*ProofEvent, len(slice))
	for i, e := range slice {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func (s *MemoryStore) LastHash(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.events) == 0 {
		return GenesisHash, nil
	}
	return s.events[len(s.events)-1].EventHash, nil
}

func (s *MemoryStore) GetStats(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		TotalEvents: int64(len(s.events)),
		ByType:      make(map[string]int64),
		ByAgent:     make(map[string]int64),
	}
	for _, e := range s.events {
		stats.ByType[e.EventType]++
		stats.ByAgent[e.AgentID]++
	}
	if len(s.events) > 0 {
		stats.FirstEvent = s.events[0].OccurredAt
		stats.LastEvent = s.events[len(s.events)-1].OccurredAt
	}
	return stats, nil
}
