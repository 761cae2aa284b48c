package breaker

import (
	"log"
	"sync"
)

// Registry owns one live breaker per agent id, lazily created. Lookups
// take the read lock; creation double-checks under the write lock.
type Registry struct {
	mu         sync.RWMutex
	breakers   map[string]*Breaker
	defaultCfg Config
	logger     *log.Logger
}

// NewRegistry creates a registry with a default config for lazily
// created breakers.
func NewRegistry(defaultCfg Config) *Registry {
	return &Registry{
		breakers:   make(map[string]*Breaker),
		defaultCfg: defaultCfg,
		logger:     log.New(log.Writer(), "[BreakerRegistry] ", log.LstdFlags),
	}
}

// Get returns the agent's breaker, creating one with the default config
// if needed.
func (r *Registry) Get(agentID string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[agentID]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if b, ok = r.breakers[agentID]; ok {
		return b
	}

	b = New(agentID, r.defaultCfg)
	r.breakers[agentID] = b
	r.logger.Printf("Created breaker for agent %s", agentID)
	return b
}

// GetOrCreate returns the agent's breaker, creating it with a custom
// config on first use. An existing breaker keeps its original config.
func (r *Registry) GetOrCreate(agentID string, cfg Config) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[agentID]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok = r.breakers[agentID]; ok {
		return b
	}

	b = New(agentID, cfg)
	r.breakers[agentID] = b
	return b
}

// List returns the ids of every agent with a live breaker.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.breakers))
	for id := range r.breakers {
		out = append(out, id)
	}
	return out
}

// States returns the current state of every breaker.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	breakers := make(map[string]*Breaker, len(r.breakers))
	for id, b := range r.breakers {
		breakers[id] = b
	}
	r.mu.RUnlock()

	out := make(map[string]State, len(breakers))
	for id, b := range breakers {
		out[id] = b.State()
	}
	return out
}

// HaltAll force-opens every breaker in the fleet and returns the
// forensic records. Admin-only emergency stop.
func (r *Registry) HaltAll(reason string) []TerminationRecord {
	r.mu.RLock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	records := make([]TerminationRecord, 0, len(breakers))
	for _, b := range breakers {
		records = append(records, b.ForceOpen(reason))
	}
	r.logger.Printf("HaltAll: %d breaker(s) force-opened (%s)", len(records), reason)
	return records
}
