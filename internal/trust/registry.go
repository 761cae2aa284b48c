package trust

import (
	"sync"
)

// Registry holds the latest profile version per agent. One live entry per
// agent id, lazily created; operations on different agents proceed in
// parallel.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

// NewRegistry creates an empty profile registry.
func NewRegistry() *Registry {
	return &Registry{profiles: make(map[string]*Profile)}
}

// Get returns the latest profile for an agent, or nil if none exists.
func (r *Registry) Get(agentID string) *Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.profiles[agentID]
}

// Put stores a profile as the latest version for its agent. A stale
// version never overwrites a newer one.
func (r *Registry) Put(profile *Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.profiles[profile.AgentID]; ok && existing.Version >= profile.Version {
		return
	}
	r.profiles[profile.AgentID] = profile
}

// GetOrCreate returns the existing profile or lazily creates a version-1
// profile with the given defaults.
func (r *Registry) GetOrCreate(agentID string, dims Dimensions, tier ObservationTier, weights Weights) (*Profile, error) {
	r.mu.RLock()
	p, exists := r.profiles[agentID]
	r.mu.RUnlock()
	if exists {
		return p, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if p, exists = r.profiles[agentID]; exists {
		return p, nil
	}

	p, err := NewProfile(agentID, dims, tier, weights)
	if err != nil {
		return nil, err
	}
	r.profiles[agentID] = p
	return p, nil
}

// List returns the latest profile of every known agent.
func (r *Registry) List() []*Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	return out
}

// Count returns the number of known agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.profiles)
}
