// Package cache provides a read-through cache for trust snapshots so
// gate-heavy callers do not hit the registry and ceiling math on every
// lookup. Backed by Redis in production, by an in-memory client in tests.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrMiss is returned when a key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Client is the minimal key-value surface the cache needs. The Redis
// adapter in internal/infra satisfies it.
type Client interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
}

// PubSubClient broadcasts invalidations across kernel instances.
type PubSubClient interface {
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error)
}

// Snapshot is the cached projection of an agent's governance state.
type Snapshot struct {
	AgentID     string    `json:"agent_id"`
	KernelScore float64   `json:"kernel_score"`
	Band        string    `json:"band"`
	Version     int64     `json:"version"`
	CachedAt    time.Time `json:"cached_at"`
}

const invalidationChannel = "kernel:trust:invalidations"

func snapshotKey(agentID string) string {
	return "kernel:trust:snapshot:" + agentID
}

// SnapshotCache stores trust snapshots with a TTL and propagates
// invalidations over pub/sub so peer instances drop stale entries.
type SnapshotCache struct {
	client Client
	pubsub PubSubClient
	ttl    time.Duration
	unsub  func()
}

// NewSnapshotCache wires a cache over a client. pubsub may be nil for
// single-instance deployments; invalidations then stay local.
func NewSnapshotCache(ctx context.Context, client Client, pubsub PubSubClient, ttl time.Duration) (*SnapshotCache, error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	c := &SnapshotCache{client: client, pubsub: pubsub, ttl: ttl}

	if pubsub != nil {
		unsub, err := pubsub.Subscribe(ctx, invalidationChannel, func(msg []byte) {
			c.client.Del(context.Background(), snapshotKey(string(msg)))
		})
		if err != nil {
			return nil, fmt.Errorf("subscribe invalidations: %w", err)
		}
		c.unsub = unsub
	}
	return c, nil
}

// Close detaches the invalidation subscription.
func (c *SnapshotCache) Close() {
	if c.unsub != nil {
		c.unsub()
	}
}

// Put stores a snapshot under the configured TTL.
func (c *SnapshotCache) Put(ctx context.Context, snap Snapshot) error {
	snap.CachedAt = time.Now().UTC()
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, snapshotKey(snap.AgentID), raw, c.ttl)
}

// Get returns the cached snapshot or ErrMiss.
func (c *SnapshotCache) Get(ctx context.Context, agentID string) (Snapshot, error) {
	raw, err := c.client.Get(ctx, snapshotKey(agentID))
	if err != nil {
		return Snapshot{}, ErrMiss
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("corrupt snapshot for %s: %w", agentID, err)
	}
	return snap, nil
}

// Invalidate drops the local entry and tells peers to do the same.
// A new profile version must never be served from a stale cache.
func (c *SnapshotCache) Invalidate(ctx context.Context, agentID string) error {
	if err := c.client.Del(ctx, snapshotKey(agentID)); err != nil {
		return err
	}
	if c.pubsub != nil {
		return c.pubsub.Publish(ctx, invalidationChannel, []byte(agentID))
	}
	return nil
}

// ============================================================================
// IN-MEMORY CLIENT
// ============================================================================

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryClient is a process-local Client for tests and for deployments
// without Redis.
type MemoryClient struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	nowFn   func() time.Time
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		entries: make(map[string]memoryEntry),
		nowFn:   time.Now,
	}
}

func (m *MemoryClient) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = m.nowFn().Add(ttl)
	}
	m.entries[key] = entry
	return nil
}

func (m *MemoryClient) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrMiss
	}
	if !entry.expiresAt.IsZero() && m.nowFn().After(entry.expiresAt) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return nil, ErrMiss
	}
	return entry.value, nil
}

func (m *MemoryClient) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.entries, key)
	}
	return nil
}
