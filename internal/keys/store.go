package keys

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Store persists key pairs for signing identities. Backends that cannot
// persist (environment injection) return ErrStoreReadOnly from Save.
type Store interface {
	Save(pair *KeyPair) error
	Load(identity, keyID string) (*KeyPair, error)
	List(identity string) ([]*KeyPair, error)
}

// ============================================================================
// IN-MEMORY STORE
// ============================================================================

// MemoryStore keeps keys in process memory. Suitable for tests and
// single-node deployments where keys are regenerated on restart.
type MemoryStore struct {
	mu    sync.RWMutex
	pairs map[string]map[string]*KeyPair // identity -> keyID -> pair
}

// NewMemoryStore creates an empty in-memory key store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pairs: make(map[string]map[string]*KeyPair)}
}

func (s *MemoryStore) Save(pair *KeyPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.pairs[pair.Identity]
	if !ok {
		byID = make(map[string]*KeyPair)
		s.pairs[pair.Identity] = byID
	}
	cp := *pair
	byID[pair.KeyID] = &cp
	return nil
}

func (s *MemoryStore) Load(identity, keyID string) (*KeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if pair, ok := s.pairs[identity][keyID]; ok {
		cp := *pair
		return &cp, nil
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrKeyNotFound, identity, keyID)
}

func (s *MemoryStore) List(identity string) ([]*KeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*KeyPair, 0, len(s.pairs[identity]))
	for _, pair := range s.pairs[identity] {
		cp := *pair
		out = append(out, &cp)
	}
	return out, nil
}

// ============================================================================
// ENVIRONMENT STORE
// ============================================================================

// EnvStore reads signing seeds injected through the environment, for
// deployments where key material is provisioned by the platform. The
// expected variable is <prefix>_<IDENTITY> holding a base64 Ed25519
// seed. Read-only: rotation requires a writable backend.
type EnvStore struct {
	prefix string
}

// NewEnvStore creates an environment-backed store with the given
// variable prefix, e.g. "KERNEL_SIGNING_SEED".
func NewEnvStore(prefix string) *EnvStore {
	return &EnvStore{prefix: prefix}
}

func (s *EnvStore) Save(*KeyPair) error {
	return ErrStoreReadOnly
}

func (s *EnvStore) Load(identity, keyID string) (*KeyPair, error) {
	pairs, err := s.List(identity)
	if err != nil {
		return nil, err
	}
	for _, pair := range pairs {
		if pair.KeyID == keyID {
			return pair, nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrKeyNotFound, identity, keyID)
}

func (s *EnvStore) List(identity string) ([]*KeyPair, error) {
	name := s.prefix + "_" + strings.ToUpper(strings.ReplaceAll(identity, "-", "_"))
	raw, ok := os.LookupEnv(name)
	if !ok || raw == "" {
		return nil, nil
	}

	seed, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", name, err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%s: seed must be %d bytes, got %d", name, ed25519.SeedSize, len(seed))
	}

	priv := ed25519.NewKeyFromSeed(seed)
	return []*KeyPair{{
		KeyID:            "env-" + identity,
		Identity:         identity,
		Algorithm:        AlgorithmEd25519,
		PublicKey:        priv.Public().(ed25519.PublicKey),
		PrivateKey:       priv,
		CreatedAt:        time.Now().UTC(),
		RotationSequence: 1,
		Active:           true,
	}}, nil
}
