package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Manager owns the key lifecycle for one signing identity. Signing takes
// the read lock and rotation the write lock, so in-flight signs complete
// under the old key and signs arriving during rotation wait for the new
// one. A half-rotated key is never observable.
type Manager struct {
	mu       sync.RWMutex
	identity string
	active   *KeyPair
	retired  []*KeyPair
	store    Store
	module   SecureModule // non-nil for module-held keys
	logger   *log.Logger
}

// NewManager creates a manager for an identity, reloading keys from the
// store if any exist, otherwise generating the initial pair. A
// ModuleStore additionally routes key generation and signing through
// its secure module, so private bytes never enter this process.
func NewManager(identity string, store Store) (*Manager, error) {
	m := &Manager{
		identity: identity,
		store:    store,
		logger:   log.New(log.Writer(), "[KeyManager] ", log.LstdFlags),
	}
	if ms, ok := store.(*ModuleStore); ok {
		m.module = ms.Module()
	}

	existing, err := store.List(identity)
	if err != nil {
		return nil, fmt.Errorf("loading keys for %s: %w", identity, err)
	}
	for _, pair := range existing {
		if pair.Active {
			if m.active != nil {
				return nil, fmt.Errorf("identity %s has multiple active keys", identity)
			}
			m.active = pair
		} else {
			m.retired = append(m.retired, pair)
		}
	}

	if m.active == nil {
		if _, err := m.rotateLocked(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Identity returns the signing identity this manager serves.
func (m *Manager) Identity() string {
	return m.identity
}

// ActiveKeyID returns the id of the current signing key.
func (m *Manager) ActiveKeyID() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return "", ErrNoActiveKey
	}
	return m.active.KeyID, nil
}

// Sign signs data under the active key and returns the signature and the
// key id it was produced with. Module-held keys carry no seed; signing
// is delegated to the module. Fails closed when no active key exists.
func (m *Manager) Sign(data []byte) (signature []byte, keyID string, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.active == nil {
		return nil, "", ErrNoActiveKey
	}
	if m.active.PrivateKey == nil {
		if m.module == nil {
			return nil, "", fmt.Errorf("%w: key %s holds no private material", ErrNoActiveKey, m.active.KeyID)
		}
		sig, err := m.module.Sign(m.active.KeyID, data)
		if err != nil {
			return nil, "", fmt.Errorf("module sign with key %s: %w", m.active.KeyID, err)
		}
		return sig, m.active.KeyID, nil
	}
	return ed25519.Sign(m.active.PrivateKey, data), m.active.KeyID, nil
}

// Verify checks a signature against a specific key, active or retired.
// Signatures made before a rotation stay verifiable forever.
func (m *Manager) Verify(keyID string, data, signature []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pair := m.findLocked(keyID)
	if pair == nil {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	if !ed25519.Verify(pair.PublicKey, data, signature) {
		return fmt.Errorf("signature verification failed for key %s", keyID)
	}
	return nil
}

// RotateKey generates a new pair, activates it, and retires (but keeps)
// the previous one. Exclusive with respect to signing.
func (m *Manager) RotateKey() (*KeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rotateLocked()
}

func (m *Manager) rotateLocked() (*KeyPair, error) {
	seq := 1
	if m.active != nil {
		seq = m.active.RotationSequence + 1
	}

	next, err := m.generatePair(seq)
	if err != nil {
		return nil, err
	}

	if m.active != nil {
		m.active.Active = false
		if err := m.store.Save(m.active); err != nil && err != ErrStoreReadOnly {
			// Roll back the deactivation; the old key keeps signing
			m.active.Active = true
			return nil, fmt.Errorf("retiring key %s: %w", m.active.KeyID, err)
		}
	}
	if err := m.store.Save(next); err != nil && err != ErrStoreReadOnly {
		if m.active != nil {
			m.active.Active = true
		}
		return nil, fmt.Errorf("persisting key %s: %w", next.KeyID, err)
	}

	if m.active != nil {
		m.retired = append(m.retired, m.active)
	}
	m.active = next
	m.logger.Printf("Rotated key for %s: sequence %d, key %s", m.identity, seq, next.KeyID)
	return next, nil
}

// generatePair creates a fresh key, in process or inside the secure
// module. Module keys come back without private material.
func (m *Manager) generatePair(seq int) (*KeyPair, error) {
	if m.module != nil {
		keyID, err := m.module.GenerateKeyPair(m.identity)
		if err != nil {
			return nil, fmt.Errorf("module key generation: %w", err)
		}
		pub, err := m.module.GetPublicKey(keyID)
		if err != nil {
			return nil, fmt.Errorf("module public key %s: %w", keyID, err)
		}
		return &KeyPair{
			KeyID:            keyID,
			Identity:         m.identity,
			Algorithm:        AlgorithmEd25519,
			PublicKey:        pub,
			CreatedAt:        time.Now().UTC(),
			RotationSequence: seq,
			Active:           true,
		}, nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key pair: %w", err)
	}
	return &KeyPair{
		KeyID:            uuid.New().String(),
		Identity:         m.identity,
		Algorithm:        AlgorithmEd25519,
		PublicKey:        pub,
		PrivateKey:       priv,
		CreatedAt:        time.Now().UTC(),
		RotationSequence: seq,
		Active:           true,
	}, nil
}

// PublicKeys returns every public key this identity has ever signed
// with, keyed by key id. This is the published verification set.
func (m *Manager) PublicKeys() map[string]ed25519.PublicKey {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]ed25519.PublicKey, len(m.retired)+1)
	for _, pair := range m.retired {
		out[pair.KeyID] = pair.PublicKey
	}
	if m.active != nil {
		out[m.active.KeyID] = m.active.PublicKey
	}
	return out
}

// ListKeys returns public-only copies of every key, newest first.
func (m *Manager) ListKeys() []KeyPair {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]KeyPair, 0, len(m.retired)+1)
	if m.active != nil {
		out = append(out, m.active.Public())
	}
	for i := len(m.retired) - 1; i >= 0; i-- {
		out = append(out, m.retired[i].Public())
	}
	return out
}

func (m *Manager) findLocked(keyID string) *KeyPair {
	if m.active != nil && m.active.KeyID == keyID {
		return m.active
	}
	for _, pair := range m.retired {
		if pair.KeyID == keyID {
			return pair
		}
	}
	return nil
}
