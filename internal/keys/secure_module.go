package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SecureModule is the external HSM-style backend. Private key bytes
// never cross this interface; the module signs on the kernel's behalf.
// ListKeys returns an identity's key ids oldest first, so the last id
// is the most recently generated key.
type SecureModule interface {
	GenerateKeyPair(identity string) (keyID string, err error)
	Sign(keyID string, data []byte) ([]byte, error)
	Verify(keyID string, data, signature []byte) (bool, error)
	GetPublicKey(keyID string) (ed25519.PublicKey, error)
	ListKeys(identity string) ([]string, error)
	DeleteKey(keyID string) error
}

// SoftModule is an in-process SecureModule for development and tests.
// It honors the contract of the interface (no private bytes exposed)
// without offering hardware-grade protection.
type SoftModule struct {
	mu    sync.RWMutex
	keys  map[string]ed25519.PrivateKey
	owner map[string]string // keyID -> identity
	order []string          // keyIDs in generation order
}

// NewSoftModule creates an empty software secure module.
func NewSoftModule() *SoftModule {
	return &SoftModule{
		keys:  make(map[string]ed25519.PrivateKey),
		owner: make(map[string]string),
	}
}

func (m *SoftModule) GenerateKeyPair(identity string) (string, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	keyID := uuid.New().String()
	m.keys[keyID] = priv
	m.owner[keyID] = identity
	m.order = append(m.order, keyID)
	return keyID, nil
}

func (m *SoftModule) Sign(keyID string, data []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	priv, ok := m.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return ed25519.Sign(priv, data), nil
}

func (m *SoftModule) Verify(keyID string, data, signature []byte) (bool, error) {
	pub, err := m.GetPublicKey(keyID)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(pub, data, signature), nil
}

func (m *SoftModule) GetPublicKey(keyID string) (ed25519.PublicKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	priv, ok := m.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return priv.Public().(ed25519.PublicKey), nil
}

func (m *SoftModule) ListKeys(identity string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, keyID := range m.order {
		if m.owner[keyID] == identity {
			out = append(out, keyID)
		}
	}
	return out, nil
}

func (m *SoftModule) DeleteKey(keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[keyID]; !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	delete(m.keys, keyID)
	delete(m.owner, keyID)
	for i, id := range m.order {
		if id == keyID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// ModuleStore adapts a SecureModule to the Store interface so the
// Manager can run against hardware-held keys. Loaded pairs carry no
// private material; the Manager delegates signing to the module when it
// sees a seedless active key.
type ModuleStore struct {
	module SecureModule
}

// NewModuleStore wraps a secure module as a read-only key store.
func NewModuleStore(module SecureModule) *ModuleStore {
	return &ModuleStore{module: module}
}

// Module returns the wrapped secure module for signing delegation.
func (s *ModuleStore) Module() SecureModule { return s.module }

func (s *ModuleStore) Save(*KeyPair) error { return ErrStoreReadOnly }

// Load returns a public-only pair. Modules track no active flag; List
// decides activation from generation order.
func (s *ModuleStore) Load(identity, keyID string) (*KeyPair, error) {
	pub, err := s.module.GetPublicKey(keyID)
	if err != nil {
		return nil, err
	}
	return &KeyPair{
		KeyID:     keyID,
		Identity:  identity,
		Algorithm: AlgorithmEd25519,
		PublicKey: pub,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// List returns the module's keys oldest first, with only the newest
// marked active.
func (s *ModuleStore) List(identity string) ([]*KeyPair, error) {
	ids, err := s.module.ListKeys(identity)
	if err != nil {
		return nil, err
	}
	var out []*KeyPair
	for i, keyID := range ids {
		pair, err := s.Load(identity, keyID)
		if err != nil {
			return nil, err
		}
		pair.RotationSequence = i + 1
		pair.Active = i == len(ids)-1
		out = append(out, pair)
	}
	return out, nil
}
