// Package keys manages the signing-key lifecycle for the audit ledger:
// one active Ed25519 pair per signing identity, rotation that retains
// deactivated keys for historical verification, and pluggable key
// storage backends.
package keys

import (
	"crypto/ed25519"
	"errors"
	"time"
)

// Common errors. Key-management failures fail closed: a missing or
// inactive key refuses to sign rather than falling back to an unsigned
// path.
var (
	ErrNoActiveKey      = errors.New("no active signing key")
	ErrKeyNotFound      = errors.New("signing key not found")
	ErrKeyInactive      = errors.New("signing key is inactive")
	ErrStoreReadOnly    = errors.New("key store is read-only")
	ErrStoreUnavailable = errors.New("key store unavailable")
)

// AlgorithmEd25519 is the only algorithm the kernel signs with.
const AlgorithmEd25519 = "ed25519"

// KeyPair is one signing key for an identity. Private material is held
// as the Ed25519 seed; secure-module backends keep the seed empty and
// sign on the kernel's behalf instead.
type KeyPair struct {
	KeyID            string             `json:"key_id"`
	Identity         string             `json:"identity"`
	Algorithm        string             `json:"algorithm"`
	PublicKey        ed25519.PublicKey  `json:"public_key"`
	PrivateKey       ed25519.PrivateKey `json:"-"`
	CreatedAt        time.Time          `json:"created_at"`
	RotationSequence int                `json:"rotation_sequence"`
	Active           bool               `json:"active"`
}

// Public returns a copy stripped of private material, safe to publish.
func (k *KeyPair) Public() KeyPair {
	pub := *k
	pub.PrivateKey = nil
	return pub
}
