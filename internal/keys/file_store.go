package keys

import (
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// FileStore persists keys encrypted at rest in a single file. The file
// key is derived from a passphrase with HKDF-SHA256 over a per-file
// random salt, and the payload is sealed with ChaCha20-Poly1305.
//
// File layout: salt (32 bytes) || nonce || ciphertext.
type FileStore struct {
	mu         sync.Mutex
	path       string
	passphrase []byte
}

const fileSaltSize = 32

// NewFileStore creates a file-backed store at path, encrypted under the
// passphrase.
func NewFileStore(path string, passphrase []byte) (*FileStore, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("%w: empty passphrase", ErrStoreUnavailable)
	}
	return &FileStore{path: path, passphrase: passphrase}, nil
}

// storedKey is the at-rest JSON shape inside the sealed payload.
type storedKey struct {
	KeyID            string    `json:"key_id"`
	Identity         string    `json:"identity"`
	Algorithm        string    `json:"algorithm"`
	PublicKey        string    `json:"public_key"`
	PrivateSeed      string    `json:"private_seed"`
	CreatedAt        time.Time `json:"created_at"`
	RotationSequence int       `json:"rotation_sequence"`
	Active           bool      `json:"active"`
}

func (s *FileStore) Save(pair *KeyPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readAll()
	if err != nil {
		return err
	}

	entry := storedKey{
		KeyID:            pair.KeyID,
		Identity:         pair.Identity,
		Algorithm:        pair.Algorithm,
		PublicKey:        base64.StdEncoding.EncodeToString(pair.PublicKey),
		CreatedAt:        pair.CreatedAt,
		RotationSequence: pair.RotationSequence,
		Active:           pair.Active,
	}
	if pair.PrivateKey != nil {
		entry.PrivateSeed = base64.StdEncoding.EncodeToString(pair.PrivateKey.Seed())
	}

	replaced := false
	for i, existing := range all {
		if existing.Identity == pair.Identity && existing.KeyID == pair.KeyID {
			all[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		all = append(all, entry)
	}

	return s.writeAll(all)
}

func (s *FileStore) Load(identity, keyID string) (*KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readAll()
	if err != nil {
		return nil, err
	}
	for _, entry := range all {
		if entry.Identity == identity && entry.KeyID == keyID {
			return entry.toPair()
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrKeyNotFound, identity, keyID)
}

func (s *FileStore) List(identity string) ([]*KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readAll()
	if err != nil {
		return nil, err
	}
	var out []*KeyPair
	for _, entry := range all {
		if entry.Identity != identity {
			continue
		}
		pair, err := entry.toPair()
		if err != nil {
			return nil, err
		}
		out = append(out, pair)
	}
	return out, nil
}

func (e storedKey) toPair() (*KeyPair, error) {
	pub, err := base64.StdEncoding.DecodeString(e.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("decoding public key %s: %w", e.KeyID, err)
	}
	pair := &KeyPair{
		KeyID:            e.KeyID,
		Identity:         e.Identity,
		Algorithm:        e.Algorithm,
		PublicKey:        ed25519.PublicKey(pub),
		CreatedAt:        e.CreatedAt,
		RotationSequence: e.RotationSequence,
		Active:           e.Active,
	}
	if e.PrivateSeed != "" {
		seed, err := base64.StdEncoding.DecodeString(e.PrivateSeed)
		if err != nil {
			return nil, fmt.Errorf("decoding private seed %s: %w", e.KeyID, err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("key %s: bad seed length %d", e.KeyID, len(seed))
		}
		pair.PrivateKey = ed25519.NewKeyFromSeed(seed)
	}
	return pair, nil
}

func (s *FileStore) readAll() ([]storedKey, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if len(raw) < fileSaltSize+chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("%w: key file truncated", ErrStoreUnavailable)
	}
	salt := raw[:fileSaltSize]
	nonce := raw[fileSaltSize : fileSaltSize+chacha20poly1305.NonceSize]
	ciphertext := raw[fileSaltSize+chacha20poly1305.NonceSize:]

	aead, err := s.aead(salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypting key file: %v", ErrStoreUnavailable, err)
	}

	var all []storedKey
	if err := json.Unmarshal(plaintext, &all); err != nil {
		return nil, fmt.Errorf("%w: parsing key file: %v", ErrStoreUnavailable, err)
	}
	return all, nil
}

func (s *FileStore) writeAll(all []storedKey) error {
	plaintext, err := json.Marshal(all)
	if err != nil {
		return err
	}

	salt := make([]byte, fileSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	aead, err := s.aead(salt)
	if err != nil {
		return err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	out := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, sealed...)

	return os.WriteFile(s.path, out, 0600)
}

func (s *FileStore) aead(salt []byte) (cipher.AEAD, error) {
	kdf := hkdf.New(sha256.New, s.passphrase, salt, []byte("kernel-key-store"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	return chacha20poly1305.New(key)
}
