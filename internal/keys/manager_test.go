package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerSignsAndVerifies(t *testing.T) {
	m, err := NewManager("ledger-primary", NewMemoryStore())
	require.NoError(t, err)

	data := []byte("decision payload")
	sig, keyID, err := m.Sign(data)
	require.NoError(t, err)
	assert.NotEmpty(t, keyID)

	assert.NoError(t, m.Verify(keyID, data, sig))
	assert.Error(t, m.Verify(keyID, []byte("tampered"), sig))
	assert.ErrorIs(t, m.Verify("no-such-key", data, sig), ErrKeyNotFound)
}

func TestRotationKeepsOldSignaturesVerifiable(t *testing.T) {
	m, err := NewManager("ledger-primary", NewMemoryStore())
	require.NoError(t, err)

	data := []byte("signed before rotation")
	sig, oldKeyID, err := m.Sign(data)
	require.NoError(t, err)

	next, err := m.RotateKey()
	require.NoError(t, err)
	assert.NotEqual(t, oldKeyID, next.KeyID)
	assert.Equal(t, 2, next.RotationSequence)

	// New signatures use the new key
	_, newKeyID, err := m.Sign(data)
	require.NoError(t, err)
	assert.Equal(t, next.KeyID, newKeyID)

	// The retired key still verifies its historical signatures
	assert.NoError(t, m.Verify(oldKeyID, data, sig))

	// Exactly one active key
	active := 0
	for _, pair := range m.ListKeys() {
		if pair.Active {
			active++
		}
	}
	assert.Equal(t, 1, active)
}

func TestPublicKeySetCoversAllGenerations(t *testing.T) {
	m, err := NewManager("ledger-primary", NewMemoryStore())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := m.RotateKey()
		require.NoError(t, err)
	}
	assert.Len(t, m.PublicKeys(), 4)
}

func TestListedKeysCarryNoPrivateMaterial(t *testing.T) {
	m, err := NewManager("ledger-primary", NewMemoryStore())
	require.NoError(t, err)

	for _, pair := range m.ListKeys() {
		assert.Nil(t, pair.PrivateKey)
	}
}

func TestManagerReloadsFromStore(t *testing.T) {
	store := NewMemoryStore()

	m1, err := NewManager("ledger-primary", store)
	require.NoError(t, err)
	data := []byte("persisted decision")
	sig, keyID, err := m1.Sign(data)
	require.NoError(t, err)

	// A second manager on the same store resumes the same key
	m2, err := NewManager("ledger-primary", store)
	require.NoError(t, err)
	activeID, err := m2.ActiveKeyID()
	require.NoError(t, err)
	assert.Equal(t, keyID, activeID)
	assert.NoError(t, m2.Verify(keyID, data, sig))
}

func TestEnvStoreProvidesInjectedSeed(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	_, err := rand.Read(seed)
	require.NoError(t, err)
	t.Setenv("TEST_SIGNING_SEED_LEDGER_PRIMARY", base64.StdEncoding.EncodeToString(seed))

	m, err := NewManager("ledger-primary", NewEnvStore("TEST_SIGNING_SEED"))
	require.NoError(t, err)

	data := []byte("env-signed")
	sig, keyID, err := m.Sign(data)
	require.NoError(t, err)
	assert.Equal(t, "env-ledger-primary", keyID)
	assert.NoError(t, m.Verify(keyID, data, sig))
}

func TestEnvStoreIsReadOnly(t *testing.T) {
	store := NewEnvStore("TEST_SIGNING_SEED")
	assert.ErrorIs(t, store.Save(&KeyPair{}), ErrStoreReadOnly)
}

func TestFileStoreRoundTripsEncrypted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.sealed")
	store, err := NewFileStore(path, []byte("correct horse battery staple"))
	require.NoError(t, err)

	m1, err := NewManager("ledger-primary", store)
	require.NoError(t, err)
	data := []byte("file-backed decision")
	sig, keyID, err := m1.Sign(data)
	require.NoError(t, err)

	// The file on disk never contains the raw seed
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	pairs, err := store.List("ledger-primary")
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	seedB64 := base64.StdEncoding.EncodeToString(pairs[0].PrivateKey.Seed())
	assert.NotContains(t, string(raw), seedB64)

	// A fresh store with the right passphrase reloads the key
	reopened, err := NewFileStore(path, []byte("correct horse battery staple"))
	require.NoError(t, err)
	m2, err := NewManager("ledger-primary", reopened)
	require.NoError(t, err)
	assert.NoError(t, m2.Verify(keyID, data, sig))

	// The wrong passphrase fails closed
	wrong, err := NewFileStore(path, []byte("wrong passphrase"))
	require.NoError(t, err)
	_, err = wrong.List("ledger-primary")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestModuleBackedManagerSignsWithoutPrivateMaterial(t *testing.T) {
	m, err := NewManager("ledger-primary", NewModuleStore(NewSoftModule()))
	require.NoError(t, err)

	// No seed ever enters the manager
	for _, pair := range m.ListKeys() {
		assert.Nil(t, pair.PrivateKey)
	}

	data := []byte("module-backed decision")
	sig, keyID, err := m.Sign(data)
	require.NoError(t, err)
	assert.NoError(t, m.Verify(keyID, data, sig))
}

func TestModuleBackedRotation(t *testing.T) {
	module := NewSoftModule()
	m, err := NewManager("ledger-primary", NewModuleStore(module))
	require.NoError(t, err)

	data := []byte("signed before rotation")
	sig, oldKeyID, err := m.Sign(data)
	require.NoError(t, err)

	next, err := m.RotateKey()
	require.NoError(t, err)
	assert.NotEqual(t, oldKeyID, next.KeyID)
	assert.Nil(t, next.PrivateKey)

	// The new key signs inside the module; the old signature survives
	_, newKeyID, err := m.Sign(data)
	require.NoError(t, err)
	assert.Equal(t, next.KeyID, newKeyID)
	assert.NoError(t, m.Verify(oldKeyID, data, sig))

	ids, err := module.ListKeys("ledger-primary")
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestModuleManagerResumesNewestKey(t *testing.T) {
	module := NewSoftModule()
	first, err := module.GenerateKeyPair("ledger-primary")
	require.NoError(t, err)
	second, err := module.GenerateKeyPair("ledger-primary")
	require.NoError(t, err)

	// A module holding several generations yields exactly one active
	// key: the newest. Older keys stay verifiable as retired.
	m, err := NewManager("ledger-primary", NewModuleStore(module))
	require.NoError(t, err)

	activeID, err := m.ActiveKeyID()
	require.NoError(t, err)
	assert.Equal(t, second, activeID)
	assert.Len(t, m.PublicKeys(), 2)
	assert.Contains(t, m.PublicKeys(), first)
}

func TestSoftModuleNeverExposesPrivateBytes(t *testing.T) {
	module := NewSoftModule()

	keyID, err := module.GenerateKeyPair("ledger-primary")
	require.NoError(t, err)

	data := []byte("module-signed")
	sig, err := module.Sign(keyID, data)
	require.NoError(t, err)

	ok, err := module.Verify(keyID, data, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	pub, err := module.GetPublicKey(keyID)
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(pub, data, sig))

	ids, err := module.ListKeys("ledger-primary")
	require.NoError(t, err)
	assert.Equal(t, []string{keyID}, ids)

	require.NoError(t, module.DeleteKey(keyID))
	_, err = module.Sign(keyID, data)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}
