package cipher

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessionchat/internal/models"
)

type memKeyStore struct {
	mu      sync.Mutex
	records map[string]models.StoredRecord
}

func newMemKeyStore() *memKeyStore {
	return &memKeyStore{records: make(map[string]models.StoredRecord)}
}

func (m *memKeyStore) AppendOrUpdate(_ context.Context, rec models.StoredRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Collection+"/"+rec.ID] = rec
	return nil
}

func (m *memKeyStore) LoadAll(_ context.Context, collection string) ([]models.StoredRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.StoredRecord
	for _, rec := range m.records {
		if rec.Collection == collection {
			out = append(out, rec)
		}
	}
	return out, nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.FatalLevel)
	return l
}

func newBox(t *testing.T, store KeyStore) *Box {
	t.Helper()
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	return NewBox(kp, store, quietLogger())
}

func TestBox_EncryptDecryptBetweenPeers(t *testing.T) {
	ctx := context.Background()
	alice := newBox(t, nil)
	bob := newBox(t, nil)

	assert.False(t, alice.HasResolvableKey(bob.SessionID()))
	_, err := alice.Encrypt(ctx, "hi", bob.SessionID())
	assert.Error(t, err)

	require.NoError(t, alice.StorePublicKey(ctx, bob.SessionID(), bob.LocalPublicKey()))
	assert.True(t, alice.HasResolvableKey(bob.SessionID()))

	ct, err := alice.Encrypt(ctx, "hi", bob.SessionID())
	require.NoError(t, err)

	pt, err := bob.Decrypt(ctx, ct)
	require.NoError(t, err)
	assert.Equal(t, "hi", pt)

	_, err = alice.Decrypt(ctx, ct)
	assert.Error(t, err, "only the recipient can open the box")
}

func TestBox_DecryptRejectsGarbage(t *testing.T) {
	b := newBox(t, nil)
	_, err := b.Decrypt(context.Background(), "not base64!")
	assert.Error(t, err)
	_, err = b.Decrypt(context.Background(), "AAAA")
	assert.Error(t, err)
}

func TestBox_StorePublicKeyAcceptsSessionPrefix(t *testing.T) {
	ctx := context.Background()
	a := newBox(t, nil)
	peer := newBox(t, nil)

	require.NoError(t, a.StorePublicKey(ctx, "peer", peer.SessionID()))
	assert.True(t, a.HasResolvableKey("peer"))

	assert.Error(t, a.StorePublicKey(ctx, "bad", "abcd"))
	assert.Error(t, a.StorePublicKey(ctx, "bad", strings.Repeat("z", 64)))
	assert.False(t, a.HasResolvableKey("bad"))

	a.Forget("peer")
	assert.False(t, a.HasResolvableKey("peer"))
}

func TestBox_PersistsPeerKeys(t *testing.T) {
	ctx := context.Background()
	store := newMemKeyStore()
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	peer := newBox(t, nil)

	first := NewBox(kp, store, quietLogger())
	require.NoError(t, first.StorePublicKey(ctx, peer.SessionID(), peer.LocalPublicKey()))

	second := NewBox(kp, store, quietLogger())
	assert.False(t, second.HasResolvableKey(peer.SessionID()))
	require.NoError(t, second.Load(ctx))
	assert.True(t, second.HasResolvableKey(peer.SessionID()))
}

func TestKeyPair_EnsureAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.pem")

	kp, created, err := EnsureKeyPair(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, strings.HasPrefix(kp.SessionID(), SessionIDPrefix))
	assert.Len(t, kp.SessionID(), 66)

	again, created, err := EnsureKeyPair(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, kp.SessionID(), again.SessionID())
	assert.Equal(t, *kp.Private, *again.Private)
}

func TestParsePublicKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	bare := kp.SessionID()[2:]
	a, err := ParsePublicKey(bare)
	require.NoError(t, err)
	b, err := ParsePublicKey(kp.SessionID())
	require.NoError(t, err)
	assert.Equal(t, *a, *b)

	assert.True(t, ValidKeyLength(bare))
	assert.True(t, ValidKeyLength(kp.SessionID()))
	assert.False(t, ValidKeyLength("abc"))
}
