package cipher

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/nacl/box"

	"sessionchat/internal/models"
)

// KeyStore persists peer public keys. It is satisfied by the record stores.
type KeyStore interface {
	AppendOrUpdate(ctx context.Context, rec models.StoredRecord) error
	LoadAll(ctx context.Context, collection string) ([]models.StoredRecord, error)
}

// Box encrypts payloads to peers with anonymous sealed boxes and keeps the
// peer public key directory.
type Box struct {
	keys   KeyPair
	store  KeyStore
	logger *logrus.Logger

	mu    sync.RWMutex
	peers map[string]*[KeySize]byte
}

// NewBox creates a Box for the local key pair. store may be nil.
func NewBox(keys KeyPair, store KeyStore, logger *logrus.Logger) *Box {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	return &Box{
		keys:   keys,
		store:  store,
		logger: logger,
		peers:  make(map[string]*[KeySize]byte),
	}
}

// SessionID returns the local session identifier.
func (b *Box) SessionID() string {
	return b.keys.SessionID()
}

// LocalPublicKey returns the local public key in hex.
func (b *Box) LocalPublicKey() string {
	return hex.EncodeToString(b.keys.Public[:])
}

// Load reads persisted peer keys into memory.
func (b *Box) Load(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	records, err := b.store.LoadAll(ctx, models.CollectionPeerKeys)
	if err != nil {
		return fmt.Errorf("load peer keys: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, rec := range records {
		var pk models.PeerKey
		if err := json.Unmarshal(rec.Body, &pk); err != nil {
			b.logger.WithError(err).WithField("record_id", rec.ID).Warn("Skipping unreadable peer key record")
			continue
		}
		key, err := ParsePublicKey(pk.PublicKey)
		if err != nil {
			b.logger.WithError(err).WithField("record_id", rec.ID).Warn("Skipping invalid stored peer key")
			continue
		}
		b.peers[pk.SessionID] = key
	}
	return nil
}

// StorePublicKey records a peer public key and persists it when a store is
// configured.
func (b *Box) StorePublicKey(ctx context.Context, peerID, key string) error {
	parsed, err := ParsePublicKey(key)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.peers[peerID] = parsed
	b.mu.Unlock()

	if b.store == nil {
		return nil
	}
	body, err := json.Marshal(models.PeerKey{
		SessionID: peerID,
		PublicKey: hex.EncodeToString(parsed[:]),
		StoredAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode peer key: %w", err)
	}
	return b.store.AppendOrUpdate(ctx, models.StoredRecord{
		Collection:    models.CollectionPeerKeys,
		ID:            peerID,
		SchemaVersion: models.PeerKeySchemaVersion,
		Body:          body,
	})
}

// HasResolvableKey reports whether a public key is known for peerID.
func (b *Box) HasResolvableKey(peerID string) bool {
	_, ok := b.lookup(peerID)
	return ok
}

// Forget drops the key of a peer from memory.
func (b *Box) Forget(peerID string) {
	b.mu.Lock()
	delete(b.peers, peerID)
	b.mu.Unlock()
}

func (b *Box) lookup(peerID string) (*[KeySize]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	key, ok := b.peers[peerID]
	return key, ok
}

// Encrypt seals plaintext for recipientID and returns base64 ciphertext.
func (b *Box) Encrypt(_ context.Context, plaintext, recipientID string) (string, error) {
	key, ok := b.lookup(recipientID)
	if !ok {
		return "", fmt.Errorf("no public key for recipient")
	}
	sealed, err := box.SealAnonymous(nil, []byte(plaintext), key, rand.Reader)
	if err != nil {
		return "", fmt.Errorf("seal payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a sealed box addressed to the local key.
func (b *Box) Decrypt(_ context.Context, ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	plain, ok := box.OpenAnonymous(nil, raw, b.keys.Public, b.keys.Private)
	if !ok {
		return "", fmt.Errorf("open sealed box: authentication failed")
	}
	return string(plain), nil
}
