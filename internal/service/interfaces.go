package service

import (
	"context"
	"time"

	"sessionchat/internal/clock"
	"sessionchat/internal/metrics"
	"sessionchat/internal/models"

	"github.com/sirupsen/logrus"
)

// Gateway transmits outbound events to the relay.
type Gateway interface {
	Send(ctx context.Context, ev models.OutboundEvent) error
}

// Cipher encrypts payloads for peers and owns the peer key store.
type Cipher interface {
	Encrypt(ctx context.Context, plaintext, recipientID string) (string, error)
	Decrypt(ctx context.Context, ciphertext string) (string, error)
	StorePublicKey(ctx context.Context, peerID, key string) error
	HasResolvableKey(peerID string) bool
	LocalPublicKey() string
}

// Store persists versioned records keyed by (collection, id).
type Store interface {
	AppendOrUpdate(ctx context.Context, rec models.StoredRecord) error
	Get(ctx context.Context, collection, id string) (*models.StoredRecord, error)
	LoadAll(ctx context.Context, collection string) ([]models.StoredRecord, error)
	Delete(ctx context.Context, collection, id string) error
	DeleteOlderThan(ctx context.Context, collection string, cutoff time.Time) (int64, error)
}

// Notifier surfaces significant transitions to the user. Implementations
// must not block the caller for long and never return errors.
type Notifier interface {
	Notify(ctx context.Context, title, body string, payload map[string]string)
}

// Deps are the collaborators shared by every coordinator.
type Deps struct {
	LocalID  string
	Gateway  Gateway
	Cipher   Cipher
	Store    Store
	Notifier Notifier
	Hub      *Hub
	Clock    clock.Clock
	Metrics  *metrics.Metrics
	Logger   *logrus.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	if d.Logger == nil {
		d.Logger = logrus.New()
		d.Logger.SetLevel(logrus.WarnLevel)
	}
	if d.Notifier == nil {
		d.Notifier = NoopNotifier{}
	}
	return d
}
