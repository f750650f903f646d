package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"sessionchat/internal/clock"
	"sessionchat/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
)

var (
	localID = "05" + strings.Repeat("a", 64)
	peerID  = "05" + strings.Repeat("b", 64)
	otherID = "05" + strings.Repeat("c", 64)

	testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

// fakeGateway records outbound events. failNext makes the next N sends fail;
// failAll makes every send fail.
type fakeGateway struct {
	mu       sync.Mutex
	sent     []models.OutboundEvent
	failNext int
	failAll  bool
	onSend   func(ev models.OutboundEvent)
}

var errGatewayDown = errors.New("gateway down")

func (g *fakeGateway) Send(_ context.Context, ev models.OutboundEvent) error {
	g.mu.Lock()
	if g.failAll || g.failNext > 0 {
		if g.failNext > 0 {
			g.failNext--
		}
		g.mu.Unlock()
		return errGatewayDown
	}
	g.sent = append(g.sent, ev)
	hook := g.onSend
	g.mu.Unlock()

	if hook != nil {
		hook(ev)
	}
	return nil
}

func (g *fakeGateway) setFailAll(v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failAll = v
}

func (g *fakeGateway) ofType(kind models.OutboundKind) []models.OutboundEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []models.OutboundEvent
	for _, ev := range g.sent {
		if ev.Type == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (g *fakeGateway) count(kind models.OutboundKind) int {
	return len(g.ofType(kind))
}

func (g *fakeGateway) reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = nil
}

// fakeCipher "encrypts" by tagging the plaintext with the recipient and
// only for peers whose key was stored.
type fakeCipher struct {
	mu       sync.Mutex
	keys     map[string]string
	storeErr error
	localKey string
	// encryptFails makes the next n Encrypt calls fail; negative fails all.
	encryptFails int
}

func newFakeCipher(peers ...string) *fakeCipher {
	c := &fakeCipher{keys: make(map[string]string), localKey: strings.Repeat("1", 64)}
	for _, p := range peers {
		c.keys[p] = strings.Repeat("2", 64)
	}
	return c
}

func (c *fakeCipher) Encrypt(_ context.Context, plaintext, recipientID string) (string, error) {
	c.mu.Lock()
	failing := c.encryptFails != 0
	if c.encryptFails > 0 {
		c.encryptFails--
	}
	c.mu.Unlock()
	if failing {
		return "", errors.New("cipher unavailable")
	}
	if !c.HasResolvableKey(recipientID) {
		return "", errors.New("no key for recipient")
	}
	return "enc:" + recipientID + ":" + plaintext, nil
}

func (c *fakeCipher) failEncrypt(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.encryptFails = n
}

func (c *fakeCipher) Decrypt(_ context.Context, ciphertext string) (string, error) {
	parts := strings.SplitN(ciphertext, ":", 3)
	if len(parts) != 3 || parts[0] != "enc" {
		return "", errors.New("cannot decrypt")
	}
	return parts[2], nil
}

func (c *fakeCipher) StorePublicKey(_ context.Context, peerID, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.storeErr != nil {
		return c.storeErr
	}
	c.keys[peerID] = key
	return nil
}

func (c *fakeCipher) HasResolvableKey(peerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.keys[peerID]
	return ok
}

func (c *fakeCipher) LocalPublicKey() string {
	return c.localKey
}

func (c *fakeCipher) key(peerID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keys[peerID]
}

// memStore is an in-memory Store.
type memStore struct {
	mu      sync.Mutex
	data    map[string]map[string]models.StoredRecord
	failPut error
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]map[string]models.StoredRecord)}
}

func (s *memStore) AppendOrUpdate(_ context.Context, rec models.StoredRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut != nil {
		return s.failPut
	}
	col, ok := s.data[rec.Collection]
	if !ok {
		col = make(map[string]models.StoredRecord)
		s.data[rec.Collection] = col
	}
	rec.Body = append([]byte(nil), rec.Body...)
	col[rec.ID] = rec
	return nil
}

func (s *memStore) Get(_ context.Context, collection, id string) (*models.StoredRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.data[collection][id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *memStore) LoadAll(_ context.Context, collection string) ([]models.StoredRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.StoredRecord, 0, len(s.data[collection]))
	for _, rec := range s.data[collection] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *memStore) Delete(_ context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data[collection], id)
	return nil
}

func (s *memStore) DeleteOlderThan(_ context.Context, collection string, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.data[collection] {
		if rec.UpdatedAt.Before(cutoff) {
			delete(s.data[collection], id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) len(collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data[collection])
}

// recordingNotifier keeps every notification title.
type recordingNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (n *recordingNotifier) Notify(_ context.Context, title, _ string, _ map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, title)
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.titles...)
}

type mockPurger struct {
	mock.Mock
}

func (m *mockPurger) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

type mockStaleCounter struct {
	mock.Mock
}

func (m *mockStaleCounter) GetStaleMessageCount(ctx context.Context, threshold time.Duration) (int, error) {
	args := m.Called(ctx, threshold)
	return args.Int(0), args.Error(1)
}

// harness bundles fakes for one local session.
type harness struct {
	clock    *clock.Fake
	gateway  *fakeGateway
	cipher   *fakeCipher
	store    *memStore
	notifier *recordingNotifier
	hub      *Hub
	deps     Deps
}

func newHarness(keyedPeers ...string) *harness {
	h := &harness{
		clock:    clock.NewFake(testStart),
		gateway:  &fakeGateway{},
		cipher:   newFakeCipher(keyedPeers...),
		store:    newMemStore(),
		notifier: &recordingNotifier{},
	}
	logger := testLogger()
	h.hub = NewHub(64, logger)
	h.deps = Deps{
		LocalID:  localID,
		Gateway:  h.gateway,
		Cipher:   h.cipher,
		Store:    h.store,
		Notifier: h.notifier,
		Hub:      h.hub,
		Clock:    h.clock,
		Logger:   logger,
	}
	return h
}

// deliveryConfig disables jitter so backoff delays are exact.
func deliveryConfig() models.DeliveryConfig {
	return models.DeliveryConfig{DisableJitter: true}
}
