package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"sessionchat/internal/dedup"
	apperrors "sessionchat/internal/errors"
	"sessionchat/internal/models"
	"sessionchat/internal/tracing"

	"github.com/sirupsen/logrus"
)

type handlerFunc func(ctx context.Context, ev models.Event) error

// EventRouter deduplicates inbound gateway events and dispatches each to
// the component that owns its kind.
type EventRouter struct {
	cfg      models.RouterConfig
	deps     Deps
	ledger   *dedup.Ledger
	presence *PresenceCoordinator
	typing   *TypingCoordinator
	delivery *DeliveryPipeline
	keys     *KeyExchange
	blocks   *Blocklist
	handlers map[models.EventKind]handlerFunc
}

func NewEventRouter(cfg models.RouterConfig, presence *PresenceCoordinator, typing *TypingCoordinator,
	delivery *DeliveryPipeline, keys *KeyExchange, blocks *Blocklist, deps Deps) *EventRouter {
	r := &EventRouter{
		cfg:      cfg,
		deps:     deps.withDefaults(),
		ledger:   dedup.New(cfg.Capacity()),
		presence: presence,
		typing:   typing,
		delivery: delivery,
		keys:     keys,
		blocks:   blocks,
	}
	r.handlers = map[models.EventKind]handlerFunc{
		models.EventSessionRegistered:     r.handleSessionRegistered,
		models.EventMessageReceived:       r.handleMessageReceived,
		models.EventMessageAcked:          r.handleMessageAcked,
		models.EventMessageFailed:         r.handleMessageFailed,
		models.EventReceiptDelivered:      r.handleReceiptDelivered,
		models.EventReceiptRead:           r.handleReceiptRead,
		models.EventTypingUpdate:          r.handleTyping,
		models.EventPresenceUpdate:        r.handlePresence,
		models.EventKeyExchangeRequest:    r.handleKeyRequest,
		models.EventKeyExchangeAccepted:   r.handleKeyAccepted,
		models.EventKeyExchangeDeclined:   r.handleKeyDeclined,
		models.EventKeyExchangeRevoked:    r.handleKeyRevoked,
		models.EventConversationCreated:   r.handleConversationCreated,
		models.EventUserDataExchanged:     r.handleUserData,
		models.EventUserBlocked:           r.blockUser(true),
		models.EventUserUnblocked:         r.blockUser(false),
		models.EventConversationBlocked:   r.blockConversation(true),
		models.EventConversationUnblocked: r.blockConversation(false),
		models.EventUserDeleted:           r.handleUserDeleted,
	}
	return r
}

// Ledger exposes the dedup ledger for inspection.
func (r *EventRouter) Ledger() *dedup.Ledger {
	return r.ledger
}

// Run consumes events until the channel closes or ctx ends. Events are
// sharded by conversation onto worker goroutines, so one conversation is
// handled in arrival order while others proceed concurrently.
func (r *EventRouter) Run(ctx context.Context, events <-chan models.Event) error {
	workers := r.cfg.WorkerCount()
	queues := make([]chan models.Event, workers)
	var wg sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan models.Event, r.cfg.Queue())
		wg.Add(1)
		go func(q <-chan models.Event) {
			defer wg.Done()
			for ev := range q {
				_ = r.Handle(ctx, ev)
			}
		}(queues[i])
	}
	defer func() {
		for _, q := range queues {
			close(q)
		}
		wg.Wait()
	}()

	r.deps.Logger.WithField("workers", workers).Info("Event router started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			idx := r.shard(ev, workers)
			select {
			case queues[idx] <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

type shardFields struct {
	ConversationID string `json:"conversationId"`
	SessionID      string `json:"sessionId"`
	SenderID       string `json:"senderId"`
	From           string `json:"from"`
	PeerID         string `json:"peerId"`
	MessageID      string `json:"messageId"`
}

func (r *EventRouter) shard(ev models.Event, workers int) int {
	if workers <= 1 {
		return 0
	}
	var f shardFields
	if len(ev.Payload) > 0 {
		_ = json.Unmarshal(ev.Payload, &f)
	}

	key := f.ConversationID
	if key == "" {
		for _, peer := range []string{f.SenderID, f.SessionID, f.From, f.PeerID} {
			if peer != "" {
				key = models.ConversationID(r.deps.LocalID, peer)
				break
			}
		}
	}
	if key == "" {
		key = f.MessageID
	}
	if key == "" {
		key = string(ev.Kind)
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(workers))
}

// Handle processes one event synchronously. Duplicates return nil without
// side effects; a panicking handler is recovered and reported as an error.
func (r *EventRouter) Handle(ctx context.Context, ev models.Event) (err error) {
	kind := string(ev.Kind)
	start := time.Now()

	ctx, span := tracing.StartSpan(ctx, "router.handle",
		tracing.AttrEventKind.String(kind),
		tracing.AttrEventID.String(ev.ID),
	)
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			r.deps.Metrics.HandlerPanic()
			err = apperrors.New(apperrors.ErrCodeInternalError, fmt.Sprintf("handler panic: %v", rec))
			r.deps.Logger.WithFields(logrus.Fields{
				LogFieldEvent:   kind,
				LogFieldEventID: ev.ID,
				"panic":         fmt.Sprint(rec),
			}).Error("Recovered from event handler panic")
			tracing.RecordError(ctx, err)
		}
	}()

	h, ok := r.handlers[ev.Kind]
	if !ok {
		r.deps.Metrics.EventMalformed(kind)
		r.deps.Logger.WithField(LogFieldEvent, kind).Warn("Dropping event of unknown kind")
		return apperrors.NewMalformedEventError(kind, "kind")
	}

	key, err := r.dedupKey(ev)
	if err != nil {
		r.dropped(ctx, ev, err)
		return err
	}
	if key != "" && !r.ledger.AddIfNew(key) {
		r.deps.Metrics.EventDuplicate(kind)
		r.deps.Logger.WithFields(logrus.Fields{
			LogFieldEvent:   kind,
			LogFieldEventID: ev.ID,
		}).Debug("Duplicate event absorbed")
		return nil
	}

	err = h(ctx, ev)
	r.deps.Metrics.EventRouted(kind, time.Since(start))
	if err != nil {
		r.dropped(ctx, ev, err)
	}
	return err
}

func (r *EventRouter) dropped(ctx context.Context, ev models.Event, err error) {
	tracing.RecordError(ctx, err)
	entry := r.deps.Logger.WithError(err).WithFields(logrus.Fields{
		LogFieldEvent:     string(ev.Kind),
		LogFieldEventID:   ev.ID,
		LogFieldErrorCode: string(apperrors.GetCode(err)),
	})
	switch apperrors.GetCode(err) {
	case apperrors.ErrCodeMalformedEvent:
		r.deps.Metrics.EventMalformed(string(ev.Kind))
		entry.Warn("Dropping malformed event")
	case apperrors.ErrCodeBlocked, apperrors.ErrCodeNotFound, apperrors.ErrCodeDuplicateRequest:
		entry.Debug("Event not applied")
	default:
		entry.Warn("Event handler failed")
	}
}

type dedupFields struct {
	MessageID  string `json:"messageId"`
	RequestID  string `json:"requestId"`
	From       string `json:"from"`
	Ciphertext string `json:"ciphertext"`
}

// dedupKey returns the ledger key for ev, or "" when the event carries no
// identity and is safe to apply twice.
func (r *EventRouter) dedupKey(ev models.Event) (string, error) {
	kind := string(ev.Kind)
	if ev.ID != "" {
		return dedup.Key(kind, ev.ID), nil
	}

	var f dedupFields
	switch ev.Kind {
	case models.EventMessageReceived, models.EventMessageAcked, models.EventMessageFailed,
		models.EventReceiptDelivered, models.EventReceiptRead:
		if err := decodePayload(ev, &f); err != nil {
			return "", err
		}
		if f.MessageID == "" {
			return "", apperrors.NewMalformedEventError(kind, "messageId")
		}
		return dedup.Key(kind, f.MessageID), nil
	case models.EventKeyExchangeRequest, models.EventKeyExchangeAccepted,
		models.EventKeyExchangeDeclined, models.EventKeyExchangeRevoked:
		if err := decodePayload(ev, &f); err != nil {
			return "", err
		}
		if f.RequestID == "" {
			return "", apperrors.NewMalformedEventError(kind, "requestId")
		}
		return dedup.Key(kind, f.RequestID), nil
	case models.EventUserDataExchanged:
		if err := decodePayload(ev, &f); err != nil {
			return "", err
		}
		if f.From == "" || f.Ciphertext == "" {
			return "", apperrors.NewMalformedEventError(kind, "from")
		}
		sum := sha256.Sum256([]byte(f.Ciphertext))
		return dedup.Key(kind, f.From+":"+hex.EncodeToString(sum[:8])), nil
	default:
		return "", nil
	}
}

func decodePayload(ev models.Event, v interface{}) error {
	if len(ev.Payload) == 0 || string(ev.Payload) == "null" {
		return apperrors.NewMalformedEventError(string(ev.Kind), "payload")
	}
	if err := json.Unmarshal(ev.Payload, v); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeMalformedEvent, fmt.Sprintf("decode %s payload", ev.Kind))
	}
	return nil
}

func (r *EventRouter) handleSessionRegistered(ctx context.Context, ev models.Event) error {
	var p models.SessionRegisteredPayload
	if len(ev.Payload) > 0 {
		if err := decodePayload(ev, &p); err != nil {
			return err
		}
	}
	if p.SessionID != "" && p.SessionID != r.deps.LocalID {
		return apperrors.NewValidationError("sessionId", "gateway registered a different session")
	}

	r.deps.Logger.Info("Gateway session registered")
	r.presence.OnSessionRegistered(ctx)
	r.delivery.FlushQueued(ctx)
	r.keys.OnSessionRegistered(ctx)
	r.deps.Hub.Publish(models.Update{
		Kind:   models.UpdateSession,
		PeerID: r.deps.LocalID,
		Reason: "registered",
		At:     r.deps.Clock.Now(),
	})
	return nil
}

func (r *EventRouter) handleMessageReceived(ctx context.Context, ev models.Event) error {
	var p models.MessagePayload
	if err := decodePayload(ev, &p); err != nil {
		return err
	}
	conv := p.ConversationID
	if conv == "" && p.SenderID != "" {
		conv = models.ConversationID(r.deps.LocalID, p.SenderID)
	}
	if r.blocks.IsBlocked(p.SenderID, conv) {
		return apperrors.NewBlockedError(p.SenderID)
	}
	_, err := r.delivery.OnInboundMessage(ctx, p)
	return err
}

func (r *EventRouter) decodeRef(ev models.Event) (models.MessageRefPayload, error) {
	var p models.MessageRefPayload
	if err := decodePayload(ev, &p); err != nil {
		return p, err
	}
	if p.MessageID == "" {
		return p, apperrors.NewMalformedEventError(string(ev.Kind), "messageId")
	}
	return p, nil
}

func (r *EventRouter) handleMessageAcked(ctx context.Context, ev models.Event) error {
	p, err := r.decodeRef(ev)
	if err != nil {
		return err
	}
	return r.delivery.OnAcknowledged(ctx, p.MessageID)
}

func (r *EventRouter) handleMessageFailed(ctx context.Context, ev models.Event) error {
	p, err := r.decodeRef(ev)
	if err != nil {
		return err
	}
	return r.delivery.OnTransmitFailed(ctx, p.MessageID, p.Reason)
}

func (r *EventRouter) handleReceiptDelivered(ctx context.Context, ev models.Event) error {
	p, err := r.decodeRef(ev)
	if err != nil {
		return err
	}
	return r.delivery.OnDelivered(ctx, p.MessageID)
}

func (r *EventRouter) handleReceiptRead(ctx context.Context, ev models.Event) error {
	p, err := r.decodeRef(ev)
	if err != nil {
		return err
	}
	return r.delivery.OnRead(ctx, p.MessageID)
}

func (r *EventRouter) handleTyping(ctx context.Context, ev models.Event) error {
	var p models.TypingPayload
	if err := decodePayload(ev, &p); err != nil {
		return err
	}
	if p.SessionID == "" {
		return apperrors.NewMalformedEventError(string(ev.Kind), "sessionId")
	}
	conv := p.ConversationID
	if conv == "" {
		conv = models.ConversationID(r.deps.LocalID, p.SessionID)
	}
	if r.blocks.IsBlocked(p.SessionID, conv) {
		return apperrors.NewBlockedError(p.SessionID)
	}
	r.typing.OnPeerTypingEvent(ctx, conv, p.SessionID, p.IsTyping)
	return nil
}

func (r *EventRouter) handlePresence(ctx context.Context, ev models.Event) error {
	var p models.PresencePayload
	if err := decodePayload(ev, &p); err != nil {
		return err
	}
	if p.SessionID == "" {
		return apperrors.NewMalformedEventError(string(ev.Kind), "sessionId")
	}
	ts := p.Timestamp
	if ts == 0 {
		ts = ev.Timestamp
	}
	var at time.Time
	if ts > 0 {
		at = time.UnixMilli(ts)
	}
	r.presence.OnPeerPresenceEvent(ctx, p.SessionID, p.IsOnline, at)
	return nil
}

func (r *EventRouter) decodeKeyExchange(ev models.Event) (models.KeyExchangePayload, error) {
	var p models.KeyExchangePayload
	err := decodePayload(ev, &p)
	return p, err
}

func (r *EventRouter) handleKeyRequest(ctx context.Context, ev models.Event) error {
	p, err := r.decodeKeyExchange(ev)
	if err != nil {
		return err
	}
	_, err = r.keys.OnRequestReceived(ctx, p)
	return err
}

func (r *EventRouter) handleKeyAccepted(ctx context.Context, ev models.Event) error {
	p, err := r.decodeKeyExchange(ev)
	if err != nil {
		return err
	}
	_, err = r.keys.OnAccepted(ctx, p)
	return err
}

func (r *EventRouter) handleKeyDeclined(ctx context.Context, ev models.Event) error {
	p, err := r.decodeKeyExchange(ev)
	if err != nil {
		return err
	}
	_, err = r.keys.OnDeclined(ctx, p)
	return err
}

func (r *EventRouter) handleKeyRevoked(ctx context.Context, ev models.Event) error {
	p, err := r.decodeKeyExchange(ev)
	if err != nil {
		return err
	}
	_, err = r.keys.OnRevoked(ctx, p)
	return err
}

func (r *EventRouter) handleConversationCreated(ctx context.Context, ev models.Event) error {
	var p models.ConversationPayload
	if err := decodePayload(ev, &p); err != nil {
		return err
	}
	if p.PeerID == "" {
		return apperrors.NewMalformedEventError(string(ev.Kind), "peerId")
	}
	conv := p.ConversationID
	if conv == "" {
		conv = models.ConversationID(r.deps.LocalID, p.PeerID)
	}

	r.presence.Track(p.PeerID)
	r.deps.Hub.Publish(models.Update{
		Kind:           models.UpdateConversation,
		PeerID:         p.PeerID,
		ConversationID: conv,
		At:             r.deps.Clock.Now(),
	})
	r.deps.Notifier.Notify(ctx, "New conversation", "", map[string]string{
		"conversation_id": conv,
		"peer_id":         p.PeerID,
	})
	return nil
}

func (r *EventRouter) handleUserData(ctx context.Context, ev models.Event) error {
	var p models.UserDataPayload
	if err := decodePayload(ev, &p); err != nil {
		return err
	}
	_, err := r.keys.OnUserData(ctx, p)
	return err
}

func (r *EventRouter) blockUser(blocked bool) handlerFunc {
	return func(ctx context.Context, ev models.Event) error {
		var p models.BlockPayload
		if err := decodePayload(ev, &p); err != nil {
			return err
		}
		if p.SessionID == "" {
			return apperrors.NewMalformedEventError(string(ev.Kind), "sessionId")
		}
		if err := r.blocks.SetUser(ctx, p.SessionID, blocked); err != nil {
			return err
		}
		if blocked {
			r.typing.TeardownPeer(p.SessionID)
		}
		return nil
	}
}

func (r *EventRouter) blockConversation(blocked bool) handlerFunc {
	return func(ctx context.Context, ev models.Event) error {
		var p models.BlockPayload
		if err := decodePayload(ev, &p); err != nil {
			return err
		}
		if p.ConversationID == "" {
			return apperrors.NewMalformedEventError(string(ev.Kind), "conversationId")
		}
		return r.blocks.SetConversation(ctx, p.ConversationID, blocked)
	}
}

func (r *EventRouter) handleUserDeleted(ctx context.Context, ev models.Event) error {
	var p models.UserDeletedPayload
	if err := decodePayload(ev, &p); err != nil {
		return err
	}
	if p.SessionID == "" {
		return apperrors.NewMalformedEventError(string(ev.Kind), "sessionId")
	}

	r.presence.Forget(p.SessionID)
	r.typing.TeardownPeer(p.SessionID)
	failed := r.delivery.FailPeer(ctx, p.SessionID, "peer_deleted")
	declined := r.keys.TeardownPeer(ctx, p.SessionID)

	logFields(ctx, r.deps.Logger, logrus.Fields{
		LogFieldPeerID:      p.SessionID,
		"failed_messages":   failed,
		"declined_requests": declined,
	}).Info("Peer deleted, state torn down")
	r.deps.Hub.Publish(models.Update{
		Kind:   models.UpdateContact,
		PeerID: p.SessionID,
		Reason: "deleted",
		At:     r.deps.Clock.Now(),
	})
	return nil
}
