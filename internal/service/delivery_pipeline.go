package service

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"sessionchat/internal/clock"
	apperrors "sessionchat/internal/errors"
	"sessionchat/internal/models"
	"sessionchat/internal/retry"
	"sessionchat/internal/tracing"

	"github.com/sirupsen/logrus"
)

// CollectionInboundMessages holds messages received from peers.
const CollectionInboundMessages = "inbound_messages"

// BlockChecker reports whether traffic with a peer or conversation is blocked.
type BlockChecker interface {
	IsBlocked(peerID, conversationID string) bool
}

// outgoing is the pipeline's exclusive view of one sent message. The
// timers are owned by the record and stopped on every transition.
type outgoing struct {
	rec        *models.MessageRecord
	seq        uint64
	ready      bool
	waitingKey bool
	keyChecks  int
	ackTimer   clock.Timer
	retryTimer clock.Timer
}

func (o *outgoing) stopTimers() {
	clock.Stop(o.ackTimer)
	clock.Stop(o.retryTimer)
	o.ackTimer, o.retryTimer = nil, nil
}

type inbound struct {
	rec     *models.MessageRecord
	sending bool
}

// DeliveryPipeline drives outgoing messages from queued to read and
// handles inbound messages and their receipts.
type DeliveryPipeline struct {
	cfg     models.DeliveryConfig
	deps    Deps
	blocks  BlockChecker
	backoff *retry.Backoff

	mu        sync.Mutex
	out       map[string]*outgoing
	in        map[string]*inbound
	seq       uint64
	convLocks map[string]*sync.Mutex
	closed    bool
}

func NewDeliveryPipeline(cfg models.DeliveryConfig, blocks BlockChecker, deps Deps) *DeliveryPipeline {
	return &DeliveryPipeline{
		cfg:    cfg,
		deps:   deps.withDefaults(),
		blocks: blocks,
		backoff: retry.NewBackoff(retry.BackoffConfig{
			InitialDelay: cfg.RetryBase(),
			MaxDelay:     cfg.RetryMax(),
			Multiplier:   2.0,
			MaxAttempts:  cfg.Attempts(),
			Jitter:       cfg.Jitter(),
		}),
		out:       make(map[string]*outgoing),
		in:        make(map[string]*inbound),
		convLocks: make(map[string]*sync.Mutex),
	}
}

// Send accepts rec for delivery and makes the first transmission attempt.
// A MISSING_KEY error means the message is queued and waits for the peer
// key in the background.
func (p *DeliveryPipeline) Send(ctx context.Context, rec *models.MessageRecord) (*models.MessageRecord, error) {
	if rec == nil || rec.ID == "" {
		return nil, apperrors.NewValidationError("id", "message id is required")
	}
	if rec.RecipientID == "" {
		return nil, apperrors.NewValidationError("recipient", "recipient is required")
	}
	if rec.RecipientID == p.deps.LocalID {
		return nil, apperrors.NewValidationError("recipient", "cannot send to self")
	}
	if rec.Plaintext == "" && rec.Ciphertext == "" {
		return nil, apperrors.NewValidationError("text", "message body is empty")
	}

	ctx, span := tracing.StartSpan(ctx, "delivery.send", tracing.AttrMessageID.String(rec.ID))
	defer span.End()

	msg := rec.Clone()
	msg.SchemaVersion = models.MessageSchemaVersion
	msg.SenderID = p.deps.LocalID
	if msg.ConversationID == "" {
		msg.ConversationID = models.ConversationID(p.deps.LocalID, msg.RecipientID)
	}
	msg.Direction = models.DirectionOutgoing
	msg.State = models.MessageQueued
	msg.CreatedAt = p.deps.Clock.Now().UTC()
	msg.LastAttemptAt = time.Time{}
	msg.AttemptCount = 0
	msg.FailureReason = ""

	if p.blocks != nil && p.blocks.IsBlocked(msg.RecipientID, msg.ConversationID) {
		return nil, apperrors.NewBlockedError(msg.RecipientID)
	}

	p.mu.Lock()
	if existing, ok := p.out[msg.ID]; ok {
		state := existing.rec.State
		p.mu.Unlock()
		return nil, apperrors.NewStateConflictError("message", msg.ID, string(state), "send")
	}
	p.seq++
	o := &outgoing{rec: msg, seq: p.seq}
	p.out[msg.ID] = o
	p.mu.Unlock()

	if err := p.persist(ctx, models.CollectionMessages, msg); err != nil {
		p.mu.Lock()
		delete(p.out, msg.ID)
		p.mu.Unlock()
		tracing.RecordError(ctx, err)
		return nil, err
	}
	p.transitioned(ctx, msg)

	if !p.keyResolvable(msg.RecipientID) {
		p.mu.Lock()
		p.scheduleKeyRecheckLocked(o)
		p.mu.Unlock()
		return msg.Clone(), apperrors.NewMissingKeyError(msg.RecipientID)
	}

	p.mu.Lock()
	o.ready = true
	p.releaseStalledLocked(msg.ConversationID)
	p.mu.Unlock()
	p.drain(ctx, msg.ConversationID)

	out, _ := p.Get(msg.ID)
	return out, nil
}

func (p *DeliveryPipeline) keyResolvable(peerID string) bool {
	return p.deps.Cipher != nil && p.deps.Cipher.HasResolvableKey(peerID)
}

func (p *DeliveryPipeline) convLock(conversationID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.convLocks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		p.convLocks[conversationID] = l
	}
	return l
}

// drain transmits every ready message of the conversation in submission
// order. Only one drain runs per conversation at a time.
func (p *DeliveryPipeline) drain(ctx context.Context, conversationID string) {
	l := p.convLock(conversationID)
	l.Lock()
	defer l.Unlock()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		o := p.nextReadyLocked(conversationID)
		if o == nil {
			p.mu.Unlock()
			return
		}
		o.ready = false
		p.mu.Unlock()

		p.attempt(ctx, o)
	}
}

// nextReadyLocked returns the earliest queued message of the conversation
// when it is ready. A queued message still in backoff holds back every
// later one.
func (p *DeliveryPipeline) nextReadyLocked(conversationID string) *outgoing {
	var next *outgoing
	for _, o := range p.out {
		if o.rec.State != models.MessageQueued || o.rec.ConversationID != conversationID {
			continue
		}
		if next == nil || o.seq < next.seq {
			next = o
		}
	}
	if next == nil || !next.ready {
		return nil
	}
	return next
}

// releaseStalledLocked readies queued messages of the conversation that
// wait on no timer, such as those left behind by an exhausted key recheck.
func (p *DeliveryPipeline) releaseStalledLocked(conversationID string) {
	for _, o := range p.out {
		if o.rec.ConversationID == conversationID && o.rec.State == models.MessageQueued && o.retryTimer == nil {
			o.ready = true
			o.waitingKey = false
			o.keyChecks = 0
		}
	}
}

func (p *DeliveryPipeline) attempt(ctx context.Context, o *outgoing) {
	p.mu.Lock()
	id := o.rec.ID
	recipient := o.rec.RecipientID
	plaintext := o.rec.Plaintext
	ciphertext := o.rec.Ciphertext
	p.mu.Unlock()

	if !p.keyResolvable(recipient) {
		p.mu.Lock()
		p.scheduleKeyRecheckLocked(o)
		p.mu.Unlock()
		return
	}

	if ciphertext == "" {
		ct, err := p.deps.Cipher.Encrypt(ctx, plaintext, recipient)
		if err != nil {
			p.deps.Logger.WithError(err).WithField(LogFieldMessageID, id).Warn("Failed to encrypt outgoing message")
			p.encryptFailed(ctx, o)
			return
		}
		ciphertext = ct
	}

	now := p.deps.Clock.Now().UTC()
	p.mu.Lock()
	if p.out[id] != o || o.rec.State != models.MessageQueued {
		p.mu.Unlock()
		return
	}
	o.rec.Ciphertext = ciphertext
	o.rec.AttemptCount++
	o.rec.LastAttemptAt = now
	o.rec.State = models.MessageTransmitted
	attempt := o.rec.AttemptCount
	// Armed before the send so an ack racing the write finds the timer.
	o.ackTimer = p.deps.Clock.AfterFunc(p.cfg.AckTimeout(), func() {
		p.attemptFailed(context.Background(), o, attempt, "ack_timeout")
	})
	snap := o.rec.Clone()
	p.mu.Unlock()

	p.persistLogged(ctx, models.CollectionMessages, snap)
	p.transitioned(ctx, snap)

	ev := models.NewOutbound(models.OutboundMessageSend, now, map[string]interface{}{
		"to":             snap.RecipientID,
		"messageId":      snap.ID,
		"conversationId": snap.ConversationID,
		"ciphertext":     snap.Ciphertext,
		"sentAt":         snap.CreatedAt.UnixMilli(),
	})
	if err := p.deps.Gateway.Send(ctx, ev); err != nil {
		p.deps.Metrics.SendAttempt("error")
		logFields(ctx, p.deps.Logger, logrus.Fields{
			LogFieldMessageID: id,
			LogFieldAttempt:   attempt,
		}).WithError(err).Warn("Message transmission failed")
		p.attemptFailed(ctx, o, attempt, "transport_error")
		return
	}
	p.deps.Metrics.SendAttempt("sent")
}

// attemptFailed handles a send error or ack timeout for the given attempt.
// Stale callbacks for earlier attempts are ignored.
func (p *DeliveryPipeline) attemptFailed(ctx context.Context, o *outgoing, attempt int, reason string) {
	p.mu.Lock()
	id := o.rec.ID
	if p.out[id] != o || o.rec.State != models.MessageTransmitted || o.rec.AttemptCount != attempt {
		p.mu.Unlock()
		return
	}
	o.stopTimers()

	if attempt >= p.cfg.Attempts() {
		o.rec.State = models.MessageFailed
		o.rec.FailureReason = reason
		snap := o.rec.Clone()
		p.mu.Unlock()
		p.failed(ctx, snap)
		return
	}

	o.rec.State = models.MessageQueued
	o.ready = false
	delay := p.backoff.Delay(attempt)
	o.retryTimer = p.deps.Clock.AfterFunc(delay, func() { p.retryFired(o) })
	snap := o.rec.Clone()
	p.mu.Unlock()

	logFields(ctx, p.deps.Logger, logrus.Fields{
		LogFieldMessageID: id,
		LogFieldAttempt:   attempt,
		LogFieldDelay:     delay.String(),
		LogFieldReason:    reason,
	}).Info("Message requeued for retry")
	p.persistLogged(ctx, models.CollectionMessages, snap)
	p.transitioned(ctx, snap)
}

// encryptFailed spends one attempt of the budget on a local encryption
// error and backs off like a transport failure.
func (p *DeliveryPipeline) encryptFailed(ctx context.Context, o *outgoing) {
	now := p.deps.Clock.Now().UTC()
	p.mu.Lock()
	if p.out[o.rec.ID] != o || o.rec.State != models.MessageQueued {
		p.mu.Unlock()
		return
	}
	o.rec.AttemptCount++
	o.rec.LastAttemptAt = now
	attempt := o.rec.AttemptCount
	if attempt >= p.cfg.Attempts() {
		o.stopTimers()
		o.ready = false
		o.rec.State = models.MessageFailed
		o.rec.FailureReason = "encryption_failed"
		snap := o.rec.Clone()
		p.mu.Unlock()
		p.failed(ctx, snap)
		return
	}
	o.ready = false
	o.retryTimer = p.deps.Clock.AfterFunc(p.backoff.Delay(attempt), func() { p.retryFired(o) })
	snap := o.rec.Clone()
	p.mu.Unlock()

	p.persistLogged(ctx, models.CollectionMessages, snap)
}

func (p *DeliveryPipeline) retryFired(o *outgoing) {
	p.mu.Lock()
	if p.out[o.rec.ID] != o || o.rec.State != models.MessageQueued {
		p.mu.Unlock()
		return
	}
	o.retryTimer = nil
	o.ready = true
	conv := o.rec.ConversationID
	p.mu.Unlock()

	p.drain(context.Background(), conv)
}

func (p *DeliveryPipeline) scheduleKeyRecheckLocked(o *outgoing) {
	o.ready = false
	if o.retryTimer != nil {
		return
	}
	if o.keyChecks >= p.cfg.KeyRecheckLimit() {
		o.waitingKey = false
		p.deps.Logger.WithFields(logrus.Fields{
			LogFieldMessageID: o.rec.ID,
			LogFieldAttempt:   o.keyChecks,
		}).Warn("Peer key still unresolved, message left queued")
		return
	}
	o.keyChecks++
	o.waitingKey = true
	o.retryTimer = p.deps.Clock.AfterFunc(p.cfg.KeyRecheckInterval(), func() { p.keyRecheck(o) })
}

func (p *DeliveryPipeline) keyRecheck(o *outgoing) {
	p.mu.Lock()
	if p.out[o.rec.ID] != o || o.rec.State != models.MessageQueued || !o.waitingKey {
		p.mu.Unlock()
		return
	}
	o.retryTimer = nil
	recipient := o.rec.RecipientID
	conv := o.rec.ConversationID
	p.mu.Unlock()

	if !p.keyResolvable(recipient) {
		p.mu.Lock()
		p.scheduleKeyRecheckLocked(o)
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	o.waitingKey = false
	o.keyChecks = 0
	o.ready = true
	p.mu.Unlock()
	p.drain(context.Background(), conv)
}

func (p *DeliveryPipeline) fail(ctx context.Context, o *outgoing, reason string) {
	p.mu.Lock()
	if p.out[o.rec.ID] != o || o.rec.State.IsTerminal() {
		p.mu.Unlock()
		return
	}
	o.stopTimers()
	o.ready, o.waitingKey = false, false
	o.rec.State = models.MessageFailed
	o.rec.FailureReason = reason
	snap := o.rec.Clone()
	p.mu.Unlock()
	p.failed(ctx, snap)
}

func (p *DeliveryPipeline) failed(ctx context.Context, snap *models.MessageRecord) {
	logFields(ctx, p.deps.Logger, logrus.Fields{
		LogFieldMessageID: snap.ID,
		LogFieldAttempt:   snap.AttemptCount,
		LogFieldReason:    snap.FailureReason,
	}).Warn("Message delivery failed")
	p.persistLogged(ctx, models.CollectionMessages, snap)
	p.transitioned(ctx, snap)
	p.deps.Notifier.Notify(ctx, "Message not delivered", "", map[string]string{
		"message_id":      snap.ID,
		"conversation_id": snap.ConversationID,
		"reason":          snap.FailureReason,
	})
}

// OnAcknowledged applies a transport acknowledgment.
func (p *DeliveryPipeline) OnAcknowledged(ctx context.Context, messageID string) error {
	return p.advance(ctx, messageID, models.MessageAcknowledged)
}

// OnDelivered applies a peer delivery receipt.
func (p *DeliveryPipeline) OnDelivered(ctx context.Context, messageID string) error {
	return p.advance(ctx, messageID, models.MessageDelivered)
}

// OnRead applies a peer read receipt.
func (p *DeliveryPipeline) OnRead(ctx context.Context, messageID string) error {
	return p.advance(ctx, messageID, models.MessageRead)
}

// advance moves a message forward to target. Receipts that are not forward
// progress are no-ops, so duplicates and out-of-order receipts are safe.
func (p *DeliveryPipeline) advance(ctx context.Context, messageID string, target models.MessageState) error {
	if messageID == "" {
		return apperrors.NewValidationError("message_id", "must not be empty")
	}

	p.mu.Lock()
	o, ok := p.out[messageID]
	if !ok {
		p.mu.Unlock()
		return p.advanceStored(ctx, messageID, target)
	}
	if !o.rec.State.Advances(target) {
		state := o.rec.State
		p.mu.Unlock()
		logFields(ctx, p.deps.Logger, logrus.Fields{
			LogFieldMessageID: messageID,
			LogFieldState:     string(state),
			"receipt":         string(target),
		}).Debug("Ignoring receipt that is not forward progress")
		return nil
	}
	o.stopTimers()
	o.ready, o.waitingKey = false, false
	o.rec.State = target
	if target == models.MessageRead {
		delete(p.out, messageID)
	}
	snap := o.rec.Clone()
	p.mu.Unlock()

	p.persistLogged(ctx, models.CollectionMessages, snap)
	p.transitioned(ctx, snap)
	return nil
}

// advanceStored applies a receipt for a message no longer tracked in memory.
func (p *DeliveryPipeline) advanceStored(ctx context.Context, messageID string, target models.MessageState) error {
	if p.deps.Store == nil {
		return apperrors.NewNotFoundError("message", messageID)
	}
	stored, err := p.deps.Store.Get(ctx, models.CollectionMessages, messageID)
	if err != nil {
		return apperrors.NewDatabaseError("load message", err)
	}
	if stored == nil {
		return apperrors.NewNotFoundError("message", messageID)
	}
	var rec models.MessageRecord
	if err := json.Unmarshal(stored.Body, &rec); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeDatabaseQuery, "decode message")
	}
	if !rec.State.Advances(target) {
		return nil
	}
	rec.State = target
	p.persistLogged(ctx, models.CollectionMessages, &rec)
	p.transitioned(ctx, &rec)
	return nil
}

// OnTransmitFailed handles a transport-level rejection of the in-flight attempt.
func (p *DeliveryPipeline) OnTransmitFailed(ctx context.Context, messageID, reason string) error {
	p.mu.Lock()
	o, ok := p.out[messageID]
	if !ok {
		p.mu.Unlock()
		return apperrors.NewNotFoundError("message", messageID)
	}
	if o.rec.State != models.MessageTransmitted {
		p.mu.Unlock()
		return nil
	}
	attempt := o.rec.AttemptCount
	p.mu.Unlock()

	if reason == "" {
		reason = "rejected"
	}
	p.attemptFailed(ctx, o, attempt, reason)
	return nil
}

// OnInboundMessage decrypts and records a message from a peer, then sends
// a delivery receipt. A duplicate message id returns the existing record
// without side effects.
func (p *DeliveryPipeline) OnInboundMessage(ctx context.Context, payload models.MessagePayload) (*models.MessageRecord, error) {
	kind := string(models.EventMessageReceived)
	switch {
	case payload.MessageID == "":
		return nil, apperrors.NewMalformedEventError(kind, "messageId")
	case payload.SenderID == "":
		return nil, apperrors.NewMalformedEventError(kind, "senderId")
	case payload.Ciphertext == "":
		return nil, apperrors.NewMalformedEventError(kind, "ciphertext")
	}

	if existing, ok := p.inbound(payload.MessageID); ok {
		return existing, nil
	}

	plaintext, err := p.deps.Cipher.Decrypt(ctx, payload.Ciphertext)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeCipher, "decrypt inbound message")
	}

	conv := payload.ConversationID
	if conv == "" {
		conv = models.ConversationID(p.deps.LocalID, payload.SenderID)
	}
	createdAt := p.deps.Clock.Now().UTC()
	if payload.SentAt > 0 {
		createdAt = time.UnixMilli(payload.SentAt).UTC()
	}
	rec := &models.MessageRecord{
		SchemaVersion:  models.MessageSchemaVersion,
		ID:             payload.MessageID,
		ConversationID: conv,
		SenderID:       payload.SenderID,
		RecipientID:    p.deps.LocalID,
		Direction:      models.DirectionIncoming,
		Ciphertext:     payload.Ciphertext,
		Plaintext:      plaintext,
		State:          models.MessageDelivered,
		CreatedAt:      createdAt,
	}

	p.mu.Lock()
	if existing, ok := p.in[rec.ID]; ok {
		p.mu.Unlock()
		return existing.rec.Clone(), nil
	}
	p.in[rec.ID] = &inbound{rec: rec}
	p.mu.Unlock()

	p.persistLogged(ctx, CollectionInboundMessages, rec)
	p.deps.Hub.Publish(models.Update{
		Kind:           models.UpdateMessageInbound,
		PeerID:         rec.SenderID,
		ConversationID: rec.ConversationID,
		MessageID:      rec.ID,
		MessageState:   rec.State,
		Text:           rec.Plaintext,
		At:             p.deps.Clock.Now(),
	})
	p.deps.Notifier.Notify(ctx, "New message", rec.Plaintext, map[string]string{
		"message_id":      rec.ID,
		"conversation_id": rec.ConversationID,
		"peer_id":         rec.SenderID,
	})

	receipt := models.NewOutbound(models.OutboundReceiptDelivered, p.deps.Clock.Now(), map[string]interface{}{
		"to":             rec.SenderID,
		"messageId":      rec.ID,
		"conversationId": rec.ConversationID,
	})
	if err := p.deps.Gateway.Send(ctx, receipt); err != nil {
		logFields(ctx, p.deps.Logger, logrus.Fields{LogFieldMessageID: rec.ID}).
			WithError(err).Warn("Delivery receipt not sent")
	}
	return rec.Clone(), nil
}

func (p *DeliveryPipeline) inbound(messageID string) (*models.MessageRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	in, ok := p.in[messageID]
	if !ok {
		return nil, false
	}
	return in.rec.Clone(), true
}

// MarkPresented sends the read receipt for an inbound message once the UI
// has shown it. Only one receipt is ever sent per message.
func (p *DeliveryPipeline) MarkPresented(ctx context.Context, messageID string) error {
	p.mu.Lock()
	in, ok := p.in[messageID]
	if !ok {
		p.mu.Unlock()
		return apperrors.NewNotFoundError("message", messageID)
	}
	if in.rec.ReadReceiptSent || in.sending {
		p.mu.Unlock()
		return nil
	}
	in.sending = true
	snap := in.rec.Clone()
	p.mu.Unlock()

	receipt := models.NewOutbound(models.OutboundReceiptRead, p.deps.Clock.Now(), map[string]interface{}{
		"to":             snap.SenderID,
		"messageId":      snap.ID,
		"conversationId": snap.ConversationID,
	})
	err := p.deps.Gateway.Send(ctx, receipt)

	p.mu.Lock()
	in.sending = false
	if err != nil {
		p.mu.Unlock()
		return apperrors.NewTransportError(string(models.OutboundReceiptRead), err)
	}
	in.rec.ReadReceiptSent = true
	in.rec.State = models.MessageRead
	snap = in.rec.Clone()
	p.mu.Unlock()

	p.persistLogged(ctx, CollectionInboundMessages, snap)
	return nil
}

// Resend re-enters a failed message into the queue with a fresh attempt budget.
func (p *DeliveryPipeline) Resend(ctx context.Context, messageID string) error {
	p.mu.Lock()
	o, ok := p.out[messageID]
	if !ok {
		p.mu.Unlock()
		return apperrors.NewNotFoundError("message", messageID)
	}
	if o.rec.State != models.MessageFailed {
		state := o.rec.State
		p.mu.Unlock()
		return apperrors.NewStateConflictError("message", messageID, string(state), "resend")
	}
	if p.blocks != nil && p.blocks.IsBlocked(o.rec.RecipientID, o.rec.ConversationID) {
		p.mu.Unlock()
		return apperrors.NewBlockedError(o.rec.RecipientID)
	}
	o.rec.State = models.MessageQueued
	o.rec.AttemptCount = 0
	o.rec.FailureReason = ""
	o.keyChecks = 0
	snap := o.rec.Clone()
	p.mu.Unlock()

	p.persistLogged(ctx, models.CollectionMessages, snap)
	p.transitioned(ctx, snap)

	if !p.keyResolvable(snap.RecipientID) {
		p.mu.Lock()
		p.scheduleKeyRecheckLocked(o)
		p.mu.Unlock()
		return apperrors.NewMissingKeyError(snap.RecipientID)
	}

	p.mu.Lock()
	o.ready = true
	p.releaseStalledLocked(snap.ConversationID)
	p.mu.Unlock()
	p.drain(ctx, snap.ConversationID)
	return nil
}

// Restore reloads persisted messages after a restart. Transmitted messages
// lost their ack timer and go back to queued; FlushQueued sends them.
func (p *DeliveryPipeline) Restore(ctx context.Context) (int, error) {
	if p.deps.Store == nil {
		return 0, nil
	}

	recs, err := p.deps.Store.LoadAll(ctx, models.CollectionMessages)
	if err != nil {
		return 0, apperrors.NewDatabaseError("load messages", err)
	}
	msgs := make([]*models.MessageRecord, 0, len(recs))
	for _, stored := range recs {
		var rec models.MessageRecord
		if err := json.Unmarshal(stored.Body, &rec); err != nil {
			p.deps.Logger.WithError(err).WithField(LogFieldMessageID, stored.ID).Warn("Skipping unreadable message record")
			continue
		}
		if rec.Direction != models.DirectionOutgoing || rec.State == models.MessageRead {
			continue
		}
		msgs = append(msgs, &rec)
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })

	inRecs, err := p.deps.Store.LoadAll(ctx, CollectionInboundMessages)
	if err != nil {
		return 0, apperrors.NewDatabaseError("load inbound messages", err)
	}

	var requeued []*models.MessageRecord
	p.mu.Lock()
	for _, rec := range msgs {
		if _, ok := p.out[rec.ID]; ok {
			continue
		}
		if rec.State == models.MessageTransmitted {
			rec.State = models.MessageQueued
			requeued = append(requeued, rec.Clone())
		}
		p.seq++
		p.out[rec.ID] = &outgoing{rec: rec, seq: p.seq}
	}
	for _, stored := range inRecs {
		var rec models.MessageRecord
		if err := json.Unmarshal(stored.Body, &rec); err != nil {
			continue
		}
		if _, ok := p.in[rec.ID]; !ok {
			p.in[rec.ID] = &inbound{rec: &rec}
		}
	}
	restored := len(msgs)
	p.mu.Unlock()

	for _, rec := range requeued {
		p.persistLogged(ctx, models.CollectionMessages, rec)
	}

	p.deps.Logger.WithFields(logrus.Fields{
		"outgoing": restored,
		"inbound":  len(inRecs),
		"requeued": len(requeued),
	}).Info("Restored delivery state")
	return restored, nil
}

// FlushQueued attempts every queued message that is not already waiting on
// a backoff or key timer.
func (p *DeliveryPipeline) FlushQueued(ctx context.Context) {
	p.mu.Lock()
	convs := make(map[string]struct{})
	for _, o := range p.out {
		if o.rec.State != models.MessageQueued || o.retryTimer != nil {
			continue
		}
		o.ready = true
		o.keyChecks = 0
		convs[o.rec.ConversationID] = struct{}{}
	}
	p.mu.Unlock()

	for conv := range convs {
		p.drain(ctx, conv)
	}
}

// OnKeyAvailable releases messages to peerID that were waiting for its key.
func (p *DeliveryPipeline) OnKeyAvailable(ctx context.Context, peerID string) {
	p.mu.Lock()
	convs := make(map[string]struct{})
	for _, o := range p.out {
		if o.rec.RecipientID != peerID || o.rec.State != models.MessageQueued {
			continue
		}
		switch {
		case o.waitingKey:
			clock.Stop(o.retryTimer)
			o.retryTimer = nil
			o.waitingKey = false
		case o.retryTimer != nil:
			continue
		}
		o.keyChecks = 0
		o.ready = true
		convs[o.rec.ConversationID] = struct{}{}
	}
	p.mu.Unlock()

	for conv := range convs {
		p.drain(ctx, conv)
	}
}

// FailPeer fails every unacknowledged message to peerID and cancels its timers.
func (p *DeliveryPipeline) FailPeer(ctx context.Context, peerID, reason string) int {
	p.mu.Lock()
	var victims []*outgoing
	for _, o := range p.out {
		if o.rec.RecipientID != peerID {
			continue
		}
		if o.rec.State == models.MessageQueued || o.rec.State == models.MessageTransmitted {
			victims = append(victims, o)
		} else {
			o.stopTimers()
		}
	}
	p.mu.Unlock()

	for _, o := range victims {
		p.fail(ctx, o, reason)
	}
	return len(victims)
}

// GetStaleMessageCount counts messages acknowledged by the transport but
// not delivered to the peer within threshold.
func (p *DeliveryPipeline) GetStaleMessageCount(_ context.Context, threshold time.Duration) (int, error) {
	now := p.deps.Clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, o := range p.out {
		if o.rec.State == models.MessageAcknowledged && now.Sub(o.rec.LastAttemptAt) > threshold {
			n++
		}
	}
	return n, nil
}

// Purge drops terminal records older than cutoff from memory and storage.
// Non-terminal outgoing messages are kept whatever their age.
func (p *DeliveryPipeline) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	p.mu.Lock()
	for id, o := range p.out {
		if o.rec.State == models.MessageFailed && o.rec.CreatedAt.Before(cutoff) {
			o.stopTimers()
			delete(p.out, id)
		}
	}
	for id, in := range p.in {
		if in.rec.CreatedAt.Before(cutoff) {
			delete(p.in, id)
		}
	}
	p.mu.Unlock()

	if p.deps.Store == nil {
		return 0, nil
	}

	recs, err := p.deps.Store.LoadAll(ctx, models.CollectionMessages)
	if err != nil {
		return 0, apperrors.NewDatabaseError("load messages", err)
	}
	var deleted int64
	for _, stored := range recs {
		if !stored.UpdatedAt.Before(cutoff) {
			continue
		}
		var rec models.MessageRecord
		if err := json.Unmarshal(stored.Body, &rec); err != nil || !rec.State.IsTerminal() {
			continue
		}
		if err := p.deps.Store.Delete(ctx, models.CollectionMessages, stored.ID); err != nil {
			return deleted, apperrors.NewDatabaseError("delete message", err)
		}
		deleted++
	}

	n, err := p.deps.Store.DeleteOlderThan(ctx, CollectionInboundMessages, cutoff)
	if err != nil {
		return deleted, apperrors.NewDatabaseError("delete inbound messages", err)
	}
	return deleted + n, nil
}

// Get returns a copy of a tracked outgoing or inbound message.
func (p *DeliveryPipeline) Get(messageID string) (*models.MessageRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o, ok := p.out[messageID]; ok {
		return o.rec.Clone(), true
	}
	if in, ok := p.in[messageID]; ok {
		return in.rec.Clone(), true
	}
	return nil, false
}

// Tracked returns the number of outgoing messages under active tracking.
func (p *DeliveryPipeline) Tracked() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.out)
}

// Close cancels every timer and stops further transmissions.
func (p *DeliveryPipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, o := range p.out {
		o.stopTimers()
		o.ready = false
	}
}

func (p *DeliveryPipeline) transitioned(ctx context.Context, rec *models.MessageRecord) {
	p.deps.Metrics.MessageState(string(rec.State))
	logFields(ctx, p.deps.Logger, logrus.Fields{
		LogFieldMessageID:      rec.ID,
		LogFieldConversationID: rec.ConversationID,
		LogFieldState:          string(rec.State),
		LogFieldAttempt:        rec.AttemptCount,
	}).Debug("Message state changed")
	p.deps.Hub.Publish(models.Update{
		Kind:           models.UpdateMessageState,
		PeerID:         rec.PeerID(),
		ConversationID: rec.ConversationID,
		MessageID:      rec.ID,
		MessageState:   rec.State,
		Reason:         rec.FailureReason,
		At:             p.deps.Clock.Now(),
	})
}

func (p *DeliveryPipeline) persist(ctx context.Context, collection string, rec *models.MessageRecord) error {
	if p.deps.Store == nil {
		return nil
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternalError, "encode message")
	}
	stored := models.StoredRecord{
		Collection:    collection,
		ID:            rec.ID,
		SchemaVersion: models.MessageSchemaVersion,
		Body:          body,
		UpdatedAt:     p.deps.Clock.Now().UTC(),
	}
	if err := p.deps.Store.AppendOrUpdate(ctx, stored); err != nil {
		return apperrors.NewDatabaseError("persist message", err)
	}
	return nil
}

func (p *DeliveryPipeline) persistLogged(ctx context.Context, collection string, rec *models.MessageRecord) {
	if err := p.persist(ctx, collection, rec); err != nil {
		apperrors.Log(p.deps.Logger, err, "Failed to persist message", logrus.Fields{
			LogFieldMessageID: rec.ID,
			LogFieldState:     string(rec.State),
		})
	}
}
