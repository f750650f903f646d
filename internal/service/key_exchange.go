package service

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"sessionchat/internal/clock"
	"sessionchat/internal/constants"
	apperrors "sessionchat/internal/errors"
	"sessionchat/internal/models"
	"sessionchat/internal/tracing"
	"sessionchat/pkg/cipher"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// exchange is the in-memory handle of one request. The poll timer waits
// for the peer key after acceptance.
type exchange struct {
	req      *models.KeyExchangeRequest
	poll     clock.Timer
	polls    int
	legacy   bool
	inFlight bool
}

// KeyExchange runs the request/accept/decline/revoke handshake that opens
// a secure channel with a peer.
type KeyExchange struct {
	cfg         models.KeyExchangeConfig
	deps        Deps
	blocks      BlockChecker
	displayName string

	mu        sync.Mutex
	requests  map[string]*exchange
	contacts  map[string]models.Contact
	onKeyable func(ctx context.Context, peerID string)
}

func NewKeyExchange(cfg models.KeyExchangeConfig, displayName string, blocks BlockChecker, deps Deps) *KeyExchange {
	return &KeyExchange{
		cfg:         cfg,
		deps:        deps.withDefaults(),
		blocks:      blocks,
		displayName: displayName,
		requests:    make(map[string]*exchange),
		contacts:    make(map[string]models.Contact),
	}
}

// OnKeyAvailable registers a callback run whenever a peer key becomes
// resolvable through a completed handshake.
func (k *KeyExchange) OnKeyAvailable(fn func(ctx context.Context, peerID string)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.onKeyable = fn
}

// SendRequest creates and transmits a request to toSessionID. It fails
// with DUPLICATE_REQUEST if a non-terminal request with the peer exists in
// either direction.
func (k *KeyExchange) SendRequest(ctx context.Context, toSessionID, phrase string) (*models.KeyExchangeRequest, error) {
	if toSessionID == "" {
		return nil, apperrors.NewValidationError("to", "recipient is required")
	}
	if toSessionID == k.deps.LocalID {
		return nil, apperrors.NewValidationError("to", "cannot send a request to self")
	}
	if utf8.RuneCountInString(phrase) > constants.MaxRequestPhraseLength {
		return nil, apperrors.NewValidationError("phrase", "request phrase is too long")
	}
	if k.blocks != nil && k.blocks.IsBlocked(toSessionID, "") {
		return nil, apperrors.NewBlockedError(toSessionID)
	}

	k.mu.Lock()
	if existing := k.outstandingLocked(toSessionID); existing != nil {
		id := existing.req.ID
		k.mu.Unlock()
		return nil, apperrors.NewDuplicateRequestError(toSessionID, id)
	}
	req := &models.KeyExchangeRequest{
		SchemaVersion: models.KeyExchangeSchemaVersion,
		ID:            uuid.NewString(),
		FromSessionID: k.deps.LocalID,
		ToSessionID:   toSessionID,
		RequestPhrase: phrase,
		Status:        models.KeyExchangePending,
		Timestamp:     k.deps.Clock.Now().UTC(),
	}
	ex := &exchange{req: req}
	k.requests[req.ID] = ex
	snap := req.Clone()
	k.mu.Unlock()

	if err := k.persist(ctx, snap); err != nil {
		k.mu.Lock()
		delete(k.requests, req.ID)
		k.mu.Unlock()
		return nil, err
	}
	k.transitioned(ctx, snap)

	return k.transmitRequest(ctx, ex)
}

func (k *KeyExchange) transmitRequest(ctx context.Context, ex *exchange) (*models.KeyExchangeRequest, error) {
	k.mu.Lock()
	req := ex.req.Clone()
	k.mu.Unlock()

	ctx, span := tracing.StartSpan(ctx, "key_exchange.request", tracing.AttrRequestID.String(req.ID))
	defer span.End()

	ev := models.NewOutbound(models.OutboundKeyExchange, k.deps.Clock.Now(), map[string]interface{}{
		"requestId": req.ID,
		"to":        req.ToSessionID,
		"phrase":    req.RequestPhrase,
		"publicKey": k.localPublicKey(),
	})
	sendErr := k.send(ctx, ev)

	k.mu.Lock()
	if sendErr != nil {
		ex.req.PreviousStatus = models.KeyExchangePending
		ex.req.Status = models.KeyExchangeFailed
	} else {
		ex.req.PreviousStatus = ""
		ex.req.Status = models.KeyExchangeSent
	}
	snap := ex.req.Clone()
	k.mu.Unlock()

	k.persistLogged(ctx, snap)
	k.transitioned(ctx, snap)
	if sendErr != nil {
		tracing.RecordError(ctx, sendErr)
		return snap, apperrors.NewTransportError(string(models.OutboundKeyExchange), sendErr)
	}
	return snap, nil
}

// RetryRequest resends a request whose transmission failed.
func (k *KeyExchange) RetryRequest(ctx context.Context, requestID string) (*models.KeyExchangeRequest, error) {
	k.mu.Lock()
	ex, ok := k.requests[requestID]
	if !ok {
		k.mu.Unlock()
		return nil, apperrors.NewNotFoundError("key exchange request", requestID)
	}
	if ex.req.Status != models.KeyExchangeFailed || !ex.req.IsOutgoing(k.deps.LocalID) {
		status := ex.req.Status
		k.mu.Unlock()
		return nil, apperrors.NewStateConflictError("key exchange request", requestID, string(status), "retry")
	}
	ex.req.Status = ex.req.PreviousStatus
	if ex.req.Status == "" {
		ex.req.Status = models.KeyExchangePending
	}
	ex.req.PreviousStatus = ""
	k.mu.Unlock()

	return k.transmitRequest(ctx, ex)
}

// outstandingLocked returns the non-terminal request with peerID in either
// direction, if any.
func (k *KeyExchange) outstandingLocked(peerID string) *exchange {
	for _, ex := range k.requests {
		if !ex.req.Status.IsTerminal() && ex.req.Involves(k.deps.LocalID, peerID) {
			return ex
		}
	}
	return nil
}

// OnRequestReceived records an inbound request. Crossed requests resolve
// to the one whose requester has the lexicographically smaller session id;
// both peers reach the same answer without negotiation.
func (k *KeyExchange) OnRequestReceived(ctx context.Context, payload models.KeyExchangePayload) (*models.KeyExchangeRequest, error) {
	kind := string(models.EventKeyExchangeRequest)
	if payload.RequestID == "" {
		return nil, apperrors.NewMalformedEventError(kind, "requestId")
	}
	if payload.From == "" {
		return nil, apperrors.NewMalformedEventError(kind, "from")
	}
	if payload.To != "" && payload.To != k.deps.LocalID {
		return nil, apperrors.NewValidationError("to", "request addressed to another session")
	}
	if k.blocks != nil && k.blocks.IsBlocked(payload.From, "") {
		return nil, apperrors.NewBlockedError(payload.From)
	}

	var superseded *models.KeyExchangeRequest

	k.mu.Lock()
	if ex, ok := k.requests[payload.RequestID]; ok {
		snap := ex.req.Clone()
		k.mu.Unlock()
		return snap, nil
	}
	if existing := k.outstandingLocked(payload.From); existing != nil {
		if !existing.req.IsOutgoing(k.deps.LocalID) || k.deps.LocalID < payload.From {
			id := existing.req.ID
			k.mu.Unlock()
			logFields(ctx, k.deps.Logger, logrus.Fields{
				LogFieldPeerID:    payload.From,
				LogFieldRequestID: payload.RequestID,
				"kept_request":    id,
			}).Info("Dropping crossed key exchange request")
			return nil, apperrors.NewDuplicateRequestError(payload.From, id)
		}
		clock.Stop(existing.poll)
		existing.poll = nil
		existing.req.Status = models.KeyExchangeDeclined
		superseded = existing.req.Clone()
	}

	ts := k.deps.Clock.Now().UTC()
	if payload.Timestamp > 0 {
		ts = time.UnixMilli(payload.Timestamp).UTC()
	}
	req := &models.KeyExchangeRequest{
		SchemaVersion: models.KeyExchangeSchemaVersion,
		ID:            payload.RequestID,
		FromSessionID: payload.From,
		ToSessionID:   k.deps.LocalID,
		RequestPhrase: payload.Phrase,
		Status:        models.KeyExchangeReceived,
		Timestamp:     ts,
		PeerPublicKey: payload.PublicKey,
	}
	k.requests[req.ID] = &exchange{req: req}
	snap := req.Clone()
	k.mu.Unlock()

	if superseded != nil {
		k.persistLogged(ctx, superseded)
		k.transitioned(ctx, superseded)
	}
	k.persistLogged(ctx, snap)
	k.transitioned(ctx, snap)
	k.deps.Notifier.Notify(ctx, "New contact request", snap.RequestPhrase, map[string]string{
		"request_id": snap.ID,
		"peer_id":    snap.FromSessionID,
	})
	return snap, nil
}

// Accept answers a received request with the local public key inline.
// A transmission failure reverts the record to received.
func (k *KeyExchange) Accept(ctx context.Context, requestID string) (*models.KeyExchangeRequest, error) {
	return k.respond(ctx, requestID, true)
}

// Decline answers a received request without key material.
func (k *KeyExchange) Decline(ctx context.Context, requestID string) (*models.KeyExchangeRequest, error) {
	return k.respond(ctx, requestID, false)
}

func (k *KeyExchange) respond(ctx context.Context, requestID string, accept bool) (*models.KeyExchangeRequest, error) {
	op := "decline"
	kind := models.OutboundKeyDecline
	if accept {
		op = "accept"
		kind = models.OutboundKeyAccept
	}

	k.mu.Lock()
	ex, ok := k.requests[requestID]
	if !ok {
		k.mu.Unlock()
		return nil, apperrors.NewNotFoundError("key exchange request", requestID)
	}
	if ex.req.IsOutgoing(k.deps.LocalID) || ex.req.Status != models.KeyExchangeReceived {
		status := ex.req.Status
		k.mu.Unlock()
		return nil, apperrors.NewStateConflictError("key exchange request", requestID, string(status), op)
	}
	ex.req.Status = models.KeyExchangeProcessing
	snap := ex.req.Clone()
	k.mu.Unlock()

	k.persistLogged(ctx, snap)
	k.transitioned(ctx, snap)

	peer := snap.FromSessionID
	fields := map[string]interface{}{
		"requestId": snap.ID,
		"to":        peer,
	}
	if accept {
		fields["publicKey"] = k.localPublicKey()
	}
	sendErr := k.send(ctx, models.NewOutbound(kind, k.deps.Clock.Now(), fields))

	now := k.deps.Clock.Now().UTC()
	k.mu.Lock()
	if ex.req.Status != models.KeyExchangeProcessing {
		// Revoked or torn down while the response was in flight.
		snap = ex.req.Clone()
		k.mu.Unlock()
		logFields(ctx, k.deps.Logger, logrus.Fields{
			LogFieldRequestID: snap.ID,
			LogFieldStatus:    string(snap.Status),
		}).Info("Key exchange closed while response was in flight")
		return snap, apperrors.NewStateConflictError("key exchange request", requestID, string(snap.Status), op)
	}
	if sendErr != nil {
		ex.req.Status = models.KeyExchangeReceived
	} else {
		ex.req.RespondedAt = &now
		if accept {
			ex.req.Status = models.KeyExchangeAccepted
		} else {
			ex.req.Status = models.KeyExchangeDeclined
		}
	}
	snap = ex.req.Clone()
	k.mu.Unlock()

	k.persistLogged(ctx, snap)
	k.transitioned(ctx, snap)
	if sendErr != nil {
		return snap, apperrors.NewTransportError(string(kind), sendErr)
	}

	if accept && snap.PeerPublicKey != "" {
		k.storePeerKey(ctx, peer, snap.PeerPublicKey)
	}
	return snap, nil
}

// Revoke cancels a non-terminal request locally and tells the peer. The
// signal is not acknowledged; a send failure is only logged.
func (k *KeyExchange) Revoke(ctx context.Context, requestID string) (*models.KeyExchangeRequest, error) {
	k.mu.Lock()
	ex, ok := k.requests[requestID]
	if !ok {
		k.mu.Unlock()
		return nil, apperrors.NewNotFoundError("key exchange request", requestID)
	}
	if ex.req.Status.IsTerminal() {
		status := ex.req.Status
		k.mu.Unlock()
		return nil, apperrors.NewStateConflictError("key exchange request", requestID, string(status), "revoke")
	}
	clock.Stop(ex.poll)
	ex.poll = nil
	ex.req.Status = models.KeyExchangeDeclined
	now := k.deps.Clock.Now().UTC()
	ex.req.RespondedAt = &now
	snap := ex.req.Clone()
	k.mu.Unlock()

	k.persistLogged(ctx, snap)
	k.transitioned(ctx, snap)

	ev := models.NewOutbound(models.OutboundKeyRevoke, now, map[string]interface{}{
		"requestId": snap.ID,
		"to":        snap.PeerOf(k.deps.LocalID),
	})
	if err := k.send(ctx, ev); err != nil {
		logFields(ctx, k.deps.Logger, logrus.Fields{LogFieldRequestID: snap.ID}).
			WithError(err).Warn("Revocation not delivered to peer")
	}
	return snap, nil
}

// lookup finds a request in memory, falling back to the Store for ids
// that were persisted before a restart.
func (k *KeyExchange) lookup(ctx context.Context, requestID string) (*exchange, error) {
	k.mu.Lock()
	ex, ok := k.requests[requestID]
	k.mu.Unlock()
	if ok {
		return ex, nil
	}
	if k.deps.Store == nil {
		return nil, apperrors.NewNotFoundError("key exchange request", requestID)
	}

	stored, err := k.deps.Store.Get(ctx, models.CollectionKeyExchange, requestID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("load key exchange request", err)
	}
	if stored == nil {
		return nil, apperrors.NewNotFoundError("key exchange request", requestID)
	}
	req, err := models.DecodeKeyExchangeRequest(*stored)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDatabaseQuery, "decode key exchange request")
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if ex, ok := k.requests[requestID]; ok {
		return ex, nil
	}
	ex = &exchange{req: req}
	k.requests[requestID] = ex
	logFields(ctx, k.deps.Logger, logrus.Fields{LogFieldRequestID: requestID}).
		Info("Reloaded key exchange request from store")
	return ex, nil
}

// OnAccepted completes an outgoing request. The peer key is stored at
// once; the first encrypted payload waits until the key is resolvable.
func (k *KeyExchange) OnAccepted(ctx context.Context, payload models.KeyExchangePayload) (*models.KeyExchangeRequest, error) {
	kind := string(models.EventKeyExchangeAccepted)
	if payload.RequestID == "" {
		return nil, apperrors.NewMalformedEventError(kind, "requestId")
	}

	ex, err := k.lookup(ctx, payload.RequestID)
	if err != nil {
		return nil, err
	}

	k.mu.Lock()
	if !ex.req.IsOutgoing(k.deps.LocalID) || (payload.From != "" && payload.From != ex.req.ToSessionID) {
		id := ex.req.ID
		k.mu.Unlock()
		return nil, apperrors.NewValidationError("from", "acceptance does not match request "+id)
	}
	if ex.req.Status.IsTerminal() {
		snap := ex.req.Clone()
		k.mu.Unlock()
		return snap, nil
	}
	now := k.deps.Clock.Now().UTC()
	ex.req.Status = models.KeyExchangeAccepted
	ex.req.PreviousStatus = ""
	ex.req.RespondedAt = &now
	if payload.PublicKey != "" {
		ex.req.PeerPublicKey = payload.PublicKey
	}
	snap := ex.req.Clone()
	k.mu.Unlock()

	k.persistLogged(ctx, snap)
	k.transitioned(ctx, snap)
	k.deps.Notifier.Notify(ctx, "Contact request accepted", "", map[string]string{
		"request_id": snap.ID,
		"peer_id":    snap.ToSessionID,
	})

	peer := snap.ToSessionID
	if payload.PublicKey != "" {
		k.storePeerKey(ctx, peer, payload.PublicKey)
		k.completeOrPoll(ctx, ex, false)
	} else {
		logFields(ctx, k.deps.Logger, logrus.Fields{LogFieldRequestID: snap.ID}).
			Info("Acceptance carries no public key, waiting for it out of band")
		k.completeOrPoll(ctx, ex, true)
	}

	k.mu.Lock()
	snap = ex.req.Clone()
	k.mu.Unlock()
	return snap, nil
}

func (k *KeyExchange) storePeerKey(ctx context.Context, peerID, key string) {
	if !cipher.ValidKeyLength(key) {
		logFields(ctx, k.deps.Logger, logrus.Fields{
			LogFieldPeerID: peerID,
			"key_length":   len(key),
		}).Warn("Peer public key has unexpected length")
	}
	if k.deps.Cipher == nil {
		return
	}
	if err := k.deps.Cipher.StorePublicKey(ctx, peerID, key); err != nil {
		logFields(ctx, k.deps.Logger, logrus.Fields{LogFieldPeerID: peerID}).
			WithError(err).Warn("Failed to store peer public key")
		return
	}
	k.keyAvailable(ctx, peerID)
}

func (k *KeyExchange) keyAvailable(ctx context.Context, peerID string) {
	k.mu.Lock()
	fn := k.onKeyable
	k.mu.Unlock()
	if fn != nil && k.deps.Cipher != nil && k.deps.Cipher.HasResolvableKey(peerID) {
		fn(ctx, peerID)
	}
}

// completeOrPoll sends the user-data payload if the peer key resolves now,
// otherwise starts the bounded key poll.
func (k *KeyExchange) completeOrPoll(ctx context.Context, ex *exchange, legacy bool) {
	k.mu.Lock()
	if ex.req.Status != models.KeyExchangeAccepted || ex.req.UserDataSent || ex.inFlight {
		k.mu.Unlock()
		return
	}
	peer := ex.req.PeerOf(k.deps.LocalID)
	k.mu.Unlock()

	if k.deps.Cipher != nil && k.deps.Cipher.HasResolvableKey(peer) {
		k.sendUserData(ctx, ex)
		return
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	clock.Stop(ex.poll)
	ex.polls = 0
	ex.legacy = legacy
	delay := k.cfg.PollInterval()
	if legacy {
		delay = k.cfg.LegacyFirstDelay()
	}
	ex.poll = k.deps.Clock.AfterFunc(delay, func() { k.pollKey(ex) })
}

func (k *KeyExchange) pollKey(ex *exchange) {
	ctx := context.Background()

	k.mu.Lock()
	if ex.poll == nil || ex.req.Status != models.KeyExchangeAccepted || ex.req.UserDataSent {
		k.mu.Unlock()
		return
	}
	ex.poll = nil
	ex.polls++
	attempt := ex.polls
	peer := ex.req.PeerOf(k.deps.LocalID)
	id := ex.req.ID
	k.mu.Unlock()

	if k.deps.Cipher != nil && k.deps.Cipher.HasResolvableKey(peer) {
		k.keyAvailable(ctx, peer)
		k.sendUserData(ctx, ex)
		return
	}

	limit := k.cfg.PollLimit()
	next := k.cfg.PollInterval()
	k.mu.Lock()
	if ex.legacy {
		limit = k.cfg.LegacyLimit()
		next = k.cfg.LegacyInterval()
	}
	if attempt >= limit {
		k.mu.Unlock()
		logFields(ctx, k.deps.Logger, logrus.Fields{
			LogFieldRequestID: id,
			LogFieldPeerID:    peer,
			LogFieldAttempt:   attempt,
		}).Warn("Peer key still unresolved after polling, giving up")
		k.deps.Hub.Publish(models.Update{
			Kind:              models.UpdateKeyExchange,
			PeerID:            peer,
			RequestID:         id,
			KeyExchangeStatus: models.KeyExchangeAccepted,
			Reason:            "key_unresolved",
			At:                k.deps.Clock.Now(),
		})
		return
	}
	if ex.req.Status == models.KeyExchangeAccepted {
		ex.poll = k.deps.Clock.AfterFunc(next, func() { k.pollKey(ex) })
	}
	k.mu.Unlock()
}

// sendUserData transmits the encrypted local display name to the peer.
func (k *KeyExchange) sendUserData(ctx context.Context, ex *exchange) {
	k.mu.Lock()
	if ex.req.UserDataSent || ex.inFlight {
		k.mu.Unlock()
		return
	}
	ex.inFlight = true
	clock.Stop(ex.poll)
	ex.poll = nil
	peer := ex.req.PeerOf(k.deps.LocalID)
	id := ex.req.ID
	k.mu.Unlock()

	err := k.transmitUserData(ctx, peer, id)

	k.mu.Lock()
	ex.inFlight = false
	if err == nil {
		ex.req.UserDataSent = true
	}
	snap := ex.req.Clone()
	k.mu.Unlock()

	if err != nil {
		logFields(ctx, k.deps.Logger, logrus.Fields{
			LogFieldRequestID: id,
			LogFieldPeerID:    peer,
		}).WithError(err).Warn("User data exchange not sent")
		return
	}
	k.persistLogged(ctx, snap)
}

func (k *KeyExchange) transmitUserData(ctx context.Context, peer, requestID string) error {
	body, err := json.Marshal(models.UserData{DisplayName: k.displayName})
	if err != nil {
		return err
	}
	ciphertext, err := k.deps.Cipher.Encrypt(ctx, string(body), peer)
	if err != nil {
		return err
	}
	ev := models.NewOutbound(models.OutboundUserData, k.deps.Clock.Now(), map[string]interface{}{
		"to":         peer,
		"requestId":  requestID,
		"ciphertext": ciphertext,
	})
	return k.send(ctx, ev)
}

// OnDeclined closes an outgoing request the peer declined.
func (k *KeyExchange) OnDeclined(ctx context.Context, payload models.KeyExchangePayload) (*models.KeyExchangeRequest, error) {
	return k.closeByPeer(ctx, payload, models.EventKeyExchangeDeclined, "Contact request declined")
}

// OnRevoked closes a request the peer cancelled, in either direction.
func (k *KeyExchange) OnRevoked(ctx context.Context, payload models.KeyExchangePayload) (*models.KeyExchangeRequest, error) {
	return k.closeByPeer(ctx, payload, models.EventKeyExchangeRevoked, "Contact request revoked")
}

func (k *KeyExchange) closeByPeer(ctx context.Context, payload models.KeyExchangePayload, kind models.EventKind, title string) (*models.KeyExchangeRequest, error) {
	if payload.RequestID == "" {
		return nil, apperrors.NewMalformedEventError(string(kind), "requestId")
	}
	ex, err := k.lookup(ctx, payload.RequestID)
	if err != nil {
		return nil, err
	}

	k.mu.Lock()
	peer := ex.req.PeerOf(k.deps.LocalID)
	if payload.From != "" && payload.From != peer {
		k.mu.Unlock()
		return nil, apperrors.NewValidationError("from", "sender is not a party to the request")
	}
	if kind == models.EventKeyExchangeDeclined && !ex.req.IsOutgoing(k.deps.LocalID) {
		k.mu.Unlock()
		return nil, apperrors.NewValidationError("requestId", "decline for a request we did not send")
	}
	if ex.req.Status.IsTerminal() {
		snap := ex.req.Clone()
		k.mu.Unlock()
		return snap, nil
	}
	clock.Stop(ex.poll)
	ex.poll = nil
	now := k.deps.Clock.Now().UTC()
	ex.req.Status = models.KeyExchangeDeclined
	ex.req.PreviousStatus = ""
	ex.req.RespondedAt = &now
	snap := ex.req.Clone()
	k.mu.Unlock()

	k.persistLogged(ctx, snap)
	k.transitioned(ctx, snap)
	k.deps.Notifier.Notify(ctx, title, "", map[string]string{
		"request_id": snap.ID,
		"peer_id":    peer,
	})
	return snap, nil
}

// OnUserData stores the display name a peer sent over an accepted channel
// and answers with ours if we have not sent it yet.
func (k *KeyExchange) OnUserData(ctx context.Context, payload models.UserDataPayload) (*models.Contact, error) {
	kind := string(models.EventUserDataExchanged)
	if payload.From == "" {
		return nil, apperrors.NewMalformedEventError(kind, "from")
	}
	if payload.Ciphertext == "" {
		return nil, apperrors.NewMalformedEventError(kind, "ciphertext")
	}

	k.mu.Lock()
	var channel *exchange
	for _, ex := range k.requests {
		if ex.req.Status == models.KeyExchangeAccepted && ex.req.Involves(k.deps.LocalID, payload.From) {
			channel = ex
			break
		}
	}
	k.mu.Unlock()
	if channel == nil {
		return nil, apperrors.NewStateConflictError("contact", payload.From, "unaccepted", "exchange user data")
	}

	plaintext, err := k.deps.Cipher.Decrypt(ctx, payload.Ciphertext)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeCipher, "decrypt user data")
	}
	var data models.UserData
	if err := json.Unmarshal([]byte(plaintext), &data); err != nil {
		return nil, apperrors.NewMalformedEventError(kind, "displayName")
	}

	contact := models.Contact{
		SessionID:   payload.From,
		DisplayName: data.DisplayName,
		UpdatedAt:   k.deps.Clock.Now().UTC(),
	}
	k.mu.Lock()
	k.contacts[contact.SessionID] = contact
	k.mu.Unlock()

	if err := k.persistContact(ctx, contact); err != nil {
		apperrors.Log(k.deps.Logger, err, "Failed to persist contact", logrus.Fields{
			LogFieldPeerID: payload.From,
		})
	}
	k.deps.Hub.Publish(models.Update{
		Kind:   models.UpdateContact,
		PeerID: contact.SessionID,
		Text:   contact.DisplayName,
		At:     contact.UpdatedAt,
	})

	k.sendUserData(ctx, channel)
	return &contact, nil
}

// Contact returns what a peer told us about themselves.
func (k *KeyExchange) Contact(sessionID string) (models.Contact, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	c, ok := k.contacts[sessionID]
	return c, ok
}

// OnSessionRegistered retries failed requests and unfinished user-data
// exchanges against a fresh gateway session.
func (k *KeyExchange) OnSessionRegistered(ctx context.Context) {
	k.mu.Lock()
	var retries, pending []*exchange
	for _, ex := range k.requests {
		switch {
		case ex.req.Status == models.KeyExchangeFailed && ex.req.IsOutgoing(k.deps.LocalID):
			retries = append(retries, ex)
		case ex.req.Status == models.KeyExchangeAccepted && !ex.req.UserDataSent && ex.poll == nil:
			pending = append(pending, ex)
		}
	}
	k.mu.Unlock()

	for _, ex := range retries {
		if _, err := k.RetryRequest(ctx, ex.req.ID); err != nil {
			k.deps.Logger.WithError(err).Debug("Key exchange retry failed")
		}
	}
	for _, ex := range pending {
		k.completeOrPoll(ctx, ex, ex.req.PeerPublicKey == "")
	}
}

// Restore reloads persisted requests and contacts. Records from older
// schema versions are upgraded and written back; a response that was in
// flight during the crash reverts to received.
func (k *KeyExchange) Restore(ctx context.Context) (int, error) {
	if k.deps.Store == nil {
		return 0, nil
	}
	recs, err := k.deps.Store.LoadAll(ctx, models.CollectionKeyExchange)
	if err != nil {
		return 0, apperrors.NewDatabaseError("load key exchange requests", err)
	}

	var rewrite []*models.KeyExchangeRequest
	k.mu.Lock()
	for _, stored := range recs {
		req, err := models.DecodeKeyExchangeRequest(stored)
		if err != nil {
			k.deps.Logger.WithError(err).WithField(LogFieldRequestID, stored.ID).Warn("Skipping unreadable key exchange request")
			continue
		}
		changed := stored.SchemaVersion != models.KeyExchangeSchemaVersion
		if req.Status == models.KeyExchangeProcessing {
			req.Status = models.KeyExchangeReceived
			changed = true
		}
		req.SchemaVersion = models.KeyExchangeSchemaVersion
		if _, ok := k.requests[req.ID]; !ok {
			k.requests[req.ID] = &exchange{req: req}
		}
		if changed {
			rewrite = append(rewrite, req.Clone())
		}
	}
	n := len(k.requests)
	k.mu.Unlock()

	for _, req := range rewrite {
		k.persistLogged(ctx, req)
	}

	contacts, err := k.deps.Store.LoadAll(ctx, models.CollectionContacts)
	if err != nil {
		return n, apperrors.NewDatabaseError("load contacts", err)
	}
	k.mu.Lock()
	for _, stored := range contacts {
		var c models.Contact
		if err := json.Unmarshal(stored.Body, &c); err == nil {
			k.contacts[c.SessionID] = c
		}
	}
	k.mu.Unlock()
	return n, nil
}

// Get returns a copy of the request with id requestID.
func (k *KeyExchange) Get(requestID string) (*models.KeyExchangeRequest, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	ex, ok := k.requests[requestID]
	if !ok {
		return nil, false
	}
	return ex.req.Clone(), true
}

// List returns every known request ordered by creation time.
func (k *KeyExchange) List() []*models.KeyExchangeRequest {
	k.mu.Lock()
	out := make([]*models.KeyExchangeRequest, 0, len(k.requests))
	for _, ex := range k.requests {
		out = append(out, ex.req.Clone())
	}
	k.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// TeardownPeer declines every non-terminal request with peerID and stops
// its timers. Nothing is sent to the peer.
func (k *KeyExchange) TeardownPeer(ctx context.Context, peerID string) int {
	now := k.deps.Clock.Now().UTC()
	k.mu.Lock()
	var closed []*models.KeyExchangeRequest
	for _, ex := range k.requests {
		if !ex.req.Involves(k.deps.LocalID, peerID) {
			continue
		}
		clock.Stop(ex.poll)
		ex.poll = nil
		if ex.req.Status.IsTerminal() {
			continue
		}
		ex.req.Status = models.KeyExchangeDeclined
		ex.req.RespondedAt = &now
		closed = append(closed, ex.req.Clone())
	}
	delete(k.contacts, peerID)
	k.mu.Unlock()

	for _, req := range closed {
		k.persistLogged(ctx, req)
		k.transitioned(ctx, req)
	}
	return len(closed)
}

// Close stops every poll timer.
func (k *KeyExchange) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, ex := range k.requests {
		clock.Stop(ex.poll)
		ex.poll = nil
	}
}

func (k *KeyExchange) localPublicKey() string {
	if k.deps.Cipher == nil {
		return ""
	}
	return k.deps.Cipher.LocalPublicKey()
}

func (k *KeyExchange) send(ctx context.Context, ev models.OutboundEvent) error {
	if k.deps.Gateway == nil {
		return apperrors.New(apperrors.ErrCodeTransport, "no gateway configured")
	}
	return k.deps.Gateway.Send(ctx, ev)
}

func (k *KeyExchange) transitioned(ctx context.Context, req *models.KeyExchangeRequest) {
	k.deps.Metrics.KeyExchange(string(req.Status))
	logFields(ctx, k.deps.Logger, logrus.Fields{
		LogFieldRequestID: req.ID,
		LogFieldPeerID:    req.PeerOf(k.deps.LocalID),
		LogFieldStatus:    string(req.Status),
	}).Info("Key exchange state changed")
	k.deps.Hub.Publish(models.Update{
		Kind:              models.UpdateKeyExchange,
		PeerID:            req.PeerOf(k.deps.LocalID),
		RequestID:         req.ID,
		KeyExchangeStatus: req.Status,
		Text:              req.RequestPhrase,
		At:                k.deps.Clock.Now(),
	})
}

func (k *KeyExchange) persist(ctx context.Context, req *models.KeyExchangeRequest) error {
	if k.deps.Store == nil {
		return nil
	}
	body, err := json.Marshal(req)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternalError, "encode key exchange request")
	}
	rec := models.StoredRecord{
		Collection:    models.CollectionKeyExchange,
		ID:            req.ID,
		SchemaVersion: models.KeyExchangeSchemaVersion,
		Body:          body,
		UpdatedAt:     k.deps.Clock.Now().UTC(),
	}
	if err := k.deps.Store.AppendOrUpdate(ctx, rec); err != nil {
		return apperrors.NewDatabaseError("persist key exchange request", err)
	}
	return nil
}

func (k *KeyExchange) persistLogged(ctx context.Context, req *models.KeyExchangeRequest) {
	if err := k.persist(ctx, req); err != nil {
		apperrors.Log(k.deps.Logger, err, "Failed to persist key exchange request", logrus.Fields{
			LogFieldRequestID: req.ID,
			LogFieldStatus:    string(req.Status),
		})
	}
}

func (k *KeyExchange) persistContact(ctx context.Context, c models.Contact) error {
	if k.deps.Store == nil {
		return nil
	}
	body, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return k.deps.Store.AppendOrUpdate(ctx, models.StoredRecord{
		Collection:    models.CollectionContacts,
		ID:            c.SessionID,
		SchemaVersion: models.ContactSchemaVersion,
		Body:          body,
		UpdatedAt:     c.UpdatedAt,
	})
}
