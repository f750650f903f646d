package service

import (
	"context"
	"sync"

	"sessionchat/internal/clock"
	apperrors "sessionchat/internal/errors"
	"sessionchat/internal/models"

	"github.com/sirupsen/logrus"
)

// localTyping is the outgoing typing state of one conversation. All three
// timers belong to the record and die with it.
type localTyping struct {
	peers     []string
	announced bool
	debounce  clock.Timer
	heartbeat clock.Timer
	autoStop  clock.Timer
}

func (lt *localTyping) stopTimers() {
	clock.Stop(lt.debounce)
	clock.Stop(lt.heartbeat)
	clock.Stop(lt.autoStop)
	lt.debounce, lt.heartbeat, lt.autoStop = nil, nil, nil
}

type remoteTyping struct {
	rec   models.TypingRecord
	clear clock.Timer
}

// TypingCoordinator debounces local keystrokes into typing signals and
// mirrors peer typing state with a timeout.
type TypingCoordinator struct {
	cfg  models.TypingConfig
	deps Deps

	mu     sync.Mutex
	local  map[string]*localTyping
	remote map[string]*remoteTyping
}

func NewTypingCoordinator(cfg models.TypingConfig, deps Deps) *TypingCoordinator {
	return &TypingCoordinator{
		cfg:    cfg,
		deps:   deps.withDefaults(),
		local:  make(map[string]*localTyping),
		remote: make(map[string]*remoteTyping),
	}
}

// OnTextInput records a keystroke burst in conversationID. The first
// typing=true goes out after the debounce delay; a heartbeat renews it
// while input continues and the auto-stop timer ends it after inactivity.
func (t *TypingCoordinator) OnTextInput(ctx context.Context, conversationID string, peerIDs []string) error {
	if conversationID == "" {
		return apperrors.NewValidationError("conversation_id", "must not be empty")
	}
	if len(peerIDs) == 0 {
		return apperrors.NewValidationError("peer_ids", "at least one peer is required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	lt, ok := t.local[conversationID]
	if !ok {
		lt = &localTyping{}
		t.local[conversationID] = lt
	}
	lt.peers = append([]string(nil), peerIDs...)

	clock.Stop(lt.autoStop)
	lt.autoStop = t.deps.Clock.AfterFunc(t.cfg.AutoStop(), func() { t.autoStopFired(conversationID, lt) })

	if !lt.announced && lt.debounce == nil {
		lt.debounce = t.deps.Clock.AfterFunc(t.cfg.Debounce(), func() { t.debounceFired(conversationID, lt) })
	}
	return nil
}

func (t *TypingCoordinator) debounceFired(conversationID string, lt *localTyping) {
	t.mu.Lock()
	if t.local[conversationID] != lt || lt.announced {
		t.mu.Unlock()
		return
	}
	lt.debounce = nil
	lt.announced = true
	lt.heartbeat = t.deps.Clock.AfterFunc(t.cfg.Heartbeat(), func() { t.heartbeatFired(conversationID, lt) })
	peers := lt.peers
	t.mu.Unlock()

	t.emit(context.Background(), conversationID, peers, true)
}

func (t *TypingCoordinator) heartbeatFired(conversationID string, lt *localTyping) {
	t.mu.Lock()
	if t.local[conversationID] != lt || !lt.announced {
		t.mu.Unlock()
		return
	}
	lt.heartbeat = t.deps.Clock.AfterFunc(t.cfg.Heartbeat(), func() { t.heartbeatFired(conversationID, lt) })
	peers := lt.peers
	t.mu.Unlock()

	t.emit(context.Background(), conversationID, peers, true)
}

func (t *TypingCoordinator) autoStopFired(conversationID string, lt *localTyping) {
	t.mu.Lock()
	if t.local[conversationID] != lt {
		t.mu.Unlock()
		return
	}
	lt.autoStop = nil
	t.mu.Unlock()

	t.deps.Logger.WithField(LogFieldConversationID, conversationID).Debug("Typing auto-stopped after inactivity")
	t.StopTyping(context.Background(), conversationID)
}

// StopTyping cancels pending typing timers for conversationID and emits
// typing=false when any typing state was active.
func (t *TypingCoordinator) StopTyping(ctx context.Context, conversationID string) {
	t.mu.Lock()
	lt, ok := t.local[conversationID]
	if !ok {
		t.mu.Unlock()
		return
	}
	lt.stopTimers()
	delete(t.local, conversationID)
	peers := lt.peers
	t.mu.Unlock()

	t.emit(ctx, conversationID, peers, false)
}

// IsTyping reports whether local typing state is active for conversationID.
func (t *TypingCoordinator) IsTyping(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	lt, ok := t.local[conversationID]
	return ok && lt.announced
}

func (t *TypingCoordinator) emit(ctx context.Context, conversationID string, peers []string, typing bool) {
	if t.deps.Gateway == nil {
		return
	}
	for _, peer := range peers {
		ev := models.NewOutbound(models.OutboundTyping, t.deps.Clock.Now(), map[string]interface{}{
			"to":             peer,
			"conversationId": conversationID,
			"isTyping":       typing,
		})
		if err := t.deps.Gateway.Send(ctx, ev); err != nil {
			logFields(ctx, t.deps.Logger, logrus.Fields{
				LogFieldPeerID: peer,
				"typing":       typing,
			}).WithError(err).Debug("Typing signal not sent")
		}
	}
}

// OnPeerTypingEvent mirrors a peer's typing state. A typing=true signal
// clears itself unless renewed within the peer timeout.
func (t *TypingCoordinator) OnPeerTypingEvent(ctx context.Context, conversationID, peerID string, isTyping bool) {
	if conversationID == "" || peerID == "" {
		return
	}
	now := t.deps.Clock.Now()

	t.mu.Lock()
	rt, ok := t.remote[conversationID]
	if !ok {
		rt = &remoteTyping{rec: models.TypingRecord{ConversationID: conversationID}}
		t.remote[conversationID] = rt
	}
	was := rt.rec.PeerIsTyping
	clock.Stop(rt.clear)
	rt.clear = nil
	rt.rec.PeerID = peerID
	rt.rec.PeerIsTyping = isTyping
	rt.rec.LastSignalAt = now
	if isTyping {
		rt.clear = t.deps.Clock.AfterFunc(t.cfg.PeerTimeout(), func() { t.peerTimedOut(conversationID, rt) })
	}
	typing := t.typingCountLocked()
	t.mu.Unlock()

	t.deps.Metrics.SetPeersTyping(typing)
	if was != isTyping {
		t.publish(conversationID, peerID, isTyping)
	}
}

func (t *TypingCoordinator) peerTimedOut(conversationID string, rt *remoteTyping) {
	t.mu.Lock()
	if t.remote[conversationID] != rt || !rt.rec.PeerIsTyping {
		t.mu.Unlock()
		return
	}
	rt.rec.PeerIsTyping = false
	rt.clear = nil
	peerID := rt.rec.PeerID
	typing := t.typingCountLocked()
	t.mu.Unlock()

	t.deps.Metrics.SetPeersTyping(typing)
	t.publish(conversationID, peerID, false)
}

func (t *TypingCoordinator) publish(conversationID, peerID string, typing bool) {
	t.deps.Hub.Publish(models.Update{
		Kind:           models.UpdateTyping,
		ConversationID: conversationID,
		PeerID:         peerID,
		Typing:         typing,
		At:             t.deps.Clock.Now(),
	})
}

func (t *TypingCoordinator) typingCountLocked() int {
	n := 0
	for _, rt := range t.remote {
		if rt.rec.PeerIsTyping {
			n++
		}
	}
	return n
}

// PeerIsTyping reports whether the peer in conversationID is typing.
func (t *TypingCoordinator) PeerIsTyping(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rt, ok := t.remote[conversationID]
	return ok && rt.rec.PeerIsTyping
}

// Record returns a copy of the peer typing record for conversationID.
func (t *TypingCoordinator) Record(conversationID string) (models.TypingRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rt, ok := t.remote[conversationID]
	if !ok {
		return models.TypingRecord{}, false
	}
	return rt.rec, true
}

// TeardownPeer drops all typing state shared with peerID without
// signalling the peer.
func (t *TypingCoordinator) TeardownPeer(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, lt := range t.local {
		for _, p := range lt.peers {
			if p == peerID {
				lt.stopTimers()
				delete(t.local, id)
				break
			}
		}
	}
	for id, rt := range t.remote {
		if rt.rec.PeerID == peerID {
			clock.Stop(rt.clear)
			delete(t.remote, id)
		}
	}
}

// Close cancels every timer.
func (t *TypingCoordinator) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, lt := range t.local {
		lt.stopTimers()
		delete(t.local, id)
	}
	for id, rt := range t.remote {
		clock.Stop(rt.clear)
		delete(t.remote, id)
	}
}
