package service

import (
	"container/list"
	"context"
	"sync"
	"time"

	"sessionchat/internal/clock"
	apperrors "sessionchat/internal/errors"
	"sessionchat/internal/models"

	"github.com/sirupsen/logrus"
)

type peerPresence struct {
	rec    models.PresenceRecord
	expiry clock.Timer
	elem   *list.Element
}

// PresenceCoordinator announces local liveness and infers peer liveness
// from keepalives against a TTL.
type PresenceCoordinator struct {
	cfg  models.PresenceConfig
	deps Deps

	mu        sync.Mutex
	local     models.LocalState
	announced bool
	keepalive clock.Timer
	grace     clock.Timer
	// gen invalidates local timers that fire after a later state change.
	gen uint64

	peers map[string]*peerPresence
	// lru orders peers by last update, least recent at the front.
	lru *list.List
}

func NewPresenceCoordinator(cfg models.PresenceConfig, deps Deps) *PresenceCoordinator {
	return &PresenceCoordinator{
		cfg:   cfg,
		deps:  deps.withDefaults(),
		local: models.LocalTerminated,
		peers: make(map[string]*peerPresence),
		lru:   list.New(),
	}
}

// ReportLocalStateChange applies an application lifecycle transition.
func (p *PresenceCoordinator) ReportLocalStateChange(ctx context.Context, state models.LocalState) error {
	if !state.Valid() {
		return apperrors.NewValidationError("state", "unknown lifecycle state "+string(state))
	}

	p.mu.Lock()
	prev := p.local
	p.local = state
	p.gen++
	gen := p.gen

	var sendOnline, sendOffline bool
	switch state {
	case models.LocalForegrounded:
		clock.Stop(p.grace)
		p.grace = nil
		if !p.announced {
			p.announced = true
			sendOnline = true
		}
		clock.Stop(p.keepalive)
		p.armKeepaliveLocked(gen)
	case models.LocalBackgrounded:
		clock.Stop(p.keepalive)
		p.keepalive = nil
		clock.Stop(p.grace)
		p.grace = nil
		if p.announced {
			p.grace = p.deps.Clock.AfterFunc(p.cfg.OfflineGrace(), func() { p.graceExpired(gen) })
		}
	case models.LocalTerminated:
		clock.Stop(p.keepalive)
		clock.Stop(p.grace)
		p.keepalive, p.grace = nil, nil
		if p.announced {
			p.announced = false
			sendOffline = true
		}
	}
	p.mu.Unlock()

	if prev != state {
		p.deps.Logger.WithFields(logrus.Fields{
			"from": string(prev),
			"to":   string(state),
		}).Info("Local lifecycle state changed")
		p.deps.Hub.Publish(models.Update{
			Kind:   models.UpdateSession,
			PeerID: p.deps.LocalID,
			Online: state == models.LocalForegrounded,
			Reason: string(state),
			At:     p.deps.Clock.Now(),
		})
	}

	switch {
	case sendOnline:
		p.announce(ctx, true)
	case sendOffline:
		p.announce(ctx, false)
	}
	return nil
}

func (p *PresenceCoordinator) armKeepaliveLocked(gen uint64) {
	p.keepalive = p.deps.Clock.AfterFunc(p.cfg.KeepaliveInterval(), func() { p.keepaliveTick(gen) })
}

func (p *PresenceCoordinator) keepaliveTick(gen uint64) {
	p.mu.Lock()
	if gen != p.gen || p.local != models.LocalForegrounded {
		p.mu.Unlock()
		return
	}
	p.armKeepaliveLocked(gen)
	p.mu.Unlock()

	ev := models.NewOutbound(models.OutboundPresencePing, p.deps.Clock.Now(), nil)
	if err := p.send(context.Background(), ev); err != nil {
		p.deps.Logger.WithError(err).Debug("Keepalive not sent")
	}
}

func (p *PresenceCoordinator) graceExpired(gen uint64) {
	p.mu.Lock()
	if gen != p.gen || p.local != models.LocalBackgrounded || !p.announced {
		p.mu.Unlock()
		return
	}
	p.grace = nil
	p.announced = false
	p.mu.Unlock()

	p.announce(context.Background(), false)
}

func (p *PresenceCoordinator) announce(ctx context.Context, online bool) {
	ev := models.NewOutbound(models.OutboundPresenceUpdate, p.deps.Clock.Now(), map[string]interface{}{
		"isOnline": online,
	})
	if err := p.send(ctx, ev); err != nil {
		p.deps.Logger.WithError(err).WithField("online", online).Warn("Presence announcement not sent")
	}
}

func (p *PresenceCoordinator) send(ctx context.Context, ev models.OutboundEvent) error {
	if p.deps.Gateway == nil {
		return nil
	}
	return p.deps.Gateway.Send(ctx, ev)
}

// OnSessionRegistered re-announces the local state to a fresh gateway session.
func (p *PresenceCoordinator) OnSessionRegistered(ctx context.Context) {
	p.mu.Lock()
	foreground := p.local == models.LocalForegrounded
	if foreground {
		p.announced = true
	}
	p.mu.Unlock()

	if foreground {
		p.announce(ctx, true)
	}
}

// LocalState returns the last reported lifecycle state.
func (p *PresenceCoordinator) LocalState() models.LocalState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

// OnPeerPresenceEvent applies a peer keepalive or explicit presence change.
func (p *PresenceCoordinator) OnPeerPresenceEvent(ctx context.Context, sessionID string, isOnline bool, at time.Time) {
	if sessionID == "" || sessionID == p.deps.LocalID {
		return
	}
	now := p.deps.Clock.Now()
	if at.IsZero() {
		at = now
	}

	p.mu.Lock()
	pp := p.touchLocked(sessionID)
	wasOnline := pp.rec.IsOnline
	clock.Stop(pp.expiry)
	pp.expiry = nil

	if isOnline {
		pp.rec.IsOnline = true
		pp.rec.LastKeepaliveReceivedAt = now
		pp.rec.LastSeenAt = at
		pp.expiry = p.deps.Clock.AfterFunc(p.cfg.TTL(), func() { p.expire(sessionID) })
	} else {
		pp.rec.IsOnline = false
		pp.rec.LastSeenAt = at
	}
	online := p.onlineCountLocked()
	p.mu.Unlock()

	p.deps.Metrics.SetPeersOnline(online)
	if wasOnline != isOnline {
		logFields(ctx, p.deps.Logger, logrus.Fields{
			LogFieldPeerID: sessionID,
			"online":       isOnline,
		}).Debug("Peer presence changed")
		p.publish(sessionID, isOnline, now)
	}
}

// Track creates an offline record for a peer if none exists.
func (p *PresenceCoordinator) Track(sessionID string) {
	if sessionID == "" || sessionID == p.deps.LocalID {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.touchLocked(sessionID)
}

func (p *PresenceCoordinator) expire(sessionID string) {
	now := p.deps.Clock.Now()

	p.mu.Lock()
	pp, ok := p.peers[sessionID]
	if !ok || !pp.rec.IsOnline || now.Sub(pp.rec.LastKeepaliveReceivedAt) < p.cfg.TTL() {
		p.mu.Unlock()
		return
	}
	pp.rec.IsOnline = false
	pp.expiry = nil
	online := p.onlineCountLocked()
	p.mu.Unlock()

	p.deps.Metrics.SetPeersOnline(online)
	p.deps.Logger.WithField(LogFieldPeerID, sessionID).Debug("Peer keepalive expired")
	p.publish(sessionID, false, now)
}

// touchLocked returns the record for sessionID, creating it and evicting
// the least recently updated peer when at capacity.
func (p *PresenceCoordinator) touchLocked(sessionID string) *peerPresence {
	if pp, ok := p.peers[sessionID]; ok {
		p.lru.MoveToBack(pp.elem)
		return pp
	}

	for len(p.peers) >= p.cfg.Capacity() {
		front := p.lru.Front()
		if front == nil {
			break
		}
		p.removeLocked(front.Value.(string))
	}

	pp := &peerPresence{rec: models.PresenceRecord{SessionID: sessionID}}
	pp.elem = p.lru.PushBack(sessionID)
	p.peers[sessionID] = pp
	return pp
}

func (p *PresenceCoordinator) removeLocked(sessionID string) {
	pp, ok := p.peers[sessionID]
	if !ok {
		return
	}
	clock.Stop(pp.expiry)
	p.lru.Remove(pp.elem)
	delete(p.peers, sessionID)
}

func (p *PresenceCoordinator) onlineCountLocked() int {
	n := 0
	for _, pp := range p.peers {
		if pp.rec.IsOnline {
			n++
		}
	}
	return n
}

func (p *PresenceCoordinator) publish(sessionID string, online bool, at time.Time) {
	p.deps.Hub.Publish(models.Update{
		Kind:   models.UpdatePresence,
		PeerID: sessionID,
		Online: online,
		At:     at,
	})
}

// IsPeerOnline reports liveness from the last keepalive, independent of
// whether the expiry timer has fired yet.
func (p *PresenceCoordinator) IsPeerOnline(sessionID string) bool {
	now := p.deps.Clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	pp, ok := p.peers[sessionID]
	if !ok || !pp.rec.IsOnline {
		return false
	}
	return now.Sub(pp.rec.LastKeepaliveReceivedAt) < p.cfg.TTL()
}

// Peer returns a copy of the presence record for sessionID.
func (p *PresenceCoordinator) Peer(sessionID string) (models.PresenceRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pp, ok := p.peers[sessionID]
	if !ok {
		return models.PresenceRecord{}, false
	}
	rec := pp.rec
	if rec.IsOnline && p.deps.Clock.Now().Sub(rec.LastKeepaliveReceivedAt) >= p.cfg.TTL() {
		rec.IsOnline = false
	}
	return rec, true
}

// Len returns the number of tracked peers.
func (p *PresenceCoordinator) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.peers)
}

// Forget drops all presence state for a peer.
func (p *PresenceCoordinator) Forget(sessionID string) {
	p.mu.Lock()
	p.removeLocked(sessionID)
	online := p.onlineCountLocked()
	p.mu.Unlock()
	p.deps.Metrics.SetPeersOnline(online)
}

// Close cancels every timer.
func (p *PresenceCoordinator) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	clock.Stop(p.keepalive)
	clock.Stop(p.grace)
	p.keepalive, p.grace = nil, nil
	for _, pp := range p.peers {
		clock.Stop(pp.expiry)
		pp.expiry = nil
	}
}
