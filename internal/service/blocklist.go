package service

import (
	"context"
	"encoding/json"
	"sync"

	apperrors "sessionchat/internal/errors"
	"sessionchat/internal/models"

	"github.com/sirupsen/logrus"
)

// Blocklist tracks blocked users and conversations and persists every
// change so the list survives restarts.
type Blocklist struct {
	mu    sync.RWMutex
	users map[string]bool
	convs map[string]bool
	deps  Deps
}

func NewBlocklist(deps Deps) *Blocklist {
	return &Blocklist{
		users: make(map[string]bool),
		convs: make(map[string]bool),
		deps:  deps.withDefaults(),
	}
}

// Restore loads the persisted block list.
func (b *Blocklist) Restore(ctx context.Context) error {
	if b.deps.Store == nil {
		return nil
	}
	recs, err := b.deps.Store.LoadAll(ctx, models.CollectionBlocks)
	if err != nil {
		return apperrors.NewDatabaseError("load blocks", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, rec := range recs {
		var entry models.BlockEntry
		if err := json.Unmarshal(rec.Body, &entry); err != nil {
			b.deps.Logger.WithError(err).WithField("id", rec.ID).Warn("Skipping unreadable block entry")
			continue
		}
		b.setLocked(entry.Target, entry.Subject, entry.Blocked)
	}
	return nil
}

// SetUser blocks or unblocks a peer.
func (b *Blocklist) SetUser(ctx context.Context, sessionID string, blocked bool) error {
	return b.set(ctx, models.BlockTargetUser, sessionID, blocked)
}

// SetConversation blocks or unblocks a conversation.
func (b *Blocklist) SetConversation(ctx context.Context, conversationID string, blocked bool) error {
	return b.set(ctx, models.BlockTargetConversation, conversationID, blocked)
}

func (b *Blocklist) set(ctx context.Context, target models.BlockTarget, subject string, blocked bool) error {
	if subject == "" {
		return apperrors.NewValidationError(string(target), "must not be empty")
	}

	b.mu.Lock()
	changed := b.isSetLocked(target, subject) != blocked
	b.setLocked(target, subject, blocked)
	b.mu.Unlock()

	if !changed {
		return nil
	}

	entry := models.BlockEntry{
		Target:    target,
		Subject:   subject,
		Blocked:   blocked,
		UpdatedAt: b.deps.Clock.Now().UTC(),
	}
	if err := b.persist(ctx, entry); err != nil {
		return err
	}

	u := models.Update{Kind: models.UpdateBlock, Blocked: blocked, At: entry.UpdatedAt}
	if target == models.BlockTargetUser {
		u.PeerID = subject
	} else {
		u.ConversationID = subject
	}
	b.deps.Hub.Publish(u)

	logFields(ctx, b.deps.Logger, logrus.Fields{
		"target":  string(target),
		"subject": subject,
		"blocked": blocked,
	}).Info("Block list updated")
	return nil
}

func (b *Blocklist) persist(ctx context.Context, entry models.BlockEntry) error {
	if b.deps.Store == nil {
		return nil
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternalError, "encode block entry")
	}
	rec := models.StoredRecord{
		Collection:    models.CollectionBlocks,
		ID:            entry.Key(),
		SchemaVersion: models.BlockSchemaVersion,
		Body:          body,
		UpdatedAt:     entry.UpdatedAt,
	}
	if err := b.deps.Store.AppendOrUpdate(ctx, rec); err != nil {
		return apperrors.NewDatabaseError("persist block entry", err)
	}
	return nil
}

func (b *Blocklist) setLocked(target models.BlockTarget, subject string, blocked bool) {
	m := b.users
	if target == models.BlockTargetConversation {
		m = b.convs
	}
	if blocked {
		m[subject] = true
	} else {
		delete(m, subject)
	}
}

func (b *Blocklist) isSetLocked(target models.BlockTarget, subject string) bool {
	if target == models.BlockTargetConversation {
		return b.convs[subject]
	}
	return b.users[subject]
}

// IsUserBlocked reports whether the peer is blocked.
func (b *Blocklist) IsUserBlocked(sessionID string) bool {
	if b == nil {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.users[sessionID]
}

// IsBlocked reports whether traffic with the peer, or in the conversation,
// is blocked. Either argument may be empty.
func (b *Blocklist) IsBlocked(peerID, conversationID string) bool {
	if b == nil {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return (peerID != "" && b.users[peerID]) || (conversationID != "" && b.convs[conversationID])
}
