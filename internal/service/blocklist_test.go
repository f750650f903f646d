package service

import (
	"context"
	"encoding/json"
	"testing"

	apperrors "sessionchat/internal/errors"
	"sessionchat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlocklist_SetAndQuery(t *testing.T) {
	h := newHarness()
	b := NewBlocklist(h.deps)
	ctx := context.Background()
	conv := models.ConversationID(localID, otherID)

	require.NoError(t, b.SetUser(ctx, peerID, true))
	require.NoError(t, b.SetConversation(ctx, conv, true))

	assert.True(t, b.IsUserBlocked(peerID))
	assert.True(t, b.IsBlocked(peerID, ""))
	assert.True(t, b.IsBlocked(otherID, conv))
	assert.False(t, b.IsBlocked(otherID, ""))
	assert.False(t, b.IsUserBlocked(otherID))

	require.NoError(t, b.SetUser(ctx, peerID, false))
	assert.False(t, b.IsUserBlocked(peerID))
}

func TestBlocklist_PersistsAndRestores(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	conv := models.ConversationID(localID, otherID)

	b := NewBlocklist(h.deps)
	require.NoError(t, b.SetUser(ctx, peerID, true))
	require.NoError(t, b.SetConversation(ctx, conv, true))
	require.NoError(t, b.SetConversation(ctx, conv, false))

	rec, err := h.store.Get(ctx, models.CollectionBlocks, "user:"+peerID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	var entry models.BlockEntry
	require.NoError(t, json.Unmarshal(rec.Body, &entry))
	assert.True(t, entry.Blocked)
	assert.Equal(t, testStart, entry.UpdatedAt)

	require.NoError(t, h.store.AppendOrUpdate(ctx, models.StoredRecord{
		Collection: models.CollectionBlocks,
		ID:         "user:broken",
		Body:       []byte("{not json"),
	}))

	restored := NewBlocklist(h.deps)
	require.NoError(t, restored.Restore(ctx))
	assert.True(t, restored.IsUserBlocked(peerID))
	assert.False(t, restored.IsBlocked("", conv))
}

func TestBlocklist_PublishesOnlyChanges(t *testing.T) {
	h := newHarness()
	b := NewBlocklist(h.deps)
	ctx := context.Background()
	updates, cancel := h.hub.Subscribe()
	defer cancel()

	require.NoError(t, b.SetUser(ctx, peerID, true))
	require.NoError(t, b.SetUser(ctx, peerID, true))
	require.NoError(t, b.SetUser(ctx, otherID, false))

	u := <-updates
	assert.Equal(t, models.UpdateBlock, u.Kind)
	assert.Equal(t, peerID, u.PeerID)
	assert.True(t, u.Blocked)
	assert.Len(t, updates, 0)
}

func TestBlocklist_Validation(t *testing.T) {
	h := newHarness()
	b := NewBlocklist(h.deps)

	err := b.SetUser(context.Background(), "", true)
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.GetCode(err))
	err = b.SetConversation(context.Background(), "", true)
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.GetCode(err))
}

func TestBlocklist_PersistFailure(t *testing.T) {
	h := newHarness()
	h.store.failPut = assert.AnError
	b := NewBlocklist(h.deps)

	err := b.SetUser(context.Background(), peerID, true)
	assert.Equal(t, apperrors.ErrCodeDatabaseQuery, apperrors.GetCode(err))
}

func TestBlocklist_NilIsNeverBlocked(t *testing.T) {
	var b *Blocklist
	assert.False(t, b.IsUserBlocked(peerID))
	assert.False(t, b.IsBlocked(peerID, "dm_x"))
}
