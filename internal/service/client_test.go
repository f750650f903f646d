package service

import (
	"context"
	"testing"
	"time"

	apperrors "sessionchat/internal/errors"
	"sessionchat/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_SendText(t *testing.T) {
	h := newHarness(peerID)
	c := newTestClient(t, h)
	ctx := context.Background()

	rec, err := c.SendText(ctx, peerID, "hello")
	require.NoError(t, err)

	_, err = uuid.Parse(rec.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.ConversationID(localID, peerID), rec.ConversationID)
	assert.Equal(t, models.MessageTransmitted, rec.State)

	sent := h.gateway.ofType(models.OutboundMessageSend)
	require.Len(t, sent, 1)
	assert.Equal(t, rec.ID, sent[0].String("messageId"))
}

func TestClient_SendTextEndsTyping(t *testing.T) {
	h := newHarness(peerID)
	c := newTestClient(t, h)
	ctx := context.Background()

	require.NoError(t, c.StartTyping(ctx, peerID))
	h.clock.Advance(300 * time.Millisecond)
	_, err := c.SendText(ctx, peerID, "done typing")
	require.NoError(t, err)

	assert.Equal(t, []bool{true, false}, typingSignals(h.gateway))
	assert.False(t, c.Typing.IsTyping(models.ConversationID(localID, peerID)))
}

func TestClient_Validation(t *testing.T) {
	h := newHarness(peerID)
	c := newTestClient(t, h)
	ctx := context.Background()

	_, err := c.SendText(ctx, "", "hello")
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.GetCode(err))
	_, err = c.SendText(ctx, peerID, "")
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.GetCode(err))
	err = c.StartTyping(ctx, "")
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.GetCode(err))
}

func TestClient_StopTyping(t *testing.T) {
	h := newHarness()
	c := newTestClient(t, h)
	ctx := context.Background()

	require.NoError(t, c.StartTyping(ctx, peerID))
	h.clock.Advance(time.Second)
	c.StopTyping(ctx, peerID)

	assert.Equal(t, []bool{true, false}, typingSignals(h.gateway))
}

func TestClient_RestoreAfterRestart(t *testing.T) {
	h := newHarness(peerID)
	ctx := context.Background()

	first := NewClient(&models.Config{}, h.deps)
	require.NoError(t, first.Blocklist.SetUser(ctx, otherID, true))
	rec, err := first.SendText(ctx, peerID, "survives restart")
	require.NoError(t, err)
	_, err = first.KeyExchange.SendRequest(ctx, "05"+"e0e0e0e0e0e0e0e0e0e0e0e0e0e0e0e0e0e0e0e0e0e0e0e0e0e0e0e0e0e0e0e0", "")
	require.NoError(t, err)
	first.Delivery.Close()
	first.KeyExchange.Close()

	h.gateway.reset()
	second := newTestClient(t, h)
	require.NoError(t, second.Restore(ctx))

	assert.True(t, second.Blocklist.IsUserBlocked(otherID))
	assert.Len(t, second.KeyExchange.List(), 1)
	// The ack timer died with the first process, so the message waits for
	// the next session registration.
	got, ok := second.Delivery.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, models.MessageQueued, got.State)
	assert.Empty(t, h.gateway.ofType(models.OutboundMessageSend))

	second.Delivery.FlushQueued(ctx)
	got, _ = second.Delivery.Get(rec.ID)
	assert.Equal(t, models.MessageTransmitted, got.State)
	assert.Len(t, h.gateway.ofType(models.OutboundMessageSend), 1)
}

func TestClient_RestoreSurfacesStoreErrors(t *testing.T) {
	h := newHarness()
	h.deps.Store = failingLoadStore{h.store}
	c := newTestClient(t, h)

	err := c.Restore(context.Background())
	assert.Equal(t, apperrors.ErrCodeDatabaseQuery, apperrors.GetCode(err))
}

func TestClient_CloseStopsEverything(t *testing.T) {
	h := newHarness()
	c := NewClient(&models.Config{}, h.deps)
	ctx := context.Background()
	updates, _ := c.Hub.Subscribe()

	require.NoError(t, c.Presence.ReportLocalStateChange(ctx, models.LocalForegrounded))
	require.NoError(t, c.StartTyping(ctx, peerID))
	_, _ = c.SendText(ctx, peerID, "no key yet")
	require.NotZero(t, h.clock.Pending())

	c.Close()
	assert.Equal(t, 0, h.clock.Pending())
	for range updates {
	}
}

type failingLoadStore struct {
	*memStore
}

func (failingLoadStore) LoadAll(context.Context, string) ([]models.StoredRecord, error) {
	return nil, assert.AnError
}
