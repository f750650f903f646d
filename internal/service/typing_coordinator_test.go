package service

import (
	"context"
	"testing"
	"time"

	apperrors "sessionchat/internal/errors"
	"sessionchat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func typingSignals(g *fakeGateway) []bool {
	var out []bool
	for _, ev := range g.ofType(models.OutboundTyping) {
		out = append(out, ev.Fields["isTyping"].(bool))
	}
	return out
}

func TestTyping_DebounceSendsSingleSignal(t *testing.T) {
	h := newHarness()
	tc := NewTypingCoordinator(models.TypingConfig{}, h.deps)
	ctx := context.Background()
	conv := models.ConversationID(localID, peerID)

	for i := 0; i < 5; i++ {
		require.NoError(t, tc.OnTextInput(ctx, conv, []string{peerID}))
		h.clock.Advance(40 * time.Millisecond)
	}
	assert.Empty(t, typingSignals(h.gateway))

	h.clock.Advance(100 * time.Millisecond)
	assert.Equal(t, []bool{true}, typingSignals(h.gateway))
	assert.True(t, tc.IsTyping(conv))

	ev := h.gateway.ofType(models.OutboundTyping)[0]
	assert.Equal(t, peerID, ev.String("to"))
	assert.Equal(t, conv, ev.String("conversationId"))
}

func TestTyping_HeartbeatWhileInputContinues(t *testing.T) {
	h := newHarness()
	tc := NewTypingCoordinator(models.TypingConfig{}, h.deps)
	ctx := context.Background()
	conv := models.ConversationID(localID, peerID)

	require.NoError(t, tc.OnTextInput(ctx, conv, []string{peerID}))
	h.clock.Advance(time.Second)
	require.NoError(t, tc.OnTextInput(ctx, conv, []string{peerID}))
	h.clock.Advance(time.Second)
	require.NoError(t, tc.OnTextInput(ctx, conv, []string{peerID}))
	h.clock.Advance(1500 * time.Millisecond)

	assert.Equal(t, []bool{true, true}, typingSignals(h.gateway))
}

func TestTyping_AutoStopAfterInactivity(t *testing.T) {
	h := newHarness()
	tc := NewTypingCoordinator(models.TypingConfig{}, h.deps)
	ctx := context.Background()
	conv := models.ConversationID(localID, peerID)

	require.NoError(t, tc.OnTextInput(ctx, conv, []string{peerID}))
	h.clock.Advance(2900 * time.Millisecond)
	assert.Equal(t, []bool{true}, typingSignals(h.gateway))

	h.clock.Advance(100 * time.Millisecond)
	assert.Equal(t, []bool{true, false}, typingSignals(h.gateway))
	assert.False(t, tc.IsTyping(conv))
	assert.Equal(t, 0, h.clock.Pending())
}

func TestTyping_InputResetsAutoStop(t *testing.T) {
	h := newHarness()
	tc := NewTypingCoordinator(models.TypingConfig{}, h.deps)
	ctx := context.Background()
	conv := models.ConversationID(localID, peerID)

	require.NoError(t, tc.OnTextInput(ctx, conv, []string{peerID}))
	h.clock.Advance(2 * time.Second)
	require.NoError(t, tc.OnTextInput(ctx, conv, []string{peerID}))
	h.clock.Advance(2 * time.Second)
	assert.NotContains(t, typingSignals(h.gateway), false)

	h.clock.Advance(time.Second)
	signals := typingSignals(h.gateway)
	require.NotEmpty(t, signals)
	assert.False(t, signals[len(signals)-1])
}

func TestTyping_StopTypingCancelsTimers(t *testing.T) {
	h := newHarness()
	tc := NewTypingCoordinator(models.TypingConfig{}, h.deps)
	ctx := context.Background()
	conv := models.ConversationID(localID, peerID)

	require.NoError(t, tc.OnTextInput(ctx, conv, []string{peerID}))
	h.clock.Advance(500 * time.Millisecond)
	tc.StopTyping(ctx, conv)

	assert.Equal(t, []bool{true, false}, typingSignals(h.gateway))
	assert.Equal(t, 0, h.clock.Pending())

	h.clock.Advance(10 * time.Second)
	assert.Equal(t, []bool{true, false}, typingSignals(h.gateway))

	// No state, nothing to stop.
	tc.StopTyping(ctx, conv)
	assert.Len(t, typingSignals(h.gateway), 2)
}

func TestTyping_FansOutToEveryPeer(t *testing.T) {
	h := newHarness()
	tc := NewTypingCoordinator(models.TypingConfig{}, h.deps)
	ctx := context.Background()

	require.NoError(t, tc.OnTextInput(ctx, "group_1", []string{peerID, otherID}))
	h.clock.Advance(time.Second)

	sent := h.gateway.ofType(models.OutboundTyping)
	require.Len(t, sent, 2)
	assert.Equal(t, peerID, sent[0].String("to"))
	assert.Equal(t, otherID, sent[1].String("to"))
}

func TestTyping_InputValidation(t *testing.T) {
	h := newHarness()
	tc := NewTypingCoordinator(models.TypingConfig{}, h.deps)
	ctx := context.Background()

	err := tc.OnTextInput(ctx, "", []string{peerID})
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.GetCode(err))

	err = tc.OnTextInput(ctx, "dm_x", nil)
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.GetCode(err))
	assert.Equal(t, 0, h.clock.Pending())
}

func TestTyping_PeerSignalTimesOut(t *testing.T) {
	h := newHarness()
	tc := NewTypingCoordinator(models.TypingConfig{}, h.deps)
	ctx := context.Background()
	conv := models.ConversationID(localID, peerID)
	updates, cancel := h.hub.Subscribe()
	defer cancel()

	tc.OnPeerTypingEvent(ctx, conv, peerID, true)
	assert.True(t, tc.PeerIsTyping(conv))
	assert.True(t, (<-updates).Typing)

	h.clock.Advance(4 * time.Second)
	tc.OnPeerTypingEvent(ctx, conv, peerID, true)
	h.clock.Advance(4 * time.Second)
	assert.True(t, tc.PeerIsTyping(conv))

	h.clock.Advance(time.Second)
	assert.False(t, tc.PeerIsTyping(conv))
	cleared := <-updates
	assert.Equal(t, models.UpdateTyping, cleared.Kind)
	assert.False(t, cleared.Typing)

	rec, ok := tc.Record(conv)
	require.True(t, ok)
	assert.Equal(t, peerID, rec.PeerID)
	assert.Equal(t, testStart.Add(4*time.Second), rec.LastSignalAt)
}

func TestTyping_PeerExplicitStop(t *testing.T) {
	h := newHarness()
	tc := NewTypingCoordinator(models.TypingConfig{}, h.deps)
	ctx := context.Background()
	conv := models.ConversationID(localID, peerID)

	tc.OnPeerTypingEvent(ctx, conv, peerID, true)
	tc.OnPeerTypingEvent(ctx, conv, peerID, false)

	assert.False(t, tc.PeerIsTyping(conv))
	assert.Equal(t, 0, h.clock.Pending())
}

func TestTyping_TeardownPeerIsSilent(t *testing.T) {
	h := newHarness()
	tc := NewTypingCoordinator(models.TypingConfig{}, h.deps)
	ctx := context.Background()
	conv := models.ConversationID(localID, peerID)

	require.NoError(t, tc.OnTextInput(ctx, conv, []string{peerID}))
	tc.OnPeerTypingEvent(ctx, conv, peerID, true)
	tc.TeardownPeer(peerID)

	assert.False(t, tc.PeerIsTyping(conv))
	assert.False(t, tc.IsTyping(conv))
	assert.Equal(t, 0, h.clock.Pending())
	assert.Empty(t, typingSignals(h.gateway))
}

func TestTyping_CloseStopsTimers(t *testing.T) {
	h := newHarness()
	tc := NewTypingCoordinator(models.TypingConfig{}, h.deps)
	ctx := context.Background()

	require.NoError(t, tc.OnTextInput(ctx, "dm_a", []string{peerID}))
	tc.OnPeerTypingEvent(ctx, "dm_b", otherID, true)
	tc.Close()

	assert.Equal(t, 0, h.clock.Pending())
}
