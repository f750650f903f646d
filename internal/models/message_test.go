package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessageState_Advances(t *testing.T) {
	tests := []struct {
		from, to MessageState
		want     bool
	}{
		{MessageQueued, MessageTransmitted, true},
		{MessageTransmitted, MessageDelivered, true},
		{MessageAcknowledged, MessageRead, true},
		{MessageDelivered, MessageAcknowledged, false},
		{MessageRead, MessageDelivered, false},
		{MessageDelivered, MessageDelivered, false},
		{MessageFailed, MessageDelivered, false},
		{MessageQueued, MessageFailed, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.Advances(tt.to))
		})
	}
}

func TestMessageState_IsTerminal(t *testing.T) {
	assert.True(t, MessageRead.IsTerminal())
	assert.True(t, MessageFailed.IsTerminal())
	assert.False(t, MessageDelivered.IsTerminal())
	assert.False(t, MessageQueued.IsTerminal())
}

func TestConversationID_IsSymmetric(t *testing.T) {
	a := ConversationID("05aaa", "05bbb")
	b := ConversationID("05bbb", "05aaa")
	assert.Equal(t, a, b)
	assert.Equal(t, "dm_05aaa_05bbb", a)
}

func TestMessageRecord_PeerIDAndClone(t *testing.T) {
	out := &MessageRecord{SenderID: "me", RecipientID: "peer", Direction: DirectionOutgoing}
	in := &MessageRecord{SenderID: "peer", RecipientID: "me", Direction: DirectionIncoming}
	assert.Equal(t, "peer", out.PeerID())
	assert.Equal(t, "peer", in.PeerID())

	c := out.Clone()
	c.State = MessageRead
	assert.Empty(t, out.State)

	var nilRec *MessageRecord
	assert.Nil(t, nilRec.Clone())
}
