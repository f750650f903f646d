package models

import "time"

// LocalState is the application lifecycle state reported by the UI.
type LocalState string

const (
	LocalForegrounded LocalState = "foregrounded"
	LocalBackgrounded LocalState = "backgrounded"
	LocalTerminated   LocalState = "terminated"
)

// Valid reports whether s is a known lifecycle state.
func (s LocalState) Valid() bool {
	switch s {
	case LocalForegrounded, LocalBackgrounded, LocalTerminated:
		return true
	}
	return false
}

// PresenceRecord is the liveness view of one peer.
type PresenceRecord struct {
	SessionID               string    `json:"sessionId"`
	IsOnline                bool      `json:"isOnline"`
	LastSeenAt              time.Time `json:"lastSeenAt"`
	LastKeepaliveReceivedAt time.Time `json:"lastKeepaliveReceivedAt"`
}

// TypingRecord is the ephemeral typing view of one conversation.
type TypingRecord struct {
	ConversationID string    `json:"conversationId"`
	PeerID         string    `json:"peerId"`
	PeerIsTyping   bool      `json:"peerIsTyping"`
	LastSignalAt   time.Time `json:"lastSignalAt"`
}
