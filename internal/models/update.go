package models

import "time"

type UpdateKind string

const (
	UpdateMessageState   UpdateKind = "message.state"
	UpdateMessageInbound UpdateKind = "message.inbound"
	UpdatePresence       UpdateKind = "presence"
	UpdateTyping         UpdateKind = "typing"
	UpdateKeyExchange    UpdateKind = "key_exchange"
	UpdateContact        UpdateKind = "contact"
	UpdateConversation   UpdateKind = "conversation"
	UpdateBlock          UpdateKind = "block"
	UpdateSession        UpdateKind = "session"
)

// Update is a state transition surfaced to UI collaborators.
type Update struct {
	Kind              UpdateKind        `json:"kind"`
	PeerID            string            `json:"peerId,omitempty"`
	ConversationID    string            `json:"conversationId,omitempty"`
	MessageID         string            `json:"messageId,omitempty"`
	MessageState      MessageState      `json:"messageState,omitempty"`
	RequestID         string            `json:"requestId,omitempty"`
	KeyExchangeStatus KeyExchangeStatus `json:"keyExchangeStatus,omitempty"`
	Online            bool              `json:"online,omitempty"`
	Typing            bool              `json:"typing,omitempty"`
	Blocked           bool              `json:"blocked,omitempty"`
	Text              string            `json:"text,omitempty"`
	Reason            string            `json:"reason,omitempty"`
	At                time.Time         `json:"at"`
}
