package models

import (
	"encoding/json"
	"time"
)

// EventKind names an inbound gateway event.
type EventKind string

const (
	EventSessionRegistered     EventKind = "session.registered"
	EventMessageReceived       EventKind = "message.received"
	EventMessageAcked          EventKind = "message.acked"
	EventMessageFailed         EventKind = "message.failed"
	EventReceiptDelivered      EventKind = "receipt.delivered"
	EventReceiptRead           EventKind = "receipt.read"
	EventTypingUpdate          EventKind = "typing.update"
	EventPresenceUpdate        EventKind = "presence.update"
	EventKeyExchangeRequest    EventKind = "ker.request"
	EventKeyExchangeAccepted   EventKind = "ker.accepted"
	EventKeyExchangeDeclined   EventKind = "ker.declined"
	EventKeyExchangeRevoked    EventKind = "ker.revoked"
	EventConversationCreated   EventKind = "conversation.created"
	EventUserDataExchanged     EventKind = "userdata.exchanged"
	EventUserBlocked           EventKind = "user.blocked"
	EventUserUnblocked         EventKind = "user.unblocked"
	EventConversationBlocked   EventKind = "conversation.blocked"
	EventConversationUnblocked EventKind = "conversation.unblocked"
	EventUserDeleted           EventKind = "user.deleted"
)

// Event is the envelope of every inbound gateway event.
type Event struct {
	ID        string          `json:"id,omitempty"`
	Kind      EventKind       `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// OutboundKind names an event transmitted through the gateway.
type OutboundKind string

const (
	OutboundPresenceUpdate   OutboundKind = "presence.update"
	OutboundPresencePing     OutboundKind = "presence.ping"
	OutboundTyping           OutboundKind = "typing"
	OutboundMessageSend      OutboundKind = "message.send"
	OutboundReceiptDelivered OutboundKind = "receipt.delivered"
	OutboundReceiptRead      OutboundKind = "receipt.read"
	OutboundKeyExchange      OutboundKind = "ker.request"
	OutboundKeyAccept        OutboundKind = "ker.accept"
	OutboundKeyDecline       OutboundKind = "ker.decline"
	OutboundKeyRevoke        OutboundKind = "ker.revoke"
	OutboundUserData         OutboundKind = "userdata.exchange"
)

// OutboundEvent is serialized flat as {type, ...fields, timestamp}.
type OutboundEvent struct {
	Type      OutboundKind
	Fields    map[string]interface{}
	Timestamp time.Time
}

// NewOutbound builds an outbound event stamped with at.
func NewOutbound(kind OutboundKind, at time.Time, fields map[string]interface{}) OutboundEvent {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	return OutboundEvent{Type: kind, Fields: fields, Timestamp: at}
}

// String returns the field value for key, or "" when absent.
func (o OutboundEvent) String(key string) string {
	if v, ok := o.Fields[key].(string); ok {
		return v
	}
	return ""
}

func (o OutboundEvent) MarshalJSON() ([]byte, error) {
	flat := make(map[string]interface{}, len(o.Fields)+2)
	for k, v := range o.Fields {
		flat[k] = v
	}
	flat["type"] = o.Type
	flat["timestamp"] = o.Timestamp.UnixMilli()
	return json.Marshal(flat)
}

// SessionRegisteredPayload accompanies session.registered.
type SessionRegisteredPayload struct {
	SessionID string `json:"sessionId"`
}

// MessagePayload accompanies message.received.
type MessagePayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId,omitempty"`
	SenderID       string `json:"senderId"`
	RecipientID    string `json:"recipientId,omitempty"`
	Ciphertext     string `json:"ciphertext"`
	SentAt         int64  `json:"sentAt,omitempty"`
}

// MessageRefPayload accompanies message.acked, message.failed and receipts.
type MessageRefPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId,omitempty"`
	From           string `json:"from,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// TypingPayload accompanies typing.update.
type TypingPayload struct {
	ConversationID string `json:"conversationId,omitempty"`
	SessionID      string `json:"sessionId"`
	IsTyping       bool   `json:"isTyping"`
}

// PresencePayload accompanies presence.update.
type PresencePayload struct {
	SessionID string `json:"sessionId"`
	IsOnline  bool   `json:"isOnline"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// KeyExchangePayload accompanies ker.* events.
type KeyExchangePayload struct {
	RequestID string `json:"requestId"`
	From      string `json:"from"`
	To        string `json:"to,omitempty"`
	Phrase    string `json:"phrase,omitempty"`
	PublicKey string `json:"publicKey,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// ConversationPayload accompanies conversation.created.
type ConversationPayload struct {
	ConversationID string `json:"conversationId,omitempty"`
	PeerID         string `json:"peerId"`
}

// UserDataPayload accompanies userdata.exchanged.
type UserDataPayload struct {
	From       string `json:"from"`
	Ciphertext string `json:"ciphertext"`
}

// UserData is the plaintext carried inside a user-data exchange.
type UserData struct {
	DisplayName string `json:"displayName"`
}

// BlockPayload accompanies the block/unblock events.
type BlockPayload struct {
	SessionID      string `json:"sessionId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

// UserDeletedPayload accompanies user.deleted.
type UserDeletedPayload struct {
	SessionID string `json:"sessionId"`
}
