package models

import (
	"sort"
	"time"

	"sessionchat/internal/constants"
)

// MessageSchemaVersion is the current persisted layout of MessageRecord.
const MessageSchemaVersion = 1

type MessageState string

const (
	MessageQueued       MessageState = "queued"
	MessageTransmitted  MessageState = "transmitted"
	MessageAcknowledged MessageState = "acknowledged"
	MessageDelivered    MessageState = "delivered"
	MessageRead         MessageState = "read"
	MessageFailed       MessageState = "failed"
)

var messageStateRank = map[MessageState]int{
	MessageQueued:       0,
	MessageTransmitted:  1,
	MessageAcknowledged: 2,
	MessageDelivered:    3,
	MessageRead:         4,
}

// Rank orders states along the forward lifecycle. Failed has no rank.
func (s MessageState) Rank() (int, bool) {
	r, ok := messageStateRank[s]
	return r, ok
}

// Advances reports whether moving from s to next is forward progress.
func (s MessageState) Advances(next MessageState) bool {
	cur, ok := s.Rank()
	if !ok {
		return false
	}
	nr, ok := next.Rank()
	return ok && nr > cur
}

// IsTerminal reports whether no further automatic transitions apply.
func (s MessageState) IsTerminal() bool {
	return s == MessageRead || s == MessageFailed
}

type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// MessageRecord tracks one message through the delivery lifecycle.
type MessageRecord struct {
	SchemaVersion   int          `json:"schemaVersion"`
	ID              string       `json:"id"`
	ConversationID  string       `json:"conversationId"`
	SenderID        string       `json:"senderId"`
	RecipientID     string       `json:"recipientId"`
	Direction       Direction    `json:"direction"`
	Ciphertext      string       `json:"ciphertext,omitempty"`
	Plaintext       string       `json:"plaintext,omitempty"`
	State           MessageState `json:"state"`
	CreatedAt       time.Time    `json:"createdAt"`
	LastAttemptAt   time.Time    `json:"lastAttemptAt,omitempty"`
	AttemptCount    int          `json:"attemptCount"`
	ReadReceiptSent bool         `json:"readReceiptSent,omitempty"`
	FailureReason   string       `json:"failureReason,omitempty"`
}

// Clone returns a copy safe to hand to other goroutines.
func (m *MessageRecord) Clone() *MessageRecord {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

// PeerID returns the other participant from the local point of view.
func (m *MessageRecord) PeerID() string {
	if m.Direction == DirectionIncoming {
		return m.SenderID
	}
	return m.RecipientID
}

// ConversationID derives the identifier both peers compute independently
// from their session identifiers.
func ConversationID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return constants.DefaultConversationIDPrefix + ids[0] + "_" + ids[1]
}
