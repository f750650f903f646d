package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// KeyExchangeSchemaVersion is the current persisted layout of
// KeyExchangeRequest. Version 1 used short field names and carried no
// peer key.
const KeyExchangeSchemaVersion = 2

type KeyExchangeStatus string

const (
	KeyExchangePending    KeyExchangeStatus = "pending"
	KeyExchangeSent       KeyExchangeStatus = "sent"
	KeyExchangeReceived   KeyExchangeStatus = "received"
	KeyExchangeProcessing KeyExchangeStatus = "processing"
	KeyExchangeAccepted   KeyExchangeStatus = "accepted"
	KeyExchangeDeclined   KeyExchangeStatus = "declined"
	KeyExchangeFailed     KeyExchangeStatus = "failed"
)

// IsTerminal reports whether the handshake is finished.
func (s KeyExchangeStatus) IsTerminal() bool {
	return s == KeyExchangeAccepted || s == KeyExchangeDeclined
}

// KeyExchangeRequest is one side's record of a secure channel request.
type KeyExchangeRequest struct {
	SchemaVersion  int               `json:"schemaVersion"`
	ID             string            `json:"id"`
	FromSessionID  string            `json:"fromSessionId"`
	ToSessionID    string            `json:"toSessionId"`
	RequestPhrase  string            `json:"requestPhrase"`
	Status         KeyExchangeStatus `json:"status"`
	PreviousStatus KeyExchangeStatus `json:"previousStatus,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	RespondedAt    *time.Time        `json:"respondedAt,omitempty"`
	PeerPublicKey  string            `json:"peerPublicKey,omitempty"`
	UserDataSent   bool              `json:"userDataSent,omitempty"`
}

// Clone returns a deep copy.
func (r *KeyExchangeRequest) Clone() *KeyExchangeRequest {
	if r == nil {
		return nil
	}
	c := *r
	if r.RespondedAt != nil {
		t := *r.RespondedAt
		c.RespondedAt = &t
	}
	return &c
}

// IsOutgoing reports whether localID created the request.
func (r *KeyExchangeRequest) IsOutgoing(localID string) bool {
	return r.FromSessionID == localID
}

// PeerOf returns the other participant relative to localID.
func (r *KeyExchangeRequest) PeerOf(localID string) string {
	if r.FromSessionID == localID {
		return r.ToSessionID
	}
	return r.FromSessionID
}

// Involves reports whether the request is between a and b in either direction.
func (r *KeyExchangeRequest) Involves(a, b string) bool {
	return (r.FromSessionID == a && r.ToSessionID == b) ||
		(r.FromSessionID == b && r.ToSessionID == a)
}

type keyExchangeRequestV1 struct {
	ID          string            `json:"id"`
	From        string            `json:"from"`
	To          string            `json:"to"`
	Phrase      string            `json:"phrase"`
	Status      KeyExchangeStatus `json:"status"`
	Timestamp   int64             `json:"timestamp"`
	RespondedAt int64             `json:"respondedAt,omitempty"`
}

// DecodeKeyExchangeRequest decodes a stored record of any known schema
// version into the current layout.
func DecodeKeyExchangeRequest(rec StoredRecord) (*KeyExchangeRequest, error) {
	switch rec.SchemaVersion {
	case 1:
		var legacy keyExchangeRequestV1
		if err := json.Unmarshal(rec.Body, &legacy); err != nil {
			return nil, fmt.Errorf("decode v1 key exchange request %s: %w", rec.ID, err)
		}
		out := &KeyExchangeRequest{
			SchemaVersion: KeyExchangeSchemaVersion,
			ID:            legacy.ID,
			FromSessionID: legacy.From,
			ToSessionID:   legacy.To,
			RequestPhrase: legacy.Phrase,
			Status:        legacy.Status,
			Timestamp:     time.UnixMilli(legacy.Timestamp).UTC(),
		}
		if legacy.RespondedAt > 0 {
			t := time.UnixMilli(legacy.RespondedAt).UTC()
			out.RespondedAt = &t
		}
		if out.ID == "" {
			out.ID = rec.ID
		}
		return out, nil
	case KeyExchangeSchemaVersion:
		var out KeyExchangeRequest
		if err := json.Unmarshal(rec.Body, &out); err != nil {
			return nil, fmt.Errorf("decode key exchange request %s: %w", rec.ID, err)
		}
		if out.ID == "" {
			out.ID = rec.ID
		}
		return &out, nil
	default:
		return nil, fmt.Errorf("unsupported key exchange schema version %d for %s", rec.SchemaVersion, rec.ID)
	}
}
