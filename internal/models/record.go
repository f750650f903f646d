package models

import "time"

// Store collections
const (
	CollectionKeyExchange = "key_exchange_requests"
	CollectionMessages    = "messages"
	CollectionContacts    = "contacts"
	CollectionBlocks      = "blocks"
	CollectionPeerKeys    = "peer_keys"
)

// StoredRecord is the versioned envelope every persisted record travels in.
type StoredRecord struct {
	Collection    string    `json:"collection" cbor:"1,keyasint"`
	ID            string    `json:"id" cbor:"2,keyasint"`
	SchemaVersion int       `json:"schemaVersion" cbor:"3,keyasint"`
	Body          []byte    `json:"body" cbor:"4,keyasint"`
	UpdatedAt     time.Time `json:"updatedAt" cbor:"5,keyasint"`
}

// ContactSchemaVersion is the current persisted layout of Contact.
const ContactSchemaVersion = 1

// Contact holds what a peer told us about themselves over the encrypted
// user-data exchange.
type Contact struct {
	SessionID   string    `json:"sessionId"`
	DisplayName string    `json:"displayName"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// BlockSchemaVersion is the current persisted layout of BlockEntry.
const BlockSchemaVersion = 1

type BlockTarget string

const (
	BlockTargetUser         BlockTarget = "user"
	BlockTargetConversation BlockTarget = "conversation"
)

// BlockEntry records whether a user or conversation is blocked.
type BlockEntry struct {
	Target    BlockTarget `json:"target"`
	Subject   string      `json:"subject"`
	Blocked   bool        `json:"blocked"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// Key is the store id of the entry.
func (b BlockEntry) Key() string {
	return string(b.Target) + ":" + b.Subject
}

// PeerKeySchemaVersion is the current persisted layout of PeerKey.
const PeerKeySchemaVersion = 1

// PeerKey is a peer public key as persisted by the cipher key store.
type PeerKey struct {
	SessionID string    `json:"sessionId"`
	PublicKey string    `json:"publicKey"`
	StoredAt  time.Time `json:"storedAt"`
}
