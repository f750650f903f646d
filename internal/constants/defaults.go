package constants

import "time"

// Presence timing
const (
	DefaultKeepaliveInterval  = 25 * time.Second
	DefaultOfflineGracePeriod = 5 * time.Second
	DefaultPresenceTTL        = 35 * time.Second
	DefaultMaxTrackedPeers    = 1024
)

// Typing timing
const (
	DefaultTypingDebounce    = 250 * time.Millisecond
	DefaultTypingHeartbeat   = 3 * time.Second
	DefaultTypingAutoStop    = 3 * time.Second
	DefaultPeerTypingTimeout = 5 * time.Second
	MinTypingAutoStop        = 500 * time.Millisecond
)

// Delivery pipeline
const (
	DefaultAckTimeout          = 10 * time.Second
	DefaultRetryBaseDelay      = 2 * time.Second
	DefaultRetryMaxDelay       = 30 * time.Second
	DefaultRetryJitter         = 0.2
	DefaultMaxSendAttempts     = 3
	DefaultKeyRecheckInterval  = 5 * time.Second
	DefaultKeyRecheckAttempts  = 12
	DefaultStaleDeliveryCheck  = 1 * time.Minute
	DefaultStaleDeliveryWindow = 10 * time.Minute
	DefaultSendTimeout         = 15 * time.Second
)

// Key exchange
const (
	DefaultKeyPollInterval       = 5 * time.Second
	DefaultKeyPollAttempts       = 12
	DefaultLegacyKeyPollFirst    = 10 * time.Second
	DefaultLegacyKeyPollInterval = 30 * time.Second
	DefaultLegacyKeyPollAttempts = 6
	MaxRequestPhraseLength       = 280
)

// Router and ledger
const (
	DefaultLedgerCapacity   = 1000
	DefaultRouterWorkers    = 4
	DefaultRouterQueueSize  = 256
	DefaultHubBufferSize    = 128
	DefaultEventChannelSize = 256
)

// Gateway and server
const (
	DefaultGatewayDialTimeout      = 15 * time.Second
	DefaultGatewayReconnectInitial = 500 * time.Millisecond
	DefaultGatewayReconnectMax     = 30 * time.Second
	DefaultGatewayBreakerFailures  = 5
	DefaultGatewayBreakerTimeout   = 30 * time.Second
	DefaultServerPort              = 8085
	DefaultServerReadTimeoutSec    = 15
	DefaultServerWriteTimeoutSec   = 15
	DefaultServerIdleTimeoutSec    = 60
	DefaultGracefulShutdownSec     = 30
	DefaultNotifierTimeoutSec      = 5
	ServerErrorChannelSize         = 1
)

// Control API input limits
const (
	SessionIDLength      = 66
	SessionIDPrefix      = "05"
	MaxMessageIDLength   = 128
	MaxMessageTextLength = 64 * 1024
	MaxRequestBodyBytes  = 128 * 1024
	MaxDisplayNameLength = 64
	MaxRetentionDays     = 3650
)

// Storage
const (
	DefaultRetentionDays          = 30
	DefaultCleanupIntervalHours   = 24
	DefaultDatabaseRetryAttempts  = 3
	DefaultRetryBackoffMs         = 100
	DefaultMaxBackoffMs           = 2000
	DefaultStoreDriver            = "sqlite"
	EncryptionSalt                = "sessionchat-store-salt-v1"
	DefaultConversationIDPrefix   = "dm_"
	DefaultMessageIDMaskLength    = 8
	DefaultSessionIDVisibleSuffix = 6
)
