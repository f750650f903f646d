package models

import (
	"time"

	"sessionchat/internal/constants"
)

// Config holds the application configuration
type Config struct {
	Gateway       GatewayConfig     `json:"gateway" toml:"gateway"`
	Identity      IdentityConfig    `json:"identity" toml:"identity"`
	Database      DatabaseConfig    `json:"database" toml:"database"`
	Presence      PresenceConfig    `json:"presence" toml:"presence"`
	Typing        TypingConfig      `json:"typing" toml:"typing"`
	Delivery      DeliveryConfig    `json:"delivery" toml:"delivery"`
	KeyExchange   KeyExchangeConfig `json:"keyExchange" toml:"key_exchange"`
	Router        RouterConfig      `json:"router" toml:"router"`
	Server        ServerConfig      `json:"server" toml:"server"`
	Notifier      NotifierConfig    `json:"notifier" toml:"notifier"`
	Tracing       TracingConfig     `json:"tracing" toml:"tracing"`
	LogLevel      string            `json:"log_level" toml:"log_level"`
	RetentionDays int               `json:"retentionDays" toml:"retention_days"`
}

// GatewayConfig holds relay connection settings
type GatewayConfig struct {
	URL                string `json:"url" toml:"url"`
	AuthToken          string `json:"auth_token" toml:"auth_token"`
	DialTimeoutSec     int    `json:"dialTimeoutSec" toml:"dial_timeout_sec"`
	ReconnectInitialMs int    `json:"reconnectInitialMs" toml:"reconnect_initial_ms"`
	ReconnectMaxMs     int    `json:"reconnectMaxMs" toml:"reconnect_max_ms"`
	BreakerFailures    int    `json:"breakerFailures" toml:"breaker_failures"`
	BreakerTimeoutSec  int    `json:"breakerTimeoutSec" toml:"breaker_timeout_sec"`
}

// IdentityConfig identifies the local account
type IdentityConfig struct {
	SessionID   string `json:"sessionId" toml:"session_id"`
	DisplayName string `json:"displayName" toml:"display_name"`
	KeyPath     string `json:"keyPath" toml:"key_path"`
}

// DatabaseConfig holds store settings
type DatabaseConfig struct {
	Driver  string `json:"driver" toml:"driver"`
	Path    string `json:"path" toml:"path"`
	Encrypt bool   `json:"encrypt" toml:"encrypt"`
}

// PresenceConfig holds presence timing
type PresenceConfig struct {
	KeepaliveIntervalMs int `json:"keepaliveIntervalMs" toml:"keepalive_interval_ms"`
	OfflineGraceMs      int `json:"offlineGraceMs" toml:"offline_grace_ms"`
	TTLMs               int `json:"ttlMs" toml:"ttl_ms"`
	MaxTrackedPeers     int `json:"maxTrackedPeers" toml:"max_tracked_peers"`
}

func (c PresenceConfig) KeepaliveInterval() time.Duration {
	return msOr(c.KeepaliveIntervalMs, constants.DefaultKeepaliveInterval)
}

func (c PresenceConfig) OfflineGrace() time.Duration {
	return msOr(c.OfflineGraceMs, constants.DefaultOfflineGracePeriod)
}

func (c PresenceConfig) TTL() time.Duration {
	return msOr(c.TTLMs, constants.DefaultPresenceTTL)
}

func (c PresenceConfig) Capacity() int {
	return intOr(c.MaxTrackedPeers, constants.DefaultMaxTrackedPeers)
}

// TypingConfig holds typing indicator timing. AutoStopMs is a tunable;
// values below constants.MinTypingAutoStop are raised to it.
type TypingConfig struct {
	DebounceMs    int `json:"debounceMs" toml:"debounce_ms"`
	HeartbeatMs   int `json:"heartbeatMs" toml:"heartbeat_ms"`
	AutoStopMs    int `json:"autoStopMs" toml:"auto_stop_ms"`
	PeerTimeoutMs int `json:"peerTimeoutMs" toml:"peer_timeout_ms"`
}

func (c TypingConfig) Debounce() time.Duration {
	return msOr(c.DebounceMs, constants.DefaultTypingDebounce)
}

func (c TypingConfig) Heartbeat() time.Duration {
	return msOr(c.HeartbeatMs, constants.DefaultTypingHeartbeat)
}

func (c TypingConfig) AutoStop() time.Duration {
	d := msOr(c.AutoStopMs, constants.DefaultTypingAutoStop)
	if d < constants.MinTypingAutoStop {
		d = constants.MinTypingAutoStop
	}
	return d
}

func (c TypingConfig) PeerTimeout() time.Duration {
	return msOr(c.PeerTimeoutMs, constants.DefaultPeerTypingTimeout)
}

// DeliveryConfig holds send, retry and monitoring settings
type DeliveryConfig struct {
	AckTimeoutMs           int     `json:"ackTimeoutMs" toml:"ack_timeout_ms"`
	RetryBaseMs            int     `json:"retryBaseMs" toml:"retry_base_ms"`
	RetryMaxMs             int     `json:"retryMaxMs" toml:"retry_max_ms"`
	RetryJitter            float64 `json:"retryJitter" toml:"retry_jitter"`
	DisableJitter          bool    `json:"disableJitter" toml:"disable_jitter"`
	MaxAttempts            int     `json:"maxAttempts" toml:"max_attempts"`
	KeyRecheckIntervalMs   int     `json:"keyRecheckIntervalMs" toml:"key_recheck_interval_ms"`
	KeyRecheckAttempts     int     `json:"keyRecheckAttempts" toml:"key_recheck_attempts"`
	StaleDeliveryCheckSec  int     `json:"staleDeliveryCheckSec" toml:"stale_delivery_check_sec"`
	StaleDeliveryWindowSec int     `json:"staleDeliveryWindowSec" toml:"stale_delivery_window_sec"`
}

func (c DeliveryConfig) AckTimeout() time.Duration {
	return msOr(c.AckTimeoutMs, constants.DefaultAckTimeout)
}

func (c DeliveryConfig) RetryBase() time.Duration {
	return msOr(c.RetryBaseMs, constants.DefaultRetryBaseDelay)
}

func (c DeliveryConfig) RetryMax() time.Duration {
	return msOr(c.RetryMaxMs, constants.DefaultRetryMaxDelay)
}

func (c DeliveryConfig) Jitter() float64 {
	if c.DisableJitter {
		return 0
	}
	if c.RetryJitter <= 0 {
		return constants.DefaultRetryJitter
	}
	return c.RetryJitter
}

func (c DeliveryConfig) Attempts() int {
	return intOr(c.MaxAttempts, constants.DefaultMaxSendAttempts)
}

func (c DeliveryConfig) KeyRecheckInterval() time.Duration {
	return msOr(c.KeyRecheckIntervalMs, constants.DefaultKeyRecheckInterval)
}

func (c DeliveryConfig) KeyRecheckLimit() int {
	return intOr(c.KeyRecheckAttempts, constants.DefaultKeyRecheckAttempts)
}

func (c DeliveryConfig) StaleCheckInterval() time.Duration {
	return secOr(c.StaleDeliveryCheckSec, constants.DefaultStaleDeliveryCheck)
}

func (c DeliveryConfig) StaleWindow() time.Duration {
	return secOr(c.StaleDeliveryWindowSec, constants.DefaultStaleDeliveryWindow)
}

// KeyExchangeConfig holds handshake key polling settings
type KeyExchangeConfig struct {
	PollIntervalMs     int `json:"pollIntervalMs" toml:"poll_interval_ms"`
	PollAttempts       int `json:"pollAttempts" toml:"poll_attempts"`
	LegacyFirstDelayMs int `json:"legacyFirstDelayMs" toml:"legacy_first_delay_ms"`
	LegacyIntervalMs   int `json:"legacyIntervalMs" toml:"legacy_interval_ms"`
	LegacyAttempts     int `json:"legacyAttempts" toml:"legacy_attempts"`
}

func (c KeyExchangeConfig) PollInterval() time.Duration {
	return msOr(c.PollIntervalMs, constants.DefaultKeyPollInterval)
}

func (c KeyExchangeConfig) PollLimit() int {
	return intOr(c.PollAttempts, constants.DefaultKeyPollAttempts)
}

func (c KeyExchangeConfig) LegacyFirstDelay() time.Duration {
	return msOr(c.LegacyFirstDelayMs, constants.DefaultLegacyKeyPollFirst)
}

func (c KeyExchangeConfig) LegacyInterval() time.Duration {
	return msOr(c.LegacyIntervalMs, constants.DefaultLegacyKeyPollInterval)
}

func (c KeyExchangeConfig) LegacyLimit() int {
	return intOr(c.LegacyAttempts, constants.DefaultLegacyKeyPollAttempts)
}

// RouterConfig holds event routing settings
type RouterConfig struct {
	Workers        int `json:"workers" toml:"workers"`
	QueueSize      int `json:"queueSize" toml:"queue_size"`
	LedgerCapacity int `json:"ledgerCapacity" toml:"ledger_capacity"`
}

func (c RouterConfig) WorkerCount() int {
	return intOr(c.Workers, constants.DefaultRouterWorkers)
}

func (c RouterConfig) Queue() int {
	return intOr(c.QueueSize, constants.DefaultRouterQueueSize)
}

func (c RouterConfig) Capacity() int {
	return intOr(c.LedgerCapacity, constants.DefaultLedgerCapacity)
}

// ServerConfig holds control API settings
type ServerConfig struct {
	Host                 string `json:"host" toml:"host"`
	Port                 int    `json:"port" toml:"port"`
	APIToken             string `json:"apiToken" toml:"api_token"`
	CleanupIntervalHours int    `json:"cleanupIntervalHours" toml:"cleanup_interval_hours"`
}

// NotifierConfig holds notification sink settings
type NotifierConfig struct {
	WebhookURL string `json:"webhookUrl" toml:"webhook_url"`
	TimeoutSec int    `json:"timeoutSec" toml:"timeout_sec"`
}

// TracingConfig contains OpenTelemetry configuration
type TracingConfig struct {
	ServiceName    string  `json:"service_name" toml:"service_name"`
	ServiceVersion string  `json:"service_version" toml:"service_version"`
	Environment    string  `json:"environment" toml:"environment"`
	OTLPEndpoint   string  `json:"otlp_endpoint" toml:"otlp_endpoint"`
	SampleRate     float64 `json:"sample_rate" toml:"sample_rate"`
	Enabled        bool    `json:"enabled" toml:"enabled"`
	UseStdout      bool    `json:"use_stdout" toml:"use_stdout"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}

func msOr(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}

func secOr(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Second
}

func intOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
