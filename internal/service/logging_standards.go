package service

// Standard field names. Use these exact keys in every logging call so the
// privacy masking in logFields recognises them.
const (
	// Identifiers
	LogFieldSessionID      = "session_id"
	LogFieldPeerID         = "peer_id"
	LogFieldConversationID = "conversation_id"
	LogFieldMessageID      = "message_id"
	LogFieldRequestID      = "request_id"

	// Component and operation
	LogFieldComponent = "component"
	LogFieldOperation = "operation"

	// Events
	LogFieldEvent     = "event"
	LogFieldEventID   = "event_id"
	LogFieldOutbound  = "outbound_type"
	LogFieldState     = "state"
	LogFieldStatus    = "status"
	LogFieldDirection = "direction"
	LogFieldReason    = "reason"

	// Retry and timing
	LogFieldAttempt  = "attempt"
	LogFieldDelay    = "delay"
	LogFieldDuration = "duration_ms"
	LogFieldCount    = "count"

	// Errors
	LogFieldErrorCode = "error_code"
)

// Log level usage
//
// DEBUG: duplicate events, no-op receipts, timer re-arms.
// INFO: state transitions of messages and key exchanges, lifecycle changes.
// WARN: recoverable failures (transmit errors, unresolved keys, dropped
// updates, malformed events).
// ERROR: persistence failures and recovered handler panics.
