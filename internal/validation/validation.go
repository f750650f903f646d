package validation

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"sessionchat/internal/constants"
	"sessionchat/internal/errors"
)

// ValidateSessionID checks the 66 character hex form of a session id.
func ValidateSessionID(field, sessionID string) error {
	if sessionID == "" {
		return errors.NewValidationError(field, "session id cannot be empty")
	}
	if len(sessionID) != constants.SessionIDLength {
		return errors.NewValidationError(field,
			fmt.Sprintf("session id must be %d characters", constants.SessionIDLength))
	}
	if !strings.HasPrefix(sessionID, constants.SessionIDPrefix) {
		return errors.NewValidationError(field,
			fmt.Sprintf("session id must start with %s", constants.SessionIDPrefix))
	}
	if _, err := hex.DecodeString(sessionID); err != nil {
		return errors.NewValidationError(field, "session id must be hex encoded")
	}
	return nil
}

// ValidateMessageID validates message ID format and length
func ValidateMessageID(messageID string) error {
	if messageID == "" {
		return errors.NewValidationError("id", "message ID cannot be empty")
	}

	if len(messageID) > constants.MaxMessageIDLength {
		return errors.NewValidationError("id",
			fmt.Sprintf("message ID too long (max %d characters)", constants.MaxMessageIDLength))
	}

	for _, char := range messageID {
		if char == '\x00' || char == '\n' || char == '\r' || char == '\t' || char == '/' {
			return errors.NewValidationError("id", "message ID contains invalid characters")
		}
	}

	return nil
}

// ValidateText checks that a message body is non-empty valid UTF-8 within
// the length limit.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.NewValidationError("text", "message text cannot be empty")
	}
	if !utf8.ValidString(text) {
		return errors.NewValidationError("text", "message text must be valid UTF-8")
	}
	if len(text) > constants.MaxMessageTextLength {
		return errors.NewValidationError("text",
			fmt.Sprintf("message text too long (max %d bytes)", constants.MaxMessageTextLength))
	}
	return nil
}

// ValidateStringLength counts runes, not bytes.
func ValidateStringLength(value, fieldName string, minLength, maxLength int) error {
	n := utf8.RuneCountInString(value)
	if n < minLength {
		return errors.NewValidationError(fieldName,
			fmt.Sprintf("%s too short (min %d characters)", fieldName, minLength))
	}

	if n > maxLength {
		return errors.NewValidationError(fieldName,
			fmt.Sprintf("%s too long (max %d characters)", fieldName, maxLength))
	}

	return nil
}

// ValidateHTTPRequestSize validates incoming HTTP request size
func ValidateHTTPRequestSize(r *http.Request, maxSizeBytes int64) error {
	if r.ContentLength > maxSizeBytes {
		return errors.NewValidationError("body",
			fmt.Sprintf("request too large: %d bytes (max %d bytes)", r.ContentLength, maxSizeBytes))
	}

	return nil
}

// ValidateRetentionDays validates data retention period
func ValidateRetentionDays(days int) error {
	if days < 1 {
		return errors.NewValidationError("retention_days", "retention days must be at least 1")
	}

	if days > constants.MaxRetentionDays {
		return errors.NewValidationError("retention_days",
			fmt.Sprintf("retention days too large (max %d)", constants.MaxRetentionDays))
	}

	return nil
}
