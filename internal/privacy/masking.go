package privacy

import (
	"strconv"
	"strings"

	"sessionchat/internal/constants"
)

// MaskSessionID masks a session identifier keeping the two-character key
// prefix and the last few characters for debugging
// Example: "05abcdef...123456" -> "05****123456"
func MaskSessionID(sessionID string) string {
	if sessionID == "" {
		return ""
	}
	keep := constants.DefaultSessionIDVisibleSuffix
	if len(sessionID) <= keep+2 {
		return maskString(sessionID, 2)
	}
	return sessionID[:2] + "****" + sessionID[len(sessionID)-keep:]
}

// MaskConversationID masks both participants of a direct conversation id
// Example: "dm_05aaa..._05bbb..." -> "dm_05****aaaaaa_05****bbbbbb"
func MaskConversationID(conversationID string) string {
	if conversationID == "" {
		return ""
	}
	prefix := constants.DefaultConversationIDPrefix
	if strings.HasPrefix(conversationID, prefix) {
		parts := strings.SplitN(strings.TrimPrefix(conversationID, prefix), "_", 2)
		if len(parts) == 2 {
			return prefix + MaskSessionID(parts[0]) + "_" + MaskSessionID(parts[1])
		}
	}
	return maskString(conversationID, constants.DefaultSessionIDVisibleSuffix)
}

// MaskMessageID masks a message ID showing the last characters
func MaskMessageID(messageID string) string {
	if messageID == "" {
		return ""
	}
	return maskString(messageID, constants.DefaultMessageIDMaskLength)
}

// MaskText replaces free text with its length
// Example: "hello there" -> "<11 chars>"
func MaskText(text string) string {
	if text == "" {
		return ""
	}
	return "<" + strconv.Itoa(len([]rune(text))) + " chars>"
}

// maskString masks a string showing only the last n characters
func maskString(s string, keepLast int) string {
	if s == "" {
		return ""
	}

	if len(s) <= keepLast {
		return strings.Repeat("*", len(s))
	}

	return strings.Repeat("*", len(s)-keepLast) + s[len(s)-keepLast:]
}

// MaskSensitiveFields applies appropriate masking to common logging fields
func MaskSensitiveFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}

	masked := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		s, ok := v.(string)
		if !ok {
			masked[k] = v
			continue
		}
		switch k {
		case "session_id", "sessionId", "peer_id", "peerId", "from", "to", "sender_id", "recipient_id":
			masked[k] = MaskSessionID(s)
		case "conversation_id", "conversationId":
			masked[k] = MaskConversationID(s)
		case "message_id", "messageId", "request_id", "requestId":
			masked[k] = MaskMessageID(s)
		case "phrase", "text", "display_name", "displayName":
			masked[k] = MaskText(s)
		default:
			masked[k] = v
		}
	}

	return masked
}
