package errors

import (
	"errors"
	"net/http"
	"strings"
)

// ErrorCode classifies an AppError. Codes are part of the control API.
type ErrorCode string

const (
	ErrCodeInvalidConfig      ErrorCode = "INVALID_CONFIG"
	ErrCodeDatabaseConnection ErrorCode = "DATABASE_CONNECTION"
	ErrCodeDatabaseQuery      ErrorCode = "DATABASE_QUERY"

	ErrCodeTransport  ErrorCode = "TRANSPORT"
	ErrCodeMissingKey ErrorCode = "MISSING_KEY"
	ErrCodeCipher     ErrorCode = "CIPHER"

	ErrCodeInvalidInput     ErrorCode = "INVALID_INPUT"
	ErrCodeMalformedEvent   ErrorCode = "MALFORMED_EVENT"
	ErrCodeStateConflict    ErrorCode = "STATE_CONFLICT"
	ErrCodeDuplicateRequest ErrorCode = "DUPLICATE_REQUEST"
	ErrCodeBlocked          ErrorCode = "BLOCKED"
	ErrCodeUnauthorized     ErrorCode = "UNAUTHORIZED"

	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeTimeout       ErrorCode = "TIMEOUT"
)

var statusByCode = map[ErrorCode]int{
	ErrCodeInvalidConfig:      http.StatusBadRequest,
	ErrCodeInvalidInput:       http.StatusBadRequest,
	ErrCodeMalformedEvent:     http.StatusBadRequest,
	ErrCodeUnauthorized:       http.StatusUnauthorized,
	ErrCodeBlocked:            http.StatusForbidden,
	ErrCodeNotFound:           http.StatusNotFound,
	ErrCodeStateConflict:      http.StatusConflict,
	ErrCodeDuplicateRequest:   http.StatusConflict,
	ErrCodeMissingKey:         http.StatusAccepted,
	ErrCodeTransport:          http.StatusBadGateway,
	ErrCodeTimeout:            http.StatusGatewayTimeout,
	ErrCodeDatabaseConnection: http.StatusServiceUnavailable,
	ErrCodeDatabaseQuery:      http.StatusServiceUnavailable,
}

// Status is the HTTP status the control API answers with for c.
func (c ErrorCode) Status() int {
	if s, ok := statusByCode[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// AppError carries a code, an optional cause and log fields. UserMessage
// is the only part shown to API clients.
type AppError struct {
	Code        ErrorCode      `json:"code"`
	Message     string         `json:"message"`
	Cause       error          `json:"-"`
	Fields      map[string]any `json:"fields,omitempty"`
	Retryable   bool           `json:"retryable"`
	UserMessage string         `json:"user_message,omitempty"`
}

func (e *AppError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *AppError) Unwrap() error { return e.Cause }

// WithField attaches a log field and returns e.
func (e *AppError) WithField(key string, value any) *AppError {
	if e.Fields == nil {
		e.Fields = make(map[string]any, 2)
	}
	e.Fields[key] = value
	return e
}

func (e *AppError) WithUserMessage(msg string) *AppError {
	e.UserMessage = msg
	return e
}

// AsRetryable marks e as worth retrying and returns it.
func (e *AppError) AsRetryable() *AppError {
	e.Retryable = true
	return e
}

func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message, Cause: err}
}

func asApp(err error) (*AppError, bool) {
	var appErr *AppError
	ok := errors.As(err, &appErr)
	return appErr, ok
}

func IsRetryable(err error) bool {
	appErr, ok := asApp(err)
	return ok && appErr.Retryable
}

// GetCode returns the code of the outermost AppError in err's chain, or
// ErrCodeInternalError.
func GetCode(err error) ErrorCode {
	if appErr, ok := asApp(err); ok {
		return appErr.Code
	}
	return ErrCodeInternalError
}

func HasCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

func GetUserMessage(err error) string {
	if appErr, ok := asApp(err); ok && appErr.UserMessage != "" {
		return appErr.UserMessage
	}
	return "An internal error occurred"
}
