package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		expected string
	}{
		{
			name: "error without cause",
			err: &AppError{
				Code:    ErrCodeInvalidConfig,
				Message: "configuration is invalid",
			},
			expected: "INVALID_CONFIG: configuration is invalid",
		},
		{
			name: "error with cause",
			err: &AppError{
				Code:    ErrCodeTransport,
				Message: "transmit message.send failed",
				Cause:   errors.New("connection reset"),
			},
			expected: "TRANSPORT: transmit message.send failed: connection reset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	cause := errors.New("underlying error")
	err := Wrap(cause, ErrCodeInternalError, "something went wrong")

	assert.Equal(t, cause, err.Unwrap())
	assert.True(t, errors.Is(err, cause))
}

func TestAppError_WithField(t *testing.T) {
	err := New(ErrCodeInvalidInput, "validation failed")

	result := err.WithField("field", "recipient").WithField("value", "")

	assert.Same(t, err, result)
	assert.Len(t, err.Fields, 2)
	assert.Equal(t, "recipient", err.Fields["field"])
}

func TestErrorCode_Status(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, ErrCodeMalformedEvent.Status())
	assert.Equal(t, http.StatusServiceUnavailable, ErrCodeDatabaseConnection.Status())
	assert.Equal(t, http.StatusInternalServerError, ErrCodeCipher.Status())
	assert.Equal(t, http.StatusInternalServerError, ErrorCode("SOMETHING_NEW").Status())
}

func TestGetCode_WrappedError(t *testing.T) {
	inner := NewStateConflictError("key exchange", "req-1", "accepted", "accept")
	outer := fmt.Errorf("handler: %w", inner)

	assert.Equal(t, ErrCodeStateConflict, GetCode(outer))
	assert.True(t, HasCode(outer, ErrCodeStateConflict))
	assert.False(t, HasCode(nil, ErrCodeStateConflict))
	assert.Equal(t, ErrCodeInternalError, GetCode(errors.New("plain")))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewTransportError("message.send", errors.New("eof"))))
	assert.False(t, IsRetryable(NewMissingKeyError("peer")))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestLog_LevelFollowsRetryable(t *testing.T) {
	logger, hook := test.NewNullLogger()

	Log(logger, NewTransportError("message.send", errors.New("eof")), "send failed", logrus.Fields{"attempt": 2})
	Log(logger, NewDatabaseError("save", errors.New("disk full")), "save failed", nil)
	Log(logger, errors.New("plain"), "plain failed", nil)

	entries := hook.AllEntries()
	require.Len(t, entries, 3)
	assert.Equal(t, logrus.WarnLevel, entries[0].Level)
	assert.Equal(t, ErrCodeTransport, entries[0].Data["error_code"])
	assert.Equal(t, "message.send", entries[0].Data["kind"])
	assert.Equal(t, 2, entries[0].Data["attempt"])
	assert.Equal(t, logrus.ErrorLevel, entries[1].Level)
	assert.Equal(t, "save", entries[1].Data["operation"])
	assert.NotContains(t, entries[2].Data, "error_code")
}

func TestLogFields_PlainError(t *testing.T) {
	assert.Nil(t, LogFields(errors.New("plain")))
	assert.Nil(t, LogFields(nil))
}

func TestGetUserMessage(t *testing.T) {
	assert.Equal(t, "Waiting for the contact's key", GetUserMessage(NewMissingKeyError("peer")))
	assert.Equal(t, "An internal error occurred", GetUserMessage(errors.New("boom")))
}

func TestHTTPStatusCode(t *testing.T) {
	tests := []struct {
		err      error
		expected int
	}{
		{NewValidationError("text", "empty"), http.StatusBadRequest},
		{NewNotFoundError("message", "m1"), http.StatusNotFound},
		{NewStateConflictError("message", "m1", "read", "resend"), http.StatusConflict},
		{NewDuplicateRequestError("p", "r1"), http.StatusConflict},
		{NewMissingKeyError("p"), http.StatusAccepted},
		{NewTransportError("typing", errors.New("x")), http.StatusBadGateway},
		{NewBlockedError("p"), http.StatusForbidden},
		{New(ErrCodeUnauthorized, "no token"), http.StatusUnauthorized},
		{errors.New("other"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, HTTPStatusCode(tt.err), tt.err.Error())
	}
}

func TestToHTTPResponse(t *testing.T) {
	resp := ToHTTPResponse(NewNotFoundError("key exchange request", "r1"))
	assert.Equal(t, ErrCodeNotFound, resp.Error.Code)
	assert.Equal(t, "key exchange request not found", resp.Error.Message)
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, NewStateConflictError("message", "m1", "read", "resend"))

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, ErrCodeStateConflict, body.Error.Code)
}
