package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// NewValidationError creates a validation error with field context
func NewValidationError(field, message string) *AppError {
	return New(ErrCodeInvalidInput, message).
		WithField("field", field).
		WithUserMessage(fmt.Sprintf("Invalid %s: %s", field, message))
}

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithField("config_key", key).
		WithUserMessage("Configuration error")
}

// NewDatabaseError creates a database error with operation context
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithField("operation", operation).
		WithUserMessage("Database operation failed")
}

// NewTransportError wraps a gateway send failure. Transport failures are
// always retryable from the caller's point of view.
func NewTransportError(kind string, err error) *AppError {
	return Wrap(err, ErrCodeTransport, fmt.Sprintf("transmit %s failed", kind)).AsRetryable().
		WithField("kind", kind).
		WithUserMessage("Connection problem, will retry")
}

// NewStateConflictError reports an operation that is not valid from the
// record's current state.
func NewStateConflictError(resource, id, state, operation string) *AppError {
	return New(ErrCodeStateConflict, fmt.Sprintf("cannot %s %s in state %s", operation, resource, state)).
		WithField("resource", resource).
		WithField("identifier", id).
		WithField("state", state).
		WithUserMessage(fmt.Sprintf("%s cannot be changed right now", resource))
}

// NewMissingKeyError reports that a peer's public key is not yet resolvable.
func NewMissingKeyError(peerID string) *AppError {
	return New(ErrCodeMissingKey, "peer public key not available").
		WithField("peer", peerID).
		WithUserMessage("Waiting for the contact's key")
}

// NewMalformedEventError reports an inbound event missing a required field.
func NewMalformedEventError(kind, field string) *AppError {
	return New(ErrCodeMalformedEvent, fmt.Sprintf("%s event missing %s", kind, field)).
		WithField("kind", kind).
		WithField("field", field)
}

// NewBlockedError reports an operation refused because the peer or
// conversation is on the block list.
func NewBlockedError(subject string) *AppError {
	return New(ErrCodeBlocked, "peer or conversation is blocked").
		WithField("subject", subject).
		WithUserMessage("This contact is blocked")
}

// NewDuplicateRequestError reports a key exchange that is already
// outstanding with the peer in either direction.
func NewDuplicateRequestError(peerID, requestID string) *AppError {
	return New(ErrCodeDuplicateRequest, "key exchange already outstanding").
		WithField("peer", peerID).
		WithField("request_id", requestID).
		WithUserMessage("A request to this contact is already pending")
}

// NewNotFoundError creates a not found error with resource context
func NewNotFoundError(resource, identifier string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithField("resource", resource).
		WithField("identifier", identifier).
		WithUserMessage(fmt.Sprintf("%s not found", resource))
}

// HTTPStatusCode maps err's code to a control API status.
func HTTPStatusCode(err error) int {
	return GetCode(err).Status()
}

// HTTPErrorResponse is the standard error body of the control API
type HTTPErrorResponse struct {
	Error struct {
		Code    ErrorCode `json:"code"`
		Message string    `json:"message"`
	} `json:"error"`
}

// ToHTTPResponse converts an error to a standardized HTTP response
func ToHTTPResponse(err error) HTTPErrorResponse {
	var response HTTPErrorResponse
	response.Error.Code = GetCode(err)
	response.Error.Message = GetUserMessage(err)
	return response
}

// WriteJSON writes err as an HTTPErrorResponse with its mapped status code.
func WriteJSON(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatusCode(err))
	_ = json.NewEncoder(w).Encode(ToHTTPResponse(err))
}
