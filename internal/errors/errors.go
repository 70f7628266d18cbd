// Package errors defines the relay's error taxonomy and its HTTP mapping.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode identifies a class of failure.
type ErrorCode string

const (
	CodeMissingParameter   ErrorCode = "MISSING_PARAMETER"
	CodeInvalidParameter   ErrorCode = "INVALID_PARAMETER"
	CodeRelayerUnavailable ErrorCode = "RELAYER_UNAVAILABLE"
	CodeChainFailure       ErrorCode = "CHAIN_FAILURE"
	CodeTransactionFailed  ErrorCode = "TRANSACTION_REVERTED"
	CodeRateLimitExceeded  ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeInternal           ErrorCode = "INTERNAL_ERROR"
)

// ServiceError is an error that knows how it is presented over HTTP.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"error"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails attaches a key to the error's details map.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func newError(code ErrorCode, status int, message string, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// MissingParameter reports required fields absent from the request (400).
func MissingParameter(fields ...string) *ServiceError {
	msg := "Missing parameters"
	if len(fields) > 0 {
		msg = "Missing parameters: " + strings.Join(fields, ", ")
	}
	return newError(CodeMissingParameter, http.StatusBadRequest, msg, nil).WithDetails("fields", fields)
}

// InvalidParameter reports a present but malformed field (400).
func InvalidParameter(field string, err error) *ServiceError {
	msg := fmt.Sprintf("Invalid %s", field)
	if err != nil {
		msg = fmt.Sprintf("Invalid %s: %s", field, ShortMessage(err))
	}
	return newError(CodeInvalidParameter, http.StatusBadRequest, msg, err).WithDetails("field", field)
}

// BadRequest is a 400 that does not map to a single field.
func BadRequest(message string) *ServiceError {
	return newError(CodeInvalidParameter, http.StatusBadRequest, message, nil)
}

// RelayerUnavailable reports that no account can pay gas for the request (500).
func RelayerUnavailable(message string) *ServiceError {
	return newError(CodeRelayerUnavailable, http.StatusInternalServerError, message, nil)
}

// ChainFailure wraps an RPC error, revert or timeout (500).
func ChainFailure(err error) *ServiceError {
	return newError(CodeChainFailure, http.StatusInternalServerError, ShortMessage(err), err)
}

// TransactionReverted reports a mined transaction with failed status (500).
func TransactionReverted(txHash string) *ServiceError {
	return newError(CodeTransactionFailed, http.StatusInternalServerError, "transaction reverted", nil).
		WithDetails("txHash", txHash)
}

// RateLimitExceeded reports a throttled client (429).
func RateLimitExceeded(limit int, window string) *ServiceError {
	return newError(CodeRateLimitExceeded, http.StatusTooManyRequests,
		fmt.Sprintf("Rate limit exceeded: %d requests per %s", limit, window), nil)
}

// NotFound reports an unknown resource (404).
func NotFound(resource, id string) *ServiceError {
	return newError(CodeNotFound, http.StatusNotFound, fmt.Sprintf("%s not found: %s", resource, id), nil)
}

// Internal wraps an unexpected failure (500).
func Internal(message string, err error) *ServiceError {
	return newError(CodeInternal, http.StatusInternalServerError, message, err)
}

// GetServiceError extracts a ServiceError from err's chain.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se
	}
	return nil
}

// HTTPStatus returns the status for err, defaulting to 500.
func HTTPStatus(err error) int {
	if se := GetServiceError(err); se != nil {
		return se.HTTPStatus
	}
	return http.StatusInternalServerError
}

// ShortMessage returns the first line of err's message.
// Revert reasons reported by the node ("execution reverted: ...") are kept intact.
func ShortMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.TrimSpace(err.Error())
	if idx := strings.IndexByte(msg, '\n'); idx >= 0 {
		msg = strings.TrimSpace(msg[:idx])
	}
	if msg == "" {
		return "unknown error"
	}
	return msg
}
