// Package errors provides the API-facing error taxonomy for the proxy.
package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// ErrorType represents the error type in OpenAI response format.
type ErrorType string

const (
	ErrorTypeInvalidRequest ErrorType = "invalid_request_error"
	ErrorTypeAuthentication ErrorType = "authentication_error"
	ErrorTypePermission     ErrorType = "permission_error"
	ErrorTypeNotFound       ErrorType = "not_found_error"
	ErrorTypeRateLimit      ErrorType = "rate_limit_error"
	ErrorTypeAPI            ErrorType = "api_error"
	ErrorTypeOverloaded     ErrorType = "overloaded_error"
)

// APIError represents an error response in OpenAI format:
// {"error":{"message":...,"type":...}}.
type APIError struct {
	Detail ErrorDetail `json:"error"`
	// HTTPStatus overrides the default status code mapping when set.
	HTTPStatus int `json:"-"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Message string    `json:"message"`
	Type    ErrorType `json:"type,omitempty"`
	Code    string    `json:"code,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Detail.Message
}

// ToJSON returns the error as a JSON byte slice.
func (e *APIError) ToJSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

// StatusCode returns the HTTP status code for this error.
func (e *APIError) StatusCode() int {
	if e.HTTPStatus != 0 {
		return e.HTTPStatus
	}

	switch e.Detail.Type {
	case ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypePermission:
		return http.StatusForbidden
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeOverloaded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewError creates a new APIError.
func NewError(errType ErrorType, message string) *APIError {
	return &APIError{
		Detail: ErrorDetail{
			Type:    errType,
			Message: message,
		},
	}
}

// InvalidRequest creates an invalid request error.
func InvalidRequest(message string) *APIError {
	return NewError(ErrorTypeInvalidRequest, message)
}

// AuthenticationError creates an authentication error.
func AuthenticationError(message string) *APIError {
	return NewError(ErrorTypeAuthentication, message)
}

// RateLimited creates a rate limit error.
func RateLimited(message string) *APIError {
	return NewError(ErrorTypeRateLimit, message)
}

// Internal creates a generic API error.
func Internal(message string) *APIError {
	return NewError(ErrorTypeAPI, message)
}

// Overloaded creates an overloaded error.
func Overloaded(message string) *APIError {
	return NewError(ErrorTypeOverloaded, message)
}

// FromError converts a Go error to an APIError.
func FromError(err error) *APIError {
	if err == nil {
		return nil
	}

	if ae, ok := err.(*APIError); ok {
		return ae
	}

	errStr := err.Error()
	lowerErr := strings.ToLower(errStr)

	// Cancellation surfaces as a client-side abort.
	if strings.Contains(lowerErr, "context canceled") {
		ae := Internal("Request canceled by client.")
		ae.HTTPStatus = 499
		return ae
	}
	if strings.Contains(lowerErr, "deadline exceeded") || strings.Contains(lowerErr, "timed out") {
		ae := Internal(errStr)
		ae.HTTPStatus = http.StatusGatewayTimeout
		return ae
	}

	// Rate limit / quota exhaustion
	if strings.Contains(lowerErr, "rate limit") ||
		strings.Contains(lowerErr, "too many requests") ||
		strings.Contains(lowerErr, "quota") ||
		strings.Contains(errStr, "429") {
		return RateLimited(errStr)
	}

	// Authentication
	if strings.Contains(lowerErr, "auth") ||
		strings.Contains(lowerErr, "token") ||
		strings.Contains(errStr, "401") ||
		strings.Contains(errStr, "403") ||
		strings.Contains(lowerErr, "unauthenticated") {
		return AuthenticationError(errStr)
	}

	// Overloaded / capacity
	if strings.Contains(lowerErr, "overloaded") ||
		strings.Contains(lowerErr, "capacity") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "529") ||
		strings.Contains(lowerErr, "service unavailable") {
		return Overloaded(errStr)
	}

	// Not found
	if strings.Contains(lowerErr, "not found") || strings.Contains(errStr, "404") {
		return NewError(ErrorTypeNotFound, errStr)
	}

	// Invalid request
	if strings.Contains(lowerErr, "invalid") ||
		strings.Contains(lowerErr, "bad request") ||
		strings.Contains(errStr, "400") {
		return InvalidRequest(errStr)
	}

	return Internal(errStr)
}

// Wrap wraps an error with additional context.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}
