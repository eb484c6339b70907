// Package core provides the types, contracts and error taxonomy shared by the chat client.
package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"
)

// ErrorType represents the category of a chat client error
type ErrorType string

const (
	// ErrorTypeValidation indicates a precondition failed before any network call
	ErrorTypeValidation ErrorType = "validation_error"
	// ErrorTypeRequestFailed indicates a non-success status or an error envelope from the server
	ErrorTypeRequestFailed ErrorType = "request_failed"
	// ErrorTypeMalformedRecord indicates a single stream record could not be parsed
	ErrorTypeMalformedRecord ErrorType = "malformed_record"
	// ErrorTypeTransport indicates the response stream could not be read to completion
	ErrorTypeTransport ErrorType = "transport_failure"
	// ErrorTypePersistence indicates the history could not be saved or loaded
	ErrorTypePersistence ErrorType = "persistence_failure"
)

// DefaultRequestFailedMessage is used when the server gives no usable error message.
const DefaultRequestFailedMessage = "API request failed"

var (
	// ErrEmptyMessage is returned when Send is called with blank input. Nothing is mutated.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrBusy is returned when a send is attempted while another is in flight.
	ErrBusy = errors.New("a request is already in flight")
	// ErrQuotaExceeded is returned by history stores that enforce a size limit.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
)

// ChatError is the single error type used across the client, tagged by Type.
type ChatError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code,omitempty"`
	// Original error for debugging (not exposed to users)
	Err error `json:"-"`
}

// Error implements the error interface
func (e *ChatError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Type, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements the error unwrapping interface
func (e *ChatError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the status the local HTTP surface should answer with
func (e *ChatError) HTTPStatusCode() int {
	switch e.Type {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeRequestFailed:
		if e.StatusCode >= 400 {
			return e.StatusCode
		}
		return http.StatusBadGateway
	case ErrorTypeTransport, ErrorTypeMalformedRecord:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ToJSON converts the error to a JSON-compatible map
func (e *ChatError) ToJSON() map[string]interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"type":    e.Type,
			"message": e.Message,
		},
	}
}

// NewValidationError creates an error for a failed precondition
func NewValidationError(message string) *ChatError {
	return &ChatError{Type: ErrorTypeValidation, Message: message}
}

// NewRequestFailedError creates an error for a rejected request
func NewRequestFailedError(statusCode int, message string, err error) *ChatError {
	if message == "" {
		message = DefaultRequestFailedMessage
	}
	return &ChatError{
		Type:       ErrorTypeRequestFailed,
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}
}

// NewMalformedRecordError creates an error for a stream record that failed to parse
func NewMalformedRecordError(line string, err error) *ChatError {
	return &ChatError{
		Type:    ErrorTypeMalformedRecord,
		Message: "malformed stream record: " + truncate(line, 120),
		Err:     err,
	}
}

// NewTransportError creates an error for a failed or aborted stream read
func NewTransportError(message string, err error) *ChatError {
	return &ChatError{Type: ErrorTypeTransport, Message: message, Err: err}
}

// NewPersistenceError creates an error for a failed history save or load
func NewPersistenceError(message string, err error) *ChatError {
	return &ChatError{Type: ErrorTypePersistence, Message: message, Err: err}
}

// IsType reports whether err is a ChatError of type t
func IsType(err error, t ErrorType) bool {
	var chatErr *ChatError
	return errors.As(err, &chatErr) && chatErr.Type == t
}

// UserMessage returns the text shown to the user for err.
func UserMessage(err error) string {
	var chatErr *ChatError
	if errors.As(err, &chatErr) {
		return chatErr.Message
	}
	return err.Error()
}

// ParseRequestError builds a RequestFailed error from a non-success response body.
// The server's error.message wins; otherwise the generic fallback is used.
func ParseRequestError(statusCode int, body []byte) *ChatError {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}

	message := ""
	if err := json.Unmarshal(body, &envelope); err == nil {
		message = envelope.Error.Message
	}
	return NewRequestFailedError(statusCode, message, nil)
}

// truncate cuts s to at most n bytes without splitting a rune
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
