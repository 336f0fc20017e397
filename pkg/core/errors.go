package core

import (
	"fmt"
	"net/url"
)

// Error is the canonical error value surfaced by the conversation core.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    string    `json:"code,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
//
// No error in this taxonomy is process-fatal: transport errors return the
// active turn to idle (or trigger a peripheral reconnect), media errors
// degrade the turn without aborting it, and recognition errors abort only
// the current capture.
type ErrorType string

const (
	ErrInvalidRequest   ErrorType = "invalid_request_error"
	ErrTransport        ErrorType = "transport_error"
	ErrMediaUnavailable ErrorType = "media_unavailable_error"
	ErrRecognition      ErrorType = "recognition_error"
	ErrMediaDecode      ErrorType = "media_decode_error"
)

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{
		Type:    ErrInvalidRequest,
		Message: message,
	}
}

// NewTransportErr creates a transport error value (connection refused,
// socket closed, malformed frame).
func NewTransportErr(message string) *Error {
	return &Error{
		Type:    ErrTransport,
		Message: message,
	}
}

// NewMediaUnavailableError creates an error for a missing capture device or
// denied capture permission.
func NewMediaUnavailableError(message string) *Error {
	return &Error{
		Type:    ErrMediaUnavailable,
		Message: message,
	}
}

// NewRecognitionError creates an error for a failed recognition cycle.
func NewRecognitionError(message string) *Error {
	return &Error{
		Type:    ErrRecognition,
		Message: message,
	}
}

// NewMediaDecodeError creates an error for an undecodable audio payload.
func NewMediaDecodeError(message string) *Error {
	return &Error{
		Type:    ErrMediaDecode,
		Message: message,
	}
}

// TransportError represents socket-level failures (DNS, refused connection,
// reset, TLS handshake) while dialing or talking to a channel endpoint.
//
// Use errors.As(err, &TransportError{}) to distinguish transport failures
// from canonical core errors (*core.Error).
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Op != "" && e.URL != "":
		return fmt.Sprintf("transport error during %s %s: %v", e.Op, redactURLUserInfo(e.URL), e.Err)
	case e.Op != "":
		return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("transport error: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func redactURLUserInfo(raw string) string {
	if raw == "" {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed == nil {
		return raw
	}
	parsed.User = nil
	return parsed.String()
}
