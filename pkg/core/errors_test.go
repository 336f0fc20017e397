package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorString(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "without code",
			err:  NewRecognitionError("no speech detected"),
			want: "recognition_error: no speech detected",
		},
		{
			name: "with code",
			err:  &Error{Type: ErrTransport, Message: "socket closed", Code: "abnormal_closure"},
			want: "transport_error: socket closed (code: abnormal_closure)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConstructorTypes(t *testing.T) {
	tests := []struct {
		err  *Error
		want ErrorType
	}{
		{NewInvalidRequestError("x"), ErrInvalidRequest},
		{NewTransportErr("x"), ErrTransport},
		{NewMediaUnavailableError("x"), ErrMediaUnavailable},
		{NewRecognitionError("x"), ErrRecognition},
		{NewMediaDecodeError("x"), ErrMediaDecode},
	}
	for _, tt := range tests {
		if tt.err.Type != tt.want {
			t.Errorf("constructor produced type %q, want %q", tt.err.Type, tt.want)
		}
	}
}

func TestTransportErrorUnwrap(t *testing.T) {
	inner := fmt.Errorf("connection refused")
	err := &TransportError{Op: "GET", URL: "ws://user:secret@robot.local:8765/ws", Err: inner}

	if !errors.Is(err, inner) {
		t.Error("expected errors.Is to find the wrapped error")
	}

	msg := err.Error()
	if want := "transport error during GET ws://robot.local:8765/ws: connection refused"; msg != want {
		t.Errorf("Error() = %q, want %q", msg, want)
	}
}

func TestTransportErrorRedactsBadURL(t *testing.T) {
	err := &TransportError{Op: "GET", URL: "::not-a-url::", Err: errors.New("boom")}
	if err.Error() == "" {
		t.Error("expected non-empty message for unparseable URL")
	}
}
