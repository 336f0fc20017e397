// Package channel implements the two websocket links owned by the
// conversation core: the primary backend channel and the best-effort
// peripheral channel. The two instances are independently owned and their
// connection lifecycles are uncoupled.
package channel

import (
	"net/url"
	"strings"
	"time"

	"github.com/aviko-ai/aviko/pkg/core"
)

const (
	defaultHandshakeTimeout = 15 * time.Second
	defaultEventBuffer      = 64
	defaultReconnectDelay   = 5 * time.Second
)

// ConnState is the lifecycle state of one channel.
type ConnState int

const (
	// StateDisconnected means no socket is open.
	StateDisconnected ConnState = iota
	// StateConnecting means a dial is in flight.
	StateConnecting
	// StateConnected means the socket is open and usable.
	StateConnected
	// StateError means the last dial or read failed; Err() carries detail.
	StateError
)

// String returns a human-readable state name.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// websocketURL normalizes an endpoint to a ws(s) scheme.
func websocketURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", core.NewInvalidRequestError("invalid channel URL")
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		// already websocket scheme.
	default:
		return "", core.NewInvalidRequestError("channel URL must use http(s) or ws(s)")
	}
	return u.String(), nil
}
