package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aviko-ai/aviko/pkg/core"
	"github.com/aviko-ai/aviko/pkg/core/protocol"
)

// PrimaryConfig configures the backend request/response channel.
type PrimaryConfig struct {
	// URL is the backend websocket endpoint (ws://, wss://, or http(s)://).
	URL string

	// HandshakeTimeout bounds the dial when the caller's context has no
	// deadline. Default: 15s.
	HandshakeTimeout time.Duration

	// EventBuffer is the inbound event channel capacity. Default: 64.
	EventBuffer int

	Logger *slog.Logger
}

// Primary is the managed backend channel. It carries a single in-flight
// turn: one TurnRequest out, a strictly ordered stream of server events in.
// Events are delivered in network arrival order and never dropped or
// coalesced; a slow consumer backpressures the read loop instead.
type Primary struct {
	cfg    PrimaryConfig
	logger *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	state    ConnState
	stateMsg string

	events chan protocol.ServerEvent
	done   chan struct{}
	quit   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	errMu sync.Mutex
	err   error
}

// NewPrimary creates a primary channel in the Disconnected state.
func NewPrimary(cfg PrimaryConfig) *Primary {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Primary{
		cfg:    cfg,
		logger: logger.With("component", "channel.primary"),
		state:  StateDisconnected,
		events: make(chan protocol.ServerEvent, cfg.EventBuffer),
		done:   make(chan struct{}),
		quit:   make(chan struct{}),
	}
}

// Connect dials the backend and starts the read loop. It may be called once
// per Primary; a failed dial leaves the channel in the Error state and the
// caller is expected to fall back to offline replies.
func (c *Primary) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return core.NewTransportErr("primary channel is closed")
	}

	wsURL, err := websocketURL(c.cfg.URL)
	if err != nil {
		return err
	}

	c.setState(StateConnecting, "")

	dialCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
		defer cancel()
	}

	dialer := websocket.DefaultDialer
	if dialer == nil {
		dialer = &websocket.Dialer{}
	}
	conn, resp, err := dialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		c.setState(StateError, err.Error())
		if resp != nil {
			return &core.TransportError{Op: "GET", URL: wsURL, Err: fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)}
		}
		return &core.TransportError{Op: "GET", URL: wsURL, Err: err}
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.stateMsg = ""
	c.mu.Unlock()

	c.logger.Info("connected", "url", wsURL)
	go c.readLoop(conn)
	return nil
}

// State returns the current connection state.
func (c *Primary) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send writes one turn envelope. It fails without side effects when the
// channel is not Connected; the caller must use the offline fallback path.
func (c *Primary) Send(req protocol.TurnRequest) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if state != StateConnected || conn == nil {
		return core.NewTransportErr("primary channel is not connected")
	}

	c.logger.Debug("send turn", "envelope", req.RedactedForLog())
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(req); err != nil {
		return &core.TransportError{Op: "WRITE", URL: c.cfg.URL, Err: err}
	}
	return nil
}

// Events yields decoded server events in strict arrival order. The channel
// is closed when the connection ends.
func (c *Primary) Events() <-chan protocol.ServerEvent {
	return c.events
}

// Err returns the terminal channel error, if any. Blocks until the read
// loop has finished.
func (c *Primary) Err() error {
	<-c.done
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close closes the socket and waits for the read loop to drain.
func (c *Primary) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.quit)

		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.state = StateDisconnected
		c.mu.Unlock()

		if conn != nil {
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
			c.writeMu.Unlock()
			_ = conn.Close()
		} else {
			// No read loop will ever run; release Err() waiters.
			close(c.done)
		}
	})
	return nil
}

func (c *Primary) setState(state ConnState, msg string) {
	c.mu.Lock()
	c.state = state
	c.stateMsg = msg
	c.mu.Unlock()
}

func (c *Primary) setErr(err error) {
	if err == nil {
		return
	}
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *Primary) readLoop(conn *websocket.Conn) {
	defer close(c.done)
	defer close(c.events)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || c.closed.Load() {
				c.setState(StateDisconnected, "")
				return
			}
			c.setState(StateError, err.Error())
			c.setErr(&core.TransportError{Op: "READ", URL: c.cfg.URL, Err: err})
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		event, decErr := protocol.DecodeServerEvent(data)
		if decErr != nil {
			c.setState(StateError, decErr.Error())
			c.setErr(&core.TransportError{Op: "READ", URL: c.cfg.URL, Err: decErr})
			return
		}

		// Blocking delivery preserves the per-turn ordering guarantee.
		select {
		case c.events <- event:
		case <-c.quit:
			return
		}
	}
}
