package channel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aviko-ai/aviko/pkg/core/protocol"
)

// PeripheralConfig configures the embodied-device channel.
type PeripheralConfig struct {
	// URL is the peripheral bridge endpoint. Empty disables the channel.
	URL string

	// Enabled gates the channel independently of URL.
	Enabled bool

	// ReconnectDelay is the fixed wait before each reconnect attempt.
	// Default: 5s.
	ReconnectDelay time.Duration

	// HandshakeTimeout bounds each dial attempt. Default: 15s.
	HandshakeTimeout time.Duration

	// EventBuffer is the inbound event channel capacity. Default: 64.
	EventBuffer int

	// OnReconnect is invoked each time a reconnect attempt is scheduled.
	// Used for metrics; may be nil.
	OnReconnect func()

	Logger *slog.Logger
}

// Peripheral is the best-effort channel to the companion device. Presence is
// optional: dial failures are swallowed, commands sent while disconnected
// are silently dropped, and every close schedules exactly one reconnect
// after a fixed delay until the channel itself is closed.
type Peripheral struct {
	cfg    PeripheralConfig
	logger *slog.Logger

	mu           sync.Mutex
	conn         *websocket.Conn
	state        ConnState
	closed       bool
	retryTimer   *time.Timer
	retryPending bool
	gen          int

	writeMu sync.Mutex

	events chan protocol.PeripheralEvent
}

// NewPeripheral creates a peripheral channel in the Disconnected state.
func NewPeripheral(cfg PeripheralConfig) *Peripheral {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
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
	return &Peripheral{
		cfg:    cfg,
		logger: logger.With("component", "channel.peripheral"),
		state:  StateDisconnected,
		events: make(chan protocol.PeripheralEvent, cfg.EventBuffer),
	}
}

// Open attempts the first connection. Failures are not returned: the
// peripheral is optional, so a failed dial only schedules a retry.
func (p *Peripheral) Open() {
	p.mu.Lock()
	enabled := p.cfg.Enabled && p.cfg.URL != "" && !p.closed
	p.mu.Unlock()
	if !enabled {
		return
	}
	p.dial()
}

// State returns the current connection state.
func (p *Peripheral) State() ConnState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Events yields decoded peripheral reports. Best-effort: events are dropped
// when the consumer falls behind.
func (p *Peripheral) Events() <-chan protocol.PeripheralEvent {
	return p.events
}

// PlayExpression forwards an expression command. Fire-and-forget: when the
// peripheral is not connected the command is dropped, never retried, and no
// error is surfaced.
func (p *Peripheral) PlayExpression(expression string) error {
	return p.send(protocol.NewPlayExpression(expression))
}

// GetInfo requests a device identification report.
func (p *Peripheral) GetInfo() error {
	return p.send(protocol.NewGetInfo())
}

// Configure tears down the current connection and any pending retry, swaps
// the endpoint settings, and reopens if still enabled.
func (p *Peripheral) Configure(url string, enabled bool) {
	p.mu.Lock()
	p.cfg.URL = url
	p.cfg.Enabled = enabled
	p.teardownLocked()
	p.mu.Unlock()

	if enabled && url != "" {
		p.Open()
	}
}

// Close shuts the channel down for good, cancelling any pending reconnect.
func (p *Peripheral) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.teardownLocked()
	return nil
}

// teardownLocked closes the live socket and cancels the retry timer.
// Callers must hold p.mu.
func (p *Peripheral) teardownLocked() {
	p.gen++
	if p.retryTimer != nil {
		p.retryTimer.Stop()
		p.retryTimer = nil
	}
	p.retryPending = false
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
	p.state = StateDisconnected
}

func (p *Peripheral) send(v any) error {
	p.mu.Lock()
	conn := p.conn
	connected := p.state == StateConnected && conn != nil
	p.mu.Unlock()

	if !connected {
		p.logger.Debug("peripheral not connected, dropping command")
		return nil
	}

	p.writeMu.Lock()
	err := conn.WriteJSON(v)
	p.writeMu.Unlock()
	if err != nil {
		// The read loop notices the broken socket and schedules the retry.
		p.logger.Debug("peripheral write failed", "error", err)
	}
	return nil
}

func (p *Peripheral) dial() {
	p.mu.Lock()
	if p.closed || !p.cfg.Enabled || p.cfg.URL == "" {
		p.mu.Unlock()
		return
	}
	p.state = StateConnecting
	rawURL := p.cfg.URL
	gen := p.gen
	p.mu.Unlock()

	wsURL, err := websocketURL(rawURL)
	if err != nil {
		p.logger.Debug("peripheral URL invalid", "error", err)
		p.markDisconnected(gen)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.HandshakeTimeout)
	defer cancel()

	dialer := websocket.DefaultDialer
	if dialer == nil {
		dialer = &websocket.Dialer{}
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		p.logger.Debug("peripheral dial failed", "url", wsURL, "error", err)
		p.markDisconnected(gen)
		return
	}

	p.mu.Lock()
	if p.closed || gen != p.gen {
		p.mu.Unlock()
		_ = conn.Close()
		return
	}
	p.conn = conn
	p.state = StateConnected
	p.mu.Unlock()

	p.logger.Info("peripheral connected", "url", wsURL)
	_ = p.GetInfo()
	go p.readLoop(conn, gen)
}

func (p *Peripheral) readLoop(conn *websocket.Conn, gen int) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			p.mu.Lock()
			if p.conn == conn {
				p.conn = nil
			}
			p.mu.Unlock()
			p.markDisconnected(gen)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		event, decErr := protocol.DecodePeripheralEvent(data)
		if decErr != nil {
			p.logger.Debug("peripheral frame ignored", "error", decErr)
			continue
		}
		p.emit(event)
	}
}

func (p *Peripheral) emit(event protocol.PeripheralEvent) {
	select {
	case p.events <- event:
	default:
		// Best-effort channel; the device re-reports state continuously.
	}
}

// markDisconnected flips the state and schedules a single reconnect.
func (p *Peripheral) markDisconnected(gen int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || gen != p.gen {
		return
	}
	p.state = StateDisconnected
	p.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms the retry timer if one is not already
// pending. Repeated disconnect signals therefore collapse into one attempt.
// Callers must hold p.mu.
func (p *Peripheral) scheduleReconnectLocked() {
	if p.closed || p.retryPending {
		return
	}
	p.retryPending = true
	gen := p.gen
	if p.cfg.OnReconnect != nil {
		p.cfg.OnReconnect()
	}
	p.logger.Debug("peripheral reconnect scheduled", "delay", p.cfg.ReconnectDelay)
	p.retryTimer = time.AfterFunc(p.cfg.ReconnectDelay, func() {
		p.mu.Lock()
		p.retryPending = false
		stale := p.closed || gen != p.gen
		p.mu.Unlock()
		if stale {
			return
		}
		p.dial()
	})
}
