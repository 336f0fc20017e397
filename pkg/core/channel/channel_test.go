package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aviko-ai/aviko/pkg/core/protocol"
)

func TestConnStateString(t *testing.T) {
	tests := []struct {
		state ConnState
		want  string
	}{
		{StateDisconnected, "DISCONNECTED"},
		{StateConnecting, "CONNECTING"},
		{StateConnected, "CONNECTED"},
		{StateError, "ERROR"},
		{ConnState(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("ConnState(%d).String() = %q, want %q", int(tt.state), got, tt.want)
		}
	}
}

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"http://localhost:8000/ws", "ws://localhost:8000/ws", false},
		{"https://backend.example/ws", "wss://backend.example/ws", false},
		{"ws://robot.local:8765", "ws://robot.local:8765", false},
		{"ftp://nope", "", true},
	}
	for _, tt := range tests {
		got, err := websocketURL(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("websocketURL(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("websocketURL(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("websocketURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// wsServer is a loopback websocket endpoint driven by a per-connection
// handler.
func wsServer(t *testing.T, handler func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPrimarySendRequiresConnection(t *testing.T) {
	c := NewPrimary(PrimaryConfig{URL: "ws://127.0.0.1:1/ws"})
	defer c.Close()

	if c.State() != StateDisconnected {
		t.Fatalf("state = %v, want DISCONNECTED", c.State())
	}
	if err := c.Send(protocol.NewTurnRequest("hi")); err == nil {
		t.Fatal("expected Send on a disconnected channel to fail")
	}
}

func TestPrimaryEventOrdering(t *testing.T) {
	srv := wsServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		// Wait for the turn request, then stream a full turn in order.
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		frames := []string{
			`{"type":"thinking"}`,
			`{"type":"response_start"}`,
			`{"type":"audio_chunk","data":"AAAA","sample_rate":24000}`,
			`{"type":"audio_chunk","data":"AAAA","sample_rate":24000}`,
			`{"type":"response_end","text":"done","latency_ms":5}`,
		}
		for _, frame := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
	})

	c := NewPrimary(PrimaryConfig{URL: srv.URL})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if c.State() != StateConnected {
		t.Fatalf("state = %v, want CONNECTED", c.State())
	}
	if err := c.Send(protocol.NewTurnRequest("hello")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	wantOrder := []string{"thinking", "response_start", "audio_chunk", "audio_chunk", "response_end"}
	var got []string
	deadline := time.After(5 * time.Second)
	for len(got) < len(wantOrder) {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				t.Fatalf("event channel closed after %d events: %v", len(got), got)
			}
			switch ev.(type) {
			case protocol.ServerThinking:
				got = append(got, "thinking")
			case protocol.ServerResponseStart:
				got = append(got, "response_start")
			case protocol.ServerAudioChunk:
				got = append(got, "audio_chunk")
			case protocol.ServerResponseEnd:
				got = append(got, "response_end")
			case protocol.ServerError:
				got = append(got, "error")
			}
		case <-deadline:
			t.Fatalf("timed out after %d events: %v", len(got), got)
		}
	}
	if strings.Join(got, ",") != strings.Join(wantOrder, ",") {
		t.Fatalf("event order = %v, want %v", got, wantOrder)
	}
}

func TestPrimaryDialFailure(t *testing.T) {
	c := NewPrimary(PrimaryConfig{URL: "ws://127.0.0.1:1/ws", HandshakeTimeout: 500 * time.Millisecond})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Connect(ctx); err == nil {
		t.Fatal("expected dial failure")
	}
	if c.State() != StateError {
		t.Fatalf("state = %v, want ERROR", c.State())
	}
}

func TestPeripheralReconnectAfterClose(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	srv := wsServer(t, func(conn *websocket.Conn) {
		mu.Lock()
		dials++
		n := dials
		mu.Unlock()
		if n == 1 {
			// Drop the first connection immediately to force a retry.
			conn.Close()
			return
		}
		// Hold the second connection open.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	var reconnects atomic.Int32
	p := NewPeripheral(PeripheralConfig{
		URL:            srv.URL,
		Enabled:        true,
		ReconnectDelay: 20 * time.Millisecond,
		OnReconnect:    func() { reconnects.Add(1) },
	})
	defer p.Close()

	p.Open()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dials >= 2
	})
	waitFor(t, time.Second, func() bool { return p.State() == StateConnected })
	if reconnects.Load() == 0 {
		t.Error("expected at least one scheduled reconnect")
	}
}

func TestPeripheralReconnectSchedulingIsIdempotent(t *testing.T) {
	p := NewPeripheral(PeripheralConfig{
		URL:            "ws://127.0.0.1:1/ws",
		Enabled:        true,
		ReconnectDelay: time.Hour,
	})
	defer p.Close()

	p.mu.Lock()
	gen := p.gen
	p.mu.Unlock()

	// Repeated close signals for the same connection generation must arm
	// exactly one timer.
	p.markDisconnected(gen)
	first := func() *time.Timer {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.retryTimer
	}()
	if first == nil {
		t.Fatal("expected a pending retry timer")
	}

	p.markDisconnected(gen)
	p.markDisconnected(gen)
	p.mu.Lock()
	second := p.retryTimer
	pending := p.retryPending
	p.mu.Unlock()
	if second != first {
		t.Error("repeated disconnects replaced the retry timer")
	}
	if !pending {
		t.Error("retry should still be pending")
	}
}

func TestPeripheralCloseCancelsPendingRetry(t *testing.T) {
	p := NewPeripheral(PeripheralConfig{
		URL:            "ws://127.0.0.1:1/ws",
		Enabled:        true,
		ReconnectDelay: time.Hour,
	})

	p.mu.Lock()
	gen := p.gen
	p.mu.Unlock()
	p.markDisconnected(gen)

	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.retryPending || p.retryTimer != nil {
		t.Error("Close must cancel the pending retry")
	}
}

func TestPeripheralCommandsDropWhenDisconnected(t *testing.T) {
	p := NewPeripheral(PeripheralConfig{URL: "ws://127.0.0.1:1/ws", Enabled: true})
	defer p.Close()

	if err := p.PlayExpression("happy"); err != nil {
		t.Errorf("PlayExpression while disconnected = %v, want nil", err)
	}
	if err := p.GetInfo(); err != nil {
		t.Errorf("GetInfo while disconnected = %v, want nil", err)
	}
}

func TestPeripheralDisabledNeverDials(t *testing.T) {
	p := NewPeripheral(PeripheralConfig{URL: "", Enabled: false})
	defer p.Close()

	p.Open()
	if p.State() != StateDisconnected {
		t.Fatalf("state = %v, want DISCONNECTED", p.State())
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
