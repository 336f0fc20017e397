package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aviko-ai/aviko/pkg/core"
	"github.com/aviko-ai/aviko/pkg/core/audio"
	"github.com/aviko-ai/aviko/pkg/core/channel"
	"github.com/aviko-ai/aviko/pkg/core/expression"
	"github.com/aviko-ai/aviko/pkg/core/protocol"
	"github.com/aviko-ai/aviko/pkg/core/transcript"
)

const (
	defaultThinkDelay  = 1200 * time.Millisecond
	defaultEventBuffer = 64
	maxTitleRunes      = 48
)

var defaultFallbackReplies = []string{
	"I can't reach my brain right now, but I'm still here with you.",
	"I couldn't connect just now. Tell me more while I sort myself out.",
	"My connection is down, so this one is all me. What else is on your mind?",
	"I'm offline at the moment, but I heard you.",
}

// PrimaryChannel is the backend request/response link the machine sends
// turns over.
type PrimaryChannel interface {
	State() channel.ConnState
	Send(req protocol.TurnRequest) error
	Events() <-chan protocol.ServerEvent
}

// Playback plays one reply chunk at a time and reports measured durations.
type Playback interface {
	Play(payloadB64 string, sampleRate int) error
	Events() <-chan audio.Event
}

// Expressions maps turn signals to peripheral expression commands.
type Expressions interface {
	OnThinking() expression.Command
	OnReply(text string) expression.Command
}

// Recorder accumulates per-turn statistics.
type Recorder interface {
	RecordTurn(elapsedMS int64)
	RecordAudioDuration(durationMS int64)
}

// Config wires the machine's collaborators. Every collaborator is optional;
// a nil field disables that concern.
type Config struct {
	Source      transcript.Source
	Primary     PrimaryChannel
	Playback    Playback
	Expressions Expressions
	Metrics     Recorder
	Store       Store

	// Context, LLM, VoiceSamples and MockAudio form the identity snapshot
	// attached to every outbound turn envelope.
	Context      protocol.TurnContext
	LLM          protocol.LLMConfig
	VoiceSamples []protocol.VoiceSample
	MockAudio    bool

	// ThinkDelay is the fixed wait before a locally synthesized reply when
	// the backend is unreachable. Default 1200ms.
	ThinkDelay time.Duration

	// FallbackReplies overrides the canned offline replies.
	FallbackReplies []string

	// EventBuffer sizes the observer event channel. Default 64.
	EventBuffer int

	Logger *slog.Logger
}

// Machine is the session coordinator. A single run-loop goroutine owns the
// turn state and the message log; every inbound event is processed to
// completion before the next one is handled.
type Machine struct {
	cfg    Config
	logger *slog.Logger

	cmds   chan func()
	events chan Event
	quit   chan struct{}
	done   chan struct{}

	closeOnce sync.Once

	// Everything below is owned by the run loop.
	state          TurnState
	session        Session
	turnEpoch      uint64
	turnStart      time.Time
	lastUserText   string
	sourceEvents   <-chan transcript.Event
	sourceErrs     <-chan error
	primaryEvents  <-chan protocol.ServerEvent
	playbackEvents <-chan audio.Event
}

// NewMachine creates a machine and starts its run loop. Call Close to stop
// it.
func NewMachine(cfg Config) *Machine {
	if cfg.ThinkDelay <= 0 {
		cfg.ThinkDelay = defaultThinkDelay
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if len(cfg.FallbackReplies) == 0 {
		cfg.FallbackReplies = defaultFallbackReplies
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Machine{
		cfg:    cfg,
		logger: logger.With("component", "session"),
		cmds:   make(chan func()),
		events: make(chan Event, cfg.EventBuffer),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		state:  StateIdle,
	}
	if cfg.Source != nil {
		m.sourceEvents = cfg.Source.Events()
		m.sourceErrs = cfg.Source.Errs()
	}
	if cfg.Primary != nil {
		m.primaryEvents = cfg.Primary.Events()
	}
	if cfg.Playback != nil {
		m.playbackEvents = cfg.Playback.Events()
	}
	go m.run()
	return m
}

// Events yields observer notifications. Best-effort: slow consumers lose
// events.
func (m *Machine) Events() <-chan Event {
	return m.events
}

// State reports the current turn state.
func (m *Machine) State() TurnState {
	state := StateIdle
	m.do(func() { state = m.state })
	return state
}

// Snapshot returns a copy of the current session.
func (m *Machine) Snapshot() Session {
	var snap Session
	m.do(func() {
		snap = Session{
			Messages:     append([]Message(nil), m.session.Messages...),
			LoadedFromID: m.session.LoadedFromID,
		}
	})
	return snap
}

// StartCapture begins a new turn by starting transcript capture. Rejected
// unless the machine is idle; the system is turn-serial, not turn-concurrent.
func (m *Machine) StartCapture(ctx context.Context) error {
	var err error
	if derr := m.do(func() { err = m.startCapture(ctx) }); derr != nil {
		return derr
	}
	return err
}

// StopCapture cancels listening. A no-op in any other state.
func (m *Machine) StopCapture() error {
	var err error
	if derr := m.do(func() { err = m.stopCapture() }); derr != nil {
		return derr
	}
	return err
}

// Clear archives the current session into the store and replaces it with an
// empty one. Only permitted while idle.
func (m *Machine) Clear(ctx context.Context) error {
	var err error
	if derr := m.do(func() { err = m.clear(ctx) }); derr != nil {
		return derr
	}
	return err
}

// LoadConversation replaces the current session with a persisted
// conversation. Only permitted while idle.
func (m *Machine) LoadConversation(ctx context.Context, id string) error {
	var err error
	if derr := m.do(func() { err = m.load(ctx, id) }); derr != nil {
		return derr
	}
	return err
}

// Close stops the run loop. Pending fallback timers become no-ops.
func (m *Machine) Close() error {
	m.closeOnce.Do(func() {
		close(m.quit)
	})
	<-m.done
	return nil
}

// do runs fn on the loop goroutine and waits for it to finish.
func (m *Machine) do(fn func()) error {
	ran := make(chan struct{})
	wrapped := func() {
		fn()
		close(ran)
	}
	select {
	case m.cmds <- wrapped:
	case <-m.quit:
		return core.NewInvalidRequestError("session machine is closed")
	}
	select {
	case <-ran:
		return nil
	case <-m.done:
		return core.NewInvalidRequestError("session machine is closed")
	}
}

// post delivers fn to the loop without waiting. Dropped once the machine is
// closing.
func (m *Machine) post(fn func()) {
	select {
	case m.cmds <- fn:
	case <-m.quit:
	}
}

func (m *Machine) run() {
	defer close(m.done)
	defer close(m.events)

	for {
		select {
		case <-m.quit:
			if m.state == StateListening && m.cfg.Source != nil {
				m.cfg.Source.Stop()
			}
			return
		case fn := <-m.cmds:
			fn()
		case ev, ok := <-m.sourceEvents:
			if !ok {
				m.sourceEvents = nil
				continue
			}
			m.onTranscript(ev)
		case err, ok := <-m.sourceErrs:
			if !ok {
				m.sourceErrs = nil
				continue
			}
			m.onRecognitionError(err)
		case ev, ok := <-m.primaryEvents:
			if !ok {
				m.primaryEvents = nil
				m.onTransportClosed()
				continue
			}
			m.onServerEvent(ev)
		case ev, ok := <-m.playbackEvents:
			if !ok {
				m.playbackEvents = nil
				continue
			}
			m.onPlayback(ev)
		}
	}
}

func (m *Machine) startCapture(ctx context.Context) error {
	if m.state != StateIdle {
		return core.NewInvalidRequestError("a turn is already active")
	}
	if m.cfg.Source == nil {
		return core.NewMediaUnavailableError("no transcript source configured")
	}
	if err := m.cfg.Source.Start(ctx); err != nil {
		return err
	}
	m.setState(StateListening)
	return nil
}

func (m *Machine) stopCapture() error {
	if m.state != StateListening {
		return nil
	}
	if err := m.cfg.Source.Stop(); err != nil {
		m.logger.Warn("stopping capture", "error", err)
	}
	m.setState(StateIdle)
	return nil
}

func (m *Machine) clear(ctx context.Context) error {
	if m.state != StateIdle {
		return core.NewInvalidRequestError("cannot clear while a turn is active")
	}
	if len(m.session.Messages) > 0 && m.cfg.Store != nil {
		conv := Conversation{
			ID:        uuid.NewString(),
			Title:     titleFor(m.session.Messages),
			Messages:  append([]Message(nil), m.session.Messages...),
			CreatedAt: time.Now(),
		}
		if err := m.cfg.Store.Save(ctx, conv); err != nil {
			return err
		}
		m.logger.Info("archived conversation", "id", conv.ID, "messages", len(conv.Messages))
	}
	m.session = Session{}
	return nil
}

func (m *Machine) load(ctx context.Context, id string) error {
	if m.state != StateIdle {
		return core.NewInvalidRequestError("cannot load while a turn is active")
	}
	if m.cfg.Store == nil {
		return core.NewInvalidRequestError("no session store configured")
	}
	conv, err := m.cfg.Store.Load(ctx, id)
	if err != nil {
		return err
	}
	m.session = Session{
		Messages:     append([]Message(nil), conv.Messages...),
		LoadedFromID: conv.ID,
	}
	m.logger.Info("loaded conversation", "id", conv.ID, "messages", len(conv.Messages))
	return nil
}

func (m *Machine) onTranscript(ev transcript.Event) {
	if m.state != StateListening {
		return
	}
	if !ev.IsFinal {
		m.emit(InterimTranscriptEvent{Text: ev.Text})
		return
	}
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		m.cfg.Source.Stop()
		m.setState(StateIdle)
		return
	}
	m.beginTurn(text)
}

func (m *Machine) onRecognitionError(err error) {
	if m.state != StateListening {
		m.logger.Debug("recognition error outside listening", "error", err)
		return
	}
	m.cfg.Source.Stop()
	m.emit(ErrorEvent{Err: err})
	m.setState(StateIdle)
}

func (m *Machine) beginTurn(text string) {
	m.cfg.Source.Stop()

	msg := Message{Role: RoleUser, Content: text, Timestamp: time.Now()}
	m.session.Messages = append(m.session.Messages, msg)
	m.emit(UserMessageEvent{Message: msg})

	m.lastUserText = text
	m.setState(StateThinking)
	if m.cfg.Expressions != nil {
		m.cfg.Expressions.OnThinking()
	}

	m.turnEpoch++
	epoch := m.turnEpoch
	m.turnStart = time.Now()

	if m.cfg.Primary != nil && m.cfg.Primary.State() == channel.StateConnected {
		if err := m.cfg.Primary.Send(m.buildRequest(text)); err != nil {
			m.logger.Warn("turn send failed, falling back", "error", err)
			m.scheduleFallback(epoch)
		}
		return
	}
	m.logger.Debug("backend unreachable, scheduling fallback reply")
	m.scheduleFallback(epoch)
}

func (m *Machine) buildRequest(text string) protocol.TurnRequest {
	req := protocol.NewTurnRequest(text)
	req.MockAudio = m.cfg.MockAudio
	req.Context = m.cfg.Context
	req.LLM = m.cfg.LLM
	req.VoiceSamples = m.cfg.VoiceSamples
	return req
}

func (m *Machine) scheduleFallback(epoch uint64) {
	time.AfterFunc(m.cfg.ThinkDelay, func() {
		m.post(func() { m.onFallback(epoch) })
	})
}

func (m *Machine) onFallback(epoch uint64) {
	if epoch != m.turnEpoch || m.state != StateThinking {
		return
	}
	reply := m.fallbackReply(m.lastUserText)
	m.completeTurn(reply, time.Since(m.turnStart).Milliseconds(), true)
}

// fallbackReply picks a canned reply deterministically from the user text.
func (m *Machine) fallbackReply(text string) string {
	replies := m.cfg.FallbackReplies
	return replies[len([]rune(text))%len(replies)]
}

func (m *Machine) onServerEvent(ev protocol.ServerEvent) {
	switch ev := ev.(type) {
	case protocol.ServerThinking:
		m.logger.Debug("backend thinking")
	case protocol.ServerResponseStart:
		m.logger.Debug("backend response start")
	case protocol.ServerAudioChunk:
		if m.state != StateThinking && m.state != StateSpeaking {
			m.logger.Debug("discarding audio_chunk outside active turn", "state", m.state.String())
			return
		}
		if m.state == StateThinking {
			m.setState(StateSpeaking)
		}
		if m.cfg.Playback == nil {
			return
		}
		if err := m.cfg.Playback.Play(ev.Data, ev.SampleRate); err != nil {
			m.logger.Warn("enqueueing audio chunk", "error", err)
		}
	case protocol.ServerResponseEnd:
		if m.state != StateThinking && m.state != StateSpeaking {
			m.logger.Debug("discarding response_end outside active turn", "state", m.state.String())
			return
		}
		elapsed := time.Since(m.turnStart).Milliseconds()
		if ev.LatencyMS != nil {
			elapsed = int64(*ev.LatencyMS)
		}
		m.completeTurn(ev.Text, elapsed, false)
	case protocol.ServerError:
		m.abortTurn(core.NewTransportErr(ev.Message))
	}
}

// onTransportClosed handles the primary event stream ending underneath an
// active turn.
func (m *Machine) onTransportClosed() {
	m.abortTurn(core.NewTransportErr("primary channel closed"))
}

// abortTurn discards the active turn's partial results and returns to idle.
// Non-fatal: the user message stays in the log, no reply is appended and no
// metrics are recorded.
func (m *Machine) abortTurn(err error) {
	if m.state != StateThinking && m.state != StateSpeaking {
		return
	}
	m.logger.Warn("turn aborted", "error", err)
	m.emit(ErrorEvent{Err: err})
	m.turnEpoch++
	m.setState(StateIdle)
}

func (m *Machine) onPlayback(ev audio.Event) {
	switch ev := ev.(type) {
	case audio.StartedEvent:
		m.logger.Debug("chunk playing", "duration_ms", ev.DurationMS, "sample_rate", ev.SampleRate)
	case audio.DoneEvent:
		if ev.Err != nil {
			m.emit(ErrorEvent{Err: ev.Err})
			return
		}
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.RecordAudioDuration(ev.DurationMS)
		}
	}
}

func (m *Machine) completeTurn(reply string, elapsedMS int64, offline bool) {
	msg := Message{Role: RoleAssistant, Content: reply, Timestamp: time.Now()}
	m.session.Messages = append(m.session.Messages, msg)
	m.emit(AssistantMessageEvent{Message: msg})

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.RecordTurn(elapsedMS)
	}
	if m.cfg.Expressions != nil {
		m.cfg.Expressions.OnReply(reply)
	}

	m.turnEpoch++
	m.setState(StateIdle)
	m.emit(TurnCompletedEvent{ElapsedMS: elapsedMS, Offline: offline})
	m.logger.Info("turn completed", "elapsed_ms", elapsedMS, "offline", offline)
}

func (m *Machine) setState(to TurnState) {
	if m.state == to {
		return
	}
	from := m.state
	m.state = to
	m.logger.Debug("state changed", "from", from.String(), "to", to.String())
	m.emit(StateChangedEvent{From: from, To: to})
}

func (m *Machine) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.logger.Debug("dropping session event", "type", ev.EventType())
	}
}

func titleFor(messages []Message) string {
	for _, msg := range messages {
		if msg.Role != RoleUser {
			continue
		}
		title := strings.TrimSpace(msg.Content)
		if runes := []rune(title); len(runes) > maxTitleRunes {
			return string(runes[:maxTitleRunes])
		}
		return title
	}
	return "Conversation"
}
