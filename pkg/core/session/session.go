// Package session owns the conversational turn lifecycle. A Machine merges
// transcript, transport, and playback event streams into serialized turns and
// maintains the current message log.
package session

import (
	"context"
	"time"
)

// TurnState is the single-owner turn lifecycle value. Exactly one state holds
// at any instant.
type TurnState int

const (
	StateIdle TurnState = iota
	StateListening
	StateThinking
	StateSpeaking
)

func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in the conversation log. Immutable once appended.
type Message struct {
	Role      Role
	Content   string
	Timestamp time.Time
}

// Session is the current in-memory conversation. Owned exclusively by the
// Machine's run loop.
type Session struct {
	Messages []Message

	// LoadedFromID references the persisted conversation this session was
	// restored from, when any.
	LoadedFromID string
}

// Conversation is a persisted, archived session.
type Conversation struct {
	ID        string
	Title     string
	Messages  []Message
	CreatedAt time.Time
}

// Store is the append-only conversation archive the machine writes into and
// reloads from. Implementations live in pkg/store.
type Store interface {
	Save(ctx context.Context, conv Conversation) error
	Load(ctx context.Context, id string) (Conversation, error)
	List(ctx context.Context) ([]Conversation, error)
	Delete(ctx context.Context, id string) error
}

// Event is an observer notification from the machine. The stream is
// best-effort: a slow consumer loses events rather than stalling the turn.
type Event interface {
	EventType() string
}

// StateChangedEvent reports a turn state transition.
type StateChangedEvent struct {
	From TurnState
	To   TurnState
}

func (StateChangedEvent) EventType() string { return "session.state_changed" }

// InterimTranscriptEvent carries a provisional recognition result while
// listening.
type InterimTranscriptEvent struct {
	Text string
}

func (InterimTranscriptEvent) EventType() string { return "session.interim_transcript" }

// UserMessageEvent reports a user message appended to the session.
type UserMessageEvent struct {
	Message Message
}

func (UserMessageEvent) EventType() string { return "session.user_message" }

// AssistantMessageEvent reports an assistant message appended to the session.
type AssistantMessageEvent struct {
	Message Message
}

func (AssistantMessageEvent) EventType() string { return "session.assistant_message" }

// TurnCompletedEvent reports one finished turn. Offline marks a locally
// synthesized fallback reply.
type TurnCompletedEvent struct {
	ElapsedMS int64
	Offline   bool
}

func (TurnCompletedEvent) EventType() string { return "session.turn_completed" }

// ErrorEvent surfaces a non-fatal error to observers.
type ErrorEvent struct {
	Err error
}

func (ErrorEvent) EventType() string { return "session.error" }
