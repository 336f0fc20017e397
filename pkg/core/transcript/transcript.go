// Package transcript defines the boundary to the platform speech
// recognition engine. The engine itself is a black box: the core only
// consumes its interim/final transcript stream.
package transcript

import (
	"context"
	"sync"

	"github.com/aviko-ai/aviko/pkg/core"
)

// Event is one emission from the recognition engine. At most one emission
// per recognition cycle carries IsFinal.
type Event struct {
	Text    string
	IsFinal bool
}

// Source wraps a continuous-listening, interim-result-capable recognition
// engine.
type Source interface {
	// Start begins capture. It returns a core.ErrMediaUnavailable error
	// when no capture device or permission is available.
	Start(ctx context.Context) error

	// Stop ends capture early. Stopping cancels only recognition; it never
	// touches an in-flight backend turn.
	Stop() error

	// Events yields interim and final transcript events.
	Events() <-chan Event

	// Errs yields recognition failures. An error aborts the current
	// capture; the engine is not auto-retried.
	Errs() <-chan error
}

// PushSource adapts callback-style recognition engines to Source: the
// engine's callbacks call Push/Fail, and the session consumes the channels.
// It is also the test double used throughout the core's tests.
type PushSource struct {
	mu       sync.Mutex
	started  bool
	startErr error

	events chan Event
	errs   chan error
}

// NewPushSource creates a push-driven source with the given buffer depth.
func NewPushSource(buffer int) *PushSource {
	if buffer <= 0 {
		buffer = 16
	}
	return &PushSource{
		events: make(chan Event, buffer),
		errs:   make(chan error, 4),
	}
}

// FailStartWith makes subsequent Start calls return err. Used to simulate a
// missing capture device.
func (s *PushSource) FailStartWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startErr = err
}

func (s *PushSource) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	if s.started {
		return core.NewInvalidRequestError("capture already started")
	}
	s.started = true
	return nil
}

func (s *PushSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	return nil
}

// Capturing reports whether the source is between Start and Stop.
func (s *PushSource) Capturing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Push delivers a transcript event from the engine.
func (s *PushSource) Push(text string, isFinal bool) {
	s.events <- Event{Text: text, IsFinal: isFinal}
}

// Fail delivers a recognition error from the engine.
func (s *PushSource) Fail(err error) {
	s.errs <- err
}

func (s *PushSource) Events() <-chan Event {
	return s.events
}

func (s *PushSource) Errs() <-chan error {
	return s.errs
}
