// Package audio implements sequential playback of the spoken reply. The
// pipeline decodes base64 PCM payloads, measures their exact duration, and
// plays them one at a time; overlapping playback is impossible by
// construction.
package audio

import (
	"encoding/base64"
	"log/slog"
	"sync"
	"time"

	"github.com/aviko-ai/aviko/pkg/core"
)

// Sink consumes raw PCM s16le audio. Implementations are expected to buffer
// internally; Write must not block for the duration of the audio.
type Sink interface {
	Write(pcm []byte) (int, error)
	Close() error
}

// Config configures a playback pipeline.
type Config struct {
	// Channels is the channel count of inbound PCM. Default: 1 (mono).
	Channels int

	// BytesPerSample is the sample width. Default: 2 (s16le).
	BytesPerSample int

	// QueueDepth bounds how many undelivered chunks may be pending.
	// Default: 16.
	QueueDepth int

	Logger *slog.Logger
}

// Event is a playback lifecycle notification.
type Event interface {
	playbackEventType() string
}

// StartedEvent is emitted when a chunk begins playing.
type StartedEvent struct {
	DurationMS int64
	SampleRate int
}

func (StartedEvent) playbackEventType() string { return "playback.started" }

// DoneEvent is emitted when a chunk finishes. A non-nil Err means the
// payload could not be decoded; the chunk is reported done immediately so
// the turn still completes.
type DoneEvent struct {
	DurationMS int64
	Err        error
}

func (DoneEvent) playbackEventType() string { return "playback.done" }

type playRequest struct {
	payload    string
	sampleRate int
}

// Pipeline serializes chunk playback onto a single worker.
type Pipeline struct {
	cfg    Config
	sink   Sink
	logger *slog.Logger

	queue  chan playRequest
	events chan Event
	quit   chan struct{}
	done   chan struct{}

	closeOnce sync.Once
}

// NewPipeline creates a pipeline writing to sink and starts its worker.
func NewPipeline(sink Sink, cfg Config) *Pipeline {
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.BytesPerSample <= 0 {
		cfg.BytesPerSample = 2
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 16
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		cfg:    cfg,
		sink:   sink,
		logger: logger.With("component", "audio"),
		queue:  make(chan playRequest, cfg.QueueDepth),
		events: make(chan Event, 64),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

// Play enqueues one base64-encoded PCM payload for sequential playback.
func (p *Pipeline) Play(payloadB64 string, sampleRate int) error {
	select {
	case <-p.quit:
		return core.NewInvalidRequestError("playback pipeline is closed")
	default:
	}
	select {
	case p.queue <- playRequest{payload: payloadB64, sampleRate: sampleRate}:
		return nil
	case <-p.quit:
		return core.NewInvalidRequestError("playback pipeline is closed")
	}
}

// Events yields playback lifecycle events.
func (p *Pipeline) Events() <-chan Event {
	return p.events
}

// Close stops the worker. Any queued chunks are discarded.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		close(p.quit)
	})
	<-p.done
	return nil
}

func (p *Pipeline) run() {
	defer close(p.done)
	defer close(p.events)

	for {
		select {
		case <-p.quit:
			return
		case req := <-p.queue:
			p.playOne(req)
		}
	}
}

func (p *Pipeline) playOne(req playRequest) {
	pcm, durationMS, err := p.decode(req)
	if err != nil {
		// Decode failure counts as done speaking; the turn still completes.
		p.logger.Debug("chunk decode failed", "error", err)
		p.emit(DoneEvent{Err: err})
		return
	}

	p.emit(StartedEvent{DurationMS: durationMS, SampleRate: req.sampleRate})

	if _, err := p.sink.Write(pcm); err != nil {
		p.logger.Debug("sink write failed", "error", err)
		p.emit(DoneEvent{DurationMS: durationMS, Err: core.NewMediaDecodeError(err.Error())})
		return
	}

	// The sink buffers; waiting out the measured duration models playing
	// to completion and keeps chunks strictly sequential.
	select {
	case <-time.After(time.Duration(durationMS) * time.Millisecond):
	case <-p.quit:
		return
	}
	p.emit(DoneEvent{DurationMS: durationMS})
}

func (p *Pipeline) decode(req playRequest) ([]byte, int64, error) {
	if req.sampleRate <= 0 {
		return nil, 0, core.NewMediaDecodeError("sample rate must be positive")
	}
	pcm, err := base64.StdEncoding.DecodeString(req.payload)
	if err != nil {
		return nil, 0, core.NewMediaDecodeError("payload is not valid base64")
	}
	frame := p.cfg.BytesPerSample * p.cfg.Channels
	if len(pcm) == 0 || len(pcm)%frame != 0 {
		return nil, 0, core.NewMediaDecodeError("payload is not whole PCM frames")
	}
	durationMS := int64(len(pcm)) * 1000 / int64(req.sampleRate*frame)
	return pcm, durationMS, nil
}

func (p *Pipeline) emit(event Event) {
	select {
	case p.events <- event:
	default:
		// Avoid blocking the worker if the consumer stops draining.
	}
}
