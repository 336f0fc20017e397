package audio

import (
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aviko-ai/aviko/pkg/core"
)

// memorySink records writes for inspection.
type memorySink struct {
	mu     sync.Mutex
	writes [][]byte
	err    error
}

func (s *memorySink) Write(pcm []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.writes = append(s.writes, append([]byte(nil), pcm...))
	return len(pcm), nil
}

func (s *memorySink) Close() error { return nil }

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

func pcmPayload(samples int) string {
	return base64.StdEncoding.EncodeToString(make([]byte, samples*2))
}

func nextEvent(t *testing.T, p *Pipeline) Event {
	t.Helper()
	select {
	case ev, ok := <-p.Events():
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for playback event")
	}
	return nil
}

func TestPipelinePlaysAndMeasuresDuration(t *testing.T) {
	sink := &memorySink{}
	p := NewPipeline(sink, Config{})
	defer p.Close()

	// 240 mono s16le samples at 24kHz = 10ms.
	if err := p.Play(pcmPayload(240), 24000); err != nil {
		t.Fatalf("Play() error = %v", err)
	}

	started, ok := nextEvent(t, p).(StartedEvent)
	if !ok {
		t.Fatalf("first event = %T, want StartedEvent", started)
	}
	if started.DurationMS != 10 {
		t.Errorf("duration = %dms, want 10ms", started.DurationMS)
	}
	if started.SampleRate != 24000 {
		t.Errorf("sample rate = %d", started.SampleRate)
	}

	done, ok := nextEvent(t, p).(DoneEvent)
	if !ok {
		t.Fatalf("second event = %T, want DoneEvent", done)
	}
	if done.Err != nil {
		t.Errorf("unexpected playback error: %v", done.Err)
	}
	if done.DurationMS != 10 {
		t.Errorf("done duration = %dms, want 10ms", done.DurationMS)
	}
	if sink.count() != 1 {
		t.Errorf("sink writes = %d, want 1", sink.count())
	}
}

func TestPipelineSerializesChunks(t *testing.T) {
	sink := &memorySink{}
	p := NewPipeline(sink, Config{})
	defer p.Close()

	if err := p.Play(pcmPayload(240), 24000); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	if err := p.Play(pcmPayload(480), 24000); err != nil {
		t.Fatalf("Play() error = %v", err)
	}

	var kinds []string
	for len(kinds) < 4 {
		switch nextEvent(t, p).(type) {
		case StartedEvent:
			kinds = append(kinds, "started")
		case DoneEvent:
			kinds = append(kinds, "done")
		}
	}
	want := []string{"started", "done", "started", "done"}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event order = %v, want %v", kinds, want)
		}
	}
}

func TestPipelineDecodeFailureCompletesImmediately(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		rate    int
	}{
		{"not base64", "!!!not-base64!!!", 24000},
		{"odd frame length", base64.StdEncoding.EncodeToString([]byte{0x01}), 24000},
		{"empty payload", "", 24000},
		{"bad sample rate", pcmPayload(240), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &memorySink{}
			p := NewPipeline(sink, Config{})
			defer p.Close()

			if err := p.Play(tt.payload, tt.rate); err != nil {
				t.Fatalf("Play() error = %v", err)
			}
			done, ok := nextEvent(t, p).(DoneEvent)
			if !ok {
				t.Fatalf("event = %T, want DoneEvent", done)
			}
			if done.Err == nil {
				t.Fatal("expected decode error")
			}
			var coreErr *core.Error
			if !errors.As(done.Err, &coreErr) || coreErr.Type != core.ErrMediaDecode {
				t.Fatalf("err = %v, want media_decode_error", done.Err)
			}
			if sink.count() != 0 {
				t.Errorf("sink writes = %d, want 0", sink.count())
			}
		})
	}
}

func TestPipelineSinkFailureStillCompletes(t *testing.T) {
	sink := &memorySink{err: errors.New("device gone")}
	p := NewPipeline(sink, Config{})
	defer p.Close()

	if err := p.Play(pcmPayload(240), 24000); err != nil {
		t.Fatalf("Play() error = %v", err)
	}

	for {
		ev := nextEvent(t, p)
		if done, ok := ev.(DoneEvent); ok {
			if done.Err == nil {
				t.Fatal("expected sink error to surface on DoneEvent")
			}
			return
		}
	}
}

func TestPipelinePlayAfterClose(t *testing.T) {
	p := NewPipeline(&memorySink{}, Config{})
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := p.Play(pcmPayload(240), 24000); err == nil {
		t.Fatal("expected Play after Close to fail")
	}
}
