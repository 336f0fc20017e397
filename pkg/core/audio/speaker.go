package audio

import (
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
)

// SpeakerSink plays PCM s16le audio through the system speaker via oto.
// It implements Sink; writes append to an internal buffer that the oto
// player drains asynchronously.
type SpeakerSink struct {
	otoCtx *oto.Context
	player *oto.Player

	mu      sync.Mutex
	cond    *sync.Cond
	buf     []byte
	playing bool
	closed  bool
}

// NewSpeakerSink opens the system audio device.
func NewSpeakerSink(sampleRate, channels int) (*SpeakerSink, error) {
	opts := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: channels,
		Format:       oto.FormatSignedInt16LE,
		// Small buffer for low latency at the cost of glitch headroom.
		BufferSize: 100 * time.Millisecond,
	}
	otoCtx, ready, err := oto.NewContext(opts)
	if err != nil {
		return nil, err
	}
	<-ready

	s := &SpeakerSink{
		otoCtx: otoCtx,
		buf:    make([]byte, 0, sampleRate*4),
	}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

func (s *SpeakerSink) Write(pcm []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf = append(s.buf, pcm...)

	// Start the player lazily on first audio.
	if !s.playing && !s.closed {
		s.playing = true
		s.player = s.otoCtx.NewPlayer(s)
		s.player.Play()
	}

	s.cond.Signal()
	return len(pcm), nil
}

// Read implements io.Reader for the oto player pull loop.
func (s *SpeakerSink) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.buf) == 0 && !s.closed {
		s.cond.Wait()
	}

	if s.closed && len(s.buf) == 0 {
		// Feed silence so oto drains gracefully.
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}

	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

func (s *SpeakerSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	player := s.player
	s.player = nil
	s.mu.Unlock()

	if player != nil {
		return player.Close()
	}
	return nil
}
