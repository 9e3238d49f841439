package audio

import (
	"fmt"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/speaker"
)

// Sink receives chunks for audible playout. The engine treats playout as
// best-effort; light timing is driven by the scheduler's clock, not the sink.
type Sink interface {
	Play(Chunk)
	Close() error
}

// NopSink discards audio, for headless devices and tests.
type NopSink struct{}

func (NopSink) Play(Chunk) {}
func (NopSink) Close() error { return nil }

// SpeakerSink plays chunks through the default output device. Chunks are
// queued a few deep; when the queue is full the oldest chunk is dropped so
// playout never blocks the light cadence.
type SpeakerSink struct {
	mu     sync.Mutex
	queue  [][][2]float64
	closed bool
}

// OpenSpeaker initializes the output device at the given sample rate and
// starts draining the sink's queue.
func OpenSpeaker(sampleRate int) (*SpeakerSink, error) {
	sr := beep.SampleRate(sampleRate)
	if err := speaker.Init(sr, sr.N(100*time.Millisecond)); err != nil {
		return nil, fmt.Errorf("speaker init: %w", err)
	}
	s := &SpeakerSink{}
	speaker.Play(beep.StreamerFunc(s.stream))
	return s, nil
}

// Play enqueues a chunk for playout.
func (s *SpeakerSink) Play(c Chunk) {
	if len(c.PCM) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(s.queue) >= 4 {
		s.queue = s.queue[1:]
	}
	s.queue = append(s.queue, c.PCM)
}

// stream feeds the speaker from the queue, emitting silence while empty.
func (s *SpeakerSink) stream(samples [][2]float64) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for n < len(samples) && len(s.queue) > 0 {
		head := s.queue[0]
		c := copy(samples[n:], head)
		n += c
		if c == len(head) {
			s.queue = s.queue[1:]
		} else {
			s.queue[0] = head[c:]
		}
	}
	for i := n; i < len(samples); i++ {
		samples[i] = [2]float64{}
	}
	return len(samples), !s.closed
}

// Close stops accepting chunks and lets the speaker stream run out.
func (s *SpeakerSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	return nil
}
