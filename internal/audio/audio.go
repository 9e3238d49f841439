// Package audio turns files and live capture devices into a uniform stream of
// fixed-size PCM chunks, the unit of analysis and timing for the whole engine.
package audio

import (
	"errors"
	"time"
)

var (
	// ErrEndOfStream signals a fully consumed file source. Live capture
	// sources never return it.
	ErrEndOfStream = errors.New("end of audio stream")

	// ErrUnsupportedFormat signals a file extension no decoder handles.
	ErrUnsupportedFormat = errors.New("unsupported audio format")

	// ErrDeviceUnavailable signals a capture device that cannot be opened.
	ErrDeviceUnavailable = errors.New("audio device unavailable")
)

// Chunk is one fixed-size block of PCM samples. Samples is the mono fold used
// for analysis; PCM keeps the original stereo frames for speaker playout.
// Chunks are consumed immediately and not retained.
type Chunk struct {
	Samples    []float64
	PCM        [][2]float64
	SampleRate int
}

// Duration returns the real-time length of the chunk.
func (c Chunk) Duration() time.Duration {
	if c.SampleRate == 0 {
		return 0
	}
	return time.Duration(float64(len(c.Samples)) / float64(c.SampleRate) * float64(time.Second))
}

// Source is one open audio stream. Chunk size and sample rate are fixed for
// the lifetime of a stream.
type Source interface {
	// ReadChunk blocks until the next chunk is available. File sources
	// block on decode; live sources block up to one chunk duration.
	ReadChunk() (Chunk, error)
	SampleRate() int
	Close() error
}

// monoFold folds stereo frames into n mono samples, zero-padding past the end
// of the input. Short reads at end of file are padded, not rejected.
func monoFold(pcm [][2]float64, n int) []float64 {
	out := make([]float64, n)
	for i := 0; i < len(pcm) && i < n; i++ {
		out[i] = (pcm[i][0] + pcm[i][1]) / 2
	}
	return out
}
