package audio

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/flac"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/wav"
)

// FileSource decodes an audio file into fixed-size chunks.
type FileSource struct {
	stream    beep.StreamSeekCloser
	format    beep.Format
	chunkSize int
	buf       [][2]float64
	done      bool
}

// OpenFile opens path with the decoder matching its extension (mp3, wav or
// flac) and returns a chunked source.
func OpenFile(path string, chunkSize int) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	var (
		stream beep.StreamSeekCloser
		format beep.Format
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		stream, format, err = mp3.Decode(f)
	case ".wav":
		stream, format, err = wav.Decode(f)
	case ".flac":
		stream, format, err = flac.Decode(f)
	default:
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, ErrUnsupportedFormat)
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	return &FileSource{
		stream:    stream,
		format:    format,
		chunkSize: chunkSize,
		buf:       make([][2]float64, chunkSize),
	}, nil
}

// SampleRate returns the decoded file's sample rate.
func (s *FileSource) SampleRate() int {
	return int(s.format.SampleRate)
}

// Len returns the total number of sample frames in the file.
func (s *FileSource) Len() int {
	return s.stream.Len()
}

// ReadChunk decodes the next chunk. The final short chunk is zero-padded;
// the call after it returns ErrEndOfStream.
func (s *FileSource) ReadChunk() (Chunk, error) {
	if s.done {
		return Chunk{}, ErrEndOfStream
	}

	filled := 0
	for filled < s.chunkSize {
		n, ok := s.stream.Stream(s.buf[filled:])
		filled += n
		if !ok {
			if err := s.stream.Err(); err != nil {
				return Chunk{}, fmt.Errorf("decode: %w", err)
			}
			s.done = true
			break
		}
	}
	if filled == 0 {
		return Chunk{}, ErrEndOfStream
	}

	pcm := make([][2]float64, filled)
	copy(pcm, s.buf[:filled])
	return Chunk{
		Samples:    monoFold(pcm, s.chunkSize),
		PCM:        pcm,
		SampleRate: int(s.format.SampleRate),
	}, nil
}

// Close releases the decoder.
func (s *FileSource) Close() error {
	return s.stream.Close()
}
