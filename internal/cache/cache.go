// Package cache persists computed channel-frame sequences so repeated
// playback of a song under the same configuration skips re-analysis.
package cache

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lumasync/lumasync/internal/lights"
)

// ErrMiss is returned for absent, configuration-mismatched or damaged
// entries. Callers recompute and Put; a miss is never fatal.
var ErrMiss = errors.New("analysis cache miss")

// Store is the on-disk analysis cache. One entry per file fingerprint; an
// entry whose config hash no longer matches is treated as absent and
// overwritten wholesale on the next Put.
type Store struct {
	db *sql.DB
}

// Open creates or opens the cache database under dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "analysis.db"))
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS analysis (
		fingerprint TEXT PRIMARY KEY,
		config_hash TEXT NOT NULL,
		chunk_ns    INTEGER NOT NULL,
		frames      BLOB NOT NULL,
		crc         INTEGER NOT NULL,
		created_at  INTEGER NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create cache schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Lookup returns the cached frame sequence and chunk duration for the given
// (fingerprint, config hash) pair. Any mismatch or damage degrades to
// ErrMiss; damage is additionally logged.
func (s *Store) Lookup(fingerprint, configHash string) ([]lights.Frame, time.Duration, error) {
	var (
		storedHash string
		chunkNS    int64
		blob       []byte
		crc        int64
	)
	err := s.db.QueryRow(
		"SELECT config_hash, chunk_ns, frames, crc FROM analysis WHERE fingerprint = ?",
		fingerprint,
	).Scan(&storedHash, &chunkNS, &blob, &crc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrMiss
	}
	if err != nil {
		log.Printf("cache: lookup %.12s failed, recomputing: %v", fingerprint, err)
		return nil, 0, ErrMiss
	}
	if storedHash != configHash {
		return nil, 0, ErrMiss
	}
	if crc32.ChecksumIEEE(blob) != uint32(crc) {
		log.Printf("cache: entry %.12s failed checksum, recomputing", fingerprint)
		return nil, 0, ErrMiss
	}

	frames, err := decodeFrames(blob)
	if err != nil {
		log.Printf("cache: entry %.12s corrupt, recomputing: %v", fingerprint, err)
		return nil, 0, ErrMiss
	}
	if chunkNS <= 0 {
		log.Printf("cache: entry %.12s has invalid chunk duration, recomputing", fingerprint)
		return nil, 0, ErrMiss
	}
	return frames, time.Duration(chunkNS), nil
}

// Put stores a freshly computed sequence, replacing any previous entry for
// the fingerprint regardless of its configuration hash.
func (s *Store) Put(fingerprint, configHash string, frames []lights.Frame, chunkDur time.Duration) error {
	blob, err := encodeFrames(frames)
	if err != nil {
		return fmt.Errorf("encode frames: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO analysis (fingerprint, config_hash, chunk_ns, frames, crc, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		fingerprint, configHash, chunkDur.Nanoseconds(), blob,
		int64(crc32.ChecksumIEEE(blob)), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("store cache entry: %w", err)
	}
	return nil
}

// Blob layout: "LSAC", uint16 channel count, uint32 frame count, then
// channel*count float64 intensities, all little-endian.
const blobMagic = "LSAC"

func encodeFrames(frames []lights.Frame) ([]byte, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("empty frame sequence")
	}
	channels := len(frames[0])
	if channels == 0 || channels > 0xFFFF {
		return nil, fmt.Errorf("invalid channel count %d", channels)
	}

	buf := make([]byte, 0, 10+len(frames)*channels*8)
	buf = append(buf, blobMagic...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(channels))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(frames)))
	for i, f := range frames {
		if len(f) != channels {
			return nil, fmt.Errorf("frame %d has %d channels, want %d", i, len(f), channels)
		}
		for _, v := range f {
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
		}
	}
	return buf, nil
}

func decodeFrames(blob []byte) ([]lights.Frame, error) {
	if len(blob) < 10 || string(blob[:4]) != blobMagic {
		return nil, fmt.Errorf("bad blob header")
	}
	channels := int(binary.LittleEndian.Uint16(blob[4:6]))
	count := int(binary.LittleEndian.Uint32(blob[6:10]))
	if channels == 0 || count == 0 {
		return nil, fmt.Errorf("empty entry: %d channels, %d frames", channels, count)
	}
	want := 10 + count*channels*8
	if len(blob) != want {
		return nil, fmt.Errorf("truncated entry: %d bytes, want %d", len(blob), want)
	}

	frames := make([]lights.Frame, count)
	off := 10
	for i := range frames {
		f := make(lights.Frame, channels)
		for ch := range f {
			f[ch] = math.Float64frombits(binary.LittleEndian.Uint64(blob[off:]))
			off += 8
		}
		frames[i] = f
	}
	return frames, nil
}
