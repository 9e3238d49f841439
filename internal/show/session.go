// Package show runs the playback state machine: it pulls audio chunks,
// turns them into channel frames (from the cache when possible), drives the
// output and serializes every control command through a single loop.
package show

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lumasync/lumasync/internal/audio"
	"github.com/lumasync/lumasync/internal/cache"
	"github.com/lumasync/lumasync/internal/config"
	"github.com/lumasync/lumasync/internal/dsp"
	"github.com/lumasync/lumasync/internal/lights"
)

// ErrInvalidCommand is returned to a caller whose command does not apply in
// the session's current state.
var ErrInvalidCommand = errors.New("command not valid in current state")

// State is the playback state.
type State int

const (
	StateIdle State = iota
	StateLoading
	StatePlaying
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// StopMode selects what a stop command preserves.
type StopMode string

const (
	// StopPause keeps the playlist position so a later start resumes there.
	StopPause StopMode = "pause"
	// StopHard resets the position to the top of the playlist.
	StopHard StopMode = "stop"
)

// FrameSender forwards each applied frame to networked peers.
type FrameSender interface {
	Send(lights.Frame)
}

// PeerProbe reports how many sync clients are attached.
type PeerProbe interface {
	ClientCount() int
}

// Status is a copy of the session's observable state.
type Status struct {
	State     State
	Song      string
	Position  int // playlist index
	Elapsed   time.Duration
	Total     time.Duration // zero when unknown
	Iteration int           // playlist pass number, counts from 1
	Peers     int
}

// Controller is the command/status surface of a running session. All
// mutation funnels through it; at most one command applies at a time.
type Controller interface {
	Start(position int) error
	Pause() error
	Resume() error
	Skip() error
	Stop(mode StopMode) error
	Status() Status
}

// Options carries the session's collaborators. Driver is required; the rest
// default to inert implementations.
type Options struct {
	Driver lights.Driver
	Store  *cache.Store // nil disables the analysis cache
	Sink   audio.Sink   // nil means no audio playout
	Sender FrameSender  // nil means no sync broadcast
	Peers  PeerProbe    // nil reports zero peers

	// OpenSource opens one playlist entry. Defaults to audio.OpenFile.
	OpenSource func(path string, chunkSize int) (audio.Source, error)
}

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdPause
	cmdResume
	cmdSkip
	cmdStop
)

type command struct {
	kind  cmdKind
	pos   int
	mode  StopMode
	reply chan error
}

// Session owns all playback state. Every field below the mutex is a
// published snapshot; everything else is touched only from the Run loop.
type Session struct {
	cfg      config.Config
	playlist []Entry
	hash     string

	driver lights.Driver
	store  *cache.Store
	sink   audio.Sink
	sender FrameSender
	peers  PeerProbe
	open   func(path string, chunkSize int) (audio.Source, error)

	cmds chan command

	mu     sync.RWMutex
	status Status

	// run-loop state
	state     State
	pos       int
	iteration int
	cur       *playing
	ticker    *time.Ticker
	tickc     <-chan time.Time
}

// playing is the per-song working set.
type playing struct {
	entry    Entry
	src      audio.Source
	analyzer *dsp.Analyzer
	mapper   *lights.Mapper
	prev     lights.Frame
	fp       string
	cached   []lights.Frame // cache hit
	recorded []lights.Frame // recording toward a Put
	record   bool
	idx      int
	total    int // total chunks, 0 when unknown
	chunkDur time.Duration
}

// NewSession builds a session over the given playlist. Run must be started
// before commands are submitted.
func NewSession(cfg config.Config, playlist []Entry, opts Options) (*Session, error) {
	if opts.Driver == nil {
		return nil, fmt.Errorf("session needs an output driver")
	}
	s := &Session{
		cfg:      cfg,
		playlist: playlist,
		hash:     cfg.AnalysisHash(),
		driver:   opts.Driver,
		store:    opts.Store,
		sink:     opts.Sink,
		sender:   opts.Sender,
		peers:    opts.Peers,
		open:     opts.OpenSource,
		cmds:     make(chan command, 4),
	}
	if s.sink == nil {
		s.sink = audio.NopSink{}
	}
	if s.open == nil {
		s.open = func(path string, chunkSize int) (audio.Source, error) {
			return audio.OpenFile(path, chunkSize)
		}
	}
	return s, nil
}

// Status returns a copy of the current state.
func (s *Session) Status() Status {
	s.mu.RLock()
	st := s.status
	s.mu.RUnlock()
	if s.peers != nil {
		st.Peers = s.peers.ClientCount()
	}
	return st
}

func (s *Session) submit(cmd command) error {
	cmd.reply = make(chan error, 1)
	s.cmds <- cmd
	return <-cmd.reply
}

// Start begins playback at the given playlist position. A negative position
// resumes wherever the session last stopped.
func (s *Session) Start(position int) error {
	return s.submit(command{kind: cmdStart, pos: position})
}

// Pause halts audio and output, keeping the position.
func (s *Session) Pause() error { return s.submit(command{kind: cmdPause}) }

// Resume continues a paused show.
func (s *Session) Resume() error { return s.submit(command{kind: cmdResume}) }

// Skip advances to the next playlist entry.
func (s *Session) Skip() error { return s.submit(command{kind: cmdSkip}) }

// Stop ends playback. StopPause keeps the playlist position, StopHard
// resets it.
func (s *Session) Stop(mode StopMode) error {
	return s.submit(command{kind: cmdStop, mode: mode})
}

// Run drives the session until ctx is cancelled. It returns an error only
// when the output hardware fails.
func (s *Session) Run(ctx context.Context) error {
	defer s.teardown()
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-s.cmds:
			cmd.reply <- s.handle(cmd)
		case <-s.tickc:
			if err := s.tick(); err != nil {
				return err
			}
		}
	}
}

func (s *Session) handle(cmd command) error {
	switch cmd.kind {
	case cmdStart:
		if s.state != StateIdle && s.state != StateStopped {
			return ErrInvalidCommand
		}
		if len(s.playlist) == 0 {
			return fmt.Errorf("playlist is empty")
		}
		if cmd.pos >= 0 {
			s.pos = cmd.pos % len(s.playlist)
		}
		s.iteration = 1
		return s.startSong()

	case cmdPause:
		if s.state != StatePlaying {
			return ErrInvalidCommand
		}
		s.stopTicker()
		s.zeroOutput()
		s.setState(StatePaused)
		log.Printf("show: paused at %q", s.cur.entry.Title)
		return nil

	case cmdResume:
		if s.state != StatePaused {
			return ErrInvalidCommand
		}
		s.startTicker(s.cur.chunkDur)
		s.setState(StatePlaying)
		log.Printf("show: resumed %q", s.cur.entry.Title)
		return nil

	case cmdSkip:
		if s.state == StateIdle || len(s.playlist) == 0 {
			return ErrInvalidCommand
		}
		// An explicit skip always wraps and keeps playing, even past the
		// last entry with repeat off. Iteration accounting belongs to
		// natural end-of-song only.
		s.finishSong(false)
		s.pos = (s.pos + 1) % len(s.playlist)
		return s.startSong()

	case cmdStop:
		if s.state != StatePlaying && s.state != StatePaused {
			return ErrInvalidCommand
		}
		s.finishSong(false)
		s.stopTicker()
		s.zeroOutput()
		if cmd.mode == StopHard {
			s.pos = 0
		}
		s.setState(StateStopped)
		log.Printf("show: stopped (%s)", cmd.mode)
		return nil
	}
	return ErrInvalidCommand
}

// startSong opens the entry at the current position, walking past entries
// that fail to open. It leaves the session Playing, or Idle when nothing in
// the playlist can be opened.
func (s *Session) startSong() error {
	s.setState(StateLoading)
	for tries := 0; tries < len(s.playlist); tries++ {
		entry := s.playlist[s.pos]
		p, err := s.loadEntry(entry)
		if err != nil {
			log.Printf("show: cannot open %q (%s): %v, skipping", entry.Title, entry.Path, err)
			s.pos = (s.pos + 1) % len(s.playlist)
			continue
		}
		s.cur = p
		s.startTicker(p.chunkDur)
		s.setState(StatePlaying)
		if p.cached != nil {
			log.Printf("show: playing %q (%d cached frames)", entry.Title, len(p.cached))
		} else {
			log.Printf("show: playing %q (live analysis)", entry.Title)
		}
		return nil
	}
	s.setState(StateIdle)
	return fmt.Errorf("no playable entries in playlist")
}

func (s *Session) loadEntry(entry Entry) (*playing, error) {
	chunkSize := s.cfg.Analysis.ChunkSize
	src, err := s.open(entry.Path, chunkSize)
	if err != nil {
		return nil, err
	}
	rate := src.SampleRate()
	chunkDur := time.Duration(chunkSize) * time.Second / time.Duration(rate)

	p := &playing{
		entry:    entry,
		src:      src,
		prev:     lights.ZeroFrame(s.cfg.ChannelCount()),
		chunkDur: chunkDur,
	}
	if l, ok := src.(interface{ Len() int }); ok {
		p.total = (l.Len() + chunkSize - 1) / chunkSize
	}

	if s.store != nil {
		fp, ferr := cache.Fingerprint(entry.Path)
		if ferr != nil {
			log.Printf("show: cannot fingerprint %s: %v", entry.Path, ferr)
		} else {
			p.fp = fp
			frames, dur, lerr := s.store.Lookup(fp, s.hash)
			if lerr == nil {
				p.cached = frames
				p.chunkDur = dur
				p.total = len(frames)
			} else if !errors.Is(lerr, cache.ErrMiss) {
				log.Printf("show: cache lookup for %q: %v", entry.Title, lerr)
			}
			p.record = p.cached == nil
		}
	}

	if p.cached == nil {
		bands, berr := dsp.LogBands(
			s.cfg.Analysis.MinFrequency, s.cfg.Analysis.MaxFrequency,
			s.cfg.Analysis.BandCount, s.cfg.ChannelCount())
		if berr != nil {
			src.Close()
			return nil, berr
		}
		p.analyzer, err = dsp.NewAnalyzer(chunkSize, rate, bands)
		if err != nil {
			src.Close()
			return nil, err
		}
		p.mapper, err = lights.NewMapper(lights.MapperConfig{
			Bands:         bands,
			Channels:      s.cfg.ChannelCount(),
			Gains:         s.gains(),
			Exponent:      s.cfg.Mapping.Exponent,
			FloorDB:       s.cfg.Mapping.FloorDB,
			CeilingDB:     s.cfg.Mapping.CeilingDB,
			Attack:        s.cfg.Mapping.Attack,
			Decay:         s.cfg.Mapping.Decay,
			ChunkDuration: p.chunkDur,
		})
		if err != nil {
			src.Close()
			return nil, err
		}
	}
	return p, nil
}

func (s *Session) gains() []float64 {
	gains := make([]float64, len(s.cfg.Hardware.Channels))
	for i, ch := range s.cfg.Hardware.Channels {
		gains[i] = ch.Gain
	}
	return gains
}

// tick plays one chunk. The returned error is non-nil only for an output
// hardware failure, which ends the run loop.
func (s *Session) tick() error {
	p := s.cur
	if p == nil || s.state != StatePlaying {
		return nil
	}

	chunk, err := p.src.ReadChunk()
	if errors.Is(err, audio.ErrEndOfStream) {
		s.finishSong(true)
		s.advance()
		return nil
	}
	if err != nil {
		log.Printf("show: audio error in %q: %v", p.entry.Title, err)
		s.finishSong(false)
		s.stopTicker()
		s.zeroOutput()
		s.setState(StateIdle)
		return nil
	}

	s.sink.Play(chunk)

	var frame lights.Frame
	if p.cached != nil {
		if p.idx >= len(p.cached) {
			// audio outlasted the cached sequence, call it the end
			s.finishSong(false)
			s.advance()
			return nil
		}
		frame = p.cached[p.idx]
	} else {
		energy := p.analyzer.Analyze(chunk.Samples)
		frame = p.mapper.Map(energy, p.prev)
		if p.record {
			p.recorded = append(p.recorded, frame.Clone())
		}
	}
	p.prev = frame
	p.idx++

	if err := s.driver.Apply(frame); err != nil {
		log.Printf("show: output driver failed: %v, shutting down", err)
		s.driver.Shutdown()
		s.finishSong(false)
		s.stopTicker()
		s.setState(StateIdle)
		return fmt.Errorf("output driver: %w", err)
	}
	if s.sender != nil {
		s.sender.Send(frame)
	}
	s.publish()
	return nil
}

// finishSong closes the current source. When the song ran to its natural
// end with a full live analysis, the frame sequence is written back to the
// cache.
func (s *Session) finishSong(complete bool) {
	p := s.cur
	if p == nil {
		return
	}
	if complete && p.record && len(p.recorded) > 0 {
		if err := s.store.Put(p.fp, s.hash, p.recorded, p.chunkDur); err != nil {
			log.Printf("show: cannot cache analysis for %q: %v", p.entry.Title, err)
		} else {
			log.Printf("show: cached %d frames for %q", len(p.recorded), p.entry.Title)
		}
	}
	p.src.Close()
	s.cur = nil
}

// advance moves to the next entry, wrapping at the end of the playlist.
// Repeat and max-iteration settings decide whether a wrap keeps playing.
func (s *Session) advance() {
	s.pos++
	if s.pos >= len(s.playlist) {
		s.pos = 0
		if !s.cfg.Playback.Repeat {
			s.stopTicker()
			s.zeroOutput()
			s.setState(StateIdle)
			log.Printf("show: playlist finished")
			return
		}
		s.iteration++
		// max_iterations bounds the wraps, not the passes: the first
		// pass is always played, then up to max more.
		if max := s.cfg.Playback.MaxIterations; max > 0 && s.iteration-1 > max {
			s.stopTicker()
			s.zeroOutput()
			s.setState(StateStopped)
			log.Printf("show: repeat limit reached after %d passes", s.iteration-1)
			return
		}
	}
	if err := s.startSong(); err != nil {
		log.Printf("show: %v", err)
	}
}

func (s *Session) startTicker(d time.Duration) {
	s.stopTicker()
	s.ticker = time.NewTicker(d)
	s.tickc = s.ticker.C
}

func (s *Session) stopTicker() {
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
		s.tickc = nil
	}
}

func (s *Session) zeroOutput() {
	if err := s.driver.Apply(lights.ZeroFrame(s.cfg.ChannelCount())); err != nil {
		log.Printf("show: cannot zero output: %v", err)
	}
}

func (s *Session) setState(st State) {
	s.state = st
	s.publish()
}

func (s *Session) publish() {
	st := Status{
		State:     s.state,
		Position:  s.pos,
		Iteration: s.iteration,
	}
	if p := s.cur; p != nil {
		st.Song = p.entry.Title
		st.Elapsed = time.Duration(p.idx) * p.chunkDur
		if p.total > 0 {
			st.Total = time.Duration(p.total) * p.chunkDur
		}
	}
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *Session) teardown() {
	if s.cur != nil {
		s.cur.src.Close()
		s.cur = nil
	}
	s.stopTicker()
	s.zeroOutput()
	s.state = StateIdle
	s.publish()
}
