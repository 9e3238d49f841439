package lsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lumasync/lumasync/internal/lights"
)

// ClientConfig tunes a sync client.
type ClientConfig struct {
	ServerAddr string
	Channels   int
	QueueDepth int           // jitter buffer depth
	Heartbeat  time.Duration // heartbeat send interval
	Grace      time.Duration // no frames for this long zeroes the output
	Timeout    time.Duration // no server traffic for this long drops the link
	HoldLast   bool          // freeze the last frame instead of zeroing
}

// ClientStatus is a snapshot of the client's link health.
type ClientStatus struct {
	Connected bool
	LastSeq   uint64
	Applied   uint64
	Dropped   uint64 // duplicates and reordered frames discarded
}

// Client registers with a sync server and applies received frames to the
// local output driver in strict sequence order. Network trouble is routine:
// the client reconnects with backoff and never crashes or busy-loops.
type Client struct {
	cfg    ClientConfig
	driver lights.Driver
	id     uuid.UUID

	mu        sync.Mutex
	connected bool
	haveSeq   bool
	lastSeq   uint64
	applied   uint64
	dropped   uint64
}

// NewClient creates a sync client driving the given output.
func NewClient(cfg ClientConfig, driver lights.Driver) (*Client, error) {
	if cfg.ServerAddr == "" {
		return nil, fmt.Errorf("sync client needs a server address")
	}
	if cfg.Channels <= 0 {
		return nil, fmt.Errorf("sync client needs a channel count")
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 8
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 2 * time.Second
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 3 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{cfg: cfg, driver: driver, id: uuid.New()}, nil
}

// Status returns a copy of the link state.
func (c *Client) Status() ClientStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ClientStatus{
		Connected: c.connected,
		LastSeq:   c.lastSeq,
		Applied:   c.applied,
		Dropped:   c.dropped,
	}
}

// Run maintains the server link until ctx is cancelled. It returns early
// only on a hardware failure from the output driver.
func (c *Client) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		var hw *hwError
		if errors.As(err, &hw) {
			return hw.err
		}
		if err != nil {
			log.Printf("lsync: link to %s lost (%v), retrying in %v", c.cfg.ServerAddr, err, backoff)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// hwError marks a driver failure so Run can distinguish it from routine
// network trouble.
type hwError struct{ err error }

func (e *hwError) Error() string { return e.err.Error() }

func (c *Client) session(ctx context.Context) error {
	conn, err := net.Dial("udp", c.cfg.ServerAddr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	if err := c.register(conn); err != nil {
		return err
	}

	c.setConnected(true)
	defer c.setConnected(false)
	log.Printf("lsync: registered with %s as %s", c.cfg.ServerAddr, c.id)

	defer func() {
		conn.Write(encodeIdentified(msgBye, c.id))
		if !c.cfg.HoldLast {
			c.zeroOutput()
		}
	}()

	// Heartbeats keep the registry entry alive; the acks tell us the
	// link still works while no show is playing.
	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go c.heartbeatLoop(hbCtx, conn)

	// The reader feeds a fixed-depth queue that absorbs send bursts.
	// When the queue is full the oldest frame gives way to the newest;
	// the sequence filter in applyOrdered handles whatever order the
	// network delivers.
	frames := make(chan FrameMsg, c.cfg.QueueDepth)
	readErr := make(chan error, 1)
	var hmu sync.Mutex
	lastHeard := time.Now()
	go func() {
		buf := make([]byte, 2048)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				readErr <- err
				return
			}
			msg, derr := decode(buf[:n])
			if derr != nil {
				continue // malformed, drop
			}
			hmu.Lock()
			lastHeard = time.Now()
			hmu.Unlock()
			if msg.kind != msgFrame {
				continue
			}
			select {
			case frames <- msg.frame:
			default:
				select {
				case <-frames:
				default:
				}
				select {
				case frames <- msg.frame:
				default:
				}
			}
		}
	}()

	watch := time.NewTicker(c.cfg.Heartbeat)
	defer watch.Stop()
	lastFrame := time.Now()
	zeroed := false
	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-readErr:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)

		case m := <-frames:
			lastFrame = time.Now()
			zeroed = false
			if err := c.applyOrdered(m); err != nil {
				return &hwError{err: err}
			}

		case <-watch.C:
			now := time.Now()
			hmu.Lock()
			heard := lastHeard
			hmu.Unlock()
			if now.Sub(heard) > c.cfg.Timeout {
				return fmt.Errorf("no server traffic for %v", now.Sub(heard).Round(time.Second))
			}
			if !zeroed && !c.cfg.HoldLast && now.Sub(lastFrame) > c.cfg.Grace {
				// Server is idle or the data path stalled; go
				// dark rather than freezing mid-pattern.
				if err := c.zeroOutput(); err != nil {
					return &hwError{err: err}
				}
				zeroed = true
			}
		}
	}
}

func (c *Client) register(conn net.Conn) error {
	reg := encodeIdentified(msgRegister, c.id)
	buf := make([]byte, 256)
	for attempt := 0; attempt < 3; attempt++ {
		if _, err := conn.Write(reg); err != nil {
			return fmt.Errorf("register: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, err := conn.Read(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return fmt.Errorf("register: %w", err)
		}
		msg, derr := decode(buf[:n])
		if derr == nil && msg.kind == msgRegisterAck && msg.id == c.id {
			// the session reader owns the socket from here on and
			// must not inherit the registration deadline
			conn.SetReadDeadline(time.Time{})
			return nil
		}
	}
	return fmt.Errorf("server at %s did not acknowledge registration", c.cfg.ServerAddr)
}

func (c *Client) heartbeatLoop(ctx context.Context, conn net.Conn) {
	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()
	hb := encodeIdentified(msgHeartbeat, c.id)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.Write(hb)
		}
	}
}

// applyOrdered applies a frame only if its sequence number is strictly
// greater than the last applied one. Duplicates and late arrivals are
// dropped, never reordered.
func (c *Client) applyOrdered(m FrameMsg) error {
	c.mu.Lock()
	if c.haveSeq && m.Seq <= c.lastSeq {
		c.dropped++
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	frame := m.Intensities
	if len(frame) != c.cfg.Channels {
		// configuration skew between server and client
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
		return nil
	}
	if err := c.driver.Apply(frame); err != nil {
		return fmt.Errorf("apply sync frame %d: %w", m.Seq, err)
	}

	c.mu.Lock()
	c.haveSeq = true
	c.lastSeq = m.Seq
	c.applied++
	c.mu.Unlock()
	return nil
}

func (c *Client) zeroOutput() error {
	return c.driver.Apply(lights.ZeroFrame(c.cfg.Channels))
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
