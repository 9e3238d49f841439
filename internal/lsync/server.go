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

// Server broadcasts sequenced frames to every registered client. A silent or
// vanished client is reaped from the registry; it never blocks local
// playback.
type Server struct {
	conn    *net.UDPConn
	timeout time.Duration
	out     chan outFrame

	mu      sync.Mutex
	clients map[uuid.UUID]*clientEntry
	seq     uint64
}

// outFrame is one stamped frame queued for broadcast.
type outFrame struct {
	seq   uint64
	ts    time.Time
	frame lights.Frame
}

type clientEntry struct {
	addr     *net.UDPAddr
	lastSeen time.Time
}

// NewServer binds the sync socket.
func NewServer(listenAddr string, clientTimeout time.Duration) (*Server, error) {
	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", listenAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", listenAddr, err)
	}
	return &Server{
		conn:    conn,
		timeout: clientTimeout,
		out:     make(chan outFrame, 16),
		clients: make(map[uuid.UUID]*clientEntry),
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	return s.conn.LocalAddr()
}

// Run serves registrations and heartbeats, drains the broadcast queue and
// reaps stale clients. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	go s.reapLoop(ctx)
	go s.sendLoop(ctx)

	buf := make([]byte, 2048)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			// transient socket error, keep serving
			continue
		}
		msg, err := decode(buf[:n])
		if err != nil {
			// malformed datagrams are dropped, not fatal
			continue
		}
		switch msg.kind {
		case msgRegister:
			s.register(msg.id, addr)
			s.ack(msg.id, addr)
		case msgHeartbeat:
			s.touch(msg.id, addr)
			s.ack(msg.id, addr)
		case msgBye:
			s.remove(msg.id, "left")
		}
	}
}

func (s *Server) register(id uuid.UUID, addr *net.UDPAddr) {
	s.mu.Lock()
	_, known := s.clients[id]
	s.clients[id] = &clientEntry{addr: addr, lastSeen: time.Now()}
	s.mu.Unlock()
	if !known {
		log.Printf("lsync: client %s registered from %s", id, addr)
	}
}

// touch refreshes a client's liveness; an unknown heartbeat re-registers it,
// which covers a server restart mid-show.
func (s *Server) touch(id uuid.UUID, addr *net.UDPAddr) {
	s.mu.Lock()
	if c, ok := s.clients[id]; ok {
		c.lastSeen = time.Now()
		c.addr = addr
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.register(id, addr)
}

func (s *Server) ack(id uuid.UUID, addr *net.UDPAddr) {
	if _, err := s.conn.WriteToUDP(encodeIdentified(msgRegisterAck, id), addr); err != nil {
		log.Printf("lsync: ack to %s failed: %v", addr, err)
	}
}

func (s *Server) remove(id uuid.UUID, why string) {
	s.mu.Lock()
	_, ok := s.clients[id]
	delete(s.clients, id)
	s.mu.Unlock()
	if ok {
		log.Printf("lsync: client %s dropped (%s)", id, why)
	}
}

func (s *Server) reapLoop(ctx context.Context) {
	interval := s.timeout / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reapStale(time.Now())
		}
	}
}

func (s *Server) reapStale(now time.Time) {
	s.mu.Lock()
	var stale []uuid.UUID
	for id, c := range s.clients {
		if now.Sub(c.lastSeen) > s.timeout {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(s.clients, id)
	}
	s.mu.Unlock()
	for _, id := range stale {
		log.Printf("lsync: client %s dropped (liveness timeout)", id)
	}
}

// ClientCount returns the number of registered clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Send stamps the frame with the next sequence number and the current time
// and queues it for broadcast. It never blocks the caller: when the queue is
// full the oldest pending frame is dropped, and the network I/O happens on
// the send loop's goroutine, not the playback tick.
func (s *Server) Send(frame lights.Frame) {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	m := outFrame{seq: seq, ts: time.Now(), frame: frame.Clone()}
	select {
	case s.out <- m:
	default:
		select {
		case <-s.out:
		default:
		}
		select {
		case s.out <- m:
		default:
		}
	}
}

// sendLoop drains the outbound queue and unicasts each frame to every
// registered client. Send failures to individual clients are logged and
// otherwise ignored.
func (s *Server) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-s.out:
			s.broadcast(m)
		}
	}
}

func (s *Server) broadcast(m outFrame) {
	s.mu.Lock()
	targets := make([]*net.UDPAddr, 0, len(s.clients))
	for _, c := range s.clients {
		targets = append(targets, c.addr)
	}
	s.mu.Unlock()

	if len(targets) == 0 {
		return
	}
	buf, err := encodeFrame(m.seq, m.ts, m.frame)
	if err != nil {
		log.Printf("lsync: cannot encode frame: %v", err)
		return
	}
	for _, addr := range targets {
		if _, err := s.conn.WriteToUDP(buf, addr); err != nil {
			log.Printf("lsync: send to %s failed: %v", addr, err)
		}
	}
}

// Close releases the socket.
func (s *Server) Close() error {
	return s.conn.Close()
}
