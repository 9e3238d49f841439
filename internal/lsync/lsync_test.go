package lsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lumasync/lumasync/internal/lights"
)

// recordDriver captures every applied frame.
type recordDriver struct {
	mu     sync.Mutex
	frames []lights.Frame
}

func (d *recordDriver) Apply(f lights.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frames = append(d.frames, f.Clone())
	return nil
}

func (d *recordDriver) Shutdown() error { return nil }

func (d *recordDriver) applied() []lights.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]lights.Frame, len(d.frames))
	copy(out, d.frames)
	return out
}

func TestFrameRoundTrip(t *testing.T) {
	frame := lights.Frame{0, 0.25, 0.5, 0.75, 1}
	ts := time.Unix(1700000000, 123456789)
	buf, err := encodeFrame(42, ts, frame)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	msg, err := decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.kind != msgFrame {
		t.Fatalf("kind = %d, want %d", msg.kind, msgFrame)
	}
	if msg.frame.Seq != 42 {
		t.Errorf("seq = %d, want 42", msg.frame.Seq)
	}
	if !msg.frame.Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", msg.frame.Timestamp, ts)
	}
	if len(msg.frame.Intensities) != len(frame) {
		t.Fatalf("got %d channels, want %d", len(msg.frame.Intensities), len(frame))
	}
	for i, v := range msg.frame.Intensities {
		diff := v - frame[i]
		if diff < 0 {
			diff = -diff
		}
		if diff > 1.0/255 {
			t.Errorf("channel %d: %v decoded as %v", i, frame[i], v)
		}
	}
}

func TestIdentifiedRoundTrip(t *testing.T) {
	id := uuid.New()
	for _, kind := range []byte{msgRegister, msgRegisterAck, msgHeartbeat, msgBye} {
		msg, err := decode(encodeIdentified(kind, id))
		if err != nil {
			t.Fatalf("kind %d: %v", kind, err)
		}
		if msg.kind != kind || msg.id != id {
			t.Errorf("kind %d: decoded kind %d id %s", kind, msg.kind, msg.id)
		}
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte("LSY"),
		[]byte("XXXX\x01\x01\x00"),
		[]byte("LSY1\x09\x01"),                  // bad version
		[]byte("LSY1\x01\x63"),                  // unknown type
		[]byte("LSY1\x01\x01shortid"),           // truncated uuid
		[]byte("LSY1\x01\x04\x00\x00"),          // truncated frame
		append([]byte("LSY1\x01\x04"), make([]byte, 18)...), // zero channels
	}
	for i, c := range cases {
		if _, err := decode(c); err == nil {
			t.Errorf("case %d: malformed datagram decoded without error", i)
		}
	}
}

func TestEncodeFrameLimits(t *testing.T) {
	if _, err := encodeFrame(1, time.Now(), nil); err == nil {
		t.Error("empty frame encoded without error")
	}
	if _, err := encodeFrame(1, time.Now(), make(lights.Frame, MaxChannels+1)); err == nil {
		t.Error("oversized frame encoded without error")
	}
}

func TestQuantize(t *testing.T) {
	if quantize(-0.5) != 0 {
		t.Error("negative intensity should quantize to 0")
	}
	if quantize(0) != 0 {
		t.Error("zero should quantize to 0")
	}
	if quantize(1) != 255 {
		t.Error("full intensity should quantize to 255")
	}
	if quantize(2) != 255 {
		t.Error("overdriven intensity should clamp to 255")
	}
	if quantize(0.5) != 128 {
		t.Errorf("0.5 quantized to %d, want 128", quantize(0.5))
	}
}

func TestApplyOrderedDropsStaleFrames(t *testing.T) {
	drv := &recordDriver{}
	c, err := NewClient(ClientConfig{ServerAddr: "127.0.0.1:1", Channels: 2}, drv)
	if err != nil {
		t.Fatal(err)
	}
	frame := func(seq uint64, v float64) FrameMsg {
		return FrameMsg{Seq: seq, Intensities: lights.Frame{v, v}}
	}

	// arrival order 3, 1, 2: only 3 may reach the driver
	for _, m := range []FrameMsg{frame(3, 0.3), frame(1, 0.1), frame(2, 0.2)} {
		if err := c.applyOrdered(m); err != nil {
			t.Fatal(err)
		}
	}
	got := drv.applied()
	if len(got) != 1 || got[0][0] != 0.3 {
		t.Fatalf("applied %v, want exactly the seq-3 frame", got)
	}

	// a later gap does not revive skipped sequence numbers
	if err := c.applyOrdered(frame(5, 0.5)); err != nil {
		t.Fatal(err)
	}
	if err := c.applyOrdered(frame(4, 0.4)); err != nil {
		t.Fatal(err)
	}
	got = drv.applied()
	if len(got) != 2 || got[1][0] != 0.5 {
		t.Fatalf("applied %v, want seq 3 then seq 5", got)
	}

	st := c.Status()
	if st.Applied != 2 || st.Dropped != 3 || st.LastSeq != 5 {
		t.Errorf("status = %+v, want applied 2 dropped 3 lastSeq 5", st)
	}
}

func TestApplyOrderedRejectsWrongWidth(t *testing.T) {
	drv := &recordDriver{}
	c, err := NewClient(ClientConfig{ServerAddr: "127.0.0.1:1", Channels: 4}, drv)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.applyOrdered(FrameMsg{Seq: 1, Intensities: lights.Frame{1, 1}}); err != nil {
		t.Fatal(err)
	}
	if len(drv.applied()) != 0 {
		t.Error("frame with wrong channel count reached the driver")
	}
}

func TestReapStale(t *testing.T) {
	s := &Server{
		timeout: time.Second,
		clients: make(map[uuid.UUID]*clientEntry),
	}
	now := time.Now()
	fresh, stale := uuid.New(), uuid.New()
	s.clients[fresh] = &clientEntry{lastSeen: now}
	s.clients[stale] = &clientEntry{lastSeen: now.Add(-2 * time.Second)}

	s.reapStale(now)
	if s.ClientCount() != 1 {
		t.Fatalf("client count = %d after reap, want 1", s.ClientCount())
	}
	if _, ok := s.clients[fresh]; !ok {
		t.Error("fresh client was reaped")
	}
}

// Send must never block the playback tick, even with nothing draining the
// outbound queue; overflow sheds the oldest pending frames.
func TestSendNeverBlocksWithoutDrain(t *testing.T) {
	s := &Server{
		out:     make(chan outFrame, 4),
		clients: make(map[uuid.UUID]*clientEntry),
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			s.Send(lights.Frame{float64(i) / 100})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Send blocked with a full queue")
	}

	if s.seq != 100 {
		t.Errorf("seq = %d after 100 sends, want 100", s.seq)
	}
	var last uint64
	for len(s.out) > 0 {
		m := <-s.out
		if m.seq <= last {
			t.Errorf("queued seq %d after %d, want increasing", m.seq, last)
		}
		last = m.seq
	}
	if last != 100 {
		t.Errorf("newest queued seq = %d, want 100 (oldest dropped first)", last)
	}
}

// An idle but heartbeating link must stay registered: no frames flowing is
// the normal state between songs.
func TestClientHoldsIdleLink(t *testing.T) {
	srv, err := NewServer("127.0.0.1:0", 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)
	defer srv.Close()

	drv := &recordDriver{}
	cl, err := NewClient(ClientConfig{
		ServerAddr: srv.Addr().String(),
		Channels:   2,
		Heartbeat:  100 * time.Millisecond,
		Timeout:    5 * time.Second,
	}, drv)
	if err != nil {
		t.Fatal(err)
	}
	go cl.Run(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for !cl.Status().Connected {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// hold the link well past the registration handshake window with
	// nothing but heartbeats on the wire
	until := time.Now().Add(1500 * time.Millisecond)
	for time.Now().Before(until) {
		if !cl.Status().Connected {
			t.Fatal("client dropped an idle link")
		}
		if srv.ClientCount() != 1 {
			t.Fatalf("server sees %d clients on an idle link", srv.ClientCount())
		}
		time.Sleep(50 * time.Millisecond)
	}
	if len(drv.applied()) != 0 {
		t.Errorf("driver written %d times with no frames sent", len(drv.applied()))
	}
}

func TestServerClientLoopback(t *testing.T) {
	srv, err := NewServer("127.0.0.1:0", 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)
	defer srv.Close()

	drv := &recordDriver{}
	cl, err := NewClient(ClientConfig{
		ServerAddr: srv.Addr().String(),
		Channels:   3,
		Heartbeat:  100 * time.Millisecond,
		HoldLast:   true,
	}, drv)
	if err != nil {
		t.Fatal(err)
	}
	clientDone := make(chan struct{})
	go func() {
		defer close(clientDone)
		cl.Run(ctx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for srv.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	want := lights.Frame{1, 0, 0.5}
	for i := 0; i < 20; i++ {
		srv.Send(want)
		time.Sleep(10 * time.Millisecond)
		if len(drv.applied()) > 0 {
			break
		}
	}
	got := drv.applied()
	if len(got) == 0 {
		t.Fatal("no frame reached the client driver")
	}
	first := got[0]
	if len(first) != 3 || first[0] != 1 || first[1] != 0 {
		t.Errorf("applied frame = %v, want ~%v", first, want)
	}
	if !cl.Status().Connected {
		t.Error("client does not report connected")
	}

	cancel()
	select {
	case <-clientDone:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not stop on context cancel")
	}
}
