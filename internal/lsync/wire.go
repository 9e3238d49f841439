// Package lsync keeps the light output of multiple devices visually aligned
// over a best-effort local network. A server wraps each channel frame in a
// sequenced, timestamped datagram and unicasts it to registered clients;
// clients buffer briefly and apply frames in strict sequence order.
package lsync

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/lumasync/lumasync/internal/lights"
)

// Wire constants. Every datagram starts with the magic and a version byte;
// receivers drop anything malformed rather than erroring out.
const (
	wireMagic   = "LSY1"
	wireVersion = 1

	msgRegister    = 1
	msgRegisterAck = 2
	msgHeartbeat   = 3
	msgFrame       = 4
	msgBye         = 5

	headerLen = 6
	// MaxChannels bounds a frame datagram well below a single MTU.
	MaxChannels = 1024
)

// FrameMsg is one decoded sync frame: sequence number, capture timestamp and
// the per-channel intensities quantized to a byte each on the wire.
type FrameMsg struct {
	Seq         uint64
	Timestamp   time.Time
	Intensities lights.Frame
}

// message is any decoded datagram.
type message struct {
	kind  byte
	id    uuid.UUID // register / ack / heartbeat / bye
	frame FrameMsg  // msgFrame only
}

func appendHeader(buf []byte, kind byte) []byte {
	buf = append(buf, wireMagic...)
	buf = append(buf, wireVersion, kind)
	return buf
}

func encodeIdentified(kind byte, id uuid.UUID) []byte {
	buf := make([]byte, 0, headerLen+16)
	buf = appendHeader(buf, kind)
	return append(buf, id[:]...)
}

func encodeFrame(seq uint64, ts time.Time, frame lights.Frame) ([]byte, error) {
	if len(frame) == 0 || len(frame) > MaxChannels {
		return nil, fmt.Errorf("frame has %d channels, wire limit is %d", len(frame), MaxChannels)
	}
	buf := make([]byte, 0, headerLen+8+8+2+len(frame))
	buf = appendHeader(buf, msgFrame)
	buf = binary.BigEndian.AppendUint64(buf, seq)
	buf = binary.BigEndian.AppendUint64(buf, uint64(ts.UnixNano()))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(frame)))
	for _, v := range frame {
		buf = append(buf, quantize(v))
	}
	return buf, nil
}

func decode(buf []byte) (message, error) {
	if len(buf) < headerLen || string(buf[:4]) != wireMagic {
		return message{}, fmt.Errorf("not a sync datagram")
	}
	if buf[4] != wireVersion {
		return message{}, fmt.Errorf("unknown protocol version %d", buf[4])
	}
	kind := buf[5]
	body := buf[headerLen:]

	switch kind {
	case msgRegister, msgRegisterAck, msgHeartbeat, msgBye:
		if len(body) != 16 {
			return message{}, fmt.Errorf("message type %d: bad id length %d", kind, len(body))
		}
		var id uuid.UUID
		copy(id[:], body)
		return message{kind: kind, id: id}, nil

	case msgFrame:
		if len(body) < 18 {
			return message{}, fmt.Errorf("truncated frame datagram: %d bytes", len(body))
		}
		seq := binary.BigEndian.Uint64(body[:8])
		ts := time.Unix(0, int64(binary.BigEndian.Uint64(body[8:16])))
		count := int(binary.BigEndian.Uint16(body[16:18]))
		if count == 0 || count > MaxChannels || len(body) != 18+count {
			return message{}, fmt.Errorf("frame datagram claims %d channels with %d payload bytes", count, len(body)-18)
		}
		frame := make(lights.Frame, count)
		for i := range frame {
			frame[i] = float64(body[18+i]) / 255
		}
		return message{kind: msgFrame, frame: FrameMsg{Seq: seq, Timestamp: ts, Intensities: frame}}, nil

	default:
		return message{}, fmt.Errorf("unknown message type %d", kind)
	}
}

// quantize maps an intensity in [0,1] onto one wire byte. The error (at most
// 1/255) is below the output driver's resolution.
func quantize(v float64) byte {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return byte(math.Round(v * 255))
}
