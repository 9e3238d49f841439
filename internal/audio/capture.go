package audio

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/tphakala/malgo"
)

// CaptureSource reads chunks from a microphone or line-in device. It never
// returns ErrEndOfStream; a dead device surfaces as an error.
type CaptureSource struct {
	ctx        *malgo.AllocatedContext
	device     *malgo.Device
	sampleRate int
	chunkSize  int
	samples    chan float64
}

// OpenCapture opens the named capture device ("" selects the default) at the
// given sample rate. Samples arrive mono.
func OpenCapture(name string, sampleRate, chunkSize int) (*CaptureSource, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: init context: %v", ErrDeviceUnavailable, err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(sampleRate)

	if name != "" {
		id, err := findCaptureDevice(mctx, name)
		if err != nil {
			mctx.Uninit()
			mctx.Free()
			return nil, err
		}
		cfg.Capture.DeviceID = id.Pointer()
	}

	src := &CaptureSource{
		ctx:        mctx,
		sampleRate: sampleRate,
		chunkSize:  chunkSize,
		// Room for several chunks so a slow reader does not stall the
		// device callback.
		samples: make(chan float64, chunkSize*8),
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			for i := uint32(0); i < frameCount; i++ {
				v := int16(binary.LittleEndian.Uint16(input[i*2 : i*2+2]))
				select {
				case src.samples <- float64(v) / 32768:
				default:
					// reader behind, shed the oldest audio
					select {
					case <-src.samples:
					default:
					}
				}
			}
		},
	}

	device, err := malgo.InitDevice(mctx.Context, cfg, callbacks)
	if err != nil {
		mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("%w: init device %q: %v", ErrDeviceUnavailable, name, err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("%w: start device %q: %v", ErrDeviceUnavailable, name, err)
	}

	src.device = device
	return src, nil
}

func findCaptureDevice(mctx *malgo.AllocatedContext, name string) (malgo.DeviceID, error) {
	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return malgo.DeviceID{}, fmt.Errorf("%w: enumerate: %v", ErrDeviceUnavailable, err)
	}
	for _, info := range infos {
		if strings.Contains(strings.ToLower(info.Name()), strings.ToLower(name)) {
			return info.ID, nil
		}
	}
	return malgo.DeviceID{}, fmt.Errorf("%w: no capture device matching %q", ErrDeviceUnavailable, name)
}

// SampleRate returns the configured capture rate.
func (s *CaptureSource) SampleRate() int {
	return s.sampleRate
}

// ReadChunk assembles the next chunk from the capture callback. It waits up
// to two chunk durations for the device to deliver audio before reporting the
// device as failed.
func (s *CaptureSource) ReadChunk() (Chunk, error) {
	chunkDur := time.Duration(float64(s.chunkSize) / float64(s.sampleRate) * float64(time.Second))
	deadline := time.NewTimer(2 * chunkDur)
	defer deadline.Stop()

	out := make([]float64, s.chunkSize)
	for i := 0; i < s.chunkSize; i++ {
		select {
		case v := <-s.samples:
			out[i] = v
		case <-deadline.C:
			return Chunk{}, fmt.Errorf("capture device stalled after %d of %d samples", i, s.chunkSize)
		}
	}
	return Chunk{Samples: out, SampleRate: s.sampleRate}, nil
}

// Close stops the device and releases the audio context.
func (s *CaptureSource) Close() error {
	if s.device != nil {
		s.device.Uninit()
		s.device = nil
	}
	if s.ctx != nil {
		err := s.ctx.Uninit()
		s.ctx.Free()
		s.ctx = nil
		return err
	}
	return nil
}
