// Package hw drives physical output channels: direct GPIO pins, software
// PWM, and I2C-expander-backed pins, behind one Apply/Shutdown contract.
package hw

import (
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/lumasync/lumasync/internal/config"
	"github.com/lumasync/lumasync/internal/lights"
)

// OnThreshold is the intensity at or above which a binary channel turns on.
const OnThreshold = 0.5

// Pin is one physical output line. Implementations exist for host GPIO,
// expander sub-pins and simulation; the driver core only sees this.
type Pin interface {
	// Set drives the logical level; active-low inversion happens before
	// this call.
	Set(on bool) error
}

type channelState struct {
	pin       Pin
	pwm       *softPWM
	activeLow bool
	// last applied logical intensity; -1 until the first Apply so the
	// initial frame always reaches the hardware.
	last float64
}

// Driver owns all hardware channel state. No other component writes to
// GPIO or PWM directly.
type Driver struct {
	mu       sync.Mutex
	channels []channelState
	closers  []io.Closer
	down     bool
}

// New resolves the configured channels into a flat channel table and returns
// a ready driver. With cfg.Simulate set it drives in-memory pins, otherwise
// host GPIO and any configured expanders.
func New(cfg config.Hardware) (*Driver, error) {
	var (
		pins []Pin
		err  error
	)
	var closers []io.Closer
	if cfg.Simulate {
		pins = simPins(len(cfg.Channels))
	} else {
		pins, closers, err = resolvePins(cfg)
		if err != nil {
			return nil, err
		}
	}
	return newWithPins(cfg, pins, closers)
}

// newWithPins builds the driver around already-resolved pins. Split out so
// tests can inject fakes.
func newWithPins(cfg config.Hardware, pins []Pin, closers []io.Closer) (*Driver, error) {
	if len(pins) != len(cfg.Channels) {
		return nil, fmt.Errorf("resolved %d pins for %d channels", len(pins), len(cfg.Channels))
	}
	d := &Driver{
		channels: make([]channelState, len(cfg.Channels)),
		closers:  closers,
	}
	for i, ch := range cfg.Channels {
		cs := channelState{pin: pins[i], activeLow: ch.ActiveLow, last: -1}
		if ch.Mode == config.ModePWM {
			cs.pwm = startSoftPWM(pins[i], cfg.PWMHz, ch.ActiveLow)
		}
		d.channels[i] = cs
	}
	// Every channel starts dark.
	if err := d.Apply(lights.ZeroFrame(len(cfg.Channels))); err != nil {
		d.Shutdown()
		return nil, err
	}
	return d, nil
}

// ChannelCount returns the number of driven channels.
func (d *Driver) ChannelCount() int {
	return len(d.channels)
}

// Apply writes every channel's intensity to its hardware representation.
// Reapplying an identical frame is a no-op. A write failure is returned to
// the caller; the session layer treats it as fatal for the show.
func (d *Driver) Apply(frame lights.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.down {
		return fmt.Errorf("driver is shut down")
	}
	if len(frame) != len(d.channels) {
		return fmt.Errorf("frame has %d channels, driver has %d", len(frame), len(d.channels))
	}
	return d.applyLocked(frame)
}

func (d *Driver) applyLocked(frame lights.Frame) error {
	for i := range d.channels {
		cs := &d.channels[i]
		v := clamp01(frame[i])
		if v == cs.last {
			continue
		}
		if cs.pwm != nil {
			cs.pwm.SetDuty(v)
			cs.last = v
			continue
		}
		on := v >= OnThreshold
		if err := cs.pin.Set(on != cs.activeLow); err != nil {
			return fmt.Errorf("channel %d: %w", i, err)
		}
		cs.last = v
	}
	return nil
}

// Shutdown zeroes every channel, stops PWM loops and releases hardware
// handles. It is safe to call repeatedly and must run even when the process
// is dying; callers defer it right after New.
func (d *Driver) Shutdown() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.down {
		return nil
	}

	var firstErr error
	for i := range d.channels {
		cs := &d.channels[i]
		if cs.pwm != nil {
			cs.pwm.Stop()
		}
		// logical off: physical high only for active-low wiring
		if err := cs.pin.Set(cs.activeLow); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("zero channel %d: %w", i, err)
		}
		cs.last = 0
	}
	for _, c := range d.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("release hardware: %w", err)
		}
	}
	d.closers = nil
	d.down = true
	if firstErr != nil {
		log.Printf("hw: shutdown finished with error: %v", firstErr)
	}
	return firstErr
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
