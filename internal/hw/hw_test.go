package hw

import (
	"errors"
	"testing"
	"time"

	"github.com/lumasync/lumasync/internal/config"
	"github.com/lumasync/lumasync/internal/lights"
)

func testHardware(channels ...config.Channel) config.Hardware {
	return config.Hardware{Channels: channels, PWMHz: 100}
}

func newSimDriver(t *testing.T, channels ...config.Channel) (*Driver, []*SimPin) {
	t.Helper()
	pins := simPins(len(channels))
	d, err := newWithPins(testHardware(channels...), pins, nil)
	if err != nil {
		t.Fatalf("newWithPins: %v", err)
	}
	t.Cleanup(func() { d.Shutdown() })

	sims := make([]*SimPin, len(pins))
	for i, p := range pins {
		sims[i] = p.(*SimPin)
	}
	return d, sims
}

func TestApplyBinaryThreshold(t *testing.T) {
	d, pins := newSimDriver(t,
		config.Channel{Pin: 17, Mode: config.ModeOnOff, Gain: 1},
		config.Channel{Pin: 27, Mode: config.ModeOnOff, Gain: 1},
		config.Channel{Pin: 22, Mode: config.ModeOnOff, Gain: 1},
	)

	if err := d.Apply(lights.Frame{0.49, 0.5, 1.0}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if pins[0].Level() {
		t.Error("intensity 0.49 turned channel on, threshold is 0.5")
	}
	if !pins[1].Level() {
		t.Error("intensity 0.5 left channel off")
	}
	if !pins[2].Level() {
		t.Error("intensity 1.0 left channel off")
	}
}

func TestApplyActiveLowInvertsPhysicalOnly(t *testing.T) {
	d, pins := newSimDriver(t,
		config.Channel{Pin: 17, Mode: config.ModeOnOff, ActiveLow: true, Gain: 1},
	)

	// Logical on drives the physical line low.
	if err := d.Apply(lights.Frame{1}); err != nil {
		t.Fatal(err)
	}
	if pins[0].Level() {
		t.Error("active-low channel at full intensity drove physical high")
	}

	// Logical off drives it high.
	if err := d.Apply(lights.Frame{0}); err != nil {
		t.Fatal(err)
	}
	if !pins[0].Level() {
		t.Error("active-low channel at zero intensity drove physical low")
	}
}

func TestApplyIdempotent(t *testing.T) {
	d, pins := newSimDriver(t,
		config.Channel{Pin: 17, Mode: config.ModeOnOff, Gain: 1},
	)

	if err := d.Apply(lights.Frame{1}); err != nil {
		t.Fatal(err)
	}
	writes := pins[0].Writes()

	// Reapplying the identical frame must not touch the hardware.
	for i := 0; i < 5; i++ {
		if err := d.Apply(lights.Frame{1}); err != nil {
			t.Fatal(err)
		}
	}
	if got := pins[0].Writes(); got != writes {
		t.Errorf("hardware written %d times after identical reapplies, want %d", got, writes)
	}
}

func TestApplyRejectsWrongWidth(t *testing.T) {
	d, _ := newSimDriver(t,
		config.Channel{Pin: 17, Mode: config.ModeOnOff, Gain: 1},
		config.Channel{Pin: 27, Mode: config.ModeOnOff, Gain: 1},
	)
	if err := d.Apply(lights.Frame{1}); err == nil {
		t.Error("Apply accepted a narrow frame")
	}
}

func TestApplyClampsOutOfRange(t *testing.T) {
	d, pins := newSimDriver(t,
		config.Channel{Pin: 17, Mode: config.ModeOnOff, Gain: 1},
		config.Channel{Pin: 27, Mode: config.ModeOnOff, Gain: 1},
	)
	if err := d.Apply(lights.Frame{-3, 42}); err != nil {
		t.Fatal(err)
	}
	if pins[0].Level() {
		t.Error("negative intensity turned channel on")
	}
	if !pins[1].Level() {
		t.Error("over-range intensity left channel off")
	}
}

func TestShutdownZeroesAndIsReentrant(t *testing.T) {
	d, pins := newSimDriver(t,
		config.Channel{Pin: 17, Mode: config.ModeOnOff, Gain: 1},
		config.Channel{Pin: 27, Mode: config.ModeOnOff, ActiveLow: true, Gain: 1},
	)

	if err := d.Apply(lights.Frame{1, 1}); err != nil {
		t.Fatal(err)
	}
	if err := d.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if pins[0].Level() {
		t.Error("channel 0 not zeroed by shutdown")
	}
	if !pins[1].Level() {
		t.Error("active-low channel not driven to physical high (logical off) by shutdown")
	}

	// Safe to call again.
	if err := d.Shutdown(); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}

	// The driver refuses frames once down.
	if err := d.Apply(lights.Frame{1, 1}); err == nil {
		t.Error("Apply succeeded after Shutdown")
	}
}

func TestSoftPWMFullAndZeroDuty(t *testing.T) {
	pin := &SimPin{}
	pwm := startSoftPWM(pin, 1000, false)
	defer pwm.Stop()

	pwm.SetDuty(1)
	time.Sleep(20 * time.Millisecond)
	if !pin.Level() {
		t.Error("duty 1.0 did not hold pin high")
	}

	pwm.SetDuty(0)
	time.Sleep(20 * time.Millisecond)
	if pin.Level() {
		t.Error("duty 0.0 did not hold pin low")
	}
}

func TestSoftPWMTogglesAtPartialDuty(t *testing.T) {
	pin := &SimPin{}
	pwm := startSoftPWM(pin, 1000, false)
	defer pwm.Stop()

	pwm.SetDuty(0.5)
	before := pin.Writes()
	time.Sleep(50 * time.Millisecond)
	if got := pin.Writes(); got-before < 10 {
		t.Errorf("pin written %d times over 50ms at 1kHz/50%%, want continuous toggling", got-before)
	}
}

func TestSoftPWMStopLeavesPinOff(t *testing.T) {
	pin := &SimPin{}
	pwm := startSoftPWM(pin, 1000, false)
	pwm.SetDuty(1)
	time.Sleep(10 * time.Millisecond)
	pwm.Stop()
	if pin.Level() {
		t.Error("Stop left pin high")
	}
	// Stop twice is fine.
	pwm.Stop()
}

func TestSoftPWMActiveLow(t *testing.T) {
	pin := &SimPin{}
	pwm := startSoftPWM(pin, 1000, true)
	defer pwm.Stop()

	pwm.SetDuty(1)
	time.Sleep(20 * time.Millisecond)
	if pin.Level() {
		t.Error("active-low duty 1.0 should hold physical low")
	}
}

type failPin struct{}

func (failPin) Set(bool) error { return errors.New("bus gone") }

func TestApplyWriteFailureSurfaces(t *testing.T) {
	cfg := testHardware(config.Channel{Pin: 17, Mode: config.ModeOnOff, Gain: 1})
	// Construction applies a zero frame; with last=-1 the first write
	// already fails, which New must surface.
	if _, err := newWithPins(cfg, []Pin{failPin{}}, nil); err == nil {
		t.Error("driver construction swallowed a hardware write failure")
	}
}

func TestPWMChannelDriver(t *testing.T) {
	d, pins := newSimDriver(t,
		config.Channel{Pin: 18, Mode: config.ModePWM, Gain: 1},
	)

	if err := d.Apply(lights.Frame{0.7}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)
	if pins[0].Writes() == 0 {
		t.Error("PWM channel never wrote to its pin")
	}

	if err := d.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if pins[0].Level() {
		t.Error("PWM channel left high after shutdown")
	}
}
