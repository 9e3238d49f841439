// Package lights maps band energy to per-channel intensity and defines the
// frame and driver contracts shared by the scheduler, cache, hardware and
// network layers.
package lights

// Frame is one instant of per-channel intensity, each value in [0,1]. It is
// the fundamental unit moved through cache, scheduler, driver and network.
type Frame []float64

// ZeroFrame returns an all-off frame for n channels.
func ZeroFrame(n int) Frame {
	return make(Frame, n)
}

// Clone returns an independent copy of the frame.
func (f Frame) Clone() Frame {
	out := make(Frame, len(f))
	copy(out, f)
	return out
}

// Driver applies intensity frames to physical channels. Apply must be
// idempotent; Shutdown must zero every channel and be safe to call more than
// once. Hardware channel state is exclusively owned by the driver.
type Driver interface {
	Apply(Frame) error
	Shutdown() error
}
