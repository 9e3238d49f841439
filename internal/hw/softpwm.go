package hw

import (
	"sync"
	"time"
)

// softPWM dims a binary pin by toggling it from a goroutine, the same way
// the original wiringPi-style soft PWM works. Duty cycle is proportional to
// intensity; active-low wiring inverts the physical levels, not the duty.
type softPWM struct {
	pin       Pin
	period    time.Duration
	activeLow bool

	mu   sync.Mutex
	duty float64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func startSoftPWM(pin Pin, hz int, activeLow bool) *softPWM {
	if hz <= 0 {
		hz = 100
	}
	p := &softPWM{
		pin:       pin,
		period:    time.Second / time.Duration(hz),
		activeLow: activeLow,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go p.run()
	return p
}

// SetDuty sets the duty cycle in [0,1].
func (p *softPWM) SetDuty(d float64) {
	p.mu.Lock()
	p.duty = clamp01(d)
	p.mu.Unlock()
}

// Stop ends the toggle loop and leaves the pin at logical off. Safe to call
// more than once.
func (p *softPWM) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

func (p *softPWM) run() {
	defer close(p.done)
	defer p.set(false)

	timer := time.NewTimer(p.period)
	defer timer.Stop()

	for {
		p.mu.Lock()
		duty := p.duty
		p.mu.Unlock()

		onTime := time.Duration(duty * float64(p.period))
		switch {
		case onTime <= 0:
			p.set(false)
		case onTime >= p.period:
			p.set(true)
		default:
			p.set(true)
			if !p.sleep(timer, onTime) {
				return
			}
			p.set(false)
			if !p.sleep(timer, p.period-onTime) {
				return
			}
			continue
		}
		if !p.sleep(timer, p.period) {
			return
		}
	}
}

// sleep waits for d or the stop signal; false means stop.
func (p *softPWM) sleep(timer *time.Timer, d time.Duration) bool {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
	select {
	case <-timer.C:
		return true
	case <-p.stop:
		return false
	}
}

// set writes the logical level, applying active-low inversion. Write errors
// inside the toggle loop are ignored; Apply surfaces them on the next frame.
func (p *softPWM) set(on bool) {
	_ = p.pin.Set(on != p.activeLow)
}
