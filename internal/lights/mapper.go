package lights

import (
	"fmt"
	"math"
	"time"

	"github.com/lumasync/lumasync/internal/dsp"
)

// MapperConfig holds the "feel" tuning for the intensity mapper.
type MapperConfig struct {
	Bands    []dsp.Band
	Channels int
	Gains    []float64 // per-channel gain, len == Channels
	Exponent float64   // brightness curve exponent

	// Normalization window in decibels. Band energy at or below FloorDB
	// maps to 0, at or above CeilingDB maps to 1. A fixed window keeps
	// Map a pure function of its inputs, which is what makes cached and
	// live playback byte-identical.
	FloorDB   float64
	CeilingDB float64

	// Attack and Decay are time constants: intensity rises toward a
	// louder target at the attack rate and falls toward zero at the decay
	// rate, per chunk of ChunkDuration.
	Attack        float64
	Decay         float64
	ChunkDuration time.Duration
}

// Mapper converts per-band energy vectors into channel frames.
type Mapper struct {
	cfg         MapperConfig
	attackCoeff float64
	decayCoeff  float64
}

// NewMapper validates the configuration and precomputes smoothing
// coefficients.
func NewMapper(cfg MapperConfig) (*Mapper, error) {
	if cfg.Channels <= 0 {
		return nil, fmt.Errorf("mapper needs at least one channel")
	}
	if len(cfg.Bands) == 0 {
		return nil, fmt.Errorf("mapper needs a band layout")
	}
	for _, b := range cfg.Bands {
		if b.Channel < 0 || b.Channel >= cfg.Channels {
			return nil, fmt.Errorf("band [%g, %g) routed to channel %d of %d", b.Low, b.High, b.Channel, cfg.Channels)
		}
	}
	if len(cfg.Gains) != cfg.Channels {
		return nil, fmt.Errorf("got %d gains for %d channels", len(cfg.Gains), cfg.Channels)
	}
	if cfg.CeilingDB <= cfg.FloorDB {
		return nil, fmt.Errorf("ceiling %gdB must be above floor %gdB", cfg.CeilingDB, cfg.FloorDB)
	}
	if cfg.Exponent <= 0 {
		return nil, fmt.Errorf("exponent must be positive, got %g", cfg.Exponent)
	}
	return &Mapper{
		cfg:         cfg,
		attackCoeff: smoothingCoeff(cfg.Attack, cfg.ChunkDuration),
		decayCoeff:  smoothingCoeff(cfg.Decay, cfg.ChunkDuration),
	}, nil
}

// smoothingCoeff converts a time constant into a per-chunk first-order
// smoothing coefficient. A zero or negative time constant means "instant".
func smoothingCoeff(tau float64, chunk time.Duration) float64 {
	if tau <= 0 {
		return 1
	}
	return 1 - math.Exp(-chunk.Seconds()/tau)
}

// Map converts one energy vector into the next frame. It is a pure function
// of (energy, prev): no internal state carries over between calls.
func (m *Mapper) Map(energy []float64, prev Frame) Frame {
	next := make(Frame, m.cfg.Channels)

	// Fold band energies onto their assigned channels.
	chEnergy := make([]float64, m.cfg.Channels)
	for i, b := range m.cfg.Bands {
		if i < len(energy) {
			chEnergy[b.Channel] += energy[i]
		}
	}

	for ch := range next {
		target := m.target(chEnergy[ch], m.cfg.Gains[ch])

		cur := 0.0
		if ch < len(prev) {
			cur = prev[ch]
		}

		coeff := m.decayCoeff
		if target > cur {
			coeff = m.attackCoeff
		}
		next[ch] = clamp01(cur + (target-cur)*coeff)
	}
	return next
}

// target normalizes one channel's energy onto [0,1] through the dB window,
// the brightness curve and the channel gain.
func (m *Mapper) target(energy, gain float64) float64 {
	if energy <= 0 {
		return 0
	}
	db := 20 * math.Log10(energy)
	norm := (db - m.cfg.FloorDB) / (m.cfg.CeilingDB - m.cfg.FloorDB)
	if norm <= 0 {
		return 0
	}
	if norm > 1 {
		norm = 1
	}
	return clamp01(math.Pow(norm, m.cfg.Exponent) * gain)
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
