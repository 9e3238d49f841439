// Package dsp computes per-band frequency energy from PCM chunks.
package dsp

import (
	"fmt"
	"math"
)

// Band is one contiguous frequency range [Low, High) whose energy is
// aggregated into a single scalar, routed to output channel Channel.
type Band struct {
	Low     float64
	High    float64
	Channel int
}

// LogBands builds count log-spaced bands between min and max Hz and assigns
// them to channels. Edges are spaced evenly in log frequency, matching how
// pitch is perceived, so low-end percussive content does not swamp every
// channel. When count exceeds channels, bands are assigned round-robin and
// their energies sum on the shared channel.
func LogBands(min, max float64, count, channels int) ([]Band, error) {
	if min <= 0 || max <= min {
		return nil, fmt.Errorf("invalid frequency range [%g, %g)", min, max)
	}
	if count <= 0 || channels <= 0 || count < channels {
		return nil, fmt.Errorf("invalid band layout: %d bands over %d channels", count, channels)
	}

	logMin := math.Log10(min)
	step := (math.Log10(max) - logMin) / float64(count)

	bands := make([]Band, count)
	for i := range bands {
		bands[i] = Band{
			Low:     math.Pow(10, logMin+float64(i)*step),
			High:    math.Pow(10, logMin+float64(i+1)*step),
			Channel: i % channels,
		}
	}
	// Pin the outer edges exactly so no energy falls outside due to
	// floating-point drift.
	bands[0].Low = min
	bands[count-1].High = max
	return bands, nil
}
