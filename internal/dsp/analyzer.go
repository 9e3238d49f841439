package dsp

import (
	"fmt"
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
)

// Analyzer converts one PCM chunk into a per-band energy vector. It is pure:
// the same chunk and configuration always produce the same energies, and no
// state carries over between chunks.
type Analyzer struct {
	chunkSize  int
	sampleRate int
	bands      []Band
	window     []float64
	// binBand maps each FFT bin below Nyquist to a band index, -1 if the
	// bin's frequency falls outside every band.
	binBand []int
}

// NewAnalyzer precomputes the Hann window and the bin-to-band table.
func NewAnalyzer(chunkSize, sampleRate int, bands []Band) (*Analyzer, error) {
	if chunkSize <= 0 || chunkSize&(chunkSize-1) != 0 {
		return nil, fmt.Errorf("chunk size must be a positive power of two, got %d", chunkSize)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	if len(bands) == 0 {
		return nil, fmt.Errorf("no bands configured")
	}

	// Hann window reduces spectral leakage from chunk boundaries.
	window := make([]float64, chunkSize)
	for i := range window {
		window[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(chunkSize-1)))
	}

	binBand := make([]int, chunkSize/2)
	for i := range binBand {
		freq := float64(i) * float64(sampleRate) / float64(chunkSize)
		binBand[i] = -1
		for b, band := range bands {
			if freq >= band.Low && freq < band.High {
				binBand[i] = b
				break
			}
		}
	}

	return &Analyzer{
		chunkSize:  chunkSize,
		sampleRate: sampleRate,
		bands:      bands,
		window:     window,
		binBand:    binBand,
	}, nil
}

// BandCount returns the number of configured bands.
func (a *Analyzer) BandCount() int { return len(a.bands) }

// Bands returns the configured band layout.
func (a *Analyzer) Bands() []Band { return a.bands }

// Analyze returns one energy value per band. Energies are non-negative and
// silence yields exactly zero. Input shorter than the chunk size is
// zero-padded; input longer is truncated.
func (a *Analyzer) Analyze(samples []float64) []float64 {
	in := make([]float64, a.chunkSize)
	n := copy(in, samples)
	for i := 0; i < n; i++ {
		in[i] *= a.window[i]
	}

	spectrum := fft.FFTReal(in)

	energy := make([]float64, len(a.bands))
	scale := 1 / float64(a.chunkSize)
	for i, band := range a.binBand {
		if band < 0 {
			continue
		}
		energy[band] += cmplx.Abs(spectrum[i]) * scale
	}
	return energy
}

// BinFrequency returns the center frequency of FFT bin i, exposed for tests
// and diagnostics.
func (a *Analyzer) BinFrequency(i int) float64 {
	return float64(i) * float64(a.sampleRate) / float64(a.chunkSize)
}
