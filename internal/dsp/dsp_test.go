package dsp

import (
	"math"
	"testing"
)

func TestLogBandsLayout(t *testing.T) {
	bands, err := LogBands(20, 15000, 8, 8)
	if err != nil {
		t.Fatalf("LogBands: %v", err)
	}
	if len(bands) != 8 {
		t.Fatalf("got %d bands, want 8", len(bands))
	}
	if bands[0].Low != 20 {
		t.Errorf("first band low = %g, want 20", bands[0].Low)
	}
	if bands[7].High != 15000 {
		t.Errorf("last band high = %g, want 15000", bands[7].High)
	}
	// Contiguous and increasing.
	for i := 1; i < len(bands); i++ {
		if math.Abs(bands[i].Low-bands[i-1].High) > 1e-9 {
			t.Errorf("gap between band %d high %g and band %d low %g", i-1, bands[i-1].High, i, bands[i].Low)
		}
		if bands[i].High <= bands[i].Low {
			t.Errorf("band %d not increasing: [%g, %g)", i, bands[i].Low, bands[i].High)
		}
	}
	// Log spacing: the ratio high/low is the same for every band.
	ratio := bands[0].High / bands[0].Low
	for i, b := range bands {
		if math.Abs(b.High/b.Low-ratio) > 1e-6 {
			t.Errorf("band %d ratio %g, want %g (log spacing)", i, b.High/b.Low, ratio)
		}
	}
}

func TestLogBandsRoundRobinChannels(t *testing.T) {
	bands, err := LogBands(20, 15000, 8, 3)
	if err != nil {
		t.Fatal(err)
	}
	want := []int{0, 1, 2, 0, 1, 2, 0, 1}
	for i, b := range bands {
		if b.Channel != want[i] {
			t.Errorf("band %d channel = %d, want %d", i, b.Channel, want[i])
		}
	}
}

func TestLogBandsRejectsBadInput(t *testing.T) {
	cases := []struct {
		min, max        float64
		count, channels int
	}{
		{0, 15000, 8, 8},
		{100, 50, 8, 8},
		{20, 15000, 0, 1},
		{20, 15000, 2, 4}, // fewer bands than channels
	}
	for _, c := range cases {
		if _, err := LogBands(c.min, c.max, c.count, c.channels); err == nil {
			t.Errorf("LogBands(%g, %g, %d, %d) accepted bad input", c.min, c.max, c.count, c.channels)
		}
	}
}

func sine(freq float64, n, rate int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Sin(2 * math.Pi * freq * float64(i) / float64(rate))
	}
	return out
}

func newTestAnalyzer(t *testing.T) *Analyzer {
	t.Helper()
	bands, err := LogBands(20, 15000, 8, 8)
	if err != nil {
		t.Fatal(err)
	}
	a, err := NewAnalyzer(2048, 44100, bands)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestAnalyzeSineLandsInItsBand(t *testing.T) {
	a := newTestAnalyzer(t)

	// 440Hz should dominate the band containing 440Hz.
	energy := a.Analyze(sine(440, 2048, 44100))

	target := -1
	for i, b := range a.Bands() {
		if 440 >= b.Low && 440 < b.High {
			target = i
		}
	}
	if target < 0 {
		t.Fatal("no band contains 440Hz")
	}

	best := 0
	for i := range energy {
		if energy[i] > energy[best] {
			best = i
		}
	}
	if best != target {
		t.Errorf("peak energy in band %d, want %d (energies %v)", best, target, energy)
	}
}

func TestAnalyzeSilenceIsZero(t *testing.T) {
	a := newTestAnalyzer(t)
	for i, e := range a.Analyze(make([]float64, 2048)) {
		if e != 0 {
			t.Errorf("band %d energy = %g for silence, want 0", i, e)
		}
		if math.IsNaN(e) {
			t.Errorf("band %d energy is NaN", i)
		}
	}
}

func TestAnalyzeNonNegative(t *testing.T) {
	a := newTestAnalyzer(t)
	// Square-ish broadband signal.
	in := make([]float64, 2048)
	for i := range in {
		if i%7 < 3 {
			in[i] = 1
		} else {
			in[i] = -1
		}
	}
	for i, e := range a.Analyze(in) {
		if e < 0 || math.IsNaN(e) {
			t.Errorf("band %d energy = %g, want non-negative finite", i, e)
		}
	}
}

func TestAnalyzeShortChunkIsPadded(t *testing.T) {
	a := newTestAnalyzer(t)
	// A short tail chunk must be analyzed, not rejected.
	energy := a.Analyze(sine(440, 512, 44100))
	total := 0.0
	for _, e := range energy {
		total += e
	}
	if total <= 0 {
		t.Error("short chunk produced zero total energy")
	}
}

func TestAnalyzeDeterministic(t *testing.T) {
	a := newTestAnalyzer(t)
	in := sine(1000, 2048, 44100)
	first := a.Analyze(in)
	second := a.Analyze(in)
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("band %d differs across identical calls: %g vs %g", i, first[i], second[i])
		}
	}
}

func TestNewAnalyzerRejectsBadInput(t *testing.T) {
	bands, _ := LogBands(20, 15000, 4, 4)
	if _, err := NewAnalyzer(1000, 44100, bands); err == nil {
		t.Error("accepted non-power-of-two chunk size")
	}
	if _, err := NewAnalyzer(2048, 0, bands); err == nil {
		t.Error("accepted zero sample rate")
	}
	if _, err := NewAnalyzer(2048, 44100, nil); err == nil {
		t.Error("accepted empty band layout")
	}
}
