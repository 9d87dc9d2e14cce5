package audio

import (
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

const (
	DefaultAnalyzerSize = 256

	minDecibels = -100.0
	maxDecibels = -30.0
	smoothing   = 0.8
)

// Analyzer keeps the most recent window of samples and produces a smoothed
// magnitude spectrum mapped from [minDecibels, maxDecibels] onto [0,1].
type Analyzer struct {
	mu       sync.Mutex
	size     int
	ring     []float64
	pos      int
	fft      *fourier.FFT
	seq      []float64
	coeffs   []complex128
	smoothed []float64
}

func NewAnalyzer(size int) *Analyzer {
	if size < 2 {
		size = DefaultAnalyzerSize
	}
	return &Analyzer{
		size:     size,
		ring:     make([]float64, size),
		fft:      fourier.NewFFT(size),
		seq:      make([]float64, size),
		smoothed: make([]float64, size/2),
	}
}

// Bins is the length of the spectrum returned by Spectrum.
func (a *Analyzer) Bins() int { return a.size / 2 }

func (a *Analyzer) Write(samples []int16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range samples {
		a.ring[a.pos] = float64(s) / 32768
		a.pos = (a.pos + 1) % a.size
	}
}

func (a *Analyzer) Spectrum(dst []float64) []float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := range a.seq {
		a.seq[i] = a.ring[(a.pos+i)%a.size]
	}
	window.Hann(a.seq)
	a.coeffs = a.fft.Coefficients(a.coeffs, a.seq)

	bins := a.size / 2
	if cap(dst) < bins {
		dst = make([]float64, bins)
	}
	dst = dst[:bins]

	for k := 0; k < bins; k++ {
		mag := cmplx.Abs(a.coeffs[k]) / float64(a.size)
		a.smoothed[k] = smoothing*a.smoothed[k] + (1-smoothing)*mag
		dst[k] = normalizeDecibels(a.smoothed[k])
	}
	return dst
}

func normalizeDecibels(mag float64) float64 {
	if mag <= 0 {
		return 0
	}
	db := 20 * math.Log10(mag)
	v := (db - minDecibels) / (maxDecibels - minDecibels)
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
