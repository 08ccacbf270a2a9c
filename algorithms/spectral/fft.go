package spectral

import (
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
	"gonum.org/v1/gonum/floats"
)

// FFT computes discrete Fourier transforms of real channel signals.
type FFT struct{}

// NewFFT creates a new FFT calculator
func NewFFT() *FFT {
	return &FFT{}
}

// Compute returns the full complex spectrum of x. go-dsp handles lengths
// that are not powers of two.
func (f *FFT) Compute(x []float64) []complex128 {
	if len(x) == 0 {
		return []complex128{}
	}
	return fft.FFTReal(x)
}

// BinCount returns the number of non-negative frequency bins, n/2 + 1, of a
// signal of n samples.
func BinCount(n int) int {
	if n <= 0 {
		return 0
	}
	return n/2 + 1
}

// Amplitude returns the one-sided amplitude spectrum 2*|X[k]|/n for the
// first BinCount(n) bins of x.
func (f *FFT) Amplitude(x []float64) []float64 {
	n := len(x)
	bins := BinCount(n)
	if bins == 0 {
		return []float64{}
	}

	spectrum := f.Compute(x)
	amp := make([]float64, bins)
	for k := range amp {
		amp[k] = cmplx.Abs(spectrum[k])
	}
	floats.Scale(2/float64(n), amp)
	return amp
}

// BinFrequencies returns bins evenly spaced frequencies from 0 to the
// Nyquist frequency samplingRate/2, both inclusive.
func BinFrequencies(bins int, samplingRate float64) []float64 {
	switch {
	case bins <= 0:
		return []float64{}
	case bins == 1:
		return []float64{0}
	}
	return floats.Span(make([]float64, bins), 0, samplingRate/2)
}
