package windowing

import (
	"fmt"
	"math"
)

// Hann is a raised-cosine taper applied before a transform to reduce
// leakage from the signal edges.
type Hann struct {
	size         int
	symmetric    bool
	coefficients []float64
}

// NewHann creates a Hann window of size samples. A symmetric window ends in
// zeros at both sides; a periodic one (symmetric == false) suits spectral
// analysis.
func NewHann(size int, symmetric bool) *Hann {
	h := &Hann{
		size:      size,
		symmetric: symmetric,
	}
	h.generate()
	return h
}

func (h *Hann) generate() {
	h.coefficients = make([]float64, h.size)
	if h.size == 1 {
		h.coefficients[0] = 1
		return
	}

	denominator := float64(h.size)
	if h.symmetric {
		denominator = float64(h.size - 1)
	}

	for i := range h.size {
		h.coefficients[i] = 0.5 * (1.0 - math.Cos(2*math.Pi*float64(i)/denominator))
	}
}

// Apply returns a windowed copy of signal.
func (h *Hann) Apply(signal []float64) ([]float64, error) {
	if len(signal) != h.size {
		return nil, fmt.Errorf("signal length (%d) doesn't match window size (%d)", len(signal), h.size)
	}

	windowed := make([]float64, h.size)
	for i, c := range h.coefficients {
		windowed[i] = signal[i] * c
	}
	return windowed, nil
}

// Coefficients returns a copy of the window coefficients
func (h *Hann) Coefficients() []float64 {
	coeffs := make([]float64, len(h.coefficients))
	copy(coeffs, h.coefficients)
	return coeffs
}

// Size returns the window size
func (h *Hann) Size() int {
	return h.size
}
