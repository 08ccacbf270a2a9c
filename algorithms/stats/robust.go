package stats

import (
	"math"
	"sort"
)

// MADScale converts a median absolute deviation into a standard deviation
// estimate for normally distributed noise (sigma ≈ MAD / 0.6745).
const MADScale = 0.6745

// Median returns the middle value of data, averaging the two central values
// when len(data) is even. data is not modified. Median of an empty slice is NaN.
func Median(data []float64) float64 {
	if len(data) == 0 {
		return math.NaN()
	}
	sorted := make([]float64, len(data))
	copy(sorted, data)
	sort.Float64s(sorted)
	return sortedMedian(sorted)
}

// MedianAbs returns the median of |x| over data.
func MedianAbs(data []float64) float64 {
	if len(data) == 0 {
		return math.NaN()
	}
	abs := make([]float64, len(data))
	for i, v := range data {
		abs[i] = math.Abs(v)
	}
	sort.Float64s(abs)
	return sortedMedian(abs)
}

// RobustSigma estimates the noise standard deviation of a zero-centred signal
// as median(|x|) / MADScale. Unlike the sample standard deviation it is
// barely moved by the large excursions of sparse events.
func RobustSigma(data []float64) float64 {
	return MedianAbs(data) / MADScale
}

func sortedMedian(sorted []float64) float64 {
	n := len(sorted)
	mid := n / 2
	if n%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
