package detection

import (
	"math"

	"github.com/RyanBlaney/sonido-spikes/algorithms/stats"
)

// EstimateThreshold returns factor * median(|signal|) / 0.6745, the detection
// level for a roughly zero-mean channel. An empty signal yields 0.
func EstimateThreshold(signal []float64, factor float64) float64 {
	if len(signal) == 0 {
		return 0
	}
	t := factor * stats.RobustSigma(signal)
	if math.IsNaN(t) {
		return 0
	}
	return t
}
