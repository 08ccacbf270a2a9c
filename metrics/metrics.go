// Package metrics exposes Prometheus instrumentation for loads and
// detection runs. A nil *Recorder is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Load outcomes used as the "outcome" label.
const (
	OutcomeCompleted = "completed"
	OutcomeAborted   = "aborted"
	OutcomeFailed    = "failed"
)

// Recorder holds the collectors shared by the loader and the detector.
type Recorder struct {
	chunksLoaded    prometheus.Counter
	samplesLoaded   prometheus.Counter
	loads           *prometheus.CounterVec // by outcome
	loadDuration    prometheus.Histogram
	channelsScanned prometheus.Counter
	spikesDetected  *prometheus.CounterVec // by polarity
	detectDuration  prometheus.Histogram
	thresholds      *prometheus.GaugeVec // by channel
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer to
// expose them on the default /metrics handler.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		chunksLoaded: f.NewCounter(prometheus.CounterOpts{
			Name: "spikes_loader_chunks_total",
			Help: "Chunks copied from storage into signal matrices",
		}),
		samplesLoaded: f.NewCounter(prometheus.CounterOpts{
			Name: "spikes_loader_samples_total",
			Help: "Channel samples copied from storage into signal matrices",
		}),
		loads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spikes_loader_loads_total",
			Help: "Finished loads by outcome",
		}, []string{"outcome"}),
		loadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "spikes_loader_duration_seconds",
			Help:    "Wall time of a load from first chunk to terminal event",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		channelsScanned: f.NewCounter(prometheus.CounterOpts{
			Name: "spikes_detector_channels_total",
			Help: "Channels scanned for spikes",
		}),
		spikesDetected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spikes_detector_spikes_total",
			Help: "Spikes emitted by polarity",
		}, []string{"polarity"}),
		detectDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "spikes_detector_duration_seconds",
			Help:    "Wall time of a detection run",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		thresholds: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spikes_detector_threshold",
			Help: "Most recent detection threshold per channel",
		}, []string{"channel"}),
	}
}

// ChunkLoaded records one chunk of channels × width samples.
func (r *Recorder) ChunkLoaded(channels, width int) {
	if r == nil {
		return
	}
	r.chunksLoaded.Inc()
	r.samplesLoaded.Add(float64(channels * width))
}

// LoadFinished records the outcome and duration of a load.
func (r *Recorder) LoadFinished(outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.loads.WithLabelValues(outcome).Inc()
	r.loadDuration.Observe(elapsed.Seconds())
}

// ChannelScanned records one finished channel.
func (r *Recorder) ChannelScanned(channel string, threshold float64, peaks, troughs int) {
	if r == nil {
		return
	}
	r.channelsScanned.Inc()
	r.thresholds.WithLabelValues(channel).Set(threshold)
	r.spikesDetected.WithLabelValues("peak").Add(float64(peaks))
	r.spikesDetected.WithLabelValues("trough").Add(float64(troughs))
}

// DetectionFinished records the duration of a detection run.
func (r *Recorder) DetectionFinished(elapsed time.Duration) {
	if r == nil {
		return
	}
	r.detectDuration.Observe(elapsed.Seconds())
}
