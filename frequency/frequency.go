// Package frequency computes per-channel amplitude spectra of a loaded
// recording.
package frequency

import (
	"context"
	"fmt"
	"time"

	"github.com/RyanBlaney/sonido-spikes/algorithms/spectral"
	"github.com/RyanBlaney/sonido-spikes/algorithms/windowing"
	"github.com/RyanBlaney/sonido-spikes/logging"
	"github.com/RyanBlaney/sonido-spikes/recording"
)

// Config holds frequency analysis configuration
type Config struct {
	Enabled    bool           `yaml:"enabled"`     // run after detection in hosts
	HannWindow bool           `yaml:"hann_window"` // taper each channel before the transform
	Logger     logging.Logger `yaml:"-"`
}

// DefaultConfig returns the default frequency analysis configuration
func DefaultConfig() *Config {
	return &Config{
		HannWindow: true,
	}
}

// Spectrum is the one-sided amplitude spectrum of one channel.
// Frequencies[k] is the centre of bin k in Hz.
type Spectrum struct {
	Channel     int
	Frequencies []float64
	Amplitudes  []float64
}

// Dominant returns the frequency and amplitude of the strongest bin above
// DC. ok is false when there is no such bin.
func (s Spectrum) Dominant() (freq, amp float64, ok bool) {
	best := -1
	for k := 1; k < len(s.Amplitudes); k++ {
		if best < 0 || s.Amplitudes[k] > s.Amplitudes[best] {
			best = k
		}
	}
	if best < 0 {
		return 0, 0, false
	}
	return s.Frequencies[best], s.Amplitudes[best], true
}

// Progress reports channels analysed so far.
type Progress struct {
	Processed int
	Total     int
	Fraction  float64
}

// Analyzer computes spectra. It holds no per-call state and may be shared.
type Analyzer struct {
	config *Config
	logger logging.Logger
	fft    *spectral.FFT
}

// New creates an analyzer. A nil config uses DefaultConfig.
func New(config *Config) *Analyzer {
	if config == nil {
		config = DefaultConfig()
	}

	logger := config.Logger
	if logger == nil {
		logger = logging.WithFields(logging.Fields{
			"component": "frequency_analyzer",
		})
	}

	return &Analyzer{config: config, logger: logger, fft: spectral.NewFFT()}
}

// Analyze returns the spectra of the selected channels in selection order.
// When progress is non-nil one Progress is sent after each channel; the
// caller must keep receiving until Analyze returns. ctx is checked between
// channels and the spectra finished so far are returned with its error.
func (a *Analyzer) Analyze(ctx context.Context, src recording.Source, sel recording.Selection, progress chan<- Progress) ([]Spectrum, error) {
	if err := recording.CheckComplete(src); err != nil {
		return nil, err
	}
	fs := src.SamplingRate()
	if !(fs > 0) {
		return nil, fmt.Errorf("frequency: invalid sampling rate %v", fs)
	}
	channels, samples := src.Shape()
	if err := sel.Validate(channels); err != nil {
		return nil, err
	}

	var window *windowing.Hann
	if a.config.HannWindow {
		window = windowing.NewHann(samples, false)
	}
	freqs := spectral.BinFrequencies(spectral.BinCount(samples), fs)

	start := time.Now()
	out := make([]Spectrum, 0, len(sel))
	for i, ch := range sel {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		signal := src.Channel(ch)
		if window != nil {
			windowed, err := window.Apply(signal)
			if err != nil {
				return out, fmt.Errorf("channel %d: %w", ch, err)
			}
			signal = windowed
		}

		out = append(out, Spectrum{
			Channel:     ch,
			Frequencies: freqs,
			Amplitudes:  a.fft.Amplitude(signal),
		})

		if progress != nil {
			select {
			case progress <- Progress{Processed: i + 1, Total: len(sel), Fraction: float64(i+1) / float64(len(sel))}:
			case <-ctx.Done():
				return out, ctx.Err()
			}
		}
	}

	a.logger.Debug("Frequency analysis completed", logging.Fields{
		"channels": len(sel),
		"bins":     len(freqs),
		"elapsed":  time.Since(start).String(),
	})
	return out, nil
}
