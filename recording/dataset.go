package recording

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Dataset is a chunked channel × sample array in storage.
type Dataset interface {
	// Shape returns the channel and sample counts.
	Shape() (channels, samples int)

	// ChunkWidth is the sample-axis granularity of the underlying storage.
	ChunkWidth() int

	// SamplingRate returns the sampling rate in Hz.
	SamplingRate() float64

	// ReadChunk reads samples [start, end) of every channel.
	ReadChunk(ctx context.Context, start, end int) (*mat.Dense, error)
}

// ChunkRange is a half-open sample range [Start, End) spanning all channels.
type ChunkRange struct {
	Index int
	Start int
	End   int
}

// Len returns the number of samples in the range.
func (r ChunkRange) Len() int {
	return r.End - r.Start
}

// Last returns the last sample index covered by the range.
func (r ChunkRange) Last() int {
	return r.End - 1
}

// StepCount returns ceil(samples / width).
func StepCount(samples, width int) int {
	if samples <= 0 || width <= 0 {
		return 0
	}
	return (samples + width - 1) / width
}

// PlanChunks splits [0, samples) into ascending chunks of width samples.
// The ranges neither overlap nor leave gaps, and the final one is clipped
// so that its last index is samples-1.
func PlanChunks(samples, width int) []ChunkRange {
	steps := StepCount(samples, width)
	plan := make([]ChunkRange, steps)
	for i := range steps {
		start := i * width
		end := min(start+width, samples)
		plan[i] = ChunkRange{Index: i, Start: start, End: end}
	}
	return plan
}

// ValidateDataset checks the structural contract of a dataset.
func ValidateDataset(ds Dataset) error {
	channels, samples := ds.Shape()
	if channels <= 0 || samples <= 0 {
		return fmt.Errorf("%w: got %dx%d", ErrEmptyShape, channels, samples)
	}
	if ds.ChunkWidth() <= 0 {
		return fmt.Errorf("recording: chunk width must be positive, got %d", ds.ChunkWidth())
	}
	if ds.SamplingRate() <= 0 {
		return fmt.Errorf("recording: sampling rate must be positive, got %g", ds.SamplingRate())
	}
	return nil
}
