// Package recording holds the channel × sample voltage matrix, the
// contracts of chunked datasets that can fill it, and channel selections.
package recording

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ErrEmptyShape is returned when a matrix or dataset has no channels or no samples.
var ErrEmptyShape = errors.New("recording: shape must have at least one channel and one sample")

// ErrIncompleteMatrix is returned when analysis is asked to read a matrix
// left partial by an aborted or failed load.
var ErrIncompleteMatrix = errors.New("recording: matrix is not completely loaded")

// Source is read access to a resident recording, one contiguous slice per channel.
// Slices returned by Channel are borrowed and must not be modified.
type Source interface {
	Shape() (channels, samples int)
	SamplingRate() float64
	Channel(index int) []float64
}

// CheckComplete returns ErrIncompleteMatrix for sources that report
// Complete() == false. Sources without a Complete method are always complete.
func CheckComplete(src Source) error {
	if c, ok := src.(interface{ Complete() bool }); ok && !c.Complete() {
		return ErrIncompleteMatrix
	}
	return nil
}

// Matrix is a channel × sample matrix of voltages. Row i is channel i.
//
// A Matrix is written by exactly one materializer (the chunked loader or
// NewMatrix) and is read-only afterwards; any number of readers may share it.
type Matrix struct {
	data         *mat.Dense
	samplingRate float64
	complete     bool
	filled       int // samples [0, filled) have been written
}

// NewEmptyMatrix allocates a zeroed, incomplete matrix for a materializer to fill.
func NewEmptyMatrix(channels, samples int, samplingRate float64) (*Matrix, error) {
	if channels <= 0 || samples <= 0 {
		return nil, fmt.Errorf("%w: got %dx%d", ErrEmptyShape, channels, samples)
	}
	return &Matrix{
		data:         mat.NewDense(channels, samples, nil),
		samplingRate: samplingRate,
	}, nil
}

// NewMatrix builds a complete matrix from per-channel rows, copying them.
// All rows must have the same non-zero length.
func NewMatrix(rows [][]float64, samplingRate float64) (*Matrix, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, ErrEmptyShape
	}

	samples := len(rows[0])
	m, err := NewEmptyMatrix(len(rows), samples, samplingRate)
	if err != nil {
		return nil, err
	}
	for i, row := range rows {
		if len(row) != samples {
			return nil, fmt.Errorf("recording: channel %d has %d samples, want %d", i, len(row), samples)
		}
		m.data.SetRow(i, row)
	}
	m.filled = samples
	m.complete = true
	return m, nil
}

// Shape returns the channel and sample counts.
func (m *Matrix) Shape() (channels, samples int) {
	return m.data.Dims()
}

// SamplingRate returns the sampling rate in Hz.
func (m *Matrix) SamplingRate() float64 {
	return m.samplingRate
}

// Channel returns a read-only view of one channel's samples.
func (m *Matrix) Channel(index int) []float64 {
	return m.data.RawRowView(index)
}

// Dense exposes the backing matrix for read-only numeric work.
func (m *Matrix) Dense() mat.Matrix {
	return m.data
}

// Complete reports whether every chunk was materialized. Partial matrices
// from aborted or failed loads stay inspectable but report false.
func (m *Matrix) Complete() bool {
	return m.complete
}

// Filled returns the number of leading samples that have been written.
func (m *Matrix) Filled() int {
	return m.filled
}

// SetChunk copies chunk (all channels × End-Start samples) into the matrix at r.
// Only the materializer may call it, before MarkComplete.
func (m *Matrix) SetChunk(r ChunkRange, chunk mat.Matrix) error {
	if m.complete {
		return errors.New("recording: matrix is complete and read-only")
	}

	channels, samples := m.data.Dims()
	rows, cols := chunk.Dims()
	if rows != channels || cols != r.Len() {
		return fmt.Errorf("recording: chunk %d is %dx%d, want %dx%d", r.Index, rows, cols, channels, r.Len())
	}
	if r.Start < 0 || r.End > samples {
		return fmt.Errorf("recording: chunk %d range [%d, %d) outside [0, %d)", r.Index, r.Start, r.End, samples)
	}

	dst := m.data.Slice(0, channels, r.Start, r.End).(*mat.Dense)
	dst.Copy(chunk)
	if r.End > m.filled {
		m.filled = r.End
	}
	return nil
}

// MarkComplete freezes the matrix after the last chunk is copied.
func (m *Matrix) MarkComplete() {
	m.complete = true
}
