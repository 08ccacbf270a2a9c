package recording

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// MemoryDataset serves chunks out of an in-memory matrix. It adapts
// recordings that are already resident (or synthesized) to the loader.
type MemoryDataset struct {
	data         *mat.Dense
	chunkWidth   int
	samplingRate float64
}

// NewMemoryDataset copies rows into a dataset with the given chunk width.
func NewMemoryDataset(rows [][]float64, chunkWidth int, samplingRate float64) (*MemoryDataset, error) {
	m, err := NewMatrix(rows, samplingRate)
	if err != nil {
		return nil, err
	}
	return &MemoryDataset{
		data:         m.data,
		chunkWidth:   chunkWidth,
		samplingRate: samplingRate,
	}, nil
}

func (d *MemoryDataset) Shape() (channels, samples int) {
	return d.data.Dims()
}

func (d *MemoryDataset) ChunkWidth() int {
	return d.chunkWidth
}

func (d *MemoryDataset) SamplingRate() float64 {
	return d.samplingRate
}

// ReadChunk returns a copy of samples [start, end) across all channels.
func (d *MemoryDataset) ReadChunk(ctx context.Context, start, end int) (*mat.Dense, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	channels, samples := d.data.Dims()
	if start < 0 || end > samples || start >= end {
		return nil, fmt.Errorf("recording: range [%d, %d) outside [0, %d)", start, end, samples)
	}
	return mat.DenseCopyOf(d.data.Slice(0, channels, start, end)), nil
}
