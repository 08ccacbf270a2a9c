package chunkstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"gonum.org/v1/gonum/mat"

	"github.com/RyanBlaney/sonido-spikes/recording"
)

// Writer creates a chunk store. Chunks may be written in any order; the
// metadata file is written on Close.
type Writer struct {
	dir     string
	meta    Metadata
	encoder *zstd.Encoder
	written map[int]bool
}

// Create prepares dir for a channels × samples recording.
func Create(dir string, channels, samples, chunkWidth int, samplingRate float64) (*Writer, error) {
	meta := Metadata{
		Shape:         [2]int{channels, samples},
		ChunkWidth:    chunkWidth,
		SamplingRate:  samplingRate,
		DataType:      dataType,
		ByteOrder:     byteOrder,
		Codec:         codecZstd,
		FormatVersion: formatVersion,
	}
	if err := meta.validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Join(dir, chunkDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create chunk directory: %w", err)
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	return &Writer{dir: dir, meta: meta, encoder: encoder, written: make(map[int]bool)}, nil
}

// WriteChunk stores chunk idx. Its column count must match the planned range.
func (w *Writer) WriteChunk(idx int, chunk mat.Matrix) error {
	plan := recording.PlanChunks(w.meta.Shape[1], w.meta.ChunkWidth)
	if idx < 0 || idx >= len(plan) {
		return fmt.Errorf("chunk index %d outside [0, %d)", idx, len(plan))
	}

	rows, cols := chunk.Dims()
	if rows != w.meta.Shape[0] || cols != plan[idx].Len() {
		return fmt.Errorf("chunk %d is %dx%d, want %dx%d", idx, rows, cols, w.meta.Shape[0], plan[idx].Len())
	}

	raw := make([]byte, rows*cols*8)
	for r := range rows {
		for c := range cols {
			binary.LittleEndian.PutUint64(raw[(r*cols+c)*8:], math.Float64bits(chunk.At(r, c)))
		}
	}

	path := filepath.Join(w.dir, chunkDir, fmt.Sprint(idx))
	if err := os.WriteFile(path, w.encoder.EncodeAll(raw, nil), 0o644); err != nil {
		return fmt.Errorf("failed to write chunk %d: %w", idx, err)
	}
	w.written[idx] = true
	return nil
}

// WriteMatrix splits src along the sample axis and writes every chunk.
func (w *Writer) WriteMatrix(src mat.Matrix) error {
	rows, cols := src.Dims()
	if rows != w.meta.Shape[0] || cols != w.meta.Shape[1] {
		return fmt.Errorf("matrix is %dx%d, store is %dx%d", rows, cols, w.meta.Shape[0], w.meta.Shape[1])
	}

	type slicer interface {
		Slice(i, k, j, l int) mat.Matrix
	}
	s, ok := src.(slicer)
	if !ok {
		s = mat.DenseCopyOf(src)
	}

	for _, r := range recording.PlanChunks(cols, w.meta.ChunkWidth) {
		if err := w.WriteChunk(r.Index, s.Slice(0, rows, r.Start, r.End)); err != nil {
			return err
		}
	}
	return nil
}

// Close writes array.json. Missing chunks are reported but the metadata is
// still written so partial stores can be inspected.
func (w *Writer) Close() error {
	defer w.encoder.Close()

	data, err := json.MarshalIndent(w.meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(w.dir, metadataFile), data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", metadataFile, err)
	}

	steps := recording.StepCount(w.meta.Shape[1], w.meta.ChunkWidth)
	if len(w.written) != steps {
		return fmt.Errorf("chunkstore: wrote %d of %d chunks", len(w.written), steps)
	}
	return nil
}
