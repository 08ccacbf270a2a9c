// Package chunkstore reads and writes recordings laid out as a directory of
// compressed sample-axis chunks, in the spirit of a Zarr array:
//
//	<dir>/array.json  shape, chunk width, sampling rate, codec
//	<dir>/c/<i>       zstd(little-endian float64, channel-major, channels × width)
//
// Every chunk spans all channels, so a chunk never splits a channel.
package chunkstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/klauspost/compress/zstd"
	"gonum.org/v1/gonum/mat"

	"github.com/RyanBlaney/sonido-spikes/recording"
)

const (
	metadataFile  = "array.json"
	chunkDir      = "c"
	formatVersion = 1
	dataType      = "float64"
	byteOrder     = "little"
	codecZstd     = "zstd"
)

// ErrShortChunk is returned when a decoded chunk holds fewer samples than its range.
var ErrShortChunk = errors.New("chunkstore: short chunk")

// Metadata describes the array stored in array.json.
type Metadata struct {
	Shape         [2]int  `json:"shape"`       // channels, samples
	ChunkWidth    int     `json:"chunk_width"` // samples per chunk
	SamplingRate  float64 `json:"sampling_rate"`
	DataType      string  `json:"data_type"`
	ByteOrder     string  `json:"byte_order"`
	Codec         string  `json:"codec"`
	FormatVersion int     `json:"format_version"`
}

func (m Metadata) validate() error {
	if m.Shape[0] <= 0 || m.Shape[1] <= 0 {
		return fmt.Errorf("%w: got %dx%d", recording.ErrEmptyShape, m.Shape[0], m.Shape[1])
	}
	if m.ChunkWidth <= 0 {
		return fmt.Errorf("chunk width must be positive: %d", m.ChunkWidth)
	}
	if m.SamplingRate <= 0 {
		return fmt.Errorf("sampling rate must be positive: %g", m.SamplingRate)
	}
	if m.DataType != dataType || m.ByteOrder != byteOrder {
		return fmt.Errorf("unsupported element type %s/%s", m.DataType, m.ByteOrder)
	}
	if m.Codec != codecZstd {
		return fmt.Errorf("unsupported codec %q", m.Codec)
	}
	return nil
}

// Store is a read-only chunked recording on disk. It implements recording.Dataset.
type Store struct {
	dir     string
	meta    Metadata
	decoder *zstd.Decoder
}

// Open reads array.json under dir and prepares the chunk decoder.
func Open(dir string) (*Store, error) {
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", metadataFile, err)
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", metadataFile, err)
	}
	if err := meta.validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", metadataFile, err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &Store{dir: dir, meta: meta, decoder: decoder}, nil
}

// Metadata returns the parsed array metadata.
func (s *Store) Metadata() Metadata {
	return s.meta
}

func (s *Store) Shape() (channels, samples int) {
	return s.meta.Shape[0], s.meta.Shape[1]
}

func (s *Store) ChunkWidth() int {
	return s.meta.ChunkWidth
}

func (s *Store) SamplingRate() float64 {
	return s.meta.SamplingRate
}

// ReadChunk reads samples [start, end) of every channel. Ranges aligned to
// the chunk width touch exactly one chunk file; others are assembled.
func (s *Store) ReadChunk(ctx context.Context, start, end int) (*mat.Dense, error) {
	channels, samples := s.Shape()
	if start < 0 || end > samples || start >= end {
		return nil, fmt.Errorf("chunkstore: range [%d, %d) outside [0, %d)", start, end, samples)
	}

	out := mat.NewDense(channels, end-start, nil)
	width := s.meta.ChunkWidth
	for idx := start / width; idx*width < end; idx++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		chunk, err := s.readChunkFile(idx)
		if err != nil {
			return nil, err
		}

		chunkStart := idx * width
		lo := max(start, chunkStart)
		hi := min(end, chunkStart+chunk.cols)
		if hi <= lo {
			return nil, fmt.Errorf("%w: chunk %d ends at %d, need %d", ErrShortChunk, idx, chunkStart+chunk.cols, end)
		}
		dst := out.Slice(0, channels, lo-start, hi-start).(*mat.Dense)
		dst.Copy(chunk.data.Slice(0, channels, lo-chunkStart, hi-chunkStart))
	}

	return out, nil
}

type decodedChunk struct {
	data *mat.Dense
	cols int
}

func (s *Store) readChunkFile(idx int) (decodedChunk, error) {
	channels, samples := s.Shape()
	width := s.meta.ChunkWidth
	cols := min(width, samples-idx*width)

	compressed, err := os.ReadFile(s.chunkPath(idx))
	if err != nil {
		return decodedChunk{}, fmt.Errorf("failed to read chunk %d: %w", idx, err)
	}

	raw, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return decodedChunk{}, fmt.Errorf("zstd decompress of chunk %d failed: %w", idx, err)
	}

	want := channels * cols * 8
	if len(raw) < want {
		return decodedChunk{}, fmt.Errorf("%w: chunk %d has %d bytes, want %d", ErrShortChunk, idx, len(raw), want)
	}

	values := make([]float64, channels*cols)
	for i := range values {
		values[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
	}
	return decodedChunk{data: mat.NewDense(channels, cols, values), cols: cols}, nil
}

func (s *Store) chunkPath(idx int) string {
	return filepath.Join(s.dir, chunkDir, strconv.Itoa(idx))
}

// Close releases the decoder.
func (s *Store) Close() error {
	s.decoder.Close()
	return nil
}
