package chunkstore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/RyanBlaney/sonido-spikes/recording"
	"github.com/RyanBlaney/sonido-spikes/recording/chunkstore"
)

func ramp(channels, samples int) *mat.Dense {
	m := mat.NewDense(channels, samples, nil)
	for c := range channels {
		for s := range samples {
			m.Set(c, s, float64(c*1000+s))
		}
	}
	return m
}

func writeStore(t *testing.T, channels, samples, width int) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "rec.chunks")

	w, err := chunkstore.Create(dir, channels, samples, width, 25000)
	require.NoError(t, err)
	require.NoError(t, w.WriteMatrix(ramp(channels, samples)))
	require.NoError(t, w.Close())
	return dir
}

func TestStoreRoundTrip(t *testing.T) {
	dir := writeStore(t, 3, 10, 4)

	s, err := chunkstore.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	require.NoError(t, recording.ValidateDataset(s))
	ch, n := s.Shape()
	assert.Equal(t, 3, ch)
	assert.Equal(t, 10, n)
	assert.Equal(t, 4, s.ChunkWidth())
	assert.Equal(t, 25000.0, s.SamplingRate())

	for _, r := range recording.PlanChunks(10, 4) {
		chunk, err := s.ReadChunk(context.Background(), r.Start, r.End)
		require.NoError(t, err)
		rows, cols := chunk.Dims()
		require.Equal(t, 3, rows)
		require.Equal(t, r.Len(), cols)
		for c := range rows {
			for i := range cols {
				assert.Equal(t, float64(c*1000+r.Start+i), chunk.At(c, i))
			}
		}
	}
}

func TestStoreUnalignedRange(t *testing.T) {
	s, err := chunkstore.Open(writeStore(t, 2, 10, 4))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	chunk, err := s.ReadChunk(context.Background(), 3, 9)
	require.NoError(t, err)
	assert.Equal(t, []float64{1003, 1004, 1005, 1006, 1007, 1008}, chunk.RawRowView(1))
}

func TestStoreMissingChunk(t *testing.T) {
	dir := writeStore(t, 2, 10, 4)
	require.NoError(t, os.Remove(filepath.Join(dir, "c", "1")))

	s, err := chunkstore.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	_, err = s.ReadChunk(context.Background(), 0, 4)
	require.NoError(t, err)

	_, err = s.ReadChunk(context.Background(), 4, 8)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestStoreRejectsBadMetadata(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "array.json"),
		[]byte(`{"shape":[2,10],"chunk_width":0,"sampling_rate":1,"data_type":"float64","byte_order":"little","codec":"zstd"}`), 0o644))

	_, err := chunkstore.Open(dir)
	require.Error(t, err)

	_, err = chunkstore.Open(filepath.Join(dir, "missing"))
	require.Error(t, err)
}

func TestWriterReportsMissingChunks(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "partial")
	w, err := chunkstore.Create(dir, 1, 8, 4, 1000)
	require.NoError(t, err)

	require.NoError(t, w.WriteChunk(0, mat.NewDense(1, 4, []float64{1, 2, 3, 4})))
	require.Error(t, w.WriteChunk(1, mat.NewDense(1, 3, nil)))
	require.Error(t, w.Close())

	_, err = os.Stat(filepath.Join(dir, "array.json"))
	require.NoError(t, err)
}
