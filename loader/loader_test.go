package loader_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/RyanBlaney/sonido-spikes/loader"
	"github.com/RyanBlaney/sonido-spikes/logging"
	"github.com/RyanBlaney/sonido-spikes/recording"
)

// hookDataset wraps a MemoryDataset, records every range read and runs
// onRead before returning chunk data.
type hookDataset struct {
	*recording.MemoryDataset

	mu     sync.Mutex
	ranges [][2]int
	onRead func(start, end int) error
}

func (d *hookDataset) ReadChunk(ctx context.Context, start, end int) (*mat.Dense, error) {
	d.mu.Lock()
	d.ranges = append(d.ranges, [2]int{start, end})
	d.mu.Unlock()

	if d.onRead != nil {
		if err := d.onRead(start, end); err != nil {
			return nil, err
		}
	}
	return d.MemoryDataset.ReadChunk(ctx, start, end)
}

func newDataset(t *testing.T, channels, samples, width int) (*hookDataset, [][]float64) {
	t.Helper()
	rows := make([][]float64, channels)
	for c := range rows {
		rows[c] = make([]float64, samples)
		for s := range rows[c] {
			rows[c][s] = float64(c*10000 + s + 1)
		}
	}
	mem, err := recording.NewMemoryDataset(rows, width, 20000)
	require.NoError(t, err)
	return &hookDataset{MemoryDataset: mem}, rows
}

func newLoader() *loader.Loader {
	cfg := loader.DefaultConfig()
	cfg.Logger = &logging.NoOpLogger{}
	return loader.New(cfg)
}

func drain(task *loader.Task) []loader.Event {
	var events []loader.Event
	for ev := range task.Events() {
		events = append(events, ev)
	}
	return events
}

func TestLoadCompletes(t *testing.T) {
	ds, rows := newDataset(t, 3, 10, 4)

	task, err := newLoader().Load(context.Background(), ds)
	require.NoError(t, err)
	events := drain(task)

	require.Len(t, events, 4)
	for i, ev := range events[:3] {
		assert.Equal(t, loader.EventStep, ev.Kind)
		assert.Equal(t, i, ev.Step)
		assert.Equal(t, 3, ev.Steps)
		assert.Equal(t, "step "+string(rune('0'+i)), ev.Label)
		assert.Equal(t, task.ID(), ev.WorkerID)
		assert.Nil(t, ev.Matrix)
	}
	assert.InDelta(t, 1.0/3, events[0].Fraction, 1e-12)
	assert.InDelta(t, 1.0, events[2].Fraction, 1e-12)

	last := events[3]
	assert.Equal(t, loader.EventCompleted, last.Kind)
	assert.True(t, last.Kind.Terminal())
	require.NotNil(t, last.Matrix)
	assert.True(t, last.Matrix.Complete())
	for c, row := range rows {
		assert.Equal(t, row, last.Matrix.Channel(c))
	}

	m, err := task.Wait()
	require.NoError(t, err)
	assert.Same(t, last.Matrix, m)
	<-task.Done()
}

func TestLoadReadsEachSampleOnce(t *testing.T) {
	for _, tc := range []struct{ samples, width int }{{10, 4}, {9, 3}, {1, 5}, {17, 1}} {
		ds, _ := newDataset(t, 2, tc.samples, tc.width)

		task, err := newLoader().Load(context.Background(), ds)
		require.NoError(t, err)
		_, err = task.Wait()
		require.NoError(t, err)

		next := 0
		for _, r := range ds.ranges {
			assert.Equal(t, next, r[0])
			assert.Greater(t, r[1], r[0])
			next = r[1]
		}
		assert.Equal(t, tc.samples, next)
		assert.Len(t, ds.ranges, recording.StepCount(tc.samples, tc.width))
	}
}

func TestProgressIsMonotonic(t *testing.T) {
	ds, _ := newDataset(t, 1, 1000, 7)

	task, err := newLoader().Load(context.Background(), ds)
	require.NoError(t, err)

	prev := -1.0
	for ev := range task.Events() {
		assert.GreaterOrEqual(t, ev.Fraction, prev)
		prev = ev.Fraction
	}
	assert.InDelta(t, 1.0, prev, 1e-12)
}

func TestCancelAfterStep(t *testing.T) {
	const cancelAt = 1
	ds, rows := newDataset(t, 2, 10, 4)

	tasks := make(chan *loader.Task, 1)
	ds.onRead = func(start, _ int) error {
		if start == cancelAt*4 {
			(<-tasks).Cancel()
		}
		return nil
	}

	task, err := newLoader().Load(context.Background(), ds)
	require.NoError(t, err)
	tasks <- task
	events := drain(task)

	last := events[len(events)-1]
	require.Equal(t, loader.EventAborted, last.Kind)
	assert.Equal(t, cancelAt, last.Step)
	assert.Len(t, events, cancelAt+2)

	m := last.Matrix
	require.NotNil(t, m)
	assert.False(t, m.Complete())
	for c, row := range rows {
		got := m.Channel(c)
		assert.Equal(t, row[:8], got[:8], "loaded prefix of channel %d", c)
		assert.Equal(t, []float64{0, 0}, got[8:], "untouched tail of channel %d", c)
	}

	_, err = task.Wait()
	assert.ErrorIs(t, err, loader.ErrCancelled)
}

func TestCancelledContextStopsBeforeFirstChunk(t *testing.T) {
	ds, _ := newDataset(t, 1, 10, 4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	task, err := newLoader().Load(ctx, ds)
	require.NoError(t, err)
	events := drain(task)

	require.Len(t, events, 1)
	assert.Equal(t, loader.EventAborted, events[0].Kind)
	assert.Equal(t, -1, events[0].Step)
	assert.Empty(t, ds.ranges)
}

func TestStorageFailure(t *testing.T) {
	ds, rows := newDataset(t, 2, 10, 4)
	ds.onRead = func(start, _ int) error {
		if start == 8 {
			return io.ErrUnexpectedEOF
		}
		return nil
	}

	task, err := newLoader().Load(context.Background(), ds)
	require.NoError(t, err)
	events := drain(task)

	last := events[len(events)-1]
	require.Equal(t, loader.EventFailed, last.Kind)
	assert.Equal(t, 1, last.Step)

	var loadErr *loader.LoadError
	require.True(t, errors.As(last.Err, &loadErr))
	assert.Equal(t, 2, loadErr.Chunk)
	assert.ErrorIs(t, last.Err, io.ErrUnexpectedEOF)

	m, err := task.Wait()
	require.Error(t, err)
	assert.False(t, m.Complete())
	assert.Equal(t, 8, m.Filled())
	assert.Equal(t, rows[1][:8], m.Channel(1)[:8])
}

func TestLoadRejectsInvalidDataset(t *testing.T) {
	ds, _ := newDataset(t, 1, 10, 0)

	_, err := newLoader().Load(context.Background(), ds)
	require.ErrorIs(t, err, loader.ErrInvalidDataset)
}
