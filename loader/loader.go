// Package loader materializes chunked datasets into in-memory signal
// matrices, one chunk at a time, with progress events and cooperative
// cancellation at chunk boundaries.
package loader

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/RyanBlaney/sonido-spikes/logging"
	"github.com/RyanBlaney/sonido-spikes/metrics"
	"github.com/RyanBlaney/sonido-spikes/recording"
)

// Config holds loader configuration
type Config struct {
	EventBuffer int               `yaml:"event_buffer"` // capacity of Task.Events
	Logger      logging.Logger    `yaml:"-"`
	Metrics     *metrics.Recorder `yaml:"-"`
}

// DefaultConfig returns the default loader configuration
func DefaultConfig() *Config {
	return &Config{
		EventBuffer: 64,
	}
}

// Loader starts load tasks. It holds no per-load state and may be shared.
type Loader struct {
	config *Config
	logger logging.Logger
}

// New creates a loader. A nil config uses DefaultConfig.
func New(config *Config) *Loader {
	if config == nil {
		config = DefaultConfig()
	}

	logger := config.Logger
	if logger == nil {
		logger = logging.WithFields(logging.Fields{
			"component": "chunk_loader",
		})
	}

	return &Loader{config: config, logger: logger}
}

// Task is one running load.
//
// Receive from Events until it is closed, or call Wait; the task blocks
// when the event buffer is full.
type Task struct {
	id     string
	events chan Event
	done   chan struct{}
	cancel atomic.Bool

	matrix *recording.Matrix
	err    error
}

// Load validates ds and starts copying it in the background. The dataset
// must not be loaded by two tasks at once.
func (l *Loader) Load(ctx context.Context, ds recording.Dataset) (*Task, error) {
	if err := recording.ValidateDataset(ds); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDataset, err)
	}

	channels, samples := ds.Shape()
	m, err := recording.NewEmptyMatrix(channels, samples, ds.SamplingRate())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDataset, err)
	}

	t := &Task{
		id:     uuid.NewString(),
		events: make(chan Event, max(l.config.EventBuffer, 0)),
		done:   make(chan struct{}),
		matrix: m,
	}

	go l.run(ctx, t, ds)
	return t, nil
}

func (l *Loader) run(ctx context.Context, t *Task, ds recording.Dataset) {
	defer close(t.done)
	defer close(t.events)

	channels, samples := ds.Shape()
	plan := recording.PlanChunks(samples, ds.ChunkWidth())
	steps := len(plan)

	logger := l.logger.WithFields(logging.Fields{
		"worker":   t.id,
		"channels": channels,
		"samples":  samples,
		"steps":    steps,
	})
	logger.Debug("Load started")

	// Reads already in flight are never interrupted; cancellation is only
	// observed between chunks.
	readCtx := context.WithoutCancel(ctx)
	start := time.Now()
	last := -1

	for _, r := range plan {
		if t.stopRequested(ctx) {
			t.err = fmt.Errorf("%w after step %d", ErrCancelled, last)
			logger.Info("Load aborted", logging.Fields{"step": last})
			l.config.Metrics.LoadFinished(metrics.OutcomeAborted, time.Since(start))
			t.events <- t.terminal(EventAborted, last, steps, nil)
			return
		}

		chunk, err := ds.ReadChunk(readCtx, r.Start, r.End)
		if err == nil {
			err = t.matrix.SetChunk(r, chunk)
		}
		if err != nil {
			loadErr := &LoadError{Chunk: r.Index, Err: err}
			t.err = loadErr
			logger.Error(err, "Chunk read failed", logging.Fields{"chunk": r.Index})
			l.config.Metrics.LoadFinished(metrics.OutcomeFailed, time.Since(start))
			t.events <- t.terminal(EventFailed, last, steps, loadErr)
			return
		}

		last = r.Index
		l.config.Metrics.ChunkLoaded(channels, r.Len())
		t.events <- Event{
			Kind:     EventStep,
			WorkerID: t.id,
			Step:     r.Index,
			Steps:    steps,
			Label:    fmt.Sprintf("step %d", r.Index),
			Fraction: float64(r.Index+1) / float64(steps),
		}
	}

	t.matrix.MarkComplete()
	logger.Debug("Load completed", logging.Fields{"elapsed": time.Since(start).String()})
	l.config.Metrics.LoadFinished(metrics.OutcomeCompleted, time.Since(start))
	t.events <- t.terminal(EventCompleted, last, steps, nil)
}

func (t *Task) terminal(kind EventKind, last, steps int, err error) Event {
	return Event{
		Kind:     kind,
		WorkerID: t.id,
		Step:     last,
		Steps:    steps,
		Label:    fmt.Sprintf("%s at step %d", kind, last),
		Fraction: float64(last+1) / float64(steps),
		Matrix:   t.matrix,
		Err:      err,
	}
}

func (t *Task) stopRequested(ctx context.Context) bool {
	return t.cancel.Load() || ctx.Err() != nil
}

// ID returns the worker identity carried by every event.
func (t *Task) ID() string {
	return t.id
}

// Events returns the ordered event stream. It is closed after the terminal event.
func (t *Task) Events() <-chan Event {
	return t.events
}

// Cancel asks the task to stop at the next chunk boundary. It is safe to
// call from any goroutine, any number of times.
func (t *Task) Cancel() {
	t.cancel.Store(true)
}

// Done is closed once the task has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait discards undelivered events, waits for the task and returns the
// matrix. After an abort the error wraps ErrCancelled, after a storage
// failure it is a *LoadError; the partial matrix is returned in both cases
// and reports Complete() == false.
func (t *Task) Wait() (*recording.Matrix, error) {
	for range t.events {
	}
	<-t.done
	return t.matrix, t.err
}
