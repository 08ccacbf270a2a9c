// Package detection finds threshold-crossing spikes in the channels of a
// loaded recording.
//
// Each channel gets its own robust threshold, factor * median(|x|) / 0.6745.
// A spike is the extreme sample of a maximal run of samples strictly above
// +threshold (a peak) or strictly below -threshold (a trough).
package detection

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/RyanBlaney/sonido-spikes/logging"
	"github.com/RyanBlaney/sonido-spikes/metrics"
	"github.com/RyanBlaney/sonido-spikes/recording"
)

var (
	// ErrIncompleteMatrix is returned for a source left partial by an
	// aborted or failed load.
	ErrIncompleteMatrix = recording.ErrIncompleteMatrix

	// ErrInvalidSource is returned for a source without a usable sampling rate.
	ErrInvalidSource = errors.New("invalid signal source")
)

// EngineConfig holds detection engine configuration
type EngineConfig struct {
	Workers      int               `yaml:"workers"`       // channels scanned concurrently
	EventBuffer  int               `yaml:"event_buffer"`  // capacity of Run.Events
	StreamSpikes bool              `yaml:"stream_spikes"` // emit one EventSpike per spike
	Logger       logging.Logger    `yaml:"-"`
	Metrics      *metrics.Recorder `yaml:"-"`
}

// DefaultEngineConfig returns the default engine configuration
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		Workers:      4,
		EventBuffer:  256,
		StreamSpikes: true,
	}
}

// Engine starts detection runs. It holds no per-run state and may be shared.
type Engine struct {
	config *EngineConfig
	logger logging.Logger
}

// NewEngine creates an engine. A nil config uses DefaultEngineConfig.
func NewEngine(config *EngineConfig) *Engine {
	if config == nil {
		config = DefaultEngineConfig()
	}

	logger := config.Logger
	if logger == nil {
		logger = logging.WithFields(logging.Fields{
			"component": "spike_detector",
		})
	}

	return &Engine{config: config, logger: logger}
}

// EventKind distinguishes the events of a detection run.
type EventKind int

const (
	EventSpike    EventKind = iota // one spike of the channel being flushed
	EventChannel                   // a channel finished, Result is set
	EventProgress                  // Processed of Total channels flushed
	EventDone                      // terminal, Results and Err are set
)

func (k EventKind) String() string {
	switch k {
	case EventSpike:
		return "spike"
	case EventChannel:
		return "channel"
	case EventProgress:
		return "progress"
	case EventDone:
		return "done"
	default:
		return "unknown"
	}
}

// Event is one notification of a run. Events of a channel are delivered
// together, channels in selection order, and EventDone is always last.
type Event struct {
	Kind EventKind

	Spike     SpikeEvent // EventSpike
	Waveform  []float64  // EventSpike, read-only view of Spike.Window
	Threshold float64    // EventSpike and EventChannel

	Result *ChannelResult // EventChannel

	Processed int     // EventProgress
	Total     int     // EventProgress
	Fraction  float64 // EventProgress, non-decreasing

	Results *ResultSet // EventDone, the channels flushed so far
	Err     error      // EventDone, nil on success
}

// Run is one running detection.
type Run struct {
	id     string
	events chan Event
	done   chan struct{}
	cancel context.CancelFunc

	results *ResultSet
	err     error
}

// Detect validates the settings against src and starts scanning the
// selected channels in the background. src must not change while the run
// is active; waveform views in events alias its channels.
func (e *Engine) Detect(ctx context.Context, src recording.Source, s Settings) (*Run, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if err := recording.CheckComplete(src); err != nil {
		return nil, err
	}
	if fs := src.SamplingRate(); !(fs > 0) {
		return nil, fmt.Errorf("%w: sampling rate %v", ErrInvalidSource, fs)
	}
	channels, _ := src.Shape()
	if err := s.Channels.Validate(channels); err != nil {
		return nil, err
	}
	s.Channels = slices.Clone(s.Channels)

	ctx, cancel := context.WithCancel(ctx)
	r := &Run{
		id:     uuid.NewString(),
		events: make(chan Event, max(e.config.EventBuffer, 0)),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go e.run(ctx, r, src, s)
	return r, nil
}

func (e *Engine) run(ctx context.Context, r *Run, src recording.Source, s Settings) {
	defer close(r.done)
	defer close(r.events)
	defer r.cancel()

	fs := src.SamplingRate()
	total := len(s.Channels)
	results := &ResultSet{SamplingRate: fs, Channels: make([]ChannelResult, 0, total)}

	logger := e.logger.WithFields(logging.Fields{
		"run":      r.id,
		"channels": total,
		"mode":     s.Mode.String(),
	})
	logger.Debug("Detection started")
	start := time.Now()

	if total == 0 {
		r.events <- Event{Kind: EventProgress, Fraction: 1}
		r.finish(results, nil)
		return
	}

	// Workers fill one slot per selected channel; the loop below drains the
	// slots in selection order so output never depends on scheduling.
	slots := make([]chan ChannelResult, total)
	for i := range slots {
		slots[i] = make(chan ChannelResult, 1)
	}

	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)

		var g errgroup.Group
		g.SetLimit(max(e.config.Workers, 1))
		for i, ch := range s.Channels {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				slots[i] <- DetectChannel(ch, src.Channel(ch), fs, s)
				return nil
			})
		}
		_ = g.Wait()
	}()

	var err error
	for i := range slots {
		if err = ctx.Err(); err != nil {
			break
		}

		var res ChannelResult
		select {
		case res = <-slots[i]:
		case <-ctx.Done():
			err = ctx.Err()
		}
		if err != nil {
			break
		}

		e.flush(r, src, res)
		results.Channels = append(results.Channels, res)
		r.events <- Event{
			Kind:      EventProgress,
			Processed: i + 1,
			Total:     total,
			Fraction:  float64(i+1) / float64(total),
		}
	}
	<-dispatched

	e.config.Metrics.DetectionFinished(time.Since(start))
	if err != nil {
		err = fmt.Errorf("detection stopped after %d of %d channels: %w", len(results.Channels), total, err)
		logger.Info("Detection cancelled", logging.Fields{"processed": len(results.Channels)})
	} else {
		logger.Debug("Detection completed", logging.Fields{
			"spikes":  results.SpikeCount(),
			"elapsed": time.Since(start).String(),
		})
	}
	r.finish(results, err)
}

// flush emits the spike and channel events of one finished channel.
func (e *Engine) flush(r *Run, src recording.Source, res ChannelResult) {
	e.config.Metrics.ChannelScanned(strconv.Itoa(res.Channel), res.Threshold, res.Count(Peak), res.Count(Trough))

	if e.config.StreamSpikes && len(res.Spikes) > 0 {
		signal := src.Channel(res.Channel)
		for _, sp := range res.Spikes {
			r.events <- Event{
				Kind:      EventSpike,
				Spike:     sp,
				Waveform:  sp.Window.Slice(signal),
				Threshold: res.Threshold,
			}
		}
	}

	r.events <- Event{
		Kind:      EventChannel,
		Threshold: res.Threshold,
		Result:    &res,
	}
}

func (r *Run) finish(results *ResultSet, err error) {
	r.results = results
	r.err = err
	r.events <- Event{Kind: EventDone, Results: results, Err: err}
}

// ID returns the run identity used in log fields.
func (r *Run) ID() string {
	return r.id
}

// Events returns the ordered event stream. It is closed after EventDone.
func (r *Run) Events() <-chan Event {
	return r.events
}

// Cancel stops the run at the next channel boundary. Channels already being
// scanned finish first.
func (r *Run) Cancel() {
	r.cancel()
}

// Done is closed once the run has finished.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait discards undelivered events, waits for the run and returns its
// results. A cancelled run returns the channels flushed before the
// cancellation together with an error wrapping context.Canceled.
func (r *Run) Wait() (*ResultSet, error) {
	for range r.events {
	}
	<-r.done
	return r.results, r.err
}
