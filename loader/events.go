package loader

import (
	"errors"
	"fmt"

	"github.com/RyanBlaney/sonido-spikes/recording"
)

// ErrCancelled marks a load stopped by Cancel or by its context. It is a
// normal terminal state: the partial matrix is still returned.
var ErrCancelled = errors.New("load cancelled")

// ErrInvalidDataset is returned by Load before any work starts.
var ErrInvalidDataset = errors.New("invalid dataset")

// LoadError reports a storage failure while reading one chunk.
type LoadError struct {
	Chunk int
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading chunk %d: %v", e.Chunk, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// EventKind distinguishes progress from terminal events.
type EventKind int

const (
	EventStep      EventKind = iota // one chunk copied
	EventCompleted                  // all chunks copied, Matrix is complete
	EventAborted                    // cancelled at a chunk boundary, Matrix is partial
	EventFailed                     // storage read failed, Err is a *LoadError
)

func (k EventKind) String() string {
	switch k {
	case EventStep:
		return "step"
	case EventCompleted:
		return "completed"
	case EventAborted:
		return "aborted"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether k ends a load.
func (k EventKind) Terminal() bool {
	return k != EventStep
}

// Event is one notification of a load. Exactly one terminal event is sent,
// always last.
type Event struct {
	Kind     EventKind
	WorkerID string
	Step     int     // last completed chunk index, -1 before the first
	Steps    int     // total chunk count
	Label    string  // human-readable step label
	Fraction float64 // completed chunks / Steps, non-decreasing

	Matrix *recording.Matrix // terminal events only
	Err    error             // EventFailed only
}
