package detection

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/RyanBlaney/sonido-spikes/recording"
)

// ErrInvalidSettings is returned by Detect before any work starts.
var ErrInvalidSettings = errors.New("invalid detection settings")

// Polarity is the sign of a detected spike.
type Polarity int

const (
	Peak   Polarity = iota // local maximum above +threshold
	Trough                 // local minimum below -threshold
)

func (p Polarity) String() string {
	switch p {
	case Peak:
		return "peak"
	case Trough:
		return "trough"
	default:
		return "unknown"
	}
}

// Mode selects which polarities a run emits.
type Mode int

const (
	Peaks Mode = iota
	Troughs
	Both
)

func (m Mode) String() string {
	switch m {
	case Peaks:
		return "peaks"
	case Troughs:
		return "troughs"
	case Both:
		return "both"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode accepts the names printed by Mode.String, case-insensitively.
func ParseMode(name string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "peaks", "peak":
		return Peaks, nil
	case "troughs", "trough":
		return Troughs, nil
	case "both":
		return Both, nil
	default:
		return 0, fmt.Errorf("%w: unknown mode %q", ErrInvalidSettings, name)
	}
}

// Valid reports whether m is one of Peaks, Troughs or Both.
func (m Mode) Valid() bool {
	return m >= Peaks && m <= Both
}

// Includes reports whether spikes of polarity p are emitted under m.
func (m Mode) Includes(p Polarity) bool {
	switch p {
	case Peak:
		return m == Peaks || m == Both
	case Trough:
		return m == Troughs || m == Both
	default:
		return false
	}
}

// UnmarshalYAML accepts either a mode name or its numeric value.
func (m *Mode) UnmarshalYAML(value *yaml.Node) error {
	var n int
	if err := value.Decode(&n); err == nil {
		if !Mode(n).Valid() {
			return fmt.Errorf("%w: unknown mode %d", ErrInvalidSettings, n)
		}
		*m = Mode(n)
		return nil
	}

	var name string
	if err := value.Decode(&name); err != nil {
		return err
	}
	parsed, err := ParseMode(name)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// MarshalYAML writes the mode by name.
func (m Mode) MarshalYAML() (any, error) {
	return m.String(), nil
}

// Settings are the per-run detection parameters.
type Settings struct {
	SpikeWindowSeconds float64             `yaml:"spike_window"`     // waveform window length, seconds
	Mode               Mode                `yaml:"mode"`             // polarities to emit
	ThresholdFactor    float64             `yaml:"threshold_factor"` // multiple of the robust noise estimate
	Channels           recording.Selection `yaml:"channels"`         // raw channel indices, in output order
}

// DefaultSettings returns 200 ms windows, both polarities and a factor of 5.
// Channels is left empty; callers fill it per recording.
func DefaultSettings() Settings {
	return Settings{
		SpikeWindowSeconds: 0.2,
		Mode:               Both,
		ThresholdFactor:    5,
	}
}

// Validate checks the scalar parameters. The channel selection is checked
// against a concrete source by Detect.
func (s Settings) Validate() error {
	if !(s.ThresholdFactor > 0) || math.IsInf(s.ThresholdFactor, 0) {
		return fmt.Errorf("%w: threshold factor must be a positive number, got %v", ErrInvalidSettings, s.ThresholdFactor)
	}
	if !(s.SpikeWindowSeconds > 0) || math.IsInf(s.SpikeWindowSeconds, 0) {
		return fmt.Errorf("%w: spike window must be a positive duration, got %v", ErrInvalidSettings, s.SpikeWindowSeconds)
	}
	if !s.Mode.Valid() {
		return fmt.Errorf("%w: unknown mode %d", ErrInvalidSettings, int(s.Mode))
	}
	return nil
}

// WindowLength converts the window duration to samples at samplingRate.
// The result is at least one sample.
func (s Settings) WindowLength(samplingRate float64) int {
	return max(1, int(math.Round(s.SpikeWindowSeconds*samplingRate)))
}
