package detection_test

import (
	"context"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/RyanBlaney/sonido-spikes/algorithms/stats"
	"github.com/RyanBlaney/sonido-spikes/detection"
	"github.com/RyanBlaney/sonido-spikes/logging"
	"github.com/RyanBlaney/sonido-spikes/recording"
)

const fs = 1000.0

var biphasic = []float64{0, 0, 6, 9, 6, 0, -6, -9, -6, 0, 0}

// biphasicFactor puts the threshold of biphasic at 5.
const biphasicFactor = 5 * stats.MADScale / 6

func newEngine(workers, buffer int) *detection.Engine {
	cfg := detection.DefaultEngineConfig()
	cfg.Workers = workers
	cfg.EventBuffer = buffer
	cfg.Logger = &logging.NoOpLogger{}
	return detection.NewEngine(cfg)
}

func settings(channels ...int) detection.Settings {
	s := detection.DefaultSettings()
	s.ThresholdFactor = biphasicFactor
	s.SpikeWindowSeconds = 0.004
	s.Channels = channels
	return s
}

func noise(seed uint64, n int) []float64 {
	rng := rand.New(rand.NewPCG(seed, 7))
	out := make([]float64, n)
	for i := range out {
		out[i] = rng.NormFloat64()
		if rng.IntN(50) == 0 {
			out[i] *= 12
		}
	}
	return out
}

func newMatrix(t *testing.T, rows ...[]float64) *recording.Matrix {
	t.Helper()
	m, err := recording.NewMatrix(rows, fs)
	require.NoError(t, err)
	return m
}

func TestEstimateThreshold(t *testing.T) {
	assert.InDelta(t, 5.0, detection.EstimateThreshold(biphasic, biphasicFactor), 1e-9)
	assert.Equal(t, 0.0, detection.EstimateThreshold(nil, 5))

	x := noise(1, 2001)
	base := detection.EstimateThreshold(x, 1)
	assert.Equal(t, base, detection.EstimateThreshold(x, 1))
	assert.InDelta(t, 3*base, detection.EstimateThreshold(x, 3), 1e-9)

	scaled := make([]float64, len(x))
	for i, v := range x {
		scaled[i] = -2.5 * v
	}
	assert.InDelta(t, 2.5*base, detection.EstimateThreshold(scaled, 1), 1e-9)
	assert.GreaterOrEqual(t, base, 0.0)
}

func TestDetectChannelBiphasic(t *testing.T) {
	res := detection.DetectChannel(4, biphasic, fs, settings())

	assert.InDelta(t, 5.0, res.Threshold, 1e-9)
	assert.Nil(t, res.Unclosed)
	require.Len(t, res.Spikes, 2)

	peak, trough := res.Spikes[0], res.Spikes[1]
	assert.Equal(t, detection.Peak, peak.Polarity)
	assert.Equal(t, 3, peak.Index)
	assert.Equal(t, 9.0, peak.Value)
	assert.Equal(t, 4, peak.Channel)
	assert.InDelta(t, 0.003, peak.Time, 1e-12)
	assert.Equal(t, detection.Window{Start: 1, End: 5, Offset: 2}, peak.Window)

	assert.Equal(t, detection.Trough, trough.Polarity)
	assert.Equal(t, 7, trough.Index)
	assert.Equal(t, -9.0, trough.Value)

	assert.Equal(t, []int{3, 7}, res.Indices())
	assert.Equal(t, 1, res.Count(detection.Peak))
	assert.Equal(t, 1, res.Count(detection.Trough))
}

func TestDetectChannelModes(t *testing.T) {
	s := settings()
	s.Mode = detection.Peaks
	assert.Equal(t, []int{3}, detection.DetectChannel(0, biphasic, fs, s).Indices())

	s.Mode = detection.Troughs
	assert.Equal(t, []int{7}, detection.DetectChannel(0, biphasic, fs, s).Indices())
}

func TestDetectChannelUnclosedEpisode(t *testing.T) {
	signal := append(append([]float64{}, biphasic...), 7, 8)
	res := detection.DetectChannel(0, signal, fs, settings())

	assert.Equal(t, []int{3, 7}, res.Indices())
	require.NotNil(t, res.Unclosed)
	assert.Equal(t, 12, res.Unclosed.Index)
	assert.Equal(t, detection.Peak, res.Unclosed.Polarity)
}

func TestSpikeOrderAndWindows(t *testing.T) {
	x := noise(42, 20000)
	s := settings()
	s.ThresholdFactor = 4
	s.SpikeWindowSeconds = 0.01

	res := detection.DetectChannel(0, x, fs, s)
	require.NotEmpty(t, res.Spikes)

	prev := -1
	for _, sp := range res.Spikes {
		assert.Greater(t, sp.Index, prev)
		prev = sp.Index

		assert.Greater(t, math.Abs(sp.Value), res.Threshold)
		assert.Equal(t, x[sp.Index], sp.Value)
		assert.Equal(t, sp.Index, sp.Window.Start+sp.Window.Offset)
		assert.GreaterOrEqual(t, sp.Window.Start, 0)
		assert.LessOrEqual(t, sp.Window.End, len(x))
		assert.LessOrEqual(t, sp.Window.Len(), 10)
	}
}

func TestDetectEventOrder(t *testing.T) {
	rows := make([][]float64, 6)
	for c := range rows {
		rows[c] = noise(uint64(c), 5000)
	}
	m := newMatrix(t, rows...)
	sel := []int{5, 1, 3, 0}

	s := settings(sel...)
	s.ThresholdFactor = 4
	run, err := newEngine(3, 8).Detect(context.Background(), m, s)
	require.NoError(t, err)

	pos := 0
	var done *detection.Event
	for ev := range run.Events() {
		require.Nil(t, done, "no event after EventDone")
		switch ev.Kind {
		case detection.EventSpike:
			assert.Equal(t, sel[pos], ev.Spike.Channel)
			w := ev.Spike.Window
			assert.Equal(t, rows[sel[pos]][w.Start:w.End], ev.Waveform)
		case detection.EventChannel:
			require.NotNil(t, ev.Result)
			assert.Equal(t, sel[pos], ev.Result.Channel)
		case detection.EventProgress:
			pos++
			assert.Equal(t, pos, ev.Processed)
			assert.Equal(t, len(sel), ev.Total)
			assert.InDelta(t, float64(pos)/float64(len(sel)), ev.Fraction, 1e-12)
		case detection.EventDone:
			done = &ev
		}
	}

	require.NotNil(t, done)
	require.NoError(t, done.Err)
	assert.Equal(t, len(sel), pos)
	require.Len(t, done.Results.Channels, len(sel))
	for i, r := range done.Results.Channels {
		assert.Equal(t, sel[i], r.Channel)
	}

	results, err := run.Wait()
	require.NoError(t, err)
	assert.Same(t, done.Results, results)
}

func TestSelectionIndependence(t *testing.T) {
	rows := [][]float64{noise(1, 3000), noise(2, 3000), noise(3, 3000)}
	m := newMatrix(t, rows...)
	engine := newEngine(2, 16)

	detect := func(sel ...int) *detection.ResultSet {
		run, err := engine.Detect(context.Background(), m, settings(sel...))
		require.NoError(t, err)
		rs, err := run.Wait()
		require.NoError(t, err)
		return rs
	}

	alone := detect(0)
	mixed := detect(2, 0)

	got, ok := mixed.Channel(0)
	require.True(t, ok)
	want, _ := alone.Channel(0)
	assert.Equal(t, want, got)
	assert.Equal(t, 2, mixed.Channels[0].Channel)
	assert.Equal(t, detection.DetectChannel(0, rows[0], fs, settings()), want)
}

func TestDetectEmptySelection(t *testing.T) {
	m := newMatrix(t, biphasic)
	run, err := newEngine(1, 0).Detect(context.Background(), m, settings())
	require.NoError(t, err)

	var events []detection.Event
	for ev := range run.Events() {
		events = append(events, ev)
	}
	require.Len(t, events, 2)
	assert.Equal(t, detection.EventProgress, events[0].Kind)
	assert.Equal(t, 1.0, events[0].Fraction)
	assert.Equal(t, detection.EventDone, events[1].Kind)
	require.NoError(t, events[1].Err)
	assert.Empty(t, events[1].Results.Channels)
}

func TestDetectCancelAtChannelBoundary(t *testing.T) {
	m := newMatrix(t, biphasic, biphasic, biphasic)
	s := settings(0, 1, 2)
	s.Mode = detection.Peaks

	run, err := newEngine(1, 0).Detect(context.Background(), m, s)
	require.NoError(t, err)

	var last detection.Event
	for ev := range run.Events() {
		if ev.Kind == detection.EventChannel && ev.Result.Channel == 0 {
			run.Cancel()
		}
		last = ev
	}

	require.Equal(t, detection.EventDone, last.Kind)
	assert.ErrorIs(t, last.Err, context.Canceled)
	require.Len(t, last.Results.Channels, 1)
	assert.Equal(t, []int{3}, last.Results.Channels[0].Indices())

	_, err = run.Wait()
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDetectValidation(t *testing.T) {
	m := newMatrix(t, biphasic, biphasic)
	engine := newEngine(1, 0)
	ctx := context.Background()

	for _, tc := range []struct {
		name   string
		mutate func(*detection.Settings)
		want   error
	}{
		{"zero factor", func(s *detection.Settings) { s.ThresholdFactor = 0 }, detection.ErrInvalidSettings},
		{"NaN factor", func(s *detection.Settings) { s.ThresholdFactor = math.NaN() }, detection.ErrInvalidSettings},
		{"negative window", func(s *detection.Settings) { s.SpikeWindowSeconds = -1 }, detection.ErrInvalidSettings},
		{"unknown mode", func(s *detection.Settings) { s.Mode = detection.Mode(9) }, detection.ErrInvalidSettings},
		{"out of range", func(s *detection.Settings) { s.Channels = []int{0, 2} }, recording.ErrInvalidSelection},
		{"negative channel", func(s *detection.Settings) { s.Channels = []int{-1} }, recording.ErrInvalidSelection},
		{"duplicate", func(s *detection.Settings) { s.Channels = []int{1, 1} }, recording.ErrInvalidSelection},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := settings(0)
			tc.mutate(&s)
			_, err := engine.Detect(ctx, m, s)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	partial, err := recording.NewEmptyMatrix(2, 10, fs)
	require.NoError(t, err)
	_, err = engine.Detect(ctx, partial, settings(0))
	assert.ErrorIs(t, err, detection.ErrIncompleteMatrix)
}

func TestResultSetExport(t *testing.T) {
	m := newMatrix(t, biphasic, biphasic)
	run, err := newEngine(2, 0).Detect(context.Background(), m, settings(1))
	require.NoError(t, err)
	rs, err := run.Wait()
	require.NoError(t, err)

	out := rs.Export()
	assert.Len(t, out, 2)
	assert.Equal(t, []int{3, 7}, out["spiketimes_indices_1"])
	times := out["spiketimes_1"].([]float64)
	require.Len(t, times, 2)
	assert.InDelta(t, 0.003, times[0], 1e-12)
	assert.InDelta(t, 0.007, times[1], 1e-12)

	th := rs.Thresholds()
	assert.Len(t, th, 1)
	assert.InDelta(t, 5.0, th[1], 1e-9)
	assert.Equal(t, 2, rs.SpikeCount())
}

func TestSettingsYAML(t *testing.T) {
	var s detection.Settings
	require.NoError(t, yaml.Unmarshal([]byte(`
spike_window: 0.01
mode: troughs
threshold_factor: 4.5
channels: [3, 1]
`), &s))
	assert.Equal(t, detection.Troughs, s.Mode)
	assert.Equal(t, 0.01, s.SpikeWindowSeconds)
	assert.Equal(t, 4.5, s.ThresholdFactor)
	assert.Equal(t, recording.Selection{3, 1}, s.Channels)
	require.NoError(t, s.Validate())

	require.NoError(t, yaml.Unmarshal([]byte("mode: 0\n"), &s))
	assert.Equal(t, detection.Peaks, s.Mode)

	assert.ErrorIs(t, yaml.Unmarshal([]byte("mode: sideways\n"), &s), detection.ErrInvalidSettings)

	out, err := yaml.Marshal(detection.DefaultSettings())
	require.NoError(t, err)
	assert.Contains(t, string(out), "mode: both")
}

func TestWindowLength(t *testing.T) {
	s := detection.DefaultSettings()
	assert.Equal(t, 200, s.WindowLength(1000))
	s.SpikeWindowSeconds = 1e-9
	assert.Equal(t, 1, s.WindowLength(1000))
}
