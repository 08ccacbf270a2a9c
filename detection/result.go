package detection

import "strconv"

// Window locates a spike waveform inside its channel as the half-open
// sample range [Start, End). Offset is the spike index relative to Start.
type Window struct {
	Start  int
	End    int
	Offset int
}

// Len returns the clipped window length in samples.
func (w Window) Len() int {
	return w.End - w.Start
}

// Slice returns the window as a view into signal. The view aliases the
// signal and must not be modified.
func (w Window) Slice(signal []float64) []float64 {
	return signal[w.Start:w.End:w.End]
}

// spikeWindow centres a window of nominal length samples on index e and
// clips it to [0, n).
func spikeWindow(e, length, n int) Window {
	lower := e - length/2
	upper := e + (length+1)/2
	lower = max(lower, 0)
	upper = min(upper, n)
	return Window{Start: lower, End: upper, Offset: e - lower}
}

// SpikeEvent is one detected spike: the extreme sample of a threshold
// crossing episode.
type SpikeEvent struct {
	Channel  int
	Index    int     // sample index of the extreme
	Time     float64 // Index / sampling rate, seconds
	Value    float64 // sample value at Index
	Polarity Polarity
	Window   Window
}

// ChannelResult is the outcome of scanning one channel.
type ChannelResult struct {
	Channel   int
	Threshold float64
	Spikes    []SpikeEvent // strictly ascending by Index

	// Unclosed is the extreme of an episode still above (or below) the
	// threshold at the last sample. It is not part of Spikes.
	Unclosed *SpikeEvent
}

// Indices returns the spike sample indices.
func (r ChannelResult) Indices() []int {
	out := make([]int, len(r.Spikes))
	for i, s := range r.Spikes {
		out[i] = s.Index
	}
	return out
}

// Times returns the spike times in seconds.
func (r ChannelResult) Times() []float64 {
	out := make([]float64, len(r.Spikes))
	for i, s := range r.Spikes {
		out[i] = s.Time
	}
	return out
}

// Count returns the number of spikes of polarity p.
func (r ChannelResult) Count(p Polarity) int {
	n := 0
	for _, s := range r.Spikes {
		if s.Polarity == p {
			n++
		}
	}
	return n
}

// ResultSet holds the results of one run in selection order.
type ResultSet struct {
	SamplingRate float64
	Channels     []ChannelResult
}

// Channel returns the result for a raw channel index.
func (rs *ResultSet) Channel(ch int) (ChannelResult, bool) {
	for _, r := range rs.Channels {
		if r.Channel == ch {
			return r, true
		}
	}
	return ChannelResult{}, false
}

// Thresholds maps each scanned channel to its threshold.
func (rs *ResultSet) Thresholds() map[int]float64 {
	out := make(map[int]float64, len(rs.Channels))
	for _, r := range rs.Channels {
		out[r.Channel] = r.Threshold
	}
	return out
}

// SpikeCount returns the number of spikes over all channels.
func (rs *ResultSet) SpikeCount() int {
	n := 0
	for _, r := range rs.Channels {
		n += len(r.Spikes)
	}
	return n
}

// SpikeTimesKey names the exported spike times of channel ch.
func SpikeTimesKey(ch int) string {
	return "spiketimes_" + strconv.Itoa(ch)
}

// SpikeIndicesKey names the exported spike sample indices of channel ch.
func SpikeIndicesKey(ch int) string {
	return "spiketimes_indices_" + strconv.Itoa(ch)
}

// Export returns the persisted shape of the run: for each channel a
// []float64 of spike times in seconds under SpikeTimesKey and a []int of
// sample indices under SpikeIndicesKey.
func (rs *ResultSet) Export() map[string]any {
	out := make(map[string]any, 2*len(rs.Channels))
	for _, r := range rs.Channels {
		out[SpikeTimesKey(r.Channel)] = r.Times()
		out[SpikeIndicesKey(r.Channel)] = r.Indices()
	}
	return out
}
