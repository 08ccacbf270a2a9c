package detection

// scanState is the position of the signal relative to the threshold band.
type scanState int

const (
	idle       scanState = iota // within [-threshold, +threshold]
	aboveUpper                  // in a positive episode
	belowLower                  // in a negative episode
)

// extreme is the running extreme of the open episode.
type extreme struct {
	index int
	value float64
}

// scanner walks one channel once. Episodes are maximal runs of samples
// strictly beyond ±threshold; each closed episode yields its extreme.
type scanner struct {
	threshold float64
	mode      Mode

	state   scanState
	current extreme
}

// scan calls emit for every closed episode whose polarity mode includes,
// in sample order, and returns the episode left open at the end of signal.
func (s *scanner) scan(signal []float64, emit func(Polarity, extreme)) (Polarity, *extreme) {
	s.state = idle
	for i, v := range signal {
		switch s.state {
		case aboveUpper:
			if v > s.threshold {
				if v > s.current.value {
					s.current = extreme{i, v}
				}
				continue
			}
			if s.mode.Includes(Peak) {
				emit(Peak, s.current)
			}
			s.state = idle

		case belowLower:
			if v < -s.threshold {
				if v < s.current.value {
					s.current = extreme{i, v}
				}
				continue
			}
			if s.mode.Includes(Trough) {
				emit(Trough, s.current)
			}
			s.state = idle
		}

		// The closing sample may itself start an episode of the other sign.
		switch {
		case v > s.threshold:
			s.state = aboveUpper
			s.current = extreme{i, v}
		case v < -s.threshold:
			s.state = belowLower
			s.current = extreme{i, v}
		}
	}

	switch s.state {
	case aboveUpper:
		if s.mode.Includes(Peak) {
			open := s.current
			return Peak, &open
		}
	case belowLower:
		if s.mode.Includes(Trough) {
			open := s.current
			return Trough, &open
		}
	}
	return 0, nil
}

// DetectChannel scans one channel synchronously. It is the per-channel step
// of Engine.Detect and applies no validation beyond what Settings.Validate
// checks.
func DetectChannel(channel int, signal []float64, samplingRate float64, s Settings) ChannelResult {
	result := ChannelResult{
		Channel:   channel,
		Threshold: EstimateThreshold(signal, s.ThresholdFactor),
	}
	length := s.WindowLength(samplingRate)

	event := func(p Polarity, e extreme) SpikeEvent {
		return SpikeEvent{
			Channel:  channel,
			Index:    e.index,
			Time:     float64(e.index) / samplingRate,
			Value:    e.value,
			Polarity: p,
			Window:   spikeWindow(e.index, length, len(signal)),
		}
	}

	sc := &scanner{threshold: result.Threshold, mode: s.Mode}
	p, open := sc.scan(signal, func(p Polarity, e extreme) {
		result.Spikes = append(result.Spikes, event(p, e))
	})
	if open != nil {
		unclosed := event(p, *open)
		result.Unclosed = &unclosed
	}
	return result
}
