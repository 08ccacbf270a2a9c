package recording

import (
	"errors"
	"fmt"
)

// ErrInvalidSelection is returned for channel indices outside [0, channels)
// or listed twice.
var ErrInvalidSelection = errors.New("invalid channel selection")

// Selection is an ordered set of raw channel indices.
type Selection []int

// AllChannels selects 0..channels-1 in order.
func AllChannels(channels int) Selection {
	sel := make(Selection, channels)
	for i := range sel {
		sel[i] = i
	}
	return sel
}

// Validate checks that every index lies in [0, channels) and appears once.
func (s Selection) Validate(channels int) error {
	seen := make(map[int]struct{}, len(s))
	for pos, ch := range s {
		if ch < 0 || ch >= channels {
			return fmt.Errorf("%w: channel %d at position %d outside [0, %d)", ErrInvalidSelection, ch, pos, channels)
		}
		if _, dup := seen[ch]; dup {
			return fmt.Errorf("%w: channel %d listed twice", ErrInvalidSelection, ch)
		}
		seen[ch] = struct{}{}
	}
	return nil
}
