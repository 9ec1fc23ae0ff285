package pathselection

import "errors"

// ErrNoUsablePath is returned when none of the candidate paths can carry
// data right now
var ErrNoUsablePath = errors.New("pathselection: no usable path")

// RoundRobin picks paths in turn, starting just past the one picked last.
// The zero value starts at index 0.
type RoundRobin struct {
	last int
	used bool
}

func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

// Next returns the index of the next path for which usable returns true.
// Every index is probed at most once, so an empty or fully unusable set
// yields ErrNoUsablePath instead of looping.
func (rr *RoundRobin) Next(n int, usable func(i int) bool) (int, error) {
	if n <= 0 {
		return -1, ErrNoUsablePath
	}
	start := 0
	if rr.used {
		start = rr.last + 1
	}
	for k := 0; k < n; k++ {
		i := (start + k) % n
		if usable(i) {
			rr.last = i
			rr.used = true
			return i, nil
		}
	}
	return -1, ErrNoUsablePath
}

// Reset forgets the last pick
func (rr *RoundRobin) Reset() {
	rr.last = 0
	rr.used = false
}
