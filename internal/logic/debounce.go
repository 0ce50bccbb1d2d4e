package logic

import "github.com/sweeney/pulse-meter/internal/clock"

// seedAge is how far before the clock's start value the debounce timestamps
// of a fresh meter are placed, so the first real pulse passes both guards.
const seedAge clock.Millis = 1 << 32

// NewRuntimeState returns the startup state for a meter whose clock reads
// start: INACTIVE, with both timestamps far in the past.
func NewRuntimeState(start clock.Millis) RuntimeState {
	past := start - seedAge
	return RuntimeState{
		State:          StateInactive,
		LastActiveTime: past,
		LastPulseTime:  past,
	}
}

// Level converts a raw line level into a logical state, honouring Invert.
func (c Config) Level(raw bool) State {
	if raw != c.Invert {
		return StateActive
	}
	return StateInactive
}

// Observe applies one raw level change seen at now.
//
// Going ACTIVE only records the time. Going INACTIVE accepts a pulse when
// both the active phase and the gap since the previous accepted pulse are
// at least MinPulseLength. The leading edge is never checked.
// Observe does not allocate and runs in constant time.
func (s *RuntimeState) Observe(raw bool, now clock.Millis, cfg Config) Outcome {
	next := cfg.Level(raw)
	if next == s.State {
		return OutcomeIgnored
	}
	s.State = next

	if next == StateActive {
		s.LastActiveTime = now
		return OutcomeLeading
	}

	if now.Sub(s.LastActiveTime) >= cfg.MinPulseLength &&
		now.Sub(s.LastPulseTime) >= cfg.MinPulseLength {
		s.UnhandledPulseCount++
		s.LastPulseTime = now
		return OutcomeAccepted
	}

	s.RejectedCount++
	return OutcomeRejected
}
