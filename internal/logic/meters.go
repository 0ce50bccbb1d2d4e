package logic

import (
	"sync"

	"github.com/sweeney/pulse-meter/internal/clock"
)

// Meters is the fixed-size bank of per-meter runtime state shared between
// the edge handler goroutine and the run loop. One mutex guards every
// meter; it is only held across constant-size work.
type Meters struct {
	clock   clock.Source
	configs []Config

	mu     sync.Mutex
	states []RuntimeState
}

// NewMeters creates the bank for the given configs. The number of meters
// is fixed for the lifetime of the bank.
func NewMeters(src clock.Source, configs []Config) *Meters {
	cfgs := make([]Config, len(configs))
	copy(cfgs, configs)

	start := src.Now()
	states := make([]RuntimeState, len(cfgs))
	for i := range states {
		states[i] = NewRuntimeState(start)
	}

	return &Meters{
		clock:   src,
		configs: cfgs,
		states:  states,
	}
}

// Len returns the number of meters.
func (m *Meters) Len() int {
	return len(m.configs)
}

// Config returns the configuration of one meter.
func (m *Meters) Config(meter int) Config {
	return m.configs[meter]
}

// Edge handles a raw level change on meter, timestamped with the clock.
// Safe to call from the edge handler goroutine.
func (m *Meters) Edge(meter int, raw bool) Outcome {
	return m.EdgeAt(meter, raw, m.clock.Now())
}

// EdgeAt handles a raw level change with an explicit timestamp.
func (m *Meters) EdgeAt(meter int, raw bool, now clock.Millis) Outcome {
	if meter < 0 || meter >= len(m.states) {
		return OutcomeIgnored
	}
	cfg := m.configs[meter]

	m.mu.Lock()
	out := m.states[meter].Observe(raw, now, cfg)
	m.mu.Unlock()
	return out
}

// Drain copies every meter's state into dst and zeroes the unhandled pulse
// counts, all under one lock hold. dst is grown only if it is too short,
// so callers that reuse the returned slice never allocate here.
func (m *Meters) Drain(dst []RuntimeState) []RuntimeState {
	if cap(dst) < len(m.states) {
		dst = make([]RuntimeState, len(m.states))
	}
	dst = dst[:len(m.states)]

	m.mu.Lock()
	copy(dst, m.states)
	for i := range m.states {
		m.states[i].UnhandledPulseCount = 0
	}
	m.mu.Unlock()
	return dst
}
