// Package logic contains the pulse-counting core: the per-meter debounce
// state machine, the shared meter bank and the aggregator.
// This package has NO hardware, network or storage dependencies. Time is
// always injected as clock.Millis values.
package logic

import (
	"github.com/sweeney/pulse-meter/internal/clock"
	"github.com/sweeney/pulse-meter/internal/energy"
)

// State is the debounced logical level of a meter's pulse input.
type State uint8

const (
	StateInactive State = iota
	StateActive
)

func (s State) String() string {
	if s == StateActive {
		return "ACTIVE"
	}
	return "INACTIVE"
}

// Outcome is the result of observing one level change.
type Outcome uint8

const (
	// OutcomeIgnored: the reported level equals the current state.
	OutcomeIgnored Outcome = iota
	// OutcomeLeading: transition to ACTIVE, recorded without a check.
	OutcomeLeading
	// OutcomeAccepted: transition to INACTIVE that produced a pulse.
	OutcomeAccepted
	// OutcomeRejected: transition to INACTIVE discarded as bounce.
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeLeading:
		return "leading"
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRejected:
		return "rejected"
	default:
		return "ignored"
	}
}

// Config is the immutable per-meter configuration.
type Config struct {
	Name           string
	Pin            int          // GPIO line offset
	MinPulseLength clock.Millis // debounce threshold
	PulsesPerUnit  float64
	Invert         bool
}

// RuntimeState is the per-meter state shared between the edge handler and
// the aggregator. It is only touched while the owning Meters lock is held.
type RuntimeState struct {
	State               State
	LastActiveTime      clock.Millis
	LastPulseTime       clock.Millis
	UnhandledPulseCount uint32
	RejectedCount       uint64 // bounces since startup, never reset
}

// Metric names published by the aggregator and the diagnostics sampler.
const (
	MetricEnergyTotal = "energy_total"
	MetricPulsesTotal = "pulses_total"
	MetricPower       = "power"
	MetricTemperature = "temperature_c"
	MetricUptime      = "uptime_ms"
)

// NoMeter marks a device-wide reading that is not tied to a meter index.
const NoMeter = -1

// Reading is a single named numeric value to be published.
type Reading struct {
	Metric string
	Meter  int
	Value  energy.Quantity
}

// Publisher forwards readings to a remote sink. Failures are reported,
// never retried by the caller.
type Publisher interface {
	Publish(r Reading) error
}

// Store durably keeps the cumulative pulse count per meter.
type Store interface {
	// Write commits count for meter before returning nil.
	Write(meter int, count uint64) error
	// Load returns the last committed count, 0 if never written.
	Load(meter int) (uint64, error)
}

// MeterReport summarises what one aggregator cycle did for one meter.
type MeterReport struct {
	Meter         int
	Name          string
	Drained       uint32 // pulses taken from the shared state this cycle
	Total         uint64
	Energy        energy.Quantity
	Power         *energy.Quantity // nil when no power sample was produced
	LastPulseTime clock.Millis
	Rejected      uint64
	State         State
	Persisted     bool  // a store write succeeded this cycle
	StoreErr      error // store error this cycle, if any
	PublishErrs   int
	PublishErr    error // last publish error this cycle, if any
}

// CycleReport is the result of one aggregator cycle.
type CycleReport struct {
	Meters []MeterReport
}

// Accepted returns the number of pulses drained across all meters.
func (c CycleReport) Accepted() uint64 {
	var n uint64
	for _, m := range c.Meters {
		n += uint64(m.Drained)
	}
	return n
}
