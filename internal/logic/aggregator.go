package logic

import (
	"errors"
	"fmt"

	"github.com/sweeney/pulse-meter/internal/clock"
	"github.com/sweeney/pulse-meter/internal/energy"
)

// Aggregator drains accepted pulses from the meter bank, keeps the
// cumulative totals, persists them and publishes energy and power.
// It must only be used from the run loop.
type Aggregator struct {
	meters    *Meters
	store     Store
	publisher Publisher
	clock     clock.Source
	republish clock.Millis

	totals       []uint64
	lastHandled  []clock.Millis
	handled      []bool // lastHandled holds a real batch timestamp
	dirty        []bool // total changed but not yet committed
	announced    []bool // energy published at least once
	lastAnnounce []clock.Millis

	buf []RuntimeState
}

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

// WithRepublishInterval throttles republishing of unchanged energy totals.
// Changed totals are always published. Zero republishes every cycle.
func WithRepublishInterval(d clock.Millis) AggregatorOption {
	return func(a *Aggregator) {
		a.republish = d
	}
}

// NewAggregator restores every meter's total from store and returns an
// aggregator ready to run cycles.
func NewAggregator(meters *Meters, store Store, publisher Publisher, src clock.Source, opts ...AggregatorOption) (*Aggregator, error) {
	n := meters.Len()
	a := &Aggregator{
		meters:       meters,
		store:        store,
		publisher:    publisher,
		clock:        src,
		totals:       make([]uint64, n),
		lastHandled:  make([]clock.Millis, n),
		handled:      make([]bool, n),
		dirty:        make([]bool, n),
		announced:    make([]bool, n),
		lastAnnounce: make([]clock.Millis, n),
		buf:          make([]RuntimeState, n),
	}
	for _, opt := range opts {
		opt(a)
	}

	for i := 0; i < n; i++ {
		total, err := store.Load(i)
		if err != nil {
			return nil, fmt.Errorf("restore meter %d: %w", i, err)
		}
		a.totals[i] = total
	}
	return a, nil
}

// Totals returns a copy of the cumulative pulse counts.
func (a *Aggregator) Totals() []uint64 {
	out := make([]uint64, len(a.totals))
	copy(out, a.totals)
	return out
}

// Total returns the cumulative pulse count of one meter.
func (a *Aggregator) Total(meter int) uint64 {
	return a.totals[meter]
}

// Cycle runs one snapshot/update/persist/publish pass over all meters.
func (a *Aggregator) Cycle() CycleReport {
	a.buf = a.meters.Drain(a.buf)
	now := a.clock.Now()

	report := CycleReport{Meters: make([]MeterReport, len(a.buf))}
	for i, snap := range a.buf {
		report.Meters[i] = a.handle(i, snap, now)
	}
	return report
}

func (a *Aggregator) handle(i int, snap RuntimeState, now clock.Millis) MeterReport {
	cfg := a.meters.Config(i)
	n := snap.UnhandledPulseCount
	rep := MeterReport{
		Meter:         i,
		Name:          cfg.Name,
		Drained:       n,
		LastPulseTime: snap.LastPulseTime,
		Rejected:      snap.RejectedCount,
		State:         snap.State,
	}

	if n > 0 {
		a.totals[i] += uint64(n)
		a.dirty[i] = true
	}
	rep.Total = a.totals[i]

	// Persist before any publish attempt. A failed write stays dirty and
	// is retried next cycle.
	if a.dirty[i] {
		if err := a.store.Write(i, a.totals[i]); err != nil {
			rep.StoreErr = err
		} else {
			a.dirty[i] = false
			rep.Persisted = true
		}
	}

	total, err := energy.Energy(a.totals[i], cfg.PulsesPerUnit)
	if err != nil {
		rep.PublishErrs++
		rep.PublishErr = err
	} else {
		rep.Energy = total
		if n > 0 || a.republishDue(i, now) {
			a.announce(i, total, &rep)
			a.announced[i] = true
			a.lastAnnounce[i] = now
		}
	}

	if n == 0 {
		return rep
	}

	if a.handled[i] {
		if dt := snap.LastPulseTime.Delta(a.lastHandled[i]); dt > 0 {
			p, err := energy.Power(uint64(n), cfg.PulsesPerUnit, clock.Millis(dt))
			if err != nil {
				rep.PublishErrs++
				rep.PublishErr = err
			} else {
				rep.Power = &p
				a.publish(Reading{Metric: MetricPower, Meter: i, Value: p}, &rep)
			}
		}
	}
	a.lastHandled[i] = snap.LastPulseTime
	a.handled[i] = true
	return rep
}

func (a *Aggregator) republishDue(i int, now clock.Millis) bool {
	if !a.announced[i] || a.republish == 0 {
		return true
	}
	return now.Sub(a.lastAnnounce[i]) >= a.republish
}

func (a *Aggregator) announce(i int, total energy.Quantity, rep *MeterReport) {
	a.publish(Reading{Metric: MetricEnergyTotal, Meter: i, Value: total}, rep)
	a.publish(Reading{Metric: MetricPulsesTotal, Meter: i, Value: energy.FromUint(a.totals[i])}, rep)
}

func (a *Aggregator) publish(r Reading, rep *MeterReport) {
	if a.publisher == nil {
		return
	}
	if err := a.publisher.Publish(r); err != nil {
		rep.PublishErrs++
		rep.PublishErr = fmt.Errorf("publish %s/%d: %w", r.Metric, r.Meter, err)
	}
}

// Persist writes every meter's total to the store. Call it before a
// controlled restart or shutdown so no accepted pulse is lost.
func (a *Aggregator) Persist() error {
	var errs []error
	for i, total := range a.totals {
		if err := a.store.Write(i, total); err != nil {
			errs = append(errs, fmt.Errorf("meter %d: %w", i, err))
			continue
		}
		a.dirty[i] = false
	}
	return errors.Join(errs...)
}

// Reset sets a meter's total to value and commits it. This is the only
// way a total can decrease.
func (a *Aggregator) Reset(meter int, value uint64) error {
	if meter < 0 || meter >= len(a.totals) {
		return fmt.Errorf("meter %d out of range (have %d)", meter, len(a.totals))
	}
	if err := a.store.Write(meter, value); err != nil {
		return fmt.Errorf("reset meter %d: %w", meter, err)
	}
	a.totals[meter] = value
	a.lastHandled[meter] = 0
	a.handled[meter] = false
	a.dirty[meter] = false
	return nil
}
