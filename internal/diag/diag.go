// Package diag samples device-wide diagnostics: host temperature and
// daemon uptime.
package diag

import (
	"errors"
	"fmt"
	"math"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/sweeney/pulse-meter/internal/clock"
	"github.com/sweeney/pulse-meter/internal/energy"
	"github.com/sweeney/pulse-meter/internal/logic"
)

// ErrNoSensors is returned when the host exposes no temperature sensor.
var ErrNoSensors = errors.New("no temperature sensors")

// TemperatureFunc reads the host's temperature sensors.
type TemperatureFunc func() ([]host.TemperatureStat, error)

// Sampler produces diagnostic readings.
type Sampler struct {
	clock clock.Source
	start clock.Millis
	temps TemperatureFunc
}

// NewSampler returns a Sampler measuring uptime from the current clock value.
func NewSampler(src clock.Source) *Sampler {
	return &Sampler{
		clock: src,
		start: src.Now(),
		temps: host.SensorsTemperatures,
	}
}

// WithTemperatureFunc replaces the sensor source.
func (s *Sampler) WithTemperatureFunc(fn TemperatureFunc) *Sampler {
	s.temps = fn
	return s
}

// Uptime returns milliseconds since the sampler was created.
func (s *Sampler) Uptime() clock.Millis {
	return s.clock.Now().Sub(s.start)
}

// Sample returns the uptime reading and, when a sensor can be read, the
// hottest temperature rounded to two decimals. A temperature failure is
// returned alongside the readings that did succeed.
func (s *Sampler) Sample() ([]logic.Reading, error) {
	readings := []logic.Reading{{
		Metric: logic.MetricUptime,
		Meter:  logic.NoMeter,
		Value:  energy.FromUint(uint64(s.Uptime())),
	}}

	celsius, err := s.temperature()
	if err != nil {
		return readings, fmt.Errorf("read temperature: %w", err)
	}
	q, err := energy.FromFloat(math.Round(celsius*100) / 100)
	if err != nil {
		return readings, err
	}
	return append(readings, logic.Reading{
		Metric: logic.MetricTemperature,
		Meter:  logic.NoMeter,
		Value:  q,
	}), nil
}

func (s *Sampler) temperature() (float64, error) {
	stats, err := s.temps()
	// gopsutil returns partial results together with a warning error.
	if len(stats) == 0 {
		if err != nil {
			return 0, err
		}
		return 0, ErrNoSensors
	}

	hottest := math.Inf(-1)
	for _, st := range stats {
		if st.Temperature > hottest {
			hottest = st.Temperature
		}
	}
	return hottest, nil
}
