// Package metrics exposes meter and daemon state as Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sweeney/pulse-meter/internal/logic"
)

const namespace = "pulse_meter"

var meterLabels = []string{"meter", "name"}

// Metrics holds every collector on its own registry.
type Metrics struct {
	Registry *prometheus.Registry

	EnergyTotal    *prometheus.GaugeVec
	Power          *prometheus.GaugeVec
	PulsesTotal    *prometheus.GaugeVec
	PulsesAccepted *prometheus.CounterVec
	PulsesRejected *prometheus.GaugeVec
	StoreErrors    *prometheus.CounterVec
	PublishErrors  *prometheus.CounterVec
	Cycles         prometheus.Counter
	CycleDuration  prometheus.Histogram
	MQTTConnected  prometheus.Gauge
	MQTTBuffered   prometheus.Gauge
	MQTTDropped    prometheus.Gauge
	Temperature    prometheus.Gauge
}

// New registers all collectors, plus the Go and process collectors, on a
// fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		EnergyTotal: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "energy_total",
			Help:      "Cumulative energy in configured units (pulses / pulses_per_unit).",
		}, meterLabels),
		Power: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "power",
			Help:      "Most recent average power in units per hour.",
		}, meterLabels),
		PulsesTotal: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pulses_total",
			Help:      "Cumulative accepted pulses including restored totals.",
		}, meterLabels),
		PulsesAccepted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pulses_accepted_total",
			Help:      "Pulses accepted since the daemon started.",
		}, meterLabels),
		PulsesRejected: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pulses_rejected",
			Help:      "Falling edges rejected by the debouncer since the daemon started.",
		}, meterLabels),
		StoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Failed persistence writes.",
		}, meterLabels),
		PublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Failed publishes.",
		}, meterLabels),
		Cycles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Aggregator cycles run.",
		}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Time spent in one aggregator cycle including I/O.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}),
		MQTTConnected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mqtt_connected",
			Help:      "1 when the MQTT connection is up.",
		}),
		MQTTBuffered: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mqtt_buffered_messages",
			Help:      "Messages waiting for the MQTT connection.",
		}),
		MQTTDropped: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mqtt_dropped_messages",
			Help:      "Buffered messages overwritten while offline.",
		}),
		Temperature: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "temperature_celsius",
			Help:      "Host temperature from the hottest sensor.",
		}),
	}
}

// ObserveCycle records the outcome of one aggregator cycle.
func (m *Metrics) ObserveCycle(rep logic.CycleReport, took time.Duration) {
	m.Cycles.Inc()
	m.CycleDuration.Observe(took.Seconds())

	for _, mr := range rep.Meters {
		labels := prometheus.Labels{"meter": strconv.Itoa(mr.Meter), "name": mr.Name}
		m.EnergyTotal.With(labels).Set(mr.Energy.Float64())
		m.PulsesTotal.With(labels).Set(float64(mr.Total))
		m.PulsesAccepted.With(labels).Add(float64(mr.Drained))
		m.PulsesRejected.With(labels).Set(float64(mr.Rejected))
		if mr.Power != nil {
			m.Power.With(labels).Set(mr.Power.Float64())
		}
		if mr.StoreErr != nil {
			m.StoreErrors.With(labels).Inc()
		}
		if mr.PublishErrs > 0 {
			m.PublishErrors.With(labels).Add(float64(mr.PublishErrs))
		}
	}
}

// SetMQTT records the broker connection state and offline buffer.
func (m *Metrics) SetMQTT(connected bool, buffered int, dropped uint64) {
	if connected {
		m.MQTTConnected.Set(1)
	} else {
		m.MQTTConnected.Set(0)
	}
	m.MQTTBuffered.Set(float64(buffered))
	m.MQTTDropped.Set(float64(dropped))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
