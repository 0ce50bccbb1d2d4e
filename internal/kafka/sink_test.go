package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/pulse-meter/internal/energy"
	"github.com/sweeney/pulse-meter/internal/logic"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func newTestSink(w Writer) *Sink {
	s := NewWithWriter(w, "garage")
	s.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func TestSinkPublishMeterReading(t *testing.T) {
	w := &fakeWriter{}
	s := newTestSink(w)

	v, err := energy.Parse("0.5")
	require.NoError(t, err)
	require.NoError(t, s.Publish(logic.Reading{Metric: logic.MetricEnergyTotal, Meter: 2, Value: v}))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "garage/energy_total/2", string(w.msgs[0].Key))

	var rec Record
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &rec))
	assert.Equal(t, "garage", rec.Device)
	assert.Equal(t, "energy_total", rec.Metric)
	require.NotNil(t, rec.Meter)
	assert.Equal(t, 2, *rec.Meter)
	assert.Equal(t, "0.5", rec.Value)
	assert.Equal(t, "2026-03-01T12:00:00Z", rec.Timestamp)
}

func TestSinkPublishDeviceReading(t *testing.T) {
	w := &fakeWriter{}
	s := newTestSink(w)

	require.NoError(t, s.Publish(logic.Reading{Metric: logic.MetricUptime, Meter: logic.NoMeter, Value: energy.FromUint(60000)}))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "garage/uptime_ms", string(w.msgs[0].Key))
	assert.NotContains(t, string(w.msgs[0].Value), `"meter"`)
	assert.Contains(t, string(w.msgs[0].Value), `"value":"60000"`)
}

func TestSinkPublishError(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	s := newTestSink(w)

	err := s.Publish(logic.Reading{Metric: logic.MetricPower})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leader not available")
}

func TestSinkClose(t *testing.T) {
	w := &fakeWriter{}
	require.NoError(t, newTestSink(w).Close())
	assert.True(t, w.closed)
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{Topic: "readings"})
	assert.Error(t, err)
	_, err = New(Config{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)

	s, err := New(Config{Brokers: []string{"localhost:9092"}, Topic: "readings", Device: "garage"})
	require.NoError(t, err)
	assert.NoError(t, s.Close())
}
