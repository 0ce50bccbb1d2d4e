// Package kafka forwards meter readings to a Kafka topic as JSON records.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/sweeney/pulse-meter/internal/logic"
)

const writeTimeout = 5 * time.Second

// Writer is the subset of *kafka.Writer used by Sink.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config configures a Sink.
type Config struct {
	Brokers []string
	Topic   string
	Device  string
}

// Record is the JSON value of every message.
type Record struct {
	Device    string `json:"device"`
	Metric    string `json:"metric"`
	Meter     *int   `json:"meter,omitempty"`
	Value     string `json:"value"`
	Timestamp string `json:"timestamp"`
}

// Sink publishes readings to Kafka. Messages are keyed by device, metric and
// meter so one meter's readings stay ordered within a partition.
type Sink struct {
	w      Writer
	device string
	now    func() time.Time
}

// New returns a Sink writing to the configured brokers.
func New(cfg Config) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka: empty topic")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	return NewWithWriter(w, cfg.Device), nil
}

// NewWithWriter returns a Sink over an existing writer.
func NewWithWriter(w Writer, device string) *Sink {
	return &Sink{w: w, device: device, now: time.Now}
}

// Publish writes one reading and waits for the broker ack.
func (s *Sink) Publish(r logic.Reading) error {
	value, err := json.Marshal(s.record(r))
	if err != nil {
		return fmt.Errorf("kafka: encode %s: %w", r.Metric, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	err = s.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(Key(s.device, r)),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("kafka: write %s: %w", r.Metric, err)
	}
	return nil
}

func (s *Sink) record(r logic.Reading) Record {
	rec := Record{
		Device:    s.device,
		Metric:    r.Metric,
		Value:     r.Value.String(),
		Timestamp: s.now().UTC().Format(time.RFC3339Nano),
	}
	if r.Meter != logic.NoMeter {
		m := r.Meter
		rec.Meter = &m
	}
	return rec
}

// Close flushes and closes the writer.
func (s *Sink) Close() error {
	return s.w.Close()
}

// Key returns the partition key for a reading.
func Key(device string, r logic.Reading) string {
	if r.Meter == logic.NoMeter {
		return device + "/" + r.Metric
	}
	return device + "/" + r.Metric + "/" + strconv.Itoa(r.Meter)
}
