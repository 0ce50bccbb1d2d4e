package mqtt

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/sweeney/pulse-meter/internal/energy"
	"github.com/sweeney/pulse-meter/internal/logic"
)

func mustQuantity(t *testing.T, s string) energy.Quantity {
	t.Helper()
	q, err := energy.Parse(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return q
}

func TestTopics(t *testing.T) {
	topics := NewTopics("powermeter", "garage")

	tests := []struct {
		got, want string
	}{
		{topics.Metric(logic.MetricEnergyTotal, 0), "powermeter/garage/energy_total/0"},
		{topics.Metric(logic.MetricPower, 3), "powermeter/garage/power/3"},
		{topics.Metric(logic.MetricTemperature, logic.NoMeter), "powermeter/garage/temperature_c"},
		{topics.Metric(logic.MetricUptime, logic.NoMeter), "powermeter/garage/uptime_ms"},
		{topics.Up(), "powermeter/garage/up"},
		{topics.Dead(), "powermeter/garage/dead"},
		{topics.Status(), "powermeter/garage/status"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %s, want %s", tt.got, tt.want)
		}
	}
}

func TestTopicsDefaults(t *testing.T) {
	topics := NewTopics("", "")
	if got := topics.Up(); got != "powermeter/pulse-meter/up" {
		t.Errorf("unexpected default topic: %s", got)
	}
}

func TestDelivery(t *testing.T) {
	tests := []struct {
		metric   string
		qos      byte
		retained bool
	}{
		{logic.MetricEnergyTotal, 1, true},
		{logic.MetricPulsesTotal, 1, true},
		{logic.MetricPower, 0, false},
		{logic.MetricTemperature, 0, false},
		{logic.MetricUptime, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.metric, func(t *testing.T) {
			qos, retained := Delivery(tt.metric)
			if qos != tt.qos || retained != tt.retained {
				t.Errorf("got qos=%d retained=%v, want qos=%d retained=%v", qos, retained, tt.qos, tt.retained)
			}
		})
	}
}

func TestFormatPayload(t *testing.T) {
	tests := []struct {
		value string
		want  string
	}{
		{"0.5", "0.5"},
		{"0.010000", "0.01"},
		{"12345", "12345"},
		{"0", "0"},
	}
	for _, tt := range tests {
		r := logic.Reading{Metric: logic.MetricEnergyTotal, Value: mustQuantity(t, tt.value)}
		if got := string(FormatPayload(r)); got != tt.want {
			t.Errorf("FormatPayload(%s): got %s, want %s", tt.value, got, tt.want)
		}
	}
}

func TestFormatSystemPayload(t *testing.T) {
	event := SystemEvent{
		Timestamp: time.Date(2026, 2, 10, 8, 30, 0, 0, time.UTC),
		Event:     "DEAD",
		Reason:    "MQTT_DISCONNECT",
	}

	payload, err := FormatSystemPayload(event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := `{"system":{"timestamp":"2026-02-10T08:30:00Z","event":"DEAD","reason":"MQTT_DISCONNECT"}}`
	if string(payload) != expected {
		t.Errorf("unexpected payload:\ngot:  %s\nwant: %s", string(payload), expected)
	}
}

func TestFormatSystemPayloadOmitsReason(t *testing.T) {
	payload, err := FormatSystemPayload(SystemEvent{
		Timestamp: time.Date(2026, 2, 10, 14, 30, 0, 0, time.UTC),
		Event:     "UP",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var parsed map[string]map[string]interface{}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if _, exists := parsed["system"]["reason"]; exists {
		t.Error("UP should not have reason field")
	}
}

func TestFormatSystemPayloadTimezoneConversion(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*60*60)
	payload, err := FormatSystemPayload(SystemEvent{
		Timestamp: time.Date(2026, 2, 3, 15, 0, 0, 0, loc),
		Event:     "UP",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var parsed SystemPayload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if parsed.System.Timestamp != "2026-02-03T10:00:00Z" {
		t.Errorf("expected UTC timestamp, got %s", parsed.System.Timestamp)
	}
}

func TestFormatSystemPayloadRaw(t *testing.T) {
	raw := []byte(`{"status":{"event":"STARTUP"}}`)
	payload, err := FormatSystemPayload(SystemEvent{Event: "STARTUP", RawPayload: raw})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(payload) != string(raw) {
		t.Errorf("raw payload not passed through: %s", payload)
	}
}

func TestFakePublisher(t *testing.T) {
	f := NewFakePublisher()

	r := logic.Reading{Metric: logic.MetricEnergyTotal, Meter: 1, Value: mustQuantity(t, "0.5")}
	if err := f.Publish(r); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(f.Readings) != 1 {
		t.Fatalf("expected 1 reading, got %d", len(f.Readings))
	}
	if got := f.Values(logic.MetricEnergyTotal, 1); len(got) != 1 || got[0] != "0.5" {
		t.Errorf("unexpected values: %v", got)
	}
	if got := f.Values(logic.MetricEnergyTotal, 0); len(got) != 0 {
		t.Errorf("meter 0 should have no values, got %v", got)
	}
}

func TestFakePublisherError(t *testing.T) {
	f := NewFakePublisher()
	f.PublishError = errors.New("connection lost")

	err := f.Publish(logic.Reading{Metric: logic.MetricPower})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(f.Readings) != 0 {
		t.Errorf("expected 0 readings on error, got %d", len(f.Readings))
	}
}

func TestFakePublisherSystemEvents(t *testing.T) {
	f := NewFakePublisher()
	f.PublishSystem(SystemEvent{Timestamp: time.Now(), Event: "STARTUP", Retained: true})
	f.PublishSystem(SystemEvent{Timestamp: time.Now(), Event: "HEARTBEAT"})

	got := f.Events()
	if len(got) != 2 || got[0] != "STARTUP" || got[1] != "HEARTBEAT" {
		t.Errorf("unexpected events: %v", got)
	}
	if !f.SystemEvents[0].Retained || f.SystemEvents[1].Retained {
		t.Error("retained flags not recorded")
	}
}

func TestFakePublisherReset(t *testing.T) {
	f := NewFakePublisher()
	f.Publish(logic.Reading{Metric: logic.MetricPower})
	f.PublishSystem(SystemEvent{Event: "STARTUP"})
	f.Close()
	f.SetConnected(true)

	f.Reset()

	if len(f.Readings) != 0 || len(f.SystemEvents) != 0 || f.Closed || f.IsConnected() {
		t.Error("Reset did not clear state")
	}
}

// fakeToken is a paho.Token that is already complete.
type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type sentMsg struct {
	topic    string
	qos      byte
	retained bool
	payload  string
}

// fakeClient overrides the paho.Client methods the publisher uses.
type fakeClient struct {
	paho.Client

	mu   sync.Mutex
	open bool
	err  error
	sent []sentMsg
}

func (c *fakeClient) IsConnectionOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentMsg{topic, qos, retained, string(payload.([]byte))})
	return &fakeToken{err: c.err}
}

func (c *fakeClient) Disconnect(uint) {}

func TestRealPublisherConnected(t *testing.T) {
	c := &fakeClient{open: true}
	p := newPublisher(c, NewTopics("powermeter", "test"), 4)

	if err := p.Publish(logic.Reading{Metric: logic.MetricEnergyTotal, Meter: 0, Value: mustQuantity(t, "0.5")}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := p.Publish(logic.Reading{Metric: logic.MetricPower, Meter: 0, Value: mustQuantity(t, "0.01")}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	want := []sentMsg{
		{"powermeter/test/energy_total/0", 1, true, "0.5"},
		{"powermeter/test/power/0", 0, false, "0.01"},
	}
	if len(c.sent) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(c.sent))
	}
	for i := range want {
		if c.sent[i] != want[i] {
			t.Errorf("message %d: got %+v, want %+v", i, c.sent[i], want[i])
		}
	}
	if !p.IsConnected() {
		t.Error("expected IsConnected")
	}
}

func TestRealPublisherPublishError(t *testing.T) {
	c := &fakeClient{open: true, err: errors.New("not authorised")}
	p := newPublisher(c, NewTopics("", ""), 4)

	if err := p.Publish(logic.Reading{Metric: logic.MetricPower}); err == nil {
		t.Error("expected publish error")
	}
}

func TestRealPublisherBuffersWhileOffline(t *testing.T) {
	c := &fakeClient{}
	p := newPublisher(c, NewTopics("powermeter", "test"), 2)

	for _, v := range []string{"1", "2", "3"} {
		if err := p.Publish(logic.Reading{Metric: logic.MetricEnergyTotal, Value: mustQuantity(t, v)}); err != nil {
			t.Fatalf("buffered publish must not fail: %v", err)
		}
	}
	if len(c.sent) != 0 {
		t.Fatalf("nothing should be sent while offline, got %d", len(c.sent))
	}
	if p.Buffered() != 2 || p.Dropped() != 1 {
		t.Errorf("buffered=%d dropped=%d, want 2 and 1", p.Buffered(), p.Dropped())
	}

	c.open = true
	p.onConnect(c)

	if len(c.sent) != 3 {
		t.Fatalf("expected up + 2 replayed, got %d: %+v", len(c.sent), c.sent)
	}
	if c.sent[0].topic != "powermeter/test/up" {
		t.Errorf("first message after connect should be up, got %s", c.sent[0].topic)
	}
	if c.sent[1].payload != "2" || c.sent[2].payload != "3" {
		t.Errorf("replay order: got %s, %s", c.sent[1].payload, c.sent[2].payload)
	}
	if !c.sent[1].retained || c.sent[1].qos != 1 {
		t.Error("replayed totals must keep QoS and retained flag")
	}
	if p.Buffered() != 0 {
		t.Errorf("buffer should be empty after replay, got %d", p.Buffered())
	}
}

func TestRealPublisherSystemEvent(t *testing.T) {
	c := &fakeClient{open: true}
	p := newPublisher(c, NewTopics("powermeter", "test"), 4)

	err := p.PublishSystem(SystemEvent{Event: "STARTUP", Retained: true, RawPayload: []byte(`{}`)})
	if err != nil {
		t.Fatalf("PublishSystem: %v", err)
	}
	if len(c.sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(c.sent))
	}
	got := c.sent[0]
	if got.topic != "powermeter/test/status" || got.qos != 1 || !got.retained || got.payload != "{}" {
		t.Errorf("unexpected status message: %+v", got)
	}
}

func TestNewRealPublisherRequiresBroker(t *testing.T) {
	if _, err := NewRealPublisher(Options{}); err == nil {
		t.Error("expected error for empty broker")
	}
}
