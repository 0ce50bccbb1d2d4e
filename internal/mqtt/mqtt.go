// Package mqtt provides MQTT publishing with abstraction for testing.
package mqtt

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/sweeney/pulse-meter/internal/logic"
)

// Default topic components.
const (
	DefaultNamespace = "powermeter"
	DefaultDevice    = "pulse-meter"
)

// Lifecycle topic suffixes.
const (
	suffixUp     = "up"
	suffixDead   = "dead"
	suffixStatus = "status"
)

// Publisher publishes readings and lifecycle events to MQTT.
type Publisher interface {
	// Publish sends a metric reading to the broker.
	// Returns error if publishing fails (should not crash the process).
	Publish(r logic.Reading) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// Topics builds topic names of the form <namespace>/<device>/<metric>[/<meter>].
type Topics struct {
	Namespace string
	Device    string
}

// NewTopics returns Topics, falling back to the defaults for empty parts.
func NewTopics(namespace, device string) Topics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if device == "" {
		device = DefaultDevice
	}
	return Topics{Namespace: namespace, Device: device}
}

func (t Topics) base() string {
	return t.Namespace + "/" + t.Device + "/"
}

// Metric returns the topic for a reading. Device-wide readings carry no
// meter index.
func (t Topics) Metric(metric string, meter int) string {
	if meter == logic.NoMeter {
		return t.base() + metric
	}
	return t.base() + metric + "/" + strconv.Itoa(meter)
}

// Up is published every time the client (re)connects.
func (t Topics) Up() string { return t.base() + suffixUp }

// Dead is the last-will topic.
func (t Topics) Dead() string { return t.base() + suffixDead }

// Status carries STARTUP/HEARTBEAT/SHUTDOWN/RESTART snapshots.
func (t Topics) Status() string { return t.base() + suffixStatus }

// Delivery returns the QoS and retained flag for a metric. Totals are
// retained so a subscriber always sees the latest counter.
func Delivery(metric string) (qos byte, retained bool) {
	switch metric {
	case logic.MetricEnergyTotal, logic.MetricPulsesTotal:
		return 1, true
	default:
		return 0, false
	}
}

// FormatPayload renders a reading as plain decimal text.
func FormatPayload(r logic.Reading) []byte {
	return []byte(r.Value.String())
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT", "RESTART"
	Reason     string // e.g., "SIGTERM", "MQTT_DISCONNECT"
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (UP, DEAD) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}
