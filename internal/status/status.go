// Package status provides a thread-safe status tracker for the pulse-meter daemon.
// It is written by the run loop and read by HTTP handlers and MQTT status events.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/pulse-meter/internal/logic"
)

// NetworkInfo contains network state. This is a local copy to avoid
// importing internal/mqtt from status.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	Device      string
	CycleMs     int64
	DiagMs      int64
	HeartbeatMs int64
	RepublishMs int64
	Broker      string
	StoreDriver string
	HTTPAddr    string
}

// Meter is the displayed state of one meter.
type Meter struct {
	Index      int
	Name       string
	Pin        int
	State      logic.State
	Total      uint64
	Energy     string
	Power      string // empty until the first power sample
	Rejected   uint64
	LastPulse  time.Time // zero until a pulse is seen
	StoreError string    // last store error, cleared on success
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type and safe to use after the lock is released.
type Snapshot struct {
	Meters        []Meter
	Cycles        uint64
	TemperatureC  string
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	MQTTBuffered  int
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
	now  func() time.Time
}

// NewTracker creates a Tracker for the given meters.
func NewTracker(startTime time.Time, cfg Config, meters []logic.Config) *Tracker {
	ms := make([]Meter, len(meters))
	for i, m := range meters {
		ms[i] = Meter{Index: i, Name: m.Name, Pin: m.Pin, Energy: "0"}
	}
	return &Tracker{
		snap: Snapshot{
			Meters:    ms,
			StartTime: startTime,
			Config:    cfg,
		},
		now: time.Now,
	}
}

// Update folds one aggregator cycle into the tracked state.
// Called from runLoop after every cycle.
func (t *Tracker) Update(rep logic.CycleReport) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	t.snap.Cycles++
	for _, mr := range rep.Meters {
		if mr.Meter < 0 || mr.Meter >= len(t.snap.Meters) {
			continue
		}
		m := &t.snap.Meters[mr.Meter]
		m.State = mr.State
		m.Total = mr.Total
		m.Energy = mr.Energy.String()
		m.Rejected = mr.Rejected
		if mr.Power != nil {
			m.Power = mr.Power.String()
		}
		if mr.Drained > 0 {
			m.LastPulse = now
		}
		switch {
		case mr.StoreErr != nil:
			m.StoreError = mr.StoreErr.Error()
		case mr.Persisted:
			m.StoreError = ""
		}
	}
}

// SetTemperature records the last sampled host temperature.
func (t *Tracker) SetTemperature(celsius string) {
	t.mu.Lock()
	t.snap.TemperatureC = celsius
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetMQTTBuffered sets the number of messages waiting for the broker.
func (t *Tracker) SetMQTTBuffered(n int) {
	t.mu.Lock()
	t.snap.MQTTBuffered = n
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	s.Meters = append([]Meter(nil), t.snap.Meters...)
	t.mu.RUnlock()
	s.Now = t.now()
	return s
}
