package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string       `json:"event,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	Device        string       `json:"device"`
	Meters        []MeterJSON  `json:"meters"`
	Cycles        uint64       `json:"cycles"`
	TemperatureC  string       `json:"temperature_c,omitempty"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartTime     string       `json:"start_time"`
	Timestamp     string       `json:"timestamp"`
	MQTT          MQTTStatus   `json:"mqtt"`
	Network       *NetworkJSON `json:"network,omitempty"`
	Config        ConfigJSON   `json:"config"`
}

// MeterJSON is the JSON representation of one meter.
type MeterJSON struct {
	Index      int    `json:"index"`
	Name       string `json:"name"`
	Pin        int    `json:"pin"`
	State      string `json:"state"`
	Total      uint64 `json:"pulses_total"`
	Energy     string `json:"energy_total"`
	Power      string `json:"power,omitempty"`
	Rejected   uint64 `json:"rejected"`
	LastPulse  string `json:"last_pulse,omitempty"`
	StoreError string `json:"store_error,omitempty"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
	Buffered  int    `json:"buffered"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	CycleMs     int64  `json:"cycle_ms"`
	DiagMs      int64  `json:"diag_ms"`
	HeartbeatMs int64  `json:"heartbeat_ms"`
	RepublishMs int64  `json:"republish_ms"`
	Broker      string `json:"broker"`
	StoreDriver string `json:"store_driver"`
	HTTPAddr    string `json:"http_addr"`
}

func buildInner(snap Snapshot) StatusInner {
	meters := make([]MeterJSON, len(snap.Meters))
	for i, m := range snap.Meters {
		meters[i] = MeterJSON{
			Index:      m.Index,
			Name:       m.Name,
			Pin:        m.Pin,
			State:      m.State.String(),
			Total:      m.Total,
			Energy:     m.Energy,
			Power:      m.Power,
			Rejected:   m.Rejected,
			StoreError: m.StoreError,
		}
		if !m.LastPulse.IsZero() {
			meters[i].LastPulse = m.LastPulse.UTC().Format(time.RFC3339)
		}
	}

	return StatusInner{
		Device:        snap.Config.Device,
		Meters:        meters,
		Cycles:        snap.Cycles,
		TemperatureC:  snap.TemperatureC,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT: MQTTStatus{
			Connected: snap.MQTTConnected,
			Broker:    snap.Config.Broker,
			Buffered:  snap.MQTTBuffered,
		},
		Config: ConfigJSON{
			CycleMs:     snap.Config.CycleMs,
			DiagMs:      snap.Config.DiagMs,
			HeartbeatMs: snap.Config.HeartbeatMs,
			RepublishMs: snap.Config.RepublishMs,
			Broker:      snap.Config.Broker,
			StoreDriver: snap.Config.StoreDriver,
			HTTPAddr:    snap.Config.HTTPAddr,
		},
	}
}

func buildNetwork(snap Snapshot, inner *StatusInner) {
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	inner := buildInner(snap)
	buildNetwork(snap, &inner)

	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	buildNetwork(snap, &inner)

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
