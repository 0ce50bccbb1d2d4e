// Package config loads the daemon configuration from a YAML or TOML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/sweeney/pulse-meter/internal/clock"
	"github.com/sweeney/pulse-meter/internal/logic"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete daemon configuration.
type Config struct {
	Device    string `yaml:"device" toml:"device"`
	Namespace string `yaml:"namespace" toml:"namespace"`
	Chip      string `yaml:"chip" toml:"chip"`

	MQTT  MQTTConfig  `yaml:"mqtt" toml:"mqtt"`
	Kafka KafkaConfig `yaml:"kafka" toml:"kafka"`
	Store StoreConfig `yaml:"store" toml:"store"`
	HTTP  HTTPConfig  `yaml:"http" toml:"http"`

	CycleMs        int64 `yaml:"cycle_ms" toml:"cycle_ms"`                 // aggregator interval
	TickMs         int64 `yaml:"tick_ms" toml:"tick_ms"`                   // clock resolution
	DiagMs         int64 `yaml:"diag_ms" toml:"diag_ms"`                   // 0 disables diagnostics
	HeartbeatMs    int64 `yaml:"heartbeat_ms" toml:"heartbeat_ms"`         // 0 disables heartbeats
	RepublishMs    int64 `yaml:"republish_ms" toml:"republish_ms"`         // 0 republishes every cycle
	RestartAfterMs int64 `yaml:"restart_after_ms" toml:"restart_after_ms"` // 0 never restarts

	Meters []MeterConfig `yaml:"meters" toml:"meters"`
}

// MQTTConfig contains broker settings.
type MQTTConfig struct {
	Broker     string `yaml:"broker" toml:"broker"`
	Username   string `yaml:"username" toml:"username"`
	Password   string `yaml:"password" toml:"password"`
	ClientID   string `yaml:"client_id" toml:"client_id"`
	BufferSize int    `yaml:"buffer_size" toml:"buffer_size"`
}

// KafkaConfig enables the optional Kafka sink when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" toml:"brokers"`
	Topic   string   `yaml:"topic" toml:"topic"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // file, sqlite or memory
	Path   string `yaml:"path" toml:"path"`
}

// HTTPConfig configures the status server. An empty Addr disables it.
type HTTPConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	WSPushMs int64  `yaml:"ws_push_ms" toml:"ws_push_ms"`
}

// MeterConfig is one pulse input.
type MeterConfig struct {
	Name          string  `yaml:"name" toml:"name"`
	Pin           int     `yaml:"pin" toml:"pin"`
	MinPulseMs    int64   `yaml:"min_pulse_ms" toml:"min_pulse_ms"`
	PulsesPerUnit float64 `yaml:"pulses_per_unit" toml:"pulses_per_unit"`
	Invert        bool    `yaml:"invert" toml:"invert"`
}

// Default returns the configuration used when no file is given: one meter
// on line 17 at 1000 pulses per kWh.
func Default() Config {
	return Config{
		Device:    "pulse-meter",
		Namespace: "powermeter",
		Chip:      "gpiochip0",
		MQTT: MQTTConfig{
			Broker:     "tcp://192.168.1.200:1883",
			BufferSize: 256,
		},
		Kafka: KafkaConfig{Topic: "pulse-meter.readings"},
		Store: StoreConfig{
			Driver: "file",
			Path:   "/var/lib/pulse-meter/counts.bin",
		},
		HTTP:           HTTPConfig{Addr: ":80", WSPushMs: 1000},
		CycleMs:        100,
		TickMs:         1,
		DiagMs:         60 * 1000,
		HeartbeatMs:    15 * 60 * 1000,
		RepublishMs:    0,
		RestartAfterMs: 10 * 60 * 1000,
		Meters: []MeterConfig{
			{Name: "main", Pin: 17, MinPulseMs: 40, PulsesPerUnit: 1000},
		},
	}
}

// Load reads path over the defaults. The format follows the extension:
// .yaml/.yml or .toml.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	// A meters list in the file replaces the default meter entirely.
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return Config{}, fmt.Errorf("%w: unknown config format %q", ErrInvalid, ext)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the daemon cannot run with.
func (c Config) Validate() error {
	if len(c.Meters) == 0 {
		return fmt.Errorf("%w: no meters configured", ErrInvalid)
	}
	pins := make(map[int]string, len(c.Meters))
	for i, m := range c.Meters {
		if m.Name == "" {
			return fmt.Errorf("%w: meter %d has no name", ErrInvalid, i)
		}
		if m.Pin < 0 {
			return fmt.Errorf("%w: meter %q has negative pin %d", ErrInvalid, m.Name, m.Pin)
		}
		if other, dup := pins[m.Pin]; dup {
			return fmt.Errorf("%w: meters %q and %q share pin %d", ErrInvalid, other, m.Name, m.Pin)
		}
		pins[m.Pin] = m.Name
		if m.MinPulseMs < 0 {
			return fmt.Errorf("%w: meter %q min_pulse_ms must be non-negative", ErrInvalid, m.Name)
		}
		if !(m.PulsesPerUnit > 0) {
			return fmt.Errorf("%w: meter %q pulses_per_unit must be positive", ErrInvalid, m.Name)
		}
	}

	switch c.Store.Driver {
	case "file", "sqlite", "memory":
	default:
		return fmt.Errorf("%w: unknown store driver %q", ErrInvalid, c.Store.Driver)
	}
	if c.Store.Driver != "memory" && c.Store.Path == "" {
		return fmt.Errorf("%w: store path is required for driver %q", ErrInvalid, c.Store.Driver)
	}

	if c.CycleMs <= 0 {
		return fmt.Errorf("%w: cycle_ms must be positive", ErrInvalid)
	}
	if c.TickMs <= 0 {
		return fmt.Errorf("%w: tick_ms must be positive", ErrInvalid)
	}
	for name, v := range map[string]int64{
		"diag_ms":          c.DiagMs,
		"heartbeat_ms":     c.HeartbeatMs,
		"republish_ms":     c.RepublishMs,
		"restart_after_ms": c.RestartAfterMs,
		"http.ws_push_ms":  c.HTTP.WSPushMs,
	} {
		if v < 0 {
			return fmt.Errorf("%w: %s must be non-negative", ErrInvalid, name)
		}
	}

	if c.MQTT.Broker == "" {
		return fmt.Errorf("%w: mqtt.broker is not specified", ErrInvalid)
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("%w: kafka.topic is required when brokers are set", ErrInvalid)
	}
	return nil
}

// MeterConfigs converts the meter list into the core's immutable configs.
func (c Config) MeterConfigs() []logic.Config {
	out := make([]logic.Config, len(c.Meters))
	for i, m := range c.Meters {
		out[i] = logic.Config{
			Name:           m.Name,
			Pin:            m.Pin,
			MinPulseLength: clock.Millis(m.MinPulseMs),
			PulsesPerUnit:  m.PulsesPerUnit,
			Invert:         m.Invert,
		}
	}
	return out
}

// Pins returns the GPIO line offsets in meter order.
func (c Config) Pins() []int {
	out := make([]int, len(c.Meters))
	for i, m := range c.Meters {
		out[i] = m.Pin
	}
	return out
}

// Duration converts a millisecond setting.
func Duration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
