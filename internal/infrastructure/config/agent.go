package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// AgentConfig is the root configuration structure for a field device agent.
type AgentConfig struct {
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Device  DeviceConfig  `yaml:"device"`
	Timing  TimingConfig  `yaml:"timing"`
	Logging LoggingConfig `yaml:"logging"`
}

// DeviceConfig describes the identity the agent registers with.
type DeviceConfig struct {
	ID           string          `yaml:"id"`
	Name         string          `yaml:"name"`
	Type         string          `yaml:"type"`
	Location     string          `yaml:"location"`
	Capabilities map[string]bool `yaml:"capabilities"`
	Simulate     SimulateConfig  `yaml:"simulate"`
}

// SimulateConfig tunes the simulated sensors of the mock device.
type SimulateConfig struct {
	// FailureRate is the probability in [0, 1] that a sensor read fails.
	FailureRate float64 `yaml:"failure_rate"`
}

// TimingConfig contains the agent loop cadences.
type TimingConfig struct {
	TelemetryInterval time.Duration `yaml:"telemetry_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	TickInterval      time.Duration `yaml:"tick_interval"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`

	// TransportProbeInterval is how often a live link is re-checked.
	TransportProbeInterval time.Duration `yaml:"transport_probe_interval"`
}

// LoadAgent reads an agent configuration file. Loading order matches Load.
//
// The bus client identity is always the device ID.
func LoadAgent(path string) (*AgentConfig, error) {
	cfg := defaultAgentConfig()

	if err := readYAML(path, cfg); err != nil {
		return nil, err
	}

	applyAgentEnvOverrides(cfg)
	cfg.MQTT.Broker.ClientID = cfg.Device.ID
	cfg.MQTT.Reconnect.Disabled = true

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func defaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		MQTT: defaultMQTT(""),
		Device: DeviceConfig{
			Type: "sensor_controller",
			Capabilities: map[string]bool{
				"temperature": true,
				"humidity":    true,
				"led_control": true,
				"fan_control": true,
			},
		},
		Timing: TimingConfig{
			TelemetryInterval: 2 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			ReconnectInterval: 5 * time.Second,
			TickInterval:      100 * time.Millisecond,
			ConnectTimeout:    10 * time.Second,

			TransportProbeInterval: 5 * time.Second,
		},
		Logging: defaultLogging(),
	}
}

func applyAgentEnvOverrides(cfg *AgentConfig) {
	applyMQTTEnv(&cfg.MQTT)
	if v := os.Getenv("IOTDASH_DEVICE_ID"); v != "" {
		cfg.Device.ID = v
	}
}

// Validate checks the agent configuration for errors.
func (c *AgentConfig) Validate() error {
	var errs []string

	errs = append(errs, validateMQTT(c.MQTT)...)

	if c.Device.ID == "" {
		errs = append(errs, "device.id is required (set IOTDASH_DEVICE_ID environment variable)")
	}
	if c.Device.Name == "" {
		errs = append(errs, "device.name is required")
	}
	if c.Device.Type == "" {
		errs = append(errs, "device.type is required")
	}

	t := c.Timing
	if t.TelemetryInterval <= 0 || t.HeartbeatInterval <= 0 || t.ReconnectInterval <= 0 ||
		t.TickInterval <= 0 || t.ConnectTimeout <= 0 || t.TransportProbeInterval <= 0 {
		errs = append(errs, "timing intervals must be positive")
	}
	if t.HeartbeatInterval < t.TelemetryInterval {
		errs = append(errs, "timing.heartbeat_interval must not be shorter than timing.telemetry_interval")
	}

	if r := c.Device.Simulate.FailureRate; r < 0 || r > 1 {
		errs = append(errs, "device.simulate.failure_rate must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
