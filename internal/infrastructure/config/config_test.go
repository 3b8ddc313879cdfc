package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	content := `
database:
  path: "/tmp/test.db"
  wal_mode: true
  busy_timeout: 5
mqtt:
  broker:
    host: "broker.hivemq.com"
    port: 1883
    client_id: "test-registry"
  qos: 0
api:
  host: "0.0.0.0"
  port: 8080
registry:
  heartbeat_interval: 20s
  offline_timeout_multiplier: 4
  sweep_interval: 5s
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/test.db")
	}
	if cfg.MQTT.Broker.Host != "broker.hivemq.com" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "broker.hivemq.com")
	}
	if cfg.Registry.SweepInterval != 5*time.Second {
		t.Errorf("Registry.SweepInterval = %v, want 5s", cfg.Registry.SweepInterval)
	}
	if got := cfg.Registry.OfflineTimeout(); got != 80*time.Second {
		t.Errorf("OfflineTimeout() = %v, want 80s", got)
	}
	// Unset sections keep their defaults.
	if cfg.Registry.HistoryRetentionDays != 30 {
		t.Errorf("Registry.HistoryRetentionDays = %d, want 30", cfg.Registry.HistoryRetentionDays)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: [yaml: content"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	content := `
database:
  path: ""
registry:
  offline_timeout_multiplier: 0
`
	_, err := Load(writeConfig(t, content))
	if err == nil {
		t.Fatal("Load() expected validation error, got nil")
	}
	for _, want := range []string{"database.path", "offline_timeout_multiplier"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Load() error = %v, want mention of %q", err, want)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	validJWTSecret := "test-secret-key-at-least-32-chars!"

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(c *Config) {}, wantErr: false},
		{name: "with JWT secret", mutate: func(c *Config) { c.Security.JWT.Secret = validJWTSecret }, wantErr: false},
		{name: "missing database path", mutate: func(c *Config) { c.Database.Path = "" }, wantErr: true},
		{name: "invalid QoS", mutate: func(c *Config) { c.MQTT.QoS = 3 }, wantErr: true},
		{name: "missing broker host", mutate: func(c *Config) { c.MQTT.Broker.Host = "" }, wantErr: true},
		{name: "invalid port low", mutate: func(c *Config) { c.API.Port = 0 }, wantErr: true},
		{name: "invalid port high", mutate: func(c *Config) { c.API.Port = 70000 }, wantErr: true},
		{name: "zero heartbeat interval", mutate: func(c *Config) { c.Registry.HeartbeatInterval = 0 }, wantErr: true},
		{name: "zero sweep interval", mutate: func(c *Config) { c.Registry.SweepInterval = 0 }, wantErr: true},
		{name: "negative retention", mutate: func(c *Config) { c.Registry.HistoryRetentionDays = -1 }, wantErr: true},
		{name: "JWT secret too short", mutate: func(c *Config) { c.Security.JWT.Secret = "short" }, wantErr: true},
		{name: "influx enabled without url", mutate: func(c *Config) { c.InfluxDB.Enabled = true }, wantErr: true},
		{name: "redis enabled without addr", mutate: func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.Addr = ""
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := &Config{
		API: APIConfig{
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
	}

	if got := cfg.GetReadTimeout().Seconds(); got != 30 {
		t.Errorf("GetReadTimeout() = %v, want 30", got)
	}
	if got := cfg.GetWriteTimeout().Seconds(); got != 45 {
		t.Errorf("GetWriteTimeout() = %v, want 45", got)
	}
	if got := cfg.GetIdleTimeout().Seconds(); got != 60 {
		t.Errorf("GetIdleTimeout() = %v, want 60", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("IOTDASH_DATABASE_PATH", "/custom/path.db")
	t.Setenv("IOTDASH_MQTT_HOST", "mqtt.example.com")
	t.Setenv("IOTDASH_MQTT_USERNAME", "testuser")
	t.Setenv("IOTDASH_MQTT_PASSWORD", "testpass")
	t.Setenv("IOTDASH_API_HOST", "192.168.1.1")
	t.Setenv("IOTDASH_INFLUXDB_TOKEN", "secret-token")
	t.Setenv("IOTDASH_REDIS_PASSWORD", "redis-pass")
	t.Setenv("IOTDASH_JWT_SECRET", "jwt-secret")

	applyEnvOverrides(cfg)

	checks := []struct {
		field string
		got   string
		want  string
	}{
		{"Database.Path", cfg.Database.Path, "/custom/path.db"},
		{"MQTT.Broker.Host", cfg.MQTT.Broker.Host, "mqtt.example.com"},
		{"MQTT.Auth.Username", cfg.MQTT.Auth.Username, "testuser"},
		{"MQTT.Auth.Password", cfg.MQTT.Auth.Password, "testpass"},
		{"API.Host", cfg.API.Host, "192.168.1.1"},
		{"InfluxDB.Token", cfg.InfluxDB.Token, "secret-token"},
		{"Redis.Password", cfg.Redis.Password, "redis-pass"},
		{"Security.JWT.Secret", cfg.Security.JWT.Secret, "jwt-secret"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %q, want %q", c.field, c.got, c.want)
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Database.Path == "" {
		t.Error("defaultConfig should have non-empty Database.Path")
	}
	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("defaultConfig MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}
	if cfg.MQTT.QoS != 0 {
		t.Errorf("defaultConfig MQTT.QoS = %d, want 0", cfg.MQTT.QoS)
	}
	if got := cfg.Registry.OfflineTimeout(); got != 90*time.Second {
		t.Errorf("defaultConfig OfflineTimeout() = %v, want 90s", got)
	}
	if !cfg.API.Panel.Enabled {
		t.Error("defaultConfig should enable the dashboard panel")
	}
}

// The sample files shipped in configs/ must load as they are.
func TestLoad_ShippedSamples(t *testing.T) {
	t.Setenv("IOTDASH_DEVICE_ID", "")

	cfg, err := Load(filepath.Join("..", "..", "..", "configs", "config.yaml"))
	if err != nil {
		t.Fatalf("Load(config.yaml) error = %v", err)
	}
	if cfg.Redis.TTL != 24*time.Hour || cfg.API.Port != 8080 {
		t.Errorf("config.yaml: redis ttl %v api port %d", cfg.Redis.TTL, cfg.API.Port)
	}

	agent, err := LoadAgent(filepath.Join("..", "..", "..", "configs", "agent.yaml"))
	if err != nil {
		t.Fatalf("LoadAgent(agent.yaml) error = %v", err)
	}
	if agent.MQTT.Broker.ClientID != agent.Device.ID || !agent.MQTT.Reconnect.Disabled {
		t.Errorf("agent.yaml: client id %q reconnect disabled %v", agent.MQTT.Broker.ClientID, agent.MQTT.Reconnect.Disabled)
	}
}

func TestLoadAgent(t *testing.T) {
	content := `
mqtt:
  broker:
    host: "localhost"
    port: 1883
    client_id: "ignored"
device:
  id: "ESP32_SENSOR_001"
  name: "Living Room Sensor"
  location: "Living Room"
timing:
  telemetry_interval: 2s
  heartbeat_interval: 30s
`
	cfg, err := LoadAgent(writeConfig(t, content))
	if err != nil {
		t.Fatalf("LoadAgent() error = %v", err)
	}

	if cfg.MQTT.Broker.ClientID != "ESP32_SENSOR_001" {
		t.Errorf("MQTT.Broker.ClientID = %q, want device id", cfg.MQTT.Broker.ClientID)
	}
	if !cfg.MQTT.Reconnect.Disabled {
		t.Error("MQTT.Reconnect.Disabled = false, want true for agents")
	}
	if !cfg.Device.Capabilities["fan_control"] {
		t.Error("default capabilities should include fan_control")
	}
	if cfg.Timing.ReconnectInterval != 5*time.Second {
		t.Errorf("Timing.ReconnectInterval = %v, want 5s", cfg.Timing.ReconnectInterval)
	}
	if cfg.Timing.TransportProbeInterval != 5*time.Second {
		t.Errorf("Timing.TransportProbeInterval = %v, want 5s", cfg.Timing.TransportProbeInterval)
	}
	if cfg.Device.Simulate.FailureRate != 0 {
		t.Errorf("Device.Simulate.FailureRate = %v, want 0", cfg.Device.Simulate.FailureRate)
	}
}

func TestLoadAgent_SimulatedFailureRate(t *testing.T) {
	content := `
device:
  id: "dev-1"
  name: "Flaky Sensor"
  simulate:
    failure_rate: 0.25
`
	cfg, err := LoadAgent(writeConfig(t, content))
	if err != nil {
		t.Fatalf("LoadAgent() error = %v", err)
	}
	if cfg.Device.Simulate.FailureRate != 0.25 {
		t.Errorf("Device.Simulate.FailureRate = %v, want 0.25", cfg.Device.Simulate.FailureRate)
	}
}

func TestLoadAgent_DeviceIDFromEnv(t *testing.T) {
	t.Setenv("IOTDASH_DEVICE_ID", "env-device")
	content := `
device:
  name: "Sensor"
`
	cfg, err := LoadAgent(writeConfig(t, content))
	if err != nil {
		t.Fatalf("LoadAgent() error = %v", err)
	}
	if cfg.Device.ID != "env-device" {
		t.Errorf("Device.ID = %q, want %q", cfg.Device.ID, "env-device")
	}
}

func TestAgentConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *AgentConfig)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *AgentConfig) {}, wantErr: false},
		{name: "missing id", mutate: func(c *AgentConfig) { c.Device.ID = "" }, wantErr: true},
		{name: "missing name", mutate: func(c *AgentConfig) { c.Device.Name = "" }, wantErr: true},
		{name: "zero tick", mutate: func(c *AgentConfig) { c.Timing.TickInterval = 0 }, wantErr: true},
		{name: "zero probe interval", mutate: func(c *AgentConfig) { c.Timing.TransportProbeInterval = 0 }, wantErr: true},
		{name: "failure rate above one", mutate: func(c *AgentConfig) { c.Device.Simulate.FailureRate = 1.5 }, wantErr: true},
		{name: "negative failure rate", mutate: func(c *AgentConfig) { c.Device.Simulate.FailureRate = -0.1 }, wantErr: true},
		{name: "always failing", mutate: func(c *AgentConfig) { c.Device.Simulate.FailureRate = 1 }, wantErr: false},
		{name: "heartbeat shorter than telemetry", mutate: func(c *AgentConfig) {
			c.Timing.HeartbeatInterval = time.Second
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultAgentConfig()
			cfg.Device.ID = "dev-1"
			cfg.Device.Name = "Device One"
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
