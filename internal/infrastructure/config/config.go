package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the registry server.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Redis     RedisConfig     `yaml:"redis"`
	Logging   LoggingConfig   `yaml:"logging"`
	Registry  RegistryConfig  `yaml:"registry"`
	Security  SecurityConfig  `yaml:"security"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
//
// Disabled turns off the client library's own reconnect loop. The device
// agent sets it because its state machine owns reconnection.
type MQTTReconnectConfig struct {
	Disabled     bool `yaml:"disabled"`
	InitialDelay int  `yaml:"initial_delay"`
	MaxDelay     int  `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
	Panel    PanelConfig      `yaml:"panel"`
}

// PanelConfig controls the built-in web dashboard.
// Dir serves assets from disk instead of the embedded copy.
type PanelConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// RedisConfig contains settings for the latest-reading cache.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// RegistryConfig contains device lifecycle settings.
type RegistryConfig struct {
	// HeartbeatInterval is the interval devices are expected to send heartbeats at.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// OfflineTimeoutMultiplier scales HeartbeatInterval into the offline timeout.
	OfflineTimeoutMultiplier int `yaml:"offline_timeout_multiplier"`

	// SweepInterval is how often the heartbeat monitor looks for stale devices.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// HistoryRetentionDays bounds stored readings and commands. 0 keeps everything.
	HistoryRetentionDays int `yaml:"history_retention_days"`
}

// OfflineTimeout returns the silence after which an online device is demoted.
func (r RegistryConfig) OfflineTimeout() time.Duration {
	return time.Duration(r.OfflineTimeoutMultiplier) * r.HeartbeatInterval
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings.
// An empty secret leaves operator endpoints unauthenticated.
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

const minJWTSecretLength = 32

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: IOTDASH_SECTION_KEY
// For example: IOTDASH_DATABASE_PATH, IOTDASH_MQTT_HOST
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if err := readYAML(path, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func readYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:        "./data/iotdash.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: defaultMQTT("iotdash-registry"),
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
			Panel: PanelConfig{Enabled: true},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
			TTL:  24 * time.Hour,
		},
		Logging: defaultLogging(),
		Registry: RegistryConfig{
			HeartbeatInterval:        30 * time.Second,
			OfflineTimeoutMultiplier: 3,
			SweepInterval:            10 * time.Second,
			HistoryRetentionDays:     30,
		},
	}
}

func defaultMQTT(clientID string) MQTTConfig {
	return MQTTConfig{
		Broker: MQTTBrokerConfig{
			Host:     "localhost",
			Port:     1883,
			ClientID: clientID,
		},
		QoS: 0,
		Reconnect: MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     60,
		},
	}
}

func defaultLogging() LoggingConfig {
	return LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("IOTDASH_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	applyMQTTEnv(&cfg.MQTT)

	if v := os.Getenv("IOTDASH_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("IOTDASH_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
	if v := os.Getenv("IOTDASH_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("IOTDASH_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

func applyMQTTEnv(m *MQTTConfig) {
	if v := os.Getenv("IOTDASH_MQTT_HOST"); v != "" {
		m.Broker.Host = v
	}
	if v := os.Getenv("IOTDASH_MQTT_USERNAME"); v != "" {
		m.Auth.Username = v
	}
	if v := os.Getenv("IOTDASH_MQTT_PASSWORD"); v != "" {
		m.Auth.Password = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	errs = append(errs, validateMQTT(c.MQTT)...)

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.Registry.HeartbeatInterval <= 0 {
		errs = append(errs, "registry.heartbeat_interval must be positive")
	}
	if c.Registry.OfflineTimeoutMultiplier < 1 {
		errs = append(errs, "registry.offline_timeout_multiplier must be at least 1")
	}
	if c.Registry.SweepInterval <= 0 {
		errs = append(errs, "registry.sweep_interval must be positive")
	}
	if c.Registry.HistoryRetentionDays < 0 {
		errs = append(errs, "registry.history_retention_days must not be negative")
	}

	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required when redis is enabled")
	}

	if s := c.Security.JWT.Secret; s != "" && len(s) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func validateMQTT(m MQTTConfig) []string {
	var errs []string
	if m.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if m.Broker.Port < 1 || m.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if m.QoS < 0 || m.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	return errs
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
