package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for PulseGate Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Core      CoreConfig      `yaml:"core"`
	Database  DatabaseConfig  `yaml:"database"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Watchdog  WatchdogConfig  `yaml:"watchdog"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Auth      AuthConfig      `yaml:"auth"`
}

// CoreConfig contains instance-level information.
type CoreConfig struct {
	InstanceID string `yaml:"instance_id"`
	Name       string `yaml:"name"`
	Timezone   string `yaml:"timezone"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// IngestConfig contains telegram validation and reconciliation settings.
//
// The plausibility values are deliberately configuration rather than
// hard-coded: a ceiling that is too low drops legitimate high-flow
// events, one that is too high accepts corrupted counter spikes.
type IngestConfig struct {
	// MaxBodyBytes is the request body ceiling. Telegrams whose declared
	// or actual size exceeds this are rejected before parsing.
	MaxBodyBytes int `yaml:"max_body_bytes"`

	// MaxIdentifierLength bounds the device identifier field.
	MaxIdentifierLength int `yaml:"max_identifier_length"`

	// MaxStringLength bounds every string diagnostic field after sanitisation.
	MaxStringLength int `yaml:"max_string_length"`

	// MaxCounters bounds the number of counter values per telegram.
	MaxCounters int `yaml:"max_counters"`

	// MaxDiagnosticFields bounds the number of carried diagnostic members.
	MaxDiagnosticFields int `yaml:"max_diagnostic_fields"`

	// PlausibilityGrace is the minimum elapsed window (seconds) used when
	// computing the plausibility ceiling, so immediate retries and
	// post-restart bursts are not starved of headroom.
	PlausibilityGrace int `yaml:"plausibility_grace"`

	// Profile assigns channel kinds by telegram position for newly
	// discovered devices. Positions beyond the profile default to
	// generic_pulse.
	Profile []string `yaml:"profile"`

	// ChannelDefaults configures per-kind reconciliation parameters.
	ChannelDefaults map[string]ChannelDefaults `yaml:"channel_defaults"`
}

// ChannelDefaults contains the reconciliation parameters applied to a
// newly created channel of a given kind.
type ChannelDefaults struct {
	// CalibrationFactor is physical units per raw pulse (must be positive).
	CalibrationFactor float64 `yaml:"calibration_factor"`

	// CounterWidthBits is the raw counter width (16 or 32).
	CounterWidthBits int `yaml:"counter_width_bits"`

	// MaxPulsesPerMinute is the device-class maximum flow rate expressed
	// in pulses, used for the plausibility ceiling.
	MaxPulsesPerMinute float64 `yaml:"max_pulses_per_minute"`
}

// WatchdogConfig contains device silence monitoring settings.
type WatchdogConfig struct {
	Enabled bool `yaml:"enabled"`

	// CheckInterval is how often the silence scan runs (seconds).
	CheckInterval int `yaml:"check_interval"`

	// OfflineAfter is the silence window (seconds) after which a device
	// is marked offline.
	OfflineAfter int `yaml:"offline_after"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	TopicPrefix string              `yaml:"topic_prefix"`
	QoS         int                 `yaml:"qos"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
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
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings for the
// ingestion observability sink.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// AuthConfig contains operator API authentication settings.
//
// The ingestion endpoint is never authenticated regardless of these
// settings; metering devices post to an open local-network channel.
type AuthConfig struct {
	Enabled bool `yaml:"enabled"`

	// JWTSecret signs operator access tokens (HS256). Required when enabled.
	JWTSecret string `yaml:"jwt_secret"`

	// AccessTokenTTL is the access token lifetime in minutes.
	AccessTokenTTL int `yaml:"access_token_ttl"`

	// OperatorUsername and OperatorPasswordHash (Argon2id PHC string)
	// form the single operator credential.
	OperatorUsername     string `yaml:"operator_username"`
	OperatorPasswordHash string `yaml:"operator_password_hash"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: PULSEGATE_SECTION_KEY
// For example: PULSEGATE_DATABASE_PATH, PULSEGATE_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default validation and plausibility constants.
const (
	defaultMaxBodyBytes      = 5120
	defaultIdentifierLength  = 64
	defaultStringLength      = 256
	defaultMaxCounters       = 16
	defaultDiagnosticFields  = 32
	defaultPlausibilityGrace = 60
	defaultCounterWidth      = 32
	defaultOfflineAfter      = 86400
	defaultWatchdogInterval  = 900
)

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Core: CoreConfig{
			InstanceID: "pulsegate-001",
			Name:       "PulseGate",
			Timezone:   "UTC",
		},
		Database: DatabaseConfig{
			Path:        "./data/pulsegate.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Ingest: IngestConfig{
			MaxBodyBytes:        defaultMaxBodyBytes,
			MaxIdentifierLength: defaultIdentifierLength,
			MaxStringLength:     defaultStringLength,
			MaxCounters:         defaultMaxCounters,
			MaxDiagnosticFields: defaultDiagnosticFields,
			PlausibilityGrace:   defaultPlausibilityGrace,
			Profile:             []string{"cold_water", "hot_water"},
			ChannelDefaults: map[string]ChannelDefaults{
				"cold_water": {
					CalibrationFactor:  1,
					CounterWidthBits:   defaultCounterWidth,
					MaxPulsesPerMinute: 600,
				},
				"hot_water": {
					CalibrationFactor:  1,
					CounterWidthBits:   defaultCounterWidth,
					MaxPulsesPerMinute: 600,
				},
				"heat": {
					CalibrationFactor:  1,
					CounterWidthBits:   defaultCounterWidth,
					MaxPulsesPerMinute: 600,
				},
				"electricity": {
					CalibrationFactor:  1,
					CounterWidthBits:   defaultCounterWidth,
					MaxPulsesPerMinute: 6000,
				},
				"generic_pulse": {
					CalibrationFactor:  1,
					CounterWidthBits:   defaultCounterWidth,
					MaxPulsesPerMinute: 6000,
				},
			},
		},
		Watchdog: WatchdogConfig{
			Enabled:       true,
			CheckInterval: defaultWatchdogInterval,
			OfflineAfter:  defaultOfflineAfter,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "pulsegate-core",
			},
			TopicPrefix: "pulsegate",
			QoS:         1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8910,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/api/v1/events",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Auth: AuthConfig{
			Enabled:        false,
			AccessTokenTTL: 15,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: PULSEGATE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("PULSEGATE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("PULSEGATE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("PULSEGATE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("PULSEGATE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("PULSEGATE_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("PULSEGATE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("PULSEGATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Auth - JWT secret (always override in production)
	if v := os.Getenv("PULSEGATE_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
}

// validChannelKinds lists the channel kinds accepted in profile and
// channel_defaults entries.
var validChannelKinds = map[string]struct{}{
	"cold_water":    {},
	"hot_water":     {},
	"heat":          {},
	"electricity":   {},
	"generic_pulse": {},
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Core validation
	if c.Core.InstanceID == "" {
		errs = append(errs, "core.instance_id is required")
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// Ingest validation
	if c.Ingest.MaxBodyBytes < 1 {
		errs = append(errs, "ingest.max_body_bytes must be positive")
	}
	if c.Ingest.MaxCounters < 1 {
		errs = append(errs, "ingest.max_counters must be positive")
	}
	if c.Ingest.PlausibilityGrace < 0 {
		errs = append(errs, "ingest.plausibility_grace must not be negative")
	}
	for _, kind := range c.Ingest.Profile {
		if _, ok := validChannelKinds[kind]; !ok {
			errs = append(errs, fmt.Sprintf("ingest.profile: unknown channel kind %q", kind))
		}
	}
	for kind, def := range c.Ingest.ChannelDefaults {
		if _, ok := validChannelKinds[kind]; !ok {
			errs = append(errs, fmt.Sprintf("ingest.channel_defaults: unknown channel kind %q", kind))
			continue
		}
		if def.CalibrationFactor <= 0 {
			errs = append(errs, fmt.Sprintf("ingest.channel_defaults.%s: calibration_factor must be positive", kind))
		}
		if def.CounterWidthBits != 16 && def.CounterWidthBits != 32 {
			errs = append(errs, fmt.Sprintf("ingest.channel_defaults.%s: counter_width_bits must be 16 or 32", kind))
		}
		if def.MaxPulsesPerMinute <= 0 {
			errs = append(errs, fmt.Sprintf("ingest.channel_defaults.%s: max_pulses_per_minute must be positive", kind))
		}
	}

	// Watchdog validation
	if c.Watchdog.Enabled {
		if c.Watchdog.CheckInterval < 1 {
			errs = append(errs, "watchdog.check_interval must be positive")
		}
		if c.Watchdog.OfflineAfter < 1 {
			errs = append(errs, "watchdog.offline_after must be positive")
		}
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled && c.MQTT.TopicPrefix == "" {
		errs = append(errs, "mqtt.topic_prefix is required when mqtt is enabled")
	}

	// API validation
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// Auth validation - only enforced when the operator API is guarded.
	// Weak JWT secrets would let an attacker forge tokens and drive the
	// reset/remove hooks, erasing real consumption history.
	const minJWTSecretLength = 32
	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" {
			errs = append(errs, "auth.jwt_secret is required when auth is enabled (set PULSEGATE_JWT_SECRET environment variable)")
		} else if len(c.Auth.JWTSecret) < minJWTSecretLength {
			errs = append(errs, "auth.jwt_secret must be at least 32 characters for adequate security")
		}
		if c.Auth.OperatorUsername == "" {
			errs = append(errs, "auth.operator_username is required when auth is enabled")
		}
		if c.Auth.OperatorPasswordHash == "" {
			errs = append(errs, "auth.operator_password_hash is required when auth is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
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

// GetPlausibilityGrace returns the plausibility grace window as a Duration.
func (c *Config) GetPlausibilityGrace() time.Duration {
	return time.Duration(c.Ingest.PlausibilityGrace) * time.Second
}

// GetWatchdogInterval returns the silence scan interval as a Duration.
func (c *Config) GetWatchdogInterval() time.Duration {
	return time.Duration(c.Watchdog.CheckInterval) * time.Second
}

// GetOfflineAfter returns the device silence window as a Duration.
func (c *Config) GetOfflineAfter() time.Duration {
	return time.Duration(c.Watchdog.OfflineAfter) * time.Second
}
