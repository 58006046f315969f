package config

import (
	"encoding/json"
	"errors"
	"time"
)

// Config represents the main solo configuration
type Config struct {
	// Root directory holding session files
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Session selects the default session
	Session SessionConfig `json:"session" mapstructure:"session"`

	// EventHandler names the handler a newly created session is bound to
	EventHandler string `json:"event_handler" mapstructure:"event_handler"`

	// Handlers declares the event handlers this installation can run
	Handlers []HandlerConfig `json:"handlers" mapstructure:"handlers"`

	Lock    LockConfig    `json:"lock" mapstructure:"lock"`
	IPC     IPCConfig     `json:"ipc" mapstructure:"ipc"`
	Storage StorageConfig `json:"storage" mapstructure:"storage"`
	Worker  WorkerConfig  `json:"worker" mapstructure:"worker"`
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`
}

// SessionConfig holds session identity settings
type SessionConfig struct {
	Name string `json:"name" mapstructure:"name"`
}

// HandlerConfig declares a script-backed event handler
type HandlerConfig struct {
	Name      string `json:"name" mapstructure:"name"`
	Script    string `json:"script" mapstructure:"script"`
	TimeoutMs int    `json:"timeout_ms" mapstructure:"timeout_ms"`
}

// Timeout bounds one script run; zero means no limit
func (c HandlerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// LockConfig holds session lock timings
type LockConfig struct {
	PollIntervalMs int `json:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	BusyWarningMs  int `json:"busy_warning_ms" mapstructure:"busy_warning_ms"`
	BusyRepeatMs   int `json:"busy_repeat_ms" mapstructure:"busy_repeat_ms"`
}

// IPCConfig holds worker channel settings
type IPCConfig struct {
	ConnectAttempts int `json:"connect_attempts" mapstructure:"connect_attempts"`
	RetryIntervalMs int `json:"retry_interval_ms" mapstructure:"retry_interval_ms"`
	CallTimeoutMs   int `json:"call_timeout_ms" mapstructure:"call_timeout_ms"`
}

// StorageConfig controls where session payloads are written
type StorageConfig struct {
	Mode   string `json:"mode" mapstructure:"mode"` // inline, external
	Driver string `json:"driver" mapstructure:"driver"`
	DSN    string `json:"dsn" mapstructure:"dsn"`
	Table  string `json:"table" mapstructure:"table"`
}

// WorkerConfig holds worker runtime settings
type WorkerConfig struct {
	SaveSchedule string `json:"save_schedule" mapstructure:"save_schedule"`
	Binary       string `json:"binary" mapstructure:"binary"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// MetricsConfig toggles the worker's /metrics endpoint
type MetricsConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
}

// TracingConfig toggles OpenTelemetry spans
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Session: SessionConfig{Name: "default"},
		Lock: LockConfig{
			PollIntervalMs: 100,
			BusyWarningMs:  1000,
			BusyRepeatMs:   5000,
		},
		IPC: IPCConfig{
			ConnectAttempts: 30,
			RetryIntervalMs: 1000,
			CallTimeoutMs:   10000,
		},
		Storage: StorageConfig{
			Mode:   "inline",
			Driver: "sqlite3",
			Table:  "session_payloads",
		},
		Worker: WorkerConfig{
			SaveSchedule: "@every 1m",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			MaxSize:   20,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Metrics: MetricsConfig{Enabled: true},
		Tracing: TracingConfig{ServiceName: "solo"},
	}
}

// PollInterval is the lock retry interval
func (c LockConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// BusyWarning is how long a lock wait lasts before the first warning
func (c LockConfig) BusyWarning() time.Duration {
	return time.Duration(c.BusyWarningMs) * time.Millisecond
}

// BusyRepeat is the interval between later warnings
func (c LockConfig) BusyRepeat() time.Duration {
	return time.Duration(c.BusyRepeatMs) * time.Millisecond
}

// RetryInterval is the wait between connect attempts
func (c IPCConfig) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalMs) * time.Millisecond
}

// CallTimeout bounds a single request to the worker
func (c IPCConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutMs) * time.Millisecond
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	return errors.Join(NewValidator().ValidateConfig(c)...)
}
