package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"
)

var sessionNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateSessionName rejects names that would escape the data directory
func (v *Validator) ValidateSessionName(name string) error {
	if name == "" {
		return fmt.Errorf("session name cannot be empty")
	}
	if !sessionNamePattern.MatchString(name) || strings.Contains(name, "..") {
		return fmt.Errorf("invalid session name %q (letters, digits, '.', '_' and '-' only)", name)
	}
	return nil
}

// ValidateSchedule parses a cron spec the way the worker scheduler does
func (v *Validator) ValidateSchedule(spec string) error {
	if spec == "" {
		return nil // Periodic save disabled
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid save schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateStorageMode validates the payload storage mode
func (v *Validator) ValidateStorageMode(mode string) error {
	switch mode {
	case "", "inline", "external":
		return nil
	}
	return fmt.Errorf("invalid storage mode: %s (must be one of: inline, external)", mode)
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	if err := v.ValidateSessionName(cfg.Session.Name); err != nil {
		errs = append(errs, err)
	}

	if cfg.Lock.PollIntervalMs <= 0 {
		errs = append(errs, fmt.Errorf("lock.poll_interval_ms must be > 0"))
	}
	if cfg.Lock.BusyWarningMs < 0 || cfg.Lock.BusyRepeatMs < 0 {
		errs = append(errs, fmt.Errorf("lock busy warning intervals must be >= 0"))
	}

	if cfg.IPC.ConnectAttempts <= 0 {
		errs = append(errs, fmt.Errorf("ipc.connect_attempts must be > 0"))
	}
	if cfg.IPC.RetryIntervalMs < 0 {
		errs = append(errs, fmt.Errorf("ipc.retry_interval_ms must be >= 0"))
	}
	if cfg.IPC.CallTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("ipc.call_timeout_ms must be >= 0"))
	}

	if err := v.ValidateStorageMode(cfg.Storage.Mode); err != nil {
		errs = append(errs, err)
	}
	if cfg.Storage.Mode == "external" {
		if cfg.Storage.Driver != "sqlite3" {
			errs = append(errs, fmt.Errorf("unsupported storage driver: %s", cfg.Storage.Driver))
		}
		if strings.TrimSpace(cfg.Storage.Table) == "" {
			errs = append(errs, fmt.Errorf("storage.table is required in external mode"))
		}
	}

	seen := make(map[string]bool, len(cfg.Handlers))
	for i, h := range cfg.Handlers {
		name := strings.TrimSpace(h.Name)
		switch {
		case name == "":
			errs = append(errs, fmt.Errorf("handlers[%d]: name is required", i))
		case name == "log":
			errs = append(errs, fmt.Errorf("handlers[%d]: %q is a built-in handler", i, name))
		case seen[name]:
			errs = append(errs, fmt.Errorf("handlers[%d]: duplicate handler %q", i, name))
		}
		seen[name] = true
		if strings.TrimSpace(h.Script) == "" {
			errs = append(errs, fmt.Errorf("handlers[%d]: script is required", i))
		}
		if h.TimeoutMs < 0 {
			errs = append(errs, fmt.Errorf("handlers[%d]: timeout_ms must be >= 0", i))
		}
	}

	if err := v.ValidateSchedule(cfg.Worker.SaveSchedule); err != nil {
		errs = append(errs, err)
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	return errs
}
