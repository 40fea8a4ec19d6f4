// Package config manages rdmarun daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete rdmarun configuration.
type Config struct {
	Device   DeviceConfig     `koanf:"device"`
	Control  ControlConfig    `koanf:"control"`
	Metrics  MetricsConfig    `koanf:"metrics"`
	Log      LogConfig        `koanf:"log"`
	Executor ExecutorConfig   `koanf:"executor"`
	Endpoints []EndpointConfig `koanf:"endpoints"`
}

// DeviceConfig selects the network interface the runtime pins memory
// against, per spec.md §3's device abstraction.
type DeviceConfig struct {
	// Interface is the device name to open, e.g. "eth0".
	Interface string `koanf:"interface"`
}

// ControlConfig holds the control-channel and RDMA data-plane listen
// addresses, spec.md §6's default ports.
type ControlConfig struct {
	// ControlPort is the TCP port the control channel listens on.
	ControlPort int `koanf:"control_port"`
	// DataPort is the RDMA data-plane port the Provider listens on.
	DataPort int `koanf:"data_port"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// ExecutorConfig holds the default Executor timeouts. These map directly
// onto executor.Config; see spec.md §4.4 for the behavior each one bounds.
type ExecutorConfig struct {
	StartupTimeout        time.Duration `koanf:"startup_timeout"`
	OperationTimeout       time.Duration `koanf:"operation_timeout"`
	ConnectionTimeout      time.Duration `koanf:"connection_timeout"`
	RequestedStateTimeout  time.Duration `koanf:"requested_state_timeout"`
}

// EndpointConfig describes a declarative endpoint from the configuration
// file. Each entry registers one (path, op) endpoint with a freshly
// allocated buffer of SizeBytes on daemon startup.
type EndpointConfig struct {
	// Path identifies the endpoint, spec.md §6's endpoint-id path component.
	Path string `koanf:"path"`

	// Op is the endpoint's operation kind: "send", "receive", "write", or
	// "read".
	Op string `koanf:"op"`

	// SizeBytes is the endpoint buffer's size in bytes.
	SizeBytes int `koanf:"size_bytes"`
}

// Key returns a unique identifier for the endpoint based on (path, op).
// Used by validateEndpoints to detect duplicate endpoints.
func (ec EndpointConfig) Key() string {
	return ec.Path + "|" + ec.Op
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
//
// Port defaults follow spec.md §6: the control channel listens on 41007,
// the RDMA data plane on 41008.
func DefaultConfig() *Config {
	return &Config{
		Control: ControlConfig{
			ControlPort: 41007,
			DataPort:    41008,
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Executor: ExecutorConfig{
			StartupTimeout:        5 * time.Second,
			OperationTimeout:      5 * time.Second,
			ConnectionTimeout:     5 * time.Second,
			RequestedStateTimeout: 5 * time.Second,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for rdmarun configuration.
// Variables are named RDMARUN_<section>_<key>, e.g., RDMARUN_CONTROL_CONTROL_PORT.
const envPrefix = "RDMARUN_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (RDMARUN_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	RDMARUN_DEVICE_INTERFACE    -> device.interface
//	RDMARUN_CONTROL_CONTROL_PORT -> control.control_port
//	RDMARUN_CONTROL_DATA_PORT    -> control.data_port
//	RDMARUN_LOG_LEVEL           -> log.level
//	RDMARUN_LOG_FORMAT          -> log.format
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms RDMARUN_CONTROL_CONTROL_PORT -> control.control_port.
// Strips the RDMARUN_ prefix, lowercases, and replaces the first _ (the
// section separator) with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"device.interface":                 defaults.Device.Interface,
		"control.control_port":             defaults.Control.ControlPort,
		"control.data_port":                defaults.Control.DataPort,
		"metrics.addr":                     defaults.Metrics.Addr,
		"metrics.path":                     defaults.Metrics.Path,
		"log.level":                        defaults.Log.Level,
		"log.format":                       defaults.Log.Format,
		"executor.startup_timeout":         defaults.Executor.StartupTimeout.String(),
		"executor.operation_timeout":       defaults.Executor.OperationTimeout.String(),
		"executor.connection_timeout":      defaults.Executor.ConnectionTimeout.String(),
		"executor.requested_state_timeout": defaults.Executor.RequestedStateTimeout.String(),
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyDeviceInterface indicates the device interface is empty.
	ErrEmptyDeviceInterface = errors.New("device.interface must not be empty")

	// ErrInvalidControlPort indicates the control port is out of range.
	ErrInvalidControlPort = errors.New("control.control_port must be between 1 and 65535")

	// ErrInvalidDataPort indicates the data port is out of range.
	ErrInvalidDataPort = errors.New("control.data_port must be between 1 and 65535")

	// ErrInvalidEndpointPath indicates an endpoint has an empty path.
	ErrInvalidEndpointPath = errors.New("endpoint path must not be empty")

	// ErrInvalidEndpointOp indicates an endpoint has an unrecognized op.
	ErrInvalidEndpointOp = errors.New("endpoint op must be one of send, receive, write, read")

	// ErrInvalidEndpointSize indicates an endpoint's buffer size is zero or negative.
	ErrInvalidEndpointSize = errors.New("endpoint size_bytes must be > 0")

	// ErrDuplicateEndpointKey indicates two endpoints share the same (path, op) key.
	ErrDuplicateEndpointKey = errors.New("duplicate endpoint key")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Device.Interface == "" {
		return ErrEmptyDeviceInterface
	}

	if cfg.Control.ControlPort < 1 || cfg.Control.ControlPort > 65535 {
		return ErrInvalidControlPort
	}

	if cfg.Control.DataPort < 1 || cfg.Control.DataPort > 65535 {
		return ErrInvalidDataPort
	}

	if err := validateEndpoints(cfg.Endpoints); err != nil {
		return err
	}

	return nil
}

// ValidEndpointOps lists the recognized endpoint op strings.
var ValidEndpointOps = map[string]bool{
	"send":    true,
	"receive": true,
	"write":   true,
	"read":    true,
}

// validateEndpoints checks each declarative endpoint entry for correctness.
func validateEndpoints(endpoints []EndpointConfig) error {
	seen := make(map[string]struct{}, len(endpoints))

	for i, ec := range endpoints {
		if ec.Path == "" {
			return fmt.Errorf("endpoints[%d]: %w", i, ErrInvalidEndpointPath)
		}

		if !ValidEndpointOps[ec.Op] {
			return fmt.Errorf("endpoints[%d] op %q: %w", i, ec.Op, ErrInvalidEndpointOp)
		}

		if ec.SizeBytes <= 0 {
			return fmt.Errorf("endpoints[%d]: %w", i, ErrInvalidEndpointSize)
		}

		key := ec.Key()
		if _, dup := seen[key]; dup {
			return fmt.Errorf("endpoints[%d] key %q: %w", i, key, ErrDuplicateEndpointKey)
		}
		seen[key] = struct{}{}
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
