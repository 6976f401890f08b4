package cli

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the runtime configuration for pulsed. It can be populated
// from a YAML config file, CLI flags, or both; flags win.
type Config struct {
	// HTTP API bind address.
	HTTPHost string `yaml:"http_host,omitempty"`
	HTTPPort int    `yaml:"http_port,omitempty"`

	// TraceBufferSize is the capacity of the bounded trace log.
	TraceBufferSize int `yaml:"trace_buffer_size,omitempty"`

	// OutcomeCapacity and RequestWindow shape the request aggregator.
	OutcomeCapacity int           `yaml:"outcome_capacity,omitempty"`
	RequestWindow   time.Duration `yaml:"request_window,omitempty"`

	// Collection cadence.
	CollectInterval time.Duration `yaml:"collect_interval,omitempty"`
	CollectTimeout  time.Duration `yaml:"collect_timeout,omitempty"`

	// DBPath enables SQLite trace persistence when set.
	DBPath string `yaml:"db_path,omitempty"`

	// RedisAddr enables the Redis collector when set.
	RedisAddr string `yaml:"redis_addr,omitempty"`
	RedisDB   int    `yaml:"redis_db,omitempty"`

	// LogFile enables the log-file collector when set.
	LogFile string `yaml:"log_file,omitempty"`

	// OTLPEndpoint enables trace forwarding when set.
	OTLPEndpoint       string        `yaml:"otlp_endpoint,omitempty"`
	OTLPExportInterval time.Duration `yaml:"otlp_export_interval,omitempty"`

	// ServiceName names this process in exported traces.
	ServiceName string `yaml:"service_name,omitempty"`

	Verbose bool `yaml:"verbose,omitempty"`
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		HTTPHost:           "127.0.0.1",
		HTTPPort:           8440,
		TraceBufferSize:    500,
		OutcomeCapacity:    1000,
		RequestWindow:      10 * time.Second,
		CollectInterval:    2 * time.Second,
		CollectTimeout:     5 * time.Second,
		OTLPExportInterval: 5 * time.Second,
		ServiceName:        "pulse",
	}
}

// LoadConfigFromFile loads configuration from a YAML file at the given path.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &config, nil
}

// MergeConfigs merges two configs with the overlay taking precedence.
// Zero-valued overlay fields leave the base untouched.
func MergeConfigs(base, overlay *Config) *Config {
	if base == nil {
		base = &Config{}
	}
	if overlay == nil {
		return base
	}

	merged := *base

	if overlay.HTTPHost != "" {
		merged.HTTPHost = overlay.HTTPHost
	}
	if overlay.HTTPPort > 0 {
		merged.HTTPPort = overlay.HTTPPort
	}
	if overlay.TraceBufferSize > 0 {
		merged.TraceBufferSize = overlay.TraceBufferSize
	}
	if overlay.OutcomeCapacity > 0 {
		merged.OutcomeCapacity = overlay.OutcomeCapacity
	}
	if overlay.RequestWindow > 0 {
		merged.RequestWindow = overlay.RequestWindow
	}
	if overlay.CollectInterval > 0 {
		merged.CollectInterval = overlay.CollectInterval
	}
	if overlay.CollectTimeout > 0 {
		merged.CollectTimeout = overlay.CollectTimeout
	}
	if overlay.DBPath != "" {
		merged.DBPath = overlay.DBPath
	}
	if overlay.RedisAddr != "" {
		merged.RedisAddr = overlay.RedisAddr
	}
	if overlay.RedisDB > 0 {
		merged.RedisDB = overlay.RedisDB
	}
	if overlay.LogFile != "" {
		merged.LogFile = overlay.LogFile
	}
	if overlay.OTLPEndpoint != "" {
		merged.OTLPEndpoint = overlay.OTLPEndpoint
	}
	if overlay.OTLPExportInterval > 0 {
		merged.OTLPExportInterval = overlay.OTLPExportInterval
	}
	if overlay.ServiceName != "" {
		merged.ServiceName = overlay.ServiceName
	}
	if overlay.Verbose {
		merged.Verbose = overlay.Verbose
	}

	return &merged
}

// LoadEffectiveConfig layers defaults, then the optional config file.
// Flag overrides are applied afterwards by the command.
func LoadEffectiveConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		fileCfg, err := LoadConfigFromFile(configPath)
		if err != nil {
			return nil, err
		}
		config = MergeConfigs(config, fileCfg)
	}

	return config, nil
}
