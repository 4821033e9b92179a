// Package config loads the YAML configuration of the HTTPS connection server.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root of the configuration file.
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	HTTPS     HTTPSConfig     `yaml:"https" json:"https"`
	Memory    MemoryConfig    `yaml:"memory,omitempty" json:"memory,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty" json:"telemetry,omitempty"`
	Logging   LoggingConfig   `yaml:"logging,omitempty" json:"logging,omitempty"`
}

// ServerConfig configures the listener.
type ServerConfig struct {
	Address         string        `yaml:"address" json:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty" json:"shutdown_timeout,omitempty"`
	// MetricsAddress serves Prometheus metrics and health checks. Empty
	// disables the endpoint.
	MetricsAddress string `yaml:"metrics_address,omitempty" json:"metrics_address,omitempty"`
}

// MemoryConfig sizes the buffer pool and pipe back-pressure.
type MemoryConfig struct {
	MinimumSegmentSize    int `yaml:"minimum_segment_size,omitempty" json:"minimum_segment_size,omitempty"`
	MaximumPooledSize     int `yaml:"maximum_pooled_size,omitempty" json:"maximum_pooled_size,omitempty"`
	PauseWriterThreshold  int `yaml:"pause_writer_threshold,omitempty" json:"pause_writer_threshold,omitempty"`
	ResumeWriterThreshold int `yaml:"resume_writer_threshold,omitempty" json:"resume_writer_threshold,omitempty"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	ServiceName string `yaml:"service_name,omitempty" json:"service_name,omitempty"`
	Endpoint    string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Insecure    bool   `yaml:"insecure,omitempty" json:"insecure,omitempty"`
	CAFile      string `yaml:"ca_file,omitempty" json:"ca_file,omitempty"`
}

// LoggingConfig selects the log level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty" json:"level,omitempty"`
	Format string `yaml:"format,omitempty" json:"format,omitempty"`
}

// Default returns a configuration with every optional field filled in.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8443",
			ShutdownTimeout: 30 * time.Second,
		},
		Memory: MemoryConfig{
			MinimumSegmentSize:    4096,
			MaximumPooledSize:     1 << 20,
			PauseWriterThreshold:  64 * 1024,
			ResumeWriterThreshold: 32 * 1024,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "httpsconn",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the configuration file, expands environment variables, parses
// YAML over the defaults and validates the result.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse([]byte(os.ExpandEnv(string(data))))
	if err != nil {
		return nil, err
	}
	cfg.resolvePaths(filepath.Dir(absPath))
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolvePaths makes relative file paths relative to the configuration file.
func (c *Config) resolvePaths(base string) {
	resolve := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	resolve(&c.HTTPS.CertFile)
	resolve(&c.HTTPS.KeyFile)
	resolve(&c.HTTPS.ClientAuth.CAFile)
	resolve(&c.Telemetry.CAFile)
	for name, sni := range c.HTTPS.SNI {
		resolve(&sni.CertFile)
		resolve(&sni.KeyFile)
		c.HTTPS.SNI[name] = sni
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.HTTPS.Validate(); err != nil {
		return err
	}
	if err := c.Memory.Validate(); err != nil {
		return err
	}
	if err := c.Telemetry.Validate(); err != nil {
		return err
	}
	return c.Logging.Validate()
}

// Validate checks the listener addresses.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		return NewConfigMissingError("server.address").
			WithSuggestion("Use host:port, for example :8443")
	}
	if _, _, err := net.SplitHostPort(c.Address); err != nil {
		return NewConfigValidationError("server.address", c.Address, err.Error())
	}
	if c.MetricsAddress != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddress); err != nil {
			return NewConfigValidationError("server.metrics_address", c.MetricsAddress, err.Error())
		}
	}
	if c.ShutdownTimeout < 0 {
		return NewConfigValidationError("server.shutdown_timeout", c.ShutdownTimeout.String(), "must not be negative")
	}
	return nil
}

// Validate checks the pool sizes and thresholds.
func (c *MemoryConfig) Validate() error {
	if c.MinimumSegmentSize < 0 || c.MaximumPooledSize < 0 {
		return NewConfigValidationError("memory", c, "sizes must not be negative")
	}
	if c.MaximumPooledSize > 0 && c.MinimumSegmentSize > c.MaximumPooledSize {
		return NewConfigValidationError("memory.minimum_segment_size", c.MinimumSegmentSize,
			"cannot exceed maximum_pooled_size")
	}
	if c.PauseWriterThreshold < 0 || c.ResumeWriterThreshold < 0 {
		return NewConfigValidationError("memory", c, "thresholds must not be negative")
	}
	if c.PauseWriterThreshold > 0 && c.ResumeWriterThreshold > c.PauseWriterThreshold {
		return NewConfigValidationError("memory.resume_writer_threshold", c.ResumeWriterThreshold,
			"cannot exceed pause_writer_threshold").
			WithSuggestion("Resume at or below the pause threshold, typically half of it")
	}
	return nil
}

// Validate requires an endpoint when export is enabled.
func (c *TelemetryConfig) Validate() error {
	if c.Enabled && strings.TrimSpace(c.Endpoint) == "" {
		return NewConfigMissingError("telemetry.endpoint").
			WithSuggestion("Set the OTLP gRPC collector address, for example localhost:4317")
	}
	return nil
}

// Validate checks the level and format names.
func (c *LoggingConfig) Validate() error {
	switch strings.ToLower(c.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return NewConfigValidationError("logging.level", c.Level, "expected debug, info, warn or error")
	}
	switch strings.ToLower(c.Format) {
	case "", "json", "text":
	default:
		return NewConfigValidationError("logging.format", c.Format, "expected json or text")
	}
	return nil
}
