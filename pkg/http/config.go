package http

import (
	"time"

	"callcoach-server/pkg/config"
)

// Config holds the HTTP server configuration
type Config struct {
	// Port is the HTTP server port
	Port int `json:"port"`

	// EnableMetrics exposes the Prometheus endpoint
	EnableMetrics bool `json:"enable_metrics"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `json:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes of the response
	WriteTimeout time.Duration `json:"write_timeout"`

	// IdleTimeout is the maximum amount of time to wait for the next request
	IdleTimeout time.Duration `json:"idle_timeout"`

	// ShutdownTimeout is the maximum duration to wait for the server to shutdown
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// DefaultConfig returns the default HTTP server configuration
func DefaultConfig() *Config {
	return &Config{
		Port:            8000,
		EnableMetrics:   true,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// ConfigFrom converts the loaded HTTP settings
func ConfigFrom(c config.HTTPConfig) *Config {
	cfg := DefaultConfig()
	if c.Port > 0 {
		cfg.Port = c.Port
	}
	cfg.EnableMetrics = c.EnableMetrics
	if c.ReadTimeout > 0 {
		cfg.ReadTimeout = c.ReadTimeout
	}
	if c.WriteTimeout > 0 {
		cfg.WriteTimeout = c.WriteTimeout
	}
	if c.IdleTimeout > 0 {
		cfg.IdleTimeout = c.IdleTimeout
	}
	if c.ShutdownTimeout > 0 {
		cfg.ShutdownTimeout = c.ShutdownTimeout
	}
	return cfg
}
