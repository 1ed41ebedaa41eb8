package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// File represents the optional service configuration file
type File struct {
	Logging  LoggingConfig  `yaml:"logging"`
	HTTP     HTTPConfig     `yaml:"http"`
	Session  SessionConfig  `yaml:"session"`
	Pipeline PipelineConfig `yaml:"pipeline"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// HTTPConfig contains status API server configuration
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// SessionConfig contains RTSP session pool settings
type SessionConfig struct {
	Timeout     int `yaml:"timeout"` // seconds
	MaxSessions int `yaml:"max_sessions"`
}

// PipelineConfig contains pipeline runner settings
type PipelineConfig struct {
	Binary string `yaml:"binary"`
}

// DefaultFile returns the configuration used when no file is given
func DefaultFile() *File {
	return &File{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		HTTP: HTTPConfig{
			Enabled: false,
			Address: "127.0.0.1",
			Port:    8080,
		},
		Session: SessionConfig{
			Timeout:     60,
			MaxSessions: 0,
		},
		Pipeline: PipelineConfig{
			Binary: "gst-launch-1.0",
		},
	}
}

// LoadFile reads the configuration file at path over the defaults
func LoadFile(path string) (*File, error) {
	file := DefaultFile()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, file); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := file.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return file, nil
}

// Validate validates every section of the file
func (f *File) Validate() error {
	if err := f.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := f.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := f.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := f.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline config: %w", err)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Output is stdout, stderr or a file path; all are accepted
	return nil
}

// Validate validates status API configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates session configuration
func (s *SessionConfig) Validate() error {
	if s.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", s.Timeout)
	}

	if s.MaxSessions < 0 {
		return fmt.Errorf("max_sessions cannot be negative, got %d", s.MaxSessions)
	}

	return nil
}

// Validate validates pipeline configuration
func (p *PipelineConfig) Validate() error {
	if p.Binary == "" {
		return fmt.Errorf("binary cannot be empty")
	}
	return nil
}

// GetTimeoutDuration returns the session timeout as a time.Duration
func (s *SessionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

// ListenAddress returns host:port of the status API
func (h *HTTPConfig) ListenAddress() string {
	return fmt.Sprintf("%s:%d", h.Address, h.Port)
}
