// Package config loads the emstat configuration file. Every field is
// optional; the Get* methods supply defaults for anything left out.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/emstat/internal/monitoring"
	"github.com/banshee-data/emstat/internal/mscript"
	"github.com/banshee-data/emstat/internal/serialmux"
	"github.com/banshee-data/emstat/internal/session"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/emstat.defaults.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the root configuration. The JSON and YAML keys are the same.
type Config struct {
	// Serial port
	Port        *string `json:"port,omitempty" yaml:"port,omitempty"`
	BaudRate    *int    `json:"baud_rate,omitempty" yaml:"baud_rate,omitempty"`
	DataBits    *int    `json:"data_bits,omitempty" yaml:"data_bits,omitempty"`
	StopBits    *int    `json:"stop_bits,omitempty" yaml:"stop_bits,omitempty"`
	Parity      *string `json:"parity,omitempty" yaml:"parity,omitempty"`
	ReadTimeout *string `json:"read_timeout,omitempty" yaml:"read_timeout,omitempty"` // duration string like "16ms"

	// Session
	HandshakeDelay       *string  `json:"handshake_delay,omitempty" yaml:"handshake_delay,omitempty"`
	VerifyTimeout        *string  `json:"verify_timeout,omitempty" yaml:"verify_timeout,omitempty"`
	DeviceSignatures     []string `json:"device_signatures,omitempty" yaml:"device_signatures,omitempty"`
	ContinueAfterLoopEnd *bool    `json:"continue_after_loop_end,omitempty" yaml:"continue_after_loop_end,omitempty"`
	EventBuffer          *int     `json:"event_buffer,omitempty" yaml:"event_buffer,omitempty"`

	// Server
	DBPath   *string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
	Listen   *string `json:"listen,omitempty" yaml:"listen,omitempty"`
	LogLevel *string `json:"log_level,omitempty" yaml:"log_level,omitempty"`
}

// Empty returns a Config with every field unset.
func Empty() *Config {
	return &Config{}
}

// Load reads a .json, .yaml or .yml file. Fields omitted from the file keep
// their defaults, so partial configs are safe.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", cleanPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents. Panics if the file cannot be loaded, intended
// for test setup.
func MustLoadDefaultConfig() *Config {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/config/
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := Load(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	if _, err := c.SerialOptions().Normalize(); err != nil {
		return err
	}

	durations := []struct {
		key   string
		value *string
	}{
		{"read_timeout", c.ReadTimeout},
		{"handshake_delay", c.HandshakeDelay},
		{"verify_timeout", c.VerifyTimeout},
	}
	for _, d := range durations {
		if d.value == nil || *d.value == "" {
			continue
		}
		v, err := time.ParseDuration(*d.value)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.key, *d.value, err)
		}
		if v < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", d.key, v)
		}
	}

	if c.EventBuffer != nil && *c.EventBuffer < 0 {
		return fmt.Errorf("event_buffer must be non-negative, got %d", *c.EventBuffer)
	}
	for _, sig := range c.DeviceSignatures {
		if strings.TrimSpace(sig) == "" {
			return fmt.Errorf("device_signatures must not contain empty entries")
		}
	}
	if c.LogLevel != nil {
		if _, err := monitoring.ParseLevel(*c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

func duration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func stringOr(v *string, def string) string {
	if v == nil || *v == "" {
		return def
	}
	return *v
}

// GetPort returns the serial device path, empty when unset.
func (c *Config) GetPort() string { return stringOr(c.Port, "") }

func (c *Config) GetReadTimeout() time.Duration {
	return duration(c.ReadTimeout, serialmux.DefaultReadTimeout)
}

func (c *Config) GetHandshakeDelay() time.Duration {
	return duration(c.HandshakeDelay, session.DefaultHandshakeDelay)
}

func (c *Config) GetVerifyTimeout() time.Duration {
	return duration(c.VerifyTimeout, session.DefaultVerifyTimeout)
}

func (c *Config) GetDeviceSignatures() []string {
	if len(c.DeviceSignatures) == 0 {
		return mscript.DefaultSignatures
	}
	return c.DeviceSignatures
}

func (c *Config) GetContinueAfterLoopEnd() bool {
	return c.ContinueAfterLoopEnd != nil && *c.ContinueAfterLoopEnd
}

func (c *Config) GetEventBuffer() int {
	return intOr(c.EventBuffer, session.DefaultEventBuffer)
}

func (c *Config) GetDBPath() string   { return stringOr(c.DBPath, "emstat.db") }
func (c *Config) GetListen() string   { return stringOr(c.Listen, ":8080") }
func (c *Config) GetLogLevel() string { return stringOr(c.LogLevel, "") }

// SerialOptions returns the port settings. Unset fields are left zero for
// PortOptions.Normalize to fill in.
func (c *Config) SerialOptions() serialmux.PortOptions {
	return serialmux.PortOptions{
		BaudRate:    intOr(c.BaudRate, 0),
		DataBits:    intOr(c.DataBits, 0),
		StopBits:    intOr(c.StopBits, 0),
		Parity:      stringOr(c.Parity, ""),
		ReadTimeout: c.GetReadTimeout(),
	}
}

// SessionOptions returns the session settings. The clock is left to the
// caller.
func (c *Config) SessionOptions() session.Options {
	return session.Options{
		HandshakeDelay:       c.GetHandshakeDelay(),
		VerifyTimeout:        c.GetVerifyTimeout(),
		Signatures:           c.GetDeviceSignatures(),
		ContinueAfterLoopEnd: c.GetContinueAfterLoopEnd(),
		EventBuffer:          c.GetEventBuffer(),
	}
}
