// Package config loads and persists the chatrelay configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds the settings shared by the server daemon and the clients.
type Config struct {
	// PreferredPorts are tried in order before the ephemeral fallback.
	PreferredPorts []int `json:"preferred_ports"`
	// LockPath is where the bound port is published for rendezvous.
	LockPath string `json:"lock_path"`
	// PIDPath records the serve daemon's PID for status/stop tooling.
	PIDPath string `json:"pid_path"`

	RequestTimeoutSeconds int `json:"request_timeout_seconds"`
	DialTimeoutSeconds    int `json:"dial_timeout_seconds"`
	ReconnectDelaySeconds int `json:"reconnect_delay_seconds"`
	MaxReconnectAttempts  int `json:"max_reconnect_attempts"`
	MaxSendAttempts       int `json:"max_send_attempts"`

	LogLevel string `json:"log_level"`
	LogPath  string `json:"log_path"`
}

// DefaultConfig returns the built-in defaults. Paths live under the user's
// home directory, matching the lock record convention.
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		PreferredPorts:        []int{8765, 8766, 8767, 8768, 8769},
		LockPath:              filepath.Join(home, ".chatrelay-lock"),
		PIDPath:               filepath.Join(home, ".chatrelay.pid"),
		RequestTimeoutSeconds: 30,
		DialTimeoutSeconds:    5,
		ReconnectDelaySeconds: 2,
		MaxReconnectAttempts:  5,
		MaxSendAttempts:       3,
		LogLevel:              "info",
		LogPath:               filepath.Join(home, ".config", "chatrelay", "chatrelay.log"),
	}
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".config", "chatrelay", "config.json")
}

// Load reads the config at path, applying defaults for anything unset. A
// missing file yields the defaults without error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults backfills zero values after an explicit file load.
func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if len(c.PreferredPorts) == 0 {
		c.PreferredPorts = def.PreferredPorts
	}
	if c.LockPath == "" {
		c.LockPath = def.LockPath
	}
	if c.PIDPath == "" {
		c.PIDPath = def.PIDPath
	}
	if c.RequestTimeoutSeconds <= 0 {
		c.RequestTimeoutSeconds = def.RequestTimeoutSeconds
	}
	if c.DialTimeoutSeconds <= 0 {
		c.DialTimeoutSeconds = def.DialTimeoutSeconds
	}
	if c.ReconnectDelaySeconds <= 0 {
		c.ReconnectDelaySeconds = def.ReconnectDelaySeconds
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if c.MaxSendAttempts <= 0 {
		c.MaxSendAttempts = def.MaxSendAttempts
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
}

// Save writes the config as indented JSON, creating parent directories as
// needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
