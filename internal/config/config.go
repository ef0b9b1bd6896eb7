package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// Environment variables that override values from the config file.
const (
	EnvServer   = "ROOMCHAT_SERVER"
	EnvLogLevel = "ROOMCHAT_LOG_LEVEL"
	EnvLogPath  = "ROOMCHAT_LOG_PATH"
)

// IdentityConfig holds the identity used when joining rooms. Both fields are
// normally filled from the auth collaborator; they can be pinned here for
// scripted use.
type IdentityConfig struct {
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
}

// TransportConfig holds WebSocket transport tuning
type TransportConfig struct {
	// HandshakeTimeoutSeconds bounds the open handshake. 0 disables the
	// timeout and a pending Connecting state is only ended by close/reconnect.
	HandshakeTimeoutSeconds int `json:"handshake_timeout_seconds"`
	// WriteTimeoutSeconds bounds a single outbound frame write
	WriteTimeoutSeconds int `json:"write_timeout_seconds"`
	// MaxMessageBytes bounds a single inbound frame
	MaxMessageBytes int64 `json:"max_message_bytes"`
}

// Config represents application configuration
type Config struct {
	// ServerURL is the HTTP base of the chat server, e.g. http://localhost:3000.
	// The WebSocket endpoint is derived from it (http->ws, https->wss).
	ServerURL   string          `json:"server_url"`
	DefaultRoom string          `json:"default_room,omitempty"`
	Identity    IdentityConfig  `json:"identity"`
	Transport   TransportConfig `json:"transport"`
	LogLevel    string          `json:"log_level"` // debug, info, warn, error, none
	LogPath     string          `json:"-"`
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, "roomchat")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", "roomchat")
	default:
		if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
			return filepath.Join(configHome, "roomchat")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "roomchat")
	}
}

func defaultStateDir() string {
	switch runtime.GOOS {
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, "roomchat")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Local", "roomchat")
	default:
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, "roomchat")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", "roomchat")
	}
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		ServerURL: "http://localhost:3000",
		Transport: TransportConfig{
			HandshakeTimeoutSeconds: 0,
			WriteTimeoutSeconds:     10,
			MaxMessageBytes:         1 << 20,
		},
		LogLevel: "info",
		LogPath:  filepath.Join(defaultStateDir(), "roomchat.log"),
	}
}

// Load loads configuration from file, then applies environment overrides.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err == nil {
		// Unmarshal into default config (overrides only provided fields)
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogPath == "" {
		cfg.LogPath = filepath.Join(defaultStateDir(), "roomchat.log")
	}

	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overrides fields from ROOMCHAT_* environment variables
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvServer)); v != "" {
		c.ServerURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogPath)); v != "" {
		c.LogPath = v
	}
}

// Validate checks that the configuration can be used to reach a server
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ServerURL) == "" {
		return errors.New("server_url is required")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server_url: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("invalid server_url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("server_url %q has no host", c.ServerURL)
	}
	if c.Transport.HandshakeTimeoutSeconds < 0 || c.Transport.WriteTimeoutSeconds < 0 {
		return errors.New("transport timeouts must not be negative")
	}
	if c.Transport.MaxMessageBytes < 0 {
		return errors.New("transport max_message_bytes must not be negative")
	}
	return nil
}

// HandshakeTimeout returns the configured open handshake timeout (0 = none)
func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.Transport.HandshakeTimeoutSeconds) * time.Second
}

// WriteTimeout returns the configured frame write timeout
func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.Transport.WriteTimeoutSeconds) * time.Second
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// GetConfigPath returns the default config path
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}
