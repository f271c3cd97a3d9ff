package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/chaz8081/apdu-ble/internal/ble/protocol"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Device         string                    `yaml:"device"`    // MAC address, or CoreBluetooth UUID on macOS
	Transport      string                    `yaml:"transport"` // "bluez" or "tinygo"
	Adapter        string                    `yaml:"adapter"`   // HCI adapter for bluez
	ConnectTimeout time.Duration             `yaml:"connect_timeout"`
	MTU            MTUConfig                 `yaml:"mtu"`
	EventBuffer    int                       `yaml:"event_buffer"`
	MaxResponse    int                       `yaml:"max_response"`
	Journal        string                    `yaml:"journal"`
	LogLevel       string                    `yaml:"log_level"`
	Services       []protocol.ServiceProfile `yaml:"services"`
}

// MTUConfig holds framing settings.
type MTUConfig struct {
	Request       int `yaml:"request"`
	Default       int `yaml:"default"`
	FrameOverhead int `yaml:"frame_overhead"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "apdu-ble")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultTransport returns bluez on Linux and tinygo elsewhere.
func DefaultTransport() string {
	if runtime.GOOS == "linux" {
		return "bluez"
	}
	return "tinygo"
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Transport:      DefaultTransport(),
		Adapter:        "hci0",
		ConnectTimeout: 5 * time.Second,
		MTU: MTUConfig{
			Request:       156,
			Default:       protocol.DefaultMTU,
			FrameOverhead: protocol.DefaultFrameOverhead,
		},
		EventBuffer: 16,
		MaxResponse: 64 * 1024,
		LogLevel:    "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in journal is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Journal = expandTilde(cfg.Journal)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.Transport {
	case "tinygo", "bluez":
	default:
		return fmt.Errorf("transport must be \"tinygo\" or \"bluez\", got %q", c.Transport)
	}

	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be > 0")
	}

	if c.MTU.Request <= 0 {
		return fmt.Errorf("mtu.request must be > 0")
	}
	if c.MTU.FrameOverhead < 0 {
		return fmt.Errorf("mtu.frame_overhead must be >= 0")
	}
	if c.MTU.Default <= c.MTU.FrameOverhead {
		return fmt.Errorf("mtu.default (%d) must exceed mtu.frame_overhead (%d)", c.MTU.Default, c.MTU.FrameOverhead)
	}

	if c.EventBuffer <= 0 {
		return fmt.Errorf("event_buffer must be > 0")
	}
	if c.MaxResponse < 0 {
		return fmt.Errorf("max_response must be >= 0")
	}

	for i, s := range c.Services {
		if s.Service == "" || s.Notify == "" || s.Write == "" || s.WriteNoResponse == "" {
			return fmt.Errorf("services[%d]: service, notify, write and write_no_response are required", i)
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// Profiles returns the configured service profiles followed by the built-in
// Ledger ones.
func (c *Config) Profiles() []protocol.ServiceProfile {
	return append(append([]protocol.ServiceProfile(nil), c.Services...), protocol.DefaultProfiles()...)
}

const defaultHeader = `# apdu-ble configuration
# device is a MAC address on Linux and Windows, a CoreBluetooth UUID on macOS.
# transport is bluez (Linux, talks to D-Bus directly) or tinygo (macOS and Windows).
`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the path written, or "" if a config file already exists there.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// ParseLogLevel maps a log_level value to a slog level. Unknown values
// mean info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
