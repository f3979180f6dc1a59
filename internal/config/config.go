package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/bleprobe/internal/ble"
)

// Config holds all application configuration.
type Config struct {
	Adapter           string        `yaml:"adapter"`
	Scan              ScanConfig    `yaml:"scan"`
	Connect           ConnectConfig `yaml:"connect"`
	Write             WriteConfig   `yaml:"write"`
	OperationTimeout  time.Duration `yaml:"operation_timeout"`
	SelectionAttempts int           `yaml:"selection_attempts"`
	LogLevel          string        `yaml:"log_level"`
}

// ScanConfig holds discovery settings.
type ScanConfig struct {
	Duration   time.Duration `yaml:"duration"`
	NameFilter string        `yaml:"name_filter"` // case-insensitive substring
	MinRSSI    int           `yaml:"min_rssi"`    // 0 disables the filter
}

// ConnectConfig holds connection settings.
type ConnectConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	Attempts   int           `yaml:"attempts"`
	BackoffMax int           `yaml:"backoff_max"` // seconds
	Auto       bool          `yaml:"auto"`        // pick the first device without asking
}

// WriteConfig holds write settings.
type WriteConfig struct {
	Mode       string        `yaml:"mode"` // "auto", "with-response" or "without-response"
	ChunkDelay time.Duration `yaml:"chunk_delay"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "bleprobe")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Adapter: "hci0",
		Scan: ScanConfig{
			Duration: ble.DefaultScanDuration,
		},
		Connect: ConnectConfig{
			Timeout:    10 * time.Second,
			Attempts:   1,
			BackoffMax: 30,
		},
		Write: WriteConfig{
			Mode:       "auto",
			ChunkDelay: 20 * time.Millisecond,
		},
		OperationTimeout:  5 * time.Second,
		SelectionAttempts: 3,
		LogLevel:          "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Adapter == "" {
		return fmt.Errorf("adapter must not be empty")
	}
	if c.Scan.Duration <= 0 {
		return fmt.Errorf("scan.duration must be > 0, got %s", c.Scan.Duration)
	}
	if c.Scan.MinRSSI < -127 || c.Scan.MinRSSI > 0 {
		return fmt.Errorf("scan.min_rssi must be between -127 and 0, got %d", c.Scan.MinRSSI)
	}
	if c.Connect.Timeout <= 0 {
		return fmt.Errorf("connect.timeout must be > 0, got %s", c.Connect.Timeout)
	}
	if c.Connect.Attempts < 1 {
		return fmt.Errorf("connect.attempts must be >= 1, got %d", c.Connect.Attempts)
	}
	if c.Connect.BackoffMax < 1 {
		return fmt.Errorf("connect.backoff_max must be >= 1, got %d", c.Connect.BackoffMax)
	}
	if _, ok := ble.ParseWriteMode(c.Write.Mode); !ok {
		return fmt.Errorf("write.mode must be \"auto\", \"with-response\" or \"without-response\", got %q", c.Write.Mode)
	}
	if c.Write.ChunkDelay < 0 {
		return fmt.Errorf("write.chunk_delay must not be negative, got %s", c.Write.ChunkDelay)
	}
	if c.OperationTimeout <= 0 {
		return fmt.Errorf("operation_timeout must be > 0, got %s", c.OperationTimeout)
	}
	if c.SelectionAttempts < 1 {
		return fmt.Errorf("selection_attempts must be >= 1, got %d", c.SelectionAttempts)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// SessionOptions returns the connection settings for a ble.Session.
func (c *Config) SessionOptions() ble.SessionOptions {
	return ble.SessionOptions{
		ConnectTimeout:   c.Connect.Timeout,
		OperationTimeout: c.OperationTimeout,
		Attempts:         c.Connect.Attempts,
		BackoffMax:       c.Connect.BackoffMax,
	}
}

// ScanOptions returns the discovery settings.
func (c *Config) ScanOptions() ble.ScanOptions {
	return ble.ScanOptions{
		Duration:   c.Scan.Duration,
		NameFilter: c.Scan.NameFilter,
		MinRSSI:    int16(c.Scan.MinRSSI),
	}
}

// WriteMode returns the parsed write mode. Validate guarantees it parses.
func (c *Config) WriteMode() ble.WriteMode {
	m, _ := ble.ParseWriteMode(c.Write.Mode)
	return m
}

// ParseLogLevel maps a config log level to a slog.Level. Unknown values
// default to info.
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

const defaultHeader = `# bleprobe configuration
# Durations use Go syntax (10s, 500ms). Command-line flags override these values.
`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the path written, or "" when a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
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
