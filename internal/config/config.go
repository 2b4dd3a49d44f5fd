// ABOUTME: Configuration loading and parsing for coven-sync binaries
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-sync configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Transport TransportConfig `yaml:"transport"`
	Sync      SyncConfig      `yaml:"sync"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the runtime endpoint configuration
type ServerConfig struct {
	URL string `yaml:"url"`
}

// TransportConfig holds connection timing configuration
type TransportConfig struct {
	DialTimeout    time.Duration `yaml:"-"`
	ConnectWait    time.Duration `yaml:"-"`
	ReconnectDelay time.Duration `yaml:"-"`
	MaxReconnects  int           `yaml:"max_reconnects"`

	// Raw string values for YAML unmarshaling
	DialTimeoutRaw    string `yaml:"dial_timeout"`
	ConnectWaitRaw    string `yaml:"connect_wait"`
	ReconnectDelayRaw string `yaml:"reconnect_delay"`
}

// SyncConfig holds synchronization timing configuration
type SyncConfig struct {
	PollInterval   time.Duration `yaml:"-"`
	DetectInterval time.Duration `yaml:"-"`
	RequestTimeout time.Duration `yaml:"-"`
	Tolerance      time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	PollIntervalRaw   string `yaml:"poll_interval"`
	DetectIntervalRaw string `yaml:"detect_interval"`
	RequestTimeoutRaw string `yaml:"request_timeout"`
	ToleranceRaw      string `yaml:"tolerance"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with sensible local-development values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{URL: "ws://localhost:8089/ws"},
		Sync: SyncConfig{
			PollInterval:   3 * time.Second,
			DetectInterval: time.Second,
			RequestTimeout: 30 * time.Second,
			Tolerance:      5 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	if c.Transport.MaxReconnects < 0 {
		return fmt.Errorf("transport.max_reconnects must not be negative")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"transport.dial_timeout", cfg.Transport.DialTimeoutRaw, &cfg.Transport.DialTimeout},
		{"transport.connect_wait", cfg.Transport.ConnectWaitRaw, &cfg.Transport.ConnectWait},
		{"transport.reconnect_delay", cfg.Transport.ReconnectDelayRaw, &cfg.Transport.ReconnectDelay},
		{"sync.poll_interval", cfg.Sync.PollIntervalRaw, &cfg.Sync.PollInterval},
		{"sync.detect_interval", cfg.Sync.DetectIntervalRaw, &cfg.Sync.DetectInterval},
		{"sync.request_timeout", cfg.Sync.RequestTimeoutRaw, &cfg.Sync.RequestTimeout},
		{"sync.tolerance", cfg.Sync.ToleranceRaw, &cfg.Sync.Tolerance},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
