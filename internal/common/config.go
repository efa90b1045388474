package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment  string             `toml:"environment"` // "development" or "production"
	Server       ServerConfig       `toml:"server"`
	Monitor      MonitorConfig      `toml:"monitor"`
	Storage      StorageConfig      `toml:"storage"`
	Logging      LoggingConfig      `toml:"logging"`
	Housekeeping HousekeepingConfig `toml:"housekeeping"`
	WebSocket    WebSocketConfig    `toml:"websocket"`
	Remote       RemoteConfig       `toml:"remote"`
}

// RemoteConfig locates the remote job execution service
type RemoteConfig struct {
	BaseURL string `toml:"base_url"` // e.g. "http://localhost:9090"
	Timeout string `toml:"timeout"`  // Per-request timeout, e.g. "30s"
}

// TimeoutDuration returns the parsed request timeout, falling back to 30s
func (c *RemoteConfig) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// MonitorConfig controls remote job polling behavior
type MonitorConfig struct {
	PollInterval string  `toml:"poll_interval"` // e.g. "2s" - status poll cadence per job
	MaxAttempts  int     `toml:"max_attempts"`  // Bounded poller attempt budget (0 = unbounded)
	StallTimeout string  `toml:"stall_timeout"` // e.g. "5m" - unmatched file records fail after this
	FetchRate    float64 `toml:"fetch_rate"`    // Aggregate status fetches per second across all pollers
	FetchBurst   int     `toml:"fetch_burst"`   // Burst allowance for the aggregate fetch limiter
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Format string   `toml:"format"` // "json" or "text"
	Output []string `toml:"output"` // "stdout", "file"
}

// HousekeepingConfig controls scheduled cleanup of archived tasks
type HousekeepingConfig struct {
	Enabled   bool   `toml:"enabled"`
	Schedule  string `toml:"schedule"`  // Cron schedule format
	Retention string `toml:"retention"` // e.g. "168h" - archived records older than this are purged
}

// WebSocketConfig controls the dashboard event push channel
type WebSocketConfig struct {
	ProgressEventsPerSec float64  `toml:"progress_events_per_sec"` // Throttle for task_progress broadcast (0 = unthrottled)
	AllowedEvents        []string `toml:"allowed_events"`          // Whitelist of events to broadcast (empty = allow all)
}

// NewDefaultConfig returns the built-in defaults, overridden by files and env.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Monitor: MonitorConfig{
			PollInterval: "2s", // Matches the dashboard's observed poll cadence
			MaxAttempts:  0,    // Unbounded by default; bundle submit uses a bounded variant
			StallTimeout: "5m",
			FetchRate:    20,
			FetchBurst:   10,
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout", "file"},
		},
		Housekeeping: HousekeepingConfig{
			Enabled:   true,
			Schedule:  "0 0 * * * *", // Hourly
			Retention: "168h",        // One week of task history
		},
		WebSocket: WebSocketConfig{
			ProgressEventsPerSec: 10,
		},
		Remote: RemoteConfig{
			BaseURL: "http://localhost:9090",
			Timeout: "30s",
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority:
// defaults -> file1 -> file2 -> ... -> env. Later files override earlier ones.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("SPECTO_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("SPECTO_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("SPECTO_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if pollInterval := os.Getenv("SPECTO_MONITOR_POLL_INTERVAL"); pollInterval != "" {
		config.Monitor.PollInterval = pollInterval
	}
	if maxAttempts := os.Getenv("SPECTO_MONITOR_MAX_ATTEMPTS"); maxAttempts != "" {
		if n, err := strconv.Atoi(maxAttempts); err == nil {
			config.Monitor.MaxAttempts = n
		}
	}
	if stallTimeout := os.Getenv("SPECTO_MONITOR_STALL_TIMEOUT"); stallTimeout != "" {
		config.Monitor.StallTimeout = stallTimeout
	}

	if path := os.Getenv("SPECTO_BADGER_PATH"); path != "" {
		config.Storage.Badger.Path = path
	}

	if level := os.Getenv("SPECTO_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
}

// ApplyFlagOverrides applies command-line flag overrides (highest priority)
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// PollInterval returns the parsed poll cadence, falling back to 2s on bad input.
func (c *MonitorConfig) PollIntervalDuration() time.Duration {
	d, err := time.ParseDuration(c.PollInterval)
	if err != nil || d <= 0 {
		return 2 * time.Second
	}
	return d
}

// StallTimeoutDuration returns the parsed stall timeout, falling back to 5m.
func (c *MonitorConfig) StallTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.StallTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

// RetentionDuration returns the parsed archive retention window, falling back to one week.
func (c *HousekeepingConfig) RetentionDuration() time.Duration {
	d, err := time.ParseDuration(c.Retention)
	if err != nil || d <= 0 {
		return 168 * time.Hour
	}
	return d
}

// IsProduction returns true when running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
