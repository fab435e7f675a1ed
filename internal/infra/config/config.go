package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level daemon configuration.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Web       WebConfig       `yaml:"web"`
	Bluetooth BluetoothConfig `yaml:"bluetooth"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
}

// StorageConfig holds SQLite settings.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// WebConfig holds the HTTP/WebSocket gateway settings.
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// Addr returns the listen address in host:port form.
func (w WebConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// BluetoothConfig holds transport-level settings for the device driver.
type BluetoothConfig struct {
	// OpTimeout bounds every single driver call; a timed-out call is a
	// failure, never left dangling.
	OpTimeout   time.Duration `yaml:"op_timeout"`
	ScanTimeout time.Duration `yaml:"scan_timeout"`
	// OpsPerSecond rate-limits driver calls across all rings so the host
	// adapter is never saturated. 0 disables the limiter.
	OpsPerSecond float64 `yaml:"ops_per_second"`
	// BreakerThreshold is the consecutive transport failure count that
	// opens the circuit breaker. 0 disables the breaker.
	BreakerThreshold uint32        `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
	// NamePrefix filters scan results; devices whose advertised name
	// starts with it are treated as rings.
	NamePrefix string `yaml:"name_prefix"`
	// AutoRegister registers unknown matching devices discovered by scans.
	AutoRegister bool `yaml:"auto_register"`
}

// SchedulerConfig holds poll/scan cadence and retry policy.
type SchedulerConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	ScanInterval     time.Duration `yaml:"scan_interval"`
	TimeSyncInterval time.Duration `yaml:"time_sync_interval"`
	// MaxRetryAttempts is the consecutive connect-failure count after
	// which a ring enters the extended backoff hold.
	MaxRetryAttempts int           `yaml:"max_retry_attempts"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	ExtendedHold     time.Duration `yaml:"extended_hold"`
	// PersistentConnection prioritizes reconnecting rings with a
	// previously successful history over never-yet-connected ones.
	PersistentConnection bool `yaml:"persistent_connection"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout, noop
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Storage: StorageConfig{Path: "zeddring_data.sqlite"},
		Web: WebConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    5000,
		},
		Bluetooth: BluetoothConfig{
			OpTimeout:        15 * time.Second,
			ScanTimeout:      10 * time.Second,
			OpsPerSecond:     4,
			BreakerThreshold: 5,
			BreakerCooldown:  time.Minute,
			NamePrefix:       "Colmi",
			AutoRegister:     false,
		},
		Scheduler: SchedulerConfig{
			PollInterval:         60 * time.Second,
			ScanInterval:         60 * time.Second,
			TimeSyncInterval:     12 * time.Hour,
			MaxRetryAttempts:     3,
			RetryDelay:           300 * time.Second,
			ExtendedHold:         15 * time.Minute,
			PersistentConnection: true,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file and applies env var overrides. A missing
// file is not an error; defaults plus env vars apply.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps ZEDDRING_* env vars to config fields. Interval and
// delay variables are integer seconds, matching the original deployment.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ZEDDRING_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("ZEDDRING_WEB_HOST"); v != "" {
		cfg.Web.Host = v
	}
	if v := os.Getenv("ZEDDRING_WEB_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = n
		}
	}
	if v := os.Getenv("ZEDDRING_SCAN_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.ScanInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("ZEDDRING_SCAN_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Bluetooth.ScanTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("ZEDDRING_POLL_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.PollInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("ZEDDRING_MAX_RETRY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.MaxRetryAttempts = n
		}
	}
	if v := os.Getenv("ZEDDRING_RETRY_DELAY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.RetryDelay = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("ZEDDRING_PERSISTENT_CONNECTION"); v != "" {
		cfg.Scheduler.PersistentConnection = v == "true" || v == "1"
	}
	if v := os.Getenv("ZEDDRING_AUTO_REGISTER"); v != "" {
		cfg.Bluetooth.AutoRegister = v == "true" || v == "1"
	}
	if v := os.Getenv("ZEDDRING_LOG_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("ZEDDRING_TRACE_ENABLED"); v != "" {
		cfg.Tracer.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("ZEDDRING_TRACE_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// Validate checks the configuration for values the daemon cannot run with.
func Validate(cfg *Config) error {
	if cfg.Storage.Path == "" {
		return fmt.Errorf("config: storage.path is required")
	}
	if cfg.Web.Enabled && (cfg.Web.Port < 1 || cfg.Web.Port > 65535) {
		return fmt.Errorf("config: web.port %d out of range", cfg.Web.Port)
	}
	if cfg.Bluetooth.OpTimeout <= 0 {
		return fmt.Errorf("config: bluetooth.op_timeout must be positive")
	}
	if cfg.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("config: scheduler.poll_interval must be positive")
	}
	if cfg.Scheduler.MaxRetryAttempts < 1 {
		return fmt.Errorf("config: scheduler.max_retry_attempts must be at least 1")
	}
	if cfg.Scheduler.RetryDelay <= 0 {
		return fmt.Errorf("config: scheduler.retry_delay must be positive")
	}
	if cfg.Scheduler.ExtendedHold < cfg.Scheduler.RetryDelay {
		return fmt.Errorf("config: scheduler.extended_hold must not be shorter than retry_delay")
	}
	return nil
}
