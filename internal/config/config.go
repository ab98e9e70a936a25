package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	DataDir  string         `mapstructure:"data_dir"`
	Capture  CaptureConfig  `mapstructure:"capture"`
	Rotation RotationConfig `mapstructure:"rotation"`
	Journal  JournalConfig  `mapstructure:"journal"`
	Upload   UploadConfig   `mapstructure:"upload"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// CaptureConfig defines producer loop settings
type CaptureConfig struct {
	ScreenshotInterval string  `mapstructure:"screenshot_interval"`
	IdleInterval       string  `mapstructure:"idle_interval"`    // used when no input activity
	ActivityTimeout    string  `mapstructure:"activity_timeout"` // inactivity before switching to idle
	Quality            int     `mapstructure:"quality"`          // JPEG quality 1-100
	Scale              float64 `mapstructure:"scale"`            // 0.1-1.0
	ProcessInterval    string  `mapstructure:"process_interval"`
	LockInterval       string  `mapstructure:"lock_interval"`
	// Command writes a PNG or JPEG screenshot to stdout; empty disables
	// screenshots.
	Command      string   `mapstructure:"command"`
	InputDevices []string `mapstructure:"input_devices"` // evdev globs
}

// RotationConfig defines when the active session is sealed
type RotationConfig struct {
	Interval   string `mapstructure:"interval"`
	MaxSize    string `mapstructure:"max_size"`    // e.g. "10MB"
	MaxRecords int    `mapstructure:"max_records"` // 0 disables
}

// JournalConfig defines event/snapshot writer settings
type JournalConfig struct {
	PollInterval  string `mapstructure:"poll_interval"`
	HighWatermark int    `mapstructure:"high_watermark"`
	DrainTimeout  string `mapstructure:"drain_timeout"`
}

// UploadConfig defines the remote object storage target
type UploadConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Backend         string `mapstructure:"backend"` // "s3" or "filesystem"
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	PathStyle       bool   `mapstructure:"path_style"`
	Prefix          string `mapstructure:"prefix"`
	Path            string `mapstructure:"path"` // filesystem backend root
	PollInterval    string `mapstructure:"poll_interval"`
	Timeout         string `mapstructure:"timeout"`
	ShutdownGrace   string `mapstructure:"shutdown_grace"`
}

// StorageConfig defines the session ledger backend
type StorageConfig struct {
	Type      string      `mapstructure:"type"` // "bolt", "redis" or "none"
	Path      string      `mapstructure:"path"`
	Retention string      `mapstructure:"retention"`
	Redis     RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig defines the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// legacyEnv maps keys to the environment names used by earlier deployments.
var legacyEnv = map[string]string{
	"data_dir":                    "DATA_DIR",
	"capture.screenshot_interval": "SCREENSHOT_INTERVAL",
	"capture.idle_interval":       "SCREENSHOT_IDLE_INTERVAL",
	"capture.activity_timeout":    "SCREENSHOT_ACTIVITY_TIMEOUT",
	"capture.quality":             "SCREENSHOT_QUALITY",
	"capture.scale":               "SCREENSHOT_SCALE",
	"rotation.interval":           "FOLDER_ROTATION_INTERVAL",
	"rotation.max_size":           "FOLDER_MAX_SIZE_MB",
	"upload.enabled":              "UPLOAD_TO_B2",
	"upload.access_key_id":        "B2_KEY_ID",
	"upload.secret_access_key":    "B2_KEY",
	"upload.bucket":               "B2_BUCKET_NAME",
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := New()

	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	return Decode(v)
}

// New returns a viper instance with defaults and environment bindings applied.
func New() *viper.Viper {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("TRACKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, name := range legacyEnv {
		prefixed := "TRACKER_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		_ = v.BindEnv(key, prefixed, name)
	}

	return v
}

// Decode unmarshals and validates the configuration held by v.
func Decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	normalizeLegacy(&config)

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "t_data")

	// Capture defaults
	v.SetDefault("capture.screenshot_interval", "3s")
	v.SetDefault("capture.idle_interval", "30s")
	v.SetDefault("capture.activity_timeout", "5s")
	v.SetDefault("capture.quality", 50)
	v.SetDefault("capture.scale", 1.0)
	v.SetDefault("capture.process_interval", "5m")
	v.SetDefault("capture.lock_interval", "1s")
	v.SetDefault("capture.command", "")
	v.SetDefault("capture.input_devices", []string{
		"/dev/input/by-path/*-event-kbd",
		"/dev/input/by-path/*-event-mouse",
	})

	// Rotation defaults
	v.SetDefault("rotation.interval", "3m")
	v.SetDefault("rotation.max_size", "10MB")
	v.SetDefault("rotation.max_records", 0)

	// Journal defaults
	v.SetDefault("journal.poll_interval", "1s")
	v.SetDefault("journal.high_watermark", 10000)
	v.SetDefault("journal.drain_timeout", "10s")

	// Upload defaults
	v.SetDefault("upload.enabled", true)
	v.SetDefault("upload.backend", "s3")
	v.SetDefault("upload.endpoint", "https://s3.us-west-004.backblazeb2.com")
	v.SetDefault("upload.bucket", "")
	v.SetDefault("upload.access_key_id", "")
	v.SetDefault("upload.secret_access_key", "")
	v.SetDefault("upload.path", "")
	v.SetDefault("upload.region", "us-west-004")
	v.SetDefault("upload.path_style", true)
	v.SetDefault("upload.prefix", "")
	v.SetDefault("upload.poll_interval", "1s")
	v.SetDefault("upload.timeout", "5m")
	v.SetDefault("upload.shutdown_grace", "30s")

	// Storage defaults
	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.path", "")
	v.SetDefault("storage.retention", "720h")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 4)
	v.SetDefault("storage.redis.min_idle_conns", 1)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:9090")
}

// normalizeLegacy converts values that older deployments expressed in
// different units: bare seconds for the rotation interval and bare megabytes
// for the size threshold.
func normalizeLegacy(cfg *Config) {
	if isDigits(cfg.Rotation.Interval) {
		cfg.Rotation.Interval += "s"
	}
	if isDigits(cfg.Rotation.MaxSize) {
		cfg.Rotation.MaxSize += "MiB"
	}
	for _, d := range []*string{&cfg.Capture.ScreenshotInterval, &cfg.Capture.IdleInterval, &cfg.Capture.ActivityTimeout} {
		if isNumber(*d) {
			*d += "s"
		}
	}
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if cfg.Capture.Quality < 1 {
		cfg.Capture.Quality = 1
	}
	if cfg.Capture.Quality > 100 {
		cfg.Capture.Quality = 100
	}
	if cfg.Capture.Scale < 0.1 {
		cfg.Capture.Scale = 0.1
	}
	if cfg.Capture.Scale > 1.0 {
		cfg.Capture.Scale = 1.0
	}

	if _, err := cfg.Rotation.MaxSizeBytes(); err != nil {
		return err
	}
	if cfg.Rotation.MaxRecords < 0 {
		return fmt.Errorf("rotation.max_records must not be negative: %d", cfg.Rotation.MaxRecords)
	}

	// Missing remote credentials are not fatal here: the agent disables
	// upload for the run and keeps capturing.
	switch cfg.Upload.Backend {
	case "s3", "filesystem":
	default:
		return fmt.Errorf("unsupported upload backend: %s", cfg.Upload.Backend)
	}

	switch cfg.Storage.Type {
	case "":
		cfg.Storage.Type = "bolt"
	case "bolt", "redis", "none":
	default:
		return fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	if cfg.Storage.Type == "bolt" && cfg.Storage.Path == "" {
		cfg.Storage.Path = filepath.Join(cfg.DataDir, "ledger.bolt")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// MaxSizeBytes parses the size threshold. Zero disables size rotation.
func (r RotationConfig) MaxSizeBytes() (int64, error) {
	if r.MaxSize == "" || r.MaxSize == "0" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(r.MaxSize)
	if err != nil {
		return 0, fmt.Errorf("invalid rotation.max_size %q: %w", r.MaxSize, err)
	}
	return int64(n), nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isNumber(s string) bool {
	dot := false
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r == '.' && !dot && i > 0:
			dot = true
		default:
			return false
		}
	}
	return s != ""
}
