package main

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/tracker/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the tracker configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	// Check for unknown keys (always, not just with --dump)
	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	// Warn about unknown keys
	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	if !cfg.Upload.Enabled {
		color.New(color.FgYellow).Fprintln(os.Stdout, "⚠️  Upload is disabled; sessions will accumulate in "+cfg.DataDir)
	}

	// If dump requested, show full configuration with defaults highlighted
	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		dumpConfig(cfg, getDefaultConfig())
	}

	return nil
}

// getDefaultConfig creates a configuration holding only default values
func getDefaultConfig() *config.Config {
	var cfg config.Config
	_ = config.New().Unmarshal(&cfg)
	return &cfg
}

// findUnknownKeys loads the config file and checks for unknown keys
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	validKeys := map[string]bool{}
	for _, key := range config.New().AllKeys() {
		validKeys[key] = true
	}

	unknown := []string{}
	for _, key := range v.AllKeys() {
		if !validKeys[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)

	return unknown, nil
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(cfg, defaultCfg *config.Config) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	dumpField("data_dir", cfg.DataDir, defaultCfg.DataDir, yellow, green)

	// Capture
	_, _ = cyan.Println("\n[capture]")
	dumpField("  screenshot_interval", cfg.Capture.ScreenshotInterval, defaultCfg.Capture.ScreenshotInterval, yellow, green)
	dumpField("  idle_interval", cfg.Capture.IdleInterval, defaultCfg.Capture.IdleInterval, yellow, green)
	dumpField("  activity_timeout", cfg.Capture.ActivityTimeout, defaultCfg.Capture.ActivityTimeout, yellow, green)
	dumpField("  quality", cfg.Capture.Quality, defaultCfg.Capture.Quality, yellow, green)
	dumpField("  scale", cfg.Capture.Scale, defaultCfg.Capture.Scale, yellow, green)
	dumpField("  process_interval", cfg.Capture.ProcessInterval, defaultCfg.Capture.ProcessInterval, yellow, green)
	dumpField("  lock_interval", cfg.Capture.LockInterval, defaultCfg.Capture.LockInterval, yellow, green)
	dumpField("  command", cfg.Capture.Command, defaultCfg.Capture.Command, yellow, green)
	dumpField("  input_devices", cfg.Capture.InputDevices, defaultCfg.Capture.InputDevices, yellow, green)

	// Rotation
	_, _ = cyan.Println("\n[rotation]")
	dumpField("  interval", cfg.Rotation.Interval, defaultCfg.Rotation.Interval, yellow, green)
	dumpField("  max_size", cfg.Rotation.MaxSize, defaultCfg.Rotation.MaxSize, yellow, green)
	dumpField("  max_records", cfg.Rotation.MaxRecords, defaultCfg.Rotation.MaxRecords, yellow, green)

	// Journal
	_, _ = cyan.Println("\n[journal]")
	dumpField("  poll_interval", cfg.Journal.PollInterval, defaultCfg.Journal.PollInterval, yellow, green)
	dumpField("  high_watermark", cfg.Journal.HighWatermark, defaultCfg.Journal.HighWatermark, yellow, green)
	dumpField("  drain_timeout", cfg.Journal.DrainTimeout, defaultCfg.Journal.DrainTimeout, yellow, green)

	// Upload
	_, _ = cyan.Println("\n[upload]")
	dumpField("  enabled", cfg.Upload.Enabled, defaultCfg.Upload.Enabled, yellow, green)
	dumpField("  backend", cfg.Upload.Backend, defaultCfg.Upload.Backend, yellow, green)
	dumpField("  endpoint", cfg.Upload.Endpoint, defaultCfg.Upload.Endpoint, yellow, green)
	dumpField("  region", cfg.Upload.Region, defaultCfg.Upload.Region, yellow, green)
	dumpField("  bucket", cfg.Upload.Bucket, defaultCfg.Upload.Bucket, yellow, green)
	dumpField("  access_key_id", cfg.Upload.AccessKeyID, defaultCfg.Upload.AccessKeyID, yellow, green)
	dumpField("  secret_access_key", redactSecret(cfg.Upload.SecretAccessKey), redactSecret(defaultCfg.Upload.SecretAccessKey), yellow, green)
	dumpField("  path_style", cfg.Upload.PathStyle, defaultCfg.Upload.PathStyle, yellow, green)
	dumpField("  prefix", cfg.Upload.Prefix, defaultCfg.Upload.Prefix, yellow, green)
	dumpField("  path", cfg.Upload.Path, defaultCfg.Upload.Path, yellow, green)
	dumpField("  poll_interval", cfg.Upload.PollInterval, defaultCfg.Upload.PollInterval, yellow, green)
	dumpField("  timeout", cfg.Upload.Timeout, defaultCfg.Upload.Timeout, yellow, green)
	dumpField("  shutdown_grace", cfg.Upload.ShutdownGrace, defaultCfg.Upload.ShutdownGrace, yellow, green)

	// Storage
	_, _ = cyan.Println("\n[storage]")
	dumpField("  type", cfg.Storage.Type, defaultCfg.Storage.Type, yellow, green)
	dumpField("  path", cfg.Storage.Path, defaultCfg.Storage.Path, yellow, green)
	dumpField("  retention", cfg.Storage.Retention, defaultCfg.Storage.Retention, yellow, green)
	_, _ = cyan.Println("  [storage.redis]")
	dumpField("    host", cfg.Storage.Redis.Host, defaultCfg.Storage.Redis.Host, yellow, green)
	dumpField("    port", cfg.Storage.Redis.Port, defaultCfg.Storage.Redis.Port, yellow, green)
	dumpField("    password", redactSecret(cfg.Storage.Redis.Password), redactSecret(defaultCfg.Storage.Redis.Password), yellow, green)
	dumpField("    db", cfg.Storage.Redis.DB, defaultCfg.Storage.Redis.DB, yellow, green)
	dumpField("    pool_size", cfg.Storage.Redis.PoolSize, defaultCfg.Storage.Redis.PoolSize, yellow, green)
	dumpField("    min_idle_conns", cfg.Storage.Redis.MinIdleConns, defaultCfg.Storage.Redis.MinIdleConns, yellow, green)
	dumpField("    dial_timeout", cfg.Storage.Redis.DialTimeout, defaultCfg.Storage.Redis.DialTimeout, yellow, green)
	dumpField("    read_timeout", cfg.Storage.Redis.ReadTimeout, defaultCfg.Storage.Redis.ReadTimeout, yellow, green)
	dumpField("    write_timeout", cfg.Storage.Redis.WriteTimeout, defaultCfg.Storage.Redis.WriteTimeout, yellow, green)

	// Logging
	_, _ = cyan.Println("\n[logging]")
	dumpField("  level", cfg.Logging.Level, defaultCfg.Logging.Level, yellow, green)
	dumpField("  format", cfg.Logging.Format, defaultCfg.Logging.Format, yellow, green)

	// Metrics
	_, _ = cyan.Println("\n[metrics]")
	dumpField("  enabled", cfg.Metrics.Enabled, defaultCfg.Metrics.Enabled, yellow, green)
	dumpField("  listen", cfg.Metrics.Listen, defaultCfg.Metrics.Listen, yellow, green)

	_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
}

// dumpField prints a field with color if it differs from default
func dumpField(name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	isDefault := reflect.DeepEqual(value, defaultValue)

	valueStr := fmt.Sprintf("%v", value)

	if isDefault {
		_, _ = defaultColor.Printf("%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Printf("%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redactSecret redacts a secret if not empty
func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	return "***REDACTED***"
}
