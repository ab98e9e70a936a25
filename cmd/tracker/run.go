package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/goodtune/tracker/internal/agent"
	"github.com/goodtune/tracker/internal/capture"
	"github.com/goodtune/tracker/internal/config"
	"github.com/goodtune/tracker/internal/journal"
	"github.com/goodtune/tracker/internal/lockscreen"
	"github.com/goodtune/tracker/internal/metrics"
	"github.com/goodtune/tracker/internal/process"
	"github.com/goodtune/tracker/internal/remote"
	"github.com/goodtune/tracker/internal/session"
	"github.com/goodtune/tracker/internal/storage"
	"github.com/goodtune/tracker/internal/storage/bolt"
	"github.com/goodtune/tracker/internal/storage/redis"
	"github.com/goodtune/tracker/internal/systemd"
	"github.com/goodtune/tracker/internal/upload"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the capture agent",
	Long:  `Start capturing activity into local sessions and uploading sealed sessions until interrupted.`,
	RunE:  runAgent,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Str("data_dir", cfg.DataDir).
		Msg("Starting tracker")

	// Initialize session ledger
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("path", cfg.Storage.Path).
		Msg("Session ledger initialized")

	// Start metrics server
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Listen, logger)
		ln, err := systemd.MetricsListener()
		if err != nil {
			logger.Warn().Err(err).Msg("Ignoring systemd socket activation")
		} else if ln != nil {
			metricsServer.SetListener(ln)
			logger.Info().Msg("Using systemd socket-activated metrics listener")
		}
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		defer func() {
			if err := metricsServer.Stop(); err != nil {
				logger.Error().Err(err).Msg("Error stopping Metrics Server")
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Remote configuration errors disable upload but never stop capture
	var remoteStore remote.Store
	if cfg.Upload.Enabled {
		remoteStore, err = remote.New(ctx, cfg.Upload)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to configure remote storage, upload disabled for this run")
			remoteStore = nil
		} else {
			logger.Info().
				Str("backend", cfg.Upload.Backend).
				Str("bucket", cfg.Upload.Bucket).
				Str("prefix", cfg.Upload.Prefix).
				Msg("Remote storage configured")
		}
	}

	lister, err := process.NewLister()
	if err != nil {
		logger.Warn().Err(err).Msg("Process monitoring disabled")
		lister = nil
	}

	var lockDetector lockscreen.Detector
	if lister != nil {
		lockDetector, err = lockscreen.New(lister)
		if err != nil {
			logger.Warn().Err(err).Msg("Lock screen detection disabled")
			lockDetector = nil
		}
	}

	var capturer capture.Capturer
	if cfg.Capture.Command != "" {
		cc, err := capture.NewCommandCapturer(cfg.Capture.Command)
		if err != nil {
			logger.Warn().Err(err).Msg("Screenshots disabled")
		} else {
			capturer = cc
		}
	}

	var input capture.InputSource
	if len(cfg.Capture.InputDevices) > 0 {
		src, err := capture.NewEvdevSource(cfg.Capture.InputDevices, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("Input capture disabled")
		} else {
			input = src
		}
	}

	maxBytes, _ := cfg.Rotation.MaxSizeBytes()

	a := agent.New(agent.Options{
		DataDir: cfg.DataDir,
		Session: session.Options{
			Interval:   parseDuration(cfg.Rotation.Interval, 3*time.Minute),
			MaxBytes:   maxBytes,
			MaxRecords: cfg.Rotation.MaxRecords,
		},
		Journal: journal.Options{
			PollInterval:  parseDuration(cfg.Journal.PollInterval, time.Second),
			HighWatermark: cfg.Journal.HighWatermark,
			DrainTimeout:  parseDuration(cfg.Journal.DrainTimeout, 10*time.Second),
		},
		Capture: capture.Options{
			Capturer:           capturer,
			Input:              input,
			Processes:          lister,
			Lock:               lockDetector,
			ScreenshotInterval: parseDuration(cfg.Capture.ScreenshotInterval, 3*time.Second),
			IdleInterval:       parseDuration(cfg.Capture.IdleInterval, 30*time.Second),
			ActivityTimeout:    parseDuration(cfg.Capture.ActivityTimeout, 5*time.Second),
			Quality:            cfg.Capture.Quality,
			Scale:              cfg.Capture.Scale,
			ProcessInterval:    parseDuration(cfg.Capture.ProcessInterval, 5*time.Minute),
			LockInterval:       parseDuration(cfg.Capture.LockInterval, time.Second),
		},
		Upload: upload.Options{
			Prefix:       cfg.Upload.Prefix,
			PollInterval: parseDuration(cfg.Upload.PollInterval, time.Second),
			Timeout:      parseDuration(cfg.Upload.Timeout, 5*time.Minute),
		},
		Remote:        remoteStore,
		ShutdownGrace: parseDuration(cfg.Upload.ShutdownGrace, 30*time.Second),
		Ledger:        store.Sessions(),
		Retention:     parseDuration(cfg.Storage.Retention, 0),
		Logger:        logger,
	})

	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}

	// Hot-reload the log level when the configuration file changes
	watchConfig(logger)

	// Notify systemd that we're ready
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	}
	watchdogStop := make(chan struct{})
	go systemd.Watchdog(watchdogStop, logger)

	logger.Info().
		Str("run_id", a.RunID()).
		Msg("tracker started successfully")

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			logger.Info().Msg("SIGHUP received, reloading log level...")
			reloadLogLevel(logger)
			continue
		}
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received, gracefully stopping...")
		break
	}
	signal.Stop(sigChan)

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}
	close(watchdogStop)

	stats := a.Stop()
	printStats(stats)

	logger.Info().Msg("tracker stopped")
	return nil
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "bolt", "":
		return bolt.Open(cfg.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	case "none":
		return storage.Discard, nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// reloadLogLevel re-reads the configuration and applies its log level.
// Every other setting takes effect on restart.
func reloadLogLevel(logger zerolog.Logger) {
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to reload configuration")
		return
	}
	level := parseLevel(cfg.Logging.Level)
	if level == zerolog.GlobalLevel() {
		return
	}
	zerolog.SetGlobalLevel(level)
	logger.Info().Str("level", level.String()).Msg("Log level changed")
}

func watchConfig(logger zerolog.Logger) {
	if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
		return
	}
	v := config.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		logger.Warn().Err(err).Msg("Not watching configuration file")
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		logger.Debug().Str("path", e.Name).Str("op", e.Op.String()).Msg("Configuration file changed")
		reloadLogLevel(logger)
	})
	v.WatchConfig()
}

func printStats(s agent.Stats) {
	fmt.Fprintln(os.Stderr, "Session statistics:")
	fmt.Fprintf(os.Stderr, "  run id:            %s\n", s.RunID)
	if !s.StartTime.IsZero() {
		fmt.Fprintf(os.Stderr, "  started:           %s (%s)\n", s.StartTime.Format(time.RFC3339), humanize.Time(s.StartTime))
	}
	fmt.Fprintf(os.Stderr, "  screenshots taken: %s\n", humanize.Comma(s.ScreenshotsTaken))
	fmt.Fprintf(os.Stderr, "  key events:        %s\n", humanize.Comma(s.KeyEvents))
	fmt.Fprintf(os.Stderr, "  mouse clicks:      %s\n", humanize.Comma(s.MouseClicks))
	fmt.Fprintf(os.Stderr, "  screen locked:     %t\n", s.ScreenLocked)
	fmt.Fprintf(os.Stderr, "  sessions rotated:  %d\n", s.SessionsRotated)
	fmt.Fprintf(os.Stderr, "  records dropped:   %d\n", s.RecordsDropped)
	if s.UploadEnabled {
		fmt.Fprintf(os.Stderr, "  uploads:           %d succeeded, %d failed\n", s.UploadsSucceeded, s.UploadsFailed)
	} else {
		fmt.Fprintln(os.Stderr, "  uploads:           disabled")
	}
	for _, id := range s.PendingUploads {
		fmt.Fprintf(os.Stderr, "  pending upload:    %s\n", id)
	}
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
