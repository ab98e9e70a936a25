package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TRACKER_DATA_DIR", filepath.Join(dir, "data"))

	cfg, err := Load(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Capture.ScreenshotInterval != "3s" {
		t.Errorf("Expected screenshot interval 3s, got %s", cfg.Capture.ScreenshotInterval)
	}
	if cfg.Rotation.Interval != "3m" {
		t.Errorf("Expected rotation interval 3m, got %s", cfg.Rotation.Interval)
	}
	if cfg.Storage.Type != "bolt" {
		t.Errorf("Expected storage type bolt, got %s", cfg.Storage.Type)
	}
	if want := filepath.Join(dir, "data", "ledger.bolt"); cfg.Storage.Path != want {
		t.Errorf("Expected storage path %s, got %s", want, cfg.Storage.Path)
	}
	if _, err := os.Stat(cfg.DataDir); err != nil {
		t.Errorf("Expected data dir to be created: %v", err)
	}

	size, err := cfg.Rotation.MaxSizeBytes()
	if err != nil {
		t.Fatalf("MaxSizeBytes failed: %v", err)
	}
	if size != 10_000_000 {
		t.Errorf("Expected 10MB threshold, got %d", size)
	}
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tracker.yaml")
	content := `
data_dir: ` + filepath.Join(dir, "sessions") + `
rotation:
  interval: 90s
  max_size: 512KiB
  max_records: 100
upload:
  backend: filesystem
  path: /srv/archive
capture:
  quality: 250
  scale: 0.01
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TRACKER_LOGGING_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Rotation.Interval != "90s" {
		t.Errorf("Expected rotation interval 90s, got %s", cfg.Rotation.Interval)
	}
	size, _ := cfg.Rotation.MaxSizeBytes()
	if size != 512*1024 {
		t.Errorf("Expected 524288 bytes, got %d", size)
	}
	if cfg.Rotation.MaxRecords != 100 {
		t.Errorf("Expected max_records 100, got %d", cfg.Rotation.MaxRecords)
	}
	if cfg.Upload.Backend != "filesystem" || cfg.Upload.Path != "/srv/archive" {
		t.Errorf("Unexpected upload config: %+v", cfg.Upload)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected env override for logging level, got %s", cfg.Logging.Level)
	}
	if cfg.Capture.Quality != 100 {
		t.Errorf("Expected quality clamped to 100, got %d", cfg.Capture.Quality)
	}
	if cfg.Capture.Scale != 0.1 {
		t.Errorf("Expected scale clamped to 0.1, got %v", cfg.Capture.Scale)
	}
}

func TestLoad_LegacyEnvironment(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATA_DIR", filepath.Join(dir, "legacy"))
	t.Setenv("B2_BUCKET_NAME", "activity")
	t.Setenv("B2_KEY_ID", "key-id")
	t.Setenv("B2_KEY", "secret")
	t.Setenv("UPLOAD_TO_B2", "false")
	t.Setenv("FOLDER_ROTATION_INTERVAL", "180")
	t.Setenv("FOLDER_MAX_SIZE_MB", "10")

	cfg, err := Load(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DataDir != filepath.Join(dir, "legacy") {
		t.Errorf("Expected legacy data dir, got %s", cfg.DataDir)
	}
	if cfg.Upload.Bucket != "activity" || cfg.Upload.AccessKeyID != "key-id" || cfg.Upload.SecretAccessKey != "secret" {
		t.Errorf("Legacy B2 credentials not applied: %+v", cfg.Upload)
	}
	if cfg.Upload.Enabled {
		t.Error("Expected upload disabled by UPLOAD_TO_B2=false")
	}
	if cfg.Rotation.Interval != "180s" {
		t.Errorf("Expected 180s, got %s", cfg.Rotation.Interval)
	}
	size, _ := cfg.Rotation.MaxSizeBytes()
	if size != 10*1024*1024 {
		t.Errorf("Expected 10 MiB, got %d", size)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad backend", map[string]string{"TRACKER_UPLOAD_BACKEND": "ftp"}},
		{"bad storage", map[string]string{"TRACKER_STORAGE_TYPE": "sqlite"}},
		{"bad size", map[string]string{"TRACKER_ROTATION_MAX_SIZE": "lots"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			t.Setenv("TRACKER_DATA_DIR", dir)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}
