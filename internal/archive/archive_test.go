package archive

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"
)

func TestCompressLayout(t *testing.T) {
	root := t.TempDir()
	id := "session_20250102_030405_000000"
	dir := filepath.Join(root, id)

	files := map[string]string{
		"events.jsonl":    `{"type":"key_release"}` + "\n",
		"processes.jsonl": `{"pid":1}` + "\n",
		"screenshots/2025-01-02T03-04-05_monitor_1.jpg": "\xff\xd8jpeg",
	}
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	path, err := Compress(context.Background(), dir)
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	if path != filepath.Join(root, id+".zip") {
		t.Errorf("Unexpected archive path %s", path)
	}
	if _, err := os.Stat(path + ".tmp"); !errors.Is(err, os.ErrNotExist) {
		t.Error("Expected temporary archive to be gone")
	}
	if _, err := os.Stat(dir); err != nil {
		t.Error("Expected session directory to be left in place")
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer zr.Close()

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)

		rel, ok := strings.CutPrefix(f.Name, id+"/")
		if !ok {
			t.Errorf("Entry %s is outside the session folder", f.Name)
			continue
		}
		want, isFile := files[rel]
		if !isFile {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open entry: %v", err)
		}
		got, _ := io.ReadAll(rc)
		rc.Close()
		if string(got) != want {
			t.Errorf("Entry %s: expected %q, got %q", f.Name, want, got)
		}

		wantMethod := zip.Deflate
		if filepath.Ext(rel) == ".jpg" {
			wantMethod = zip.Store
		}
		if f.Method != wantMethod {
			t.Errorf("Entry %s: expected method %d, got %d", f.Name, wantMethod, f.Method)
		}
	}

	sort.Strings(names)
	if len(names) == 0 || names[0] != id+"/" {
		t.Errorf("Expected top-level folder entry, got %v", names)
	}
}

func TestCompressMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "session_20250102_030405_000000")

	if _, err := Compress(context.Background(), dir); err == nil {
		t.Fatal("Expected error for missing directory")
	}
	if _, err := os.Stat(PathFor(dir)); !errors.Is(err, os.ErrNotExist) {
		t.Error("Expected no archive for a missing directory")
	}
}

func TestCompressCanceled(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "session_20250102_030405_000000")
	if err := os.MkdirAll(filepath.Join(dir, "screenshots"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := Compress(ctx, dir); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if _, err := os.Stat(PathFor(dir) + ".tmp"); !errors.Is(err, os.ErrNotExist) {
		t.Error("Expected temporary archive to be removed")
	}
}
