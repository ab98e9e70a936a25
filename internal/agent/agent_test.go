package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goodtune/tracker/internal/capture"
	"github.com/goodtune/tracker/internal/journal"
	"github.com/goodtune/tracker/internal/process"
	"github.com/goodtune/tracker/internal/remote"
	"github.com/goodtune/tracker/internal/session"
	"github.com/goodtune/tracker/internal/storage"
	"github.com/goodtune/tracker/internal/storage/bolt"
	"github.com/goodtune/tracker/internal/upload"
	"github.com/rs/zerolog"
)

type chanInput struct {
	ch chan capture.InputEvent
}

func (c *chanInput) Events() <-chan capture.InputEvent { return c.ch }
func (c *chanInput) Close() error {
	close(c.ch)
	return nil
}

type unreachable struct {
	*remote.Filesystem
}

func (unreachable) Check(context.Context) error {
	return errors.New("403 Forbidden: invalid key id")
}

func testOptions(t *testing.T, input capture.InputSource, store remote.Store) Options {
	t.Helper()
	return Options{
		DataDir: t.TempDir(),
		Session: session.Options{Interval: time.Hour, MaxRecords: 2},
		Journal: journal.Options{PollInterval: 10 * time.Millisecond, DrainTimeout: 5 * time.Second},
		Capture: capture.Options{
			Input: input,
			Processes: process.ListerFunc(func(context.Context) ([]process.Info, error) {
				return nil, nil
			}),
		},
		Upload:        upload.Options{Prefix: "test/", PollInterval: 10 * time.Millisecond},
		Remote:        store,
		ShutdownGrace: 5 * time.Second,
		Logger:        zerolog.Nop(),
	}
}

func newFilesystem(t *testing.T) *remote.Filesystem {
	t.Helper()
	fs, err := remote.NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystem failed: %v", err)
	}
	return fs
}

func sendKeys(input *chanInput, keys ...string) {
	for _, k := range keys {
		input.ch <- capture.InputEvent{Kind: capture.InputKey, Key: k, KeyCode: "'" + k + "'"}
	}
}

func TestAgentUploadsAllSessions(t *testing.T) {
	store := newFilesystem(t)
	input := &chanInput{ch: make(chan capture.InputEvent, 16)}
	opts := testOptions(t, input, store)

	ledger, err := bolt.Open(filepath.Join(t.TempDir(), "ledger.bolt"))
	if err != nil {
		t.Fatalf("bolt.Open failed: %v", err)
	}
	defer ledger.Close()
	opts.Ledger = ledger.Sessions()

	a := New(opts)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sendKeys(input, "a", "b", "c", "d", "e")
	stats := a.Stop()

	if !stats.UploadEnabled {
		t.Fatal("Expected upload enabled")
	}
	if stats.KeyEvents != 5 || stats.EventsWritten != 5 {
		t.Errorf("Expected 5 key events written, got %+v", stats)
	}
	if len(stats.PendingUploads) != 0 {
		t.Errorf("Expected nothing pending, got %v", stats.PendingUploads)
	}
	if stats.ScreenLocked {
		t.Error("Expected the screen reported unlocked")
	}

	objs, err := store.List(context.Background(), "test/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(objs) != 3 {
		t.Fatalf("Expected 3 uploaded sessions ({2,2,1}), got %d", len(objs))
	}
	for i := 1; i < len(objs); i++ {
		if objs[i-1].Key >= objs[i].Key {
			t.Errorf("Expected increasing keys, got %s then %s", objs[i-1].Key, objs[i].Key)
		}
	}
	if stats.UploadsSucceeded != 3 {
		t.Errorf("Expected 3 successful uploads, got %d", stats.UploadsSucceeded)
	}

	ids, err := session.Scan(opts.DataDir)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("Expected every non-empty session uploaded and deleted, found %v", ids)
	}

	records, err := ledger.Sessions().List(context.Background())
	if err != nil {
		t.Fatalf("ledger List failed: %v", err)
	}
	uploaded := 0
	for _, r := range records {
		if r.Status == storage.StatusUploaded {
			uploaded++
		}
	}
	if uploaded != 3 {
		t.Errorf("Expected 3 UPLOADED ledger records, got %d of %d", uploaded, len(records))
	}
}

func TestAgentRemoteCheckFailureKeepsCapturing(t *testing.T) {
	input := &chanInput{ch: make(chan capture.InputEvent, 16)}
	opts := testOptions(t, input, unreachable{newFilesystem(t)})

	a := New(opts)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sendKeys(input, "a", "b", "c")
	stats := a.Stop()

	if stats.UploadEnabled {
		t.Error("Expected upload disabled after a failed remote check")
	}
	if stats.EventsWritten != 3 {
		t.Errorf("Expected capture to continue, got %d events written", stats.EventsWritten)
	}

	ids, err := session.Scan(opts.DataDir)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("Expected sessions kept locally ({2,1}), got %v", ids)
	}
	for _, id := range ids {
		if !strings.HasPrefix(id, session.Prefix) {
			t.Errorf("Unexpected directory %s", id)
		}
		if _, err := os.Stat(filepath.Join(opts.DataDir, id, session.EventsFile)); err != nil {
			t.Errorf("Expected events file in %s: %v", id, err)
		}
	}
}

func TestAgentWithoutRemote(t *testing.T) {
	opts := testOptions(t, nil, nil)
	opts.Capture.Input = nil

	a := New(opts)
	if a.RunID() == "" {
		t.Fatal("Expected a run id")
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := a.Start(context.Background()); err == nil {
		t.Error("Expected second Start to fail")
	}
	stats := a.Stop()
	if stats.UploadEnabled {
		t.Error("Expected upload disabled without a remote")
	}
	if stats.RunID != a.RunID() {
		t.Errorf("Expected run id %s in stats, got %s", a.RunID(), stats.RunID)
	}
}
