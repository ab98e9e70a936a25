package session

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/tracker/internal/clock"
	"github.com/goodtune/tracker/internal/storage"
	"github.com/goodtune/tracker/internal/storage/bolt"
	"github.com/rs/zerolog"
)

type recordingUploader struct {
	mu  sync.Mutex
	ids []string
}

func (u *recordingUploader) Enqueue(id string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.ids = append(u.ids, id)
}

func (u *recordingUploader) queued() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.ids...)
}

func appendLine(h Handle, line string) (int64, int, error) {
	f, err := os.OpenFile(h.EventsPath(), os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	n, err := f.WriteString(line + "\n")
	return int64(n), 1, err
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0
	}
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		n++
	}
	return n
}

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	if opts.Root == "" {
		opts.Root = t.TempDir()
	}
	if opts.Clock == nil {
		opts.Clock = &clock.TestClock{CurrentTime: time.Date(2025, 6, 1, 9, 0, 0, 0, time.Local)}
	}
	opts.Logger = zerolog.Nop()
	return NewManager(opts)
}

func TestStartCreatesLayout(t *testing.T) {
	m := newTestManager(t, Options{})

	h, err := m.Start()
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if !IsID(h.ID) {
		t.Errorf("Expected a session id, got %s", h.ID)
	}
	if info, err := os.Stat(h.ScreenshotsPath()); err != nil || !info.IsDir() {
		t.Fatalf("Expected screenshots directory: %v", err)
	}

	cur, err := m.Current()
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}
	if cur.ID != h.ID {
		t.Errorf("Expected current %s, got %s", h.ID, cur.ID)
	}
}

func TestEndToEndRecordRotation(t *testing.T) {
	uploader := &recordingUploader{}
	m := newTestManager(t, Options{MaxRecords: 2, Uploader: uploader})

	if _, err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := m.Use(func(h Handle) (int64, int, error) {
			return appendLine(h, `{"type":"key_release"}`)
		}); err != nil {
			t.Fatalf("Use failed: %v", err)
		}
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	ids := uploader.queued()
	if len(ids) != 3 {
		t.Fatalf("Expected 3 sealed sessions, got %d: %v", len(ids), ids)
	}

	want := []int{2, 2, 1}
	for i, id := range ids {
		if i > 0 && ids[i-1] >= id {
			t.Errorf("Expected increasing ids, got %s then %s", ids[i-1], id)
		}
		got := countLines(t, filepath.Join(m.root, id, EventsFile))
		if got != want[i] {
			t.Errorf("Session %d: expected %d records, got %d", i, want[i], got)
		}
	}
}

func TestTimeRotation(t *testing.T) {
	clk := &clock.TestClock{CurrentTime: time.Date(2025, 6, 1, 9, 0, 0, 0, time.Local)}
	uploader := &recordingUploader{}
	m := newTestManager(t, Options{Interval: 3 * time.Minute, Clock: clk, Uploader: uploader})

	first, err := m.Start()
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := m.Use(func(h Handle) (int64, int, error) { return appendLine(h, "a") }); err != nil {
		t.Fatalf("Use failed: %v", err)
	}

	clk.Advance(2 * time.Minute)
	cur, _ := m.Current()
	if cur.ID != first.ID {
		t.Fatalf("Expected no rotation before the interval, got %s", cur.ID)
	}

	clk.Advance(time.Minute)
	cur, err = m.Current()
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}
	if cur.ID == first.ID {
		t.Fatal("Expected time rotation")
	}
	if got := uploader.queued(); len(got) != 1 || got[0] != first.ID {
		t.Errorf("Expected %s queued, got %v", first.ID, got)
	}
}

func TestSizeRotation(t *testing.T) {
	m := newTestManager(t, Options{MaxBytes: 10})

	first, err := m.Start()
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := m.Use(func(h Handle) (int64, int, error) { return appendLine(h, "0123456789") }); err != nil {
		t.Fatalf("Use failed: %v", err)
	}

	cur, _ := m.Current()
	if cur.ID == first.ID {
		t.Fatal("Expected size rotation after reaching the threshold")
	}
}

func TestEmptySessionNotQueued(t *testing.T) {
	uploader := &recordingUploader{}
	m := newTestManager(t, Options{Uploader: uploader})

	if _, err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := m.Rotate(ReasonTime); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	_ = m.Close()

	if got := uploader.queued(); len(got) != 0 {
		t.Errorf("Expected empty sessions to be skipped, got %v", got)
	}
}

func TestNoCrossSessionWrites(t *testing.T) {
	m := newTestManager(t, Options{})

	first, err := m.Start()
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := m.Use(func(h Handle) (int64, int, error) { return appendLine(h, "before") }); err != nil {
		t.Fatalf("Use failed: %v", err)
	}

	second, err := m.Rotate(ReasonTime)
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := m.Use(func(h Handle) (int64, int, error) { return appendLine(h, "after") }); err != nil {
			t.Fatalf("Use failed: %v", err)
		}
	}

	if got := countLines(t, first.EventsPath()); got != 1 {
		t.Errorf("Expected sealed session to keep 1 record, got %d", got)
	}
	if got := countLines(t, second.EventsPath()); got != 3 {
		t.Errorf("Expected 3 records in the new session, got %d", got)
	}
}

func TestRotationExclusivity(t *testing.T) {
	m := newTestManager(t, Options{MaxRecords: 3})
	if _, err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	const writers, writes = 8, 40
	var wg sync.WaitGroup
	errs := make(chan error, writers*writes)

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < writes; i++ {
				err := m.Use(func(h Handle) (int64, int, error) {
					if _, err := os.Stat(h.ScreenshotsPath()); err != nil {
						return 0, 0, errors.New("observed a partially initialized session")
					}
					return appendLine(h, "x")
				})
				if err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("Use failed: %v", err)
	}

	ids, err := Scan(m.root)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	total := 0
	for _, id := range ids {
		total += countLines(t, filepath.Join(m.root, id, EventsFile))
	}
	if total != writers*writes {
		t.Errorf("Expected %d records across sessions, got %d", writers*writes, total)
	}
	if len(ids) < 2 {
		t.Errorf("Expected rotations to occur, got %d sessions", len(ids))
	}
}

func TestCorruptionRecovery(t *testing.T) {
	uploader := &recordingUploader{}
	m := newTestManager(t, Options{Uploader: uploader})

	first, err := m.Start()
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := m.Use(func(h Handle) (int64, int, error) { return appendLine(h, "a") }); err != nil {
		t.Fatalf("Use failed: %v", err)
	}

	if err := os.RemoveAll(first.Path); err != nil {
		t.Fatalf("remove session: %v", err)
	}

	var wrote Handle
	if err := m.Use(func(h Handle) (int64, int, error) {
		wrote = h
		return appendLine(h, "b")
	}); err != nil {
		t.Fatalf("Use after removal failed: %v", err)
	}

	if wrote.ID == first.ID {
		t.Fatal("Expected write to land in a new session")
	}
	if got := countLines(t, wrote.EventsPath()); got != 1 {
		t.Errorf("Expected 1 record in the recovered session, got %d", got)
	}
	if got := uploader.queued(); len(got) != 0 {
		t.Errorf("Expected missing session not to be queued, got %v", got)
	}
}

func TestCorruptionRecoveryRootRemoved(t *testing.T) {
	root := filepath.Join(t.TempDir(), "data")
	m := newTestManager(t, Options{Root: root})

	first, err := m.Start()
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := os.RemoveAll(root); err != nil {
		t.Fatalf("remove root: %v", err)
	}

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		var wrote Handle
		if err := m.Use(func(h Handle) (int64, int, error) {
			wrote = h
			return appendLine(h, "x")
		}); err != nil {
			t.Fatalf("Use %d after root removal failed: %v", i, err)
		}
		seen[wrote.ID] = true
	}

	if seen[first.ID] {
		t.Fatal("Expected writes to land in a new session")
	}
	if len(seen) != 1 {
		t.Errorf("Expected a single recovered session, got %d", len(seen))
	}
	cur, err := m.Current()
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}
	if got := countLines(t, cur.EventsPath()); got != 3 {
		t.Errorf("Expected 3 records in the recovered session, got %d", got)
	}
}

func TestCorruptionDuringWriteRetries(t *testing.T) {
	m := newTestManager(t, Options{})
	first, err := m.Start()
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	calls := 0
	err = m.Use(func(h Handle) (int64, int, error) {
		calls++
		if calls == 1 {
			_ = os.RemoveAll(h.Path)
		}
		return appendLine(h, "x")
	})
	if err != nil {
		t.Fatalf("Use failed: %v", err)
	}
	if calls != 2 {
		t.Errorf("Expected one retry, got %d calls", calls)
	}

	cur, _ := m.Current()
	if cur.ID == first.ID {
		t.Error("Expected rotation after the session disappeared")
	}
	if got := countLines(t, cur.EventsPath()); got != 1 {
		t.Errorf("Expected the retried record in the new session, got %d", got)
	}
}

func TestStartupReconciliation(t *testing.T) {
	root := t.TempDir()
	leftover := "session_20240101_120000_000000"
	gone := "session_20240101_110000_000000"

	if err := os.MkdirAll(filepath.Join(root, leftover, ScreenshotsDir), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, leftover, EventsFile), []byte("{}\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	for _, name := range []string{gone + ".zip", leftover + ".zip", leftover + ".zip.tmp"} {
		if err := os.WriteFile(filepath.Join(root, name), []byte("PK"), 0644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	ledger, err := bolt.Open(filepath.Join(root, "ledger.bolt"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	defer func() { _ = ledger.Close() }()

	uploader := &recordingUploader{}
	m := newTestManager(t, Options{Root: root, Uploader: uploader, Ledger: ledger.Sessions()})

	active, err := m.Start()
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	got := uploader.queued()
	if len(got) != 1 || got[0] != leftover {
		t.Fatalf("Expected only %s queued, got %v", leftover, got)
	}
	for _, id := range got {
		if id == active.ID {
			t.Fatal("Active session must never be queued")
		}
	}

	if _, err := os.Stat(filepath.Join(root, gone+".zip")); !errors.Is(err, os.ErrNotExist) {
		t.Error("Expected orphan archive to be removed")
	}
	if _, err := os.Stat(filepath.Join(root, leftover+".zip.tmp")); !errors.Is(err, os.ErrNotExist) {
		t.Error("Expected temporary archive to be removed")
	}
	if _, err := os.Stat(filepath.Join(root, leftover+".zip")); err != nil {
		t.Error("Expected archive of a pending session to be kept")
	}

	rec, err := ledger.Sessions().Get(context.Background(), leftover)
	if err != nil {
		t.Fatalf("ledger get: %v", err)
	}
	if rec.Status != storage.StatusSealed {
		t.Errorf("Expected leftover sealed in ledger, got %s", rec.Status)
	}
	rec, err = ledger.Sessions().Get(context.Background(), active.ID)
	if err != nil {
		t.Fatalf("ledger get: %v", err)
	}
	if rec.Status != storage.StatusActive {
		t.Errorf("Expected active session in ledger, got %s", rec.Status)
	}
}

func TestUseAfterClose(t *testing.T) {
	m := newTestManager(t, Options{})
	if _, err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	_ = m.Close()

	err := m.Use(func(h Handle) (int64, int, error) { return 0, 0, nil })
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}
