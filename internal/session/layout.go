package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// Prefix starts every session directory name.
	Prefix = "session_"

	EventsFile     = "events.jsonl"
	ProcessesFile  = "processes.jsonl"
	ScreenshotsDir = "screenshots"

	idLayout = "20060102_150405"
)

// Handle is an immutable view of one session directory. It stays valid for
// reading after the session is sealed; writers must go through Manager.Use.
type Handle struct {
	ID        string
	Path      string
	CreatedAt time.Time
}

// EventsPath returns the path of the event stream file.
func (h Handle) EventsPath() string { return filepath.Join(h.Path, EventsFile) }

// ProcessesPath returns the path of the process snapshot file.
func (h Handle) ProcessesPath() string { return filepath.Join(h.Path, ProcessesFile) }

// ScreenshotsPath returns the image subdirectory.
func (h Handle) ScreenshotsPath() string { return filepath.Join(h.Path, ScreenshotsDir) }

// NewID formats t as a session identifier. Identifiers sort in creation
// order: session_YYYYMMDD_HHMMSS_ffffff.
func NewID(t time.Time) string {
	return fmt.Sprintf("%s%s_%06d", Prefix, t.Format(idLayout), t.Nanosecond()/1000)
}

// ParseID recovers the creation time encoded in a session identifier.
func ParseID(id string) (time.Time, error) {
	rest, ok := strings.CutPrefix(id, Prefix)
	if !ok {
		return time.Time{}, fmt.Errorf("not a session id: %q", id)
	}
	if len(rest) != len(idLayout)+7 || rest[len(idLayout)] != '_' {
		return time.Time{}, fmt.Errorf("not a session id: %q", id)
	}
	t, err := time.ParseInLocation(idLayout, rest[:len(idLayout)], time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("not a session id: %q: %w", id, err)
	}
	micros, err := strconv.Atoi(rest[len(idLayout)+1:])
	if err != nil || micros < 0 {
		return time.Time{}, fmt.Errorf("not a session id: %q", id)
	}
	return t.Add(time.Duration(micros) * time.Microsecond), nil
}

// IsID reports whether name is a well-formed session identifier.
func IsID(name string) bool {
	_, err := ParseID(name)
	return err == nil
}

// Scan returns the identifiers of all session directories under root in
// creation order.
func Scan(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() && IsID(entry.Name()) {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// DirSize returns the total size of regular files below path.
func DirSize(path string) (int64, error) {
	var total int64
	err := filepath.WalkDir(path, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}

func create(root, id string, createdAt time.Time) (Handle, error) {
	h := Handle{ID: id, Path: filepath.Join(root, id), CreatedAt: createdAt}
	// The data root may have been removed underneath a running agent.
	if err := os.MkdirAll(root, 0755); err != nil {
		return Handle{}, fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.Mkdir(h.Path, 0755); err != nil {
		return Handle{}, fmt.Errorf("failed to create session directory: %w", err)
	}
	if err := os.Mkdir(h.ScreenshotsPath(), 0755); err != nil {
		_ = os.RemoveAll(h.Path)
		return Handle{}, fmt.Errorf("failed to create screenshots directory: %w", err)
	}
	return h, nil
}
