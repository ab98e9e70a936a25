package lockscreen

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/goodtune/tracker/internal/process"
)

// ErrUnsupported is returned when no lock-screen process names are known for
// the current platform.
var ErrUnsupported = errors.New("lock screen detection not supported on this platform")

// commLen is the length Linux truncates process names to.
const commLen = 15

// Detector reports whether the screen is currently locked.
type Detector interface {
	Locked(ctx context.Context) (bool, error)
}

// ProcessDetector considers the screen locked while any known lock-screen
// program is running.
type ProcessDetector struct {
	lister process.Lister
	names  []string
}

// NewProcessDetector returns a detector matching names against the process
// table. Matching is case-insensitive on the process name and the
// executable's base name.
func NewProcessDetector(lister process.Lister, names []string) *ProcessDetector {
	lower := make([]string, len(names))
	for i, n := range names {
		lower[i] = strings.ToLower(n)
	}
	return &ProcessDetector{lister: lister, names: lower}
}

// New returns a ProcessDetector using the platform's lock-screen program
// names.
func New(lister process.Lister) (Detector, error) {
	if len(platformNames) == 0 {
		return nil, ErrUnsupported
	}
	return NewProcessDetector(lister, platformNames), nil
}

// Locked implements Detector.
func (d *ProcessDetector) Locked(ctx context.Context) (bool, error) {
	procs, err := d.lister.List(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to list processes: %w", err)
	}
	for _, p := range procs {
		if d.matches(p) {
			return true, nil
		}
	}
	return false, nil
}

func (d *ProcessDetector) matches(p process.Info) bool {
	name := strings.ToLower(p.Name)
	exe := strings.ToLower(filepath.Base(p.Exe))
	for _, want := range d.names {
		if name == want || (p.Exe != "" && exe == want) {
			return true
		}
		if len(name) == commLen && strings.HasPrefix(want, name) {
			return true
		}
	}
	return false
}
