// Package process enumerates running processes and detects which ones
// started or stopped between two polls.
package process

import (
	"context"
	"errors"
	"time"

	"github.com/goodtune/tracker/internal/event"
)

// ErrUnsupported is returned by NewLister on platforms without a process
// table implementation.
var ErrUnsupported = errors.New("process listing not supported on this platform")

// Info is one entry of a process snapshot. Timestamp is shared by every
// entry of the same snapshot.
type Info struct {
	PID        int32           `json:"pid"`
	Name       string          `json:"name"`
	Exe        string          `json:"exe"`
	Username   string          `json:"username"`
	Status     string          `json:"status"`
	CreateTime float64         `json:"create_time"`
	Timestamp  event.Timestamp `json:"timestamp"`
}

// Lister enumerates running processes. Processes that vanish or deny access
// while being read are skipped or reported with empty fields.
type Lister interface {
	List(ctx context.Context) ([]Info, error)
}

// ListerFunc adapts a function to the Lister interface.
type ListerFunc func(ctx context.Context) ([]Info, error)

// List calls f.
func (f ListerFunc) List(ctx context.Context) ([]Info, error) { return f(ctx) }

// Stamp sets the snapshot timestamp on every entry.
func Stamp(infos []Info, at time.Time) {
	ts := event.At(at)
	for i := range infos {
		infos[i].Timestamp = ts
	}
}
