package process

import (
	"sort"
	"time"

	"github.com/goodtune/tracker/internal/event"
)

// Changes holds the transitions found by one poll.
type Changes struct {
	Started []Info
	Stopped []Info
}

// Detector remembers the previous poll keyed by pid. It is not safe for
// concurrent use; one monitor loop owns it.
type Detector struct {
	previous map[int32]Info
}

// NewDetector returns a detector with an empty history, so the first poll
// reports every process as started.
func NewDetector() *Detector {
	return &Detector{previous: make(map[int32]Info)}
}

// Diff compares current with the previous poll and replaces the remembered
// set with current. A pid reused by a different program between two polls
// is not reported.
func (d *Detector) Diff(current []Info) Changes {
	var changes Changes

	seen := make(map[int32]Info, len(current))
	for _, p := range current {
		if _, dup := seen[p.PID]; dup {
			continue
		}
		seen[p.PID] = p
		if _, ok := d.previous[p.PID]; !ok {
			changes.Started = append(changes.Started, p)
		}
	}

	for pid, p := range d.previous {
		if _, ok := seen[pid]; !ok {
			changes.Stopped = append(changes.Stopped, p)
		}
	}
	sort.Slice(changes.Stopped, func(i, j int) bool {
		return changes.Stopped[i].PID < changes.Stopped[j].PID
	})

	d.previous = seen
	return changes
}

// Records converts changes into event records stamped at.
func (c Changes) Records(at time.Time) []event.Record {
	records := make([]event.Record, 0, len(c.Started)+len(c.Stopped))
	for _, p := range c.Started {
		records = append(records, event.NewProcessStarted(at, p.PID, p.Name, p.Exe, p.Username))
	}
	for _, p := range c.Stopped {
		records = append(records, event.NewProcessStopped(at, p.PID, p.Name, p.Exe))
	}
	return records
}
