package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/goodtune/tracker/internal/config"
	"github.com/goodtune/tracker/internal/event"
	"github.com/goodtune/tracker/internal/process"
	"github.com/goodtune/tracker/internal/session"
	"github.com/spf13/cobra"
)

const reportListLimit = 10

var reportCmd = &cobra.Command{
	Use:   "report [SESSION]",
	Short: "Summarize captured activity",
	Long: `Print an activity summary of one local session, or of every session still
in the data directory when no session is given: event counts, lock history,
process changes, top keys, activity by hour and process snapshots.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReport,
}

func init() {
	sessionsCmd.AddCommand(reportCmd)
}

type lockEntry struct {
	Locked bool
	At     event.Timestamp
}

type processChange struct {
	Started bool
	Name    string
	PID     int32
	At      event.Timestamp
}

type countEntry struct {
	Name  string
	Count int
}

type activityReport struct {
	Sessions int

	TotalEvents    int
	ByKind         map[event.Kind]int
	Locks          []lockEntry
	ProcessChanges []processChange
	Keys           map[string]int
	ByHour         map[int]int
	Malformed      int

	Snapshots        int
	ProcessSnapshots map[string]int

	Screenshots     int
	ScreenshotBytes int64
}

func newActivityReport() *activityReport {
	return &activityReport{
		ByKind:           make(map[event.Kind]int),
		Keys:             make(map[string]int),
		ByHour:           make(map[int]int),
		ProcessSnapshots: make(map[string]int),
	}
}

// eventLine carries the fields of any record the report looks at.
type eventLine struct {
	Type      event.Kind      `json:"type"`
	Timestamp event.Timestamp `json:"timestamp"`
	Key       string          `json:"key"`
	Name      string          `json:"name"`
	PID       int32           `json:"pid"`
}

func runReport(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ids := args
	if len(ids) == 0 {
		ids, err = session.Scan(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to scan %s: %w", cfg.DataDir, err)
		}
		if len(ids) == 0 {
			fmt.Fprintf(os.Stdout, "No sessions in %s\n", cfg.DataDir)
			return nil
		}
	} else if !session.IsID(ids[0]) {
		return fmt.Errorf("invalid session id: %s", ids[0])
	}

	r := newActivityReport()
	for _, id := range ids {
		if err := r.addSession(filepath.Join(cfg.DataDir, id)); err != nil {
			return err
		}
	}
	r.print(os.Stdout)
	return nil
}

func (r *activityReport) addSession(dir string) error {
	h := session.Handle{ID: filepath.Base(dir), Path: dir}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return fmt.Errorf("no such session: %s", h.ID)
	}
	r.Sessions++

	if err := r.readEvents(h.EventsPath()); err != nil {
		return err
	}
	if err := r.readSnapshots(h.ProcessesPath()); err != nil {
		return err
	}
	return r.countScreenshots(h.ScreenshotsPath())
}

func (r *activityReport) readEvents(path string) error {
	return scanLines(path, func(line []byte) {
		var ev eventLine
		if err := json.Unmarshal(line, &ev); err != nil || ev.Type == "" {
			r.Malformed++
			return
		}

		r.TotalEvents++
		r.ByKind[ev.Type]++
		r.ByHour[ev.Timestamp.Time().Hour()]++

		switch ev.Type {
		case event.KindKeyRelease:
			r.Keys[ev.Key]++
		case event.KindScreenLocked, event.KindScreenUnlocked:
			r.Locks = append(r.Locks, lockEntry{Locked: ev.Type == event.KindScreenLocked, At: ev.Timestamp})
		case event.KindProcessStarted, event.KindProcessStopped:
			r.ProcessChanges = append(r.ProcessChanges, processChange{
				Started: ev.Type == event.KindProcessStarted,
				Name:    ev.Name,
				PID:     ev.PID,
				At:      ev.Timestamp,
			})
		}
	})
}

// readSnapshots groups consecutive process lines sharing a timestamp into
// one snapshot.
func (r *activityReport) readSnapshots(path string) error {
	var current string
	seen := make(map[string]bool)
	flush := func() {
		if len(seen) == 0 {
			return
		}
		r.Snapshots++
		for name := range seen {
			r.ProcessSnapshots[name]++
		}
		seen = make(map[string]bool)
	}

	err := scanLines(path, func(line []byte) {
		var info process.Info
		if err := json.Unmarshal(line, &info); err != nil {
			r.Malformed++
			return
		}
		if stamp := info.Timestamp.String(); stamp != current {
			flush()
			current = stamp
		}
		seen[info.Name] = true
	})
	flush()
	return err
}

func (r *activityReport) countScreenshots(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jpg") {
			continue
		}
		r.Screenshots++
		if info, err := e.Info(); err == nil {
			r.ScreenshotBytes += info.Size()
		}
	}
	return nil
}

func scanLines(path string, fn func([]byte)) error {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		fn(line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return nil
}

// topCounts orders counts descending, breaking ties by name.
func topCounts(m map[string]int, n int) []countEntry {
	entries := make([]countEntry, 0, len(m))
	for name, count := range m {
		entries = append(entries, countEntry{Name: name, Count: count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].Name < entries[j].Name
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	return entries
}

func (r *activityReport) print(w io.Writer) {
	heading := color.New(color.FgCyan, color.Bold)
	dim := color.New(color.Faint)
	rule := strings.Repeat("-", 60)

	heading.Fprintln(w, "ACTIVITY REPORT")
	fmt.Fprintf(w, "Sessions: %d\n\n", r.Sessions)

	heading.Fprintln(w, "KEYBOARD & MOUSE ACTIVITY")
	fmt.Fprintln(w, rule)
	if r.TotalEvents == 0 {
		fmt.Fprint(w, "No events found\n\n")
	} else {
		fmt.Fprintf(w, "Total events: %s\n", humanize.Comma(int64(r.TotalEvents)))
		for _, kind := range []event.Kind{
			event.KindKeyRelease,
			event.KindMouseClick,
			event.KindScreenLocked,
			event.KindScreenUnlocked,
			event.KindProcessStarted,
			event.KindProcessStopped,
			event.KindScreenshot,
		} {
			fmt.Fprintf(w, "%s: %s\n", kind, humanize.Comma(int64(r.ByKind[kind])))
		}
		fmt.Fprintln(w)

		if len(r.Locks) > 0 {
			fmt.Fprintln(w, "Lock/unlock events:")
			for _, l := range r.Locks[:min(len(r.Locks), reportListLimit)] {
				state := "unlocked"
				if l.Locked {
					state = "locked"
				}
				fmt.Fprintf(w, "  %s: %s\n", state, l.At)
			}
			if extra := len(r.Locks) - reportListLimit; extra > 0 {
				dim.Fprintf(w, "  ... and %d more\n", extra)
			}
			fmt.Fprintln(w)
		}

		if len(r.ProcessChanges) > 0 {
			fmt.Fprintf(w, "Recent process changes (last %d):\n", reportListLimit)
			start := max(0, len(r.ProcessChanges)-reportListLimit)
			for _, c := range r.ProcessChanges[start:] {
				state := "stopped"
				if c.Started {
					state = "started"
				}
				fmt.Fprintf(w, "  %s: %s (PID: %d) at %s\n", state, c.Name, c.PID, c.At)
			}
			if start > 0 {
				dim.Fprintf(w, "  ... and %d more\n", start)
			}
			fmt.Fprintln(w)
		}

		if len(r.Keys) > 0 {
			fmt.Fprintf(w, "Most pressed keys (top %d):\n", reportListLimit)
			for _, e := range topCounts(r.Keys, reportListLimit) {
				fmt.Fprintf(w, "  %s: %d\n", e.Name, e.Count)
			}
			fmt.Fprintln(w)
		}

		fmt.Fprintln(w, "Activity by hour:")
		hours := make([]int, 0, len(r.ByHour))
		for h := range r.ByHour {
			hours = append(hours, h)
		}
		sort.Ints(hours)
		for _, h := range hours {
			fmt.Fprintf(w, "  %02d:00 - %d events\n", h, r.ByHour[h])
		}
		fmt.Fprintln(w)
	}

	heading.Fprintln(w, "PROCESS MONITORING")
	fmt.Fprintln(w, rule)
	if r.Snapshots == 0 {
		fmt.Fprint(w, "No process data found\n\n")
	} else {
		fmt.Fprintf(w, "Total snapshots: %d\n", r.Snapshots)
		fmt.Fprintf(w, "Unique processes: %d\n\n", len(r.ProcessSnapshots))
		fmt.Fprintf(w, "Most common processes (top %d):\n", reportListLimit)
		for _, e := range topCounts(r.ProcessSnapshots, reportListLimit) {
			fmt.Fprintf(w, "  %s: appeared in %d snapshots\n", e.Name, e.Count)
		}
		fmt.Fprintln(w)
	}

	heading.Fprintln(w, "SCREENSHOTS")
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Total images: %d (%s)\n", r.Screenshots, humanize.Bytes(uint64(r.ScreenshotBytes)))

	if r.Malformed > 0 {
		color.New(color.FgYellow).Fprintf(w, "\n⚠️  Skipped %d malformed line(s)\n", r.Malformed)
	}
}
