package process

import (
	"testing"
	"time"

	"github.com/goodtune/tracker/internal/event"
	"pgregory.net/rapid"
)

func TestDetectorDiff(t *testing.T) {
	d := NewDetector()

	first := d.Diff([]Info{{PID: 1, Name: "a"}, {PID: 2, Name: "b"}})
	if len(first.Started) != 2 || len(first.Stopped) != 0 {
		t.Fatalf("Expected first poll to report 2 started, got %+v", first)
	}

	changes := d.Diff([]Info{{PID: 2, Name: "b"}, {PID: 3, Name: "c"}})
	if len(changes.Started) != 1 || changes.Started[0].PID != 3 {
		t.Errorf("Expected pid 3 started, got %+v", changes.Started)
	}
	if len(changes.Stopped) != 1 || changes.Stopped[0].PID != 1 || changes.Stopped[0].Name != "a" {
		t.Errorf("Expected pid 1 (a) stopped, got %+v", changes.Stopped)
	}

	again := d.Diff([]Info{{PID: 2, Name: "b"}, {PID: 3, Name: "c"}})
	if len(again.Started) != 0 || len(again.Stopped) != 0 {
		t.Errorf("Expected no changes for an identical poll, got %+v", again)
	}
}

func TestDetectorPidReuseNotReported(t *testing.T) {
	d := NewDetector()
	d.Diff([]Info{{PID: 10, Name: "bash"}})

	changes := d.Diff([]Info{{PID: 10, Name: "python"}})
	if len(changes.Started) != 0 || len(changes.Stopped) != 0 {
		t.Errorf("Expected pid reuse to be invisible, got %+v", changes)
	}
}

func TestChangesRecords(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.Local)
	changes := Changes{
		Started: []Info{{PID: 3, Name: "c", Exe: "/bin/c", Username: "alice"}},
		Stopped: []Info{{PID: 1, Name: "a", Exe: "/bin/a"}},
	}

	records := changes.Records(at)
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}
	if records[0].Kind() != event.KindProcessStarted || records[1].Kind() != event.KindProcessStopped {
		t.Errorf("Unexpected kinds: %s, %s", records[0].Kind(), records[1].Kind())
	}
	started := records[0].(*event.ProcessStarted)
	if started.Username != "alice" || started.PID != 3 {
		t.Errorf("Unexpected started record: %+v", started)
	}
}

func TestStampSharesTimestamp(t *testing.T) {
	infos := []Info{{PID: 1}, {PID: 2}}
	at := time.Date(2025, 1, 2, 3, 4, 5, 6000, time.Local)
	Stamp(infos, at)

	if infos[0].Timestamp != infos[1].Timestamp {
		t.Error("Expected one timestamp per snapshot")
	}
	if !infos[0].Timestamp.Time().Equal(at) {
		t.Errorf("Expected %v, got %v", at, infos[0].Timestamp.Time())
	}
}

func TestDetectorDiffIsSetDifference(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		d := NewDetector()
		var previous map[int32]bool

		for round := 0; round < 4; round++ {
			pids := rapid.SliceOfDistinct(rapid.Int32Range(1, 50), func(p int32) int32 { return p }).Draw(t, "pids")
			current := make(map[int32]bool, len(pids))
			infos := make([]Info, len(pids))
			for i, pid := range pids {
				current[pid] = true
				infos[i] = Info{PID: pid}
			}

			changes := d.Diff(infos)

			started := map[int32]bool{}
			for _, p := range changes.Started {
				if started[p.PID] {
					t.Fatalf("pid %d reported started twice", p.PID)
				}
				started[p.PID] = true
				if !current[p.PID] || previous[p.PID] {
					t.Fatalf("pid %d is not in current - previous", p.PID)
				}
			}
			for pid := range current {
				if !previous[pid] && !started[pid] {
					t.Fatalf("pid %d missing from started", pid)
				}
			}

			stopped := map[int32]bool{}
			for _, p := range changes.Stopped {
				stopped[p.PID] = true
				if current[p.PID] || !previous[p.PID] {
					t.Fatalf("pid %d is not in previous - current", p.PID)
				}
			}
			for pid := range previous {
				if !current[pid] && !stopped[pid] {
					t.Fatalf("pid %d missing from stopped", pid)
				}
			}

			previous = current
		}
	})
}
