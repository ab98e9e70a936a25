//go:build linux

package process

import (
	"context"
	"fmt"
	"os/user"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/procfs"
)

// stateNames maps /proc/<pid>/stat state letters to the words used in
// snapshots.
var stateNames = map[string]string{
	"R": "running",
	"S": "sleeping",
	"D": "disk-sleep",
	"Z": "zombie",
	"T": "stopped",
	"t": "tracing-stop",
	"X": "dead",
	"x": "dead",
	"I": "idle",
	"K": "wake-kill",
	"W": "waking",
	"P": "parked",
}

type procLister struct {
	fs    procfs.FS
	users *lru.Cache[string, string]
}

// NewLister returns a Lister backed by /proc.
func NewLister() (Lister, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs: %w", err)
	}
	users, err := lru.New[string, string](256)
	if err != nil {
		return nil, fmt.Errorf("failed to create user cache: %w", err)
	}
	return &procLister{fs: fs, users: users}, nil
}

func (l *procLister) List(ctx context.Context) ([]Info, error) {
	procs, err := l.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	infos := make([]Info, 0, len(procs))
	for _, p := range procs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		stat, err := p.Stat()
		if err != nil {
			// exited while listing
			continue
		}

		info := Info{
			PID:    int32(p.PID),
			Name:   stat.Comm,
			Status: stateNames[stat.State],
		}
		if comm, err := p.Comm(); err == nil {
			info.Name = comm
		}
		if exe, err := p.Executable(); err == nil {
			info.Exe = exe
		}
		if start, err := stat.StartTime(); err == nil {
			info.CreateTime = start
		}
		if status, err := p.NewStatus(); err == nil {
			info.Username = l.username(fmt.Sprint(status.UIDs[0]))
		}

		infos = append(infos, info)
	}
	return infos, nil
}

// username resolves uid to a login name, falling back to the numeric uid.
func (l *procLister) username(uid string) string {
	if name, ok := l.users.Get(uid); ok {
		return name
	}
	name := uid
	if u, err := user.LookupId(uid); err == nil {
		name = u.Username
	}
	l.users.Add(uid, name)
	return name
}
