package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goodtune/tracker/internal/clock"
	"github.com/goodtune/tracker/internal/metrics"
	"github.com/goodtune/tracker/internal/storage"
	"github.com/rs/zerolog"
)

// ErrClosed is returned by Use after the manager has been closed.
var ErrClosed = errors.New("session manager closed")

// Reason records why a session was sealed.
type Reason string

const (
	ReasonStartup    Reason = "startup"
	ReasonTime       Reason = "time"
	ReasonSize       Reason = "size"
	ReasonRecords    Reason = "records"
	ReasonCorruption Reason = "corruption"
	ReasonShutdown   Reason = "shutdown"
)

// maxRotations bounds the rotations a single Use call may trigger.
const maxRotations = 10

// Uploader accepts sealed session identifiers.
type Uploader interface {
	Enqueue(id string)
}

// WriteFunc writes into the session h and reports how many bytes and log
// records it appended.
type WriteFunc func(h Handle) (bytes int64, records int, err error)

// Options configures a Manager.
type Options struct {
	Root       string
	Interval   time.Duration // 0 disables time rotation
	MaxBytes   int64         // 0 disables size rotation
	MaxRecords int           // 0 disables record-count rotation
	Clock      clock.Clock
	Ledger     storage.SessionStore
	Uploader   Uploader // nil when upload is disabled
	Logger     zerolog.Logger
}

// Manager owns the active session. Writers hold a read lock for the duration
// of a write; rotation takes the write lock, so a rotation never interleaves
// with a write and a returned handle always has its subdirectories.
type Manager struct {
	root       string
	interval   time.Duration
	maxBytes   int64
	maxRecords int
	clock      clock.Clock
	ledger     storage.SessionStore
	uploader   Uploader
	logger     zerolog.Logger

	mu      sync.RWMutex
	current *active
	closed  bool
	lastID  string

	rotations atomic.Int64
}

type active struct {
	Handle
	bytes   atomic.Int64
	records atomic.Int64
}

// NewManager creates a manager. Call Start before use.
func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Ledger == nil {
		opts.Ledger = storage.Discard.Sessions()
	}
	return &Manager{
		root:       opts.Root,
		interval:   opts.Interval,
		maxBytes:   opts.MaxBytes,
		maxRecords: opts.MaxRecords,
		clock:      opts.Clock,
		ledger:     opts.Ledger,
		uploader:   opts.Uploader,
		logger:     opts.Logger.With().Str("component", "session").Logger(),
	}
}

// Root returns the data directory holding session directories.
func (m *Manager) Root() string { return m.root }

// Rotations returns how many sessions have been sealed since Start.
func (m *Manager) Rotations() int64 { return m.rotations.Load() }

// Start creates the first active session and reconciles directories left by
// a previous run: each is sealed in the ledger and queued for upload.
func (m *Manager) Start() (Handle, error) {
	if err := os.MkdirAll(m.root, 0755); err != nil {
		return Handle{}, fmt.Errorf("failed to create data directory: %w", err)
	}

	h, err := m.Rotate(ReasonStartup)
	if err != nil {
		return Handle{}, err
	}

	if err := m.reconcile(h.ID); err != nil {
		m.logger.Error().Err(err).Msg("Startup reconciliation failed")
	}
	return h, nil
}

func (m *Manager) reconcile(activeID string) error {
	ids, err := Scan(m.root)
	if err != nil {
		return err
	}

	pending := 0
	for _, id := range ids {
		if id == activeID {
			continue
		}
		pending++

		created, _ := ParseID(id)
		size, _ := DirSize(filepath.Join(m.root, id))
		m.record(id, func(r *storage.SessionRecord) {
			if r.CreatedAt.IsZero() {
				r.CreatedAt = created
			}
			if r.Status != storage.StatusFailed {
				r.Status = storage.StatusSealed
			}
			if r.Reason == "" {
				r.Reason = string(ReasonStartup)
			}
			r.Size = size
		})

		if m.uploader != nil {
			m.uploader.Enqueue(id)
		}
	}

	m.removeOrphanArchives()

	if pending > 0 {
		m.logger.Info().
			Int("sessions", pending).
			Bool("upload_enabled", m.uploader != nil).
			Msg("Found sessions from a previous run")
	}
	return nil
}

// removeOrphanArchives deletes temporary archives and archives whose
// session directory is gone; the upload that produced them has finished.
func (m *Manager) removeOrphanArchives() {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, Prefix) {
			continue
		}

		orphan := strings.HasSuffix(name, ".tmp")
		if id, ok := strings.CutSuffix(name, ".zip"); ok {
			if _, err := os.Stat(filepath.Join(m.root, id)); errors.Is(err, fs.ErrNotExist) {
				orphan = true
			}
		}
		if !orphan {
			continue
		}

		path := filepath.Join(m.root, name)
		if err := os.Remove(path); err != nil {
			m.logger.Warn().Err(err).Str("path", path).Msg("Failed to remove orphan archive")
			continue
		}
		m.logger.Debug().Str("path", path).Msg("Removed orphan archive")
	}
}

// Current returns the active session, rotating first if a threshold has been
// reached.
func (m *Manager) Current() (Handle, error) {
	var h Handle
	err := m.Use(func(current Handle) (int64, int, error) {
		h = current
		return 0, 0, nil
	})
	return h, err
}

// Use runs fn against the active session while holding off rotation. If the
// session needs rotating, it is rotated before fn runs. If fn fails because
// the session directory disappeared, the session is rotated and fn is
// retried once in the new session.
func (m *Manager) Use(fn WriteFunc) error {
	retried := false
	for rotations := 0; ; {
		m.mu.RLock()
		if m.closed {
			m.mu.RUnlock()
			return ErrClosed
		}

		if reason, ok := m.rotationDue(); ok {
			seen := ""
			if m.current != nil {
				seen = m.current.ID
			}
			m.mu.RUnlock()

			if rotations >= maxRotations {
				return fmt.Errorf("session rotation did not settle after %d attempts", rotations)
			}
			rotated, err := m.rotateFrom(seen, reason)
			if err != nil {
				return err
			}
			if rotated {
				rotations++
			}
			continue
		}

		cur := m.current
		bytes, records, err := fn(cur.Handle)
		total := cur.bytes.Add(bytes)
		cur.records.Add(int64(records))
		m.mu.RUnlock()

		metrics.ActiveSessionBytes.Set(float64(total))

		if err != nil && errors.Is(err, fs.ErrNotExist) && !retried {
			retried = true
			m.logger.Warn().Err(err).Str("session_id", cur.ID).Msg("Session directory missing, rotating")
			if _, rerr := m.rotateFrom(cur.ID, ReasonCorruption); rerr != nil {
				return rerr
			}
			continue
		}
		return err
	}
}

// rotationDue must be called with at least the read lock held.
func (m *Manager) rotationDue() (Reason, bool) {
	cur := m.current
	if cur == nil {
		return ReasonStartup, true
	}

	if m.interval > 0 && m.clock.Now().Sub(cur.CreatedAt) >= m.interval {
		return ReasonTime, true
	}

	if m.maxBytes > 0 && cur.bytes.Load() >= m.maxBytes {
		return ReasonSize, true
	}
	if m.maxRecords > 0 && cur.records.Load() >= int64(m.maxRecords) {
		return ReasonRecords, true
	}
	if _, err := os.Stat(cur.ScreenshotsPath()); err != nil {
		return ReasonCorruption, true
	}
	return "", false
}

// Rotate seals the active session and makes a new one active.
func (m *Manager) Rotate(reason Reason) (Handle, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Handle{}, ErrClosed
	}
	h, sealed, err := m.rotateLocked(reason)
	m.mu.Unlock()

	m.afterRotate(h, sealed, reason, err)
	return h, err
}

// rotateFrom rotates only if the session seen by the caller is still active,
// so concurrent writers that noticed the same threshold rotate once.
func (m *Manager) rotateFrom(seen string, reason Reason) (bool, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false, ErrClosed
	}
	if m.current != nil && m.current.ID != seen {
		m.mu.Unlock()
		return false, nil
	}
	h, sealed, err := m.rotateLocked(reason)
	m.mu.Unlock()

	m.afterRotate(h, sealed, reason, err)
	return err == nil, err
}

// rotateLocked must be called with the write lock held. The new directory is
// fully created before it becomes visible. The previous session is queued
// for upload only after it stops being active.
func (m *Manager) rotateLocked(reason Reason) (Handle, *active, error) {
	now := m.clock.Now()
	id := m.nextID(now)

	h, err := create(m.root, id, now)
	if err != nil {
		return Handle{}, nil, err
	}
	m.lastID = id

	prev := m.current
	m.current = &active{Handle: h}
	metrics.ActiveSessionBytes.Set(0)

	if prev != nil {
		m.rotations.Add(1)
		metrics.SessionRotations.WithLabelValues(string(reason)).Inc()
		m.enqueueSealed(prev)
	}

	m.logger.Info().
		Str("session_id", id).
		Str("reason", string(reason)).
		Msg("Session started")

	return h, prev, nil
}

// afterRotate records the transition in the ledger outside the lock.
func (m *Manager) afterRotate(h Handle, sealed *active, reason Reason, err error) {
	if err == nil {
		m.record(h.ID, func(r *storage.SessionRecord) {
			r.CreatedAt = h.CreatedAt
			if r.Status == "" {
				// a fast follow-up rotation may already have sealed it
				r.Status = storage.StatusActive
			}
		})
	}
	if sealed != nil {
		m.afterSeal(sealed, reason)
	}
}

// nextID returns an identifier strictly greater than the previous one and
// not already present on disk.
func (m *Manager) nextID(now time.Time) string {
	t := now.Truncate(time.Microsecond)
	for {
		id := NewID(t)
		if id > m.lastID {
			if _, err := os.Lstat(filepath.Join(m.root, id)); errors.Is(err, fs.ErrNotExist) {
				return id
			}
		}
		t = t.Add(time.Microsecond)
	}
}

// enqueueSealed must be called with the write lock held.
func (m *Manager) enqueueSealed(s *active) {
	if m.uploader == nil || s.bytes.Load() == 0 {
		return
	}
	if _, err := os.Stat(s.Path); err != nil {
		return
	}
	m.uploader.Enqueue(s.ID)
}

func (m *Manager) afterSeal(s *active, reason Reason) {
	size, err := DirSize(s.Path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		m.logger.Warn().Err(err).Str("session_id", s.ID).Msg("Failed to measure session")
	}

	sealedAt := m.clock.Now()
	m.record(s.ID, func(r *storage.SessionRecord) {
		r.CreatedAt = s.CreatedAt
		r.SealedAt = &sealedAt
		r.Reason = string(reason)
		// The upload worker may already have picked the session up.
		if r.Status == "" || r.Status == storage.StatusActive {
			r.Status = storage.StatusSealed
			r.Size = size
		}
	})

	m.logger.Info().
		Str("session_id", s.ID).
		Str("reason", string(reason)).
		Int64("bytes", size).
		Msg("Session sealed")
}

func (m *Manager) record(id string, fn func(*storage.SessionRecord)) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.ledger.Update(ctx, id, fn); err != nil {
		m.logger.Warn().Err(err).Str("session_id", id).Msg("Failed to update session ledger")
	}
}

// Close seals the active session and queues it for upload. Subsequent
// writes fail with ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	prev := m.current
	m.current = nil
	if prev != nil {
		m.rotations.Add(1)
		metrics.SessionRotations.WithLabelValues(string(ReasonShutdown)).Inc()
		m.enqueueSealed(prev)
	}
	m.mu.Unlock()

	if prev != nil {
		m.afterSeal(prev, ReasonShutdown)
	}
	return nil
}
