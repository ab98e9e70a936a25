// Package agent wires the capture producers, the journal, the session
// manager and the upload worker together and sequences their startup and
// shutdown.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goodtune/tracker/internal/capture"
	"github.com/goodtune/tracker/internal/clock"
	"github.com/goodtune/tracker/internal/journal"
	"github.com/goodtune/tracker/internal/remote"
	"github.com/goodtune/tracker/internal/session"
	"github.com/goodtune/tracker/internal/storage"
	"github.com/goodtune/tracker/internal/upload"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Options configures an Agent. Root, Ledger, Clock, Logger and the
// cross-component fields of the nested options are filled in by the agent.
type Options struct {
	DataDir string

	Session session.Options
	Journal journal.Options
	Capture capture.Options
	Upload  upload.Options

	// Remote is nil when upload is disabled or the backend could not be
	// built. A Remote that fails its Check disables upload for the run.
	Remote        remote.Store
	CheckTimeout  time.Duration
	ShutdownGrace time.Duration

	Ledger            storage.SessionStore
	Retention         time.Duration // 0 keeps ledger records forever
	RetentionInterval time.Duration

	Clock  clock.Clock
	Logger zerolog.Logger
}

// Stats summarizes a run.
type Stats struct {
	RunID            string
	StartTime        time.Time
	UploadEnabled    bool
	ScreenshotsTaken int64
	KeyEvents        int64
	MouseClicks      int64
	ScreenLocked     bool
	SessionsRotated  int64
	EventsWritten    int64
	SnapshotsWritten int64
	RecordsDropped   int64
	UploadsSucceeded int64
	UploadsFailed    int64
	// PendingUploads lists sessions left on disk at shutdown.
	PendingUploads []string
}

// Agent is one capture run.
type Agent struct {
	opts   Options
	runID  string
	logger zerolog.Logger

	manager   *session.Manager
	journal   *journal.Journal
	recorder  *capture.Recorder
	worker    *upload.Worker
	retention *storage.RetentionScheduler

	mu      sync.Mutex
	started bool
	pending []string
}

// New creates an agent. Nothing runs until Start.
func New(opts Options) *Agent {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Ledger == nil {
		opts.Ledger = storage.Discard.Sessions()
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = 30 * time.Second
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 30 * time.Second
	}

	runID := uuid.NewString()
	return &Agent{
		opts:   opts,
		runID:  runID,
		logger: opts.Logger.With().Str("component", "agent").Str("run_id", runID).Logger(),
	}
}

// RunID identifies this run in upload metadata.
func (a *Agent) RunID() string { return a.runID }

// Start verifies the remote, creates the first session, reconciles sessions
// left by a previous run and launches every goroutine.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.New("agent already started")
	}

	if store := a.checkRemote(ctx); store != nil {
		uo := a.opts.Upload
		uo.Root = a.opts.DataDir
		uo.Remote = store
		uo.RunID = a.runID
		uo.Ledger = a.opts.Ledger
		uo.Clock = a.opts.Clock
		uo.Logger = a.opts.Logger
		a.worker = upload.NewWorker(uo)
	}

	so := a.opts.Session
	so.Root = a.opts.DataDir
	so.Clock = a.opts.Clock
	so.Ledger = a.opts.Ledger
	so.Logger = a.opts.Logger
	if a.worker != nil {
		so.Uploader = a.worker
	}
	a.manager = session.NewManager(so)

	jo := a.opts.Journal
	jo.Logger = a.opts.Logger
	a.journal = journal.New(a.manager, jo)

	co := a.opts.Capture
	co.Sessions = a.manager
	co.Sink = a.journal
	co.Clock = a.opts.Clock
	co.Logger = a.opts.Logger
	a.recorder = capture.New(co)

	// The worker runs first so sessions found by reconciliation start
	// uploading immediately.
	if a.worker != nil {
		a.worker.Start()
	}

	h, err := a.manager.Start()
	if err != nil {
		if a.worker != nil {
			a.worker.Stop(0)
		}
		return fmt.Errorf("failed to start session manager: %w", err)
	}

	a.journal.Start()
	a.recorder.Start()

	if a.opts.Retention > 0 {
		a.retention = storage.NewRetentionScheduler(a.opts.Ledger, a.opts.Retention, a.opts.RetentionInterval, a.opts.Logger)
		a.retention.Start()
	}

	a.started = true
	a.logger.Info().
		Str("session_id", h.ID).
		Str("path", a.opts.DataDir).
		Bool("upload_enabled", a.worker != nil).
		Msg("Agent started")
	return nil
}

// checkRemote returns the store to upload to, or nil when upload is
// disabled for this run.
func (a *Agent) checkRemote(ctx context.Context) remote.Store {
	if a.opts.Remote == nil {
		a.logger.Warn().Msg("Upload disabled, sessions will be kept locally")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.opts.CheckTimeout)
	defer cancel()
	if err := a.opts.Remote.Check(ctx); err != nil {
		a.logger.Error().Err(err).Msg("Remote storage check failed, upload disabled for this run")
		return nil
	}
	return a.opts.Remote
}

// Stop shuts down in dependency order: producers, journal writers, the
// session manager (sealing and queueing the active session) and finally the
// upload worker, which gets the shutdown grace period.
func (a *Agent) Stop() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return a.stats()
	}
	a.started = false

	a.logger.Info().Msg("Stopping agent")

	a.recorder.Stop()

	if err := a.journal.Stop(); err != nil {
		a.logger.Error().Err(err).Msg("Journal did not drain")
	}

	if err := a.manager.Close(); err != nil {
		a.logger.Error().Err(err).Msg("Failed to close session manager")
	}

	if a.worker != nil {
		a.pending = a.worker.Stop(a.opts.ShutdownGrace)
		for _, id := range a.pending {
			a.logger.Warn().Str("session_id", id).Msg("Session not uploaded, it will be retried on next start")
		}
	}

	if a.retention != nil {
		a.retention.Stop()
	}

	stats := a.stats()
	a.logger.Info().
		Int64("screenshots_taken", stats.ScreenshotsTaken).
		Int64("key_events", stats.KeyEvents).
		Int64("mouse_clicks", stats.MouseClicks).
		Bool("screen_locked", stats.ScreenLocked).
		Int64("sessions_rotated", stats.SessionsRotated).
		Int64("uploads_succeeded", stats.UploadsSucceeded).
		Int64("uploads_failed", stats.UploadsFailed).
		Int64("records_dropped", stats.RecordsDropped).
		Int("pending_uploads", len(stats.PendingUploads)).
		Dur("uptime", a.opts.Clock.Now().Sub(stats.StartTime)).
		Msg("Agent stopped")

	return stats
}

// Stats returns counters for the current run.
func (a *Agent) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats()
}

func (a *Agent) stats() Stats {
	s := Stats{
		RunID:          a.runID,
		UploadEnabled:  a.worker != nil,
		PendingUploads: append([]string(nil), a.pending...),
	}
	if a.recorder != nil {
		cs := a.recorder.Stats()
		s.StartTime = cs.StartTime
		s.ScreenshotsTaken = cs.ScreenshotsTaken
		s.KeyEvents = cs.KeyEvents
		s.MouseClicks = cs.MouseClicks
		s.ScreenLocked = a.recorder.Locked()
	}
	if a.manager != nil {
		s.SessionsRotated = a.manager.Rotations()
	}
	if a.journal != nil {
		js := a.journal.Stats()
		s.EventsWritten = js.EventsWritten
		s.SnapshotsWritten = js.SnapshotsWritten
		s.RecordsDropped = js.Dropped
	}
	if a.worker != nil {
		us := a.worker.Stats()
		s.UploadsSucceeded = us.Succeeded
		s.UploadsFailed = us.Failed
	}
	return s
}
