package upload

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goodtune/tracker/internal/archive"
	"github.com/goodtune/tracker/internal/clock"
	"github.com/goodtune/tracker/internal/event"
	"github.com/goodtune/tracker/internal/metrics"
	"github.com/goodtune/tracker/internal/queue"
	"github.com/goodtune/tracker/internal/remote"
	"github.com/goodtune/tracker/internal/storage"
	"github.com/rs/zerolog"
)

// CompressFunc packs a session directory and returns the archive path.
type CompressFunc func(ctx context.Context, dir string) (string, error)

// Options configures a Worker.
type Options struct {
	Root         string // data directory holding session directories
	Remote       remote.Store
	Prefix       string
	RunID        string
	PollInterval time.Duration
	Timeout      time.Duration // per session, compression included
	Compress     CompressFunc
	Ledger       storage.SessionStore
	Clock        clock.Clock
	Logger       zerolog.Logger
}

// Stats counts upload outcomes since Start.
type Stats struct {
	Succeeded int64
	Failed    int64
	Skipped   int64
}

// Worker drains a FIFO of sealed session identifiers. Each session is
// compressed, uploaded, and deleted locally on success. A failed session
// stays on disk and is not retried until the next startup.
type Worker struct {
	opts   Options
	logger zerolog.Logger
	queue  *queue.Queue[string]

	ctx    context.Context
	cancel context.CancelFunc

	running atomic.Bool
	abort   atomic.Bool
	wg      sync.WaitGroup

	mu          sync.Mutex
	failedIDs   []string
	interrupted []string

	succeeded atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
}

// NewWorker creates an upload worker.
func NewWorker(opts Options) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.Compress == nil {
		opts.Compress = archive.Compress
	}
	if opts.Ledger == nil {
		opts.Ledger = storage.Discard.Sessions()
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "upload").Logger(),
		queue:  queue.New[string](),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Enqueue adds a sealed session to the upload queue. It never blocks.
func (w *Worker) Enqueue(id string) {
	w.queue.Push(id)
	depth := w.queue.Len()
	metrics.QueueDepth.WithLabelValues("upload").Set(float64(depth))
	w.logger.Debug().Str("session_id", id).Int("depth", depth).Msg("Session queued for upload")
}

// Start launches the worker goroutine.
func (w *Worker) Start() {
	w.running.Store(true)
	w.wg.Add(1)
	go w.run()
	w.logger.Info().Msg("Upload worker started")
}

func (w *Worker) run() {
	defer w.wg.Done()
	for !w.abort.Load() && (w.running.Load() || w.queue.Len() > 0) {
		id, ok := w.queue.Pop(w.opts.PollInterval)
		if !ok {
			continue
		}
		metrics.QueueDepth.WithLabelValues("upload").Set(float64(w.queue.Len()))
		w.process(id)
	}
}

// Stop lets the worker drain its queue for up to grace, then cancels any
// upload in flight. It returns the sessions left on disk without being
// uploaded: failed earlier in the run, interrupted, then never attempted.
// They are picked up by the next startup.
func (w *Worker) Stop(grace time.Duration) []string {
	w.running.Store(false)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		w.logger.Warn().Dur("grace", grace).Msg("Upload grace period expired")
		w.abort.Store(true)
		w.cancel()
		<-done
	}
	w.cancel()

	w.mu.Lock()
	pending := make([]string, 0, len(w.failedIDs)+len(w.interrupted))
	pending = append(pending, w.failedIDs...)
	pending = append(pending, w.interrupted...)
	pending = append(pending, w.queue.Drain()...)
	w.failedIDs, w.interrupted = nil, nil
	w.mu.Unlock()

	metrics.QueueDepth.WithLabelValues("upload").Set(0)

	stats := w.Stats()
	w.logger.Info().
		Int64("succeeded", stats.Succeeded).
		Int64("failed", stats.Failed).
		Int("pending", len(pending)).
		Msg("Upload worker stopped")

	return pending
}

// Stats returns outcome counters.
func (w *Worker) Stats() Stats {
	return Stats{
		Succeeded: w.succeeded.Load(),
		Failed:    w.failed.Load(),
		Skipped:   w.skipped.Load(),
	}
}

func (w *Worker) process(id string) {
	dir := filepath.Join(w.opts.Root, id)
	logger := w.logger.With().Str("session_id", id).Logger()

	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		w.skipped.Add(1)
		logger.Debug().Msg("Session directory gone, skipping")
		return
	}

	w.record(id, func(r *storage.SessionRecord) {
		r.Status = storage.StatusUploading
		r.Attempts++
		r.Error = ""
	})

	start := time.Now()
	key, digest, size, err := w.upload(id, dir)
	if err != nil {
		w.mu.Lock()
		if w.ctx.Err() != nil {
			w.interrupted = append(w.interrupted, id)
		} else {
			w.failedIDs = append(w.failedIDs, id)
		}
		w.mu.Unlock()
		w.failed.Add(1)
		metrics.UploadsTotal.WithLabelValues("failure").Inc()
		w.record(id, func(r *storage.SessionRecord) {
			r.Status = storage.StatusFailed
			r.Error = err.Error()
		})
		logger.Error().Err(err).Msg("Session upload failed, will retry on next start")
		return
	}

	elapsed := time.Since(start)
	w.succeeded.Add(1)
	metrics.UploadsTotal.WithLabelValues("success").Inc()
	metrics.UploadDuration.Observe(elapsed.Seconds())
	metrics.UploadBytes.Add(float64(size))

	w.record(id, func(r *storage.SessionRecord) {
		r.Status = storage.StatusUploaded
		r.RemoteKey = key
		r.Digest = digest
		r.Size = size
	})

	logger.Info().
		Str("key", key).
		Int64("bytes", size).
		Dur("duration", elapsed).
		Msg("Session uploaded")
}

// upload compresses, uploads and then removes local data. Local deletion
// failures are logged and do not fail the upload.
func (w *Worker) upload(id, dir string) (key, digest string, size int64, err error) {
	ctx, cancel := context.WithTimeout(w.ctx, w.opts.Timeout)
	defer cancel()

	archivePath, err := w.opts.Compress(ctx, dir)
	if err != nil {
		return "", "", 0, fmt.Errorf("compress: %w", err)
	}

	digest, size, err = digestFile(archivePath)
	if err != nil {
		w.removeArchive(archivePath)
		return "", "", 0, err
	}

	key = remote.KeyFor(w.opts.Prefix, id)
	metadata := map[string]string{
		remote.MetaFolder:          id,
		remote.MetaUploadTimestamp: event.At(w.opts.Clock.Now()).String(),
		remote.MetaDigest:          digest,
	}
	if w.opts.RunID != "" {
		metadata[remote.MetaRunID] = w.opts.RunID
	}

	if err := w.opts.Remote.Upload(ctx, archivePath, key, metadata); err != nil {
		w.removeArchive(archivePath)
		return "", "", 0, fmt.Errorf("upload: %w", err)
	}

	if err := os.RemoveAll(dir); err != nil {
		w.logger.Warn().Err(err).Str("path", dir).Msg("Failed to delete uploaded session")
	}
	w.removeArchive(archivePath)

	return key, digest, size, nil
}

func (w *Worker) removeArchive(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		w.logger.Warn().Err(err).Str("path", path).Msg("Failed to delete archive")
	}
}

func (w *Worker) record(id string, fn func(*storage.SessionRecord)) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.opts.Ledger.Update(ctx, id, fn); err != nil {
		w.logger.Warn().Err(err).Str("session_id", id).Msg("Failed to update session ledger")
	}
}
