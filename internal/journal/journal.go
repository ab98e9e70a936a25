package journal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goodtune/tracker/internal/event"
	"github.com/goodtune/tracker/internal/metrics"
	"github.com/goodtune/tracker/internal/process"
	"github.com/goodtune/tracker/internal/queue"
	"github.com/goodtune/tracker/internal/session"
	"github.com/rs/zerolog"
)

const (
	streamEvents    = "events"
	streamProcesses = "processes"
)

// Sessions resolves the active session for each write.
type Sessions interface {
	Use(fn session.WriteFunc) error
}

// Options configures a Journal.
type Options struct {
	PollInterval  time.Duration
	HighWatermark int // 0 disables the backlog warning
	DrainTimeout  time.Duration
	Logger        zerolog.Logger
}

// Stats is a point-in-time view of journal activity.
type Stats struct {
	EventsWritten    int64
	SnapshotsWritten int64
	Dropped          int64
}

// Journal appends capture records and process snapshots to the active
// session. Each stream has an unbounded queue drained by a single writer,
// so lines within a stream keep enqueue order.
type Journal struct {
	sessions Sessions
	opts     Options
	logger   zerolog.Logger

	events    *stream[event.Record]
	snapshots *stream[[]process.Info]

	running atomic.Bool
	abort   atomic.Bool
	wg      sync.WaitGroup

	eventsWritten    atomic.Int64
	snapshotsWritten atomic.Int64
	dropped          atomic.Int64
}

type stream[T any] struct {
	name   string
	queue  *queue.Queue[T]
	warned atomic.Bool
}

// New creates a journal writing through sessions.
func New(sessions Sessions, opts Options) *Journal {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Journal{
		sessions:  sessions,
		opts:      opts,
		logger:    opts.Logger.With().Str("component", "journal").Logger(),
		events:    &stream[event.Record]{name: streamEvents, queue: queue.New[event.Record]()},
		snapshots: &stream[[]process.Info]{name: streamProcesses, queue: queue.New[[]process.Info]()},
	}
}

// EnqueueEvent queues a record for the event stream. It never blocks.
func (j *Journal) EnqueueEvent(r event.Record) {
	j.events.queue.Push(r)
	j.observe(j.events.name, j.events.queue.Len(), &j.events.warned)
}

// EnqueueSnapshot queues a process snapshot. It never blocks.
func (j *Journal) EnqueueSnapshot(infos []process.Info) {
	j.snapshots.queue.Push(infos)
	j.observe(j.snapshots.name, j.snapshots.queue.Len(), &j.snapshots.warned)
}

func (j *Journal) observe(name string, depth int, warned *atomic.Bool) {
	metrics.QueueDepth.WithLabelValues(name).Set(float64(depth))

	hw := j.opts.HighWatermark
	if hw <= 0 {
		return
	}
	if depth >= hw && !warned.Swap(true) {
		j.logger.Warn().
			Str("queue", name).
			Int("depth", depth).
			Int("high_watermark", hw).
			Msg("Queue backlog above high watermark")
	} else if depth < hw/2 && warned.Swap(false) {
		j.logger.Info().
			Str("queue", name).
			Int("depth", depth).
			Msg("Queue backlog recovered")
	}
}

// Start launches one writer per stream.
func (j *Journal) Start() {
	j.running.Store(true)
	j.wg.Add(2)
	go run(j, j.events, j.writeEvent)
	go run(j, j.snapshots, j.writeSnapshot)
	j.logger.Info().Dur("poll_interval", j.opts.PollInterval).Msg("Journal writers started")
}

// run drains s until the journal stops and the queue is empty. A dequeued
// item is always written before the loop condition is checked again.
func run[T any](j *Journal, s *stream[T], write func(T)) {
	defer j.wg.Done()
	for !j.abort.Load() && (j.running.Load() || s.queue.Len() > 0) {
		item, ok := s.queue.Pop(j.opts.PollInterval)
		if !ok {
			continue
		}
		write(item)
		j.observe(s.name, s.queue.Len(), &s.warned)
	}
}

// Stop waits for both writers to flush their queues, up to DrainTimeout.
// Records still queued after the timeout are dropped and counted.
func (j *Journal) Stop() error {
	j.running.Store(false)

	done := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(done)
	}()

	if j.opts.DrainTimeout > 0 {
		select {
		case <-done:
		case <-time.After(j.opts.DrainTimeout):
			j.abort.Store(true)
			<-done
		}
	} else {
		<-done
	}

	lost := len(j.events.queue.Drain()) + len(j.snapshots.queue.Drain())
	metrics.QueueDepth.WithLabelValues(streamEvents).Set(0)
	metrics.QueueDepth.WithLabelValues(streamProcesses).Set(0)

	stats := j.Stats()
	j.logger.Info().
		Int64("events_written", stats.EventsWritten).
		Int64("snapshots_written", stats.SnapshotsWritten).
		Int64("dropped", stats.Dropped+int64(lost)).
		Msg("Journal writers stopped")

	if lost > 0 {
		j.dropped.Add(int64(lost))
		metrics.RecordsDropped.WithLabelValues("all", "shutdown").Add(float64(lost))
		return fmt.Errorf("journal drain timed out with %d records queued", lost)
	}
	return nil
}

// Stats returns counters since Start.
func (j *Journal) Stats() Stats {
	return Stats{
		EventsWritten:    j.eventsWritten.Load(),
		SnapshotsWritten: j.snapshotsWritten.Load(),
		Dropped:          j.dropped.Load(),
	}
}

func (j *Journal) writeEvent(r event.Record) {
	line, err := json.Marshal(r)
	if err != nil {
		j.drop(streamEvents, "marshal", err, 1)
		return
	}

	err = j.sessions.Use(func(h session.Handle) (int64, int, error) {
		if shot, ok := r.(*event.Screenshot); ok && shot.ImageSession != "" && shot.ImageSession != h.ID {
			j.logger.Debug().
				Str("image_session", shot.ImageSession).
				Str("session", h.ID).
				Msg("Screenshot record written to a different session than its images")
		}
		n, err := appendLines(h.EventsPath(), line)
		return n, 1, err
	})
	if err != nil {
		j.drop(streamEvents, cause(err), err, 1)
		return
	}

	j.eventsWritten.Add(1)
	metrics.RecordsWritten.WithLabelValues(streamEvents).Inc()
}

// writeSnapshot appends one line per process. A snapshot counts as a single
// record toward the session's record threshold.
func (j *Journal) writeSnapshot(infos []process.Info) {
	if len(infos) == 0 {
		return
	}

	lines := make([][]byte, 0, len(infos))
	for _, info := range infos {
		line, err := json.Marshal(info)
		if err != nil {
			j.drop(streamProcesses, "marshal", err, 1)
			continue
		}
		lines = append(lines, line)
	}

	err := j.sessions.Use(func(h session.Handle) (int64, int, error) {
		n, err := appendLines(h.ProcessesPath(), lines...)
		return n, 1, err
	})
	if err != nil {
		j.drop(streamProcesses, cause(err), err, len(lines))
		return
	}

	j.snapshotsWritten.Add(1)
	metrics.RecordsWritten.WithLabelValues(streamProcesses).Add(float64(len(lines)))
}

func (j *Journal) drop(stream, cause string, err error, n int) {
	j.dropped.Add(int64(n))
	metrics.RecordsDropped.WithLabelValues(stream, cause).Add(float64(n))
	j.logger.Error().
		Err(err).
		Str("stream", stream).
		Str("cause", cause).
		Int("records", n).
		Msg("Dropped records")
}

func cause(err error) string {
	if errors.Is(err, session.ErrClosed) {
		return "closed"
	}
	return "write"
}

// appendLines writes lines, each terminated by a newline, with a single
// write to a file opened in append mode.
func appendLines(path string, lines ...[]byte) (int64, error) {
	var buf bytes.Buffer
	for _, line := range lines {
		buf.Write(line)
		buf.WriteByte('\n')
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return 0, err
	}
	n, err := f.Write(buf.Bytes())
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return int64(n), err
}
