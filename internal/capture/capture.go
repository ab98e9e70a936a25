// Package capture runs the producers that feed the journal: the screenshot
// loop, the input pump, the process monitor and the lock monitor.
package capture

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goodtune/tracker/internal/clock"
	"github.com/goodtune/tracker/internal/event"
	"github.com/goodtune/tracker/internal/lockscreen"
	"github.com/goodtune/tracker/internal/process"
	"github.com/goodtune/tracker/internal/session"
	"github.com/rs/zerolog"
)

// ErrUnsupported is returned by collaborators that cannot run on the
// current platform.
var ErrUnsupported = errors.New("capture not supported on this platform")

// Frame is one captured monitor. Index starts at 1.
type Frame struct {
	Index int
	Left  int
	Top   int
	Image image.Image
}

// Capturer grabs every monitor at once.
type Capturer interface {
	Capture(ctx context.Context) ([]Frame, error)
	// Cursor returns the pointer position in virtual screen coordinates.
	Cursor() (x, y int, ok bool)
}

// InputKind discriminates input events.
type InputKind int

const (
	InputKey InputKind = iota
	InputMouse
)

// InputEvent is delivered by an InputSource. Key events are releases only.
type InputEvent struct {
	Kind    InputKind
	Time    time.Time
	Key     string
	KeyCode string
	X, Y    int
	Button  string
	Pressed bool
}

// InputSource delivers OS input callbacks on a channel. The channel is
// closed after Close.
type InputSource interface {
	Events() <-chan InputEvent
	Close() error
}

// Sink receives records for the journal.
type Sink interface {
	EnqueueEvent(r event.Record)
	EnqueueSnapshot(infos []process.Info)
}

// Sessions gives access to the active session directory.
type Sessions interface {
	Use(fn session.WriteFunc) error
}

// Options configures a Recorder. A nil collaborator disables its producer.
type Options struct {
	Sessions  Sessions
	Sink      Sink
	Capturer  Capturer
	Input     InputSource
	Processes process.Lister
	Lock      lockscreen.Detector

	ScreenshotInterval time.Duration
	IdleInterval       time.Duration
	ActivityTimeout    time.Duration
	Quality            int
	Scale              float64
	ProcessInterval    time.Duration
	LockInterval       time.Duration

	Clock  clock.Clock
	Logger zerolog.Logger
}

// Stats counts captured activity.
type Stats struct {
	ScreenshotsTaken int64
	KeyEvents        int64
	MouseClicks      int64
	StartTime        time.Time
}

// Recorder owns the producer goroutines.
type Recorder struct {
	opts   Options
	logger zerolog.Logger

	locked    atomic.Bool
	lastInput atomic.Int64 // unix nanoseconds

	screenshots atomic.Int64
	keys        atomic.Int64
	clicks      atomic.Int64
	startTime   time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Recorder.
func New(opts Options) *Recorder {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.ScreenshotInterval <= 0 {
		opts.ScreenshotInterval = 3 * time.Second
	}
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = opts.ScreenshotInterval
	}
	if opts.ProcessInterval <= 0 {
		opts.ProcessInterval = 5 * time.Minute
	}
	if opts.LockInterval <= 0 {
		opts.LockInterval = time.Second
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = 50
	}
	if opts.Scale <= 0 || opts.Scale > 1 {
		opts.Scale = 1
	}

	return &Recorder{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "capture").Logger(),
		stop:   make(chan struct{}),
	}
}

// Start launches one goroutine per configured producer.
func (r *Recorder) Start() {
	r.startTime = r.opts.Clock.Now()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-r.stop
		cancel()
	}()

	producers := []struct {
		name    string
		enabled bool
		run     func(context.Context)
	}{
		{"lock", r.opts.Lock != nil, r.lockLoop},
		{"input", r.opts.Input != nil, r.inputLoop},
		{"screenshot", r.opts.Capturer != nil && r.opts.Sessions != nil, r.screenshotLoop},
		{"process", r.opts.Processes != nil, r.processLoop},
	}

	for _, p := range producers {
		if !p.enabled {
			r.logger.Info().Str("producer", p.name).Msg("Producer disabled")
			continue
		}
		r.wg.Add(1)
		go func(run func(context.Context)) {
			defer r.wg.Done()
			run(ctx)
		}(p.run)
	}

	r.logger.Info().
		Dur("screenshot_interval", r.opts.ScreenshotInterval).
		Dur("process_interval", r.opts.ProcessInterval).
		Msg("Capture started")
}

// Stop signals every producer and waits for them to return. The input
// source is closed so its pump can drain.
func (r *Recorder) Stop() {
	close(r.stop)
	if r.opts.Input != nil {
		if err := r.opts.Input.Close(); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to close input source")
		}
	}
	r.wg.Wait()
	r.logger.Info().Msg("Capture stopped")
}

// Stats returns the activity counters.
func (r *Recorder) Stats() Stats {
	return Stats{
		ScreenshotsTaken: r.screenshots.Load(),
		KeyEvents:        r.keys.Load(),
		MouseClicks:      r.clicks.Load(),
		StartTime:        r.startTime,
	}
}

// Locked reports the last observed lock state.
func (r *Recorder) Locked() bool {
	return r.locked.Load()
}

// setLocked records a lock transition and reports whether the state changed.
func (r *Recorder) setLocked(locked bool, detectedBy string) bool {
	if !r.locked.CompareAndSwap(!locked, locked) {
		return false
	}
	r.opts.Sink.EnqueueEvent(event.NewScreenLock(r.opts.Clock.Now(), locked, detectedBy))
	return true
}

// sleep waits for d or until ctx is done. It returns false on cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
