package capture

import (
	"context"

	"github.com/goodtune/tracker/internal/process"
)

// processLoop polls the process table, logs start/stop transitions and the
// full snapshot. The first poll reports every running process as started.
func (r *Recorder) processLoop(ctx context.Context) {
	detector := process.NewDetector()
	for {
		r.pollProcesses(ctx, detector)
		if !sleep(ctx, r.opts.ProcessInterval) {
			return
		}
	}
}

func (r *Recorder) pollProcesses(ctx context.Context, detector *process.Detector) {
	infos, err := r.opts.Processes.List(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to list processes")
		return
	}
	if len(infos) == 0 {
		return
	}

	now := r.opts.Clock.Now()
	process.Stamp(infos, now)

	changes := detector.Diff(infos)
	for _, rec := range changes.Records(now) {
		r.opts.Sink.EnqueueEvent(rec)
	}
	r.opts.Sink.EnqueueSnapshot(infos)

	r.logger.Debug().
		Int("processes", len(infos)).
		Int("started", len(changes.Started)).
		Int("stopped", len(changes.Stopped)).
		Msg("Process snapshot taken")
}
