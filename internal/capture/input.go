package capture

import (
	"context"

	"github.com/goodtune/tracker/internal/event"
	"github.com/goodtune/tracker/internal/metrics"
)

// inputLoop pumps input callbacks into the event stream until the source
// channel closes.
func (r *Recorder) inputLoop(ctx context.Context) {
	events := r.opts.Input.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.handleInput(ev)
		case <-ctx.Done():
			// Deliver what the source already buffered.
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						return
					}
					r.handleInput(ev)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) handleInput(ev InputEvent) {
	at := ev.Time
	if at.IsZero() {
		at = r.opts.Clock.Now()
	}
	r.lastInput.Store(at.UnixNano())

	switch ev.Kind {
	case InputKey:
		r.opts.Sink.EnqueueEvent(event.NewKeyRelease(at, ev.Key, ev.KeyCode))
		r.keys.Add(1)
		metrics.InputEventsTotal.WithLabelValues("key").Inc()
	case InputMouse:
		r.opts.Sink.EnqueueEvent(event.NewMouseButton(at, ev.X, ev.Y, ev.Button, ev.Pressed))
		if ev.Pressed {
			r.clicks.Add(1)
		}
		metrics.InputEventsTotal.WithLabelValues("mouse").Inc()
	default:
		r.logger.Debug().Int("kind", int(ev.Kind)).Msg("Ignoring unknown input event")
	}
}
