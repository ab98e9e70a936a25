package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"time"

	"github.com/goodtune/tracker/internal/event"
	"github.com/goodtune/tracker/internal/metrics"
	"github.com/goodtune/tracker/internal/session"
	"golang.org/x/image/draw"
)

// screenshotLoop captures every monitor, then sleeps for the active or idle
// interval depending on recent input.
func (r *Recorder) screenshotLoop(ctx context.Context) {
	for {
		if err := r.takeScreenshot(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("Screenshot failed")
		}
		if !sleep(ctx, r.nextInterval()) {
			return
		}
	}
}

func (r *Recorder) nextInterval() time.Duration {
	last := r.lastInput.Load()
	if last == 0 || r.opts.ActivityTimeout <= 0 {
		return r.opts.IdleInterval
	}
	if r.opts.Clock.Now().Sub(time.Unix(0, last)) < r.opts.ActivityTimeout {
		return r.opts.ScreenshotInterval
	}
	return r.opts.IdleInterval
}

type encodedFrame struct {
	filename string
	data     []byte
}

func (r *Recorder) takeScreenshot(ctx context.Context) error {
	now := r.opts.Clock.Now()

	frames, err := r.opts.Capturer.Capture(ctx)
	if err != nil {
		if lockedFailure(err) && r.setLocked(true, "screenshot_failure") {
			r.logger.Info().Msg("Screen lock inferred from capture failure")
		}
		return fmt.Errorf("capture: %w", err)
	}
	if len(frames) == 0 {
		return nil
	}

	cx, cy, cursorOK := r.opts.Capturer.Cursor()
	stamp := event.At(now).FileStamp()

	monitors := make([]event.Monitor, 0, len(frames))
	encoded := make([]encodedFrame, 0, len(frames))
	for _, f := range frames {
		b := f.Image.Bounds()
		img := scale(f.Image, r.opts.Scale)

		m := event.Monitor{
			MonitorIndex:   f.Index,
			Filename:       fmt.Sprintf("%s_monitor_%d.jpg", stamp, f.Index),
			Width:          img.Bounds().Dx(),
			Height:         img.Bounds().Dy(),
			OriginalWidth:  b.Dx(),
			OriginalHeight: b.Dy(),
			Scale:          r.opts.Scale,
			Quality:        r.opts.Quality,
			Left:           f.Left,
			Top:            f.Top,
		}
		if cursorOK && cx >= f.Left && cx < f.Left+b.Dx() && cy >= f.Top && cy < f.Top+b.Dy() {
			x, y := cx, cy
			m.CursorX, m.CursorY = &x, &y
			drawCursor(img,
				int(float64(cx-f.Left)*r.opts.Scale),
				int(float64(cy-f.Top)*r.opts.Scale))
		}

		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: r.opts.Quality}); err != nil {
			return fmt.Errorf("failed to encode monitor %d: %w", f.Index, err)
		}
		encoded = append(encoded, encodedFrame{filename: m.Filename, data: buf.Bytes()})
		monitors = append(monitors, m)
	}

	// Images and the record that references them may land in different
	// sessions if a rotation happens in between.
	var imageSession string
	err = r.opts.Sessions.Use(func(h session.Handle) (int64, int, error) {
		imageSession = h.ID
		var written int64
		for _, e := range encoded {
			if err := os.WriteFile(filepath.Join(h.ScreenshotsPath(), e.filename), e.data, 0644); err != nil {
				return written, 0, err
			}
			written += int64(len(e.data))
		}
		return written, 0, nil
	})
	if err != nil {
		return fmt.Errorf("failed to save screenshot: %w", err)
	}

	rec := event.NewScreenshot(now, monitors, r.locked.Load())
	rec.ImageSession = imageSession
	r.opts.Sink.EnqueueEvent(rec)
	r.screenshots.Add(1)
	metrics.ScreenshotsTotal.Inc()
	return nil
}

// scale returns an RGBA copy of src resized by factor.
func scale(src image.Image, factor float64) *image.RGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if factor < 1 {
		w = max(1, int(float64(w)*factor))
		h = max(1, int(float64(h)*factor))
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if w == b.Dx() && h == b.Dy() {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
		return dst
	}
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// drawCursor paints a small arrow with its hotspot at (x, y).
func drawCursor(img *image.RGBA, x, y int) {
	if !(image.Point{X: x, Y: y}).In(img.Bounds()) {
		return
	}
	black := color.RGBA{A: 0xff}
	white := color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}

	line := func(dx, dy, n int) {
		for i := 0; i <= n; i++ {
			px, py := x+dx*i, y+dy*i
			img.SetRGBA(px+1, py, black)
			img.SetRGBA(px, py, white)
		}
	}
	line(0, 1, 15)
	line(1, 1, 5)
	line(-1, 1, 5)
}
