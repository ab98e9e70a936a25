package capture

import (
	"context"
	"strings"
)

// lockLoop polls the lock detector and logs edges only.
func (r *Recorder) lockLoop(ctx context.Context) {
	for {
		locked, err := r.opts.Lock.Locked(ctx)
		if err != nil {
			r.logger.Debug().Err(err).Msg("Lock check failed")
		} else if r.setLocked(locked, "") {
			r.logger.Info().Bool("locked", locked).Msg("Screen lock state changed")
		}
		if !sleep(ctx, r.opts.LockInterval) {
			return
		}
	}
}

// lockedFailure reports whether a capture error looks like the display is
// unavailable because the session is locked.
func lockedFailure(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, word := range []string{"access", "denied", "locked"} {
		if strings.Contains(msg, word) {
			return true
		}
	}
	return false
}
