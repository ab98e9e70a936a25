package storage

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// RetentionScheduler periodically prunes uploaded sessions from the ledger.
type RetentionScheduler struct {
	sessions  SessionStore
	retention time.Duration
	interval  time.Duration
	logger    zerolog.Logger
	stopChan  chan struct{}
	doneChan  chan struct{}
}

// NewRetentionScheduler creates a scheduler that removes uploaded records
// older than retention once per interval.
func NewRetentionScheduler(sessions SessionStore, retention, interval time.Duration, logger zerolog.Logger) *RetentionScheduler {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &RetentionScheduler{
		sessions:  sessions,
		retention: retention,
		interval:  interval,
		logger:    logger.With().Str("component", "retention").Logger(),
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
	}
}

// Start begins the retention scheduler
func (rs *RetentionScheduler) Start() {
	go rs.run()
	rs.logger.Info().
		Dur("retention", rs.retention).
		Dur("interval", rs.interval).
		Msg("Ledger retention scheduler started")
}

// Stop stops the retention scheduler
func (rs *RetentionScheduler) Stop() {
	close(rs.stopChan)
	<-rs.doneChan
	rs.logger.Info().Msg("Ledger retention scheduler stopped")
}

// run is the main scheduler loop
func (rs *RetentionScheduler) run() {
	defer close(rs.doneChan)

	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()

	rs.Prune(time.Now())

	for {
		select {
		case now := <-ticker.C:
			rs.Prune(now)
		case <-rs.stopChan:
			return
		}
	}
}

// Prune deletes uploaded records whose session was created before
// now minus the retention period.
func (rs *RetentionScheduler) Prune(now time.Time) int {
	if rs.retention <= 0 {
		return 0
	}

	cutoff := now.Add(-rs.retention)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	deleted, err := rs.sessions.DeleteUploadedBefore(ctx, cutoff)
	if err != nil {
		rs.logger.Error().Err(err).Msg("Failed to prune uploaded sessions")
		return 0
	}

	rs.logger.Info().
		Int("sessions_deleted", deleted).
		Time("cutoff", cutoff).
		Msg("Ledger pruned")

	return deleted
}
