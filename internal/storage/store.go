package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Sessions() SessionStore
}

// SessionStore records the lifecycle of capture sessions so that status
// survives restarts and can be inspected from the CLI.
type SessionStore interface {
	// Update applies fn to the stored record, creating it when missing.
	Update(ctx context.Context, id string, fn func(*SessionRecord)) error
	Get(ctx context.Context, id string) (*SessionRecord, error)
	// List returns all records ordered by session ID (creation order).
	List(ctx context.Context) ([]SessionRecord, error)
	DeleteUploadedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Discard is a Store that keeps nothing. It is used when the ledger is
// disabled.
var Discard Store = discardStore{}

type discardStore struct{}

func (discardStore) Close() error           { return nil }
func (discardStore) Sessions() SessionStore { return discardSessions{} }

type discardSessions struct{}

func (discardSessions) Update(context.Context, string, func(*SessionRecord)) error { return nil }

func (discardSessions) Get(context.Context, string) (*SessionRecord, error) {
	return nil, ErrNotFound
}

func (discardSessions) List(context.Context) ([]SessionRecord, error) { return nil, nil }

func (discardSessions) DeleteUploadedBefore(context.Context, time.Time) (int, error) {
	return 0, nil
}
