// Package remote stores session archives in object storage.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goodtune/tracker/internal/config"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("remote: object not found")

// Metadata keys attached to every uploaded archive.
const (
	MetaFolder          = "folder"
	MetaUploadTimestamp = "upload_timestamp"
	MetaDigest          = "blake3"
	MetaRunID           = "run_id"
)

// Object describes a stored archive.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
	Metadata     map[string]string
}

// Store is a remote object store. Upload overwrites an existing key.
type Store interface {
	Upload(ctx context.Context, localPath, key string, metadata map[string]string) error
	List(ctx context.Context, prefix string) ([]Object, error)
	Stat(ctx context.Context, key string) (Object, error)
	Delete(ctx context.Context, key string) error
	// Check verifies the store is reachable and writable with the
	// configured credentials.
	Check(ctx context.Context) error
}

// KeyFor returns the object key of a session archive.
func KeyFor(prefix, sessionID string) string {
	return prefix + sessionID + ".zip"
}

// SessionID recovers the session identifier from an archive key.
func SessionID(prefix, key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, prefix)
	if !ok {
		return "", false
	}
	return strings.CutSuffix(rest, ".zip")
}

// New builds the backend selected by cfg.
func New(ctx context.Context, cfg config.UploadConfig) (Store, error) {
	switch cfg.Backend {
	case "s3":
		return NewS3(ctx, cfg)
	case "filesystem":
		return NewFilesystem(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported upload backend: %s", cfg.Backend)
	}
}
