package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SessionStatus is the lifecycle state of a capture session.
type SessionStatus string

const (
	StatusActive    SessionStatus = "ACTIVE"
	StatusSealed    SessionStatus = "SEALED"
	StatusUploading SessionStatus = "UPLOADING"
	StatusUploaded  SessionStatus = "UPLOADED"
	StatusFailed    SessionStatus = "FAILED"
)

// UnmarshalJSON implements json.Unmarshaler to normalize status to uppercase.
func (s *SessionStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	normalized := SessionStatus(strings.ToUpper(raw))

	switch normalized {
	case StatusActive, StatusSealed, StatusUploading, StatusUploaded, StatusFailed:
		*s = normalized
		return nil
	default:
		return fmt.Errorf("invalid session status: %s", raw)
	}
}

// MarshalJSON implements json.Marshaler to ensure uppercase output.
func (s SessionStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// SessionRecord is the ledger entry for one session directory.
type SessionRecord struct {
	ID        string        `json:"id"`
	CreatedAt time.Time     `json:"created_at"`
	SealedAt  *time.Time    `json:"sealed_at,omitempty"`
	Status    SessionStatus `json:"status"`
	Reason    string        `json:"reason,omitempty"` // why the session was sealed
	Size      int64         `json:"size"`
	RemoteKey string        `json:"remote_key,omitempty"`
	Digest    string        `json:"digest,omitempty"` // blake3 of the uploaded archive
	Error     string        `json:"error,omitempty"`
	Attempts  int           `json:"attempts"`
	UpdatedAt time.Time     `json:"updated_at"`
}
