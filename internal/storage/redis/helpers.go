package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/tracker/internal/storage"
)

// sessionFields flattens a SessionRecord into alternating hash field/value pairs
func sessionFields(r storage.SessionRecord) []any {
	fields := []any{
		"id", r.ID,
		"created_at", r.CreatedAt.Format(time.RFC3339Nano),
		"status", string(r.Status),
		"size", strconv.FormatInt(r.Size, 10),
		"attempts", strconv.Itoa(r.Attempts),
		"updated_at", r.UpdatedAt.Format(time.RFC3339Nano),
	}
	if r.SealedAt != nil {
		fields = append(fields, "sealed_at", r.SealedAt.Format(time.RFC3339Nano))
	}
	optional := []struct{ name, value string }{
		{"reason", r.Reason},
		{"remote_key", r.RemoteKey},
		{"digest", r.Digest},
		{"error", r.Error},
	}
	for _, f := range optional {
		if f.value != "" {
			fields = append(fields, f.name, f.value)
		}
	}
	return fields
}

// parseSessionRecord converts a Redis hash to SessionRecord
func parseSessionRecord(data map[string]string) (*storage.SessionRecord, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	createdAt, err := time.Parse(time.RFC3339Nano, data["created_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}

	updatedAt, err := time.Parse(time.RFC3339Nano, data["updated_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}

	size, err := strconv.ParseInt(data["size"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse size: %w", err)
	}

	attempts, err := strconv.Atoi(data["attempts"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse attempts: %w", err)
	}

	record := &storage.SessionRecord{
		ID:        data["id"],
		CreatedAt: createdAt,
		Status:    storage.SessionStatus(data["status"]),
		Reason:    data["reason"],
		Size:      size,
		RemoteKey: data["remote_key"],
		Digest:    data["digest"],
		Error:     data["error"],
		Attempts:  attempts,
		UpdatedAt: updatedAt,
	}

	if raw, ok := data["sealed_at"]; ok && raw != "" {
		sealedAt, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse sealed_at: %w", err)
		}
		record.SealedAt = &sealedAt
	}

	return record, nil
}
