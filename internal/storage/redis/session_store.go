package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/tracker/internal/storage"
	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix = "tracker:session:"
	sessionIndexKey  = "tracker:sessions"
)

var pruneScript = redis.NewScript(pruneUploadedScript)

type sessionStore struct {
	client *redis.Client
}

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}

// Update performs an optimistic read-modify-write, retrying when another
// writer touches the record between the read and the write.
func (s *sessionStore) Update(ctx context.Context, id string, fn func(*storage.SessionRecord)) error {
	key := sessionKey(id)

	txf := func(tx *redis.Tx) error {
		data, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("failed to read session: %w", err)
		}

		record := storage.SessionRecord{ID: id}
		if len(data) > 0 {
			parsed, err := parseSessionRecord(data)
			if err != nil {
				return err
			}
			record = *parsed
		}

		fn(&record)
		record.ID = id
		record.UpdatedAt = time.Now()

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.HSet(ctx, key, sessionFields(record)...)
			pipe.ZAdd(ctx, sessionIndexKey, redis.Z{
				Score:  float64(record.CreatedAt.UnixMicro()),
				Member: id,
			})
			return nil
		})
		return err
	}

	for i := 0; i < 5; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update session %s: too much contention", id)
}

func (s *sessionStore) Get(ctx context.Context, id string) (*storage.SessionRecord, error) {
	data, err := s.client.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return parseSessionRecord(data)
}

func (s *sessionStore) List(ctx context.Context) ([]storage.SessionRecord, error) {
	ids, err := s.client.ZRange(ctx, sessionIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, sessionKey(id))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("failed to fetch sessions: %w", err)
		}
	}

	records := make([]storage.SessionRecord, 0, len(ids))
	for _, cmd := range cmds {
		record, err := parseSessionRecord(cmd.Val())
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, nil
}

func (s *sessionStore) DeleteUploadedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	keys := []string{sessionIndexKey}
	n, err := pruneScript.Run(ctx, s.client, keys, sessionKeyPrefix, strconv.FormatInt(cutoff.UnixMicro(), 10)).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}
	return n, nil
}
