package bolt

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/tracker/internal/storage"
	"go.etcd.io/bbolt"
)

type sessionStore struct {
	db *bbolt.DB
}

func (s *sessionStore) Update(ctx context.Context, id string, fn func(*storage.SessionRecord)) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketSessions))
		if b == nil {
			return fmt.Errorf("bucket missing: %s", bucketSessions)
		}

		record := storage.SessionRecord{ID: id}
		if value := b.Get([]byte(id)); value != nil {
			if err := unmarshal(value, &record); err != nil {
				return err
			}
		}

		fn(&record)
		record.ID = id
		record.UpdatedAt = time.Now()

		data, err := marshal(record)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
}

func (s *sessionStore) Get(ctx context.Context, id string) (*storage.SessionRecord, error) {
	return getBucketValue[storage.SessionRecord](ctx, s.db, bucketSessions, id)
}

// List relies on bolt's byte-ordered keys; session IDs sort chronologically.
func (s *sessionStore) List(ctx context.Context) ([]storage.SessionRecord, error) {
	return listBucket[storage.SessionRecord](ctx, s.db, bucketSessions)
}

func (s *sessionStore) DeleteUploadedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketSessions))
		if b == nil {
			return nil
		}

		var expired [][]byte
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var record storage.SessionRecord
			if err := unmarshal(v, &record); err != nil {
				return err
			}
			if record.Status == storage.StatusUploaded && record.CreatedAt.Before(cutoff) {
				expired = append(expired, append([]byte(nil), k...))
			}
		}

		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}
