package boltdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	"github.com/sitewise/sitesync/internal/kvstore"
)

// kvBucket holds all records; components partition it by key prefix.
var kvBucket = []byte("kv")

// envelope wraps a stored value with its optional expiry.
type envelope struct {
	Value     json.RawMessage `json:"value"`
	ExpiresAt int64           `json:"expires_at,omitempty"` // unix ms, 0 = no expiry
}

// Store is the BoltDB implementation of kvstore.Store.
type Store struct {
	db     *bbolt.DB
	clock  func() time.Time
	logger *slog.Logger
}

var _ kvstore.Store = (*Store)(nil)

// New opens (creating if necessary) a BoltDB file at dbPath.
func New(ctx context.Context, dbPath string) (*Store, error) {
	db, err := bbolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(kvBucket); err != nil {
			return fmt.Errorf("failed to create kv bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, clock: time.Now, logger: slog.Default()}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put persists value under key, atomically for this key.
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s.db == nil {
		return kvstore.ErrStoreClosed
	}
	if !json.Valid(value) {
		return fmt.Errorf("value for key %q is not valid JSON", key)
	}

	env := envelope{Value: value}
	if ttl > 0 {
		env.ExpiresAt = s.clock().Add(ttl).UnixMilli()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(kvBucket).Put([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("put transaction failed: %w", err)
	}
	return nil
}

// Get returns the value under key, or kvstore.ErrKeyNotFound if the key
// is absent or the record expired.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if s.db == nil {
		return nil, kvstore.ErrStoreClosed
	}

	var value []byte
	expired := false

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(kvBucket).Get([]byte(key))
		if data == nil {
			return kvstore.ErrKeyNotFound
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return fmt.Errorf("failed to unmarshal record: %w", err)
		}
		if env.ExpiresAt != 0 && env.ExpiresAt <= s.clock().UnixMilli() {
			expired = true
			return kvstore.ErrKeyNotFound
		}

		value = append([]byte(nil), env.Value...)
		return nil
	})

	if expired {
		// Lazy eviction, best effort.
		_ = s.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(kvBucket).Delete([]byte(key))
		})
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

// List returns all live records whose key starts with prefix.
func (s *Store) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	if s.db == nil {
		return nil, kvstore.ErrStoreClosed
	}

	now := s.clock().UnixMilli()
	records := make(map[string][]byte)

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(kvBucket).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			var env envelope
			if err := json.Unmarshal(v, &env); err != nil {
				// One corrupt record must not take the whole listing
				// down with it; read it as absent.
				s.logger.Error("skipping corrupt record", "key", string(k), "error", err)
				continue
			}
			if env.ExpiresAt != 0 && env.ExpiresAt <= now {
				continue
			}
			records[string(k)] = append([]byte(nil), env.Value...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return records, nil
}

// Delete removes the record under key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if s.db == nil {
		return kvstore.ErrStoreClosed
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(kvBucket).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("delete transaction failed: %w", err)
	}
	return nil
}
