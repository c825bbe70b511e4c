package boltdb

import (
	"context"
	"fmt"

	"go.etcd.io/bbolt"
)

const (
	keyLastSyncTimestamp = "last_sync_timestamp"
)

// SaveLastSyncTimestamp saves the timestamp of the last successful sync.
// Older values are ignored.
func (s *Storage) SaveLastSyncTimestamp(ctx context.Context, timestamp int64) error {
	return s.update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketMetadata)
		if err != nil {
			return err
		}
		if err := putMax(b, []byte(keyLastSyncTimestamp), timestamp); err != nil {
			return fmt.Errorf("failed to save last sync timestamp: %w", err)
		}
		return nil
	})
}

// GetLastSyncTimestamp returns 0 if no sync has been performed yet.
func (s *Storage) GetLastSyncTimestamp(ctx context.Context) (int64, error) {
	var timestamp int64

	err := s.view(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketMetadata)
		if err != nil {
			return err
		}
		if v := b.Get([]byte(keyLastSyncTimestamp)); v != nil {
			timestamp = int64(btoi(v))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get last sync timestamp: %w", err)
	}

	return timestamp, nil
}

// SaveCheckpoint records how far entityType has been pulled.
func (s *Storage) SaveCheckpoint(ctx context.Context, entityType string, timestamp int64) error {
	if entityType == "" {
		return fmt.Errorf("entity type is required")
	}
	return s.update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketCheckpoints)
		if err != nil {
			return err
		}
		if err := putMax(b, []byte(entityType), timestamp); err != nil {
			return fmt.Errorf("failed to save checkpoint for %s: %w", entityType, err)
		}
		return nil
	})
}

// GetCheckpoints returns every per-type pull position.
func (s *Storage) GetCheckpoints(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64)

	err := s.view(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketCheckpoints)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			out[string(k)] = int64(btoi(v))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoints: %w", err)
	}

	return out, nil
}

func putMax(b *bbolt.Bucket, key []byte, timestamp int64) error {
	if timestamp < 0 {
		return fmt.Errorf("negative timestamp %d", timestamp)
	}
	if v := b.Get(key); v != nil && int64(btoi(v)) >= timestamp {
		return nil
	}
	return b.Put(key, itob(uint64(timestamp)))
}
