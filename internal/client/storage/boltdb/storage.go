package boltdb

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/iudanet/fieldsync/internal/client/storage"
)

var (
	// BoltDB bucket names
	bucketAuth        = []byte("auth")
	bucketOutbox      = []byte("outbox")
	bucketOutboxIndex = []byte("outbox_ids")
	bucketMetadata    = []byte("metadata")
	bucketCheckpoints = []byte("checkpoints")
	bucketLocalIDs    = []byte("local_ids")
	bucketEntities    = []byte("entities")

	allBuckets = [][]byte{
		bucketAuth, bucketOutbox, bucketOutboxIndex, bucketMetadata,
		bucketCheckpoints, bucketLocalIDs, bucketEntities,
	}
)

// Storage is the bbolt implementation of every device storage interface.
type Storage struct {
	db *bbolt.DB
}

var (
	_ storage.AuthStorage     = (*Storage)(nil)
	_ storage.OutboxStorage   = (*Storage)(nil)
	_ storage.MetadataStorage = (*Storage)(nil)
	_ storage.LocalIDStorage  = (*Storage)(nil)
	_ storage.EntityStorage   = (*Storage)(nil)
)

// New opens (or creates) the device database at dbPath.
func New(ctx context.Context, dbPath string) (*Storage, error) {
	// a second client process on the same file fails instead of blocking
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	s := &Storage{db: db}
	if err := s.initBuckets(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return s, nil
}

// Close closes the database.
func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Storage) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}

func (s *Storage) update(fn func(tx *bbolt.Tx) error) error {
	return closedErr(s.db.Update(fn))
}

func (s *Storage) view(fn func(tx *bbolt.Tx) error) error {
	return closedErr(s.db.View(fn))
}

func closedErr(err error) error {
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return storage.ErrStorageClosed
	}
	return err
}

func bucket(tx *bbolt.Tx, name []byte) (*bbolt.Bucket, error) {
	b := tx.Bucket(name)
	if b == nil {
		return nil, fmt.Errorf("%s bucket not found", name)
	}
	return b, nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func btoi(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
