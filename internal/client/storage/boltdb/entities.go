package boltdb

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/iudanet/fieldsync/internal/client/storage"
	"github.com/iudanet/fieldsync/pkg/api"
)

// SaveEntities caches records in a sub-bucket per entity type. A record
// older than the cached copy is skipped, so pages applied out of order
// never roll an entity back.
func (s *Storage) SaveEntities(ctx context.Context, records []api.EntityRecord) (int, error) {
	written := 0

	err := s.update(func(tx *bbolt.Tx) error {
		root, err := bucket(tx, bucketEntities)
		if err != nil {
			return err
		}

		for _, rec := range records {
			if rec.Type == "" || rec.ID == "" {
				return fmt.Errorf("entity record requires type and id")
			}
			b, err := root.CreateBucketIfNotExists([]byte(rec.Type))
			if err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", rec.Type, err)
			}

			if v := b.Get([]byte(rec.ID)); v != nil {
				var cached api.EntityRecord
				if err := json.Unmarshal(v, &cached); err != nil {
					return fmt.Errorf("failed to unmarshal cached entity: %w", err)
				}
				if cached.UpdatedAt > rec.UpdatedAt {
					continue
				}
			}

			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("failed to marshal entity: %w", err)
			}
			if err := b.Put([]byte(rec.ID), data); err != nil {
				return fmt.Errorf("failed to save entity: %w", err)
			}
			written++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return written, nil
}

// GetEntity returns one cached entity.
func (s *Storage) GetEntity(ctx context.Context, entityType, id string) (*api.EntityRecord, error) {
	var rec *api.EntityRecord

	err := s.view(func(tx *bbolt.Tx) error {
		root, err := bucket(tx, bucketEntities)
		if err != nil {
			return err
		}
		b := root.Bucket([]byte(entityType))
		if b == nil {
			return storage.ErrEntityNotFound
		}
		v := b.Get([]byte(id))
		if v == nil {
			return storage.ErrEntityNotFound
		}
		rec = &api.EntityRecord{}
		return json.Unmarshal(v, rec)
	})
	if err != nil {
		return nil, err
	}

	return rec, nil
}

// ListEntities returns every cached entity of entityType, ordered by id.
func (s *Storage) ListEntities(ctx context.Context, entityType string) ([]api.EntityRecord, error) {
	var out []api.EntityRecord

	err := s.view(func(tx *bbolt.Tx) error {
		root, err := bucket(tx, bucketEntities)
		if err != nil {
			return err
		}
		b := root.Bucket([]byte(entityType))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var rec api.EntityRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal entity: %w", err)
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}
