package boltdb

import (
	"context"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/iudanet/fieldsync/internal/client/storage"
)

// SaveMapping records the server id assigned to an offline create.
func (s *Storage) SaveMapping(ctx context.Context, localID, serverID string) error {
	if localID == "" || serverID == "" {
		return fmt.Errorf("local id and server id are required")
	}
	return s.update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketLocalIDs)
		if err != nil {
			return err
		}
		return b.Put([]byte(localID), []byte(serverID))
	})
}

// ResolveLocalID returns the server id for localID.
func (s *Storage) ResolveLocalID(ctx context.Context, localID string) (string, error) {
	var serverID string

	err := s.view(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketLocalIDs)
		if err != nil {
			return err
		}
		v := b.Get([]byte(localID))
		if v == nil {
			return storage.ErrMappingNotFound
		}
		serverID = string(v)
		return nil
	})
	if err != nil {
		return "", err
	}

	return serverID, nil
}
