package boltdb

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/iudanet/fieldsync/internal/client/storage"
)

// Enqueue appends op to the outbox. Entries are keyed by a big-endian
// sequence number so cursor order is enqueue order.
func (s *Storage) Enqueue(ctx context.Context, op *storage.PendingOperation) (uint64, error) {
	if op.Operation.ID == "" {
		return 0, fmt.Errorf("operation id is required")
	}

	err := s.update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketOutbox)
		if err != nil {
			return err
		}
		idx, err := bucket(tx, bucketOutboxIndex)
		if err != nil {
			return err
		}

		if idx.Get([]byte(op.Operation.ID)) != nil {
			return fmt.Errorf("operation %s is already queued", op.Operation.ID)
		}

		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}
		op.Seq = seq
		if op.State == "" {
			op.State = storage.StatePending
		}

		return putOperation(b, idx, op)
	})
	if err != nil {
		return 0, err
	}

	return op.Seq, nil
}

// List returns entries in enqueue order, optionally filtered by state.
func (s *Storage) List(ctx context.Context, state storage.OperationState) ([]*storage.PendingOperation, error) {
	var out []*storage.PendingOperation

	err := s.view(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketOutbox)
		if err != nil {
			return err
		}
		return b.ForEach(func(_, v []byte) error {
			op := &storage.PendingOperation{}
			if err := json.Unmarshal(v, op); err != nil {
				return fmt.Errorf("failed to unmarshal outbox entry: %w", err)
			}
			if state == "" || op.State == state {
				out = append(out, op)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// Get returns the entry for operationID.
func (s *Storage) Get(ctx context.Context, operationID string) (*storage.PendingOperation, error) {
	var op *storage.PendingOperation

	err := s.view(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketOutbox)
		if err != nil {
			return err
		}
		idx, err := bucket(tx, bucketOutboxIndex)
		if err != nil {
			return err
		}

		key := idx.Get([]byte(operationID))
		if key == nil {
			return storage.ErrOperationNotFound
		}
		v := b.Get(key)
		if v == nil {
			return storage.ErrOperationNotFound
		}

		op = &storage.PendingOperation{}
		if err := json.Unmarshal(v, op); err != nil {
			return fmt.Errorf("failed to unmarshal outbox entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return op, nil
}

// Update replaces the entry with the same Seq.
func (s *Storage) Update(ctx context.Context, op *storage.PendingOperation) error {
	return s.update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketOutbox)
		if err != nil {
			return err
		}
		idx, err := bucket(tx, bucketOutboxIndex)
		if err != nil {
			return err
		}

		if b.Get(itob(op.Seq)) == nil {
			return storage.ErrOperationNotFound
		}
		return putOperation(b, idx, op)
	})
}

// Delete removes the entry for operationID.
func (s *Storage) Delete(ctx context.Context, operationID string) error {
	return s.update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketOutbox)
		if err != nil {
			return err
		}
		idx, err := bucket(tx, bucketOutboxIndex)
		if err != nil {
			return err
		}

		key := idx.Get([]byte(operationID))
		if key == nil {
			return storage.ErrOperationNotFound
		}
		// bbolt byte slices are only valid inside the tx and Delete may reuse the page
		seq := append([]byte(nil), key...)
		if err := idx.Delete([]byte(operationID)); err != nil {
			return fmt.Errorf("failed to delete outbox index: %w", err)
		}
		if err := b.Delete(seq); err != nil {
			return fmt.Errorf("failed to delete outbox entry: %w", err)
		}
		return nil
	})
}

// Count returns the number of entries in state.
func (s *Storage) Count(ctx context.Context, state storage.OperationState) (int, error) {
	ops, err := s.List(ctx, state)
	if err != nil {
		return 0, err
	}
	return len(ops), nil
}

func putOperation(b, idx *bbolt.Bucket, op *storage.PendingOperation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to marshal outbox entry: %w", err)
	}
	key := itob(op.Seq)
	if err := b.Put(key, data); err != nil {
		return fmt.Errorf("failed to save outbox entry: %w", err)
	}
	if err := idx.Put([]byte(op.Operation.ID), key); err != nil {
		return fmt.Errorf("failed to save outbox index: %w", err)
	}
	return nil
}
