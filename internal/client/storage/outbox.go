package storage

import (
	"context"
	"time"

	"github.com/iudanet/fieldsync/pkg/api"
)

// OperationState is the lifecycle state of an outbox entry.
type OperationState string

const (
	// StatePending entries are sent on the next sync.
	StatePending OperationState = "pending"
	// StateFailed entries were rejected for a reason retrying cannot fix.
	StateFailed OperationState = "failed"
	// StateConflict entries lost to a newer server version and wait for
	// the user to keep either side.
	StateConflict OperationState = "conflict"
)

// PendingOperation is one outbox entry.
type PendingOperation struct {
	EnqueuedAt  time.Time            `json:"enqueued_at"`
	ServerValue *api.EntityRecord    `json:"server_value,omitempty"`
	LastError   *api.OperationError  `json:"last_error,omitempty"`
	State       OperationState       `json:"state"`
	Operation   api.OfflineOperation `json:"operation"`
	Seq         uint64               `json:"seq"`
	Attempts    int                  `json:"attempts"`
	ClientWins  bool                 `json:"client_wins,omitempty"`
}

//go:generate moq -out outbox_mock.go . OutboxStorage

// OutboxStorage is the durable queue of operations recorded offline.
type OutboxStorage interface {
	// Enqueue appends op and returns its sequence number. Sequence numbers
	// increase in enqueue order.
	Enqueue(ctx context.Context, op *PendingOperation) (uint64, error)

	// List returns entries in enqueue order. An empty state lists all.
	List(ctx context.Context, state OperationState) ([]*PendingOperation, error)

	// Get returns ErrOperationNotFound if no entry has the operation id.
	Get(ctx context.Context, operationID string) (*PendingOperation, error)

	// Update replaces an existing entry, matched by Seq.
	Update(ctx context.Context, op *PendingOperation) error

	// Delete removes an entry by operation id.
	Delete(ctx context.Context, operationID string) error

	// Count returns the number of entries in state.
	Count(ctx context.Context, state OperationState) (int, error)
}

//go:generate moq -out entities_mock.go . EntityStorage

// EntityStorage caches server entities on the device.
type EntityStorage interface {
	// SaveEntities stores records, skipping any older than the cached copy.
	// It returns the number of records written.
	SaveEntities(ctx context.Context, records []api.EntityRecord) (int, error)

	// GetEntity returns ErrEntityNotFound if the entity is not cached.
	GetEntity(ctx context.Context, entityType, id string) (*api.EntityRecord, error)

	ListEntities(ctx context.Context, entityType string) ([]api.EntityRecord, error)
}
