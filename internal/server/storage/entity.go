package storage

import (
	"context"

	"github.com/iudanet/fieldsync/internal/models"
)

// ChangeQuery selects entities of one type changed inside (Since, Until].
// When AfterID is set, only rows strictly after (AfterUpdatedAt, AfterID) in
// (updated_at, entity_id) order are returned.
type ChangeQuery struct {
	EntityType     string
	BranchID       string
	AfterID        string
	Since          int64
	Until          int64
	AfterUpdatedAt int64
	Limit          int
	Offset         int
}

// EntityStorage is the entity version ledger.
type EntityStorage interface {
	// GetEntity returns the current version of an entity.
	// Returns ErrEntityNotFound if it does not exist.
	GetEntity(ctx context.Context, entityType, id string) (*models.Entity, error)

	// CommitWrite applies an accepted operation in one transaction: the entity
	// row, and optionally the idempotency record, local id mapping and conflict
	// record. Creates (Expected == nil) fail with ErrEntityExists when the id is
	// taken; updates fail with ErrStaleWrite when the stored version no longer
	// matches Expected. ErrDuplicateOperation is returned when the operation was
	// already recorded by a concurrent request.
	CommitWrite(ctx context.Context, w *models.EntityWrite) error

	// ListChangedEntities returns entities matching q ordered by
	// (updated_at, entity_id) ascending.
	ListChangedEntities(ctx context.Context, q ChangeQuery) ([]*models.Entity, error)

	// CountChangedEntities counts entities in the q window, ignoring the cursor
	// and paging fields.
	CountChangedEntities(ctx context.Context, q ChangeQuery) (int, error)

	// MaxUpdatedAt returns the newest updated_at in the ledger, 0 when empty.
	MaxUpdatedAt(ctx context.Context) (int64, error)
}
