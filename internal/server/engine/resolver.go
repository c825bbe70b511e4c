package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/fieldsync/internal/models"
)

// Resolution is the verdict of a ConflictResolver.
type Resolution struct {
	// Conflict is set whenever the operation was stale, whether or not it was accepted.
	Conflict *models.ConflictRecord
	Accept   bool
}

// ConflictResolver decides whether an operation may be applied on top of the
// current server state of its entity.
type ConflictResolver interface {
	Resolve(op *models.OfflineOperation, current *models.Entity, policy models.ConflictPolicy) Resolution
}

// TimestampResolver detects conflicts by comparing the operation's base
// timestamp with the entity's last server write.
type TimestampResolver struct {
	now   func() time.Time
	newID func() string
}

// NewTimestampResolver creates a resolver using wall-clock time and random ids.
func NewTimestampResolver() *TimestampResolver {
	return &TimestampResolver{
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Resolve implements ConflictResolver.
//
// An operation is stale when its base timestamp is older than the entity's
// updatedAt. Stale operations are rejected under server_wins and applied under
// client_wins; both cases produce a conflict record. Appends commute with
// any concurrent write and are never stale.
func (r *TimestampResolver) Resolve(op *models.OfflineOperation, current *models.Entity, policy models.ConflictPolicy) Resolution {
	if current == nil || op.Intent == models.IntentAppend {
		return Resolution{Accept: true}
	}
	if op.BaseTimestamp >= current.Version.UpdatedAt {
		return Resolution{Accept: true}
	}

	record := &models.ConflictRecord{
		ID:              r.newID(),
		DeviceID:        op.DeviceID,
		OperationID:     op.ID,
		EntityType:      current.Type,
		EntityID:        current.ID,
		Policy:          policy,
		ServerValue:     current.Data,
		ClientValue:     op.Payload,
		ServerUpdatedAt: current.Version.UpdatedAt,
		BaseTimestamp:   op.BaseTimestamp,
		CreatedAt:       r.now().UTC(),
	}

	if policy == models.PolicyClientWins {
		record.ResolvedAs = models.ResolvedOverridden
		return Resolution{Accept: true, Conflict: record}
	}

	record.Policy = models.PolicyServerWins
	record.ResolvedAs = models.ResolvedRejected
	return Resolution{Accept: false, Conflict: record}
}
