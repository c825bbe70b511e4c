package models

import (
	"encoding/json"
	"time"

	"github.com/iudanet/fieldsync/pkg/api"
)

// EntityVersion identifies one committed state of an entity.
// UpdatedAt is assigned by the server clock and strictly increases on every
// accepted write, as does Revision.
type EntityVersion struct {
	EntityID  string `json:"entity_id"`
	UpdatedAt int64  `json:"updated_at"` // epoch ms
	Revision  int64  `json:"revision"`
}

// Entity is a business record held in the version ledger.
type Entity struct {
	CreatedAt time.Time       `json:"created_at"`
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	BranchID  string          `json:"branch_id"`
	Data      json.RawMessage `json:"data"`
	Version   EntityVersion   `json:"version"`
	Deleted   bool            `json:"deleted"`
}

// Record converts the entity to its wire form.
func (e *Entity) Record() *api.EntityRecord {
	if e == nil {
		return nil
	}
	return &api.EntityRecord{
		ID:        e.ID,
		Type:      e.Type,
		BranchID:  e.BranchID,
		Data:      e.Data,
		UpdatedAt: api.Timestamp(e.Version.UpdatedAt),
		Revision:  e.Version.Revision,
		Deleted:   e.Deleted,
	}
}

// Clone returns a deep copy of the entity.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	c.Data = append(json.RawMessage(nil), e.Data...)
	return &c
}

// EntityWrite is everything committed atomically for one accepted operation.
// Expected is nil for creates; otherwise the write only succeeds if the stored
// version still equals it.
type EntityWrite struct {
	Entity      *Entity
	Expected    *EntityVersion
	Idempotency *IdempotencyRecord
	Mapping     *LocalIDMapping
	Conflict    *ConflictRecord
}
