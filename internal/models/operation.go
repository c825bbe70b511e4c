package models

import (
	"encoding/json"
	"time"
)

// Intent is the kind of mutation an offline operation carries.
type Intent string

const (
	IntentCreate       Intent = "create"
	IntentUpdate       Intent = "update"
	IntentStatusChange Intent = "statusChange"
	IntentAppend       Intent = "append"
)

// Valid reports whether i is a known intent.
func (i Intent) Valid() bool {
	switch i {
	case IntentCreate, IntentUpdate, IntentStatusChange, IntentAppend:
		return true
	}
	return false
}

// OfflineOperation is a mutation captured on a device while offline, after
// its endpoint has been decoded into an entity target and an intent.
type OfflineOperation struct {
	ID              string
	DeviceID        string
	EntityType      string
	EntityID        string // empty for creates and unresolved local references
	LocalID         string
	Field           string // list field for IntentAppend
	Intent          Intent
	Payload         json.RawMessage
	ClientTimestamp int64
	BaseTimestamp   int64
	Index           int // position in the submitted batch
}

// Target returns the key operations on the same entity are serialized by.
func (o *OfflineOperation) Target() string {
	if o.EntityID != "" {
		return o.EntityType + "/" + o.EntityID
	}
	if o.LocalID != "" {
		return o.LocalTarget()
	}
	return o.EntityType + "/op:" + o.ID
}

// LocalTarget is the key of the entity the device knows as LocalID.
func (o *OfflineOperation) LocalTarget() string {
	return o.EntityType + "/local:" + o.LocalID
}

// IdempotencyRecord stores the first successful outcome of an operation so a
// resubmission replays it verbatim. Keyed by (DeviceID, OperationID).
type IdempotencyRecord struct {
	CreatedAt   time.Time       `json:"created_at"`
	DeviceID    string          `json:"device_id"`
	OperationID string          `json:"operation_id"`
	EntityType  string          `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	Fingerprint string          `json:"fingerprint"`
	Result      json.RawMessage `json:"result"` // serialized api.OperationResult
}
