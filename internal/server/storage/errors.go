package storage

import "errors"

// Common storage errors
var (
	// ErrEntityNotFound indicates that the entity does not exist in the ledger
	ErrEntityNotFound = errors.New("entity not found")

	// ErrEntityExists indicates a create for an id that is already taken
	ErrEntityExists = errors.New("entity already exists")

	// ErrStaleWrite indicates that the stored version changed since it was read
	ErrStaleWrite = errors.New("stale write: entity version changed")

	// ErrDuplicateOperation indicates that an idempotency record for the
	// (device, operation) pair already exists
	ErrDuplicateOperation = errors.New("operation already recorded")

	// ErrRecordNotFound indicates that no idempotency record exists
	ErrRecordNotFound = errors.New("idempotency record not found")

	// ErrCheckpointNotFound indicates that the device never synced the entity type
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrMappingNotFound indicates that a local id has no server id yet
	ErrMappingNotFound = errors.New("local id mapping not found")

	// ErrMappingExists indicates that a local id is already mapped
	ErrMappingExists = errors.New("local id mapping already exists")

	// ErrDeviceNotFound indicates that the device was never seen
	ErrDeviceNotFound = errors.New("device not found")
)
