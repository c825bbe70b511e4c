package storage

import "errors"

// Common client storage errors
var (
	// ErrAuthNotFound indicates that the device has no stored token
	ErrAuthNotFound = errors.New("authentication data not found")

	// ErrOperationNotFound indicates that an outbox entry does not exist
	ErrOperationNotFound = errors.New("outbox operation not found")

	// ErrMappingNotFound indicates that a localId has no server id yet
	ErrMappingNotFound = errors.New("local id mapping not found")

	// ErrEntityNotFound indicates that an entity is not in the local cache
	ErrEntityNotFound = errors.New("entity not found")

	// ErrStorageClosed indicates that storage is closed
	ErrStorageClosed = errors.New("storage is closed")
)
