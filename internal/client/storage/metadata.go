package storage

import "context"

//go:generate moq -out metadata_mock.go . MetadataStorage

// MetadataStorage stores sync progress on the device.
type MetadataStorage interface {
	// SaveLastSyncTimestamp saves the syncTimestamp of the last successful
	// stream sync. The stored value never moves backwards.
	SaveLastSyncTimestamp(ctx context.Context, timestamp int64) error

	// GetLastSyncTimestamp returns 0 if no sync has been performed yet.
	GetLastSyncTimestamp(ctx context.Context) (int64, error)

	// SaveCheckpoint records the per-type pull position. Never moves backwards.
	SaveCheckpoint(ctx context.Context, entityType string, timestamp int64) error

	// GetCheckpoints returns every per-type pull position.
	GetCheckpoints(ctx context.Context) (map[string]int64, error)
}

//go:generate moq -out localids_mock.go . LocalIDStorage

// LocalIDStorage maps device-assigned ids of offline creates to server ids.
type LocalIDStorage interface {
	SaveMapping(ctx context.Context, localID, serverID string) error

	// ResolveLocalID returns ErrMappingNotFound for unknown ids.
	ResolveLocalID(ctx context.Context, localID string) (string, error)
}
