package storage

import (
	"context"

	"github.com/iudanet/fieldsync/internal/models"
)

// CheckpointStorage persists per-device per-type sync checkpoints.
type CheckpointStorage interface {
	// GetCheckpoint returns ErrCheckpointNotFound if the device never synced entityType.
	GetCheckpoint(ctx context.Context, deviceID, entityType string) (*models.SyncCheckpoint, error)

	// SaveCheckpoint upserts the checkpoint. A lower timestamp never replaces a higher one.
	SaveCheckpoint(ctx context.Context, cp *models.SyncCheckpoint) error

	// ListCheckpoints returns all checkpoints of a device.
	ListCheckpoints(ctx context.Context, deviceID string) ([]*models.SyncCheckpoint, error)
}

// IdempotencyStorage reads stored operation outcomes. Records are written by
// EntityStorage.CommitWrite together with the entity.
type IdempotencyStorage interface {
	// GetIdempotencyRecord returns ErrRecordNotFound if the operation was never applied.
	GetIdempotencyRecord(ctx context.Context, deviceID, operationID string) (*models.IdempotencyRecord, error)
}

// ConflictStorage is the append-only conflict audit log.
type ConflictStorage interface {
	SaveConflict(ctx context.Context, c *models.ConflictRecord) error

	// ListConflicts returns the newest conflicts of a device first.
	ListConflicts(ctx context.Context, deviceID string, limit int) ([]*models.ConflictRecord, error)
}

// MappingStorage resolves client local ids to server ids.
type MappingStorage interface {
	// GetMapping returns ErrMappingNotFound if the local id was never created.
	GetMapping(ctx context.Context, deviceID, entityType, localID string) (*models.LocalIDMapping, error)
}

// DeviceStorage keeps the last known description of each device.
type DeviceStorage interface {
	UpsertDevice(ctx context.Context, d *models.Device) error

	// GetDevice returns ErrDeviceNotFound for unknown devices.
	GetDevice(ctx context.Context, id string) (*models.Device, error)
}

// Store is everything the sync engine needs from persistence.
type Store interface {
	EntityStorage
	CheckpointStorage
	IdempotencyStorage
	ConflictStorage
	MappingStorage
	DeviceStorage
	Ping(ctx context.Context) error
}
