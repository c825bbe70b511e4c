package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/iudanet/fieldsync/internal/models"
	"github.com/iudanet/fieldsync/internal/server/storage"
)

// GetCheckpoint returns the checkpoint of a device for one entity type.
func (s *Storage) GetCheckpoint(ctx context.Context, deviceID, entityType string) (*models.SyncCheckpoint, error) {
	query := `
		SELECT device_id, entity_type, sync_timestamp, updated_at
		FROM sync_checkpoints
		WHERE device_id = ? AND entity_type = ?
	`

	cp, err := scanCheckpoint(s.db.QueryRowContext(ctx, query, deviceID, entityType))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrCheckpointNotFound
		}
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return cp, nil
}

// SaveCheckpoint upserts a checkpoint keeping the larger timestamp.
func (s *Storage) SaveCheckpoint(ctx context.Context, cp *models.SyncCheckpoint) error {
	query := `
		INSERT INTO sync_checkpoints (device_id, entity_type, sync_timestamp, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (device_id, entity_type) DO UPDATE SET
			sync_timestamp = MAX(sync_checkpoints.sync_timestamp, excluded.sync_timestamp),
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		cp.DeviceID,
		cp.EntityType,
		cp.SyncTimestamp,
		cp.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// ListCheckpoints returns all checkpoints of a device ordered by entity type.
func (s *Storage) ListCheckpoints(ctx context.Context, deviceID string) (_ []*models.SyncCheckpoint, err error) {
	query := `
		SELECT device_id, entity_type, sync_timestamp, updated_at
		FROM sync_checkpoints
		WHERE device_id = ?
		ORDER BY entity_type
	`

	rows, err := s.db.QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	var checkpoints []*models.SyncCheckpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		checkpoints = append(checkpoints, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return checkpoints, nil
}

func scanCheckpoint(r rowScanner) (*models.SyncCheckpoint, error) {
	var (
		cp        models.SyncCheckpoint
		updatedAt int64
	)
	if err := r.Scan(&cp.DeviceID, &cp.EntityType, &cp.SyncTimestamp, &updatedAt); err != nil {
		return nil, err
	}
	cp.UpdatedAt = millisToTime(updatedAt)
	return &cp, nil
}
