package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/iudanet/fieldsync/internal/models"
	"github.com/iudanet/fieldsync/internal/server/storage"
)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// GetIdempotencyRecord returns the stored outcome of an operation.
func (s *Storage) GetIdempotencyRecord(ctx context.Context, deviceID, operationID string) (*models.IdempotencyRecord, error) {
	query := `
		SELECT device_id, operation_id, entity_type, entity_id, fingerprint, result, created_at
		FROM idempotency_records
		WHERE device_id = ? AND operation_id = ?
	`

	var (
		rec       models.IdempotencyRecord
		result    string
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, query, deviceID, operationID).Scan(
		&rec.DeviceID,
		&rec.OperationID,
		&rec.EntityType,
		&rec.EntityID,
		&rec.Fingerprint,
		&result,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}

	rec.Result = json.RawMessage(result)
	rec.CreatedAt = millisToTime(createdAt)
	return &rec, nil
}

// SaveConflict appends a conflict record to the audit log.
func (s *Storage) SaveConflict(ctx context.Context, c *models.ConflictRecord) error {
	return insertConflict(ctx, s.db, c)
}

// ListConflicts returns the newest conflicts of a device first.
func (s *Storage) ListConflicts(ctx context.Context, deviceID string, limit int) (_ []*models.ConflictRecord, err error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, device_id, operation_id, entity_type, entity_id, policy, resolved_as,
		       COALESCE(server_value, ''), COALESCE(client_value, ''),
		       server_updated_at, base_timestamp, created_at
		FROM conflicts
		WHERE device_id = ?
		ORDER BY created_at DESC, id
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	var conflicts []*models.ConflictRecord
	for rows.Next() {
		var (
			c                        models.ConflictRecord
			policy                   string
			serverValue, clientValue string
			createdAt                int64
		)
		err := rows.Scan(
			&c.ID,
			&c.DeviceID,
			&c.OperationID,
			&c.EntityType,
			&c.EntityID,
			&policy,
			&c.ResolvedAs,
			&serverValue,
			&clientValue,
			&c.ServerUpdatedAt,
			&c.BaseTimestamp,
			&createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		c.Policy = models.ConflictPolicy(policy)
		c.ServerValue = nullableJSON(serverValue)
		c.ClientValue = nullableJSON(clientValue)
		c.CreatedAt = millisToTime(createdAt)
		conflicts = append(conflicts, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return conflicts, nil
}

// GetMapping resolves a local id to the server id assigned on create.
func (s *Storage) GetMapping(ctx context.Context, deviceID, entityType, localID string) (*models.LocalIDMapping, error) {
	query := `
		SELECT device_id, entity_type, local_id, server_id, created_at
		FROM local_id_mappings
		WHERE device_id = ? AND entity_type = ? AND local_id = ?
	`

	var (
		m         models.LocalIDMapping
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, query, deviceID, entityType, localID).Scan(
		&m.DeviceID,
		&m.EntityType,
		&m.LocalID,
		&m.ServerID,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrMappingNotFound
		}
		return nil, fmt.Errorf("failed to get mapping: %w", err)
	}

	m.CreatedAt = millisToTime(createdAt)
	return &m, nil
}

// UpsertDevice records the latest description of a device.
func (s *Storage) UpsertDevice(ctx context.Context, d *models.Device) error {
	query := `
		INSERT INTO devices (id, actor_id, role, platform, app_version, model, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			actor_id = excluded.actor_id,
			role = excluded.role,
			platform = CASE WHEN excluded.platform = '' THEN devices.platform ELSE excluded.platform END,
			app_version = CASE WHEN excluded.app_version = '' THEN devices.app_version ELSE excluded.app_version END,
			model = CASE WHEN excluded.model = '' THEN devices.model ELSE excluded.model END,
			last_seen_at = MAX(devices.last_seen_at, excluded.last_seen_at)
	`

	_, err := s.db.ExecContext(ctx, query,
		d.ID,
		d.ActorID,
		d.Role,
		d.Platform,
		d.AppVersion,
		d.Model,
		d.LastSeenAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}
	return nil
}

// GetDevice returns the last known description of a device.
func (s *Storage) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	query := `
		SELECT id, actor_id, role, platform, app_version, model, last_seen_at
		FROM devices
		WHERE id = ?
	`

	var (
		d        models.Device
		lastSeen int64
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&d.ID,
		&d.ActorID,
		&d.Role,
		&d.Platform,
		&d.AppVersion,
		&d.Model,
		&lastSeen,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrDeviceNotFound
		}
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	d.LastSeenAt = millisToTime(lastSeen)
	return &d, nil
}

func insertConflict(ctx context.Context, db execer, c *models.ConflictRecord) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO conflicts (
			id, device_id, operation_id, entity_type, entity_id, policy, resolved_as,
			server_value, client_value, server_updated_at, base_timestamp, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID,
		c.DeviceID,
		c.OperationID,
		c.EntityType,
		c.EntityID,
		string(c.Policy),
		c.ResolvedAs,
		nullString(c.ServerValue),
		nullString(c.ClientValue),
		c.ServerUpdatedAt,
		c.BaseTimestamp,
		c.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert conflict: %w", err)
	}
	return nil
}

func insertMapping(ctx context.Context, db execer, m *models.LocalIDMapping) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO local_id_mappings (device_id, entity_type, local_id, server_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		m.DeviceID,
		m.EntityType,
		m.LocalID,
		m.ServerID,
		m.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return storage.ErrMappingExists
		}
		return fmt.Errorf("failed to insert mapping: %w", err)
	}
	return nil
}

func nullString(b json.RawMessage) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func nullableJSON(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}
