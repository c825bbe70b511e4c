package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/iudanet/fieldsync/internal/models"
	"github.com/iudanet/fieldsync/internal/server/storage"
)

const entityColumns = `entity_type, entity_id, branch_id, data, updated_at, revision, deleted, created_at`

// GetEntity returns the current version of an entity.
// Returns ErrEntityNotFound if it does not exist.
func (s *Storage) GetEntity(ctx context.Context, entityType, id string) (*models.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE entity_type = ? AND entity_id = ?`

	e, err := scanEntity(s.db.QueryRowContext(ctx, query, entityType, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrEntityNotFound
		}
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}

	return e, nil
}

// CommitWrite applies an accepted operation atomically.
func (s *Storage) CommitWrite(ctx context.Context, w *models.EntityWrite) (err error) {
	if w == nil || w.Entity == nil {
		return fmt.Errorf("commit write: entity is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	e := w.Entity
	if w.Expected == nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO entities (`+entityColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.Type,
			e.ID,
			e.BranchID,
			string(e.Data),
			e.Version.UpdatedAt,
			e.Version.Revision,
			boolToInt(e.Deleted),
			e.CreatedAt.UnixMilli(),
		)
		if err != nil {
			if isConstraintViolation(err) {
				return storage.ErrEntityExists
			}
			return fmt.Errorf("failed to insert entity: %w", err)
		}
	} else {
		var res sql.Result
		res, err = tx.ExecContext(ctx, `
			UPDATE entities
			SET branch_id = ?, data = ?, updated_at = ?, revision = ?, deleted = ?
			WHERE entity_type = ? AND entity_id = ? AND updated_at = ? AND revision = ?`,
			e.BranchID,
			string(e.Data),
			e.Version.UpdatedAt,
			e.Version.Revision,
			boolToInt(e.Deleted),
			e.Type,
			e.ID,
			w.Expected.UpdatedAt,
			w.Expected.Revision,
		)
		if err != nil {
			return fmt.Errorf("failed to update entity: %w", err)
		}

		var n int64
		n, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			err = storage.ErrStaleWrite
			return err
		}
	}

	if rec := w.Idempotency; rec != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO idempotency_records
				(device_id, operation_id, entity_type, entity_id, fingerprint, result, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.DeviceID,
			rec.OperationID,
			rec.EntityType,
			rec.EntityID,
			rec.Fingerprint,
			string(rec.Result),
			rec.CreatedAt.UnixMilli(),
		)
		if err != nil {
			if isConstraintViolation(err) {
				err = storage.ErrDuplicateOperation
				return err
			}
			return fmt.Errorf("failed to insert idempotency record: %w", err)
		}
	}

	if m := w.Mapping; m != nil {
		err = insertMapping(ctx, tx, m)
		if err != nil {
			return err
		}
	}

	if c := w.Conflict; c != nil {
		err = insertConflict(ctx, tx, c)
		if err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// ListChangedEntities returns entities matching q ordered by (updated_at, entity_id).
func (s *Storage) ListChangedEntities(ctx context.Context, q storage.ChangeQuery) (_ []*models.Entity, err error) {
	where, args := changeFilter(q, true)
	query := `SELECT ` + entityColumns + ` FROM entities WHERE ` + where + ` ORDER BY updated_at ASC, entity_id ASC`
	if q.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, q.Limit, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query changed entities: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	var entities []*models.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return entities, nil
}

// CountChangedEntities counts entities in the q window.
func (s *Storage) CountChangedEntities(ctx context.Context, q storage.ChangeQuery) (int, error) {
	where, args := changeFilter(q, false)

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities WHERE `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count changed entities: %w", err)
	}
	return n, nil
}

// MaxUpdatedAt returns the newest updated_at in the ledger.
func (s *Storage) MaxUpdatedAt(ctx context.Context) (int64, error) {
	var ts int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(updated_at), 0) FROM entities`).Scan(&ts); err != nil {
		return 0, fmt.Errorf("failed to read max updated_at: %w", err)
	}
	return ts, nil
}

func changeFilter(q storage.ChangeQuery, withCursor bool) (string, []any) {
	conds := []string{"entity_type = ?", "updated_at > ?"}
	args := []any{q.EntityType, q.Since}

	if q.Until > 0 {
		conds = append(conds, "updated_at <= ?")
		args = append(args, q.Until)
	}
	if q.BranchID != "" {
		conds = append(conds, "branch_id = ?")
		args = append(args, q.BranchID)
	}
	if withCursor && q.AfterID != "" {
		conds = append(conds, "(updated_at > ? OR (updated_at = ? AND entity_id > ?))")
		args = append(args, q.AfterUpdatedAt, q.AfterUpdatedAt, q.AfterID)
	}

	return strings.Join(conds, " AND "), args
}

func scanEntity(r rowScanner) (*models.Entity, error) {
	var (
		e         models.Entity
		data      string
		deleted   int
		createdAt int64
	)

	err := r.Scan(
		&e.Type,
		&e.ID,
		&e.BranchID,
		&data,
		&e.Version.UpdatedAt,
		&e.Version.Revision,
		&deleted,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	e.Data = json.RawMessage(data)
	e.Version.EntityID = e.ID
	e.Deleted = intToBool(deleted)
	e.CreatedAt = millisToTime(createdAt)

	return &e, nil
}
