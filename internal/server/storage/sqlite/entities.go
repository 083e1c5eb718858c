package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/iudanet/edgesync/internal/models"
	"github.com/iudanet/edgesync/internal/server/storage"
)

const entityColumns = `tenant_id, entity_type, entity_id, fields, version, deleted, change_seq, updated_at, updated_by`

// GetEntity returns current entity state including tombstones
// Returns ErrEntityNotFound if entity doesn't exist
func (s *Storage) GetEntity(ctx context.Context, key models.EntityKey) (*models.Entity, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	query := `SELECT ` + entityColumns + `
		FROM entities
		WHERE tenant_id = ? AND entity_type = ? AND entity_id = ?`

	e, err := scanEntity(s.db.QueryRowContext(ctx, query, key.TenantID, key.EntityType, key.EntityID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrEntityNotFound
		}
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}

	return e, nil
}

// Commit applies entity state, operation result, id mapping and conflict record in one transaction
func (s *Storage) Commit(ctx context.Context, tenantID string, c *storage.Commit) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if c.Result != nil && c.Result.OperationID != "" {
		if err := checkResult(ctx, tx, tenantID, c.Result); err != nil {
			return err
		}
	}

	if c.Entity != nil {
		if err := writeEntity(ctx, tx, c.Entity, c.ExpectedVersion); err != nil {
			return err
		}
	}

	if c.Mapping != nil {
		if err := insertMapping(ctx, tx, tenantID, *c.Mapping); err != nil {
			return err
		}
	}

	if c.Conflict != nil {
		if err := upsertConflict(ctx, tx, c.Conflict); err != nil {
			return err
		}
	}

	if c.Result != nil {
		if err := upsertResult(ctx, tx, tenantID, c.Result); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// writeEntity выполняет compare-and-swap по версии и пишет историю
func writeEntity(ctx context.Context, tx *sql.Tx, e *models.Entity, expected int64) error {
	var stored int64
	err := tx.QueryRowContext(ctx,
		`SELECT version FROM entities WHERE tenant_id = ? AND entity_type = ? AND entity_id = ?`,
		e.TenantID, e.EntityType, e.EntityID,
	).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		stored = 0
	case err != nil:
		return fmt.Errorf("failed to read entity version: %w", err)
	}

	if stored != expected {
		return fmt.Errorf("%w: %s stored %d, expected %d", storage.ErrVersionMismatch, e.Key(), stored, expected)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`UPDATE sequences SET value = value + 1 WHERE name = 'change_seq' RETURNING value`,
	).Scan(&seq); err != nil {
		return fmt.Errorf("failed to allocate change_seq: %w", err)
	}

	fields, err := marshalFields(e.Fields)
	if err != nil {
		return err
	}

	if stored == 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO entities (`+entityColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.TenantID, e.EntityType, e.EntityID, fields, e.Version,
			boolToInt(e.Deleted), seq, e.UpdatedAt.UnixNano(), e.UpdatedBy,
		)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE entities
			SET fields = ?, version = ?, deleted = ?, change_seq = ?, updated_at = ?, updated_by = ?
			WHERE tenant_id = ? AND entity_type = ? AND entity_id = ? AND version = ?`,
			fields, e.Version, boolToInt(e.Deleted), seq, e.UpdatedAt.UnixNano(), e.UpdatedBy,
			e.TenantID, e.EntityType, e.EntityID, expected,
		)
	}
	if err != nil {
		return fmt.Errorf("failed to write entity: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO entity_history (tenant_id, entity_type, entity_id, version, fields, deleted, updated_at, updated_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TenantID, e.EntityType, e.EntityID, e.Version, fields,
		boolToInt(e.Deleted), e.UpdatedAt.UnixNano(), e.UpdatedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to write entity history: %w", err)
	}

	e.ChangeSeq = seq
	return nil
}

// ChangesSince returns entities with change_seq strictly greater than seq
// Returns empty slice if no entities found
func (s *Storage) ChangesSince(ctx context.Context, tenantID string, seq int64, limit int) ([]*models.Entity, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}
	if limit <= 0 {
		limit = -1 // без ограничения
	}

	query := `SELECT ` + entityColumns + `
		FROM entities
		WHERE tenant_id = ? AND change_seq > ?
		ORDER BY change_seq ASC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, tenantID, seq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	entities := make([]*models.Entity, 0)
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		entities = append(entities, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return entities, nil
}

// LatestChangeSeq returns the highest change_seq of tenant entities
func (s *Storage) LatestChangeSeq(ctx context.Context, tenantID string) (int64, error) {
	if s.db == nil {
		return 0, storage.ErrStorageClosed
	}

	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(change_seq) FROM entities WHERE tenant_id = ?`, tenantID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to query latest change_seq: %w", err)
	}

	return seq.Int64, nil
}

// EntityHistory returns entity state at the given version
// Returns ErrEntityNotFound if version is not retained
func (s *Storage) EntityHistory(ctx context.Context, key models.EntityKey, version int64) (*models.Entity, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	query := `
		SELECT fields, deleted, updated_at, updated_by
		FROM entity_history
		WHERE tenant_id = ? AND entity_type = ? AND entity_id = ? AND version = ?`

	e := &models.Entity{
		TenantID:   key.TenantID,
		EntityType: key.EntityType,
		EntityID:   key.EntityID,
		Version:    version,
	}
	var fields string
	var deleted int
	var updatedAt int64

	err := s.db.QueryRowContext(ctx, query, key.TenantID, key.EntityType, key.EntityID, version).
		Scan(&fields, &deleted, &updatedAt, &e.UpdatedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrEntityNotFound
		}
		return nil, fmt.Errorf("failed to get entity history: %w", err)
	}

	if e.Fields, err = unmarshalFields(fields); err != nil {
		return nil, err
	}
	e.Deleted = deleted == 1
	e.UpdatedAt = time.Unix(0, updatedAt).UTC()

	return e, nil
}

// NextEntityID allocates the next permanent entity id within tenant
func (s *Storage) NextEntityID(ctx context.Context, tenantID string) (string, error) {
	if s.db == nil {
		return "", storage.ErrStorageClosed
	}

	var next int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO sequences (name, value) VALUES (?, 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1
		RETURNING value`,
		entityIDSequence(tenantID),
	).Scan(&next)
	if err != nil {
		return "", fmt.Errorf("failed to allocate entity id: %w", err)
	}

	return strconv.FormatInt(next, 10), nil
}

// SetEntityIDSequence задает последнее выданное значение идентификатора тенанта
func (s *Storage) SetEntityIDSequence(ctx context.Context, tenantID string, last int64) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sequences (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value`,
		entityIDSequence(tenantID), last,
	)
	if err != nil {
		return fmt.Errorf("failed to set entity id sequence: %w", err)
	}
	return nil
}

func entityIDSequence(tenantID string) string {
	return "entity_id:" + tenantID
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*models.Entity, error) {
	e := &models.Entity{}
	var fields string
	var deleted int
	var updatedAt int64

	if err := row.Scan(
		&e.TenantID,
		&e.EntityType,
		&e.EntityID,
		&fields,
		&e.Version,
		&deleted,
		&e.ChangeSeq,
		&updatedAt,
		&e.UpdatedBy,
	); err != nil {
		return nil, err
	}

	var err error
	if e.Fields, err = unmarshalFields(fields); err != nil {
		return nil, err
	}
	e.Deleted = deleted == 1
	e.UpdatedAt = time.Unix(0, updatedAt).UTC()

	return e, nil
}

func marshalFields(f models.Fields) (string, error) {
	if f == nil {
		return "{}", nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("failed to marshal fields: %w", err)
	}
	return string(data), nil
}

func unmarshalFields(s string) (models.Fields, error) {
	f := models.Fields{}
	if err := json.Unmarshal([]byte(s), &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
	}
	return f, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
