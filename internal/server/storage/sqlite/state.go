package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/iudanet/edgesync/internal/idmap"
	"github.com/iudanet/edgesync/internal/models"
	"github.com/iudanet/edgesync/internal/server/storage"
)

// GetOperationResult returns recorded outcome of a processed operation
// Returns ErrOperationNotFound if operation was never processed
func (s *Storage) GetOperationResult(ctx context.Context, tenantID, operationID string) (*models.OperationResult, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT result FROM processed_operations WHERE tenant_id = ? AND operation_id = ?`,
		tenantID, operationID,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrOperationNotFound
		}
		return nil, fmt.Errorf("failed to get operation result: %w", err)
	}

	var result models.OperationResult
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal operation result: %w", err)
	}

	return &result, nil
}

// checkResult не дает перезаписать итог уже обработанной операции.
// Единственный допустимый переход: conflicted -> итог разрешения того же конфликта.
func checkResult(ctx context.Context, tx *sql.Tx, tenantID string, r *models.OperationResult) error {
	var data string
	err := tx.QueryRowContext(ctx,
		`SELECT result FROM processed_operations WHERE tenant_id = ? AND operation_id = ?`,
		tenantID, r.OperationID,
	).Scan(&data)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil
	case err != nil:
		return fmt.Errorf("failed to get operation result: %w", err)
	}

	var prev models.OperationResult
	if err := json.Unmarshal([]byte(data), &prev); err != nil {
		return fmt.Errorf("failed to unmarshal operation result: %w", err)
	}
	if prev.Status == models.OutcomeConflicted && prev.ConflictID != "" && prev.ConflictID == r.ConflictID {
		return nil
	}
	return fmt.Errorf("%w: %s is %s", storage.ErrOperationProcessed, r.OperationID, prev.Status)
}

func upsertResult(ctx context.Context, tx *sql.Tx, tenantID string, r *models.OperationResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal operation result: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO processed_operations (tenant_id, operation_id, status, result, processed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, operation_id) DO UPDATE SET status = excluded.status, result = excluded.result`,
		tenantID, r.OperationID, string(r.Status), string(data), time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save operation result: %w", err)
	}
	return nil
}

// LoadMapping returns mapping for temp id
// Returns idmap.ErrMappingNotFound if mapping doesn't exist
func (s *Storage) LoadMapping(ctx context.Context, tenantID, tempID string) (*models.IdentifierMapping, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	m := &models.IdentifierMapping{TempID: tempID}
	err := s.db.QueryRowContext(ctx,
		`SELECT permanent_id, entity_type FROM id_mappings WHERE tenant_id = ? AND temp_id = ?`,
		tenantID, tempID,
	).Scan(&m.PermanentID, &m.EntityType)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, idmap.ErrMappingNotFound
		}
		return nil, fmt.Errorf("failed to load mapping: %w", err)
	}

	return m, nil
}

// SaveMapping stores mapping outside of Commit
func (s *Storage) SaveMapping(ctx context.Context, tenantID string, mapping models.IdentifierMapping) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertMapping(ctx, tx, tenantID, mapping); err != nil {
		return err
	}
	return tx.Commit()
}

func insertMapping(ctx context.Context, tx *sql.Tx, tenantID string, m models.IdentifierMapping) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO id_mappings (tenant_id, temp_id, permanent_id, entity_type, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		tenantID, m.TempID, m.PermanentID, m.EntityType, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save mapping %s: %w", m.TempID, err)
	}
	return nil
}

// MappingStore returns idmap.Store scoped to tenant
func (s *Storage) MappingStore(tenantID string) idmap.Store {
	return &tenantMappings{s: s, tenantID: tenantID}
}

type tenantMappings struct {
	s        *Storage
	tenantID string
}

func (m *tenantMappings) LoadMapping(ctx context.Context, tempID string) (*models.IdentifierMapping, error) {
	return m.s.LoadMapping(ctx, m.tenantID, tempID)
}

func (m *tenantMappings) SaveMapping(ctx context.Context, mapping models.IdentifierMapping) error {
	return m.s.SaveMapping(ctx, m.tenantID, mapping)
}

// GetConflict returns conflict record
// Returns ErrConflictNotFound if conflict doesn't exist
func (s *Storage) GetConflict(ctx context.Context, tenantID, conflictID string) (*models.ConflictRecord, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM conflicts WHERE tenant_id = ? AND conflict_id = ?`,
		tenantID, conflictID,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrConflictNotFound
		}
		return nil, fmt.Errorf("failed to get conflict: %w", err)
	}

	return unmarshalConflict(data)
}

// ListPendingConflicts returns unresolved conflicts ordered by detection time
// Returns empty slice if no conflicts found
func (s *Storage) ListPendingConflicts(ctx context.Context, tenantID string) ([]*models.ConflictRecord, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT record FROM conflicts
		WHERE tenant_id = ? AND resolved = 0
		ORDER BY detected_at ASC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	conflicts := make([]*models.ConflictRecord, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		c, err := unmarshalConflict(data)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return conflicts, nil
}

func upsertConflict(ctx context.Context, tx *sql.Tx, c *models.ConflictRecord) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal conflict: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conflicts (tenant_id, conflict_id, operation_id, entity_type, entity_id, record, resolved, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, conflict_id) DO UPDATE SET record = excluded.record, resolved = excluded.resolved`,
		c.TenantID, c.ConflictID, c.Operation.OperationID, c.Operation.EntityType, c.Operation.EntityID,
		string(data), boolToInt(c.Resolved()), c.DetectedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save conflict: %w", err)
	}
	return nil
}

func unmarshalConflict(data string) (*models.ConflictRecord, error) {
	var c models.ConflictRecord
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conflict: %w", err)
	}
	return &c, nil
}
