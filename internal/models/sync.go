package models

import (
	"fmt"
	"time"
)

// DefaultBatchSize максимальное число операций в одном батче.
// Значение одинаково на обеих сторонах и не согласовывается в рантайме.
const DefaultBatchSize = 25

// OutcomeStatus is the closed set of results the resolver produces for one operation.
type OutcomeStatus string

const (
	OutcomeApplied    OutcomeStatus = "applied"
	OutcomeRejected   OutcomeStatus = "rejected"
	OutcomeConflicted OutcomeStatus = "conflicted"
)

// Strategy names a conflict resolution strategy.
type Strategy string

const (
	StrategyLastWriteWins Strategy = "last_write_wins"
	StrategyFieldMerge    Strategy = "field_merge"
	StrategyExplicit      Strategy = "explicit"
)

// ParseStrategy converts a wire or config value into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyLastWriteWins, StrategyFieldMerge, StrategyExplicit:
		return st, nil
	default:
		return "", fmt.Errorf("unknown resolution strategy %q", s)
	}
}

// Batch упорядоченная ограниченная группа операций, идущая в одном направлении.
type Batch struct {
	Operations    []Operation `json:"operations"`
	CorrelationID string      `json:"correlation_id"`
	Checksum      string      `json:"checksum"`
	BatchNumber   int         `json:"batch_number"`  // BatchNumber номер батча, начиная с 1
	TotalBatches  int         `json:"total_batches"` // TotalBatches общее число батчей в последовательности
}

// OperationResult итог обработки одной операции батча
type OperationResult struct {
	OperationID string        `json:"operation_id"`
	Status      OutcomeStatus `json:"status"`
	Reason      string        `json:"reason,omitempty"`
	EntityID    string        `json:"entity_id,omitempty"`
	ConflictID  string        `json:"conflict_id,omitempty"`
	Version     int64         `json:"version,omitempty"`
}

// BatchAck подтверждение батча целиком: батч никогда не подтверждается частично.
type BatchAck struct {
	Results           []OperationResult   `json:"results"`
	IDMappings        []IdentifierMapping `json:"id_mappings,omitempty"`
	CorrelationID     string              `json:"correlation_id"`
	BatchNumber       int                 `json:"batch_number"`
	OperationsApplied int                 `json:"operations_applied"`
	OperationsFailed  int                 `json:"operations_failed"`
}

// ConflictRecord описывает расхождение между версией клиента и версией authority.
// ConflictID совпадает с correlation_id, который клиент указывает при явном разрешении.
type ConflictRecord struct {
	DetectedAt      time.Time  `json:"detected_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ClientData      Fields     `json:"client_data"`
	ServerData      Fields     `json:"server_data"`
	Baseline        Fields     `json:"baseline,omitempty"`
	MergedData      Fields     `json:"merged_data,omitempty"`
	ConflictID      string     `json:"conflict_id"`
	TenantID        string     `json:"tenant_id"`
	Strategy        Strategy   `json:"strategy"`
	Operation       Operation  `json:"operation"`
	ClientVersion   int64      `json:"client_version"`
	ServerVersion   int64      `json:"server_version"`
	ResolvedVersion int64      `json:"resolved_version,omitempty"`
}

// Resolved reports whether a final payload has been applied for this conflict.
func (c *ConflictRecord) Resolved() bool {
	return c.ResolvedAt != nil
}

// IdentifierMapping связывает временный идентификатор клиента с постоянным.
// Создается ровно один раз на каждую принятую create операцию.
type IdentifierMapping struct {
	TempID      string `json:"temp_id"`
	PermanentID string `json:"permanent_id"`
	EntityType  string `json:"entity_type"`
}

// Checkpoint маркер последней точки, в которой клиент полностью согласован с authority.
// Это значение change_seq authority, а не время, поэтому расхождение часов не влияет.
type Checkpoint int64
