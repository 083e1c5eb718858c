package api

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Пути HTTP endpoint authority
const (
	SyncPath   = "/api/v1/sync/ws"
	HealthPath = "/api/v1/health"
)

// Заголовки handshake
const (
	HeaderAuthorization = "Authorization"
	HeaderTenantID      = "X-Tenant-ID"
	HeaderDeviceID      = "X-Device-ID"
)

// MessageType тип сообщения в envelope
type MessageType string

const (
	TypeConnectionAccepted MessageType = "connection_accepted" // authority -> client
	TypeHeartbeat          MessageType = "heartbeat"           // client -> authority
	TypeHeartbeatAck       MessageType = "heartbeat_ack"       // authority -> client
	TypeSyncStart          MessageType = "sync_start"          // client -> authority
	TypeSyncData           MessageType = "sync_data"           // оба направления
	TypeSyncAck            MessageType = "sync_ack"            // оба направления
	TypeConflictDetected   MessageType = "conflict_detected"   // authority -> client
	TypeConflictResolution MessageType = "conflict_resolution" // client -> authority
	TypeConflictResolved   MessageType = "conflict_resolved"   // authority -> client
	TypeError              MessageType = "error"               // authority -> client
)

// Envelope единый формат сообщения для обоих направлений.
// Поля, не относящиеся к типу сообщения, опускаются при сериализации.
type Envelope struct {
	Timestamp     time.Time   `json:"timestamp,omitzero"`
	Conflict      *Conflict   `json:"conflict,omitempty"`
	Resolution    *Resolution `json:"resolution,omitempty"`
	Type          MessageType `json:"type"`
	CorrelationID string      `json:"correlation_id,omitempty"`

	// connection_accepted
	SessionID         string `json:"session_id,omitempty"`
	HeartbeatInterval int64  `json:"heartbeat_interval,omitempty"` // секунды
	BatchSize         int    `json:"batch_size,omitempty"`

	// sync_start
	LastSyncTimestamp int64 `json:"last_sync_timestamp,omitempty"`

	// sync_data
	Operations   []Operation `json:"operations,omitempty"`
	Checksum     string      `json:"checksum,omitempty"`
	BatchNumber  int         `json:"batch_number,omitempty"`
	TotalBatches int         `json:"total_batches,omitempty"`
	Checkpoint   int64       `json:"checkpoint,omitempty"`

	// sync_ack
	Results           []OperationResult `json:"results,omitempty"`
	IDMappings        []IDMapping       `json:"id_mappings,omitempty"`
	OperationsApplied int               `json:"operations_applied,omitempty"`
	OperationsFailed  int               `json:"operations_failed,omitempty"`
	NothingToSync     bool              `json:"nothing_to_sync,omitempty"`

	// error
	ErrorCode    ErrorCode `json:"error_code,omitempty"`
	Message      string    `json:"message,omitempty"`
	OperationID  string    `json:"operation_id,omitempty"`
	RetryAllowed bool      `json:"retry_allowed,omitempty"`
}

// Operation операция в wire формате.
// В направлении authority -> client Payload содержит полный набор полей,
// а Version, UpdatedAt и UpdatedBy описывают каноническое состояние.
type Operation struct {
	OriginTimestamp time.Time                  `json:"origin_timestamp,omitzero"`
	UpdatedAt       time.Time                  `json:"updated_at,omitzero"`
	Payload         map[string]json.RawMessage `json:"payload,omitempty"`
	Baseline        map[string]json.RawMessage `json:"baseline,omitempty"`
	OperationID     string                     `json:"operation_id"`
	EntityType      string                     `json:"entity_type"`
	EntityID        string                     `json:"entity_id"`
	Kind            string                     `json:"kind"`
	Actor           string                     `json:"actor,omitempty"`
	UpdatedBy       string                     `json:"updated_by,omitempty"`
	BaseVersion     int64                      `json:"base_version,omitempty"`
	Version         int64                      `json:"version,omitempty"`
}

// OperationResult результат обработки одной операции
type OperationResult struct {
	OperationID string `json:"operation_id"`
	Status      string `json:"status"` // applied | rejected | conflicted
	Reason      string `json:"reason,omitempty"`
	EntityID    string `json:"entity_id,omitempty"`
	ConflictID  string `json:"conflict_id,omitempty"`
	Version     int64  `json:"version,omitempty"`
}

// IDMapping соответствие временного и постоянного идентификатора
type IDMapping struct {
	TempID      string `json:"temp_id"`
	PermanentID string `json:"permanent_id"`
	EntityType  string `json:"entity_type"`
}

// Conflict описание конфликта версий, отправляемое клиенту
type Conflict struct {
	DetectedAt      time.Time                  `json:"detected_at"`
	ResolvedAt      time.Time                  `json:"resolved_at,omitzero"`
	ClientData      map[string]json.RawMessage `json:"client_data"`
	ServerData      map[string]json.RawMessage `json:"server_data"`
	Baseline        map[string]json.RawMessage `json:"baseline,omitempty"`
	MergedData      map[string]json.RawMessage `json:"merged_data,omitempty"`
	ConflictID      string                     `json:"conflict_id"`
	Strategy        string                     `json:"strategy"`
	Operation       Operation                  `json:"operation"`
	ClientVersion   int64                      `json:"client_version"`
	ServerVersion   int64                      `json:"server_version"`
	ResolvedVersion int64                      `json:"resolved_version,omitempty"`
}

// Resolution решение конфликта, выбранное клиентом
type Resolution struct {
	MergedData map[string]json.RawMessage `json:"merged_data,omitempty"`
	ConflictID string                     `json:"conflict_id"`
	Strategy   string                     `json:"strategy"`
}

// Checksum вычисляет BLAKE2b-256 от JSON представления операций батча.
func Checksum(ops []Operation) (string, error) {
	if ops == nil {
		ops = []Operation{}
	}
	data, err := json.Marshal(ops)
	if err != nil {
		return "", fmt.Errorf("failed to marshal operations: %w", err)
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyChecksum проверяет контрольную сумму батча.
func VerifyChecksum(ops []Operation, checksum string) bool {
	got, err := Checksum(ops)
	if err != nil {
		return false
	}
	return got == checksum
}
