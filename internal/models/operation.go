package models

import (
	"fmt"
	"time"
)

// OperationKind is the closed set of mutation kinds. Every switch over it
// must handle all three values.
type OperationKind string

const (
	KindCreate OperationKind = "create"
	KindUpdate OperationKind = "update"
	KindDelete OperationKind = "delete"
)

// ParseOperationKind converts a wire value into an OperationKind.
func ParseOperationKind(s string) (OperationKind, error) {
	switch k := OperationKind(s); k {
	case KindCreate, KindUpdate, KindDelete:
		return k, nil
	default:
		return "", fmt.Errorf("unknown operation kind %q", s)
	}
}

// Operation представляет одну намеренную мутацию сущности.
// OperationID глобально уникален и используется для идемпотентного повтора.
type Operation struct {
	OriginTimestamp time.Time     `json:"origin_timestamp"`       // OriginTimestamp время мутации на клиенте
	Payload         Fields        `json:"payload,omitempty"`      // Payload полный (create) или частичный (update) набор полей
	Baseline        Fields        `json:"baseline,omitempty"`     // Baseline снимок полей до ухода в offline (для field merge)
	OperationID     string        `json:"operation_id"`           // OperationID ключ идемпотентности
	EntityType      string        `json:"entity_type"`            // EntityType тип сущности
	EntityID        string        `json:"entity_id"`              // EntityID постоянный или временный идентификатор
	Kind            OperationKind `json:"kind"`                   // Kind create | update | delete
	Actor           string        `json:"actor,omitempty"`        // Actor автор мутации
	BaseVersion     int64         `json:"base_version,omitempty"` // BaseVersion версия, которую клиент считал текущей (0 для create)
}

// Clone создает глубокую копию операции
func (o *Operation) Clone() *Operation {
	if o == nil {
		return nil
	}
	cp := *o
	cp.Payload = o.Payload.Clone()
	cp.Baseline = o.Baseline.Clone()
	return &cp
}

// Key returns the entity key the operation targets within tenant.
func (o *Operation) Key(tenantID string) EntityKey {
	return EntityKey{TenantID: tenantID, EntityType: o.EntityType, EntityID: o.EntityID}
}

// LocalKey identifies the targeted entity on the client, where there is a single tenant.
func (o *Operation) LocalKey() string {
	return o.EntityType + "/" + o.EntityID
}

// OperationStatus is the client-side lifecycle state of a queued operation.
// Applied and rejected operations leave the log, so they have no status here.
type OperationStatus string

const (
	StatusPending    OperationStatus = "pending"
	StatusInFlight   OperationStatus = "in_flight"
	StatusConflicted OperationStatus = "conflicted"
)

// QueuedOperation is an Operation as stored in the client Operation Log.
type QueuedOperation struct {
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Conflict   *ConflictRecord `json:"conflict,omitempty"`
	Status     OperationStatus `json:"status"`
	Operation  Operation       `json:"operation"`
	Seq        uint64          `json:"seq"`
	Attempts   int             `json:"attempts"`
}
