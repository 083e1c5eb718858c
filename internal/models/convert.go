package models

import (
	"encoding/json"

	"github.com/iudanet/edgesync/pkg/api"
)

// ToAPIOperation конвертирует операцию в wire формат
func ToAPIOperation(op *Operation) api.Operation {
	return api.Operation{
		OperationID:     op.OperationID,
		EntityType:      op.EntityType,
		EntityID:        op.EntityID,
		Kind:            string(op.Kind),
		Payload:         rawMap(op.Payload),
		Baseline:        rawMap(op.Baseline),
		BaseVersion:     op.BaseVersion,
		OriginTimestamp: op.OriginTimestamp,
		Actor:           op.Actor,
	}
}

// FromAPIOperation конвертирует wire операцию в доменную. Неизвестный kind это ошибка.
func FromAPIOperation(op *api.Operation) (*Operation, error) {
	kind, err := ParseOperationKind(op.Kind)
	if err != nil {
		return nil, err
	}
	return &Operation{
		OperationID:     op.OperationID,
		EntityType:      op.EntityType,
		EntityID:        op.EntityID,
		Kind:            kind,
		Payload:         Fields(op.Payload).Clone(),
		Baseline:        Fields(op.Baseline).Clone(),
		BaseVersion:     op.BaseVersion,
		OriginTimestamp: op.OriginTimestamp,
		Actor:           op.Actor,
	}, nil
}

// EntityToAPI представляет каноническое состояние сущности как операцию
// для потока authority -> client. Tombstone становится delete,
// первая версия create, остальное update с полным набором полей.
func EntityToAPI(e *Entity) api.Operation {
	kind := KindUpdate
	switch {
	case e.Deleted:
		kind = KindDelete
	case e.Version == 1:
		kind = KindCreate
	}
	return api.Operation{
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Kind:       string(kind),
		Payload:    rawMap(e.Fields),
		Version:    e.Version,
		UpdatedAt:  e.UpdatedAt,
		UpdatedBy:  e.UpdatedBy,
	}
}

// EntityFromAPI восстанавливает сущность из операции потока authority -> client.
func EntityFromAPI(tenantID string, op *api.Operation) (*Entity, error) {
	kind, err := ParseOperationKind(op.Kind)
	if err != nil {
		return nil, err
	}
	return &Entity{
		TenantID:   tenantID,
		EntityType: op.EntityType,
		EntityID:   op.EntityID,
		Fields:     Fields(op.Payload).Clone(),
		Version:    op.Version,
		UpdatedAt:  op.UpdatedAt,
		UpdatedBy:  op.UpdatedBy,
		Deleted:    kind == KindDelete,
	}, nil
}

// ToAPIResult конвертирует результат операции в wire формат
func ToAPIResult(r OperationResult) api.OperationResult {
	return api.OperationResult{
		OperationID: r.OperationID,
		Status:      string(r.Status),
		Reason:      r.Reason,
		EntityID:    r.EntityID,
		ConflictID:  r.ConflictID,
		Version:     r.Version,
	}
}

// FromAPIResult конвертирует wire результат в доменный
func FromAPIResult(r api.OperationResult) OperationResult {
	return OperationResult{
		OperationID: r.OperationID,
		Status:      OutcomeStatus(r.Status),
		Reason:      r.Reason,
		EntityID:    r.EntityID,
		ConflictID:  r.ConflictID,
		Version:     r.Version,
	}
}

// ToAPIMappings конвертирует соответствия идентификаторов в wire формат
func ToAPIMappings(in []IdentifierMapping) []api.IDMapping {
	if len(in) == 0 {
		return nil
	}
	out := make([]api.IDMapping, 0, len(in))
	for _, m := range in {
		out = append(out, api.IDMapping{TempID: m.TempID, PermanentID: m.PermanentID, EntityType: m.EntityType})
	}
	return out
}

// FromAPIMappings конвертирует wire соответствия в доменные
func FromAPIMappings(in []api.IDMapping) []IdentifierMapping {
	out := make([]IdentifierMapping, 0, len(in))
	for _, m := range in {
		out = append(out, IdentifierMapping{TempID: m.TempID, PermanentID: m.PermanentID, EntityType: m.EntityType})
	}
	return out
}

// ToAPIConflict конвертирует запись конфликта в wire формат
func ToAPIConflict(c *ConflictRecord) *api.Conflict {
	out := &api.Conflict{
		ConflictID:      c.ConflictID,
		Operation:       ToAPIOperation(&c.Operation),
		ClientData:      rawMap(c.ClientData),
		ServerData:      rawMap(c.ServerData),
		Baseline:        rawMap(c.Baseline),
		MergedData:      rawMap(c.MergedData),
		ClientVersion:   c.ClientVersion,
		ServerVersion:   c.ServerVersion,
		ResolvedVersion: c.ResolvedVersion,
		Strategy:        string(c.Strategy),
		DetectedAt:      c.DetectedAt,
	}
	if c.ResolvedAt != nil {
		out.ResolvedAt = *c.ResolvedAt
	}
	return out
}

// FromAPIConflict конвертирует wire конфликт в доменную запись
func FromAPIConflict(c *api.Conflict) (*ConflictRecord, error) {
	op, err := FromAPIOperation(&c.Operation)
	if err != nil {
		return nil, err
	}
	out := &ConflictRecord{
		ConflictID:      c.ConflictID,
		Operation:       *op,
		ClientData:      Fields(c.ClientData).Clone(),
		ServerData:      Fields(c.ServerData).Clone(),
		Baseline:        Fields(c.Baseline).Clone(),
		MergedData:      Fields(c.MergedData).Clone(),
		ClientVersion:   c.ClientVersion,
		ServerVersion:   c.ServerVersion,
		ResolvedVersion: c.ResolvedVersion,
		Strategy:        Strategy(c.Strategy),
		DetectedAt:      c.DetectedAt,
	}
	if !c.ResolvedAt.IsZero() {
		t := c.ResolvedAt
		out.ResolvedAt = &t
	}
	return out, nil
}

func rawMap(f Fields) map[string]json.RawMessage {
	if f == nil {
		return nil
	}
	return map[string]json.RawMessage(f.Clone())
}

// UploadedOperation конвертирует операцию, полученную от клиента, без проверки kind:
// неизвестный kind отклоняется валидацией как итог этой операции, а не всего батча.
func UploadedOperation(op *api.Operation) Operation {
	return Operation{
		OperationID:     op.OperationID,
		EntityType:      op.EntityType,
		EntityID:        op.EntityID,
		Kind:            OperationKind(op.Kind),
		Payload:         Fields(op.Payload).Clone(),
		Baseline:        Fields(op.Baseline).Clone(),
		BaseVersion:     op.BaseVersion,
		OriginTimestamp: op.OriginTimestamp,
		Actor:           op.Actor,
	}
}
