package models

import (
	"bytes"
	"encoding/json"
	"time"
)

// Fields представляет сериализованный набор полей бизнес-объекта.
// Значения хранятся как сырой JSON, чтобы движок синхронизации не зависел
// от конкретной схемы сущности (job, ticket, attendance record, ...).
type Fields map[string]json.RawMessage

// Clone создает глубокую копию набора полей
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}

	out := make(Fields, len(f))
	for name, value := range f {
		cp := make(json.RawMessage, len(value))
		copy(cp, value)
		out[name] = cp
	}

	return out
}

// Equal reports whether field name holds the same JSON value in f and other.
// A missing field and an explicit JSON null are treated as equal.
func (f Fields) Equal(name string, other Fields) bool {
	return rawEqual(f.value(name), other.value(name))
}

// Has reports whether field name is present and not null.
func (f Fields) Has(name string) bool {
	return !isNull(f.value(name))
}

// Apply returns a copy of f with patch merged on top of it.
// A JSON null in the patch removes the field.
func (f Fields) Apply(patch Fields) Fields {
	out := f.Clone()
	if out == nil {
		out = make(Fields, len(patch))
	}

	for name, value := range patch {
		if isNull(value) {
			delete(out, name)
			continue
		}
		cp := make(json.RawMessage, len(value))
		copy(cp, value)
		out[name] = cp
	}

	return out
}

// Names returns the union of field names present in any of the given sets.
func Names(sets ...Fields) []string {
	seen := make(map[string]struct{})
	var names []string
	for _, set := range sets {
		for name := range set {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	return names
}

// ReplaceString rewrites every field whose value is the JSON string old
// to the JSON string replacement. Returns the rewritten copy and whether
// anything changed. Used to rewrite temporary identifiers inside payloads.
func (f Fields) ReplaceString(old, replacement string) (Fields, bool) {
	if len(f) == 0 {
		return f, false
	}

	oldJSON, err := json.Marshal(old)
	if err != nil {
		return f, false
	}
	newJSON, err := json.Marshal(replacement)
	if err != nil {
		return f, false
	}

	changed := false
	out := f.Clone()
	for name, value := range out {
		if rawEqual(value, oldJSON) {
			out[name] = newJSON
			changed = true
		}
	}

	if !changed {
		return f, false
	}
	return out, true
}

func (f Fields) value(name string) json.RawMessage {
	if f == nil {
		return nil
	}
	return f[name]
}

func isNull(v json.RawMessage) bool {
	trimmed := bytes.TrimSpace(v)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// rawEqual сравнивает два JSON значения после нормализации пробелов
func rawEqual(a, b json.RawMessage) bool {
	if isNull(a) && isNull(b) {
		return true
	}
	if isNull(a) != isNull(b) {
		return false
	}

	var ca, cb bytes.Buffer
	if err := json.Compact(&ca, a); err != nil {
		return bytes.Equal(a, b)
	}
	if err := json.Compact(&cb, b); err != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}

// EntityKey identifies one entity instance within a tenant.
type EntityKey struct {
	TenantID   string `json:"tenant_id"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
}

// String returns the key in tenant/type/id form, used for lock names and logs.
func (k EntityKey) String() string {
	return k.TenantID + "/" + k.EntityType + "/" + k.EntityID
}

// Entity представляет каноническую запись бизнес-объекта у authority.
// Version монотонно растет и увеличивается ровно на 1 при каждой принятой мутации.
// Удаление хранится как tombstone (Deleted = true), чтобы попадать в delta поток.
type Entity struct {
	UpdatedAt  time.Time `json:"updated_at"`  // UpdatedAt время последней принятой мутации
	Fields     Fields    `json:"fields"`      // Fields текущее состояние полей
	TenantID   string    `json:"tenant_id"`   // TenantID организация-владелец
	EntityType string    `json:"entity_type"` // EntityType тип сущности (job, ticket, ...)
	EntityID   string    `json:"entity_id"`   // EntityID постоянный идентификатор
	UpdatedBy  string    `json:"updated_by"`  // UpdatedBy идентификатор актора последней мутации
	Version    int64     `json:"version"`     // Version монотонная версия, >= 1
	ChangeSeq  int64     `json:"change_seq"`  // ChangeSeq позиция в журнале изменений authority
	Deleted    bool      `json:"deleted"`     // Deleted флаг tombstone
}

// Key returns the entity's identity.
func (e *Entity) Key() EntityKey {
	return EntityKey{TenantID: e.TenantID, EntityType: e.EntityType, EntityID: e.EntityID}
}

// Clone создает глубокую копию сущности
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Fields = e.Fields.Clone()
	return &cp
}
