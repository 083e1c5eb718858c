package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/iudanet/edgesync/internal/models"
)

// ErrInvalidOperation оборачивает любую структурную ошибку операции.
// Такая операция отклоняется навсегда и не должна повторяться.
var ErrInvalidOperation = errors.New("invalid operation")

// EntityTypePattern определяет допустимый формат типа сущности:
// строчные латинские буквы, цифры и '_', начинается с буквы, до 64 символов.
var EntityTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// IdentifierPattern формат tenant и device идентификаторов
var IdentifierPattern = regexp.MustCompile(`^[a-zA-Z0-9_.:-]{1,128}$`)

const (
	// MaxEntityIDLen максимальная длина идентификатора сущности
	MaxEntityIDLen = 128
	// MaxFields максимальное число полей в payload
	MaxFields = 256
)

// ValidateOperation проверяет структуру операции. Доменные правила конкретных
// сущностей сюда не входят.
func ValidateOperation(op *models.Operation) error {
	if op == nil {
		return fmt.Errorf("%w: operation is nil", ErrInvalidOperation)
	}
	if op.OperationID == "" {
		return fmt.Errorf("%w: operation_id cannot be empty", ErrInvalidOperation)
	}
	if !EntityTypePattern.MatchString(op.EntityType) {
		return fmt.Errorf("%w: entity_type %q has invalid format", ErrInvalidOperation, op.EntityType)
	}
	if op.EntityID == "" {
		return fmt.Errorf("%w: entity_id cannot be empty", ErrInvalidOperation)
	}
	if len(op.EntityID) > MaxEntityIDLen {
		return fmt.Errorf("%w: entity_id must not exceed %d characters", ErrInvalidOperation, MaxEntityIDLen)
	}

	switch op.Kind {
	case models.KindCreate:
		if op.BaseVersion != 0 {
			return fmt.Errorf("%w: create must not carry base_version", ErrInvalidOperation)
		}
		if len(op.Payload) == 0 {
			return fmt.Errorf("%w: create requires a payload", ErrInvalidOperation)
		}
	case models.KindUpdate:
		if op.BaseVersion < 1 {
			return fmt.Errorf("%w: update requires base_version >= 1", ErrInvalidOperation)
		}
		if len(op.Payload) == 0 {
			return fmt.Errorf("%w: update requires a payload", ErrInvalidOperation)
		}
	case models.KindDelete:
		if op.BaseVersion < 1 {
			return fmt.Errorf("%w: delete requires base_version >= 1", ErrInvalidOperation)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
	}

	return ValidateFields(op.Payload)
}

// ValidateFields проверяет, что имена полей непустые, а значения являются валидным JSON.
func ValidateFields(fields models.Fields) error {
	if len(fields) > MaxFields {
		return fmt.Errorf("%w: payload must not exceed %d fields", ErrInvalidOperation, MaxFields)
	}
	for name, value := range fields {
		if name == "" {
			return fmt.Errorf("%w: field name cannot be empty", ErrInvalidOperation)
		}
		if len(value) > 0 && !json.Valid(value) {
			return fmt.Errorf("%w: field %q is not valid JSON", ErrInvalidOperation, name)
		}
	}
	return nil
}

// ValidateIdentifier проверяет tenant или device идентификатор из handshake.
func ValidateIdentifier(kind, value string) error {
	if value == "" {
		return fmt.Errorf("%s cannot be empty", kind)
	}
	if !IdentifierPattern.MatchString(value) {
		return fmt.Errorf("%s %q has invalid format", kind, value)
	}
	return nil
}
