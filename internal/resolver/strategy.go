package resolver

import (
	"fmt"

	"github.com/iudanet/edgesync/internal/models"
)

// Merge результат работы стратегии: итоговое состояние полей и флаг удаления.
type Merge struct {
	Fields  models.Fields
	Deleted bool
}

// Strategy стратегия разрешения конфликта, выбираемая для конкретного конфликта.
type Strategy interface {
	// Name возвращает имя стратегии
	Name() models.Strategy
	// Resolve вычисляет итоговое состояние по записи конфликта и текущему
	// каноническому состоянию. merged используется только явной стратегией.
	Resolve(conflict *models.ConflictRecord, current *models.Entity, merged models.Fields) (*Merge, error)
}

// LastWriteWins побеждает более поздняя запись: origin_timestamp операции
// против updated_at сущности. При равенстве побеждает authority.
type LastWriteWins struct{}

// Name возвращает имя стратегии
func (LastWriteWins) Name() models.Strategy { return models.StrategyLastWriteWins }

// Resolve применяет last-write-wins
func (LastWriteWins) Resolve(c *models.ConflictRecord, current *models.Entity, _ models.Fields) (*Merge, error) {
	if !c.Operation.OriginTimestamp.After(current.UpdatedAt) {
		return &Merge{Fields: current.Fields.Clone(), Deleted: current.Deleted}, nil
	}
	return clientWins(&c.Operation, current), nil
}

// FieldMerge сравнивает каждое поле с baseline клиента.
// Поле, измененное только клиентом, берется у клиента. Если поле изменили обе
// стороны, клиент побеждает только для mergeable полей, иначе per-field LWW.
type FieldMerge struct {
	Mergeable map[string]bool
}

// Name возвращает имя стратегии
func (FieldMerge) Name() models.Strategy { return models.StrategyFieldMerge }

// Resolve применяет пополевое слияние
func (s FieldMerge) Resolve(c *models.ConflictRecord, current *models.Entity, _ models.Fields) (*Merge, error) {
	op := &c.Operation

	// у удаления нет полей, сравнивать нечего
	if op.Kind == models.KindDelete || current.Deleted {
		return LastWriteWins{}.Resolve(c, current, nil)
	}

	clientNewer := op.OriginTimestamp.After(current.UpdatedAt)
	result := current.Fields.Clone()
	if result == nil {
		result = make(models.Fields)
	}

	for name, value := range op.Payload {
		clientChanged := !c.Baseline.Equal(name, op.Payload)
		if !clientChanged {
			continue
		}
		serverChanged := !c.Baseline.Equal(name, current.Fields)
		switch {
		case !serverChanged:
			result = result.Apply(models.Fields{name: value})
		case current.Fields.Equal(name, op.Payload):
			// обе стороны пришли к одному значению
		case s.Mergeable[name]:
			result = result.Apply(models.Fields{name: value})
		case clientNewer:
			result = result.Apply(models.Fields{name: value})
		}
	}

	return &Merge{Fields: result}, nil
}

// Explicit возвращает конфликт неразрешенным; итоговый payload задает вызывающий.
type Explicit struct{}

// Name возвращает имя стратегии
func (Explicit) Name() models.Strategy { return models.StrategyExplicit }

// Resolve применяет merged без условий. Для удаления merged может быть пустым,
// тогда удаление подтверждается.
func (Explicit) Resolve(c *models.ConflictRecord, _ *models.Entity, merged models.Fields) (*Merge, error) {
	if merged == nil {
		if c.Operation.Kind == models.KindDelete {
			return &Merge{Deleted: true}, nil
		}
		return nil, ErrMergedDataRequired
	}
	return &Merge{Fields: merged.Clone()}, nil
}

// clientWins применяет операцию клиента поверх текущего состояния
func clientWins(op *models.Operation, current *models.Entity) *Merge {
	switch op.Kind {
	case models.KindDelete:
		return &Merge{Fields: current.Fields.Clone(), Deleted: true}
	case models.KindUpdate, models.KindCreate:
		return &Merge{Fields: current.Fields.Apply(op.Payload)}
	default:
		panic(fmt.Sprintf("resolver: unhandled operation kind %q", op.Kind))
	}
}
