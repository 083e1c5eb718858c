// Package resolver решает судьбу клиентской операции относительно
// канонического состояния сущности: применить, отклонить или пометить конфликтом.
package resolver

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/edgesync/internal/clock"
	"github.com/iudanet/edgesync/internal/models"
)

// Outcome результат применения операции.
// Для Applied заполнен Entity. Для Conflicted заполнен Conflict.
// Если конфликт был разрешен автоматически по политике, Status равен Applied,
// а Conflict содержит разрешенную запись, чтобы вызывающий мог о нем сообщить.
type Outcome struct {
	Entity   *models.Entity
	Conflict *models.ConflictRecord
	Status   models.OutcomeStatus
	Reason   string
}

// AutoResolved reports whether the outcome is a conflict resolved by policy at detection time.
func (o *Outcome) AutoResolved() bool {
	return o.Status == models.OutcomeApplied && o.Conflict != nil
}

// Resolver применяет операции и разрешает конфликты
type Resolver struct {
	policy *Policy
	clock  clock.Clock
	newID  func() string
}

// New создает Resolver. nil policy заменяется на DefaultPolicy.
func New(policy *Policy, clk clock.Clock) *Resolver {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Resolver{policy: policy, clock: clk, newID: uuid.NewString}
}

// Policy возвращает используемую политику
func (r *Resolver) Policy() *Policy {
	return r.policy
}

// Apply решает судьбу операции op для сущности tenant.
// current это каноническое состояние или nil, если сущности нет.
// Для create op.EntityID уже должен быть постоянным идентификатором.
func (r *Resolver) Apply(tenantID string, op *models.Operation, current *models.Entity) Outcome {
	switch op.Kind {
	case models.KindCreate:
		if current != nil {
			return rejected("entity %s already exists", op.EntityID)
		}
		return Outcome{
			Status: models.OutcomeApplied,
			Entity: &models.Entity{
				TenantID:   tenantID,
				EntityType: op.EntityType,
				EntityID:   op.EntityID,
				Fields:     models.Fields{}.Apply(op.Payload),
				Version:    1,
				UpdatedAt:  r.writeTime(op),
				UpdatedBy:  op.Actor,
			},
		}

	case models.KindUpdate, models.KindDelete:
		if current == nil {
			return rejected("entity %s/%s not found", op.EntityType, op.EntityID)
		}
		if current.Deleted {
			return rejected("entity %s/%s is deleted", op.EntityType, op.EntityID)
		}
		if op.BaseVersion > current.Version {
			return rejected("base_version %d is ahead of authority version %d", op.BaseVersion, current.Version)
		}
		if op.BaseVersion < current.Version {
			return r.conflict(tenantID, op, current)
		}

		next := current.Clone()
		next.Version = current.Version + 1
		next.UpdatedAt = r.writeTime(op)
		next.UpdatedBy = op.Actor
		if op.Kind == models.KindDelete {
			next.Deleted = true
		} else {
			next.Fields = current.Fields.Apply(op.Payload)
		}
		return Outcome{Status: models.OutcomeApplied, Entity: next}

	default:
		return rejected("unknown operation kind %q", op.Kind)
	}
}

// Resolve применяет стратегию strategy к конфликту c относительно текущего
// состояния current и возвращает новое состояние с версией
// max(client_version, server_version) + 1. Запись конфликта обновляется.
func (r *Resolver) Resolve(c *models.ConflictRecord, current *models.Entity, strategy models.Strategy, merged models.Fields) (*models.Entity, error) {
	if c.Resolved() {
		return nil, ErrAlreadyResolved
	}
	if current == nil {
		return nil, ErrEntityMissing
	}

	s, err := r.strategy(strategy, current.EntityType)
	if err != nil {
		return nil, err
	}

	m, err := s.Resolve(c, current, merged)
	if err != nil {
		return nil, err
	}

	now := r.clock.Now()
	next := current.Clone()
	next.Version = max(c.ClientVersion, current.Version) + 1
	next.Fields = m.Fields
	next.Deleted = m.Deleted
	next.UpdatedAt = now
	next.UpdatedBy = c.Operation.Actor

	c.Strategy = s.Name()
	c.MergedData = m.Fields.Clone()
	c.ResolvedVersion = next.Version
	c.ResolvedAt = &now

	return next, nil
}

func (r *Resolver) conflict(tenantID string, op *models.Operation, current *models.Entity) Outcome {
	record := &models.ConflictRecord{
		ConflictID:    r.newID(),
		TenantID:      tenantID,
		Operation:     *op.Clone(),
		ClientData:    op.Payload.Clone(),
		ServerData:    current.Fields.Clone(),
		Baseline:      op.Baseline.Clone(),
		ClientVersion: op.BaseVersion,
		ServerVersion: current.Version,
		Strategy:      r.policy.StrategyFor(op.EntityType),
		DetectedAt:    r.clock.Now(),
	}

	if record.Strategy == models.StrategyExplicit {
		return Outcome{Status: models.OutcomeConflicted, Conflict: record}
	}

	next, err := r.Resolve(record, current, record.Strategy, nil)
	if err != nil {
		// автоматическое разрешение не удалось, конфликт уходит вызывающему
		record.Strategy = models.StrategyExplicit
		return Outcome{Status: models.OutcomeConflicted, Conflict: record, Reason: err.Error()}
	}
	return Outcome{Status: models.OutcomeApplied, Entity: next, Conflict: record}
}

func (r *Resolver) strategy(name models.Strategy, entityType string) (Strategy, error) {
	switch name {
	case models.StrategyLastWriteWins:
		return LastWriteWins{}, nil
	case models.StrategyFieldMerge:
		return FieldMerge{Mergeable: r.policy.MergeableFields(entityType)}, nil
	case models.StrategyExplicit:
		return Explicit{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
}

// writeTime время записи для updated_at: момент мутации на клиенте, если он известен
func (r *Resolver) writeTime(op *models.Operation) time.Time {
	if op.OriginTimestamp.IsZero() {
		return r.clock.Now()
	}
	return op.OriginTimestamp
}

func rejected(format string, args ...any) Outcome {
	return Outcome{Status: models.OutcomeRejected, Reason: fmt.Sprintf(format, args...)}
}
