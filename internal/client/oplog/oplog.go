// Package oplog реализует durable очередь локальных мутаций клиента.
//
// Записи хранятся в порядке Seq. Операции одной сущности отправляются строго
// по очереди: пока у сущности есть запись in_flight или conflicted, более
// поздние записи этой сущности не попадают в батч. Разные сущности
// отправляются независимо.
package oplog

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/iudanet/edgesync/internal/client/storage"
	"github.com/iudanet/edgesync/internal/clock"
	"github.com/iudanet/edgesync/internal/models"
)

// Значения по умолчанию
const (
	DefaultCap       = 10000
	DefaultRetention = 7 * 24 * time.Hour
)

// Config параметры лога
type Config struct {
	Cap       int           // Cap максимальное число записей
	Retention time.Duration // Retention срок хранения записи
}

// AppendResult итог Append. Purged содержит записи, вытесненные при достижении лимита.
type AppendResult struct {
	Entry  *models.QueuedOperation
	Purged []*models.QueuedOperation
}

// Applied подтверждение применения операции authority
type Applied struct {
	OperationID string
	Version     int64 // Version итоговая версия сущности
}

// Log Operation Log клиента. Единственный writer, безопасен для вызова из нескольких горутин.
type Log struct {
	store   storage.OperationLogStorage
	clock   clock.Clock
	logger  *slog.Logger
	entries []*models.QueuedOperation
	cfg     Config
	nextSeq uint64
	mu      sync.Mutex
}

// Open загружает лог из store. Записи, оставшиеся in_flight после обрыва,
// возвращаются в pending: authority повторно их не применит благодаря operation_id.
func Open(ctx context.Context, store storage.OperationLogStorage, cfg Config, clk clock.Clock, logger *slog.Logger) (*Log, error) {
	if cfg.Cap <= 0 {
		cfg.Cap = DefaultCap
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}

	entries, err := store.ListOperations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load operation log: %w", err)
	}

	l := &Log{
		store:   store,
		clock:   clk,
		logger:  logger,
		entries: entries,
		cfg:     cfg,
		nextSeq: 1,
	}
	if n := len(entries); n > 0 {
		l.nextSeq = entries[n-1].Seq + 1
	}

	var reset []*models.QueuedOperation
	for _, e := range entries {
		if e.Status == models.StatusInFlight {
			e.Status = models.StatusPending
			reset = append(reset, e)
		}
	}
	if len(reset) > 0 {
		if err := store.WriteOperations(ctx, reset, nil); err != nil {
			return nil, fmt.Errorf("failed to reset in-flight operations: %w", err)
		}
		logger.Info("Reset in-flight operations after restart", "count", len(reset))
	}

	return l, nil
}

// Append добавляет операцию в конец лога. При достижении лимита вытесняет самые
// старые записи, которые не в конфликте и не в полете, и возвращает их вызывающему.
func (l *Log) Append(ctx context.Context, op models.Operation) (*AppendResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var purged []*models.QueuedOperation
	remaining := l.entries
	for overflow := len(l.entries) - l.cfg.Cap + 1; overflow > 0; overflow-- {
		idx := -1
		for i, e := range remaining {
			if e.Status == models.StatusPending {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("%w: %d entries, none purgeable", ErrLogFull, len(l.entries))
		}
		purged = append(purged, remaining[idx])
		remaining = append(remaining[:idx:idx], remaining[idx+1:]...)
	}

	entry := &models.QueuedOperation{
		Operation:  *op.Clone(),
		Status:     models.StatusPending,
		EnqueuedAt: l.clock.Now().UTC(),
		Seq:        l.nextSeq,
	}

	if err := l.store.WriteOperations(ctx, []*models.QueuedOperation{entry}, seqs(purged)); err != nil {
		return nil, fmt.Errorf("failed to append operation: %w", err)
	}

	l.nextSeq++
	l.entries = append(remaining, entry)

	for _, p := range purged {
		l.logger.Warn("Operation purged at log capacity",
			"operation_id", p.Operation.OperationID,
			"entity", p.Operation.LocalKey(),
			"cap", l.cfg.Cap)
	}

	return &AppendResult{Entry: clone(entry), Purged: purged}, nil
}

// PeekNextBatch выбирает до max готовых к отправке записей и помечает их in_flight.
// В батч попадает не более одной операции на сущность.
func (l *Log) PeekNextBatch(ctx context.Context, maxOps int) ([]*models.QueuedOperation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	blocked := make(map[string]struct{})
	var batch []*models.QueuedOperation
	for _, e := range l.entries {
		if len(batch) >= maxOps {
			break
		}
		key := e.Operation.LocalKey()
		if _, ok := blocked[key]; ok {
			continue
		}
		blocked[key] = struct{}{}
		if e.Status != models.StatusPending {
			continue
		}
		batch = append(batch, e)
	}
	if len(batch) == 0 {
		return nil, nil
	}

	updated := make([]*models.QueuedOperation, 0, len(batch))
	for _, e := range batch {
		cp := clone(e)
		cp.Status = models.StatusInFlight
		cp.Attempts++
		updated = append(updated, cp)
	}
	if err := l.store.WriteOperations(ctx, updated, nil); err != nil {
		return nil, fmt.Errorf("failed to mark batch in flight: %w", err)
	}
	for i, e := range batch {
		*e = *updated[i]
	}

	out := make([]*models.QueuedOperation, 0, len(updated))
	for _, e := range updated {
		out = append(out, clone(e))
	}
	return out, nil
}

// ReleaseInFlight возвращает все записи in_flight в pending.
// Вызывается, когда батч не был подтвержден и будет отправлен заново.
func (l *Log) ReleaseInFlight(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var changed []*models.QueuedOperation
	for _, e := range l.entries {
		if e.Status == models.StatusInFlight {
			cp := clone(e)
			cp.Status = models.StatusPending
			changed = append(changed, cp)
		}
	}
	return l.commit(ctx, changed, nil)
}

// MarkApplied удаляет подтвержденные записи. Для более поздних операций той же
// сущности base_version сдвигается на разницу между ожидаемой и итоговой версией.
func (l *Log) MarkApplied(ctx context.Context, applied ...Applied) ([]*models.QueuedOperation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	work := slices.Clone(l.entries)
	var removed []*models.QueuedOperation
	touched := make(map[uint64]*models.QueuedOperation)
	for _, a := range applied {
		idx := indexByOperation(work, a.OperationID)
		if idx < 0 {
			return nil, fmt.Errorf("%w: %s", ErrOperationNotFound, a.OperationID)
		}
		e := work[idx]
		shiftLater(work, idx, a.Version-(e.Operation.BaseVersion+1), touched)
		delete(touched, e.Seq)
		removed = append(removed, e)
		work = slices.Delete(work, idx, idx+1)
	}

	if err := l.store.WriteOperations(ctx, values(touched), seqs(removed)); err != nil {
		return nil, fmt.Errorf("failed to remove applied operations: %w", err)
	}
	l.entries = work
	return removed, nil
}

// MarkRejected удаляет отклоненную запись и возвращает ее. Версия сущности
// не изменилась, поэтому base_version более поздних операций уменьшается на 1.
func (l *Log) MarkRejected(ctx context.Context, operationID, reason string) (*models.QueuedOperation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := indexByOperation(l.entries, operationID)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrOperationNotFound, operationID)
	}

	e, err := l.remove(ctx, idx, -1)
	if err != nil {
		return nil, fmt.Errorf("failed to remove rejected operation: %w", err)
	}

	l.logger.Warn("Operation rejected by authority",
		"operation_id", operationID,
		"entity", e.Operation.LocalKey(),
		"reason", reason)

	return e, nil
}

// MarkConflicted оставляет запись в логе в статусе conflicted до явного разрешения.
func (l *Log) MarkConflicted(ctx context.Context, operationID string, record *models.ConflictRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := indexByOperation(l.entries, operationID)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrOperationNotFound, operationID)
	}

	cp := clone(l.entries[idx])
	cp.Status = models.StatusConflicted
	cp.Conflict = record
	return l.commit(ctx, []*models.QueuedOperation{cp}, nil)
}

// MarkResolved удаляет запись конфликта, разрешенного на версии version.
func (l *Log) MarkResolved(ctx context.Context, conflictID string, version int64) (*models.QueuedOperation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := slices.IndexFunc(l.entries, func(e *models.QueuedOperation) bool {
		return e.Conflict != nil && e.Conflict.ConflictID == conflictID
	})
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrConflictNotFound, conflictID)
	}

	e, err := l.remove(ctx, idx, version-(l.entries[idx].Operation.BaseVersion+1))
	if err != nil {
		return nil, fmt.Errorf("failed to remove resolved operation: %w", err)
	}
	return e, nil
}

// RewriteTempID подставляет постоянный идентификатор во все записи:
// в entity_id и в строковые поля payload и baseline. Возвращает число измененных записей.
func (l *Log) RewriteTempID(ctx context.Context, mapping models.IdentifierMapping) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var changed []*models.QueuedOperation
	for _, e := range l.entries {
		cp := clone(e)
		dirty := false
		if cp.Operation.EntityID == mapping.TempID && cp.Operation.EntityType == mapping.EntityType {
			cp.Operation.EntityID = mapping.PermanentID
			dirty = true
		}
		if p, ok := cp.Operation.Payload.ReplaceString(mapping.TempID, mapping.PermanentID); ok {
			cp.Operation.Payload = p
			dirty = true
		}
		if b, ok := cp.Operation.Baseline.ReplaceString(mapping.TempID, mapping.PermanentID); ok {
			cp.Operation.Baseline = b
			dirty = true
		}
		if dirty {
			changed = append(changed, cp)
		}
	}

	if err := l.commit(ctx, changed, nil); err != nil {
		return 0, err
	}
	return len(changed), nil
}

// PurgeExpired удаляет записи старше срока хранения, включая конфликтные,
// и возвращает их. Записи in_flight не трогаются до получения подтверждения.
func (l *Log) PurgeExpired(ctx context.Context, now time.Time) ([]*models.QueuedOperation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.cfg.Retention)
	var expired []*models.QueuedOperation
	kept := l.entries[:0:0]
	for _, e := range l.entries {
		if e.Status != models.StatusInFlight && e.EnqueuedAt.Before(cutoff) {
			expired = append(expired, e)
			continue
		}
		kept = append(kept, e)
	}
	if len(expired) == 0 {
		return nil, nil
	}

	if err := l.store.WriteOperations(ctx, nil, seqs(expired)); err != nil {
		return nil, fmt.Errorf("failed to purge expired operations: %w", err)
	}
	l.entries = kept

	l.logger.Warn("Expired operations purged", "count", len(expired), "retention", l.cfg.Retention)
	return expired, nil
}

// Pending возвращает записи, ожидающие подтверждения (pending и in_flight)
func (l *Log) Pending() []*models.QueuedOperation {
	return l.filter(func(e *models.QueuedOperation) bool {
		return e.Status != models.StatusConflicted
	})
}

// Conflicts возвращает записи в конфликте
func (l *Log) Conflicts() []*models.QueuedOperation {
	return l.filter(func(e *models.QueuedOperation) bool {
		return e.Status == models.StatusConflicted
	})
}

// ForEntity возвращает все записи сущности в порядке Seq
func (l *Log) ForEntity(localKey string) []*models.QueuedOperation {
	return l.filter(func(e *models.QueuedOperation) bool {
		return e.Operation.LocalKey() == localKey
	})
}

// Get возвращает запись по operation id
func (l *Log) Get(operationID string) (*models.QueuedOperation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := indexByOperation(l.entries, operationID)
	if idx < 0 {
		return nil, false
	}
	return clone(l.entries[idx]), true
}

// Len возвращает число записей
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Log) filter(keep func(*models.QueuedOperation) bool) []*models.QueuedOperation {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*models.QueuedOperation
	for _, e := range l.entries {
		if keep(e) {
			out = append(out, clone(e))
		}
	}
	return out
}

// commit сохраняет измененные копии и затем подменяет ими записи в памяти
func (l *Log) commit(ctx context.Context, changed []*models.QueuedOperation, del []uint64) error {
	if len(changed) == 0 && len(del) == 0 {
		return nil
	}
	if err := l.store.WriteOperations(ctx, changed, del); err != nil {
		return fmt.Errorf("failed to write operation log: %w", err)
	}

	bySeq := make(map[uint64]*models.QueuedOperation, len(changed))
	for _, c := range changed {
		bySeq[c.Seq] = c
	}
	for i, e := range l.entries {
		if c, ok := bySeq[e.Seq]; ok {
			l.entries[i] = c
		}
	}
	return nil
}

// remove удаляет запись idx и сдвигает base_version более поздних операций
// той же сущности на shift. Память меняется только после записи в store.
func (l *Log) remove(ctx context.Context, idx int, shift int64) (*models.QueuedOperation, error) {
	work := slices.Clone(l.entries)
	e := work[idx]
	touched := make(map[uint64]*models.QueuedOperation)
	shiftLater(work, idx, shift, touched)
	work = slices.Delete(work, idx, idx+1)

	if err := l.store.WriteOperations(ctx, values(touched), []uint64{e.Seq}); err != nil {
		return nil, err
	}
	l.entries = work
	return e, nil
}

// shiftLater сдвигает base_version более поздних update/delete той же сущности.
// Измененные записи заменяются в work копиями, исходные записи не трогаются.
func shiftLater(work []*models.QueuedOperation, idx int, shift int64, touched map[uint64]*models.QueuedOperation) {
	if shift == 0 {
		return
	}
	key := work[idx].Operation.LocalKey()
	for i := idx + 1; i < len(work); i++ {
		e := work[i]
		if e.Operation.LocalKey() != key || e.Operation.Kind == models.KindCreate {
			continue
		}
		cp, ok := touched[e.Seq]
		if !ok {
			cp = clone(e)
			touched[e.Seq] = cp
			work[i] = cp
		}
		cp.Operation.BaseVersion += shift
	}
}

func indexByOperation(entries []*models.QueuedOperation, operationID string) int {
	return slices.IndexFunc(entries, func(e *models.QueuedOperation) bool {
		return e.Operation.OperationID == operationID
	})
}

func clone(e *models.QueuedOperation) *models.QueuedOperation {
	cp := *e
	cp.Operation = *e.Operation.Clone()
	if e.Conflict != nil {
		c := *e.Conflict
		cp.Conflict = &c
	}
	return &cp
}

func seqs(entries []*models.QueuedOperation) []uint64 {
	out := make([]uint64, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Seq)
	}
	return out
}

func values(m map[uint64]*models.QueuedOperation) []*models.QueuedOperation {
	out := make([]*models.QueuedOperation, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	return out
}
