package entitymanager

import (
	"context"
	"errors"
)

// TransactionalManager is an entity manager whose transactions nest. Every BeginTransaction pushes a
// clone of the current unit of work, so RollbackEntities can put the managed object graph back into
// the state it had at the begin of the rolled-back transaction.
//
// A TransactionalManager is meant for a single logical caller and does no locking of its own.
type TransactionalManager struct {
	connection Connection
	persister  Persister
	metadata   MetadataProvider

	snapshotFactory SnapshotFactory
	restorer        EntityFieldRestorer
	stack           *TransactionStack

	logger           Logger
	contextualLogger ContextualLogger
	metricsCollector MetricsCollector
	tracingCollector TracingCollector
}

// NewTransactionalManager creates a manager with an empty root unit of work.
func NewTransactionalManager(
	connection Connection,
	persister Persister,
	metadata MetadataProvider,
	options ...Option,
) (*TransactionalManager, error) {

	switch {
	case connection == nil:
		return nil, ErrNilConnection
	case persister == nil:
		return nil, ErrNilPersister
	case metadata == nil:
		return nil, ErrNilMetadataProvider
	}

	tm := &TransactionalManager{
		connection:      connection,
		persister:       persister,
		metadata:        metadata,
		snapshotFactory: DefaultSnapshotFactory{},
		restorer:        NewEntityFieldRestorer(metadata),
	}

	for _, option := range options {
		if err := option(tm); err != nil {
			return nil, err
		}
	}

	stack, err := NewTransactionStack(tm.snapshotFactory.CreateSnapshot(persister, metadata))
	if err != nil {
		return nil, err
	}

	tm.stack = stack

	return tm, nil
}

// Depth returns the number of open transactions.
func (tm *TransactionalManager) Depth() int {
	return tm.stack.Depth()
}

// CurrentSnapshot returns the unit of work of the innermost transaction, or the root one.
func (tm *TransactionalManager) CurrentSnapshot() *UnitOfWorkSnapshot {
	return tm.stack.Current()
}

// BeginTransaction opens a (nested) database transaction and pushes a clone of the current unit of work.
func (tm *TransactionalManager) BeginTransaction(ctx context.Context) error {
	observer, ctx := tm.startOperation(ctx, operationBegin, spanNameBegin)

	if err := tm.connection.BeginTransaction(ctx); err != nil {
		err = errors.Join(ErrBeginTransactionFailed, err)
		observer.finishError(err)

		return err
	}

	if err := tm.stack.Push(tm.snapshotFactory.CloneSnapshot(tm.stack.Current())); err != nil {
		observer.finishError(err)
		return err
	}

	observer.finishSuccess()

	return nil
}

// Commit flushes the current unit of work, commits the database transaction and drops the level below
// the current one, which keeps the committed bookkeeping.
func (tm *TransactionalManager) Commit(ctx context.Context) error {
	observer, ctx := tm.startOperation(ctx, operationCommit, spanNameCommit)

	if _, err := tm.commit(ctx); err != nil {
		observer.finishError(err)
		return err
	}

	observer.finishSuccess()

	return nil
}

// CommitAndDetachNewEntities commits like Commit and then detaches every entity that became managed
// during the committed transaction. This keeps the identity map bounded in loops that create many
// short-lived entities.
func (tm *TransactionalManager) CommitAndDetachNewEntities(ctx context.Context) error {
	observer, ctx := tm.startOperation(ctx, operationCommitAndDetach, spanNameCommit)

	lower, err := tm.commit(ctx)
	if err != nil {
		observer.finishError(err)
		return err
	}

	current := tm.stack.Current()
	detached := 0

	for _, id := range current.sortedIdentities() {
		if _, known := lower.identityMap[id]; !known {
			current.detachIdentity(id)
			detached++
		}
	}

	observer.finishSuccess(logAttrDetached, detached)

	return nil
}

func (tm *TransactionalManager) commit(ctx context.Context) (*UnitOfWorkSnapshot, error) {
	if tm.stack.Depth() == 0 {
		return nil, ErrNoActiveTransaction
	}

	if _, err := tm.flush(ctx); err != nil {
		return nil, err
	}

	if err := tm.connection.Commit(ctx); err != nil {
		return nil, errors.Join(ErrCommitFailed, err)
	}

	return tm.stack.PopTopTwoCollapsedToOne()
}

// RollbackEntities rolls back the database transaction, discards the current unit of work and restores
// every entity managed by the new current unit of work to its recorded field values. The level is
// discarded even if the database rollback fails, that error is returned afterwards.
func (tm *TransactionalManager) RollbackEntities(ctx context.Context) error {
	observer, ctx := tm.startOperation(ctx, operationRollbackEntities, spanNameRollback)

	if tm.stack.Depth() == 0 {
		observer.finishError(ErrNoActiveTransaction)
		return ErrNoActiveTransaction
	}

	rollbackErr := tm.rollbackAndPop(ctx)

	current := tm.stack.Current()
	restored, restoreErr := tm.restorer.Restore(current, current)
	tm.recordValueMetrics(ctx, metricRestoredEntities, float64(restored), operationRollbackEntities)

	if err := errors.Join(rollbackErr, restoreErr); err != nil {
		observer.finishError(err)
		return err
	}

	observer.finishSuccess(logAttrRestored, restored)

	return nil
}

// Rollback rolls back the database transaction and discards the current unit of work without touching
// any entity. Entities keep the values of the discarded level, the caller is expected to drop them.
func (tm *TransactionalManager) Rollback(ctx context.Context) error {
	observer, ctx := tm.startOperation(ctx, operationRollback, spanNameRollback)

	if tm.stack.Depth() == 0 {
		observer.finishError(ErrNoActiveTransaction)
		return ErrNoActiveTransaction
	}

	if err := tm.rollbackAndPop(ctx); err != nil {
		observer.finishError(err)
		return err
	}

	observer.finishSuccess()

	return nil
}

// rollbackAndPop pops the current level whether or not the database rollback succeeds.
func (tm *TransactionalManager) rollbackAndPop(ctx context.Context) error {
	var rollbackErr error
	if err := tm.connection.Rollback(ctx); err != nil {
		rollbackErr = errors.Join(ErrRollbackFailed, err)
		tm.logWarn(ctx, logMsgRollbackFailed, logAttrError, err.Error(), logAttrDepth, tm.stack.Depth())
	}

	if _, err := tm.stack.PopTop(); err != nil {
		return errors.Join(rollbackErr, err)
	}

	return rollbackErr
}

// Transactional runs fn inside a transaction. The transaction is committed when fn succeeds and rolled
// back with RollbackEntities when fn or the commit fails, so the entities get their field values from
// before the transaction back.
func (tm *TransactionalManager) Transactional(
	ctx context.Context,
	fn func(ctx context.Context, tm *TransactionalManager) error,
) error {

	if err := tm.BeginTransaction(ctx); err != nil {
		return err
	}

	depth := tm.stack.Depth()

	if err := fn(ctx, tm); err != nil {
		return tm.rollbackAfterFailure(ctx, depth, err)
	}

	if err := tm.Commit(ctx); err != nil {
		return tm.rollbackAfterFailure(ctx, depth, err)
	}

	return nil
}

func (tm *TransactionalManager) rollbackAfterFailure(ctx context.Context, depth int, cause error) error {
	if tm.stack.Depth() != depth {
		return cause
	}

	if err := tm.RollbackEntities(ctx); err != nil {
		return errors.Join(cause, err)
	}

	return cause
}

// Flush writes the pending changes of the current unit of work, or only those of the given entities.
func (tm *TransactionalManager) Flush(ctx context.Context, entities ...Entity) error {
	_, err := tm.flush(ctx, entities...)
	return err
}

func (tm *TransactionalManager) flush(ctx context.Context, entities ...Entity) (FlushStats, error) {
	observer, ctx := tm.startOperation(ctx, operationFlush, spanNameFlush)

	stats, err := tm.stack.Current().Flush(ctx, entities...)
	if err != nil {
		observer.finishError(err)
		return stats, err
	}

	tm.logDebug(
		ctx,
		logMsgFlushed,
		logAttrInserted, stats.Inserted,
		logAttrUpdated, stats.Updated,
		logAttrDeleted, stats.Deleted,
		logAttrDepth, tm.stack.Depth(),
	)

	observer.finishSuccess(logAttrWrites, stats.Total())

	return stats, nil
}

// Persist makes a new entity managed by the current unit of work and schedules its insertion.
func (tm *TransactionalManager) Persist(entity Entity) error {
	return tm.stack.Current().Persist(entity)
}

// Remove schedules the deletion of a managed entity.
func (tm *TransactionalManager) Remove(entity Entity) error {
	return tm.stack.Current().Remove(entity)
}

// Merge copies the state of a detached entity onto its managed counterpart and returns the managed one.
func (tm *TransactionalManager) Merge(ctx context.Context, entity Entity) (Entity, error) {
	return tm.stack.Current().Merge(ctx, entity)
}

// Detach removes an entity from the current unit of work.
func (tm *TransactionalManager) Detach(entity Entity) {
	tm.stack.Current().Detach(entity)
}

// Refresh overwrites a managed entity with its stored state.
func (tm *TransactionalManager) Refresh(ctx context.Context, entity Entity) error {
	return tm.stack.Current().Refresh(ctx, entity)
}

// Clear detaches all entities, or the entities of the given types, from the current unit of work.
func (tm *TransactionalManager) Clear(entityTypes ...EntityType) {
	tm.stack.Current().Clear(entityTypes...)
}

// Contains reports whether the entity is managed by the current unit of work.
func (tm *TransactionalManager) Contains(entity Entity) bool {
	return tm.stack.Current().Contains(entity)
}

// Find returns the entity with the identifier, see FindWithLock.
func (tm *TransactionalManager) Find(ctx context.Context, entityType EntityType, id any) (Entity, error) {
	return tm.FindWithLock(ctx, entityType, id, LockNone, nil)
}

// FindWithLock returns the managed entity with the identifier or loads it.
//
// The identifier is a scalar for types with one identifier field, or a map of identifier field names to
// values. Entities may stand in for identifier values. LockOptimistic needs a versioned type and
// compares lockVersion, if given. Pessimistic modes need an active transaction and re-read a managed
// entity under the lock.
func (tm *TransactionalManager) FindWithLock(
	ctx context.Context,
	entityType EntityType,
	id any,
	mode LockMode,
	lockVersion *int64,
) (Entity, error) {

	observer, ctx := tm.startOperation(ctx, operationFind, spanNameFind)

	entity, err := tm.find(ctx, entityType, id, mode, lockVersion)
	if err != nil {
		observer.finishError(err)
		return nil, err
	}

	observer.finishSuccess()

	return entity, nil
}

func (tm *TransactionalManager) find(
	ctx context.Context,
	entityType EntityType,
	id any,
	mode LockMode,
	lockVersion *int64,
) (Entity, error) {

	meta, err := tm.metadata.MetadataFor(entityType)
	if err != nil {
		return nil, err
	}

	snapshot := tm.stack.Current()

	identity, _, err := buildIdentifier(snapshot, meta, id)
	if err != nil {
		return nil, err
	}

	switch {
	case mode == LockOptimistic && !meta.IsVersioned():
		return nil, ErrNotVersioned
	case mode.IsPessimistic() && !tm.connection.IsTransactionActive():
		return nil, ErrTransactionRequired
	}

	entity, err := snapshot.Load(ctx, identity, mode)
	if err != nil {
		return nil, err
	}

	if mode == LockOptimistic {
		if err = snapshot.Lock(ctx, entity, LockOptimistic, lockVersion); err != nil {
			return nil, err
		}
	}

	return entity, nil
}

// FindAs is Find with the result asserted to E.
func FindAs[E Entity](ctx context.Context, tm *TransactionalManager, entityType EntityType, id any) (E, error) {
	var zero E

	entity, err := tm.Find(ctx, entityType, id)
	if err != nil {
		return zero, err
	}

	typed, ok := entity.(E)
	if !ok {
		return zero, errors.Join(ErrUnknownEntityType, errors.New("found entity has an unexpected Go type"))
	}

	return typed, nil
}

// GetReference returns the managed entity with the identifier, loading it if needed.
func (tm *TransactionalManager) GetReference(ctx context.Context, entityType EntityType, id any) (Entity, error) {
	return tm.Find(ctx, entityType, id)
}

// GetPartialReference returns the managed entity with the identifier or registers a blank instance with
// only its identifier fields set. Blank instances are read-only, flush never writes them.
func (tm *TransactionalManager) GetPartialReference(entityType EntityType, id any) (Entity, error) {
	meta, err := tm.metadata.MetadataFor(entityType)
	if err != nil {
		return nil, err
	}

	snapshot := tm.stack.Current()

	identity, values, err := buildIdentifier(snapshot, meta, id)
	if err != nil {
		return nil, err
	}

	if entity, ok := snapshot.TryGetByID(identity); ok {
		return entity, nil
	}

	entity := meta.New()
	if err = setIdentifierValues(meta, entity, values); err != nil {
		return nil, err
	}

	if err = snapshot.RegisterManaged(identity, entity, nil); err != nil {
		return nil, err
	}

	if err = snapshot.MarkReadOnly(entity); err != nil {
		return nil, err
	}

	return entity, nil
}

// Lock locks a managed entity. Pessimistic modes need an active transaction.
func (tm *TransactionalManager) Lock(ctx context.Context, entity Entity, mode LockMode, lockVersion *int64) error {
	if mode.IsPessimistic() && !tm.connection.IsTransactionActive() {
		return ErrTransactionRequired
	}

	return tm.stack.Current().Lock(ctx, entity, mode, lockVersion)
}

// Copy is not supported.
func (tm *TransactionalManager) Copy(_ Entity, _ bool) (Entity, error) {
	return nil, ErrNotImplemented
}

// NewSaveState captures the collections of the current unit of work, see SaveState.
func (tm *TransactionalManager) NewSaveState() (*SaveState, error) {
	return NewSaveState(tm.stack.Current())
}

// IsOpen always reports true, a TransactionalManager is never closed.
func (tm *TransactionalManager) IsOpen() bool {
	return true
}

// Close does nothing, a TransactionalManager is never closed.
func (tm *TransactionalManager) Close() {}
