package entitymanager_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AntonStoeckl/transactional-entitymanager-go/entitymanager"
	"github.com/AntonStoeckl/transactional-entitymanager-go/entitymanager/memoryengine"
	"github.com/AntonStoeckl/transactional-entitymanager-go/testutil/fixtures"
	. "github.com/AntonStoeckl/transactional-entitymanager-go/testutil/helper" //nolint:revive
)

func Test_NewTransactionalManager_When_DependenciesAreMissing_Should_Fail(t *testing.T) {
	// setup
	engine, err := memoryengine.NewEngine()
	require.NoError(t, err)
	metadata, err := fixtures.NewMetadataProvider()
	require.NoError(t, err)

	// act
	_, nilConnectionErr := entitymanager.NewTransactionalManager(nil, engine, metadata)
	_, nilPersisterErr := entitymanager.NewTransactionalManager(engine, nil, metadata)
	_, nilMetadataErr := entitymanager.NewTransactionalManager(engine, engine, nil)
	_, nilFactoryErr := entitymanager.NewTransactionalManager(engine, engine, metadata, entitymanager.WithSnapshotFactory(nil))

	// assert
	assert.ErrorIs(t, nilConnectionErr, entitymanager.ErrNilConnection)
	assert.ErrorIs(t, nilPersisterErr, entitymanager.ErrNilPersister)
	assert.ErrorIs(t, nilMetadataErr, entitymanager.ErrNilMetadataProvider)
	assert.ErrorIs(t, nilFactoryErr, entitymanager.ErrNilSnapshotFactory)
}

func Test_NewTransactionalManager_Should_StartWithAnEmptyRootLevel(t *testing.T) {
	// act
	manager, _ := GivenMemoryManager(t)

	// assert
	assert.Equal(t, 0, manager.Depth())
	assert.Equal(t, 0, manager.CurrentSnapshot().Size())
	assert.True(t, manager.IsOpen())
}

func Test_BeginTransaction_When_TheConnectionFails_Should_LeaveTheStackUnchanged(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	manager, engine := GivenMemoryManager(t)
	connectionErr := errors.New("connection refused")

	// arrange
	engine.FailNext(memoryengine.OperationBegin, connectionErr)

	// act
	err := manager.BeginTransaction(ctxWithTimeout)

	// assert
	assert.ErrorIs(t, err, entitymanager.ErrBeginTransactionFailed)
	assert.ErrorIs(t, err, connectionErr)
	assert.Equal(t, 0, manager.Depth())
}

func Test_Commit_When_TheConnectionFails_Should_KeepTheTransactionOpen(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	manager, engine := GivenMemoryManager(t)
	connectionErr := errors.New("connection reset")

	// arrange
	a, _, _ := GivenSampleTripleWasPersisted(t, ctxWithTimeout, manager)
	require.NoError(t, manager.BeginTransaction(ctxWithTimeout))
	a.Foo = "sadipscing"
	engine.FailNext(memoryengine.OperationCommit, connectionErr)

	// act
	err := manager.Commit(ctxWithTimeout)

	// assert
	assert.ErrorIs(t, err, entitymanager.ErrCommitFailed)
	assert.ErrorIs(t, err, connectionErr)
	assert.Equal(t, 1, manager.Depth())
	assert.Equal(t, 1, engine.TransactionDepth())

	require.NoError(t, manager.RollbackEntities(ctxWithTimeout))
	assert.Equal(t, "Lorem ipsum", a.Foo)
}

func Test_Commit_When_FlushFails_Should_KeepTheTransactionOpen(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	manager, engine := GivenMemoryManager(t)
	writeErr := errors.New("disk full")

	// arrange
	a, _, _ := GivenSampleTripleWasPersisted(t, ctxWithTimeout, manager)
	require.NoError(t, manager.BeginTransaction(ctxWithTimeout))
	a.Foo = "sadipscing"
	engine.FailNext(memoryengine.OperationUpdate, writeErr)

	// act
	err := manager.Commit(ctxWithTimeout)

	// assert
	assert.ErrorIs(t, err, entitymanager.ErrFlushFailed)
	assert.ErrorIs(t, err, writeErr)
	assert.Equal(t, 1, manager.Depth())
	assert.Equal(t, 0, engine.Stats().Commits)
}

func Test_RollbackEntities_When_TheConnectionFails_Should_StillDiscardTheLevelAndRestore(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	manager, engine := GivenMemoryManager(t)
	connectionErr := errors.New("connection lost")

	// arrange
	a, b, c := GivenSampleTripleWasPersisted(t, ctxWithTimeout, manager)
	require.NoError(t, manager.BeginTransaction(ctxWithTimeout))
	firstUpdates(a, b, c)
	engine.FailNext(memoryengine.OperationRollback, connectionErr)

	// act
	err := manager.RollbackEntities(ctxWithTimeout)

	// assert
	assert.ErrorIs(t, err, entitymanager.ErrRollbackFailed)
	assert.ErrorIs(t, err, connectionErr)
	assert.Equal(t, 0, manager.Depth())
	assertTriple(t, a, b, c, untouchedTriple)
}

func Test_Transactional_When_TheCallbackSucceeds_Should_Commit(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	manager, engine := GivenMemoryManager(t)

	// arrange
	a, _, _ := GivenSampleTripleWasPersisted(t, ctxWithTimeout, manager)

	// act
	err := manager.Transactional(ctxWithTimeout, func(_ context.Context, tm *entitymanager.TransactionalManager) error {
		assert.Equal(t, 1, tm.Depth())
		a.Foo = "sadipscing"
		return nil
	})

	// assert
	require.NoError(t, err)
	assert.Equal(t, 0, manager.Depth())
	assert.Equal(t, 1, engine.Stats().Commits)

	row, found := engine.Stored(IdentityOf(t, manager, a))
	require.True(t, found)
	assert.JSONEq(t, `"sadipscing"`, string(row.Fields["foo"]))
}

func Test_Transactional_When_TheCallbackFails_Should_RollbackAndRestoreEntities(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	manager, engine := GivenMemoryManager(t)
	callbackErr := errors.New("validation failed")

	// arrange
	a, _, _ := GivenSampleTripleWasPersisted(t, ctxWithTimeout, manager)

	// act
	err := manager.Transactional(ctxWithTimeout, func(ctx context.Context, tm *entitymanager.TransactionalManager) error {
		a.Foo = "sadipscing"
		require.NoError(t, tm.Flush(ctx))
		return callbackErr
	})

	// assert
	assert.ErrorIs(t, err, callbackErr)
	assert.Equal(t, 0, manager.Depth())
	assert.Equal(t, 1, engine.Stats().Rollbacks)
	assert.Equal(t, "Lorem ipsum", a.Foo)

	row, found := engine.Stored(IdentityOf(t, manager, a))
	require.True(t, found)
	assert.JSONEq(t, `"Lorem ipsum"`, string(row.Fields["foo"]))
}

func Test_Transactional_When_TheCommitFails_Should_Rollback(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	manager, engine := GivenMemoryManager(t)
	writeErr := errors.New("disk full")

	// arrange
	a, _, _ := GivenSampleTripleWasPersisted(t, ctxWithTimeout, manager)
	engine.FailNext(memoryengine.OperationUpdate, writeErr)

	// act
	err := manager.Transactional(ctxWithTimeout, func(_ context.Context, _ *entitymanager.TransactionalManager) error {
		a.Foo = "sadipscing"
		return nil
	})

	// assert
	assert.ErrorIs(t, err, entitymanager.ErrFlushFailed)
	assert.ErrorIs(t, err, writeErr)
	assert.Equal(t, 0, manager.Depth())
	assert.Equal(t, 0, engine.TransactionDepth())
	assert.Equal(t, "Lorem ipsum", a.Foo)
}

func Test_Find_When_TheEntityIsManaged_Should_ReturnTheSameInstanceWithoutLoading(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	manager, engine := GivenMemoryManager(t)

	// arrange
	a, _, _ := GivenSampleTripleWasPersisted(t, ctxWithTimeout, manager)
	loadsBefore := engine.Stats().Loads

	// act
	byID, byIDErr := manager.Find(ctxWithTimeout, fixtures.SampleEntityType, a.ID)
	byString, byStringErr := manager.Find(ctxWithTimeout, fixtures.SampleEntityType, a.ID.String())
	byEntity, byEntityErr := manager.Find(ctxWithTimeout, fixtures.SampleEntityType, a)

	// assert
	require.NoError(t, byIDErr)
	require.NoError(t, byStringErr)
	require.NoError(t, byEntityErr)
	assert.Same(t, a, byID)
	assert.Same(t, a, byString)
	assert.Same(t, a, byEntity)
	assert.Equal(t, loadsBefore, engine.Stats().Loads)
}

func Test_Find_When_TheEntityIsNotManaged_Should_LoadItWithItsAssociations(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	manager, _ := GivenMemoryManager(t)

	// arrange
	a, b, _ := GivenSampleTripleWasPersisted(t, ctxWithTimeout, manager)
	manager.Clear()

	// act
	loadedB := FindSample(t, ctxWithTimeout, manager, b.ID)

	// assert
	assert.NotSame(t, b, loadedB)
	assert.Equal(t, "dolor sit amet", loadedB.Foo)
	assert.Equal(t, &fixtures.SampleEmbeddable{Bar: 92653, Baz: false}, loadedB.Embeddable)
	require.NotNil(t, loadedB.Parent)
	assert.Equal(t, "Lorem ipsum", loadedB.Parent.Foo)
	assert.True(t, manager.Contains(loadedB.Parent))

	loadedA := FindSample(t, ctxWithTimeout, manager, a.ID)
	assert.Same(t, loadedB.Parent, loadedA, "the identity map should hold one instance per identity")
}

func Test_FindAs_Should_ReturnTheTypedEntity(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	manager, _ := GivenMemoryManager(t)

	// arrange
	a, _, _ := GivenSampleTripleWasPersisted(t, ctxWithTimeout, manager)

	// act
	typed, err := entitymanager.FindAs[*fixtures.SampleEntity](ctxWithTimeout, manager, fixtures.SampleEntityType, a.ID)
	_, wrongTypeErr := entitymanager.FindAs[*fixtures.VersionedEntity](ctxWithTimeout, manager, fixtures.SampleEntityType, a.ID)

	// assert
	require.NoError(t, err)
	assert.Same(t, a, typed)
	assert.ErrorIs(t, wrongTypeErr, entitymanager.ErrUnknownEntityType)
}

func Test_Find_When_TheIdentifierIsInvalid_Should_Fail(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	manager, _ := GivenMemoryManager(t)

	testCases := []struct {
		name        string
		entityType  entitymanager.EntityType
		id          any
		expectedErr error
	}{
		{name: "nil identifier", entityType: fixtures.SampleEntityType, id: nil,
			expectedErr: entitymanager.ErrInvalidIdentifier},
		{name: "zero identifier", entityType: fixtures.SampleEntityType, id: uuid.Nil,
			expectedErr: entitymanager.ErrInvalidIdentifier},
		{name: "scalar for a composite identifier", entityType: fixtures.CompositeEntityType, id: "tenant",
			expectedErr: entitymanager.ErrInvalidIdentifier},
		{name: "missing identifier field", entityType: fixtures.CompositeEntityType,
			id:          entitymanager.IdentifierValues{"tenant_id": "tenant"},
			expectedErr: entitymanager.ErrInvalidIdentifier},
		{name: "unknown identifier field", entityType: fixtures.CompositeEntityType,
			id:          entitymanager.IdentifierValues{"tenant_id": "tenant", "code": 1, "label": "x"},
			expectedErr: entitymanager.ErrInvalidIdentifier},
		{name: "unknown entity type", entityType: "nonexistent", id: "x",
			expectedErr: entitymanager.ErrUnknownEntityType},
		{name: "no stored row", entityType: fixtures.SampleEntityType, id: uuid.New(),
			expectedErr: entitymanager.ErrEntityNotFound},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// act
			entity, err := manager.Find(ctxWithTimeout, tc.entityType, tc.id)

			// assert
			assert.ErrorIs(t, err, tc.expectedErr)
			assert.Nil(t, entity)
		})
	}
}

func Test_Find_When_TheIdentifierIsComposite_Should_MatchAllIdentifierFields(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	manager, _ := GivenMemoryManager(t)

	// arrange
	GivenEntitiesWerePersisted(t, ctxWithTimeout, manager,
		&fixtures.CompositeEntity{TenantID: "acme", Code: 1, Label: "first"},
		&fixtures.CompositeEntity{TenantID: "acme", Code: 2, Label: "second"},
	)
	manager.Clear()

	// act
	entity, err := manager.Find(ctxWithTimeout, fixtures.CompositeEntityType,
		entitymanager.IdentifierValues{"code": 2, "tenant_id": "acme"})

	// assert
	require.NoError(t, err)
	composite, ok := entity.(*fixtures.CompositeEntity)
	require.True(t, ok)
	assert.Equal(t, "second", composite.Label)
	assert.Equal(t, 2, composite.Code)
}

func Test_Persist_When_AnotherEntityHasTheSameIdentity_Should_Fail(t *testing.T) {
	// setup
	manager, _ := GivenMemoryManager(t)
	id := GivenUniqueID(t)

	// arrange
	require.NoError(t, manager.Persist(&fixtures.SampleEntity{ID: id, Foo: "first"}))

	// act
	err := manager.Persist(&fixtures.SampleEntity{ID: id, Foo: "second"})

	// assert
	assert.ErrorIs(t, err, entitymanager.ErrIdentityConflict)
}

func Test_Persist_When_TheIdentifierIsEmpty_Should_Fail(t *testing.T) {
	// setup
	manager, _ := GivenMemoryManager(t)

	// act
	err := manager.Persist(&fixtures.SampleEntity{Foo: "no id"})

	// assert
	assert.ErrorIs(t, err, entitymanager.ErrInvalidIdentifier)
	assert.Equal(t, 0, manager.CurrentSnapshot().Size())
}

func Test_Flush_When_AnEntityIsNotManaged_Should_Fail(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	manager, _ := GivenMemoryManager(t)

	// act
	err := manager.Flush(ctxWithTimeout, fixtures.NewSampleEntity("unmanaged", 1, true, nil))

	// assert
	assert.ErrorIs(t, err, entitymanager.ErrFlushFailed)
	assert.ErrorIs(t, err, entitymanager.ErrEntityNotManaged)
}

func Test_Flush_When_NothingChanged_Should_NotWrite(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	manager, engine := GivenMemoryManager(t)

	// arrange
	GivenSampleTripleWasPersisted(t, ctxWithTimeout, manager)
	statsBefore := engine.Stats()

	// act
	err := manager.Flush(ctxWithTimeout)

	// assert
	require.NoError(t, err)
	assert.Equal(t, statsBefore, engine.Stats())
}

func Test_Remove_Should_DeleteTheEntityOnFlush(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	manager, engine := GivenMemoryManager(t)

	// arrange
	_, _, c := GivenSampleTripleWasPersisted(t, ctxWithTimeout, manager)
	cIdentity := IdentityOf(t, manager, c)

	// act
	err := manager.Remove(c)

	// assert
	require.NoError(t, err)
	assert.Equal(t, []entitymanager.Identity{cIdentity}, manager.CurrentSnapshot().ScheduledDeletions())
	require.NoError(t, manager.Flush(ctxWithTimeout))
	assert.False(t, manager.Contains(c))

	_, found := engine.Stored(cIdentity)
	assert.False(t, found)
}

func Test_Remove_When_TheEntityWasNeverInserted_Should_OnlyDetachIt(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	manager, engine := GivenMemoryManager(t)

	// arrange
	entity := fixtures.NewSampleEntity("short lived", 1, true, nil)
	require.NoError(t, manager.Persist(entity))

	// act
	err := manager.Remove(entity)

	// assert
	require.NoError(t, err)
	assert.False(t, manager.Contains(entity))
	require.NoError(t, manager.Flush(ctxWithTimeout))
	assert.Equal(t, 0, engine.Stats().Inserts)
	assert.Equal(t, 0, engine.Stats().Deletes)
	assert.ErrorIs(t, manager.Remove(entity), entitymanager.ErrEntityNotManaged)
}

func Test_Persist_When_TheEntityIsScheduledForDeletion_Should_CancelTheDeletion(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	manager, engine := GivenMemoryManager(t)

	// arrange
	a, _, _ := GivenSampleTripleWasPersisted(t, ctxWithTimeout, manager)
	require.NoError(t, manager.Remove(a))

	// act
	err := manager.Persist(a)

	// assert
	require.NoError(t, err)
	assert.Empty(t, manager.CurrentSnapshot().ScheduledDeletions())
	require.NoError(t, manager.Flush(ctxWithTimeout))
	assert.Equal(t, 0, engine.Stats().Deletes)
}

func Test_Merge_When_TheIdentityIsStored_Should_CopyOntoTheManagedEntity(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	manager, engine := GivenMemoryManager(t)

	// arrange
	a, _, _ := GivenSampleTripleWasPersisted(t, ctxWithTimeout, manager)
	manager.Clear()
	detached := &fixtures.SampleEntity{ID: a.ID, Foo: "merged", Embeddable: &fixtures.SampleEmbeddable{Bar: 7, Baz: false}}

	// act
	merged, err := manager.Merge(ctxWithTimeout, detached)

	// assert
	require.NoError(t, err)
	assert.NotSame(t, detached, merged)
	assert.False(t, manager.Contains(detached))
	assert.True(t, manager.Contains(merged))
	assert.Equal(t, "merged", merged.(*fixtures.SampleEntity).Foo)

	require.NoError(t, manager.Flush(ctxWithTimeout))
	row, found := engine.Stored(IdentityOf(t, manager, merged))
	require.True(t, found)
	assert.JSONEq(t, `"merged"`, string(row.Fields["foo"]))
	assert.JSONEq(t, `{"bar":7,"baz":false}`, string(row.Fields["embeddable"]))
}

func Test_Merge_When_TheIdentityIsUnknown_Should_PersistACopy(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	manager, engine := GivenMemoryManager(t)

	// arrange
	detached := fixtures.NewSampleEntity("brand new", 1, true, nil)

	// act
	merged, err := manager.Merge(ctxWithTimeout, detached)

	// assert
	require.NoError(t, err)
	assert.NotSame(t, detached, merged)
	require.NoError(t, manager.Flush(ctxWithTimeout))
	assert.Equal(t, 1, engine.Stats().Inserts)
}

func Test_Merge_When_TheVersionIsStale_Should_Fail(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	manager, _ := GivenMemoryManager(t)

	// arrange
	entity := &fixtures.VersionedEntity{ID: "v-1", Name: "first"}
	GivenEntitiesWerePersisted(t, ctxWithTimeout, manager, entity)
	entity.Name = "second"
	require.NoError(t, manager.Flush(ctxWithTimeout))
	manager.Clear()

	// act
	_, err := manager.Merge(ctxWithTimeout, &fixtures.VersionedEntity{ID: "v-1", Name: "stale", Version: 1})

	// assert
	assert.ErrorIs(t, err, entitymanager.ErrOptimisticLockFailed)
}

func Test_Refresh_Should_OverwriteUnflushedChanges(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	manager, _ := GivenMemoryManager(t)

	// arrange
	a, _, _ := GivenSampleTripleWasPersisted(t, ctxWithTimeout, manager)
	a.Foo = "unflushed"
	a.Embeddable.Bar = 1

	// act
	err := manager.Refresh(ctxWithTimeout, a)

	// assert
	require.NoError(t, err)
	assert.Equal(t, "Lorem ipsum", a.Foo)
	assert.Equal(t, 31415, a.Embeddable.Bar)
}

func Test_Detach_And_Clear_Should_ForgetEntities(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	manager, _ := GivenMemoryManager(t)

	// arrange
	a, b, _ := GivenSampleTripleWasPersisted(t, ctxWithTimeout, manager)
	GivenEntitiesWerePersisted(t, ctxWithTimeout, manager, &fixtures.VersionedEntity{ID: "v-1", Name: "kept"})

	// act
	manager.Detach(a)
	manager.Detach(a)

	// assert
	assert.False(t, manager.Contains(a))
	assert.True(t, manager.Contains(b))
	assert.Equal(t, 3, manager.CurrentSnapshot().Size())

	// act
	manager.Clear(fixtures.SampleEntityType)

	// assert
	assert.Equal(t, 1, manager.CurrentSnapshot().Size())

	// act
	manager.Clear()

	// assert
	assert.Equal(t, 0, manager.CurrentSnapshot().Size())
}

func Test_Flush_Should_IncrementTheVersionOfVersionedEntities(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	manager, engine := GivenMemoryManager(t)

	// arrange
	entity := &fixtures.VersionedEntity{ID: "v-1", Name: "first", Tags: []any{"x"}}
	GivenEntitiesWerePersisted(t, ctxWithTimeout, manager, entity)
	assert.Equal(t, int64(1), entity.Version)

	// act
	entity.Tags = append(entity.Tags, "y")
	err := manager.Flush(ctxWithTimeout)

	// assert
	require.NoError(t, err)
	assert.Equal(t, int64(2), entity.Version)

	row, found := engine.Stored(IdentityOf(t, manager, entity))
	require.True(t, found)
	assert.Equal(t, int64(2), row.Version)
	assert.JSONEq(t, `["x","y"]`, string(row.Fields["tags"]))
}

func Test_Flush_When_AnotherManagerUpdatedTheRow_Should_FailTheOptimisticLock(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	manager, engine := GivenMemoryManager(t)
	metadata, err := fixtures.NewMetadataProvider()
	require.NoError(t, err)
	otherManager, err := entitymanager.NewTransactionalManager(engine, engine, metadata)
	require.NoError(t, err)

	// arrange
	entity := &fixtures.VersionedEntity{ID: "v-1", Name: "first"}
	GivenEntitiesWerePersisted(t, ctxWithTimeout, manager, entity)

	other, err := entitymanager.FindAs[*fixtures.VersionedEntity](ctxWithTimeout, otherManager, fixtures.VersionedEntityType, "v-1")
	require.NoError(t, err)
	other.Name = "concurrent"
	require.NoError(t, otherManager.Flush(ctxWithTimeout))

	// act
	entity.Name = "mine"
	err = manager.Flush(ctxWithTimeout)

	// assert
	assert.ErrorIs(t, err, entitymanager.ErrFlushFailed)
	assert.ErrorIs(t, err, entitymanager.ErrOptimisticLockFailed)
}

func Test_FindWithLock_When_TheModeIsOptimistic_Should_CheckTheVersion(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	manager, _ := GivenMemoryManager(t)

	// arrange
	a, _, _ := GivenSampleTripleWasPersisted(t, ctxWithTimeout, manager)
	GivenEntitiesWerePersisted(t, ctxWithTimeout, manager, &fixtures.VersionedEntity{ID: "v-1", Name: "first"})
	currentVersion := int64(1)
	staleVersion := int64(0)

	// act
	_, notVersionedErr := manager.FindWithLock(ctxWithTimeout, fixtures.SampleEntityType, a.ID, entitymanager.LockOptimistic, nil)
	found, matchingErr := manager.FindWithLock(ctxWithTimeout, fixtures.VersionedEntityType, "v-1", entitymanager.LockOptimistic, &currentVersion)
	_, staleErr := manager.FindWithLock(ctxWithTimeout, fixtures.VersionedEntityType, "v-1", entitymanager.LockOptimistic, &staleVersion)

	// assert
	assert.ErrorIs(t, notVersionedErr, entitymanager.ErrNotVersioned)
	require.NoError(t, matchingErr)
	assert.Equal(t, "first", found.(*fixtures.VersionedEntity).Name)
	assert.ErrorIs(t, staleErr, entitymanager.ErrOptimisticLockFailed)
}

func Test_FindWithLock_When_TheModeIsPessimistic_Should_RequireATransaction(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	manager, _ := GivenMemoryManager(t)

	// arrange
	a, _, _ := GivenSampleTripleWasPersisted(t, ctxWithTimeout, manager)

	// act
	_, readErr := manager.FindWithLock(ctxWithTimeout, fixtures.SampleEntityType, a.ID, entitymanager.LockPessimisticRead, nil)
	_, writeErr := manager.FindWithLock(ctxWithTimeout, fixtures.SampleEntityType, a.ID, entitymanager.LockPessimisticWrite, nil)
	lockErr := manager.Lock(ctxWithTimeout, a, entitymanager.LockPessimisticWrite, nil)

	// assert
	assert.ErrorIs(t, readErr, entitymanager.ErrTransactionRequired)
	assert.ErrorIs(t, writeErr, entitymanager.ErrTransactionRequired)
	assert.ErrorIs(t, lockErr, entitymanager.ErrTransactionRequired)
}

func Test_FindWithLock_When_TheModeIsPessimistic_Should_RefreshAManagedEntity(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	manager, engine := GivenMemoryManager(t)

	// arrange
	a, _, _ := GivenSampleTripleWasPersisted(t, ctxWithTimeout, manager)
	require.NoError(t, manager.BeginTransaction(ctxWithTimeout))
	a.Foo = "unflushed"
	loadsBefore := engine.Stats().Loads

	// act
	found, err := manager.FindWithLock(ctxWithTimeout, fixtures.SampleEntityType, a.ID, entitymanager.LockPessimisticWrite, nil)

	// assert
	require.NoError(t, err)
	assert.Same(t, a, found)
	assert.Equal(t, "Lorem ipsum", a.Foo)
	assert.Equal(t, loadsBefore+1, engine.Stats().Loads)
}

func Test_Lock_Should_DelegatePessimisticLocksToThePersister(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	manager, engine := GivenMemoryManager(t)

	// arrange
	a, _, _ := GivenSampleTripleWasPersisted(t, ctxWithTimeout, manager)
	require.NoError(t, manager.BeginTransaction(ctxWithTimeout))

	// act
	noneErr := manager.Lock(ctxWithTimeout, a, entitymanager.LockNone, nil)
	writeErr := manager.Lock(ctxWithTimeout, a, entitymanager.LockPessimisticWrite, nil)
	unmanagedErr := manager.Lock(ctxWithTimeout, fixtures.NewSampleEntity("x", 1, true, nil), entitymanager.LockPessimisticRead, nil)

	// assert
	require.NoError(t, noneErr)
	require.NoError(t, writeErr)
	assert.ErrorIs(t, unmanagedErr, entitymanager.ErrEntityNotManaged)
	assert.Equal(t, 1, engine.Stats().Locks)
}

func Test_GetReference_Should_ReturnTheLoadedEntity(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	manager, _ := GivenMemoryManager(t)

	// arrange
	a, _, _ := GivenSampleTripleWasPersisted(t, ctxWithTimeout, manager)

	// act
	reference, err := manager.GetReference(ctxWithTimeout, fixtures.SampleEntityType, a.ID)
	_, missingErr := manager.GetReference(ctxWithTimeout, fixtures.SampleEntityType, uuid.New())

	// assert
	require.NoError(t, err)
	assert.Same(t, a, reference)
	assert.ErrorIs(t, missingErr, entitymanager.ErrEntityNotFound)
}

func Test_GetPartialReference_Should_RegisterAReadOnlyIdentifierOnlyInstance(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	manager, engine := GivenMemoryManager(t)

	// arrange
	a, _, _ := GivenSampleTripleWasPersisted(t, ctxWithTimeout, manager)
	manager.Clear()
	statsBefore := engine.Stats()

	// act
	reference, err := manager.GetPartialReference(fixtures.SampleEntityType, a.ID)

	// assert
	require.NoError(t, err)
	partial, ok := reference.(*fixtures.SampleEntity)
	require.True(t, ok)
	assert.Equal(t, a.ID, partial.ID)
	assert.Empty(t, partial.Foo)
	assert.True(t, manager.CurrentSnapshot().IsReadOnly(partial))

	again, err := manager.GetPartialReference(fixtures.SampleEntityType, a.ID.String())
	require.NoError(t, err)
	assert.Same(t, partial, again)

	partial.Foo = "never written"
	require.NoError(t, manager.Flush(ctxWithTimeout))
	assert.Equal(t, statsBefore, engine.Stats(), "partial references should neither be loaded nor written")
}

func Test_Copy_Should_NotBeImplemented(t *testing.T) {
	// setup
	manager, _ := GivenMemoryManager(t)

	// act
	copied, err := manager.Copy(fixtures.NewSampleEntity("x", 1, true, nil), true)

	// assert
	assert.ErrorIs(t, err, entitymanager.ErrNotImplemented)
	assert.Nil(t, copied)
}

func Test_SaveState_Should_RestoreTheCollectionsOfTheUnitOfWork(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	manager, _ := GivenMemoryManager(t)

	// arrange
	a, _, _ := GivenSampleTripleWasPersisted(t, ctxWithTimeout, manager)
	saveState, err := manager.NewSaveState()
	require.NoError(t, err)

	batchEntity := fixtures.NewSampleEntity("batch", 1, true, a)
	GivenEntitiesWerePersisted(t, ctxWithTimeout, manager, batchEntity)
	assert.Equal(t, 4, manager.CurrentSnapshot().Size())

	// act
	err = saveState.Restore()

	// assert
	require.NoError(t, err)
	assert.Equal(t, 3, manager.CurrentSnapshot().Size())
	assert.False(t, manager.Contains(batchEntity))
	assert.True(t, manager.Contains(a))
	assert.ErrorIs(t, saveState.Restore(), entitymanager.ErrSaveStateNotActive)
}

func Test_SaveState_When_AlreadyTaken_Should_Fail(t *testing.T) {
	// setup
	manager, _ := GivenMemoryManager(t)

	// arrange
	saveState, err := manager.NewSaveState()
	require.NoError(t, err)

	// act
	_, takenErr := manager.NewSaveState()

	// assert
	assert.ErrorIs(t, takenErr, entitymanager.ErrSaveStateTaken)

	require.NoError(t, saveState.RestoreAndRetake())
	_, stillTakenErr := manager.NewSaveState()
	assert.ErrorIs(t, stillTakenErr, entitymanager.ErrSaveStateTaken)

	require.NoError(t, saveState.Restore())
	_, releasedErr := manager.NewSaveState()
	assert.NoError(t, releasedErr)
}

func Test_Clear_Should_DetachTheGivenTypesOrEverything(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	manager, _ := GivenMemoryManager(t)

	// arrange
	a, b, c := GivenSampleTripleWasPersisted(t, ctxWithTimeout, manager)
	versioned := &fixtures.VersionedEntity{ID: GivenUniqueID(t).String(), Name: "Lorem ipsum"}
	GivenEntitiesWerePersisted(t, ctxWithTimeout, manager, versioned)

	// act
	manager.Clear(fixtures.SampleEntityType)

	// assert
	assert.False(t, manager.Contains(a))
	assert.False(t, manager.Contains(b))
	assert.False(t, manager.Contains(c))
	assert.True(t, manager.Contains(versioned))

	manager.Clear()
	assert.False(t, manager.Contains(versioned))
	assert.Equal(t, 0, manager.CurrentSnapshot().Size())
}

func Test_IsOpen_Should_StayTrueAfterClose(t *testing.T) {
	// setup
	manager, _ := GivenMemoryManager(t)

	// act
	manager.Close()

	// assert
	assert.True(t, manager.IsOpen())
}

func Test_PersistAndFlush_Should_InsertOnceWithoutAFollowUpUpdate(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	manager, engine := GivenMemoryManager(t)

	// arrange
	versioned := &fixtures.VersionedEntity{ID: GivenUniqueID(t).String(), Name: "Lorem ipsum"}
	sample := &fixtures.SampleEntity{ID: GivenUniqueID(t), Foo: "dolor sit amet"}
	attributed := &fixtures.AttributedEntity{ID: GivenUniqueID(t).String()}

	// act
	GivenEntitiesWerePersisted(t, ctxWithTimeout, manager, versioned, sample, attributed)
	err := manager.Flush(ctxWithTimeout)

	// assert
	require.NoError(t, err)
	assert.Equal(t, 3, engine.Stats().Inserts)
	assert.Equal(t, 0, engine.Stats().Updates)
	assert.Equal(t, int64(1), versioned.Version)

	row, found := engine.Stored(IdentityOf(t, manager, versioned))
	require.True(t, found)
	assert.Equal(t, int64(1), row.Version)
	assert.JSONEq(t, `null`, string(row.Fields["tags"]))
}

func Test_Flush_When_ATypedEmbeddedValueIsMutatedInPlace_Should_Update(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	manager, engine := GivenMemoryManager(t)

	// arrange
	entity := &fixtures.AttributedEntity{ID: GivenUniqueID(t).String(), Attributes: map[string]string{"color": "red"}}
	GivenEntitiesWerePersisted(t, ctxWithTimeout, manager, entity)

	// act
	entity.Attributes["color"] = "blue"
	err := manager.Flush(ctxWithTimeout)

	// assert
	require.NoError(t, err)
	assert.Equal(t, 1, engine.Stats().Updates)

	row, found := engine.Stored(IdentityOf(t, manager, entity))
	require.True(t, found)
	assert.JSONEq(t, `{"color":"blue"}`, string(row.Fields["attributes"]))
}

func Test_RollbackEntities_Should_RestoreTypedEmbeddedValuesMutatedInPlace(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	manager, engine := GivenMemoryManager(t)

	// arrange
	entity := &fixtures.AttributedEntity{
		ID:         GivenUniqueID(t).String(),
		Attributes: map[string]string{"color": "red"},
		Scores:     []int{1, 2},
	}
	GivenEntitiesWerePersisted(t, ctxWithTimeout, manager, entity)

	require.NoError(t, manager.BeginTransaction(ctxWithTimeout))
	entity.Attributes["color"] = "blue"
	entity.Scores[0] = 7
	require.NoError(t, manager.Flush(ctxWithTimeout))

	// act
	err := manager.RollbackEntities(ctxWithTimeout)

	// assert
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"color": "red"}, entity.Attributes)
	assert.Equal(t, []int{1, 2}, entity.Scores)

	row, found := engine.Stored(IdentityOf(t, manager, entity))
	require.True(t, found)
	assert.JSONEq(t, `{"color":"red"}`, string(row.Fields["attributes"]))
	assert.JSONEq(t, `[1,2]`, string(row.Fields["scores"]))
}

func Test_RollbackEntities_When_AnEntityWasNeverFlushedBefore_Should_BlankAllButTheIdentifier(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	manager, engine := GivenMemoryManager(t)

	// arrange
	entity := GivenNewSampleEntity()
	identifier := entity.ID
	require.NoError(t, manager.Persist(entity))
	identity := IdentityOf(t, manager, entity)

	require.NoError(t, manager.BeginTransaction(ctxWithTimeout))
	entity.Foo = "sadipscing"
	require.NoError(t, manager.Flush(ctxWithTimeout))

	// act
	err := manager.RollbackEntities(ctxWithTimeout)

	// assert
	require.NoError(t, err)
	assert.True(t, manager.Contains(entity))
	assert.Equal(t, identifier, entity.ID)
	assert.Empty(t, entity.Foo)
	assert.Nil(t, entity.Embeddable)
	assert.Equal(t, []entitymanager.Identity{identity}, manager.CurrentSnapshot().ScheduledInsertions())

	_, found := engine.Stored(identity)
	assert.False(t, found)
}

func Test_SaveState_When_ACommitRemovedItsUnitOfWork_Should_Fail(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	manager, _ := GivenMemoryManager(t)

	// arrange
	saveState, err := manager.NewSaveState()
	require.NoError(t, err)

	require.NoError(t, manager.BeginTransaction(ctxWithTimeout))
	GivenEntitiesWerePersisted(t, ctxWithTimeout, manager, GivenNewSampleEntity())
	require.NoError(t, manager.Commit(ctxWithTimeout))

	// act
	err = saveState.Restore()

	// assert
	assert.ErrorIs(t, err, entitymanager.ErrSaveStateDiscarded)
	assert.ErrorIs(t, saveState.Restore(), entitymanager.ErrSaveStateNotActive)
	assert.Equal(t, 1, manager.CurrentSnapshot().Size())

	_, retakeErr := manager.NewSaveState()
	assert.NoError(t, retakeErr)
}

func Test_SaveState_When_ARollbackRemovedItsUnitOfWork_Should_Fail(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	manager, _ := GivenMemoryManager(t)

	// arrange
	require.NoError(t, manager.BeginTransaction(ctxWithTimeout))
	saveState, err := manager.NewSaveState()
	require.NoError(t, err)
	require.NoError(t, manager.Rollback(ctxWithTimeout))

	// act
	err = saveState.RestoreAndRetake()

	// assert
	assert.ErrorIs(t, err, entitymanager.ErrSaveStateDiscarded)
	assert.Equal(t, 0, manager.Depth())
}

func Test_Find_When_AStoredEmbeddedValueIsEmpty_Should_HydrateItAsNil(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	manager, engine := GivenMemoryManager(t)

	// arrange
	identity, err := entitymanager.NewIdentity(fixtures.VersionedEntityType, "v-1")
	require.NoError(t, err)
	require.NoError(t, engine.Insert(ctxWithTimeout, identity, entitymanager.StoredRow{
		Fields: entitymanager.Row{
			"id":      []byte(`"v-1"`),
			"name":    []byte(`"Lorem ipsum"`),
			"tags":    []byte{},
			"version": []byte(`1`),
		},
		Version: 1,
	}))

	// act
	found, err := entitymanager.FindAs[*fixtures.VersionedEntity](ctxWithTimeout, manager, fixtures.VersionedEntityType, "v-1")

	// assert
	require.NoError(t, err)
	assert.Equal(t, "Lorem ipsum", found.Name)
	assert.Nil(t, found.Tags)
	assert.Equal(t, int64(1), found.Version)
}
