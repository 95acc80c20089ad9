package helper

import (
	"context"
	"database/sql"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite" // driver import

	"github.com/AntonStoeckl/transactional-entitymanager-go/entitymanager"
	"github.com/AntonStoeckl/transactional-entitymanager-go/entitymanager/memoryengine"
	"github.com/AntonStoeckl/transactional-entitymanager-go/entitymanager/sqlengine"
	"github.com/AntonStoeckl/transactional-entitymanager-go/testutil/fixtures"
)

func GivenUniqueID(t testing.TB) uuid.UUID {
	id, err := uuid.NewV7()
	require.NoError(t, err, "error in arranging test data")

	return id
}

// GivenMemoryManager returns a manager over a fresh memory engine with the fixture entity types.
func GivenMemoryManager(t testing.TB, options ...entitymanager.Option) (*entitymanager.TransactionalManager, *memoryengine.Engine) {
	engine, err := memoryengine.NewEngine()
	require.NoError(t, err, "error in arranging test data")

	metadata, err := fixtures.NewMetadataProvider()
	require.NoError(t, err, "error in arranging test data")

	manager, err := entitymanager.NewTransactionalManager(engine, engine, metadata, options...)
	require.NoError(t, err, "error in arranging test data")

	return manager, engine
}

// GivenSQLiteDB opens a private in-memory SQLite database. The pool is limited to one connection, every
// connection of an in-memory database sees its own database.
func GivenSQLiteDB(t testing.TB) *sql.DB {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err, "error in arranging test data")

	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	return db
}

// GivenSQLiteEngine returns a sqlengine over a fresh in-memory SQLite database with the entity table created.
func GivenSQLiteEngine(t testing.TB, options ...sqlengine.Option) *sqlengine.Engine {
	engine, err := sqlengine.NewEngineFromSQLDB(
		GivenSQLiteDB(t),
		append([]sqlengine.Option{sqlengine.WithSQLiteDialect()}, options...)...,
	)
	require.NoError(t, err, "error in arranging test data")
	require.NoError(t, engine.CreateSchema(context.Background()), "error in arranging test data")

	return engine
}

// GivenSQLiteManager returns a manager over a fresh SQLite engine with the fixture entity types.
func GivenSQLiteManager(t testing.TB, options ...entitymanager.Option) (*entitymanager.TransactionalManager, *sqlengine.Engine) {
	engine := GivenSQLiteEngine(t)

	return GivenManagerOn(t, engine, options...), engine
}

// GivenManagerOn returns a manager over an existing SQL engine, e.g. a second manager sharing the database.
func GivenManagerOn(t testing.TB, engine *sqlengine.Engine, options ...entitymanager.Option) *entitymanager.TransactionalManager {
	metadata, err := fixtures.NewMetadataProvider()
	require.NoError(t, err, "error in arranging test data")

	manager, err := entitymanager.NewTransactionalManager(engine, engine, metadata, options...)
	require.NoError(t, err, "error in arranging test data")

	return manager
}

// GivenEntitiesWerePersisted persists and flushes the entities at the current level.
func GivenEntitiesWerePersisted(t testing.TB, ctx context.Context, manager *entitymanager.TransactionalManager, entities ...entitymanager.Entity) {
	for _, entity := range entities {
		require.NoError(t, manager.Persist(entity), "error in arranging test data")
	}

	require.NoError(t, manager.Flush(ctx), "error in arranging test data")
}

// GivenSampleTripleWasPersisted persists the a, b, c scenario entities and returns them.
func GivenSampleTripleWasPersisted(
	t testing.TB,
	ctx context.Context,
	manager *entitymanager.TransactionalManager,
) (*fixtures.SampleEntity, *fixtures.SampleEntity, *fixtures.SampleEntity) {

	a, b, c := fixtures.SampleTriple()
	GivenEntitiesWerePersisted(t, ctx, manager, a, b, c)

	return a, b, c
}

// IdentityOf returns the identity of an entity or fails the test.
func IdentityOf(t testing.TB, manager *entitymanager.TransactionalManager, entity entitymanager.Entity) entitymanager.Identity {
	id, err := manager.CurrentSnapshot().IdentityOf(entity)
	require.NoError(t, err, "error in arranging test data")

	return id
}

// FindSample finds a SampleEntity or fails the test.
func FindSample(t testing.TB, ctx context.Context, manager *entitymanager.TransactionalManager, id uuid.UUID) *fixtures.SampleEntity {
	entity, err := entitymanager.FindAs[*fixtures.SampleEntity](ctx, manager, fixtures.SampleEntityType, id)
	require.NoError(t, err, "error in finding the sample entity")

	return entity
}

// GivenNewSampleEntity returns a new unmanaged SampleEntity without parent.
func GivenNewSampleEntity() *fixtures.SampleEntity {
	return fixtures.NewSampleEntity("Lorem ipsum", 31415, true, nil)
}
