package sqlengine_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AntonStoeckl/transactional-entitymanager-go/entitymanager"
	"github.com/AntonStoeckl/transactional-entitymanager-go/entitymanager/sqlengine"
	. "github.com/AntonStoeckl/transactional-entitymanager-go/testutil/helper" //nolint:revive
)

func givenIdentity(t *testing.T) entitymanager.Identity {
	id, err := entitymanager.NewIdentity("sample_entity", GivenUniqueID(t))
	require.NoError(t, err, "error in arranging test data")

	return id
}

func givenRow(foo string, version int64) entitymanager.StoredRow {
	return entitymanager.StoredRow{
		Fields: entitymanager.Row{
			"foo":        jsoniter.RawMessage(`"` + foo + `"`),
			"embeddable": jsoniter.RawMessage(`{"bar":31415,"baz":true}`),
		},
		Version: version,
	}
}

func assertStoredFoo(t *testing.T, ctx context.Context, engine *sqlengine.Engine, id entitymanager.Identity, expected string) {
	t.Helper()

	row, err := engine.Load(ctx, id, entitymanager.LockNone)
	require.NoError(t, err)
	assert.JSONEq(t, `"`+expected+`"`, string(row.Fields["foo"]))
}

func Test_NewEngine_When_DatabaseIsNil_Should_Fail(t *testing.T) {
	_, sqlDBErr := sqlengine.NewEngineFromSQLDB(nil)
	_, sqlxErr := sqlengine.NewEngineFromSQLX(nil)
	_, pgxErr := sqlengine.NewEngineFromPGXPool(nil)

	assert.ErrorIs(t, sqlDBErr, sqlengine.ErrNilDatabaseConnection)
	assert.ErrorIs(t, sqlxErr, sqlengine.ErrNilDatabaseConnection)
	assert.ErrorIs(t, pgxErr, sqlengine.ErrNilDatabaseConnection)
}

func Test_NewEngine_When_TableNameIsNotAPlainIdentifier_Should_Fail(t *testing.T) {
	for _, tableName := range []string{"", "entities; DROP TABLE x", "1entities", "my-entities"} {
		_, err := sqlengine.NewEngineFromSQLDB(GivenSQLiteDB(t), sqlengine.WithTableName(tableName))

		assert.ErrorIs(t, err, sqlengine.ErrInvalidTableName, tableName)
	}
}

func Test_CreateSchema_Should_BeIdempotent_And_UseTheConfiguredTableName(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	db := GivenSQLiteDB(t)
	engine, err := sqlengine.NewEngineFromSQLDB(db, sqlengine.WithSQLiteDialect(), sqlengine.WithTableName("managed_rows"))
	require.NoError(t, err)

	// act
	require.NoError(t, engine.CreateSchema(ctxWithTimeout))
	require.NoError(t, engine.CreateSchema(ctxWithTimeout))

	// assert
	var count int
	require.NoError(t, db.QueryRowContext(ctxWithTimeout, "SELECT COUNT(*) FROM managed_rows").Scan(&count))
	assert.Equal(t, 0, count)
}

func Test_Insert_Then_Load_Should_ReturnTheStoredRow(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	engine := GivenSQLiteEngine(t)
	id := givenIdentity(t)

	// act
	require.NoError(t, engine.Insert(ctxWithTimeout, id, givenRow("it's quoted", 1)))
	row, err := engine.Load(ctxWithTimeout, id, entitymanager.LockNone)

	// assert
	require.NoError(t, err)
	assert.Equal(t, int64(1), row.Version)
	assert.JSONEq(t, `"it's quoted"`, string(row.Fields["foo"]))
	assert.JSONEq(t, `{"bar":31415,"baz":true}`, string(row.Fields["embeddable"]))
}

func Test_Insert_When_IdentityExists_Should_Fail(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	engine := GivenSQLiteEngine(t)
	id := givenIdentity(t)

	// arrange
	require.NoError(t, engine.Insert(ctxWithTimeout, id, givenRow("first", 0)))

	// act
	err := engine.Insert(ctxWithTimeout, id, givenRow("second", 0))

	// assert
	assert.ErrorIs(t, err, sqlengine.ErrExecFailed)
	assertStoredFoo(t, ctxWithTimeout, engine, id, "first")
}

func Test_Load_When_RowIsMissing_Should_ReturnEntityNotFound(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	engine := GivenSQLiteEngine(t)

	// act
	_, err := engine.Load(ctxWithTimeout, givenIdentity(t), entitymanager.LockNone)

	// assert
	assert.ErrorIs(t, err, entitymanager.ErrEntityNotFound)
}

func Test_Update_Should_CompareTheStoredVersion(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	engine := GivenSQLiteEngine(t)
	id := givenIdentity(t)

	// arrange
	require.NoError(t, engine.Insert(ctxWithTimeout, id, givenRow("first", 1)))

	// act
	matchingErr := engine.Update(ctxWithTimeout, id, givenRow("second", 2), 1)
	staleErr := engine.Update(ctxWithTimeout, id, givenRow("third", 2), 1)
	missingErr := engine.Update(ctxWithTimeout, givenIdentity(t), givenRow("fourth", 1), 0)

	// assert
	assert.NoError(t, matchingErr)
	assert.ErrorIs(t, staleErr, entitymanager.ErrOptimisticLockFailed)
	assert.ErrorIs(t, missingErr, entitymanager.ErrEntityNotFound)
	assertStoredFoo(t, ctxWithTimeout, engine, id, "second")
}

func Test_Delete_Should_RemoveTheRow_And_IgnoreMissingRows(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	engine := GivenSQLiteEngine(t)
	id := givenIdentity(t)

	// arrange
	require.NoError(t, engine.Insert(ctxWithTimeout, id, givenRow("first", 0)))

	// act
	require.NoError(t, engine.Delete(ctxWithTimeout, id))
	require.NoError(t, engine.Delete(ctxWithTimeout, id))

	// assert
	_, err := engine.Load(ctxWithTimeout, id, entitymanager.LockNone)
	assert.ErrorIs(t, err, entitymanager.ErrEntityNotFound)
}

func Test_NestedTransactions_Should_MapToSavepoints(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	engine := GivenSQLiteEngine(t)
	outerID := givenIdentity(t)
	innerID := givenIdentity(t)

	// act
	require.NoError(t, engine.BeginTransaction(ctxWithTimeout))
	require.NoError(t, engine.Insert(ctxWithTimeout, outerID, givenRow("outer", 0)))

	require.NoError(t, engine.BeginTransaction(ctxWithTimeout))
	assert.Equal(t, 2, engine.TransactionDepth())
	require.NoError(t, engine.Insert(ctxWithTimeout, innerID, givenRow("inner", 0)))
	require.NoError(t, engine.Update(ctxWithTimeout, outerID, givenRow("outer changed", 0), 0))
	require.NoError(t, engine.Rollback(ctxWithTimeout))

	// assert inside the outer transaction
	assert.Equal(t, 1, engine.TransactionDepth())
	assertStoredFoo(t, ctxWithTimeout, engine, outerID, "outer")
	_, innerErr := engine.Load(ctxWithTimeout, innerID, entitymanager.LockNone)
	assert.ErrorIs(t, innerErr, entitymanager.ErrEntityNotFound)

	require.NoError(t, engine.Commit(ctxWithTimeout))

	// assert after the outer commit
	assert.False(t, engine.IsTransactionActive())
	assertStoredFoo(t, ctxWithTimeout, engine, outerID, "outer")
}

func Test_NestedCommit_Should_BeDiscardedByTheOuterRollback(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	engine := GivenSQLiteEngine(t)
	id := givenIdentity(t)

	// act
	require.NoError(t, engine.BeginTransaction(ctxWithTimeout))
	require.NoError(t, engine.BeginTransaction(ctxWithTimeout))
	require.NoError(t, engine.Insert(ctxWithTimeout, id, givenRow("inner", 0)))
	require.NoError(t, engine.Commit(ctxWithTimeout))
	assertStoredFoo(t, ctxWithTimeout, engine, id, "inner")
	require.NoError(t, engine.Rollback(ctxWithTimeout))

	// assert
	assert.Equal(t, 0, engine.TransactionDepth())
	_, err := engine.Load(ctxWithTimeout, id, entitymanager.LockNone)
	assert.ErrorIs(t, err, entitymanager.ErrEntityNotFound)
}

func Test_CommitOrRollback_When_NoTransactionIsActive_Should_Fail(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	engine := GivenSQLiteEngine(t)

	// act
	commitErr := engine.Commit(ctxWithTimeout)
	rollbackErr := engine.Rollback(ctxWithTimeout)

	// assert
	assert.ErrorIs(t, commitErr, entitymanager.ErrNoActiveTransaction)
	assert.ErrorIs(t, rollbackErr, entitymanager.ErrNoActiveTransaction)
}

func Test_PessimisticLocking_When_NoTransactionIsActive_Should_Fail(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	engine := GivenSQLiteEngine(t)
	id := givenIdentity(t)

	// arrange
	require.NoError(t, engine.Insert(ctxWithTimeout, id, givenRow("first", 0)))

	// act
	_, loadErr := engine.Load(ctxWithTimeout, id, entitymanager.LockPessimisticWrite)
	lockErr := engine.Lock(ctxWithTimeout, id, entitymanager.LockPessimisticRead)

	// assert
	assert.ErrorIs(t, loadErr, entitymanager.ErrTransactionRequired)
	assert.ErrorIs(t, lockErr, entitymanager.ErrTransactionRequired)
}

func Test_Lock_Should_CheckThatTheRowExists(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	engine := GivenSQLiteEngine(t)
	id := givenIdentity(t)

	// arrange
	require.NoError(t, engine.Insert(ctxWithTimeout, id, givenRow("first", 0)))
	require.NoError(t, engine.BeginTransaction(ctxWithTimeout))

	// act
	existingErr := engine.Lock(ctxWithTimeout, id, entitymanager.LockPessimisticWrite)
	missingErr := engine.Lock(ctxWithTimeout, givenIdentity(t), entitymanager.LockPessimisticWrite)

	// assert
	assert.NoError(t, existingErr)
	assert.ErrorIs(t, missingErr, entitymanager.ErrEntityNotFound)
	require.NoError(t, engine.Rollback(ctxWithTimeout))
}

func Test_EngineFromSQLX_Should_StoreAndReadRows(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	engine, err := sqlengine.NewEngineFromSQLX(db, sqlengine.WithSQLiteDialect())
	require.NoError(t, err)
	require.NoError(t, engine.CreateSchema(ctxWithTimeout))

	id := givenIdentity(t)

	// act
	require.NoError(t, engine.BeginTransaction(ctxWithTimeout))
	require.NoError(t, engine.Insert(ctxWithTimeout, id, givenRow("via sqlx", 3)))
	require.NoError(t, engine.Commit(ctxWithTimeout))

	// assert
	var version int64
	require.NoError(t, db.GetContext(ctxWithTimeout, &version, "SELECT version FROM entities WHERE identity = ?", id.Key))
	assert.Equal(t, int64(3), version)
	assertStoredFoo(t, ctxWithTimeout, engine, id, "via sqlx")
}

func Test_Engine_WithLogger_Should_LogExecutedSQLAndTransactionLifecycle(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logHandler := NewLogHandlerSpy(false)
	engine := GivenSQLiteEngine(t, sqlengine.WithLogger(slog.New(logHandler)))
	id := givenIdentity(t)

	// act
	require.NoError(t, engine.BeginTransaction(ctxWithTimeout))
	require.NoError(t, engine.BeginTransaction(ctxWithTimeout))
	require.NoError(t, engine.Insert(ctxWithTimeout, id, givenRow("logged", 0)))
	require.NoError(t, engine.Rollback(ctxWithTimeout))
	staleErr := engine.Update(ctxWithTimeout, givenIdentity(t), givenRow("missing", 0), 0)
	require.NoError(t, engine.Commit(ctxWithTimeout))

	// assert
	assert.ErrorIs(t, staleErr, entitymanager.ErrEntityNotFound)
	assert.True(t, logHandler.HasDebugLogWithMessage("executed sql for: insert").WithDurationMS().WithAttr("query").Assert())
	assert.True(t, logHandler.HasDebugLogWithMessage("executed sql for: begin").WithStringAttr("query", "SAVEPOINT em_sp_2").Assert())
	assert.True(t, logHandler.HasDebugLogWithMessage("executed sql for: rollback").WithStringAttr("query", "RELEASE SAVEPOINT em_sp_2").Assert())
	assert.True(t, logHandler.HasInfoLogWithMessage("sqlengine operation: rollback").WithIntAttr("depth", 1).Assert())
	assert.True(t, logHandler.HasInfoLogWithMessage("sqlengine operation: commit").WithIntAttr("depth", 0).Assert())
}

func Test_Engine_When_DatabaseIsClosed_Should_LogAndJoinTheError(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logHandler := NewLogHandlerSpy(false)
	db := GivenSQLiteDB(t)
	engine, err := sqlengine.NewEngineFromSQLDB(db, sqlengine.WithSQLiteDialect(), sqlengine.WithLogger(slog.New(logHandler)))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// act
	_, loadErr := engine.Load(ctxWithTimeout, givenIdentity(t), entitymanager.LockNone)
	beginErr := engine.BeginTransaction(ctxWithTimeout)

	// assert
	assert.ErrorIs(t, loadErr, sqlengine.ErrQueryFailed)
	assert.ErrorIs(t, beginErr, sqlengine.ErrExecFailed)
	assert.False(t, engine.IsTransactionActive())
	assert.True(t, logHandler.HasErrorLogWithMessage("database query execution failed").WithAttr("error").Assert())
}
