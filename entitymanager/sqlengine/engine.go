package sqlengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // driver import
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"  // driver import
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"

	"github.com/AntonStoeckl/transactional-entitymanager-go/entitymanager"
	"github.com/AntonStoeckl/transactional-entitymanager-go/entitymanager/sqlengine/internal/adapters"
)

const (
	defaultTableName          = "entities"
	savepointPrefix           = "em_sp_"
	logMsgSQLExecuted         = "executed sql for: "
	logMsgOperation           = "sqlengine operation: "
	logMsgBuildQueryFailed    = "failed to build sql query"
	logMsgDBQueryFailed       = "database query execution failed"
	logMsgDBExecFailed        = "database statement execution failed"
	logMsgCloseRowsFailed     = "failed to close database rows"
	logMsgScanRowFailed       = "failed to scan database row"
	logMsgRowsAffectedFailed  = "failed to get rows affected count"
	logMsgConcurrencyConflict = "optimistic lock conflict detected"
	logMsgTransactionFailed   = "database transaction statement failed"
	logAttrError              = "error"
	logAttrQuery              = "query"
	logAttrDurationMS         = "duration_ms"
	logAttrDepth              = "depth"
	logAttrIdentity           = "identity"
	logAttrLockMode           = "lock_mode"
	logAttrExpectedVersion    = "expected_version"
	logAttrRowsAffected       = "rows_affected"
	logAttrTable              = "table"
	logActionBegin            = "begin"
	logActionCommit           = "commit"
	logActionRollback         = "rollback"
	logActionLoad             = "load"
	logActionInsert           = "insert"
	logActionUpdate           = "update"
	logActionDelete           = "delete"
	logActionLock             = "lock"
	logActionSchema           = "create_schema"
	colEntityType             = "entity_type"
	colIdentity               = "identity"
	colVersion                = "version"
	colFields                 = "fields"
	dialectPostgres           = "postgres"
	dialectSQLite             = "sqlite3"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Engine is a SQL backed entitymanager.Connection and entitymanager.Persister.
//
// Statements run on the pool while no transaction is open. BeginTransaction pins one connection, nested
// calls open savepoints on it. An Engine serves one entity manager, it is safe for concurrent use but
// all callers share its transaction.
type Engine struct {
	db        adapters.DBAdapter
	dialect   string
	tableName string
	logger    entitymanager.Logger

	mu    sync.Mutex
	tx    adapters.DBTx
	depth int
}

// Option defines a functional option for configuring Engine.
type Option func(*Engine) error

// WithTableName sets the table name, it must be a plain SQL identifier.
func WithTableName(tableName string) Option {
	return func(e *Engine) error {
		if !tableNamePattern.MatchString(tableName) {
			return errors.Join(ErrInvalidTableName, fmt.Errorf("table name %q", tableName))
		}

		e.tableName = tableName

		return nil
	}
}

// WithSQLiteDialect makes the engine generate SQLite SQL instead of PostgreSQL SQL.
func WithSQLiteDialect() Option {
	return func(e *Engine) error {
		e.dialect = dialectSQLite
		return nil
	}
}

// WithLogger sets the logger. Executed SQL is logged at debug level, transaction lifecycle at info level.
func WithLogger(logger entitymanager.Logger) Option {
	return func(e *Engine) error {
		e.logger = logger
		return nil
	}
}

// NewEngineFromPGXPool creates a new Engine using a pgx Pool.
func NewEngineFromPGXPool(db *pgxpool.Pool, options ...Option) (*Engine, error) {
	if db == nil {
		return nil, ErrNilDatabaseConnection
	}

	return newEngine(adapters.NewPGXAdapter(db), options...)
}

// NewEngineFromSQLDB creates a new Engine using a sql.DB.
func NewEngineFromSQLDB(db *sql.DB, options ...Option) (*Engine, error) {
	if db == nil {
		return nil, ErrNilDatabaseConnection
	}

	return newEngine(adapters.NewSQLAdapter(db), options...)
}

// NewEngineFromSQLX creates a new Engine using a sqlx.DB.
func NewEngineFromSQLX(db *sqlx.DB, options ...Option) (*Engine, error) {
	if db == nil {
		return nil, ErrNilDatabaseConnection
	}

	return newEngine(adapters.NewSQLXAdapter(db), options...)
}

func newEngine(db adapters.DBAdapter, options ...Option) (*Engine, error) {
	e := &Engine{
		db:        db,
		dialect:   dialectPostgres,
		tableName: defaultTableName,
	}

	for _, option := range options {
		if err := option(e); err != nil {
			return nil, err
		}
	}

	return e, nil
}

// TransactionDepth returns the number of open (nested) transactions.
func (e *Engine) TransactionDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.depth
}

// IsTransactionActive reports whether a transaction is open.
func (e *Engine) IsTransactionActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.depth > 0
}

// BeginTransaction opens a database transaction, nested calls open a savepoint.
func (e *Engine) BeginTransaction(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.depth == 0 {
		start := time.Now()
		tx, err := e.db.BeginTx(ctx)
		e.logQueryWithDuration("BEGIN", logActionBegin, time.Since(start))

		if err != nil {
			e.logError(logMsgTransactionFailed, err, logAttrQuery, "BEGIN")
			return errors.Join(ErrExecFailed, err)
		}

		e.tx = tx
	} else {
		if err := e.execTransactionStatement(ctx, "SAVEPOINT "+savepointName(e.depth+1), logActionBegin); err != nil {
			return err
		}
	}

	e.depth++
	e.logOperation(logActionBegin, logAttrDepth, e.depth)

	return nil
}

// Commit commits the innermost transaction. A failed COMMIT of the outermost transaction still
// releases its connection, a failed RELEASE SAVEPOINT keeps the level open.
func (e *Engine) Commit(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.depth == 0 {
		return entitymanager.ErrNoActiveTransaction
	}

	if e.depth == 1 {
		start := time.Now()
		err := e.tx.Commit(ctx)
		e.logQueryWithDuration("COMMIT", logActionCommit, time.Since(start))

		e.tx = nil
		e.depth = 0

		if err != nil {
			e.logError(logMsgTransactionFailed, err, logAttrQuery, "COMMIT")
			return errors.Join(ErrExecFailed, err)
		}
	} else {
		if err := e.execTransactionStatement(ctx, "RELEASE SAVEPOINT "+savepointName(e.depth), logActionCommit); err != nil {
			return err
		}

		e.depth--
	}

	e.logOperation(logActionCommit, logAttrDepth, e.depth)

	return nil
}

// Rollback rolls back the innermost transaction. The level is discarded even when the statement fails.
func (e *Engine) Rollback(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.depth == 0 {
		return entitymanager.ErrNoActiveTransaction
	}

	var rollbackErr error

	if e.depth == 1 {
		start := time.Now()
		err := e.tx.Rollback(ctx)
		e.logQueryWithDuration("ROLLBACK", logActionRollback, time.Since(start))

		e.tx = nil

		if err != nil {
			e.logError(logMsgTransactionFailed, err, logAttrQuery, "ROLLBACK")
			rollbackErr = errors.Join(ErrExecFailed, err)
		}
	} else {
		name := savepointName(e.depth)
		rollbackErr = e.execTransactionStatement(ctx, "ROLLBACK TO SAVEPOINT "+name, logActionRollback)

		if rollbackErr == nil {
			rollbackErr = e.execTransactionStatement(ctx, "RELEASE SAVEPOINT "+name, logActionRollback)
		}
	}

	e.depth--
	e.logOperation(logActionRollback, logAttrDepth, e.depth)

	return rollbackErr
}

func (e *Engine) execTransactionStatement(ctx context.Context, statement, action string) error {
	start := time.Now()
	_, err := e.tx.Exec(ctx, statement)
	e.logQueryWithDuration(statement, action, time.Since(start))

	if err != nil {
		e.logError(logMsgTransactionFailed, err, logAttrQuery, statement)
		return errors.Join(ErrExecFailed, err)
	}

	return nil
}

// executor returns the open transaction, or the pool in autocommit mode. Callers hold mu.
func (e *Engine) executor() adapters.Executor {
	if e.tx != nil {
		return e.tx
	}

	return e.db
}

func (e *Engine) builder() goqu.DialectWrapper {
	return goqu.Dialect(e.dialect)
}

// executeQuery runs a query on the current executor and logs it with its duration.
func (e *Engine) executeQuery(ctx context.Context, sqlQuery, action string) (adapters.DBRows, error) {
	start := time.Now()
	rows, queryErr := e.executor().Query(ctx, sqlQuery)
	e.logQueryWithDuration(sqlQuery, action, time.Since(start))

	if queryErr != nil {
		e.logError(logMsgDBQueryFailed, queryErr, logAttrQuery, sqlQuery)
		return nil, errors.Join(ErrQueryFailed, queryErr)
	}

	return rows, nil
}

// executeStatement runs a statement on the current executor and returns the rows affected count.
func (e *Engine) executeStatement(ctx context.Context, sqlQuery, action string) (int64, error) {
	start := time.Now()
	result, execErr := e.executor().Exec(ctx, sqlQuery)
	e.logQueryWithDuration(sqlQuery, action, time.Since(start))

	if execErr != nil {
		e.logError(logMsgDBExecFailed, execErr, logAttrQuery, sqlQuery)
		return 0, errors.Join(ErrExecFailed, execErr)
	}

	rowsAffected, rowsAffectedErr := result.RowsAffected()
	if rowsAffectedErr != nil {
		e.logError(logMsgRowsAffectedFailed, rowsAffectedErr)
		return 0, errors.Join(ErrRowsAffectedFailed, rowsAffectedErr)
	}

	return rowsAffected, nil
}

// closeRows safely closes database rows and logs any errors.
func (e *Engine) closeRows(rows adapters.DBRows) {
	if closeErr := rows.Close(); closeErr != nil {
		if e.logger != nil {
			e.logger.Warn(logMsgCloseRowsFailed, logAttrError, closeErr.Error())
		}
	}
}

func (e *Engine) logQueryWithDuration(sqlQuery, action string, duration time.Duration) {
	if e.logger != nil {
		e.logger.Debug(logMsgSQLExecuted+action, logAttrDurationMS, e.durationToMilliseconds(duration), logAttrQuery, sqlQuery)
	}
}

// logOperation logs operational information at info level if the logger is configured.
func (e *Engine) logOperation(action string, args ...any) {
	if e.logger != nil {
		e.logger.Info(logMsgOperation+action, args...)
	}
}

func (e *Engine) logError(msg string, err error, args ...any) {
	if e.logger != nil {
		e.logger.Error(msg, append([]any{logAttrError, err.Error()}, args...)...)
	}
}

// durationToMilliseconds converts a time.Duration to float64 milliseconds with 3 decimal places.
func (e *Engine) durationToMilliseconds(d time.Duration) float64 {
	return math.Round(float64(d.Nanoseconds())/1e6*1000) / 1000
}

func savepointName(depth int) string {
	return fmt.Sprintf("%s%d", savepointPrefix, depth)
}
