package sqlengine

import "errors"

// Construction errors.
var (
	ErrNilDatabaseConnection = errors.New("database connection must not be nil")
	ErrInvalidTableName      = errors.New("table name must be a plain SQL identifier")
)

// Execution errors.
var (
	ErrBuildingQueryFailed  = errors.New("building the SQL query failed")
	ErrQueryFailed          = errors.New("SQL query failed")
	ErrExecFailed           = errors.New("SQL statement failed")
	ErrScanningRowFailed    = errors.New("scanning the database row failed")
	ErrRowsAffectedFailed   = errors.New("reading the rows affected count failed")
	ErrCreatingSchemaFailed = errors.New("creating the entity table failed")
)
