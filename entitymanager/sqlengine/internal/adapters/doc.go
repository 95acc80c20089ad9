// Package adapters provide database adapter implementations for the SQL engine.
//
// This package implements the adapter pattern to support multiple database libraries:
// pgx.Pool, sql.DB, and sqlx.DB. All adapters provide equivalent functionality through
// a common DBAdapter interface, allowing the engine to work with any supported connection type.
//
// Besides plain query execution, an adapter opens a DBTx that pins one connection, which the
// engine needs for savepoint based nested transactions.
package adapters
