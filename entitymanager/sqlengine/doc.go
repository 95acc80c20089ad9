// Package sqlengine provides a SQL implementation of entitymanager.Connection and entitymanager.Persister.
//
// Rows of all entity types live in one table keyed by (entity_type, identity). The identity column
// holds the identity key, the fields column holds the JSON encoded field values. Nested transactions
// map to savepoints on the single connection pinned by the outermost transaction.
//
// The engine works with pgx.Pool, sql.DB and sqlx.DB. PostgreSQL is the primary dialect, SQLite is
// supported for local tooling and tests.
package sqlengine
