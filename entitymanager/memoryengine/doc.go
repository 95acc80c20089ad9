// Package memoryengine provides an in-memory Connection and Persister for the entitymanager package.
//
// Rows are kept in an ordered B-tree. Every BeginTransaction pushes a copy-on-write copy of the current
// tree as a savepoint, so nested transactions commit and roll back the same way a database with
// savepoints does. The engine counts its operations and can inject failures, which makes it the engine
// of choice for tests of code built on TransactionalManager.
package memoryengine
