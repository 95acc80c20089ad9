// Package config provides PostgreSQL connection configuration for the database tests of the SQL engine.
//
// The tests run against the database named by EM_TEST_POSTGRES_DSN and are skipped when it is not set.
package config
