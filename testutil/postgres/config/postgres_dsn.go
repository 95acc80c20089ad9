package config

import "os"

const postgresDSNEnv = "EM_TEST_POSTGRES_DSN"

// PostgresTestDSN returns the DSN of the test database and whether it is configured.
func PostgresTestDSN() (string, bool) {
	dsn := os.Getenv(postgresDSNEnv)

	return dsn, dsn != ""
}
