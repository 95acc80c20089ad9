// Package config loads the configuration of the example applications and opens the database and
// observability backends it names.
//
// Configuration is read from config.yaml in the given directory, every key can be overridden by an
// environment variable with the EM_ prefix, e.g. EM_DATABASE_DRIVER or EM_IMPORT_BATCH_SIZE.
package config
