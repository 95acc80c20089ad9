// Package helper provides test helpers and test doubles for the observability interfaces of the
// entitymanager package.
package helper
