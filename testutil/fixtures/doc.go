// Package fixtures provides sample entity types with their descriptor tables for tests.
package fixtures
