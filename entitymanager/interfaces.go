package entitymanager

import "context"

// Connection is the database connection the manager drives. BeginTransaction may be called while a
// transaction is already active, implementations nest (typically with savepoints).
type Connection interface {
	BeginTransaction(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	IsTransactionActive() bool
}

// Persister reads and writes the stored rows of entities.
//
// Load returns ErrEntityNotFound when no row exists for the identity.
// Update writes only if the stored version equals expectedVersion and returns ErrOptimisticLockFailed otherwise.
type Persister interface {
	Load(ctx context.Context, id Identity, mode LockMode) (StoredRow, error)
	Insert(ctx context.Context, id Identity, row StoredRow) error
	Update(ctx context.Context, id Identity, row StoredRow, expectedVersion int64) error
	Delete(ctx context.Context, id Identity) error
	Lock(ctx context.Context, id Identity, mode LockMode) error
}

// MetadataProvider resolves the descriptor table of an entity type.
type MetadataProvider interface {
	MetadataFor(entityType EntityType) (*ClassMetadata, error)
}
