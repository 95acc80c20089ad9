package entitymanager

import "errors"

// Stack and transaction errors.
var (
	ErrStackUnderflow         = errors.New("transaction stack holds fewer than two levels")
	ErrCannotRollbackRoot     = errors.New("the root level of the transaction stack cannot be popped")
	ErrNoActiveTransaction    = errors.New("no active transaction")
	ErrBeginTransactionFailed = errors.New("beginning the database transaction failed")
	ErrCommitFailed           = errors.New("committing the database transaction failed")
	ErrRollbackFailed         = errors.New("rolling back the database transaction failed")
)

// Identity and metadata errors.
var (
	ErrInvalidIdentifier  = errors.New("invalid identifier")
	ErrIdentityConflict   = errors.New("another entity with the same identity is already managed")
	ErrUnknownEntityType  = errors.New("unknown entity type")
	ErrInvalidMetadata    = errors.New("invalid class metadata")
	ErrEntityNotFound     = errors.New("entity not found")
	ErrEntityNotManaged   = errors.New("entity is not managed by the current unit of work")
	ErrNotVersioned       = errors.New("entity type is not versioned")
	ErrNotImplemented     = errors.New("not implemented")
	ErrNilSnapshot        = errors.New("nil unit of work snapshot")
	ErrSaveStateTaken     = errors.New("a save state was already taken from this unit of work and not restored yet")
	ErrSaveStateNotActive = errors.New("the save state was already restored")
	ErrSaveStateDiscarded = errors.New("the unit of work of the save state was removed from the transaction stack")
)

// Locking and persistence errors.
var (
	ErrTransactionRequired  = errors.New("an active transaction is required for pessimistic locking")
	ErrOptimisticLockFailed = errors.New("optimistic lock failed, the stored version does not match")
	ErrFlushFailed          = errors.New("flushing the unit of work failed")
	ErrEncodingRowFailed    = errors.New("encoding entity fields into a row failed")
	ErrDecodingRowFailed    = errors.New("decoding a row into entity fields failed")
)

// Construction errors.
var (
	ErrNilConnection       = errors.New("nil connection supplied")
	ErrNilPersister        = errors.New("nil persister supplied")
	ErrNilMetadataProvider = errors.New("nil metadata provider supplied")
	ErrNilSnapshotFactory  = errors.New("nil snapshot factory supplied")
)
