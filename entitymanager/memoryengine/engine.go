package memoryengine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/tidwall/btree"

	"github.com/AntonStoeckl/transactional-entitymanager-go/entitymanager"
)

const (
	logMsgOperation = "memoryengine operation: "
	logAttrIdentity = "identity"
	logAttrDepth    = "depth"
	logAttrMode     = "lock_mode"
	logAttrRows     = "rows"
)

// ErrDuplicateIdentity is returned by Insert when a row with the identity exists.
var ErrDuplicateIdentity = errors.New("a row with this identity already exists")

// Operation names an engine operation for failure injection.
type Operation string

const (
	OperationBegin    Operation = "begin"
	OperationCommit   Operation = "commit"
	OperationRollback Operation = "rollback"
	OperationLoad     Operation = "load"
	OperationInsert   Operation = "insert"
	OperationUpdate   Operation = "update"
	OperationDelete   Operation = "delete"
	OperationLock     Operation = "lock"
)

// Stats counts the calls per operation that reached the engine.
type Stats struct {
	Begins    int
	Commits   int
	Rollbacks int
	Loads     int
	Inserts   int
	Updates   int
	Deletes   int
	Locks     int
}

type record struct {
	id  entitymanager.Identity
	row entitymanager.StoredRow
}

// Engine is an in-memory entitymanager.Connection and entitymanager.Persister. It is safe for
// concurrent use, transactions are shared by all callers of one Engine.
type Engine struct {
	mu         sync.Mutex
	committed  *btree.Map[string, record]
	savepoints []*btree.Map[string, record]
	failures   map[Operation][]error
	stats      Stats
	logger     entitymanager.Logger
}

// Option defines a functional option for configuring Engine.
type Option func(*Engine) error

// WithLogger sets the logger, it receives every operation at debug level.
func WithLogger(logger entitymanager.Logger) Option {
	return func(e *Engine) error {
		e.logger = logger
		return nil
	}
}

// NewEngine creates an empty engine.
func NewEngine(options ...Option) (*Engine, error) {
	e := &Engine{
		committed: new(btree.Map[string, record]),
		failures:  make(map[Operation][]error),
	}

	for _, option := range options {
		if err := option(e); err != nil {
			return nil, err
		}
	}

	return e, nil
}

// FailNext makes the next call of the operation fail with err. Calls queue up.
func (e *Engine) FailNext(operation Operation, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.failures[operation] = append(e.failures[operation], err)
}

// Stats returns the operation counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.stats
}

// TransactionDepth returns the number of open (nested) transactions.
func (e *Engine) TransactionDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.savepoints)
}

// Stored returns the row as visible inside the current transaction.
func (e *Engine) Stored(id entitymanager.Identity) (entitymanager.StoredRow, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.active().Get(keyOf(id))
	if !ok {
		return entitymanager.StoredRow{}, false
	}

	return copyRow(rec.row), true
}

// CommittedLen returns the number of committed rows.
func (e *Engine) CommittedLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.committed.Len()
}

// Identities returns the identities visible inside the current transaction in key order.
func (e *Engine) Identities() []entitymanager.Identity {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]entitymanager.Identity, 0, e.active().Len())
	e.active().Scan(func(_ string, rec record) bool {
		ids = append(ids, rec.id)
		return true
	})

	return ids
}

// BeginTransaction opens a transaction, nested calls open savepoints.
func (e *Engine) BeginTransaction(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stats.Begins++
	if err := e.injectedFailure(OperationBegin); err != nil {
		return err
	}

	e.savepoints = append(e.savepoints, e.active().Copy())
	e.logOperation(string(OperationBegin), logAttrDepth, len(e.savepoints))

	return nil
}

// Commit commits the innermost transaction into its parent, or into the committed rows.
func (e *Engine) Commit(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stats.Commits++
	if len(e.savepoints) == 0 {
		return entitymanager.ErrNoActiveTransaction
	}

	if err := e.injectedFailure(OperationCommit); err != nil {
		return err
	}

	last := len(e.savepoints) - 1
	top := e.savepoints[last]
	e.savepoints = e.savepoints[:last]

	if last == 0 {
		e.committed = top
	} else {
		e.savepoints[last-1] = top
	}

	e.logOperation(string(OperationCommit), logAttrDepth, len(e.savepoints), logAttrRows, top.Len())

	return nil
}

// Rollback discards the innermost transaction.
func (e *Engine) Rollback(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stats.Rollbacks++
	if len(e.savepoints) == 0 {
		return entitymanager.ErrNoActiveTransaction
	}

	// the level is discarded even when a failure is injected, like a broken connection would
	failure := e.injectedFailure(OperationRollback)
	e.savepoints = e.savepoints[:len(e.savepoints)-1]
	e.logOperation(string(OperationRollback), logAttrDepth, len(e.savepoints))

	return failure
}

// IsTransactionActive reports whether a transaction is open.
func (e *Engine) IsTransactionActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.savepoints) > 0
}

// Load returns the row of the identity.
func (e *Engine) Load(_ context.Context, id entitymanager.Identity, mode entitymanager.LockMode) (entitymanager.StoredRow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stats.Loads++
	if err := e.injectedFailure(OperationLoad); err != nil {
		return entitymanager.StoredRow{}, err
	}

	rec, ok := e.active().Get(keyOf(id))
	if !ok {
		return entitymanager.StoredRow{}, errors.Join(entitymanager.ErrEntityNotFound, fmt.Errorf("identity %s", id))
	}

	e.logOperation(string(OperationLoad), logAttrIdentity, id.String(), logAttrMode, mode.String())

	return copyRow(rec.row), nil
}

// Insert stores a new row.
func (e *Engine) Insert(_ context.Context, id entitymanager.Identity, row entitymanager.StoredRow) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stats.Inserts++
	if err := e.injectedFailure(OperationInsert); err != nil {
		return err
	}

	key := keyOf(id)
	if _, exists := e.active().Get(key); exists {
		return errors.Join(ErrDuplicateIdentity, fmt.Errorf("identity %s", id))
	}

	e.active().Set(key, record{id: id, row: copyRow(row)})
	e.logOperation(string(OperationInsert), logAttrIdentity, id.String())

	return nil
}

// Update overwrites a row if its version equals expectedVersion.
func (e *Engine) Update(
	_ context.Context,
	id entitymanager.Identity,
	row entitymanager.StoredRow,
	expectedVersion int64,
) error {

	e.mu.Lock()
	defer e.mu.Unlock()

	e.stats.Updates++
	if err := e.injectedFailure(OperationUpdate); err != nil {
		return err
	}

	key := keyOf(id)

	current, ok := e.active().Get(key)
	if !ok {
		return errors.Join(entitymanager.ErrEntityNotFound, fmt.Errorf("identity %s", id))
	}

	if current.row.Version != expectedVersion {
		return errors.Join(
			entitymanager.ErrOptimisticLockFailed,
			fmt.Errorf("identity %s: stored version %d, expected %d", id, current.row.Version, expectedVersion),
		)
	}

	e.active().Set(key, record{id: id, row: copyRow(row)})
	e.logOperation(string(OperationUpdate), logAttrIdentity, id.String())

	return nil
}

// Delete removes a row, deleting a missing row is not an error.
func (e *Engine) Delete(_ context.Context, id entitymanager.Identity) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stats.Deletes++
	if err := e.injectedFailure(OperationDelete); err != nil {
		return err
	}

	e.active().Delete(keyOf(id))
	e.logOperation(string(OperationDelete), logAttrIdentity, id.String())

	return nil
}

// Lock checks that the row exists. Rows are not locked against other callers of the engine.
func (e *Engine) Lock(_ context.Context, id entitymanager.Identity, mode entitymanager.LockMode) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stats.Locks++
	if err := e.injectedFailure(OperationLock); err != nil {
		return err
	}

	if _, ok := e.active().Get(keyOf(id)); !ok {
		return errors.Join(entitymanager.ErrEntityNotFound, fmt.Errorf("identity %s", id))
	}

	e.logOperation(string(OperationLock), logAttrIdentity, id.String(), logAttrMode, mode.String())

	return nil
}

// active returns the tree of the innermost transaction, or the committed tree in autocommit mode.
func (e *Engine) active() *btree.Map[string, record] {
	if len(e.savepoints) == 0 {
		return e.committed
	}

	return e.savepoints[len(e.savepoints)-1]
}

func (e *Engine) injectedFailure(operation Operation) error {
	queued := e.failures[operation]
	if len(queued) == 0 {
		return nil
	}

	e.failures[operation] = queued[1:]

	return queued[0]
}

func (e *Engine) logOperation(action string, args ...any) {
	if e.logger != nil {
		e.logger.Debug(logMsgOperation+action, args...)
	}
}

func keyOf(id entitymanager.Identity) string {
	return string(id.Type) + "\x00" + id.Key
}

func copyRow(row entitymanager.StoredRow) entitymanager.StoredRow {
	fields := maps.Clone(row.Fields)
	for name, raw := range fields {
		fields[name] = slices.Clone(raw)
	}

	return entitymanager.StoredRow{Fields: fields, Version: row.Version}
}
