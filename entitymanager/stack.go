package entitymanager

// TransactionStack holds the levels of nested transactions. It is never empty: index 0 is the root
// level, the last index is the current level. Failing operations leave the stack unchanged.
type TransactionStack struct {
	levels []*UnitOfWorkSnapshot
}

// NewTransactionStack returns a stack holding only the root level.
func NewTransactionStack(root *UnitOfWorkSnapshot) (*TransactionStack, error) {
	if root == nil {
		return nil, ErrNilSnapshot
	}

	return &TransactionStack{levels: []*UnitOfWorkSnapshot{root}}, nil
}

// Push appends a new current level.
func (ts *TransactionStack) Push(snapshot *UnitOfWorkSnapshot) error {
	if snapshot == nil {
		return ErrNilSnapshot
	}

	ts.levels = append(ts.levels, snapshot)

	return nil
}

// Current returns the top level.
func (ts *TransactionStack) Current() *UnitOfWorkSnapshot {
	return ts.levels[len(ts.levels)-1]
}

// Len returns the number of levels, always at least 1.
func (ts *TransactionStack) Len() int {
	return len(ts.levels)
}

// Depth returns the number of open transactions.
func (ts *TransactionStack) Depth() int {
	return len(ts.levels) - 1
}

// Levels returns the levels from root to top.
func (ts *TransactionStack) Levels() []*UnitOfWorkSnapshot {
	levels := make([]*UnitOfWorkSnapshot, len(ts.levels))
	copy(levels, ts.levels)

	return levels
}

// PopTopTwoCollapsedToOne removes the level below the top, the top takes its place. It returns the
// removed level.
func (ts *TransactionStack) PopTopTwoCollapsedToOne() (*UnitOfWorkSnapshot, error) {
	if len(ts.levels) < 2 {
		return nil, ErrStackUnderflow
	}

	last := len(ts.levels) - 1
	removed := ts.levels[last-1]
	removed.discarded = true

	ts.levels[last-1] = ts.levels[last]
	ts.levels[last] = nil
	ts.levels = ts.levels[:last]

	return removed, nil
}

// PopTop removes the top level and returns it.
func (ts *TransactionStack) PopTop() (*UnitOfWorkSnapshot, error) {
	if len(ts.levels) < 2 {
		return nil, ErrCannotRollbackRoot
	}

	last := len(ts.levels) - 1
	removed := ts.levels[last]
	removed.discarded = true

	ts.levels[last] = nil
	ts.levels = ts.levels[:last]

	return removed, nil
}
