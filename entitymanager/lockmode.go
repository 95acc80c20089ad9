package entitymanager

// LockMode selects how an entity is locked when it is loaded or locked explicitly.
type LockMode int

const (
	LockNone LockMode = iota
	LockOptimistic
	LockPessimisticRead
	LockPessimisticWrite
)

// IsPessimistic reports whether the mode needs a database lock and therefore an active transaction.
func (m LockMode) IsPessimistic() bool {
	return m == LockPessimisticRead || m == LockPessimisticWrite
}

func (m LockMode) String() string {
	switch m {
	case LockNone:
		return "none"
	case LockOptimistic:
		return "optimistic"
	case LockPessimisticRead:
		return "pessimistic_read"
	case LockPessimisticWrite:
		return "pessimistic_write"
	default:
		return "unknown"
	}
}
