package entitymanager

// SaveState captures the collections of a unit of work so that a bulk loop can return to them after
// every batch, dropping everything the batch loaded or created.
//
// Only one SaveState at a time can be taken from a unit of work, a second one fails with
// ErrSaveStateTaken until the first is restored. Non-collection members like the persister stay
// untouched by Restore. A save state must not span a Commit or rollback that removes its unit of work
// from the stack, Restore then fails with ErrSaveStateDiscarded.
type SaveState struct {
	target *UnitOfWorkSnapshot
	saved  *UnitOfWorkSnapshot
}

// NewSaveState captures deep copies of the collections of snapshot.
func NewSaveState(snapshot *UnitOfWorkSnapshot) (*SaveState, error) {
	if snapshot == nil {
		return nil, ErrNilSnapshot
	}

	if snapshot.saveStateTaken {
		return nil, ErrSaveStateTaken
	}

	saved := newUnitOfWorkSnapshot(snapshot.persister, snapshot.metadata)
	copySnapshotCollections(snapshot, saved)
	snapshot.saveStateTaken = true

	return &SaveState{target: snapshot, saved: saved}, nil
}

// Restore replaces the collections of the captured unit of work with fresh copies of the saved ones and
// releases it for the next SaveState. Entities are not touched, identities unknown to the saved state
// are simply forgotten.
func (ss *SaveState) Restore() error {
	if ss.target == nil {
		return ErrSaveStateNotActive
	}

	if ss.target.discarded {
		ss.target.saveStateTaken = false
		ss.target = nil

		return ErrSaveStateDiscarded
	}

	copySnapshotCollections(ss.saved, ss.target)
	ss.target.saveStateTaken = false
	ss.target = nil

	return nil
}

// RestoreAndRetake restores and immediately takes the same state again, the usual step of a bulk loop.
func (ss *SaveState) RestoreAndRetake() error {
	target := ss.target
	if err := ss.Restore(); err != nil {
		return err
	}

	target.saveStateTaken = true
	ss.target = target

	return nil
}
