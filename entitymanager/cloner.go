package entitymanager

import (
	"maps"
	"slices"
)

// SnapshotFactory creates the root level of a stack and the clones pushed by BeginTransaction.
type SnapshotFactory interface {
	CreateSnapshot(persister Persister, metadata MetadataProvider) *UnitOfWorkSnapshot
	CloneSnapshot(snapshot *UnitOfWorkSnapshot) *UnitOfWorkSnapshot
}

// DefaultSnapshotFactory clones the identity map shallowly, so every level sees the same entities, and
// all other bookkeeping deeply, so a level can be discarded without touching the level below.
type DefaultSnapshotFactory struct{}

// CreateSnapshot returns an empty snapshot.
func (DefaultSnapshotFactory) CreateSnapshot(persister Persister, metadata MetadataProvider) *UnitOfWorkSnapshot {
	return newUnitOfWorkSnapshot(persister, metadata)
}

// CloneSnapshot returns an independent copy of the snapshot. Cloning the clone again gives an equal
// snapshot.
func (DefaultSnapshotFactory) CloneSnapshot(snapshot *UnitOfWorkSnapshot) *UnitOfWorkSnapshot {
	clone := newUnitOfWorkSnapshot(snapshot.persister, snapshot.metadata)
	copySnapshotCollections(snapshot, clone)

	return clone
}

// copySnapshotCollections replaces the collections of to with copies of the collections of from.
func copySnapshotCollections(from, to *UnitOfWorkSnapshot) {
	to.identityMap = maps.Clone(from.identityMap)
	to.identities = maps.Clone(from.identities)
	to.readOnly = maps.Clone(from.readOnly)
	to.scheduledInsertions = slices.Clone(from.scheduledInsertions)
	to.scheduledDeletions = slices.Clone(from.scheduledDeletions)

	to.originalData = make(map[Identity]FieldValues, len(from.originalData))
	for id, values := range from.originalData {
		to.originalData[id] = deepCopyFieldValues(values)
	}
}
