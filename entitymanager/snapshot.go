package entitymanager

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
)

// UnitOfWorkSnapshot is one level of the transaction stack: which entities are managed, what their
// field values were at the last load or flush, and which writes are pending.
//
// Entities are shared between the levels of a stack, all bookkeeping is owned by the level.
type UnitOfWorkSnapshot struct {
	persister Persister
	metadata  MetadataProvider

	identityMap         map[Identity]Entity
	identities          map[Entity]Identity
	originalData        map[Identity]FieldValues
	scheduledInsertions []Identity
	scheduledDeletions  []Identity
	readOnly            map[Identity]struct{}

	saveStateTaken bool
	discarded      bool
}

// FlushStats counts the writes of one flush.
type FlushStats struct {
	Inserted int
	Updated  int
	Deleted  int
}

// Total returns the number of writes.
func (fs FlushStats) Total() int {
	return fs.Inserted + fs.Updated + fs.Deleted
}

func newUnitOfWorkSnapshot(persister Persister, metadata MetadataProvider) *UnitOfWorkSnapshot {
	return &UnitOfWorkSnapshot{
		persister:    persister,
		metadata:     metadata,
		identityMap:  make(map[Identity]Entity),
		identities:   make(map[Entity]Identity),
		originalData: make(map[Identity]FieldValues),
		readOnly:     make(map[Identity]struct{}),
	}
}

// IdentityOf computes the identity of an entity from its identifier fields.
func (s *UnitOfWorkSnapshot) IdentityOf(entity Entity) (Identity, error) {
	if id, ok := s.identities[entity]; ok {
		return id, nil
	}

	meta, err := s.metadata.MetadataFor(entity.EntityType())
	if err != nil {
		return Identity{}, err
	}

	values := make([]any, 0, len(meta.IdentifierFields))
	for _, name := range meta.IdentifierFields {
		field, _ := meta.Field(name)

		value := field.Get(entity)
		if field.Kind == FieldAssociation {
			if value == nil {
				return Identity{}, errors.Join(ErrInvalidIdentifier, fmt.Errorf("%s: identifier association %q is nil", meta.Type, name))
			}

			if value, err = s.singleIdentifierValue(value.(Entity)); err != nil {
				return Identity{}, err
			}
		}

		values = append(values, value)
	}

	return NewIdentity(meta.Type, values...)
}

// singleIdentifierValue returns the only identifier value of an entity, used where an entity stands in
// for an identifier.
func (s *UnitOfWorkSnapshot) singleIdentifierValue(entity Entity) (any, error) {
	meta, err := s.metadata.MetadataFor(entity.EntityType())
	if err != nil {
		return nil, err
	}

	if meta.IsIdentifierComposite() {
		return nil, errors.Join(ErrInvalidIdentifier, fmt.Errorf("%s has a composite identifier and cannot be bound as an identifier value", meta.Type))
	}

	field, _ := meta.Field(meta.IdentifierFields[0])

	value := field.Get(entity)
	if field.Kind == FieldAssociation && value != nil {
		return s.singleIdentifierValue(value.(Entity))
	}

	if isZeroValue(value) {
		return nil, errors.Join(ErrInvalidIdentifier, fmt.Errorf("%s has no identifier value", meta.Type))
	}

	return value, nil
}

// Contains reports whether the entity is managed by this level.
func (s *UnitOfWorkSnapshot) Contains(entity Entity) bool {
	_, ok := s.identities[entity]
	return ok
}

// TryGetByID returns the managed entity with the identity.
func (s *UnitOfWorkSnapshot) TryGetByID(id Identity) (Entity, bool) {
	entity, ok := s.identityMap[id]
	return entity, ok
}

// Size returns the number of managed entities.
func (s *UnitOfWorkSnapshot) Size() int {
	return len(s.identityMap)
}

// IdentityMap returns a copy of the identity map.
func (s *UnitOfWorkSnapshot) IdentityMap() map[Identity]Entity {
	copied := make(map[Identity]Entity, len(s.identityMap))
	for id, entity := range s.identityMap {
		copied[id] = entity
	}

	return copied
}

// OriginalData returns a copy of the recorded field values of the identity.
func (s *UnitOfWorkSnapshot) OriginalData(id Identity) (FieldValues, bool) {
	values, ok := s.originalData[id]
	if !ok {
		return nil, false
	}

	return deepCopyFieldValues(values), true
}

// ScheduledInsertions returns the identities waiting to be inserted, in persist order.
func (s *UnitOfWorkSnapshot) ScheduledInsertions() []Identity {
	return slices.Clone(s.scheduledInsertions)
}

// ScheduledDeletions returns the identities waiting to be deleted, in remove order.
func (s *UnitOfWorkSnapshot) ScheduledDeletions() []Identity {
	return slices.Clone(s.scheduledDeletions)
}

// IsReadOnly reports whether the entity is excluded from change detection.
func (s *UnitOfWorkSnapshot) IsReadOnly(entity Entity) bool {
	id, ok := s.identities[entity]
	if !ok {
		return false
	}

	_, readOnly := s.readOnly[id]

	return readOnly
}

// RegisterManaged adds the entity to the identity map of this level only and records data as its
// original field values.
func (s *UnitOfWorkSnapshot) RegisterManaged(id Identity, entity Entity, data FieldValues) error {
	if existing, ok := s.identityMap[id]; ok && existing != entity {
		return errors.Join(ErrIdentityConflict, fmt.Errorf("identity %s", id))
	}

	s.identityMap[id] = entity
	s.identities[entity] = id
	s.originalData[id] = deepCopyFieldValues(data)

	return nil
}

// MarkReadOnly excludes a managed entity from change detection.
func (s *UnitOfWorkSnapshot) MarkReadOnly(entity Entity) error {
	id, ok := s.identities[entity]
	if !ok {
		return ErrEntityNotManaged
	}

	s.readOnly[id] = struct{}{}

	return nil
}

// Persist makes a new entity managed and schedules its insertion. Persisting an entity scheduled for
// deletion cancels the deletion.
func (s *UnitOfWorkSnapshot) Persist(entity Entity) error {
	if id, ok := s.identities[entity]; ok {
		s.scheduledDeletions = withoutIdentity(s.scheduledDeletions, id)
		return nil
	}

	id, err := s.IdentityOf(entity)
	if err != nil {
		return err
	}

	if err = s.RegisterManaged(id, entity, nil); err != nil {
		return err
	}

	s.scheduledInsertions = append(s.scheduledInsertions, id)

	return nil
}

// Remove schedules the deletion of a managed entity. An entity that was never inserted is only detached.
func (s *UnitOfWorkSnapshot) Remove(entity Entity) error {
	id, ok := s.identities[entity]
	if !ok {
		return ErrEntityNotManaged
	}

	if slices.Contains(s.scheduledInsertions, id) {
		s.detachIdentity(id)
		return nil
	}

	if !slices.Contains(s.scheduledDeletions, id) {
		s.scheduledDeletions = append(s.scheduledDeletions, id)
	}

	return nil
}

// Merge copies the state of a detached entity onto the managed entity with the same identity, loading
// it first if needed, and returns the managed entity. Unknown identities become new managed entities.
func (s *UnitOfWorkSnapshot) Merge(ctx context.Context, entity Entity) (Entity, error) {
	if s.Contains(entity) {
		return entity, nil
	}

	meta, err := s.metadata.MetadataFor(entity.EntityType())
	if err != nil {
		return nil, err
	}

	id, err := s.IdentityOf(entity)
	if err != nil {
		return nil, err
	}

	managed, err := s.Load(ctx, id, LockNone)
	switch {
	case errors.Is(err, ErrEntityNotFound):
		managed = meta.New()
		copyFields(meta, entity, managed, "")

		if err = s.Persist(managed); err != nil {
			return nil, err
		}

		return managed, nil

	case err != nil:
		return nil, err
	}

	if meta.IsVersioned() && meta.versionOf(entity) != meta.versionOf(managed) {
		return nil, errors.Join(
			ErrOptimisticLockFailed,
			fmt.Errorf("merging %s: version %d, managed version %d", id, meta.versionOf(entity), meta.versionOf(managed)),
		)
	}

	copyFields(meta, entity, managed, meta.VersionField)

	return managed, nil
}

// Detach removes the entity from this level. Detaching an unmanaged entity does nothing.
func (s *UnitOfWorkSnapshot) Detach(entity Entity) {
	if id, ok := s.identities[entity]; ok {
		s.detachIdentity(id)
	}
}

// Clear detaches all entities, or only those of the given types.
func (s *UnitOfWorkSnapshot) Clear(entityTypes ...EntityType) {
	if len(entityTypes) == 0 {
		s.identityMap = make(map[Identity]Entity)
		s.identities = make(map[Entity]Identity)
		s.originalData = make(map[Identity]FieldValues)
		s.scheduledInsertions = nil
		s.scheduledDeletions = nil
		s.readOnly = make(map[Identity]struct{})

		return
	}

	for id := range s.identityMap {
		if slices.Contains(entityTypes, id.Type) {
			s.detachIdentity(id)
		}
	}
}

// Refresh overwrites the fields of a managed entity with its stored row.
func (s *UnitOfWorkSnapshot) Refresh(ctx context.Context, entity Entity) error {
	return s.refresh(ctx, entity, LockNone)
}

func (s *UnitOfWorkSnapshot) refresh(ctx context.Context, entity Entity, mode LockMode) error {
	id, ok := s.identities[entity]
	if !ok {
		return ErrEntityNotManaged
	}

	meta, err := s.metadata.MetadataFor(id.Type)
	if err != nil {
		return err
	}

	row, err := s.persister.Load(ctx, id, mode)
	if err != nil {
		return err
	}

	values, err := s.decodeRow(ctx, meta, row)
	if err != nil {
		return err
	}

	applyValues(meta, entity, values)
	s.originalData[id] = deepCopyFieldValues(values)

	return nil
}

// Load returns the managed entity with the identity or loads and registers it. Pessimistic modes
// refresh an already managed entity under the lock.
func (s *UnitOfWorkSnapshot) Load(ctx context.Context, id Identity, mode LockMode) (Entity, error) {
	if entity, ok := s.identityMap[id]; ok {
		if mode.IsPessimistic() {
			if err := s.refresh(ctx, entity, mode); err != nil {
				return nil, err
			}
		}

		return entity, nil
	}

	row, err := s.persister.Load(ctx, id, mode)
	if err != nil {
		return nil, err
	}

	return s.hydrate(ctx, id, row)
}

// hydrate registers a blank instance before decoding the row so that cyclic associations resolve to it.
func (s *UnitOfWorkSnapshot) hydrate(ctx context.Context, id Identity, row StoredRow) (Entity, error) {
	meta, err := s.metadata.MetadataFor(id.Type)
	if err != nil {
		return nil, err
	}

	entity := meta.New()
	if err = s.RegisterManaged(id, entity, nil); err != nil {
		return nil, err
	}

	values, err := s.decodeRow(ctx, meta, row)
	if err != nil {
		s.detachIdentity(id)
		return nil, err
	}

	applyValues(meta, entity, values)
	s.originalData[id] = deepCopyFieldValues(values)

	return entity, nil
}

// Lock applies a lock to a managed entity. Optimistic locks compare the version, pessimistic locks are
// delegated to the persister.
func (s *UnitOfWorkSnapshot) Lock(ctx context.Context, entity Entity, mode LockMode, version *int64) error {
	id, ok := s.identities[entity]
	if !ok {
		return ErrEntityNotManaged
	}

	meta, err := s.metadata.MetadataFor(id.Type)
	if err != nil {
		return err
	}

	switch {
	case mode == LockNone:
		return nil

	case mode == LockOptimistic:
		if !meta.IsVersioned() {
			return errors.Join(ErrNotVersioned, fmt.Errorf("entity type %q", meta.Type))
		}

		if version != nil && meta.versionOf(entity) != *version {
			return errors.Join(
				ErrOptimisticLockFailed,
				fmt.Errorf("%s: expected version %d, got %d", id, *version, meta.versionOf(entity)),
			)
		}

		return nil

	default:
		return s.persister.Lock(ctx, id, mode)
	}
}

// Flush writes the pending changes of this level: insertions, then updates of changed entities, then
// deletions. With entities given, only those are written. A failed write is returned right away, the
// writes before it stay applied and the failing entity keeps its bookkeeping.
func (s *UnitOfWorkSnapshot) Flush(ctx context.Context, entities ...Entity) (FlushStats, error) {
	stats := FlushStats{}

	var only map[Identity]struct{}
	if len(entities) > 0 {
		only = make(map[Identity]struct{}, len(entities))
		for _, entity := range entities {
			id, ok := s.identities[entity]
			if !ok {
				return stats, errors.Join(ErrFlushFailed, ErrEntityNotManaged)
			}

			only[id] = struct{}{}
		}
	}

	included := func(id Identity) bool {
		if only == nil {
			return true
		}

		_, ok := only[id]

		return ok
	}

	for _, id := range slices.Clone(s.scheduledInsertions) {
		if !included(id) {
			continue
		}

		if err := s.executeInsert(ctx, id); err != nil {
			return stats, errors.Join(ErrFlushFailed, err)
		}
		stats.Inserted++
	}

	for _, id := range s.sortedIdentities() {
		if !included(id) || s.isScheduled(id) {
			continue
		}

		if _, readOnly := s.readOnly[id]; readOnly {
			continue
		}

		updated, err := s.executeUpdate(ctx, id)
		if err != nil {
			return stats, errors.Join(ErrFlushFailed, err)
		}

		if updated {
			stats.Updated++
		}
	}

	for _, id := range slices.Clone(s.scheduledDeletions) {
		if !included(id) {
			continue
		}

		if err := s.persister.Delete(ctx, id); err != nil {
			return stats, errors.Join(ErrFlushFailed, err)
		}

		s.detachIdentity(id)
		stats.Deleted++
	}

	return stats, nil
}

func (s *UnitOfWorkSnapshot) executeInsert(ctx context.Context, id Identity) error {
	entity := s.identityMap[id]

	meta, err := s.metadata.MetadataFor(id.Type)
	if err != nil {
		return err
	}

	values := extractValues(meta, entity)
	if meta.IsVersioned() {
		values[meta.VersionField] = int64(1)
	}

	row, err := s.encodeRow(meta, values)
	if err != nil {
		return err
	}

	if err = s.persister.Insert(ctx, id, row); err != nil {
		return err
	}

	meta.setVersion(entity, row.Version)
	s.originalData[id] = deepCopyFieldValues(values)
	s.scheduledInsertions = withoutIdentity(s.scheduledInsertions, id)

	return nil
}

func (s *UnitOfWorkSnapshot) executeUpdate(ctx context.Context, id Identity) (bool, error) {
	entity := s.identityMap[id]

	meta, err := s.metadata.MetadataFor(id.Type)
	if err != nil {
		return false, err
	}

	original := s.originalData[id]
	values := extractValues(meta, entity)

	if !hasChanges(meta, original, values) {
		return false, nil
	}

	var expectedVersion int64
	if meta.IsVersioned() {
		expectedVersion = toInt64(original[meta.VersionField])
		values[meta.VersionField] = expectedVersion + 1
	}

	row, err := s.encodeRow(meta, values)
	if err != nil {
		return false, err
	}

	if err = s.persister.Update(ctx, id, row, expectedVersion); err != nil {
		return false, err
	}

	meta.setVersion(entity, row.Version)
	s.originalData[id] = deepCopyFieldValues(values)

	return true, nil
}

func (s *UnitOfWorkSnapshot) encodeRow(meta *ClassMetadata, values FieldValues) (StoredRow, error) {
	row := StoredRow{Fields: make(Row, len(meta.Fields))}

	for _, field := range meta.Fields {
		if field.Name == meta.VersionField {
			row.Version = toInt64(values[field.Name])
			continue
		}

		value := values[field.Name]
		if field.Kind == FieldAssociation {
			if value == nil {
				row.Fields[field.Name] = jsonNull
				continue
			}

			target, err := s.IdentityOf(value.(Entity))
			if err != nil {
				return StoredRow{}, errors.Join(ErrEncodingRowFailed, err)
			}

			value = target.Key
		}

		raw, err := jsonCodec.Marshal(value)
		if err != nil {
			return StoredRow{}, errors.Join(ErrEncodingRowFailed, fmt.Errorf("%s.%s", meta.Type, field.Name), err)
		}

		row.Fields[field.Name] = raw
	}

	return row, nil
}

// decodeRow turns a stored row into field values, loading referenced entities that are not managed yet.
func (s *UnitOfWorkSnapshot) decodeRow(ctx context.Context, meta *ClassMetadata, row StoredRow) (FieldValues, error) {
	values := make(FieldValues, len(meta.Fields))

	for _, field := range meta.Fields {
		if field.Name == meta.VersionField {
			values[field.Name] = row.Version
			continue
		}

		raw, ok := row.Fields[field.Name]
		if !ok {
			continue
		}

		if field.Kind != FieldAssociation {
			if len(raw) == 0 {
				raw = jsonNull
			}

			value, err := field.Decode(raw)
			if err != nil {
				return nil, errors.Join(ErrDecodingRowFailed, fmt.Errorf("%s.%s", meta.Type, field.Name), err)
			}

			values[field.Name] = value
			continue
		}

		if len(raw) == 0 || string(raw) == string(jsonNull) {
			values[field.Name] = nil
			continue
		}

		var key string
		if err := jsonCodec.Unmarshal(raw, &key); err != nil {
			return nil, errors.Join(ErrDecodingRowFailed, fmt.Errorf("%s.%s", meta.Type, field.Name), err)
		}

		target, err := s.Load(ctx, Identity{Type: field.TargetType, Key: key}, LockNone)
		if err != nil {
			return nil, errors.Join(ErrDecodingRowFailed, fmt.Errorf("%s.%s", meta.Type, field.Name), err)
		}

		values[field.Name] = target
	}

	return values, nil
}

func (s *UnitOfWorkSnapshot) detachIdentity(id Identity) {
	if entity, ok := s.identityMap[id]; ok {
		if s.identities[entity] == id {
			delete(s.identities, entity)
		}
	}

	delete(s.identityMap, id)
	delete(s.originalData, id)
	delete(s.readOnly, id)
	s.scheduledInsertions = withoutIdentity(s.scheduledInsertions, id)
	s.scheduledDeletions = withoutIdentity(s.scheduledDeletions, id)
}

func (s *UnitOfWorkSnapshot) isScheduled(id Identity) bool {
	return slices.Contains(s.scheduledInsertions, id) || slices.Contains(s.scheduledDeletions, id)
}

func (s *UnitOfWorkSnapshot) sortedIdentities() []Identity {
	ids := make([]Identity, 0, len(s.identityMap))
	for id := range s.identityMap {
		ids = append(ids, id)
	}

	slices.SortFunc(ids, func(a, b Identity) int {
		return cmp.Or(cmp.Compare(a.Type, b.Type), cmp.Compare(a.Key, b.Key))
	})

	return ids
}

func extractValues(meta *ClassMetadata, entity Entity) FieldValues {
	values := make(FieldValues, len(meta.Fields))
	for _, field := range meta.Fields {
		values[field.Name] = field.Get(entity)
	}

	return values
}

func applyValues(meta *ClassMetadata, entity Entity, values FieldValues) {
	for _, field := range meta.Fields {
		if value, ok := values[field.Name]; ok {
			field.Set(entity, deepCopyValue(value))
		}
	}
}

func copyFields(meta *ClassMetadata, from, to Entity, skip string) {
	for _, field := range meta.Fields {
		if field.Name == skip {
			continue
		}

		field.Set(to, deepCopyValue(field.Get(from)))
	}
}

// hasChanges compares associations by reference and everything else by deep equality.
func hasChanges(meta *ClassMetadata, original, current FieldValues) bool {
	for _, field := range meta.Fields {
		if field.Name == meta.VersionField {
			continue
		}

		before, recorded := original[field.Name]
		after := current[field.Name]

		if !recorded {
			if !isZeroValue(after) {
				return true
			}
			continue
		}

		if field.Kind == FieldAssociation {
			if before != after {
				return true
			}
			continue
		}

		if !reflect.DeepEqual(before, after) {
			return true
		}
	}

	return false
}

func withoutIdentity(ids []Identity, id Identity) []Identity {
	return slices.DeleteFunc(ids, func(candidate Identity) bool {
		return candidate == id
	})
}
