package entitymanager

import (
	"errors"
	"slices"
)

// EntityFieldRestorer writes recorded original data back into live entities.
type EntityFieldRestorer struct {
	metadata MetadataProvider
}

// NewEntityFieldRestorer returns a restorer resolving descriptor tables through metadata.
func NewEntityFieldRestorer(metadata MetadataProvider) EntityFieldRestorer {
	return EntityFieldRestorer{metadata: metadata}
}

// Restore makes into describe the state recorded in reference. Identities unknown to reference are
// detached from into, then every entity of reference gets each recorded field value back: embedded
// values as fresh copies, associations as the recorded reference. It returns the number of restored
// entities. An entity without recorded data, persisted but never flushed, gets the blank values of
// meta.New() for all fields except its identifier fields. An unknown entity type is reported after all
// other entities were restored.
func (r EntityFieldRestorer) Restore(into, reference *UnitOfWorkSnapshot) (int, error) {
	if into == nil || reference == nil {
		return 0, ErrNilSnapshot
	}

	for id := range into.identityMap {
		if _, ok := reference.identityMap[id]; !ok {
			into.detachIdentity(id)
		}
	}

	var errs []error
	restored := 0

	for id, entity := range reference.identityMap {
		meta, err := r.metadata.MetadataFor(id.Type)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		values := reference.originalData[id]
		if len(values) == 0 {
			values = blankValues(meta)
		}

		applyValues(meta, entity, values)
		restored++
	}

	return restored, errors.Join(errs...)
}

func blankValues(meta *ClassMetadata) FieldValues {
	values := extractValues(meta, meta.New())
	for name := range values {
		if slices.Contains(meta.IdentifierFields, name) {
			delete(values, name)
		}
	}

	return values
}
