package entitymanager

import (
	"errors"
	"fmt"
	"slices"
)

// IdentifierValues maps identifier field names to values, needed for composite identifiers.
type IdentifierValues map[string]any

// buildIdentifier turns the id argument of Find and friends into an identity. A scalar is bound to the
// single identifier field, composite identifiers need IdentifierValues with exactly the identifier
// fields. Entity values are replaced by their own single identifier value. The returned values are
// keyed by field name.
func buildIdentifier(snapshot *UnitOfWorkSnapshot, meta *ClassMetadata, id any) (Identity, IdentifierValues, error) {
	var byField IdentifierValues

	switch v := id.(type) {
	case nil:
		return Identity{}, nil, errors.Join(ErrInvalidIdentifier, errors.New("nil identifier"))
	case IdentifierValues:
		byField = v
	case map[string]any:
		byField = v
	default:
		if meta.IsIdentifierComposite() {
			return Identity{}, nil, errors.Join(
				ErrInvalidIdentifier,
				fmt.Errorf("%s has a composite identifier, use IdentifierValues", meta.Type),
			)
		}

		byField = IdentifierValues{meta.IdentifierFields[0]: id}
	}

	var unknown []string
	for name := range byField {
		if !slices.Contains(meta.IdentifierFields, name) {
			unknown = append(unknown, name)
		}
	}

	if len(unknown) > 0 {
		slices.Sort(unknown)
		return Identity{}, nil, errors.Join(ErrInvalidIdentifier, fmt.Errorf("%s: unknown identifier fields %v", meta.Type, unknown))
	}

	resolved := make(IdentifierValues, len(meta.IdentifierFields))
	values := make([]any, 0, len(meta.IdentifierFields))

	for _, name := range meta.IdentifierFields {
		value, ok := byField[name]
		if !ok {
			return Identity{}, nil, errors.Join(ErrInvalidIdentifier, fmt.Errorf("%s: missing identifier field %q", meta.Type, name))
		}

		resolved[name] = value

		if entity, isEntity := value.(Entity); isEntity {
			single, err := snapshot.singleIdentifierValue(entity)
			if err != nil {
				return Identity{}, nil, err
			}

			value = single
		}

		values = append(values, value)
	}

	identity, err := NewIdentity(meta.Type, values...)
	if err != nil {
		return Identity{}, nil, err
	}

	return identity, resolved, nil
}

// setIdentifierValues sets the identifier fields of a blank instance. Values are converted through the
// field decoder, so a string may be given for a UUID typed field.
func setIdentifierValues(meta *ClassMetadata, entity Entity, values IdentifierValues) error {
	for _, name := range meta.IdentifierFields {
		field, _ := meta.Field(name)
		value := values[name]

		if field.Kind == FieldAssociation {
			if ref, ok := value.(Entity); ok {
				field.Set(entity, ref)
			}
			continue
		}

		raw, err := jsonCodec.Marshal(value)
		if err != nil {
			return errors.Join(ErrInvalidIdentifier, err)
		}

		decoded, err := field.Decode(raw)
		if err != nil {
			return errors.Join(ErrInvalidIdentifier, fmt.Errorf("%s.%s", meta.Type, name), err)
		}

		field.Set(entity, decoded)
	}

	return nil
}
