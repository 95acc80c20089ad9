package entitymanager

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// FieldKind classifies how a field is compared, copied and restored.
type FieldKind int

const (
	// FieldScalar is a plain value.
	FieldScalar FieldKind = iota
	// FieldEmbedded is a composite value owned by the entity. It is copied and restored as a whole.
	FieldEmbedded
	// FieldAssociation references another entity. Restoring puts the recorded reference back.
	FieldAssociation
)

func (k FieldKind) String() string {
	switch k {
	case FieldScalar:
		return "scalar"
	case FieldEmbedded:
		return "embedded"
	case FieldAssociation:
		return "association"
	default:
		return "unknown"
	}
}

// FieldDescriptor gives the manager typed access to one field of an entity type.
type FieldDescriptor struct {
	Name       string
	Kind       FieldKind
	TargetType EntityType // association fields only
	Get        func(Entity) any
	Set        func(Entity, any)
	Decode     func(raw jsoniter.RawMessage) (any, error) // scalar and embedded fields only
}

// ScalarField describes a plain value field of entity type E.
func ScalarField[E Entity, V any](name string, get func(E) V, set func(E, V)) FieldDescriptor {
	return valueField(name, FieldScalar, get, set)
}

// EmbeddedField describes a composite value field of entity type E. Values are deep copied for every
// level, values that need a custom copy implement DeepCopier.
func EmbeddedField[E Entity, V any](name string, get func(E) V, set func(E, V)) FieldDescriptor {
	return valueField(name, FieldEmbedded, get, set)
}

// AssociationField describes a reference from entity type E to an entity of type T.
func AssociationField[E Entity, T Entity](name string, target EntityType, get func(E) T, set func(E, T)) FieldDescriptor {
	return FieldDescriptor{
		Name:       name,
		Kind:       FieldAssociation,
		TargetType: target,
		Get: func(e Entity) any {
			ref := get(e.(E))
			if isNilEntity(ref) {
				return nil
			}

			return ref
		},
		Set: func(e Entity, value any) {
			var ref T
			if value != nil {
				ref = value.(T)
			}

			set(e.(E), ref)
		},
	}
}

func valueField[E Entity, V any](name string, kind FieldKind, get func(E) V, set func(E, V)) FieldDescriptor {
	return FieldDescriptor{
		Name: name,
		Kind: kind,
		Get: func(e Entity) any {
			return get(e.(E))
		},
		Set: func(e Entity, value any) {
			var typed V
			if value != nil {
				typed = value.(V)
			}

			set(e.(E), typed)
		},
		Decode: func(raw jsoniter.RawMessage) (any, error) {
			var typed V
			if err := jsonCodec.Unmarshal(raw, &typed); err != nil {
				return nil, err
			}

			return typed, nil
		},
	}
}

// ClassMetadata is the descriptor table of one entity type.
//
// IdentifierFields name fields from Fields. VersionField, if set, names an int64 scalar field that
// enables optimistic locking. New returns a blank instance used for hydration.
type ClassMetadata struct {
	Type             EntityType
	IdentifierFields []string
	Fields           []FieldDescriptor
	VersionField     string
	New              func() Entity
}

// Field returns the descriptor with the given name.
func (m *ClassMetadata) Field(name string) (FieldDescriptor, bool) {
	for _, field := range m.Fields {
		if field.Name == name {
			return field, true
		}
	}

	return FieldDescriptor{}, false
}

// IsVersioned reports whether the type carries a version field.
func (m *ClassMetadata) IsVersioned() bool {
	return m.VersionField != ""
}

// IsIdentifierComposite reports whether the identifier spans more than one field.
func (m *ClassMetadata) IsIdentifierComposite() bool {
	return len(m.IdentifierFields) > 1
}

// Validate checks that the descriptor table is complete and consistent.
func (m *ClassMetadata) Validate() error {
	if m.Type == "" {
		return errors.Join(ErrInvalidMetadata, errors.New("empty entity type"))
	}

	if m.New == nil {
		return errors.Join(ErrInvalidMetadata, fmt.Errorf("%s: missing constructor", m.Type))
	}

	if len(m.IdentifierFields) == 0 {
		return errors.Join(ErrInvalidMetadata, fmt.Errorf("%s: no identifier fields", m.Type))
	}

	seen := make(map[string]struct{}, len(m.Fields))
	for _, field := range m.Fields {
		if field.Name == "" || field.Get == nil || field.Set == nil {
			return errors.Join(ErrInvalidMetadata, fmt.Errorf("%s: incomplete field descriptor %q", m.Type, field.Name))
		}

		if _, ok := seen[field.Name]; ok {
			return errors.Join(ErrInvalidMetadata, fmt.Errorf("%s: duplicate field %q", m.Type, field.Name))
		}
		seen[field.Name] = struct{}{}

		if field.Kind == FieldAssociation && field.TargetType == "" {
			return errors.Join(ErrInvalidMetadata, fmt.Errorf("%s: association %q without target type", m.Type, field.Name))
		}

		if field.Kind != FieldAssociation && field.Decode == nil {
			return errors.Join(ErrInvalidMetadata, fmt.Errorf("%s: field %q without decoder", m.Type, field.Name))
		}
	}

	for _, name := range m.IdentifierFields {
		if _, ok := seen[name]; !ok {
			return errors.Join(ErrInvalidMetadata, fmt.Errorf("%s: unknown identifier field %q", m.Type, name))
		}
	}

	if m.IsVersioned() {
		field, ok := m.Field(m.VersionField)
		if !ok || field.Kind != FieldScalar {
			return errors.Join(ErrInvalidMetadata, fmt.Errorf("%s: version field %q must be a scalar field", m.Type, m.VersionField))
		}

		if _, isInt64 := field.Get(m.New()).(int64); !isInt64 {
			return errors.Join(ErrInvalidMetadata, fmt.Errorf("%s: version field %q must be an int64", m.Type, m.VersionField))
		}
	}

	return nil
}

// versionOf reads the version field of an entity, 0 for unversioned types.
func (m *ClassMetadata) versionOf(entity Entity) int64 {
	if !m.IsVersioned() {
		return 0
	}

	field, _ := m.Field(m.VersionField)

	return toInt64(field.Get(entity))
}

func (m *ClassMetadata) setVersion(entity Entity, version int64) {
	if !m.IsVersioned() {
		return
	}

	field, _ := m.Field(m.VersionField)
	field.Set(entity, version)
}

func toInt64(value any) int64 {
	switch v := value.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case uint32:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// StaticMetadataProvider is a MetadataProvider over a fixed set of descriptor tables.
type StaticMetadataProvider struct {
	byType map[EntityType]*ClassMetadata
}

// NewStaticMetadataProvider validates and registers the given descriptor tables.
func NewStaticMetadataProvider(metadata ...*ClassMetadata) (*StaticMetadataProvider, error) {
	provider := &StaticMetadataProvider{byType: make(map[EntityType]*ClassMetadata, len(metadata))}

	for _, meta := range metadata {
		if err := provider.Register(meta); err != nil {
			return nil, err
		}
	}

	return provider, nil
}

// Register validates a descriptor table and adds it, replacing an earlier one for the same type.
func (p *StaticMetadataProvider) Register(meta *ClassMetadata) error {
	if meta == nil {
		return errors.Join(ErrInvalidMetadata, errors.New("nil metadata"))
	}

	if err := meta.Validate(); err != nil {
		return err
	}

	p.byType[meta.Type] = meta

	return nil
}

// MetadataFor returns the descriptor table of the type or ErrUnknownEntityType.
func (p *StaticMetadataProvider) MetadataFor(entityType EntityType) (*ClassMetadata, error) {
	meta, ok := p.byType[entityType]
	if !ok {
		return nil, errors.Join(ErrUnknownEntityType, fmt.Errorf("entity type %q", entityType))
	}

	return meta, nil
}
