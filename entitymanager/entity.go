package entitymanager

import (
	"errors"
	"reflect"

	jsoniter "github.com/json-iterator/go"
)

var (
	jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary
	jsonNull  = jsoniter.RawMessage("null")
)

// EntityType names a class of entities, e.g. "sample_entity".
type EntityType string

// Entity is implemented by every managed object. Implementations must be pointer types, the
// identity map tracks entities by pointer.
type Entity interface {
	EntityType() EntityType
}

// Identity is the (type, identifier) key of an entity. Key is the JSON array of the identifier
// values ordered like ClassMetadata.IdentifierFields.
type Identity struct {
	Type EntityType
	Key  string
}

func (id Identity) String() string {
	return string(id.Type) + id.Key
}

// FieldValues maps field names to field values. Association fields hold the referenced Entity or nil.
type FieldValues map[string]any

// Row maps field names to JSON encoded values. Associations are encoded as the referenced identity key.
type Row map[string]jsoniter.RawMessage

// StoredRow is what a Persister stores per identity.
type StoredRow struct {
	Fields  Row
	Version int64
}

// NewIdentity builds the identity of an entity type from its ordered identifier values.
func NewIdentity(entityType EntityType, values ...any) (Identity, error) {
	if len(values) == 0 {
		return Identity{}, ErrInvalidIdentifier
	}

	for _, value := range values {
		if isZeroValue(value) {
			return Identity{}, errors.Join(ErrInvalidIdentifier, errors.New("empty identifier value"))
		}
	}

	key, err := jsonCodec.Marshal(values)
	if err != nil {
		return Identity{}, errors.Join(ErrInvalidIdentifier, err)
	}

	return Identity{Type: entityType, Key: string(key)}, nil
}

func isZeroValue(value any) bool {
	if value == nil {
		return true
	}

	return reflect.ValueOf(value).IsZero()
}

func isNilEntity(value any) bool {
	if value == nil {
		return true
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map:
		return rv.IsNil()
	default:
		return false
	}
}
