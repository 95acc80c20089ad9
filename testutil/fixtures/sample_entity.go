package fixtures

import (
	"github.com/google/uuid"

	"github.com/AntonStoeckl/transactional-entitymanager-go/entitymanager"
)

const SampleEntityType entitymanager.EntityType = "sample_entity"

// SampleEmbeddable is an embedded value held by pointer, it is mutated in place by tests.
type SampleEmbeddable struct {
	Bar int  `json:"bar"`
	Baz bool `json:"baz"`
}

// DeepCopy implements entitymanager.DeepCopier.
func (se *SampleEmbeddable) DeepCopy() any {
	if se == nil {
		return se
	}

	copied := *se

	return &copied
}

// SampleEntity has a scalar, an embedded value and an association to another SampleEntity.
type SampleEntity struct {
	ID         uuid.UUID
	Foo        string
	Embeddable *SampleEmbeddable
	Parent     *SampleEntity
}

// NewSampleEntity builds a SampleEntity with a fresh random ID.
func NewSampleEntity(foo string, bar int, baz bool, parent *SampleEntity) *SampleEntity {
	return &SampleEntity{
		ID:         uuid.New(),
		Foo:        foo,
		Embeddable: &SampleEmbeddable{Bar: bar, Baz: baz},
		Parent:     parent,
	}
}

// EntityType implements entitymanager.Entity.
func (se *SampleEntity) EntityType() entitymanager.EntityType {
	return SampleEntityType
}

// SampleEntityMetadata returns the descriptor table of SampleEntity.
func SampleEntityMetadata() *entitymanager.ClassMetadata {
	return &entitymanager.ClassMetadata{
		Type:             SampleEntityType,
		IdentifierFields: []string{"id"},
		Fields: []entitymanager.FieldDescriptor{
			entitymanager.ScalarField("id",
				func(se *SampleEntity) uuid.UUID { return se.ID },
				func(se *SampleEntity, v uuid.UUID) { se.ID = v }),
			entitymanager.ScalarField("foo",
				func(se *SampleEntity) string { return se.Foo },
				func(se *SampleEntity, v string) { se.Foo = v }),
			entitymanager.EmbeddedField("embeddable",
				func(se *SampleEntity) *SampleEmbeddable { return se.Embeddable },
				func(se *SampleEntity, v *SampleEmbeddable) { se.Embeddable = v }),
			entitymanager.AssociationField("parent", SampleEntityType,
				func(se *SampleEntity) *SampleEntity { return se.Parent },
				func(se *SampleEntity, v *SampleEntity) { se.Parent = v }),
		},
		New: func() entitymanager.Entity { return &SampleEntity{} },
	}
}

// SampleTriple builds the three related entities a, b and c used by the transaction scenarios:
// b and c both reference a as parent.
func SampleTriple() (a, b, c *SampleEntity) {
	a = NewSampleEntity("Lorem ipsum", 31415, true, nil)
	b = NewSampleEntity("dolor sit amet", 92653, false, a)
	c = NewSampleEntity("consetetur", 58979, true, a)

	return a, b, c
}
