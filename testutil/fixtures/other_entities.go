package fixtures

import (
	"github.com/AntonStoeckl/transactional-entitymanager-go/entitymanager"
)

const (
	VersionedEntityType  entitymanager.EntityType = "versioned_entity"
	CompositeEntityType  entitymanager.EntityType = "composite_entity"
	AttributedEntityType entitymanager.EntityType = "attributed_entity"
)

// VersionedEntity carries a version field and is therefore optimistically locked.
type VersionedEntity struct {
	ID      string
	Name    string
	Tags    []any
	Version int64
}

// EntityType implements entitymanager.Entity.
func (ve *VersionedEntity) EntityType() entitymanager.EntityType {
	return VersionedEntityType
}

// VersionedEntityMetadata returns the descriptor table of VersionedEntity.
func VersionedEntityMetadata() *entitymanager.ClassMetadata {
	return &entitymanager.ClassMetadata{
		Type:             VersionedEntityType,
		IdentifierFields: []string{"id"},
		VersionField:     "version",
		Fields: []entitymanager.FieldDescriptor{
			entitymanager.ScalarField("id",
				func(ve *VersionedEntity) string { return ve.ID },
				func(ve *VersionedEntity, v string) { ve.ID = v }),
			entitymanager.ScalarField("name",
				func(ve *VersionedEntity) string { return ve.Name },
				func(ve *VersionedEntity, v string) { ve.Name = v }),
			entitymanager.EmbeddedField("tags",
				func(ve *VersionedEntity) []any { return ve.Tags },
				func(ve *VersionedEntity, v []any) { ve.Tags = v }),
			entitymanager.ScalarField("version",
				func(ve *VersionedEntity) int64 { return ve.Version },
				func(ve *VersionedEntity, v int64) { ve.Version = v }),
		},
		New: func() entitymanager.Entity { return &VersionedEntity{} },
	}
}

// CompositeEntity is identified by tenant and code together.
type CompositeEntity struct {
	TenantID string
	Code     int
	Label    string
}

// EntityType implements entitymanager.Entity.
func (ce *CompositeEntity) EntityType() entitymanager.EntityType {
	return CompositeEntityType
}

// CompositeEntityMetadata returns the descriptor table of CompositeEntity.
func CompositeEntityMetadata() *entitymanager.ClassMetadata {
	return &entitymanager.ClassMetadata{
		Type:             CompositeEntityType,
		IdentifierFields: []string{"tenant_id", "code"},
		Fields: []entitymanager.FieldDescriptor{
			entitymanager.ScalarField("tenant_id",
				func(ce *CompositeEntity) string { return ce.TenantID },
				func(ce *CompositeEntity, v string) { ce.TenantID = v }),
			entitymanager.ScalarField("code",
				func(ce *CompositeEntity) int { return ce.Code },
				func(ce *CompositeEntity, v int) { ce.Code = v }),
			entitymanager.ScalarField("label",
				func(ce *CompositeEntity) string { return ce.Label },
				func(ce *CompositeEntity, v string) { ce.Label = v }),
		},
		New: func() entitymanager.Entity { return &CompositeEntity{} },
	}
}

// AttributedEntity holds typed reference values without a custom copy, they are mutated in place by tests.
type AttributedEntity struct {
	ID         string
	Attributes map[string]string
	Scores     []int
}

// EntityType implements entitymanager.Entity.
func (ae *AttributedEntity) EntityType() entitymanager.EntityType {
	return AttributedEntityType
}

// AttributedEntityMetadata returns the descriptor table of AttributedEntity.
func AttributedEntityMetadata() *entitymanager.ClassMetadata {
	return &entitymanager.ClassMetadata{
		Type:             AttributedEntityType,
		IdentifierFields: []string{"id"},
		Fields: []entitymanager.FieldDescriptor{
			entitymanager.ScalarField("id",
				func(ae *AttributedEntity) string { return ae.ID },
				func(ae *AttributedEntity, v string) { ae.ID = v }),
			entitymanager.EmbeddedField("attributes",
				func(ae *AttributedEntity) map[string]string { return ae.Attributes },
				func(ae *AttributedEntity, v map[string]string) { ae.Attributes = v }),
			entitymanager.EmbeddedField("scores",
				func(ae *AttributedEntity) []int { return ae.Scores },
				func(ae *AttributedEntity, v []int) { ae.Scores = v }),
		},
		New: func() entitymanager.Entity { return &AttributedEntity{} },
	}
}

// NewMetadataProvider registers all fixture entity types.
func NewMetadataProvider() (*entitymanager.StaticMetadataProvider, error) {
	return entitymanager.NewStaticMetadataProvider(
		SampleEntityMetadata(),
		VersionedEntityMetadata(),
		CompositeEntityMetadata(),
		AttributedEntityMetadata(),
	)
}
