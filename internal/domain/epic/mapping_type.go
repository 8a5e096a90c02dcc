package epic

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ehr/epicbridge/internal/domain/surgery"
	"github.com/ehr/epicbridge/pkg/fhirmodels"
)

// MappingType is the kind of local entity an Epic resource maps onto.
type MappingType string

const (
	MappingSurgeon   MappingType = "surgeon"
	MappingRoom      MappingType = "room"
	MappingProcedure MappingType = "procedure"
)

// ResourceServiceType labels procedure mappings, which key off an
// appointment's serviceType rather than a standalone resource.
const ResourceServiceType = "ServiceType"

// LocalEntities supplies the facility's matchable entities.
type LocalEntities interface {
	ListSurgeons(ctx context.Context, facilityID uuid.UUID) ([]*surgery.Surgeon, error)
	ListORRooms(ctx context.Context, facilityID uuid.UUID) ([]*surgery.ORRoom, error)
	ListProcedureTypes(ctx context.Context, facilityID uuid.UUID) ([]*surgery.ProcedureType, error)
}

// candidate is a local entity under the name used for matching.
type candidate struct {
	ID   uuid.UUID
	Name string
}

type mappingKind struct {
	resourceType string
	candidates   func(ctx context.Context, src LocalEntities, facilityID uuid.UUID) ([]candidate, error)
}

// mappingKinds holds everything that varies by mapping type. Adding a type
// means adding one entry here.
var mappingKinds = map[MappingType]mappingKind{
	MappingSurgeon: {
		resourceType: fhirmodels.ResourcePractitioner,
		candidates: func(ctx context.Context, src LocalEntities, facilityID uuid.UUID) ([]candidate, error) {
			items, err := src.ListSurgeons(ctx, facilityID)
			if err != nil {
				return nil, err
			}
			out := make([]candidate, 0, len(items))
			for _, s := range items {
				out = append(out, candidate{ID: s.ID, Name: s.DisplayName()})
			}
			return out, nil
		},
	},
	MappingRoom: {
		resourceType: fhirmodels.ResourceLocation,
		candidates: func(ctx context.Context, src LocalEntities, facilityID uuid.UUID) ([]candidate, error) {
			items, err := src.ListORRooms(ctx, facilityID)
			if err != nil {
				return nil, err
			}
			out := make([]candidate, 0, len(items))
			for _, r := range items {
				out = append(out, candidate{ID: r.ID, Name: r.Name})
			}
			return out, nil
		},
	},
	MappingProcedure: {
		resourceType: ResourceServiceType,
		candidates: func(ctx context.Context, src LocalEntities, facilityID uuid.UUID) ([]candidate, error) {
			items, err := src.ListProcedureTypes(ctx, facilityID)
			if err != nil {
				return nil, err
			}
			out := make([]candidate, 0, len(items))
			for _, p := range items {
				out = append(out, candidate{ID: p.ID, Name: p.Name})
			}
			return out, nil
		},
	},
}

// MappingTypes lists every mapping type in processing order.
func MappingTypes() []MappingType {
	return []MappingType{MappingSurgeon, MappingRoom, MappingProcedure}
}

func ParseMappingType(s string) (MappingType, error) {
	mt := MappingType(s)
	if _, ok := mappingKinds[mt]; !ok {
		return "", fmt.Errorf("invalid mapping type %q", s)
	}
	return mt, nil
}

// EpicResourceType returns the FHIR resource type recorded on mappings of mt.
func (mt MappingType) EpicResourceType() string {
	return mappingKinds[mt].resourceType
}

func (mt MappingType) candidates(ctx context.Context, src LocalEntities, facilityID uuid.UUID) ([]candidate, error) {
	k, ok := mappingKinds[mt]
	if !ok {
		return nil, fmt.Errorf("invalid mapping type %q", mt)
	}
	return k.candidates(ctx, src, facilityID)
}
