package surgery

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

type SurgeonRepository interface {
	ListByFacility(ctx context.Context, facilityID uuid.UUID) ([]*Surgeon, error)
}

type ORRoomRepository interface {
	ListByFacility(ctx context.Context, facilityID uuid.UUID) ([]*ORRoom, error)
}

type ProcedureTypeRepository interface {
	ListByFacility(ctx context.Context, facilityID uuid.UUID) ([]*ProcedureType, error)
}

type PatientRepository interface {
	// FindByMRN returns ErrNotFound when no patient in the facility has mrn.
	FindByMRN(ctx context.Context, facilityID uuid.UUID, mrn string) (*Patient, error)
	Create(ctx context.Context, p *Patient) error
}

type CaseRepository interface {
	// CreateWithMilestones calls create_case_with_milestones and returns
	// the new case id. The call is atomic.
	CreateWithMilestones(ctx context.Context, p CreateCaseParams) (uuid.UUID, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Case, error)
	ListByFacility(ctx context.Context, facilityID uuid.UUID, from, to time.Time, limit, offset int) ([]*Case, int, error)
}
