package surgery

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/epicbridge/internal/platform/db"
)

// Service exposes the facility's local entities to the Epic import and to
// the mapping screens.
type Service struct {
	pool       *pgxpool.Pool
	surgeons   SurgeonRepository
	rooms      ORRoomRepository
	procedures ProcedureTypeRepository
	patients   PatientRepository
	cases      CaseRepository
}

// NewService wires the repositories. pool backs InTx; with a nil pool InTx
// runs its work without a transaction.
func NewService(pool *pgxpool.Pool, surgeons SurgeonRepository, rooms ORRoomRepository, procedures ProcedureTypeRepository,
	patients PatientRepository, cases CaseRepository) *Service {
	return &Service{pool: pool, surgeons: surgeons, rooms: rooms, procedures: procedures, patients: patients, cases: cases}
}

// InTx runs fn in one database transaction. Repository calls made with the
// ctx passed to fn join it, and all of them roll back if fn fails.
func (s *Service) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.pool == nil {
		return fn(ctx)
	}
	return db.WithTx(ctx, s.pool, fn)
}

func (s *Service) ListSurgeons(ctx context.Context, facilityID uuid.UUID) ([]*Surgeon, error) {
	return s.surgeons.ListByFacility(ctx, facilityID)
}

func (s *Service) ListORRooms(ctx context.Context, facilityID uuid.UUID) ([]*ORRoom, error) {
	return s.rooms.ListByFacility(ctx, facilityID)
}

func (s *Service) ListProcedureTypes(ctx context.Context, facilityID uuid.UUID) ([]*ProcedureType, error) {
	return s.procedures.ListByFacility(ctx, facilityID)
}

// FindPatientByMRN returns ErrNotFound when the facility has no such MRN.
func (s *Service) FindPatientByMRN(ctx context.Context, facilityID uuid.UUID, mrn string) (*Patient, error) {
	if mrn == "" {
		return nil, ErrNotFound
	}
	return s.patients.FindByMRN(ctx, facilityID, mrn)
}

func (s *Service) CreatePatient(ctx context.Context, p *Patient) error {
	if p.FacilityID == uuid.Nil {
		return fmt.Errorf("facility_id is required")
	}
	if p.FirstName == "" && p.LastName == "" {
		return fmt.Errorf("first_name or last_name is required")
	}
	return s.patients.Create(ctx, p)
}

var validSources = map[string]bool{SourceManual: true, SourceEpic: true}

// CreateCase validates p and creates the case with its milestones.
func (s *Service) CreateCase(ctx context.Context, p CreateCaseParams) (uuid.UUID, error) {
	if p.CaseNumber == "" {
		return uuid.Nil, fmt.Errorf("case_number is required")
	}
	if p.FacilityID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("facility_id is required")
	}
	if p.StatusID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("status_id is required")
	}
	if p.ScheduledDate.IsZero() {
		return uuid.Nil, fmt.Errorf("scheduled_date is required")
	}
	if p.Source == "" {
		p.Source = SourceManual
	}
	if !validSources[p.Source] {
		return uuid.Nil, fmt.Errorf("invalid source: %s", p.Source)
	}
	if p.StartTime != nil {
		if _, err := time.Parse("15:04:05", *p.StartTime); err != nil {
			return uuid.Nil, fmt.Errorf("invalid start_time %q: want HH:MM:SS", *p.StartTime)
		}
	}
	return s.cases.CreateWithMilestones(ctx, p)
}

func (s *Service) GetCase(ctx context.Context, id uuid.UUID) (*Case, error) {
	return s.cases.GetByID(ctx, id)
}

func (s *Service) ListCases(ctx context.Context, facilityID uuid.UUID, from, to time.Time, limit, offset int) ([]*Case, int, error) {
	if to.Before(from) {
		return nil, 0, fmt.Errorf("date_to must not be before date_from")
	}
	return s.cases.ListByFacility(ctx, facilityID, from, to, limit, offset)
}
