package surgery

import (
	"time"

	"github.com/google/uuid"
)

// Surgeon maps to the surgeons table.
type Surgeon struct {
	ID         uuid.UUID `db:"id" json:"id"`
	FacilityID uuid.UUID `db:"facility_id" json:"facility_id"`
	FirstName  string    `db:"first_name" json:"first_name"`
	LastName   string    `db:"last_name" json:"last_name"`
	IsActive   bool      `db:"is_active" json:"is_active"`
}

// ORRoom maps to the or_rooms table.
type ORRoom struct {
	ID         uuid.UUID `db:"id" json:"id"`
	FacilityID uuid.UUID `db:"facility_id" json:"facility_id"`
	Name       string    `db:"name" json:"name"`
	IsActive   bool      `db:"is_active" json:"is_active"`
}

// ProcedureType maps to the procedure_types table.
type ProcedureType struct {
	ID         uuid.UUID `db:"id" json:"id"`
	FacilityID uuid.UUID `db:"facility_id" json:"facility_id"`
	Name       string    `db:"name" json:"name"`
	IsActive   bool      `db:"is_active" json:"is_active"`
}

// Patient maps to the patients table.
type Patient struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	FacilityID  uuid.UUID  `db:"facility_id" json:"facility_id"`
	FirstName   string     `db:"first_name" json:"first_name"`
	LastName    string     `db:"last_name" json:"last_name"`
	MRN         *string    `db:"mrn" json:"mrn,omitempty"`
	DateOfBirth *time.Time `db:"date_of_birth" json:"date_of_birth,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

// Case maps to the cases table.
type Case struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	FacilityID      uuid.UUID  `db:"facility_id" json:"facility_id"`
	CaseNumber      string     `db:"case_number" json:"case_number"`
	ScheduledDate   time.Time  `db:"scheduled_date" json:"scheduled_date"`
	StartTime       *string    `db:"start_time" json:"start_time,omitempty"`
	ORRoomID        *uuid.UUID `db:"or_room_id" json:"or_room_id,omitempty"`
	ProcedureTypeID *uuid.UUID `db:"procedure_type_id" json:"procedure_type_id,omitempty"`
	StatusID        uuid.UUID  `db:"status_id" json:"status_id"`
	SurgeonID       *uuid.UUID `db:"surgeon_id" json:"surgeon_id,omitempty"`
	PatientID       *uuid.UUID `db:"patient_id" json:"patient_id,omitempty"`
	Source          string     `db:"source" json:"source"`
	ExternalID      *string    `db:"external_id" json:"external_id,omitempty"`
	CreatedBy       *uuid.UUID `db:"created_by" json:"created_by,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
}

// Case sources.
const (
	SourceManual = "manual"
	SourceEpic   = "epic"
)

// CreateCaseParams are the arguments of create_case_with_milestones.
// StartTime is a wall-clock "HH:MM:SS" in the facility's zone.
type CreateCaseParams struct {
	CaseNumber      string
	ScheduledDate   time.Time
	StartTime       *string
	ORRoomID        *uuid.UUID
	ProcedureTypeID *uuid.UUID
	StatusID        uuid.UUID
	SurgeonID       *uuid.UUID
	FacilityID      uuid.UUID
	CreatedBy       uuid.UUID
	PatientID       *uuid.UUID
	Source          string
	ExternalID      *string
	Notes           *string
}

// DisplayName renders a surgeon the way the schedule board shows them.
func (s *Surgeon) DisplayName() string {
	return s.LastName + ", " + s.FirstName
}
