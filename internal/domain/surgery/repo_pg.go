package surgery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/epicbridge/internal/platform/db"
)

// =========== Surgeon Repository ===========

type surgeonRepoPG struct{ pool *pgxpool.Pool }

func NewSurgeonRepoPG(pool *pgxpool.Pool) SurgeonRepository { return &surgeonRepoPG{pool: pool} }

func (r *surgeonRepoPG) ListByFacility(ctx context.Context, facilityID uuid.UUID) ([]*Surgeon, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, facility_id, first_name, last_name, is_active
		FROM surgeons WHERE facility_id = $1 AND is_active
		ORDER BY last_name, first_name`, facilityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Surgeon
	for rows.Next() {
		var s Surgeon
		if err := rows.Scan(&s.ID, &s.FacilityID, &s.FirstName, &s.LastName, &s.IsActive); err != nil {
			return nil, err
		}
		items = append(items, &s)
	}
	return items, rows.Err()
}

// =========== OR Room Repository ===========

type orRoomRepoPG struct{ pool *pgxpool.Pool }

func NewORRoomRepoPG(pool *pgxpool.Pool) ORRoomRepository { return &orRoomRepoPG{pool: pool} }

func (r *orRoomRepoPG) ListByFacility(ctx context.Context, facilityID uuid.UUID) ([]*ORRoom, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, facility_id, name, is_active
		FROM or_rooms WHERE facility_id = $1 AND is_active
		ORDER BY name`, facilityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*ORRoom
	for rows.Next() {
		var o ORRoom
		if err := rows.Scan(&o.ID, &o.FacilityID, &o.Name, &o.IsActive); err != nil {
			return nil, err
		}
		items = append(items, &o)
	}
	return items, rows.Err()
}

// =========== Procedure Type Repository ===========

type procedureTypeRepoPG struct{ pool *pgxpool.Pool }

func NewProcedureTypeRepoPG(pool *pgxpool.Pool) ProcedureTypeRepository {
	return &procedureTypeRepoPG{pool: pool}
}

func (r *procedureTypeRepoPG) ListByFacility(ctx context.Context, facilityID uuid.UUID) ([]*ProcedureType, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, facility_id, name, is_active
		FROM procedure_types WHERE facility_id = $1 AND is_active
		ORDER BY name`, facilityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*ProcedureType
	for rows.Next() {
		var p ProcedureType
		if err := rows.Scan(&p.ID, &p.FacilityID, &p.Name, &p.IsActive); err != nil {
			return nil, err
		}
		items = append(items, &p)
	}
	return items, rows.Err()
}

// =========== Patient Repository ===========

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewPatientRepoPG(pool *pgxpool.Pool) PatientRepository { return &patientRepoPG{pool: pool} }

func (r *patientRepoPG) FindByMRN(ctx context.Context, facilityID uuid.UUID, mrn string) (*Patient, error) {
	var p Patient
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT id, facility_id, first_name, last_name, mrn, date_of_birth, created_at
		FROM patients WHERE facility_id = $1 AND mrn = $2
		ORDER BY created_at LIMIT 1`, facilityID, mrn).
		Scan(&p.ID, &p.FacilityID, &p.FirstName, &p.LastName, &p.MRN, &p.DateOfBirth, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO patients (facility_id, first_name, last_name, mrn, date_of_birth)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id, created_at`,
		p.FacilityID, p.FirstName, p.LastName, p.MRN, p.DateOfBirth).Scan(&p.ID, &p.CreatedAt)
}

// =========== Case Repository ===========

type caseRepoPG struct{ pool *pgxpool.Pool }

func NewCaseRepoPG(pool *pgxpool.Pool) CaseRepository { return &caseRepoPG{pool: pool} }

func (r *caseRepoPG) CreateWithMilestones(ctx context.Context, p CreateCaseParams) (uuid.UUID, error) {
	var id uuid.UUID
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT create_case_with_milestones(
			p_case_number       => $1,
			p_scheduled_date    => $2,
			p_start_time        => $3::time,
			p_or_room_id        => $4,
			p_procedure_type_id => $5,
			p_status_id         => $6,
			p_surgeon_id        => $7,
			p_facility_id       => $8,
			p_created_by        => $9,
			p_patient_id        => $10,
			p_source            => $11,
			p_external_id       => $12,
			p_notes             => $13)`,
		p.CaseNumber, p.ScheduledDate, p.StartTime, p.ORRoomID, p.ProcedureTypeID,
		p.StatusID, p.SurgeonID, p.FacilityID, p.CreatedBy, p.PatientID, p.Source,
		p.ExternalID, p.Notes).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create_case_with_milestones: %w", err)
	}
	return id, nil
}

const caseCols = `id, facility_id, case_number, scheduled_date, to_char(start_time, 'HH24:MI:SS'),
	or_room_id, procedure_type_id, status_id, surgeon_id, patient_id, source, external_id,
	created_by, created_at`

func scanCase(row pgx.Row) (*Case, error) {
	var c Case
	err := row.Scan(&c.ID, &c.FacilityID, &c.CaseNumber, &c.ScheduledDate, &c.StartTime,
		&c.ORRoomID, &c.ProcedureTypeID, &c.StatusID, &c.SurgeonID, &c.PatientID, &c.Source, &c.ExternalID,
		&c.CreatedBy, &c.CreatedAt)
	return &c, err
}

func (r *caseRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Case, error) {
	c, err := scanCase(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+caseCols+` FROM cases WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (r *caseRepoPG) ListByFacility(ctx context.Context, facilityID uuid.UUID, from, to time.Time, limit, offset int) ([]*Case, int, error) {
	q := db.Conn(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `
		SELECT COUNT(*) FROM cases
		WHERE facility_id = $1 AND scheduled_date BETWEEN $2 AND $3`, facilityID, from, to).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := q.Query(ctx, `SELECT `+caseCols+` FROM cases
		WHERE facility_id = $1 AND scheduled_date BETWEEN $2 AND $3
		ORDER BY scheduled_date, start_time NULLS LAST LIMIT $4 OFFSET $5`,
		facilityID, from, to, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}
