package epic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/epicbridge/internal/domain/surgery"
	"github.com/ehr/epicbridge/internal/platform/audit"
	"github.com/ehr/epicbridge/internal/platform/metrics"
)

// CaseWriter creates patients and cases in the local store.
// *surgery.Service is the production implementation.
type CaseWriter interface {
	FindPatientByMRN(ctx context.Context, facilityID uuid.UUID, mrn string) (*surgery.Patient, error)
	CreatePatient(ctx context.Context, p *surgery.Patient) error
	CreateCase(ctx context.Context, p surgery.CreateCaseParams) (uuid.UUID, error)
	// InTx runs fn atomically; writes made with its ctx commit or roll back together.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ImportRequest is one appointment to import.
type ImportRequest struct {
	FacilityID        uuid.UUID
	ConnectionID      uuid.UUID
	ImportedBy        uuid.UUID
	ScheduledStatusID uuid.UUID
	Preview           *CaseImportPreview
}

type Importer struct {
	fields  FieldMappingRepository
	logs    ImportLogRepository
	store   CaseWriter
	audit   auditor
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func NewImporter(fields FieldMappingRepository, logs ImportLogRepository, store CaseWriter,
	rec audit.Recorder, m *metrics.Metrics, logger zerolog.Logger) *Importer {
	l := logger.With().Str("component", "epic-import").Logger()
	return &Importer{
		fields:  fields,
		logs:    logs,
		store:   store,
		audit:   auditor{rec: rec, logger: l},
		metrics: m,
		logger:  l,
	}
}

// activeFields is the set of "table.column" targets enabled at import time.
// A nil set means the configuration could not be read and every target
// applies.
type activeFields map[string]bool

func (a activeFields) applies(table, column string) bool {
	return a == nil || a[table+"."+column]
}

// CreateCaseFromImport creates the patient (when needed) and the case for a
// previewed appointment. It never panics or returns an error: every failure
// is reported in the result.
//
// A success row is appended to the import log after the case is created.
// The result reflects case creation only; a failed log write is logged and
// does not turn a created case into a failure.
func (im *Importer) CreateCaseFromImport(ctx context.Context, req ImportRequest) (result CaseImportResult) {
	defer func() {
		if r := recover(); r != nil {
			im.logger.Error().Interface("panic", r).Msg("panic during Epic case import")
			result = CaseImportResult{Error: fmt.Sprintf("unexpected error importing appointment: %v", r)}
		}
	}()

	p := req.Preview
	if p == nil || p.Resolved == nil || p.Resolved.Appointment == nil {
		return CaseImportResult{Error: "import preview has no appointment"}
	}
	if p.ScheduledDate == nil {
		return im.fail(ctx, req, errors.New("appointment has no valid start time"))
	}
	scheduled, err := time.Parse("2006-01-02", *p.ScheduledDate)
	if err != nil {
		return im.fail(ctx, req, fmt.Errorf("invalid scheduled date %q: %w", *p.ScheduledDate, err))
	}

	// Loaded per import so configuration edits apply to the next import.
	fieldRows, err := im.fields.List(ctx, true)
	var fields activeFields
	if err != nil {
		im.logger.Warn().Err(err).Msg("field mappings unavailable; applying all targets")
	} else {
		fields = make(activeFields, len(fieldRows))
		for _, f := range fieldRows {
			fields[f.TargetTable+"."+f.TargetColumn] = true
		}
	}

	params := surgery.CreateCaseParams{
		CaseNumber:    CaseNumber(p.FHIRAppointmentID),
		ScheduledDate: scheduled,
		StatusID:      req.ScheduledStatusID,
		FacilityID:    req.FacilityID,
		CreatedBy:     req.ImportedBy,
		Source:        surgery.SourceEpic,
		Notes:         p.Description,
	}
	if fields.applies("cases", "start_time") {
		params.StartTime = p.StartTime
	}
	if fields.applies("cases", "surgeon_id") {
		params.SurgeonID = p.SurgeonID
	}
	if fields.applies("cases", "or_room_id") {
		params.ORRoomID = p.RoomID
	}
	if fields.applies("cases", "procedure_type_id") {
		params.ProcedureTypeID = p.ProcedureID
	}
	if fields.applies("cases", "external_id") {
		params.ExternalID = &p.FHIRAppointmentID
	}

	// The patient and the case commit together so a failed case never
	// leaves a new patient behind.
	var caseID uuid.UUID
	err = im.store.InTx(ctx, func(ctx context.Context) error {
		patientID, err := im.resolvePatient(ctx, req.FacilityID, p, fields)
		if err != nil {
			return err
		}
		params.PatientID = patientID
		if caseID, err = im.store.CreateCase(ctx, params); err != nil {
			return fmt.Errorf("create case: %w", err)
		}
		return nil
	})
	if err != nil {
		return im.fail(ctx, req, err)
	}

	entry := im.logEntry(req, ImportSuccess, &caseID, nil)
	entry.ResourceSnapshot = marshalOrNil(p.Resolved)
	entry.FieldMappingApplied = marshalOrNil(fieldRows)
	if err := im.logs.Create(ctx, entry); err != nil {
		im.logger.Error().Err(err).Str("appointment_id", p.FHIRAppointmentID).Str("case_id", caseID.String()).
			Msg("failed to write import log entry for created case")
	}

	im.metrics.IncImport(string(ImportSuccess))
	im.audit.record(ctx, audit.ActionEpicCasesImported, req.FacilityID, req.ImportedBy, "case", caseID.String(),
		map[string]any{"fhir_appointment_id": p.FHIRAppointmentID, "case_number": params.CaseNumber}, nil)
	im.logger.Info().Str("appointment_id", p.FHIRAppointmentID).Str("case_id", caseID.String()).Msg("Epic case imported")

	return CaseImportResult{Success: true, CaseID: &caseID, PatientID: params.PatientID}
}

// resolvePatient reuses the facility's patient with the same MRN and
// creates one otherwise. Appointments without a named patient import
// without one.
func (im *Importer) resolvePatient(ctx context.Context, facilityID uuid.UUID, p *CaseImportPreview, fields activeFields) (*uuid.UUID, error) {
	if p.Resolved.Patient == nil || (p.PatientFirstName == nil && p.PatientLastName == nil) {
		return nil, nil
	}

	var mrn *string
	if p.PatientMRN != nil && fields.applies("patients", "mrn") {
		mrn = p.PatientMRN
		existing, err := im.store.FindPatientByMRN(ctx, facilityID, *mrn)
		switch {
		case err == nil:
			return &existing.ID, nil
		case !errors.Is(err, surgery.ErrNotFound):
			return nil, fmt.Errorf("look up patient by MRN: %w", err)
		}
	}

	pt := &surgery.Patient{FacilityID: facilityID, MRN: mrn}
	if p.PatientFirstName != nil {
		pt.FirstName = *p.PatientFirstName
	}
	if p.PatientLastName != nil {
		pt.LastName = *p.PatientLastName
	}
	if p.PatientDOB != nil && fields.applies("patients", "date_of_birth") {
		if dob, err := time.Parse("2006-01-02", *p.PatientDOB); err == nil {
			pt.DateOfBirth = &dob
		}
	}
	if err := im.store.CreatePatient(ctx, pt); err != nil {
		return nil, fmt.Errorf("create patient: %w", err)
	}
	return &pt.ID, nil
}

func (im *Importer) fail(ctx context.Context, req ImportRequest, err error) CaseImportResult {
	msg := err.Error()
	p := req.Preview
	im.logger.Warn().Err(err).Str("appointment_id", p.FHIRAppointmentID).Msg("Epic case import failed")

	entry := im.logEntry(req, ImportFailed, nil, &msg)
	entry.ResourceSnapshot = marshalOrNil(p.Resolved)
	if lerr := im.logs.Create(ctx, entry); lerr != nil {
		im.logger.Warn().Err(lerr).Str("appointment_id", p.FHIRAppointmentID).Msg("failed to write import failure log")
	}
	im.metrics.IncImport(string(ImportFailed))
	im.audit.record(ctx, audit.ActionEpicCaseImportFailed, req.FacilityID, req.ImportedBy, "epic_appointment",
		p.FHIRAppointmentID, nil, err)
	return CaseImportResult{Error: msg}
}

// LogOutcome appends a non-import row, such as a skipped or duplicate
// appointment, to the import log. Failures are logged only.
func (im *Importer) LogOutcome(ctx context.Context, req ImportRequest, status ImportStatus, reason string) {
	entry := im.logEntry(req, status, nil, strPtr(reason))
	if err := im.logs.Create(ctx, entry); err != nil {
		im.logger.Warn().Err(err).Str("appointment_id", req.Preview.FHIRAppointmentID).
			Str("status", string(status)).Msg("failed to write import log entry")
	}
	im.metrics.IncImport(string(status))
}

func (im *Importer) logEntry(req ImportRequest, status ImportStatus, caseID *uuid.UUID, errMsg *string) *ImportLogEntry {
	e := &ImportLogEntry{
		FacilityID:        req.FacilityID,
		ConnectionID:      req.ConnectionID,
		FHIRAppointmentID: req.Preview.FHIRAppointmentID,
		FHIRPatientID:     req.Preview.FHIRPatientID,
		CaseID:            caseID,
		Status:            status,
		ErrorMessage:      errMsg,
	}
	if req.ImportedBy != uuid.Nil {
		by := req.ImportedBy
		e.ImportedBy = &by
	}
	return e
}

func marshalOrNil(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
