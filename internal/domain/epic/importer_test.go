package epic

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/epicbridge/internal/domain/surgery"
	"github.com/ehr/epicbridge/internal/platform/audit"
)

type importFixture struct {
	importer  *Importer
	fields    *mockFieldRepo
	logs      *mockImportLogRepo
	cases     *mockCaseWriter
	audit     *mockRecorder
	req       ImportRequest
	surgeonID uuid.UUID
	roomID    uuid.UUID
}

func newImportFixture() *importFixture {
	f := &importFixture{
		fields:    newMockFieldRepo(),
		logs:      newMockImportLogRepo(),
		cases:     newMockCaseWriter(),
		audit:     &mockRecorder{},
		surgeonID: uuid.New(),
		roomID:    uuid.New(),
	}
	f.importer = NewImporter(f.fields, f.logs, f.cases, f.audit, nil, zerolog.Nop())
	f.req = ImportRequest{
		FacilityID:        uuid.New(),
		ConnectionID:      uuid.New(),
		ImportedBy:        uuid.New(),
		ScheduledStatusID: uuid.New(),
		Preview:           MapAppointmentToPreview(e2eResolved(), mappedIndex(f.surgeonID, f.roomID), nil),
	}
	return f
}

func TestCreateCaseFromImport_EndToEnd(t *testing.T) {
	f := newImportFixture()
	res := f.importer.CreateCaseFromImport(context.Background(), f.req)
	if !res.Success || res.CaseID == nil || res.PatientID == nil {
		t.Fatalf("expected success, got %+v", res)
	}

	if len(f.cases.created) != 1 {
		t.Fatalf("expected one patient created, got %d", len(f.cases.created))
	}
	pt := f.cases.created[0]
	if pt.FirstName != "John" || pt.LastName != "Smith" || pt.MRN == nil || *pt.MRN != "MRN-12345" {
		t.Errorf("unexpected patient %+v", pt)
	}
	if pt.DateOfBirth == nil || !pt.DateOfBirth.Equal(time.Date(1958, 4, 2, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected dob %v", pt.DateOfBirth)
	}

	p := f.cases.cases[0]
	if p.CaseNumber != "EPIC-appt-001" || p.Source != surgery.SourceEpic || p.StatusID != f.req.ScheduledStatusID {
		t.Errorf("unexpected case params %+v", p)
	}
	if !p.ScheduledDate.Equal(time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)) || p.StartTime == nil || *p.StartTime != "07:30:00" {
		t.Errorf("unexpected schedule %v %v", p.ScheduledDate, p.StartTime)
	}
	if *p.SurgeonID != f.surgeonID || *p.ORRoomID != f.roomID || *p.PatientID != *res.PatientID {
		t.Error("case not linked to mapped surgeon, room and patient")
	}
	if p.ProcedureTypeID != nil || p.ExternalID == nil || *p.ExternalID != "appt-001" {
		t.Errorf("unexpected procedure/external id %v %v", p.ProcedureTypeID, p.ExternalID)
	}

	logs := f.logs.byStatus(ImportSuccess)
	if len(logs) != 1 || logs[0].CaseID == nil || *logs[0].CaseID != *res.CaseID {
		t.Fatalf("expected success log linked to case, got %+v", logs)
	}
	var snap ResolvedAppointment
	if err := json.Unmarshal(logs[0].ResourceSnapshot, &snap); err != nil || snap.Appointment.ID != "appt-001" {
		t.Errorf("unexpected snapshot %s", logs[0].ResourceSnapshot)
	}
	if len(logs[0].FieldMappingApplied) == 0 {
		t.Error("expected applied field mappings in log")
	}
	if !f.audit.has(audit.ActionEpicCasesImported) {
		t.Errorf("expected cases_imported audit, got %v", f.audit.actions())
	}
}

func TestCreateCaseFromImport_ReusesPatientByMRN(t *testing.T) {
	f := newImportFixture()
	mrn := "MRN-12345"
	existing := &surgery.Patient{ID: uuid.New(), FacilityID: f.req.FacilityID, MRN: &mrn}
	f.cases.patients[mrn] = existing

	res := f.importer.CreateCaseFromImport(context.Background(), f.req)
	if !res.Success || *res.PatientID != existing.ID {
		t.Fatalf("expected existing patient, got %+v", res)
	}
	if len(f.cases.created) != 0 {
		t.Errorf("expected no new patient, got %d", len(f.cases.created))
	}
}

func TestCreateCaseFromImport_LogFailureStillSucceeds(t *testing.T) {
	f := newImportFixture()
	f.logs.createErr = errors.New("log table locked")
	res := f.importer.CreateCaseFromImport(context.Background(), f.req)
	if !res.Success || res.CaseID == nil {
		t.Errorf("case was created, expected success, got %+v", res)
	}
}

func TestCreateCaseFromImport_CaseFailure(t *testing.T) {
	f := newImportFixture()
	f.cases.createCaseErr = errors.New("duplicate case_number")
	res := f.importer.CreateCaseFromImport(context.Background(), f.req)
	if res.Success || !strings.Contains(res.Error, "duplicate case_number") {
		t.Fatalf("expected failure, got %+v", res)
	}
	failed := f.logs.byStatus(ImportFailed)
	if len(failed) != 1 || failed[0].ErrorMessage == nil || failed[0].CaseID != nil {
		t.Errorf("expected failed log without case, got %+v", failed)
	}
	if !f.audit.has(audit.ActionEpicCaseImportFailed) {
		t.Errorf("expected import failure audit, got %v", f.audit.actions())
	}
	if len(f.cases.created) != 0 || f.cases.rolledBack != 1 {
		t.Errorf("patient created for a failed case must roll back, got %d patients (%d rollbacks)",
			len(f.cases.created), f.cases.rolledBack)
	}
	if _, err := f.cases.FindPatientByMRN(context.Background(), f.req.FacilityID, "MRN-12345"); !errors.Is(err, surgery.ErrNotFound) {
		t.Errorf("expected rolled back patient to be gone, got %v", err)
	}
}

func TestCreateCaseFromImport_InactiveFieldNotWritten(t *testing.T) {
	f := newImportFixture()
	f.fields.setActive("cases", "or_room_id", false)
	f.fields.setActive("patients", "mrn", false)

	res := f.importer.CreateCaseFromImport(context.Background(), f.req)
	if !res.Success {
		t.Fatalf("unexpected failure %s", res.Error)
	}
	if f.cases.cases[0].ORRoomID != nil {
		t.Error("inactive or_room_id mapping was applied")
	}
	if f.cases.created[0].MRN != nil {
		t.Error("inactive mrn mapping was applied")
	}
}

func TestCreateCaseFromImport_FieldConfigUnavailable(t *testing.T) {
	f := newImportFixture()
	f.fields.listErr = errors.New("timeout")
	res := f.importer.CreateCaseFromImport(context.Background(), f.req)
	if !res.Success || f.cases.cases[0].ORRoomID == nil {
		t.Errorf("expected all targets applied, got %+v", res)
	}
}

func TestCreateCaseFromImport_NoStartTime(t *testing.T) {
	f := newImportFixture()
	f.req.Preview.ScheduledDate = nil
	res := f.importer.CreateCaseFromImport(context.Background(), f.req)
	if res.Success || len(f.cases.cases) != 0 {
		t.Errorf("expected failure without a date, got %+v", res)
	}
}

func TestCreateCaseFromImport_RecoversPanic(t *testing.T) {
	f := newImportFixture()
	f.cases.panicOnCreate = true
	res := f.importer.CreateCaseFromImport(context.Background(), f.req)
	if res.Success || !strings.Contains(res.Error, "boom") {
		t.Errorf("expected recovered failure, got %+v", res)
	}
}

func TestCreateCaseFromImport_NoPatient(t *testing.T) {
	f := newImportFixture()
	f.req.Preview = MapAppointmentToPreview(&ResolvedAppointment{Appointment: e2eAppointment()}, mappedIndex(f.surgeonID, f.roomID), nil)
	res := f.importer.CreateCaseFromImport(context.Background(), f.req)
	if !res.Success || res.PatientID != nil || f.cases.cases[0].PatientID != nil {
		t.Errorf("expected case without patient, got %+v", res)
	}
}
