package epic

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/epicbridge/pkg/fhirmodels"
)

func newTestClient() (*Client, *fakeRequester) {
	f := newFakeRequester()
	return NewClient(f, zerolog.Nop()), f
}

func TestSearchSurgicalAppointments_FiltersEntries(t *testing.T) {
	c, f := newTestClient()
	cancelled := e2eAppointment()
	cancelled.ID, cancelled.Status = "appt-002", "cancelled"
	noParticipants := e2eAppointment()
	noParticipants.ID, noParticipants.Participant = "appt-003", nil
	noID := e2eAppointment()
	noID.ID = ""
	f.set("Appointment", bundleOf(
		e2eAppointment(), cancelled, noParticipants, noID,
		fhirmodels.OperationOutcome{ResourceType: "OperationOutcome"},
	))

	from := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	got, err := c.SearchSurgicalAppointments(context.Background(), uuid.New(), from, from.AddDate(0, 0, 5), "pract-001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].ID != "appt-001" {
		t.Fatalf("expected only appt-001, got %d appointments", len(got))
	}

	call := f.calls[0]
	for _, want := range []string{
		"date=ge2026-03-15", "date=le2026-03-20", "_count=100",
		"practitioner=Practitioner%2Fpract-001", "service-type=http%3A%2F%2Fsnomed.info%2Fsct%7C387713003",
	} {
		if !strings.Contains(call, want) {
			t.Errorf("query %q missing %q", call, want)
		}
	}
}

func TestSearchSurgicalAppointments_ErrorYieldsEmpty(t *testing.T) {
	c, f := newTestClient()
	f.errs["Appointment"] = &FHIRError{Kind: KindRateLimited, Attempts: 4}

	got, err := c.SearchSurgicalAppointments(context.Background(), uuid.New(), testNow, testNow, "")
	if err == nil {
		t.Fatal("expected error")
	}
	if got == nil || len(got) != 0 {
		t.Errorf("expected empty list, got %v", got)
	}
	if strings.Contains(f.calls[0], "practitioner=") {
		t.Error("practitioner filter sent without a practitioner")
	}
}

func TestSearchBundle_NoEntries(t *testing.T) {
	c, f := newTestClient()
	f.set("Location", fhirmodels.Bundle{ResourceType: "Bundle", Type: "searchset"})
	got, err := c.SearchLocations(context.Background(), uuid.New())
	if err != nil || len(got) != 0 {
		t.Errorf("expected empty result, got %v %v", got, err)
	}
}

func TestResolveAppointmentDetails_NoParticipants(t *testing.T) {
	c, f := newTestClient()
	appt := &fhirmodels.Appointment{ID: "appt-001", Status: "booked"}
	r := c.ResolveAppointmentDetails(context.Background(), uuid.New(), appt)
	if f.callCount() != 0 {
		t.Errorf("expected no requests, got %v", f.calls)
	}
	if r.Appointment != appt || r.Patient != nil || r.Practitioner != nil || r.Location != nil {
		t.Errorf("unexpected resolution %+v", r)
	}
}

func TestResolveAppointmentDetails_PartialFailure(t *testing.T) {
	c, f := newTestClient()
	f.errs["Patient/pat-001"] = errors.New("connection reset")
	f.set("Practitioner/pract-001", e2ePractitioner())
	f.set("Location/loc-001", e2eLocation())

	r := c.ResolveAppointmentDetails(context.Background(), uuid.New(), e2eAppointment())
	if r.Patient != nil {
		t.Error("failed patient fetch should leave patient nil")
	}
	if r.Practitioner == nil || r.Practitioner.ID != "pract-001" {
		t.Errorf("expected practitioner, got %+v", r.Practitioner)
	}
	if r.Location == nil || r.Location.Name != "Operating Room 1" {
		t.Errorf("expected location, got %+v", r.Location)
	}
	if f.callCount() != 3 {
		t.Errorf("expected 3 requests, got %d", f.callCount())
	}
}

func TestGetPatient_InvalidJSON(t *testing.T) {
	c, f := newTestClient()
	f.responses["Patient/pat-001"] = []byte("<html>")
	if _, err := c.GetPatient(context.Background(), uuid.New(), "pat-001"); err == nil {
		t.Error("expected decode error")
	}
}
