package fhirmodels

import "testing"

func TestReference_Split(t *testing.T) {
	tests := []struct {
		ref      string
		wantType string
		wantID   string
	}{
		{"Practitioner/pract-001", "Practitioner", "pract-001"},
		{"https://fhir.example.org/api/FHIR/R4/Location/loc-001", "Location", "loc-001"},
		{"Patient/", "", ""},
		{"pat-001", "", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		rt, id := Reference{Reference: tt.ref}.Split()
		if rt != tt.wantType || id != tt.wantID {
			t.Errorf("Split(%q) = (%q, %q), want (%q, %q)", tt.ref, rt, id, tt.wantType, tt.wantID)
		}
	}
}

func TestAppointment_ParticipantReference_FirstWins(t *testing.T) {
	appt := &Appointment{
		Participant: []AppointmentParticipant{
			{Actor: &Reference{Reference: "Patient/pat-001"}},
			{Actor: nil},
			{Actor: &Reference{Reference: "Practitioner/pract-001", Display: "Jones, Sarah"}},
			{Actor: &Reference{Reference: "Practitioner/pract-002"}},
		},
	}
	ref, id, ok := appt.ParticipantReference(ResourcePractitioner)
	if !ok || id != "pract-001" || ref.Display != "Jones, Sarah" {
		t.Errorf("unexpected participant: ok=%v id=%q display=%q", ok, id, ref.Display)
	}
	if _, _, ok := appt.ParticipantReference(ResourceLocation); ok {
		t.Error("expected no location participant")
	}
}

func TestCodeableConcept_DisplayText(t *testing.T) {
	c := CodeableConcept{Text: "Total Hip Replacement", Coding: []Coding{{Display: "THR"}}}
	if got := c.DisplayText(); got != "Total Hip Replacement" {
		t.Errorf("expected text, got %q", got)
	}
	c.Text = ""
	if got := c.DisplayText(); got != "THR" {
		t.Errorf("expected coding display, got %q", got)
	}
	if got := (CodeableConcept{}).DisplayText(); got != "" {
		t.Errorf("expected empty, got %q", got)
	}
}

func TestPreferredName(t *testing.T) {
	names := []HumanName{
		{Use: NameUseUsual, Family: "Smyth"},
		{Use: NameUseOfficial, Family: "Smith", Given: []string{"John"}},
	}
	n, ok := PreferredName(names)
	if !ok || n.Family != "Smith" {
		t.Errorf("expected official name, got %+v", n)
	}
	n, ok = PreferredName(names[:1])
	if !ok || n.Family != "Smyth" {
		t.Errorf("expected first name, got %+v", n)
	}
	if _, ok := PreferredName(nil); ok {
		t.Error("expected ok=false for no names")
	}
}

func TestAppointment_StartTime(t *testing.T) {
	a := &Appointment{Start: "2026-03-15T07:30:00-05:00"}
	st, ok := a.StartTime()
	if !ok {
		t.Fatal("expected start time to parse")
	}
	if st.Hour() != 7 || st.Minute() != 30 {
		t.Errorf("unexpected time %v", st)
	}
	if _, ok := (&Appointment{Start: "garbage"}).StartTime(); ok {
		t.Error("expected parse failure")
	}
}
