package epic

import (
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/epicbridge/pkg/fhirmodels"
)

// CaseNumberPrefix prefixes the Epic appointment id to form a case number.
const CaseNumberPrefix = "EPIC-"

func CaseNumber(fhirAppointmentID string) string {
	return CaseNumberPrefix + fhirAppointmentID
}

// MappingIndex looks up mapped local ids by type and Epic resource id.
type MappingIndex map[MappingType]map[string]*EntityMapping

func NewMappingIndex(mappings []*EntityMapping) MappingIndex {
	idx := make(MappingIndex)
	for _, m := range mappings {
		if idx[m.MappingType] == nil {
			idx[m.MappingType] = make(map[string]*EntityMapping)
		}
		idx[m.MappingType][m.EpicResourceID] = m
	}
	return idx
}

// localID returns the mapped local id, or nil when the resource is unmapped
// or its mapping has no local entity yet.
func (idx MappingIndex) localID(mt MappingType, epicResourceID string) *uuid.UUID {
	if epicResourceID == "" {
		return nil
	}
	if m, ok := idx[mt][epicResourceID]; ok && m.LocalEntityID != nil {
		id := *m.LocalEntityID
		return &id
	}
	return nil
}

// ServiceTypeKey identifies an appointment's first service type for
// procedure mappings: its first coding's code, else its text.
func ServiceTypeKey(appt *fhirmodels.Appointment) (key, name string) {
	if len(appt.ServiceType) == 0 {
		return "", ""
	}
	st := appt.ServiceType[0]
	name = st.DisplayText()
	for _, c := range st.Coding {
		if c.Code != "" {
			return c.Code, name
		}
	}
	return name, name
}

// MapAppointmentToPreview projects a resolved appointment onto the import
// preview. Mapping lookups use the appointment's own participant references,
// so they work even when a participant resource failed to resolve.
func MapAppointmentToPreview(r *ResolvedAppointment, mappings MappingIndex, imported map[string]bool) *CaseImportPreview {
	appt := r.Appointment
	p := &CaseImportPreview{
		FHIRAppointmentID: appt.ID,
		DurationMinutes:   appt.MinutesDuration,
		Description:       strPtr(appt.Description),
		MissingMappings:   []string{},
		Resolved:          r,
	}

	if start, ok := appt.StartTime(); ok {
		p.ScheduledDate = strPtr(start.Format("2006-01-02"))
		p.StartTime = strPtr(start.Format("15:04:05"))
	}

	if _, id, ok := appt.ParticipantReference(fhirmodels.ResourcePatient); ok {
		p.FHIRPatientID = &id
	}
	if r.Patient != nil {
		if n, ok := fhirmodels.PreferredName(r.Patient.Name); ok {
			p.PatientFirstName = strPtr(n.FirstGiven())
			p.PatientLastName = strPtr(n.Family)
			p.PatientName = strPtr(formatName(n))
		}
		p.PatientMRN = strPtr(ExtractMRN(r.Patient.Identifier))
		p.PatientDOB = strPtr(r.Patient.BirthDate)
	}

	pracRef, pracID, hasPractitioner := appt.ParticipantReference(fhirmodels.ResourcePractitioner)
	if hasPractitioner {
		p.FHIRPractitionerID = &pracID
		p.SurgeonID = mappings.localID(MappingSurgeon, pracID)
		p.SurgeonName = strPtr(pracRef.Display)
		if r.Practitioner != nil {
			if n, ok := fhirmodels.PreferredName(r.Practitioner.Name); ok {
				if s := formatName(n); s != "" {
					p.SurgeonName = &s
				}
			}
		}
		if p.SurgeonID == nil {
			p.MissingMappings = append(p.MissingMappings, MissingSurgeon)
		}
	}

	locRef, locID, hasLocation := appt.ParticipantReference(fhirmodels.ResourceLocation)
	if hasLocation {
		p.FHIRLocationID = &locID
		p.RoomID = mappings.localID(MappingRoom, locID)
		p.RoomName = strPtr(locRef.Display)
		if r.Location != nil && r.Location.Name != "" {
			p.RoomName = strPtr(r.Location.Name)
		}
		if p.RoomID == nil {
			p.MissingMappings = append(p.MissingMappings, MissingRoom)
		}
	}

	if key, name := ServiceTypeKey(appt); key != "" {
		p.ServiceTypeKey = &key
		p.ProcedureName = strPtr(name)
		p.ProcedureID = mappings.localID(MappingProcedure, key)
	}

	switch {
	case imported[appt.ID]:
		p.Status = PreviewAlreadyImported
	case len(p.MissingMappings) > 0:
		p.Status = PreviewMissingMappings
	default:
		p.Status = PreviewReady
	}
	return p
}

// formatName renders "Family, Given", or whichever part exists.
func formatName(n fhirmodels.HumanName) string {
	family, given := strings.TrimSpace(n.Family), strings.TrimSpace(n.FirstGiven())
	switch {
	case family != "" && given != "":
		return family + ", " + given
	case family != "":
		return family
	case given != "":
		return given
	}
	return strings.TrimSpace(n.Text)
}

// ExtractMRN prefers an identifier typed MR or MRN, then one whose system
// mentions "mrn", then the first identifier.
func ExtractMRN(ids []fhirmodels.Identifier) string {
	for _, id := range ids {
		if id.Type == nil || id.Value == "" {
			continue
		}
		for _, c := range id.Type.Coding {
			if c.Code == fhirmodels.IdentifierTypeMR || c.Code == fhirmodels.IdentifierTypeMRN {
				return id.Value
			}
		}
		if t := strings.ToUpper(id.Type.Text); t == fhirmodels.IdentifierTypeMR || t == fhirmodels.IdentifierTypeMRN {
			return id.Value
		}
	}
	for _, id := range ids {
		if id.Value != "" && strings.Contains(strings.ToLower(id.System), "mrn") {
			return id.Value
		}
	}
	if len(ids) > 0 {
		return ids[0].Value
	}
	return ""
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
