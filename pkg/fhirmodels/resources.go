package fhirmodels

import (
	"encoding/json"
	"strings"
	"time"
)

// The structs below cover only the Appointment, Patient, Practitioner and
// Location fields the Epic import reads. Unknown fields are ignored on decode.

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Display   string `json:"display,omitempty"`
}

// Split returns the resource type and id of a relative reference such as
// "Practitioner/pract-001". Absolute URLs are reduced to their last two
// path segments.
func (r Reference) Split() (resourceType, id string) {
	ref := strings.TrimSuffix(r.Reference, "/")
	if ref == "" {
		return "", ""
	}
	parts := strings.Split(ref, "/")
	if len(parts) < 2 {
		return "", ""
	}
	return parts[len(parts)-2], parts[len(parts)-1]
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// DisplayText prefers the concept's text and falls back to the first
// coding's display.
func (c CodeableConcept) DisplayText() string {
	if c.Text != "" {
		return c.Text
	}
	if len(c.Coding) > 0 {
		return c.Coding[0].Display
	}
	return ""
}

type Identifier struct {
	Use    string           `json:"use,omitempty"`
	Type   *CodeableConcept `json:"type,omitempty"`
	System string           `json:"system,omitempty"`
	Value  string           `json:"value,omitempty"`
}

type HumanName struct {
	Use    string   `json:"use,omitempty"`
	Text   string   `json:"text,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
}

// FirstGiven returns the first given name or "".
func (n HumanName) FirstGiven() string {
	if len(n.Given) == 0 {
		return ""
	}
	return n.Given[0]
}

type AppointmentParticipant struct {
	Actor    *Reference        `json:"actor,omitempty"`
	Type     []CodeableConcept `json:"type,omitempty"`
	Required string            `json:"required,omitempty"`
	Status   string            `json:"status,omitempty"`
}

type Appointment struct {
	ResourceType    string                   `json:"resourceType"`
	ID              string                   `json:"id"`
	Status          string                   `json:"status"`
	ServiceType     []CodeableConcept        `json:"serviceType,omitempty"`
	Description     string                   `json:"description,omitempty"`
	Comment         string                   `json:"comment,omitempty"`
	Start           string                   `json:"start,omitempty"`
	End             string                   `json:"end,omitempty"`
	MinutesDuration int                      `json:"minutesDuration,omitempty"`
	Participant     []AppointmentParticipant `json:"participant"`
}

// ParticipantReference returns the first participant actor whose reference
// points at resourceType. ok is false when no such participant exists.
func (a *Appointment) ParticipantReference(resourceType string) (ref Reference, id string, ok bool) {
	for _, p := range a.Participant {
		if p.Actor == nil {
			continue
		}
		rt, rid := p.Actor.Split()
		if rt == resourceType && rid != "" {
			return *p.Actor, rid, true
		}
	}
	return Reference{}, "", false
}

// StartTime parses Start as an RFC 3339 instant.
func (a *Appointment) StartTime() (time.Time, bool) {
	if a.Start == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, a.Start)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

type Patient struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id"`
	Identifier   []Identifier `json:"identifier,omitempty"`
	Name         []HumanName  `json:"name,omitempty"`
	Gender       string       `json:"gender,omitempty"`
	BirthDate    string       `json:"birthDate,omitempty"`
}

type Practitioner struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id"`
	Identifier   []Identifier `json:"identifier,omitempty"`
	Name         []HumanName  `json:"name,omitempty"`
	Active       *bool        `json:"active,omitempty"`
}

type Location struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Status       string `json:"status,omitempty"`
	Name         string `json:"name,omitempty"`
	Description  string `json:"description,omitempty"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type,omitempty"`
	Total        *int          `json:"total,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// PreferredName returns the official-use name if present, otherwise the
// first name. ok is false when names is empty.
func PreferredName(names []HumanName) (HumanName, bool) {
	for _, n := range names {
		if n.Use == NameUseOfficial {
			return n, true
		}
	}
	if len(names) > 0 {
		return names[0], true
	}
	return HumanName{}, false
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity,omitempty"`
	Code        string           `json:"code,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Details     *CodeableConcept `json:"details,omitempty"`
}

// OperationOutcome is the error body Epic returns with most 4xx/5xx
// responses.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue,omitempty"`
}

// Summary returns the first issue's diagnostics or details text.
func (o *OperationOutcome) Summary() string {
	for _, iss := range o.Issue {
		if iss.Diagnostics != "" {
			return iss.Diagnostics
		}
		if iss.Details != nil {
			if t := iss.Details.DisplayText(); t != "" {
				return t
			}
		}
	}
	return ""
}
