package fhirmodels

// Common FHIR value set constants used across the application.

// AppointmentStatus values per FHIR R4.
const (
	AppointmentStatusProposed       = "proposed"
	AppointmentStatusPending        = "pending"
	AppointmentStatusBooked         = "booked"
	AppointmentStatusArrived        = "arrived"
	AppointmentStatusFulfilled      = "fulfilled"
	AppointmentStatusCancelled      = "cancelled"
	AppointmentStatusNoShow         = "noshow"
	AppointmentStatusEnteredInError = "entered-in-error"
	AppointmentStatusCheckedIn      = "checked-in"
	AppointmentStatusWaitlist       = "waitlist"
)

// ImportableAppointmentStatuses are the appointment states that can still
// become a scheduled case.
var ImportableAppointmentStatuses = map[string]bool{
	AppointmentStatusBooked:   true,
	AppointmentStatusArrived:  true,
	AppointmentStatusPending:  true,
	AppointmentStatusProposed: true,
}

// Resource type names referenced from appointment participants.
const (
	ResourcePatient      = "Patient"
	ResourcePractitioner = "Practitioner"
	ResourceLocation     = "Location"
	ResourceAppointment  = "Appointment"
	ResourceBundle       = "Bundle"
	ResourceOutcome      = "OperationOutcome"
)

// HumanName.use codes.
const (
	NameUseOfficial = "official"
	NameUseUsual    = "usual"
	NameUseNickname = "nickname"
)

// Identifier type codes (v2-0203) that mark a medical record number.
const (
	IdentifierTypeMR  = "MR"
	IdentifierTypeMRN = "MRN"
)

// ServiceTypeSurgicalProcedure is the service-type token used to narrow
// appointment searches to surgical cases.
const ServiceTypeSurgicalProcedure = "http://snomed.info/sct|387713003"

// FHIRContentType is the media type used for both Accept and Content-Type.
const FHIRContentType = "application/fhir+json"
