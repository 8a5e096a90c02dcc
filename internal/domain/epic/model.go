package epic

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/epicbridge/pkg/fhirmodels"
)

// ConnectionStatus is the cached state of a facility's Epic link. Token
// validity is always re-derived from TokenExpiresAt.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
	StatusTokenExpired ConnectionStatus = "token_expired"
)

const (
	SyncModeManual    = "manual"
	SyncModeScheduled = "scheduled"
)

// Connection maps to the epic_connections table. Secrets are plaintext in
// memory; the Postgres repository seals them at rest.
type Connection struct {
	ID              uuid.UUID        `db:"id" json:"id"`
	FacilityID      uuid.UUID        `db:"facility_id" json:"facility_id"`
	FHIRBaseURL     string           `db:"fhir_base_url" json:"fhir_base_url"`
	TokenURL        string           `db:"token_url" json:"token_url"`
	ClientID        string           `db:"client_id" json:"client_id"`
	ClientSecret    string           `db:"client_secret" json:"-"`
	AccessToken     string           `db:"access_token" json:"-"`
	RefreshToken    string           `db:"refresh_token" json:"-"`
	TokenExpiresAt  *time.Time       `db:"token_expires_at" json:"token_expires_at,omitempty"`
	TokenScopes     []string         `db:"token_scopes" json:"token_scopes"`
	Status          ConnectionStatus `db:"status" json:"status"`
	LastConnectedAt *time.Time       `db:"last_connected_at" json:"last_connected_at,omitempty"`
	LastError       *string          `db:"last_error" json:"last_error,omitempty"`
	SyncMode        string           `db:"sync_mode" json:"sync_mode"`
	ConnectedBy     *uuid.UUID       `db:"connected_by" json:"connected_by,omitempty"`
	CreatedAt       time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time        `db:"updated_at" json:"updated_at"`
}

// ConnectionSettings are the admin-entered endpoint and client details.
type ConnectionSettings struct {
	FHIRBaseURL  string  `json:"fhir_base_url"`
	TokenURL     string  `json:"token_url"`
	ClientID     string  `json:"client_id"`
	ClientSecret *string `json:"client_secret,omitempty"`
	SyncMode     string  `json:"sync_mode"`
}

// TokenResponse is the OAuth 2.0 token endpoint payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// TokenUpdate is what StoreEpicToken persists.
type TokenUpdate struct {
	AccessToken     string
	RefreshToken    *string
	ExpiresAt       *time.Time
	Scopes          []string
	Status          ConnectionStatus
	LastConnectedAt time.Time
	ConnectedBy     *uuid.UUID
}

// TokenExpiryInfo is derived from a stored expiry and the current time.
type TokenExpiryInfo struct {
	ExpiresAt        *time.Time `json:"expires_at"`
	IsExpired        bool       `json:"is_expired"`
	MinutesRemaining *int       `json:"minutes_remaining"`
}

// EntityMapping maps to the epic_entity_mappings table.
type EntityMapping struct {
	ID               uuid.UUID   `db:"id" json:"id"`
	ConnectionID     uuid.UUID   `db:"connection_id" json:"connection_id"`
	FacilityID       uuid.UUID   `db:"facility_id" json:"facility_id"`
	MappingType      MappingType `db:"mapping_type" json:"mapping_type"`
	EpicResourceType string      `db:"epic_resource_type" json:"epic_resource_type"`
	EpicResourceID   string      `db:"epic_resource_id" json:"epic_resource_id"`
	EpicDisplayName  string      `db:"epic_display_name" json:"epic_display_name"`
	LocalEntityID    *uuid.UUID  `db:"local_entity_id" json:"local_entity_id,omitempty"`
	MatchMethod      *string     `db:"match_method" json:"match_method,omitempty"`
	MatchConfidence  *float64    `db:"match_confidence" json:"match_confidence,omitempty"`
	CreatedAt        time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time   `db:"updated_at" json:"updated_at"`
}

const (
	MatchMethodAuto   = "auto"
	MatchMethodManual = "manual"
)

// FieldMapping maps to the epic_field_mappings table.
type FieldMapping struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	FHIRResourceType string     `db:"fhir_resource_type" json:"fhir_resource_type"`
	FHIRFieldPath    string     `db:"fhir_field_path" json:"fhir_field_path"`
	TargetTable      string     `db:"target_table" json:"target_table"`
	TargetColumn     string     `db:"target_column" json:"target_column"`
	Label            string     `db:"label" json:"label"`
	Description      *string    `db:"description" json:"description,omitempty"`
	IsActive         bool       `db:"is_active" json:"is_active"`
	IsDefault        bool       `db:"is_default" json:"is_default"`
	UpdatedBy        *uuid.UUID `db:"updated_by" json:"updated_by,omitempty"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// FieldMappingUpdate carries the editable columns of a field mapping.
type FieldMappingUpdate struct {
	Label       *string `json:"label,omitempty"`
	Description *string `json:"description,omitempty"`
	IsActive    *bool   `json:"is_active,omitempty"`
}

// ImportStatus values of epic_import_log.status.
type ImportStatus string

const (
	ImportPending   ImportStatus = "pending"
	ImportSuccess   ImportStatus = "success"
	ImportFailed    ImportStatus = "failed"
	ImportSkipped   ImportStatus = "skipped"
	ImportDuplicate ImportStatus = "duplicate"
)

// ImportLogEntry maps to the append-only epic_import_log table.
type ImportLogEntry struct {
	ID                  uuid.UUID       `db:"id" json:"id"`
	FacilityID          uuid.UUID       `db:"facility_id" json:"facility_id"`
	ConnectionID        uuid.UUID       `db:"connection_id" json:"connection_id"`
	FHIRAppointmentID   string          `db:"fhir_appointment_id" json:"fhir_appointment_id"`
	FHIRPatientID       *string         `db:"fhir_patient_id" json:"fhir_patient_id,omitempty"`
	CaseID              *uuid.UUID      `db:"case_id" json:"case_id,omitempty"`
	Status              ImportStatus    `db:"status" json:"status"`
	ErrorMessage        *string         `db:"error_message" json:"error_message,omitempty"`
	ResourceSnapshot    json.RawMessage `db:"fhir_resource_snapshot" json:"fhir_resource_snapshot,omitempty"`
	FieldMappingApplied json.RawMessage `db:"field_mapping_applied" json:"field_mapping_applied,omitempty"`
	ImportedBy          *uuid.UUID      `db:"imported_by" json:"imported_by,omitempty"`
	CreatedAt           time.Time       `db:"created_at" json:"created_at"`
}

// ResolvedAppointment is an appointment with its participant resources.
// A nil resource means the reference was absent or could not be fetched.
type ResolvedAppointment struct {
	Appointment  *fhirmodels.Appointment  `json:"appointment"`
	Patient      *fhirmodels.Patient      `json:"patient"`
	Practitioner *fhirmodels.Practitioner `json:"practitioner"`
	Location     *fhirmodels.Location     `json:"location"`
}

// PreviewStatus is the import readiness of one appointment.
type PreviewStatus string

const (
	PreviewReady           PreviewStatus = "ready"
	PreviewMissingMappings PreviewStatus = "missing_mappings"
	PreviewAlreadyImported PreviewStatus = "already_imported"
)

// Values of CaseImportPreview.MissingMappings.
const (
	MissingSurgeon = "surgeon"
	MissingRoom    = "room"
)

// CaseImportPreview is the request-scoped view of one appointment before
// import. It is never persisted.
type CaseImportPreview struct {
	FHIRAppointmentID  string        `json:"fhir_appointment_id"`
	ScheduledDate      *string       `json:"scheduled_date"`
	StartTime          *string       `json:"start_time"`
	DurationMinutes    int           `json:"duration_minutes,omitempty"`
	Description        *string       `json:"description"`
	FHIRPatientID      *string       `json:"fhir_patient_id"`
	PatientName        *string       `json:"patient_name"`
	PatientFirstName   *string       `json:"patient_first_name"`
	PatientLastName    *string       `json:"patient_last_name"`
	PatientMRN         *string       `json:"patient_mrn"`
	PatientDOB         *string       `json:"patient_dob"`
	FHIRPractitionerID *string       `json:"fhir_practitioner_id"`
	SurgeonName        *string       `json:"surgeon_name"`
	SurgeonID          *uuid.UUID    `json:"surgeon_id"`
	FHIRLocationID     *string       `json:"fhir_location_id"`
	RoomName           *string       `json:"room_name"`
	RoomID             *uuid.UUID    `json:"room_id"`
	ServiceTypeKey     *string       `json:"service_type_key"`
	ProcedureName      *string       `json:"procedure_name"`
	ProcedureID        *uuid.UUID    `json:"procedure_id"`
	Status             PreviewStatus `json:"status"`
	MissingMappings    []string      `json:"missing_mappings"`

	Resolved *ResolvedAppointment `json:"-"`
}

// CaseImportResult is the outcome of one import.
type CaseImportResult struct {
	Success   bool       `json:"success"`
	CaseID    *uuid.UUID `json:"case_id,omitempty"`
	PatientID *uuid.UUID `json:"patient_id,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// AutoMatchAction classifies one auto-match result.
type AutoMatchAction string

const (
	ActionAutoApplied AutoMatchAction = "auto_applied"
	ActionSuggested   AutoMatchAction = "suggested"
	ActionSkipped     AutoMatchAction = "skipped"
)

type AutoMatchResult struct {
	MappingID        uuid.UUID       `json:"mapping_id"`
	EpicResourceID   string          `json:"epic_resource_id"`
	EpicDisplayName  string          `json:"epic_display_name"`
	MatchedLocalID   *uuid.UUID      `json:"matched_local_id"`
	MatchedLocalName *string         `json:"matched_local_name"`
	Confidence       float64         `json:"confidence"`
	Action           AutoMatchAction `json:"action"`
}

type AutoMatchSummary struct {
	MappingType MappingType       `json:"mapping_type"`
	AutoApplied int               `json:"auto_applied"`
	Suggested   int               `json:"suggested"`
	Skipped     int               `json:"skipped"`
	Results     []AutoMatchResult `json:"results"`
}
