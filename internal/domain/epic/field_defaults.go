package epic

// DefaultFieldMappings mirrors the rows seeded by migrations/002_epic.sql.
// ResetFieldMappings restores exactly this set.
func DefaultFieldMappings() []FieldMapping {
	desc := func(s string) *string { return &s }
	rows := []FieldMapping{
		{FHIRResourceType: "Appointment", FHIRFieldPath: "start", TargetTable: "cases", TargetColumn: "scheduled_date",
			Label: "Scheduled Date", Description: desc("Date portion of the appointment start")},
		{FHIRResourceType: "Appointment", FHIRFieldPath: "start", TargetTable: "cases", TargetColumn: "start_time",
			Label: "Start Time", Description: desc("Time portion of the appointment start")},
		{FHIRResourceType: "Appointment", FHIRFieldPath: "participant[Practitioner]", TargetTable: "cases", TargetColumn: "surgeon_id",
			Label: "Surgeon", Description: desc("Resolved through surgeon entity mapping")},
		{FHIRResourceType: "Appointment", FHIRFieldPath: "participant[Location]", TargetTable: "cases", TargetColumn: "or_room_id",
			Label: "Operating Room", Description: desc("Resolved through room entity mapping")},
		{FHIRResourceType: "Appointment", FHIRFieldPath: "serviceType", TargetTable: "cases", TargetColumn: "procedure_type_id",
			Label: "Procedure", Description: desc("Resolved through procedure entity mapping")},
		{FHIRResourceType: "Appointment", FHIRFieldPath: "id", TargetTable: "cases", TargetColumn: "external_id",
			Label: "Epic Appointment ID"},
		{FHIRResourceType: "Patient", FHIRFieldPath: "name.family", TargetTable: "patients", TargetColumn: "last_name",
			Label: "Patient Last Name"},
		{FHIRResourceType: "Patient", FHIRFieldPath: "name.given", TargetTable: "patients", TargetColumn: "first_name",
			Label: "Patient First Name"},
		{FHIRResourceType: "Patient", FHIRFieldPath: "identifier[MRN]", TargetTable: "patients", TargetColumn: "mrn",
			Label: "Medical Record Number"},
		{FHIRResourceType: "Patient", FHIRFieldPath: "birthDate", TargetTable: "patients", TargetColumn: "date_of_birth",
			Label: "Date of Birth"},
	}
	for i := range rows {
		rows[i].IsActive = true
		rows[i].IsDefault = true
	}
	return rows
}
