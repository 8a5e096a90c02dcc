package audit

import "strings"

// Action names an auditable event kind. Actions are dotted ("epic.connected")
// so they group by subsystem in the audit log UI.
type Action string

const (
	ActionEpicConnected          Action = "epic.connected"
	ActionEpicDisconnected       Action = "epic.disconnected"
	ActionEpicTokenExpired       Action = "epic.token_expired"
	ActionEpicCasesImported      Action = "epic.cases_imported"
	ActionEpicCaseImportFailed   Action = "epic.case_import_failed"
	ActionEpicMappingCreated     Action = "epic.mapping_created"
	ActionEpicMappingUpdated     Action = "epic.mapping_updated"
	ActionEpicMappingDeleted     Action = "epic.mapping_deleted"
	ActionEpicAutoMatchRun       Action = "epic.auto_match_run"
	ActionEpicFieldMappingUpdate Action = "epic.field_mapping_updated"
	ActionEpicFieldMappingReset  Action = "epic.field_mapping_reset"
)

var labels = map[Action]string{
	ActionEpicConnected:          "Epic connected",
	ActionEpicDisconnected:       "Epic disconnected",
	ActionEpicTokenExpired:       "Epic token expired",
	ActionEpicCasesImported:      "Epic cases imported",
	ActionEpicCaseImportFailed:   "Epic case import failed",
	ActionEpicMappingCreated:     "Epic mapping created",
	ActionEpicMappingUpdated:     "Epic mapping updated",
	ActionEpicMappingDeleted:     "Epic mapping deleted",
	ActionEpicAutoMatchRun:       "Epic auto-match run",
	ActionEpicFieldMappingUpdate: "Epic field mapping updated",
	ActionEpicFieldMappingReset:  "Epic field mappings reset",
}

// EpicActions lists every Epic action kind in display order.
func EpicActions() []Action {
	return []Action{
		ActionEpicConnected,
		ActionEpicDisconnected,
		ActionEpicTokenExpired,
		ActionEpicCasesImported,
		ActionEpicCaseImportFailed,
		ActionEpicMappingCreated,
		ActionEpicMappingUpdated,
		ActionEpicMappingDeleted,
		ActionEpicAutoMatchRun,
		ActionEpicFieldMappingUpdate,
		ActionEpicFieldMappingReset,
	}
}

// Label returns the human-readable label for a. Unknown actions are
// humanized from their name: "foo.bar_baz" becomes "Foo bar baz".
func (a Action) Label() string {
	if l, ok := labels[a]; ok {
		return l
	}
	s := strings.NewReplacer(".", " ", "_", " ").Replace(string(a))
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return ""
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
