package epic

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ehr/epicbridge/pkg/fhirmodels"
)

// BatchItemResult is the outcome for one appointment of a batch import.
type BatchItemResult struct {
	FHIRAppointmentID string       `json:"fhir_appointment_id"`
	Status            ImportStatus `json:"status"`
	Reason            string       `json:"reason,omitempty"`
	CaseImportResult
}

// runBounded calls fn(ctx, i) for i in [0, n) with at most limit calls in
// flight. It returns ctx's error if ctx ended before every call started.
func runBounded(ctx context.Context, limit int64, n int, fn func(ctx context.Context, i int)) error {
	if limit < 1 {
		limit = 1
	}
	sem := semaphore.NewWeighted(limit)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return err
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer sem.Release(1)
			fn(ctx, i)
		}(i)
	}
	wg.Wait()
	return nil
}

func dedupeIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// ImportAppointments rebuilds a fresh preview for each appointment id and
// imports the ready ones, at most ImportConcurrency at a time. Results are
// in input order after duplicate ids are dropped.
func (s *Service) ImportAppointments(ctx context.Context, facilityID, userID uuid.UUID, appointmentIDs []string) ([]BatchItemResult, error) {
	conn, err := s.conns.GetByFacility(ctx, facilityID)
	if err != nil {
		return nil, err
	}
	mappings, err := s.mappings.ListAll(ctx, conn.ID)
	if err != nil {
		return nil, fmt.Errorf("list entity mappings: %w", err)
	}
	imported, err := s.logs.ImportedAppointmentIDs(ctx, conn.ID)
	if err != nil {
		return nil, fmt.Errorf("list imported appointments: %w", err)
	}
	idx := NewMappingIndex(mappings)

	ids := dedupeIDs(appointmentIDs)
	results := make([]BatchItemResult, len(ids))
	runErr := runBounded(ctx, s.cfg.ImportConcurrency, len(ids), func(ctx context.Context, i int) {
		results[i] = s.importOne(ctx, conn, userID, idx, imported, ids[i])
	})
	if runErr != nil {
		for i := range results {
			if results[i].FHIRAppointmentID == "" {
				results[i] = BatchItemResult{
					FHIRAppointmentID: ids[i],
					Status:            ImportFailed,
					CaseImportResult:  CaseImportResult{Error: runErr.Error()},
				}
			}
		}
	}

	counts := map[ImportStatus]int{}
	for _, r := range results {
		counts[r.Status]++
	}
	s.logger.Info().Str("facility_id", facilityID.String()).Int("requested", len(ids)).
		Int("success", counts[ImportSuccess]).Int("failed", counts[ImportFailed]).
		Int("skipped", counts[ImportSkipped]).Int("duplicate", counts[ImportDuplicate]).
		Msg("Epic batch import complete")
	return results, nil
}

func (s *Service) importOne(ctx context.Context, conn *Connection, userID uuid.UUID, idx MappingIndex,
	imported map[string]bool, id string) BatchItemResult {
	out := BatchItemResult{FHIRAppointmentID: id}

	appt, err := s.client.GetAppointment(ctx, conn.FacilityID, id)
	if err != nil {
		out.Status = ImportFailed
		out.Error = fmt.Sprintf("fetch appointment: %v", err)
		return out
	}

	preview := MapAppointmentToPreview(s.client.ResolveAppointmentDetails(ctx, conn.FacilityID, appt), idx, imported)
	req := ImportRequest{
		FacilityID:        conn.FacilityID,
		ConnectionID:      conn.ID,
		ImportedBy:        userID,
		ScheduledStatusID: s.cfg.ScheduledStatusID,
		Preview:           preview,
	}

	switch {
	case preview.Status == PreviewAlreadyImported:
		out.Status, out.Reason = ImportDuplicate, "appointment already imported"
	case !fhirmodels.ImportableAppointmentStatuses[appt.Status]:
		out.Status, out.Reason = ImportSkipped, fmt.Sprintf("appointment status %q is not importable", appt.Status)
	case preview.Status == PreviewMissingMappings:
		out.Status, out.Reason = ImportSkipped, "missing mappings: "+strings.Join(preview.MissingMappings, ", ")
	}
	if out.Status != "" {
		s.importer.LogOutcome(ctx, req, out.Status, out.Reason)
		return out
	}

	out.CaseImportResult = s.importer.CreateCaseFromImport(ctx, req)
	if out.Success {
		out.Status = ImportSuccess
	} else {
		out.Status = ImportFailed
	}
	return out
}
