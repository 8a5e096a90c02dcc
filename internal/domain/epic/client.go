package epic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/epicbridge/pkg/fhirmodels"
)

const (
	appointmentPageSize = 100
	searchPageSize      = 50
)

// Requester issues authenticated FHIR requests for a facility.
// *TokenManager is the production implementation.
type Requester interface {
	FHIRRequest(ctx context.Context, facilityID uuid.UUID, resourcePath string, opts RequestOptions) ([]byte, error)
}

// Client reads typed FHIR resources from a facility's Epic server.
type Client struct {
	req    Requester
	logger zerolog.Logger
}

func NewClient(req Requester, logger zerolog.Logger) *Client {
	return &Client{req: req, logger: logger.With().Str("component", "epic-fhir").Logger()}
}

// SearchSurgicalAppointments returns importable surgical appointments in
// [dateFrom, dateTo], optionally for one practitioner. Malformed entries are
// logged and dropped. On a request failure the list is empty.
func (c *Client) SearchSurgicalAppointments(ctx context.Context, facilityID uuid.UUID, dateFrom, dateTo time.Time, practitionerID string) ([]*fhirmodels.Appointment, error) {
	q := url.Values{}
	q.Add("date", "ge"+dateFrom.Format(time.DateOnly))
	q.Add("date", "le"+dateTo.Format(time.DateOnly))
	q.Set("service-type", fhirmodels.ServiceTypeSurgicalProcedure)
	q.Set("_count", fmt.Sprint(appointmentPageSize))
	if practitionerID != "" {
		q.Set("practitioner", fhirmodels.ResourcePractitioner+"/"+practitionerID)
	}

	all, err := searchBundle[fhirmodels.Appointment](ctx, c, facilityID, fhirmodels.ResourceAppointment, q)
	if err != nil {
		return []*fhirmodels.Appointment{}, err
	}

	out := make([]*fhirmodels.Appointment, 0, len(all))
	for _, a := range all {
		if a.ID == "" || a.Status == "" || len(a.Participant) == 0 {
			c.logger.Warn().Str("facility_id", facilityID.String()).Str("appointment_id", a.ID).
				Msg("skipping appointment missing id, status or participant")
			continue
		}
		if !fhirmodels.ImportableAppointmentStatuses[a.Status] {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (c *Client) GetAppointment(ctx context.Context, facilityID uuid.UUID, id string) (*fhirmodels.Appointment, error) {
	return getResource[fhirmodels.Appointment](ctx, c, facilityID, fhirmodels.ResourceAppointment, id)
}

func (c *Client) GetPatient(ctx context.Context, facilityID uuid.UUID, id string) (*fhirmodels.Patient, error) {
	return getResource[fhirmodels.Patient](ctx, c, facilityID, fhirmodels.ResourcePatient, id)
}

func (c *Client) GetPractitioner(ctx context.Context, facilityID uuid.UUID, id string) (*fhirmodels.Practitioner, error) {
	return getResource[fhirmodels.Practitioner](ctx, c, facilityID, fhirmodels.ResourcePractitioner, id)
}

func (c *Client) GetLocation(ctx context.Context, facilityID uuid.UUID, id string) (*fhirmodels.Location, error) {
	return getResource[fhirmodels.Location](ctx, c, facilityID, fhirmodels.ResourceLocation, id)
}

// SearchPractitioners lists practitioners, filtered by name when given.
func (c *Client) SearchPractitioners(ctx context.Context, facilityID uuid.UUID, name string) ([]*fhirmodels.Practitioner, error) {
	q := url.Values{}
	if name != "" {
		q.Set("name", name)
	}
	q.Set("_count", fmt.Sprint(searchPageSize))
	return searchBundle[fhirmodels.Practitioner](ctx, c, facilityID, fhirmodels.ResourcePractitioner, q)
}

func (c *Client) SearchLocations(ctx context.Context, facilityID uuid.UUID) ([]*fhirmodels.Location, error) {
	q := url.Values{}
	q.Set("_count", fmt.Sprint(searchPageSize))
	return searchBundle[fhirmodels.Location](ctx, c, facilityID, fhirmodels.ResourceLocation, q)
}

// ResolveAppointmentDetails fetches the appointment's patient, practitioner
// and location concurrently. Each fetch fails on its own and leaves its
// field nil; a participant type that is absent is never requested.
func (c *Client) ResolveAppointmentDetails(ctx context.Context, facilityID uuid.UUID, appt *fhirmodels.Appointment) *ResolvedAppointment {
	out := &ResolvedAppointment{Appointment: appt}
	var wg sync.WaitGroup

	if _, id, ok := appt.ParticipantReference(fhirmodels.ResourcePatient); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p, err := c.GetPatient(ctx, facilityID, id); err == nil {
				out.Patient = p
			}
		}()
	}
	if _, id, ok := appt.ParticipantReference(fhirmodels.ResourcePractitioner); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p, err := c.GetPractitioner(ctx, facilityID, id); err == nil {
				out.Practitioner = p
			}
		}()
	}
	if _, id, ok := appt.ParticipantReference(fhirmodels.ResourceLocation); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l, err := c.GetLocation(ctx, facilityID, id); err == nil {
				out.Location = l
			}
		}()
	}

	wg.Wait()
	return out
}

func getResource[T any](ctx context.Context, c *Client, facilityID uuid.UUID, resourceType, id string) (*T, error) {
	body, err := c.req.FHIRRequest(ctx, facilityID, resourceType+"/"+url.PathEscape(id), RequestOptions{})
	if err != nil {
		c.logger.Warn().Err(err).Str("resource", resourceType).Str("id", id).Msg("FHIR read failed")
		return nil, err
	}
	var out T
	if err := json.Unmarshal(body, &out); err != nil {
		c.logger.Warn().Err(err).Str("resource", resourceType).Str("id", id).Msg("FHIR read returned invalid JSON")
		return nil, fmt.Errorf("decode %s/%s: %w", resourceType, id, err)
	}
	return &out, nil
}

// searchBundle runs a search and decodes entries of resourceType. A bundle
// without entries yields an empty list; entries of other types, such as
// OperationOutcome warnings, are ignored.
func searchBundle[T any](ctx context.Context, c *Client, facilityID uuid.UUID, resourceType string, q url.Values) ([]*T, error) {
	body, err := c.req.FHIRRequest(ctx, facilityID, resourceType+"?"+q.Encode(), RequestOptions{})
	if err != nil {
		return nil, err
	}
	var bundle fhirmodels.Bundle
	if err := json.Unmarshal(body, &bundle); err != nil {
		return nil, fmt.Errorf("decode %s bundle: %w", resourceType, err)
	}

	out := make([]*T, 0, len(bundle.Entry))
	for i, e := range bundle.Entry {
		if len(e.Resource) == 0 {
			continue
		}
		var head struct {
			ResourceType string `json:"resourceType"`
		}
		if err := json.Unmarshal(e.Resource, &head); err != nil || head.ResourceType != resourceType {
			continue
		}
		var item T
		if err := json.Unmarshal(e.Resource, &item); err != nil {
			c.logger.Warn().Err(err).Str("resource", resourceType).Int("entry", i).Msg("skipping undecodable bundle entry")
			continue
		}
		out = append(out, &item)
	}
	return out, nil
}
