package epic

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/epicbridge/internal/platform/audit"
	"github.com/ehr/epicbridge/internal/platform/lock"
	"github.com/ehr/epicbridge/internal/platform/metrics"
	"github.com/ehr/epicbridge/pkg/fhirmodels"
)

// ServiceConfig holds import policy.
type ServiceConfig struct {
	ImportConcurrency int64
	ScheduledStatusID uuid.UUID
}

// AuditReader pages through a facility's audit trail. *audit.Logger
// implements it.
type AuditReader interface {
	List(ctx context.Context, facilityID uuid.UUID, limit, offset int) ([]*audit.Entry, int, error)
}

// Deps are the collaborators of Service.
type Deps struct {
	Connections ConnectionRepository
	Mappings    EntityMappingRepository
	Fields      FieldMappingRepository
	ImportLog   ImportLogRepository
	Tokens      *TokenManager
	Client      *Client
	Locals      LocalEntities
	Cases       CaseWriter
	Audit       audit.Recorder
	AuditLog    AuditReader
	Locker      lock.Locker
	Metrics     *metrics.Metrics
}

// Service is the Epic integration's entry point for handlers and commands.
type Service struct {
	conns    ConnectionRepository
	mappings EntityMappingRepository
	fields   FieldMappingRepository
	logs     ImportLogRepository
	tokens   *TokenManager
	client   *Client
	locals   LocalEntities
	matcher  *AutoMatcher
	importer *Importer
	audit    auditor
	auditLog AuditReader
	cfg      ServiceConfig
	now      func() time.Time
	logger   zerolog.Logger
}

func NewService(d Deps, cfg ServiceConfig, logger zerolog.Logger) *Service {
	l := logger.With().Str("component", "epic").Logger()
	return &Service{
		conns:    d.Connections,
		mappings: d.Mappings,
		fields:   d.Fields,
		logs:     d.ImportLog,
		tokens:   d.Tokens,
		client:   d.Client,
		locals:   d.Locals,
		matcher:  NewAutoMatcher(d.Mappings, d.Locals, d.Locker, d.Metrics, logger),
		importer: NewImporter(d.Fields, d.ImportLog, d.Cases, d.Audit, d.Metrics, logger),
		audit:    auditor{rec: d.Audit, logger: l},
		auditLog: d.AuditLog,
		cfg:      cfg,
		now:      time.Now,
		logger:   l,
	}
}

// ConnectionView is a connection without secrets plus its expiry state.
type ConnectionView struct {
	*Connection
	HasRefreshToken bool            `json:"has_refresh_token"`
	Expiry          TokenExpiryInfo `json:"expiry"`
}

func (s *Service) Connection(ctx context.Context, facilityID uuid.UUID) (*ConnectionView, error) {
	conn, err := s.conns.GetByFacility(ctx, facilityID)
	if err != nil {
		return nil, err
	}
	return &ConnectionView{
		Connection:      conn,
		HasRefreshToken: conn.RefreshToken != "",
		Expiry:          GetTokenExpiryInfo(conn.TokenExpiresAt, s.now()),
	}, nil
}

// ConfigureConnection saves the facility's FHIR endpoint and client.
func (s *Service) ConfigureConnection(ctx context.Context, facilityID uuid.UUID, settings ConnectionSettings) (*Connection, error) {
	for name, raw := range map[string]string{"fhir_base_url": settings.FHIRBaseURL, "token_url": settings.TokenURL} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return nil, fmt.Errorf("%s must be an absolute http(s) URL", name)
		}
	}
	if settings.FHIRBaseURL == "" {
		return nil, fmt.Errorf("fhir_base_url is required")
	}
	if settings.SyncMode == "" {
		settings.SyncMode = SyncModeManual
	}
	if settings.SyncMode != SyncModeManual && settings.SyncMode != SyncModeScheduled {
		return nil, fmt.Errorf("invalid sync_mode: %s", settings.SyncMode)
	}
	return s.conns.SaveSettings(ctx, facilityID, settings)
}

func (s *Service) StoreToken(ctx context.Context, facilityID, userID uuid.UUID, tok TokenResponse) error {
	return s.tokens.StoreEpicToken(ctx, facilityID, userID, tok)
}

func (s *Service) RefreshToken(ctx context.Context, facilityID, userID uuid.UUID) error {
	return s.tokens.RefreshEpicToken(ctx, facilityID, userID)
}

func (s *Service) Disconnect(ctx context.Context, facilityID, userID uuid.UUID) error {
	return s.tokens.ClearEpicToken(ctx, facilityID, userID)
}

// PreviewAppointments searches surgical appointments and builds a preview
// for each against the current mappings and import log.
func (s *Service) PreviewAppointments(ctx context.Context, facilityID uuid.UUID, from, to time.Time, practitionerID string) ([]*CaseImportPreview, error) {
	conn, err := s.conns.GetByFacility(ctx, facilityID)
	if err != nil {
		return nil, err
	}
	appts, err := s.client.SearchSurgicalAppointments(ctx, facilityID, from, to, practitionerID)
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

	previews := make([]*CaseImportPreview, len(appts))
	err = runBounded(ctx, s.cfg.ImportConcurrency, len(appts), func(ctx context.Context, i int) {
		previews[i] = MapAppointmentToPreview(s.client.ResolveAppointmentDetails(ctx, facilityID, appts[i]), idx, imported)
	})
	if err != nil {
		return nil, err
	}
	return previews, nil
}

// -- Entity mappings --

func (s *Service) ListEntityMappings(ctx context.Context, facilityID uuid.UUID, mt MappingType) ([]*EntityMapping, error) {
	conn, err := s.conns.GetByFacility(ctx, facilityID)
	if err != nil {
		return nil, err
	}
	return s.mappings.List(ctx, conn.ID, mt)
}

func (s *Service) facilityMapping(ctx context.Context, facilityID, mappingID uuid.UUID) (*EntityMapping, error) {
	m, err := s.mappings.GetByID(ctx, mappingID)
	if err != nil {
		return nil, err
	}
	if m.FacilityID != facilityID {
		return nil, ErrMappingNotFound
	}
	return m, nil
}

// SetEntityMapping manually points a mapping at a local entity of the
// facility.
func (s *Service) SetEntityMapping(ctx context.Context, facilityID, userID, mappingID, localID uuid.UUID) (*EntityMapping, error) {
	m, err := s.facilityMapping(ctx, facilityID, mappingID)
	if err != nil {
		return nil, err
	}
	candidates, err := m.MappingType.candidates(ctx, s.locals, facilityID)
	if err != nil {
		return nil, fmt.Errorf("load %s entities: %w", m.MappingType, err)
	}
	found := false
	for _, c := range candidates {
		if c.ID == localID {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%s %s does not exist in this facility", m.MappingType, localID)
	}

	action := audit.ActionEpicMappingUpdated
	if m.LocalEntityID == nil {
		action = audit.ActionEpicMappingCreated
	}
	method := MatchMethodManual
	m.LocalEntityID = &localID
	m.MatchMethod = &method
	m.MatchConfidence = nil
	if err := s.mappings.Upsert(ctx, m); err != nil {
		return nil, fmt.Errorf("save entity mapping: %w", err)
	}
	s.audit.record(ctx, action, facilityID, userID, "epic_entity_mapping", m.ID.String(),
		map[string]any{"mapping_type": string(m.MappingType), "epic_resource_id": m.EpicResourceID,
			"local_entity_id": localID.String()}, nil)
	return m, nil
}

// ClearEntityMapping detaches a mapping from its local entity. The row is
// kept so the Epic resource stays known.
func (s *Service) ClearEntityMapping(ctx context.Context, facilityID, userID, mappingID uuid.UUID) error {
	m, err := s.facilityMapping(ctx, facilityID, mappingID)
	if err != nil {
		return err
	}
	m.LocalEntityID = nil
	m.MatchMethod = nil
	m.MatchConfidence = nil
	if err := s.mappings.Upsert(ctx, m); err != nil {
		return fmt.Errorf("clear entity mapping: %w", err)
	}
	s.audit.record(ctx, audit.ActionEpicMappingDeleted, facilityID, userID, "epic_entity_mapping", m.ID.String(),
		map[string]any{"mapping_type": string(m.MappingType), "epic_resource_id": m.EpicResourceID}, nil)
	return nil
}

// SyncSummary counts mapping rows created by SyncEntityMappings.
type SyncSummary struct {
	Surgeons   int `json:"surgeons"`
	Rooms      int `json:"rooms"`
	Procedures int `json:"procedures"`
}

// SyncEntityMappings seeds unmapped rows for the practitioners and
// locations Epic lists, and for the service types of appointments in
// [from, to]. Existing rows keep their local entity.
func (s *Service) SyncEntityMappings(ctx context.Context, facilityID uuid.UUID, from, to time.Time) (*SyncSummary, error) {
	conn, err := s.conns.GetByFacility(ctx, facilityID)
	if err != nil {
		return nil, err
	}
	sum := &SyncSummary{}
	seed := func(mt MappingType, id, name string, counter *int) error {
		if id == "" {
			return nil
		}
		created, err := s.mappings.Seed(ctx, &EntityMapping{
			ConnectionID:     conn.ID,
			FacilityID:       facilityID,
			MappingType:      mt,
			EpicResourceType: mt.EpicResourceType(),
			EpicResourceID:   id,
			EpicDisplayName:  name,
		})
		if err != nil {
			return fmt.Errorf("seed %s mapping %s: %w", mt, id, err)
		}
		if created {
			*counter++
		}
		return nil
	}

	practitioners, err := s.client.SearchPractitioners(ctx, facilityID, "")
	if err != nil {
		return nil, err
	}
	for _, p := range practitioners {
		name := ""
		if n, ok := fhirmodels.PreferredName(p.Name); ok {
			name = formatName(n)
		}
		if err := seed(MappingSurgeon, p.ID, name, &sum.Surgeons); err != nil {
			return nil, err
		}
	}

	locations, err := s.client.SearchLocations(ctx, facilityID)
	if err != nil {
		return nil, err
	}
	for _, l := range locations {
		if err := seed(MappingRoom, l.ID, l.Name, &sum.Rooms); err != nil {
			return nil, err
		}
	}

	appts, err := s.client.SearchSurgicalAppointments(ctx, facilityID, from, to, "")
	if err != nil {
		return nil, err
	}
	for _, a := range appts {
		key, name := ServiceTypeKey(a)
		if err := seed(MappingProcedure, key, name, &sum.Procedures); err != nil {
			return nil, err
		}
	}

	s.logger.Info().Str("facility_id", facilityID.String()).Int("surgeons", sum.Surgeons).
		Int("rooms", sum.Rooms).Int("procedures", sum.Procedures).Msg("Epic entity mappings synced")
	return sum, nil
}

// RunAutoMatch runs the auto-matcher for the given types, or for every type
// when none are given, and records one audit event for the run.
func (s *Service) RunAutoMatch(ctx context.Context, facilityID, userID uuid.UUID, types ...MappingType) ([]*AutoMatchSummary, error) {
	conn, err := s.conns.GetByFacility(ctx, facilityID)
	if err != nil {
		return nil, err
	}
	if len(types) == 0 {
		types = MappingTypes()
	}

	summaries := make([]*AutoMatchSummary, 0, len(types))
	meta := map[string]any{}
	for _, mt := range types {
		sum, err := s.matcher.Run(ctx, conn, mt)
		if err != nil {
			s.audit.record(ctx, audit.ActionEpicAutoMatchRun, facilityID, userID, "epic_connection", conn.ID.String(),
				map[string]any{"mapping_type": string(mt)}, err)
			return nil, err
		}
		summaries = append(summaries, sum)
		meta[string(mt)] = map[string]int{
			"auto_applied": sum.AutoApplied, "suggested": sum.Suggested, "skipped": sum.Skipped,
		}
	}
	s.audit.record(ctx, audit.ActionEpicAutoMatchRun, facilityID, userID, "epic_connection", conn.ID.String(), meta, nil)
	return summaries, nil
}

// -- Field mappings --

func (s *Service) ListFieldMappings(ctx context.Context) ([]*FieldMapping, error) {
	return s.fields.List(ctx, false)
}

func (s *Service) UpdateFieldMapping(ctx context.Context, facilityID, userID, id uuid.UUID, upd FieldMappingUpdate) (*FieldMapping, error) {
	if upd.Label != nil && *upd.Label == "" {
		return nil, fmt.Errorf("label must not be empty")
	}
	fm, err := s.fields.Update(ctx, id, upd, userID)
	if err != nil {
		return nil, err
	}
	s.audit.record(ctx, audit.ActionEpicFieldMappingUpdate, facilityID, userID, "epic_field_mapping", id.String(),
		map[string]any{"target": fm.TargetTable + "." + fm.TargetColumn, "is_active": fm.IsActive}, nil)
	return fm, nil
}

// ResetFieldMappings replaces every field mapping with the defaults.
func (s *Service) ResetFieldMappings(ctx context.Context, facilityID, userID uuid.UUID) error {
	defaults := DefaultFieldMappings()
	if err := s.fields.ReplaceAll(ctx, defaults, userID); err != nil {
		return fmt.Errorf("reset field mappings: %w", err)
	}
	s.audit.record(ctx, audit.ActionEpicFieldMappingReset, facilityID, userID, "epic_field_mapping", "",
		map[string]any{"rows": len(defaults)}, nil)
	return nil
}

func (s *Service) ListImportLog(ctx context.Context, facilityID uuid.UUID, limit, offset int) ([]*ImportLogEntry, int, error) {
	return s.logs.ListByFacility(ctx, facilityID, limit, offset)
}

// ListAuditLog returns the facility's audit entries, newest first. Without
// an audit reader the trail is empty.
func (s *Service) ListAuditLog(ctx context.Context, facilityID uuid.UUID, limit, offset int) ([]*audit.Entry, int, error) {
	if s.auditLog == nil {
		return []*audit.Entry{}, 0, nil
	}
	return s.auditLog.List(ctx, facilityID, limit, offset)
}

// IsNotFound reports whether err means the requested Epic record is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNoConnection) || errors.Is(err, ErrMappingNotFound) || errors.Is(err, ErrFieldNotFound)
}
