package epic

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/epicbridge/internal/platform/db"
)

// SecretSealer encrypts connection secrets at rest.
// *hipaa.EncryptionService is the production implementation.
type SecretSealer interface {
	Seal(value string) (string, error)
	Open(value string) (string, error)
}

// =========== Connection Repository ===========

type connectionRepoPG struct {
	pool   *pgxpool.Pool
	sealer SecretSealer
}

func NewConnectionRepoPG(pool *pgxpool.Pool, sealer SecretSealer) ConnectionRepository {
	return &connectionRepoPG{pool: pool, sealer: sealer}
}

const connCols = `id, facility_id, fhir_base_url, token_url, client_id,
	COALESCE(client_secret, ''), COALESCE(access_token, ''), COALESCE(refresh_token, ''),
	token_expires_at, token_scopes, status, last_connected_at, last_error, sync_mode, connected_by,
	created_at, updated_at`

func (r *connectionRepoPG) GetByFacility(ctx context.Context, facilityID uuid.UUID) (*Connection, error) {
	var c Connection
	var status string
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+connCols+` FROM epic_connections WHERE facility_id = $1`, facilityID).
		Scan(&c.ID, &c.FacilityID, &c.FHIRBaseURL, &c.TokenURL, &c.ClientID,
			&c.ClientSecret, &c.AccessToken, &c.RefreshToken,
			&c.TokenExpiresAt, &c.TokenScopes, &status, &c.LastConnectedAt, &c.LastError, &c.SyncMode, &c.ConnectedBy,
			&c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoConnection
	}
	if err != nil {
		return nil, err
	}
	c.Status = ConnectionStatus(status)

	for _, f := range []*string{&c.ClientSecret, &c.AccessToken, &c.RefreshToken} {
		if *f, err = r.sealer.Open(*f); err != nil {
			return nil, fmt.Errorf("open Epic connection secret: %w", err)
		}
	}
	return &c, nil
}

func (r *connectionRepoPG) sealPtr(v *string) (*string, error) {
	if v == nil || *v == "" {
		return v, nil
	}
	s, err := r.sealer.Seal(*v)
	if err != nil {
		return nil, fmt.Errorf("seal Epic connection secret: %w", err)
	}
	return &s, nil
}

func (r *connectionRepoPG) SaveSettings(ctx context.Context, facilityID uuid.UUID, s ConnectionSettings) (*Connection, error) {
	secret, err := r.sealPtr(s.ClientSecret)
	if err != nil {
		return nil, err
	}
	_, err = db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO epic_connections (facility_id, fhir_base_url, token_url, client_id, client_secret, sync_mode)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (facility_id) DO UPDATE SET
			fhir_base_url = EXCLUDED.fhir_base_url,
			token_url     = EXCLUDED.token_url,
			client_id     = EXCLUDED.client_id,
			client_secret = COALESCE(EXCLUDED.client_secret, epic_connections.client_secret),
			sync_mode     = EXCLUDED.sync_mode,
			updated_at    = NOW()`,
		facilityID, s.FHIRBaseURL, s.TokenURL, s.ClientID, secret, s.SyncMode)
	if err != nil {
		return nil, err
	}
	return r.GetByFacility(ctx, facilityID)
}

func (r *connectionRepoPG) SaveToken(ctx context.Context, facilityID uuid.UUID, t TokenUpdate) error {
	access, err := r.sealer.Seal(t.AccessToken)
	if err != nil {
		return fmt.Errorf("seal Epic access token: %w", err)
	}
	refresh, err := r.sealPtr(t.RefreshToken)
	if err != nil {
		return err
	}
	scopes := t.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	_, err = db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO epic_connections (facility_id, access_token, refresh_token, token_expires_at, token_scopes,
			status, last_connected_at, connected_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (facility_id) DO UPDATE SET
			access_token      = EXCLUDED.access_token,
			refresh_token     = COALESCE(EXCLUDED.refresh_token, epic_connections.refresh_token),
			token_expires_at  = EXCLUDED.token_expires_at,
			token_scopes      = EXCLUDED.token_scopes,
			status            = EXCLUDED.status,
			last_connected_at = EXCLUDED.last_connected_at,
			last_error        = NULL,
			connected_by      = COALESCE(EXCLUDED.connected_by, epic_connections.connected_by),
			updated_at        = NOW()`,
		facilityID, access, refresh, t.ExpiresAt, scopes, string(t.Status), t.LastConnectedAt, t.ConnectedBy)
	return err
}

func (r *connectionRepoPG) UpdateStatus(ctx context.Context, facilityID uuid.UUID, status ConnectionStatus, lastError *string) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE epic_connections
		SET status = $2, last_error = COALESCE($3, last_error), updated_at = NOW()
		WHERE facility_id = $1`, facilityID, string(status), lastError)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNoConnection
	}
	return nil
}

func (r *connectionRepoPG) ClearTokens(ctx context.Context, facilityID uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE epic_connections
		SET access_token = NULL, refresh_token = NULL, token_expires_at = NULL, token_scopes = '{}',
			status = 'disconnected', updated_at = NOW()
		WHERE facility_id = $1`, facilityID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNoConnection
	}
	return nil
}

// =========== Entity Mapping Repository ===========

type entityMappingRepoPG struct{ pool *pgxpool.Pool }

func NewEntityMappingRepoPG(pool *pgxpool.Pool) EntityMappingRepository {
	return &entityMappingRepoPG{pool: pool}
}

const mappingCols = `id, connection_id, facility_id, mapping_type, epic_resource_type, epic_resource_id,
	COALESCE(epic_display_name, ''), local_entity_id, match_method, match_confidence::float8, created_at, updated_at`

func scanMapping(row pgx.Row) (*EntityMapping, error) {
	var m EntityMapping
	var mt string
	err := row.Scan(&m.ID, &m.ConnectionID, &m.FacilityID, &mt, &m.EpicResourceType, &m.EpicResourceID,
		&m.EpicDisplayName, &m.LocalEntityID, &m.MatchMethod, &m.MatchConfidence, &m.CreatedAt, &m.UpdatedAt)
	m.MappingType = MappingType(mt)
	return &m, err
}

func (r *entityMappingRepoPG) query(ctx context.Context, sql string, args ...any) ([]*EntityMapping, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*EntityMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func (r *entityMappingRepoPG) List(ctx context.Context, connectionID uuid.UUID, mt MappingType) ([]*EntityMapping, error) {
	return r.query(ctx, `SELECT `+mappingCols+` FROM epic_entity_mappings
		WHERE connection_id = $1 AND mapping_type = $2
		ORDER BY epic_display_name NULLS LAST, epic_resource_id`, connectionID, string(mt))
}

func (r *entityMappingRepoPG) ListAll(ctx context.Context, connectionID uuid.UUID) ([]*EntityMapping, error) {
	return r.query(ctx, `SELECT `+mappingCols+` FROM epic_entity_mappings
		WHERE connection_id = $1 ORDER BY mapping_type, epic_resource_id`, connectionID)
}

func (r *entityMappingRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*EntityMapping, error) {
	m, err := scanMapping(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+mappingCols+` FROM epic_entity_mappings WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMappingNotFound
	}
	return m, err
}

func (r *entityMappingRepoPG) Upsert(ctx context.Context, m *EntityMapping) error {
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO epic_entity_mappings (connection_id, facility_id, mapping_type, epic_resource_type,
			epic_resource_id, epic_display_name, local_entity_id, match_method, match_confidence)
		VALUES ($1,$2,$3,$4,$5,NULLIF($6, ''),$7,$8,$9)
		ON CONFLICT (connection_id, mapping_type, epic_resource_id) DO UPDATE SET
			epic_display_name = COALESCE(EXCLUDED.epic_display_name, epic_entity_mappings.epic_display_name),
			local_entity_id   = EXCLUDED.local_entity_id,
			match_method      = EXCLUDED.match_method,
			match_confidence  = EXCLUDED.match_confidence,
			updated_at        = NOW()
		RETURNING id, created_at, updated_at`,
		m.ConnectionID, m.FacilityID, string(m.MappingType), m.EpicResourceType, m.EpicResourceID,
		m.EpicDisplayName, m.LocalEntityID, m.MatchMethod, m.MatchConfidence).
		Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
}

func (r *entityMappingRepoPG) Seed(ctx context.Context, m *EntityMapping) (bool, error) {
	var inserted bool
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO epic_entity_mappings (connection_id, facility_id, mapping_type, epic_resource_type,
			epic_resource_id, epic_display_name)
		VALUES ($1,$2,$3,$4,$5,NULLIF($6, ''))
		ON CONFLICT (connection_id, mapping_type, epic_resource_id) DO UPDATE SET
			epic_display_name = COALESCE(EXCLUDED.epic_display_name, epic_entity_mappings.epic_display_name),
			updated_at        = NOW()
		RETURNING id, (xmax = 0)`,
		m.ConnectionID, m.FacilityID, string(m.MappingType), m.EpicResourceType, m.EpicResourceID, m.EpicDisplayName).
		Scan(&m.ID, &inserted)
	return inserted, err
}

// =========== Field Mapping Repository ===========

type fieldMappingRepoPG struct{ pool *pgxpool.Pool }

func NewFieldMappingRepoPG(pool *pgxpool.Pool) FieldMappingRepository {
	return &fieldMappingRepoPG{pool: pool}
}

const fieldCols = `id, fhir_resource_type, fhir_field_path, target_table, target_column, label, description,
	is_active, is_default, updated_by, updated_at`

func scanField(row pgx.Row) (*FieldMapping, error) {
	var f FieldMapping
	err := row.Scan(&f.ID, &f.FHIRResourceType, &f.FHIRFieldPath, &f.TargetTable, &f.TargetColumn, &f.Label,
		&f.Description, &f.IsActive, &f.IsDefault, &f.UpdatedBy, &f.UpdatedAt)
	return &f, err
}

func (r *fieldMappingRepoPG) List(ctx context.Context, activeOnly bool) ([]*FieldMapping, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+fieldCols+` FROM epic_field_mappings
		WHERE ($1 = FALSE OR is_active)
		ORDER BY fhir_resource_type, target_table, target_column`, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*FieldMapping
	for rows.Next() {
		f, err := scanField(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, f)
	}
	return items, rows.Err()
}

func (r *fieldMappingRepoPG) Update(ctx context.Context, id uuid.UUID, upd FieldMappingUpdate, userID uuid.UUID) (*FieldMapping, error) {
	f, err := scanField(db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE epic_field_mappings SET
			label       = COALESCE($2, label),
			description = COALESCE($3, description),
			is_active   = COALESCE($4, is_active),
			updated_by  = $5,
			updated_at  = NOW()
		WHERE id = $1
		RETURNING `+fieldCols, id, upd.Label, upd.Description, upd.IsActive, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrFieldNotFound
	}
	return f, err
}

func (r *fieldMappingRepoPG) ReplaceAll(ctx context.Context, defaults []FieldMapping, userID uuid.UUID) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		q := db.Conn(ctx, r.pool)
		if _, err := q.Exec(ctx, `DELETE FROM epic_field_mappings`); err != nil {
			return fmt.Errorf("delete field mappings: %w", err)
		}
		for _, f := range defaults {
			if _, err := q.Exec(ctx, `
				INSERT INTO epic_field_mappings (fhir_resource_type, fhir_field_path, target_table, target_column,
					label, description, is_active, is_default, updated_by)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
				f.FHIRResourceType, f.FHIRFieldPath, f.TargetTable, f.TargetColumn,
				f.Label, f.Description, f.IsActive, f.IsDefault, userID); err != nil {
				return fmt.Errorf("insert field mapping %s.%s: %w", f.TargetTable, f.TargetColumn, err)
			}
		}
		return nil
	})
}

// =========== Import Log Repository ===========

type importLogRepoPG struct{ pool *pgxpool.Pool }

func NewImportLogRepoPG(pool *pgxpool.Pool) ImportLogRepository { return &importLogRepoPG{pool: pool} }

func (r *importLogRepoPG) Create(ctx context.Context, e *ImportLogEntry) error {
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO epic_import_log (facility_id, connection_id, fhir_appointment_id, fhir_patient_id, case_id,
			status, error_message, fhir_resource_snapshot, field_mapping_applied, imported_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING id, created_at`,
		e.FacilityID, e.ConnectionID, e.FHIRAppointmentID, e.FHIRPatientID, e.CaseID,
		string(e.Status), e.ErrorMessage, nullJSON(e.ResourceSnapshot), nullJSON(e.FieldMappingApplied), e.ImportedBy).
		Scan(&e.ID, &e.CreatedAt)
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func (r *importLogRepoPG) ImportedAppointmentIDs(ctx context.Context, connectionID uuid.UUID) (map[string]bool, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT fhir_appointment_id FROM epic_import_log
		WHERE connection_id = $1 AND status = 'success'`, connectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (r *importLogRepoPG) ListByFacility(ctx context.Context, facilityID uuid.UUID, limit, offset int) ([]*ImportLogEntry, int, error) {
	q := db.Conn(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM epic_import_log WHERE facility_id = $1`, facilityID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := q.Query(ctx, `
		SELECT id, facility_id, connection_id, fhir_appointment_id, fhir_patient_id, case_id, status,
			error_message, fhir_resource_snapshot, field_mapping_applied, imported_by, created_at
		FROM epic_import_log WHERE facility_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, facilityID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*ImportLogEntry
	for rows.Next() {
		var e ImportLogEntry
		var status string
		var snapshot, applied []byte
		if err := rows.Scan(&e.ID, &e.FacilityID, &e.ConnectionID, &e.FHIRAppointmentID, &e.FHIRPatientID,
			&e.CaseID, &status, &e.ErrorMessage, &snapshot, &applied, &e.ImportedBy, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		e.Status = ImportStatus(status)
		e.ResourceSnapshot, e.FieldMappingApplied = snapshot, applied
		items = append(items, &e)
	}
	return items, total, rows.Err()
}
