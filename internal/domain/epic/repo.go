package epic

import (
	"context"

	"github.com/google/uuid"
)

type ConnectionRepository interface {
	// GetByFacility returns ErrNoConnection when the facility has none.
	GetByFacility(ctx context.Context, facilityID uuid.UUID) (*Connection, error)
	SaveSettings(ctx context.Context, facilityID uuid.UUID, s ConnectionSettings) (*Connection, error)
	// SaveToken creates the connection row on first grant.
	SaveToken(ctx context.Context, facilityID uuid.UUID, t TokenUpdate) error
	UpdateStatus(ctx context.Context, facilityID uuid.UUID, status ConnectionStatus, lastError *string) error
	// ClearTokens wipes token fields and sets status disconnected.
	ClearTokens(ctx context.Context, facilityID uuid.UUID) error
}

type EntityMappingRepository interface {
	List(ctx context.Context, connectionID uuid.UUID, mt MappingType) ([]*EntityMapping, error)
	ListAll(ctx context.Context, connectionID uuid.UUID) ([]*EntityMapping, error)
	GetByID(ctx context.Context, id uuid.UUID) (*EntityMapping, error)
	// Upsert writes m keyed on (connection, type, epic resource id),
	// replacing the local entity and match fields.
	Upsert(ctx context.Context, m *EntityMapping) error
	// Seed inserts m if absent and otherwise only refreshes the display
	// name. created reports whether a row was inserted.
	Seed(ctx context.Context, m *EntityMapping) (created bool, err error)
}

type FieldMappingRepository interface {
	List(ctx context.Context, activeOnly bool) ([]*FieldMapping, error)
	Update(ctx context.Context, id uuid.UUID, upd FieldMappingUpdate, userID uuid.UUID) (*FieldMapping, error)
	// ReplaceAll deletes every row and inserts defaults in one transaction.
	ReplaceAll(ctx context.Context, defaults []FieldMapping, userID uuid.UUID) error
}

type ImportLogRepository interface {
	Create(ctx context.Context, e *ImportLogEntry) error
	// ImportedAppointmentIDs returns ids with a success row for connectionID.
	ImportedAppointmentIDs(ctx context.Context, connectionID uuid.UUID) (map[string]bool, error)
	ListByFacility(ctx context.Context, facilityID uuid.UUID, limit, offset int) ([]*ImportLogEntry, int, error)
}
