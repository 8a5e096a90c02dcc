package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/epicbridge/internal/platform/db"
)

// Entry is one row of the audit_log table.
type Entry struct {
	ID           uuid.UUID      `json:"id"`
	Action       Action         `json:"action"`
	Label        string         `json:"label"`
	FacilityID   *uuid.UUID     `json:"facility_id,omitempty"`
	UserID       *uuid.UUID     `json:"user_id,omitempty"`
	TargetType   string         `json:"target_type,omitempty"`
	TargetID     string         `json:"target_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Success      bool           `json:"success"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Recorder persists audit entries. Callers treat a failed write as
// non-fatal and log it.
type Recorder interface {
	Record(ctx context.Context, e *Entry) error
}

// Logger writes audit entries to Postgres.
type Logger struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewLogger creates a Logger backed by the given connection pool.
func NewLogger(pool *pgxpool.Pool, logger zerolog.Logger) *Logger {
	return &Logger{pool: pool, logger: logger.With().Str("component", "audit").Logger()}
}

// Record inserts e, filling Label from the action catalogue when empty.
func (l *Logger) Record(ctx context.Context, e *Entry) error {
	Prepare(e)

	var meta []byte
	if e.Metadata != nil {
		var err error
		if meta, err = json.Marshal(e.Metadata); err != nil {
			return fmt.Errorf("audit: marshal metadata: %w", err)
		}
	}

	err := db.Conn(ctx, l.pool).QueryRow(ctx, `
		INSERT INTO audit_log (action, label, facility_id, user_id, target_type, target_id,
			metadata, success, error_message)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id, created_at`,
		string(e.Action), e.Label, e.FacilityID, e.UserID, nullIfEmpty(e.TargetType), nullIfEmpty(e.TargetID),
		meta, e.Success, e.ErrorMessage,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		l.logger.Error().Err(err).Str("action", string(e.Action)).Msg("audit write failed")
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// List returns the most recent entries for a facility, newest first.
func (l *Logger) List(ctx context.Context, facilityID uuid.UUID, limit, offset int) ([]*Entry, int, error) {
	q := db.Conn(ctx, l.pool)

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM audit_log WHERE facility_id = $1`, facilityID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("audit: count: %w", err)
	}

	rows, err := q.Query(ctx, `
		SELECT id, action, label, facility_id, user_id, COALESCE(target_type, ''), COALESCE(target_id, ''),
			metadata, success, error_message, created_at
		FROM audit_log WHERE facility_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, facilityID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var e Entry
		var action string
		var meta []byte
		if err := rows.Scan(&e.ID, &action, &e.Label, &e.FacilityID, &e.UserID, &e.TargetType, &e.TargetID,
			&meta, &e.Success, &e.ErrorMessage, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("audit: scan: %w", err)
		}
		e.Action = Action(action)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, 0, fmt.Errorf("audit: decode metadata: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, total, rows.Err()
}

// Prepare fills derived fields on e before it is written.
func Prepare(e *Entry) {
	if e.Label == "" {
		e.Label = e.Action.Label()
	}
	if e.ErrorMessage == nil {
		e.Success = true
	}
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
