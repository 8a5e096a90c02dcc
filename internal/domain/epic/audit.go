package epic

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/epicbridge/internal/platform/audit"
)

// auditor writes Epic audit events. A failed write is logged and never
// fails the operation that produced it.
type auditor struct {
	rec    audit.Recorder
	logger zerolog.Logger
}

func (a auditor) record(ctx context.Context, action audit.Action, facilityID, userID uuid.UUID,
	targetType, targetID string, meta map[string]any, opErr error) {
	if a.rec == nil {
		return
	}
	e := &audit.Entry{
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Metadata:   meta,
	}
	if facilityID != uuid.Nil {
		e.FacilityID = &facilityID
	}
	if userID != uuid.Nil {
		e.UserID = &userID
	}
	if opErr != nil {
		msg := opErr.Error()
		e.ErrorMessage = &msg
	}
	if err := a.rec.Record(ctx, e); err != nil {
		a.logger.Warn().Err(err).Str("action", string(action)).Msg("audit write failed")
	}
}
