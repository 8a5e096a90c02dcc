package epic

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/epicbridge/internal/platform/auth"
	"github.com/ehr/epicbridge/pkg/pagination"
)

const maxImportBatch = 200

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleFacilityAdmin, auth.RoleScheduler, auth.RoleViewer))
	read.GET("/epic/connection", h.GetConnection)
	read.GET("/epic/mappings/:type", h.ListMappings)
	read.GET("/epic/field-mappings", h.ListFieldMappings)
	read.GET("/epic/import-log", h.ListImportLog)

	sched := api.Group("", auth.RequireRole(auth.RoleFacilityAdmin, auth.RoleScheduler))
	sched.GET("/epic/appointments", h.PreviewAppointments)
	sched.POST("/epic/import", h.Import)

	admin := api.Group("", auth.RequireRole(auth.RoleFacilityAdmin))
	admin.PUT("/epic/connection", h.ConfigureConnection)
	admin.POST("/epic/connection/token", h.StoreToken)
	admin.POST("/epic/connection/refresh", h.RefreshToken)
	admin.DELETE("/epic/connection", h.Disconnect)
	admin.PUT("/epic/mappings/:id", h.SetMapping)
	admin.DELETE("/epic/mappings/:id/local", h.ClearMapping)
	admin.POST("/epic/mappings/auto-match", h.AutoMatch)
	admin.POST("/epic/mappings/sync", h.SyncMappings)
	admin.PUT("/epic/field-mappings/:id", h.UpdateFieldMapping)
	admin.POST("/epic/field-mappings/reset", h.ResetFieldMappings)
	admin.GET("/epic/audit-log", h.ListAuditLog)
}

// httpError maps domain errors onto HTTP status codes.
func httpError(err error) error {
	var fe *FHIRError
	switch {
	case IsNotFound(err):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNoToken), errors.Is(err, ErrTokenExpired), errors.Is(err, ErrNoBaseURL),
		errors.Is(err, ErrNoRefreshToken), errors.Is(err, ErrIllegalTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.As(err, &fe):
		if fe.Kind == KindRateLimited || fe.Kind == KindCircuitOpen {
			return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		}
		if fe.Kind == KindTimedOut {
			return echo.NewHTTPError(http.StatusGatewayTimeout, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func parseDateRange(c echo.Context) (time.Time, time.Time, error) {
	from, err := time.Parse(time.DateOnly, c.QueryParam("date_from"))
	if err != nil {
		return time.Time{}, time.Time{}, echo.NewHTTPError(http.StatusBadRequest, "date_from must be YYYY-MM-DD")
	}
	to, err := time.Parse(time.DateOnly, c.QueryParam("date_to"))
	if err != nil {
		return time.Time{}, time.Time{}, echo.NewHTTPError(http.StatusBadRequest, "date_to must be YYYY-MM-DD")
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, echo.NewHTTPError(http.StatusBadRequest, "date_to must not be before date_from")
	}
	return from, to, nil
}

func paramUUID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// -- Connection --

func (h *Handler) GetConnection(c echo.Context) error {
	facilityID, err := auth.ResolveFacility(c)
	if err != nil {
		return err
	}
	view, err := h.svc.Connection(c.Request().Context(), facilityID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) ConfigureConnection(c echo.Context) error {
	facilityID, err := auth.ResolveFacility(c)
	if err != nil {
		return err
	}
	var req ConnectionSettings
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	conn, err := h.svc.ConfigureConnection(c.Request().Context(), facilityID, req)
	if err != nil {
		if IsNotFound(err) {
			return httpError(err)
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, conn)
}

func (h *Handler) StoreToken(c echo.Context) error {
	facilityID, err := auth.ResolveFacility(c)
	if err != nil {
		return err
	}
	var req TokenResponse
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.AccessToken == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "access_token is required")
	}
	ctx := c.Request().Context()
	if err := h.svc.StoreToken(ctx, facilityID, auth.UserIDFromContext(ctx), req); err != nil {
		return httpError(err)
	}
	return h.GetConnection(c)
}

func (h *Handler) RefreshToken(c echo.Context) error {
	facilityID, err := auth.ResolveFacility(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.svc.RefreshToken(ctx, facilityID, auth.UserIDFromContext(ctx)); err != nil {
		if errors.Is(err, ErrNoRefreshToken) || IsNotFound(err) {
			return httpError(err)
		}
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return h.GetConnection(c)
}

func (h *Handler) Disconnect(c echo.Context) error {
	facilityID, err := auth.ResolveFacility(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.svc.Disconnect(ctx, facilityID, auth.UserIDFromContext(ctx)); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Appointments and import --

func (h *Handler) PreviewAppointments(c echo.Context) error {
	facilityID, err := auth.ResolveFacility(c)
	if err != nil {
		return err
	}
	from, to, err := parseDateRange(c)
	if err != nil {
		return err
	}
	previews, err := h.svc.PreviewAppointments(c.Request().Context(), facilityID, from, to, c.QueryParam("practitioner"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, previews)
}

type importRequest struct {
	AppointmentIDs []string `json:"appointment_ids"`
}

func (h *Handler) Import(c echo.Context) error {
	facilityID, err := auth.ResolveFacility(c)
	if err != nil {
		return err
	}
	var req importRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.AppointmentIDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "appointment_ids is required")
	}
	if len(req.AppointmentIDs) > maxImportBatch {
		return echo.NewHTTPError(http.StatusBadRequest, "too many appointment_ids")
	}
	ctx := c.Request().Context()
	results, err := h.svc.ImportAppointments(ctx, facilityID, auth.UserIDFromContext(ctx), req.AppointmentIDs)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"results": results})
}

func (h *Handler) ListImportLog(c echo.Context) error {
	facilityID, err := auth.ResolveFacility(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListImportLog(c.Request().Context(), facilityID, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListAuditLog(c echo.Context) error {
	facilityID, err := auth.ResolveFacility(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListAuditLog(c.Request().Context(), facilityID, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// -- Entity mappings --

func (h *Handler) ListMappings(c echo.Context) error {
	facilityID, err := auth.ResolveFacility(c)
	if err != nil {
		return err
	}
	mt, err := ParseMappingType(c.Param("type"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	items, err := h.svc.ListEntityMappings(c.Request().Context(), facilityID, mt)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

type setMappingRequest struct {
	LocalEntityID uuid.UUID `json:"local_entity_id"`
}

func (h *Handler) SetMapping(c echo.Context) error {
	facilityID, err := auth.ResolveFacility(c)
	if err != nil {
		return err
	}
	id, err := paramUUID(c, "id")
	if err != nil {
		return err
	}
	var req setMappingRequest
	if err := c.Bind(&req); err != nil || req.LocalEntityID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "local_entity_id is required")
	}
	ctx := c.Request().Context()
	m, err := h.svc.SetEntityMapping(ctx, facilityID, auth.UserIDFromContext(ctx), id, req.LocalEntityID)
	if err != nil {
		if IsNotFound(err) {
			return httpError(err)
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) ClearMapping(c echo.Context) error {
	facilityID, err := auth.ResolveFacility(c)
	if err != nil {
		return err
	}
	id, err := paramUUID(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.svc.ClearEntityMapping(ctx, facilityID, auth.UserIDFromContext(ctx), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) AutoMatch(c echo.Context) error {
	facilityID, err := auth.ResolveFacility(c)
	if err != nil {
		return err
	}
	var types []MappingType
	if t := c.QueryParam("type"); t != "" {
		mt, err := ParseMappingType(t)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		types = append(types, mt)
	}
	ctx := c.Request().Context()
	summaries, err := h.svc.RunAutoMatch(ctx, facilityID, auth.UserIDFromContext(ctx), types...)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, summaries)
}

func (h *Handler) SyncMappings(c echo.Context) error {
	facilityID, err := auth.ResolveFacility(c)
	if err != nil {
		return err
	}
	from, to, err := parseDateRange(c)
	if err != nil {
		return err
	}
	sum, err := h.svc.SyncEntityMappings(c.Request().Context(), facilityID, from, to)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sum)
}

// -- Field mappings --

func (h *Handler) ListFieldMappings(c echo.Context) error {
	items, err := h.svc.ListFieldMappings(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) UpdateFieldMapping(c echo.Context) error {
	facilityID, err := auth.ResolveFacility(c)
	if err != nil {
		return err
	}
	id, err := paramUUID(c, "id")
	if err != nil {
		return err
	}
	var req FieldMappingUpdate
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	fm, err := h.svc.UpdateFieldMapping(ctx, facilityID, auth.UserIDFromContext(ctx), id, req)
	if err != nil {
		if IsNotFound(err) {
			return httpError(err)
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, fm)
}

func (h *Handler) ResetFieldMappings(c echo.Context) error {
	facilityID, err := auth.ResolveFacility(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.svc.ResetFieldMappings(ctx, facilityID, auth.UserIDFromContext(ctx)); err != nil {
		return httpError(err)
	}
	return h.ListFieldMappings(c)
}
