package surgery

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/epicbridge/internal/platform/auth"
	"github.com/ehr/epicbridge/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes exposes the local entity lists the mapping screens pick
// targets from, plus read access to cases.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.RoleFacilityAdmin, auth.RoleScheduler, auth.RoleViewer))
	g.GET("/facility/surgeons", h.ListSurgeons)
	g.GET("/facility/or-rooms", h.ListORRooms)
	g.GET("/facility/procedure-types", h.ListProcedureTypes)
	g.GET("/facility/cases", h.ListCases)
	g.GET("/facility/cases/:id", h.GetCase)
}

func (h *Handler) ListSurgeons(c echo.Context) error {
	facilityID, err := auth.ResolveFacility(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListSurgeons(c.Request().Context(), facilityID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ListORRooms(c echo.Context) error {
	facilityID, err := auth.ResolveFacility(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListORRooms(c.Request().Context(), facilityID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ListProcedureTypes(c echo.Context) error {
	facilityID, err := auth.ResolveFacility(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListProcedureTypes(c.Request().Context(), facilityID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ListCases(c echo.Context) error {
	facilityID, err := auth.ResolveFacility(c)
	if err != nil {
		return err
	}
	from, err := time.Parse(time.DateOnly, c.QueryParam("date_from"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "date_from must be YYYY-MM-DD")
	}
	to, err := time.Parse(time.DateOnly, c.QueryParam("date_to"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "date_to must be YYYY-MM-DD")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListCases(c.Request().Context(), facilityID, from, to, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetCase(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	facilityID, err := auth.ResolveFacility(c)
	if err != nil {
		return err
	}
	cs, err := h.svc.GetCase(c.Request().Context(), id)
	if errors.Is(err, ErrNotFound) || (err == nil && cs.FacilityID != facilityID) {
		return echo.NewHTTPError(http.StatusNotFound, "case not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, cs)
}
