package auth

import (
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// RequireRole returns middleware that checks if the user has at least one of
// the specified roles. Admins pass every check.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userRoles := RolesFromContext(c.Request().Context())
			if slices.Contains(userRoles, RoleAdmin) {
				return next(c)
			}
			for _, required := range roles {
				if slices.Contains(userRoles, required) {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// ResolveFacility returns the facility a request acts on. Callers bound to a
// facility may only act on it; admins may name any facility with the
// facility_id query parameter.
func ResolveFacility(c echo.Context) (uuid.UUID, error) {
	ctx := c.Request().Context()
	own := FacilityIDFromContext(ctx)
	isAdmin := slices.Contains(RolesFromContext(ctx), RoleAdmin)

	if q := c.QueryParam("facility_id"); q != "" {
		requested, err := uuid.Parse(q)
		if err != nil {
			return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid facility_id")
		}
		if requested != own && !isAdmin {
			return uuid.Nil, echo.NewHTTPError(http.StatusForbidden, "facility not accessible")
		}
		return requested, nil
	}
	if own == uuid.Nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "facility_id is required")
	}
	return own, nil
}
