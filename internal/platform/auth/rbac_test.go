package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func contextWithRoles(roles ...string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(context.WithValue(req.Context(), UserRolesKey, roles))
	return e.NewContext(req, httptest.NewRecorder())
}

func TestRequireRole_Allowed(t *testing.T) {
	c := contextWithRoles(RoleScheduler)
	if err := RequireRole(RoleFacilityAdmin, RoleScheduler)(okHandler)(c); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestRequireRole_AdminBypass(t *testing.T) {
	c := contextWithRoles(RoleAdmin)
	if err := RequireRole(RoleFacilityAdmin)(okHandler)(c); err != nil {
		t.Errorf("expected admin to pass, got %v", err)
	}
}

func TestRequireRole_Forbidden(t *testing.T) {
	c := contextWithRoles(RoleViewer)
	err := RequireRole(RoleFacilityAdmin)(okHandler)(c)
	expectStatus(t, err, http.StatusForbidden)
}

func TestRequireRole_NoRoles(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	err := RequireRole(RoleViewer)(okHandler)(c)
	expectStatus(t, err, http.StatusForbidden)
}

func TestResolveFacility(t *testing.T) {
	own := uuid.New()
	other := uuid.New()

	newCtx := func(query string, roles ...string) echo.Context {
		e := echo.New()
		req := httptest.NewRequest(http.MethodGet, "/"+query, nil)
		req = req.WithContext(WithIdentity(req.Context(), uuid.New(), own, roles))
		return e.NewContext(req, httptest.NewRecorder())
	}

	if got, err := ResolveFacility(newCtx("", RoleScheduler)); err != nil || got != own {
		t.Errorf("expected own facility, got %s, %v", got, err)
	}
	if _, err := ResolveFacility(newCtx("?facility_id="+other.String(), RoleScheduler)); err == nil {
		t.Error("expected non-admin to be refused another facility")
	} else {
		expectStatus(t, err, http.StatusForbidden)
	}
	if got, err := ResolveFacility(newCtx("?facility_id="+other.String(), RoleAdmin)); err != nil || got != other {
		t.Errorf("expected admin override, got %s, %v", got, err)
	}
	if _, err := ResolveFacility(newCtx("?facility_id=nope", RoleAdmin)); err == nil {
		t.Error("expected invalid facility_id error")
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithIdentity(req.Context(), uuid.New(), uuid.Nil, []string{RoleAdmin}))
	if _, err := ResolveFacility(e.NewContext(req, httptest.NewRecorder())); err == nil {
		t.Error("expected error when no facility is known")
	}
}
