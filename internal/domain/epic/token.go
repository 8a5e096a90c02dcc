package epic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/ehr/epicbridge/internal/platform/audit"
	"github.com/ehr/epicbridge/internal/platform/lock"
	"github.com/ehr/epicbridge/internal/platform/metrics"
)

// HTTPDoer is the subset of *http.Client the token manager uses.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// TokenManager owns a facility's Epic OAuth tokens and issues every
// outbound FHIR request.
type TokenManager struct {
	conns   ConnectionRepository
	audit   auditor
	locker  lock.Locker
	http    HTTPDoer
	policy  RequestPolicy
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	breakers map[uuid.UUID]*gobreaker.CircuitBreaker
	limiters map[uuid.UUID]*rate.Limiter
}

type TokenManagerOption func(*TokenManager)

func WithClock(now func() time.Time) TokenManagerOption {
	return func(m *TokenManager) { m.now = now }
}

// WithSleeper replaces the backoff sleep.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) TokenManagerOption {
	return func(m *TokenManager) { m.sleep = sleep }
}

func WithHTTPClient(c HTTPDoer) TokenManagerOption {
	return func(m *TokenManager) { m.http = c }
}

func WithLocker(l lock.Locker) TokenManagerOption {
	return func(m *TokenManager) { m.locker = l }
}

func WithMetrics(mt *metrics.Metrics) TokenManagerOption {
	return func(m *TokenManager) { m.metrics = mt }
}

func WithPolicy(p RequestPolicy) TokenManagerOption {
	return func(m *TokenManager) { m.policy = p }
}

func NewTokenManager(conns ConnectionRepository, rec audit.Recorder, logger zerolog.Logger, opts ...TokenManagerOption) *TokenManager {
	l := logger.With().Str("component", "epic-token").Logger()
	m := &TokenManager{
		conns:    conns,
		audit:    auditor{rec: rec, logger: l},
		locker:   lock.NewLocalLocker(),
		http:     &http.Client{},
		policy:   DefaultRequestPolicy(),
		logger:   l,
		now:      time.Now,
		sleep:    sleepContext,
		breakers: make(map[uuid.UUID]*gobreaker.CircuitBreaker),
		limiters: make(map[uuid.UUID]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// GetTokenExpiryInfo derives expiry state from a stored timestamp. A nil
// timestamp counts as expired with unknown minutes remaining.
func GetTokenExpiryInfo(expiresAt *time.Time, now time.Time) TokenExpiryInfo {
	if expiresAt == nil {
		return TokenExpiryInfo{IsExpired: true}
	}
	diff := expiresAt.Sub(now)
	info := TokenExpiryInfo{ExpiresAt: expiresAt, IsExpired: diff <= 0}
	minutes := 0
	if !info.IsExpired {
		minutes = int(diff / time.Minute)
	}
	info.MinutesRemaining = &minutes
	return info
}

// StoreEpicToken persists an OAuth grant and marks the connection
// connected. The connection row is created on the first grant.
func (m *TokenManager) StoreEpicToken(ctx context.Context, facilityID, userID uuid.UUID, tok TokenResponse) error {
	if tok.AccessToken == "" {
		return fmt.Errorf("token response has no access_token")
	}

	current := StatusDisconnected
	conn, err := m.conns.GetByFacility(ctx, facilityID)
	switch {
	case err == nil:
		current = conn.Status
	case !errors.Is(err, ErrNoConnection):
		return fmt.Errorf("load Epic connection: %w", err)
	}

	next, effects, err := Transition(current, EventTokenStored)
	if err != nil {
		return err
	}

	now := m.now()
	upd := TokenUpdate{
		AccessToken:     tok.AccessToken,
		Scopes:          strings.Fields(tok.Scope),
		Status:          next,
		LastConnectedAt: now,
	}
	if tok.ExpiresIn > 0 {
		exp := now.Add(time.Duration(tok.ExpiresIn) * time.Second)
		upd.ExpiresAt = &exp
	}
	if tok.RefreshToken != "" {
		upd.RefreshToken = &tok.RefreshToken
	}
	if userID != uuid.Nil {
		upd.ConnectedBy = &userID
	}
	if err := m.conns.SaveToken(ctx, facilityID, upd); err != nil {
		return fmt.Errorf("store Epic token: %w", err)
	}

	if slices.Contains(effects, EffectAuditConnected) {
		m.audit.record(ctx, audit.ActionEpicConnected, facilityID, userID, "epic_connection", facilityID.String(),
			map[string]any{"scopes": upd.Scopes, "previous_status": string(current)}, nil)
	}
	m.logger.Info().Str("facility_id", facilityID.String()).Int("scopes", len(upd.Scopes)).Msg("Epic token stored")
	return nil
}

// GetEpicAccessToken returns the facility's access token. An elapsed
// expiry flips the connection to token_expired without any network call.
func (m *TokenManager) GetEpicAccessToken(ctx context.Context, facilityID uuid.UUID) (string, error) {
	conn, err := m.validConnection(ctx, facilityID)
	if err != nil {
		return "", err
	}
	return conn.AccessToken, nil
}

func (m *TokenManager) validConnection(ctx context.Context, facilityID uuid.UUID) (*Connection, error) {
	conn, err := m.conns.GetByFacility(ctx, facilityID)
	if err != nil {
		if errors.Is(err, ErrNoConnection) {
			return nil, err
		}
		return nil, fmt.Errorf("load Epic connection: %w", err)
	}
	if conn.AccessToken == "" {
		return nil, ErrNoToken
	}
	if conn.TokenExpiresAt != nil && GetTokenExpiryInfo(conn.TokenExpiresAt, m.now()).IsExpired {
		m.applyEvent(ctx, conn, EventTokenExpired, nil)
		return nil, ErrTokenExpired
	}
	return conn, nil
}

// applyEvent writes the status that follows event. Failures are logged:
// status is advisory and the next request re-derives it.
func (m *TokenManager) applyEvent(ctx context.Context, conn *Connection, event Event, lastError *string) {
	next, effects, err := Transition(conn.Status, event)
	if err != nil {
		m.logger.Warn().Err(err).Str("facility_id", conn.FacilityID.String()).Msg("status transition rejected")
		return
	}
	if next == conn.Status && len(effects) == 0 {
		return
	}
	if err := m.conns.UpdateStatus(ctx, conn.FacilityID, next, lastError); err != nil {
		m.logger.Error().Err(err).Str("facility_id", conn.FacilityID.String()).
			Str("status", string(next)).Msg("failed to update Epic connection status")
		return
	}
	m.logger.Info().Str("facility_id", conn.FacilityID.String()).Str("from", string(conn.Status)).
		Str("to", string(next)).Str("event", string(event)).Msg("Epic connection status changed")
	conn.Status = next

	if slices.Contains(effects, EffectAuditExpired) {
		m.audit.record(ctx, audit.ActionEpicTokenExpired, conn.FacilityID, uuid.Nil, "epic_connection",
			conn.FacilityID.String(), map[string]any{"event": string(event)}, nil)
	}
}

// ClearEpicToken wipes every token field and disconnects.
func (m *TokenManager) ClearEpicToken(ctx context.Context, facilityID, userID uuid.UUID) error {
	conn, err := m.conns.GetByFacility(ctx, facilityID)
	if err != nil {
		return err
	}
	_, effects, err := Transition(conn.Status, EventDisconnect)
	if err != nil {
		return err
	}
	if err := m.conns.ClearTokens(ctx, facilityID); err != nil {
		return fmt.Errorf("clear Epic token: %w", err)
	}
	if slices.Contains(effects, EffectAuditDisconn) {
		m.audit.record(ctx, audit.ActionEpicDisconnected, facilityID, userID, "epic_connection", facilityID.String(),
			map[string]any{"previous_status": string(conn.Status)}, nil)
	}
	m.logger.Info().Str("facility_id", facilityID.String()).Msg("Epic connection cleared")
	return nil
}

func refreshLockKey(facilityID uuid.UUID) string {
	return "epic:refresh:" + facilityID.String()
}

// RefreshEpicToken exchanges the stored refresh token for a new grant.
// Callers racing on one facility share a single grant: whoever waits on the
// lock sees the rotated token and returns.
func (m *TokenManager) RefreshEpicToken(ctx context.Context, facilityID, userID uuid.UUID) error {
	before, err := m.conns.GetByFacility(ctx, facilityID)
	if err != nil {
		return err
	}

	release, err := m.locker.Acquire(ctx, refreshLockKey(facilityID))
	if err != nil {
		return fmt.Errorf("acquire refresh lock: %w", err)
	}
	defer release()

	conn, err := m.conns.GetByFacility(ctx, facilityID)
	if err != nil {
		return err
	}
	if conn.AccessToken != "" && conn.AccessToken != before.AccessToken {
		m.metrics.IncTokenRefresh("shared")
		return nil
	}
	if conn.RefreshToken == "" {
		return ErrNoRefreshToken
	}
	if conn.TokenURL == "" {
		return fmt.Errorf("Epic connection has no token URL")
	}

	tok, err := m.requestGrant(ctx, conn)
	if err != nil {
		m.metrics.IncTokenRefresh("failure")
		msg := err.Error()
		m.applyEvent(ctx, conn, EventRefreshFailed, &msg)
		return err
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = conn.RefreshToken
	}
	if err := m.StoreEpicToken(ctx, facilityID, userID, *tok); err != nil {
		m.metrics.IncTokenRefresh("failure")
		return err
	}
	m.metrics.IncTokenRefresh("success")
	return nil
}

func (m *TokenManager) requestGrant(ctx context.Context, conn *Connection) (*TokenResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, m.policy.Timeout)
	defer cancel()

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", conn.RefreshToken)
	form.Set("client_id", conn.ClientID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, conn.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if conn.ClientSecret != "" {
		req.SetBasicAuth(conn.ClientID, conn.ClientSecret)
	}

	resp, err := m.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Epic token refresh: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("Epic token refresh failed with HTTP %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	var tok TokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("Epic token refresh returned no access_token")
	}
	return &tok, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
