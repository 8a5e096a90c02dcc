package epic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/ehr/epicbridge/pkg/fhirmodels"
)

const (
	maxResponseBytes = 32 << 20

	// halfOpenSlots must cover the widest concurrent fan-out against one
	// facility, otherwise siblings of the trial request are rejected.
	halfOpenSlots = 3
	halfOpenPoll  = 10 * time.Millisecond
)

// RequestPolicy bounds every outbound Epic FHIR call.
type RequestPolicy struct {
	Timeout     time.Duration // per attempt
	MaxRetries  int           // retries after the first attempt, on 429 and timeout only
	BackoffBase time.Duration // delay before retry n is BackoffBase * 2^n

	RateLimit rate.Limit // per facility, requests per second
	RateBurst int

	BreakerFailures uint32 // consecutive failures that open the breaker; 0 disables it
	BreakerCooldown time.Duration
}

func DefaultRequestPolicy() RequestPolicy {
	return RequestPolicy{
		Timeout:         10 * time.Second,
		MaxRetries:      3,
		BackoffBase:     time.Second,
		RateLimit:       5,
		RateBurst:       10,
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
	}
}

// RequestOptions tune a single FHIRRequest.
type RequestOptions struct {
	Method string // defaults to GET
	Body   []byte
}

// FHIRRequest issues an authenticated request for resourcePath, relative to
// the facility's FHIR base URL. Local problems (no connection, no token,
// expired token, no base URL) fail before any network call. Rate limiting
// and timeouts are retried with exponential backoff; every other failure is
// terminal, and a 401 additionally marks the token expired.
func (m *TokenManager) FHIRRequest(ctx context.Context, facilityID uuid.UUID, resourcePath string, opts RequestOptions) ([]byte, error) {
	conn, err := m.validConnection(ctx, facilityID)
	if err != nil {
		return nil, err
	}
	if conn.FHIRBaseURL == "" {
		return nil, ErrNoBaseURL
	}
	endpoint := strings.TrimSuffix(conn.FHIRBaseURL, "/") + "/" + strings.TrimPrefix(resourcePath, "/")

	start := time.Now()
	out, err := m.execute(ctx, facilityID, resourcePath, func() (interface{}, error) {
		return m.doWithRetry(ctx, conn, endpoint, resourcePath, opts)
	})
	m.metrics.ObserveFHIRRequest(resourceLabel(resourcePath), outcomeLabel(err), time.Since(start))
	if err != nil {
		m.logger.Warn().Err(err).Str("facility_id", facilityID.String()).Str("path", resourcePath).
			Msg("Epic FHIR request failed")
		return nil, err
	}
	return out.([]byte), nil
}

// execute runs fn through the facility breaker. While the breaker is half
// open and its trial slots are taken, callers wait for the outcome instead
// of failing; only an open breaker rejects outright.
func (m *TokenManager) execute(ctx context.Context, facilityID uuid.UUID, path string, fn func() (interface{}, error)) (interface{}, error) {
	cb := m.breaker(facilityID)
	for {
		out, err := cb.Execute(fn)
		switch {
		case errors.Is(err, gobreaker.ErrOpenState):
			return nil, &FHIRError{Kind: KindCircuitOpen, Path: path, Err: err}
		case !errors.Is(err, gobreaker.ErrTooManyRequests):
			return out, err
		}
		t := time.NewTimer(halfOpenPoll)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, &FHIRError{Kind: KindTransport, Path: path, Err: ctx.Err(), local: true}
		case <-t.C:
		}
	}
}

func (m *TokenManager) doWithRetry(ctx context.Context, conn *Connection, endpoint, path string, opts RequestOptions) ([]byte, error) {
	limiter := m.limiter(conn.FacilityID)
	attempts := m.policy.MaxRetries + 1

	var last *FHIRError
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := m.policy.BackoffBase << (attempt - 1)
			m.metrics.IncFHIRRetry(string(last.Kind))
			m.logger.Debug().Str("path", path).Int("attempt", attempt+1).Dur("backoff", delay).
				Str("reason", string(last.Kind)).Msg("retrying Epic FHIR request")
			if err := m.sleep(ctx, delay); err != nil {
				return nil, &FHIRError{Kind: KindTransport, Path: path, Attempts: attempt, Err: err, local: true}
			}
		}
		if err := limiter.Wait(ctx); err != nil {
			return nil, &FHIRError{Kind: KindTransport, Path: path, Attempts: attempt, Err: err, local: true}
		}

		body, ferr := m.attempt(ctx, conn.AccessToken, endpoint, path, opts)
		if ferr == nil {
			return body, nil
		}
		ferr.Attempts = attempt + 1
		if ferr.Kind == KindUnauthorized {
			m.applyEvent(ctx, conn, EventUnauthorized, nil)
			return nil, ferr
		}
		if !ferr.retryable() {
			return nil, ferr
		}
		last = ferr
	}
	return nil, last
}

func (m *TokenManager) attempt(ctx context.Context, token, endpoint, path string, opts RequestOptions) ([]byte, *FHIRError) {
	actx, cancel := context.WithTimeout(ctx, m.policy.Timeout)
	defer cancel()

	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if opts.Body != nil {
		body = bytes.NewReader(opts.Body)
	}
	req, err := http.NewRequestWithContext(actx, method, endpoint, body)
	if err != nil {
		return nil, &FHIRError{Kind: KindTransport, Path: path, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", fhirmodels.FHIRContentType)
	req.Header.Set("Content-Type", fhirmodels.FHIRContentType)

	resp, err := m.http.Do(req)
	if err != nil {
		return nil, classifyTransport(ctx, actx, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyTransport(ctx, actx, path, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &FHIRError{Kind: KindRateLimited, StatusCode: resp.StatusCode, Path: path}
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &FHIRError{Kind: KindUnauthorized, StatusCode: resp.StatusCode, Path: path}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &FHIRError{Kind: KindHTTP, StatusCode: resp.StatusCode, Path: path, Detail: errorDetail(data)}
	}
	return data, nil
}

// classifyTransport separates a per-attempt timeout from the caller giving
// up and from other network failures.
func classifyTransport(parent, attemptCtx context.Context, path string, err error) *FHIRError {
	if parent.Err() != nil {
		return &FHIRError{Kind: KindTransport, Path: path, Err: parent.Err(), local: true}
	}
	var ne net.Error
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &FHIRError{Kind: KindTimedOut, Path: path, Err: err}
	}
	return &FHIRError{Kind: KindTransport, Path: path, Err: err}
}

func errorDetail(body []byte) string {
	var oo fhirmodels.OperationOutcome
	if json.Unmarshal(body, &oo) == nil && oo.ResourceType == fhirmodels.ResourceOutcome {
		if s := oo.Summary(); s != "" {
			return s
		}
	}
	return truncate(strings.TrimSpace(string(body)), 200)
}

func (m *TokenManager) limiter(facilityID uuid.UUID) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limiters[facilityID]
	if !ok {
		l = rate.NewLimiter(m.policy.RateLimit, m.policy.RateBurst)
		m.limiters[facilityID] = l
	}
	return l
}

// breaker returns the facility's circuit breaker. Only failures that say
// Epic itself is unhealthy count toward opening it; anything caused by the
// caller's context counts as a success.
func (m *TokenManager) breaker(facilityID uuid.UUID) *gobreaker.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[facilityID]; ok {
		return cb
	}
	threshold := m.policy.BreakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "epic:" + facilityID.String(),
		MaxRequests: halfOpenSlots,
		Timeout:     m.policy.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return threshold > 0 && c.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var fe *FHIRError
			if errors.As(err, &fe) {
				return !fe.tripsBreaker()
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("Epic circuit breaker state changed")
			m.metrics.SetBreakerState(name, breakerGauge(to))
		},
	})
	m.breakers[facilityID] = cb
	return cb
}

func breakerGauge(s gobreaker.State) int {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	}
	return 0
}

// resourceLabel reduces "Patient/123" or "Appointment?date=..." to the
// resource type for metrics.
func resourceLabel(path string) string {
	path = strings.TrimPrefix(path, "/")
	if i := strings.IndexAny(path, "/?"); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "unknown"
	}
	return path
}

func outcomeLabel(err error) string {
	if err == nil {
		return "success"
	}
	var fe *FHIRError
	if errors.As(err, &fe) {
		return string(fe.Kind)
	}
	return "error"
}
