package epic

import (
	"errors"
	"fmt"
)

var (
	ErrNoConnection      = errors.New("no Epic connection configured for this facility")
	ErrNoToken           = errors.New("Epic connection has no access token")
	ErrTokenExpired      = errors.New("Epic access token has expired; reconnect to Epic")
	ErrNoBaseURL         = errors.New("Epic connection has no FHIR base URL")
	ErrNoRefreshToken    = errors.New("Epic connection has no refresh token")
	ErrIllegalTransition = errors.New("illegal connection status transition")
	ErrMappingNotFound   = errors.New("entity mapping not found")
	ErrFieldNotFound     = errors.New("field mapping not found")
)

// FHIRErrorKind classifies a failed Epic FHIR request.
type FHIRErrorKind string

const (
	KindRateLimited  FHIRErrorKind = "rate_limited"
	KindTimedOut     FHIRErrorKind = "timed_out"
	KindUnauthorized FHIRErrorKind = "unauthorized"
	KindHTTP         FHIRErrorKind = "http"
	KindTransport    FHIRErrorKind = "transport"
	KindCircuitOpen  FHIRErrorKind = "circuit_open"
)

// FHIRError is a terminal Epic FHIR request failure.
type FHIRError struct {
	Kind       FHIRErrorKind
	StatusCode int
	Attempts   int
	Path       string
	Detail     string
	Err        error

	local bool // caused by the caller's context, not by Epic
}

func (e *FHIRError) Error() string {
	switch e.Kind {
	case KindRateLimited:
		return fmt.Sprintf("Epic FHIR request %s rate limited (HTTP 429) after %d attempts", e.Path, e.Attempts)
	case KindTimedOut:
		return fmt.Sprintf("Epic FHIR request %s timed out after %d attempts", e.Path, e.Attempts)
	case KindUnauthorized:
		return fmt.Sprintf("Epic FHIR request %s unauthorized (HTTP 401); token marked expired", e.Path)
	case KindHTTP:
		if e.Detail != "" {
			return fmt.Sprintf("Epic FHIR request %s failed with HTTP %d: %s", e.Path, e.StatusCode, e.Detail)
		}
		return fmt.Sprintf("Epic FHIR request %s failed with HTTP %d", e.Path, e.StatusCode)
	case KindCircuitOpen:
		return fmt.Sprintf("Epic FHIR request %s rejected: circuit open after repeated failures", e.Path)
	default:
		return fmt.Sprintf("Epic FHIR request %s failed: %v", e.Path, e.Err)
	}
}

func (e *FHIRError) Unwrap() error { return e.Err }

// retryable reports whether another attempt may succeed.
func (e *FHIRError) retryable() bool {
	return e.Kind == KindRateLimited || e.Kind == KindTimedOut
}

// tripsBreaker reports whether the failure points at Epic being unhealthy
// rather than at this request.
func (e *FHIRError) tripsBreaker() bool {
	if e.local {
		return false
	}
	switch e.Kind {
	case KindTimedOut, KindTransport:
		return true
	case KindHTTP:
		return e.StatusCode >= 500
	}
	return false
}
