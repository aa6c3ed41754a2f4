package rest

import (
	"errors"
	"fmt"
	"net/http"

	"tenantly.dev/internal/auth"
)

// Identity endpoints, relative to the API base URL.
const (
	PathLogin    = "/v1/auth/login"
	PathRegister = "/v1/auth/register"
	PathLogout   = "/v1/auth/logout"
	PathMe       = "/v1/auth/me"
	PathTenant   = "/v1/auth/tenant"
	PathEvents   = "/v1/auth/events"
)

// HeaderRequestID carries the correlation id of each call.
const HeaderRequestID = "X-Request-ID"

// ErrUnavailable is returned while the circuit breaker is open.
var ErrUnavailable = errors.New("rest: identity service unavailable")

// ErrThrottled is returned when login attempts exceed the client-side rate.
var ErrThrottled = errors.New("rest: too many login attempts")

type LoginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type LoginResponse struct {
	Token string    `json:"token"`
	User  auth.User `json:"user"`
}

type SelectTenantRequest struct {
	TenantID string `json:"tenant_id"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusError is a non-2xx reply. It unwraps to the matching auth sentinel.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("rest: status %d", e.Code)
	}
	return fmt.Sprintf("rest: status %d: %s", e.Code, e.Message)
}

func (e *StatusError) Unwrap() error {
	return SentinelForStatus(e.Code)
}

// SentinelForStatus maps an HTTP status to the auth error it stands for.
func SentinelForStatus(code int) error {
	switch code {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return auth.ErrInvalidInput
	case http.StatusUnauthorized:
		return auth.ErrUnauthorized
	case http.StatusForbidden:
		return auth.ErrSelectionRejected
	case http.StatusNotFound:
		return auth.ErrNotFound
	case http.StatusConflict:
		return auth.ErrAlreadyExists
	default:
		return nil
	}
}

// StatusForError is the inverse of SentinelForStatus, used by servers.
func StatusForError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, auth.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrUnauthorized),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrSelectionRejected):
		return http.StatusForbidden
	case errors.Is(err, auth.ErrNotFound), errors.Is(err, auth.ErrTenantNotFound):
		return http.StatusNotFound
	case errors.Is(err, auth.ErrAlreadyExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// clientFault reports whether err is the caller's fault rather than the
// service's; those do not count against the circuit breaker.
func clientFault(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code < http.StatusInternalServerError
}
