// Package audit records session transitions as structured log entries.
package audit

import (
	"context"
	"errors"
	"strings"

	"tenantly.dev/internal/auth"
	"tenantly.dev/internal/obs"
)

// Session transitions that are audited.
const (
	SessionLogin          = "session.login"
	SessionLogout         = "session.logout"
	SessionSignup         = "session.signup"
	SessionTenantSelected = "session.tenant.selected"
)

type requestIDKey struct{}

// WithRequestID tags ctx with the id of the request being served.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID = strings.TrimSpace(requestID); requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext returns the request id set by WithRequestID, or "".
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	rid, _ := ctx.Value(requestIDKey{}).(string)
	return rid
}

// LogEvent writes one audit entry. Request, user and tenant ids found in
// ctx are added next to fields.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	if event = strings.TrimSpace(event); event == "" {
		return errors.New("audit: event name is required")
	}
	logger := obs.Logger()
	e := logger.Info().Str("type", "audit").Str("event", event)
	if rid := RequestIDFromContext(ctx); rid != "" {
		e = e.Str("request_id", rid)
	}
	if id, ok := auth.UserIDFromContext(ctx); ok {
		e = e.Str("user_id", id)
	}
	if id, ok := auth.TenantIDFromContext(ctx); ok {
		e = e.Str("tenant_id", id)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	e.Interface("fields", fields).Msg("audit")
	return nil
}
