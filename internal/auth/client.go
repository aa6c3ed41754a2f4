package auth

import "context"

// EventName enumerates the identity events an auth client emits.
type EventName string

const (
	EventLogin         EventName = "login"
	EventLogout        EventName = "logout"
	EventTenantChanged EventName = "tenant-changed"
)

// Valid reports whether n is one of the known events.
func (n EventName) Valid() bool {
	switch n {
	case EventLogin, EventLogout, EventTenantChanged:
		return true
	}
	return false
}

// Event is the payload delivered to handlers. TenantID is set for tenant-changed.
type Event struct {
	Name     EventName `json:"event"`
	UserID   string    `json:"user_id,omitempty"`
	TenantID string    `json:"tenant_id,omitempty"`
}

// Handler receives identity events. Handlers run on the emitting goroutine.
type Handler func(Event)

// Client is the identity SDK consumed by the session coordinator. Events may
// fire from sources other than the direct calls (token refresh, revalidation).
type Client interface {
	IsAuthenticated(ctx context.Context) (bool, error)
	// CurrentUser returns nil without error when nobody is signed in.
	CurrentUser(ctx context.Context) (*User, error)
	// CurrentTenant returns the persisted tenant selection, or "".
	CurrentTenant(ctx context.Context) (string, error)
	Login(ctx context.Context, identifier, password string) error
	Register(ctx context.Context, fields RegistrationFields) error
	Logout(ctx context.Context) error
	// SelectTenant returns nil only once the backend acknowledged the selection.
	SelectTenant(ctx context.Context, tenantID string) error
	// On subscribes h to the named event; the returned func unsubscribes.
	On(name EventName, h Handler) (unsubscribe func())
}

// Key names a persisted client-side value.
type Key string

const (
	KeyToken    Key = "auth_token"
	KeyTenantID Key = "current_tenant_id"
)

// Persistence stores the auth token and selected tenant for a client.
// Get returns "" without error when the key is absent.
type Persistence interface {
	Get(ctx context.Context, key Key) (string, error)
	Set(ctx context.Context, key Key, value string) error
	Clear(ctx context.Context) error
}
