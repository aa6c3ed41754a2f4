package auth

import (
	"context"
	"errors"

	"tenantly.dev/internal/events"
)

var _ Client = (*LocalClient)(nil)

// LocalClient implements Client directly on a Directory, persisting the
// token and tenant selection through a Persistence port.
type LocalClient struct {
	dir     *Directory
	store   Persistence
	emitter events.Emitter[Event]
}

// NewLocalClient returns a client bound to dir. store must not be nil.
func NewLocalClient(dir *Directory, store Persistence) *LocalClient {
	return &LocalClient{dir: dir, store: store}
}

func (c *LocalClient) IsAuthenticated(ctx context.Context) (bool, error) {
	user, err := c.CurrentUser(ctx)
	if err != nil {
		return false, err
	}
	return user != nil, nil
}

func (c *LocalClient) CurrentUser(ctx context.Context) (*User, error) {
	token, err := c.store.Get(ctx, KeyToken)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, nil
	}
	user, err := c.dir.Resolve(ctx, token)
	if errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (c *LocalClient) CurrentTenant(ctx context.Context) (string, error) {
	return c.store.Get(ctx, KeyTenantID)
}

func (c *LocalClient) Login(ctx context.Context, identifier, password string) error {
	token, user, err := c.dir.Authenticate(ctx, identifier, password)
	if err != nil {
		return err
	}
	if err := c.store.Set(ctx, KeyToken, token); err != nil {
		return err
	}
	c.Emit(Event{Name: EventLogin, UserID: user.ID})
	return nil
}

func (c *LocalClient) Register(ctx context.Context, fields RegistrationFields) error {
	_, err := c.dir.Register(ctx, fields)
	return err
}

// Logout always clears local state, even when the directory call fails.
func (c *LocalClient) Logout(ctx context.Context) error {
	token, err := c.store.Get(ctx, KeyToken)
	var revokeErr error
	if err == nil && token != "" {
		revokeErr = c.dir.Revoke(ctx, token)
	}
	if err := c.store.Clear(ctx); err != nil {
		return err
	}
	c.Emit(Event{Name: EventLogout})
	return revokeErr
}

func (c *LocalClient) SelectTenant(ctx context.Context, tenantID string) error {
	token, err := c.store.Get(ctx, KeyToken)
	if err != nil {
		return err
	}
	if token == "" {
		return ErrNotAuthenticated
	}
	if err := c.dir.SelectTenant(ctx, token, tenantID); err != nil {
		return err
	}
	if err := c.store.Set(ctx, KeyTenantID, tenantID); err != nil {
		return err
	}
	c.Emit(Event{Name: EventTenantChanged, TenantID: tenantID})
	return nil
}

func (c *LocalClient) On(name EventName, h Handler) func() {
	return c.emitter.On(string(name), h)
}

// Emit delivers evt to subscribers as if it came from a background source
// such as a token refresh.
func (c *LocalClient) Emit(evt Event) {
	c.emitter.Emit(string(evt.Name), evt)
}
