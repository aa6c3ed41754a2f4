package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"tenantly.dev/internal/events"
	"tenantly.dev/internal/ids"
)

const defaultTokenTTL = 12 * time.Hour

// Directory is an in-process identity backend: users, memberships, password
// verification and session tokens. It backs the demo REST endpoints and the
// LocalClient used in tests.
type Directory struct {
	mu       sync.RWMutex
	users    map[string]*account
	index    map[string]string // normalized identifier -> user id
	sessions map[string]string // token id -> user id
	secret   []byte
	ttl      time.Duration
	now      func() time.Time
	feed     events.Emitter[Event]
}

type account struct {
	user         User
	passwordHash string
}

// DirectoryOption configures a Directory.
type DirectoryOption func(*Directory)

// WithSecret sets the HS256 signing secret for session tokens.
func WithSecret(secret string) DirectoryOption {
	return func(d *Directory) {
		if strings.TrimSpace(secret) != "" {
			d.secret = []byte(secret)
		}
	}
}

// WithTokenTTL configures session token lifetime.
func WithTokenTTL(ttl time.Duration) DirectoryOption {
	return func(d *Directory) {
		if ttl > 0 {
			d.ttl = ttl
		}
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) DirectoryOption {
	return func(d *Directory) {
		if fn != nil {
			d.now = fn
		}
	}
}

// NewDirectory creates an empty directory. Without WithSecret a random
// secret is generated, so tokens do not survive a restart.
func NewDirectory(opts ...DirectoryOption) *Directory {
	d := &Directory{
		users:    make(map[string]*account),
		index:    make(map[string]string),
		sessions: make(map[string]string),
		ttl:      defaultTokenTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if len(d.secret) == 0 {
		d.secret = make([]byte, 32)
		_, _ = rand.Read(d.secret)
	}
	return d
}

// AddUser stores u with the given password. An empty ID is generated.
func (d *Directory) AddUser(u User, password string) (User, error) {
	if password == "" || (u.Email == "" && u.Phone == "") {
		return User{}, ErrInvalidInput
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	u.Tenants = UniqueMemberships(u.Tenants)

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.users[u.ID]; ok {
		return User{}, ErrAlreadyExists
	}
	keys := identifiers(u)
	for _, k := range keys {
		if _, taken := d.index[k]; taken {
			return User{}, ErrAlreadyExists
		}
	}
	d.users[u.ID] = &account{user: u, passwordHash: string(hash)}
	for _, k := range keys {
		d.index[k] = u.ID
	}
	return *u.Clone(), nil
}

// Register creates a user without memberships from registration fields.
func (d *Directory) Register(_ context.Context, f RegistrationFields) (User, error) {
	if strings.TrimSpace(f.GivenName) == "" {
		return User{}, fmt.Errorf("%w: nombre is required", ErrInvalidInput)
	}
	return d.AddUser(User{
		FirstName: strings.TrimSpace(f.GivenName),
		LastName:  strings.TrimSpace(f.FamilyName),
		Email:     strings.TrimSpace(f.Email),
		Phone:     strings.TrimSpace(f.Phone),
	}, f.Password)
}

// AddMembership grants userID access to tenant m.
func (d *Directory) AddMembership(userID string, m TenantMembership) error {
	if m.ID == "" {
		return ErrInvalidInput
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	acc, ok := d.users[userID]
	if !ok {
		return ErrNotFound
	}
	if _, exists := acc.user.Membership(m.ID); exists {
		return ErrAlreadyExists
	}
	acc.user.Tenants = append(acc.user.Tenants, m)
	return nil
}

// RemoveMembership revokes userID's access to tenantID.
func (d *Directory) RemoveMembership(userID, tenantID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	acc, ok := d.users[userID]
	if !ok {
		return ErrNotFound
	}
	kept := acc.user.Tenants[:0]
	found := false
	for _, m := range acc.user.Tenants {
		if m.ID == tenantID {
			found = true
			continue
		}
		kept = append(kept, m)
	}
	if !found {
		return ErrTenantNotFound
	}
	acc.user.Tenants = kept
	return nil
}

// Authenticate verifies credentials and opens a session.
func (d *Directory) Authenticate(_ context.Context, identifier, password string) (string, User, error) {
	key := normalizeIdentifier(identifier)
	if key == "" || password == "" {
		return "", User{}, ErrInvalidCredentials
	}
	d.mu.RLock()
	userID, ok := d.index[key]
	var acc *account
	if ok {
		acc = d.users[userID]
	}
	d.mu.RUnlock()
	if acc == nil {
		return "", User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acc.passwordHash), []byte(password)); err != nil {
		return "", User{}, ErrInvalidCredentials
	}

	token, err := IssueToken(d.secret, userID, d.ttl, d.now())
	if err != nil {
		return "", User{}, err
	}
	claims, err := ParseToken(d.secret, token, d.now())
	if err != nil {
		return "", User{}, err
	}

	d.mu.Lock()
	d.sessions[claims.ID] = userID
	user := *acc.user.Clone()
	d.mu.Unlock()
	return token, user, nil
}

// Resolve returns the user owning a live session token.
func (d *Directory) Resolve(_ context.Context, token string) (User, error) {
	claims, err := ParseToken(d.secret, token, d.now())
	if err != nil {
		return User{}, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	userID, ok := d.sessions[claims.ID]
	if !ok || userID != claims.Subject {
		return User{}, ErrInvalidToken
	}
	acc, ok := d.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	return *acc.user.Clone(), nil
}

// SelectTenant acknowledges a tenant selection for the session's user.
func (d *Directory) SelectTenant(ctx context.Context, token, tenantID string) error {
	user, err := d.Resolve(ctx, token)
	if err != nil {
		return err
	}
	if _, ok := user.Membership(tenantID); !ok {
		return ErrTenantNotFound
	}
	return nil
}

// Revoke closes the session behind token. Unknown tokens are ignored.
func (d *Directory) Revoke(_ context.Context, token string) error {
	claims, err := ParseToken(d.secret, token, d.now())
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			return nil
		}
		return err
	}
	d.mu.Lock()
	delete(d.sessions, claims.ID)
	d.mu.Unlock()
	return nil
}

// RevokeUser ends every session of userID and tells subscribers.
func (d *Directory) RevokeUser(userID string) {
	d.mu.Lock()
	for jti, uid := range d.sessions {
		if uid == userID {
			delete(d.sessions, jti)
		}
	}
	d.mu.Unlock()
	d.Notify(userID, Event{Name: EventLogout, UserID: userID})
}

// Notify pushes a server-side event to userID's subscribers.
func (d *Directory) Notify(userID string, evt Event) {
	if evt.UserID == "" {
		evt.UserID = userID
	}
	d.feed.Emit(userID, evt)
}

// Subscribe streams server-side events for userID until ctx ends.
func (d *Directory) Subscribe(ctx context.Context, userID string) <-chan Event {
	return d.feed.Subscribe(ctx, userID, 16)
}

func identifiers(u User) []string {
	var out []string
	if k := normalizeIdentifier(u.Email); k != "" {
		out = append(out, k)
	}
	if k := normalizeIdentifier(u.Phone); k != "" {
		out = append(out, k)
	}
	return out
}

func normalizeIdentifier(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
