// Package session owns the signed-in identity and the active tenant.
//
// The Coordinator is the single writer of State. Imperative intents
// (SignIn, SignOut, SelectTenant, ...) and identity events from the
// auth.Client converge on the same transitions: a user becomes
// authenticated only through the login event handler and is cleared only
// through the logout event handler, never from the success branch of the
// imperative call. Every handler recomputes from authoritative reads on the
// client instead of trusting event payloads.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"tenantly.dev/internal/audit"
	"tenantly.dev/internal/auth"
	"tenantly.dev/internal/obs"
)

const defaultEventTimeout = 15 * time.Second

// Coordinator reconciles State with an auth.Client.
type Coordinator struct {
	client       auth.Client
	log          zerolog.Logger
	eventTimeout time.Duration
	selects      singleflight.Group

	mu      sync.Mutex
	state   State
	pending int    // in-flight loading operations
	epoch   uint64 // bumped by every logout
	version uint64

	watchMu   sync.Mutex
	watchers  map[uint64]func(State)
	nextWatch uint64
	delivered uint64

	unsubs    []func()
	closeOnce sync.Once
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger overrides the logger (defaults to obs.Logger()).
func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// WithEventTimeout bounds the client reads triggered by identity events.
func WithEventTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.eventTimeout = d
		}
	}
}

// New builds a coordinator and subscribes to the client's events for its
// whole lifetime. Call Close to unsubscribe.
func New(client auth.Client, opts ...Option) *Coordinator {
	c := &Coordinator{
		client:       client,
		log:          obs.Logger(),
		eventTimeout: defaultEventTimeout,
		watchers:     make(map[uint64]func(State)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("component", "session").Logger()
	c.unsubs = []func(){
		client.On(auth.EventLogin, c.handleLogin),
		client.On(auth.EventLogout, c.handleLogout),
		client.On(auth.EventTenantChanged, c.handleTenantChanged),
	}
	return c
}

// Close releases the event subscriptions. Safe to call more than once.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		for _, off := range c.unsubs {
			off()
		}
	})
}

// State returns a copy of the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// Watch calls fn with the current state and then after every change, in
// commit order. Deliveries are serialized; fn must not call back into the
// coordinator's mutating methods synchronously.
func (c *Coordinator) Watch(fn func(State)) (unwatch func()) {
	c.watchMu.Lock()
	id := c.nextWatch
	c.nextWatch++
	c.watchers[id] = fn
	c.mu.Lock()
	snapshot, version := c.state.clone(), c.version
	c.mu.Unlock()
	// Older commits still waiting on watchMu must not overtake this one.
	if version > c.delivered {
		c.delivered = version
	}
	fn(snapshot)
	c.watchMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.watchMu.Lock()
			delete(c.watchers, id)
			c.watchMu.Unlock()
		})
	}
}

// Context attaches the signed-in user and active tenant to ctx.
func (c *Coordinator) Context(ctx context.Context) context.Context {
	st := c.State()
	if st.User != nil {
		ctx = auth.ContextWithUser(ctx, st.User.ID)
	}
	return auth.ContextWithTenant(ctx, st.TenantID())
}

// Initialize restores a persisted session at boot. Failures are recorded in
// State.Error and never returned: the console proceeds signed out.
func (c *Coordinator) Initialize(ctx context.Context) {
	c.begin()
	err := func() error {
		ok, err := c.client.IsAuthenticated(ctx)
		if err != nil {
			return fmt.Errorf("check session: %w", err)
		}
		if !ok {
			return nil
		}
		return c.loadUserData(ctx)
	}()
	c.end(err)
	c.observe("initialize", err)
	if err != nil {
		c.log.Warn().Err(err).Msg("session initialization failed")
	}
}

// SignIn delegates to the client. The session itself is populated by the
// login event handler. The error is recorded and returned for form display.
func (c *Coordinator) SignIn(ctx context.Context, creds auth.Credentials) error {
	c.begin()
	err := c.signIn(ctx, creds)
	c.end(err)
	c.observe("sign_in", err)
	return err
}

func (c *Coordinator) signIn(ctx context.Context, creds auth.Credentials) error {
	if strings.TrimSpace(creds.Identifier) == "" || creds.Password == "" {
		return auth.ErrInvalidCredentials
	}
	return c.client.Login(ctx, strings.TrimSpace(creds.Identifier), creds.Password)
}

// SignUpInput is what the registration form collects.
type SignUpInput struct {
	FullName string
	Phone    string
	Email    string
	Password string
}

// RegistrationFields derives the register payload from a sign-up form.
func (in SignUpInput) RegistrationFields() auth.RegistrationFields {
	given, family := SplitFullName(in.FullName)
	return auth.RegistrationFields{
		GivenName:  given,
		FamilyName: family,
		Phone:      strings.TrimSpace(in.Phone),
		Email:      strings.TrimSpace(in.Email),
		Password:   in.Password,
	}
}

// identifier prefers email over phone for the follow-up sign-in.
func (in SignUpInput) identifier() string {
	if e := strings.TrimSpace(in.Email); e != "" {
		return e
	}
	return strings.TrimSpace(in.Phone)
}

// SignUp registers and then signs in with the same credentials; a
// registration alone does not open a session.
func (c *Coordinator) SignUp(ctx context.Context, in SignUpInput) error {
	c.begin()
	err := c.signUp(ctx, in)
	c.end(err)
	c.observe("sign_up", err)
	return err
}

func (c *Coordinator) signUp(ctx context.Context, in SignUpInput) error {
	fields := in.RegistrationFields()
	if fields.GivenName == "" || fields.Password == "" || in.identifier() == "" {
		return fmt.Errorf("%w: name, password and phone or email are required", auth.ErrInvalidInput)
	}
	if err := c.client.Register(ctx, fields); err != nil {
		return err
	}
	_ = audit.LogEvent(ctx, audit.SessionSignup, map[string]any{"identifier": in.identifier()})
	return c.SignIn(ctx, auth.Credentials{Identifier: in.identifier(), Password: in.Password})
}

// SignOut delegates to the client; the logout event handler clears State.
func (c *Coordinator) SignOut(ctx context.Context) error {
	err := c.client.Logout(ctx)
	if err != nil {
		c.recordError(err)
	}
	c.observe("sign_out", err)
	return err
}

// SelectTenant makes tenantID current once the client acknowledged it.
// Selecting the already current tenant is a no-op. An id missing from the
// loaded memberships triggers one refresh; if it is still missing the call
// is a no-op as well, since the tenant may no longer be valid for the user.
// Concurrent selections of the same tenant share one client call.
func (c *Coordinator) SelectTenant(ctx context.Context, tenantID string) error {
	tenantID = strings.TrimSpace(tenantID)
	st := c.State()
	if tenantID == "" || st.TenantID() == tenantID {
		return nil
	}
	if _, ok := st.Tenant(tenantID); !ok {
		c.log.Debug().Str("tenant_id", tenantID).Msg("unknown tenant, refreshing memberships")
		if err := c.RefreshUser(ctx); err != nil {
			return err
		}
		st = c.State()
		if st.TenantID() == tenantID {
			return nil
		}
		if _, ok := st.Tenant(tenantID); !ok {
			c.log.Info().Str("tenant_id", tenantID).Msg("tenant selection ignored: not a member")
			return nil
		}
	}

	_, err, _ := c.selects.Do(tenantID, func() (any, error) {
		return nil, c.client.SelectTenant(ctx, tenantID)
	})
	c.observe("select_tenant", err)
	if err != nil {
		c.recordError(err)
		return err
	}
	c.setCurrent(tenantID)
	_ = audit.LogEvent(c.Context(ctx), audit.SessionTenantSelected, map[string]any{"tenant_id": tenantID})
	return nil
}

// RefreshUser reloads the user and memberships from the client.
func (c *Coordinator) RefreshUser(ctx context.Context) error {
	c.begin()
	err := c.loadUserData(ctx)
	c.end(err)
	c.observe("refresh", err)
	return err
}

// loadUserData pulls the user snapshot and resolves the current tenant. A
// failed read keeps whatever was known before.
func (c *Coordinator) loadUserData(ctx context.Context) error {
	epoch := c.currentEpoch()

	user, err := c.client.CurrentUser(ctx)
	if err != nil {
		err = fmt.Errorf("load user: %w", err)
		c.recordError(err)
		return err
	}
	if user == nil {
		c.commitIf(epoch, func(s *State) { s.clearIdentity() })
		return nil
	}
	persisted, err := c.client.CurrentTenant(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("read persisted tenant")
		persisted = ""
	}
	user = user.Clone()
	user.Tenants = auth.UniqueMemberships(user.Tenants)
	current := AutoSelectTenant(user.Tenants, persisted)

	applied := c.commitIf(epoch, func(s *State) {
		s.User = user
		s.Tenants = append([]auth.TenantMembership(nil), user.Tenants...)
		s.CurrentTenant = current
	})
	if !applied {
		c.log.Debug().Str("user_id", user.ID).Msg("discarded user load superseded by logout")
	}
	return nil
}

func (c *Coordinator) handleLogin(evt auth.Event) {
	obs.SessionEvents.WithLabelValues(string(evt.Name)).Inc()
	ctx, cancel := context.WithTimeout(context.Background(), c.eventTimeout)
	defer cancel()
	if err := c.loadUserData(ctx); err != nil {
		c.log.Warn().Err(err).Msg("login event: load user failed")
		return
	}
	_ = audit.LogEvent(c.Context(ctx), audit.SessionLogin, nil)
}

func (c *Coordinator) handleLogout(evt auth.Event) {
	obs.SessionEvents.WithLabelValues(string(evt.Name)).Inc()
	userID := ""
	c.commit(func(s *State) {
		c.epoch++
		if s.User != nil {
			userID = s.User.ID
		}
		s.clearIdentity()
		s.Error = ""
	})
	_ = audit.LogEvent(auth.ContextWithUser(context.Background(), userID), audit.SessionLogout, nil)
}

func (c *Coordinator) handleTenantChanged(evt auth.Event) {
	obs.SessionEvents.WithLabelValues(string(evt.Name)).Inc()
	if evt.TenantID == "" {
		return
	}
	if c.setCurrent(evt.TenantID) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.eventTimeout)
	defer cancel()
	if err := c.RefreshUser(ctx); err != nil {
		c.log.Warn().Err(err).Str("tenant_id", evt.TenantID).Msg("tenant-changed: refresh failed")
		return
	}
	if !c.setCurrent(evt.TenantID) {
		c.log.Info().Str("tenant_id", evt.TenantID).Msg("tenant-changed ignored: not a member")
	}
}

// setCurrent makes the loaded membership id current; false if unknown.
func (c *Coordinator) setCurrent(tenantID string) bool {
	found := false
	c.commit(func(s *State) {
		if m, ok := findTenant(s.Tenants, tenantID); ok {
			s.CurrentTenant = &m
			found = true
		}
	})
	return found
}

func (c *Coordinator) begin() {
	c.commit(func(s *State) {
		c.pending++
		s.Error = ""
	})
}

func (c *Coordinator) end(err error) {
	c.commit(func(s *State) {
		if c.pending > 0 {
			c.pending--
		}
		if err != nil {
			s.Error = err.Error()
		}
	})
}

func (c *Coordinator) recordError(err error) {
	c.commit(func(s *State) { s.Error = err.Error() })
}

func (c *Coordinator) currentEpoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

func (c *Coordinator) commit(fn func(*State)) {
	c.apply(func(s *State) bool {
		fn(s)
		return true
	})
}

// commitIf applies fn unless a logout happened after epoch was read.
func (c *Coordinator) commitIf(epoch uint64, fn func(*State)) bool {
	return c.apply(func(s *State) bool {
		if epoch != c.epoch {
			return false
		}
		fn(s)
		return true
	})
}

func (c *Coordinator) apply(fn func(*State) bool) bool {
	c.mu.Lock()
	if !fn(&c.state) {
		c.mu.Unlock()
		return false
	}
	c.state.normalize()
	c.state.Loading = c.pending > 0
	c.version++
	version := c.version
	snapshot := c.state.clone()
	c.mu.Unlock()

	c.publish(version, snapshot)
	return true
}

// publish delivers snapshot unless a newer one already went out.
func (c *Coordinator) publish(version uint64, snapshot State) {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	if version <= c.delivered {
		return
	}
	c.delivered = version
	ids := make([]uint64, 0, len(c.watchers))
	for id := range c.watchers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		c.watchers[id](snapshot.clone())
	}
}

func (c *Coordinator) observe(op string, err error) {
	outcome := obs.Outcome(err)
	if errors.Is(err, context.Canceled) {
		outcome = "canceled"
	}
	obs.SessionTransitions.WithLabelValues(op, outcome).Inc()
}
