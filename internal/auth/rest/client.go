// Package rest implements auth.Client over the identity REST endpoints.
package rest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"tenantly.dev/internal/audit"
	"tenantly.dev/internal/auth"
	"tenantly.dev/internal/events"
	"tenantly.dev/internal/ids"
	"tenantly.dev/internal/obs"
)

const (
	defaultTimeout         = 10 * time.Second
	defaultBreakerFailures = 5
	maxErrorBody           = 4 << 10
)

var _ auth.Client = (*Client)(nil)

// Client talks to the identity service and persists the session token and
// tenant selection through an auth.Persistence.
type Client struct {
	base       *url.URL
	http       *http.Client
	store      auth.Persistence
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[struct{}]
	failures   uint32
	eventsPath string
	now        func() time.Time
	log        zerolog.Logger
	emitter    events.Emitter[auth.Event]
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithLoginRate throttles Login attempts. A zero limit disables throttling.
func WithLoginRate(limit rate.Limit, burst int) Option {
	return func(c *Client) {
		if limit <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithBreakerFailures sets how many consecutive service failures open the
// circuit breaker.
func WithBreakerFailures(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.failures = uint32(n)
		}
	}
}

// WithEventsPath overrides the websocket path used by Listen.
func WithEventsPath(p string) Option {
	return func(c *Client) {
		if p != "" {
			c.eventsPath = p
		}
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(c *Client) {
		if fn != nil {
			c.now = fn
		}
	}
}

// WithLogger overrides the logger (defaults to obs.Logger()).
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New returns a client for the service at baseURL.
func New(baseURL string, store auth.Persistence, opts ...Option) (*Client, error) {
	if store == nil {
		return nil, errors.New("rest: persistence is required")
	}
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("rest: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("rest: base url must be http or https, got %q", baseURL)
	}
	c := &Client{
		base:       base,
		http:       &http.Client{Timeout: defaultTimeout},
		store:      store,
		limiter:    rate.NewLimiter(rate.Every(time.Second), 5),
		failures:   defaultBreakerFailures,
		eventsPath: PathEvents,
		now:        time.Now,
		log:        obs.Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("component", "auth_rest").Logger()
	c.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "identity-api",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= c.failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || clientFault(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})
	return c, nil
}

// IsAuthenticated reports whether a usable token is persisted. It does not
// call the service; CurrentUser does.
func (c *Client) IsAuthenticated(ctx context.Context) (bool, error) {
	token, err := c.store.Get(ctx, auth.KeyToken)
	if err != nil {
		return false, err
	}
	return token != "" && auth.TokenUsable(token, c.now()), nil
}

func (c *Client) CurrentUser(ctx context.Context) (*auth.User, error) {
	token, err := c.store.Get(ctx, auth.KeyToken)
	if err != nil {
		return nil, err
	}
	if token == "" || !auth.TokenUsable(token, c.now()) {
		return nil, nil
	}
	var user auth.User
	err = c.do(ctx, http.MethodGet, PathMe, token, nil, &user)
	if errors.Is(err, auth.ErrUnauthorized) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (c *Client) CurrentTenant(ctx context.Context) (string, error) {
	return c.store.Get(ctx, auth.KeyTenantID)
}

// Login stores the issued token and then emits login.
func (c *Client) Login(ctx context.Context, identifier, password string) error {
	if c.limiter != nil && !c.limiter.Allow() {
		return ErrThrottled
	}
	var resp LoginResponse
	err := c.do(ctx, http.MethodPost, PathLogin, "", LoginRequest{Identifier: identifier, Password: password}, &resp)
	if errors.Is(err, auth.ErrUnauthorized) {
		return auth.ErrInvalidCredentials
	}
	if err != nil {
		return err
	}
	if resp.Token == "" {
		return errors.New("rest: login response without token")
	}
	if err := c.store.Set(ctx, auth.KeyToken, resp.Token); err != nil {
		return fmt.Errorf("persist token: %w", err)
	}
	c.emit(auth.Event{Name: auth.EventLogin, UserID: resp.User.ID})
	return nil
}

func (c *Client) Register(ctx context.Context, fields auth.RegistrationFields) error {
	return c.do(ctx, http.MethodPost, PathRegister, "", fields, nil)
}

// Logout clears local state and emits logout even when the service call
// fails; the service error is still returned.
func (c *Client) Logout(ctx context.Context) error {
	token, err := c.store.Get(ctx, auth.KeyToken)
	if err != nil {
		return err
	}
	var remoteErr error
	if token != "" {
		remoteErr = c.do(ctx, http.MethodPost, PathLogout, token, nil, nil)
		if errors.Is(remoteErr, auth.ErrUnauthorized) {
			remoteErr = nil
		}
		if remoteErr != nil {
			c.log.Warn().Err(remoteErr).Msg("remote logout failed; clearing local session")
		}
	}
	if err := c.store.Clear(ctx); err != nil {
		return err
	}
	c.emit(auth.Event{Name: auth.EventLogout})
	return remoteErr
}

// SelectTenant persists tenantID and emits tenant-changed once the service
// accepted it.
func (c *Client) SelectTenant(ctx context.Context, tenantID string) error {
	token, err := c.store.Get(ctx, auth.KeyToken)
	if err != nil {
		return err
	}
	if token == "" {
		return auth.ErrNotAuthenticated
	}
	err = c.do(ctx, http.MethodPost, PathTenant, token, SelectTenantRequest{TenantID: tenantID}, nil)
	if errors.Is(err, auth.ErrNotFound) {
		return fmt.Errorf("%w: %s", auth.ErrTenantNotFound, tenantID)
	}
	if err != nil {
		return err
	}
	if err := c.store.Set(ctx, auth.KeyTenantID, tenantID); err != nil {
		return fmt.Errorf("persist tenant: %w", err)
	}
	c.emit(auth.Event{Name: auth.EventTenantChanged, TenantID: tenantID})
	return nil
}

func (c *Client) On(name auth.EventName, h auth.Handler) func() {
	return c.emitter.On(string(name), h)
}

// Check fails while the circuit breaker is open.
func (c *Client) Check(context.Context) error {
	if c.breaker.State() == gobreaker.StateOpen {
		return ErrUnavailable
	}
	return nil
}

// Token returns the persisted session token, or "".
func (c *Client) Token(ctx context.Context) (string, error) {
	return c.store.Get(ctx, auth.KeyToken)
}

func (c *Client) emit(evt auth.Event) {
	c.emitter.Emit(string(evt.Name), evt)
}

// do runs one request through the circuit breaker.
func (c *Client) do(ctx context.Context, method, path, token string, in, out any) error {
	_, err := c.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, c.roundTrip(ctx, method, path, token, in, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("rest: encode %s: %w", path, err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rid := audit.RequestIDFromContext(ctx)
	if rid == "" {
		rid = ids.RequestID()
	}
	req.Header.Set(HeaderRequestID, rid)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("rest: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var e ErrorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if json.Unmarshal(raw, &e) != nil {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("rest: decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) endpoint(path string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}
