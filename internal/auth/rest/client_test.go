package rest_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"tenantly.dev/internal/audit"
	"tenantly.dev/internal/auth"
	"tenantly.dev/internal/auth/rest"
	"tenantly.dev/internal/config"
	"tenantly.dev/internal/httpapi"
	"tenantly.dev/internal/persist"
)

func newIdentity(t *testing.T) (*auth.Directory, *httptest.Server) {
	t.Helper()
	dir := auth.NewDirectory(auth.WithSecret("rest-test"))
	if _, err := dir.AddUser(auth.User{
		ID:        "u1",
		FirstName: "Ana",
		LastName:  "Lopez",
		Email:     "ana@example.com",
		Phone:     "+5491100000000",
		Tenants: []auth.TenantMembership{
			{ID: "t1", Name: "Acme", Role: auth.RoleOwner},
			{ID: "t2", Name: "Globex", Role: auth.RoleMember},
		},
	}, "s3cret"); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	srv := httptest.NewServer(httpapi.NewIdentityServer(dir, nil).Handler())
	t.Cleanup(srv.Close)
	return dir, srv
}

func newClient(t *testing.T, url string, opts ...rest.Option) (*rest.Client, auth.Persistence) {
	t.Helper()
	store := persist.NewMemory()
	opts = append([]rest.Option{rest.WithLoginRate(0, 0)}, opts...)
	c, err := rest.New(url, store, opts...)
	if err != nil {
		t.Fatalf("rest.New: %v", err)
	}
	return c, store
}

func TestLoginPersistsTokenAndEmits(t *testing.T) {
	_, srv := newIdentity(t)
	c, store := newClient(t, srv.URL)
	ctx := context.Background()

	var logins []auth.Event
	off := c.On(auth.EventLogin, func(e auth.Event) {
		// The token is stored before handlers run.
		if tok, _ := store.Get(ctx, auth.KeyToken); tok == "" {
			t.Errorf("login emitted before token was persisted")
		}
		logins = append(logins, e)
	})
	defer off()

	if err := c.Login(ctx, "ana@example.com", "s3cret"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if len(logins) != 1 || logins[0].UserID != "u1" {
		t.Fatalf("unexpected login events: %+v", logins)
	}
	ok, err := c.IsAuthenticated(ctx)
	if err != nil || !ok {
		t.Fatalf("IsAuthenticated: %v %v", ok, err)
	}
	user, err := c.CurrentUser(ctx)
	if err != nil || user == nil {
		t.Fatalf("CurrentUser: %+v %v", user, err)
	}
	if user.ID != "u1" || len(user.Tenants) != 2 {
		t.Fatalf("unexpected user: %+v", user)
	}
}

func TestLoginByPhone(t *testing.T) {
	_, srv := newIdentity(t)
	c, _ := newClient(t, srv.URL)
	if err := c.Login(context.Background(), "+5491100000000", "s3cret"); err != nil {
		t.Fatalf("Login: %v", err)
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	_, srv := newIdentity(t)
	c, store := newClient(t, srv.URL)
	ctx := context.Background()

	emitted := false
	c.On(auth.EventLogin, func(auth.Event) { emitted = true })

	err := c.Login(ctx, "ana@example.com", "nope")
	if !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if emitted {
		t.Fatal("login emitted on failure")
	}
	if tok, _ := store.Get(ctx, auth.KeyToken); tok != "" {
		t.Fatal("token persisted on failure")
	}
}

func TestCurrentUserWithoutSession(t *testing.T) {
	_, srv := newIdentity(t)
	c, store := newClient(t, srv.URL)
	ctx := context.Background()

	user, err := c.CurrentUser(ctx)
	if err != nil || user != nil {
		t.Fatalf("expected nil user, got %+v %v", user, err)
	}

	// A revoked token reads as signed out, not as an error.
	if err := c.Login(ctx, "ana@example.com", "s3cret"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	tok, _ := store.Get(ctx, auth.KeyToken)
	other, otherStore := newClient(t, srv.URL)
	_ = otherStore.Set(ctx, auth.KeyToken, tok)
	if err := other.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	user, err = c.CurrentUser(ctx)
	if err != nil || user != nil {
		t.Fatalf("expected nil user after revoke, got %+v %v", user, err)
	}
}

func TestSelectTenant(t *testing.T) {
	_, srv := newIdentity(t)
	c, store := newClient(t, srv.URL)
	ctx := context.Background()

	if err := c.SelectTenant(ctx, "t1"); !errors.Is(err, auth.ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	if err := c.Login(ctx, "ana@example.com", "s3cret"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	var changes []string
	c.On(auth.EventTenantChanged, func(e auth.Event) { changes = append(changes, e.TenantID) })

	if err := c.SelectTenant(ctx, "t9"); !errors.Is(err, auth.ErrTenantNotFound) {
		t.Fatalf("expected ErrTenantNotFound, got %v", err)
	}
	if err := c.SelectTenant(ctx, "t2"); err != nil {
		t.Fatalf("SelectTenant: %v", err)
	}
	if got, _ := c.CurrentTenant(ctx); got != "t2" {
		t.Fatalf("expected persisted t2, got %q", got)
	}
	if got, _ := store.Get(ctx, auth.KeyTenantID); got != "t2" {
		t.Fatalf("store not updated: %q", got)
	}
	if len(changes) != 1 || changes[0] != "t2" {
		t.Fatalf("unexpected tenant-changed events: %v", changes)
	}
}

func TestLogoutClearsAndEmits(t *testing.T) {
	_, srv := newIdentity(t)
	c, store := newClient(t, srv.URL)
	ctx := context.Background()

	if err := c.Login(ctx, "ana@example.com", "s3cret"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := c.SelectTenant(ctx, "t1"); err != nil {
		t.Fatalf("SelectTenant: %v", err)
	}
	logouts := 0
	c.On(auth.EventLogout, func(auth.Event) { logouts++ })

	if err := c.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if logouts != 1 {
		t.Fatalf("expected one logout event, got %d", logouts)
	}
	for _, key := range []auth.Key{auth.KeyToken, auth.KeyTenantID} {
		if v, _ := store.Get(ctx, key); v != "" {
			t.Fatalf("%s not cleared: %q", key, v)
		}
	}
}

func TestLogoutClearsEvenWhenServiceFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()
	c, store := newClient(t, srv.URL)
	ctx := context.Background()
	_ = store.Set(ctx, auth.KeyToken, "stale-token")

	logouts := 0
	c.On(auth.EventLogout, func(auth.Event) { logouts++ })
	err := c.Logout(ctx)
	var se *rest.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusInternalServerError {
		t.Fatalf("expected the service error, got %v", err)
	}
	if logouts != 1 {
		t.Fatalf("expected logout event, got %d", logouts)
	}
	if tok, _ := store.Get(ctx, auth.KeyToken); tok != "" {
		t.Fatal("token kept after failed remote logout")
	}
}

func TestRegisterConflict(t *testing.T) {
	_, srv := newIdentity(t)
	c, _ := newClient(t, srv.URL)
	fields := auth.RegistrationFields{GivenName: "Ana", FamilyName: "Lopez", Email: "ana@example.com", Password: "pw"}
	if err := c.Register(context.Background(), fields); !errors.Is(err, auth.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	fields.Email = "bruno@example.com"
	if err := c.Register(context.Background(), fields); err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, _ := newClient(t, srv.URL, rest.WithBreakerFailures(2))
	ctx := context.Background()
	fields := auth.RegistrationFields{GivenName: "Ana", Password: "pw", Email: "a@example.com"}

	for i := 0; i < 2; i++ {
		if err := c.Register(ctx, fields); err == nil || errors.Is(err, rest.ErrUnavailable) {
			t.Fatalf("call %d: expected service error, got %v", i, err)
		}
	}
	if err := c.Register(ctx, fields); !errors.Is(err, rest.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if got := hits.Load(); got != 2 {
		t.Fatalf("open breaker still hit the service: %d calls", got)
	}
	if err := c.Check(ctx); !errors.Is(err, rest.ErrUnavailable) {
		t.Fatalf("Check with open breaker: %v", err)
	}
}

func TestBreakerIgnoresClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c, _ := newClient(t, srv.URL, rest.WithBreakerFailures(1))
	fields := auth.RegistrationFields{GivenName: "Ana", Password: "pw", Email: "a@example.com"}
	for i := 0; i < 3; i++ {
		if err := c.Register(context.Background(), fields); !errors.Is(err, auth.ErrAlreadyExists) {
			t.Fatalf("call %d: expected ErrAlreadyExists, got %v", i, err)
		}
	}
}

func TestLoginThrottled(t *testing.T) {
	_, srv := newIdentity(t)
	c, _ := newClient(t, srv.URL, rest.WithLoginRate(rate.Every(time.Hour), 1))
	ctx := context.Background()
	if err := c.Login(ctx, "ana@example.com", "nope"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := c.Login(ctx, "ana@example.com", "s3cret"); !errors.Is(err, rest.ErrThrottled) {
		t.Fatalf("expected ErrThrottled, got %v", err)
	}
}

func TestRequestIDPropagates(t *testing.T) {
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get(rest.HeaderRequestID)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c, _ := newClient(t, srv.URL)
	ctx := audit.WithRequestID(context.Background(), "req-42")
	if err := c.Register(ctx, auth.RegistrationFields{GivenName: "Ana", Password: "pw"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if rid := <-got; rid != "req-42" {
		t.Fatalf("expected req-42, got %q", rid)
	}
}

func TestNewValidatesBaseURL(t *testing.T) {
	if _, err := rest.New("ftp://example.com", persist.NewMemory()); err == nil {
		t.Fatal("expected scheme error")
	}
	if _, err := rest.New("http://example.com", nil); err == nil {
		t.Fatal("expected persistence error")
	}
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		code int
		want error
	}{
		{http.StatusBadRequest, auth.ErrInvalidInput},
		{http.StatusUnauthorized, auth.ErrUnauthorized},
		{http.StatusForbidden, auth.ErrSelectionRejected},
		{http.StatusNotFound, auth.ErrNotFound},
		{http.StatusConflict, auth.ErrAlreadyExists},
	}
	for _, tc := range cases {
		err := &rest.StatusError{Code: tc.code}
		if !errors.Is(err, tc.want) {
			t.Fatalf("%d: expected %v", tc.code, tc.want)
		}
		if got := rest.StatusForError(tc.want); got != tc.code {
			t.Fatalf("%v: expected %d, got %d", tc.want, tc.code, got)
		}
	}
	if got := rest.StatusForError(auth.ErrInvalidCredentials); got != http.StatusUnauthorized {
		t.Fatalf("invalid credentials mapped to %d", got)
	}
	if got := rest.StatusForError(errors.New("boom")); got != http.StatusInternalServerError {
		t.Fatalf("unknown error mapped to %d", got)
	}
}

func TestListenAppliesPushedEvents(t *testing.T) {
	dir, srv := newIdentity(t)
	c, store := newClient(t, srv.URL)
	ctx := context.Background()
	if err := c.Login(ctx, "ana@example.com", "s3cret"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	tenants := make(chan string, 16)
	logouts := make(chan struct{}, 1)
	c.On(auth.EventTenantChanged, func(e auth.Event) { tenants <- e.TenantID })
	c.On(auth.EventLogout, func(auth.Event) { logouts <- struct{}{} })

	listenCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Listen(listenCtx) }()

	// The server subscribes after the upgrade; push until one arrives.
	deadline := time.After(5 * time.Second)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
wait:
	for {
		select {
		case id := <-tenants:
			if id != "t2" {
				t.Fatalf("unexpected tenant %q", id)
			}
			break wait
		case <-ticker.C:
			dir.Notify("u1", auth.Event{Name: auth.EventTenantChanged, TenantID: "t2"})
		case err := <-done:
			t.Fatalf("Listen returned early: %v", err)
		case <-deadline:
			t.Fatal("no pushed event received")
		}
	}
	if got, _ := store.Get(ctx, auth.KeyTenantID); got != "t2" {
		t.Fatalf("pushed tenant not persisted: %q", got)
	}

	dir.RevokeUser("u1")
	select {
	case <-logouts:
	case <-time.After(5 * time.Second):
		t.Fatal("no pushed logout received")
	}
	if tok, _ := store.Get(ctx, auth.KeyToken); tok != "" {
		t.Fatal("token kept after pushed logout")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Listen did not stop")
	}
}

func TestListenRequiresSession(t *testing.T) {
	_, srv := newIdentity(t)
	c, store := newClient(t, srv.URL)
	ctx := context.Background()
	if err := c.Listen(ctx); !errors.Is(err, auth.ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	_ = store.Set(ctx, auth.KeyToken, "garbage")
	if err := c.Listen(ctx); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestOptionsFromConfigThrottle(t *testing.T) {
	_, srv := newIdentity(t)
	api := config.Default().API
	api.LoginRate = 0.001
	api.LoginBurst = 1
	c, err := rest.New(srv.URL, persist.NewMemory(), rest.OptionsFromConfig(api)...)
	if err != nil {
		t.Fatalf("rest.New: %v", err)
	}
	ctx := context.Background()
	_ = c.Login(ctx, "ana@example.com", "nope")
	if err := c.Login(ctx, "ana@example.com", "s3cret"); !errors.Is(err, rest.ErrThrottled) {
		t.Fatalf("expected ErrThrottled, got %v", err)
	}
}
