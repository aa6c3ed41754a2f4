package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"tenantly.dev/internal/auth"
	"tenantly.dev/internal/persist"
	"tenantly.dev/internal/session"
)

var errBackendDown = errors.New("backend down")

// flakyClient wraps a LocalClient with call counting and failure injection.
type flakyClient struct {
	*auth.LocalClient

	mu          sync.Mutex
	failUser    bool
	selectCalls int
	registered  []auth.RegistrationFields
}

func (c *flakyClient) CurrentUser(ctx context.Context) (*auth.User, error) {
	c.mu.Lock()
	fail := c.failUser
	c.mu.Unlock()
	if fail {
		return nil, errBackendDown
	}
	return c.LocalClient.CurrentUser(ctx)
}

func (c *flakyClient) SelectTenant(ctx context.Context, tenantID string) error {
	c.mu.Lock()
	c.selectCalls++
	c.mu.Unlock()
	return c.LocalClient.SelectTenant(ctx, tenantID)
}

func (c *flakyClient) Register(ctx context.Context, f auth.RegistrationFields) error {
	c.mu.Lock()
	c.registered = append(c.registered, f)
	c.mu.Unlock()
	return c.LocalClient.Register(ctx, f)
}

func (c *flakyClient) setFailUser(v bool) {
	c.mu.Lock()
	c.failUser = v
	c.mu.Unlock()
}

type fixture struct {
	dir    *auth.Directory
	store  *persist.Memory
	client *flakyClient
	coord  *session.Coordinator
}

func newFixture(t *testing.T, tenants ...auth.TenantMembership) *fixture {
	t.Helper()
	dir := auth.NewDirectory(auth.WithSecret("session-test"))
	if _, err := dir.AddUser(auth.User{
		ID:        "u1",
		FirstName: "Ana",
		LastName:  "Lopez",
		Email:     "ana@example.com",
		Tenants:   tenants,
	}, "s3cret"); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	store := persist.NewMemory()
	client := &flakyClient{LocalClient: auth.NewLocalClient(dir, store)}
	coord := session.New(client)
	t.Cleanup(coord.Close)
	return &fixture{dir: dir, store: store, client: client, coord: coord}
}

func (f *fixture) signIn(t *testing.T) {
	t.Helper()
	if err := f.coord.SignIn(context.Background(), auth.Credentials{Identifier: "ana@example.com", Password: "s3cret"}); err != nil {
		t.Fatalf("SignIn: %v", err)
	}
}

func checkInvariants(t *testing.T, st session.State) {
	t.Helper()
	if st.CurrentTenant != nil {
		if _, ok := st.Tenant(st.CurrentTenant.ID); !ok {
			t.Fatalf("current tenant %q not among tenants %+v", st.CurrentTenant.ID, st.Tenants)
		}
	}
	if st.User == nil && (len(st.Tenants) != 0 || st.CurrentTenant != nil) {
		t.Fatalf("logged-out state has residue: %+v", st)
	}
}

func TestSignInAutoSelectsSingleTenant(t *testing.T) {
	f := newFixture(t, auth.TenantMembership{ID: "t1", Name: "Acme"})
	f.signIn(t)

	st := f.coord.State()
	if !st.Authenticated() || st.User.ID != "u1" {
		t.Fatalf("expected u1 signed in, got %+v", st.User)
	}
	if st.TenantID() != "t1" {
		t.Fatalf("expected t1 current, got %q", st.TenantID())
	}
	if st.Loading {
		t.Fatal("loading left on after sign in")
	}
	if f.client.selectCalls != 0 {
		t.Fatalf("auto-select must not call SelectTenant, got %d calls", f.client.selectCalls)
	}
	checkInvariants(t, st)
}

func TestPersistedSelectionWinsOnInitialize(t *testing.T) {
	f := newFixture(t,
		auth.TenantMembership{ID: "t1", Name: "Acme"},
		auth.TenantMembership{ID: "t2", Name: "Globex"},
	)
	ctx := context.Background()
	if err := f.client.Login(ctx, "ana@example.com", "s3cret"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := f.store.Set(ctx, auth.KeyTenantID, "t2"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// A fresh coordinator, as after a restart.
	coord := session.New(f.client)
	defer coord.Close()
	coord.Initialize(ctx)

	st := coord.State()
	if st.TenantID() != "t2" {
		t.Fatalf("expected persisted t2, got %q", st.TenantID())
	}
	if st.Loading || st.Error != "" {
		t.Fatalf("unexpected state after initialize: %+v", st)
	}
}

func TestSeveralTenantsWithoutSelectionStayUnselected(t *testing.T) {
	f := newFixture(t,
		auth.TenantMembership{ID: "t1"},
		auth.TenantMembership{ID: "t2"},
	)
	f.signIn(t)
	st := f.coord.State()
	if st.CurrentTenant != nil {
		t.Fatalf("expected no current tenant, got %q", st.TenantID())
	}
	if len(st.Tenants) != 2 {
		t.Fatalf("expected 2 tenants, got %d", len(st.Tenants))
	}
}

func TestInitializeWithoutSessionStaysLoggedOut(t *testing.T) {
	f := newFixture(t, auth.TenantMembership{ID: "t1"})
	f.coord.Initialize(context.Background())
	st := f.coord.State()
	if st.Authenticated() || st.Loading || st.Error != "" {
		t.Fatalf("unexpected state: %+v", st)
	}
}

func TestInitializeFailureIsRecorded(t *testing.T) {
	f := newFixture(t, auth.TenantMembership{ID: "t1"})
	ctx := context.Background()
	if err := f.client.Login(ctx, "ana@example.com", "s3cret"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	f.client.setFailUser(true)

	coord := session.New(f.client)
	defer coord.Close()
	coord.Initialize(ctx)

	st := coord.State()
	if st.Error == "" {
		t.Fatal("expected initialization error to be recorded")
	}
	if st.Loading || st.Authenticated() {
		t.Fatalf("expected logged-out, idle state, got %+v", st)
	}
}

func TestSignInFailureIsReturnedAndRecorded(t *testing.T) {
	f := newFixture(t, auth.TenantMembership{ID: "t1"})
	err := f.coord.SignIn(context.Background(), auth.Credentials{Identifier: "ana@example.com", Password: "wrong"})
	if !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	st := f.coord.State()
	if st.Error == "" || st.Loading || st.Authenticated() {
		t.Fatalf("unexpected state: %+v", st)
	}
}

func TestLogoutEventClearsState(t *testing.T) {
	f := newFixture(t, auth.TenantMembership{ID: "t1"})
	f.signIn(t)

	// Logout from a background source, not through SignOut.
	f.client.Emit(auth.Event{Name: auth.EventLogout})

	st := f.coord.State()
	if st.User != nil || len(st.Tenants) != 0 || st.CurrentTenant != nil || st.Error != "" {
		t.Fatalf("logout left residue: %+v", st)
	}
}

func TestSignOutClearsStateAndPersistence(t *testing.T) {
	f := newFixture(t, auth.TenantMembership{ID: "t1"})
	f.signIn(t)
	if err := f.coord.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	if f.coord.State().Authenticated() {
		t.Fatal("still authenticated after sign out")
	}
	if tok, _ := f.store.Get(context.Background(), auth.KeyToken); tok != "" {
		t.Fatal("token survived sign out")
	}
}

func TestSelectTenantIsIdempotent(t *testing.T) {
	f := newFixture(t,
		auth.TenantMembership{ID: "t1"},
		auth.TenantMembership{ID: "t2"},
	)
	f.signIn(t)
	ctx := context.Background()

	if err := f.coord.SelectTenant(ctx, "t2"); err != nil {
		t.Fatalf("SelectTenant: %v", err)
	}
	first := f.coord.State()
	if err := f.coord.SelectTenant(ctx, "t2"); err != nil {
		t.Fatalf("SelectTenant again: %v", err)
	}
	second := f.coord.State()

	if f.client.selectCalls != 1 {
		t.Fatalf("expected one client call, got %d", f.client.selectCalls)
	}
	if first.TenantID() != "t2" || second.TenantID() != "t2" {
		t.Fatalf("expected t2 current, got %q then %q", first.TenantID(), second.TenantID())
	}
	if persisted, _ := f.store.Get(ctx, auth.KeyTenantID); persisted != "t2" {
		t.Fatalf("expected t2 persisted, got %q", persisted)
	}
}

func TestSelectUnknownTenantIsNoop(t *testing.T) {
	f := newFixture(t, auth.TenantMembership{ID: "t1"})
	f.signIn(t)
	before := f.coord.State()

	if err := f.coord.SelectTenant(context.Background(), "t3"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	after := f.coord.State()
	if after.TenantID() != before.TenantID() || len(after.Tenants) != len(before.Tenants) || after.Error != "" || after.Loading {
		t.Fatalf("state changed: before %+v after %+v", before, after)
	}
	if f.client.selectCalls != 0 {
		t.Fatalf("client called for unknown tenant: %d", f.client.selectCalls)
	}
}

func TestSelectTenantRefreshesForNewMembership(t *testing.T) {
	f := newFixture(t, auth.TenantMembership{ID: "t1"})
	f.signIn(t)
	if err := f.dir.AddMembership("u1", auth.TenantMembership{ID: "t2", Name: "Globex"}); err != nil {
		t.Fatalf("AddMembership: %v", err)
	}

	if err := f.coord.SelectTenant(context.Background(), "t2"); err != nil {
		t.Fatalf("SelectTenant: %v", err)
	}
	st := f.coord.State()
	if st.TenantID() != "t2" || len(st.Tenants) != 2 {
		t.Fatalf("expected t2 selected among 2 tenants, got %q of %d", st.TenantID(), len(st.Tenants))
	}
}

func TestTenantChangedEventUsesCurrentTenants(t *testing.T) {
	f := newFixture(t,
		auth.TenantMembership{ID: "t1"},
		auth.TenantMembership{ID: "t2", Name: "Globex"},
	)
	f.signIn(t)

	f.client.Emit(auth.Event{Name: auth.EventTenantChanged, TenantID: "t2"})
	st := f.coord.State()
	if st.TenantID() != "t2" || st.CurrentTenant.Name != "Globex" {
		t.Fatalf("expected Globex current, got %+v", st.CurrentTenant)
	}

	// Unknown even after refresh: ignored.
	f.client.Emit(auth.Event{Name: auth.EventTenantChanged, TenantID: "t9"})
	if got := f.coord.State().TenantID(); got != "t2" {
		t.Fatalf("unknown tenant event changed selection to %q", got)
	}
}

func TestTenantChangedEventRefreshesOnce(t *testing.T) {
	f := newFixture(t, auth.TenantMembership{ID: "t1"})
	f.signIn(t)
	if err := f.dir.AddMembership("u1", auth.TenantMembership{ID: "t2"}); err != nil {
		t.Fatalf("AddMembership: %v", err)
	}
	f.client.Emit(auth.Event{Name: auth.EventTenantChanged, TenantID: "t2"})
	st := f.coord.State()
	if st.TenantID() != "t2" || len(st.Tenants) != 2 {
		t.Fatalf("expected refreshed t2, got %q of %d", st.TenantID(), len(st.Tenants))
	}
}

func TestFailedRefreshKeepsUser(t *testing.T) {
	f := newFixture(t, auth.TenantMembership{ID: "t1"})
	f.signIn(t)
	f.client.setFailUser(true)

	err := f.coord.RefreshUser(context.Background())
	if !errors.Is(err, errBackendDown) {
		t.Fatalf("expected backend error, got %v", err)
	}
	st := f.coord.State()
	if st.User == nil || st.User.ID != "u1" || len(st.Tenants) != 1 || st.TenantID() != "t1" {
		t.Fatalf("refresh failure regressed state: %+v", st)
	}
	if st.Error == "" || st.Loading {
		t.Fatalf("expected recorded error and idle state, got %+v", st)
	}
}

func TestRefreshDropsRemovedCurrentTenant(t *testing.T) {
	f := newFixture(t,
		auth.TenantMembership{ID: "t1"},
		auth.TenantMembership{ID: "t2"},
	)
	f.signIn(t)
	if err := f.coord.SelectTenant(context.Background(), "t2"); err != nil {
		t.Fatalf("SelectTenant: %v", err)
	}
	if err := f.dir.RemoveMembership("u1", "t2"); err != nil {
		t.Fatalf("RemoveMembership: %v", err)
	}
	if err := f.coord.RefreshUser(context.Background()); err != nil {
		t.Fatalf("RefreshUser: %v", err)
	}
	st := f.coord.State()
	// t2 is still persisted but no longer valid; the single remaining
	// membership is auto-selected.
	if st.TenantID() != "t1" {
		t.Fatalf("expected fallback to t1, got %q", st.TenantID())
	}
	checkInvariants(t, st)
}

func TestSignUpDerivesNamesAndSignsIn(t *testing.T) {
	f := newFixture(t)
	err := f.coord.SignUp(context.Background(), session.SignUpInput{
		FullName: "Ana",
		Phone:    "+5491100000000",
		Password: "pw",
	})
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if len(f.client.registered) != 1 {
		t.Fatalf("expected one registration, got %d", len(f.client.registered))
	}
	reg := f.client.registered[0]
	if reg.GivenName != "Ana" || reg.FamilyName != session.PlaceholderFamilyName {
		t.Fatalf("unexpected names: %q %q", reg.GivenName, reg.FamilyName)
	}
	st := f.coord.State()
	if !st.Authenticated() || st.User.Phone != "+5491100000000" {
		t.Fatalf("expected signed-in new user, got %+v", st.User)
	}
	if st.CurrentTenant != nil || st.Loading {
		t.Fatalf("unexpected state: %+v", st)
	}
}

func TestSignUpRejectsMissingIdentifier(t *testing.T) {
	f := newFixture(t)
	err := f.coord.SignUp(context.Background(), session.SignUpInput{FullName: "Ana Lopez", Password: "pw"})
	if !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if len(f.client.registered) != 0 {
		t.Fatal("register called with invalid input")
	}
}

func TestWatchSeesEveryStateAndInvariants(t *testing.T) {
	f := newFixture(t,
		auth.TenantMembership{ID: "t1"},
		auth.TenantMembership{ID: "t2"},
	)
	var (
		mu   sync.Mutex
		seen []session.State
	)
	off := f.coord.Watch(func(st session.State) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	})

	f.signIn(t)
	if err := f.coord.SelectTenant(context.Background(), "t1"); err != nil {
		t.Fatalf("SelectTenant: %v", err)
	}
	if err := f.coord.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	off()
	f.signIn(t)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 4 {
		t.Fatalf("expected several snapshots, got %d", len(seen))
	}
	if seen[0].Authenticated() {
		t.Fatal("first snapshot should be the initial logged-out state")
	}
	sawLoading := false
	for _, st := range seen {
		checkInvariants(t, st)
		if st.Loading {
			sawLoading = true
		}
	}
	if !sawLoading {
		t.Fatal("expected a loading snapshot during sign in")
	}
	if last := seen[len(seen)-1]; last.Authenticated() {
		t.Fatalf("expected last watched state to be logged out, got %+v", last.User)
	}
}

func TestCloseStopsEventHandling(t *testing.T) {
	f := newFixture(t, auth.TenantMembership{ID: "t1"})
	f.signIn(t)
	f.coord.Close()
	f.coord.Close()
	f.client.Emit(auth.Event{Name: auth.EventLogout})
	if !f.coord.State().Authenticated() {
		t.Fatal("closed coordinator still handled logout")
	}
}

func TestContextCarriesIdentity(t *testing.T) {
	f := newFixture(t, auth.TenantMembership{ID: "t1"})
	f.signIn(t)
	ctx := f.coord.Context(context.Background())
	if got, _ := auth.UserIDFromContext(ctx); got != "u1" {
		t.Fatalf("user id = %q", got)
	}
	if got, _ := auth.TenantIDFromContext(ctx); got != "t1" {
		t.Fatalf("tenant id = %q", got)
	}
}
