package session

import "tenantly.dev/internal/auth"

// State is the coordinator's projection of who is signed in and which
// tenant is active. Values handed out by the coordinator are copies.
//
// Invariants kept by the coordinator:
//   - CurrentTenant, when set, equals an element of Tenants.
//   - User == nil implies Tenants and CurrentTenant are empty.
//   - Loading is true only while initialization, sign-in, sign-up or an
//     explicit refresh is in flight.
type State struct {
	User          *auth.User
	Tenants       []auth.TenantMembership
	CurrentTenant *auth.TenantMembership
	Loading       bool
	Error         string
}

// Authenticated reports whether a user is loaded.
func (s State) Authenticated() bool { return s.User != nil }

// TenantID returns the active tenant id or "".
func (s State) TenantID() string {
	if s.CurrentTenant == nil {
		return ""
	}
	return s.CurrentTenant.ID
}

// Tenant returns the membership with id from the loaded list.
func (s State) Tenant(id string) (auth.TenantMembership, bool) {
	return findTenant(s.Tenants, id)
}

func (s State) clone() State {
	out := s
	out.User = s.User.Clone()
	if s.Tenants != nil {
		out.Tenants = append([]auth.TenantMembership(nil), s.Tenants...)
	}
	if s.CurrentTenant != nil {
		m := *s.CurrentTenant
		out.CurrentTenant = &m
	}
	return out
}

// normalize enforces the State invariants after every mutation.
func (s *State) normalize() {
	if s.User == nil {
		s.Tenants = nil
		s.CurrentTenant = nil
		return
	}
	if s.CurrentTenant == nil {
		return
	}
	m, ok := findTenant(s.Tenants, s.CurrentTenant.ID)
	if !ok {
		s.CurrentTenant = nil
		return
	}
	s.CurrentTenant = &m
}

func (s *State) clearIdentity() {
	s.User = nil
	s.Tenants = nil
	s.CurrentTenant = nil
}

func findTenant(tenants []auth.TenantMembership, id string) (auth.TenantMembership, bool) {
	if id == "" {
		return auth.TenantMembership{}, false
	}
	for _, m := range tenants {
		if m.ID == id {
			return m, true
		}
	}
	return auth.TenantMembership{}, false
}
