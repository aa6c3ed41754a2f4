package auth

import "strings"

// Role is the user's role inside a tenant.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// TenantMembership links a user to a tenant (organization) with a role.
type TenantMembership struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	TaxID string `json:"tax_id"`
	Role  Role   `json:"role"`
}

// User is the identity record returned by the auth backend.
type User struct {
	ID        string             `json:"id"`
	FirstName string             `json:"first_name"`
	LastName  string             `json:"last_name"`
	Email     string             `json:"email,omitempty"`
	Phone     string             `json:"phone,omitempty"`
	Tenants   []TenantMembership `json:"tenants"`
}

// FullName joins first and last name.
func (u User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Membership looks up the membership with the given tenant id.
func (u User) Membership(tenantID string) (TenantMembership, bool) {
	for _, m := range u.Tenants {
		if m.ID == tenantID {
			return m, true
		}
	}
	return TenantMembership{}, false
}

// Clone returns a deep copy so callers never share the memberships slice.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	out := *u
	out.Tenants = append([]TenantMembership(nil), u.Tenants...)
	return &out
}

// UniqueMemberships drops memberships repeating an earlier id, keeping order.
func UniqueMemberships(in []TenantMembership) []TenantMembership {
	out := make([]TenantMembership, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, m := range in {
		if m.ID == "" {
			continue
		}
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	return out
}

// Credentials identify a user at sign-in. Identifier is an email or phone.
type Credentials struct {
	Identifier string
	Password   string
}

// RegistrationFields is the payload of the register endpoint.
type RegistrationFields struct {
	GivenName  string `json:"nombre"`
	FamilyName string `json:"apellido"`
	Phone      string `json:"telefono"`
	Email      string `json:"email,omitempty"`
	Password   string `json:"password"`
}
