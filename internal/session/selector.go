package session

import (
	"strings"
	"unicode"

	"tenantly.dev/internal/auth"
)

// PlaceholderFamilyName is the family name used when the full name has a single token.
const PlaceholderFamilyName = "-"

// AutoSelectTenant decides which membership becomes current after a load.
// An explicit persisted selection wins over the single-membership rule, so
// joining a second tenant never bounces the user back to the first one.
// With zero or several memberships and no usable persisted id it returns
// nil and the user has to choose.
func AutoSelectTenant(tenants []auth.TenantMembership, persistedID string) *auth.TenantMembership {
	if m, ok := findTenant(tenants, persistedID); ok {
		return &m
	}
	if len(tenants) == 1 {
		m := tenants[0]
		return &m
	}
	return nil
}

// SplitFullName splits on the first whitespace run: the first token is the
// given name and the remainder the family name.
func SplitFullName(fullName string) (given, family string) {
	fullName = strings.TrimSpace(fullName)
	i := strings.IndexFunc(fullName, unicode.IsSpace)
	if i < 0 {
		return fullName, PlaceholderFamilyName
	}
	return fullName[:i], strings.TrimSpace(fullName[i:])
}
