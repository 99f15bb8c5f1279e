package session

import (
	"slices"
	"sort"
)

// Identity is the user record derived from the access token claims.
// It is informational; nothing here is cryptographically verified.
type Identity struct {
	Subject     string   `json:"sub"`
	Email       string   `json:"email,omitempty"`
	Name        string   `json:"name,omitempty"`
	TenantID    string   `json:"tenant_id,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Clone returns a deep copy.
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	cp := *i
	cp.Roles = slices.Clone(i.Roles)
	cp.Permissions = slices.Clone(i.Permissions)
	return &cp
}

// IdentityFromAccessToken extracts identity claims from a JWT access token.
// Opaque tokens yield nil.
func IdentityFromAccessToken(accessToken string) *Identity {
	claims, ok := parseUnverified(accessToken)
	if !ok {
		return nil
	}

	id := &Identity{
		Subject:     stringClaim(claims, "sub"),
		Email:       stringClaim(claims, "email"),
		Name:        stringClaim(claims, "name"),
		TenantID:    stringClaim(claims, "tenant_id"),
		Roles:       stringSliceClaim(claims, "roles"),
		Permissions: stringSliceClaim(claims, "permissions"),
	}
	if id.TenantID == "" {
		id.TenantID = stringClaim(claims, "tid")
	}
	if id.Subject == "" && id.Email == "" {
		return nil
	}
	return id
}

func stringClaim(claims map[string]interface{}, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}

func stringSliceClaim(claims map[string]interface{}, key string) []string {
	switch v := claims[key].(type) {
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return nil
}

// PermissionSet is the authorization derivation computed from an Identity:
// every role and explicit permission, deduplicated.
type PermissionSet map[string]struct{}

// DerivePermissions computes the permission set for id. Roles are included
// as "role:<name>" so callers can check either form.
func DerivePermissions(id *Identity) PermissionSet {
	set := PermissionSet{}
	if id == nil {
		return set
	}
	for _, r := range id.Roles {
		set["role:"+r] = struct{}{}
	}
	for _, p := range id.Permissions {
		set[p] = struct{}{}
	}
	return set
}

// Has reports whether perm is in the set.
func (p PermissionSet) Has(perm string) bool {
	_, ok := p[perm]
	return ok
}

// Sorted returns the set as a sorted slice.
func (p PermissionSet) Sorted() []string {
	out := make([]string, 0, len(p))
	for k := range p {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
