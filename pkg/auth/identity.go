// Package auth carries the authenticated caller identity through request
// contexts. The transport layer authenticates; every core operation trusts
// only the Identity value it is handed, and tenant claims in request bodies
// are ignored.
package auth

import "errors"

// Roles understood by the service.
const (
	RoleClinician = "clinician"
	RoleAuditor   = "auditor"
	RoleAdmin     = "admin"
	RoleService   = "service"
)

// ErrTenantRequired reports an identity without a tenant binding.
var ErrTenantRequired = errors.New("auth: tenant_id required")

// Identity is the authenticated entity behind a request.
type Identity struct {
	Subject  string `json:"subject"`
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
}

// Validate checks the fields every core operation depends on.
func (id Identity) Validate() error {
	if id.TenantID == "" {
		return ErrTenantRequired
	}
	if id.Subject == "" {
		return errors.New("auth: subject required")
	}
	return nil
}

// HasAnyRole reports whether the identity's role is one of roles. Admin
// implies every role.
func (id Identity) HasAnyRole(roles ...string) bool {
	if id.Role == RoleAdmin {
		return true
	}
	for _, r := range roles {
		if id.Role == r {
			return true
		}
	}
	return false
}
