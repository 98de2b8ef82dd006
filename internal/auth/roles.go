// Package auth - roles.go defines the CRM roles and the authenticated Principal
// that every ledger read is evaluated against.
package auth

import (
	"errors"
	"fmt"
)

// Role is a CRM user role carried in the access token.
type Role string

const (
	// RoleAdministrator may read company-wide trails, high-security history and
	// other users' sessions.
	RoleAdministrator Role = "Administrator"
	RoleManager       Role = "Manager"
	RoleSalesRep      Role = "Sales Representative"
	RoleViewer        Role = "Viewer"
)

// AllRoles returns all valid roles
func AllRoles() []Role {
	return []Role{RoleAdministrator, RoleManager, RoleSalesRep, RoleViewer}
}

// ValidateRole checks that a role string is one of the known roles
func ValidateRole(role string) error {
	if role == "" {
		return errors.New("role cannot be empty")
	}
	for _, r := range AllRoles() {
		if Role(role) == r {
			return nil
		}
	}
	return fmt.Errorf("invalid role: %s", role)
}

// Principal is the authenticated caller of a request.
type Principal struct {
	UserID    int64
	CompanyID int64
	Role      Role
	// SessionToken is the caller's session cookie or header value, if any.
	SessionToken string
}

// IsAdmin reports whether the principal holds the Administrator role.
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdministrator
}

// HasAnyRole reports whether the principal holds one of roles.
func (p Principal) HasAnyRole(roles ...Role) bool {
	for _, r := range roles {
		if p.Role == r {
			return true
		}
	}
	return false
}
