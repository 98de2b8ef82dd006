package audit

import (
	"errors"
	"fmt"

	"github.com/crm-ledger/audit-ledger/internal/auth"
)

var (
	// ErrAccessDenied is returned when the caller's role or identity does not permit the operation.
	ErrAccessDenied = errors.New("access denied")

	// ErrNotFound is returned when a requested record or session does not exist.
	ErrNotFound = errors.New("not found")
)

// AccessDeniedError carries the role that would have been sufficient.
type AccessDeniedError struct {
	RequiredRole auth.Role
	Reason       string
}

func (e *AccessDeniedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("access denied: %s (required role: %s)", e.Reason, e.RequiredRole)
	}
	return fmt.Sprintf("access denied: required role: %s", e.RequiredRole)
}

// Unwrap lets errors.Is(err, ErrAccessDenied) match.
func (e *AccessDeniedError) Unwrap() error {
	return ErrAccessDenied
}

func adminRequired(reason string) error {
	return &AccessDeniedError{RequiredRole: auth.RoleAdministrator, Reason: reason}
}
