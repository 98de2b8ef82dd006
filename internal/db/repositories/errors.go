package repositories

import (
	"errors"

	"github.com/lib/pq"
)

var (
	// ErrLedgerImmutable is returned when the database rejects a mutation of the audit ledger.
	ErrLedgerImmutable = errors.New("audit ledger is append-only")

	// ErrSessionNotFound is returned when a session token is unknown or already terminated.
	ErrSessionNotFound = errors.New("active session not found")

	// ErrSessionHistoryGuard is returned when the database refuses to rewrite or delete session history.
	ErrSessionHistoryGuard = errors.New("session history is retained")
)

const (
	// sqlStateLedgerImmutable is raised by the audit_logs_append_only trigger.
	sqlStateLedgerImmutable = "AL001"
	// sqlStateSessionGuard is raised by the user_sessions_guard trigger.
	sqlStateSessionGuard = "AL002"
	// sqlStateInsufficientPrivilege is returned when the REVOKE on audit_logs applies.
	sqlStateInsufficientPrivilege = "42501"
)

// IsImmutableViolation reports whether err is the database refusing to change
// ledger history, either via the append-only trigger or revoked privileges.
func IsImmutableViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrLedgerImmutable) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case sqlStateLedgerImmutable, sqlStateInsufficientPrivilege:
			return true
		}
	}
	return false
}

// IsSessionGuardViolation reports whether err came from the session history guard trigger.
func IsSessionGuardViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == sqlStateSessionGuard
}

// mapSessionError converts session guard trigger errors into ErrSessionHistoryGuard.
func mapSessionError(err error) error {
	if err != nil && !errors.Is(err, ErrSessionHistoryGuard) && IsSessionGuardViolation(err) {
		return errors.Join(ErrSessionHistoryGuard, err)
	}
	return err
}

// mapLedgerError converts driver errors into repository sentinels.
func mapLedgerError(err error) error {
	if err != nil && !errors.Is(err, ErrLedgerImmutable) && IsImmutableViolation(err) {
		return errors.Join(ErrLedgerImmutable, err)
	}
	return err
}
