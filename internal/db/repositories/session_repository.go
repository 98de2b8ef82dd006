// session_repository.go implements SessionRepository, providing database queries for the
// user_sessions table. State transitions are single conditional UPDATE statements so that
// concurrent callers cannot both observe a successful termination.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/crm-ledger/audit-ledger/internal/db/models"
)

// SessionRepository handles session database operations
type SessionRepository struct {
	db *sqlx.DB
}

// NewSessionRepository creates a new SessionRepository
func NewSessionRepository(db *sqlx.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `id, user_id, company_id, session_token, ip_address, user_agent,
	login_method, device_info, location_info, login_at, last_activity, logout_at, is_active`

// Create inserts a new active session and fills in its ID and timestamps.
func (r *SessionRepository) Create(ctx context.Context, s *models.Session) error {
	query := `
		INSERT INTO user_sessions (
			user_id, company_id, session_token, ip_address, user_agent,
			login_method, device_info, location_info, login_at, last_activity, is_active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9, TRUE)
		RETURNING id, login_at, last_activity, is_active
	`

	row := r.db.QueryRowxContext(ctx, query,
		s.UserID,
		s.CompanyID,
		s.SessionToken,
		s.IPAddress,
		s.UserAgent,
		s.LoginMethod,
		s.DeviceInfo,
		s.LocationInfo,
		s.LoginAt,
	)
	if err := row.Scan(&s.ID, &s.LoginAt, &s.LastActivity, &s.IsActive); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetByToken retrieves a session, active or not. It returns nil, nil when the token is unknown.
func (r *SessionRepository) GetByToken(ctx context.Context, token string) (*models.Session, error) {
	var s models.Session
	query := `SELECT ` + sessionColumns + ` FROM user_sessions WHERE session_token = $1`
	err := r.db.GetContext(ctx, &s, query, token)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &s, nil
}

// GetByID retrieves a session by its numeric ID. It returns nil, nil when the ID is unknown.
func (r *SessionRepository) GetByID(ctx context.Context, id int64) (*models.Session, error) {
	var s models.Session
	query := `SELECT ` + sessionColumns + ` FROM user_sessions WHERE id = $1`
	err := r.db.GetContext(ctx, &s, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &s, nil
}

// Touch advances last_activity to at, but only for an active session whose
// last recorded activity is older than notAfter. It reports whether a row changed.
func (r *SessionRepository) Touch(ctx context.Context, token string, at, notAfter time.Time) (bool, error) {
	query := `
		UPDATE user_sessions SET last_activity = $2
		WHERE session_token = $1 AND is_active = TRUE AND last_activity < $3
	`
	result, err := r.db.ExecContext(ctx, query, token, at, notAfter)
	if err != nil {
		return false, fmt.Errorf("failed to touch session: %w", mapSessionError(err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Terminate flips an active session to inactive and returns its final state.
// Exactly one of any number of concurrent callers succeeds; the rest get ErrSessionNotFound.
func (r *SessionRepository) Terminate(ctx context.Context, token string, at time.Time) (*models.Session, error) {
	var s models.Session
	query := `
		UPDATE user_sessions SET is_active = FALSE, logout_at = $2
		WHERE session_token = $1 AND is_active = TRUE
		RETURNING ` + sessionColumns
	err := r.db.GetContext(ctx, &s, query, token, at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to terminate session: %w", mapSessionError(err))
	}
	return &s, nil
}

// ListActive returns a user's active sessions within a company, most recent login first.
func (r *SessionRepository) ListActive(ctx context.Context, userID, companyID int64) ([]*models.Session, error) {
	sessions := make([]*models.Session, 0)
	query := `SELECT ` + sessionColumns + ` FROM user_sessions
		WHERE user_id = $1 AND company_id = $2 AND is_active = TRUE
		ORDER BY login_at DESC`
	if err := r.db.SelectContext(ctx, &sessions, query, userID, companyID); err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	return sessions, nil
}

// ListByUser returns one page of a user's session history within a company and the total count.
func (r *SessionRepository) ListByUser(ctx context.Context, userID, companyID int64, limit, offset int) ([]*models.Session, int, error) {
	var total int
	countQuery := `SELECT COUNT(*) FROM user_sessions WHERE user_id = $1 AND company_id = $2`
	if err := r.db.GetContext(ctx, &total, countQuery, userID, companyID); err != nil {
		return nil, 0, fmt.Errorf("failed to count sessions: %w", err)
	}

	sessions := make([]*models.Session, 0)
	query := `SELECT ` + sessionColumns + ` FROM user_sessions
		WHERE user_id = $1 AND company_id = $2
		ORDER BY login_at DESC, id DESC
		LIMIT $3 OFFSET $4`
	if err := r.db.SelectContext(ctx, &sessions, query, userID, companyID, limit, offset); err != nil {
		return nil, 0, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, total, nil
}

// SweepExpired terminates, in one statement, every active session idle since before cutoff.
// It returns the sessions it terminated.
func (r *SessionRepository) SweepExpired(ctx context.Context, cutoff, at time.Time) ([]*models.Session, error) {
	swept := make([]*models.Session, 0)
	query := `
		UPDATE user_sessions SET is_active = FALSE, logout_at = $2
		WHERE is_active = TRUE AND last_activity < $1
		RETURNING ` + sessionColumns
	if err := r.db.SelectContext(ctx, &swept, query, cutoff, at); err != nil {
		return nil, fmt.Errorf("failed to sweep idle sessions: %w", mapSessionError(err))
	}
	return swept, nil
}
