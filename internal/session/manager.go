// Package session manages the login session lifecycle and records every
// transition (login, activity, logout, failed login) in the audit ledger.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/crm-ledger/audit-ledger/internal/audit"
	"github.com/crm-ledger/audit-ledger/internal/auth"
	"github.com/crm-ledger/audit-ledger/internal/config"
	"github.com/crm-ledger/audit-ledger/internal/db/models"
	"github.com/crm-ledger/audit-ledger/internal/db/repositories"
	"github.com/crm-ledger/audit-ledger/internal/telemetry"
)

const (
	// DefaultTouchInterval is the minimum spacing of persisted activity updates.
	DefaultTouchInterval = 5 * time.Minute
	// DefaultLoginMethod is recorded when the caller does not name one.
	DefaultLoginMethod = "password"

	tokenBytes = 32
	// terminatedBySystem marks LOGOUT records written by the idle sweep.
	terminatedBySystem = "system"
)

// Store is the persistence the Manager drives; SessionRepository implements it.
type Store interface {
	Create(ctx context.Context, s *models.Session) error
	GetByToken(ctx context.Context, token string) (*models.Session, error)
	GetByID(ctx context.Context, id int64) (*models.Session, error)
	Touch(ctx context.Context, token string, at, notAfter time.Time) (bool, error)
	Terminate(ctx context.Context, token string, at time.Time) (*models.Session, error)
	ListActive(ctx context.Context, userID, companyID int64) ([]*models.Session, error)
	ListByUser(ctx context.Context, userID, companyID int64, limit, offset int) ([]*models.Session, int, error)
	SweepExpired(ctx context.Context, cutoff, at time.Time) ([]*models.Session, error)
}

// NewSession describes a login to open.
type NewSession struct {
	UserID       int64
	CompanyID    int64
	IPAddress    string
	UserAgent    string
	LoginMethod  string
	DeviceInfo   interface{}
	LocationInfo interface{}
}

// FailedLogin describes a rejected login attempt.
type FailedLogin struct {
	// UserID is nil when the attempted identity does not resolve to a user.
	UserID    *int64
	CompanyID int64
	Email     string
	Reason    string
	IPAddress string
	UserAgent string
}

var _ audit.SessionDirectory = (*Manager)(nil)

// Manager opens, touches, terminates and sweeps sessions.
type Manager struct {
	store         Store
	recorder      *audit.Recorder
	gate          TouchGate
	touchInterval time.Duration
	now           func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithTouchGate replaces the in-process touch throttle, typically with a RedisGate.
func WithTouchGate(g TouchGate) Option {
	return func(m *Manager) { m.gate = g }
}

// WithClock replaces the clock used for session timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager. cfg may be nil.
func NewManager(store Store, recorder *audit.Recorder, cfg *config.SessionsConfig, opts ...Option) *Manager {
	m := &Manager{
		store:         store,
		recorder:      recorder,
		touchInterval: DefaultTouchInterval,
		now:           time.Now,
	}
	if cfg != nil && cfg.TouchInterval > 0 {
		m.touchInterval = cfg.TouchInterval
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.gate == nil {
		m.gate = newMemoryGate(m.now)
	}
	return m
}

// GenerateToken returns a new random session token.
func GenerateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Create opens a session and records the LOGIN.
func (m *Manager) Create(ctx context.Context, ns NewSession) (*models.Session, error) {
	if ns.UserID <= 0 || ns.CompanyID <= 0 {
		return nil, fmt.Errorf("user id and company id are required")
	}
	token, err := GenerateToken()
	if err != nil {
		return nil, err
	}
	device, err := models.EncodeValue(ns.DeviceInfo)
	if err != nil {
		return nil, fmt.Errorf("device info: %w", err)
	}
	location, err := models.EncodeValue(ns.LocationInfo)
	if err != nil {
		return nil, fmt.Errorf("location info: %w", err)
	}
	method := ns.LoginMethod
	if method == "" {
		method = DefaultLoginMethod
	}

	s := &models.Session{
		UserID:       ns.UserID,
		CompanyID:    ns.CompanyID,
		SessionToken: token,
		IPAddress:    optional(ns.IPAddress),
		UserAgent:    optional(ns.UserAgent),
		LoginMethod:  method,
		DeviceInfo:   device,
		LocationInfo: location,
		LoginAt:      m.now().UTC(),
	}
	if err := m.store.Create(ctx, s); err != nil {
		return nil, err
	}
	telemetry.SessionsCreatedTotal.Inc()

	m.recorder.LogChange(context.WithoutCancel(ctx), audit.Change{
		EntityType:  models.EntitySession,
		EntityID:    &s.ID,
		Operation:   models.OpLogin,
		ActorUserID: s.UserID,
		CompanyID:   s.CompanyID,
		Context: audit.RequestContext{
			IPAddress:    ns.IPAddress,
			UserAgent:    ns.UserAgent,
			SessionID:    auth.SessionRef(token),
			AccessMethod: method,
		},
		Metadata: models.Metadata{"loginMethod": method},
	})
	return s, nil
}

// Get returns a session, active or not, or nil when the token is unknown.
func (m *Manager) Get(ctx context.Context, token string) (*models.Session, error) {
	return m.store.GetByToken(ctx, token)
}

// GetByID returns a session, active or not, or nil when the ID is unknown.
func (m *Manager) GetByID(ctx context.Context, id int64) (*models.Session, error) {
	return m.store.GetByID(ctx, id)
}

// Touch records activity on a session owned by userID within companyID.
// A token that is unknown or belongs to another user or company returns
// repositories.ErrSessionNotFound and is left untouched. Updates are
// throttled to one per touch interval per token and owner; each persisted
// update writes one ACCESS record.
func (m *Manager) Touch(ctx context.Context, token string, userID, companyID int64) error {
	if token == "" {
		return nil
	}

	ok, err := m.gate.Acquire(ctx, touchKey(token, userID), m.touchInterval)
	if err != nil {
		// The SQL predicate still throttles, so fall through.
		slog.Warn("session touch gate unavailable", "error", err)
	} else if !ok {
		telemetry.SessionsTouchSkippedTotal.Inc()
		return nil
	}

	s, err := m.store.GetByToken(ctx, token)
	if err != nil {
		return err
	}
	if s == nil || s.UserID != userID || s.CompanyID != companyID {
		return repositories.ErrSessionNotFound
	}

	now := m.now().UTC()
	changed, err := m.store.Touch(ctx, token, now, now.Add(-m.touchInterval))
	if err != nil {
		return err
	}
	if !changed {
		telemetry.SessionsTouchSkippedTotal.Inc()
		return nil
	}

	m.recorder.LogChangeAsync(audit.Change{
		EntityType:  models.EntitySession,
		EntityID:    &s.ID,
		Operation:   models.OpAccess,
		ActorUserID: s.UserID,
		CompanyID:   s.CompanyID,
		Context: audit.RequestContext{
			SessionID:    auth.SessionRef(token),
			AccessMethod: "session_activity",
		},
	})
	return nil
}

// touchKey scopes the throttle to the claimed owner, so requests presenting
// someone else's token cannot use up the owner's touch slot.
func touchKey(token string, userID int64) string {
	return token + ":" + strconv.FormatInt(userID, 10)
}

// Terminate ends an active session on behalf of actorUserID and records one
// LOGOUT. It returns repositories.ErrSessionNotFound when the token is unknown
// or the session has already ended. A failed LOGOUT write is logged by the
// recorder and does not fail the termination.
func (m *Manager) Terminate(ctx context.Context, token string, actorUserID int64, method string) (*models.Session, error) {
	if method == "" {
		method = models.LogoutMethodUser
	}
	s, err := m.store.Terminate(ctx, token, m.now().UTC())
	if err != nil {
		return nil, err
	}
	telemetry.SessionsTerminatedTotal.WithLabelValues(method).Inc()
	m.logLogout(context.WithoutCancel(ctx), s, method, actorUserID)
	return s, nil
}

// ListActive returns a user's active sessions within a company.
func (m *Manager) ListActive(ctx context.Context, userID, companyID int64) ([]*models.Session, error) {
	return m.store.ListActive(ctx, userID, companyID)
}

// History returns one page of a user's sessions within a company.
func (m *Manager) History(ctx context.Context, userID, companyID int64, limit, offset int) ([]*models.Session, int, error) {
	return m.store.ListByUser(ctx, userID, companyID, limit, offset)
}

// SweepExpired terminates every session idle for longer than maxIdle and
// records a LOGOUT for each. It returns the number of sessions ended.
func (m *Manager) SweepExpired(ctx context.Context, maxIdle time.Duration) (int, error) {
	if maxIdle <= 0 {
		return 0, fmt.Errorf("max idle must be positive, got %s", maxIdle)
	}
	now := m.now().UTC()
	swept, err := m.store.SweepExpired(ctx, now.Add(-maxIdle), now)
	if err != nil {
		return 0, err
	}
	// The sessions are already ended; their LOGOUTs must outlive the job's deadline.
	logCtx := context.WithoutCancel(ctx)
	for _, s := range swept {
		telemetry.SessionsTerminatedTotal.WithLabelValues(models.LogoutMethodIdleTimeout).Inc()
		m.logLogout(logCtx, s, models.LogoutMethodIdleTimeout, 0)
	}
	if len(swept) > 0 {
		slog.Info("swept idle sessions", "count", len(swept), "max_idle", maxIdle)
	}
	return len(swept), nil
}

// LogFailedLogin records a rejected login attempt.
func (m *Manager) LogFailedLogin(ctx context.Context, f FailedLogin) {
	actor := int64(-1)
	if f.UserID != nil {
		actor = *f.UserID
	}
	md := models.Metadata{}
	if f.Email != "" {
		md["email"] = f.Email
	}
	if f.Reason != "" {
		md["reason"] = f.Reason
	}
	m.recorder.LogChange(context.WithoutCancel(ctx), audit.Change{
		EntityType:  models.EntityAuth,
		Operation:   models.OpFailedLogin,
		ActorUserID: actor,
		CompanyID:   f.CompanyID,
		Context: audit.RequestContext{
			IPAddress:    f.IPAddress,
			UserAgent:    f.UserAgent,
			AccessMethod: "login",
		},
		Metadata: md,
	})
}

func (m *Manager) logLogout(ctx context.Context, s *models.Session, method string, actorUserID int64) {
	duration := int64(s.Duration() / time.Second)
	var terminatedBy interface{} = actorUserID
	if method == models.LogoutMethodIdleTimeout {
		terminatedBy = terminatedBySystem
	}
	m.recorder.LogChange(ctx, audit.Change{
		EntityType:  models.EntitySession,
		EntityID:    &s.ID,
		Operation:   models.OpLogout,
		ActorUserID: s.UserID,
		CompanyID:   s.CompanyID,
		Context: audit.RequestContext{
			SessionID:    auth.SessionRef(s.SessionToken),
			AccessMethod: method,
		},
		SessionDurationSeconds: &duration,
		Metadata: models.Metadata{
			"logoutMethod": method,
			"terminatedBy": terminatedBy,
		},
	})
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
