package models

import "time"

// Logout methods recorded in the metadata of a LOGOUT ledger entry.
const (
	LogoutMethodUser        = "user"
	LogoutMethodForced      = "forced"
	LogoutMethodIdleTimeout = "idle_timeout"
)

// Session is one authenticated login. It moves from active to inactive exactly once.
type Session struct {
	ID           int64      `db:"id" json:"id"`
	UserID       int64      `db:"user_id" json:"user_id"`
	CompanyID    int64      `db:"company_id" json:"company_id"`
	SessionToken string     `db:"session_token" json:"-"`
	IPAddress    *string    `db:"ip_address" json:"ip_address,omitempty"`
	UserAgent    *string    `db:"user_agent" json:"user_agent,omitempty"`
	LoginMethod  string     `db:"login_method" json:"login_method"`
	DeviceInfo   JSONValue  `db:"device_info" json:"device_info,omitempty"`
	LocationInfo JSONValue  `db:"location_info" json:"location_info,omitempty"`
	LoginAt      time.Time  `db:"login_at" json:"login_at"`
	LastActivity time.Time  `db:"last_activity" json:"last_activity"`
	LogoutAt     *time.Time `db:"logout_at" json:"logout_at,omitempty"`
	IsActive     bool       `db:"is_active" json:"is_active"`
}

// Duration returns the time between login and logout, or zero while the session is active.
func (s *Session) Duration() time.Duration {
	if s.LogoutAt == nil {
		return 0
	}
	return s.LogoutAt.Sub(s.LoginAt)
}
