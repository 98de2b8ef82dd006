// Package middleware provides Gin HTTP middleware for authentication, role
// checks, change capture, rate limiting, security headers and metrics.
//
// Middleware ordering matters and is enforced in router.go:
//
//	RequestID → Metrics → Security → RateLimit → Auth → Role → ChangeCapture → Handler
//
// Security headers run first so they appear on all responses including errors.
// Rate limiting runs before auth to block brute-force attempts before any token work.
// Auth stores the Principal; RequireRole and ChangeCapture read it from the context.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/crm-ledger/audit-ledger/internal/auth"
	"github.com/crm-ledger/audit-ledger/internal/safego"
)

const (
	// PrincipalKey is the gin.Context key holding the authenticated auth.Principal.
	PrincipalKey = "principal"

	// DefaultSessionCookie and DefaultSessionHeader carry the session token.
	DefaultSessionCookie = "session_token"
	DefaultSessionHeader = "X-Session-Token"

	sessionTouchTimeout = 5 * time.Second
)

// SessionSource names where the session token is read from.
type SessionSource struct {
	CookieName string
	HeaderName string
}

func (s SessionSource) token(c *gin.Context) string {
	cookie := s.CookieName
	if cookie == "" {
		cookie = DefaultSessionCookie
	}
	if v, err := c.Cookie(cookie); err == nil && v != "" {
		return v
	}
	header := s.HeaderName
	if header == "" {
		header = DefaultSessionHeader
	}
	return strings.TrimSpace(c.GetHeader(header))
}

// AuthMiddleware validates the bearer JWT and stores the resulting Principal.
// The session token, if present, is attached to the Principal.
func AuthMiddleware(validator auth.TokenValidator, sessions SessionSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing authorization header",
			})
			return
		}

		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization header must start with 'Bearer '",
			})
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization token is empty",
			})
			return
		}

		principal, err := validator.ValidateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid credentials",
			})
			return
		}
		principal.SessionToken = sessions.token(c)

		c.Set(PrincipalKey, *principal)
		c.Next()
	}
}

// GetPrincipal returns the Principal stored by AuthMiddleware.
func GetPrincipal(c *gin.Context) (auth.Principal, bool) {
	v, ok := c.Get(PrincipalKey)
	if !ok {
		return auth.Principal{}, false
	}
	p, ok := v.(auth.Principal)
	return p, ok
}

// SessionToucher records activity on a session. It must reject a token that
// does not belong to userID within companyID.
type SessionToucher interface {
	Touch(ctx context.Context, token string, userID, companyID int64) error
}

// SessionActivity touches the caller's session after every successful
// request. The touch is detached so it never delays the response.
func SessionActivity(toucher SessionToucher) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Status() >= http.StatusBadRequest {
			return
		}
		p, ok := GetPrincipal(c)
		if !ok || p.SessionToken == "" {
			return
		}
		token := p.SessionToken
		safego.Detach("session-touch", sessionTouchTimeout, func(ctx context.Context) {
			if err := toucher.Touch(ctx, token, p.UserID, p.CompanyID); err != nil {
				slog.Debug("session touch rejected", "user_id", p.UserID, "error", err)
			}
		})
	}
}
