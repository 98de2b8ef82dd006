// Package ledger implements the HTTP handlers for audit trail queries,
// integrity checks, exports and session management.
package ledger

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/crm-ledger/audit-ledger/internal/audit"
	"github.com/crm-ledger/audit-ledger/internal/auth"
	"github.com/crm-ledger/audit-ledger/internal/middleware"
)

// respondError maps service errors to HTTP responses. Internal failures are
// logged with the request id and never echoed to the client.
func respondError(c *gin.Context, err error) {
	var denied *audit.AccessDeniedError
	switch {
	case errors.As(err, &denied):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "Access denied",
			"details": "Required role: " + string(denied.RequiredRole),
		})
	case errors.Is(err, audit.ErrAccessDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": "Access denied"})
	case errors.Is(err, audit.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	case errors.Is(err, audit.ErrInvalidArgument):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, audit.ErrExportUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Audit export is not configured"})
	default:
		requestID := c.GetString(middleware.RequestIDKey)
		slog.ErrorContext(c.Request.Context(), "request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"request_id", requestID,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":    "internal server error",
			"error_id": requestID,
		})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// principal returns the authenticated caller or writes 401.
func principal(c *gin.Context) (p auth.Principal, ok bool) {
	p, ok = middleware.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
	}
	return p, ok
}
