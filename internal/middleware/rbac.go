// Package middleware (rbac.go) implements role-based authorization middleware.
//
// The role travels in the access token, so a role change takes effect when the
// user's next token is issued. Row-level rules (self access, company scoping,
// sensitivity filtering) live in the audit service, not here.

package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/crm-ledger/audit-ledger/internal/auth"
)

// RequireRole allows the request only when the Principal holds one of roles.
func RequireRole(roles ...auth.Role) gin.HandlerFunc {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	details := "Required role: " + strings.Join(names, " or ")

	return func(c *gin.Context) {
		p, ok := GetPrincipal(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "User not authenticated",
			})
			return
		}

		if !p.HasAnyRole(roles...) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "Access denied",
				"details": details,
			})
			return
		}

		c.Next()
	}
}

// RequireAdmin is RequireRole(auth.RoleAdministrator).
func RequireAdmin() gin.HandlerFunc {
	return RequireRole(auth.RoleAdministrator)
}
