package ledger

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/crm-ledger/audit-ledger/internal/audit"
	"github.com/crm-ledger/audit-ledger/internal/auth"
	"github.com/crm-ledger/audit-ledger/internal/db/models"
	"github.com/crm-ledger/audit-ledger/internal/middleware"
)

// SessionReader is the part of audit.Service the session handlers call.
type SessionReader interface {
	GetUserSessionHistory(ctx context.Context, p auth.Principal, targetUserID int64, pg audit.Pagination) (*audit.Page[*models.Session], error)
	ListActiveSessions(ctx context.Context, p auth.Principal, targetUserID int64) ([]*models.Session, error)
	FindSession(ctx context.Context, token string) (*models.Session, error)
	FindSessionByID(ctx context.Context, id int64) (*models.Session, error)
	TerminateSession(ctx context.Context, p auth.Principal, token string) (*models.Session, error)
}

var _ SessionReader = (*audit.Service)(nil)

// SessionHandlers serves session history and termination.
type SessionHandlers struct {
	service    SessionReader
	cookieName string
}

// NewSessionHandlers creates the session handlers. cookieName is cleared on logout.
func NewSessionHandlers(service SessionReader, cookieName string) *SessionHandlers {
	if cookieName == "" {
		cookieName = middleware.DefaultSessionCookie
	}
	return &SessionHandlers{service: service, cookieName: cookieName}
}

// @Summary      Session history
// @Description  Returns a user's sessions, newest first. Self or Administrator.
// @Tags         Sessions
// @Security     Bearer
// @Produce      json
// @Param        id  path  int  true  "User ID"
// @Success      200  {object}  map[string]interface{}
// @Failure      403  {object}  map[string]interface{}
// @Router       /api/v1/sessions/users/{id} [get]
func (h *SessionHandlers) GetUserSessionHistory(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	userID, err := pathID(c, "id")
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	pg, err := pagination(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	page, err := h.service.GetUserSessionHistory(c.Request.Context(), p, userID, pg)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// @Summary      Active sessions
// @Description  Returns a user's active sessions. Self or Administrator.
// @Tags         Sessions
// @Security     Bearer
// @Produce      json
// @Param        id  path  int  true  "User ID"
// @Success      200  {object}  map[string]interface{}
// @Router       /api/v1/sessions/users/{id}/active [get]
func (h *SessionHandlers) ListActiveSessions(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	userID, err := pathID(c, "id")
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	sessions, err := h.service.ListActiveSessions(c.Request.Context(), p, userID)
	if err != nil {
		respondError(c, err)
		return
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}
	c.JSON(http.StatusOK, audit.Page[*models.Session]{
		Rows:       sessions,
		TotalCount: len(sessions),
		Limit:      len(sessions),
	})
}

// @Summary      Terminate session
// @Description  Ends a session by its ID. Owners may end their own sessions; Administrators may end any session of their company.
// @Tags         Sessions
// @Security     Bearer
// @Produce      json
// @Param        id  path  int  true  "Session ID"
// @Success      200  {object}  map[string]interface{}
// @Failure      403  {object}  map[string]interface{}
// @Failure      404  {object}  map[string]interface{}
// @Router       /api/v1/sessions/{id} [delete]
func (h *SessionHandlers) TerminateSession(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	id, err := pathID(c, "id")
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	// Sessions of other companies are reported as absent.
	sess, err := h.service.FindSessionByID(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if sess.CompanyID != p.CompanyID {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
		return
	}

	h.terminate(c, p, sess.SessionToken, false)
}

// @Summary      Log out
// @Description  Ends the caller's current session, identified by the session cookie or header.
// @Tags         Sessions
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]interface{}  "No session token"
// @Failure      404  {object}  map[string]interface{}  "Token is not the caller's active session"
// @Router       /api/v1/sessions/logout [post]
func (h *SessionHandlers) Logout(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	if p.SessionToken == "" {
		badRequest(c, "no session token")
		return
	}

	// Only the caller's own session can be ended this way.
	sess, err := h.service.FindSession(c.Request.Context(), p.SessionToken)
	if err != nil {
		respondError(c, err)
		return
	}
	if sess.UserID != p.UserID || sess.CompanyID != p.CompanyID {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
		return
	}

	h.terminate(c, p, p.SessionToken, true)
}

func (h *SessionHandlers) terminate(c *gin.Context, p auth.Principal, token string, clearCookie bool) {
	sess, err := h.service.TerminateSession(c.Request.Context(), p, token)
	if err != nil {
		respondError(c, err)
		return
	}
	if clearCookie {
		c.SetSameSite(http.SameSiteStrictMode)
		c.SetCookie(h.cookieName, "", -1, "/", "", true, true)
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "Session terminated",
		"session": sess,
	})
}
