package ledger

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/crm-ledger/audit-ledger/internal/audit"
	"github.com/crm-ledger/audit-ledger/internal/auth"
	"github.com/crm-ledger/audit-ledger/internal/db/models"
	"github.com/crm-ledger/audit-ledger/internal/db/repositories"
)

// maxStatsDays bounds the days query parameter of the stats route.
const maxStatsDays = 3650

// AuditReader is the part of audit.Service the audit handlers call.
type AuditReader interface {
	GetEntityHistory(ctx context.Context, p auth.Principal, entityType models.EntityType, entityID int64, pg audit.Pagination) (*audit.Page[*models.AuditRecord], error)
	GetUserActivity(ctx context.Context, p auth.Principal, targetUserID int64, pg audit.Pagination) (*audit.Page[*models.AuditRecord], error)
	GetCompanyAuditTrail(ctx context.Context, p auth.Principal, filter repositories.LedgerFilter, pg audit.Pagination) (*audit.Page[*models.AuditRecord], error)
	GetAuditStats(ctx context.Context, p auth.Principal, since time.Time) (*models.AuditStats, error)
	VerifyCompanyRecord(ctx context.Context, p auth.Principal, id int64) (bool, error)
	VerifyCompanyIntegrity(ctx context.Context, p auth.Principal, pg audit.Pagination) (*audit.IntegrityReport, error)
	ExportCompanyAuditTrail(ctx context.Context, p auth.Principal, filter repositories.LedgerFilter) (*audit.ExportResult, error)
}

var _ AuditReader = (*audit.Service)(nil)

// AuditHandlers serves ledger queries.
type AuditHandlers struct {
	service AuditReader
}

// NewAuditHandlers creates the audit handlers.
func NewAuditHandlers(service AuditReader) *AuditHandlers {
	return &AuditHandlers{service: service}
}

// @Summary      Entity history
// @Description  Returns the audit trail of one entity, newest first. Sensitive records are hidden from non-administrators.
// @Tags         Audit
// @Security     Bearer
// @Produce      json
// @Param        type    path   string  true   "Entity type"
// @Param        id      path   int     true   "Entity ID"
// @Param        limit   query  int     false  "Page size (default 50, max 500)"
// @Param        offset  query  int     false  "Page offset"
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]interface{}
// @Failure      403  {object}  map[string]interface{}
// @Router       /api/v1/audit/entities/{type}/{id} [get]
func (h *AuditHandlers) GetEntityHistory(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	entityType := models.EntityType(strings.ToLower(c.Param("type")))
	entityID, err := pathID(c, "id")
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	pg, err := pagination(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	page, err := h.service.GetEntityHistory(c.Request.Context(), p, entityType, entityID, pg)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// @Summary      User activity
// @Description  Returns the records authored by a user. Users may read their own activity; others require Administrator.
// @Tags         Audit
// @Security     Bearer
// @Produce      json
// @Param        id  path  int  true  "User ID"
// @Success      200  {object}  map[string]interface{}
// @Failure      403  {object}  map[string]interface{}
// @Router       /api/v1/audit/users/{id}/activity [get]
func (h *AuditHandlers) GetUserActivity(c *gin.Context) {
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

	page, err := h.service.GetUserActivity(c.Request.Context(), p, userID, pg)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// @Summary      Company audit trail
// @Description  Returns the caller's company trail with optional filters. Administrator only.
// @Tags         Audit
// @Security     Bearer
// @Produce      json
// @Param        entity_type    query  string  false  "Entity type"
// @Param        entity_id      query  int     false  "Entity ID"
// @Param        actor_user_id  query  int     false  "Actor user ID"
// @Param        operation      query  string  false  "Operation"
// @Param        sensitive      query  bool    false  "Sensitivity flag"
// @Param        from           query  string  false  "RFC3339 lower bound"
// @Param        to             query  string  false  "RFC3339 upper bound"
// @Success      200  {object}  map[string]interface{}
// @Failure      403  {object}  map[string]interface{}
// @Router       /api/v1/audit/company [get]
func (h *AuditHandlers) GetCompanyAuditTrail(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	var params FilterParams
	if err := c.ShouldBindQuery(&params); err != nil {
		badRequest(c, "invalid query parameters")
		return
	}
	filter, err := params.Filter()
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	pg, err := pagination(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	page, err := h.service.GetCompanyAuditTrail(c.Request.Context(), p, filter, pg)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// @Summary      Audit statistics
// @Description  Summarises the caller's company ledger since the given instant (default: last 30 days). Administrator only.
// @Tags         Audit
// @Security     Bearer
// @Produce      json
// @Param        since  query  string  false  "RFC3339 lower bound"
// @Param        days   query  int     false  "Window in days (1-3650), used when since is absent"
// @Success      200  {object}  models.AuditStats
// @Router       /api/v1/audit/stats [get]
func (h *AuditHandlers) GetAuditStats(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	var since time.Time
	if v := c.Query("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			badRequest(c, "invalid since: must be RFC3339")
			return
		}
		since = t
	} else if v := c.Query("days"); v != "" {
		days, err := parsePositive(v)
		if err != nil || days > maxStatsDays {
			badRequest(c, fmt.Sprintf("invalid days: must be between 1 and %d", maxStatsDays))
			return
		}
		since = time.Now().AddDate(0, 0, -days)
	}

	stats, err := h.service.GetAuditStats(c.Request.Context(), p, since)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// @Summary      Verify record integrity
// @Description  Recomputes the hash of one record of the caller's company and compares it with the stored hash. Administrator only.
// @Tags         Audit
// @Security     Bearer
// @Produce      json
// @Param        id  path  int  true  "Record ID"
// @Success      200  {object}  map[string]interface{}  "record_id, valid"
// @Failure      404  {object}  map[string]interface{}
// @Router       /api/v1/audit/records/{id}/verify [get]
func (h *AuditHandlers) VerifyRecord(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	id, err := pathID(c, "id")
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	valid, err := h.service.VerifyCompanyRecord(c.Request.Context(), p, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"record_id": id, "valid": valid})
}

// @Summary      Verify company ledger
// @Description  Verifies one page of the caller's company ledger and lists the records whose hashes do not match. Administrator only.
// @Tags         Audit
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  audit.IntegrityReport
// @Router       /api/v1/audit/integrity [get]
func (h *AuditHandlers) VerifyCompanyIntegrity(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	pg, err := pagination(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	report, err := h.service.VerifyCompanyIntegrity(c.Request.Context(), p, pg)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// @Summary      Export company audit trail
// @Description  Writes the filtered company trail as NDJSON to the archive store. Administrator only.
// @Tags         Audit
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Success      201  {object}  audit.ExportResult
// @Failure      503  {object}  map[string]interface{}  "Export not configured"
// @Router       /api/v1/audit/export [post]
func (h *AuditHandlers) ExportCompanyAuditTrail(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	var params FilterParams
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&params); err != nil {
			badRequest(c, "invalid request body")
			return
		}
	}
	filter, err := params.Filter()
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	res, err := h.service.ExportCompanyAuditTrail(c.Request.Context(), p, filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}
