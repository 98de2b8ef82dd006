package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/crm-ledger/audit-ledger/internal/audit"
	"github.com/crm-ledger/audit-ledger/internal/auth"
	"github.com/crm-ledger/audit-ledger/internal/db/models"
	"github.com/crm-ledger/audit-ledger/internal/db/repositories"
	"github.com/crm-ledger/audit-ledger/internal/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var (
	errDB = errors.New("connection reset")

	adminUser = auth.Principal{UserID: 1, CompanyID: 10, Role: auth.RoleAdministrator, SessionToken: "admin-token"}
	repUser   = auth.Principal{UserID: 3, CompanyID: 10, Role: auth.RoleSalesRep, SessionToken: "rep-token"}
)

// withPrincipal stands in for AuthMiddleware.
func withPrincipal(p *auth.Principal) gin.HandlerFunc {
	return func(c *gin.Context) {
		if p != nil {
			c.Set(middleware.PrincipalKey, *p)
		}
		c.Next()
	}
}

func getJSON(w *httptest.ResponseRecorder) map[string]interface{} {
	var out map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return out
}

// stubService records the last call and returns canned results.
type stubService struct {
	err error

	gotPrincipal auth.Principal
	gotType      models.EntityType
	gotID        int64
	gotPage      audit.Pagination
	gotFilter    repositories.LedgerFilter
	gotSince     time.Time
	gotToken     string

	records  []*models.AuditRecord
	valid    bool
	sessions []*models.Session
	found    *models.Session
	findErr  error
}

func (s *stubService) page(p auth.Principal, pg audit.Pagination) (*audit.Page[*models.AuditRecord], error) {
	s.gotPrincipal, s.gotPage = p, pg
	if s.err != nil {
		return nil, s.err
	}
	return &audit.Page[*models.AuditRecord]{Rows: s.records, TotalCount: len(s.records), Limit: 50}, nil
}

func (s *stubService) GetEntityHistory(_ context.Context, p auth.Principal, t models.EntityType, id int64, pg audit.Pagination) (*audit.Page[*models.AuditRecord], error) {
	s.gotType, s.gotID = t, id
	return s.page(p, pg)
}

func (s *stubService) GetUserActivity(_ context.Context, p auth.Principal, id int64, pg audit.Pagination) (*audit.Page[*models.AuditRecord], error) {
	s.gotID = id
	return s.page(p, pg)
}

func (s *stubService) GetCompanyAuditTrail(_ context.Context, p auth.Principal, f repositories.LedgerFilter, pg audit.Pagination) (*audit.Page[*models.AuditRecord], error) {
	s.gotFilter = f
	return s.page(p, pg)
}

func (s *stubService) GetAuditStats(_ context.Context, p auth.Principal, since time.Time) (*models.AuditStats, error) {
	s.gotPrincipal, s.gotSince = p, since
	if s.err != nil {
		return nil, s.err
	}
	return &models.AuditStats{CompanyID: p.CompanyID, TotalRecords: 4}, nil
}

func (s *stubService) VerifyCompanyRecord(_ context.Context, p auth.Principal, id int64) (bool, error) {
	s.gotPrincipal, s.gotID = p, id
	return s.valid, s.err
}

func (s *stubService) VerifyCompanyIntegrity(_ context.Context, p auth.Principal, pg audit.Pagination) (*audit.IntegrityReport, error) {
	s.gotPrincipal, s.gotPage = p, pg
	if s.err != nil {
		return nil, s.err
	}
	return &audit.IntegrityReport{CompanyID: p.CompanyID, Checked: 2, Valid: 1, Mismatched: []int64{9}}, nil
}

func (s *stubService) ExportCompanyAuditTrail(_ context.Context, p auth.Principal, f repositories.LedgerFilter) (*audit.ExportResult, error) {
	s.gotPrincipal, s.gotFilter = p, f
	if s.err != nil {
		return nil, s.err
	}
	return &audit.ExportResult{Path: "exports/company-10/x.ndjson", Records: 3}, nil
}

func (s *stubService) GetUserSessionHistory(_ context.Context, p auth.Principal, id int64, pg audit.Pagination) (*audit.Page[*models.Session], error) {
	s.gotPrincipal, s.gotID, s.gotPage = p, id, pg
	if s.err != nil {
		return nil, s.err
	}
	return &audit.Page[*models.Session]{Rows: s.sessions, TotalCount: len(s.sessions), Limit: 50}, nil
}

func (s *stubService) ListActiveSessions(_ context.Context, p auth.Principal, id int64) ([]*models.Session, error) {
	s.gotPrincipal, s.gotID = p, id
	return s.sessions, s.err
}

func (s *stubService) FindSession(_ context.Context, token string) (*models.Session, error) {
	s.gotToken = token
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.found, nil
}

func (s *stubService) FindSessionByID(_ context.Context, id int64) (*models.Session, error) {
	s.gotID = id
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.found, nil
}

func (s *stubService) TerminateSession(_ context.Context, p auth.Principal, token string) (*models.Session, error) {
	s.gotPrincipal, s.gotToken = p, token
	if s.err != nil {
		return nil, s.err
	}
	now := time.Now()
	return &models.Session{ID: 1, UserID: p.UserID, CompanyID: p.CompanyID, LogoutAt: &now}, nil
}
