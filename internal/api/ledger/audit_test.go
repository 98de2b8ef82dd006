package ledger

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/crm-ledger/audit-ledger/internal/audit"
	"github.com/crm-ledger/audit-ledger/internal/auth"
	"github.com/crm-ledger/audit-ledger/internal/db/models"
	"github.com/crm-ledger/audit-ledger/internal/middleware"
)

func newAuditRouter(svc *stubService, p *auth.Principal) *gin.Engine {
	h := NewAuditHandlers(svc)
	r := gin.New()
	r.Use(middleware.RequestIDMiddleware())
	r.Use(withPrincipal(p))
	r.GET("/audit/entities/:type/:id", h.GetEntityHistory)
	r.GET("/audit/users/:id/activity", h.GetUserActivity)
	r.GET("/audit/company", h.GetCompanyAuditTrail)
	r.GET("/audit/stats", h.GetAuditStats)
	r.GET("/audit/records/:id/verify", h.VerifyRecord)
	r.GET("/audit/integrity", h.VerifyCompanyIntegrity)
	r.POST("/audit/export", h.ExportCompanyAuditTrail)
	return r
}

func serve(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Error mapping
// ---------------------------------------------------------------------------

func TestRespondError_Mapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{"access denied with role", &audit.AccessDeniedError{RequiredRole: auth.RoleAdministrator}, http.StatusForbidden, "Access denied"},
		{"wrapped not found", fmt.Errorf("lookup: %w", audit.ErrNotFound), http.StatusNotFound, "Not found"},
		{"invalid argument", fmt.Errorf("%w: unknown entity type", audit.ErrInvalidArgument), http.StatusBadRequest, "invalid argument: unknown entity type"},
		{"export unavailable", audit.ErrExportUnavailable, http.StatusServiceUnavailable, "Audit export is not configured"},
		{"internal", errDB, http.StatusInternalServerError, "internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{err: tt.err}
			w := serve(newAuditRouter(svc, &adminUser), http.MethodGet, "/audit/integrity", "")

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			body := getJSON(w)
			if body["error"] != tt.wantError {
				t.Errorf("error = %v, want %q", body["error"], tt.wantError)
			}
		})
	}
}

func TestRespondError_DeniedDetails(t *testing.T) {
	svc := &stubService{err: &audit.AccessDeniedError{RequiredRole: auth.RoleAdministrator, Reason: "restricted"}}
	w := serve(newAuditRouter(svc, &repUser), http.MethodGet, "/audit/users/1/activity", "")

	body := getJSON(w)
	if body["details"] != "Required role: Administrator" {
		t.Errorf("details = %v", body["details"])
	}
	if strings.Contains(w.Body.String(), "restricted") {
		t.Error("response leaked the internal denial reason")
	}
}

func TestRespondError_InternalCarriesRequestID(t *testing.T) {
	svc := &stubService{err: errDB}
	r := newAuditRouter(svc, &adminUser)

	req := httptest.NewRequest(http.MethodGet, "/audit/stats", nil)
	req.Header.Set(middleware.RequestIDHeader, "req-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	body := getJSON(w)
	if body["error_id"] != "req-123" {
		t.Errorf("error_id = %v, want req-123", body["error_id"])
	}
	if strings.Contains(w.Body.String(), errDB.Error()) {
		t.Error("500 response leaked the internal error message")
	}
}

func TestHandlers_Unauthenticated(t *testing.T) {
	w := serve(newAuditRouter(&stubService{}, nil), http.MethodGet, "/audit/company", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Entity history and user activity
// ---------------------------------------------------------------------------

func TestGetEntityHistory(t *testing.T) {
	id := int64(7)
	svc := &stubService{records: []*models.AuditRecord{{ID: 2, EntityType: models.EntityContact, EntityID: &id, Operation: models.OpUpdate}}}
	w := serve(newAuditRouter(svc, &repUser), http.MethodGet, "/audit/entities/Contact/7?limit=10&offset=20", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", w.Code, w.Body.String())
	}
	if svc.gotType != models.EntityContact || svc.gotID != 7 {
		t.Errorf("service got type=%q id=%d", svc.gotType, svc.gotID)
	}
	if svc.gotPage != (audit.Pagination{Limit: 10, Offset: 20}) {
		t.Errorf("pagination = %+v", svc.gotPage)
	}
	if svc.gotPrincipal != repUser {
		t.Errorf("principal = %+v", svc.gotPrincipal)
	}
	body := getJSON(w)
	if body["total_count"] != float64(1) {
		t.Errorf("total_count = %v, want 1", body["total_count"])
	}
	rows, _ := body["rows"].([]interface{})
	if len(rows) != 1 {
		t.Errorf("rows = %v", body["rows"])
	}
}

func TestGetEntityHistory_BadParams(t *testing.T) {
	r := newAuditRouter(&stubService{}, &repUser)
	for _, path := range []string{
		"/audit/entities/contact/abc",
		"/audit/entities/contact/0",
		"/audit/entities/contact/7?limit=-1",
		"/audit/entities/contact/7?offset=x",
	} {
		if w := serve(r, http.MethodGet, path, ""); w.Code != http.StatusBadRequest {
			t.Errorf("GET %s status = %d, want 400", path, w.Code)
		}
	}
}

func TestGetUserActivity(t *testing.T) {
	svc := &stubService{}
	w := serve(newAuditRouter(svc, &repUser), http.MethodGet, "/audit/users/3/activity", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if svc.gotID != 3 {
		t.Errorf("target user = %d, want 3", svc.gotID)
	}
}

// ---------------------------------------------------------------------------
// Company trail, stats, integrity, export
// ---------------------------------------------------------------------------

func TestGetCompanyAuditTrail_Filters(t *testing.T) {
	svc := &stubService{}
	path := "/audit/company?entity_type=lead&entity_id=5&actor_user_id=2&operation=update&sensitive=false" +
		"&from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z&field_name=status&session_id=abc"
	w := serve(newAuditRouter(svc, &adminUser), http.MethodGet, path, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", w.Code, w.Body.String())
	}

	f := svc.gotFilter
	if f.EntityType == nil || *f.EntityType != models.EntityLead {
		t.Errorf("EntityType = %v", f.EntityType)
	}
	if f.EntityID == nil || *f.EntityID != 5 || f.ActorUserID == nil || *f.ActorUserID != 2 {
		t.Errorf("EntityID/ActorUserID = %v/%v", f.EntityID, f.ActorUserID)
	}
	if f.Operation == nil || *f.Operation != models.OpUpdate {
		t.Errorf("Operation = %v", f.Operation)
	}
	if f.IsSensitive == nil || *f.IsSensitive {
		t.Errorf("IsSensitive = %v, want false", f.IsSensitive)
	}
	if f.From == nil || !f.From.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) || f.To == nil {
		t.Errorf("From/To = %v/%v", f.From, f.To)
	}
	if f.FieldName == nil || *f.FieldName != "status" || f.SessionID == nil || *f.SessionID != "abc" {
		t.Errorf("FieldName/SessionID = %v/%v", f.FieldName, f.SessionID)
	}
}

func TestGetCompanyAuditTrail_InvalidFilters(t *testing.T) {
	r := newAuditRouter(&stubService{}, &adminUser)
	for _, q := range []string{
		"entity_type=invoice",
		"operation=PURGE",
		"entity_id=x",
		"actor_user_id=x",
		"sensitive=maybe",
		"from=yesterday",
		"from=2026-02-01T00:00:00Z&to=2026-01-01T00:00:00Z",
	} {
		if w := serve(r, http.MethodGet, "/audit/company?"+q, ""); w.Code != http.StatusBadRequest {
			t.Errorf("query %q status = %d, want 400", q, w.Code)
		}
	}
}

func TestGetAuditStats_Window(t *testing.T) {
	svc := &stubService{}
	r := newAuditRouter(svc, &adminUser)

	serve(r, http.MethodGet, "/audit/stats", "")
	if !svc.gotSince.IsZero() {
		t.Errorf("since = %v, want zero so the service applies its default", svc.gotSince)
	}

	serve(r, http.MethodGet, "/audit/stats?since=2026-03-01T00:00:00Z", "")
	if !svc.gotSince.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("since = %v", svc.gotSince)
	}

	serve(r, http.MethodGet, "/audit/stats?days=7", "")
	if d := time.Since(svc.gotSince); d < 7*24*time.Hour-time.Minute || d > 7*24*time.Hour+time.Minute {
		t.Errorf("since = %v, want about 7 days ago", svc.gotSince)
	}

	for _, days := range []string{"0", "3651", "106752"} {
		if w := serve(r, http.MethodGet, "/audit/stats?days="+days, ""); w.Code != http.StatusBadRequest {
			t.Errorf("days=%s status = %d, want 400", days, w.Code)
		}
	}

	serve(r, http.MethodGet, "/audit/stats?days=3650", "")
	if want := time.Now().AddDate(-10, 0, 0); svc.gotSince.After(time.Now()) || svc.gotSince.Sub(want).Abs() > 3*24*time.Hour {
		t.Errorf("days=3650 since = %v, want about ten years ago", svc.gotSince)
	}
}

func TestVerifyRecord(t *testing.T) {
	svc := &stubService{valid: false}
	w := serve(newAuditRouter(svc, &adminUser), http.MethodGet, "/audit/records/44/verify", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := getJSON(w)
	if body["record_id"] != float64(44) || body["valid"] != false {
		t.Errorf("body = %v", body)
	}
}

func TestVerifyCompanyIntegrity(t *testing.T) {
	svc := &stubService{}
	w := serve(newAuditRouter(svc, &adminUser), http.MethodGet, "/audit/integrity?limit=100", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if svc.gotPage.Limit != 100 {
		t.Errorf("limit = %d, want 100", svc.gotPage.Limit)
	}
	body := getJSON(w)
	if mm, _ := body["mismatched"].([]interface{}); len(mm) != 1 {
		t.Errorf("mismatched = %v", body["mismatched"])
	}
}

func TestExportCompanyAuditTrail(t *testing.T) {
	svc := &stubService{}
	r := newAuditRouter(svc, &adminUser)

	w := serve(r, http.MethodPost, "/audit/export", `{"entity_type":"contact"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body=%s", w.Code, w.Body.String())
	}
	if svc.gotFilter.EntityType == nil || *svc.gotFilter.EntityType != models.EntityContact {
		t.Errorf("filter = %+v", svc.gotFilter)
	}
	if getJSON(w)["records"] != float64(3) {
		t.Errorf("body = %s", w.Body.String())
	}

	w = serve(r, http.MethodPost, "/audit/export", "")
	if w.Code != http.StatusCreated {
		t.Errorf("empty body status = %d, want 201", w.Code)
	}

	w = serve(r, http.MethodPost, "/audit/export", `{not json`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", w.Code)
	}
}
