package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/crm-ledger/audit-ledger/internal/audit"
	"github.com/crm-ledger/audit-ledger/internal/auth"
	"github.com/crm-ledger/audit-ledger/internal/config"
	"github.com/crm-ledger/audit-ledger/internal/db/models"
	"github.com/crm-ledger/audit-ledger/internal/safego"
)

// fakeChangeWriter collects every batch handed to LogChanges.
type fakeChangeWriter struct {
	mu      sync.Mutex
	batches [][]audit.Change
}

func (w *fakeChangeWriter) LogChanges(_ context.Context, changes []audit.Change) []*models.AuditRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.batches = append(w.batches, changes)
	return nil
}

func (w *fakeChangeWriter) changes(t *testing.T) []audit.Change {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !safego.Wait(ctx) {
		t.Fatal("detached change capture did not finish")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []audit.Change
	for _, b := range w.batches {
		out = append(out, b...)
	}
	return out
}

var captureUser = auth.Principal{UserID: 3, CompanyID: 1, Role: auth.RoleSalesRep, SessionToken: "raw-session-token"}

type captureHarness struct {
	writer   *fakeChangeWriter
	registry *audit.Registry
	router   *gin.Engine
}

// newCaptureHarness mounts ChangeCapture in front of contact routes. The
// handler reply is set per test through respond.
func newCaptureHarness(t *testing.T, respond func(c *gin.Context)) *captureHarness {
	t.Helper()
	h := &captureHarness{writer: &fakeChangeWriter{}, registry: audit.NewRegistry()}

	cfg := ChangeCaptureConfig{
		APIPrefix:     "/api",
		SkipEndpoints: []string{"/api/v1/contacts/import"},
	}
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.Use(func(c *gin.Context) {
		if c.GetHeader("X-Anonymous") == "" {
			c.Set(PrincipalKey, captureUser)
		}
		c.Next()
	})
	capture := ChangeCapture(h.writer, h.registry, cfg)

	v1 := r.Group("/api/v1", capture)
	v1.POST("/contacts", respond)
	v1.POST("/contacts/import", respond)
	v1.PUT("/contacts/:id", respond)
	v1.PATCH("/contacts/:id", respond)
	v1.DELETE("/contacts/:id", respond)
	v1.GET("/contacts/:id", respond)
	v1.POST("/reports", respond)

	invoices := r.Group("/api/v1/invoices", AuditEntity(models.EntitySale), capture)
	invoices.PUT("/:id", respond)
	h.router = r
	return h
}

func (h *captureHarness) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func respondOK(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func contactSnapshot(snap map[string]interface{}, err error) audit.SnapshotFunc {
	return func(_ context.Context, companyID, entityID int64) (interface{}, error) {
		if err != nil {
			return nil, err
		}
		return snap, nil
	}
}

func TestChangeCapture_UpdateRecordsOneChangePerField(t *testing.T) {
	h := newCaptureHarness(t, respondOK)
	h.registry.Register(models.EntityContact, contactSnapshot(map[string]interface{}{
		"id": 7, "name": "A", "email": "same",
	}, nil))

	w := h.do(http.MethodPut, "/api/v1/contacts/7", `{"name":"B","email":"same"}`, "User-Agent", "crm-web/1.0")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	changes := h.writer.changes(t)
	if len(changes) != 1 {
		t.Fatalf("changes = %d, want 1: %+v", len(changes), changes)
	}
	c := changes[0]
	if c.Operation != models.OpUpdate || c.EntityType != models.EntityContact {
		t.Errorf("operation/entity = %s/%s", c.Operation, c.EntityType)
	}
	if c.EntityID == nil || *c.EntityID != 7 {
		t.Errorf("EntityID = %v, want 7", c.EntityID)
	}
	if c.FieldName == nil || *c.FieldName != "name" {
		t.Errorf("FieldName = %v, want name", c.FieldName)
	}
	if c.OldValue != "A" || c.NewValue != "B" {
		t.Errorf("values = %v -> %v, want A -> B", c.OldValue, c.NewValue)
	}
	if c.ActorUserID != 3 || c.CompanyID != 1 {
		t.Errorf("actor/company = %d/%d", c.ActorUserID, c.CompanyID)
	}
	if c.Context.SessionID != auth.SessionRef("raw-session-token") {
		t.Errorf("SessionID = %q, want session ref", c.Context.SessionID)
	}
	if c.Context.AccessMethod != "api" || c.Context.UserAgent != "crm-web/1.0" {
		t.Errorf("context = %+v", c.Context)
	}
	if c.Metadata["endpoint"] != "/api/v1/contacts/7" || c.Metadata["method"] != http.MethodPut {
		t.Errorf("metadata = %v", c.Metadata)
	}
	if c.Metadata["request_id"] == "" || c.Metadata["request_id"] == nil {
		t.Error("metadata request_id missing")
	}
	if _, ok := c.Metadata["degraded"]; ok {
		t.Errorf("unexpected degraded marker: %v", c.Metadata["degraded"])
	}
}

func TestChangeCapture_UpdateMultipleFieldsSorted(t *testing.T) {
	h := newCaptureHarness(t, respondOK)
	h.registry.Register(models.EntityContact, contactSnapshot(map[string]interface{}{
		"id": 7, "name": "A", "phone": "1", "tags": []interface{}{"x"}, "updated_at": "yesterday",
	}, nil))

	h.do(http.MethodPatch, "/api/v1/contacts/7", `{"phone":"2","name":"B","tags":["x"],"updated_at":"today","extra":1}`)

	changes := h.writer.changes(t)
	if len(changes) != 2 {
		t.Fatalf("changes = %d, want 2", len(changes))
	}
	if *changes[0].FieldName != "name" || *changes[1].FieldName != "phone" {
		t.Errorf("fields = %s, %s; want name, phone", *changes[0].FieldName, *changes[1].FieldName)
	}
}

func TestChangeCapture_DegradedUpdates(t *testing.T) {
	tests := []struct {
		name     string
		register bool
		snap     map[string]interface{}
		snapErr  error
		body     string
		want     string
	}{
		{"no provider", false, nil, nil, `{"name":"B"}`, DegradedNoProvider},
		{"snapshot error", true, nil, errors.New("db down"), `{"name":"B"}`, DegradedSnapshotFailed},
		{"nothing changed", true, map[string]interface{}{"name": "A"}, nil, `{"name":"A"}`, DegradedNoChanges},
		{"body not an object", true, map[string]interface{}{"name": "A"}, nil, `["name"]`, DegradedDiffFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newCaptureHarness(t, respondOK)
			if tt.register {
				h.registry.Register(models.EntityContact, contactSnapshot(tt.snap, tt.snapErr))
			}

			h.do(http.MethodPut, "/api/v1/contacts/7", tt.body)

			changes := h.writer.changes(t)
			if len(changes) != 1 {
				t.Fatalf("changes = %d, want 1", len(changes))
			}
			c := changes[0]
			if c.Metadata["degraded"] != tt.want {
				t.Errorf("degraded = %v, want %s", c.Metadata["degraded"], tt.want)
			}
			if c.FieldName != nil {
				t.Errorf("FieldName = %s, want nil", *c.FieldName)
			}
			if c.NewValue == nil {
				t.Error("degraded update should carry the submitted body as NewValue")
			}
		})
	}
}

func TestChangeCapture_CreateUsesResponseID(t *testing.T) {
	h := newCaptureHarness(t, func(c *gin.Context) {
		c.JSON(http.StatusCreated, gin.H{"success": true, "data": gin.H{"id": 42}})
	})

	h.do(http.MethodPost, "/api/v1/contacts", `{"name":"New"}`)

	changes := h.writer.changes(t)
	if len(changes) != 1 {
		t.Fatalf("changes = %d, want 1", len(changes))
	}
	c := changes[0]
	if c.Operation != models.OpCreate {
		t.Errorf("operation = %s, want CREATE", c.Operation)
	}
	if c.EntityID == nil || *c.EntityID != 42 {
		t.Errorf("EntityID = %v, want 42", c.EntityID)
	}
	body, ok := c.NewValue.(map[string]interface{})
	if !ok || body["name"] != "New" {
		t.Errorf("NewValue = %#v, want submitted body", c.NewValue)
	}
	if c.OldValue != nil {
		t.Errorf("OldValue = %v, want nil", c.OldValue)
	}
}

func TestChangeCapture_CreateFallsBackToRequestID(t *testing.T) {
	h := newCaptureHarness(t, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true})
	})

	h.do(http.MethodPost, "/api/v1/contacts", `{"id":"15","name":"New"}`)

	changes := h.writer.changes(t)
	if len(changes) != 1 || changes[0].EntityID == nil || *changes[0].EntityID != 15 {
		t.Fatalf("changes = %+v, want entity id 15", changes)
	}
}

func TestChangeCapture_HandlerStillReadsBody(t *testing.T) {
	var seen string
	h := newCaptureHarness(t, func(c *gin.Context) {
		var body map[string]string
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		seen = body["name"]
		c.JSON(http.StatusCreated, gin.H{"id": 1})
	})

	w := h.do(http.MethodPost, "/api/v1/contacts", `{"name":"Replayed"}`)
	h.writer.changes(t)
	if w.Code != http.StatusCreated || seen != "Replayed" {
		t.Errorf("status = %d, handler saw %q", w.Code, seen)
	}
}

func TestChangeCapture_Delete(t *testing.T) {
	h := newCaptureHarness(t, func(c *gin.Context) { c.Status(http.StatusNoContent) })

	h.do(http.MethodDelete, "/api/v1/contacts/9", "")

	changes := h.writer.changes(t)
	if len(changes) != 1 {
		t.Fatalf("changes = %d, want 1", len(changes))
	}
	c := changes[0]
	if c.Operation != models.OpDelete || c.EntityID == nil || *c.EntityID != 9 {
		t.Errorf("change = %+v", c)
	}
	if c.OldValue != nil || c.NewValue != nil {
		t.Errorf("delete values = %v/%v, want nil", c.OldValue, c.NewValue)
	}
}

func TestChangeCapture_NothingRecorded(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		path    string
		respond func(c *gin.Context)
		headers []string
	}{
		{"read request", http.MethodGet, "/api/v1/contacts/7", respondOK, nil},
		{"skipped endpoint", http.MethodPost, "/api/v1/contacts/import", respondOK, nil},
		{"unknown resource", http.MethodPost, "/api/v1/reports", respondOK, nil},
		{"error status", http.MethodDelete, "/api/v1/contacts/7", func(c *gin.Context) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		}, nil},
		{"success false", http.MethodDelete, "/api/v1/contacts/7", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"success": false})
		}, nil},
		{"no principal", http.MethodDelete, "/api/v1/contacts/7", respondOK, []string{"X-Anonymous", "1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newCaptureHarness(t, tt.respond)
			h.do(tt.method, tt.path, "", tt.headers...)
			if got := h.writer.changes(t); len(got) != 0 {
				t.Errorf("changes = %d, want 0", len(got))
			}
		})
	}
}

func TestChangeCapture_DefaultSkipEndpoints(t *testing.T) {
	writer := &fakeChangeWriter{}
	cfg := NewChangeCaptureConfig(&config.AuditConfig{APIPrefix: "/api"})

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(PrincipalKey, captureUser)
		c.Next()
	})
	v1 := r.Group("/api/v1", ChangeCapture(writer, audit.NewRegistry(), cfg))
	v1.POST("/contacts", respondOK)
	v1.POST("/contacts/search", respondOK)
	v1.POST("/users/:id/search", respondOK)
	v1.POST("/search/contacts", respondOK)

	for _, path := range []string{"/api/v1/contacts/search", "/api/v1/users/4/search", "/api/v1/search/contacts"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"q":"acme"}`)))
	}
	if got := writer.changes(t); len(got) != 0 {
		t.Fatalf("search requests recorded %d changes, want 0", len(got))
	}

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/contacts", strings.NewReader(`{"name":"Acme"}`)))
	if got := writer.changes(t); len(got) != 1 || got[0].EntityType != models.EntityContact {
		t.Fatalf("changes = %+v, want one contact create", got)
	}
}

func TestSkipped(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/api/v1/auth/check", true},
		{"/api/v1/auth", true},
		{"/api/v1/authors/3", false},
		{"/api/v1/audit/company", true},
		{"/api/v1/sessions/logout", true},
		{"/api/v1/leads/Search", true},
		{"/api/v1/leads/7", false},
	}
	for _, tt := range tests {
		if got := skipped(tt.path, config.DefaultSkipEndpoints); got != tt.want {
			t.Errorf("skipped(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestChangeCapture_RouteTagOverridesPath(t *testing.T) {
	h := newCaptureHarness(t, respondOK)

	h.do(http.MethodPut, "/api/v1/invoices/4", `{"total":10}`)

	changes := h.writer.changes(t)
	if len(changes) != 1 || changes[0].EntityType != models.EntitySale {
		t.Fatalf("changes = %+v, want one sale change", changes)
	}
}

func TestChangeCapture_TruncatesUserAgentMetadata(t *testing.T) {
	h := newCaptureHarness(t, func(c *gin.Context) { c.Status(http.StatusNoContent) })

	h.do(http.MethodDelete, "/api/v1/contacts/9", "", "User-Agent", strings.Repeat("a", 500))

	changes := h.writer.changes(t)
	if len(changes) != 1 {
		t.Fatalf("changes = %d, want 1", len(changes))
	}
	ua, _ := changes[0].Metadata["user_agent"].(string)
	if len(ua) != maxUserAgentLength {
		t.Errorf("metadata user_agent length = %d, want %d", len(ua), maxUserAgentLength)
	}
}

func TestInferEntityType(t *testing.T) {
	tests := []struct {
		path   string
		prefix string
		want   models.EntityType
		ok     bool
	}{
		{"/api/v1/contacts/7", "/api", models.EntityContact, true},
		{"/api/contacts", "/api/", models.EntityContact, true},
		{"/api/v2/Opportunities/1/notes", "/api", models.EntityOpportunity, true},
		{"/leads/3", "", models.EntityLead, true},
		{"/api/v1/tickets", "/api", models.EntityTicket, true},
		{"/api/v1/reports/1", "/api", "", false},
		{"/api/v1", "/api", "", false},
		{"/api", "/api", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := InferEntityType(tt.path, tt.prefix)
			if got != tt.want || ok != tt.ok {
				t.Errorf("InferEntityType(%q, %q) = %q, %v; want %q, %v", tt.path, tt.prefix, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestBuildChanges_RecoversDiffPanic(t *testing.T) {
	base := audit.Change{EntityType: models.EntityContact, Operation: models.OpUpdate, ActorUserID: 1, CompanyID: 1}
	changes := buildChanges(base, panickingSnapshot{}, map[string]interface{}{"name": "B"}, "")
	if len(changes) != 1 || changes[0].Metadata["degraded"] != DegradedDiffFailed {
		t.Fatalf("changes = %+v, want one diff_failed change", changes)
	}
}

type panickingSnapshot struct{}

func (panickingSnapshot) MarshalJSON() ([]byte, error) {
	panic("snapshot cannot be encoded")
}
