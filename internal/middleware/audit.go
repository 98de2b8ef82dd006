// audit.go provides Gin middleware that records successful entity mutations
// in the audit ledger, one record per changed field for updates.
package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/crm-ledger/audit-ledger/internal/audit"
	"github.com/crm-ledger/audit-ledger/internal/auth"
	"github.com/crm-ledger/audit-ledger/internal/config"
	"github.com/crm-ledger/audit-ledger/internal/db/models"
	"github.com/crm-ledger/audit-ledger/internal/safego"
)

const (
	// AuditEntityKey is the gin.Context key naming the entity type of a route group.
	AuditEntityKey = "audit_entity_type"

	defaultMaxCaptureBytes = 1 << 20
	maxUserAgentLength     = 200
)

// Degraded-mode markers stored under metadata "degraded".
const (
	DegradedNoProvider     = "no_snapshot_provider"
	DegradedSnapshotFailed = "snapshot_failed"
	DegradedNoChanges      = "no_changed_fields"
	DegradedDiffFailed     = "diff_failed"
)

var versionSegment = regexp.MustCompile(`^v\d+$`)

// entityByResource maps the first resource segment of a path to its entity type.
var entityByResource = map[string]models.EntityType{
	"contacts":      models.EntityContact,
	"leads":         models.EntityLead,
	"opportunities": models.EntityOpportunity,
	"companies":     models.EntityCompany,
	"users":         models.EntityUser,
	"tasks":         models.EntityTask,
	"tickets":       models.EntityTicket,
	"sales":         models.EntitySale,
}

// ChangeWriter persists a batch of changes in order.
type ChangeWriter interface {
	LogChanges(ctx context.Context, changes []audit.Change) []*models.AuditRecord
}

// ChangeCaptureConfig controls which requests are captured.
type ChangeCaptureConfig struct {
	// APIPrefix is stripped before the resource segment is read.
	APIPrefix string
	// SkipEndpoints are path prefixes that are never recorded. Paths with a
	// "search" segment are always skipped.
	SkipEndpoints []string
	// MaxCaptureBytes caps buffered request and response bodies.
	MaxCaptureBytes int
	// WriteTimeout bounds the detached diff and write.
	WriteTimeout time.Duration
}

// NewChangeCaptureConfig derives the middleware config from the audit section.
// A nil skip list falls back to config.DefaultSkipEndpoints.
func NewChangeCaptureConfig(cfg *config.AuditConfig) ChangeCaptureConfig {
	skip := cfg.SkipEndpoints
	if skip == nil {
		skip = config.DefaultSkipEndpoints
	}
	return ChangeCaptureConfig{
		APIPrefix:       cfg.APIPrefix,
		SkipEndpoints:   skip,
		MaxCaptureBytes: cfg.MaxCaptureBytes,
		WriteTimeout:    cfg.WriteTimeout,
	}
}

// AuditEntity tags every route in a group with its entity type.
func AuditEntity(t models.EntityType) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(AuditEntityKey, t)
		c.Next()
	}
}

// captureWriter tees the response body into a capped buffer.
type captureWriter struct {
	gin.ResponseWriter
	buf   bytes.Buffer
	limit int
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.capture(b)
	return w.ResponseWriter.Write(b)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	w.capture([]byte(s))
	return w.ResponseWriter.WriteString(s)
}

func (w *captureWriter) capture(b []byte) {
	if room := w.limit - w.buf.Len(); room > 0 {
		if len(b) > room {
			b = b[:room]
		}
		w.buf.Write(b)
	}
}

// ChangeCapture records successful POST, PUT, PATCH and DELETE requests.
//
// For updates the entity snapshot is read before the handler runs. Diffing
// and ledger writes happen on a detached goroutine after the response, so
// ledger latency or failure never reaches the caller.
func ChangeCapture(writer ChangeWriter, registry *audit.Registry, cfg ChangeCaptureConfig) gin.HandlerFunc {
	if cfg.MaxCaptureBytes <= 0 {
		cfg.MaxCaptureBytes = defaultMaxCaptureBytes
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = audit.DefaultWriteTimeout
	}

	return func(c *gin.Context) {
		op, ok := operationFor(c.Request.Method)
		if !ok || skipped(c.Request.URL.Path, cfg.SkipEndpoints) {
			c.Next()
			return
		}
		entityType, ok := entityTypeFor(c, cfg.APIPrefix)
		if !ok {
			c.Next()
			return
		}
		p, ok := GetPrincipal(c)
		if !ok {
			c.Next()
			return
		}

		reqBody := readBody(c, cfg.MaxCaptureBytes)
		pathID, hasPathID := parseID(c.Param("id"))

		var (
			snapshot interface{}
			degraded string
		)
		if op == models.OpUpdate {
			snapshot, degraded = readSnapshot(c.Request.Context(), registry, entityType, p.CompanyID, pathID, hasPathID)
		}

		cw := &captureWriter{ResponseWriter: c.Writer, limit: cfg.MaxCaptureBytes}
		c.Writer = cw
		c.Next()

		respBody := cw.buf.Bytes()
		if !succeeded(c.Writer.Status(), respBody) {
			return
		}

		base := audit.Change{
			EntityType:  entityType,
			Operation:   op,
			ActorUserID: p.UserID,
			CompanyID:   p.CompanyID,
			Context: audit.RequestContext{
				IPAddress:    c.ClientIP(),
				UserAgent:    c.Request.UserAgent(),
				SessionID:    auth.SessionRef(p.SessionToken),
				AccessMethod: "api",
			},
			Metadata: requestMetadata(c),
		}
		if hasPathID {
			base.EntityID = &pathID
		} else if id, ok := bodyID(respBody); ok {
			base.EntityID = &id
		} else if id, ok := bodyID(reqBody); ok {
			base.EntityID = &id
		}

		submitted := decodeBody(reqBody)
		timeout := cfg.WriteTimeout
		safego.Detach("change-capture", timeout, func(ctx context.Context) {
			changes := buildChanges(base, snapshot, submitted, degraded)
			if len(changes) > 1 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), timeout*time.Duration(len(changes)))
				defer cancel()
			}
			writer.LogChanges(ctx, changes)
		})
	}
}

// buildChanges turns one request into the ledger changes to write.
func buildChanges(base audit.Change, snapshot, submitted interface{}, degraded string) (changes []audit.Change) {
	switch base.Operation {
	case models.OpCreate:
		c := base
		c.NewValue = submitted
		return []audit.Change{c}
	case models.OpDelete:
		return []audit.Change{base}
	}

	if degraded != "" {
		return []audit.Change{fallbackUpdate(base, submitted, degraded)}
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("change capture: recovered panic while diffing", "entity_type", base.EntityType, "panic", r)
			changes = []audit.Change{fallbackUpdate(base, submitted, DegradedDiffFailed)}
		}
	}()

	diff, err := audit.DiffFields(snapshot, submitted)
	if err != nil {
		slog.Warn("change capture: diff failed", "entity_type", base.EntityType, "error", err)
		return []audit.Change{fallbackUpdate(base, submitted, DegradedDiffFailed)}
	}
	if len(diff) == 0 {
		return []audit.Change{fallbackUpdate(base, submitted, DegradedNoChanges)}
	}

	changes = make([]audit.Change, 0, len(diff))
	for _, fc := range diff {
		c := base
		field := fc.Field
		c.FieldName = &field
		c.OldValue = fc.Old
		c.NewValue = fc.New
		changes = append(changes, c)
	}
	return changes
}

func fallbackUpdate(base audit.Change, submitted interface{}, reason string) audit.Change {
	c := base
	c.NewValue = submitted
	md := make(models.Metadata, len(base.Metadata)+1)
	for k, v := range base.Metadata {
		md[k] = v
	}
	md["degraded"] = reason
	c.Metadata = md
	return c
}

func readSnapshot(ctx context.Context, registry *audit.Registry, t models.EntityType, companyID, id int64, hasID bool) (interface{}, string) {
	provider, ok := registry.Provider(t)
	if !ok || !hasID {
		return nil, DegradedNoProvider
	}
	snap, err := provider.Snapshot(ctx, companyID, id)
	if err != nil {
		slog.Warn("change capture: snapshot failed", "entity_type", t, "entity_id", id, "error", err)
		return nil, DegradedSnapshotFailed
	}
	return snap, ""
}

func operationFor(method string) (models.Operation, bool) {
	switch method {
	case http.MethodPost:
		return models.OpCreate, true
	case http.MethodPut, http.MethodPatch:
		return models.OpUpdate, true
	case http.MethodDelete:
		return models.OpDelete, true
	}
	return "", false
}

// skipped matches whole path segments, so /api/v1/auth does not cover /api/v1/authors.
func skipped(path string, prefixes []string) bool {
	for _, p := range prefixes {
		p = strings.TrimRight(p, "/")
		if p == "" {
			continue
		}
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	for _, seg := range strings.Split(strings.Trim(path, "/"), "/") {
		if strings.EqualFold(seg, "search") {
			return true
		}
	}
	return false
}

// entityTypeFor prefers the route group tag, then infers from the path.
func entityTypeFor(c *gin.Context, apiPrefix string) (models.EntityType, bool) {
	if v, ok := c.Get(AuditEntityKey); ok {
		if t, ok := v.(models.EntityType); ok && t.Valid() {
			return t, true
		}
	}
	return InferEntityType(c.Request.URL.Path, apiPrefix)
}

// InferEntityType maps /api/v1/contacts/7 to contact. A version segment
// directly after the prefix is skipped.
func InferEntityType(path, apiPrefix string) (models.EntityType, bool) {
	path = strings.TrimPrefix(path, strings.TrimRight(apiPrefix, "/"))
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) > 0 && versionSegment.MatchString(segments[0]) {
		segments = segments[1:]
	}
	if len(segments) == 0 {
		return "", false
	}
	t, ok := entityByResource[strings.ToLower(segments[0])]
	return t, ok
}

// replayBody serves the bytes already read, then the rest of the original body.
type replayBody struct {
	io.Reader
	io.Closer
}

// readBody buffers up to limit bytes of the request body and restores it for
// the handler. Bodies over the limit are not captured.
func readBody(c *gin.Context, limit int) []byte {
	body := c.Request.Body
	if body == nil || body == http.NoBody {
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(body, int64(limit)+1))
	c.Request.Body = replayBody{Reader: io.MultiReader(bytes.NewReader(data), body), Closer: body}
	if err != nil || len(data) > limit {
		return nil
	}
	return data
}

func decodeBody(data []byte) interface{} {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil
	}
	return v
}

// succeeded is true for status < 400 unless the JSON body says success: false.
func succeeded(status int, body []byte) bool {
	if status >= http.StatusBadRequest {
		return false
	}
	obj, ok := decodeBody(body).(map[string]interface{})
	if !ok {
		return true
	}
	if s, ok := obj["success"].(bool); ok && !s {
		return false
	}
	return true
}

// bodyID finds an entity id at "id" or "data.id".
func bodyID(data []byte) (int64, bool) {
	obj, ok := decodeBody(data).(map[string]interface{})
	if !ok {
		return 0, false
	}
	if id, ok := toID(obj["id"]); ok {
		return id, true
	}
	if inner, ok := obj["data"].(map[string]interface{}); ok {
		return toID(inner["id"])
	}
	return 0, false
}

func toID(v interface{}) (int64, bool) {
	switch id := v.(type) {
	case json.Number:
		n, err := id.Int64()
		return n, err == nil && n > 0
	case string:
		return parseID(id)
	}
	return 0, false
}

func parseID(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err == nil && n > 0
}

func requestMetadata(c *gin.Context) models.Metadata {
	ua := c.Request.UserAgent()
	if len(ua) > maxUserAgentLength {
		ua = ua[:maxUserAgentLength]
	}
	md := models.Metadata{
		"endpoint":   c.Request.URL.Path,
		"method":     c.Request.Method,
		"user_agent": ua,
	}
	if id := c.GetString(RequestIDKey); id != "" {
		md["request_id"] = id
	}
	return md
}
