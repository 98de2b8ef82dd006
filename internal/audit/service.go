package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/crm-ledger/audit-ledger/internal/auth"
	"github.com/crm-ledger/audit-ledger/internal/db/models"
	"github.com/crm-ledger/audit-ledger/internal/db/repositories"
	"github.com/crm-ledger/audit-ledger/internal/storage"
	"github.com/crm-ledger/audit-ledger/internal/telemetry"
	"github.com/crm-ledger/audit-ledger/pkg/checksum"
)

const (
	// DefaultPageLimit is used when a caller does not ask for a page size.
	DefaultPageLimit = 50
	// MaxPageLimit caps any single page.
	MaxPageLimit = 500

	defaultStatsWindow = 30 * 24 * time.Hour
	exportPageSize     = MaxPageLimit
)

var (
	// ErrInvalidArgument is returned for malformed query parameters.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrExportUnavailable is returned when no archive store is configured.
	ErrExportUnavailable = errors.New("audit export is not configured")
)

// LedgerReader is the read side of the ledger store.
type LedgerReader interface {
	GetByID(ctx context.Context, id int64) (*models.AuditRecord, error)
	Query(ctx context.Context, companyID int64, filter repositories.LedgerFilter, limit, offset int) ([]*models.AuditRecord, int, error)
	Stats(ctx context.Context, companyID int64, since time.Time) (*models.AuditStats, error)
}

// SessionDirectory is the session lifecycle the service reads and terminates through.
type SessionDirectory interface {
	// Get returns nil, nil when the token is unknown.
	Get(ctx context.Context, token string) (*models.Session, error)
	// GetByID returns nil, nil when the ID is unknown.
	GetByID(ctx context.Context, id int64) (*models.Session, error)
	Terminate(ctx context.Context, token string, actorUserID int64, method string) (*models.Session, error)
	ListActive(ctx context.Context, userID, companyID int64) ([]*models.Session, error)
	History(ctx context.Context, userID, companyID int64, limit, offset int) ([]*models.Session, int, error)
}

// Pagination selects one page of a result set.
type Pagination struct {
	Limit  int
	Offset int
}

// normalize applies the default and maximum page size.
func (p Pagination) normalize() Pagination {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Page is one page of results along with the total number of matches.
type Page[T any] struct {
	Rows       []T `json:"rows"`
	TotalCount int `json:"total_count"`
	Limit      int `json:"limit"`
	Offset     int `json:"offset"`
}

// IntegrityReport is the outcome of verifying one page of a company's ledger.
type IntegrityReport struct {
	CompanyID  int64   `json:"company_id"`
	Checked    int     `json:"checked"`
	Valid      int     `json:"valid"`
	Mismatched []int64 `json:"mismatched"`
	TotalCount int     `json:"total_count"`
	Limit      int     `json:"limit"`
	Offset     int     `json:"offset"`
}

// ExportResult describes an archived export object.
type ExportResult struct {
	Path     string `json:"path"`
	Records  int    `json:"records"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// Service serves role-filtered reads of the ledger and session history. Every
// ledger query is scoped to the caller's company.
type Service struct {
	ledger   LedgerReader
	sessions SessionDirectory
	recorder *Recorder
	policy   *Policy
	archive  storage.Storage
	now      func() time.Time
}

// NewService creates a Service. archive may be nil, which disables exports.
func NewService(ledger LedgerReader, sessions SessionDirectory, recorder *Recorder, archive storage.Storage) *Service {
	return &Service{
		ledger:   ledger,
		sessions: sessions,
		recorder: recorder,
		policy:   recorder.Policy(),
		archive:  archive,
		now:      time.Now,
	}
}

func (s *Service) startSpan(ctx context.Context, name string, p auth.Principal) (context.Context, trace.Span) {
	ctx, span := telemetry.Tracer().Start(ctx, name)
	span.SetAttributes(
		attribute.Int64("audit.company_id", p.CompanyID),
		attribute.String("audit.role", string(p.Role)),
	)
	return ctx, span
}

func (s *Service) queryPage(ctx context.Context, companyID int64, filter repositories.LedgerFilter, pg Pagination) (*Page[*models.AuditRecord], error) {
	pg = pg.normalize()
	rows, total, err := s.ledger.Query(ctx, companyID, filter, pg.Limit, pg.Offset)
	if err != nil {
		return nil, err
	}
	return &Page[*models.AuditRecord]{Rows: rows, TotalCount: total, Limit: pg.Limit, Offset: pg.Offset}, nil
}

// GetEntityHistory returns the trail of one entity. High-security entity types
// are admin-only; other callers never see sensitive records.
func (s *Service) GetEntityHistory(ctx context.Context, p auth.Principal, entityType models.EntityType, entityID int64, pg Pagination) (*Page[*models.AuditRecord], error) {
	ctx, span := s.startSpan(ctx, "audit.GetEntityHistory", p)
	defer span.End()

	if !entityType.Valid() {
		return nil, fmt.Errorf("%w: unknown entity type %q", ErrInvalidArgument, entityType)
	}
	if !p.IsAdmin() && s.policy.IsHighSecurity(entityType) {
		return nil, adminRequired(fmt.Sprintf("history of %s entities is restricted", entityType))
	}

	filter := repositories.LedgerFilter{EntityType: &entityType, EntityID: &entityID}
	if !p.IsAdmin() {
		notSensitive := false
		filter.IsSensitive = &notSensitive
	}
	return s.queryPage(ctx, p.CompanyID, filter, pg)
}

// GetUserActivity returns the records a user authored. Users may always read
// their own activity; anyone else's requires Administrator.
func (s *Service) GetUserActivity(ctx context.Context, p auth.Principal, targetUserID int64, pg Pagination) (*Page[*models.AuditRecord], error) {
	ctx, span := s.startSpan(ctx, "audit.GetUserActivity", p)
	defer span.End()

	if targetUserID != p.UserID && !p.IsAdmin() {
		return nil, adminRequired("activity of other users is restricted")
	}
	return s.queryPage(ctx, p.CompanyID, repositories.LedgerFilter{ActorUserID: &targetUserID}, pg)
}

// GetCompanyAuditTrail returns the caller's company trail. Administrator only.
func (s *Service) GetCompanyAuditTrail(ctx context.Context, p auth.Principal, filter repositories.LedgerFilter, pg Pagination) (*Page[*models.AuditRecord], error) {
	ctx, span := s.startSpan(ctx, "audit.GetCompanyAuditTrail", p)
	defer span.End()

	if !p.IsAdmin() {
		return nil, adminRequired("")
	}
	return s.queryPage(ctx, p.CompanyID, filter, pg)
}

// GetAuditStats summarises the caller's company ledger since the given
// instant, or the last 30 days when since is zero. Administrator only.
func (s *Service) GetAuditStats(ctx context.Context, p auth.Principal, since time.Time) (*models.AuditStats, error) {
	ctx, span := s.startSpan(ctx, "audit.GetAuditStats", p)
	defer span.End()

	if !p.IsAdmin() {
		return nil, adminRequired("")
	}
	if since.IsZero() {
		since = s.now().Add(-defaultStatsWindow)
	}
	return s.ledger.Stats(ctx, p.CompanyID, since)
}

// GetUserSessionHistory returns a user's sessions, newest first. Self or Administrator.
func (s *Service) GetUserSessionHistory(ctx context.Context, p auth.Principal, targetUserID int64, pg Pagination) (*Page[*models.Session], error) {
	ctx, span := s.startSpan(ctx, "audit.GetUserSessionHistory", p)
	defer span.End()

	if targetUserID != p.UserID && !p.IsAdmin() {
		return nil, adminRequired("sessions of other users are restricted")
	}
	pg = pg.normalize()
	rows, total, err := s.sessions.History(ctx, targetUserID, p.CompanyID, pg.Limit, pg.Offset)
	if err != nil {
		return nil, err
	}
	return &Page[*models.Session]{Rows: rows, TotalCount: total, Limit: pg.Limit, Offset: pg.Offset}, nil
}

// ListActiveSessions returns a user's active sessions. Self or Administrator.
func (s *Service) ListActiveSessions(ctx context.Context, p auth.Principal, targetUserID int64) ([]*models.Session, error) {
	ctx, span := s.startSpan(ctx, "audit.ListActiveSessions", p)
	defer span.End()

	if targetUserID != p.UserID && !p.IsAdmin() {
		return nil, adminRequired("sessions of other users are restricted")
	}
	return s.sessions.ListActive(ctx, targetUserID, p.CompanyID)
}

// FindSession looks up an active session by token. It returns ErrNotFound
// when the token is unknown or already terminated.
func (s *Service) FindSession(ctx context.Context, token string) (*models.Session, error) {
	sess, err := s.sessions.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if sess == nil || !sess.IsActive {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, repositories.ErrSessionNotFound)
	}
	return sess, nil
}

// FindSessionByID looks up an active session by its numeric ID, which is what
// clients see in place of the token.
func (s *Service) FindSessionByID(ctx context.Context, id int64) (*models.Session, error) {
	sess, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil || !sess.IsActive {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, repositories.ErrSessionNotFound)
	}
	return sess, nil
}

// TerminateSession ends a session. Owners may end their own sessions and
// Administrators may end anyone's.
//
// Company scoping of administrative terminations is not checked here; the
// caller must ensure the session belongs to the administrator's company.
func (s *Service) TerminateSession(ctx context.Context, p auth.Principal, token string) (*models.Session, error) {
	ctx, span := s.startSpan(ctx, "audit.TerminateSession", p)
	defer span.End()

	sess, err := s.FindSession(ctx, token)
	if err != nil {
		return nil, err
	}

	method := models.LogoutMethodUser
	if sess.UserID != p.UserID {
		if !p.IsAdmin() {
			return nil, adminRequired("sessions of other users are restricted")
		}
		method = models.LogoutMethodForced
	}

	terminated, err := s.sessions.Terminate(ctx, token, p.UserID, method)
	if errors.Is(err, repositories.ErrSessionNotFound) {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return terminated, err
}

// VerifyRecordIntegrity recomputes a record's hash and compares it with the
// stored one. Absence, mismatch and store failures all yield false.
func (s *Service) VerifyRecordIntegrity(ctx context.Context, id int64) bool {
	ctx, span := telemetry.Tracer().Start(ctx, "audit.VerifyRecordIntegrity")
	span.SetAttributes(attribute.Int64("audit.record_id", id))
	defer span.End()

	rec, err := s.ledger.GetByID(ctx, id)
	switch {
	case err != nil:
		telemetry.AuditIntegrityChecksTotal.WithLabelValues("error").Inc()
		slog.Warn("integrity check could not load record", "record_id", id, "error", err)
		return false
	case rec == nil:
		telemetry.AuditIntegrityChecksTotal.WithLabelValues("missing").Inc()
		return false
	}
	return s.checkRecord(rec)
}

// VerifyCompanyRecord verifies one record of the caller's company. Records of
// other companies are reported as not found. Administrator only.
func (s *Service) VerifyCompanyRecord(ctx context.Context, p auth.Principal, id int64) (bool, error) {
	ctx, span := s.startSpan(ctx, "audit.VerifyCompanyRecord", p)
	defer span.End()

	if !p.IsAdmin() {
		return false, adminRequired("")
	}
	rec, err := s.ledger.GetByID(ctx, id)
	if err != nil {
		telemetry.AuditIntegrityChecksTotal.WithLabelValues("error").Inc()
		return false, err
	}
	if rec == nil || rec.CompanyID != p.CompanyID {
		telemetry.AuditIntegrityChecksTotal.WithLabelValues("missing").Inc()
		return false, fmt.Errorf("%w: audit record %d", ErrNotFound, id)
	}
	return s.checkRecord(rec), nil
}

func (s *Service) checkRecord(rec *models.AuditRecord) bool {
	if VerifyHash(rec) {
		telemetry.AuditIntegrityChecksTotal.WithLabelValues("valid").Inc()
		return true
	}
	telemetry.AuditIntegrityChecksTotal.WithLabelValues("mismatch").Inc()
	slog.Error("audit record failed integrity check", "record_id", rec.ID, "company_id", rec.CompanyID)
	return false
}

// VerifyCompanyIntegrity verifies one page of the caller's company ledger and
// reports the ids whose hashes do not match. Administrator only.
func (s *Service) VerifyCompanyIntegrity(ctx context.Context, p auth.Principal, pg Pagination) (*IntegrityReport, error) {
	ctx, span := s.startSpan(ctx, "audit.VerifyCompanyIntegrity", p)
	defer span.End()

	if !p.IsAdmin() {
		return nil, adminRequired("")
	}
	page, err := s.queryPage(ctx, p.CompanyID, repositories.LedgerFilter{}, pg)
	if err != nil {
		return nil, err
	}

	report := &IntegrityReport{
		CompanyID:  p.CompanyID,
		Mismatched: make([]int64, 0),
		TotalCount: page.TotalCount,
		Limit:      page.Limit,
		Offset:     page.Offset,
	}
	for _, rec := range page.Rows {
		report.Checked++
		if s.checkRecord(rec) {
			report.Valid++
		} else {
			report.Mismatched = append(report.Mismatched, rec.ID)
		}
	}
	return report, nil
}

// ExportCompanyAuditTrail writes the filtered company trail as NDJSON to the
// archive store and records the export in the ledger. Administrator only.
func (s *Service) ExportCompanyAuditTrail(ctx context.Context, p auth.Principal, filter repositories.LedgerFilter) (*ExportResult, error) {
	ctx, span := s.startSpan(ctx, "audit.ExportCompanyAuditTrail", p)
	defer span.End()

	if !p.IsAdmin() {
		return nil, adminRequired("")
	}
	if s.archive == nil {
		return nil, ErrExportUnavailable
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	count := 0
	for offset := 0; ; offset += exportPageSize {
		rows, total, err := s.ledger.Query(ctx, p.CompanyID, filter, exportPageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("failed to read audit trail: %w", err)
		}
		for _, rec := range rows {
			if err := enc.Encode(rec); err != nil {
				return nil, fmt.Errorf("failed to encode audit record %d: %w", rec.ID, err)
			}
		}
		count += len(rows)
		if len(rows) < exportPageSize || offset+len(rows) >= total {
			break
		}
	}

	now := s.now().UTC()
	key := path.Join("exports", fmt.Sprintf("company-%d", p.CompanyID), now.Format("2006/01/02"), uuid.NewString()+".ndjson")
	res, err := s.archive.Upload(ctx, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		return nil, fmt.Errorf("failed to store export: %w", err)
	}

	s.recorder.LogChange(ctx, Change{
		EntityType:  models.EntitySystem,
		Operation:   models.OpAccess,
		ActorUserID: p.UserID,
		CompanyID:   p.CompanyID,
		Context:     RequestContext{SessionID: auth.SessionRef(p.SessionToken), AccessMethod: "export"},
		Metadata: models.Metadata{
			"action":  "audit_export",
			"object":  res.Path,
			"records": count,
		},
	})

	return &ExportResult{Path: res.Path, Records: count, Size: res.Size, Checksum: res.Checksum}, nil
}

// VerifyExport re-reads an archived export and compares it with the checksum
// reported when it was written.
func (s *Service) VerifyExport(ctx context.Context, objectPath, expectedChecksum string) (bool, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "audit.VerifyExport")
	span.SetAttributes(attribute.String("audit.export_path", objectPath))
	defer span.End()

	if s.archive == nil {
		return false, ErrExportUnavailable
	}
	rc, err := s.archive.Download(ctx, objectPath)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to read export: %w", err)
	}
	defer rc.Close()

	ok, err := checksum.VerifySHA256(rc, expectedChecksum)
	if err != nil {
		return false, fmt.Errorf("failed to hash export: %w", err)
	}
	if !ok {
		slog.Warn("archived export does not match its checksum", "path", objectPath)
	}
	return ok, nil
}
