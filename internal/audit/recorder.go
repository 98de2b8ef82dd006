package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/crm-ledger/audit-ledger/internal/db/models"
	"github.com/crm-ledger/audit-ledger/internal/safego"
	"github.com/crm-ledger/audit-ledger/internal/telemetry"
)

// DefaultWriteTimeout bounds a detached ledger write.
const DefaultWriteTimeout = 5 * time.Second

// LedgerWriter is the insert side of the ledger store.
type LedgerWriter interface {
	Insert(ctx context.Context, rec *models.AuditRecord) error
}

// RequestContext is the request or session context attached to a record.
// Empty strings are stored as NULL.
type RequestContext struct {
	IPAddress    string
	UserAgent    string
	SessionID    string
	AccessMethod string
}

// Change describes one event to append to the ledger.
type Change struct {
	EntityType  models.EntityType
	EntityID    *int64
	Operation   models.Operation
	ActorUserID int64
	CompanyID   int64
	FieldName   *string
	// OldValue and NewValue are any JSON-representable values; nil means absent.
	OldValue interface{}
	NewValue interface{}

	Context                RequestContext
	SessionDurationSeconds *int64
	Metadata               models.Metadata
}

// Recorder owns the ledger write path.
type Recorder struct {
	store        LedgerWriter
	policy       *Policy
	shipper      Shipper
	now          func() time.Time
	writeTimeout time.Duration
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithShipper forwards every committed record to s.
func WithShipper(s Shipper) RecorderOption {
	return func(r *Recorder) { r.shipper = s }
}

// WithClock replaces the clock used for createdAt.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// WithWriteTimeout sets the timeout of detached writes.
func WithWriteTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.writeTimeout = d
		}
	}
}

// NewRecorder creates a Recorder writing to store. A nil policy uses the default high-security set.
func NewRecorder(store LedgerWriter, policy *Policy, opts ...RecorderOption) *Recorder {
	if policy == nil {
		policy = NewPolicy(nil)
	}
	r := &Recorder{
		store:        store,
		policy:       policy,
		now:          time.Now,
		writeTimeout: DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the sensitivity policy the recorder applies.
func (r *Recorder) Policy() *Policy {
	return r.policy
}

// LogChange builds, hashes and durably inserts one record, then hands it to
// the shipper. It never returns an error and never panics: on any failure the
// problem is logged and counted, and the result is nil. Callers must not let
// business logic depend on the outcome.
func (r *Recorder) LogChange(ctx context.Context, c Change) (rec *models.AuditRecord) {
	ctx, span := telemetry.Tracer().Start(ctx, "audit.LogChange")
	span.SetAttributes(
		attribute.String("audit.entity_type", string(c.EntityType)),
		attribute.String("audit.operation", string(c.Operation)),
	)
	defer span.End()

	defer func() {
		if p := recover(); p != nil {
			telemetry.AuditWriteFailuresTotal.WithLabelValues("panic").Inc()
			slog.Error("audit: recovered panic while writing record",
				"entity_type", c.EntityType, "operation", c.Operation, "panic", p)
			span.SetStatus(codes.Error, "panic")
			rec = nil
		}
	}()

	start := time.Now()

	built, err := r.build(c)
	if err != nil {
		reason := "invalid"
		if errors.Is(err, errHash) {
			reason = "hash"
		}
		telemetry.AuditWriteFailuresTotal.WithLabelValues(reason).Inc()
		slog.Error("audit: rejected record",
			"entity_type", c.EntityType, "operation", c.Operation, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		return nil
	}

	if err := r.store.Insert(ctx, built); err != nil {
		telemetry.AuditWriteFailuresTotal.WithLabelValues("store").Inc()
		slog.Error("audit: failed to write record",
			"entity_type", c.EntityType, "operation", c.Operation,
			"actor_user_id", c.ActorUserID, "company_id", c.CompanyID, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "store")
		return nil
	}

	telemetry.AuditWriteDuration.Observe(time.Since(start).Seconds())
	telemetry.AuditRecordsWrittenTotal.WithLabelValues(string(built.EntityType), string(built.Operation)).Inc()
	span.SetAttributes(attribute.Int64("audit.record_id", built.ID))

	r.ship(built)
	return built
}

// LogChanges writes changes sequentially in slice order and returns the
// records that were committed.
func (r *Recorder) LogChanges(ctx context.Context, changes []Change) []*models.AuditRecord {
	out := make([]*models.AuditRecord, 0, len(changes))
	for _, c := range changes {
		if rec := r.LogChange(ctx, c); rec != nil {
			out = append(out, rec)
		}
	}
	return out
}

// LogChangeAsync writes c in a detached goroutine with its own timeout. The
// write is unaffected by cancellation of any request context.
func (r *Recorder) LogChangeAsync(c Change) {
	r.LogChangesAsync([]Change{c})
}

// LogChangesAsync writes changes in order on a single detached goroutine.
func (r *Recorder) LogChangesAsync(changes []Change) {
	if len(changes) == 0 {
		return
	}
	safego.Detach("audit-write", r.writeTimeout*time.Duration(len(changes)), func(ctx context.Context) {
		r.LogChanges(ctx, changes)
	})
}

var errHash = errors.New("hash")

// build validates c and produces a hashed record ready for insert. createdAt
// is assigned here, in the same call that hashes it.
func (r *Recorder) build(c Change) (*models.AuditRecord, error) {
	if !c.EntityType.Valid() {
		return nil, fmt.Errorf("invalid entity type %q", c.EntityType)
	}
	if !c.Operation.Valid() {
		return nil, fmt.Errorf("invalid operation %q", c.Operation)
	}

	actor := c.ActorUserID
	if c.Operation == models.OpFailedLogin {
		if actor < 0 {
			actor = models.UnknownActorID
		}
	} else {
		if actor <= 0 {
			return nil, fmt.Errorf("actor user id is required for %s", c.Operation)
		}
		if c.CompanyID <= 0 {
			return nil, fmt.Errorf("company id is required for %s", c.Operation)
		}
	}

	oldValue, err := models.EncodeValue(c.OldValue)
	if err != nil {
		return nil, fmt.Errorf("old value: %w", err)
	}
	newValue, err := models.EncodeValue(c.NewValue)
	if err != nil {
		return nil, fmt.Errorf("new value: %w", err)
	}

	rec := &models.AuditRecord{
		EntityType:             c.EntityType,
		EntityID:               c.EntityID,
		Operation:              c.Operation,
		ActorUserID:            actor,
		CompanyID:              c.CompanyID,
		FieldName:              c.FieldName,
		OldValue:               oldValue,
		NewValue:               newValue,
		IPAddress:              optional(c.Context.IPAddress),
		UserAgent:              optional(c.Context.UserAgent),
		SessionID:              optional(c.Context.SessionID),
		AccessMethod:           optional(c.Context.AccessMethod),
		SessionDurationSeconds: c.SessionDurationSeconds,
		Metadata:               copyMetadata(c.Metadata),
		IsSensitive:            r.policy.IsSensitive(c.EntityType, c.Operation),
		// PostgreSQL TIMESTAMPTZ keeps microseconds; the hash must survive the round trip.
		CreatedAt: r.now().UTC().Truncate(time.Microsecond),
	}

	hash, err := ComputeHash(rec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errHash, err)
	}
	rec.RecordHash = hash
	return rec, nil
}

func (r *Recorder) ship(rec *models.AuditRecord) {
	if r.shipper == nil {
		return
	}
	entry := NewLogEntry(rec)
	safego.Detach("audit-ship", r.writeTimeout, func(ctx context.Context) {
		if err := r.shipper.Ship(ctx, entry); err != nil {
			slog.Debug("audit: shipping failed", "record_id", entry.ID, "error", err)
		}
	})
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func copyMetadata(m models.Metadata) models.Metadata {
	out := make(models.Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
