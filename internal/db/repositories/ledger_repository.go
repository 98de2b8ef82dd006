// ledger_repository.go implements LedgerRepository, the insert-only store for audit records.
// It exposes no update or delete path; the database additionally rejects both via triggers.
package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/crm-ledger/audit-ledger/internal/db/models"
)

// LedgerRepository handles audit ledger database operations
type LedgerRepository struct {
	db *sql.DB
}

// NewLedgerRepository creates a new LedgerRepository
func NewLedgerRepository(db *sql.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// LedgerFilter contains optional filters for querying the ledger.
// Company scoping is not part of the filter; it is a required argument of Query.
type LedgerFilter struct {
	EntityType  *models.EntityType
	EntityID    *int64
	ActorUserID *int64
	Operation   *models.Operation
	FieldName   *string
	SessionID   *string
	IsSensitive *bool
	From        *time.Time
	To          *time.Time
}

const ledgerColumns = `id, entity_type, entity_id, operation, actor_user_id, company_id,
	field_name, old_value, new_value, ip_address, user_agent, session_id,
	session_duration_seconds, access_method, metadata, created_at, is_sensitive,
	record_hash, is_deleted`

// Insert appends a record to the ledger and sets its ID.
func (r *LedgerRepository) Insert(ctx context.Context, rec *models.AuditRecord) error {
	query := `
		INSERT INTO audit_logs (
			entity_type, entity_id, operation, actor_user_id, company_id,
			field_name, old_value, new_value, ip_address, user_agent, session_id,
			session_duration_seconds, access_method, metadata, created_at, is_sensitive,
			record_hash
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING id
	`

	err := r.db.QueryRowContext(ctx, query,
		rec.EntityType,
		rec.EntityID,
		rec.Operation,
		rec.ActorUserID,
		rec.CompanyID,
		rec.FieldName,
		rec.OldValue,
		rec.NewValue,
		rec.IPAddress,
		rec.UserAgent,
		rec.SessionID,
		rec.SessionDurationSeconds,
		rec.AccessMethod,
		rec.Metadata,
		rec.CreatedAt,
		rec.IsSensitive,
		rec.RecordHash,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", mapLedgerError(err))
	}
	return nil
}

// GetByID retrieves a single record by ID. It returns nil, nil when the record does not exist.
func (r *LedgerRepository) GetByID(ctx context.Context, id int64) (*models.AuditRecord, error) {
	query := `SELECT ` + ledgerColumns + ` FROM audit_logs WHERE id = $1`

	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Query retrieves one page of a company's records, newest first, along with the total match count.
// companyID is always applied; there is no way to query across tenants.
func (r *LedgerRepository) Query(ctx context.Context, companyID int64, filter LedgerFilter, limit, offset int) ([]*models.AuditRecord, int, error) {
	where, args := buildLedgerWhere(companyID, filter)

	var total int
	countQuery := `SELECT COUNT(*) FROM audit_logs WHERE ` + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit records: %w", err)
	}

	paramIndex := len(args) + 1
	query := `SELECT ` + ledgerColumns + ` FROM audit_logs WHERE ` + where +
		fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, paramIndex, paramIndex+1)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	records := make([]*models.AuditRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, rec)
	}

	return records, total, rows.Err()
}

// buildLedgerWhere renders the WHERE clause for a company-scoped ledger query.
func buildLedgerWhere(companyID int64, f LedgerFilter) (string, []interface{}) {
	clauses := []string{"company_id = $1"}
	args := []interface{}{companyID}

	add := func(column string, value interface{}) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf("%s $%d", column, len(args)))
	}

	if f.EntityType != nil {
		add("entity_type =", string(*f.EntityType))
	}
	if f.EntityID != nil {
		add("entity_id =", *f.EntityID)
	}
	if f.ActorUserID != nil {
		add("actor_user_id =", *f.ActorUserID)
	}
	if f.Operation != nil {
		add("operation =", string(*f.Operation))
	}
	if f.FieldName != nil {
		add("field_name =", *f.FieldName)
	}
	if f.SessionID != nil {
		add("session_id =", *f.SessionID)
	}
	if f.IsSensitive != nil {
		add("is_sensitive =", *f.IsSensitive)
	}
	if f.From != nil {
		add("created_at >=", *f.From)
	}
	if f.To != nil {
		add("created_at <=", *f.To)
	}

	return strings.Join(clauses, " AND "), args
}

// Stats aggregates a company's ledger activity since the given instant.
func (r *LedgerRepository) Stats(ctx context.Context, companyID int64, since time.Time) (*models.AuditStats, error) {
	stats := &models.AuditStats{
		CompanyID:    companyID,
		Since:        since,
		ByOperation:  make(map[models.Operation]int),
		ByEntityType: make(map[models.EntityType]int),
	}

	summary := `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE is_sensitive),
			COUNT(*) FILTER (WHERE operation = 'FAILED_LOGIN'),
			COUNT(DISTINCT actor_user_id)
		FROM audit_logs
		WHERE company_id = $1 AND created_at >= $2
	`
	err := r.db.QueryRowContext(ctx, summary, companyID, since).Scan(
		&stats.TotalRecords,
		&stats.SensitiveCount,
		&stats.FailedLogins,
		&stats.DistinctActors,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to summarise audit records: %w", err)
	}

	byOp := `
		SELECT operation, COUNT(*) FROM audit_logs
		WHERE company_id = $1 AND created_at >= $2
		GROUP BY operation
	`
	if err := r.groupCounts(ctx, byOp, companyID, since, func(key string, n int) {
		stats.ByOperation[models.Operation(key)] = n
	}); err != nil {
		return nil, err
	}

	byEntity := `
		SELECT entity_type, COUNT(*) FROM audit_logs
		WHERE company_id = $1 AND created_at >= $2
		GROUP BY entity_type
	`
	if err := r.groupCounts(ctx, byEntity, companyID, since, func(key string, n int) {
		stats.ByEntityType[models.EntityType(key)] = n
	}); err != nil {
		return nil, err
	}

	return stats, nil
}

func (r *LedgerRepository) groupCounts(ctx context.Context, query string, companyID int64, since time.Time, set func(string, int)) error {
	rows, err := r.db.QueryContext(ctx, query, companyID, since)
	if err != nil {
		return fmt.Errorf("failed to group audit records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		set(key, n)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*models.AuditRecord, error) {
	rec := &models.AuditRecord{}
	var entityType, operation string

	err := row.Scan(
		&rec.ID,
		&entityType,
		&rec.EntityID,
		&operation,
		&rec.ActorUserID,
		&rec.CompanyID,
		&rec.FieldName,
		&rec.OldValue,
		&rec.NewValue,
		&rec.IPAddress,
		&rec.UserAgent,
		&rec.SessionID,
		&rec.SessionDurationSeconds,
		&rec.AccessMethod,
		&rec.Metadata,
		&rec.CreatedAt,
		&rec.IsSensitive,
		&rec.RecordHash,
		&rec.IsDeleted,
	)
	if err != nil {
		return nil, err
	}

	rec.EntityType = models.EntityType(entityType)
	rec.Operation = models.Operation(operation)
	return rec, nil
}
