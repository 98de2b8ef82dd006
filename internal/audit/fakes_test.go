package audit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/crm-ledger/audit-ledger/internal/db/models"
	"github.com/crm-ledger/audit-ledger/internal/db/repositories"
)

// memLedger is an in-memory ledger store.
type memLedger struct {
	mu        sync.Mutex
	records   []*models.AuditRecord
	insertErr error
	queryErr  error
	panicOn   bool

	lastCompany int64
	lastFilter  repositories.LedgerFilter
}

func (m *memLedger) Insert(_ context.Context, rec *models.AuditRecord) error {
	if m.panicOn {
		panic("insert exploded")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	rec.ID = int64(len(m.records) + 1)
	m.records = append(m.records, rec)
	return nil
}

func (m *memLedger) GetByID(_ context.Context, id int64) (*models.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	for _, r := range m.records {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, nil
}

func (m *memLedger) Query(_ context.Context, companyID int64, f repositories.LedgerFilter, limit, offset int) ([]*models.AuditRecord, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastCompany = companyID
	m.lastFilter = f
	if m.queryErr != nil {
		return nil, 0, m.queryErr
	}

	matched := make([]*models.AuditRecord, 0)
	for _, r := range m.records {
		if r.CompanyID != companyID {
			continue
		}
		if f.EntityType != nil && r.EntityType != *f.EntityType {
			continue
		}
		if f.EntityID != nil && (r.EntityID == nil || *r.EntityID != *f.EntityID) {
			continue
		}
		if f.ActorUserID != nil && r.ActorUserID != *f.ActorUserID {
			continue
		}
		if f.Operation != nil && r.Operation != *f.Operation {
			continue
		}
		if f.IsSensitive != nil && r.IsSensitive != *f.IsSensitive {
			continue
		}
		matched = append(matched, r)
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })

	total := len(matched)
	if offset >= total {
		return []*models.AuditRecord{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (m *memLedger) Stats(_ context.Context, companyID int64, since time.Time) (*models.AuditStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastCompany = companyID
	stats := &models.AuditStats{
		CompanyID:    companyID,
		Since:        since,
		ByOperation:  map[models.Operation]int{},
		ByEntityType: map[models.EntityType]int{},
	}
	for _, r := range m.records {
		if r.CompanyID != companyID || r.CreatedAt.Before(since) {
			continue
		}
		stats.TotalRecords++
		stats.ByOperation[r.Operation]++
		stats.ByEntityType[r.EntityType]++
	}
	return stats, nil
}

func (m *memLedger) all() []*models.AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.AuditRecord(nil), m.records...)
}

// memSessions is an in-memory SessionDirectory.
type memSessions struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	logouts  []string
}

func newMemSessions(list ...*models.Session) *memSessions {
	m := &memSessions{sessions: map[string]*models.Session{}}
	for _, s := range list {
		m.sessions[s.SessionToken] = s
	}
	return m
}

func (m *memSessions) Get(_ context.Context, token string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *memSessions) GetByID(_ context.Context, id int64) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.ID == id {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memSessions) Terminate(_ context.Context, token string, _ int64, method string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	if !ok || !s.IsActive {
		return nil, repositories.ErrSessionNotFound
	}
	now := time.Now()
	s.IsActive = false
	s.LogoutAt = &now
	m.logouts = append(m.logouts, method)
	cp := *s
	return &cp, nil
}

func (m *memSessions) ListActive(_ context.Context, userID, companyID int64) ([]*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Session, 0)
	for _, s := range m.sessions {
		if s.UserID == userID && s.CompanyID == companyID && s.IsActive {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memSessions) History(_ context.Context, userID, companyID int64, limit, offset int) ([]*models.Session, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Session, 0)
	for _, s := range m.sessions {
		if s.UserID == userID && s.CompanyID == companyID {
			out = append(out, s)
		}
	}
	return out, len(out), nil
}

// chanShipper records shipped entries.
type chanShipper struct {
	entries chan *LogEntry
	err     error
}

func (c *chanShipper) Ship(_ context.Context, e *LogEntry) error {
	c.entries <- e
	return c.err
}

func (c *chanShipper) Close() error { return nil }

var errStoreDown = errors.New("connection refused")
