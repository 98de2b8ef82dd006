package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/crm-ledger/audit-ledger/internal/db/models"
	"github.com/crm-ledger/audit-ledger/internal/db/repositories"
)

// memStore is an in-memory Store with the same conditional semantics as the SQL.
type memStore struct {
	mu       sync.Mutex
	nextID   int64
	sessions map[string]*models.Session
	touches  int
	failWith error
}

func newMemStore() *memStore {
	return &memStore{sessions: map[string]*models.Session{}}
}

func (s *memStore) Create(_ context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.nextID++
	sess.ID = s.nextID
	sess.LastActivity = sess.LoginAt
	sess.IsActive = true
	cp := *sess
	s.sessions[sess.SessionToken] = &cp
	return nil
}

func (s *memStore) GetByToken(_ context.Context, token string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

func (s *memStore) GetByID(_ context.Context, id int64) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.ID == id {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) Touch(_ context.Context, token string, at, notAfter time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return false, s.failWith
	}
	sess, ok := s.sessions[token]
	if !ok || !sess.IsActive || !sess.LastActivity.Before(notAfter) {
		return false, nil
	}
	sess.LastActivity = at
	s.touches++
	return true, nil
}

func (s *memStore) Terminate(_ context.Context, token string, at time.Time) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok || !sess.IsActive {
		return nil, repositories.ErrSessionNotFound
	}
	sess.IsActive = false
	sess.LogoutAt = &at
	cp := *sess
	return &cp, nil
}

func (s *memStore) ListActive(_ context.Context, userID, companyID int64) ([]*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Session, 0)
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.CompanyID == companyID && sess.IsActive {
			cp := *sess
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) ListByUser(_ context.Context, userID, companyID int64, limit, offset int) ([]*models.Session, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Session, 0)
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.CompanyID == companyID {
			cp := *sess
			out = append(out, &cp)
		}
	}
	return out, len(out), nil
}

func (s *memStore) SweepExpired(_ context.Context, cutoff, at time.Time) ([]*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	swept := make([]*models.Session, 0)
	for _, sess := range s.sessions {
		if sess.IsActive && sess.LastActivity.Before(cutoff) {
			sess.IsActive = false
			logout := at
			sess.LogoutAt = &logout
			cp := *sess
			swept = append(swept, &cp)
		}
	}
	return swept, nil
}

// ledger collects records written by the recorder.
type ledger struct {
	mu      sync.Mutex
	records []*models.AuditRecord
	err     error
}

func (l *ledger) Insert(ctx context.Context, rec *models.AuditRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	rec.ID = int64(len(l.records) + 1)
	l.records = append(l.records, rec)
	return nil
}

func (l *ledger) byOperation(op models.Operation) []*models.AuditRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*models.AuditRecord
	for _, r := range l.records {
		if r.Operation == op {
			out = append(out, r)
		}
	}
	return out
}

// failingGate always errors.
type failingGate struct{}

func (failingGate) Acquire(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("redis: connection refused")
}

// clock is a settable test clock.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
