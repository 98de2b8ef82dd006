package audit

import (
	"context"
	"errors"
	"sync"

	"github.com/crm-ledger/audit-ledger/internal/db/models"
)

// ErrSnapshotNotFound is returned by a provider when the entity does not exist.
var ErrSnapshotNotFound = errors.New("entity snapshot not found")

// EntitySnapshotProvider loads the current state of one entity for pre-change
// diffing. The result must be JSON-representable as an object.
type EntitySnapshotProvider interface {
	Snapshot(ctx context.Context, companyID, entityID int64) (interface{}, error)
}

// SnapshotFunc adapts a function to EntitySnapshotProvider.
type SnapshotFunc func(ctx context.Context, companyID, entityID int64) (interface{}, error)

// Snapshot calls f.
func (f SnapshotFunc) Snapshot(ctx context.Context, companyID, entityID int64) (interface{}, error) {
	return f(ctx, companyID, entityID)
}

// Registry maps entity types to their snapshot providers. Entity layers
// register once at startup; an entity type without a provider is audited in
// degraded mode.
type Registry struct {
	mu        sync.RWMutex
	providers map[models.EntityType]EntitySnapshotProvider
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[models.EntityType]EntitySnapshotProvider)}
}

// Register sets the provider for t, replacing any previous one.
func (r *Registry) Register(t models.EntityType, p EntitySnapshotProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[t] = p
}

// Provider returns the provider registered for t.
func (r *Registry) Provider(t models.EntityType) (EntitySnapshotProvider, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[t]
	return p, ok
}
