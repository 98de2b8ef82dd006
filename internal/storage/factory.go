// factory.go implements the archive backend registry and factory, mapping backend type
// strings (local, s3, azure, gcs) to constructor functions and dispatching NewStorage calls.
package storage

import (
	"fmt"
	"sync"

	"github.com/crm-ledger/audit-ledger/internal/config"
)

// FactoryFunc creates an archive backend from configuration
type FactoryFunc func(*config.Config) (Storage, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]FactoryFunc)
)

// Register registers an archive backend factory
func Register(name string, factory FactoryFunc) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = factory
}

// NewStorage creates the archive backend selected by audit.archive.backend
func NewStorage(cfg *config.Config) (Storage, error) {
	factoriesMu.RLock()
	factory, ok := factories[cfg.Audit.Archive.Backend]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported archive backend: %s (must be 'local', 'azure', 's3', or 'gcs')", cfg.Audit.Archive.Backend)
	}

	return factory(cfg)
}
