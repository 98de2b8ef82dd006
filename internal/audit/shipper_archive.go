package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crm-ledger/audit-ledger/internal/config"
	"github.com/crm-ledger/audit-ledger/internal/safego"
	"github.com/crm-ledger/audit-ledger/internal/storage"
	"github.com/crm-ledger/audit-ledger/internal/telemetry"
)

const (
	defaultArchivePrefix        = "ledger"
	defaultArchiveBatchSize     = 500
	defaultArchiveFlushInterval = time.Minute
)

// ArchiveShipper buffers log entries and writes them as NDJSON objects to
// write-once archive storage. Each flush creates a new object; nothing is
// ever appended to or replaced.
type ArchiveShipper struct {
	store         storage.Storage
	prefix        string
	batchSize     int
	flushInterval time.Duration
	now           func() time.Time

	mu      sync.Mutex
	batch   []*LogEntry
	closeCh chan struct{}
	doneCh  chan struct{}
	once    sync.Once
}

// NewArchiveShipper creates an archive shipper writing to store. cfg may be nil.
func NewArchiveShipper(store storage.Storage, cfg *config.AuditArchiveShipperConfig) *ArchiveShipper {
	as := &ArchiveShipper{
		store:         store,
		prefix:        defaultArchivePrefix,
		batchSize:     defaultArchiveBatchSize,
		flushInterval: defaultArchiveFlushInterval,
		now:           time.Now,
		closeCh:       make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	if cfg != nil {
		if cfg.Prefix != "" {
			as.prefix = cfg.Prefix
		}
		if cfg.BatchSize > 0 {
			as.batchSize = cfg.BatchSize
		}
		if cfg.FlushInterval > 0 {
			as.flushInterval = cfg.FlushInterval
		}
	}

	safego.Go(as.run)
	return as
}

func (as *ArchiveShipper) run() {
	defer close(as.doneCh)

	ticker := time.NewTicker(as.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			as.flush()
		case <-as.closeCh:
			as.flush()
			return
		}
	}
}

// Ship buffers entry and flushes once the batch is full.
func (as *ArchiveShipper) Ship(ctx context.Context, entry *LogEntry) error {
	as.mu.Lock()
	as.batch = append(as.batch, entry)
	full := len(as.batch) >= as.batchSize
	as.mu.Unlock()

	if full {
		return as.flushCtx(ctx)
	}
	return nil
}

func (as *ArchiveShipper) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := as.flushCtx(ctx); err != nil {
		telemetry.AuditShipperErrorsTotal.WithLabelValues("archive").Inc()
		slog.Error("failed to archive audit batch", "error", err)
	}
}

// flushCtx uploads the current batch as one object. On failure the entries
// are put back so the next flush retries them.
func (as *ArchiveShipper) flushCtx(ctx context.Context) error {
	as.mu.Lock()
	if len(as.batch) == 0 {
		as.mu.Unlock()
		return nil
	}
	batch := as.batch
	as.batch = nil
	as.mu.Unlock()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range batch {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("failed to encode audit entry %d: %w", e.ID, err)
		}
	}

	key := as.objectKey()
	if _, err := as.store.Upload(ctx, key, bytes.NewReader(buf.Bytes()), int64(buf.Len())); err != nil {
		as.mu.Lock()
		as.batch = append(batch, as.batch...)
		as.mu.Unlock()
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}

	slog.Debug("archived audit batch", "object", key, "entries", len(batch))
	return nil
}

// objectKey returns prefix/YYYY/MM/DD/<unix-nanos>-<uuid>.ndjson
func (as *ArchiveShipper) objectKey() string {
	now := as.now().UTC()
	name := fmt.Sprintf("%d-%s.ndjson", now.UnixNano(), uuid.NewString())
	return path.Join(as.prefix, now.Format("2006/01/02"), name)
}

// Close flushes remaining entries and stops the background flusher.
func (as *ArchiveShipper) Close() error {
	as.once.Do(func() {
		close(as.closeCh)
	})
	<-as.doneCh
	return nil
}
