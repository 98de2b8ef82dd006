// Package audit is the ledger core: it builds, hashes and persists immutable
// audit records, derives their sensitivity, and serves role-filtered reads.
//
// Committed records can additionally be forwarded to external sinks (webhook,
// rotating file, Kafka, archive object storage) through the Shipper interface,
// so a SIEM or log aggregator receives the same trail the database holds.
// Shipping happens strictly after the durable insert and never affects it.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/crm-ledger/audit-ledger/internal/config"
	"github.com/crm-ledger/audit-ledger/internal/db/models"
	"github.com/crm-ledger/audit-ledger/internal/safego"
	"github.com/crm-ledger/audit-ledger/internal/storage"
	"github.com/crm-ledger/audit-ledger/internal/telemetry"
)

// LogEntry is the shipped form of a committed ledger record. Old and new
// values are deliberately left out; sinks receive the event, not the data.
type LogEntry struct {
	ID           int64                  `json:"id"`
	Timestamp    time.Time              `json:"timestamp"`
	EntityType   string                 `json:"entity_type"`
	EntityID     *int64                 `json:"entity_id,omitempty"`
	Operation    string                 `json:"operation"`
	ActorUserID  int64                  `json:"actor_user_id"`
	CompanyID    int64                  `json:"company_id"`
	FieldName    string                 `json:"field_name,omitempty"`
	IPAddress    string                 `json:"ip_address,omitempty"`
	AccessMethod string                 `json:"access_method,omitempty"`
	IsSensitive  bool                   `json:"is_sensitive"`
	RecordHash   string                 `json:"record_hash"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// NewLogEntry converts a committed record into its shipped form.
func NewLogEntry(rec *models.AuditRecord) *LogEntry {
	entry := &LogEntry{
		ID:          rec.ID,
		Timestamp:   rec.CreatedAt,
		EntityType:  string(rec.EntityType),
		EntityID:    rec.EntityID,
		Operation:   string(rec.Operation),
		ActorUserID: rec.ActorUserID,
		CompanyID:   rec.CompanyID,
		IsSensitive: rec.IsSensitive,
		RecordHash:  rec.RecordHash,
	}
	if rec.FieldName != nil {
		entry.FieldName = *rec.FieldName
	}
	if rec.IPAddress != nil {
		entry.IPAddress = *rec.IPAddress
	}
	if rec.AccessMethod != nil {
		entry.AccessMethod = *rec.AccessMethod
	}
	if len(rec.Metadata) > 0 {
		entry.Metadata = make(map[string]interface{}, len(rec.Metadata))
		for k, v := range rec.Metadata {
			entry.Metadata[k] = v
		}
	}
	return entry
}

// Shipper defines the interface for audit log shipping
type Shipper interface {
	// Ship sends an audit log entry to the destination
	Ship(ctx context.Context, entry *LogEntry) error
	// Close flushes buffered entries and releases resources
	Close() error
}

type namedShipper struct {
	name string
	Shipper
}

// MultiShipper ships to multiple destinations
type MultiShipper struct {
	shippers []namedShipper
	mu       sync.RWMutex
}

// NewMultiShipper creates a multi-shipper from configs. archive is the object
// store used by "archive" shippers and may be nil when none is configured.
func NewMultiShipper(configs []config.AuditShipperConfig, archive storage.Storage) (*MultiShipper, error) {
	ms := &MultiShipper{
		shippers: make([]namedShipper, 0),
	}

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		var shipper Shipper
		var err error

		switch cfg.Type {
		case "webhook":
			if cfg.Webhook == nil {
				err = errors.New("webhook config is required for webhook shipper")
				break
			}
			shipper, err = NewWebhookShipper(cfg.Webhook)
		case "file":
			if cfg.File == nil {
				err = errors.New("file config is required for file shipper")
				break
			}
			shipper, err = NewFileShipper(cfg.File)
		case "kafka":
			if cfg.Kafka == nil {
				err = errors.New("kafka config is required for kafka shipper")
				break
			}
			shipper, err = NewKafkaShipper(cfg.Kafka)
		case "archive":
			if archive == nil {
				err = errors.New("archive storage is required for archive shipper")
				break
			}
			shipper = NewArchiveShipper(archive, cfg.Archive)
		default:
			err = fmt.Errorf("unknown shipper type: %s", cfg.Type)
		}

		if err != nil {
			_ = ms.Close()
			return nil, fmt.Errorf("failed to create %s shipper: %w", cfg.Type, err)
		}

		ms.shippers = append(ms.shippers, namedShipper{name: cfg.Type, Shipper: shipper})
	}

	return ms, nil
}

// Len returns the number of active shippers.
func (ms *MultiShipper) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.shippers)
}

// Ship sends an entry to all configured shippers. A failing shipper does not
// stop delivery to the others; all failures are joined into the result.
func (ms *MultiShipper) Ship(ctx context.Context, entry *LogEntry) error {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var errs []error
	for _, s := range ms.shippers {
		if err := s.Ship(ctx, entry); err != nil {
			telemetry.AuditShipperErrorsTotal.WithLabelValues(s.name).Inc()
			slog.Warn("audit shipper error", "shipper", s.name, "record_id", entry.ID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes all shippers
func (ms *MultiShipper) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var errs []error
	for _, s := range ms.shippers {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	ms.shippers = nil
	return errors.Join(errs...)
}

// WebhookShipper ships audit logs to a webhook. Deliveries go through a
// circuit breaker so a dead SIEM endpoint is not hammered on every record.
type WebhookShipper struct {
	cfg       *config.AuditWebhookConfig
	client    *http.Client
	timeout   time.Duration
	breaker   *gobreaker.CircuitBreaker[struct{}]
	batchCh   chan *LogEntry
	batch     []*LogEntry
	batchMu   sync.Mutex
	closeCh   chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// NewWebhookShipper creates a new webhook shipper
func NewWebhookShipper(cfg *config.AuditWebhookConfig) (*WebhookShipper, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook url is required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	openTimeout := cfg.OpenTimeout
	if openTimeout == 0 {
		openTimeout = 30 * time.Second
	}

	ws := &WebhookShipper{
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		breaker: gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:    "audit-webhook",
			Timeout: openTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("audit webhook circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
		batchCh: make(chan *LogEntry, 1000),
		batch:   make([]*LogEntry, 0),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	// Start batch processor if batching is enabled
	if cfg.BatchSize > 0 {
		safego.Go(ws.processBatches)
	} else {
		close(ws.doneCh)
	}

	return ws, nil
}

// processBatches handles batched sending
func (ws *WebhookShipper) processBatches() {
	defer close(ws.doneCh)

	flushInterval := ws.cfg.FlushInterval
	if flushInterval == 0 {
		flushInterval = 5 * time.Second
	}

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case entry := <-ws.batchCh:
			ws.batchMu.Lock()
			ws.batch = append(ws.batch, entry)
			if len(ws.batch) >= ws.cfg.BatchSize {
				ws.flushBatch()
			}
			ws.batchMu.Unlock()
		case <-ticker.C:
			ws.batchMu.Lock()
			ws.flushBatch()
			ws.batchMu.Unlock()
		case <-ws.closeCh:
			// Drain anything queued, then flush
			ws.batchMu.Lock()
		drain:
			for {
				select {
				case entry := <-ws.batchCh:
					ws.batch = append(ws.batch, entry)
				default:
					break drain
				}
			}
			ws.flushBatch()
			ws.batchMu.Unlock()
			return
		}
	}
}

// flushBatch sends the current batch. Caller holds batchMu.
func (ws *WebhookShipper) flushBatch() {
	if len(ws.batch) == 0 {
		return
	}

	data, err := json.Marshal(ws.batch)
	if err != nil {
		slog.Error("failed to marshal audit batch", "error", err)
		ws.batch = ws.batch[:0]
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ws.timeout)
	defer cancel()

	if err := ws.send(ctx, data); err != nil {
		telemetry.AuditShipperErrorsTotal.WithLabelValues("webhook").Inc()
		slog.Warn("failed to send audit batch", "entries", len(ws.batch), "error", err)
	}

	ws.batch = ws.batch[:0]
}

// Ship sends an entry to the webhook
func (ws *WebhookShipper) Ship(ctx context.Context, entry *LogEntry) error {
	// If batching is enabled, queue the entry
	if ws.cfg.BatchSize > 0 {
		select {
		case ws.batchCh <- entry:
			return nil
		default:
			// Channel full, send directly
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	return ws.send(ctx, data)
}

// send posts data through the circuit breaker
func (ws *WebhookShipper) send(ctx context.Context, data []byte) error {
	_, err := ws.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, ws.sendRequest(ctx, data)
	})
	return err
}

// sendRequest sends the HTTP request
func (ws *WebhookShipper) sendRequest(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ws.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range ws.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := ws.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// Close stops the batch processor after a final flush
func (ws *WebhookShipper) Close() error {
	ws.closeOnce.Do(func() {
		close(ws.closeCh)
	})
	<-ws.doneCh
	return nil
}

// FileShipper appends audit logs as JSON lines to a local file with size-based rotation
type FileShipper struct {
	cfg  *config.AuditFileConfig
	file *os.File
	mu   sync.Mutex
}

// NewFileShipper creates a new file shipper
func NewFileShipper(cfg *config.AuditFileConfig) (*FileShipper, error) {
	if cfg.Path == "" {
		return nil, errors.New("file path is required")
	}

	file, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	return &FileShipper{
		cfg:  cfg,
		file: file,
	}, nil
}

// Ship writes an entry to the file
func (fs *FileShipper) Ship(ctx context.Context, entry *LogEntry) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.cfg.MaxSizeMB > 0 {
		info, err := fs.file.Stat()
		if err == nil && info.Size() > int64(fs.cfg.MaxSizeMB)*1024*1024 {
			if err := fs.rotate(); err != nil {
				slog.Error("failed to rotate audit log", "path", fs.cfg.Path, "error", err)
			}
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	if _, err := fs.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}

	return nil
}

// rotate shifts path.N to path.N+1, moves the live file to path.1 and reopens it
func (fs *FileShipper) rotate() error {
	if err := fs.file.Close(); err != nil {
		return err
	}

	for i := fs.cfg.MaxBackups - 1; i >= 1; i-- {
		oldPath := fmt.Sprintf("%s.%d", fs.cfg.Path, i)
		newPath := fmt.Sprintf("%s.%d", fs.cfg.Path, i+1)
		_ = os.Rename(oldPath, newPath)
	}

	_ = os.Rename(fs.cfg.Path, fs.cfg.Path+".1")

	if fs.cfg.MaxBackups > 0 {
		_ = os.Remove(fmt.Sprintf("%s.%d", fs.cfg.Path, fs.cfg.MaxBackups+1))
	}

	file, err := os.OpenFile(fs.cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}

	fs.file = file
	return nil
}

// Close closes the file
func (fs *FileShipper) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.file.Close()
}
