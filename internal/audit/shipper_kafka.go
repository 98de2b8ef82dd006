package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/IBM/sarama"

	"github.com/crm-ledger/audit-ledger/internal/config"
	"github.com/crm-ledger/audit-ledger/internal/telemetry"
)

var errKafkaShipperClosed = errors.New("kafka shipper is closed")

// saramaProducer abstracts the sarama.AsyncProducer for testing.
type saramaProducer interface {
	Input() chan<- *sarama.ProducerMessage
	Errors() <-chan *sarama.ProducerError
	AsyncClose()
	Close() error
}

// KafkaShipper publishes log entries to a Kafka topic. Messages are keyed by
// company so one tenant's trail stays ordered within a partition.
type KafkaShipper struct {
	producer saramaProducer
	topic    string

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewKafkaShipper creates a KafkaShipper backed by an async producer.
func NewKafkaShipper(cfg *config.AuditKafkaConfig) (*KafkaShipper, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one kafka broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}

	saramaCfg, err := buildSaramaConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid kafka config: %w", err)
	}

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	return newKafkaShipperWithProducer(producer, cfg.Topic), nil
}

func newKafkaShipperWithProducer(producer saramaProducer, topic string) *KafkaShipper {
	ks := &KafkaShipper{
		producer: producer,
		topic:    topic,
	}

	ks.wg.Add(1)
	go ks.drainErrors()

	return ks
}

// Ship enqueues entry on the producer. It does not wait for the broker.
func (ks *KafkaShipper) Ship(ctx context.Context, entry *LogEntry) error {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if ks.closed {
		return errKafkaShipperClosed
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: ks.topic,
		Key:   sarama.StringEncoder(strconv.FormatInt(entry.CompanyID, 10)),
		Value: sarama.ByteEncoder(data),
	}

	select {
	case ks.producer.Input() <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts down the producer and waits for the error drain goroutine.
func (ks *KafkaShipper) Close() error {
	ks.mu.Lock()
	if ks.closed {
		ks.mu.Unlock()
		return nil
	}
	ks.closed = true
	ks.mu.Unlock()

	ks.producer.AsyncClose()
	ks.wg.Wait()
	return nil
}

func (ks *KafkaShipper) drainErrors() {
	defer ks.wg.Done()

	for prodErr := range ks.producer.Errors() {
		telemetry.AuditShipperErrorsTotal.WithLabelValues("kafka").Inc()
		slog.Error("kafka audit publish failed", "topic", prodErr.Msg.Topic, "error", prodErr.Err)
	}
}

func buildSaramaConfig(cfg *config.AuditKafkaConfig) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	sc.Producer.Return.Errors = true
	sc.Producer.Partitioner = sarama.NewHashPartitioner

	switch cfg.Acks {
	case "0":
		sc.Producer.RequiredAcks = sarama.NoResponse
	case "1":
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	case "all", "":
		sc.Producer.RequiredAcks = sarama.WaitForAll
	default:
		return nil, fmt.Errorf("unsupported acks value: %s", cfg.Acks)
	}

	switch cfg.Compression {
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "none", "":
		sc.Producer.Compression = sarama.CompressionNone
	default:
		return nil, fmt.Errorf("unsupported compression: %s", cfg.Compression)
	}

	return sc, nil
}
