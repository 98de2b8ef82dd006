package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"

	"github.com/crm-ledger/audit-ledger/internal/config"
)

type fakeProducer struct {
	input  chan *sarama.ProducerMessage
	errors chan *sarama.ProducerError
	closed bool
}

func newFakeProducer() *fakeProducer {
	return &fakeProducer{
		input:  make(chan *sarama.ProducerMessage, 10),
		errors: make(chan *sarama.ProducerError, 10),
	}
}

func (f *fakeProducer) Input() chan<- *sarama.ProducerMessage { return f.input }
func (f *fakeProducer) Errors() <-chan *sarama.ProducerError { return f.errors }
func (f *fakeProducer) AsyncClose() {
	f.closed = true
	close(f.errors)
}
func (f *fakeProducer) Close() error {
	f.AsyncClose()
	return nil
}

func TestKafkaShipper_ShipKeysByCompany(t *testing.T) {
	p := newFakeProducer()
	ks := newKafkaShipperWithProducer(p, "audit-events")

	if err := ks.Ship(context.Background(), &LogEntry{ID: 8, CompanyID: 42, Operation: "UPDATE"}); err != nil {
		t.Fatalf("Ship() error: %v", err)
	}

	msg := <-p.input
	if msg.Topic != "audit-events" {
		t.Errorf("topic = %q", msg.Topic)
	}
	key, _ := msg.Key.Encode()
	if string(key) != "42" {
		t.Errorf("key = %q, want company id", key)
	}
	value, _ := msg.Value.Encode()
	var decoded LogEntry
	if err := json.Unmarshal(value, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.ID != 8 {
		t.Errorf("decoded id = %d, want 8", decoded.ID)
	}

	if err := ks.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if !p.closed {
		t.Error("producer was not closed")
	}
}

func TestKafkaShipper_ShipAfterClose(t *testing.T) {
	ks := newKafkaShipperWithProducer(newFakeProducer(), "audit-events")
	ks.Close()
	if err := ks.Ship(context.Background(), &LogEntry{ID: 1}); !errors.Is(err, errKafkaShipperClosed) {
		t.Errorf("Ship() after close = %v, want errKafkaShipperClosed", err)
	}
	// Closing twice is a no-op
	if err := ks.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
}

func TestKafkaShipper_DrainsProducerErrors(t *testing.T) {
	p := newFakeProducer()
	ks := newKafkaShipperWithProducer(p, "audit-events")

	p.errors <- &sarama.ProducerError{Msg: &sarama.ProducerMessage{Topic: "audit-events"}, Err: errors.New("broker down")}
	// Close waits for the drain goroutine, so the error must have been consumed.
	ks.Close()
	if len(p.errors) != 0 {
		t.Error("producer errors were not drained")
	}
}

func TestBuildSaramaConfig(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.AuditKafkaConfig
		wantAcks  sarama.RequiredAcks
		wantCodec sarama.CompressionCodec
		wantErr   bool
	}{
		{name: "defaults", wantAcks: sarama.WaitForAll, wantCodec: sarama.CompressionNone},
		{name: "leader ack gzip", cfg: config.AuditKafkaConfig{Acks: "1", Compression: "gzip"}, wantAcks: sarama.WaitForLocal, wantCodec: sarama.CompressionGZIP},
		{name: "no ack snappy", cfg: config.AuditKafkaConfig{Acks: "0", Compression: "snappy"}, wantAcks: sarama.NoResponse, wantCodec: sarama.CompressionSnappy},
		{name: "bad acks", cfg: config.AuditKafkaConfig{Acks: "2"}, wantErr: true},
		{name: "bad compression", cfg: config.AuditKafkaConfig{Compression: "brotli"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc, err := buildSaramaConfig(&tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if sc.Producer.RequiredAcks != tt.wantAcks {
				t.Errorf("acks = %v, want %v", sc.Producer.RequiredAcks, tt.wantAcks)
			}
			if sc.Producer.Compression != tt.wantCodec {
				t.Errorf("compression = %v, want %v", sc.Producer.Compression, tt.wantCodec)
			}
			if !sc.Producer.Return.Errors {
				t.Error("producer errors must be returned")
			}
		})
	}
}

func TestNewKafkaShipper_Validation(t *testing.T) {
	if _, err := NewKafkaShipper(&config.AuditKafkaConfig{Topic: "t"}); err == nil {
		t.Error("expected error without brokers")
	}
	if _, err := NewKafkaShipper(&config.AuditKafkaConfig{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Error("expected error without topic")
	}
}
