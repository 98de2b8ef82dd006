package audit

import (
	"strings"
	"testing"
	"time"

	"github.com/crm-ledger/audit-ledger/internal/db/models"
)

func hashedRecord(t *testing.T) *models.AuditRecord {
	t.Helper()
	id := int64(42)
	field := "name"
	rec := &models.AuditRecord{
		EntityType:  models.EntityContact,
		EntityID:    &id,
		Operation:   models.OpUpdate,
		ActorUserID: 7,
		CompanyID:   1,
		FieldName:   &field,
		OldValue:    models.JSONValue(`"A"`),
		NewValue:    models.JSONValue(`"B"`),
		CreatedAt:   time.Date(2026, 3, 14, 15, 9, 26, 535897000, time.UTC),
	}
	h, err := ComputeHash(rec)
	if err != nil {
		t.Fatalf("ComputeHash: %v", err)
	}
	rec.RecordHash = h
	return rec
}

func TestComputeHash_Deterministic(t *testing.T) {
	a := hashedRecord(t)
	b := hashedRecord(t)
	if a.RecordHash != b.RecordHash {
		t.Fatalf("hashes differ for identical records: %s vs %s", a.RecordHash, b.RecordHash)
	}
	if len(a.RecordHash) != 64 || strings.ToLower(a.RecordHash) != a.RecordHash {
		t.Errorf("hash %q is not lowercase hex sha256", a.RecordHash)
	}
}

func TestComputeHash_RequiresTimestamp(t *testing.T) {
	if _, err := ComputeHash(&models.AuditRecord{EntityType: models.EntityLead, Operation: models.OpCreate}); err == nil {
		t.Error("expected error for zero CreatedAt")
	}
}

func TestComputeHash_IgnoresUnhashedFields(t *testing.T) {
	rec := hashedRecord(t)
	ip := "192.0.2.1"
	rec.IPAddress = &ip
	rec.Metadata = models.Metadata{"endpoint": "/api/contacts/42"}
	rec.CompanyID = 99
	rec.IsSensitive = true
	if !VerifyHash(rec) {
		t.Error("fields outside the hash payload must not affect verification")
	}
}

func TestVerifyHash_TimezoneIndependent(t *testing.T) {
	rec := hashedRecord(t)
	// A database driver may return the stored instant in a different location.
	rec.CreatedAt = rec.CreatedAt.In(time.FixedZone("CET", 3600))
	if !VerifyHash(rec) {
		t.Error("VerifyHash() = false for the same instant in another zone")
	}
}

func TestVerifyHash_DetectsTampering(t *testing.T) {
	otherID := int64(43)
	otherField := "phone"

	tests := []struct {
		name   string
		tamper func(r *models.AuditRecord)
	}{
		{"entity type", func(r *models.AuditRecord) { r.EntityType = models.EntityLead }},
		{"entity id", func(r *models.AuditRecord) { r.EntityID = &otherID }},
		{"entity id removed", func(r *models.AuditRecord) { r.EntityID = nil }},
		{"operation", func(r *models.AuditRecord) { r.Operation = models.OpDelete }},
		{"field name", func(r *models.AuditRecord) { r.FieldName = &otherField }},
		{"old value", func(r *models.AuditRecord) { r.OldValue = models.JSONValue(`"Z"`) }},
		{"new value", func(r *models.AuditRecord) { r.NewValue = models.JSONValue(`"Z"`) }},
		{"new value cleared", func(r *models.AuditRecord) { r.NewValue = nil }},
		{"actor", func(r *models.AuditRecord) { r.ActorUserID = 8 }},
		{"created at", func(r *models.AuditRecord) { r.CreatedAt = r.CreatedAt.Add(time.Microsecond) }},
		{"hash", func(r *models.AuditRecord) { r.RecordHash = strings.Repeat("0", 64) }},
		{"truncated hash", func(r *models.AuditRecord) { r.RecordHash = r.RecordHash[:10] }},
		{"malformed value", func(r *models.AuditRecord) { r.OldValue = models.JSONValue(`{"broken"`) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := hashedRecord(t)
			tt.tamper(rec)
			if VerifyHash(rec) {
				t.Error("VerifyHash() = true after tampering")
			}
		})
	}
}

func TestVerifyHash_Nil(t *testing.T) {
	if VerifyHash(nil) {
		t.Error("VerifyHash(nil) = true")
	}
}
