package audit

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/crm-ledger/audit-ledger/internal/db/models"
)

// hashPayload is the canonical subset of a record covered by its hash.
// Field order is part of the format; do not reorder.
type hashPayload struct {
	EntityType  models.EntityType `json:"entityType"`
	EntityID    *int64            `json:"entityId"`
	Operation   models.Operation  `json:"operation"`
	FieldName   *string           `json:"fieldName"`
	OldValue    json.RawMessage   `json:"oldValue"`
	NewValue    json.RawMessage   `json:"newValue"`
	ActorUserID int64             `json:"actorUserId"`
	Timestamp   string            `json:"timestamp"`
}

// ComputeHash returns the hex SHA-256 of the record's canonical hash payload.
// The timestamp is the record's CreatedAt, so verification against the stored
// row reproduces the digest computed at write time.
func ComputeHash(r *models.AuditRecord) (string, error) {
	if r.CreatedAt.IsZero() {
		return "", errors.New("record has no creation time")
	}

	payload := hashPayload{
		EntityType:  r.EntityType,
		EntityID:    r.EntityID,
		Operation:   r.Operation,
		FieldName:   r.FieldName,
		OldValue:    json.RawMessage(r.OldValue),
		NewValue:    json.RawMessage(r.NewValue),
		ActorUserID: r.ActorUserID,
		Timestamp:   r.CreatedAt.UTC().Format(time.RFC3339Nano),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode hash payload: %w", err)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyHash reports whether the record's stored hash matches a recomputation.
// Any failure to recompute counts as a mismatch.
func VerifyHash(r *models.AuditRecord) bool {
	if r == nil || len(r.RecordHash) != sha256.Size*2 {
		return false
	}
	want, err := ComputeHash(r)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(r.RecordHash)) == 1
}
