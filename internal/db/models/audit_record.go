package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// EntityType is the closed set of entity categories the ledger records.
type EntityType string

const (
	EntityContact     EntityType = "contact"
	EntityLead        EntityType = "lead"
	EntityOpportunity EntityType = "opportunity"
	EntityCompany     EntityType = "company"
	EntityUser        EntityType = "user"
	EntityTask        EntityType = "task"
	EntityTicket      EntityType = "ticket"
	EntitySale        EntityType = "sale"
	EntitySession     EntityType = "session"
	EntityAuth        EntityType = "auth"
	EntitySystem      EntityType = "system"
	EntitySecurity    EntityType = "security"
)

// EntityTypes lists every valid EntityType in declaration order.
var EntityTypes = []EntityType{
	EntityContact, EntityLead, EntityOpportunity, EntityCompany, EntityUser, EntityTask,
	EntityTicket, EntitySale, EntitySession, EntityAuth, EntitySystem, EntitySecurity,
}

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	for _, et := range EntityTypes {
		if et == t {
			return true
		}
	}
	return false
}

// Operation is the kind of event an AuditRecord captures.
type Operation string

const (
	OpCreate      Operation = "CREATE"
	OpUpdate      Operation = "UPDATE"
	OpDelete      Operation = "DELETE"
	OpLogin       Operation = "LOGIN"
	OpLogout      Operation = "LOGOUT"
	OpAccess      Operation = "ACCESS"
	OpFailedLogin Operation = "FAILED_LOGIN"
)

// Operations lists every valid Operation.
var Operations = []Operation{OpCreate, OpUpdate, OpDelete, OpLogin, OpLogout, OpAccess, OpFailedLogin}

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	for _, o := range Operations {
		if o == op {
			return true
		}
	}
	return false
}

// UnknownActorID is recorded as the actor of a FAILED_LOGIN whose user could not be resolved.
const UnknownActorID int64 = 0

// AuditRecord is one immutable ledger entry.
type AuditRecord struct {
	ID                     int64      `json:"id"`
	EntityType             EntityType `json:"entity_type"`
	EntityID               *int64     `json:"entity_id"`
	Operation              Operation  `json:"operation"`
	ActorUserID            int64      `json:"actor_user_id"`
	CompanyID              int64      `json:"company_id"`
	FieldName              *string    `json:"field_name,omitempty"`
	OldValue               JSONValue  `json:"old_value,omitempty"`
	NewValue               JSONValue  `json:"new_value,omitempty"`
	IPAddress              *string    `json:"ip_address,omitempty"`
	UserAgent              *string    `json:"user_agent,omitempty"`
	SessionID              *string    `json:"session_id,omitempty"`
	SessionDurationSeconds *int64     `json:"session_duration_seconds,omitempty"`
	AccessMethod           *string    `json:"access_method,omitempty"`
	Metadata               Metadata   `json:"metadata,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
	IsSensitive            bool       `json:"is_sensitive"`
	RecordHash             string     `json:"record_hash"`
	IsDeleted              bool       `json:"-"`
}

// AuditStats summarises a company's ledger.
type AuditStats struct {
	CompanyID      int64              `json:"company_id"`
	Since          time.Time          `json:"since"`
	TotalRecords   int                `json:"total_records"`
	SensitiveCount int                `json:"sensitive_count"`
	FailedLogins   int                `json:"failed_logins"`
	DistinctActors int                `json:"distinct_actors"`
	ByOperation    map[Operation]int  `json:"by_operation"`
	ByEntityType   map[EntityType]int `json:"by_entity_type"`
}

// Metadata is the open key/value bag stored as JSONB alongside a record.
type Metadata map[string]interface{}

// Value implements driver.Valuer. A nil map is stored as an empty object.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(map[string]interface{}(m))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return data, nil
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported metadata type %T", src)
	}
	out := make(map[string]interface{})
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	*m = out
	return nil
}
