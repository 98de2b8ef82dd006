package audit

import "github.com/crm-ledger/audit-ledger/internal/db/models"

// DefaultHighSecurityEntities are the entity types whose history is admin-only
// unless configured otherwise.
func DefaultHighSecurityEntities() []models.EntityType {
	return []models.EntityType{models.EntityUser, models.EntityCompany, models.EntitySystem, models.EntitySecurity}
}

// Policy decides record sensitivity and which entity types are admin-only.
// A Policy is immutable after construction and safe for concurrent use.
type Policy struct {
	highSecurity map[models.EntityType]struct{}
}

// NewPolicy builds a Policy from the high-security entity set. An empty set
// falls back to DefaultHighSecurityEntities.
func NewPolicy(highSecurity []models.EntityType) *Policy {
	if len(highSecurity) == 0 {
		highSecurity = DefaultHighSecurityEntities()
	}
	set := make(map[models.EntityType]struct{}, len(highSecurity))
	for _, t := range highSecurity {
		set[t] = struct{}{}
	}
	return &Policy{highSecurity: set}
}

// IsHighSecurity reports whether the whole history of t is restricted to administrators.
func (p *Policy) IsHighSecurity(t models.EntityType) bool {
	_, ok := p.highSecurity[t]
	return ok
}

// IsSensitive derives a record's sensitivity from its entity type and operation.
// Authentication events are always sensitive.
func (p *Policy) IsSensitive(t models.EntityType, op models.Operation) bool {
	switch op {
	case models.OpLogin, models.OpLogout, models.OpFailedLogin:
		return true
	}
	return p.IsHighSecurity(t)
}
