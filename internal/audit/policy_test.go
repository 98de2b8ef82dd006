package audit

import (
	"testing"

	"github.com/crm-ledger/audit-ledger/internal/db/models"
)

func TestPolicy_IsSensitive(t *testing.T) {
	p := NewPolicy(nil)

	tests := []struct {
		entity models.EntityType
		op     models.Operation
		want   bool
	}{
		{models.EntityUser, models.OpUpdate, true},
		{models.EntityContact, models.OpUpdate, false},
		{models.EntityContact, models.OpLogin, true},
		{models.EntitySession, models.OpLogout, true},
		{models.EntityAuth, models.OpFailedLogin, true},
		{models.EntitySession, models.OpAccess, false},
		{models.EntityCompany, models.OpCreate, true},
		{models.EntitySystem, models.OpAccess, true},
		{models.EntitySecurity, models.OpDelete, true},
		{models.EntityOpportunity, models.OpDelete, false},
	}
	for _, tt := range tests {
		if got := p.IsSensitive(tt.entity, tt.op); got != tt.want {
			t.Errorf("IsSensitive(%s, %s) = %v, want %v", tt.entity, tt.op, got, tt.want)
		}
	}
}

func TestPolicy_CustomSet(t *testing.T) {
	p := NewPolicy([]models.EntityType{models.EntityTicket})
	if !p.IsHighSecurity(models.EntityTicket) {
		t.Error("ticket should be high-security")
	}
	if p.IsHighSecurity(models.EntityUser) {
		t.Error("user should not be high-security with a custom set")
	}
	if !p.IsSensitive(models.EntityContact, models.OpLogin) {
		t.Error("LOGIN must stay sensitive regardless of the set")
	}
}
