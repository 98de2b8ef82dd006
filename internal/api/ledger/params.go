package ledger

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/crm-ledger/audit-ledger/internal/audit"
	"github.com/crm-ledger/audit-ledger/internal/db/models"
	"github.com/crm-ledger/audit-ledger/internal/db/repositories"
)

// pathID parses a positive integer path parameter.
func pathID(c *gin.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return id, nil
}

// pagination reads limit and offset from the query string. Missing values
// fall through to the service defaults.
func pagination(c *gin.Context) (audit.Pagination, error) {
	var pg audit.Pagination
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return pg, fmt.Errorf("invalid limit")
		}
		pg.Limit = n
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return pg, fmt.Errorf("invalid offset")
		}
		pg.Offset = n
	}
	return pg, nil
}

// FilterParams is the query or body form of a ledger filter.
type FilterParams struct {
	EntityType  string `form:"entity_type" json:"entity_type"`
	EntityID    string `form:"entity_id" json:"entity_id"`
	ActorUserID string `form:"actor_user_id" json:"actor_user_id"`
	Operation   string `form:"operation" json:"operation"`
	FieldName   string `form:"field_name" json:"field_name"`
	SessionID   string `form:"session_id" json:"session_id"`
	Sensitive   string `form:"sensitive" json:"sensitive"`
	From        string `form:"from" json:"from"`
	To          string `form:"to" json:"to"`
}

// Filter validates the parameters and converts them to a LedgerFilter.
func (f FilterParams) Filter() (repositories.LedgerFilter, error) {
	var out repositories.LedgerFilter

	if f.EntityType != "" {
		et := models.EntityType(strings.ToLower(f.EntityType))
		if !et.Valid() {
			return out, fmt.Errorf("invalid entity_type %q", f.EntityType)
		}
		out.EntityType = &et
	}
	if f.EntityID != "" {
		id, err := strconv.ParseInt(f.EntityID, 10, 64)
		if err != nil {
			return out, fmt.Errorf("invalid entity_id")
		}
		out.EntityID = &id
	}
	if f.ActorUserID != "" {
		id, err := strconv.ParseInt(f.ActorUserID, 10, 64)
		if err != nil {
			return out, fmt.Errorf("invalid actor_user_id")
		}
		out.ActorUserID = &id
	}
	if f.Operation != "" {
		op := models.Operation(strings.ToUpper(f.Operation))
		if !op.Valid() {
			return out, fmt.Errorf("invalid operation %q", f.Operation)
		}
		out.Operation = &op
	}
	if f.FieldName != "" {
		name := f.FieldName
		out.FieldName = &name
	}
	if f.SessionID != "" {
		sid := f.SessionID
		out.SessionID = &sid
	}
	if f.Sensitive != "" {
		b, err := strconv.ParseBool(f.Sensitive)
		if err != nil {
			return out, fmt.Errorf("invalid sensitive")
		}
		out.IsSensitive = &b
	}
	var err error
	if out.From, err = parseTime("from", f.From); err != nil {
		return out, err
	}
	if out.To, err = parseTime("to", f.To); err != nil {
		return out, err
	}
	if out.From != nil && out.To != nil && out.To.Before(*out.From) {
		return out, fmt.Errorf("to must not be before from")
	}
	return out, nil
}

func parseTime(name, v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: must be RFC3339", name)
	}
	return &t, nil
}

func parsePositive(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("must be a positive integer")
	}
	return n, nil
}
