package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"
	"sort"
)

// bookkeepingFields are never diffed: identity, tenancy and timestamps.
var bookkeepingFields = map[string]struct{}{
	"id":         {},
	"company_id": {},
	"companyId":  {},
	"created_at": {},
	"createdAt":  {},
	"updated_at": {},
	"updatedAt":  {},
	"created_by": {},
	"updated_by": {},
}

// FieldChange is one changed field between a snapshot and a submitted body.
type FieldChange struct {
	Field string
	Old   interface{}
	New   interface{}
}

// DiffFields compares the pre-change snapshot with the submitted body. Only
// fields present in both are tracked, minus bookkeeping fields. Scalars of
// different JSON types always differ; numbers compare by value. Objects and
// arrays compare by canonical JSON. The result is sorted by field name.
func DiffFields(before, submitted interface{}) ([]FieldChange, error) {
	old, err := toFieldMap(before)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	next, err := toFieldMap(submitted)
	if err != nil {
		return nil, fmt.Errorf("body: %w", err)
	}

	changes := make([]FieldChange, 0)
	for field, newVal := range next {
		if _, skip := bookkeepingFields[field]; skip {
			continue
		}
		oldVal, tracked := old[field]
		if !tracked {
			continue
		}
		equal, err := valuesEqual(oldVal, newVal)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", field, err)
		}
		if !equal {
			changes = append(changes, FieldChange{Field: field, Old: oldVal, New: newVal})
		}
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].Field < changes[j].Field })
	return changes, nil
}

// toFieldMap normalizes v into a generic JSON object with json.Number numbers.
func toFieldMap(v interface{}) (map[string]interface{}, error) {
	var raw []byte
	switch t := v.(type) {
	case nil:
		return nil, fmt.Errorf("value is null")
	case []byte:
		raw = t
	case json.RawMessage:
		raw = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = b
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]interface{}
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("not a JSON object: %w", err)
	}
	if out == nil {
		return nil, fmt.Errorf("value is null")
	}
	return out, nil
}

func valuesEqual(a, b interface{}) (bool, error) {
	if isComposite(a) || isComposite(b) {
		ca, err := json.Marshal(a)
		if err != nil {
			return false, err
		}
		cb, err := json.Marshal(b)
		if err != nil {
			return false, err
		}
		return bytes.Equal(ca, cb), nil
	}
	return scalarsEqual(a, b), nil
}

func isComposite(v interface{}) bool {
	switch v.(type) {
	case map[string]interface{}, []interface{}:
		return true
	}
	return false
}

// scalarsEqual compares decoded JSON scalars: null, bool, string and json.Number.
func scalarsEqual(a, b interface{}) bool {
	switch x := a.(type) {
	case nil:
		return b == nil
	case json.Number:
		y, ok := b.(json.Number)
		if !ok {
			return false
		}
		return numbersEqual(x, y)
	case string:
		y, ok := b.(string)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	}
	return reflect.DeepEqual(a, b)
}

// numbersEqual compares exactly, so 1.5 equals 1.50 and large integers keep precision.
func numbersEqual(a, b json.Number) bool {
	if a == b {
		return true
	}
	ra, okA := new(big.Rat).SetString(string(a))
	rb, okB := new(big.Rat).SetString(string(b))
	if !okA || !okB {
		return false
	}
	return ra.Cmp(rb) == 0
}
