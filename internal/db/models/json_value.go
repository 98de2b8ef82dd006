package models

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONValue is the serialized form of a ledger old/new value.
//
// Values are encoded once on write by EncodeValue into canonical JSON: object
// keys sorted, no insignificant whitespace, number literals preserved. The
// bytes are stored verbatim in a TEXT column, so what is read back is exactly
// what was hashed. A nil JSONValue means the value is absent and maps to SQL NULL.
type JSONValue []byte

// EncodeValue converts v into its canonical JSONValue. A nil v yields a nil JSONValue.
func EncodeValue(v interface{}) (JSONValue, error) {
	if v == nil {
		return nil, nil
	}
	if jv, ok := v.(JSONValue); ok {
		return jv.canonical()
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	return JSONValue(raw).canonical()
}

// canonical re-encodes j so that semantically equal inputs produce identical bytes.
func (j JSONValue) canonical() (JSONValue, error) {
	if j == nil {
		return nil, nil
	}
	decoded, err := decodeJSON(j)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(decoded)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	return JSONValue(out), nil
}

// Decode returns the value as generic Go data. Numbers decode as json.Number.
func (j JSONValue) Decode() (interface{}, error) {
	if j == nil {
		return nil, nil
	}
	return decodeJSON(j)
}

// IsNull reports whether the value is absent.
func (j JSONValue) IsNull() bool {
	return j == nil
}

// String returns the encoded JSON text.
func (j JSONValue) String() string {
	return string(j)
}

// Value implements driver.Valuer.
func (j JSONValue) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return string(j), nil
}

// Scan implements sql.Scanner.
func (j *JSONValue) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append(JSONValue(nil), v...)
	case string:
		*j = JSONValue(v)
	default:
		return fmt.Errorf("unsupported value type %T", src)
	}
	return nil
}

// MarshalJSON embeds the stored JSON directly.
func (j JSONValue) MarshalJSON() ([]byte, error) {
	if j == nil {
		return []byte("null"), nil
	}
	return []byte(j), nil
}

// UnmarshalJSON canonicalizes incoming JSON. A literal null becomes absent.
func (j *JSONValue) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*j = nil
		return nil
	}
	c, err := JSONValue(data).canonical()
	if err != nil {
		return err
	}
	*j = c
	return nil
}

func decodeJSON(data []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out interface{}
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode value: %w", err)
	}
	return out, nil
}
