package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// RequestID represents a JSON-RPC ID that can be a string, a number or null.
// The zero value is the null ID.
type RequestID struct {
	value any
}

// NewRequestID creates a RequestID from a string or integer. Any other value
// yields the null ID.
func NewRequestID(value any) RequestID {
	switch v := value.(type) {
	case string:
		return RequestID{value: v}
	case int:
		return RequestID{value: int64(v)}
	case int32:
		return RequestID{value: int64(v)}
	case int64:
		return RequestID{value: v}
	case uint64:
		return RequestID{value: int64(v)}
	case float64:
		return RequestID{value: v}
	default:
		return RequestID{}
	}
}

// String returns the string representation of the ID.
func (id RequestID) String() string {
	switch v := id.value.(type) {
	case nil:
		return "null"
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Value returns the underlying value: string, int64, float64 or nil.
func (id RequestID) Value() any {
	return id.value
}

// IsNil reports whether the ID is null.
func (id RequestID) IsNil() bool {
	return id.value == nil
}

// Equal reports whether both IDs carry the same type and value.
func (id RequestID) Equal(other RequestID) bool {
	return id.value == other.value
}

// MarshalJSON implements json.Marshaler. The null ID encodes as JSON null.
func (id RequestID) MarshalJSON() ([]byte, error) {
	if id.value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(id.value)
}

// UnmarshalJSON implements json.Unmarshaler. Only strings, numbers and null
// are accepted.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		id.value = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		id.value = str
		return nil
	}

	var num json.Number
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&num); err != nil {
		return fmt.Errorf("JSON-RPC ID must be a string, number or null, got: %s", string(data))
	}
	if i, err := num.Int64(); err == nil {
		id.value = i
		return nil
	}
	f, err := num.Float64()
	if err != nil {
		return fmt.Errorf("JSON-RPC ID must be a string, number or null, got: %s", string(data))
	}
	id.value = f
	return nil
}
