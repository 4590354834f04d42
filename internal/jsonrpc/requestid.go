package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// RequestID is a JSON-RPC id: a string or a number on the wire.
type RequestID struct {
	value any
}

// NewRequestID wraps a string or numeric value; anything else yields a nil id.
func NewRequestID(value any) *RequestID {
	switch value.(type) {
	case string, int, int32, int64, float64:
		return &RequestID{value: value}
	default:
		return &RequestID{}
	}
}

// IsNil reports whether the id is absent, which marks a notification.
func (id *RequestID) IsNil() bool {
	return id == nil || id.value == nil
}

// String renders the id for logging; empty when nil.
func (id *RequestID) String() string {
	if id.IsNil() {
		return ""
	}
	if s, ok := id.value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", id.value)
}

func (id *RequestID) MarshalJSON() ([]byte, error) {
	if id.IsNil() {
		return []byte("null"), nil
	}
	return json.Marshal(id.value)
}

func (id *RequestID) UnmarshalJSON(data []byte) error {
	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		if num == float64(int64(num)) {
			id.value = int64(num)
		} else {
			id.value = num
		}
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		id.value = str
		return nil
	}
	return fmt.Errorf("JSON-RPC id must be a string or number, got %s", string(data))
}
