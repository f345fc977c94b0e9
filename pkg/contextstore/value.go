package contextstore

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Value is a stored entry after the two-step decode: the raw text is always
// kept, and when that text is a JSON object or array it is also decoded.
// A scalar written as a number comes back as text; callers convert as needed.
type Value struct {
	Raw        string
	structured interface{}
}

func decodeValue(raw string) Value {
	v := Value{Raw: raw}
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var decoded interface{}
		if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
			v.structured = decoded
		}
	}
	return v
}

func (v Value) String() string {
	return v.Raw
}

// IsStructured reports whether the raw text decoded as a JSON object or array.
func (v Value) IsStructured() bool {
	return v.structured != nil
}

// Interface returns the structured form when available, otherwise the raw text.
func (v Value) Interface() interface{} {
	if v.structured != nil {
		return v.structured
	}
	return v.Raw
}

func (v Value) Map() (map[string]interface{}, bool) {
	m, ok := v.structured.(map[string]interface{})
	return m, ok
}

func (v Value) List() ([]interface{}, bool) {
	l, ok := v.structured.([]interface{})
	return l, ok
}

func (v Value) Float() (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v.Raw), 64)
	return f, err == nil
}

// Decode unmarshals the raw text into out. A plain-text value decodes into a *string.
func (v Value) Decode(out interface{}) error {
	if s, ok := out.(*string); ok && v.structured == nil {
		*s = v.Raw
		return nil
	}
	if err := json.Unmarshal([]byte(v.Raw), out); err != nil {
		return fmt.Errorf("failed to decode context value: %w", err)
	}
	return nil
}

// encodeValue stores scalars as text and everything else as JSON.
func encodeValue(value interface{}) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case Value:
		return v.Raw, nil
	}

	switch reflect.ValueOf(value).Kind() {
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return fmt.Sprint(value), nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("failed to encode context value: %w", err)
	}
	return string(data), nil
}
