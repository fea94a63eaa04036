package dispatcher

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// Params is the decoded params mapping of a request. Values are the JSON
// shapes produced by encoding/json with UseNumber: string, json.Number, bool,
// nil, []interface{} and map[string]interface{}. Accessors never panic on a
// type mismatch; they report ok=false instead.
type Params map[string]interface{}

// DecodeParams decodes raw params. Absent or null params yield an empty map.
func DecodeParams(raw json.RawMessage) (Params, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Params{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var p map[string]interface{}
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("params must be a JSON object: %w", err)
	}
	if p == nil {
		return Params{}, nil
	}
	return Params(p), nil
}

// NormalizeParams converts a generic map (e.g. decoded from CBOR) into the
// shapes DecodeParams produces.
func NormalizeParams(m map[string]interface{}) (Params, error) {
	if len(m) == 0 {
		return Params{}, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("params are not JSON-compatible: %w", err)
	}
	return DecodeParams(raw)
}

// Has reports whether key is present (even when null).
func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// String returns a string value.
func (p Params) String(key string) (string, bool) {
	s, ok := p[key].(string)
	return s, ok
}

// StringOr returns the string value or def when absent or not a string.
func (p Params) StringOr(key, def string) string {
	if s, ok := p.String(key); ok {
		return s
	}
	return def
}

// Float returns a numeric value as float64.
func (p Params) Float(key string) (float64, bool) {
	switch v := p[key].(type) {
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

// Int returns an integral numeric value. Fractional numbers are rejected.
func (p Params) Int(key string) (int64, bool) {
	switch v := p[key].(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, true
		}
		f, err := v.Float64()
		if err != nil || f != math.Trunc(f) || math.Abs(f) > math.MaxInt64 {
			return 0, false
		}
		return int64(f), true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}

// IntOr returns the integer value or def.
func (p Params) IntOr(key string, def int64) int64 {
	if i, ok := p.Int(key); ok {
		return i
	}
	return def
}

// Bool returns a boolean value.
func (p Params) Bool(key string) (bool, bool) {
	b, ok := p[key].(bool)
	return b, ok
}

// BoolOr returns the boolean value or def.
func (p Params) BoolOr(key string, def bool) bool {
	if b, ok := p.Bool(key); ok {
		return b
	}
	return def
}

// Map returns a nested object.
func (p Params) Map(key string) (Params, bool) {
	m, ok := p[key].(map[string]interface{})
	if !ok {
		return nil, false
	}
	return Params(m), true
}

// Slice returns a JSON array.
func (p Params) Slice(key string) ([]interface{}, bool) {
	s, ok := p[key].([]interface{})
	return s, ok
}

// StringSlice returns an array whose elements are all strings.
func (p Params) StringSlice(key string) ([]string, bool) {
	raw, ok := p.Slice(key)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

// RequireString returns a non-empty string or an INVALID_PARAMS error naming key.
func (p Params) RequireString(key string) (string, *CommandError) {
	v, present := p[key]
	if !present || v == nil {
		return "", InvalidParams("missing required parameter: %s", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", InvalidParams("parameter %s must be a string", key)
	}
	if s == "" {
		return "", InvalidParams("parameter %s must not be empty", key)
	}
	return s, nil
}

// RequireInt returns an integer or an INVALID_PARAMS error naming key.
func (p Params) RequireInt(key string) (int64, *CommandError) {
	v, present := p[key]
	if !present || v == nil {
		return 0, InvalidParams("missing required parameter: %s", key)
	}
	i, ok := p.Int(key)
	if !ok {
		return 0, InvalidParams("parameter %s must be an integer", key)
	}
	return i, nil
}

// RequireFloat returns a number or an INVALID_PARAMS error naming key.
func (p Params) RequireFloat(key string) (float64, *CommandError) {
	v, present := p[key]
	if !present || v == nil {
		return 0, InvalidParams("missing required parameter: %s", key)
	}
	f, ok := p.Float(key)
	if !ok {
		return 0, InvalidParams("parameter %s must be a number", key)
	}
	return f, nil
}
