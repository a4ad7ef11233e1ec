// Copyright 2026 The Signalpost Authors
// SPDX-License-Identifier: Apache-2.0

package property

import (
	"fmt"
	"math"
)

// Kind identifies which member of the value union a Value holds.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindList
	KindMap
)

// String returns the human-readable name of a kind.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Value is one property value: a string, number, bool, list, map, or
// null. Accessors take a default and never fail — reading a string
// out of a number yields the default, not an error. This is the safe
// navigation surface for flag payloads and event properties, which
// arrive as untyped decoded JSON/CBOR.
type Value struct {
	raw any
}

// Of wraps an arbitrary decoded value. Types outside the union
// (structs, channels, typed slices other than []any) collapse to
// null; callers that need them must pre-convert via Normalize.
func Of(raw any) Value {
	normalized, err := Normalize(raw)
	if err != nil {
		return Value{}
	}
	return Value{raw: normalized}
}

// Kind reports which union member the value holds.
func (v Value) Kind() Kind {
	switch v.raw.(type) {
	case nil:
		return KindNull
	case string:
		return KindString
	case float64:
		return KindNumber
	case bool:
		return KindBool
	case []any:
		return KindList
	case map[string]any:
		return KindMap
	default:
		return KindNull
	}
}

// IsNull reports whether the value is null (or absent).
func (v Value) IsNull() bool { return v.Kind() == KindNull }

// Str returns the string member, or fallback if the value is not a
// string.
func (v Value) Str(fallback string) string {
	if s, ok := v.raw.(string); ok {
		return s
	}
	return fallback
}

// Float returns the number member, or fallback.
func (v Value) Float(fallback float64) float64 {
	if f, ok := v.raw.(float64); ok {
		return f
	}
	return fallback
}

// Int returns the number member truncated to an int, or fallback if
// the value is not a number or does not fit.
func (v Value) Int(fallback int) int {
	f, ok := v.raw.(float64)
	if !ok || math.IsNaN(f) || f > math.MaxInt64 || f < math.MinInt64 {
		return fallback
	}
	return int(f)
}

// Bool returns the bool member, or fallback.
func (v Value) Bool(fallback bool) bool {
	if b, ok := v.raw.(bool); ok {
		return b
	}
	return fallback
}

// List returns the list member as Values, or nil.
func (v Value) List() []Value {
	list, ok := v.raw.([]any)
	if !ok {
		return nil
	}
	values := make([]Value, len(list))
	for i, item := range list {
		values[i] = Value{raw: item}
	}
	return values
}

// Map returns the map member, or nil.
func (v Value) Map() Map {
	m, ok := v.raw.(map[string]any)
	if !ok {
		return nil
	}
	return Map(m)
}

// Get returns the named entry of a map value. Non-map values and
// absent keys yield null.
func (v Value) Get(key string) Value {
	m, ok := v.raw.(map[string]any)
	if !ok {
		return Value{}
	}
	return Value{raw: m[key]}
}

// Raw returns the underlying normalized value for serialization.
func (v Value) Raw() any { return v.raw }

// Map is a property mapping with default-taking accessors. The
// underlying representation stays map[string]any so it serializes
// directly as a JSON/CBOR object.
type Map map[string]any

// Get returns the entry for key; absent keys yield null.
func (m Map) Get(key string) Value {
	if m == nil {
		return Value{}
	}
	return Value{raw: m[key]}
}

// Str is shorthand for m.Get(key).Str(fallback).
func (m Map) Str(key, fallback string) string { return m.Get(key).Str(fallback) }

// Bool is shorthand for m.Get(key).Bool(fallback).
func (m Map) Bool(key string, fallback bool) bool { return m.Get(key).Bool(fallback) }

// Float is shorthand for m.Get(key).Float(fallback).
func (m Map) Float(key string, fallback float64) float64 { return m.Get(key).Float(fallback) }

// Clone returns a deep copy. Mutating the copy never aliases into
// the original's nested maps or lists.
func (m Map) Clone() Map {
	if m == nil {
		return nil
	}
	clone := make(Map, len(m))
	for key, value := range m {
		clone[key] = deepCopy(value)
	}
	return clone
}

// Merge returns a copy of m with every entry of overlay set on top.
func (m Map) Merge(overlay Map) Map {
	merged := m.Clone()
	if merged == nil {
		merged = make(Map, len(overlay))
	}
	for key, value := range overlay {
		merged[key] = deepCopy(value)
	}
	return merged
}

func deepCopy(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		copied := make(map[string]any, len(typed))
		for k, v := range typed {
			copied[k] = deepCopy(v)
		}
		return copied
	case Map:
		return map[string]any(typed.Clone())
	case []any:
		copied := make([]any, len(typed))
		for i, v := range typed {
			copied[i] = deepCopy(v)
		}
		return copied
	default:
		return typed
	}
}

// Normalize converts raw into the closed union representation:
// strings, float64 numbers, bools, []any lists, map[string]any maps,
// and nil. All Go integer and float widths collapse to float64
// (matching what a JSON decode would produce). Values outside the
// union are an error.
func Normalize(raw any) (any, error) {
	switch typed := raw.(type) {
	case nil:
		return nil, nil
	case string:
		return typed, nil
	case bool:
		return typed, nil
	case float64:
		return typed, nil
	case float32:
		return float64(typed), nil
	case int:
		return float64(typed), nil
	case int8:
		return float64(typed), nil
	case int16:
		return float64(typed), nil
	case int32:
		return float64(typed), nil
	case int64:
		return float64(typed), nil
	case uint:
		return float64(typed), nil
	case uint8:
		return float64(typed), nil
	case uint16:
		return float64(typed), nil
	case uint32:
		return float64(typed), nil
	case uint64:
		return float64(typed), nil
	case []any:
		list := make([]any, len(typed))
		for i, item := range typed {
			normalized, err := Normalize(item)
			if err != nil {
				return nil, fmt.Errorf("list index %d: %w", i, err)
			}
			list[i] = normalized
		}
		return list, nil
	case map[string]any:
		m := make(map[string]any, len(typed))
		for key, item := range typed {
			normalized, err := Normalize(item)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", key, err)
			}
			m[key] = normalized
		}
		return m, nil
	case Map:
		return Normalize(map[string]any(typed))
	case Value:
		return typed.raw, nil
	default:
		return nil, fmt.Errorf("unsupported property type %T", raw)
	}
}

// NormalizeMap normalizes every entry of properties in place (on a
// copy). Entries that fail to normalize are dropped and reported.
func NormalizeMap(properties Map) (Map, error) {
	if properties == nil {
		return nil, nil
	}
	normalized := make(Map, len(properties))
	var firstErr error
	for key, value := range properties {
		converted, err := Normalize(value)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("property %q: %w", key, err)
			}
			continue
		}
		normalized[key] = converted
	}
	return normalized, firstErr
}
