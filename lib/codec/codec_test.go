// Copyright 2026 The Signalpost Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

func TestMarshalDeterministic(t *testing.T) {
	value := map[string]any{
		"zulu":  1,
		"alpha": "first",
		"mike":  []any{true, nil, 3.5},
	}

	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Marshal(value)
		if err != nil {
			t.Fatalf("Marshal (iteration %d): %v", i, err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding not deterministic: %x vs %x", first, again)
		}
	}
}

func TestUnmarshalAnyUsesStringKeyedMaps(t *testing.T) {
	data, err := Marshal(map[string]any{"outer": map[string]any{"inner": int64(7)}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	outer, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded type %T, want map[string]any", decoded)
	}
	inner, ok := outer["outer"].(map[string]any)
	if !ok {
		t.Fatalf("nested type %T, want map[string]any", outer["outer"])
	}
	if inner["inner"] != int64(7) {
		t.Fatalf("inner value = %v (%T), want int64(7)", inner["inner"], inner["inner"])
	}
}

func TestRoundTripStruct(t *testing.T) {
	type record struct {
		Name  string         `cbor:"name"`
		Count int            `cbor:"count"`
		Tags  map[string]any `cbor:"tags,omitempty"`
	}
	original := record{Name: "checkout", Count: 3, Tags: map[string]any{"plan": "premium"}}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded record
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Name != original.Name || decoded.Count != original.Count {
		t.Fatalf("round trip mismatch: %+v vs %+v", decoded, original)
	}
	if decoded.Tags["plan"] != "premium" {
		t.Fatalf("tags round trip mismatch: %v", decoded.Tags)
	}
}
