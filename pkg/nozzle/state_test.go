package nozzle

import (
	"reflect"
	"testing"
)

func TestStateRecord(t *testing.T) {
	rec := State{NozzleDiameter: ptr(0.6)}.Record()
	expected := map[string]any{"nozzle_diameter": 0.6, "max_extrude_cross_section": nil}
	if !reflect.DeepEqual(rec, expected) {
		t.Errorf("expected %v, got %v", expected, rec)
	}
}

func TestDecodeState(t *testing.T) {
	tests := []struct {
		name     string
		value    any
		diameter *float64
		cross    *float64
	}{
		{"structured", map[string]any{"nozzle_diameter": 0.6, "max_extrude_cross_section": nil}, ptr(0.6), nil},
		{"integer values", map[string]any{"nozzle_diameter": 1, "max_extrude_cross_section": 2}, ptr(1), ptr(2)},
		{"missing keys", map[string]any{}, nil, nil},
		{"legacy string", "{'nozzle_diameter': 0.6, 'max_extrude_cross_section': None}", ptr(0.6), nil},
		{"legacy string both set", "{'nozzle_diameter': 0.25, 'max_extrude_cross_section': 0.5}", ptr(0.25), ptr(0.5)},
	}
	for _, tt := range tests {
		st, err := DecodeState(tt.value)
		if err != nil {
			t.Errorf("%s: unexpected error %v", tt.name, err)
			continue
		}
		if !reflect.DeepEqual(st.NozzleDiameter, tt.diameter) {
			t.Errorf("%s: expected diameter %v, got %v", tt.name, tt.diameter, st.NozzleDiameter)
		}
		if !reflect.DeepEqual(st.MaxExtrudeCrossSection, tt.cross) {
			t.Errorf("%s: expected cross section %v, got %v", tt.name, tt.cross, st.MaxExtrudeCrossSection)
		}
	}
}

func TestDecodeStateRejects(t *testing.T) {
	for _, v := range []any{
		42,
		"just a string",
		"{unclosed",
		map[string]any{"nozzle_diameter": "wide"},
	} {
		if _, err := DecodeState(v); err == nil {
			t.Errorf("expected error decoding %#v", v)
		}
	}
}
