package nozzle

import (
	"fmt"

	"klipper-go-nozzle/pkg/savevars"
)

// State is the nozzle record persisted per extruder. Nil fields mean "use
// the configured default".
type State struct {
	NozzleDiameter         *float64
	MaxExtrudeCrossSection *float64
}

// VariableKey returns the store key holding the state of an extruder.
func VariableKey(extruderName string) string {
	return extruderName + "_nozzle"
}

// Record returns the structured value written to the variable store.
func (s State) Record() map[string]any {
	return map[string]any{
		"nozzle_diameter":           floatOrNil(s.NozzleDiameter),
		"max_extrude_cross_section": floatOrNil(s.MaxExtrudeCrossSection),
	}
}

func floatOrNil(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

// DecodeState converts a stored value back into a State. Besides the
// structured record it accepts the string form written by older hosts,
// "{'nozzle_diameter': 0.6, 'max_extrude_cross_section': None}".
func DecodeState(v any) (State, error) {
	if s, ok := v.(string); ok {
		decoded, err := savevars.DecodeValue(s)
		if err != nil {
			return State{}, err
		}
		if _, again := decoded.(string); again {
			return State{}, fmt.Errorf("unexpected record %q", s)
		}
		v = decoded
	}

	m, ok := v.(map[string]any)
	if !ok {
		return State{}, fmt.Errorf("unexpected record type %T", v)
	}
	var st State
	var err error
	if st.NozzleDiameter, err = decodeFloat(m, "nozzle_diameter"); err != nil {
		return State{}, err
	}
	if st.MaxExtrudeCrossSection, err = decodeFloat(m, "max_extrude_cross_section"); err != nil {
		return State{}, err
	}
	return st, nil
}

func decodeFloat(m map[string]any, key string) (*float64, error) {
	var f float64
	switch v := m[key].(type) {
	case nil:
		return nil, nil
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case uint64:
		f = float64(v)
	default:
		return nil, fmt.Errorf("%s: unexpected value %v", key, v)
	}
	return &f, nil
}
