package gcode

import (
	"strings"
	"testing"

	"klipper-go-nozzle/pkg/config"
	"klipper-go-nozzle/pkg/errors"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		line   string
		name   string
		params map[string]string
	}{
		{"change_nozzle nozzle_diameter=0.6 ; swap", "CHANGE_NOZZLE", map[string]string{"NOZZLE_DIAMETER": "0.6"}},
		{"G1 X10 Y-2.5 (travel) F3000", "G1", map[string]string{"X": "10", "Y": "-2.5", "F": "3000"}},
		{"SAVE_VARIABLE VARIABLE=Foo VALUE={'a':1}", "SAVE_VARIABLE", map[string]string{"VARIABLE": "Foo", "VALUE": "{'a':1}"}},
		{"ACTIVATE_EXTRUDER EXTRUDER=", "ACTIVATE_EXTRUDER", map[string]string{"EXTRUDER": ""}},
	}
	for _, tt := range tests {
		cmd, err := ParseLine(tt.line)
		if err != nil {
			t.Fatalf("ParseLine(%q) failed: %v", tt.line, err)
		}
		if cmd.Name != tt.name {
			t.Errorf("ParseLine(%q): expected name %s, got %s", tt.line, tt.name, cmd.Name)
		}
		if len(cmd.Params) != len(tt.params) {
			t.Errorf("ParseLine(%q): expected params %v, got %v", tt.line, tt.params, cmd.Params)
		}
		for k, v := range tt.params {
			if cmd.Params[k] != v {
				t.Errorf("ParseLine(%q): expected %s=%s, got %s", tt.line, k, v, cmd.Params[k])
			}
		}
	}

	for _, blank := range []string{"", "   ", "; comment only", "(note)"} {
		cmd, err := ParseLine(blank)
		if cmd != nil || err != nil {
			t.Errorf("ParseLine(%q): expected nil command, got %v, %v", blank, cmd, err)
		}
	}

	if _, err := ParseLine("FOO =1"); !errors.Is(err, errors.ErrGCodeParse) {
		t.Errorf("expected parse error for empty parameter name, got %v", err)
	}
}

func TestCommandFloats(t *testing.T) {
	cmd, _ := ParseLine("CHANGE_NOZZLE NOZZLE_DIAMETER=0.6 MAX_EXTRUDE_CROSS_SECTION=0 BAD=abc")
	above := config.FloatBounds{Above: config.Bound(0)}

	v, err := cmd.GetFloatWithBounds("NOZZLE_DIAMETER", above)
	if err != nil || v != 0.6 {
		t.Errorf("expected 0.6, got %v (%v)", v, err)
	}

	_, err = cmd.GetFloatOptional("MAX_EXTRUDE_CROSS_SECTION", above)
	if !errors.Is(err, errors.ErrGCodeInvalidParam) {
		t.Errorf("expected invalid parameter error, got %v", err)
	}
	if err != nil && !strings.Contains(err.Error(), "must be above 0") {
		t.Errorf("expected bound in message, got %v", err)
	}

	if p, err := cmd.GetFloatOptional("MISSING", above); p != nil || err != nil {
		t.Errorf("expected nil for missing parameter, got %v (%v)", p, err)
	}
	if _, err := cmd.GetFloat("BAD"); !errors.Is(err, errors.ErrGCodeInvalidParam) {
		t.Errorf("expected parse failure, got %v", err)
	}
	if _, err := cmd.GetFloat("MISSING"); !errors.Is(err, errors.ErrGCodeMissingParam) {
		t.Errorf("expected missing parameter error, got %v", err)
	}
	if v, _ := cmd.GetFloatWithBounds("MISSING", above, -1); v != -1 {
		t.Errorf("expected unchecked fallback, got %v", v)
	}
}

func TestDispatcherRun(t *testing.T) {
	d := NewDispatcher()
	var responses []string
	d.AddResponseListener(func(msg string) { responses = append(responses, msg) })

	err := d.RegisterCommand("STATUS", func(cmd *Command) error {
		cmd.RespondInfo("line one\nline two")
		return nil
	}, "Report status")
	if err != nil {
		t.Fatal(err)
	}
	if err := d.RegisterCommand("status", func(*Command) error { return nil }, ""); err == nil {
		t.Error("expected duplicate registration to fail")
	}

	if err := d.RunScript("status\n\n; done"); err != nil {
		t.Fatalf("RunScript failed: %v", err)
	}
	if len(responses) != 1 || responses[0] != "// line one\n// line two" {
		t.Errorf("unexpected responses %q", responses)
	}

	if err := d.Run("NOT_A_COMMAND"); !errors.Is(err, errors.ErrGCodeUnknownCmd) {
		t.Errorf("expected unknown command error, got %v", err)
	}

	d.RegisterCommand("STATUS", nil, "")
	if err := d.Run("STATUS"); err == nil {
		t.Error("expected command to be removed")
	}
}

func TestDispatcherMux(t *testing.T) {
	d := NewDispatcher()
	var got []string
	handler := func(name string) Handler {
		return func(*Command) error {
			got = append(got, name)
			return nil
		}
	}

	if err := d.RegisterMuxCommand("CHANGE_NOZZLE", "EXTRUDER", "", handler("default"), "desc"); err != nil {
		t.Fatal(err)
	}
	if err := d.RegisterMuxCommand("CHANGE_NOZZLE", "EXTRUDER", "extruder1", handler("extruder1"), "desc"); err != nil {
		t.Fatal(err)
	}
	if err := d.RegisterMuxCommand("CHANGE_NOZZLE", "EXTRUDER", "extruder1", handler("dup"), "desc"); err == nil {
		t.Error("expected duplicate mux value to fail")
	}
	if err := d.RegisterMuxCommand("CHANGE_NOZZLE", "TOOL", "t0", handler("t0"), "desc"); err == nil {
		t.Error("expected mismatched mux key to fail")
	}

	d.RunScript("CHANGE_NOZZLE NOZZLE_DIAMETER=0.4\nCHANGE_NOZZLE EXTRUDER=extruder1")
	if strings.Join(got, ",") != "default,extruder1" {
		t.Errorf("expected default,extruder1 got %v", got)
	}

	err := d.Run("CHANGE_NOZZLE EXTRUDER=extruder7")
	if err == nil || !strings.Contains(err.Error(), "The value 'extruder7' is not valid for EXTRUDER") {
		t.Errorf("expected invalid mux value error, got %v", err)
	}
}

func TestDispatcherMuxWithoutDefault(t *testing.T) {
	d := NewDispatcher()
	d.RegisterMuxCommand("SET_LIMIT", "EXTRUDER", "extruder", func(*Command) error { return nil }, "")

	if err := d.Run("SET_LIMIT"); !errors.Is(err, errors.ErrGCodeMissingParam) {
		t.Errorf("expected missing key parameter error, got %v", err)
	}
	if err := d.Run("SET_LIMIT EXTRUDER=extruder"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRunScriptCapture(t *testing.T) {
	d := NewDispatcher()
	d.RegisterCommand("ECHO", func(cmd *Command) error {
		msg, _ := cmd.Get("MSG", "")
		cmd.RespondRaw(msg)
		return nil
	}, "")

	out, err := d.RunScriptCapture("ECHO MSG=a\nECHO MSG=b\nBOGUS\nECHO MSG=c")
	if !errors.Is(err, errors.ErrGCodeUnknownCmd) {
		t.Errorf("expected script to stop at unknown command, got %v", err)
	}
	if strings.Join(out, ",") != "a,b" {
		t.Errorf("expected [a b], got %v", out)
	}
	if names := d.CommandNames(); len(names) != 1 || names[0] != "ECHO" {
		t.Errorf("unexpected command names %v", names)
	}
}
