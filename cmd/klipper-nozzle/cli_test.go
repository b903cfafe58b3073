package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"klipper-go-nozzle/pkg/config"
	"klipper-go-nozzle/pkg/errors"
)

func TestChangeScript(t *testing.T) {
	changeCrossSection = 1.25
	defer func() { changeCrossSection = 0 }()

	tests := []struct {
		extruder     string
		diameter     string
		crossSection bool
		expected     string
	}{
		{"", "", false, "CHANGE_NOZZLE"},
		{"extruder1", "0.6", false, "CHANGE_NOZZLE EXTRUDER=extruder1 NOZZLE_DIAMETER=0.6"},
		{"", "0.4", true, "CHANGE_NOZZLE NOZZLE_DIAMETER=0.4 MAX_EXTRUDE_CROSS_SECTION=1.25"},
	}
	for _, tt := range tests {
		if got := changeScript(tt.extruder, tt.diameter, tt.crossSection); got != tt.expected {
			t.Errorf("expected %q, got %q", tt.expected, got)
		}
	}
}

func TestFormatFloat(t *testing.T) {
	tests := map[float64]string{0.4: "0.4", 1: "1", 0.25: "0.25"}
	for v, expected := range tests {
		if got := formatFloat(v); got != expected {
			t.Errorf("expected %s, got %s", expected, got)
		}
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandHome("~/printer.cfg"); got != filepath.Join(home, "printer.cfg") {
		t.Errorf("expected path under %s, got %s", home, got)
	}
	if got := expandHome("/etc/printer.cfg"); got != "/etc/printer.cfg" {
		t.Errorf("expected absolute path unchanged, got %s", got)
	}
}

func TestCommandsRegistered(t *testing.T) {
	want := map[string]bool{"serve": false, "change": false, "status": false, "variables": false}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("expected subcommand %s", name)
		}
	}
}

func TestErrorHint(t *testing.T) {
	tests := []struct {
		err      error
		contains string
	}{
		{errors.ConfigValidationError("extruder", "nozzle_diameter", "must be above 0"), "configuration"},
		{fmt.Errorf("startup: %w", errors.ConfigSectionError("printer")), "configuration"},
		{config.ErrMissingOption("extruder", "filament_diameter"), "configuration"},
		{errors.GCodeInvalidParameterError("CHANGE_NOZZLE", "NOZZLE_DIAMETER", "nan", "must be a finite number"), "--help"},
		{errors.PersistenceError("extruder_nozzle", fmt.Errorf("disk full")), "save_variables"},
	}
	for _, tt := range tests {
		if got := errorHint(tt.err); !strings.Contains(got, tt.contains) {
			t.Errorf("expected hint containing %q for %v, got %q", tt.contains, tt.err, got)
		}
	}
	if got := errorHint(fmt.Errorf("plain")); got != "" {
		t.Errorf("expected no hint, got %q", got)
	}
}
