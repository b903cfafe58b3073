package nozzle

import (
	"math"
	"strings"
	"testing"

	"klipper-go-nozzle/pkg/config"
	"klipper-go-nozzle/pkg/errors"
)

func approx(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func ptr(v float64) *float64 {
	return &v
}

func loadSection(t *testing.T, text, name string) *config.Section {
	t.Helper()
	cfg, err := config.LoadString(text)
	if err != nil {
		t.Fatalf("LoadString failed: %v", err)
	}
	sec, err := cfg.GetSection(name)
	if err != nil {
		t.Fatalf("GetSection(%s) failed: %v", name, err)
	}
	return sec
}

func TestLoadNozzleConfig(t *testing.T) {
	sec := loadSection(t, `
[extruder]
nozzle_diameter: 0.4
filament_diameter: 1.75
max_extrude_only_velocity: 120
`, "extruder")

	cfg, err := LoadNozzleConfig(sec)
	if err != nil {
		t.Fatalf("LoadNozzleConfig failed: %v", err)
	}
	if cfg.Name != "extruder" || cfg.NozzleDiameter != 0.4 || cfg.FilamentDiameter != 1.75 {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.MaxExtrudeCrossSection != nil || cfg.MaxExtrudeOnlyAccel != nil {
		t.Errorf("expected unset overrides to be nil, got %+v", cfg)
	}
	if cfg.MaxExtrudeOnlyVelocity == nil || *cfg.MaxExtrudeOnlyVelocity != 120 {
		t.Errorf("expected velocity override 120, got %v", cfg.MaxExtrudeOnlyVelocity)
	}
}

func TestLoadNozzleConfigRejects(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		option string
	}{
		{"zero nozzle", "nozzle_diameter: 0\nfilament_diameter: 1.75", "nozzle_diameter"},
		{"missing nozzle", "filament_diameter: 1.75", "nozzle_diameter"},
		{"filament equals nozzle", "nozzle_diameter: 1.75\nfilament_diameter: 1.75", "filament_diameter"},
		{"filament below nozzle", "nozzle_diameter: 0.4\nfilament_diameter: 0.3", "filament_diameter"},
		{"zero cross section", "nozzle_diameter: 0.4\nfilament_diameter: 1.75\nmax_extrude_cross_section: 0", "max_extrude_cross_section"},
		{"negative velocity", "nozzle_diameter: 0.4\nfilament_diameter: 1.75\nmax_extrude_only_velocity: -5", "max_extrude_only_velocity"},
		{"negative accel", "nozzle_diameter: 0.4\nfilament_diameter: 1.75\nmax_extrude_only_accel: -5", "max_extrude_only_accel"},
	}
	for _, tt := range tests {
		sec := loadSection(t, "[extruder1]\n"+tt.body+"\n", "extruder1")
		_, err := LoadNozzleConfig(sec)
		if err == nil {
			t.Errorf("%s: expected error", tt.name)
			continue
		}
		if !strings.Contains(err.Error(), "'"+tt.option+"'") {
			t.Errorf("%s: expected error about %s, got %v", tt.name, tt.option, err)
		}
	}
}

func TestLimitsScenario(t *testing.T) {
	cfg := NozzleConfig{Name: "extruder", NozzleDiameter: 0.4, FilamentDiameter: 1.75}

	l, err := cfg.Limits(nil, nil, 300, 3000)
	if err != nil {
		t.Fatal(err)
	}
	if !approx(l.FilamentArea, 2.4053, 1e-4) {
		t.Errorf("expected filament area ~2.4053, got %v", l.FilamentArea)
	}
	if !approx(l.FilamentArea, math.Pi*0.875*0.875, 1e-12) {
		t.Errorf("expected exact area formula, got %v", l.FilamentArea)
	}
	if !approx(l.MaxExtrudeRatio, 0.2661, 1e-4) {
		t.Errorf("expected ratio ~0.2661, got %v", l.MaxExtrudeRatio)
	}
	if !approx(l.MaxExtrudeRatio, 0.64/l.FilamentArea, 1e-12) {
		t.Errorf("expected ratio = 0.64/area, got %v", l.MaxExtrudeRatio)
	}
	if !approx(l.MaxExtrudeOnlyVelocity, 300*0.64/l.FilamentArea, 1e-9) {
		t.Errorf("expected velocity scaled from toolhead, got %v", l.MaxExtrudeOnlyVelocity)
	}
	if !approx(l.MaxExtrudeOnlyAccel, 3000*0.64/l.FilamentArea, 1e-9) {
		t.Errorf("expected accel scaled from toolhead, got %v", l.MaxExtrudeOnlyAccel)
	}
}

func TestLimitsOverrides(t *testing.T) {
	cfg := NozzleConfig{
		Name:                   "extruder",
		NozzleDiameter:         0.4,
		FilamentDiameter:       1.75,
		MaxExtrudeCrossSection: ptr(2.0),
		MaxExtrudeOnlyVelocity: ptr(50),
		MaxExtrudeOnlyAccel:    ptr(500),
	}

	tests := []struct {
		name      string
		d, cross  *float64
		expectD   float64
		expectX   float64
		expectVel float64
	}{
		{"configured defaults", nil, nil, 0.4, 2.0, 50},
		{"user diameter keeps configured cross section", ptr(0.8), nil, 0.8, 2.0, 50},
		{"user cross section wins", ptr(0.8), ptr(1.5), 0.8, 1.5, 50},
	}
	for _, tt := range tests {
		l, err := cfg.Limits(tt.d, tt.cross, 300, 3000)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if l.NozzleDiameter != tt.expectD {
			t.Errorf("%s: expected diameter %v, got %v", tt.name, tt.expectD, l.NozzleDiameter)
		}
		if !approx(l.MaxExtrudeRatio*l.FilamentArea, tt.expectX, 1e-12) {
			t.Errorf("%s: expected cross section %v, got %v", tt.name, tt.expectX, l.MaxExtrudeRatio*l.FilamentArea)
		}
		if l.MaxExtrudeOnlyVelocity != tt.expectVel || l.MaxExtrudeOnlyAccel != 500 {
			t.Errorf("%s: expected configured extrude-only limits, got %+v", tt.name, l)
		}
	}
}

func TestLimitsRejects(t *testing.T) {
	cfg := NozzleConfig{Name: "extruder", NozzleDiameter: 0.4, FilamentDiameter: 1.75}
	tests := []struct {
		name     string
		d, cross *float64
		option   string
	}{
		{"zero diameter", ptr(0), nil, "nozzle_diameter"},
		{"negative diameter", ptr(-0.4), nil, "nozzle_diameter"},
		{"diameter reaches filament", ptr(1.75), nil, "filament_diameter"},
		{"zero cross section", nil, ptr(0), "max_extrude_cross_section"},
		{"nan diameter", ptr(math.NaN()), nil, "nozzle_diameter"},
		{"infinite diameter", ptr(math.Inf(1)), nil, "nozzle_diameter"},
		{"nan cross section", nil, ptr(math.NaN()), "max_extrude_cross_section"},
		{"infinite cross section", nil, ptr(math.Inf(1)), "max_extrude_cross_section"},
	}
	for _, tt := range tests {
		_, err := cfg.Limits(tt.d, tt.cross, 300, 3000)
		if !errors.Is(err, errors.ErrConfigValidation) {
			t.Errorf("%s: expected config validation error, got %v", tt.name, err)
			continue
		}
		if !strings.Contains(err.Error(), tt.option) {
			t.Errorf("%s: expected %s in error, got %v", tt.name, tt.option, err)
		}
	}
}

func TestLimitsProperty(t *testing.T) {
	for _, filament := range []float64{1.75, 2.85, 3.0} {
		for _, d := range []float64{0.2, 0.4, 0.6, 0.8, 1.0, 1.2} {
			cfg := NozzleConfig{Name: "extruder", NozzleDiameter: d, FilamentDiameter: filament}
			for _, cross := range []*float64{nil, ptr(0.5), ptr(3)} {
				l, err := cfg.Limits(nil, cross, 200, 2000)
				if err != nil {
					t.Fatalf("d=%v filament=%v: %v", d, filament, err)
				}
				area := math.Pi * (filament / 2) * (filament / 2)
				if !approx(l.FilamentArea, area, 1e-12) {
					t.Errorf("d=%v filament=%v: expected area %v, got %v", d, filament, area, l.FilamentArea)
				}
				c := 4 * d * d
				if cross != nil {
					c = *cross
				}
				if !approx(l.MaxExtrudeRatio, c/area, 1e-12) {
					t.Errorf("d=%v filament=%v: expected ratio %v, got %v", d, filament, c/area, l.MaxExtrudeRatio)
				}

				again, _ := cfg.Limits(nil, cross, 200, 2000)
				if again != l {
					t.Errorf("d=%v filament=%v: expected identical limits, got %+v and %+v", d, filament, l, again)
				}
			}
		}
	}
}
