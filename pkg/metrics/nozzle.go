package metrics

import (
	"klipper-go-nozzle/pkg/nozzle"
)

const (
	eventReady      = "klippy:ready"
	eventShutdown   = "klippy:shutdown"
	eventDisconnect = "klippy:disconnect"
)

var printerStates = []string{"startup", "ready", "error", "shutdown"}

// Host is the subset of the printer the collector observes.
type Host interface {
	RegisterEventHandler(event string, handler func(args ...any) error)
	ObjectStatus(name string, eventtime float64) (map[string]any, bool)
	Monotonic() float64
}

// NozzleMetrics tracks the nozzle fitted to each extruder.
type NozzleMetrics struct {
	registry *Registry

	Changes         *Counter
	NozzleDiameter  *Gauge
	MaxExtrudeRatio *Gauge
	FilamentArea    *Gauge
	PrinterState    *Gauge
}

// NewNozzleMetrics creates and registers the nozzle metrics.
func NewNozzleMetrics() *NozzleMetrics {
	nm := &NozzleMetrics{
		registry:        NewRegistry(),
		Changes:         NewCounter("klipper_nozzle_changes_total", "Nozzle changes applied with CHANGE_NOZZLE"),
		NozzleDiameter:  NewGauge("klipper_nozzle_diameter_mm", "Fitted nozzle diameter"),
		MaxExtrudeRatio: NewGauge("klipper_max_extrude_ratio", "Maximum extrusion cross section over filament area"),
		FilamentArea:    NewGauge("klipper_filament_area_mm2", "Filament cross-sectional area"),
		PrinterState:    NewGauge("klipper_printer_state", "1 for the current printer state, 0 otherwise"),
	}
	nm.registry.MustRegister(nm.Changes)
	nm.registry.MustRegister(nm.NozzleDiameter)
	nm.registry.MustRegister(nm.MaxExtrudeRatio)
	nm.registry.MustRegister(nm.FilamentArea)
	nm.registry.MustRegister(nm.PrinterState)
	nm.SetState("startup")
	return nm
}

// Gather renders the metrics in Prometheus text format.
func (nm *NozzleMetrics) Gather() string {
	return nm.registry.Gather()
}

// SetState marks state as the current printer state.
func (nm *NozzleMetrics) SetState(state string) {
	for _, s := range printerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		nm.PrinterState.Set(Labels{"state": s}, v)
	}
}

// Observe records the nozzle fields of an extruder status.
func (nm *NozzleMetrics) Observe(extruder string, status map[string]any) {
	labels := Labels{"extruder": extruder}
	if v, ok := status["nozzle_diameter"].(float64); ok {
		nm.NozzleDiameter.Set(labels, v)
	}
	if v, ok := status["max_extrude_ratio"].(float64); ok {
		nm.MaxExtrudeRatio.Set(labels, v)
	}
	if v, ok := status["filament_area"].(float64); ok {
		nm.FilamentArea.Set(labels, v)
	}
}

// Attach keeps the metrics current from printer events. The handlers run
// on the reactor goroutine, where ObjectStatus is safe to call.
func (nm *NozzleMetrics) Attach(host Host, extruders []string) {
	observe := func(name string) {
		if status, ok := host.ObjectStatus(name, host.Monotonic()); ok {
			nm.Observe(name, status)
		}
	}
	host.RegisterEventHandler(eventReady, func(args ...any) error {
		nm.SetState("ready")
		for _, name := range extruders {
			observe(name)
		}
		return nil
	})
	host.RegisterEventHandler(nozzle.EventChanged, func(args ...any) error {
		if len(args) == 0 {
			return nil
		}
		name, ok := args[0].(string)
		if !ok {
			return nil
		}
		nm.Changes.Inc(Labels{"extruder": name})
		observe(name)
		return nil
	})
	host.RegisterEventHandler(eventShutdown, func(args ...any) error {
		nm.SetState("shutdown")
		return nil
	})
	host.RegisterEventHandler(eventDisconnect, func(args ...any) error {
		nm.SetState("startup")
		return nil
	})
}
