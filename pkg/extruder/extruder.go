// Package extruder holds the runtime extruder object: its derived
// kinematic limits and the status it reports.
package extruder

import (
	"sync"
)

// Limits are the kinematic values derived from the fitted nozzle. They are
// replaced as a whole.
type Limits struct {
	NozzleDiameter         float64
	FilamentArea           float64
	MaxExtrudeRatio        float64
	MaxExtrudeOnlyVelocity float64
	MaxExtrudeOnlyAccel    float64
}

// StatusFunc returns fields merged over the extruder's own status.
type StatusFunc func(eventtime float64) map[string]any

type contributor struct {
	name string
	fn   StatusFunc
}

// Extruder is one [extruder] or [extruderN] printer object.
type Extruder struct {
	mu           sync.RWMutex
	name         string
	limits       Limits
	contributors []contributor
}

// New creates an extruder with its initial limits.
func New(name string, limits Limits) *Extruder {
	return &Extruder{name: name, limits: limits}
}

// Name returns the section name, e.g. "extruder1".
func (e *Extruder) Name() string {
	return e.name
}

// GetName returns the printer object name.
func (e *Extruder) GetName() string {
	return e.name
}

// Limits returns the current limits.
func (e *Extruder) Limits() Limits {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.limits
}

// SetLimits replaces all limits at once.
func (e *Extruder) SetLimits(l Limits) {
	e.mu.Lock()
	e.limits = l
	e.mu.Unlock()
}

// AddStatusContributor installs fn under name. It returns false and leaves
// the existing contributor in place if name is already installed.
func (e *Extruder) AddStatusContributor(name string, fn StatusFunc) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.contributors {
		if c.name == name {
			return false
		}
	}
	e.contributors = append(e.contributors, contributor{name: name, fn: fn})
	return true
}

// GetStatus returns the extruder's own fields overlaid by every contributor
// in installation order.
func (e *Extruder) GetStatus(eventtime float64) map[string]any {
	e.mu.RLock()
	l := e.limits
	contributors := append([]contributor(nil), e.contributors...)
	e.mu.RUnlock()

	status := map[string]any{
		"filament_area":             l.FilamentArea,
		"max_extrude_only_velocity": l.MaxExtrudeOnlyVelocity,
		"max_extrude_only_accel":    l.MaxExtrudeOnlyAccel,
		"can_extrude":               true,
	}
	for _, c := range contributors {
		for k, v := range c.fn(eventtime) {
			status[k] = v
		}
	}
	return status
}
