// Package toolhead tracks the printer's velocity limits and which extruder
// is active.
package toolhead

import (
	"fmt"
	"sync"

	"klipper-go-nozzle/pkg/config"
	"klipper-go-nozzle/pkg/errors"
	"klipper-go-nozzle/pkg/gcode"
	"klipper-go-nozzle/pkg/log"
)

// Toolhead is the "toolhead" printer object.
type Toolhead struct {
	mu             sync.RWMutex
	maxVelocity    float64
	maxAccel       float64
	activeExtruder string
	log            *log.Logger
}

// New creates a toolhead with "extruder" active.
func New(maxVelocity, maxAccel float64) *Toolhead {
	return &Toolhead{
		maxVelocity:    maxVelocity,
		maxAccel:       maxAccel,
		activeExtruder: "extruder",
		log:            log.GetLogger("toolhead"),
	}
}

// FromSection reads max_velocity and max_accel from [printer].
func FromSection(sec *config.Section) (*Toolhead, error) {
	above := config.FloatBounds{Above: config.Bound(0)}
	v, err := sec.GetFloatWithBounds("max_velocity", above)
	if err != nil {
		return nil, err
	}
	a, err := sec.GetFloatWithBounds("max_accel", above)
	if err != nil {
		return nil, err
	}
	return New(v, a), nil
}

// GetName returns the printer object name.
func (th *Toolhead) GetName() string {
	return "toolhead"
}

// GetMaxVelocity returns the current velocity and acceleration limits.
func (th *Toolhead) GetMaxVelocity() (float64, float64) {
	th.mu.RLock()
	defer th.mu.RUnlock()
	return th.maxVelocity, th.maxAccel
}

// SetMaxVelocity replaces the limits.
func (th *Toolhead) SetMaxVelocity(velocity, accel float64) {
	th.mu.Lock()
	th.maxVelocity = velocity
	th.maxAccel = accel
	th.mu.Unlock()
}

// ActiveExtruder returns the name of the active extruder.
func (th *Toolhead) ActiveExtruder() string {
	th.mu.RLock()
	defer th.mu.RUnlock()
	return th.activeExtruder
}

// SetActiveExtruder makes name the active extruder.
func (th *Toolhead) SetActiveExtruder(name string) {
	th.mu.Lock()
	th.activeExtruder = name
	th.mu.Unlock()
}

// GetStatus returns the toolhead status.
func (th *Toolhead) GetStatus(eventtime float64) map[string]any {
	th.mu.RLock()
	defer th.mu.RUnlock()
	return map[string]any{
		"max_velocity": th.maxVelocity,
		"max_accel":    th.maxAccel,
		"extruder":     th.activeExtruder,
	}
}

// CommandRegistrar is the part of the gcode dispatcher the toolhead needs.
type CommandRegistrar interface {
	RegisterCommand(name string, handler gcode.Handler, desc string) error
}

// RegisterCommands adds SET_VELOCITY_LIMIT and ACTIVATE_EXTRUDER.
// isExtruder reports whether a name refers to a configured extruder.
func (th *Toolhead) RegisterCommands(r CommandRegistrar, isExtruder func(name string) bool) error {
	if err := r.RegisterCommand("SET_VELOCITY_LIMIT", th.cmdSetVelocityLimit,
		"Set printer velocity limits"); err != nil {
		return err
	}
	return r.RegisterCommand("ACTIVATE_EXTRUDER", func(cmd *gcode.Command) error {
		return th.cmdActivateExtruder(cmd, isExtruder)
	}, "Change the active extruder")
}

func (th *Toolhead) cmdSetVelocityLimit(cmd *gcode.Command) error {
	above := config.FloatBounds{Above: config.Bound(0)}
	velocity, err := cmd.GetFloatOptional("VELOCITY", above)
	if err != nil {
		return err
	}
	accel, err := cmd.GetFloatOptional("ACCEL", above)
	if err != nil {
		return err
	}

	th.mu.Lock()
	if velocity != nil {
		th.maxVelocity = *velocity
	}
	if accel != nil {
		th.maxAccel = *accel
	}
	v, a := th.maxVelocity, th.maxAccel
	th.mu.Unlock()

	msg := fmt.Sprintf("max_velocity: %.6f\nmax_accel: %.6f", v, a)
	if velocity == nil && accel == nil {
		cmd.RespondInfo(msg)
	} else {
		th.log.WithFields(log.Fields{"max_velocity": v, "max_accel": a}).Info("velocity limits updated")
	}
	return nil
}

func (th *Toolhead) cmdActivateExtruder(cmd *gcode.Command, isExtruder func(string) bool) error {
	name, err := cmd.Get("EXTRUDER")
	if err != nil {
		return err
	}
	if th.ActiveExtruder() == name {
		cmd.RespondInfo(fmt.Sprintf("Extruder %s already active", name))
		return nil
	}
	if !isExtruder(name) {
		return errors.GCodeInvalidParameterError(cmd.Name, "EXTRUDER", name,
			fmt.Sprintf("'%s' is not a valid extruder.", name))
	}
	cmd.RespondInfo(fmt.Sprintf("Activating extruder %s", name))
	th.SetActiveExtruder(name)
	return nil
}
