package nozzle

import (
	"fmt"

	"klipper-go-nozzle/pkg/config"
	"klipper-go-nozzle/pkg/errors"
	"klipper-go-nozzle/pkg/extruder"
	"klipper-go-nozzle/pkg/gcode"
	"klipper-go-nozzle/pkg/log"
)

// Event names.
const (
	EventConnect = "klippy:connect"
	EventChanged = "change_nozzle:changed"
)

const changeNozzleHelp = "Set nozzle diameter"

// Extruder is the runtime extruder object a Controller reconfigures.
type Extruder interface {
	Name() string
	Limits() extruder.Limits
	SetLimits(l extruder.Limits)
	AddStatusContributor(name string, fn extruder.StatusFunc) bool
}

// Toolhead reports the motion limits and the active extruder.
type Toolhead interface {
	GetMaxVelocity() (velocity, accel float64)
	ActiveExtruder() string
}

// VariableStore is the persistent key-value store.
type VariableStore interface {
	SaveVariable(name string, value any) error
	AllVariables(eventtime float64) map[string]any
}

// Host is the printer runtime the nozzle objects plug into.
type Host interface {
	LookupObject(name string) (any, bool)
	RegisterEventHandler(event string, handler func(args ...any) error)
	SendEvent(event string, args ...any) error
	RegisterMuxCommand(cmd, key, value string, handler gcode.Handler, desc string) error
	Monotonic() float64
}

// Router finds the Controller of an extruder by name.
type Router interface {
	Controller(name string) (*Controller, bool)
}

// Controller manages the nozzle of one extruder.
type Controller struct {
	cfg      NozzleConfig
	key      string
	host     Host
	extruder Extruder
	store    VariableStore
	router   Router
	log      *log.Logger
}

// NewController attaches a Controller to the extruder named in cfg. Without
// a save_variables object the Controller is inert: it registers neither
// its connect handler nor CHANGE_NOZZLE.
func NewController(host Host, cfg NozzleConfig, router Router) (*Controller, error) {
	obj, ok := host.LookupObject(cfg.Name)
	if !ok {
		return nil, errors.RuntimeErrorInit("change_nozzle", fmt.Sprintf("unknown extruder '%s'", cfg.Name))
	}
	ext, ok := obj.(Extruder)
	if !ok {
		return nil, errors.RuntimeErrorInit("change_nozzle", fmt.Sprintf("'%s' is not an extruder", cfg.Name))
	}

	c := &Controller{
		cfg:      cfg,
		key:      VariableKey(cfg.Name),
		host:     host,
		extruder: ext,
		router:   router,
		log:      log.GetLogger("change_nozzle").With(log.Fields{"extruder": cfg.Name}),
	}

	if obj, ok := host.LookupObject("save_variables"); ok {
		c.store, _ = obj.(VariableStore)
	}
	if c.store == nil {
		c.log.WithError(errors.PersistenceError(c.key, nil)).Warn("nozzle swap disabled")
		return c, nil
	}

	host.RegisterEventHandler(EventConnect, c.handleConnect)
	if cfg.Name == "extruder" {
		if err := host.RegisterMuxCommand("CHANGE_NOZZLE", "EXTRUDER", "",
			c.cmdDefaultChangeNozzle, changeNozzleHelp); err != nil {
			return nil, err
		}
	}
	if err := host.RegisterMuxCommand("CHANGE_NOZZLE", "EXTRUDER", cfg.Name,
		c.cmdChangeNozzle, changeNozzleHelp); err != nil {
		return nil, err
	}
	return c, nil
}

// Name returns the extruder name.
func (c *Controller) Name() string {
	return c.cfg.Name
}

// Config returns the static nozzle configuration.
func (c *Controller) Config() NozzleConfig {
	return c.cfg
}

// Enabled reports whether a variable store is attached.
func (c *Controller) Enabled() bool {
	return c.store != nil
}

// Limits returns the extruder's current limits.
func (c *Controller) Limits() extruder.Limits {
	return c.extruder.Limits()
}

func (c *Controller) toolhead() (Toolhead, error) {
	obj, ok := c.host.LookupObject("toolhead")
	if !ok {
		return nil, errors.RuntimeError("toolhead not available")
	}
	th, ok := obj.(Toolhead)
	if !ok {
		return nil, errors.RuntimeError("toolhead object has unexpected type")
	}
	return th, nil
}

// ChangeNozzle recomputes and applies the extruder limits for a nozzle.
// Nil arguments fall back to the configured values. Toolhead limits are
// read on every call. Nothing is applied if an error is returned.
func (c *Controller) ChangeNozzle(nozzleDiameter, maxCrossSection *float64) error {
	th, err := c.toolhead()
	if err != nil {
		return err
	}
	maxVelocity, maxAccel := th.GetMaxVelocity()
	limits, err := c.cfg.Limits(nozzleDiameter, maxCrossSection, maxVelocity, maxAccel)
	if err != nil {
		return err
	}
	c.extruder.SetLimits(limits)
	c.log.Info("max_extrude_ratio=%.6f", limits.MaxExtrudeRatio)
	return nil
}

// Save persists the given values under the extruder's variable key. The
// values are stored as given, so nil stays nil.
func (c *Controller) Save(nozzleDiameter, maxCrossSection *float64) error {
	if c.store == nil {
		return errors.PersistenceError(c.key, nil)
	}
	state := State{NozzleDiameter: nozzleDiameter, MaxExtrudeCrossSection: maxCrossSection}
	if err := c.store.SaveVariable(c.key, state.Record()); err != nil {
		if errors.Is(err, errors.ErrPersistence) {
			return err
		}
		return errors.PersistenceError(c.key, err)
	}
	return nil
}

// Load returns the persisted state, or an empty State when there is none.
// Unreadable records are logged and treated as absent.
func (c *Controller) Load() State {
	if c.store == nil {
		return State{}
	}
	v, ok := c.store.AllVariables(c.host.Monotonic())[c.key]
	if !ok {
		return State{}
	}
	st, err := DecodeState(v)
	if err != nil {
		c.log.WithError(err).WithField("variable", c.key).Warn("ignoring stored nozzle")
		return State{}
	}
	return st
}

// WrapStatus adds nozzle_diameter and max_extrude_ratio to the extruder
// status. The values are read from the extruder at query time. Calling it
// again has no effect.
func (c *Controller) WrapStatus() {
	ext := c.extruder
	ext.AddStatusContributor("change_nozzle", func(eventtime float64) map[string]any {
		l := ext.Limits()
		return map[string]any{
			"nozzle_diameter":   l.NozzleDiameter,
			"max_extrude_ratio": l.MaxExtrudeRatio,
		}
	})
}

func (c *Controller) handleConnect(args ...any) error {
	st := c.Load()
	c.WrapStatus()
	return c.ChangeNozzle(st.NozzleDiameter, st.MaxExtrudeCrossSection)
}

func (c *Controller) cmdDefaultChangeNozzle(cmd *gcode.Command) error {
	th, err := c.toolhead()
	if err != nil {
		return err
	}
	active := th.ActiveExtruder()
	target, ok := c.router.Controller(active)
	if !ok {
		return errors.RoutingError(active)
	}
	return target.cmdChangeNozzle(cmd)
}

func (c *Controller) cmdChangeNozzle(cmd *gcode.Command) error {
	above := config.FloatBounds{Above: config.Bound(0)}
	diameter, err := cmd.GetFloatOptional("NOZZLE_DIAMETER", above)
	if err != nil {
		return err
	}
	crossSection, err := cmd.GetFloatOptional("MAX_EXTRUDE_CROSS_SECTION", above)
	if err != nil {
		return err
	}

	if err := c.ChangeNozzle(diameter, crossSection); err != nil {
		return err
	}
	if err := c.Save(diameter, crossSection); err != nil {
		return err
	}

	l := c.extruder.Limits()
	cmd.RespondInfo(fmt.Sprintf("%s: nozzle_diameter=%.3f max_extrude_ratio=%.6f",
		c.cfg.Name, l.NozzleDiameter, l.MaxExtrudeRatio))
	if err := c.host.SendEvent(EventChanged, c.cfg.Name); err != nil {
		c.log.WithError(err).Warn("change notification failed")
	}
	return nil
}
