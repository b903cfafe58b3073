package nozzle

import (
	"fmt"

	"klipper-go-nozzle/pkg/config"
	"klipper-go-nozzle/pkg/log"
)

// MaxExtruders bounds extruder discovery: extruder, extruder1..extruder98.
const MaxExtruders = 99

// SectionSource gives access to configuration sections.
type SectionSource interface {
	HasSection(name string) bool
	GetSection(name string) (*config.Section, error)
}

// ExtruderSectionName returns the section name of extruder index i.
func ExtruderSectionName(i int) string {
	if i == 0 {
		return "extruder"
	}
	return fmt.Sprintf("extruder%d", i)
}

// DiscoverExtruders returns the extruder sections reachable from index 0,
// stopping at the first missing index.
func DiscoverExtruders(src SectionSource) []string {
	var names []string
	for i := 0; i < MaxExtruders; i++ {
		name := ExtruderSectionName(i)
		if !src.HasSection(name) {
			break
		}
		names = append(names, name)
	}
	return names
}

// Coordinator is the [change_nozzle] printer object. At connect it creates
// one Controller per discovered extruder and routes the default
// CHANGE_NOZZLE to the active extruder's Controller.
type Coordinator struct {
	host        Host
	sections    SectionSource
	controllers map[string]*Controller
	order       []string
	log         *log.Logger
}

// NewCoordinator creates the coordinator and hooks it to connect.
func NewCoordinator(host Host, sections SectionSource) *Coordinator {
	co := &Coordinator{
		host:        host,
		sections:    sections,
		controllers: make(map[string]*Controller),
		log:         log.GetLogger("change_nozzle"),
	}
	host.RegisterEventHandler(EventConnect, co.handleConnect)
	return co
}

// Factory returns a config module factory for [change_nozzle].
func Factory(host Host, sections SectionSource) config.ModuleFactory {
	return func(*config.Section) (config.Module, error) {
		return NewCoordinator(host, sections), nil
	}
}

// GetName returns the printer object name.
func (co *Coordinator) GetName() string {
	return "change_nozzle"
}

func (co *Coordinator) handleConnect(args ...any) error {
	for _, name := range DiscoverExtruders(co.sections) {
		sec, err := co.sections.GetSection(name)
		if err != nil {
			return err
		}
		cfg, err := LoadNozzleConfig(sec)
		if err != nil {
			return err
		}
		ctrl, err := NewController(co.host, cfg, co)
		if err != nil {
			return err
		}
		co.controllers[name] = ctrl
		co.order = append(co.order, name)
	}
	co.log.WithField("extruders", co.order).Info("nozzle swap ready")
	return nil
}

// Controller returns the Controller of the named extruder.
func (co *Coordinator) Controller(name string) (*Controller, bool) {
	ctrl, ok := co.controllers[name]
	return ctrl, ok
}

// Controllers returns all Controllers in discovery order.
func (co *Coordinator) Controllers() []*Controller {
	out := make([]*Controller, 0, len(co.order))
	for _, name := range co.order {
		out = append(out, co.controllers[name])
	}
	return out
}

// GetStatus returns an empty status; all visible state is on the extruders.
func (co *Coordinator) GetStatus(eventtime float64) map[string]any {
	return map[string]any{}
}
