package printer

import (
	"regexp"

	"klipper-go-nozzle/pkg/config"
	"klipper-go-nozzle/pkg/extruder"
	"klipper-go-nozzle/pkg/gcode"
	"klipper-go-nozzle/pkg/mqttstatus"
	"klipper-go-nozzle/pkg/nozzle"
	"klipper-go-nozzle/pkg/savevars"
	"klipper-go-nozzle/pkg/toolhead"
)

var reExtruderSection = regexp.MustCompile(`^extruder([1-9]\d*)?$`)

// Options adjusts how a Printer is built.
type Options struct {
	// MQTTDialer creates the [mqtt_status] broker client. Nil uses paho.
	MQTTDialer mqttstatus.Dialer
}

// Load reads a config file and builds the printer from it.
func Load(path string, opts Options) (*Printer, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return New(cfg, opts)
}

// New builds the printer objects for cfg: the toolhead, one extruder per
// extruder section, the variable store and every optional module. Nothing
// runs until Start.
func New(cfg *config.Config, opts Options) (*Printer, error) {
	p := newPrinter(cfg)

	sec, err := cfg.GetSection("printer")
	if err != nil {
		return nil, err
	}
	th, err := toolhead.FromSection(sec)
	if err != nil {
		return nil, err
	}
	if err := p.AddObject(th.GetName(), th); err != nil {
		return nil, err
	}

	if err := p.loadExtruders(th); err != nil {
		return nil, err
	}

	if sec := cfg.GetSectionOptional("save_variables"); sec != nil {
		store, err := savevars.FromSection(sec)
		if err != nil {
			return nil, err
		}
		if err := p.AddObject(store.GetName(), store); err != nil {
			return nil, err
		}
		if err := store.RegisterCommands(p.gcode); err != nil {
			return nil, err
		}
	}

	err = th.RegisterCommands(p.gcode, func(name string) bool {
		obj, ok := p.LookupObject(name)
		if !ok {
			return false
		}
		_, ok = obj.(*extruder.Extruder)
		return ok
	})
	if err != nil {
		return nil, err
	}
	if err := p.registerCommands(); err != nil {
		return nil, err
	}

	registry := config.NewRegistry()
	registry.Register("change_nozzle", nozzle.Factory(p, cfg))
	registry.Register("mqtt_status", mqttstatus.Factory(p, opts.MQTTDialer))
	modules, err := registry.LoadModules(cfg)
	if err != nil {
		return nil, err
	}
	for _, m := range modules {
		if err := p.AddObject(m.GetName(), m); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// loadExtruders creates an extruder object for every extruder section with
// the limits of its configured nozzle.
func (p *Printer) loadExtruders(th *toolhead.Toolhead) error {
	maxVelocity, maxAccel := th.GetMaxVelocity()
	for _, name := range p.cfg.GetSectionNames() {
		if !reExtruderSection.MatchString(name) {
			continue
		}
		sec, err := p.cfg.GetSection(name)
		if err != nil {
			return err
		}
		nc, err := nozzle.LoadNozzleConfig(sec)
		if err != nil {
			return err
		}
		limits, err := nc.Limits(nil, nil, maxVelocity, maxAccel)
		if err != nil {
			return err
		}
		if err := p.AddObject(name, extruder.New(name, limits)); err != nil {
			return err
		}
	}
	return nil
}

func (p *Printer) registerCommands() error {
	if err := p.gcode.RegisterCommand("M112", func(*gcode.Command) error {
		p.EmergencyStop()
		return nil
	}, "Emergency stop"); err != nil {
		return err
	}
	if err := p.gcode.RegisterCommand("STATUS", p.cmdStatus, "Report the printer status"); err != nil {
		return err
	}
	return p.gcode.RegisterCommand("HELP", p.cmdHelp, "Report the list of available extended G-Code commands")
}
