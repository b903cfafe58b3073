// Printer object host
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package printer hosts the printer objects built from a config file. It
// owns the object table, event dispatch, the gcode dispatcher and the
// reactor that serializes all object access.
package printer

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"klipper-go-nozzle/pkg/config"
	"klipper-go-nozzle/pkg/errors"
	"klipper-go-nozzle/pkg/gcode"
	"klipper-go-nozzle/pkg/log"
	"klipper-go-nozzle/pkg/reactor"
)

// Lifecycle events.
const (
	EventConnect    = "klippy:connect"
	EventReady      = "klippy:ready"
	EventShutdown   = "klippy:shutdown"
	EventDisconnect = "klippy:disconnect"
)

// State is the host state reported to API clients.
type State string

const (
	StateStartup  State = "startup"
	StateReady    State = "ready"
	StateError    State = "error"
	StateShutdown State = "shutdown"
)

// StatusReporter is implemented by objects that expose status fields.
type StatusReporter interface {
	GetStatus(eventtime float64) map[string]any
}

// Printer is the object host. Object state may only be touched from the
// reactor goroutine; the exported Execute/Get methods hop onto it.
type Printer struct {
	cfg     *config.Config
	reactor *reactor.Reactor
	gcode   *gcode.Dispatcher
	log     *log.Logger

	objects  map[string]any
	order    []string
	handlers map[string][]func(args ...any) error

	running      atomic.Bool
	mu           sync.RWMutex
	state        State
	stateMessage string
}

func newPrinter(cfg *config.Config) *Printer {
	return &Printer{
		cfg:      cfg,
		reactor:  reactor.New(),
		gcode:    gcode.NewDispatcher(),
		log:      log.GetLogger("printer"),
		objects:  make(map[string]any),
		handlers: make(map[string][]func(args ...any) error),
		state:    StateStartup,
	}
}

// Config returns the loaded configuration.
func (p *Printer) Config() *config.Config {
	return p.cfg
}

// Reactor returns the printer's reactor.
func (p *Printer) Reactor() *reactor.Reactor {
	return p.reactor
}

// GCode returns the command dispatcher.
func (p *Printer) GCode() *gcode.Dispatcher {
	return p.gcode
}

// Monotonic returns the reactor clock.
func (p *Printer) Monotonic() float64 {
	return p.reactor.Monotonic()
}

// AddObject registers a printer object under name.
func (p *Printer) AddObject(name string, obj any) error {
	if _, ok := p.objects[name]; ok {
		return errors.RuntimeErrorInit(name, "printer object already exists")
	}
	p.objects[name] = obj
	p.order = append(p.order, name)
	return nil
}

// LookupObject returns the named printer object.
func (p *Printer) LookupObject(name string) (any, bool) {
	obj, ok := p.objects[name]
	return obj, ok
}

// LookupObjects returns the objects whose name is module or starts with
// "module ", in registration order.
func (p *Printer) LookupObjects(module string) []any {
	var out []any
	for _, name := range p.order {
		if name == module || strings.HasPrefix(name, module+" ") {
			out = append(out, p.objects[name])
		}
	}
	return out
}

// ObjectNames returns the names of all objects, in registration order.
func (p *Printer) ObjectNames() []string {
	return append([]string(nil), p.order...)
}

// RegisterEventHandler adds a handler for event.
func (p *Printer) RegisterEventHandler(event string, handler func(args ...any) error) {
	p.handlers[event] = append(p.handlers[event], handler)
}

// SendEvent runs the handlers of event in registration order and stops at
// the first error. Handlers registered while the event is being sent are run
// in the same pass.
func (p *Printer) SendEvent(event string, args ...any) error {
	for i := 0; i < len(p.handlers[event]); i++ {
		if err := p.handlers[event][i](args...); err != nil {
			return err
		}
	}
	return nil
}

// RegisterMuxCommand registers a gcode command routed by a key parameter.
func (p *Printer) RegisterMuxCommand(cmd, key, value string, handler gcode.Handler, desc string) error {
	return p.gcode.RegisterMuxCommand(cmd, key, value, handler, desc)
}

// State returns the host state and its message.
func (p *Printer) State() (State, string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state, p.stateMessage
}

func (p *Printer) setState(state State, msg string) {
	p.mu.Lock()
	p.state = state
	p.stateMessage = msg
	p.mu.Unlock()
}

// Start runs the reactor and the connect and ready phases. A failing connect
// handler leaves the printer in the error state and its error is returned.
func (p *Printer) Start() error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.RuntimeError("printer already started")
	}
	p.reactor.Run()
	res, err := p.reactor.Call(func(eventtime float64) interface{} {
		return p.connect()
	})
	if err != nil {
		return err
	}
	if res != nil {
		return res.(error)
	}
	return nil
}

func (p *Printer) connect() error {
	if err := p.SendEvent(EventConnect); err != nil {
		p.log.WithError(err).Error("connect failed")
		p.setState(StateError, err.Error())
		return err
	}
	for _, name := range p.cfg.GetUnusedSections() {
		p.log.WithField("section", name).Warn("unused config section")
	}
	unused := p.cfg.GetUnusedOptions()
	for _, name := range sortedNames(unused) {
		p.log.WithFields(log.Fields{"section": name, "options": unused[name]}).Warn("unused config options")
	}
	p.setState(StateReady, "Printer is ready")
	if err := p.SendEvent(EventReady); err != nil {
		p.log.WithError(err).Warn("ready handler failed")
	}
	p.log.Info("printer ready")
	return nil
}

// Shutdown moves the printer to the shutdown state. Further gcode is
// rejected.
func (p *Printer) Shutdown(reason string) {
	if st, _ := p.State(); st == StateShutdown {
		return
	}
	p.setState(StateShutdown, reason)
	p.log.WithField("reason", reason).Error("printer shutdown")
	p.reactor.RegisterAsyncCallback(func(float64) interface{} {
		if err := p.SendEvent(EventShutdown); err != nil {
			p.log.WithError(err).Warn("shutdown handler failed")
		}
		return nil
	})
}

// Stop sends the disconnect event, ends the reactor and waits for it to
// exit.
func (p *Printer) Stop() {
	if p.running.Load() {
		_, _ = p.reactor.Call(func(float64) interface{} {
			if err := p.SendEvent(EventDisconnect); err != nil {
				p.log.WithError(err).Warn("disconnect handler failed")
			}
			return nil
		})
	}
	p.running.Store(false)
	p.reactor.End()
	p.reactor.Wait()
}

// run executes fn on the reactor goroutine.
func (p *Printer) run(fn func(eventtime float64) interface{}) (interface{}, error) {
	if !p.running.Load() {
		return nil, errors.RuntimeError("printer is not running")
	}
	return p.reactor.Call(fn)
}

// notReadyCommands may run while the printer is not ready.
var notReadyCommands = map[string]bool{"STATUS": true, "HELP": true, "M112": true}

func (p *Printer) checkReady(script string) error {
	state, msg := p.State()
	if state == StateReady {
		return nil
	}
	for _, line := range strings.Split(script, "\n") {
		cmd, err := gcode.ParseLine(line)
		if err != nil || cmd == nil {
			continue
		}
		if !notReadyCommands[cmd.Name] {
			return errors.RuntimeError(fmt.Sprintf("printer is not ready (%s): %s", state, msg))
		}
	}
	return nil
}

// ExecuteGCode runs a newline separated script on the reactor goroutine.
func (p *Printer) ExecuteGCode(script string) error {
	_, err := p.ExecuteGCodeCapture(script)
	return err
}

// ExecuteGCodeCapture runs a script and returns the responses it produced.
func (p *Printer) ExecuteGCodeCapture(script string) ([]string, error) {
	if err := p.checkReady(script); err != nil {
		return nil, err
	}
	type result struct {
		out []string
		err error
	}
	res, err := p.run(func(float64) interface{} {
		out, err := p.gcode.RunScriptCapture(script)
		return result{out, err}
	})
	if err != nil {
		return nil, err
	}
	r := res.(result)
	return r.out, r.err
}

// ObjectStatus returns the status of a named object. It must be called on
// the reactor goroutine.
func (p *Printer) ObjectStatus(name string, eventtime float64) (map[string]any, bool) {
	if name == "webhooks" {
		state, msg := p.State()
		return map[string]any{"state": string(state), "state_message": msg}, true
	}
	obj, ok := p.objects[name]
	if !ok {
		return nil, false
	}
	sr, ok := obj.(StatusReporter)
	if !ok {
		return nil, false
	}
	return sr.GetStatus(eventtime), true
}

// GetObjectsList returns the names of objects that report status.
func (p *Printer) GetObjectsList() []string {
	res, err := p.run(func(float64) interface{} {
		names := []string{"webhooks"}
		for _, name := range p.order {
			if _, ok := p.objects[name].(StatusReporter); ok {
				names = append(names, name)
			}
		}
		return names
	})
	if err != nil {
		return nil
	}
	names := res.([]string)
	sort.Strings(names[1:])
	return names
}

// GetObjectStatus returns the status of an object filtered to attrs, or nil
// if the object does not exist. An empty attrs returns every field.
func (p *Printer) GetObjectStatus(name string, attrs []string) map[string]any {
	res, err := p.run(func(eventtime float64) interface{} {
		status, ok := p.ObjectStatus(name, eventtime)
		if !ok {
			return nil
		}
		return filterStatus(status, attrs)
	})
	if err != nil || res == nil {
		return nil
	}
	return res.(map[string]any)
}

// GetKlippyState returns the host state as a string.
func (p *Printer) GetKlippyState() string {
	state, _ := p.State()
	return string(state)
}

// EmergencyStop shuts the printer down.
func (p *Printer) EmergencyStop() {
	p.Shutdown("Shutdown due to emergency stop")
}

// AddResponseListener forwards gcode responses to fn.
func (p *Printer) AddResponseListener(fn func(msg string)) {
	p.gcode.AddResponseListener(fn)
}

func filterStatus(status map[string]any, attrs []string) map[string]any {
	if len(attrs) == 0 {
		return status
	}
	filtered := make(map[string]any, len(attrs))
	for _, attr := range attrs {
		if v, ok := status[attr]; ok {
			filtered[attr] = v
		}
	}
	return filtered
}

func sortedNames(m map[string][]string) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
