// G-code command dispatch
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package gcode

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"klipper-go-nozzle/pkg/errors"
	"klipper-go-nozzle/pkg/log"
)

// Handler runs a command. Returned errors are reported to the requester.
type Handler func(cmd *Command) error

type command struct {
	handler Handler
	desc    string
}

// muxCommand routes one command name to handlers by the value of a key
// parameter. The "" value is the handler used when the key is absent.
type muxCommand struct {
	key    string
	values map[string]Handler
}

// Dispatcher owns the command table. Commands are run on the reactor
// goroutine; the table itself may be read from any goroutine.
type Dispatcher struct {
	mu        sync.RWMutex
	commands  map[string]*command
	mux       map[string]*muxCommand
	listeners []func(msg string)
	log       *log.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		commands: make(map[string]*command),
		mux:      make(map[string]*muxCommand),
		log:      log.GetLogger("gcode"),
	}
}

// RegisterCommand adds a command. A nil handler removes it.
func (d *Dispatcher) RegisterCommand(name string, handler Handler, desc string) error {
	name = strings.ToUpper(name)
	d.mu.Lock()
	defer d.mu.Unlock()

	if handler == nil {
		delete(d.commands, name)
		delete(d.mux, name)
		return nil
	}
	if _, ok := d.commands[name]; ok {
		return fmt.Errorf("gcode command %s already registered", name)
	}
	d.commands[name] = &command{handler: handler, desc: desc}
	return nil
}

// RegisterMuxCommand registers handler for cmd when parameter key equals
// value. Registering value "" makes handler the default for commands that
// omit key. All registrations of one command must use the same key.
func (d *Dispatcher) RegisterMuxCommand(cmd, key, value string, handler Handler, desc string) error {
	cmd = strings.ToUpper(cmd)
	key = strings.ToUpper(key)
	d.mu.Lock()
	defer d.mu.Unlock()

	mc, ok := d.mux[cmd]
	if !ok {
		if _, exists := d.commands[cmd]; exists {
			return fmt.Errorf("gcode command %s already registered", cmd)
		}
		mc = &muxCommand{key: key, values: make(map[string]Handler)}
		d.mux[cmd] = mc
		d.commands[cmd] = &command{
			handler: func(c *Command) error { return d.dispatchMux(mc, c) },
			desc:    desc,
		}
	}
	if mc.key != key {
		return fmt.Errorf("mux command %s %s %s may have only one key (%s)", cmd, key, value, mc.key)
	}
	if _, exists := mc.values[value]; exists {
		return fmt.Errorf("mux command %s %s %s already registered", cmd, key, value)
	}
	mc.values[value] = handler
	return nil
}

func (d *Dispatcher) dispatchMux(mc *muxCommand, c *Command) error {
	d.mu.RLock()
	_, hasDefault := mc.values[""]
	d.mu.RUnlock()

	var value string
	var err error
	if hasDefault {
		value, err = c.Get(mc.key, "")
	} else {
		value, err = c.Get(mc.key)
	}
	if err != nil {
		return err
	}

	d.mu.RLock()
	handler, ok := mc.values[value]
	d.mu.RUnlock()
	if !ok {
		return errors.GCodeInvalidParameterError(c.Name, mc.key, value,
			fmt.Sprintf("The value '%s' is not valid for %s", value, mc.key))
	}
	return handler(c)
}

// AddResponseListener registers fn to receive every response line.
func (d *Dispatcher) AddResponseListener(fn func(msg string)) {
	d.mu.Lock()
	d.listeners = append(d.listeners, fn)
	d.mu.Unlock()
}

func (d *Dispatcher) respond(msg string) {
	d.mu.RLock()
	listeners := d.listeners
	d.mu.RUnlock()
	for _, fn := range listeners {
		fn(msg)
	}
}

// Run executes one line. Blank lines are ignored.
func (d *Dispatcher) Run(line string) error {
	return d.run(line, d.respond)
}

func (d *Dispatcher) run(line string, respond func(string)) error {
	cmd, err := ParseLine(line)
	if err != nil || cmd == nil {
		return err
	}
	cmd.respond = respond

	d.mu.RLock()
	entry, ok := d.commands[cmd.Name]
	d.mu.RUnlock()
	if !ok {
		return errors.GCodeUnknownCommandError(cmd.Name)
	}

	d.log.Debug("run %s", strings.TrimSpace(line))
	if err := entry.handler(cmd); err != nil {
		d.log.WithField("command", cmd.Name).WithError(err).Warn("command failed")
		return err
	}
	return nil
}

// RunScript executes newline separated commands, stopping at the first
// error.
func (d *Dispatcher) RunScript(script string) error {
	for _, line := range strings.Split(script, "\n") {
		if err := d.Run(line); err != nil {
			return err
		}
	}
	return nil
}

// RunScriptCapture executes a script and returns the responses it produced
// in addition to delivering them to listeners.
func (d *Dispatcher) RunScriptCapture(script string) ([]string, error) {
	var out []string
	capture := func(msg string) {
		out = append(out, msg)
		d.respond(msg)
	}
	for _, line := range strings.Split(script, "\n") {
		if err := d.run(line, capture); err != nil {
			return out, err
		}
	}
	return out, nil
}

// Commands returns registered command names mapped to their descriptions.
func (d *Dispatcher) Commands() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]string, len(d.commands))
	for name, c := range d.commands {
		out[name] = c.desc
	}
	return out
}

// CommandNames returns the registered command names in sorted order.
func (d *Dispatcher) CommandNames() []string {
	cmds := d.Commands()
	names := make([]string, 0, len(cmds))
	for name := range cmds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
