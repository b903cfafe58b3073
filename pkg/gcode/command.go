// G-code command parsing and parameter access
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package gcode

import (
	"regexp"
	"strconv"
	"strings"

	"klipper-go-nozzle/pkg/config"
	"klipper-go-nozzle/pkg/errors"
)

// Command is one parsed G-code line. Parameter names are upper case.
type Command struct {
	Name   string
	Params map[string]string
	Raw    string

	respond func(msg string)
}

var reParenComment = regexp.MustCompile(`\([^)]*\)`)

// ParseLine parses a line into a Command. Blank and comment-only lines
// return nil. Extended commands take NAME=value parameters; classic
// commands (G1 X10) take single-letter parameters.
func ParseLine(line string) (*Command, error) {
	ln := strings.TrimSpace(line)
	if idx := strings.IndexByte(ln, ';'); idx >= 0 {
		ln = ln[:idx]
	}
	ln = strings.TrimSpace(reParenComment.ReplaceAllString(ln, " "))
	if ln == "" {
		return nil, nil
	}

	fields := strings.Fields(ln)
	name := strings.ToUpper(fields[0])
	params := make(map[string]string)
	for _, f := range fields[1:] {
		if k, v, ok := strings.Cut(f, "="); ok {
			k = strings.ToUpper(strings.TrimSpace(k))
			if k == "" {
				return nil, errors.GCodeParseError(line, "empty parameter name")
			}
			params[k] = strings.TrimSpace(v)
			continue
		}
		if len(f) < 2 {
			continue
		}
		params[strings.ToUpper(f[:1])] = f[1:]
	}
	return &Command{Name: name, Params: params, Raw: line}, nil
}

// Has reports whether the parameter was given.
func (c *Command) Has(name string) bool {
	_, ok := c.Params[strings.ToUpper(name)]
	return ok
}

// Get returns a string parameter, the fallback if absent, or an error.
func (c *Command) Get(name string, fallback ...string) (string, error) {
	if v, ok := c.Params[strings.ToUpper(name)]; ok {
		return v, nil
	}
	if len(fallback) > 0 {
		return fallback[0], nil
	}
	return "", errors.GCodeMissingParameterError(c.Name, name)
}

// GetFloat returns a float parameter, the fallback if absent, or an error.
func (c *Command) GetFloat(name string, fallback ...float64) (float64, error) {
	raw, ok := c.Params[strings.ToUpper(name)]
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return 0, errors.GCodeMissingParameterError(c.Name, name)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, errors.GCodeInvalidParameterError(c.Name, name, raw, "unable to parse")
	}
	return v, nil
}

// GetFloatWithBounds returns a float parameter that must satisfy bounds.
// A fallback used for an absent parameter is not range checked.
func (c *Command) GetFloatWithBounds(name string, bounds config.FloatBounds, fallback ...float64) (float64, error) {
	present := c.Has(name)
	v, err := c.GetFloat(name, fallback...)
	if err != nil {
		return 0, err
	}
	if present {
		if msg := bounds.Violation(v); msg != "" {
			return 0, errors.GCodeInvalidParameterError(c.Name, name, c.Params[strings.ToUpper(name)], msg)
		}
	}
	return v, nil
}

// GetFloatOptional returns nil when the parameter is absent.
func (c *Command) GetFloatOptional(name string, bounds config.FloatBounds) (*float64, error) {
	if !c.Has(name) {
		return nil, nil
	}
	v, err := c.GetFloatWithBounds(name, bounds)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// RespondInfo sends an informational message back to the requester.
func (c *Command) RespondInfo(msg string) {
	if c.respond != nil {
		c.respond("// " + strings.ReplaceAll(msg, "\n", "\n// "))
	}
}

// RespondRaw sends msg back without the info prefix.
func (c *Command) RespondRaw(msg string) {
	if c.respond != nil {
		c.respond(msg)
	}
}
