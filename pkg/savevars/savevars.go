// Persistent variable store
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package savevars keeps named values in a [Variables] file so they survive
// host restarts.
package savevars

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"klipper-go-nozzle/pkg/config"
	"klipper-go-nozzle/pkg/errors"
	"klipper-go-nozzle/pkg/gcode"
	"klipper-go-nozzle/pkg/log"
)

const sectionHeader = "[Variables]"

// Store is the save_variables printer object.
type Store struct {
	mu       sync.RWMutex
	filename string
	vars     map[string]any
	log      *log.Logger
}

// FromSection creates a store from a [save_variables] section.
func FromSection(sec *config.Section) (*Store, error) {
	filename, err := sec.Get("filename")
	if err != nil {
		return nil, err
	}
	return Open(filename)
}

// Open loads the variables file, creating it if it does not exist. A
// leading ~/ is expanded to the user's home directory.
func Open(filename string) (*Store, error) {
	if filename == "" {
		return nil, fmt.Errorf("save_variables: filename is required")
	}
	if strings.HasPrefix(filename, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			filename = filepath.Join(home, filename[2:])
		}
	}

	s := &Store{
		filename: filename,
		vars:     make(map[string]any),
		log:      log.GetLogger("save_variables"),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	s.log.WithFields(log.Fields{"file": filename, "count": len(s.vars)}).Info("variables loaded")
	return s, nil
}

// GetName returns the printer object name.
func (s *Store) GetName() string {
	return "save_variables"
}

// Filename returns the expanded variables file path.
func (s *Store) Filename() string {
	return s.filename
}

func (s *Store) load() error {
	f, err := os.OpenFile(s.filename, os.O_RDONLY|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("save_variables: unable to open '%s': %w", s.filename, err)
	}
	defer f.Close()

	if err := lockFile(f, false); err != nil {
		return fmt.Errorf("save_variables: unable to lock '%s': %w", s.filename, err)
	}
	defer unlockFile(f)

	vars, err := parseVariables(f)
	if err != nil {
		return fmt.Errorf("save_variables: unable to parse existing variable file: %w", err)
	}
	s.mu.Lock()
	s.vars = vars
	s.mu.Unlock()
	return nil
}

func parseVariables(r io.Reader) (map[string]any, error) {
	vars := make(map[string]any)
	inVariables := false

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			inVariables = line == sectionHeader
			continue
		}
		if !inVariables {
			continue
		}
		name, literal, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		v, err := DecodeValue(strings.TrimSpace(literal))
		if err != nil {
			return nil, fmt.Errorf("variable '%s': %w", name, err)
		}
		vars[name] = v
	}
	return vars, scanner.Err()
}

// SaveVariable stores value under name and rewrites the file. The file is
// re-read under the exclusive lock and name is merged onto its current
// contents, so variables saved by another process in the meantime are kept
// and become visible here. The value kept in memory is the one read back
// from its encoded form, so callers observe exactly what a restart would
// load.
func (s *Store) SaveVariable(name string, value any) error {
	if strings.ToLower(name) != name {
		return fmt.Errorf("VARIABLE must not contain upper case")
	}
	literal, err := EncodeValue(value)
	if err != nil {
		return errors.PersistenceError(name, err)
	}
	stored, err := DecodeValue(literal)
	if err != nil {
		return errors.PersistenceError(name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	vars, err := s.update(name, stored)
	if err != nil {
		return errors.PersistenceError(name, err)
	}
	s.vars = vars
	s.log.WithField("variable", name).Debug("variable saved")
	return nil
}

// update sets name on the variables currently in the file and writes the
// result back, holding an exclusive lock for the whole read-modify-write.
func (s *Store) update(name string, value any) (map[string]any, error) {
	f, err := os.OpenFile(s.filename, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := lockFile(f, true); err != nil {
		return nil, err
	}
	defer unlockFile(f)

	vars, err := parseVariables(f)
	if err != nil {
		return nil, fmt.Errorf("unable to parse existing variable file: %w", err)
	}
	vars[name] = value

	var buf bytes.Buffer
	buf.WriteString(sectionHeader + "\n")
	names := make([]string, 0, len(vars))
	for k := range vars {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		literal, err := EncodeValue(vars[k])
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&buf, "%s = %s\n", k, literal)
	}

	if err := f.Truncate(0); err != nil {
		return nil, err
	}
	if _, err := f.WriteAt(buf.Bytes(), 0); err != nil {
		return nil, err
	}
	if err := f.Sync(); err != nil {
		return nil, err
	}
	return vars, nil
}

// GetVariable returns one variable.
func (s *Store) GetVariable(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vars[name]
	return v, ok
}

// AllVariables returns a snapshot of every variable.
func (s *Store) AllVariables(eventtime float64) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.vars))
	for k, v := range s.vars {
		out[k] = v
	}
	return out
}

// GetStatus returns {"variables": {...}}.
func (s *Store) GetStatus(eventtime float64) map[string]any {
	return map[string]any{"variables": s.AllVariables(eventtime)}
}

// CommandRegistrar is the part of the gcode dispatcher the store needs.
type CommandRegistrar interface {
	RegisterCommand(name string, handler gcode.Handler, desc string) error
}

// RegisterCommands adds SAVE_VARIABLE.
func (s *Store) RegisterCommands(r CommandRegistrar) error {
	return r.RegisterCommand("SAVE_VARIABLE", s.cmdSaveVariable, "Save arbitrary variables to disk")
}

func (s *Store) cmdSaveVariable(cmd *gcode.Command) error {
	name, err := cmd.Get("VARIABLE")
	if err != nil {
		return err
	}
	raw, err := cmd.Get("VALUE")
	if err != nil {
		return err
	}
	value, err := DecodeValue(raw)
	if err != nil {
		return errors.GCodeInvalidParameterError(cmd.Name, "VALUE", raw, "unable to parse")
	}
	return s.SaveVariable(name, value)
}
