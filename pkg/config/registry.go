package config

import (
	"fmt"
	"strings"
	"sync"
)

// Module represents a loaded configuration module.
type Module interface {
	// GetName returns the module name (usually the section name).
	GetName() string
}

// ModuleFactory creates a module instance from a config section.
type ModuleFactory func(section *Section) (Module, error)

// Registry manages module factories and handles loading of modules based on
// config sections. It matches Python's extras loading pattern.
type Registry struct {
	mu sync.RWMutex

	// exact matches section name exactly (e.g., "change_nozzle")
	exact map[string]ModuleFactory

	// prefixes matches named sections (e.g., "mqtt_status " for [mqtt_status office])
	prefixes map[string]ModuleFactory

	loaded map[string]Module
}

// NewRegistry creates a new module registry.
func NewRegistry() *Registry {
	return &Registry{
		exact:    make(map[string]ModuleFactory),
		prefixes: make(map[string]ModuleFactory),
		loaded:   make(map[string]Module),
	}
}

// Register adds a factory for an exact section name match.
func (r *Registry) Register(name string, factory ModuleFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exact[name] = factory
}

// RegisterWithPrefix adds a factory for sections starting with a prefix.
// Example: RegisterWithPrefix("mqtt_status ", f) matches [mqtt_status office].
func (r *Registry) RegisterWithPrefix(prefix string, factory ModuleFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefixes[prefix] = factory
}

// factoryFor returns the factory for a section name, or nil. r.mu must be
// held.
func (r *Registry) factoryFor(sectionName string) ModuleFactory {
	if factory, ok := r.exact[sectionName]; ok {
		return factory
	}
	for prefix, factory := range r.prefixes {
		if strings.HasPrefix(sectionName, prefix) {
			return factory
		}
	}
	return nil
}

// LoadModules creates a module for every config section that has a
// registered factory, in config file order. Sections without a factory are
// left alone so they show up as unused.
func (r *Registry) LoadModules(cfg *Config) ([]Module, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var modules []Module
	for _, name := range cfg.GetSectionNames() {
		if m, ok := r.loaded[name]; ok {
			modules = append(modules, m)
			continue
		}

		factory := r.factoryFor(name)
		if factory == nil {
			continue
		}

		section, err := cfg.GetSection(name)
		if err != nil {
			return nil, err
		}
		module, err := factory(section)
		if err != nil {
			return nil, fmt.Errorf("failed to load module [%s]: %w", name, err)
		}

		r.loaded[name] = module
		modules = append(modules, module)
	}
	return modules, nil
}
