// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package plugins

import (
	"fmt"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Settings is the flat string-keyed configuration table of one plugin entry.
// The "name" key selects the plugin; all remaining keys are plugin-specific.
type Settings map[string]string

// Unknown returns the keys in s that are not in the known list, sorted.
// Factories use it to reject misspelled or unsupported settings.
func (s Settings) Unknown(known ...string) []string {
	var unknown []string
	for key := range s {
		found := false
		for _, k := range known {
			if key == k {
				found = true
				break
			}
		}
		if !found {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	return unknown
}

// GetDefault returns s[key], or fallback when the key is absent or empty.
func (s Settings) GetDefault(key, fallback string) string {
	if v := s[key]; v != "" {
		return v
	}
	return fallback
}

// Factory constructs one plugin instance from its settings table ("name"
// already stripped). Counters the plugin owns are registered against reg;
// a registration failure (duplicate name) is a construction error.
type Factory func(cfg Settings, reg prometheus.Registerer) (Plugin, error)

// Registry maps plugin names to constructor functions. It replaces dynamic
// dispatch by type with an explicit, startup-validated name lookup.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a named factory. Registering the same name twice is an
// error; it indicates two plugin packages claiming one configuration name.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" {
		return fmt.Errorf("plugin name must not be empty")
	}
	if _, dup := r.factories[name]; dup {
		return fmt.Errorf("plugin %q registered twice", name)
	}
	r.factories[name] = factory
	return nil
}

// Build resolves one configuration entry to a constructed plugin.
//
// Inputs:
//
//	cfg - The entry's settings table; must contain a "name" key.
//	reg - The shared metrics registry plugins register counters against.
//
// Outputs:
//
//	Plugin - The constructed plugin.
//	error - Non-nil for a missing/unknown name or a factory failure.
func (r *Registry) Build(cfg Settings, reg prometheus.Registerer) (Plugin, error) {
	name, ok := cfg["name"]
	if !ok || name == "" {
		return nil, fmt.Errorf("plugin entry has no name")
	}
	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown plugin %q (registered: %s)", name, strings.Join(r.names(), ", "))
	}

	settings := make(Settings, len(cfg))
	for key, value := range cfg {
		if key != "name" {
			settings[key] = value
		}
	}

	plugin, err := factory(settings, reg)
	if err != nil {
		return nil, fmt.Errorf("building plugin %q: %w", name, err)
	}
	return plugin, nil
}

func (r *Registry) names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
