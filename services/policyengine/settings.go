// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package policyengine serves policy-filtered update graphs over HTTP. The
// engine assembles one plugin pipeline from configuration at startup and
// reuses it for every request; each request gets its own PluginIO, so no
// graph state is shared across concurrent requests.
package policyengine

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianUpdate/services/update/plugins"
)

// MaxYAMLFileSize is the maximum allowed settings file size (1MB).
const MaxYAMLFileSize = 1024 * 1024

// AppSettings is the full configuration of the policy-engine process:
// defaults, then the YAML file, then command-line flags, each layer
// overriding the previous one.
type AppSettings struct {
	// Address and Port bind the main graph-serving listener.
	Address string `yaml:"address" validate:"required"`
	Port    int    `yaml:"port" validate:"gte=1,lte=65535"`

	// StatusAddress and StatusPort bind the status listener (/metrics,
	// /livez, /readyz). It must not collide with the main listener.
	StatusAddress string `yaml:"status_address" validate:"required"`
	StatusPort    int    `yaml:"status_port" validate:"gte=1,lte=65535"`

	// PathPrefix is prepended to the served routes, e.g. "/api".
	PathPrefix string `yaml:"path_prefix"`

	// MandatoryClientParameters are query parameters every graph request
	// must carry; a missing one is rejected with 400 before the pipeline
	// runs.
	MandatoryClientParameters []string `yaml:"mandatory_client_parameters"`

	// Policy is the ordered plugin chain. Each entry is a flat string table
	// whose "name" key is resolved through the plugin registry. An empty
	// list falls back to DefaultPolicy.
	Policy []plugins.Settings `yaml:"policy"`

	// Verbosity selects the log level: debug, info, warn, error.
	Verbosity string `yaml:"verbosity" validate:"oneof=debug info warn error"`

	registry *prometheus.Registry
}

// DefaultPolicy is the pipeline used when no policy is configured: fetch the
// upstream graph, then prune it to the requested channel.
func DefaultPolicy() []plugins.Settings {
	return []plugins.Settings{
		{"name": "graph-fetch"},
		{"name": "channel-filter"},
	}
}

// DefaultSettings returns the baseline configuration. The prometheus
// registry created here is shared by the plugins and the status endpoint.
func DefaultSettings() *AppSettings {
	return &AppSettings{
		Address:                   "127.0.0.1",
		Port:                      8081,
		StatusAddress:             "127.0.0.1",
		StatusPort:                9081,
		MandatoryClientParameters: []string{"channel"},
		Verbosity:                 "info",
		registry:                  prometheus.NewRegistry(),
	}
}

// Registry returns the process-wide metrics registry.
func (s *AppSettings) Registry() *prometheus.Registry { return s.registry }

// LoadFile overlays the YAML file at path onto the settings. An empty path
// is a no-op so callers can pass the flag value straight through.
func (s *AppSettings) LoadFile(path string) error {
	if path == "" {
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("reading settings file: %w", err)
	}
	if info.Size() > MaxYAMLFileSize {
		return fmt.Errorf("settings file %s exceeds %d bytes", path, MaxYAMLFileSize)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading settings file: %w", err)
	}
	if err := yaml.Unmarshal(raw, s); err != nil {
		return fmt.Errorf("parsing settings file %s: %w", path, err)
	}
	return nil
}

// Validate applies the struct validation rules, checks the listener
// collision invariant, and fills in the default policy chain.
func (s *AppSettings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	if s.Address == s.StatusAddress && s.Port == s.StatusPort {
		return fmt.Errorf("status listener %s:%d collides with the main listener",
			s.StatusAddress, s.StatusPort)
	}

	if len(s.Policy) == 0 {
		s.Policy = DefaultPolicy()
	}
	for i, entry := range s.Policy {
		if entry["name"] == "" {
			return fmt.Errorf("policy entry %d has no name", i)
		}
	}
	return nil
}

// ListenAddr returns the main listener address in host:port form.
func (s *AppSettings) ListenAddr() string {
	return fmt.Sprintf("%s:%d", s.Address, s.Port)
}

// StatusListenAddr returns the status listener address in host:port form.
func (s *AppSettings) StatusListenAddr() string {
	return fmt.Sprintf("%s:%d", s.StatusAddress, s.StatusPort)
}
