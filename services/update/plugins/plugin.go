// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package plugins defines the policy-plugin contract and the pipeline that
// folds a request's graph through an ordered list of plugins.
//
// A plugin is one unit of graph transformation. Two execution shapes exist:
//
//   - Plugin: may suspend on network I/O (fetching an upstream graph,
//     querying a telemetry backend). Takes a context and must respect it at
//     its I/O boundaries.
//   - InternalPlugin: a pure in-memory transform that never suspends.
//     InternalPluginWrapper adapts it to the Plugin contract so both shapes
//     chain uniformly; the adapter performs no suspension, only interface
//     unification.
//
// Plugins are constructed once, from validated settings, at pipeline
// assembly time. Construction failure aborts assembly: a misconfigured
// pipeline must never start serving.
package plugins

import (
	"context"
	"fmt"

	"github.com/AleutianAI/AleutianUpdate/services/update"
)

// Parameters are the string key/value pairs supplied by the calling client
// (e.g. "version", "channel", "id"). They travel alongside the graph through
// the whole pipeline and are passed through unchanged unless a plugin
// documents otherwise.
type Parameters map[string]string

// PluginIO is the unit of pipeline state: one request's graph plus its
// parameters. It is handed from stage to stage; a stage returns the PluginIO
// the next stage consumes, and nothing else retains the value.
type PluginIO struct {
	Graph      *update.Graph
	Parameters Parameters
}

// Plugin is a single pipeline stage.
type Plugin interface {
	// Name identifies the plugin in configuration, logs, and errors.
	Name() string

	// Run transforms the given PluginIO. On error the pipeline run is
	// aborted and the caller never observes a partially transformed graph.
	Run(ctx context.Context, io PluginIO) (PluginIO, error)
}

// InternalPlugin is a pure, non-suspending graph transform.
type InternalPlugin interface {
	Name() string
	RunInternal(io PluginIO) (PluginIO, error)
}

// InternalPluginWrapper adapts an InternalPlugin to the Plugin contract.
type InternalPluginWrapper struct {
	Internal InternalPlugin
}

func (w InternalPluginWrapper) Name() string {
	return w.Internal.Name()
}

func (w InternalPluginWrapper) Run(_ context.Context, io PluginIO) (PluginIO, error) {
	return w.Internal.RunInternal(io)
}

// MissingParameterError reports a required client parameter that was absent
// from the request.
type MissingParameterError struct {
	Key string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("missing required parameter %q", e.Key)
}

// RequireParameters checks the listed keys in order and returns a
// *MissingParameterError naming the first absent one. A key present with an
// empty value counts as present.
func RequireParameters(params Parameters, keys ...string) error {
	for _, key := range keys {
		if _, ok := params[key]; !ok {
			return &MissingParameterError{Key: key}
		}
	}
	return nil
}
