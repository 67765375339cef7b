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
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "aleutian.update.pipeline"

// Pipeline is the ordered, statically configured sequence of plugins applied
// per request. It is assembled once at startup and reused by every request;
// each request's run owns its own PluginIO value end to end, so the pipeline
// itself holds no per-request state.
type Pipeline struct {
	plugins []Plugin
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewPipeline assembles a pipeline over the given plugins, in order.
// A nil logger falls back to slog.Default().
func NewPipeline(logger *slog.Logger, pluginList ...Plugin) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		plugins: pluginList,
		logger:  logger,
		tracer:  otel.Tracer(tracerName),
	}
}

// Assemble resolves every configuration entry through the registry and
// returns the resulting pipeline. The first entry that fails to build aborts
// assembly entirely.
func Assemble(logger *slog.Logger, registry *Registry, entries []Settings, reg prometheus.Registerer) (*Pipeline, error) {
	built := make([]Plugin, 0, len(entries))
	for i, entry := range entries {
		plugin, err := registry.Build(entry, reg)
		if err != nil {
			return nil, fmt.Errorf("policy entry %d: %w", i, err)
		}
		built = append(built, plugin)
	}
	return NewPipeline(logger, built...), nil
}

// Run folds io through every plugin in declared order: the output of stage i
// is the input of stage i+1. The first failing plugin stops execution
// immediately and the error is surfaced to the caller; the caller receives
// either the fully transformed PluginIO or an error, never both.
//
// Each stage is wrapped in a trace span and its duration is logged.
func (p *Pipeline) Run(ctx context.Context, io PluginIO) (PluginIO, error) {
	for i, plugin := range p.plugins {
		stageCtx, span := p.tracer.Start(ctx, plugin.Name(),
			trace.WithAttributes(
				attribute.Int("pipeline.stage", i),
				attribute.String("pipeline.plugin", plugin.Name()),
			),
		)

		start := time.Now()
		next, err := plugin.Run(stageCtx, io)
		elapsed := time.Since(start)

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			p.logger.Error("pipeline stage failed",
				"stage", i,
				"plugin", plugin.Name(),
				"elapsed_ms", elapsed.Milliseconds(),
				"error", err.Error(),
			)
			return PluginIO{}, fmt.Errorf("plugin %q: %w", plugin.Name(), err)
		}
		span.End()

		p.logger.Debug("pipeline stage complete",
			"stage", i,
			"plugin", plugin.Name(),
			"elapsed_ms", elapsed.Milliseconds(),
			"releases", next.Graph.ReleaseCount(),
		)
		io = next
	}
	return io, nil
}

// Len returns the number of stages in the pipeline.
func (p *Pipeline) Len() int {
	return len(p.plugins)
}
