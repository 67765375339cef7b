// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package phasedrollout implements the phased-rollout policy plugin: it
// queries a Prometheus-compatible telemetry source for per-version failure
// ratios, annotates concrete releases with them, and prunes releases whose
// ratio exceeds a risk threshold.
package phasedrollout

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AleutianAI/AleutianUpdate/services/promquery"
	"github.com/AleutianAI/AleutianUpdate/services/update"
	"github.com/AleutianAI/AleutianUpdate/services/update/plugins"
)

// PluginName is the configuration name of this plugin.
const PluginName = "phased-rollout"

// RatioKey is the metadata key that carries the failure ratio attached to
// each concrete release.
const RatioKey = "failure_ratio"

// DefaultQuery computes, per version, the fraction of failing
// cluster_version samples over the trailing two weeks.
const DefaultQuery = `(count by (version) (count_over_time(cluster_version{type="failure"}[14d])) / on (version) count by (version) (count_over_time(cluster_version[14d])))`

// DefaultRatio is attached to releases the telemetry source knows nothing
// about. Maximal risk is the conservative reading of missing data.
const DefaultRatio = "1.0"

// DefaultThreshold is the removal threshold: a release is pruned when its
// ratio is strictly greater.
const DefaultThreshold = 0.8

// Plugin enriches and prunes a graph from telemetry failure ratios.
type Plugin struct {
	client       *promquery.Client
	query        string
	defaultRatio string
	threshold    float64
	logger       *slog.Logger

	telemetryRequests prometheus.Counter
	telemetryErrors   prometheus.Counter
}

// Register adds the phased-rollout factory to a plugin registry.
func Register(r *plugins.Registry, logger *slog.Logger) error {
	return r.Register(PluginName, func(cfg plugins.Settings, reg prometheus.Registerer) (plugins.Plugin, error) {
		return fromSettings(cfg, reg, logger)
	})
}

func fromSettings(cfg plugins.Settings, reg prometheus.Registerer, logger *slog.Logger) (plugins.Plugin, error) {
	known := []string{
		"prometheus_api_base", "prometheus_token", "prometheus_timeout",
		"query", "default_failure_ratio", "threshold",
	}
	if unknown := cfg.Unknown(known...); len(unknown) > 0 {
		return nil, fmt.Errorf("unknown settings %v", unknown)
	}

	apiBase := cfg["prometheus_api_base"]
	if apiBase == "" {
		return nil, fmt.Errorf("prometheus_api_base must be set")
	}

	var timeout time.Duration
	if v, ok := cfg["prometheus_timeout"]; ok {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid prometheus_timeout %q: %w", v, err)
		}
		timeout = parsed
	}

	client, err := promquery.NewClient(promquery.Options{
		APIBase:     apiBase,
		AccessToken: cfg["prometheus_token"],
		Timeout:     timeout,
	})
	if err != nil {
		return nil, err
	}

	threshold := DefaultThreshold
	if v, ok := cfg["threshold"]; ok {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid threshold %q: %w", v, err)
		}
		if parsed < 0 || parsed > 1 {
			return nil, fmt.Errorf("threshold %v outside [0, 1]", parsed)
		}
		threshold = parsed
	}

	opts := Options{
		Client:       client,
		Query:        cfg.GetDefault("query", DefaultQuery),
		DefaultRatio: cfg.GetDefault("default_failure_ratio", DefaultRatio),
		Threshold:    threshold,
		Logger:       logger,
	}
	return New(opts, reg)
}

// Options configures a phased-rollout Plugin.
type Options struct {
	// Client issues the telemetry query. Required.
	Client *promquery.Client

	// Query is the PromQL expression; empty means DefaultQuery.
	Query string

	// DefaultRatio is attached to releases absent from the query result;
	// empty means DefaultRatio.
	DefaultRatio string

	// Threshold is the strict removal bound.
	Threshold float64

	// Logger receives data-quality diagnostics; nil means slog.Default().
	Logger *slog.Logger
}

// New constructs the plugin and registers its counters.
func New(opts Options, reg prometheus.Registerer) (*Plugin, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("telemetry client must not be nil")
	}
	if opts.Query == "" {
		opts.Query = DefaultQuery
	}
	if opts.DefaultRatio == "" {
		opts.DefaultRatio = DefaultRatio
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	p := &Plugin{
		client:       opts.Client,
		query:        opts.Query,
		defaultRatio: opts.DefaultRatio,
		threshold:    opts.Threshold,
		logger:       opts.Logger,
		telemetryRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_upstream_requests_total",
			Help: "Total number of telemetry query requests",
		}),
		telemetryErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_upstream_errors_total",
			Help: "Total number of failed telemetry query requests",
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{p.telemetryRequests, p.telemetryErrors} {
			if err := reg.Register(c); err != nil {
				return nil, fmt.Errorf("registering metric: %w", err)
			}
		}
	}

	return p, nil
}

func (p *Plugin) Name() string { return PluginName }

// Run enriches concrete releases with failure ratios and prunes the risky
// ones. The version, channel and id parameters must all be present; the
// first absent key fails the run before any telemetry call is issued.
func (p *Plugin) Run(ctx context.Context, io plugins.PluginIO) (plugins.PluginIO, error) {
	if err := plugins.RequireParameters(io.Parameters, "version", "channel", "id"); err != nil {
		return plugins.PluginIO{}, err
	}

	ratios, err := p.fetchRatios(ctx)
	if err != nil {
		return plugins.PluginIO{}, err
	}

	// Enrichment pass: every concrete release gets a ratio, the default one
	// standing in for versions telemetry has never seen.
	io.Graph.FindByFunc(func(r update.Release) bool {
		concrete, ok := r.(*update.ConcreteRelease)
		if !ok {
			return false
		}
		ratio, ok := ratios[concrete.Version]
		if !ok {
			ratio = p.defaultRatio
		}
		if concrete.Metadata == nil {
			concrete.Metadata = map[string]string{}
		}
		concrete.Metadata[RatioKey] = ratio
		return false
	})

	// Filter pass: prune strictly-above-threshold ratios, and prune on
	// missing or unparseable ratios too. When in doubt, prune.
	doomed := io.Graph.FindByFunc(func(r update.Release) bool {
		concrete, ok := r.(*update.ConcreteRelease)
		if !ok {
			return false
		}
		raw, ok := concrete.Metadata[RatioKey]
		if !ok {
			return true
		}
		ratio, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			p.logger.Debug("unparseable failure ratio, pruning",
				"version", concrete.Version, "failure_ratio", raw)
			return true
		}
		return ratio > p.threshold
	})

	ids := make([]update.ReleaseID, len(doomed))
	for i, match := range doomed {
		ids[i] = match.ID
	}
	removed := io.Graph.RemoveReleases(ids)
	p.logger.Info("phased rollout filter applied",
		"removed", removed, "threshold", p.threshold)

	return io, nil
}

// fetchRatios issues the telemetry query and returns version → ratio strings.
// Malformed result entries are dropped with a diagnostic, never fatal; a
// failed query is fatal.
func (p *Plugin) fetchRatios(ctx context.Context) (map[string]string, error) {
	p.telemetryRequests.Inc()

	result, err := p.client.Query(ctx, p.query, nil, nil)
	if err != nil {
		p.telemetryErrors.Inc()
		return nil, fmt.Errorf("querying telemetry: %w", err)
	}

	data, err := result.Success()
	if err != nil {
		p.telemetryErrors.Inc()
		return nil, fmt.Errorf("telemetry query failed: %w", err)
	}

	ratios := map[string]string{}
	record := func(metric func() (map[string]string, error), sample string, raw string) {
		labels, err := metric()
		if err != nil {
			p.logger.Debug("dropping telemetry entry with malformed labels",
				"entry", raw, "error", err)
			return
		}
		version, ok := labels["version"]
		if !ok {
			p.logger.Debug("dropping telemetry entry without version label",
				"entry", raw)
			return
		}
		ratios[version] = sample
	}

	switch data.ResultType {
	case "vector":
		vector, err := data.Vector()
		if err != nil {
			p.telemetryErrors.Inc()
			return nil, err
		}
		for _, entry := range vector {
			record(entry.Labels, entry.Value.Sample, string(entry.Metric))
		}
	case "matrix":
		// Range results carry a series per version; the most recent sample
		// is the current ratio.
		matrix, err := data.Matrix()
		if err != nil {
			p.telemetryErrors.Inc()
			return nil, err
		}
		for _, series := range matrix {
			if len(series.Values) == 0 {
				continue
			}
			last := series.Values[len(series.Values)-1]
			record(series.Labels, last.Sample, string(series.Metric))
		}
	default:
		p.telemetryErrors.Inc()
		return nil, fmt.Errorf("unsupported telemetry result type %q", data.ResultType)
	}

	return ratios, nil
}
