// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graphfetch implements the graph-fetch policy plugin: it replaces
// the incoming graph with a snapshot fetched from an upstream /v1/graph
// endpoint. Parameters pass through unchanged.
package graphfetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AleutianAI/AleutianUpdate/services/update"
	"github.com/AleutianAI/AleutianUpdate/services/update/plugins"
)

// PluginName is the configuration name of this plugin.
const PluginName = "graph-fetch"

// DefaultUpstream is the upstream graph endpoint used when none is
// configured.
const DefaultUpstream = "http://localhost:8080/v1/graph"

const defaultTimeout = 30 * time.Second

// Doer issues HTTP requests. *http.Client satisfies it; tests inject mocks.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// UpstreamError marks a failure to obtain a usable graph from the upstream:
// transport failure, non-success status, or undecodable body. Callers map it
// to a gateway error rather than a server fault.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string { return e.Err.Error() }
func (e *UpstreamError) Unwrap() error { return e.Err }

// Plugin fetches a graph from a configured upstream. Each attempt increments
// the requests counter once; transport failures, non-success statuses, and
// malformed bodies are distinct error causes that all increment the errors
// counter.
type Plugin struct {
	upstream   string
	httpClient Doer

	upstreamRequests prometheus.Counter
	upstreamErrors   prometheus.Counter
}

// Register adds the graph-fetch factory to a plugin registry.
func Register(r *plugins.Registry) error {
	return r.Register(PluginName, factory)
}

func factory(cfg plugins.Settings, reg prometheus.Registerer) (plugins.Plugin, error) {
	if unknown := cfg.Unknown("upstream", "timeout"); len(unknown) > 0 {
		return nil, fmt.Errorf("unknown settings %v", unknown)
	}

	upstream := DefaultUpstream
	if v, ok := cfg["upstream"]; ok {
		if v == "" {
			return nil, fmt.Errorf("empty upstream")
		}
		upstream = v
	}

	timeout := defaultTimeout
	if v, ok := cfg["timeout"]; ok {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", v, err)
		}
		timeout = parsed
	}

	return New(upstream, &http.Client{Timeout: timeout}, reg)
}

// New constructs the plugin and registers its counters.
//
// Outputs:
//
//	*Plugin - The constructed plugin.
//	error - Non-nil for an unparseable upstream URL or a counter name
//	        already taken on the registry.
func New(upstream string, client Doer, reg prometheus.Registerer) (*Plugin, error) {
	if _, err := url.Parse(upstream); err != nil {
		return nil, fmt.Errorf("invalid upstream %q: %w", upstream, err)
	}

	p := &Plugin{
		upstream:   upstream,
		httpClient: client,
		upstreamRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_upstream_requests_total",
			Help: "Total number of HTTP upstream requests",
		}),
		upstreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_upstream_errors_total",
			Help: "Total number of failed HTTP upstream requests",
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{p.upstreamRequests, p.upstreamErrors} {
			if err := reg.Register(c); err != nil {
				return nil, fmt.Errorf("registering metric: %w", err)
			}
		}
	}

	return p, nil
}

func (p *Plugin) Name() string { return PluginName }

// Run fetches the upstream graph and replaces io.Graph with it. Incoming
// parameters pass through untouched. A failed fetch fails the whole request;
// no partial or fallback graph is ever returned.
func (p *Plugin) Run(ctx context.Context, io plugins.PluginIO) (plugins.PluginIO, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.upstream, nil)
	if err != nil {
		return plugins.PluginIO{}, fmt.Errorf("building upstream request: %w", err)
	}
	req.Header.Set("Accept", update.ContentType)

	p.upstreamRequests.Inc()

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.upstreamErrors.Inc()
		return plugins.PluginIO{}, &UpstreamError{
			Err: fmt.Errorf("fetching upstream graph from %s: %w", p.upstream, err),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		p.upstreamErrors.Inc()
		return plugins.PluginIO{}, &UpstreamError{
			Err: fmt.Errorf("upstream %s returned HTTP %d", p.upstream, resp.StatusCode),
		}
	}

	graph := update.NewGraph()
	if err := json.NewDecoder(resp.Body).Decode(graph); err != nil {
		p.upstreamErrors.Inc()
		return plugins.PluginIO{}, &UpstreamError{
			Err: fmt.Errorf("decoding upstream graph: %w", err),
		}
	}

	io.Graph = graph
	return io, nil
}
