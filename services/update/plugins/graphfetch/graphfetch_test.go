// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graphfetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianUpdate/services/update"
	"github.com/AleutianAI/AleutianUpdate/services/update/plugins"
)

type failingDoer struct {
	err error
}

func (d failingDoer) Do(*http.Request) (*http.Response, error) { return nil, d.err }

func emptyIO() plugins.PluginIO {
	return plugins.PluginIO{Graph: update.NewGraph(), Parameters: plugins.Parameters{}}
}

func TestFetchReplacesGraph(t *testing.T) {
	var gotAccept string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", update.ContentType)
		_, _ = w.Write([]byte(`{"nodes":[{"version":"4.0.1","payload":"sha256:aa"}],"edges":[]}`))
	}))
	defer server.Close()

	plugin, err := New(server.URL, server.Client(), prometheus.NewRegistry())
	require.NoError(t, err)

	in := emptyIO()
	in.Parameters["channel"] = "stable"
	in.Graph.AddRelease(&update.AbstractRelease{Version: "stale"})

	out, err := plugin.Run(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, update.ContentType, gotAccept)

	// The stale incoming graph is replaced wholesale; parameters survive.
	assert.Equal(t, 1, out.Graph.ReleaseCount())
	assert.Empty(t, out.Graph.FindByFunc(func(r update.Release) bool {
		return update.Version(r) == "stale"
	}))
	assert.Equal(t, "stable", out.Parameters["channel"])

	assert.Equal(t, 1.0, testutil.ToFloat64(plugin.upstreamRequests))
	assert.Equal(t, 0.0, testutil.ToFloat64(plugin.upstreamErrors))
}

func TestFetchEmptyGraph(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"nodes":[],"edges":[]}`))
	}))
	defer server.Close()

	plugin, err := New(server.URL, server.Client(), prometheus.NewRegistry())
	require.NoError(t, err)

	out, err := plugin.Run(context.Background(), emptyIO())
	require.NoError(t, err)
	assert.Equal(t, 0, out.Graph.ReleaseCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(plugin.upstreamRequests))
	assert.Equal(t, 0.0, testutil.ToFloat64(plugin.upstreamErrors))
}

func TestFetchNonSuccessStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	plugin, err := New(server.URL, server.Client(), prometheus.NewRegistry())
	require.NoError(t, err)

	_, err = plugin.Run(context.Background(), emptyIO())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	var upstream *UpstreamError
	assert.ErrorAs(t, err, &upstream)
	assert.Equal(t, 1.0, testutil.ToFloat64(plugin.upstreamRequests))
	assert.Equal(t, 1.0, testutil.ToFloat64(plugin.upstreamErrors))
}

func TestFetchTransportError(t *testing.T) {
	boom := errors.New("connection refused")
	plugin, err := New(DefaultUpstream, failingDoer{err: boom}, prometheus.NewRegistry())
	require.NoError(t, err)

	_, err = plugin.Run(context.Background(), emptyIO())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1.0, testutil.ToFloat64(plugin.upstreamRequests))
	assert.Equal(t, 1.0, testutil.ToFloat64(plugin.upstreamErrors))
}

func TestFetchMalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer server.Close()

	plugin, err := New(server.URL, server.Client(), prometheus.NewRegistry())
	require.NoError(t, err)

	_, err = plugin.Run(context.Background(), emptyIO())
	require.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(plugin.upstreamRequests))
	assert.Equal(t, 1.0, testutil.ToFloat64(plugin.upstreamErrors))
}

func TestFactorySettings(t *testing.T) {
	registry := plugins.NewRegistry()
	require.NoError(t, Register(registry))

	plugin, err := registry.Build(plugins.Settings{"name": PluginName}, prometheus.NewRegistry())
	require.NoError(t, err)
	assert.Equal(t, PluginName, plugin.Name())

	_, err = registry.Build(plugins.Settings{"name": PluginName, "upstream": ""}, prometheus.NewRegistry())
	assert.ErrorContains(t, err, "empty upstream")

	_, err = registry.Build(plugins.Settings{"name": PluginName, "mirror": "x"}, prometheus.NewRegistry())
	assert.ErrorContains(t, err, "unknown settings")

	_, err = registry.Build(plugins.Settings{"name": PluginName, "timeout": "soon"}, prometheus.NewRegistry())
	assert.ErrorContains(t, err, "invalid timeout")
}
