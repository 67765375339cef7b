// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package channelfilter implements the channel-filter policy plugin: it
// prunes releases whose channel membership metadata does not list the
// requested channel.
package channelfilter

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AleutianAI/AleutianUpdate/services/update"
	"github.com/AleutianAI/AleutianUpdate/services/update/plugins"
)

// PluginName is the configuration name of this plugin.
const PluginName = "channel-filter"

// Default metadata key halves. The full membership key is
// "<key_prefix>.<key_suffix>" and its value is a comma-separated channel
// list.
const (
	DefaultKeyPrefix = "io.aleutian.update"
	DefaultKeySuffix = "release.channels"
)

// Plugin removes concrete releases that are not members of the channel named
// by the "channel" request parameter. Abstract releases carry no metadata and
// are always retained. An empty channel value disables filtering.
//
// Thread Safety: safe for concurrent use; the plugin holds only immutable
// configuration.
type Plugin struct {
	membershipKey string
}

// Register adds the channel-filter factory to a plugin registry.
func Register(r *plugins.Registry) error {
	return r.Register(PluginName, factory)
}

func factory(cfg plugins.Settings, _ prometheus.Registerer) (plugins.Plugin, error) {
	if unknown := cfg.Unknown("key_prefix", "key_suffix"); len(unknown) > 0 {
		return nil, fmt.Errorf("unknown settings %v", unknown)
	}
	prefix := cfg.GetDefault("key_prefix", DefaultKeyPrefix)
	suffix := cfg.GetDefault("key_suffix", DefaultKeySuffix)
	return plugins.InternalPluginWrapper{Internal: New(prefix, suffix)}, nil
}

// New builds the plugin from the two halves of the membership metadata key.
func New(keyPrefix, keySuffix string) *Plugin {
	return &Plugin{membershipKey: keyPrefix + "." + keySuffix}
}

func (p *Plugin) Name() string { return PluginName }

// RunInternal prunes the graph down to the requested channel. The "channel"
// parameter must be present; an empty value passes the graph through
// unchanged.
func (p *Plugin) RunInternal(io plugins.PluginIO) (plugins.PluginIO, error) {
	if err := plugins.RequireParameters(io.Parameters, "channel"); err != nil {
		return plugins.PluginIO{}, err
	}

	channel := io.Parameters["channel"]
	if channel == "" {
		return io, nil
	}

	doomed := io.Graph.FindByFunc(func(r update.Release) bool {
		concrete, ok := r.(*update.ConcreteRelease)
		if !ok {
			return false
		}
		return !p.memberOf(concrete, channel)
	})

	ids := make([]update.ReleaseID, len(doomed))
	for i, match := range doomed {
		ids[i] = match.ID
	}
	io.Graph.RemoveReleases(ids)

	return io, nil
}

// memberOf reports whether the release's membership metadata lists channel.
// A missing key means no memberships at all.
func (p *Plugin) memberOf(r *update.ConcreteRelease, channel string) bool {
	raw, ok := r.Metadata[p.membershipKey]
	if !ok {
		return false
	}
	for _, member := range strings.Split(raw, ",") {
		if strings.TrimSpace(member) == channel {
			return true
		}
	}
	return false
}
