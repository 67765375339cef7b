// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command graphdata maintains the local node cache: it downloads a release
// graph from an upstream endpoint and reconciles its concrete releases into
// the cache under a chosen mode.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianUpdate/pkg/logging"
	"github.com/AleutianAI/AleutianUpdate/services/nodecache"
	"github.com/AleutianAI/AleutianUpdate/services/update"
	"github.com/AleutianAI/AleutianUpdate/services/update/plugins/graphfetch"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "graphdata",
		Short:         "Maintain the local release node cache",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newSyncCmd(), newGetCmd())
	return cmd
}

func newSyncCmd() *cobra.Command {
	var (
		upstream  string
		cacheDir  string
		modeName  string
		timeout   time.Duration
		verbosity string
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Download the upstream graph and reconcile it into the cache",
		RunE: func(cmd *cobra.Command, _ []string) error {
			mode, err := nodecache.ParseMode(modeName)
			if err != nil {
				return err
			}

			logger, err := logging.New(logging.Config{Verbosity: verbosity, Service: "graphdata"})
			if err != nil {
				return err
			}
			defer func() { _ = logger.Close() }()
			log := logger.Slog()

			graph, err := downloadGraph(cmd.Context(), upstream, timeout)
			if err != nil {
				return err
			}

			releases := concreteReleases(graph)
			log.Info("downloaded upstream graph",
				"upstream", upstream,
				"releases", graph.ReleaseCount(),
				"concrete", len(releases))

			store, err := nodecache.Open(cacheDir, log)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			stats, err := store.Reconcile(releases, mode)
			if err != nil {
				return fmt.Errorf("reconciling cache: %w", err)
			}
			log.Info("cache reconciled",
				"mode", string(mode),
				"verified", stats.Verified,
				"added", stats.Added,
				"overwritten", stats.Overwritten,
				"skipped", stats.Skipped)
			return nil
		},
	}

	cmd.Flags().StringVar(&upstream, "upstream", graphfetch.DefaultUpstream, "upstream graph endpoint")
	cmd.Flags().StringVar(&cacheDir, "cache-dir", "", "node cache directory")
	cmd.Flags().StringVar(&modeName, "mode", string(nodecache.AddNew),
		"reconcile mode: verify-existing-only, verify-existing-add-new, add-new, add-new-overwrite-existing")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "download timeout")
	cmd.Flags().StringVar(&verbosity, "verbosity", "info", "log level: debug, info, warn, error")
	_ = cmd.MarkFlagRequired("cache-dir")

	return cmd
}

func newGetCmd() *cobra.Command {
	var cacheDir string

	cmd := &cobra.Command{
		Use:   "get <payload>",
		Short: "Print one cached release as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(logging.Config{Quiet: true})
			if err != nil {
				return err
			}
			store, err := nodecache.Open(cacheDir, logger.Slog())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			release, found, err := store.Get(args[0])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("no cached release for %s", args[0])
			}
			out, err := json.MarshalIndent(release, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&cacheDir, "cache-dir", "", "node cache directory")
	_ = cmd.MarkFlagRequired("cache-dir")

	return cmd
}

// downloadGraph fetches and decodes the upstream graph.
func downloadGraph(ctx context.Context, upstream string, timeout time.Duration) (*update.Graph, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, upstream, nil)
	if err != nil {
		return nil, fmt.Errorf("building graph request: %w", err)
	}
	req.Header.Set("Accept", update.ContentType)

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching graph from %s: %w", upstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("upstream %s returned HTTP %d", upstream, resp.StatusCode)
	}

	graph := update.NewGraph()
	if err := json.NewDecoder(resp.Body).Decode(graph); err != nil {
		return nil, fmt.Errorf("decoding graph: %w", err)
	}
	return graph, nil
}

// concreteReleases extracts the concrete releases in semantic-version order,
// so reconciliation processes (and reports) them deterministically. Releases
// with unparseable versions sort last, by version string.
func concreteReleases(graph *update.Graph) []*update.ConcreteRelease {
	var releases []*update.ConcreteRelease
	for _, match := range graph.FindByFunc(func(r update.Release) bool {
		_, ok := r.(*update.ConcreteRelease)
		return ok
	}) {
		releases = append(releases, match.Release.(*update.ConcreteRelease))
	}

	sort.SliceStable(releases, func(i, j int) bool {
		vi, erri := update.SemVer(releases[i])
		vj, errj := update.SemVer(releases[j])
		switch {
		case erri == nil && errj == nil:
			return vi.LessThan(vj)
		case erri == nil:
			return true
		case errj == nil:
			return false
		default:
			return releases[i].Version < releases[j].Version
		}
	})
	return releases
}
