// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command policyengine serves policy-filtered update graphs. The plugin
// pipeline is assembled once from settings at startup; a misconfigured
// pipeline refuses to start serving.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianUpdate/pkg/logging"
	"github.com/AleutianAI/AleutianUpdate/services/policyengine"
	"github.com/AleutianAI/AleutianUpdate/services/update/plugins"
	"github.com/AleutianAI/AleutianUpdate/services/update/plugins/channelfilter"
	"github.com/AleutianAI/AleutianUpdate/services/update/plugins/graphfetch"
	"github.com/AleutianAI/AleutianUpdate/services/update/plugins/phasedrollout"
	"github.com/AleutianAI/AleutianUpdate/services/update/telemetry"
)

const shutdownGrace = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath, logDir string

	settings := policyengine.DefaultSettings()

	cmd := &cobra.Command{
		Use:           "policyengine",
		Short:         "Serve policy-filtered update graphs",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Flags override the settings file, which overrides defaults.
			// Re-apply flag values after the file load so explicit flags win.
			flagged := *settings
			if err := settings.LoadFile(configPath); err != nil {
				return err
			}
			applyFlagOverrides(cmd, settings, &flagged)
			if err := settings.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), settings, logDir)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to the YAML settings file")
	cmd.Flags().StringVar(&logDir, "log-dir", "", "directory for JSON log files")
	cmd.Flags().StringVar(&settings.Address, "address", settings.Address, "main listener address")
	cmd.Flags().IntVar(&settings.Port, "port", settings.Port, "main listener port")
	cmd.Flags().StringVar(&settings.StatusAddress, "status-address", settings.StatusAddress, "status listener address")
	cmd.Flags().IntVar(&settings.StatusPort, "status-port", settings.StatusPort, "status listener port")
	cmd.Flags().StringVar(&settings.PathPrefix, "path-prefix", settings.PathPrefix, "path prefix for served routes")
	cmd.Flags().StringVar(&settings.Verbosity, "verbosity", settings.Verbosity, "log level: debug, info, warn, error")

	return cmd
}

// applyFlagOverrides re-applies explicitly set flags on top of the file
// layer. The flag variables point into flagged, which captured their values
// before the file load replaced them.
func applyFlagOverrides(cmd *cobra.Command, settings, flagged *policyengine.AppSettings) {
	if cmd.Flags().Changed("address") {
		settings.Address = flagged.Address
	}
	if cmd.Flags().Changed("port") {
		settings.Port = flagged.Port
	}
	if cmd.Flags().Changed("status-address") {
		settings.StatusAddress = flagged.StatusAddress
	}
	if cmd.Flags().Changed("status-port") {
		settings.StatusPort = flagged.StatusPort
	}
	if cmd.Flags().Changed("path-prefix") {
		settings.PathPrefix = flagged.PathPrefix
	}
	if cmd.Flags().Changed("verbosity") {
		settings.Verbosity = flagged.Verbosity
	}
}

func run(ctx context.Context, settings *policyengine.AppSettings, logDir string) error {
	logger, err := logging.New(logging.Config{
		Verbosity: settings.Verbosity,
		Service:   "policyengine",
		LogDir:    logDir,
		JSON:      true,
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()
	log := logger.Slog()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.DefaultConfig("policyengine"))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Warn("telemetry shutdown", "error", err)
		}
	}()

	registry := plugins.NewRegistry()
	if err := graphfetch.Register(registry); err != nil {
		return err
	}
	if err := channelfilter.Register(registry); err != nil {
		return err
	}
	if err := phasedrollout.Register(registry, log); err != nil {
		return err
	}

	pipeline, err := plugins.Assemble(log, registry, settings.Policy, settings.Registry())
	if err != nil {
		return fmt.Errorf("assembling policy pipeline: %w", err)
	}
	log.Info("policy pipeline assembled", "stages", pipeline.Len())

	server, err := policyengine.NewServer(settings, pipeline, log)
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	graphSrv := &http.Server{Addr: settings.ListenAddr(), Handler: server.Router()}
	status := &http.Server{Addr: settings.StatusListenAddr(), Handler: server.StatusRouter()}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("serving graphs", "addr", graphSrv.Addr, "path_prefix", settings.PathPrefix)
		if err := graphSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		log.Info("serving status", "addr", status.Addr)
		if err := status.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		server.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		mainErr := graphSrv.Shutdown(shutdownCtx)
		statusErr := status.Shutdown(shutdownCtx)
		return errors.Join(mainErr, statusErr)
	})

	server.SetReady(true)
	err = group.Wait()
	log.Info("policy engine stopped")
	return err
}
