// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policyengine

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianUpdate/services/update"
	"github.com/AleutianAI/AleutianUpdate/services/update/plugins"
	"github.com/AleutianAI/AleutianUpdate/services/update/plugins/graphfetch"
)

// GraphPath is the graph endpoint, served under the configured path prefix.
const GraphPath = "/v1/graph"

// Server answers graph requests by running the policy pipeline once per
// request on a fresh PluginIO.
//
// Thread Safety: safe for concurrent use; the pipeline is immutable after
// assembly and every request owns its PluginIO.
type Server struct {
	pipeline *plugins.Pipeline
	settings *AppSettings
	logger   *slog.Logger
	ready    atomic.Bool

	incomingRequests prometheus.Counter
}

// NewServer wires a pipeline to the HTTP surface and registers the
// incoming-request counter on the shared registry.
func NewServer(settings *AppSettings, pipeline *plugins.Pipeline, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		pipeline: pipeline,
		settings: settings,
		logger:   logger,
		incomingRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "v1_graph_incoming_requests_total",
			Help: "Total number of incoming graph requests",
		}),
	}
	if err := settings.Registry().Register(s.incomingRequests); err != nil {
		return nil, fmt.Errorf("registering metric: %w", err)
	}
	return s, nil
}

// Router builds the gin engine for the main listener.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET(s.settings.PathPrefix+GraphPath, s.handleGraph)
	return router
}

// StatusRouter builds the gin engine for the status listener: promhttp
// exposition of the shared registry plus liveness and readiness probes.
func (s *Server) StatusRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
		s.settings.Registry(), promhttp.HandlerOpts{})))
	router.GET("/livez", func(c *gin.Context) {
		c.String(http.StatusOK, "live")
	})
	router.GET("/readyz", func(c *gin.Context) {
		if !s.ready.Load() {
			c.String(http.StatusServiceUnavailable, "not ready")
			return
		}
		c.String(http.StatusOK, "ready")
	})
	return router
}

// SetReady flips the readiness probe; main() calls it once the listeners are
// up.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

func (s *Server) handleGraph(c *gin.Context) {
	s.incomingRequests.Inc()

	if !acceptsGraph(c.GetHeader("Accept")) {
		c.JSON(http.StatusNotAcceptable, gin.H{
			"message": fmt.Sprintf("accepted media types are %s and application/json", update.ContentType),
		})
		return
	}

	params := plugins.Parameters{}
	for key, values := range c.Request.URL.Query() {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}
	for _, key := range s.settings.MandatoryClientParameters {
		if _, ok := params[key]; !ok {
			c.JSON(http.StatusBadRequest, gin.H{
				"message": fmt.Sprintf("missing mandatory parameter %q", key),
			})
			return
		}
	}

	out, err := s.pipeline.Run(c.Request.Context(), plugins.PluginIO{
		Graph:      update.NewGraph(),
		Parameters: params,
	})
	if err != nil {
		status := statusFor(err)
		s.logger.Error("graph request failed",
			"status", status, "error", err)
		c.JSON(status, gin.H{"message": err.Error()})
		return
	}

	body, err := out.Graph.MarshalJSON()
	if err != nil {
		s.logger.Error("encoding graph response", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "encoding graph"})
		return
	}
	c.Data(http.StatusOK, update.ContentType, body)
}

// statusFor maps pipeline failures onto HTTP statuses: client mistakes are
// 400, a broken upstream is 502, everything else is the engine's fault.
func statusFor(err error) int {
	var missing *plugins.MissingParameterError
	if errors.As(err, &missing) {
		return http.StatusBadRequest
	}
	var upstream *graphfetch.UpstreamError
	if errors.As(err, &upstream) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// acceptsGraph reports whether the Accept header admits the graph media
// type. An absent header accepts anything.
func acceptsGraph(accept string) bool {
	if accept == "" {
		return true
	}
	for _, part := range strings.Split(accept, ",") {
		mediaType := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		switch mediaType {
		case update.ContentType, "application/json", "application/*", "*/*":
			return true
		}
	}
	return false
}
