// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package promquery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// InstantQueryPath is the v1 instant-query endpoint, relative to the API base.
const InstantQueryPath = "/api/v1/query"

// Doer issues HTTP requests. *http.Client satisfies it; tests inject mocks.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configures a Client.
type Options struct {
	// APIBase is the base URL of the Prometheus-compatible API, without the
	// /api/v1 suffix. Required.
	APIBase string

	// AccessToken, when non-empty, is sent as a bearer token.
	AccessToken string

	// Timeout bounds each request when HTTPClient is nil. Zero means 30s.
	Timeout time.Duration

	// HTTPClient overrides the transport; nil uses an *http.Client built
	// from Timeout.
	HTTPClient Doer
}

// Client queries a Prometheus-compatible v1 HTTP API.
//
// Thread Safety: safe for concurrent use; the client holds no mutable state.
type Client struct {
	apiBase     string
	accessToken string
	httpClient  Doer
}

// NewClient validates opts and builds a Client.
func NewClient(opts Options) (*Client, error) {
	if opts.APIBase == "" {
		return nil, fmt.Errorf("promquery: api base must not be empty")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		apiBase:     strings.TrimRight(opts.APIBase, "/"),
		accessToken: opts.AccessToken,
		httpClient:  httpClient,
	}, nil
}

// Query sends one instant query.
//
// Inputs:
//
//	ctx - Context for the request.
//	query - The PromQL expression.
//	ts - Optional evaluation timestamp; nil evaluates at the server's now.
//	timeout - Optional server-side evaluation timeout; nil uses the server
//	          default.
//
// Outputs:
//
//	*QueryResult - The decoded success/error envelope.
//	error - Non-nil on transport failure, non-2xx status, or a body that
//	        does not decode as a query envelope.
func (c *Client) Query(ctx context.Context, query string, ts *time.Time, timeout *time.Duration) (*QueryResult, error) {
	values := url.Values{}
	values.Set("query", query)
	if ts != nil {
		values.Set("time", ts.UTC().Format(time.RFC3339Nano))
	}
	if timeout != nil {
		values.Set("timeout", fmt.Sprintf("%ds", int(timeout.Seconds())))
	}

	endpoint := c.apiBase + InstantQueryPath + "?" + values.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building query request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", c.apiBase, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("query returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result QueryResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding query response: %w", err)
	}
	return &result, nil
}
