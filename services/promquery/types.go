// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package promquery is a minimal client for the Prometheus v1 HTTP API,
// covering the instant-query endpoint used by policy plugins.
//
// Result envelopes are tagged: the top level by "status" (success/error) and
// the data by "resultType" (vector/matrix). Label sets are kept as raw JSON
// so that a single malformed entry can be dropped by the caller instead of
// failing the whole response decode.
package promquery

import (
	"encoding/json"
	"fmt"
)

// QueryResult is the tagged success/error envelope of a query response.
type QueryResult struct {
	Status    string     `json:"status"`
	Data      *QueryData `json:"data,omitempty"`
	ErrorType string     `json:"errorType,omitempty"`
	Err       string     `json:"error,omitempty"`
	Warnings  []string   `json:"warnings,omitempty"`
}

// Success returns the result data, or an error if the envelope carries an
// error status or no data at all.
func (r *QueryResult) Success() (*QueryData, error) {
	if r.Status != "success" {
		return nil, fmt.Errorf("query returned status %q: %s: %s", r.Status, r.ErrorType, r.Err)
	}
	if r.Data == nil {
		return nil, fmt.Errorf("query returned success without data")
	}
	return r.Data, nil
}

// QueryData is the tagged vector/matrix result payload.
type QueryData struct {
	ResultType string          `json:"resultType"`
	Result     json.RawMessage `json:"result"`
}

// Vector decodes the result as an instant vector. It is an error to call
// Vector on a non-vector result.
func (d *QueryData) Vector() ([]VectorResult, error) {
	if d.ResultType != "vector" {
		return nil, fmt.Errorf("expected vector result, got %q", d.ResultType)
	}
	var vector []VectorResult
	if err := json.Unmarshal(d.Result, &vector); err != nil {
		return nil, fmt.Errorf("decoding vector result: %w", err)
	}
	return vector, nil
}

// Matrix decodes the result as a range matrix. It is an error to call Matrix
// on a non-matrix result.
func (d *QueryData) Matrix() ([]MatrixResult, error) {
	if d.ResultType != "matrix" {
		return nil, fmt.Errorf("expected matrix result, got %q", d.ResultType)
	}
	var matrix []MatrixResult
	if err := json.Unmarshal(d.Result, &matrix); err != nil {
		return nil, fmt.Errorf("decoding matrix result: %w", err)
	}
	return matrix, nil
}

// VectorResult pairs one label set with one sample.
type VectorResult struct {
	Metric json.RawMessage `json:"metric"`
	Value  SamplePair      `json:"value"`
}

// Labels decodes the entry's label set. Prometheus label values are always
// strings; an entry whose metric is not a string-valued object returns an
// error here rather than during response decode.
func (v *VectorResult) Labels() (map[string]string, error) {
	var labels map[string]string
	if err := json.Unmarshal(v.Metric, &labels); err != nil {
		return nil, fmt.Errorf("malformed label set %s: %w", string(v.Metric), err)
	}
	return labels, nil
}

// MatrixResult pairs one label set with a series of samples.
type MatrixResult struct {
	Metric json.RawMessage `json:"metric"`
	Values []SamplePair    `json:"values"`
}

// Labels decodes the series' label set; see VectorResult.Labels.
func (m *MatrixResult) Labels() (map[string]string, error) {
	var labels map[string]string
	if err := json.Unmarshal(m.Metric, &labels); err != nil {
		return nil, fmt.Errorf("malformed label set %s: %w", string(m.Metric), err)
	}
	return labels, nil
}

// SamplePair is one (timestamp, string-encoded value) sample, transported on
// the wire as a two-element array.
type SamplePair struct {
	Time   float64
	Sample string
}

func (p *SamplePair) UnmarshalJSON(data []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("sample is not a two-element array: %w", err)
	}
	if err := json.Unmarshal(raw[0], &p.Time); err != nil {
		return fmt.Errorf("sample timestamp: %w", err)
	}
	if err := json.Unmarshal(raw[1], &p.Sample); err != nil {
		return fmt.Errorf("sample value: %w", err)
	}
	return nil
}

func (p SamplePair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{p.Time, p.Sample})
}
