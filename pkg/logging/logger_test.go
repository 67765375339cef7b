// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		verbosity string
		wantErr   bool
	}{
		{"debug", false},
		{"info", false},
		{"warn", false},
		{"error", false},
		{"", false},
		{"chatty", true},
		{"INFO", true},
	}
	for _, tc := range cases {
		_, err := ParseLevel(tc.verbosity)
		if tc.wantErr {
			assert.Error(t, err, tc.verbosity)
		} else {
			assert.NoError(t, err, tc.verbosity)
		}
	}
}

func TestNewRejectsUnknownVerbosity(t *testing.T) {
	_, err := New(Config{Verbosity: "loud"})
	assert.Error(t, err)
}

func TestFileLogging(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(Config{
		Verbosity: "debug",
		Service:   "policyengine",
		LogDir:    dir,
		Quiet:     true,
	})
	require.NoError(t, err)

	logger.Slog().Info("graph served", "releases", 7)
	require.NoError(t, logger.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "policyengine_"))

	raw, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)

	var record map[string]any
	require.NoError(t, json.Unmarshal(raw, &record))
	assert.Equal(t, "graph served", record["msg"])
	assert.Equal(t, "policyengine", record["service"])
	assert.Equal(t, float64(7), record["releases"])
}

func TestLevelFilterAppliesToFile(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(Config{
		Verbosity: "warn",
		Service:   "graphdata",
		LogDir:    dir,
		Quiet:     true,
	})
	require.NoError(t, err)

	logger.Slog().Info("filtered out")
	logger.Slog().Warn("kept")
	require.NoError(t, logger.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	raw, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)

	assert.NotContains(t, string(raw), "filtered out")
	assert.Contains(t, string(raw), "kept")
}

func TestCloseWithoutFileIsNoop(t *testing.T) {
	logger, err := New(Config{})
	require.NoError(t, err)
	assert.NoError(t, logger.Close())
	assert.NoError(t, logger.Close())
}
