// Copyright (C) 2025 SingularityHQ
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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelString(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(42), "UNKNOWN"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.level.String())
	}
}

func TestNewWritesFileJSON(t *testing.T) {
	dir := t.TempDir()

	logger := New(Config{
		Level:   LevelDebug,
		LogDir:  dir,
		Service: "test-service",
		Quiet:   true,
	})
	logger.Slog().Info("hello", "key", "value")
	require.NoError(t, logger.Close())

	name := "test-service_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)

	var entry map[string]any
	line := strings.TrimSpace(string(data))
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "value", entry["key"])
	assert.Equal(t, "test-service", entry["service"])
}

func TestLevelFiltering(t *testing.T) {
	dir := t.TempDir()

	logger := New(Config{
		Level:   LevelWarn,
		LogDir:  dir,
		Service: "filter",
		Quiet:   true,
	})
	logger.Slog().Info("dropped")
	logger.Slog().Warn("kept")
	require.NoError(t, logger.Close())

	name := "filter_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), "kept")
}

func TestCloseWithoutFile(t *testing.T) {
	logger := New(Config{Quiet: true})
	assert.NoError(t, logger.Close())
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".centralcloud/logs"), expandPath("~/.centralcloud/logs"))
	assert.Equal(t, "/var/log/centralcloud", expandPath("/var/log/centralcloud"))
}
