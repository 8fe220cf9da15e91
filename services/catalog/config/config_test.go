// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"bytes"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
}

func TestLoad_DefaultsOnly(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), *cfg)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), `
store:
  driver: sqlite
  path: /tmp/catalog.db
coordinator:
  propagation_timeout: 750ms
  async_propagation: true
log:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "/tmp/catalog.db", cfg.Store.Path)
	assert.Equal(t, 750*time.Millisecond, cfg.Coordinator.PropagationTimeout)
	assert.True(t, cfg.Coordinator.AsyncPropagation)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Untouched sections keep their defaults.
	assert.Equal(t, Default().Cache, cfg.Cache)
	assert.Equal(t, 8, cfg.Coordinator.PropagationConcurrency)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("CATALOG_SEARCH_BACKEND", "none")
	t.Setenv("CATALOG_CACHE_TTL", "30s")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "none", cfg.Search.Backend)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "driver", body: "store:\n  driver: postgres\n", want: "Store.Driver"},
		{name: "level", body: "log:\n  level: loud\n", want: "Log.Level"},
		{name: "concurrency", body: "coordinator:\n  propagation_concurrency: 0\n", want: "Coordinator.PropagationConcurrency"},
		{name: "weaviate url", body: "search:\n  backend: weaviate\n", want: "weaviate_url"},
		{name: "exporter", body: "telemetry:\n  trace_exporter: zipkin\n", want: "Telemetry.TraceExporter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, t.TempDir(), tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestWriteDefault_RoundTrips(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteDefault(&buf))
	assert.Contains(t, buf.String(), "propagation_timeout: 3s")

	cfg, err := Load(writeFile(t, t.TempDir(), buf.String()))
	require.NoError(t, err)
	assert.Equal(t, Default(), *cfg)
}

func TestWatch_AppliesChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "log:\n  level: info\n")

	var level atomic.Value
	require.NoError(t, Watch(path, nil, func(cfg *Config) {
		level.Store(cfg.Log.Level)
	}))

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))
	require.Eventually(t, func() bool {
		v, _ := level.Load().(string)
		return v == "debug"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatch_RequiresPath(t *testing.T) {
	assert.Error(t, Watch("", nil, func(*Config) {}))
}
