// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCatalog/services/catalog/domain"
)

// testConfig writes a config with a persistent store in a temp dir so that
// state survives between command invocations.
func testConfig(t *testing.T, driver string) string {
	t.Helper()
	dir := t.TempDir()
	storePath := filepath.Join(dir, "store")
	if driver == "sqlite" {
		storePath = filepath.Join(dir, "catalog.db")
	}
	body := fmt.Sprintf(`
log:
  level: error
store:
  driver: %s
  path: %s
  sync_writes: false
  gc_interval: 0s
search:
  backend: memory
telemetry:
  trace_exporter: none
  metric_exporter: none
`, driver, storePath)
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func run(t *testing.T, cfgPath string, args ...string) ([]byte, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.Bytes(), err
}

func runEntity(t *testing.T, cfgPath string, args ...string) domain.Entity {
	t.Helper()
	out, err := run(t, cfgPath, args...)
	require.NoError(t, err, "%v", args)
	var e domain.Entity
	require.NoError(t, json.Unmarshal(out, &e))
	return e
}

func TestCLI_CategoryLifecycle(t *testing.T) {
	for _, driver := range []string{"badger", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			cfg := testConfig(t, driver)

			a := runEntity(t, cfg, "category", "create", "Mathematics")
			b := runEntity(t, cfg, "category", "create", "Algebra", "--parent", a.ID)
			c := runEntity(t, cfg, "category", "create", "Linear Algebra", "--parent", b.ID)
			assert.Equal(t, []string{a.ID, b.ID}, c.Ancestors)

			moved := runEntity(t, cfg, "category", "move", b.ID, "root")
			assert.Empty(t, moved.Ancestors)
			got := runEntity(t, cfg, "get", c.ID)
			assert.Equal(t, []string{b.ID}, got.Ancestors)

			_, err := run(t, cfg, "category", "move", b.ID, c.ID)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrCycle))
			assert.Equal(t, 4, exitCode(err))

			out, err := run(t, cfg, "search", "categories", "--text", "algebra")
			require.NoError(t, err)
			var res struct {
				Total    int    `json:"total"`
				Backend  string `json:"backend"`
				Degraded bool   `json:"degraded"`
			}
			require.NoError(t, json.Unmarshal(out, &res))
			assert.Equal(t, 2, res.Total)
			assert.Equal(t, "memory", res.Backend)
			assert.False(t, res.Degraded)

			out, err = run(t, cfg, "category", "children")
			require.NoError(t, err)
			var page domain.Page
			require.NoError(t, json.Unmarshal(out, &page))
			assert.Equal(t, 2, page.Total)

			_, err = run(t, cfg, "category", "delete", b.ID)
			assert.True(t, errors.Is(err, domain.ErrHasChildren))

			_, err = run(t, cfg, "category", "delete", c.ID)
			require.NoError(t, err)
			_, err = run(t, cfg, "get", c.ID)
			assert.Equal(t, 3, exitCode(err))
		})
	}
}

func TestCLI_ResourcesAndTags(t *testing.T) {
	cfg := testConfig(t, "badger")

	cat := runEntity(t, cfg, "category", "create", "Reading")
	tag := runEntity(t, cfg, "tag", "create", "phonics")
	res := runEntity(t, cfg, "--as", "editor-7", "resource", "create", "Flashcards",
		"--category", cat.ID, "--tag", tag.ID, "--attr", "grade=1")
	assert.Equal(t, "editor-7", res.CreatedBy)
	assert.Equal(t, "1", res.Attributes["grade"])

	got := runEntity(t, cfg, "get", cat.ID)
	assert.Equal(t, int64(1), got.ResourceCount)

	_, err := run(t, cfg, "tag", "delete", tag.ID)
	assert.True(t, errors.Is(err, domain.ErrNotEmpty))

	updated := runEntity(t, cfg, "resource", "update", res.ID, "--tag", "")
	assert.Empty(t, updated.TagIDs)
	assert.Equal(t, int64(0), runEntity(t, cfg, "get", tag.ID).ResourceCount)

	_, err = run(t, cfg, "tag", "delete", tag.ID)
	require.NoError(t, err)
	_, err = run(t, cfg, "resource", "delete", res.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), runEntity(t, cfg, "get", cat.ID).ResourceCount)

	_, err = run(t, cfg, "resource", "create", "Orphan", "--category", "missing")
	assert.Equal(t, 3, exitCode(err))
}

func TestCLI_RepairAndReindex(t *testing.T) {
	cfg := testConfig(t, "badger")
	a := runEntity(t, cfg, "category", "create", "Science")
	runEntity(t, cfg, "category", "create", "Physics", "--parent", a.ID)

	out, err := run(t, cfg, "repair")
	require.NoError(t, err)
	var report struct {
		Checked  int      `json:"checked"`
		Repaired []string `json:"repaired"`
	}
	require.NoError(t, json.Unmarshal(out, &report))
	assert.Equal(t, 2, report.Checked)
	assert.Empty(t, report.Repaired)

	out, err = run(t, cfg, "reindex", "--kind", "category")
	require.NoError(t, err)
	var idx struct {
		Indexed map[string]int
	}
	require.NoError(t, json.Unmarshal(out, &idx))
	assert.Equal(t, 2, idx.Indexed["categories"])

	_, err = run(t, cfg, "reindex", "--kind", "user")
	assert.Equal(t, 2, exitCode(err))
}

func TestCLI_ConfigInit(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs([]string{"config", "init"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "driver: badger")

	path := filepath.Join(t.TempDir(), "catalog.yaml")
	cmd = newRootCmd(io.Discard)
	cmd.SetArgs([]string{"config", "init", path})
	require.NoError(t, cmd.Execute())

	cmd = newRootCmd(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"config", "init", path})
	assert.Error(t, cmd.Execute(), "existing file needs --force")

	cmd = newRootCmd(io.Discard)
	cmd.SetArgs([]string{"config", "init", path, "--force"})
	assert.NoError(t, cmd.Execute())
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 1, exitCode(errors.New("plain")))
	assert.Equal(t, 2, exitCode(domain.E(domain.KindValidation, "op", "", nil)))
	assert.Equal(t, 3, exitCode(domain.E(domain.KindNotFound, "op", "x", nil)))
	assert.Equal(t, 5, exitCode(domain.E(domain.KindStoreUnavailable, "op", "", nil)))
	assert.Equal(t, 4, exitCode(domain.E(domain.KindDuplicateName, "op", "", nil)))
}
