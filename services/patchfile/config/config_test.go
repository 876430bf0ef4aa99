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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	pferrors "github.com/AleutianAI/PatchFile/pkg/errors"
)

func TestLoad_Defaults(t *testing.T) {
	v := NewViper()
	v.Set("allowed_dirs", []string{"/repo"})

	cfg, err := Load(v, "")
	require.NoError(t, err)

	assert.Equal(t, []string{"/repo"}, cfg.AllowedDirs)
	assert.True(t, cfg.QA.Lint.Enabled)
	assert.True(t, cfg.QA.Format.Enabled)
	assert.True(t, cfg.QA.TypeCheck.Enabled)
	assert.False(t, cfg.QA.TypeCheck.ForceOnTests)
	assert.Equal(t, DefaultTestPatterns, cfg.QA.TypeCheck.TestPatterns)
	assert.Equal(t, 15*time.Second, cfg.QA.ToolTimeout)
	assert.Equal(t, 20*time.Second, cfg.QA.Budget)
	assert.Equal(t, 2, cfg.QA.MaxIterations)
	assert.Equal(t, 100, cfg.Steering.GCEvery)
	assert.Equal(t, time.Hour, cfg.Steering.MaxAge)
	assert.Equal(t, 3, cfg.Steering.SuppressAfter)
	assert.Equal(t, 10, cfg.Steering.HistoryLimit)
	assert.True(t, cfg.Versioning.Enabled)
	assert.Empty(t, cfg.Lock.Dir)
	assert.Equal(t, 4, cfg.Server.MaxConcurrent)
}

func TestLoad_RequiresAllowedDirs(t *testing.T) {
	_, err := Load(NewViper(), "")
	require.Error(t, err)
	assert.True(t, pferrors.HasCode(err, pferrors.CodeConfigInvalid))
	assert.Contains(t, err.Error(), "allowed_dirs")
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "patchfile.yaml")
	content := `
allowed_dirs:
  - /repo
  - /work
qa:
  tool_timeout: 5s
  budget: 8s
  typecheck:
    enabled: false
    force_on_tests: true
server:
  http_addr: 127.0.0.1:8088
lock:
  dir: /var/tmp/patchfile-locks
versioning:
  enabled: false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(NewViper(), path)
	require.NoError(t, err)

	assert.Equal(t, []string{"/repo", "/work"}, cfg.AllowedDirs)
	assert.Equal(t, 5*time.Second, cfg.QA.ToolTimeout)
	assert.Equal(t, 8*time.Second, cfg.QA.Budget)
	assert.False(t, cfg.QA.TypeCheck.Enabled)
	assert.True(t, cfg.QA.TypeCheck.ForceOnTests)
	assert.Equal(t, "127.0.0.1:8088", cfg.Server.HTTPAddr)
	assert.Equal(t, "/var/tmp/patchfile-locks", cfg.Lock.Dir)
	assert.False(t, cfg.Versioning.Enabled)
	assert.True(t, cfg.QA.Lint.Enabled, "unset keys keep their defaults")
}

func TestLoad_MissingFile(t *testing.T) {
	v := NewViper()
	v.Set("allowed_dirs", []string{"/repo"})

	_, err := Load(v, filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, pferrors.HasCode(err, pferrors.CodeConfigInvalid))
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("PATCHFILE_ALLOWED_DIRS", "/a, /b")
	t.Setenv("PATCHFILE_QA_BUDGET", "30s")
	t.Setenv("PATCHFILE_QA_LINT_ENABLED", "false")
	t.Setenv("PATCHFILE_LOCK_DIR", "/run/user/1000/patchfile")

	cfg, err := Load(NewViper(), "")
	require.NoError(t, err)

	assert.Equal(t, []string{"/a", "/b"}, cfg.AllowedDirs)
	assert.Equal(t, 30*time.Second, cfg.QA.Budget)
	assert.False(t, cfg.QA.Lint.Enabled)
	assert.Equal(t, "/run/user/1000/patchfile", cfg.Lock.Dir)
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	v := NewViper()
	v.Set("allowed_dirs", []string{"/repo"})
	cfg, err := Load(v, "")
	require.NoError(t, err)

	cfg.QA.ToolTimeout = 0
	cfg.QA.MaxIterations = 9
	cfg.Log.Level = "loud"
	cfg.Server.MaxConcurrent = 0
	cfg.QA.TypeCheck.TestPatterns = []string{"[bad"}

	errs := cfg.Validate()
	require.Len(t, errs, 5)

	joined := make([]string, 0, len(errs))
	for _, e := range errs {
		joined = append(joined, e.Error())
	}
	all := strings.Join(joined, "\n")
	assert.Contains(t, all, "qa.tool_timeout")
	assert.Contains(t, all, "qa.max_iterations")
	assert.Contains(t, all, "log.level")
	assert.Contains(t, all, "server.max_concurrent")
	assert.Contains(t, all, `"[bad"`)
}

func TestConfig_YAMLRoundTrip(t *testing.T) {
	v := NewViper()
	v.Set("allowed_dirs", []string{"/repo"})
	cfg, err := Load(v, "")
	require.NoError(t, err)

	out, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(out), "tool_timeout: 15s")

	path := filepath.Join(t.TempDir(), "roundtrip.yaml")
	require.NoError(t, os.WriteFile(path, out, 0o600))

	again, err := Load(NewViper(), path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, splitList([]string{"a,b", " c ", ""}))
	assert.Empty(t, splitList(nil))
}
