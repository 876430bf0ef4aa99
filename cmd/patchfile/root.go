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
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/AleutianAI/PatchFile/services/patchfile/config"
)

// flagBindings maps persistent flags onto config keys.
var flagBindings = map[string]string{
	"allowed-dir":           "allowed_dirs",
	"lock-dir":              "lock.dir",
	"log-dir":               "log.dir",
	"log-level":             "log.level",
	"log-json":              "log.json",
	"force-typecheck-tests": "qa.typecheck.force_on_tests",
	"tool-timeout":          "qa.tool_timeout",
	"qa-budget":             "qa.budget",
	"max-iterations":        "qa.max_iterations",
	"python":                "qa.python",
	"enable-versioning":     "versioning.enabled",
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "patchfile",
		Short: "Precise search/replace file edits with post-edit QA",
		Long: `patchfile applies ordered SEARCH/REPLACE blocks to files inside a set of
allowed directories. Every block must match exactly once; if any block
fails the file is left untouched. Python files are then checked with
ruff, black and mypy.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	f := root.PersistentFlags()
	f.String("config", "", "YAML config file")
	f.StringSlice("allowed-dir", nil, "directory the tool may edit (repeatable)")
	f.String("lock-dir", "", "directory for cross-process lock files (default: per-user cache)")
	f.String("log-dir", "", "write JSON logs to this directory")
	f.String("log-level", "info", "debug, info, warn or error")
	f.Bool("log-json", false, "JSON console logs")
	f.Bool("no-lint", false, "disable the lint step")
	f.Bool("no-format", false, "disable the format step")
	f.Bool("no-typecheck", false, "disable the type-check step")
	f.Bool("force-typecheck-tests", false, "type-check test files too")
	f.Duration("tool-timeout", 0, "per-tool timeout")
	f.Duration("qa-budget", 0, "total QA time budget per edit")
	f.Int("max-iterations", 0, "lint/format convergence cap")
	f.String("python", "", "interpreter used to run QA tools")
	f.Bool("enable-versioning", false, "commit each edited file to its git repository (default on)")
	f.Bool("disable-versioning", false, "never commit, overriding config")

	root.AddCommand(
		newServeCmd(),
		newApplyCmd(),
		newDoctorCmd(),
		newConfigCmd(),
	)
	return root
}

// loadConfig resolves defaults, the config file, environment and flags,
// in increasing precedence.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := config.NewViper()
	flags := cmd.Flags()

	if err := bindFlags(v, flags); err != nil {
		return nil, err
	}

	path, _ := flags.GetString("config")
	cfg, err := config.Load(v, path)
	if err != nil {
		return nil, err
	}
	applyOverrides(flags, cfg)
	return cfg, nil
}

// bindFlags binds only flags the user set, so unset zero values never
// shadow config file or environment values.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagBindings {
		fl := flags.Lookup(name)
		if fl == nil || !fl.Changed {
			continue
		}
		if err := v.BindPFlag(key, fl); err != nil {
			return fmt.Errorf("binding --%s: %w", name, err)
		}
	}
	return nil
}

// applyOverrides handles the negative flags, which can only turn things
// off.
func applyOverrides(flags *pflag.FlagSet, cfg *config.Config) {
	if on, _ := flags.GetBool("no-lint"); on {
		cfg.QA.Lint.Enabled = false
	}
	if on, _ := flags.GetBool("no-format"); on {
		cfg.QA.Format.Enabled = false
	}
	if on, _ := flags.GetBool("no-typecheck"); on {
		cfg.QA.TypeCheck.Enabled = false
	}
	if on, _ := flags.GetBool("disable-versioning"); on {
		cfg.Versioning.Enabled = false
	}
}
