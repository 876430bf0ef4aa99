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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/PatchFile/pkg/ux"
	"github.com/AleutianAI/PatchFile/services/patchfile/qa"
	"github.com/AleutianAI/PatchFile/services/patchfile/security"
)

// DoctorReport is the result of the startup checks and tool discovery.
type DoctorReport struct {
	Privileges CheckResult  `json:"privileges"`
	Roots      []RootReport `json:"roots"`
	OK         bool         `json:"ok"`
}

// CheckResult is one pass/fail check.
type CheckResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// RootReport covers one allowed directory.
type RootReport struct {
	Path  string          `json:"path"`
	Check CheckResult     `json:"check"`
	Tools []qa.ToolStatus `json:"tools,omitempty"`
}

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run the startup checks and report which QA tools would run",
		Args:  cobra.NoArgs,
		RunE:  runDoctor,
	}
	cmd.Flags().Bool("json", false, "print the report as JSON")
	return cmd
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, false)
	defer logger.Close()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	report := diagnose(cmd.Context(), a.gate.Roots(), a.steps, security.DefaultElevationProbe)

	asJSON, _ := cmd.Flags().GetBool("json")
	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		printReport(cmd.OutOrStdout(), report)
	}

	if !report.OK {
		return errReported
	}
	return nil
}

// diagnose runs every check instead of stopping at the first failure.
func diagnose(ctx context.Context, roots []string, steps qa.Steps, probe security.ElevationProbe) DoctorReport {
	report := DoctorReport{OK: true}

	if err := security.CheckPrivileges(probe); err != nil {
		report.Privileges = CheckResult{Error: err.Error()}
		report.OK = false
	} else {
		report.Privileges = CheckResult{OK: true}
	}

	for _, root := range roots {
		rr := RootReport{Path: root, Check: CheckResult{OK: true}}
		if err := security.CheckRoots(ctx, []string{root}); err != nil {
			rr.Check = CheckResult{Error: err.Error()}
			report.OK = false
		} else {
			rr.Tools = qa.Discover(ctx, steps, root)
		}
		report.Roots = append(report.Roots, rr)
	}
	return report
}

func printReport(w io.Writer, r DoctorReport) {
	p := ux.NewPrinter(w)
	p.Title("patchfile doctor")

	if r.Privileges.OK {
		p.Status(ux.IconSuccess, "not running with elevated privileges")
	} else {
		p.Status(ux.IconError, r.Privileges.Error)
	}

	for _, root := range r.Roots {
		if !root.Check.OK {
			p.Status(ux.IconError, root.Check.Error)
			continue
		}
		p.Status(ux.IconSuccess, root.Path+" is readable and writable")
		for _, tool := range root.Tools {
			label := fmt.Sprintf("%s (%s)", tool.Kind, tool.Tool)
			if tool.Available {
				p.Detail(fmt.Sprintf("%s: %s", label, strings.Join(tool.Command, " ")))
			} else {
				p.Status(ux.IconWarning, fmt.Sprintf("%s unavailable: %s", label, tool.Error))
			}
		}
	}
}
