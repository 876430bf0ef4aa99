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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/PatchFile/pkg/ux"
	"github.com/AleutianAI/PatchFile/services/patchfile/handler"
	"github.com/AleutianAI/PatchFile/services/patchfile/security"
)

func newApplyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply <file> [patch-file]",
		Short: "Apply a SEARCH/REPLACE patch to one file",
		Long: `Apply reads the patch from patch-file, or from stdin when patch-file is
omitted or "-". The target file must be inside an allowed directory.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: runApply,
	}
	cmd.Flags().Bool("json", false, "print the structured response as JSON")
	return cmd
}

func runApply(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	payload, err := readPatch(args, cmd.InOrStdin())
	if err != nil {
		return err
	}
	target, err := filepath.Abs(args[0])
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

	if err := a.gate.CheckStartup(cmd.Context(), security.DefaultElevationProbe); err != nil {
		return startupFailure(cmd, err)
	}

	resp, _ := a.handler.Handle(cmd.Context(), handler.Request{
		FilePath:     target,
		PatchContent: payload,
	})

	asJSON, _ := cmd.Flags().GetBool("json")
	if err := printResponse(cmd.OutOrStdout(), resp, asJSON); err != nil {
		return err
	}
	if !resp.Success {
		return errReported
	}
	return nil
}

// readPatch returns the patch text from a file argument or stdin. A
// terminal stdin is refused rather than waited on.
func readPatch(args []string, stdin io.Reader) (string, error) {
	if len(args) == 2 && args[1] != "-" {
		data, err := os.ReadFile(args[1])
		if err != nil {
			return "", fmt.Errorf("reading patch: %w", err)
		}
		return string(data), nil
	}
	if ux.IsTerminal(stdin) {
		return "", errors.New("no patch given: pass a patch file or pipe one on stdin")
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("reading patch from stdin: %w", err)
	}
	return string(data), nil
}

func printResponse(w io.Writer, resp *handler.Response, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	p := ux.NewPrinter(w)
	if resp.Success {
		p.Status(ux.IconSuccess, resp.Message)
		if resp.DiffStat != nil {
			p.Detail(fmt.Sprintf("+%d -%d ~%d lines", resp.DiffStat.Added, resp.DiffStat.Deleted, resp.DiffStat.Changed))
		}
	} else {
		p.Status(ux.IconError, resp.Message)
	}
	if resp.Guidance != "" {
		p.Status(ux.IconWarning, resp.Guidance)
	}
	if resp.QA != nil {
		p.Block("", resp.QA.Text())
	}
	if resp.Commit != nil {
		p.Detail(fmt.Sprintf("committed %s (%s)", resp.Commit.Hash, resp.Commit.Message))
	}
	for _, warning := range resp.Warnings {
		p.Status(ux.IconWarning, warning)
	}
	return nil
}
