// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command patchfile serves the patch_file MCP tool and offers the same
// edit pipeline on the command line.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Exit codes.
const (
	exitOK     = 0
	exitFailed = 1 // failed edit, doctor finding or startup check
	exitUsage  = 2 // bad flags or config
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)

	err := cmd.Execute()
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errReported):
		return exitFailed
	default:
		fmt.Fprintf(os.Stderr, "patchfile: %v\n", err)
		return exitUsage
	}
}

// errReported means the command already printed its failure.
var errReported = errors.New("failure reported")

// startupFailure prints a failed startup check and stops the command.
func startupFailure(cmd *cobra.Command, err error) error {
	fmt.Fprintf(cmd.ErrOrStderr(), "patchfile: refusing to start: %v\n", err)
	return errReported
}
