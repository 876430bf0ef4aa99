// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handler

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/PatchFile/services/patchfile/qa"
	"github.com/AleutianAI/PatchFile/services/patchfile/versioning"
)

// Request is one patch_file invocation.
type Request struct {
	FilePath     string `json:"file_path"`
	PatchContent string `json:"patch_content"`
}

// DiffStat counts changed lines.
type DiffStat struct {
	Added   int32 `json:"added"`
	Changed int32 `json:"changed"`
	Deleted int32 `json:"deleted"`
}

// Response is the structured result returned to every transport.
//
// Success reflects the edit only. QA failures and versioning problems
// never flip it to false.
type Response struct {
	Success       bool               `json:"success"`
	Message       string             `json:"message"`
	Code          string             `json:"code,omitempty"`
	RequestID     string             `json:"request_id,omitempty"`
	Path          string             `json:"path,omitempty"`
	BlocksApplied int                `json:"blocks_applied"`
	ContentHash   string             `json:"content_hash,omitempty"`
	Changed       bool               `json:"changed"`
	DiffStat      *DiffStat          `json:"diff_stat,omitempty"`
	QA            *qa.Summary        `json:"qa,omitempty"`
	Guidance      string             `json:"guidance,omitempty"`
	Commit        *versioning.Commit `json:"commit,omitempty"`
	Warnings      []string           `json:"warnings,omitempty"`
}

// Text renders the response for agents that only read text content.
//
//	Successfully applied 2 patch blocks to /repo/app.py
//
//	QA Results:
//	  Lint (ruff): passed
//	  ...
//
//	Committed as 1a2b3c4 (Update app.py)
func (r *Response) Text() string {
	var b strings.Builder
	if r.Success {
		b.WriteString(r.Message)
	} else {
		fmt.Fprintf(&b, "Error: %s", r.Message)
	}

	if r.Guidance != "" {
		b.WriteString("\n\n")
		b.WriteString(r.Guidance)
	}
	if r.QA != nil {
		b.WriteString("\n\n")
		b.WriteString(r.QA.Text())
	}
	if r.Commit != nil {
		fmt.Fprintf(&b, "\n\nCommitted as %s (%s)", r.Commit.Hash, r.Commit.Message)
	}
	if len(r.Warnings) > 0 {
		b.WriteString("\n")
		for _, w := range r.Warnings {
			fmt.Fprintf(&b, "\nWarning: %s", w)
		}
	}
	return b.String()
}

func successMessage(blocks int, path string) string {
	return fmt.Sprintf("Successfully applied %d patch blocks to %s", blocks, path)
}
