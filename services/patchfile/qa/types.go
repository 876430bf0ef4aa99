// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package qa

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	pferrors "github.com/AleutianAI/PatchFile/pkg/errors"
)

// =============================================================================
// STEPS
// =============================================================================

// StepKind identifies a pipeline stage.
type StepKind string

const (
	StepLint      StepKind = "Lint"
	StepFormat    StepKind = "Format"
	StepTypeCheck StepKind = "TypeCheck"
)

// Status is the outcome of one step invocation.
type Status string

const (
	StatusPassed      Status = "passed"
	StatusFailed      Status = "failed"
	StatusReformatted Status = "reformatted"
	StatusWarnings    Status = "warnings"
	StatusError       Status = "error"
	StatusTimeout     Status = "timeout"
	StatusSkipped     Status = "skipped"
	StatusSuppressed  Status = "suppressed"
)

// Skip reasons reported in StepResult.SkippedReason.
const (
	SkipDisabled = "disabled"
	SkipTestFile = "test_file"
	SkipTimeout  = "timeout"
)

// Step is one tool adapter in the pipeline.
//
// Run must not return before the tool process it started has exited.
// budget is the longest the step may take; Run reports StatusTimeout when
// it is exceeded.
type Step interface {
	Kind() StepKind
	Tool() string
	Run(ctx context.Context, path string, budget time.Duration) StepResult
}

// StepResult is one invocation of one step. A pipeline run may contain
// several results for the same step when Lint is re-run after Format.
type StepResult struct {
	Step          StepKind      `json:"step"`
	Tool          string        `json:"tool"`
	Status        Status        `json:"status"`
	ExitCode      int           `json:"exit_code"`
	Output        string        `json:"output,omitempty"`
	Duration      time.Duration `json:"duration_ns"`
	SkippedReason string        `json:"skipped_reason,omitempty"`
	Iteration     int           `json:"iteration,omitempty"`

	// Modified reports that the step changed the file on disk.
	Modified bool `json:"modified,omitempty"`

	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`
}

// Label renders "Lint (ruff)".
func (r StepResult) Label() string {
	if r.Tool == "" {
		return string(r.Step)
	}
	return fmt.Sprintf("%s (%s)", r.Step, r.Tool)
}

func skipped(kind StepKind, tool, reason string) StepResult {
	return StepResult{Step: kind, Tool: tool, Status: StatusSkipped, SkippedReason: reason, ExitCode: -1}
}

// =============================================================================
// SUMMARY
// =============================================================================

// RunStatus is the overall pipeline outcome.
type RunStatus string

const (
	RunCompleted       RunStatus = "completed"
	RunTimedOutPartial RunStatus = "timed_out_partial"
)

// Summary is the ordered result of one pipeline run.
type Summary struct {
	Path           string        `json:"path"`
	Status         RunStatus     `json:"status"`
	Results        []StepResult  `json:"results"`
	IterationsUsed int           `json:"iterations_used"`
	Warnings       []string      `json:"warnings,omitempty"`
	Duration       time.Duration `json:"duration_ns"`

	// TypeCheckFailures is the consecutive failure count when TypeCheck
	// output was suppressed, 0 otherwise.
	TypeCheckFailures int `json:"typecheck_failures,omitempty"`
}

// ResultsFor returns every result recorded for kind, in run order.
func (s *Summary) ResultsFor(kind StepKind) []StepResult {
	var out []StepResult
	for _, r := range s.Results {
		if r.Step == kind {
			out = append(out, r)
		}
	}
	return out
}

const outputExcerptLines = 20

// Text renders the summary in the response format:
//
//	QA Results:
//	  Lint (ruff): passed
//	  Format (black): reformatted
//	  TypeCheck (mypy): failed
//	    app.py:3: error: ...
func (s *Summary) Text() string {
	if s == nil {
		return ""
	}

	var b strings.Builder
	b.WriteString("QA Results:\n")
	for _, r := range s.Results {
		b.WriteString("  ")
		b.WriteString(r.Label())
		b.WriteString(": ")
		switch r.Status {
		case StatusSkipped:
			fmt.Fprintf(&b, "skipped (%s)", r.SkippedReason)
		case StatusSuppressed:
			fmt.Fprintf(&b, "failing (output suppressed after %d consecutive failures)", s.TypeCheckFailures)
		case StatusTimeout, StatusError:
			b.WriteString(string(r.Status))
			if r.Error != "" {
				fmt.Fprintf(&b, ": %s", r.Error)
			}
		default:
			b.WriteString(string(r.Status))
		}
		b.WriteString("\n")

		if (r.Status == StatusFailed || r.Status == StatusWarnings) && r.Output != "" {
			for _, line := range excerpt(r.Output, outputExcerptLines) {
				b.WriteString("    ")
				b.WriteString(line)
				b.WriteString("\n")
			}
		}
	}
	for _, w := range s.Warnings {
		fmt.Fprintf(&b, "  Warning: %s\n", w)
	}
	if s.Status == RunTimedOutPartial {
		b.WriteString("  QA stopped early: time budget exhausted\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func excerpt(output string, max int) []string {
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	if len(lines) <= max {
		return lines
	}
	rest := len(lines) - max
	return append(lines[:max], fmt.Sprintf("... (%d more lines)", rest))
}

// =============================================================================
// ELIGIBILITY
// =============================================================================

var eligibleExtensions = map[string]bool{
	".py":  true,
	".pyi": true,
}

// Eligible reports whether path gets a QA run at all.
func Eligible(path string) bool {
	return eligibleExtensions[strings.ToLower(filepath.Ext(path))]
}

// IsTestPath reports whether path matches any of patterns.
//
// A pattern ending in "/" matches any directory component with that name
// ("tests/" matches /repo/tests/unit/a.py). Other patterns are matched
// against the base name with filepath.Match.
func IsTestPath(path string, patterns []string) bool {
	slashed := filepath.ToSlash(path)
	base := filepath.Base(path)

	for _, p := range patterns {
		if dir, ok := strings.CutSuffix(p, "/"); ok {
			if dir == "" {
				continue
			}
			if strings.Contains("/"+slashed, "/"+dir+"/") {
				return true
			}
			continue
		}
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
	}
	return false
}

// =============================================================================
// ERRORS
// =============================================================================

// Sentinel errors for QA step failures.
var (
	ErrToolTimeout   = errors.New("tool timed out")
	ErrToolExecution = errors.New("tool failed to execute")
	ErrToolNotFound  = errors.New("tool not found")
)

// ToolTimeoutError reports a step that exceeded its time allowance. The
// process group was killed.
type ToolTimeoutError struct {
	Tool    string
	Timeout time.Duration
}

func (e *ToolTimeoutError) Error() string {
	return fmt.Sprintf("Command timed out after %s", e.Timeout)
}

func (e *ToolTimeoutError) Unwrap() error { return ErrToolTimeout }

// ToolExecutionError reports a tool that could not run or crashed, as
// opposed to one that ran and reported problems.
type ToolExecutionError struct {
	Tool     string
	ExitCode int
	Reason   string
	Err      error
}

func (e *ToolExecutionError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Tool, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ToolExecutionError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrToolExecution, e.Err}
	}
	return []error{ErrToolExecution}
}

func toolTimeout(tool string, timeout time.Duration) error {
	return pferrors.WithCode(&ToolTimeoutError{Tool: tool, Timeout: timeout},
		pferrors.CodeQAToolTimeout, pferrors.FieldTool(tool))
}

func toolExecution(tool string, exitCode int, reason string, err error) error {
	return pferrors.WithCode(&ToolExecutionError{Tool: tool, ExitCode: exitCode, Reason: reason, Err: err},
		pferrors.CodeQAToolExecution, pferrors.FieldTool(tool))
}
