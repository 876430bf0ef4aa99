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
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/PatchFile/services/patchfile/config"
)

// classifyFunc maps a finished process to a step status. A non-nil error
// turns the result into StatusError.
type classifyFunc func(res execResult, modified bool) (Status, error)

// ToolSpec describes how to invoke one external tool.
type ToolSpec struct {
	Kind    StepKind
	Name    string   // display name, e.g. "ruff"
	Command string   // binary looked up on PATH, and the module name for "python -m"
	Args    []string // arguments placed before the file path

	classify classifyFunc
}

// RuffSpec is the Lint step: ruff check --fix --output-format=concise.
func RuffSpec(command string) ToolSpec {
	return ToolSpec{
		Kind:     StepLint,
		Name:     "ruff",
		Command:  command,
		Args:     []string{"check", "--fix", "--output-format=concise"},
		classify: classifyRuff,
	}
}

// BlackSpec is the Format step: black --quiet.
func BlackSpec(command string) ToolSpec {
	return ToolSpec{
		Kind:     StepFormat,
		Name:     "black",
		Command:  command,
		Args:     []string{"--quiet"},
		classify: classifyBlack,
	}
}

// MypySpec is the TypeCheck step: mypy --no-color-output --no-error-summary.
func MypySpec(command string) ToolSpec {
	return ToolSpec{
		Kind:     StepTypeCheck,
		Name:     "mypy",
		Command:  command,
		Args:     []string{"--no-color-output", "--no-error-summary"},
		classify: classifyMypy,
	}
}

func classifyRuff(res execResult, _ bool) (Status, error) {
	switch res.ExitCode {
	case 0:
		return StatusPassed, nil
	case 1:
		return StatusFailed, nil
	}
	return StatusError, errors.New("unexpected exit status")
}

func classifyBlack(res execResult, modified bool) (Status, error) {
	switch {
	case res.ExitCode == 0 && modified:
		return StatusReformatted, nil
	case res.ExitCode == 0:
		return StatusPassed, nil
	case res.ExitCode == 1 && strings.TrimSpace(res.Combined()) != "":
		return StatusWarnings, nil
	}
	return StatusError, errors.New("unexpected exit status")
}

func classifyMypy(res execResult, _ bool) (Status, error) {
	switch res.ExitCode {
	case 0:
		return StatusPassed, nil
	case 1:
		return StatusFailed, nil
	}
	return StatusError, errors.New("unexpected exit status")
}

// ToolStep runs one external tool as a pipeline Step.
type ToolStep struct {
	spec     ToolSpec
	resolver InterpreterResolver
	logger   *slog.Logger
}

// NewToolStep creates a Step for spec. resolver may be nil, in which case
// the tool always comes from PATH.
func NewToolStep(spec ToolSpec, resolver InterpreterResolver, logger *slog.Logger) *ToolStep {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolStep{spec: spec, resolver: resolver, logger: logger}
}

// Kind implements Step.
func (s *ToolStep) Kind() StepKind { return s.spec.Kind }

// Tool implements Step.
func (s *ToolStep) Tool() string { return s.spec.Name }

// Run implements Step.
//
// # Description
//
// Resolves the command line, runs it in the file's directory with budget
// as the hard timeout and classifies the exit status. A file content
// change across the run sets Modified.
//
// # Outputs
//
//   - StepResult: StatusTimeout carries a ToolTimeoutError, StatusError
//     a ToolExecutionError.
func (s *ToolStep) Run(ctx context.Context, path string, budget time.Duration) StepResult {
	result := StepResult{Step: s.spec.Kind, Tool: s.spec.Name, ExitCode: -1}

	argv, err := s.commandLine(ctx, path)
	if err != nil {
		return withErr(result, StatusError, err)
	}

	before, _ := fileDigest(path)
	res, err := runCommand(ctx, budget, filepath.Dir(path), argv)
	result.Duration = res.Duration
	result.ExitCode = res.ExitCode

	switch {
	case err != nil:
		reason := "failed to start"
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			reason = ErrToolNotFound.Error()
		}
		return withErr(result, StatusError, toolExecution(s.spec.Name, -1, reason, err))
	case res.TimedOut:
		return withErr(result, StatusTimeout, toolTimeout(s.spec.Name, budget))
	case isMissingModule(res, s.spec.Command):
		return withErr(result, StatusError, toolExecution(s.spec.Name, res.ExitCode, ErrToolNotFound.Error(), nil))
	}

	after, _ := fileDigest(path)
	result.Modified = before != after
	result.Output = strings.TrimSpace(res.Combined())

	status, cerr := s.spec.classify(res, result.Modified)
	if cerr != nil {
		return withErr(result, StatusError, toolExecution(s.spec.Name, res.ExitCode, cerr.Error(), nil))
	}
	result.Status = status

	s.logger.DebugContext(ctx, "qa step finished",
		slog.String("tool", s.spec.Name),
		slog.String("status", string(status)),
		slog.Int("exit_code", res.ExitCode),
		slog.Duration("duration", res.Duration),
	)
	return result
}

// commandLine prefers "<python> -m <tool>" from a virtualenv and falls
// back to the tool binary on PATH.
func (s *ToolStep) commandLine(ctx context.Context, path string) ([]string, error) {
	args := append(append([]string(nil), s.spec.Args...), path)

	if s.resolver != nil {
		python, err := s.resolver.Resolve(ctx, filepath.Dir(path))
		if err != nil {
			return nil, toolExecution(s.spec.Name, -1, "resolving interpreter", err)
		}
		if python != "" {
			module := strings.TrimSuffix(filepath.Base(s.spec.Command), filepath.Ext(s.spec.Command))
			return append([]string{python, "-m", module}, args...), nil
		}
	}

	bin, err := exec.LookPath(s.spec.Command)
	if err != nil {
		return nil, toolExecution(s.spec.Name, -1, ErrToolNotFound.Error(), err)
	}
	return append([]string{bin}, args...), nil
}

// isMissingModule detects "python -m tool" failing because the tool is
// not installed in the interpreter.
func isMissingModule(res execResult, command string) bool {
	if res.ExitCode == 0 {
		return false
	}
	module := strings.TrimSuffix(filepath.Base(command), filepath.Ext(command))
	return strings.Contains(res.Stderr, "No module named "+module) ||
		strings.Contains(res.Stderr, "No module named '"+module+"'")
}

func withErr(r StepResult, status Status, err error) StepResult {
	r.Status = status
	r.Err = err
	r.Error = err.Error()
	return r
}

// DefaultSteps builds the ruff, black and mypy steps for cfg.
func DefaultSteps(cfg config.QAConfig, resolver InterpreterResolver, logger *slog.Logger) Steps {
	if cfg.Python != "" {
		resolver = StaticInterpreter(cfg.Python)
	}
	return Steps{
		Lint:      NewToolStep(RuffSpec(cfg.Lint.Command), resolver, logger),
		Format:    NewToolStep(BlackSpec(cfg.Format.Command), resolver, logger),
		TypeCheck: NewToolStep(MypySpec(cfg.TypeCheck.Command), resolver, logger),
	}
}

// ToolStatus is one entry of a tool availability report.
type ToolStatus struct {
	Kind      StepKind `json:"step" yaml:"step"`
	Tool      string   `json:"tool" yaml:"tool"`
	Command   []string `json:"command,omitempty" yaml:"command,omitempty"`
	Available bool     `json:"available" yaml:"available"`
	Error     string   `json:"error,omitempty" yaml:"error,omitempty"`
}

// Discover reports how each step would be invoked for a file in dir.
// Module availability inside a virtualenv is not probed.
func Discover(ctx context.Context, steps Steps, dir string) []ToolStatus {
	var out []ToolStatus
	for _, step := range steps.ordered() {
		ts, ok := step.(*ToolStep)
		if !ok {
			continue
		}
		st := ToolStatus{Kind: ts.Kind(), Tool: ts.Tool()}
		argv, err := ts.commandLine(ctx, filepath.Join(dir, "probe.py"))
		if err != nil {
			st.Error = err.Error()
		} else {
			st.Available = true
			st.Command = argv[:len(argv)-1]
		}
		out = append(out, st)
	}
	return out
}
