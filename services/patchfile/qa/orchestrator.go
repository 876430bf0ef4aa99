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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/PatchFile/services/patchfile/config"
)

// Defaults for Config.
const (
	DefaultToolTimeout   = 15 * time.Second
	DefaultBudget        = 20 * time.Second
	DefaultMaxIterations = 2
)

// Config is the resolved pipeline configuration.
type Config struct {
	LintEnabled           bool
	FormatEnabled         bool
	TypeCheckEnabled      bool
	ForceTypeCheckOnTests bool
	TestPatterns          []string

	ToolTimeout   time.Duration
	Budget        time.Duration
	MaxIterations int
}

// ConfigFrom converts the process configuration.
func ConfigFrom(c config.QAConfig) Config {
	return Config{
		LintEnabled:           c.Lint.Enabled,
		FormatEnabled:         c.Format.Enabled,
		TypeCheckEnabled:      c.TypeCheck.Enabled,
		ForceTypeCheckOnTests: c.TypeCheck.ForceOnTests,
		TestPatterns:          c.TypeCheck.TestPatterns,
		ToolTimeout:           c.ToolTimeout,
		Budget:                c.Budget,
		MaxIterations:         c.MaxIterations,
	}
}

func (c Config) withDefaults() Config {
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = DefaultToolTimeout
	}
	if c.Budget <= 0 {
		c.Budget = DefaultBudget
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	return c
}

// Steps holds one adapter per stage. A nil step is treated as disabled.
type Steps struct {
	Lint      Step
	Format    Step
	TypeCheck Step
}

func (s Steps) get(kind StepKind) Step {
	switch kind {
	case StepLint:
		return s.Lint
	case StepFormat:
		return s.Format
	case StepTypeCheck:
		return s.TypeCheck
	}
	return nil
}

func (s Steps) ordered() []Step {
	var out []Step
	for _, st := range []Step{s.Lint, s.Format, s.TypeCheck} {
		if st != nil {
			out = append(out, st)
		}
	}
	return out
}

// TypeCheckRecorder receives every conclusive TypeCheck outcome and
// decides whether it is shown. steering.Tracker implements it.
type TypeCheckRecorder interface {
	RecordTypeCheckResult(path string, passed bool) (suppressed bool, consecutive int)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRecorder wires TypeCheck suppression.
func WithRecorder(r TypeCheckRecorder) Option {
	return func(o *Orchestrator) {
		o.recorder = r
	}
}

// WithLogger sets the orchestrator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// Orchestrator runs the Lint, Format, TypeCheck pipeline.
//
// # Description
//
// The pipeline is a finite-state machine:
//
//	Lint -> Format -> TypeCheck -> Done
//	          |
//	          +-> Lint   (file reformatted, iteration < MaxIterations)
//
// After a re-entry Lint, Format runs again only if the linter's fixes
// changed the file. Format therefore runs at most MaxIterations times and
// the machine always terminates.
//
// Every step gets min(ToolTimeout, remaining budget). When the budget is
// exhausted, whether before a step or during one, the remaining steps are
// reported as skipped with reason "timeout" and the run is
// timed_out_partial.
//
// # Thread Safety
//
// Safe for concurrent use on different paths. Callers serialize runs on
// the same path.
type Orchestrator struct {
	cfg      Config
	steps    Steps
	recorder TypeCheckRecorder
	logger   *slog.Logger
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(cfg Config, steps Steps, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:    cfg.withDefaults(),
		steps:  steps,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Applies reports whether Run would produce a summary for path.
func (o *Orchestrator) Applies(path string) bool {
	return Eligible(path)
}

type state int

const (
	stateLint state = iota
	stateFormat
	stateTypeCheck
	stateDone
)

// Run executes the pipeline on path. It returns nil for files that are
// not QA-eligible.
func (o *Orchestrator) Run(ctx context.Context, path string) *Summary {
	if !Eligible(path) {
		return nil
	}

	start := time.Now()
	ctx, span := tracer.Start(ctx, "qa.Orchestrator.Run", trace.WithAttributes(
		attribute.String("qa.path", path),
	))
	defer span.End()

	budgetCtx, cancel := context.WithTimeout(ctx, o.cfg.Budget)
	defer cancel()

	run := &pipelineRun{
		o:         o,
		path:      path,
		ctx:       budgetCtx,
		iteration: 1,
		reported:  make(map[StepKind]bool),
		summary:   &Summary{Path: path, Status: RunCompleted},
	}

	st := stateLint
	for st != stateDone {
		switch st {
		case stateLint:
			r, ok := run.step(StepLint)
			switch {
			case !ok:
				st = stateDone
			case run.iteration == 1 || r.Modified:
				st = stateFormat
			default:
				st = stateTypeCheck
			}

		case stateFormat:
			r, ok := run.step(StepFormat)
			switch {
			case !ok:
				st = stateDone
			case r.Modified && o.lintActive():
				if run.iteration < o.cfg.MaxIterations {
					run.iteration++
					st = stateLint
				} else {
					run.summary.Warnings = append(run.summary.Warnings, fmt.Sprintf(
						"reached iteration limit (%d) while formatter kept modifying the file", o.cfg.MaxIterations))
					st = stateTypeCheck
				}
			default:
				st = stateTypeCheck
			}

		case stateTypeCheck:
			run.step(StepTypeCheck)
			st = stateDone
		}
	}

	s := run.summary
	s.IterationsUsed = run.iteration
	s.Duration = time.Since(start)

	span.SetAttributes(
		attribute.String("qa.status", string(s.Status)),
		attribute.Int("qa.iterations", s.IterationsUsed),
		attribute.Int("qa.results", len(s.Results)),
	)
	recordRunMetrics(ctx, s.Status, s.IterationsUsed, s.Duration)

	o.logger.InfoContext(ctx, "qa run finished",
		slog.String("path", path),
		slog.String("status", string(s.Status)),
		slog.Int("iterations", s.IterationsUsed),
		slog.Duration("duration", s.Duration),
	)
	return s
}

func (o *Orchestrator) enabled(kind StepKind) bool {
	if o.steps.get(kind) == nil {
		return false
	}
	switch kind {
	case StepLint:
		return o.cfg.LintEnabled
	case StepFormat:
		return o.cfg.FormatEnabled
	case StepTypeCheck:
		return o.cfg.TypeCheckEnabled
	}
	return false
}

func (o *Orchestrator) lintActive() bool {
	return o.enabled(StepLint)
}

func (o *Orchestrator) toolName(kind StepKind) string {
	if st := o.steps.get(kind); st != nil {
		return st.Tool()
	}
	return ""
}

// pipelineRun is the mutable state of one Run call.
type pipelineRun struct {
	o         *Orchestrator
	path      string
	ctx       context.Context
	iteration int
	reported  map[StepKind]bool
	summary   *Summary
}

// step executes kind or records why it did not run. ok is false when the
// budget is exhausted and the machine must stop.
func (p *pipelineRun) step(kind StepKind) (StepResult, bool) {
	o := p.o

	if reason := p.skipReason(kind); reason != "" {
		if !p.reported[kind] {
			p.add(skipped(kind, o.toolName(kind), reason))
		}
		return StepResult{}, true
	}

	remaining := p.remaining()
	if remaining <= 0 {
		p.exhaust(append([]StepKind{kind}, p.after(kind)...))
		return StepResult{}, false
	}

	stepBudget := min(o.cfg.ToolTimeout, remaining)
	stepCtx, span := startStepSpan(p.ctx, kind, o.toolName(kind), p.iteration)
	r := o.steps.get(kind).Run(stepCtx, p.path, stepBudget)
	span.SetAttributes(attribute.String("qa.status", string(r.Status)))
	span.End()

	if r.Step == "" {
		r.Step = kind
	}
	if r.Tool == "" {
		r.Tool = o.toolName(kind)
	}
	r.Iteration = p.iteration
	if kind == StepFormat && r.Modified && r.Status == StatusPassed {
		r.Status = StatusReformatted
	}
	if kind == StepTypeCheck {
		p.applySuppression(&r)
	}
	p.add(r)

	if r.Status == StatusTimeout && (stepBudget < o.cfg.ToolTimeout || p.ctx.Err() != nil) {
		p.exhaust(p.after(kind))
		return r, false
	}
	return r, true
}

// skipReason returns why kind will not run at all, or "".
func (p *pipelineRun) skipReason(kind StepKind) string {
	o := p.o
	if !o.enabled(kind) {
		return SkipDisabled
	}
	if kind == StepTypeCheck && !o.cfg.ForceTypeCheckOnTests && IsTestPath(p.path, o.cfg.TestPatterns) {
		return SkipTestFile
	}
	return ""
}

func (p *pipelineRun) remaining() time.Duration {
	if p.ctx.Err() != nil {
		return 0
	}
	deadline, ok := p.ctx.Deadline()
	if !ok {
		return p.o.cfg.ToolTimeout
	}
	return time.Until(deadline)
}

// after lists the steps that would still run after kind completes.
func (p *pipelineRun) after(kind StepKind) []StepKind {
	switch kind {
	case StepLint:
		if p.iteration == 1 {
			return []StepKind{StepFormat, StepTypeCheck}
		}
		return []StepKind{StepTypeCheck}
	case StepFormat:
		return []StepKind{StepTypeCheck}
	}
	return nil
}

// exhaust marks kinds as skipped for lack of time.
func (p *pipelineRun) exhaust(kinds []StepKind) {
	p.summary.Status = RunTimedOutPartial
	for _, kind := range kinds {
		reason := p.skipReason(kind)
		if reason == "" {
			reason = SkipTimeout
		} else if p.reported[kind] {
			continue
		}
		p.add(skipped(kind, p.o.toolName(kind), reason))
	}
	p.o.logger.WarnContext(p.ctx, "qa budget exhausted",
		slog.String("path", p.path),
		slog.Duration("budget", p.o.cfg.Budget),
	)
}

// applySuppression feeds a conclusive TypeCheck result to the recorder
// and withholds its output once the failure streak is long enough.
func (p *pipelineRun) applySuppression(r *StepResult) {
	if p.o.recorder == nil {
		return
	}
	if r.Status != StatusPassed && r.Status != StatusFailed {
		return
	}
	suppressed, n := p.o.recorder.RecordTypeCheckResult(p.path, r.Status == StatusPassed)
	if !suppressed {
		return
	}
	r.Status = StatusSuppressed
	r.Output = ""
	p.summary.TypeCheckFailures = n
}

func (p *pipelineRun) add(r StepResult) {
	p.reported[r.Step] = true
	p.summary.Results = append(p.summary.Results, r)
	recordStepMetrics(p.ctx, r)
}

// fileDigest returns the SHA-256 hex digest of the file at path.
func fileDigest(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
