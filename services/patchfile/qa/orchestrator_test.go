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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/AleutianAI/PatchFile/services/patchfile/steering"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeStep replays scripted results. The last script entry repeats.
type fakeStep struct {
	kind StepKind
	tool string

	// work is how long each call takes. Calls honor budget unless
	// ignoreBudget is set.
	work         time.Duration
	ignoreBudget bool

	mu      sync.Mutex
	script  []StepResult
	calls   int
	budgets []time.Duration
}

func newFake(kind StepKind, tool string, script ...StepResult) *fakeStep {
	if len(script) == 0 {
		script = []StepResult{{Status: StatusPassed}}
	}
	return &fakeStep{kind: kind, tool: tool, script: script}
}

func (f *fakeStep) Kind() StepKind { return f.kind }
func (f *fakeStep) Tool() string   { return f.tool }

func (f *fakeStep) Run(ctx context.Context, _ string, budget time.Duration) StepResult {
	f.mu.Lock()
	idx := min(f.calls, len(f.script)-1)
	f.calls++
	f.budgets = append(f.budgets, budget)
	r := f.script[idx]
	f.mu.Unlock()

	if f.work > 0 {
		if f.ignoreBudget {
			time.Sleep(f.work)
		} else {
			timer := time.NewTimer(f.work)
			defer timer.Stop()
			deadline := time.NewTimer(budget)
			defer deadline.Stop()
			select {
			case <-timer.C:
			case <-deadline.C:
				err := toolTimeout(f.tool, budget)
				return StepResult{Status: StatusTimeout, Err: err, Error: err.Error(), ExitCode: -1}
			case <-ctx.Done():
				err := toolTimeout(f.tool, budget)
				return StepResult{Status: StatusTimeout, Err: err, Error: err.Error(), ExitCode: -1}
			}
		}
	}
	return r
}

func (f *fakeStep) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func allEnabled() Config {
	return Config{
		LintEnabled:      true,
		FormatEnabled:    true,
		TypeCheckEnabled: true,
		TestPatterns:     []string{"tests/", "test_*.py", "*_test.py"},
		ToolTimeout:      time.Second,
		Budget:           5 * time.Second,
		MaxIterations:    2,
	}
}

func kinds(s *Summary) []StepKind {
	out := make([]StepKind, len(s.Results))
	for i, r := range s.Results {
		out[i] = r.Step
	}
	return out
}

func TestOrchestrator_FormatTriggersOneRelint(t *testing.T) {
	lint := newFake(StepLint, "ruff")
	format := newFake(StepFormat, "black",
		StepResult{Status: StatusPassed, Modified: true},
		StepResult{Status: StatusPassed},
	)
	typecheck := newFake(StepTypeCheck, "mypy")

	o := NewOrchestrator(allEnabled(), Steps{Lint: lint, Format: format, TypeCheck: typecheck})
	s := o.Run(context.Background(), "/repo/a.py")
	require.NotNil(t, s)

	assert.Equal(t, []StepKind{StepLint, StepFormat, StepLint, StepTypeCheck}, kinds(s))
	assert.Equal(t, RunCompleted, s.Status)
	assert.Equal(t, 2, s.IterationsUsed)
	assert.Empty(t, s.Warnings)

	assert.Equal(t, 2, lint.Calls())
	assert.Equal(t, 1, format.Calls())
	assert.Equal(t, 1, typecheck.Calls())

	assert.Equal(t, StatusReformatted, s.Results[1].Status)
	assert.Equal(t, 1, s.Results[0].Iteration)
	assert.Equal(t, 2, s.Results[2].Iteration)
}

func TestOrchestrator_NoReformatRunsEachStepOnce(t *testing.T) {
	lint := newFake(StepLint, "ruff")
	format := newFake(StepFormat, "black")
	typecheck := newFake(StepTypeCheck, "mypy")

	s := NewOrchestrator(allEnabled(), Steps{lint, format, typecheck}).Run(context.Background(), "/repo/a.py")

	assert.Equal(t, []StepKind{StepLint, StepFormat, StepTypeCheck}, kinds(s))
	assert.Equal(t, 1, s.IterationsUsed)
}

func TestOrchestrator_IterationCap(t *testing.T) {
	lint := newFake(StepLint, "ruff", StepResult{Status: StatusFailed, Modified: true})
	format := newFake(StepFormat, "black", StepResult{Status: StatusReformatted, Modified: true})
	typecheck := newFake(StepTypeCheck, "mypy")

	s := NewOrchestrator(allEnabled(), Steps{lint, format, typecheck}).Run(context.Background(), "/repo/a.py")

	assert.Equal(t, []StepKind{StepLint, StepFormat, StepLint, StepFormat, StepTypeCheck}, kinds(s))
	assert.Equal(t, 2, format.Calls())
	require.Len(t, s.Warnings, 1)
	assert.Equal(t, "reached iteration limit (2) while formatter kept modifying the file", s.Warnings[0])
	assert.Equal(t, RunCompleted, s.Status)
}

func TestOrchestrator_DisabledSteps(t *testing.T) {
	cfg := allEnabled()
	cfg.LintEnabled = false

	lint := newFake(StepLint, "ruff")
	format := newFake(StepFormat, "black", StepResult{Status: StatusPassed, Modified: true})
	typecheck := newFake(StepTypeCheck, "mypy")

	s := NewOrchestrator(cfg, Steps{lint, format, typecheck}).Run(context.Background(), "/repo/a.py")

	assert.Equal(t, []StepKind{StepLint, StepFormat, StepTypeCheck}, kinds(s))
	assert.Equal(t, StatusSkipped, s.Results[0].Status)
	assert.Equal(t, SkipDisabled, s.Results[0].SkippedReason)
	assert.Zero(t, lint.Calls())
	assert.Equal(t, 1, format.Calls(), "no re-entry without an active linter")
}

func TestOrchestrator_TestFileSkipsTypeCheck(t *testing.T) {
	paths := []string{"/repo/tests/unit/a.py", "/repo/test_a.py", "/repo/a_test.py"}

	for _, path := range paths {
		t.Run(path, func(t *testing.T) {
			typecheck := newFake(StepTypeCheck, "mypy")
			s := NewOrchestrator(allEnabled(), Steps{newFake(StepLint, "ruff"), newFake(StepFormat, "black"), typecheck}).
				Run(context.Background(), path)

			last := s.Results[len(s.Results)-1]
			assert.Equal(t, StepTypeCheck, last.Step)
			assert.Equal(t, SkipTestFile, last.SkippedReason)
			assert.Zero(t, typecheck.Calls())
		})
	}

	t.Run("forced", func(t *testing.T) {
		cfg := allEnabled()
		cfg.ForceTypeCheckOnTests = true
		typecheck := newFake(StepTypeCheck, "mypy")
		NewOrchestrator(cfg, Steps{newFake(StepLint, "ruff"), newFake(StepFormat, "black"), typecheck}).
			Run(context.Background(), "/repo/tests/a.py")
		assert.Equal(t, 1, typecheck.Calls())
	})
}

func TestOrchestrator_BudgetExhaustedBetweenSteps(t *testing.T) {
	cfg := allEnabled()
	cfg.Budget = 50 * time.Millisecond

	lint := newFake(StepLint, "ruff")
	lint.work = 120 * time.Millisecond
	lint.ignoreBudget = true
	format := newFake(StepFormat, "black")
	typecheck := newFake(StepTypeCheck, "mypy")

	s := NewOrchestrator(cfg, Steps{lint, format, typecheck}).Run(context.Background(), "/repo/a.py")

	assert.Equal(t, RunTimedOutPartial, s.Status)
	require.Equal(t, []StepKind{StepLint, StepFormat, StepTypeCheck}, kinds(s))
	assert.Equal(t, StatusPassed, s.Results[0].Status)
	for _, r := range s.Results[1:] {
		assert.Equal(t, StatusSkipped, r.Status)
		assert.Equal(t, SkipTimeout, r.SkippedReason)
	}
	assert.Zero(t, format.Calls())
	assert.Zero(t, typecheck.Calls())
}

func TestOrchestrator_BudgetExhaustedMidStep(t *testing.T) {
	cfg := allEnabled()
	cfg.Budget = 60 * time.Millisecond
	cfg.ToolTimeout = time.Second

	lint := newFake(StepLint, "ruff")
	format := newFake(StepFormat, "black")
	format.work = 5 * time.Second
	typecheck := newFake(StepTypeCheck, "mypy")

	start := time.Now()
	s := NewOrchestrator(cfg, Steps{lint, format, typecheck}).Run(context.Background(), "/repo/a.py")
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Equal(t, RunTimedOutPartial, s.Status)
	require.Equal(t, []StepKind{StepLint, StepFormat, StepTypeCheck}, kinds(s))
	assert.Equal(t, StatusTimeout, s.Results[1].Status)
	assert.Equal(t, SkipTimeout, s.Results[2].SkippedReason)

	format.mu.Lock()
	assert.LessOrEqual(t, format.budgets[0], cfg.Budget)
	format.mu.Unlock()
}

func TestOrchestrator_ToolTimeoutDoesNotStopPipeline(t *testing.T) {
	cfg := allEnabled()
	cfg.ToolTimeout = 30 * time.Millisecond
	cfg.Budget = 5 * time.Second

	lint := newFake(StepLint, "ruff")
	lint.work = time.Second
	format := newFake(StepFormat, "black")
	typecheck := newFake(StepTypeCheck, "mypy")

	s := NewOrchestrator(cfg, Steps{lint, format, typecheck}).Run(context.Background(), "/repo/a.py")

	assert.Equal(t, RunCompleted, s.Status)
	assert.Equal(t, []StepKind{StepLint, StepFormat, StepTypeCheck}, kinds(s))
	assert.Equal(t, StatusTimeout, s.Results[0].Status)
	assert.True(t, errors.Is(s.Results[0].Err, ErrToolTimeout))
	assert.Contains(t, s.Results[0].Error, "Command timed out after 30ms")
	assert.Equal(t, 1, typecheck.Calls())
}

func TestOrchestrator_ToolExecutionErrorIsolated(t *testing.T) {
	execErr := toolExecution("ruff", -1, ErrToolNotFound.Error(), nil)
	lint := newFake(StepLint, "ruff", StepResult{Status: StatusError, Err: execErr, Error: execErr.Error()})
	format := newFake(StepFormat, "black")
	typecheck := newFake(StepTypeCheck, "mypy")

	s := NewOrchestrator(allEnabled(), Steps{lint, format, typecheck}).Run(context.Background(), "/repo/a.py")

	assert.Equal(t, RunCompleted, s.Status)
	assert.Len(t, s.Results, 3)
	var te *ToolExecutionError
	assert.True(t, errors.As(s.Results[0].Err, &te))
	assert.Equal(t, StatusPassed, s.Results[2].Status)
}

func TestOrchestrator_TypeCheckSuppression(t *testing.T) {
	tracker := steering.NewTracker(steering.Config{})
	typecheck := newFake(StepTypeCheck, "mypy",
		StepResult{Status: StatusFailed, Output: "a.py:1: error: bad", ExitCode: 1},
		StepResult{Status: StatusFailed, Output: "a.py:1: error: bad", ExitCode: 1},
		StepResult{Status: StatusFailed, Output: "a.py:1: error: bad", ExitCode: 1},
		StepResult{Status: StatusPassed},
		StepResult{Status: StatusFailed, Output: "a.py:2: error: worse", ExitCode: 1},
	)
	o := NewOrchestrator(allEnabled(), Steps{newFake(StepLint, "ruff"), newFake(StepFormat, "black"), typecheck},
		WithRecorder(tracker))

	tcResult := func() (StepResult, *Summary) {
		s := o.Run(context.Background(), "/repo/a.py")
		rs := s.ResultsFor(StepTypeCheck)
		require.Len(t, rs, 1)
		return rs[0], s
	}

	r, _ := tcResult()
	assert.Equal(t, StatusFailed, r.Status)
	assert.NotEmpty(t, r.Output)

	r, _ = tcResult()
	assert.Equal(t, StatusFailed, r.Status)

	r, s := tcResult()
	assert.Equal(t, StatusSuppressed, r.Status)
	assert.Empty(t, r.Output)
	assert.Equal(t, 3, s.TypeCheckFailures)
	assert.Contains(t, s.Text(), "TypeCheck (mypy): failing (output suppressed after 3 consecutive failures)")
	assert.NotContains(t, s.Text(), "error: bad")

	r, _ = tcResult()
	assert.Equal(t, StatusPassed, r.Status)

	r, _ = tcResult()
	assert.Equal(t, StatusFailed, r.Status, "output shown again after a pass")
	assert.Equal(t, 5, typecheck.Calls(), "suppressed runs still execute")
}

func TestOrchestrator_NotEligible(t *testing.T) {
	lint := newFake(StepLint, "ruff")
	o := NewOrchestrator(allEnabled(), Steps{Lint: lint})

	assert.Nil(t, o.Run(context.Background(), "/repo/README.md"))
	assert.False(t, o.Applies("/repo/main.go"))
	assert.True(t, o.Applies("/repo/stubs.pyi"))
	assert.Zero(t, lint.Calls())
}

func TestSummary_Text(t *testing.T) {
	s := &Summary{
		Status: RunTimedOutPartial,
		Results: []StepResult{
			{Step: StepLint, Tool: "ruff", Status: StatusFailed, Output: "a.py:1:1: F401 unused import"},
			{Step: StepFormat, Tool: "black", Status: StatusReformatted},
			{Step: StepTypeCheck, Tool: "mypy", Status: StatusSkipped, SkippedReason: SkipTimeout},
		},
		Warnings: []string{"reached iteration limit (2) while formatter kept modifying the file"},
	}

	text := s.Text()
	assert.Contains(t, text, "QA Results:")
	assert.Contains(t, text, "  Lint (ruff): failed\n    a.py:1:1: F401 unused import")
	assert.Contains(t, text, "  Format (black): reformatted")
	assert.Contains(t, text, "  TypeCheck (mypy): skipped (timeout)")
	assert.Contains(t, text, "Warning: reached iteration limit (2)")
	assert.Contains(t, text, "time budget exhausted")

	var nilSummary *Summary
	assert.Empty(t, nilSummary.Text())
}

func TestIsTestPath(t *testing.T) {
	patterns := []string{"tests/", "test_*.py", "*_test.py"}
	cases := map[string]bool{
		"/repo/tests/a.py":         true,
		"/repo/pkg/tests/sub/b.py": true,
		"/repo/test_models.py":     true,
		"/repo/models_test.py":     true,
		"/repo/models.py":          false,
		"/repo/contests/a.py":      false,
		"/repo/testing.py":         false,
	}
	for path, want := range cases {
		assert.Equal(t, want, IsTestPath(path, patterns), path)
	}
	assert.False(t, IsTestPath("/repo/tests/a.py", nil))
}

func TestEligible(t *testing.T) {
	assert.True(t, Eligible("/x/a.py"))
	assert.True(t, Eligible("/x/A.PY"))
	assert.True(t, Eligible("/x/a.pyi"))
	assert.False(t, Eligible("/x/a.pyc"))
	assert.False(t, Eligible("/x/Makefile"))
}
