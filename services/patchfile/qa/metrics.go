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
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("patchfile.qa")
	meter  = otel.Meter("patchfile.qa")
)

var (
	stepLatency metric.Float64Histogram
	stepTotal   metric.Int64Counter
	runTotal    metric.Int64Counter
	runLatency  metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the instruments. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		stepLatency, err = meter.Float64Histogram(
			"qa_step_duration_seconds",
			metric.WithDescription("Duration of QA tool invocations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		stepTotal, err = meter.Int64Counter(
			"qa_steps_total",
			metric.WithDescription("QA tool invocations by tool and status"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		runTotal, err = meter.Int64Counter(
			"qa_runs_total",
			metric.WithDescription("QA pipeline runs by overall status"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		runLatency, err = meter.Float64Histogram(
			"qa_run_duration_seconds",
			metric.WithDescription("Wall-clock duration of QA pipeline runs"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startStepSpan(ctx context.Context, kind StepKind, tool string, iteration int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "qa.Step."+string(kind),
		trace.WithAttributes(
			attribute.String("qa.tool", tool),
			attribute.Int("qa.iteration", iteration),
		),
	)
}

func recordStepMetrics(ctx context.Context, r StepResult) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("step", string(r.Step)),
		attribute.String("tool", r.Tool),
		attribute.String("status", string(r.Status)),
	)
	stepTotal.Add(ctx, 1, attrs)
	if r.Status != StatusSkipped {
		stepLatency.Record(ctx, r.Duration.Seconds(), attrs)
	}
}

func recordRunMetrics(ctx context.Context, status RunStatus, iterations int, d time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("status", string(status)),
		attribute.Int("iterations", iterations),
	)
	runTotal.Add(ctx, 1, attrs)
	runLatency.Record(ctx, d.Seconds(), attrs)
}
