// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handler runs one patch_file request end to end.
//
// The flow is: admission (concurrency and rate limits), path
// authorization, per-path lock, parse and apply, steering bookkeeping,
// QA for eligible files, then the optional git commit. Transports
// (mcpserver, httpapi, the apply command) only translate to and from
// Request and Response.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	pferrors "github.com/AleutianAI/PatchFile/pkg/errors"
	"github.com/AleutianAI/PatchFile/services/patchfile/patch"
	"github.com/AleutianAI/PatchFile/services/patchfile/qa"
	"github.com/AleutianAI/PatchFile/services/patchfile/steering"
	"github.com/AleutianAI/PatchFile/services/patchfile/telemetry"
	"github.com/AleutianAI/PatchFile/services/patchfile/versioning"
)

var (
	tracer = otel.Tracer("patchfile.handler")
	meter  = otel.Meter("patchfile.handler")
)

// Authorizer validates a raw client path. security.Gate implements it.
type Authorizer interface {
	Authorize(raw string) (string, error)
}

// Locker serializes requests on one path. lock.Manager implements it.
type Locker interface {
	Acquire(ctx context.Context, path string) (func(), error)
}

// QARunner runs the quality pipeline. qa.Orchestrator implements it.
type QARunner interface {
	Run(ctx context.Context, path string) *qa.Summary
}

// Committer records a successful edit. versioning.Client implements it.
type Committer interface {
	CommitFile(ctx context.Context, path string) (*versioning.Commit, error)
}

// Deps are the collaborators a Handler needs. Gate, Engine, Tracker and
// Locks are required; QA and Committer may be nil.
type Deps struct {
	Gate      Authorizer
	Engine    *patch.Engine
	Tracker   *steering.Tracker
	Locks     Locker
	QA        QARunner
	Committer Committer
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the handler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithMaxConcurrent bounds in-flight requests. n <= 0 means unbounded.
func WithMaxConcurrent(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.sem = semaphore.NewWeighted(int64(n))
		} else {
			h.sem = nil
		}
	}
}

// WithRateLimit admits at most perSecond requests per second with a
// burst of one second's worth. perSecond <= 0 disables the limit.
func WithRateLimit(perSecond float64) Option {
	return func(h *Handler) {
		if perSecond <= 0 {
			h.limiter = nil
			return
		}
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// DefaultMaxConcurrent matches the server.max_concurrent default.
const DefaultMaxConcurrent = 4

// Handler serves patch_file requests.
//
// # Thread Safety
//
// Safe for concurrent use. Requests on the same path are serialized by
// the Locker for the whole patch, QA and commit sequence.
type Handler struct {
	deps    Deps
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a Handler.
func New(deps Deps, opts ...Option) (*Handler, error) {
	switch {
	case deps.Gate == nil:
		return nil, errors.New("handler: Gate is required")
	case deps.Engine == nil:
		return nil, errors.New("handler: Engine is required")
	case deps.Tracker == nil:
		return nil, errors.New("handler: Tracker is required")
	case deps.Locks == nil:
		return nil, errors.New("handler: Locks is required")
	}

	h := &Handler{
		deps:   deps,
		sem:    semaphore.NewWeighted(DefaultMaxConcurrent),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Handle runs one request.
//
// Description:
//
//	The returned Response is always non-nil and describes the outcome in
//	both structured and text form. The error is the failure that made
//	Success false, kept so transports can map its code to their own
//	status vocabulary. QA and versioning problems are reported inside the
//	Response and never returned as an error.
//
// Inputs:
//
//	ctx - Bounds admission, lock wait, the edit, QA and the commit.
//	req - Raw client input. FilePath must be absolute.
//
// Outputs:
//
//	*Response - The result for the caller.
//	error     - nil on success; otherwise a coded error (security.*,
//	            patch.*, server.busy).
func (h *Handler) Handle(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	resp := &Response{RequestID: uuid.NewString()}
	logger := h.logger.With(slog.String("request_id", resp.RequestID))

	ctx, span := tracer.Start(ctx, "handler.Handle", trace.WithAttributes(
		attribute.String("request_id", resp.RequestID),
	))
	defer span.End()

	defer h.deps.Tracker.Tick()

	err := h.handle(ctx, req, resp, logger)
	if err != nil {
		resp.Success = false
		resp.Code = string(pferrors.CodeOf(err))
		if resp.Message == "" {
			resp.Message = err.Error()
		}
		telemetry.RecordError(span, err, attribute.String("code", resp.Code))
		logger.InfoContext(ctx, "patch request failed",
			slog.String("path", req.FilePath),
			slog.String("code", resp.Code),
			slog.Duration("duration", time.Since(start)),
		)
	} else {
		logger.InfoContext(ctx, "patch request completed",
			slog.String("path", resp.Path),
			slog.Int("blocks", resp.BlocksApplied),
			slog.Bool("qa", resp.QA != nil),
			slog.Duration("duration", time.Since(start)),
		)
	}
	recordRequest(ctx, resp, time.Since(start))
	return resp, err
}

func (h *Handler) handle(ctx context.Context, req Request, resp *Response, logger *slog.Logger) error {
	release, err := h.admit(ctx)
	if err != nil {
		return err
	}
	defer release()

	path, err := h.deps.Gate.Authorize(req.FilePath)
	if err != nil {
		return err
	}
	resp.Path = path

	// Parsed up front so the block count is known for steering even when
	// the apply fails.
	blocks, err := patch.Parse(req.PatchContent)
	if err != nil {
		h.recordFailure(resp, path, req.PatchContent, err, 0)
		return err
	}

	unlock, err := h.deps.Locks.Acquire(ctx, path)
	if err != nil {
		return lockError(err, path)
	}
	defer unlock()

	outcome, err := h.deps.Engine.Apply(ctx, patch.Request{Path: path, Blocks: blocks})
	if err != nil {
		h.recordFailure(resp, path, req.PatchContent, err, len(blocks))
		return err
	}

	h.deps.Tracker.RecordPatchSuccess(path)

	resp.Success = true
	resp.BlocksApplied = outcome.BlocksApplied
	resp.ContentHash = outcome.ContentHash
	resp.Changed = outcome.Changed
	resp.Message = successMessage(outcome.BlocksApplied, path)
	if outcome.Changed {
		resp.DiffStat = &DiffStat{
			Added:   outcome.Stat.Added,
			Changed: outcome.Stat.Changed,
			Deleted: outcome.Stat.Deleted,
		}
	}

	if h.deps.QA != nil {
		resp.QA = h.deps.QA.Run(ctx, path)
	}

	if h.deps.Committer != nil && outcome.Changed {
		commit, err := h.deps.Committer.CommitFile(ctx, path)
		switch {
		case errors.Is(err, versioning.ErrNotRepository):
			logger.DebugContext(ctx, "file not under git, skipping commit", slog.String("path", path))
		case err != nil:
			logger.WarnContext(ctx, "auto-commit failed",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			resp.Warnings = append(resp.Warnings, "auto-commit failed: "+err.Error())
		default:
			resp.Commit = commit
		}
	}
	return nil
}

// admit takes a concurrency slot and a rate token.
func (h *Handler) admit(ctx context.Context) (func(), error) {
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return nil, pferrors.Wrap(err, pferrors.CodeServerBusy, "rate limit")
		}
	}
	if h.sem == nil {
		return func() {}, nil
	}
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return nil, pferrors.Wrap(err, pferrors.CodeServerBusy, "too many concurrent requests")
	}
	return func() { h.sem.Release(1) }, nil
}

// lockError reports a cancelled or expired wait as busy. Any other failure
// means the lock file itself is unusable, which retrying will not fix.
func lockError(err error, path string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return pferrors.Wrap(err, pferrors.CodeServerBusy, "waiting for file lock", pferrors.FieldPath(path))
	}
	return pferrors.Wrap(err, pferrors.CodeServerInternal, "file lock unavailable", pferrors.FieldPath(path))
}

func (h *Handler) recordFailure(resp *Response, path, payload string, err error, blockCount int) {
	resp.Message = err.Error()
	resp.Guidance = h.deps.Tracker.RecordPatchFailure(path, payload, stageOf(err), resp.Message, blockCount)
}

// stageOf maps a patch error to the steering stage.
func stageOf(err error) steering.Stage {
	switch pferrors.CodeOf(err) {
	case pferrors.CodePatchParse:
		return steering.StageParse
	case pferrors.CodePatchNotFound:
		return steering.StageNotFound
	case pferrors.CodePatchAmbiguous:
		return steering.StageAmbiguous
	case pferrors.CodePatchConflict:
		return steering.StageConflict
	default:
		return steering.StageIO
	}
}

var (
	requestTotal   metric.Int64Counter
	requestLatency metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		requestTotal, metricsErr = meter.Int64Counter(
			"patch_requests_total",
			metric.WithDescription("patch_file requests by result code"),
		)
		if metricsErr != nil {
			return
		}
		requestLatency, metricsErr = meter.Float64Histogram(
			"patch_request_duration_seconds",
			metric.WithDescription("End-to-end patch_file request duration"),
			metric.WithUnit("s"),
		)
	})
	return metricsErr
}

func recordRequest(ctx context.Context, resp *Response, d time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	code := resp.Code
	if resp.Success {
		code = "ok"
	}
	attrs := metric.WithAttributes(
		attribute.String("code", code),
		attribute.Bool("qa", resp.QA != nil),
	)
	requestTotal.Add(ctx, 1, attrs)
	requestLatency.Record(ctx, d.Seconds(), attrs)
}
