// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package patch applies ordered search/replace blocks to a file with
// exactly-once matching and all-or-nothing semantics.
//
// # Description
//
// Every block is matched literally against the working content produced
// by the blocks before it. A block that matches zero or several times
// aborts the whole request and the file is left byte-identical. Only when
// every block succeeds is the final content written, atomically, after an
// optimistic check that nobody else changed the file in between.
//
// # Thread Safety
//
// Engine is stateless and safe for concurrent use. Serializing concurrent
// requests for the same path is the caller's job (see the lock package).
package patch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	pferrors "github.com/AleutianAI/PatchFile/pkg/errors"
)

var tracer = otel.Tracer("patchfile.patch")

// DefaultMaxFileSize bounds the files the engine will load.
const DefaultMaxFileSize int64 = 10 << 20

// Engine applies patch requests.
type Engine struct {
	logger      *slog.Logger
	maxFileSize int64
	withDiff    bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMaxFileSize overrides DefaultMaxFileSize.
func WithMaxFileSize(n int64) Option {
	return func(e *Engine) {
		e.maxFileSize = n
	}
}

// WithoutDiff disables unified diff generation on success.
func WithoutDiff() Option {
	return func(e *Engine) {
		e.withDiff = false
	}
}

// NewEngine creates an Engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		logger:      slog.Default(),
		maxFileSize: DefaultMaxFileSize,
		withDiff:    true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ApplyPayload parses payload and applies it to path. A parse failure
// returns before the file is opened.
func (e *Engine) ApplyPayload(ctx context.Context, path, payload string) (*Outcome, error) {
	blocks, err := Parse(payload)
	if err != nil {
		return &Outcome{Err: err}, err
	}
	return e.Apply(ctx, Request{Path: path, Blocks: blocks})
}

// Apply runs req against the file on disk.
//
// Description:
//
//	Reads the file once, applies each block in order to an in-memory
//	working copy, and writes the result atomically only if every block
//	matched exactly once. The write is skipped when every block was a
//	no-op.
//
// Inputs:
//
//	ctx - Checked before the read and before the write.
//	req - Authorized absolute path and ordered blocks.
//
// Outputs:
//
//	*Outcome - Always non-nil. Success is false on any error.
//	error    - Typed errors tagged patch.not_found, patch.ambiguous,
//	           patch.conflict or patch.io.
func (e *Engine) Apply(ctx context.Context, req Request) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "patch.Engine.Apply", trace.WithAttributes(
		attribute.String("patch.path", req.Path),
		attribute.Int("patch.blocks", len(req.Blocks)),
	))
	defer span.End()

	outcome, err := e.apply(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(pferrors.CodeOf(err)))
		outcome.Err = err
		e.logger.DebugContext(ctx, "patch rejected",
			slog.String("path", req.Path),
			slog.String("code", string(pferrors.CodeOf(err))),
		)
		return outcome, err
	}

	span.SetAttributes(
		attribute.Bool("patch.changed", outcome.Changed),
		attribute.Int("patch.lines_added", int(outcome.Stat.Added)),
		attribute.Int("patch.lines_deleted", int(outcome.Stat.Deleted)),
	)
	return outcome, nil
}

func (e *Engine) apply(ctx context.Context, req Request) (*Outcome, error) {
	if len(req.Blocks) == 0 {
		return &Outcome{}, parseFailure(0, "no patch blocks found")
	}
	if err := ctx.Err(); err != nil {
		return &Outcome{}, err
	}

	info, err := os.Stat(req.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Outcome{}, ioFailure(err, req.Path, "file not found")
		}
		return &Outcome{}, ioFailure(err, req.Path, "stat file")
	}
	if info.IsDir() {
		return &Outcome{}, pferrors.New(pferrors.CodePatchIO, "path is a directory", pferrors.FieldPath(req.Path))
	}
	if info.Size() > e.maxFileSize {
		return &Outcome{}, pferrors.Wrap(ErrFileTooLarge, pferrors.CodePatchIO,
			fmt.Sprintf("%d bytes (limit %d)", info.Size(), e.maxFileSize), pferrors.FieldPath(req.Path))
	}

	original, err := os.ReadFile(req.Path)
	if err != nil {
		return &Outcome{}, ioFailure(err, req.Path, "reading file")
	}
	originalHash := ContentHash(original)

	updated, err := ApplyBlocks(string(original), req.Blocks)
	if err != nil {
		return &Outcome{ContentHash: originalHash, PreviousHash: originalHash}, err
	}

	if err := ctx.Err(); err != nil {
		return &Outcome{ContentHash: originalHash, PreviousHash: originalHash}, err
	}

	changed := updated != string(original)
	if changed {
		if err := verifyAndWrite(req.Path, originalHash, []byte(updated), info.Mode().Perm()); err != nil {
			return &Outcome{ContentHash: originalHash, PreviousHash: originalHash}, err
		}
	}

	outcome := &Outcome{
		Success:       true,
		BlocksApplied: len(req.Blocks),
		ContentHash:   ContentHash([]byte(updated)),
		PreviousHash:  originalHash,
		Changed:       changed,
	}
	if changed && e.withDiff {
		outcome.Diff, outcome.Stat = Diff(req.Path, string(original), updated)
	}

	e.logger.InfoContext(ctx, "patch applied",
		slog.String("path", req.Path),
		slog.Int("blocks", len(req.Blocks)),
		slog.Bool("changed", changed),
	)
	return outcome, nil
}

// ApplyBlocks applies blocks to content in order and returns the result.
//
// Each block's search text must occur exactly once in the working content
// left by the previous blocks. The first failing block aborts and its
// error is returned; content itself is never modified.
func ApplyBlocks(content string, blocks []Block) (string, error) {
	working := content
	for i, block := range blocks {
		blockNo := i + 1

		count := strings.Count(working, block.Search)
		switch {
		case count == 0:
			return "", notFound(blockNo, block.Search, nearMatchHint(working, block.Search))
		case count > 1:
			return "", ambiguous(blockNo, count, block.Search)
		}

		working = strings.Replace(working, block.Search, block.Replace, 1)
	}
	return working, nil
}
