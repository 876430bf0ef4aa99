// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package patch

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sourcegraph/go-diff/diff"

	pferrors "github.com/AleutianAI/PatchFile/pkg/errors"
)

// =============================================================================
// Blocks and outcomes
// =============================================================================

// Block is one SEARCH/REPLACE unit. Search is matched literally.
type Block struct {
	Search  string
	Replace string
}

// IsNoop reports whether applying the block leaves content unchanged.
func (b Block) IsNoop() bool {
	return b.Search == b.Replace
}

// Request is an authorized target path plus its ordered blocks.
type Request struct {
	Path   string
	Blocks []Block
}

// Outcome is produced once per Apply call.
//
// A failed Outcome (Success false) guarantees the file on disk was not
// modified.
type Outcome struct {
	Success       bool
	BlocksApplied int
	Err           error

	// ContentHash is the SHA-256 hex digest of the content on disk after
	// the call. On failure it is the unchanged original content's hash.
	ContentHash string

	// PreviousHash is the digest of the content that was read.
	PreviousHash string

	// Changed is false when every block was a no-op.
	Changed bool

	// Diff is a unified diff of the change, empty when unchanged.
	Diff string
	Stat diff.Stat
}

// =============================================================================
// Errors
// =============================================================================

// Sentinel errors, reachable through errors.Is on the typed errors below.
var (
	ErrParse         = errors.New("malformed patch")
	ErrNoMatch       = errors.New("search text not found")
	ErrMultipleMatch = errors.New("search text matches multiple times")
	ErrConflict      = errors.New("file was modified externally during the edit")
	ErrFileTooLarge  = errors.New("file exceeds the maximum patchable size")
)

// ParseError reports a structurally malformed payload. No file access has
// happened when it is returned. Block is 1-based; 0 means the problem is
// not tied to one block.
type ParseError struct {
	Block  int
	Reason string
}

func (e *ParseError) Error() string {
	if e.Block > 0 {
		return fmt.Sprintf("invalid patch format in block %d: %s", e.Block, e.Reason)
	}
	return "invalid patch format: " + e.Reason
}

func (e *ParseError) Unwrap() error { return ErrParse }

// NotFoundError reports a block whose search text occurs zero times in the
// working content.
type NotFoundError struct {
	Block         int
	SearchPreview string

	// Hint describes whitespace-insensitive near matches, if any.
	Hint string
}

func (e *NotFoundError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Could not find the search text in block %d:\n%s", e.Block, e.SearchPreview)
	b.WriteString("\nThe search text must match the file exactly, including whitespace and indentation.")
	if e.Hint != "" {
		b.WriteString("\n\n")
		b.WriteString(e.Hint)
	}
	return b.String()
}

func (e *NotFoundError) Unwrap() error { return ErrNoMatch }

// AmbiguousMatchError reports a block whose search text occurs more than
// once in the working content.
type AmbiguousMatchError struct {
	Block         int
	MatchCount    int
	SearchPreview string
}

func (e *AmbiguousMatchError) Error() string {
	return fmt.Sprintf("The search text in block %d matches %d times:\n%s\nInclude more surrounding lines so it matches exactly once.",
		e.Block, e.MatchCount, e.SearchPreview)
}

func (e *AmbiguousMatchError) Unwrap() error { return ErrMultipleMatch }

// ConflictError reports that the file changed between read and write.
type ConflictError struct {
	Path string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %v; re-read the file and retry", e.Path, ErrConflict)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

func parseFailure(block int, reason string) error {
	return pferrors.WithCode(&ParseError{Block: block, Reason: reason}, pferrors.CodePatchParse, pferrors.FieldBlock(block))
}

func notFound(block int, search, hint string) error {
	return pferrors.WithCode(&NotFoundError{
		Block:         block,
		SearchPreview: preview(search),
		Hint:          hint,
	}, pferrors.CodePatchNotFound, pferrors.FieldBlock(block))
}

func ambiguous(block, count int, search string) error {
	return pferrors.WithCode(&AmbiguousMatchError{
		Block:         block,
		MatchCount:    count,
		SearchPreview: preview(search),
	}, pferrors.CodePatchAmbiguous, pferrors.FieldBlock(block), pferrors.Field("match_count", count))
}

func conflict(path string) error {
	return pferrors.WithCode(&ConflictError{Path: path}, pferrors.CodePatchConflict, pferrors.FieldPath(path))
}

func ioFailure(err error, path, msg string) error {
	return pferrors.Wrap(err, pferrors.CodePatchIO, msg, pferrors.FieldPath(path))
}

const (
	previewMaxLines = 5
	previewMaxChars = 300
)

// preview truncates search text for error messages.
func preview(s string) string {
	lines := strings.Split(s, "\n")
	truncated := false
	if len(lines) > previewMaxLines {
		lines = lines[:previewMaxLines]
		truncated = true
	}
	out := strings.Join(lines, "\n")
	if len(out) > previewMaxChars {
		cut := previewMaxChars
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut]
		truncated = true
	}
	if truncated {
		out += "\n..."
	}
	return out
}
