// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package security sandboxes every file target against a fixed set of
// allowed root directories.
//
// # Description
//
// Gate.Authorize turns a caller-supplied path into a canonical absolute
// path that is guaranteed to be inside one of the roots. The check runs
// after separator normalization and symlink resolution, so neither
// syntactic tricks (mixed separators, "..") nor filesystem tricks (a
// symlink pointing outside) can escape. Targets with a binary extension
// are rejected before any read.
//
// Startup checks (CheckStartup) refuse elevated execution and require
// every root to exist and be readable and writable.
//
// # Thread Safety
//
// Gate is immutable after NewGate and safe for concurrent use.
package security

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// =============================================================================
// PATH NORMALIZATION
// =============================================================================

// NormalizePath converts any separator style to the host's canonical form.
//
// # Description
//
// Forward slashes, backslashes, doubled (escaped) backslashes and mixes of
// them are all folded into single host separators, then the path is
// cleaned. Relative input is rejected.
//
// # Inputs
//
//   - raw: Caller-supplied path.
//
// # Outputs
//
//   - string: Clean absolute path in host form.
//   - error: ErrEmptyPath or ErrNotAbsolute.
func NormalizePath(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrEmptyPath
	}

	slashed := strings.ReplaceAll(trimmed, `\`, "/")
	for strings.Contains(slashed, "//") {
		slashed = strings.ReplaceAll(slashed, "//", "/")
	}

	p := filepath.FromSlash(slashed)
	if !filepath.IsAbs(p) {
		return "", ErrNotAbsolute
	}
	return filepath.Clean(p), nil
}

// =============================================================================
// GATE
// =============================================================================

// Gate authorizes file targets against the allowed root set.
type Gate struct {
	roots  []string
	logger *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the logger used for rejection diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		g.logger = logger
	}
}

// NewGate canonicalizes roots and returns an immutable Gate.
//
// # Description
//
// Each root is normalized, made absolute and resolved through symlinks
// (handles macOS /var -> /private/var). Duplicates are dropped. A root
// that does not exist is an error: the sandbox must be fully known at
// startup.
//
// # Inputs
//
//   - roots: Allowed directories. At least one is required.
//   - opts: Optional configuration.
//
// # Outputs
//
//   - *Gate: Ready for use.
//   - error: ErrNoRoots, or a resolution error naming the root.
func NewGate(roots []string, opts ...Option) (*Gate, error) {
	if len(roots) == 0 {
		return nil, ErrNoRoots
	}

	g := &Gate{logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}

	seen := make(map[string]struct{}, len(roots))
	for _, root := range roots {
		canonical, err := canonicalRoot(root)
		if err != nil {
			return nil, fmt.Errorf("allowed directory %q: %w", root, err)
		}
		if _, dup := seen[canonical]; dup {
			continue
		}
		seen[canonical] = struct{}{}
		g.roots = append(g.roots, canonical)
	}

	return g, nil
}

func canonicalRoot(root string) (string, error) {
	p, err := NormalizePath(root)
	if err == ErrNotAbsolute {
		abs, absErr := filepath.Abs(filepath.FromSlash(strings.ReplaceAll(root, `\`, "/")))
		if absErr != nil {
			return "", absErr
		}
		p, err = abs, nil
	}
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(p)
}

// Roots returns a copy of the canonical allowed roots.
func (g *Gate) Roots() []string {
	out := make([]string, len(g.roots))
	copy(out, g.roots)
	return out
}

// Authorize validates raw and returns the canonical path to operate on.
//
// # Description
//
// Steps, in order: normalize separators, reject relative input, reject a
// binary extension, resolve symlinks through the nearest existing
// ancestor, reject a binary extension on the resolved target, and finally
// require the resolved path to equal or descend from an allowed root.
// No file content is read.
//
// # Inputs
//
//   - raw: Caller-supplied path.
//
// # Outputs
//
//   - string: Resolved absolute path inside the sandbox.
//   - error: *PermissionError tagged security.permission,
//     security.binary_file or security.invalid_path.
func (g *Gate) Authorize(raw string) (string, error) {
	p, err := NormalizePath(raw)
	if err != nil {
		return "", denied(raw, err)
	}

	if IsBinaryExtension(p) {
		return "", denied(p, ErrBinaryFile)
	}

	resolved, err := resolvePathWithAncestors(p)
	if err != nil {
		return "", denied(p, err)
	}

	if IsBinaryExtension(resolved) {
		return "", denied(p, ErrBinaryFile)
	}

	if !g.Contains(resolved) {
		g.logger.Warn("path rejected outside allowed directories",
			slog.String("requested", raw),
			slog.String("resolved", resolved),
		)
		return "", denied(p, ErrOutsideRoots)
	}

	return resolved, nil
}

// Contains reports whether p, already resolved, equals or descends from an
// allowed root.
func (g *Gate) Contains(p string) bool {
	for _, root := range g.roots {
		if isWithin(root, p) {
			return true
		}
	}
	return false
}

// isWithin is a component-wise descendant check. "/repo-other" is not
// within "/repo".
func isWithin(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return !filepath.IsAbs(rel)
}

// maxSymlinkHops matches the Linux MAXSYMLINKS limit.
const maxSymlinkHops = 40

// resolvePathWithAncestors resolves symlinks through the nearest existing
// ancestor, so targets that do not exist yet still resolve their parent
// directories. A dangling symlink at the first missing component is
// followed to where it points, since writing through it would create the
// file there.
func resolvePathWithAncestors(path string) (string, error) {
	return resolveHops(path, maxSymlinkHops)
}

func resolveHops(path string, hops int) (string, error) {
	if realPath, err := filepath.EvalSymlinks(path); err == nil {
		return realPath, nil
	}

	current := path
	var missing []string

	for {
		parent := filepath.Dir(current)
		if parent == current {
			break
		}

		if realParent, err := filepath.EvalSymlinks(parent); err == nil {
			resolved := filepath.Join(realParent, filepath.Base(current))
			if target, err := os.Readlink(resolved); err == nil {
				if hops == 0 {
					return "", ErrSymlinkLoop
				}
				if !filepath.IsAbs(target) {
					target = filepath.Join(realParent, target)
				}
				if resolved, err = resolveHops(filepath.Clean(target), hops-1); err != nil {
					return "", err
				}
			}
			for i := len(missing) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, missing[i])
			}
			return resolved, nil
		}

		missing = append(missing, filepath.Base(current))
		current = parent
	}

	return path, nil
}

// statDir reports whether p exists and is a directory.
func statDir(p string) error {
	info, err := os.Stat(p)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", p)
	}
	return nil
}
