// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package versioning commits successfully patched files to the git
// repository that contains them.
//
// Versioning is best-effort. A failure here is logged and reported as a
// warning; it never changes the outcome of the edit itself.
package versioning

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	pferrors "github.com/AleutianAI/PatchFile/pkg/errors"
)

// DefaultTimeout bounds each git invocation.
const DefaultTimeout = 10 * time.Second

var (
	// ErrGitUnavailable means no git binary is on PATH.
	ErrGitUnavailable = errors.New("git not found on PATH")

	// ErrNotRepository means the file is not inside a git work tree.
	ErrNotRepository = errors.New("not inside a git work tree")
)

// Commit describes a commit created by CommitFile.
type Commit struct {
	Hash    string `json:"hash"`
	Message string `json:"message"`
	Root    string `json:"root"`
}

// Client runs git commands.
//
// # Thread Safety
//
// Stateless apart from configuration; safe for concurrent use. Git itself
// serializes index updates within one repository via index.lock, so
// concurrent commits in the same repository may fail and are reported as
// such.
type Client struct {
	git     string
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient locates git on PATH.
func NewClient(timeout time.Duration, logger *slog.Logger) (*Client, error) {
	bin, err := exec.LookPath("git")
	if err != nil {
		return nil, pferrors.Wrap(ErrGitUnavailable, pferrors.CodeVersioningGit, "versioning disabled")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{git: bin, timeout: timeout, logger: logger}, nil
}

// run executes git in dir and returns trimmed stdout.
func (c *Client) run(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.git, args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", pferrors.Errorf(pferrors.CodeVersioningGit, "git %s: timeout after %v", args[0], c.timeout)
		}
		return "", pferrors.Wrap(err, pferrors.CodeVersioningGit,
			fmt.Sprintf("git %s: %s", args[0], strings.TrimSpace(stderr.String())))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// RepoRoot returns the top of the work tree containing dir.
func (c *Client) RepoRoot(ctx context.Context, dir string) (string, error) {
	root, err := c.run(ctx, dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", pferrors.Wrap(ErrNotRepository, pferrors.CodeVersioningGit, dir)
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	return filepath.Clean(root), nil
}

// MessageFor returns the commit message used for path.
func MessageFor(path string) string {
	return "Update " + filepath.Base(path)
}

// CommitFile stages path and commits only that path.
//
// # Description
//
// Other staged or modified files in the repository are left alone. When
// path has no changes relative to HEAD, nothing is committed and CommitFile
// returns (nil, nil).
//
// # Inputs
//
//   - ctx: Bounds the whole sequence, each git call additionally gets the
//     client timeout.
//   - path: Absolute path of the patched file.
//
// # Outputs
//
//   - *Commit: The new commit, or nil if there was nothing to commit.
//   - error: ErrNotRepository (wrapped) when path is not under git, or a
//     versioning.git error from any git step.
func (c *Client) CommitFile(ctx context.Context, path string) (*Commit, error) {
	dir := filepath.Dir(path)

	root, err := c.RepoRoot(ctx, dir)
	if err != nil {
		return nil, err
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || escapesRoot(rel) {
		return nil, pferrors.Wrap(ErrNotRepository, pferrors.CodeVersioningGit, path)
	}
	rel = filepath.ToSlash(rel)

	if _, err := c.run(ctx, root, "add", "--", rel); err != nil {
		return nil, err
	}

	if changed, err := c.hasStagedChange(ctx, root, rel); err != nil {
		return nil, err
	} else if !changed {
		c.logger.DebugContext(ctx, "no changes to commit", slog.String("path", path))
		return nil, nil
	}

	msg := MessageFor(path)
	if _, err := c.run(ctx, root, "commit", "--no-verify", "-m", msg, "--", rel); err != nil {
		return nil, err
	}

	hash, err := c.run(ctx, root, "rev-parse", "--short", "HEAD")
	if err != nil {
		return nil, err
	}

	c.logger.InfoContext(ctx, "committed file",
		slog.String("path", path),
		slog.String("commit", hash),
	)
	return &Commit{Hash: hash, Message: msg, Root: root}, nil
}

// hasStagedChange reports whether rel differs between the index and HEAD.
// A repository without commits counts every staged file as a change.
func (c *Client) hasStagedChange(ctx context.Context, root, rel string) (bool, error) {
	if _, err := c.run(ctx, root, "rev-parse", "--verify", "--quiet", "HEAD"); err != nil {
		return true, nil
	}
	out, err := c.run(ctx, root, "diff", "--cached", "--name-only", "--", rel)
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// escapesRoot reports whether a filepath.Rel result leaves its base. Names
// that merely start with dots, like "..config.py", stay inside.
func escapesRoot(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
