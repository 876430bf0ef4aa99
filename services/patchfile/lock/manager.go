// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock serializes edits to the same file.
//
// A request holds its path's lock for the whole patch, QA and commit
// sequence. Inside one process the lock is a per-path channel semaphore;
// across processes it is an advisory lock on a sidecar file in the lock
// directory, so the target file itself is never opened for locking.
package lock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultPollInterval is how often a blocked Acquire retries the
// cross-process lock.
const DefaultPollInterval = 25 * time.Millisecond

// DefaultDir returns a per-user lock directory: patchfile/locks under
// the user cache directory, or $TMPDIR/patchfile-locks-<uid> when there
// is no cache directory.
func DefaultDir() string {
	if cache, err := os.UserCacheDir(); err == nil && cache != "" {
		return filepath.Join(cache, "patchfile", "locks")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("patchfile-locks-%d", os.Getuid()))
}

// Manager hands out per-path exclusive locks.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Manager struct {
	dir    string
	poll   time.Duration
	locker FileLocker
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// entry is the in-process lock for one path. refs counts holders plus
// waiters so the entry can be dropped when nobody uses it.
type entry struct {
	sem  chan struct{}
	refs int
}

// Option configures a Manager.
type Option func(*Manager)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.poll = d
	}
}

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a Manager whose sidecar lock files live in dir.
// An empty dir means DefaultDir(). dir must end up a directory owned by
// the current user; a directory planted by someone else is refused with
// ErrLockUnavailable.
func NewManager(dir string, opts ...Option) (*Manager, error) {
	if dir == "" {
		dir = DefaultDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating lock directory %s: %w", dir, err)
	}
	if err := checkLockDir(dir); err != nil {
		return nil, err
	}

	m := &Manager{
		dir:     dir,
		poll:    DefaultPollInterval,
		locker:  newFileLocker(),
		logger:  slog.Default(),
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Dir returns the sidecar directory.
func (m *Manager) Dir() string {
	return m.dir
}

// Acquire blocks until the caller holds path's lock or ctx is done.
//
// # Inputs
//
//   - ctx: Bounds the wait.
//   - path: Absolute, already authorized path. Used verbatim as the key.
//
// # Outputs
//
//   - func(): Releases the lock. Must be called exactly once.
//   - error: ctx's error, wrapped, if the wait was abandoned; or
//     ErrLockUnavailable, wrapped, if the sidecar file cannot be used.
func (m *Manager) Acquire(ctx context.Context, path string) (func(), error) {
	e := m.ref(path)

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		m.unref(path)
		return nil, fmt.Errorf("waiting for lock on %s: %w", path, ctx.Err())
	}

	f, err := m.lockSidecar(ctx, path)
	if err != nil {
		<-e.sem
		m.unref(path)
		return nil, err
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			if err := m.locker.Unlock(f); err != nil {
				m.logger.Warn("failed to release file lock",
					slog.String("path", path),
					slog.String("error", err.Error()),
				)
			}
			_ = f.Close()
			<-e.sem
			m.unref(path)
		})
	}
	return release, nil
}

// lockSidecar opens path's sidecar file and polls for its lock.
func (m *Manager) lockSidecar(ctx context.Context, path string) (*os.File, error) {
	sidecar := m.SidecarPath(path)
	f, err := os.OpenFile(sidecar, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %w", ErrLockUnavailable, sidecar, err)
	}

	var ticker *time.Ticker
	for {
		err := m.locker.Lock(f)
		if err == nil {
			if ticker != nil {
				ticker.Stop()
			}
			return f, nil
		}
		if err != ErrFileLocked {
			_ = f.Close()
			if ticker != nil {
				ticker.Stop()
			}
			return nil, fmt.Errorf("%w: locking %s: %w", ErrLockUnavailable, sidecar, err)
		}

		if ticker == nil {
			m.logger.Debug("file locked by another process, waiting", slog.String("path", path))
			ticker = time.NewTicker(m.poll)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			ticker.Stop()
			_ = f.Close()
			return nil, fmt.Errorf("waiting for lock on %s: %w", path, ctx.Err())
		}
	}
}

// SidecarPath returns the lock file used for path.
func (m *Manager) SidecarPath(path string) string {
	sum := sha256.Sum256([]byte(path))
	return filepath.Join(m.dir, hex.EncodeToString(sum[:16])+".lock")
}

func (m *Manager) ref(path string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[path]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		m.entries[path] = e
	}
	e.refs++
	return e
}

func (m *Manager) unref(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[path]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(m.entries, path)
	}
}

// Len returns the number of paths currently held or waited on.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
