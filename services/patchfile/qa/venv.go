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
	"log/slog"
	"strconv"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"
)

// MaxVenvSearchDepth is how many parent directories are searched for a
// virtualenv, starting at the edited file's directory.
const MaxVenvSearchDepth = 10

// maxWatchedDirs bounds the fsnotify watch set. Beyond it, lookups are
// still answered but no longer cached.
const maxWatchedDirs = 512

// venvDirNames are checked in order in each directory.
var venvDirNames = []string{".venv", "venv"}

// InterpreterResolver finds the Python interpreter tools should run
// under for files in dir. "" means none; tools then run from PATH.
type InterpreterResolver interface {
	Resolve(ctx context.Context, dir string) (string, error)
}

// StaticInterpreter always resolves to one interpreter.
type StaticInterpreter string

// Resolve returns s.
func (s StaticInterpreter) Resolve(context.Context, string) (string, error) {
	return string(s), nil
}

// VenvResolver discovers project virtualenvs by walking up from a file's
// directory.
//
// # Description
//
// Results are cached per start directory. Every directory visited during
// a walk is watched with fsnotify, along with any .venv or venv directory
// found there and its bin (Scripts on Windows) directory. A create, remove
// or rename of a virtualenv, its interpreter directory or the interpreter
// clears the cache. Concurrent lookups for the same directory share one
// walk through singleflight; a walk that overlaps an invalidation is
// returned but not cached.
//
// # Thread Safety
//
// Safe for concurrent use. Close stops the watcher goroutine.
type VenvResolver struct {
	logger *slog.Logger
	group  singleflight.Group

	// find is FindVenvPython; tests replace it.
	find func(dir string) (string, []string)

	mu      sync.RWMutex
	gen     uint64
	cache   map[string]string
	watched map[string]struct{}

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
	closed  bool
}

// NewVenvResolver creates a resolver. If the platform watcher cannot be
// created the resolver still works, uncached.
func NewVenvResolver(logger *slog.Logger) *VenvResolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &VenvResolver{
		logger:  logger,
		find:    FindVenvPython,
		cache:   make(map[string]string),
		watched: make(map[string]struct{}),
		done:    make(chan struct{}),
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("virtualenv cache disabled: cannot create file watcher", slog.String("error", err.Error()))
		return r
	}
	r.watcher = w
	r.wg.Add(1)
	go r.watchLoop()
	return r
}

// Resolve returns the interpreter of the nearest virtualenv at or above
// dir, or "" if none exists within MaxVenvSearchDepth levels.
func (r *VenvResolver) Resolve(ctx context.Context, dir string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir = filepath.Clean(dir)

	r.mu.RLock()
	python, ok := r.cache[dir]
	gen := r.gen
	r.mu.RUnlock()
	if ok {
		return python, nil
	}

	// Lookups started after an invalidation must not join an older walk.
	key := strconv.FormatUint(gen, 10) + "\x00" + dir
	v, _, _ := r.group.Do(key, func() (any, error) {
		python, visited := r.find(dir)
		r.remember(dir, python, watchDirs(visited), gen)
		return python, nil
	})
	return v.(string), nil
}

// remember caches the lookup if no invalidation happened since gen and
// every directory could be watched.
func (r *VenvResolver) remember(dir, python string, dirs []string, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.watcher == nil || r.closed || r.gen != gen {
		return
	}
	for _, d := range dirs {
		if _, ok := r.watched[d]; ok {
			continue
		}
		if len(r.watched) >= maxWatchedDirs {
			return
		}
		if err := r.watcher.Add(d); err != nil {
			r.logger.Debug("cannot watch directory for virtualenv changes",
				slog.String("dir", d),
				slog.String("error", err.Error()),
			)
			return
		}
		r.watched[d] = struct{}{}
	}
	r.cache[dir] = python
}

func (r *VenvResolver) watchLoop() {
	defer r.wg.Done()
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			r.handleEvent(event)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("virtualenv watcher error", slog.String("error", err.Error()))
		case <-r.done:
			return
		}
	}
}

func (r *VenvResolver) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	if !isVenvPath(event.Name) {
		return
	}

	r.mu.Lock()
	n := len(r.cache)
	r.gen++
	clear(r.cache)
	r.mu.Unlock()

	r.logger.Debug("virtualenv cache invalidated",
		slog.String("path", event.Name),
		slog.Int("entries", n),
	)
}

// Invalidate drops every cached lookup.
func (r *VenvResolver) Invalidate() {
	r.mu.Lock()
	r.gen++
	clear(r.cache)
	r.mu.Unlock()
}

// Close stops the watcher. Resolve keeps working, uncached.
func (r *VenvResolver) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.gen++
	clear(r.cache)
	r.mu.Unlock()

	if r.watcher == nil {
		return nil
	}
	close(r.done)
	err := r.watcher.Close()
	r.wg.Wait()
	return err
}

// FindVenvPython walks up from dir looking for a virtualenv interpreter.
// It returns the interpreter path ("" if none) and the directories it
// examined.
func FindVenvPython(dir string) (string, []string) {
	var visited []string
	current := filepath.Clean(dir)

	for i := 0; i < MaxVenvSearchDepth; i++ {
		visited = append(visited, current)
		for _, name := range venvDirNames {
			if python := venvInterpreter(filepath.Join(current, name)); python != "" {
				return python, visited
			}
		}

		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}
	return "", visited
}

// watchDirs extends the walked directories with the virtualenv and
// interpreter directories that already exist inside them, so a venv that
// gains its interpreter later is noticed.
func watchDirs(visited []string) []string {
	dirs := append([]string(nil), visited...)
	for _, d := range visited {
		for _, name := range venvDirNames {
			venv := filepath.Join(d, name)
			if !isDir(venv) {
				continue
			}
			dirs = append(dirs, venv)
			if bin := venvBinDir(venv); isDir(bin) {
				dirs = append(dirs, bin)
			}
		}
	}
	return dirs
}

// isVenvPath reports whether name is a virtualenv directory, its
// interpreter directory, or the interpreter itself.
func isVenvPath(name string) bool {
	isVenv := func(p string) bool {
		base := filepath.Base(p)
		for _, n := range venvDirNames {
			if base == n {
				return true
			}
		}
		return false
	}

	if isVenv(name) {
		return true
	}
	parent := filepath.Dir(name)
	if isVenv(parent) && filepath.Base(name) == venvBinName() {
		return true
	}
	return filepath.Base(name) == venvPythonName() &&
		filepath.Base(parent) == venvBinName() &&
		isVenv(filepath.Dir(parent))
}

func venvBinName() string {
	if runtime.GOOS == "windows" {
		return "Scripts"
	}
	return "bin"
}

func venvPythonName() string {
	if runtime.GOOS == "windows" {
		return "python.exe"
	}
	return "python"
}

func venvBinDir(venv string) string {
	return filepath.Join(venv, venvBinName())
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// venvInterpreter returns the interpreter inside venv if it exists.
func venvInterpreter(venv string) string {
	python := filepath.Join(venvBinDir(venv), venvPythonName())
	info, err := os.Stat(python)
	if err != nil || info.IsDir() {
		return ""
	}
	return python
}
