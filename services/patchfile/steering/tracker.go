// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package steering tracks per-file failure streaks so repeated mistakes by
// the calling agent can be met with escalating guidance, and so a
// persistently failing type check stops flooding its responses.
//
// # Thread Safety
//
// Tracker guards both of its maps with a single mutex. Every exported
// method is safe for concurrent use; there is only one lock, so lock
// ordering never matters.
//
// State is process-lifetime only. Nothing is persisted.
package steering

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"
)

// Defaults for Config.
const (
	DefaultGCEvery       = 100
	DefaultMaxAge        = time.Hour
	DefaultSuppressAfter = 3
	DefaultHistoryLimit  = 10
)

// Stage names the point at which a patch attempt failed.
type Stage string

const (
	StageParse     Stage = "parse"
	StageNotFound  Stage = "not_found"
	StageAmbiguous Stage = "ambiguous"
	StageConflict  Stage = "conflict"
	StageIO        Stage = "io"
)

// Attempt is one failed patch call kept in a FailureRecord's history.
type Attempt struct {
	ParamsHash string    `json:"params_hash"`
	Stage      Stage     `json:"stage"`
	Message    string    `json:"message"`
	At         time.Time `json:"at"`
}

// FailureRecord is the consecutive patch failure streak for one path.
type FailureRecord struct {
	Path             string    `json:"path"`
	ConsecutiveCount int       `json:"consecutive_count"`
	LastSeen         time.Time `json:"last_seen"`
	History          []Attempt `json:"history,omitempty"`
}

type typeCheckState struct {
	consecutiveFailures int
	lastSeen            time.Time
}

// Config tunes a Tracker. Zero fields take the package defaults.
type Config struct {
	// GCEvery runs GarbageCollect on every Nth Tick.
	GCEvery int

	// MaxAge is how long an untouched entry survives garbage collection.
	MaxAge time.Duration

	// SuppressAfter is the consecutive type-check failure count at which
	// output is withheld.
	SuppressAfter int

	// HistoryLimit caps FailureRecord.History.
	HistoryLimit int
}

func (c Config) withDefaults() Config {
	if c.GCEvery <= 0 {
		c.GCEvery = DefaultGCEvery
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.SuppressAfter <= 0 {
		c.SuppressAfter = DefaultSuppressAfter
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	return c
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now. Tests use it to control record ages.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// WithLogger sets the tracker logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// Tracker is the agent-steering state for one process.
type Tracker struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	mu         sync.Mutex
	failures   map[string]*FailureRecord
	typeChecks map[string]*typeCheckState
	calls      uint64
}

// NewTracker creates an empty Tracker.
func NewTracker(cfg Config, opts ...Option) *Tracker {
	t := &Tracker{
		cfg:        cfg.withDefaults(),
		now:        time.Now,
		logger:     slog.Default(),
		failures:   make(map[string]*FailureRecord),
		typeChecks: make(map[string]*typeCheckState),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordPatchFailure extends path's failure streak and returns guidance
// for the caller, or "" while the streak is still short.
//
// # Inputs
//
//   - path: Authorized absolute path of the target file.
//   - payload: The raw patch text. Only its digest is kept.
//   - stage: Where the attempt failed.
//   - message: The error message returned to the caller.
//   - blockCount: Blocks in the payload, 0 if it did not parse.
func (t *Tracker) RecordPatchFailure(path, payload string, stage Stage, message string, blockCount int) string {
	now := t.now()
	hash := ParamsHash(payload)

	t.mu.Lock()
	rec, ok := t.failures[path]
	if !ok {
		rec = &FailureRecord{Path: path}
		t.failures[path] = rec
	}

	repeated := len(rec.History) > 0 && rec.History[len(rec.History)-1].ParamsHash == hash

	rec.ConsecutiveCount++
	rec.LastSeen = now
	rec.History = append(rec.History, Attempt{
		ParamsHash: hash,
		Stage:      stage,
		Message:    message,
		At:         now,
	})
	if over := len(rec.History) - t.cfg.HistoryLimit; over > 0 {
		rec.History = append(rec.History[:0], rec.History[over:]...)
	}
	count := rec.ConsecutiveCount
	t.mu.Unlock()

	t.logger.Debug("patch failure recorded",
		slog.String("path", path),
		slog.Int("consecutive", count),
		slog.String("stage", string(stage)),
	)

	return guidance(path, count, blockCount, repeated)
}

// RecordPatchSuccess clears path's failure streak.
func (t *Tracker) RecordPatchSuccess(path string) {
	t.mu.Lock()
	delete(t.failures, path)
	t.mu.Unlock()
}

// RecordTypeCheckResult updates path's consecutive type-check failure
// count and reports whether the current result should be withheld from
// the response. A pass resets the count and is never suppressed.
func (t *Tracker) RecordTypeCheckResult(path string, passed bool) (suppressed bool, consecutive int) {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.typeChecks[path]
	if !ok {
		st = &typeCheckState{}
		t.typeChecks[path] = st
	}
	st.lastSeen = now

	if passed {
		st.consecutiveFailures = 0
		return false, 0
	}
	st.consecutiveFailures++
	return st.consecutiveFailures >= t.cfg.SuppressAfter, st.consecutiveFailures
}

// Failure returns a copy of path's FailureRecord.
func (t *Tracker) Failure(path string) (FailureRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.failures[path]
	if !ok {
		return FailureRecord{}, false
	}
	cp := *rec
	cp.History = append([]Attempt(nil), rec.History...)
	return cp, true
}

// TypeCheckFailures returns path's consecutive type-check failure count.
func (t *Tracker) TypeCheckFailures(path string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if st, ok := t.typeChecks[path]; ok {
		return st.consecutiveFailures
	}
	return 0
}

// Tick counts one tool call and garbage collects every GCEvery calls.
// It returns the number of entries removed, 0 on calls that did not
// collect.
func (t *Tracker) Tick() int {
	t.mu.Lock()
	t.calls++
	due := t.calls%uint64(t.cfg.GCEvery) == 0
	t.mu.Unlock()

	if !due {
		return 0
	}
	return t.GarbageCollect(t.now())
}

// GarbageCollect drops entries from both maps whose last activity is
// older than MaxAge relative to now.
func (t *Tracker) GarbageCollect(now time.Time) int {
	cutoff := now.Add(-t.cfg.MaxAge)

	t.mu.Lock()
	removed := 0
	for path, rec := range t.failures {
		if rec.LastSeen.Before(cutoff) {
			delete(t.failures, path)
			removed++
		}
	}
	for path, st := range t.typeChecks {
		if st.lastSeen.Before(cutoff) {
			delete(t.typeChecks, path)
			removed++
		}
	}
	remaining := len(t.failures) + len(t.typeChecks)
	t.mu.Unlock()

	if removed > 0 {
		t.logger.Debug("steering state collected",
			slog.Int("removed", removed),
			slog.Int("remaining", remaining),
		)
	}
	return removed
}

// Len returns the number of tracked failure and type-check entries.
func (t *Tracker) Len() (failures, typeChecks int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.failures), len(t.typeChecks)
}

// ParamsHash returns the first 12 hex characters of payload's SHA-256.
func ParamsHash(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])[:12]
}
