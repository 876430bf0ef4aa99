// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"io"
	"log/slog"

	"github.com/AleutianAI/PatchFile/pkg/logging"
	"github.com/AleutianAI/PatchFile/services/patchfile/config"
	"github.com/AleutianAI/PatchFile/services/patchfile/handler"
	"github.com/AleutianAI/PatchFile/services/patchfile/lock"
	"github.com/AleutianAI/PatchFile/services/patchfile/patch"
	"github.com/AleutianAI/PatchFile/services/patchfile/qa"
	"github.com/AleutianAI/PatchFile/services/patchfile/security"
	"github.com/AleutianAI/PatchFile/services/patchfile/steering"
	"github.com/AleutianAI/PatchFile/services/patchfile/telemetry"
	"github.com/AleutianAI/PatchFile/services/patchfile/versioning"
)

// app is the composition root shared by serve, apply and doctor.
type app struct {
	cfg     *config.Config
	logger  *logging.Logger
	gate    *security.Gate
	steps   qa.Steps
	handler *handler.Handler

	closers []io.Closer
}

// newLogger builds the process logger. quiet drops the console
// destination when a log directory is configured. Records logged with a
// request context are also attached to the request span.
func newLogger(cfg *config.Config, quiet bool) *logging.Logger {
	level, err := logging.ParseLevel(cfg.Log.Level)
	logger := logging.New(logging.Config{
		Level:    level,
		LogDir:   cfg.Log.Dir,
		Service:  "patchfile",
		JSON:     cfg.Log.JSON,
		Quiet:    quiet && cfg.Log.Dir != "",
		Exporter: telemetry.NewSpanEventHandler(slog.LevelDebug),
	})
	if err != nil {
		logger.Warn("invalid log level, using info", slog.String("error", err.Error()))
	}
	return logger
}

// newApp wires every component from cfg.
func newApp(cfg *config.Config, logger *logging.Logger) (*app, error) {
	log := logger.Slog()
	a := &app{cfg: cfg, logger: logger}

	gate, err := security.NewGate(cfg.AllowedDirs, security.WithLogger(log))
	if err != nil {
		return nil, err
	}
	a.gate = gate

	locks, err := lock.NewManager(cfg.Lock.Dir, lock.WithLogger(log))
	if err != nil {
		return nil, err
	}

	tracker := steering.NewTracker(steering.Config{
		GCEvery:       cfg.Steering.GCEvery,
		MaxAge:        cfg.Steering.MaxAge,
		SuppressAfter: cfg.Steering.SuppressAfter,
		HistoryLimit:  cfg.Steering.HistoryLimit,
	}, steering.WithLogger(log))

	resolver := qa.NewVenvResolver(log)
	a.closers = append(a.closers, resolver)
	a.steps = qa.DefaultSteps(cfg.QA, resolver, log)

	orchestrator := qa.NewOrchestrator(qa.ConfigFrom(cfg.QA), a.steps,
		qa.WithRecorder(tracker),
		qa.WithLogger(log),
	)

	deps := handler.Deps{
		Gate:    gate,
		Engine:  patch.NewEngine(patch.WithLogger(log)),
		Tracker: tracker,
		Locks:   locks,
		QA:      orchestrator,
	}

	if cfg.Versioning.Enabled {
		client, err := versioning.NewClient(cfg.Versioning.Timeout, log)
		if err != nil {
			logger.Warn("versioning disabled", slog.String("error", err.Error()))
		} else {
			deps.Committer = client
		}
	}

	a.handler, err = handler.New(deps,
		handler.WithLogger(log),
		handler.WithMaxConcurrent(cfg.Server.MaxConcurrent),
		handler.WithRateLimit(cfg.Server.RatePerSecond),
	)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// Close releases watchers. The logger is closed by the caller.
func (a *app) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
